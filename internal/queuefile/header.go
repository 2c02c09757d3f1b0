// Package queuefile implements the mapped-region and record-header
// mechanics shared by every cycle file and the directory-listing file: the
// lock-free CAS write protocol, the sliding mmap window, and the block
// parser state machine that walks a mapped region record by record.
package queuefile

import (
	"sync/atomic"
	"unsafe"
)

// Record header state, packed into the high two bits of the 4-byte
// little-endian header word; the low 30 bits hold a length or a pid.
const (
	HeaderUnallocated uint32 = 0x00000000
	HeaderWorking     uint32 = 0x80000000
	HeaderMetadata    uint32 = 0x40000000
	HeaderEOF         uint32 = 0xC0000000

	MaskLength uint32 = 0x3FFFFFFF
	MaskMeta   uint32 = 0xC0000000
)

// LoadHeader atomically reads the 4-byte header at byte offset off in buf,
// with the memory fence a cross-process reader needs before trusting the
// length/state it returns.
func LoadHeader(buf []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&buf[off])))
}

// StoreHeader atomically writes a header word, used to commit a record's
// final length or to patch EOF over an abandoned slot.
func StoreHeader(buf []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&buf[off])), v)
}

// CASHeader attempts the single-writer-per-slot claim: old must observe
// HeaderUnallocated for the CAS to succeed.
func CASHeader(buf []byte, off int, old, new uint32) bool {
	return atomic.CompareAndSwapUint32((*uint32)(unsafe.Pointer(&buf[off])), old, new)
}

// LoadUint64 atomically reads an 8-byte cell, used for the shared
// highestCycle/lowestCycle/modCount counters in the directory listing.
func LoadUint64(buf []byte, off int) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[off])))
}

// StoreUint64 atomically writes an 8-byte cell.
func StoreUint64(buf []byte, off int, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[off])), v)
}

// AddUint64 atomically adds delta to the 8-byte cell at off, returning the
// new value; this is how every writer bumps modCount after a commit.
func AddUint64(buf []byte, off int, delta uint64) uint64 {
	return atomic.AddUint64((*uint64)(unsafe.Pointer(&buf[off])), delta)
}

// CASUint64 attempts a compare-and-swap on an 8-byte cell, used to raise
// the shared highestCycle cell in the directory listing.
func CASUint64(buf []byte, off int, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(&buf[off])), old, new)
}
