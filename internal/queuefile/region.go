package queuefile

import (
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Region is a single mmap window over part of a cycle or directory-listing
// file. The library never keeps more than one window per open handle
// mapped at a time; callers remap instead of layering windows so there is
// always exactly one owner of the underlying virtual memory.
type Region struct {
	Buf    []byte
	Offset int64
	prot   int
}

// Remap drops any existing mapping and maps [offset, offset+length) of fd
// with the given protection flags. Called whenever the tip of the file
// being walked moves outside the current window.
func (r *Region) Remap(fd int, offset int64, length int, prot int) error {
	if err := r.Close(); err != nil {
		return err
	}
	if length <= 0 {
		return nil
	}
	buf, err := unix.Mmap(fd, offset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return xerrors.Errorf("queuefile: mmap offset=%d length=%d: %w", offset, length, err)
	}
	r.Buf = buf
	r.Offset = offset
	r.prot = prot
	return nil
}

// Close unmaps the region, if one is mapped. Safe to call on an
// already-closed Region.
func (r *Region) Close() error {
	if r.Buf == nil {
		return nil
	}
	err := unix.Munmap(r.Buf)
	r.Buf = nil
	r.Offset = 0
	if err != nil {
		return xerrors.Errorf("queuefile: munmap: %w", err)
	}
	return nil
}

// Covers reports whether the window currently mapped can serve a read or
// write of length bytes starting at absolute file offset tip.
func (r *Region) Covers(tip int64, length int) bool {
	return r.Buf != nil && tip >= r.Offset && tip+int64(length) <= r.Offset+int64(len(r.Buf))
}
