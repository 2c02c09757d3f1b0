package libchronicle

// Encoder turns an application message into bytes written directly into a
// claimed record slot. SizeOf must return the exact number of bytes Write
// will produce, since that size is what gets reserved (and, if it grows
// past the current block size, triggers doubling) before Write runs.
type Encoder interface {
	SizeOf(msg interface{}) int
	Write(dst []byte, msg interface{}) int
}

// Decoder turns record payload bytes back into an application message.
type Decoder interface {
	Parse(src []byte) (interface{}, error)
}

// TextCodec is the default encoder/decoder pair: messages are plain
// strings, copied byte for byte with no framing of their own (the record
// header already carries the length).
type TextCodec struct{}

// SizeOf implements Encoder.
func (TextCodec) SizeOf(msg interface{}) int {
	s, _ := msg.(string)
	return len(s)
}

// Write implements Encoder.
func (TextCodec) Write(dst []byte, msg interface{}) int {
	s, _ := msg.(string)
	return copy(dst, s)
}

// Parse implements Decoder.
func (TextCodec) Parse(src []byte) (interface{}, error) {
	b := make([]byte, len(src))
	copy(b, src)
	return string(b), nil
}
