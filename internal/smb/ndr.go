package smb

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"

	"github.com/pkg/errors"
	"github.com/specterops/dirhound/internal/acl"
)

// ErrShortStub is returned when an NDR response ends before a field.
var ErrShortStub = errors.New("ndr: response stub too short")

// ContextHandle is an opaque 20-byte RPC policy handle.
type ContextHandle [20]byte

// IsZero reports whether the handle is all zeroes (the server refused it).
func (h ContextHandle) IsZero() bool {
	return h == ContextHandle{}
}

// ndrWriter encodes NDR20 little-endian request stubs.
type ndrWriter struct {
	buf      bytes.Buffer
	referent uint32
}

func newNDRWriter() *ndrWriter {
	return &ndrWriter{referent: 0x00020000}
}

func (w *ndrWriter) Bytes() []byte {
	return w.buf.Bytes()
}

func (w *ndrWriter) align(n int) {
	for w.buf.Len()%n != 0 {
		w.buf.WriteByte(0)
	}
}

func (w *ndrWriter) uint16(v uint16) {
	w.align(2)
	binary.Write(&w.buf, binary.LittleEndian, v)
}

func (w *ndrWriter) uint32(v uint32) {
	w.align(4)
	binary.Write(&w.buf, binary.LittleEndian, v)
}

// pointer writes a fresh non-null referent id.
func (w *ndrWriter) pointer() {
	w.uint32(w.referent)
	w.referent += 4
}

func (w *ndrWriter) null() {
	w.uint32(0)
}

func (w *ndrWriter) handle(h ContextHandle) {
	w.align(4)
	w.buf.Write(h[:])
}

// wideString writes a conformant varying NUL-terminated UTF-16 string.
func (w *ndrWriter) wideString(s string) {
	chars := utf16.Encode([]rune(s + "\x00"))
	w.uint32(uint32(len(chars))) // max count
	w.uint32(0)                  // offset
	w.uint32(uint32(len(chars))) // actual count
	for _, c := range chars {
		binary.Write(&w.buf, binary.LittleEndian, c)
	}
	w.align(4)
}

// uniqueWideString writes a unique pointer to a wide string, NULL for "".
func (w *ndrWriter) uniqueWideString(s string) {
	if s == "" {
		w.null()
		return
	}
	w.pointer()
	w.wideString(s)
}

// unicodeString writes an RPC_UNICODE_STRING header and its deferred buffer,
// without a terminating NUL.
func (w *ndrWriter) unicodeString(s string) {
	chars := utf16.Encode([]rune(s))
	w.uint16(uint16(len(chars) * 2))
	w.uint16(uint16(len(chars) * 2))
	w.pointer()
	w.uint32(uint32(len(chars)))
	w.uint32(0)
	w.uint32(uint32(len(chars)))
	for _, c := range chars {
		binary.Write(&w.buf, binary.LittleEndian, c)
	}
	w.align(4)
}

// emptyUnicodeBuffer writes an RPC_UNICODE_STRING with zero length and room
// for maxChars characters, used as an output buffer.
func (w *ndrWriter) emptyUnicodeBuffer(maxChars int) {
	w.uint16(0)
	w.uint16(uint16(maxChars * 2))
	w.pointer()
	w.uint32(uint32(maxChars))
	w.uint32(0)
	w.uint32(0)
}

// sid writes a conformant RPC_SID.
func (w *ndrWriter) sid(s *acl.SID) {
	w.uint32(uint32(len(s.SubAuthorities)))
	w.buf.Write(s.Bytes())
}

// ndrReader decodes response stubs. The first decoding error sticks and all
// later reads return zero values.
type ndrReader struct {
	data []byte
	pos  int
	err  error
}

func newNDRReader(data []byte) *ndrReader {
	return &ndrReader{data: data}
}

func (r *ndrReader) Err() error {
	return r.err
}

func (r *ndrReader) align(n int) {
	if rem := r.pos % n; rem != 0 {
		r.pos += n - rem
	}
}

func (r *ndrReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = ErrShortStub
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *ndrReader) uint16() uint16 {
	r.align(2)
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *ndrReader) uint32() uint32 {
	r.align(4)
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *ndrReader) handle() ContextHandle {
	var h ContextHandle
	r.align(4)
	copy(h[:], r.take(20))
	return h
}

// wideString reads a conformant varying UTF-16 string, dropping a trailing NUL.
func (r *ndrReader) wideString() string {
	maxCount := r.uint32()
	_ = r.uint32() // offset
	actual := r.uint32()
	if r.err == nil && (actual > maxCount || int(actual)*2 > len(r.data)-r.pos) {
		r.err = ErrShortStub
	}
	raw := r.take(int(actual) * 2)
	if raw == nil {
		return ""
	}
	chars := make([]uint16, actual)
	for i := range chars {
		chars[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	for len(chars) > 0 && chars[len(chars)-1] == 0 {
		chars = chars[:len(chars)-1]
	}
	r.align(4)
	return string(utf16.Decode(chars))
}

// sid reads a conformant RPC_SID.
func (r *ndrReader) sid() string {
	count := r.uint32()
	if r.err != nil {
		return ""
	}
	raw := r.take(8 + 4*int(count))
	if raw == nil {
		return ""
	}
	parsed, err := acl.ParseSID(raw)
	if err != nil {
		r.err = err
		return ""
	}
	return parsed.String()
}

// stubStatus returns the trailing status word of a response stub.
func stubStatus(stub []byte) (uint32, error) {
	if len(stub) < 4 {
		return 0, ErrShortStub
	}
	return binary.LittleEndian.Uint32(stub[len(stub)-4:]), nil
}
