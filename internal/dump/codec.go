package dump

import "encoding/binary"

// writer is an append-only little-endian byte encoder; it never fails
// (append cannot run out of memory in any way Encode's caller can
// observe), so its methods have no error return.
type writer struct {
	buf []byte
}

func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) u8(b uint8) { w.buf = append(w.buf, b) }

func (w *writer) boolean(b bool) {
	if b {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) i32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.bytes(b[:])
}

func (w *writer) i64(v int64) { w.u64(uint64(v)) }

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.bytes(b[:])
}

func (w *writer) str(s string) {
	w.i32(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// reader is a forward-only decoder over a fixed byte slice. The first
// malformed read sets err and every subsequent read becomes a no-op,
// so callers can decode a whole tree and check err once at the end
// rather than threading an error return through every field.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = errTruncated
	}
}

var errTruncated = shortDumpError{}

type shortDumpError struct{}

func (shortDumpError) Error() string { return "dump: truncated or corrupt payload" }

func (r *reader) bytes(dst []byte) bool {
	if r.err != nil || r.pos+len(dst) > len(r.buf) {
		r.fail()
		return false
	}
	copy(dst, r.buf[r.pos:r.pos+len(dst)])
	r.pos += len(dst)
	return true
}

func (r *reader) u8() (uint8, bool) {
	if r.err != nil || r.pos+1 > len(r.buf) {
		r.fail()
		return 0, false
	}
	b := r.buf[r.pos]
	r.pos++
	return b, true
}

func (r *reader) boolean() bool {
	b, _ := r.u8()
	return b != 0
}

func (r *reader) i32() int32 {
	if r.err != nil || r.pos+4 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return int32(v)
}

func (r *reader) u64() uint64 {
	if r.err != nil || r.pos+8 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) str() string {
	n := int(r.i32())
	if r.err != nil || n < 0 || r.pos+n > len(r.buf) {
		r.fail()
		return ""
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s
}
