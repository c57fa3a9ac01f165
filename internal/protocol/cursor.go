package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Writer appends little-endian fields to a growing buffer.
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Len() int      { return len(w.buf) }
func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Reset()        { w.buf = w.buf[:0] }

func (w *Writer) U8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) U16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *Writer) U32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *Writer) U64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *Writer) I32(v int32) { w.U32(uint32(v)) }

func (w *Writer) I64(v int64) { w.U64(uint64(v)) }

func (w *Writer) F32(v float32) { w.U32(math.Float32bits(v)) }

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
		return
	}
	w.U8(0)
}

// Raw appends b without a length prefix.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Blob appends a u32 length followed by b.
func (w *Writer) Blob(b []byte) {
	w.U32(uint32(len(b)))
	w.Raw(b)
}

// String appends a u16 length followed by the string bytes. Longer strings are cut.
func (w *Writer) String(s string) {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	w.U16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// IDs appends a u64 count followed by each id.
func (w *Writer) IDs(ids []uint64) {
	w.U64(uint64(len(ids)))
	w.IDList(ids)
}

// IDList appends ids without a count; the count lives elsewhere in the struct.
func (w *Writer) IDList(ids []uint64) {
	for _, id := range ids {
		w.U64(id)
	}
}

func (w *Writer) Vec2(v Vec2) {
	w.F32(v.X)
	w.F32(v.Y)
}

func (w *Writer) Vec3(v Vec3) {
	w.F32(v.X)
	w.F32(v.Y)
	w.F32(v.Z)
}

func (w *Writer) Vec4(v Vec4) {
	w.F32(v.X)
	w.F32(v.Y)
	w.F32(v.Z)
	w.F32(v.W)
}

func (w *Writer) Quat(q Quat) {
	w.F32(q.X)
	w.F32(q.Y)
	w.F32(q.Z)
	w.F32(q.W)
}

func (w *Writer) Pose(p Pose) {
	w.Quat(p.Orientation)
	w.Vec3(p.Position)
}

// Reader is a cursor over b. The first overrun sticks: later reads return
// zero values and Err reports ErrTruncated.
type Reader struct {
	b   []byte
	off int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

func (r *Reader) Err() error     { return r.err }
func (r *Reader) Offset() int    { return r.off }
func (r *Reader) Remaining() int { return len(r.b) - r.off }

// Fail records err if no earlier error is set.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Need reports whether n more bytes are available without consuming them.
func (r *Reader) Need(n int) error {
	if r.err != nil {
		return r.err
	}
	if n < 0 || r.Remaining() < n {
		return fmt.Errorf("%w: need %d have %d", ErrTruncated, n, r.Remaining())
	}
	return nil
}

func (r *Reader) take(n int) []byte {
	if err := r.Need(n); err != nil {
		r.Fail(err)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *Reader) Skip(n int) { r.take(n) }

// Peek returns the next n bytes without advancing, or nil.
func (r *Reader) Peek(n int) []byte {
	if r.err != nil || n < 0 || r.Remaining() < n {
		return nil
	}
	return r.b[r.off : r.off+n]
}

// Seek moves the cursor to an absolute offset and clears no error.
func (r *Reader) Seek(off int) {
	if off < 0 || off > len(r.b) {
		r.Fail(ErrInvalidLength)
		return
	}
	r.off = off
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) I32() int32 { return int32(r.U32()) }

func (r *Reader) I64() int64 { return int64(r.U64()) }

func (r *Reader) F32() float32 { return math.Float32frombits(r.U32()) }

func (r *Reader) Bool() bool { return r.U8() != 0 }

// Raw returns a copy of the next n bytes.
func (r *Reader) Raw(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *Reader) Blob() []byte {
	n := r.U32()
	if r.err != nil {
		return nil
	}
	return r.Raw(int(n))
}

func (r *Reader) String() string {
	n := r.U16()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// Count reads a u64 element count and checks that count elements of
// elemSize bytes can still follow, so callers never over-allocate.
func (r *Reader) Count(elemSize int) int {
	n := r.U64()
	if r.err != nil {
		return 0
	}
	if elemSize > 0 && n > uint64(r.Remaining()/elemSize) {
		r.Fail(fmt.Errorf("%w: count %d exceeds remaining %d", ErrTruncated, n, r.Remaining()))
		return 0
	}
	if elemSize == 0 && n > math.MaxInt32 {
		r.Fail(ErrInvalidLength)
		return 0
	}
	return int(n)
}

// IDs reads a u64 count followed by that many ids.
func (r *Reader) IDs() []uint64 {
	return r.IDList(r.Count(8))
}

// IDList reads n ids whose count was carried elsewhere.
func (r *Reader) IDList(n int) []uint64 {
	if err := r.Need(n * 8); err != nil {
		r.Fail(err)
		return nil
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = r.U64()
	}
	return out
}

func (r *Reader) Vec2() Vec2 {
	return Vec2{X: r.F32(), Y: r.F32()}
}

func (r *Reader) Vec3() Vec3 {
	return Vec3{X: r.F32(), Y: r.F32(), Z: r.F32()}
}

func (r *Reader) Vec4() Vec4 {
	return Vec4{X: r.F32(), Y: r.F32(), Z: r.F32(), W: r.F32()}
}

func (r *Reader) Quat() Quat {
	return Quat{X: r.F32(), Y: r.F32(), Z: r.F32(), W: r.F32()}
}

func (r *Reader) Pose() Pose {
	return Pose{Orientation: r.Quat(), Position: r.Vec3()}
}

// Finish reports the sticky error, or ErrTrailingBytes when input remains.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("%w: %d", ErrTrailingBytes, r.Remaining())
	}
	return nil
}
