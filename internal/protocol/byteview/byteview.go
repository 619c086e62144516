// Package byteview provides bounded, zero-copy read access over captured bytes.
//
// Every accessor checks the requested range against the captured extent and
// reports a *BoundsError instead of returning data it does not own.
package byteview

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrBounds matches every *BoundsError through errors.Is.
var ErrBounds = errors.New("byteview: read out of bounds")

// BoundsError reports a read past the extent of a view.
type BoundsError struct {
	Source string
	Offset int
	Length int
	Extent int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf(
		"byteview: %s: read [%d:+%d] exceeds extent %d",
		e.Source,
		e.Offset,
		e.Length,
		e.Extent,
	)
}

func (e *BoundsError) Is(target error) bool {
	return target == ErrBounds
}

// View is a read-only window over a byte slice.
type View struct {
	name string
	data []byte
}

// New wraps data in an unnamed view.
func New(data []byte) View {
	return View{name: "frame", data: data}
}

// NewNamed wraps data in a view labelled with a data-source name.
func NewNamed(name string, data []byte) View {
	return View{name: name, data: data}
}

// Concat materializes one contiguous view out of non-adjacent parts.
func Concat(name string, parts ...[]byte) View {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	buf := make([]byte, 0, total)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return View{name: name, data: buf}
}

func (v View) Len() int {
	return len(v.data)
}

func (v View) Name() string {
	return v.name
}

// Remaining returns the number of bytes from off to the end, or 0 when off is
// outside the view.
func (v View) Remaining(off int) int {
	if off < 0 || off > len(v.data) {
		return 0
	}
	return len(v.data) - off
}

func (v View) check(off, n int) error {
	if off < 0 || n < 0 || off > len(v.data) || n > len(v.data)-off {
		return &BoundsError{Source: v.name, Offset: off, Length: n, Extent: len(v.data)}
	}
	return nil
}

// Bytes returns n bytes at off without copying. The returned slice has its
// capacity clipped so appends cannot write into the source.
func (v View) Bytes(off, n int) ([]byte, error) {
	if err := v.check(off, n); err != nil {
		return nil, err
	}
	return v.data[off : off+n : off+n], nil
}

// Copy returns n bytes at off in a freshly allocated slice.
func (v View) Copy(off, n int) ([]byte, error) {
	b, err := v.Bytes(off, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Equal reports whether the bytes at off match pattern. Out-of-range
// comparisons are false rather than errors.
func (v View) Equal(off int, pattern []byte) bool {
	b, err := v.Bytes(off, len(pattern))
	if err != nil {
		return false
	}
	for i := range pattern {
		if b[i] != pattern[i] {
			return false
		}
	}
	return true
}

// Sub returns a child view over [off, off+n).
func (v View) Sub(off, n int) (View, error) {
	b, err := v.Bytes(off, n)
	if err != nil {
		return View{}, err
	}
	return View{name: v.name, data: b}, nil
}

// SubRemaining returns a child view from off to the end.
func (v View) SubRemaining(off int) (View, error) {
	if off < 0 || off > len(v.data) {
		return View{}, &BoundsError{Source: v.name, Offset: off, Length: 0, Extent: len(v.data)}
	}
	return View{name: v.name, data: v.data[off:len(v.data):len(v.data)]}, nil
}

func (v View) Uint8(off int) (uint8, error) {
	if err := v.check(off, 1); err != nil {
		return 0, err
	}
	return v.data[off], nil
}

func (v View) Uint16LE(off int) (uint16, error) {
	if err := v.check(off, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(v.data[off:]), nil
}

func (v View) Uint16BE(off int) (uint16, error) {
	if err := v.check(off, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(v.data[off:]), nil
}

func (v View) Uint32LE(off int) (uint32, error) {
	if err := v.check(off, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(v.data[off:]), nil
}

func (v View) Uint32BE(off int) (uint32, error) {
	if err := v.check(off, 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(v.data[off:]), nil
}

func (v View) Uint64LE(off int) (uint64, error) {
	if err := v.check(off, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(v.data[off:]), nil
}

func (v View) Uint64BE(off int) (uint64, error) {
	if err := v.check(off, 8); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v.data[off:]), nil
}

func (v View) Int32LE(off int) (int32, error) {
	u, err := v.Uint32LE(off)
	return int32(u), err
}

func (v View) Int64LE(off int) (int64, error) {
	u, err := v.Uint64LE(off)
	return int64(u), err
}

func (v View) Float64LE(off int) (float64, error) {
	u, err := v.Uint64LE(off)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}
