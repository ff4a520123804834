// Package tensor provides a host-side 2D tensor with dtype-erased storage.
// Rows are token feature vectors; the permutation kernels move rows as raw
// bytes and decode through floatx only when arithmetic is required.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/23skdu/longbow-permute/internal/floatx"
)

type Tensor struct {
	dtype DType
	rows  int
	cols  int
	raw   []byte
}

// New allocates a zeroed rows x cols tensor of the given dtype.
func New(dtype DType, rows, cols int) *Tensor {
	return &Tensor{
		dtype: dtype,
		rows:  rows,
		cols:  cols,
		raw:   make([]byte, rows*cols*dtype.ElemSize()),
	}
}

// FromFloat32 encodes data into a fresh tensor of the given dtype.
func FromFloat32(dtype DType, rows, cols int, data []float32) (*Tensor, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("data length %d does not match %dx%d", len(data), rows, cols)
	}
	t := New(dtype, rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			t.Set(i, j, data[i*cols+j])
		}
	}
	return t, nil
}

// FromRaw wraps pre-encoded element storage without copying.
func FromRaw(dtype DType, rows, cols int, raw []byte) (*Tensor, error) {
	if len(raw) != rows*cols*dtype.ElemSize() {
		return nil, fmt.Errorf("raw length %d does not match %dx%d %v", len(raw), rows, cols, dtype)
	}
	return &Tensor{dtype: dtype, rows: rows, cols: cols, raw: raw}, nil
}

func (t *Tensor) DType() DType { return t.dtype }
func (t *Tensor) Rows() int    { return t.rows }
func (t *Tensor) Cols() int    { return t.cols }
func (t *Tensor) Raw() []byte  { return t.raw }

// RowBytes returns the raw storage of row i.
func (t *Tensor) RowBytes(i int) []byte {
	w := t.cols * t.dtype.ElemSize()
	return t.raw[i*w : (i+1)*w]
}

// At decodes element (i, j) to float32.
func (t *Tensor) At(i, j int) float32 {
	off := (i*t.cols + j) * t.dtype.ElemSize()
	switch t.dtype {
	case F32:
		return math.Float32frombits(binary.LittleEndian.Uint32(t.raw[off:]))
	case F16:
		return floatx.Float16ToFloat32(binary.LittleEndian.Uint16(t.raw[off:]))
	case BF16:
		return floatx.BFloat16ToFloat32(binary.LittleEndian.Uint16(t.raw[off:]))
	case FP8E4M3:
		return floatx.FP8E4M3ToFloat32(t.raw[off])
	case FP8E5M2:
		return floatx.FP8E5M2ToFloat32(t.raw[off])
	default:
		panic(fmt.Sprintf("tensor: At on unsupported dtype %v", t.dtype))
	}
}

// Set encodes v into element (i, j).
func (t *Tensor) Set(i, j int, v float32) {
	off := (i*t.cols + j) * t.dtype.ElemSize()
	switch t.dtype {
	case F32:
		binary.LittleEndian.PutUint32(t.raw[off:], math.Float32bits(v))
	case F16:
		binary.LittleEndian.PutUint16(t.raw[off:], floatx.Float16FromFloat32(v))
	case BF16:
		binary.LittleEndian.PutUint16(t.raw[off:], floatx.BFloat16FromFloat32(v))
	case FP8E4M3:
		t.raw[off] = floatx.FP8E4M3FromFloat32(v)
	case FP8E5M2:
		t.raw[off] = floatx.FP8E5M2FromFloat32(v)
	default:
		panic(fmt.Sprintf("tensor: Set on unsupported dtype %v", t.dtype))
	}
}

// LoadFrom re-encodes data into the existing storage.
func (t *Tensor) LoadFrom(data []float32) error {
	if len(data) != t.rows*t.cols {
		return fmt.Errorf("data length %d does not match %dx%d", len(data), t.rows, t.cols)
	}
	for i := 0; i < t.rows; i++ {
		for j := 0; j < t.cols; j++ {
			t.Set(i, j, data[i*t.cols+j])
		}
	}
	return nil
}

// ToFloat32 decodes the whole tensor row-major.
func (t *Tensor) ToFloat32() []float32 {
	out := make([]float32, t.rows*t.cols)
	for i := 0; i < t.rows; i++ {
		for j := 0; j < t.cols; j++ {
			out[i*t.cols+j] = t.At(i, j)
		}
	}
	return out
}

// Zero clears the storage.
func (t *Tensor) Zero() {
	for i := range t.raw {
		t.raw[i] = 0
	}
}

// Clone deep-copies the tensor.
func (t *Tensor) Clone() *Tensor {
	raw := make([]byte, len(t.raw))
	copy(raw, t.raw)
	return &Tensor{dtype: t.dtype, rows: t.rows, cols: t.cols, raw: raw}
}
