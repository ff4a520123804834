package tensor

import (
	"fmt"
	"strings"
)

// DType identifies the element encoding of a Tensor.
type DType int

const (
	F32 DType = iota
	F16
	BF16
	FP8E4M3
	FP8E5M2
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case FP8E4M3:
		return "fp8e4m3"
	case FP8E5M2:
		return "fp8e5m2"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ElemSize returns the storage size of one element in bytes.
func (d DType) ElemSize() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	case FP8E4M3, FP8E5M2:
		return 1
	default:
		return 0
	}
}

// ParseDType maps a command line spelling to a DType.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f32", "fp32", "float32":
		return F32, nil
	case "f16", "fp16", "float16":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "fp8e4m3", "e4m3":
		return FP8E4M3, nil
	case "fp8e5m2", "e5m2":
		return FP8E5M2, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}

// Tols returns the comparison tolerances for a dtype, tight for F32 and
// progressively looser for the narrow formats. An unknown dtype is a
// configuration error and callers must abort setup.
func Tols(d DType) (rtol, atol float64, err error) {
	switch d {
	case F32:
		return 1e-6, 1e-6, nil
	case F16:
		return 3e-3, 1e-5, nil
	case BF16:
		return 2e-2, 1e-5, nil
	case FP8E4M3, FP8E5M2:
		return 2e-1, 1e-1, nil
	default:
		return 0, 0, fmt.Errorf("unsupported dtype for tolerance lookup: %v", d)
	}
}
