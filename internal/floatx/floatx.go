// Package floatx implements the narrow floating point encodings used for
// token activations: IEEE half (F16), BFloat16, and the two 8-bit formats
// FP8 E4M3 (1 sign / 4 exponent / 3 mantissa) and FP8 E5M2 (1/5/2).
// All conversions go through float32 on the host side.
package floatx

import "math"

const (
	e4m3Bias = 7
	e5m2Bias = 15
	f16Bias  = 15
)

// quantize rounds a non-negative finite value to a minifloat with the given
// mantissa width and exponent bias, using round-to-nearest-even.
// A returned expField of 0 means zero or subnormal. The caller checks the
// returned expField against the format's maximum and handles overflow.
func quantize(v float64, mantBits uint, bias int) (expField int, mant uint32) {
	_, exp := math.Frexp(v) // v = frac * 2^exp, frac in [0.5, 1)
	e := exp - 1
	if e < 1-bias {
		e = 1 - bias // flush into the subnormal binade
	}
	q := uint64(math.RoundToEven(math.Ldexp(v, int(mantBits)-e)))
	if q >= 1<<(mantBits+1) {
		// Rounding carried into the next binade.
		e++
		q >>= 1
	}
	if q < 1<<mantBits {
		return 0, uint32(q)
	}
	return e + bias, uint32(q - 1<<mantBits)
}

// FP8E5M2FromFloat32 encodes f as FP8 E5M2. Values beyond the largest
// finite magnitude (57344) become infinity.
func FP8E5M2FromFloat32(f float32) uint8 {
	v := float64(f)
	if math.IsNaN(v) {
		return 0x7f
	}
	var sign uint8
	if math.Signbit(v) {
		sign = 0x80
		v = -v
	}
	if math.IsInf(v, 0) {
		return sign | 0x7c
	}
	expField, mant := quantize(v, 2, e5m2Bias)
	if expField > 30 {
		return sign | 0x7c
	}
	return sign | uint8(expField)<<2 | uint8(mant)
}

// FP8E5M2ToFloat32 decodes an FP8 E5M2 byte. Zero exponent with nonzero
// mantissa is subnormal (2^-14 * m/4); exponent 31 is Inf/NaN.
func FP8E5M2ToFloat32(b uint8) float32 {
	sign := 1.0
	if b&0x80 != 0 {
		sign = -1.0
	}
	exp := int(b>>2) & 0x1f
	mant := float64(b & 0x3)
	switch {
	case exp == 0x1f:
		if mant == 0 {
			if sign < 0 {
				return float32(math.Inf(-1))
			}
			return float32(math.Inf(1))
		}
		return float32(math.NaN())
	case exp == 0:
		return float32(sign * math.Ldexp(mant/4, 1-e5m2Bias))
	default:
		return float32(sign * math.Ldexp(1+mant/4, exp-e5m2Bias))
	}
}

// FP8E4M3FromFloat32 encodes f as FP8 E4M3. The format has no infinity;
// out-of-range magnitudes saturate to the largest finite value (448).
func FP8E4M3FromFloat32(f float32) uint8 {
	v := float64(f)
	if math.IsNaN(v) {
		return 0x7f
	}
	var sign uint8
	if math.Signbit(v) {
		sign = 0x80
		v = -v
	}
	if math.IsInf(v, 0) {
		return sign | 0x7e
	}
	expField, mant := quantize(v, 3, e4m3Bias)
	if expField > 15 || (expField == 15 && mant == 7) {
		return sign | 0x7e
	}
	return sign | uint8(expField)<<3 | uint8(mant)
}

// FP8E4M3ToFloat32 decodes an FP8 E4M3 byte. The exponent field 15 carries
// normal values except for mantissa 7, which is NaN.
func FP8E4M3ToFloat32(b uint8) float32 {
	sign := 1.0
	if b&0x80 != 0 {
		sign = -1.0
	}
	exp := int(b>>3) & 0xf
	mant := float64(b & 0x7)
	switch {
	case exp == 0xf && b&0x7 == 0x7:
		return float32(math.NaN())
	case exp == 0:
		return float32(sign * math.Ldexp(mant/8, 1-e4m3Bias))
	default:
		return float32(sign * math.Ldexp(1+mant/8, exp-e4m3Bias))
	}
}

// Float16FromFloat32 encodes f as IEEE 754 binary16 with round-to-nearest-even.
func Float16FromFloat32(f float32) uint16 {
	v := float64(f)
	if math.IsNaN(v) {
		return 0x7e00
	}
	var sign uint16
	if math.Signbit(v) {
		sign = 0x8000
		v = -v
	}
	if math.IsInf(v, 0) {
		return sign | 0x7c00
	}
	expField, mant := quantize(v, 10, f16Bias)
	if expField > 30 {
		return sign | 0x7c00
	}
	return sign | uint16(expField)<<10 | uint16(mant)
}

// Float16ToFloat32 decodes an IEEE 754 binary16 value.
func Float16ToFloat32(h uint16) float32 {
	sign := 1.0
	if h&0x8000 != 0 {
		sign = -1.0
	}
	exp := int(h>>10) & 0x1f
	mant := float64(h & 0x3ff)
	switch {
	case exp == 0x1f:
		if mant == 0 {
			if sign < 0 {
				return float32(math.Inf(-1))
			}
			return float32(math.Inf(1))
		}
		return float32(math.NaN())
	case exp == 0:
		return float32(sign * math.Ldexp(mant/1024, 1-f16Bias))
	default:
		return float32(sign * math.Ldexp(1+mant/1024, exp-f16Bias))
	}
}

// BFloat16FromFloat32 truncates f to bfloat16 with round-to-nearest-even.
func BFloat16FromFloat32(f float32) uint16 {
	b := math.Float32bits(f)
	if f != f {
		return uint16(b>>16) | 0x0040 // keep NaN quiet
	}
	return uint16((b + 0x7fff + (b>>16)&1) >> 16)
}

// BFloat16ToFloat32 widens a bfloat16 value back to float32.
func BFloat16ToFloat32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}
