package floatx

import (
	"math"
	"testing"
)

func TestFP8E5M2KnownValues(t *testing.T) {
	tests := []struct {
		name string
		bits uint8
		want float32
	}{
		{"zero", 0x00, 0},
		{"smallest subnormal", 0x01, 0.0000152587890625},
		{"largest subnormal", 0x03, 0.0000457763671875},
		{"smallest normal", 0x04, 0.00006103515625},
		{"one", 0x3c, 1.0},
		{"five", 0x45, 5.0},
		{"max finite", 0x7b, 57344},
		{"negative one", 0xbc, -1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FP8E5M2ToFloat32(tt.bits)
			if got != tt.want {
				t.Errorf("decode 0x%02x: got %v, want %v", tt.bits, got, tt.want)
			}
		})
	}
}

func TestFP8E4M3KnownValues(t *testing.T) {
	tests := []struct {
		name string
		bits uint8
		want float32
	}{
		{"zero", 0x00, 0},
		{"smallest subnormal", 0x01, 0.001953125},
		{"smallest normal", 0x08, 0.015625},
		{"one", 0x38, 1.0},
		{"max finite", 0x7e, 448},
		{"negative one", 0xb8, -1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FP8E4M3ToFloat32(tt.bits)
			if got != tt.want {
				t.Errorf("decode 0x%02x: got %v, want %v", tt.bits, got, tt.want)
			}
		})
	}
}

func TestFP8E5M2RoundTrip(t *testing.T) {
	for i := 0; i < 256; i++ {
		b := uint8(i)
		if b&0x7c == 0x7c {
			continue // Inf/NaN patterns
		}
		v := FP8E5M2ToFloat32(b)
		got := FP8E5M2FromFloat32(v)
		if got != b {
			t.Errorf("round trip 0x%02x -> %v -> 0x%02x", b, v, got)
		}
	}
}

func TestFP8E4M3RoundTrip(t *testing.T) {
	for i := 0; i < 256; i++ {
		b := uint8(i)
		if b&0x7f == 0x7f {
			continue // NaN pattern
		}
		v := FP8E4M3ToFloat32(b)
		got := FP8E4M3FromFloat32(v)
		if got != b {
			t.Errorf("round trip 0x%02x -> %v -> 0x%02x", b, v, got)
		}
	}
}

func TestFP8Saturation(t *testing.T) {
	if got := FP8E4M3FromFloat32(480); got != 0x7e {
		t.Errorf("E4M3 480 should saturate to max finite, got 0x%02x", got)
	}
	if got := FP8E4M3FromFloat32(1e6); got != 0x7e {
		t.Errorf("E4M3 1e6 should saturate to max finite, got 0x%02x", got)
	}
	if got := FP8E4M3FromFloat32(-1e6); got != 0xfe {
		t.Errorf("E4M3 -1e6 should saturate to negative max, got 0x%02x", got)
	}
	if got := FP8E5M2FromFloat32(1e6); got != 0x7c {
		t.Errorf("E5M2 1e6 should overflow to Inf, got 0x%02x", got)
	}
	if got := FP8E5M2FromFloat32(float32(math.Inf(-1))); got != 0xfc {
		t.Errorf("E5M2 -Inf, got 0x%02x", got)
	}
}

func TestFP8NaN(t *testing.T) {
	nan := float32(math.NaN())
	if got := FP8E4M3FromFloat32(nan); got&0x7f != 0x7f {
		t.Errorf("E4M3 NaN encoding: 0x%02x", got)
	}
	if !math.IsNaN(float64(FP8E4M3ToFloat32(0x7f))) {
		t.Error("E4M3 0x7f should decode to NaN")
	}
	if !math.IsNaN(float64(FP8E5M2ToFloat32(0x7f))) {
		t.Error("E5M2 0x7f should decode to NaN")
	}
}

func TestFloat16RoundTrip(t *testing.T) {
	values := []float32{0, 1, -1, 0.5, 0.25, 2048, 65504, 0.00006103515625, 5.9604644775390625e-08}
	for _, v := range values {
		got := Float16ToFloat32(Float16FromFloat32(v))
		if got != v {
			t.Errorf("f16 round trip %v -> %v", v, got)
		}
	}
}

func TestFloat16Overflow(t *testing.T) {
	if got := Float16FromFloat32(65520); got != 0x7c00 {
		t.Errorf("65520 should round up to Inf, got 0x%04x", got)
	}
	if !math.IsInf(float64(Float16ToFloat32(0x7c00)), 1) {
		t.Error("0x7c00 should decode to +Inf")
	}
}

func TestBFloat16(t *testing.T) {
	if got := BFloat16FromFloat32(math.Pi); got != 0x4049 {
		t.Errorf("pi should round to 0x4049, got 0x%04x", got)
	}
	values := []float32{0, 1, -1, 0.5, 3.140625, 256, -1024}
	for _, v := range values {
		got := BFloat16ToFloat32(BFloat16FromFloat32(v))
		if got != v {
			t.Errorf("bf16 round trip %v -> %v", v, got)
		}
	}
}
