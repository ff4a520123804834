package tensor

import (
	"fmt"
	"math"
)

// AllClose checks |got-want| <= atol + rtol*|want| elementwise and reports
// the first divergent element. NaN matches NaN.
func AllClose(got, want []float32, rtol, atol float64) error {
	if len(got) != len(want) {
		return fmt.Errorf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range got {
		g, w := float64(got[i]), float64(want[i])
		if math.IsNaN(g) && math.IsNaN(w) {
			continue
		}
		if math.Abs(g-w) > atol+rtol*math.Abs(w) {
			return fmt.Errorf("element %d: got %v, want %v (rtol=%g atol=%g)", i, got[i], want[i], rtol, atol)
		}
	}
	return nil
}
