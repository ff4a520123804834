package routing

import (
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-permute/internal/tensor"
)

func tokensFromRows(t *testing.T, dtype tensor.DType, rows [][]float32) *tensor.Tensor {
	t.Helper()
	if len(rows) == 0 {
		return tensor.New(dtype, 0, 0)
	}
	flat := make([]float32, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		flat = append(flat, r...)
	}
	tsr, err := tensor.FromFloat32(dtype, len(rows), len(rows[0]), flat)
	if err != nil {
		t.Fatalf("FromFloat32: %v", err)
	}
	return tsr
}

func TestPermuteGroupsByExpert(t *testing.T) {
	// 4 tokens, topK=1, experts [2, 0, 1, 0]. Stable sort gives
	// expert 0: tokens 1, 3; expert 1: token 2; expert 2: token 0.
	tokens := tokensFromRows(t, tensor.F32, [][]float32{
		{10, 11}, {20, 21}, {30, 31}, {40, 41},
	})
	indices := []int32{2, 0, 1, 0}

	for _, b := range []Backend{NewReference(), NewFused()} {
		permuted, rowIDMap, err := b.Permute(tokens, indices, 1, 0)
		if err != nil {
			t.Fatalf("%s: Permute: %v", b.Name(), err)
		}
		wantMap := []int32{1, 3, 2, 0}
		for i, w := range wantMap {
			if rowIDMap[i] != w {
				t.Errorf("%s: rowIDMap[%d] = %d, want %d", b.Name(), i, rowIDMap[i], w)
			}
		}
		wantRows := []float32{20, 21, 40, 41, 30, 31, 10, 11}
		got := permuted.ToFloat32()
		for i, w := range wantRows {
			if got[i] != w {
				t.Errorf("%s: permuted[%d] = %v, want %v", b.Name(), i, got[i], w)
			}
		}
	}
}

func TestPermuteStableTieBreak(t *testing.T) {
	// All tokens route to the same expert: the permutation must preserve
	// original order.
	tokens := tokensFromRows(t, tensor.F32, [][]float32{{1}, {2}, {3}, {4}, {5}})
	indices := []int32{3, 3, 3, 3, 3}

	for _, b := range []Backend{NewReference(), NewFused()} {
		permuted, rowIDMap, err := b.Permute(tokens, indices, 1, 0)
		if err != nil {
			t.Fatalf("%s: Permute: %v", b.Name(), err)
		}
		for i := range rowIDMap {
			if rowIDMap[i] != int32(i) {
				t.Errorf("%s: tie break broke order at %d: %d", b.Name(), i, rowIDMap[i])
			}
			if permuted.At(i, 0) != float32(i+1) {
				t.Errorf("%s: row %d = %v", b.Name(), i, permuted.At(i, 0))
			}
		}
	}
}

func TestPermuteTopK(t *testing.T) {
	// 2 tokens, topK=2. Flattened slots: t0->(1,0), t1->(0,1).
	// Sorted: expert 0 gets slots 1, 2; expert 1 gets slots 0, 3.
	tokens := tokensFromRows(t, tensor.F32, [][]float32{{100}, {200}})
	indices := []int32{1, 0, 0, 1}

	for _, b := range []Backend{NewReference(), NewFused()} {
		permuted, rowIDMap, err := b.Permute(tokens, indices, 2, 0)
		if err != nil {
			t.Fatalf("%s: Permute: %v", b.Name(), err)
		}
		wantMap := []int32{1, 2, 0, 3}
		wantVal := []float32{100, 200, 100, 200}
		for i := range wantMap {
			if rowIDMap[i] != wantMap[i] {
				t.Errorf("%s: rowIDMap[%d] = %d, want %d", b.Name(), i, rowIDMap[i], wantMap[i])
			}
			if permuted.At(i, 0) != wantVal[i] {
				t.Errorf("%s: permuted[%d] = %v, want %v", b.Name(), i, permuted.At(i, 0), wantVal[i])
			}
		}
	}
}

func TestPermuteCapacityDrop(t *testing.T) {
	tokens := tokensFromRows(t, tensor.F32, [][]float32{{1}, {2}, {3}, {4}})
	indices := []int32{0, 1, 0, 1}

	for _, b := range []Backend{NewReference(), NewFused()} {
		permuted, rowIDMap, err := b.Permute(tokens, indices, 1, 3)
		if err != nil {
			t.Fatalf("%s: Permute: %v", b.Name(), err)
		}
		if permuted.Rows() != 3 {
			t.Fatalf("%s: expected 3 output rows, got %d", b.Name(), permuted.Rows())
		}
		if len(rowIDMap) != 4 {
			t.Errorf("%s: row id map should cover all slots, got %d", b.Name(), len(rowIDMap))
		}
		// Sorted order is tokens 0, 2 (expert 0), 1, 3 (expert 1);
		// the budget drops token 3.
		want := []float32{1, 3, 2}
		for i, w := range want {
			if permuted.At(i, 0) != w {
				t.Errorf("%s: permuted[%d] = %v, want %v", b.Name(), i, permuted.At(i, 0), w)
			}
		}
	}
}

func TestPermuteBackwardAccumulates(t *testing.T) {
	// topK=2: each token appears at two destinations, so its gradient is
	// the sum of both upstream rows.
	rowIDMap := []int32{1, 2, 0, 3}
	grad := tokensFromRows(t, tensor.F32, [][]float32{{1}, {2}, {4}, {8}})

	for _, b := range []Backend{NewReference(), NewFused()} {
		gradTokens, err := b.PermuteBackward(grad, rowIDMap, 2, 2)
		if err != nil {
			t.Fatalf("%s: PermuteBackward: %v", b.Name(), err)
		}
		// Token 0 receives rows 0 (slot 1) and 2 (slot 0): 1 + 4 = 5.
		// Token 1 receives rows 1 (slot 2) and 3 (slot 3): 2 + 8 = 10.
		if gradTokens.At(0, 0) != 5 {
			t.Errorf("%s: token 0 grad = %v, want 5", b.Name(), gradTokens.At(0, 0))
		}
		if gradTokens.At(1, 0) != 10 {
			t.Errorf("%s: token 1 grad = %v, want 10", b.Name(), gradTokens.At(1, 0))
		}
	}
}

func TestPermuteBackwardDroppedSlotZero(t *testing.T) {
	// 2 tokens, topK=1, both on expert 0; budget 1 drops token 1 and its
	// gradient must be zero.
	rowIDMap := []int32{0, 1}
	grad := tokensFromRows(t, tensor.F32, [][]float32{{7}})

	for _, b := range []Backend{NewReference(), NewFused()} {
		gradTokens, err := b.PermuteBackward(grad, rowIDMap, 2, 1)
		if err != nil {
			t.Fatalf("%s: PermuteBackward: %v", b.Name(), err)
		}
		if gradTokens.At(0, 0) != 7 {
			t.Errorf("%s: surviving token grad = %v, want 7", b.Name(), gradTokens.At(0, 0))
		}
		if gradTokens.At(1, 0) != 0 {
			t.Errorf("%s: dropped token grad = %v, want 0", b.Name(), gradTokens.At(1, 0))
		}
	}
}

func TestUnpermuteMergesWithProbs(t *testing.T) {
	// 1 token, topK=2 routed to experts 0 and 1.
	permuted := tokensFromRows(t, tensor.F32, [][]float32{{2}, {10}})
	rowIDMap := []int32{0, 1}
	probs := []float32{0.25, 0.75}

	for _, b := range []Backend{NewReference(), NewFused()} {
		out, err := b.Unpermute(permuted, rowIDMap, probs, 1, 2)
		if err != nil {
			t.Fatalf("%s: Unpermute: %v", b.Name(), err)
		}
		want := float32(0.25*2 + 0.75*10)
		if out.At(0, 0) != want {
			t.Errorf("%s: merged = %v, want %v", b.Name(), out.At(0, 0), want)
		}
	}
}

func TestUnpermuteDroppedSlotContributesZero(t *testing.T) {
	// topK=2 but only one permuted row survives: the dropped slot's
	// contribution is a zero row even with nonzero probability.
	permuted := tokensFromRows(t, tensor.F32, [][]float32{{4}})
	rowIDMap := []int32{0, 1}
	probs := []float32{0.5, 0.5}

	for _, b := range []Backend{NewReference(), NewFused()} {
		out, err := b.Unpermute(permuted, rowIDMap, probs, 1, 2)
		if err != nil {
			t.Fatalf("%s: Unpermute: %v", b.Name(), err)
		}
		if out.At(0, 0) != 2 {
			t.Errorf("%s: merged = %v, want 2", b.Name(), out.At(0, 0))
		}
	}
}

func TestUnpermuteRequiresProbsForTopK(t *testing.T) {
	permuted := tokensFromRows(t, tensor.F32, [][]float32{{1}, {2}})
	rowIDMap := []int32{0, 1}

	for _, b := range []Backend{NewReference(), NewFused()} {
		if _, err := b.Unpermute(permuted, rowIDMap, nil, 1, 2); err == nil {
			t.Errorf("%s: expected error for probless topK=2", b.Name())
		}
	}
}

func TestUnpermuteBackwardGradients(t *testing.T) {
	// 1 token, topK=2. gradPermuted[s] = grad * prob; gradProbs = dot.
	permuted := tokensFromRows(t, tensor.F32, [][]float32{{2, 0}, {0, 3}})
	rowIDMap := []int32{0, 1}
	probs := []float32{0.25, 0.75}
	grad := tokensFromRows(t, tensor.F32, [][]float32{{1, 2}})

	for _, b := range []Backend{NewReference(), NewFused()} {
		gradPermuted, gradProbs, err := b.UnpermuteBackward(grad, permuted, rowIDMap, probs, 1, 2)
		if err != nil {
			t.Fatalf("%s: UnpermuteBackward: %v", b.Name(), err)
		}
		wantRows := []float32{0.25, 0.5, 0.75, 1.5}
		got := gradPermuted.ToFloat32()
		for i, w := range wantRows {
			if got[i] != w {
				t.Errorf("%s: gradPermuted[%d] = %v, want %v", b.Name(), i, got[i], w)
			}
		}
		// dot(grad, permuted row): slot 0 = 1*2, slot 1 = 2*3.
		if gradProbs[0] != 2 || gradProbs[1] != 6 {
			t.Errorf("%s: gradProbs = %v, want [2 6]", b.Name(), gradProbs)
		}
	}
}

func TestUnpermuteBackwardDroppedSlotZeroProbGrad(t *testing.T) {
	permuted := tokensFromRows(t, tensor.F32, [][]float32{{5}})
	rowIDMap := []int32{0, 1}
	probs := []float32{0.5, 0.5}
	grad := tokensFromRows(t, tensor.F32, [][]float32{{3}})

	for _, b := range []Backend{NewReference(), NewFused()} {
		gradPermuted, gradProbs, err := b.UnpermuteBackward(grad, permuted, rowIDMap, probs, 1, 2)
		if err != nil {
			t.Fatalf("%s: UnpermuteBackward: %v", b.Name(), err)
		}
		if gradPermuted.Rows() != 1 {
			t.Errorf("%s: gradPermuted rows = %d, want 1", b.Name(), gradPermuted.Rows())
		}
		if gradProbs[1] != 0 {
			t.Errorf("%s: dropped slot prob grad = %v, want 0", b.Name(), gradProbs[1])
		}
	}
}

func TestRoundTrip(t *testing.T) {
	// Permute then unpermute with topK=1 and no probabilities restores the
	// original tokens exactly.
	rng := rand.New(rand.NewSource(1234))
	n, h := 64, 8
	data := make([]float32, n*h)
	for i := range data {
		data[i] = rng.Float32()
	}
	tokens, err := tensor.FromFloat32(tensor.F32, n, h, data)
	if err != nil {
		t.Fatalf("FromFloat32: %v", err)
	}
	indices := make([]int32, n)
	for i := range indices {
		indices[i] = int32(rng.Intn(8))
	}

	for _, b := range []Backend{NewReference(), NewFused()} {
		permuted, rowIDMap, err := b.Permute(tokens, indices, 1, 0)
		if err != nil {
			t.Fatalf("%s: Permute: %v", b.Name(), err)
		}
		restored, err := b.Unpermute(permuted, rowIDMap, nil, n, 1)
		if err != nil {
			t.Fatalf("%s: Unpermute: %v", b.Name(), err)
		}
		got := restored.ToFloat32()
		for i := range data {
			if got[i] != data[i] {
				t.Fatalf("%s: round trip diverged at %d: got %v, want %v", b.Name(), i, got[i], data[i])
			}
		}
	}
}

func TestEmptyBatch(t *testing.T) {
	tokens := tensor.New(tensor.F32, 0, 16)

	for _, b := range []Backend{NewReference(), NewFused()} {
		permuted, rowIDMap, err := b.Permute(tokens, nil, 1, 0)
		if err != nil {
			t.Fatalf("%s: empty Permute: %v", b.Name(), err)
		}
		if permuted.Rows() != 0 || len(rowIDMap) != 0 {
			t.Errorf("%s: expected empty outputs, got %d rows, %d map entries",
				b.Name(), permuted.Rows(), len(rowIDMap))
		}
		out, err := b.Unpermute(permuted, rowIDMap, nil, 0, 1)
		if err != nil {
			t.Fatalf("%s: empty Unpermute: %v", b.Name(), err)
		}
		if out.Rows() != 0 {
			t.Errorf("%s: expected empty unpermute output", b.Name())
		}
	}
}

func TestPermuteValidation(t *testing.T) {
	tokens := tensor.New(tensor.F32, 4, 8)

	for _, b := range []Backend{NewReference(), NewFused()} {
		if _, _, err := b.Permute(tokens, []int32{0, 1}, 1, 0); err == nil {
			t.Errorf("%s: indices length mismatch should error", b.Name())
		}
		if _, _, err := b.Permute(tokens, []int32{0, 1, -1, 2}, 1, 0); err == nil {
			t.Errorf("%s: negative expert id should error", b.Name())
		}
		if _, _, err := b.Permute(tokens, []int32{0, 1, 2, 3}, 1, 5); err == nil {
			t.Errorf("%s: budget beyond slots should error", b.Name())
		}
		if _, _, err := b.Permute(tokens, []int32{0, 1, 2, 3}, 0, 0); err == nil {
			t.Errorf("%s: zero topK should error", b.Name())
		}
	}
}

func TestBackwardValidation(t *testing.T) {
	grad := tensor.New(tensor.F32, 4, 8)

	for _, b := range []Backend{NewReference(), NewFused()} {
		if _, err := b.PermuteBackward(grad, []int32{0, 1}, 2, 1); err == nil {
			t.Errorf("%s: grad rows beyond slots should error", b.Name())
		}
		if _, err := b.PermuteBackward(grad, []int32{0, 1, 2, 3}, 3, 1); err == nil {
			t.Errorf("%s: row id map length mismatch should error", b.Name())
		}
	}
}

func TestBuildRowIDMapMatchesArgsort(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		n := rng.Intn(200)
		indices := make([]int32, n)
		for i := range indices {
			indices[i] = int32(rng.Intn(16))
		}
		want := argsortStable(indices)
		order, dest, err := buildRowIDMap(indices)
		if err != nil {
			t.Fatalf("buildRowIDMap: %v", err)
		}
		for i := range want {
			if order[i] != want[i] {
				t.Fatalf("trial %d: order[%d] = %d, want %d", trial, i, order[i], want[i])
			}
			if dest[order[i]] != int32(i) {
				t.Fatalf("trial %d: dest is not the inverse of order at %d", trial, i)
			}
		}
	}
}
