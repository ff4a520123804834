package routing

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/23skdu/longbow-permute/internal/tensor"
)

// FusedBackend avoids the comparison sort entirely: the row id map comes
// from a counting sort over expert ids (stable because slots are visited in
// original order within each expert bucket), forward row movement is a raw
// byte copy, and all row loops are sharded across a worker pool. Gradient
// accumulation happens in float32 regardless of the storage dtype.
type FusedBackend struct {
	workers int
}

func NewFused() *FusedBackend {
	return &FusedBackend{workers: runtime.GOMAXPROCS(0)}
}

func (f *FusedBackend) Name() string { return "fused" }

// buildRowIDMap returns the stable expert ordering (order[pos] = slot) and
// its inverse (dest[slot] = pos) in one pass over the indices.
func buildRowIDMap(indices []int32) (order, dest []int32, err error) {
	maxExpert := int32(-1)
	for i, e := range indices {
		if e < 0 {
			return nil, nil, fmt.Errorf("negative expert id %d at slot %d", e, i)
		}
		if e > maxExpert {
			maxExpert = e
		}
	}
	offsets := make([]int32, maxExpert+2)
	for _, e := range indices {
		offsets[e+1]++
	}
	for e := int32(1); e < maxExpert+2; e++ {
		offsets[e] += offsets[e-1]
	}
	order = make([]int32, len(indices))
	dest = make([]int32, len(indices))
	for slot, e := range indices {
		pos := offsets[e]
		offsets[e]++
		order[pos] = int32(slot)
		dest[slot] = pos
	}
	return order, dest, nil
}

func (f *FusedBackend) parallelRows(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := f.workers
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}

func (f *FusedBackend) Permute(tokens *tensor.Tensor, indices []int32, topK, numOutTokens int) (*tensor.Tensor, []int32, error) {
	numOut, err := checkPermuteArgs(tokens, indices, topK, numOutTokens)
	if err != nil {
		return nil, nil, err
	}
	order, _, err := buildRowIDMap(indices)
	if err != nil {
		return nil, nil, err
	}
	out := tensor.New(tokens.DType(), numOut, tokens.Cols())
	w := tokens.Cols() * tokens.DType().ElemSize()
	src := tokens.Raw()
	dst := out.Raw()
	f.parallelRows(numOut, func(start, end int) {
		for s := start; s < end; s++ {
			tok := int(order[s]) / topK
			copy(dst[s*w:(s+1)*w], src[tok*w:(tok+1)*w])
		}
	})
	return out, order, nil
}

func (f *FusedBackend) PermuteBackward(grad *tensor.Tensor, rowIDMap []int32, numTokens, topK int) (*tensor.Tensor, error) {
	if err := checkBackwardArgs(grad, rowIDMap, numTokens, topK); err != nil {
		return nil, err
	}
	h := grad.Cols()
	numOut := grad.Rows()
	dest := invertRowIDMap(rowIDMap)
	g := grad.ToFloat32()
	out := tensor.New(grad.DType(), numTokens, h)
	// Parallel over destination tokens: each token owns its topK slots, so
	// the scatter-add needs no synchronization.
	f.parallelRows(numTokens, func(start, end int) {
		acc := make([]float32, h)
		for tok := start; tok < end; tok++ {
			for j := range acc {
				acc[j] = 0
			}
			for k := 0; k < topK; k++ {
				pos := int(dest[tok*topK+k])
				if pos >= numOut {
					continue // dropped slot
				}
				for j := 0; j < h; j++ {
					acc[j] += g[pos*h+j]
				}
			}
			for j := 0; j < h; j++ {
				out.Set(tok, j, acc[j])
			}
		}
	})
	return out, nil
}

func (f *FusedBackend) Unpermute(permuted *tensor.Tensor, rowIDMap []int32, probs []float32, numTokens, topK int) (*tensor.Tensor, error) {
	if err := checkUnpermuteArgs(permuted, rowIDMap, probs, numTokens, topK); err != nil {
		return nil, err
	}
	h := permuted.Cols()
	numOut := permuted.Rows()
	dest := invertRowIDMap(rowIDMap)
	p := permuted.ToFloat32()
	out := tensor.New(permuted.DType(), numTokens, h)
	f.parallelRows(numTokens, func(start, end int) {
		acc := make([]float32, h)
		for tok := start; tok < end; tok++ {
			for j := range acc {
				acc[j] = 0
			}
			for k := 0; k < topK; k++ {
				pos := int(dest[tok*topK+k])
				if pos >= numOut {
					continue // dropped slot keeps its zero contribution
				}
				w := float32(1)
				if probs != nil {
					w = probs[tok*topK+k]
				}
				for j := 0; j < h; j++ {
					acc[j] += w * p[pos*h+j]
				}
			}
			for j := 0; j < h; j++ {
				out.Set(tok, j, acc[j])
			}
		}
	})
	return out, nil
}

func (f *FusedBackend) UnpermuteBackward(grad, permuted *tensor.Tensor, rowIDMap []int32, probs []float32, numTokens, topK int) (*tensor.Tensor, []float32, error) {
	if err := checkUnpermuteArgs(permuted, rowIDMap, probs, numTokens, topK); err != nil {
		return nil, nil, err
	}
	if grad.Rows() != numTokens || grad.Cols() != permuted.Cols() {
		return nil, nil, fmt.Errorf("upstream gradient is %dx%d, want %dx%d", grad.Rows(), grad.Cols(), numTokens, permuted.Cols())
	}
	h := permuted.Cols()
	g := grad.ToFloat32()
	p := permuted.ToFloat32()
	gradPermuted := tensor.New(permuted.DType(), permuted.Rows(), h)
	var gradProbs []float32
	if probs != nil {
		gradProbs = make([]float32, numTokens*topK)
	}
	// Parallel over surviving sorted rows: row s owns gradPermuted row s and
	// the gradProbs entry of its slot.
	f.parallelRows(permuted.Rows(), func(start, end int) {
		for s := start; s < end; s++ {
			slot := int(rowIDMap[s])
			tok := slot / topK
			w := float32(1)
			if probs != nil {
				w = probs[slot]
			}
			var dot float32
			for j := 0; j < h; j++ {
				gv := g[tok*h+j]
				gradPermuted.Set(s, j, gv*w)
				dot += gv * p[s*h+j]
			}
			if gradProbs != nil {
				gradProbs[slot] = dot
			}
		}
	})
	return gradPermuted, gradProbs, nil
}
