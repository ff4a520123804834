package routing

import (
	"fmt"
	"sort"

	"github.com/23skdu/longbow-permute/internal/tensor"
)

// ReferenceBackend is the oracle: every operation is composed from generic
// tensor primitives (stable argsort, row gather, row scatter, elementwise
// multiply, reduce over the topK axis) with arithmetic in float32. It is
// single-threaded and deterministic for identical routing indices.
type ReferenceBackend struct{}

func NewReference() *ReferenceBackend { return &ReferenceBackend{} }

func (r *ReferenceBackend) Name() string { return "reference" }

// argsortStable sorts flattened slot indices by expert id, breaking ties by
// original position.
func argsortStable(ids []int32) []int32 {
	order := make([]int32, len(ids))
	for i := range order {
		order[i] = int32(i)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return ids[order[a]] < ids[order[b]]
	})
	return order
}

// gatherRows selects out[i] = src row (order[i] / topK) for i < numOut.
func gatherRows(src []float32, h int, order []int32, topK, numOut int) []float32 {
	out := make([]float32, numOut*h)
	for s := 0; s < numOut; s++ {
		tok := int(order[s]) / topK
		copy(out[s*h:(s+1)*h], src[tok*h:(tok+1)*h])
	}
	return out
}

// scatterRows writes src row i into dst row order[i]; rows of dst not
// covered by src keep their zero initialization.
func scatterRows(dst, src []float32, h int, order []int32) {
	rows := len(src) / h
	for s := 0; s < rows; s++ {
		slot := int(order[s])
		copy(dst[slot*h:(slot+1)*h], src[s*h:(s+1)*h])
	}
}

func encode(dtype tensor.DType, rows, cols int, data []float32) *tensor.Tensor {
	out := tensor.New(dtype, rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(i, j, data[i*cols+j])
		}
	}
	return out
}

func (r *ReferenceBackend) Permute(tokens *tensor.Tensor, indices []int32, topK, numOutTokens int) (*tensor.Tensor, []int32, error) {
	numOut, err := checkPermuteArgs(tokens, indices, topK, numOutTokens)
	if err != nil {
		return nil, nil, err
	}
	order := argsortStable(indices)
	h := tokens.Cols()
	permuted := gatherRows(tokens.ToFloat32(), h, order, topK, numOut)
	return encode(tokens.DType(), numOut, h, permuted), order, nil
}

func (r *ReferenceBackend) PermuteBackward(grad *tensor.Tensor, rowIDMap []int32, numTokens, topK int) (*tensor.Tensor, error) {
	if err := checkBackwardArgs(grad, rowIDMap, numTokens, topK); err != nil {
		return nil, err
	}
	h := grad.Cols()
	g := grad.ToFloat32()
	acc := make([]float32, numTokens*h)
	for s := 0; s < grad.Rows(); s++ {
		tok := int(rowIDMap[s]) / topK
		for j := 0; j < h; j++ {
			acc[tok*h+j] += g[s*h+j]
		}
	}
	return encode(grad.DType(), numTokens, h, acc), nil
}

func (r *ReferenceBackend) Unpermute(permuted *tensor.Tensor, rowIDMap []int32, probs []float32, numTokens, topK int) (*tensor.Tensor, error) {
	if err := checkUnpermuteArgs(permuted, rowIDMap, probs, numTokens, topK); err != nil {
		return nil, err
	}
	h := permuted.Cols()
	slots := make([]float32, numTokens*topK*h)
	scatterRows(slots, permuted.ToFloat32(), h, rowIDMap)

	out := make([]float32, numTokens*h)
	for t := 0; t < numTokens; t++ {
		for k := 0; k < topK; k++ {
			w := float32(1)
			if probs != nil {
				w = probs[t*topK+k]
			}
			row := slots[(t*topK+k)*h : (t*topK+k+1)*h]
			for j := 0; j < h; j++ {
				out[t*h+j] += w * row[j]
			}
		}
	}
	return encode(permuted.DType(), numTokens, h, out), nil
}

func (r *ReferenceBackend) UnpermuteBackward(grad, permuted *tensor.Tensor, rowIDMap []int32, probs []float32, numTokens, topK int) (*tensor.Tensor, []float32, error) {
	if err := checkUnpermuteArgs(permuted, rowIDMap, probs, numTokens, topK); err != nil {
		return nil, nil, err
	}
	if grad.Rows() != numTokens || grad.Cols() != permuted.Cols() {
		return nil, nil, fmt.Errorf("upstream gradient is %dx%d, want %dx%d", grad.Rows(), grad.Cols(), numTokens, permuted.Cols())
	}
	h := permuted.Cols()
	g := grad.ToFloat32()
	p := permuted.ToFloat32()

	gradPermuted := make([]float32, permuted.Rows()*h)
	var gradProbs []float32
	if probs != nil {
		gradProbs = make([]float32, numTokens*topK)
	}
	for s := 0; s < permuted.Rows(); s++ {
		slot := int(rowIDMap[s])
		tok := slot / topK
		w := float32(1)
		if probs != nil {
			w = probs[slot]
		}
		var dot float32
		for j := 0; j < h; j++ {
			gv := g[tok*h+j]
			gradPermuted[s*h+j] = gv * w
			dot += gv * p[s*h+j]
		}
		if gradProbs != nil {
			gradProbs[slot] = dot
		}
	}
	return encode(permuted.DType(), permuted.Rows(), h, gradPermuted), gradProbs, nil
}
