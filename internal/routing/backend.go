// Package routing implements the MoE token permute/unpermute pair and its
// gradients. Permute groups token rows into expert-contiguous runs so each
// expert sees one dense batch; Unpermute scatters expert outputs back to
// token order, merging the topK slots of a token with probability weights.
//
// Two backends implement the same contract: ReferenceBackend composes
// generic primitives (stable argsort, gather, scatter, reduce) and serves as
// the oracle; FusedBackend builds the row id map directly with a counting
// sort and moves rows in parallel. Callers pick one at composition time.
package routing

import (
	"fmt"

	"github.com/23skdu/longbow-permute/internal/tensor"
)

// Backend is the kernel boundary. indices is the flattened
// [numTokens*topK] expert assignment; the row id map returned by Permute is
// the stable argsort of indices (entry s names the flattened slot occupying
// sorted position s) and is what the backward and unpermute passes consume.
type Backend interface {
	Name() string

	// Permute gathers token rows into expert order. numOutTokens caps the
	// output rows (the sorted tail is dropped); <= 0 keeps every slot.
	Permute(tokens *tensor.Tensor, indices []int32, topK, numOutTokens int) (*tensor.Tensor, []int32, error)

	// PermuteBackward scatter-accumulates the permute gradient back to token
	// order. A token selected by several surviving slots accumulates all of
	// their gradients; dropped slots contribute zero.
	PermuteBackward(grad *tensor.Tensor, rowIDMap []int32, numTokens, topK int) (*tensor.Tensor, error)

	// Unpermute restores token order and merges the topK slots of each token
	// as sum_k(row_k * prob_k). probs may be nil only when topK == 1, which
	// means uniform weight 1. Dropped slots contribute a zero row.
	Unpermute(permuted *tensor.Tensor, rowIDMap []int32, probs []float32, numTokens, topK int) (*tensor.Tensor, error)

	// UnpermuteBackward returns the gradient wrt the permuted rows and, when
	// probs is non-nil, wrt the probabilities (dot of the upstream gradient
	// with the slot's permuted row; zero for dropped slots).
	UnpermuteBackward(grad, permuted *tensor.Tensor, rowIDMap []int32, probs []float32, numTokens, topK int) (*tensor.Tensor, []float32, error)
}

func checkPermuteArgs(tokens *tensor.Tensor, indices []int32, topK, numOutTokens int) (int, error) {
	if topK <= 0 {
		return 0, fmt.Errorf("invalid topK: %d (must be positive)", topK)
	}
	if len(indices) != tokens.Rows()*topK {
		return 0, fmt.Errorf("indices length %d does not match %d tokens x topK %d", len(indices), tokens.Rows(), topK)
	}
	for i, e := range indices {
		if e < 0 {
			return 0, fmt.Errorf("negative expert id %d at slot %d", e, i)
		}
	}
	numOut := numOutTokens
	if numOut <= 0 {
		numOut = len(indices)
	}
	if numOut > len(indices) {
		return 0, fmt.Errorf("output budget %d exceeds %d total slots", numOut, len(indices))
	}
	return numOut, nil
}

func checkBackwardArgs(grad *tensor.Tensor, rowIDMap []int32, numTokens, topK int) error {
	if topK <= 0 {
		return fmt.Errorf("invalid topK: %d (must be positive)", topK)
	}
	if len(rowIDMap) != numTokens*topK {
		return fmt.Errorf("row id map length %d does not match %d tokens x topK %d", len(rowIDMap), numTokens, topK)
	}
	if grad.Rows() > len(rowIDMap) {
		return fmt.Errorf("gradient has %d rows for %d slots", grad.Rows(), len(rowIDMap))
	}
	return nil
}

func checkUnpermuteArgs(permuted *tensor.Tensor, rowIDMap []int32, probs []float32, numTokens, topK int) error {
	if topK <= 0 {
		return fmt.Errorf("invalid topK: %d (must be positive)", topK)
	}
	if len(rowIDMap) != numTokens*topK {
		return fmt.Errorf("row id map length %d does not match %d tokens x topK %d", len(rowIDMap), numTokens, topK)
	}
	if permuted.Rows() > len(rowIDMap) {
		return fmt.Errorf("permuted input has %d rows for %d slots", permuted.Rows(), len(rowIDMap))
	}
	if probs == nil && topK > 1 {
		return fmt.Errorf("probabilities required to merge topK=%d slots", topK)
	}
	if probs != nil && len(probs) != numTokens*topK {
		return fmt.Errorf("probs length %d does not match %d tokens x topK %d", len(probs), numTokens, topK)
	}
	return nil
}

// invertRowIDMap computes each slot's destination row in the sorted order.
func invertRowIDMap(rowIDMap []int32) []int32 {
	dest := make([]int32, len(rowIDMap))
	for pos, slot := range rowIDMap {
		dest[slot] = int32(pos)
	}
	return dest
}
