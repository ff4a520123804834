// Package dispatch ships the expert-contiguous token blocks produced by the
// permutation to expert workers, encoded as Arrow record batches and served
// over Arrow Flight.
package dispatch

import (
	"fmt"

	"github.com/23skdu/longbow-permute/internal/tensor"
)

// Block is one expert's contiguous run of permuted token rows together with
// the original token id of each row.
type Block struct {
	Expert   int32
	TokenIDs []int32
	Rows     [][]float32
}

// SplitByExpert carves the permuted output into per-expert blocks. The
// expert of sorted row s is indices[rowIDMap[s]]; rows beyond the output
// budget are already absent from the permuted tensor.
func SplitByExpert(permuted *tensor.Tensor, indices, rowIDMap []int32, topK int) ([]Block, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("invalid topK: %d (must be positive)", topK)
	}
	if len(indices) != len(rowIDMap) {
		return nil, fmt.Errorf("indices length %d does not match row id map length %d", len(indices), len(rowIDMap))
	}
	if permuted.Rows() > len(rowIDMap) {
		return nil, fmt.Errorf("permuted input has %d rows for %d slots", permuted.Rows(), len(rowIDMap))
	}
	h := permuted.Cols()
	data := permuted.ToFloat32()

	var blocks []Block
	for s := 0; s < permuted.Rows(); s++ {
		slot := rowIDMap[s]
		expert := indices[slot]
		if len(blocks) == 0 || blocks[len(blocks)-1].Expert != expert {
			blocks = append(blocks, Block{Expert: expert})
		}
		cur := &blocks[len(blocks)-1]
		cur.TokenIDs = append(cur.TokenIDs, slot/int32(topK))
		cur.Rows = append(cur.Rows, data[s*h:(s+1)*h])
	}
	return blocks, nil
}
