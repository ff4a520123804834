package routing

import (
	"time"

	"github.com/23skdu/longbow-permute/internal/logger"
	"github.com/23skdu/longbow-permute/internal/metrics"
	"github.com/23skdu/longbow-permute/internal/tensor"
)

// Instrument wraps a backend with latency metrics, drop accounting and
// debug logging. Failed calls are not recorded.
func Instrument(b Backend) Backend {
	return &instrumented{inner: b}
}

type instrumented struct {
	inner Backend
}

func (ib *instrumented) Name() string { return ib.inner.Name() }

func (ib *instrumented) Permute(tokens *tensor.Tensor, indices []int32, topK, numOutTokens int) (*tensor.Tensor, []int32, error) {
	start := time.Now()
	out, rowIDMap, err := ib.inner.Permute(tokens, indices, topK, numOutTokens)
	if err != nil {
		return nil, nil, err
	}
	metrics.RecordOpDuration("permute", ib.inner.Name(), time.Since(start))
	metrics.RecordBatchTokens(tokens.Rows())
	metrics.RecordExpertSelection(indices)
	dropped := len(indices) - out.Rows()
	metrics.RecordTokensDropped(dropped)
	logger.Log.Debug("permute", "backend", ib.inner.Name(), "tokens", tokens.Rows(),
		"topk", topK, "out_rows", out.Rows(), "dropped", dropped)
	return out, rowIDMap, nil
}

func (ib *instrumented) PermuteBackward(grad *tensor.Tensor, rowIDMap []int32, numTokens, topK int) (*tensor.Tensor, error) {
	start := time.Now()
	out, err := ib.inner.PermuteBackward(grad, rowIDMap, numTokens, topK)
	if err != nil {
		return nil, err
	}
	metrics.RecordOpDuration("permute_bwd", ib.inner.Name(), time.Since(start))
	return out, nil
}

func (ib *instrumented) Unpermute(permuted *tensor.Tensor, rowIDMap []int32, probs []float32, numTokens, topK int) (*tensor.Tensor, error) {
	start := time.Now()
	out, err := ib.inner.Unpermute(permuted, rowIDMap, probs, numTokens, topK)
	if err != nil {
		return nil, err
	}
	metrics.RecordOpDuration("unpermute", ib.inner.Name(), time.Since(start))
	return out, nil
}

func (ib *instrumented) UnpermuteBackward(grad, permuted *tensor.Tensor, rowIDMap []int32, probs []float32, numTokens, topK int) (*tensor.Tensor, []float32, error) {
	start := time.Now()
	gradPermuted, gradProbs, err := ib.inner.UnpermuteBackward(grad, permuted, rowIDMap, probs, numTokens, topK)
	if err != nil {
		return nil, nil, err
	}
	metrics.RecordOpDuration("unpermute_bwd", ib.inner.Name(), time.Since(start))
	return gradPermuted, gradProbs, nil
}
