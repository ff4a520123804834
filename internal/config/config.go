// Package config describes one permutation run: batch shape, routing
// fan-out, capacity budget and element dtype.
package config

import (
	"fmt"

	"github.com/23skdu/longbow-permute/internal/tensor"
)

type Config struct {
	NumTokens  int
	NumExperts int
	HiddenSize int
	TopK       int

	// NumOutTokens caps the permuted output rows when capacity dropping is
	// enabled; <= 0 keeps every slot.
	NumOutTokens int

	WithProbs bool
	DType     tensor.DType
}

func Default() Config {
	return Config{
		NumTokens:  4096,
		NumExperts: 8,
		HiddenSize: 4096,
		TopK:       1,
		WithProbs:  true,
		DType:      tensor.F32,
	}
}

// Validate rejects malformed configurations. Combinations that are merely
// unsupported (see Supported) pass validation and are skipped by callers.
func (c *Config) Validate() error {
	if c.NumTokens < 0 {
		return fmt.Errorf("invalid num_tokens: %d (must be non-negative)", c.NumTokens)
	}
	if c.NumExperts <= 0 {
		return fmt.Errorf("invalid num_experts: %d (must be positive)", c.NumExperts)
	}
	if c.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", c.HiddenSize)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("invalid top_k: %d (must be positive)", c.TopK)
	}
	if c.NumOutTokens > c.NumTokens*c.TopK {
		return fmt.Errorf("num_out_tokens %d exceeds %d total slots", c.NumOutTokens, c.NumTokens*c.TopK)
	}
	if _, _, err := tensor.Tols(c.DType); err != nil {
		return err
	}
	return nil
}

// Supported reports whether the combination is runnable. Unsupported
// combinations are skipped, not failed.
func (c *Config) Supported() (bool, string) {
	if c.TopK > c.NumExperts {
		return false, "topK exceeds the number of experts"
	}
	if !c.WithProbs && c.TopK > 1 {
		return false, "topK > 1 requires probabilities to merge"
	}
	return true, ""
}

// EffectiveOutTokens resolves the output budget.
func (c *Config) EffectiveOutTokens() int {
	if c.NumOutTokens > 0 {
		return c.NumOutTokens
	}
	return c.NumTokens * c.TopK
}
