// permute-bench checks the fused permutation backend against the reference
// backend on one configuration, then times both. Optionally it publishes the
// per-expert blocks of the fused output on an Arrow Flight endpoint.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-permute/internal/bench"
	"github.com/23skdu/longbow-permute/internal/config"
	"github.com/23skdu/longbow-permute/internal/dispatch"
	"github.com/23skdu/longbow-permute/internal/logger"
	"github.com/23skdu/longbow-permute/internal/metrics"
	"github.com/23skdu/longbow-permute/internal/routing"
	"github.com/23skdu/longbow-permute/internal/tensor"
)

var (
	numTokens   = flag.Int("tokens", 4096, "Number of tokens in the batch")
	numExperts  = flag.Int("experts", 8, "Number of experts")
	hiddenSize  = flag.Int("hidden", 4096, "Hidden size per token")
	topK        = flag.Int("topk", 1, "Experts selected per token")
	outTokens   = flag.Int("out-tokens", 0, "Output row budget, 0 keeps every slot")
	dtypeName   = flag.String("dtype", "float32", "Element dtype: float32, float16, bfloat16, fp8e4m3, fp8e5m2")
	withProbs   = flag.Bool("probs", true, "Merge topK slots with probability weights")
	warmup      = flag.Int("warmup", bench.DefaultWarmup, "Untimed warm-up iterations")
	iters       = flag.Int("iters", bench.DefaultIters, "Timed iterations")
	seed        = flag.Int64("seed", 1234, "RNG seed")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics, empty disables")
	blocksAddr  = flag.String("serve-blocks", "", "Address to serve expert blocks over Flight, empty disables")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, "console")

	dtype, err := tensor.ParseDType(*dtypeName)
	if err != nil {
		logger.Log.Fatal("bad dtype flag", "error", err)
	}
	cfg := config.Config{
		NumTokens:    *numTokens,
		NumExperts:   *numExperts,
		HiddenSize:   *hiddenSize,
		TopK:         *topK,
		NumOutTokens: *outTokens,
		WithProbs:    *withProbs,
		DType:        dtype,
	}
	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal("invalid configuration", "error", err)
	}
	if ok, reason := cfg.Supported(); !ok {
		fmt.Printf("configuration not runnable, skipping: %s\n", reason)
		return
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			logger.Log.Info("metrics serving", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Log.Error("metrics server error", "error", err)
			}
		}()
	}

	rng := rand.New(rand.NewSource(*seed))
	tokens := randTokens(rng, cfg.DType, cfg.NumTokens, cfg.HiddenSize)
	indices := randIndices(rng, cfg.NumTokens, cfg.NumExperts, cfg.TopK)
	var probs []float32
	if cfg.WithProbs {
		probs = randProbs(rng, cfg.NumTokens, cfg.TopK)
	}
	ref := routing.Instrument(routing.NewReference())
	fused := routing.Instrument(routing.NewFused())

	logger.Log.Info("running parity check",
		"tokens", cfg.NumTokens, "experts", cfg.NumExperts, "hidden", cfg.HiddenSize,
		"topk", cfg.TopK, "dtype", cfg.DType.String(), "out_tokens", cfg.EffectiveOutTokens())
	if err := checkParity(cfg, ref, fused, tokens, indices, probs); err != nil {
		logger.Log.Fatal("parity check failed", "error", err)
	}
	logger.Log.Info("parity check passed")

	if cfg.NumTokens == 0 {
		fmt.Println("empty batch, nothing to benchmark")
		return
	}

	fmt.Printf("%-14s %-10s %12s\n", "op", "backend", "avg/call")
	for _, backend := range []routing.Backend{ref, fused} {
		runBench(cfg, backend, tokens, indices, probs)
	}

	if *blocksAddr != "" {
		serveBlocks(cfg, fused, tokens, indices)
	}
}

func checkParity(cfg config.Config, ref, fused routing.Backend, tokens *tensor.Tensor, indices []int32, probs []float32) error {
	rtol, atol, err := tensor.Tols(cfg.DType)
	if err != nil {
		return err
	}

	refOut, refMap, err := ref.Permute(tokens, indices, cfg.TopK, cfg.NumOutTokens)
	if err != nil {
		return fmt.Errorf("reference permute: %w", err)
	}
	fusedOut, fusedMap, err := fused.Permute(tokens, indices, cfg.TopK, cfg.NumOutTokens)
	if err != nil {
		return fmt.Errorf("fused permute: %w", err)
	}
	for i := range refMap {
		if refMap[i] != fusedMap[i] {
			metrics.RecordParityMismatch("row_id_map")
			return fmt.Errorf("row id maps diverge at %d: reference %d, fused %d", i, refMap[i], fusedMap[i])
		}
	}
	if err := tensor.AllClose(fusedOut.ToFloat32(), refOut.ToFloat32(), rtol, atol); err != nil {
		metrics.RecordParityMismatch("permute_fwd")
		return fmt.Errorf("permute fwd: %w", err)
	}

	refMerged, err := ref.Unpermute(refOut, refMap, probs, cfg.NumTokens, cfg.TopK)
	if err != nil {
		return fmt.Errorf("reference unpermute: %w", err)
	}
	fusedMerged, err := fused.Unpermute(fusedOut, fusedMap, probs, cfg.NumTokens, cfg.TopK)
	if err != nil {
		return fmt.Errorf("fused unpermute: %w", err)
	}
	if err := tensor.AllClose(fusedMerged.ToFloat32(), refMerged.ToFloat32(), rtol, atol); err != nil {
		metrics.RecordParityMismatch("unpermute_fwd")
		return fmt.Errorf("unpermute fwd: %w", err)
	}

	refGrad, err := ref.PermuteBackward(refOut, refMap, cfg.NumTokens, cfg.TopK)
	if err != nil {
		return fmt.Errorf("reference permute backward: %w", err)
	}
	fusedGrad, err := fused.PermuteBackward(fusedOut, fusedMap, cfg.NumTokens, cfg.TopK)
	if err != nil {
		return fmt.Errorf("fused permute backward: %w", err)
	}
	if err := tensor.AllClose(fusedGrad.ToFloat32(), refGrad.ToFloat32(), rtol, atol); err != nil {
		metrics.RecordParityMismatch("permute_bwd")
		return fmt.Errorf("permute bwd: %w", err)
	}

	refGradPermuted, refGradProbs, err := ref.UnpermuteBackward(refMerged, refOut, refMap, probs, cfg.NumTokens, cfg.TopK)
	if err != nil {
		return fmt.Errorf("reference unpermute backward: %w", err)
	}
	fusedGradPermuted, fusedGradProbs, err := fused.UnpermuteBackward(fusedMerged, fusedOut, fusedMap, probs, cfg.NumTokens, cfg.TopK)
	if err != nil {
		return fmt.Errorf("fused unpermute backward: %w", err)
	}
	if err := tensor.AllClose(fusedGradPermuted.ToFloat32(), refGradPermuted.ToFloat32(), rtol, atol); err != nil {
		metrics.RecordParityMismatch("unpermute_bwd")
		return fmt.Errorf("unpermute bwd: %w", err)
	}
	if probs != nil {
		if err := tensor.AllClose(fusedGradProbs, refGradProbs, rtol, atol); err != nil {
			metrics.RecordParityMismatch("prob_grad")
			return fmt.Errorf("prob grad: %w", err)
		}
	}

	return nil
}

func runBench(cfg config.Config, backend routing.Backend, tokens *tensor.Tensor, indices []int32, probs []float32) {
	permuted, rowIDMap, err := backend.Permute(tokens, indices, cfg.TopK, cfg.NumOutTokens)
	if err != nil {
		logger.Log.Fatal("permute failed during benchmark setup", "backend", backend.Name(), "error", err)
	}

	ops := []struct {
		name string
		fn   func()
	}{
		{"permute", func() {
			backend.Permute(tokens, indices, cfg.TopK, cfg.NumOutTokens)
		}},
		{"permute_bwd", func() {
			backend.PermuteBackward(permuted, rowIDMap, cfg.NumTokens, cfg.TopK)
		}},
		{"unpermute", func() {
			backend.Unpermute(permuted, rowIDMap, probs, cfg.NumTokens, cfg.TopK)
		}},
		{"unpermute_bwd", func() {
			backend.UnpermuteBackward(tokens, permuted, rowIDMap, probs, cfg.NumTokens, cfg.TopK)
		}},
	}
	for _, op := range ops {
		avg := bench.Measure(op.fn, *warmup, *iters)
		metrics.RecordBenchLatency(op.name, backend.Name(), avg)
		fmt.Printf("%-14s %-10s %12s\n", op.name, backend.Name(), avg.Round(time.Microsecond))
	}
}

func serveBlocks(cfg config.Config, backend routing.Backend, tokens *tensor.Tensor, indices []int32) {
	permuted, rowIDMap, err := backend.Permute(tokens, indices, cfg.TopK, cfg.NumOutTokens)
	if err != nil {
		logger.Log.Fatal("permute failed before publishing blocks", "error", err)
	}
	blocks, err := dispatch.SplitByExpert(permuted, indices, rowIDMap, cfg.TopK)
	if err != nil {
		logger.Log.Fatal("split by expert failed", "error", err)
	}

	srv := dispatch.NewBlockServer()
	if err := srv.Publish(blocks, cfg.HiddenSize); err != nil {
		logger.Log.Fatal("publish blocks failed", "error", err)
	}
	if err := srv.Start(*blocksAddr); err != nil {
		logger.Log.Fatal("block server failed to start", "error", err)
	}
	defer srv.Shutdown()
	logger.Log.Info("expert blocks published", "addr", srv.Addr(), "experts", len(blocks))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Log.Info("interrupt received, shutting down")
}

func randTokens(rng *rand.Rand, dtype tensor.DType, rows, cols int) *tensor.Tensor {
	switch dtype {
	case tensor.FP8E4M3, tensor.FP8E5M2:
		limit := 56
		if dtype == tensor.FP8E5M2 {
			limit = 60
		}
		raw := make([]byte, rows*cols)
		for i := range raw {
			raw[i] = byte(rng.Intn(limit + 1))
		}
		tsr, err := tensor.FromRaw(dtype, rows, cols, raw)
		if err != nil {
			logger.Log.Fatal("token generation failed", "error", err)
		}
		return tsr
	default:
		data := make([]float32, rows*cols)
		for i := range data {
			data[i] = rng.Float32()
		}
		tsr, err := tensor.FromFloat32(dtype, rows, cols, data)
		if err != nil {
			logger.Log.Fatal("token generation failed", "error", err)
		}
		return tsr
	}
}

func randIndices(rng *rand.Rand, numTokens, numExperts, topK int) []int32 {
	indices := make([]int32, 0, numTokens*topK)
	for t := 0; t < numTokens; t++ {
		perm := rng.Perm(numExperts)
		for k := 0; k < topK; k++ {
			indices = append(indices, int32(perm[k]))
		}
	}
	return indices
}

func randProbs(rng *rand.Rand, numTokens, topK int) []float32 {
	probs := make([]float32, numTokens*topK)
	for t := 0; t < numTokens; t++ {
		var sum float32
		for k := 0; k < topK; k++ {
			p := rng.Float32()
			probs[t*topK+k] = p
			sum += p
		}
		for k := 0; k < topK; k++ {
			probs[t*topK+k] /= sum
		}
	}
	return probs
}
