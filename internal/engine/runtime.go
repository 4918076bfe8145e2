package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-kllama/internal/config"
	"github.com/23skdu/longbow-kllama/internal/cpu"
	"github.com/23skdu/longbow-kllama/internal/logger"
	"github.com/23skdu/longbow-kllama/internal/metrics"
	"github.com/23skdu/longbow-kllama/internal/weights"
)

// Runtime is one decoding session over shared read-only weights. It owns the
// KV cache and the position counter; calls must not overlap.
type Runtime struct {
	w     *weights.ModelWeights
	cfg   config.Config
	stack *DecoderStack
	cache *KVCache

	ctx     *cpu.Context
	s       *scratch
	x       []float32
	logits  []float32
	sampler *Sampler

	position int

	log         *logger.Logger
	activations *ActivationLogger
}

type Option func(*Runtime)

func WithLogger(l *logger.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// WithSampler sets the sampling policy used by Generate.
func WithSampler(cfg SamplerConfig, rng RandomSource) Option {
	return func(r *Runtime) { r.sampler = NewSampler(cfg, rng) }
}

func WithActivationLogger(al *ActivationLogger) Option {
	return func(r *Runtime) { r.activations = al }
}

// NewRuntime validates w and allocates the KV cache and working buffers.
func NewRuntime(w *weights.ModelWeights, opts ...Option) (*Runtime, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}
	cfg := w.Config
	rope, err := NewRoPE(cfg, w.RoPECos, w.RoPESin)
	if err != nil {
		return nil, err
	}

	ctx := cpu.NewContext()
	r := &Runtime{
		w:      w,
		cfg:    cfg,
		stack:  NewDecoderStack(w, rope),
		cache:  NewKVCache(cfg.Layers, cfg.SeqLen, cfg.KVDim()),
		ctx:    ctx,
		s:      newScratch(ctx, cfg),
		x:      ctx.Alloc(cfg.Dim),
		logits: ctx.Alloc(cfg.VocabSize),
		log:    logger.Log,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sampler == nil {
		r.sampler = NewSampler(DefaultSamplerConfig(), nil)
	}
	r.log = r.log.With("component", "runtime")

	metrics.RecordKVCacheStats(r.cache.SizeBytes(), 0)
	r.log.Info("Runtime initialized",
		"layers", cfg.Layers,
		"dim", cfg.Dim,
		"heads", cfg.Heads,
		"kv_heads", cfg.KVHeads,
		"seq_len", cfg.SeqLen,
		"rope_tables", w.HasRoPETables(),
		"kv_cache_bytes", r.cache.SizeBytes(),
		"scratch_bytes", ctx.Bytes(),
	)
	return r, nil
}

// Forward runs one token through the model at the current position and
// returns a fresh logits slice of length VocabSize.
func (r *Runtime) Forward(token int) ([]float32, error) {
	if r.position >= r.cfg.SeqLen {
		metrics.RecordContextLengthExceeded()
		r.log.Warn("Context window full", "position", r.position, "seq_len", r.cfg.SeqLen)
		return nil, fmt.Errorf("%w: position %d, context %d", ErrContextLengthExceeded, r.position, r.cfg.SeqLen)
	}
	if token < 0 || token >= r.cfg.VocabSize {
		return nil, fmt.Errorf("%w: %d (vocab %d)", ErrTokenOutOfRange, token, r.cfg.VocabSize)
	}
	start := time.Now()
	pos := r.position

	copy(r.x, r.w.TokenEmbedding.Row(token))
	if r.activations.IsEnabled() {
		r.activations.LogEmbedding(r.x)
	}

	r.stack.Forward(r.x, pos, r.cache, r.s, r.activations)

	cpu.RMSNorm(r.x, r.x, r.w.OutputNorm, r.cfg.Eps)
	linear(r.logits, r.x, r.w.Output)
	if r.activations.IsEnabled() {
		r.activations.LogLogits(r.logits)
	}

	r.position++
	metrics.RecordForward(pos, time.Since(start))
	metrics.RecordKVCacheStats(r.cache.SizeBytes(), r.cache.UsedBytes())

	out := make([]float32, len(r.logits))
	copy(out, r.logits)
	return out, nil
}

// Reset clears the KV cache and rewinds to position 0.
func (r *Runtime) Reset() {
	r.cache.Reset()
	r.position = 0
	metrics.RecordKVCacheReset()
}

// Generate feeds prompt[0] (BOS for an empty prompt) and then, for each of
// steps iterations, emits the next prompt token while any remain and a
// sampled token afterwards. ctx is checked before every forward; a forward
// in progress always completes.
func (r *Runtime) Generate(ctx context.Context, prompt []int, steps int, temperature float32, onToken func(int)) error {
	if steps < 0 {
		return fmt.Errorf("invalid steps: %d (must be non-negative)", steps)
	}
	sampler := r.sampler.WithTemperature(float64(temperature))
	metrics.RecordSamplingTemperature(float64(temperature))

	token := BOS
	if len(prompt) > 0 {
		token = prompt[0]
	}
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		logits, err := r.Forward(token)
		if err != nil {
			return err
		}
		var next int
		if i+1 < len(prompt) {
			next = prompt[i+1]
		} else {
			next = sampler.Sample(logits)
		}
		if onToken != nil {
			onToken(next)
		}
		token = next
	}
	return nil
}

func (r *Runtime) Position() int { return r.position }

func (r *Runtime) Config() config.Config { return r.cfg }

// Sampler returns the sampler Generate draws from.
func (r *Runtime) Sampler() *Sampler { return r.sampler }

// Close releases the working buffers. The runtime must not be used afterwards.
func (r *Runtime) Close() {
	r.ctx.Free()
}
