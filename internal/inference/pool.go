package inference

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-kllama/internal/engine"
	"github.com/23skdu/longbow-kllama/internal/logger"
	"github.com/23skdu/longbow-kllama/internal/metrics"
	"github.com/23skdu/longbow-kllama/internal/tokenizer"
	"github.com/23skdu/longbow-kllama/internal/weights"
)

// Pool bounds the number of live decoding sessions over one set of weights.
// Every session gets its own Runtime and KV cache; the weights are shared
// read-only.
type Pool struct {
	w    *weights.ModelWeights
	tok  tokenizer.Tokenizer
	sem  *semaphore.Weighted
	size int

	runtimeOpts []engine.Option
	log         *logger.Logger
}

func NewPool(w *weights.ModelWeights, tok tokenizer.Tokenizer, size int, opts ...engine.Option) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid pool size: %d", size)
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}
	if tok.VocabSize() > w.Config.VocabSize {
		return nil, fmt.Errorf("tokenizer vocabulary %d exceeds model vocabulary %d",
			tok.VocabSize(), w.Config.VocabSize)
	}
	return &Pool{
		w:           w,
		tok:         tok,
		sem:         semaphore.NewWeighted(int64(size)),
		size:        size,
		runtimeOpts: opts,
		log:         logger.Log.With("component", "pool"),
	}, nil
}

func (p *Pool) Size() int { return p.size }

// Run waits for a free slot, builds a fresh session and hands its Engine to
// fn. The session is torn down when fn returns.
func (p *Pool) Run(ctx context.Context, fn func(context.Context, *Engine) error, opts ...EngineOption) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	rt, err := engine.NewRuntime(p.w, p.runtimeOpts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	metrics.SessionStarted()
	defer metrics.SessionFinished()

	return fn(ctx, NewEngine(NewLocalBackend(rt, p.tok), opts...))
}

// RunAll runs n sessions concurrently, at most Size at a time. The first
// error cancels the context passed to the others and is returned.
func (p *Pool) RunAll(ctx context.Context, n int, fn func(ctx context.Context, idx int, e *Engine) error, opts ...EngineOption) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return p.Run(gctx, func(ctx context.Context, e *Engine) error {
				return fn(ctx, i, e)
			}, opts...)
		})
	}
	err := g.Wait()
	if err != nil {
		p.log.Warn("Session batch failed", "sessions", n, "error", err.Error())
	}
	return err
}
