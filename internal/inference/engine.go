package inference

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-kllama/internal/chat"
	"github.com/23skdu/longbow-kllama/internal/engine"
	"github.com/23skdu/longbow-kllama/internal/logger"
	"github.com/23skdu/longbow-kllama/internal/metrics"
	"github.com/23skdu/longbow-kllama/internal/trace"
)

var ErrEmptyPrompt = errors.New("prompt encodes to no tokens")

// GeneratedToken is one streamed completion token.
type GeneratedToken struct {
	ID    int
	Text  string
	Stats Statistics
}

// Engine turns a chat session into a stream of generated tokens.
// One Engine drives one Backend; Generate calls must not overlap.
type Engine struct {
	backend  Backend
	format   chat.Formatter
	rng      engine.RandomSource
	recorder *trace.Recorder
	clock    func() time.Time
	log      *logger.Logger

	stop atomic.Bool
}

type EngineOption func(*Engine)

func WithFormatter(f chat.Formatter) EngineOption {
	return func(e *Engine) { e.format = f }
}

// WithRandomSource fixes the sampler's random source. By default each
// Generate seeds a new source from the sampler config.
func WithRandomSource(rng engine.RandomSource) EngineOption {
	return func(e *Engine) { e.rng = rng }
}

// WithRecorder appends every generated token to r.
func WithRecorder(r *trace.Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

func WithEngineLogger(l *logger.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

func NewEngine(b Backend, opts ...EngineOption) *Engine {
	e := &Engine{
		backend: b,
		format:  chat.FormatChatML,
		clock:   time.Now,
		log:     logger.Log,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "inference")
	return e
}

// Stop asks a running Generate to return before its next token.
func (e *Engine) Stop() { e.stop.Store(true) }

func (e *Engine) Backend() Backend { return e.backend }

// Generate renders session into a prompt, prefills it and samples up to
// cfg.MaxNewTokens tokens, bounded by the room left in the context. Each token
// is passed to emit and appended to a new assistant message in session.
// Generation ends at EOS, on Stop, or when emit returns an error.
func (e *Engine) Generate(ctx context.Context, session *chat.Session, cfg engine.SamplerConfig, emit func(GeneratedToken) error) (Statistics, error) {
	e.stop.Store(false)
	stats := NewStatisticsCollector(DefaultStatsWindow, e.clock)

	e.backend.Reset()
	prompt := e.backend.Tokenize(e.format(session))
	if len(prompt) == 0 {
		return stats.Build(), ErrEmptyPrompt
	}
	ctxLen := e.backend.ContextLength()
	if len(prompt) > ctxLen {
		metrics.RecordContextLengthExceeded()
		return stats.Build(), fmt.Errorf("%w: prompt of %d tokens, context %d",
			engine.ErrContextLengthExceeded, len(prompt), ctxLen)
	}
	metrics.RecordPromptTokens(len(prompt))
	stats.Start(len(prompt))

	var logits []float32
	for _, id := range prompt {
		if err := ctx.Err(); err != nil {
			return stats.Build(), err
		}
		var err error
		if logits, err = e.backend.Forward(id); err != nil {
			return stats.Build(), fmt.Errorf("prefill: %w", err)
		}
	}

	budget := ctxLen - e.backend.Position() + 1
	maxNew := cfg.MaxNewTokens
	if maxNew <= 0 || maxNew > budget {
		maxNew = budget
	}

	sampler := engine.NewSampler(cfg, e.rng)
	metrics.RecordSamplingTemperature(cfg.Temperature)
	eos := e.backend.EOS()

	session.Add(chat.RoleAssistant, "")
	var reply []int
	defer func() {
		session.UpdateLast(e.backend.Decode(reply), false, len(reply))
	}()

	e.log.Debug("Generation started",
		"session", session.ID,
		"prompt_tokens", len(prompt),
		"max_new_tokens", maxNew,
		"temperature", cfg.Temperature,
	)

	last := e.clock()
	for i := 0; i < maxNew; i++ {
		if e.stop.Load() {
			e.log.Debug("Generation stopped", "session", session.ID, "tokens", i)
			break
		}
		if err := ctx.Err(); err != nil {
			return e.finish(stats), err
		}

		next := sampler.Sample(logits)
		if next == eos {
			break
		}
		reply = append(reply, next)
		stats.RecordToken()

		tok := GeneratedToken{ID: next, Text: e.backend.DecodeToken(next), Stats: stats.Build()}
		now := e.clock()
		if e.recorder != nil {
			e.recorder.Append(trace.Step{
				SessionID:       session.ID,
				Step:            i,
				Position:        e.backend.Position(),
				TokenID:         next,
				Text:            tok.Text,
				LatencyMicros:   now.Sub(last).Microseconds(),
				TokensPerSecond: float32(tok.Stats.TokensPerSecond),
			})
		}
		last = now

		session.UpdateLast(e.backend.Decode(reply), true, len(reply))
		if emit != nil {
			if err := emit(tok); err != nil {
				return e.finish(stats), err
			}
		}

		if i+1 < maxNew {
			var err error
			if logits, err = e.backend.Forward(next); err != nil {
				return e.finish(stats), err
			}
		}
	}
	return e.finish(stats), nil
}

func (e *Engine) finish(stats *StatisticsCollector) Statistics {
	s := stats.Build()
	if s.TokensGenerated > 0 {
		metrics.RecordInference(s.TokensGenerated, s.TotalTime)
		metrics.RecordTokensPerSecond(stats.AverageTPS())
	}
	e.log.Debug("Generation finished",
		"tokens", s.TokensGenerated,
		"prompt_tokens", s.PromptTokens,
		"elapsed", s.TotalTime,
	)
	return s
}
