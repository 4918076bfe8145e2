package inference

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-kllama/internal/chat"
	"github.com/23skdu/longbow-kllama/internal/engine"
	"github.com/23skdu/longbow-kllama/internal/logger"
	"github.com/23skdu/longbow-kllama/internal/tokenizer"
	"github.com/23skdu/longbow-kllama/internal/trace"
)

// scriptedBackend produces logits whose argmax spells out script once the
// prompt has been consumed, and EOS after that.
type scriptedBackend struct {
	tokenizer.ByteTokenizer

	script    string
	promptLen int
	ctxLen    int
	noPrompt  bool

	pos      int
	resets   int
	forwards []int
}

func newScripted(script string, promptLen, ctxLen int) *scriptedBackend {
	return &scriptedBackend{script: script, promptLen: promptLen, ctxLen: ctxLen}
}

func (b *scriptedBackend) Forward(token int) ([]float32, error) {
	if b.pos >= b.ctxLen {
		return nil, engine.ErrContextLengthExceeded
	}
	b.forwards = append(b.forwards, token)
	b.pos++

	logits := make([]float32, b.VocabSize())
	next := b.EOS()
	if k := b.pos - b.promptLen; k >= 0 && k < len(b.script) {
		next = int(b.script[k])
	}
	logits[next] = 10
	return logits, nil
}

func (b *scriptedBackend) Reset() {
	b.pos = 0
	b.resets++
	b.forwards = nil
}

func (b *scriptedBackend) Tokenize(text string) []int {
	if b.noPrompt {
		return nil
	}
	return b.Encode(text)
}

func (b *scriptedBackend) Position() int      { return b.pos }
func (b *scriptedBackend) ContextLength() int { return b.ctxLen }

// fixedPrompt renders every session as "ab", three tokens with BOS.
func fixedPrompt(*chat.Session) string { return "ab" }

func greedy(maxNew int) engine.SamplerConfig {
	cfg := engine.DefaultSamplerConfig()
	cfg.Temperature = 0
	cfg.MaxNewTokens = maxNew
	return cfg
}

func newTestEngine(b Backend, opts ...EngineOption) *Engine {
	opts = append([]EngineOption{WithFormatter(fixedPrompt), WithEngineLogger(logger.Nop())}, opts...)
	return NewEngine(b, opts...)
}

func collect(out *[]GeneratedToken) func(GeneratedToken) error {
	return func(tok GeneratedToken) error {
		*out = append(*out, tok)
		return nil
	}
}

func texts(toks []GeneratedToken) string {
	var sb strings.Builder
	for _, t := range toks {
		sb.WriteString(t.Text)
	}
	return sb.String()
}

func TestGenerateStreamsUntilEOS(t *testing.T) {
	b := newScripted("Hey", 3, 64)
	e := newTestEngine(b)
	session := chat.NewSession("")
	session.Add(chat.RoleUser, "hi")

	var toks []GeneratedToken
	stats, err := e.Generate(context.Background(), session, greedy(100), collect(&toks))
	require.NoError(t, err)

	assert.Equal(t, "Hey", texts(toks))
	assert.Equal(t, []int{1, 'a', 'b', 'H', 'e', 'y'}, b.forwards)
	assert.Equal(t, 1, b.resets)
	assert.Equal(t, 3, stats.TokensGenerated)
	assert.Equal(t, 3, stats.PromptTokens)
	assert.Equal(t, 2, toks[1].Stats.TokensGenerated)

	require.Len(t, session.Messages, 2)
	last := session.Messages[1]
	assert.Equal(t, chat.RoleAssistant, last.Role)
	assert.Equal(t, "Hey", last.Content)
	assert.False(t, last.Streaming)
	assert.Equal(t, 3, last.TokenCount)
}

func TestGenerateHonoursMaxNewTokens(t *testing.T) {
	b := newScripted("Hello", 3, 64)
	e := newTestEngine(b)

	var toks []GeneratedToken
	_, err := e.Generate(context.Background(), chat.NewSession(""), greedy(2), collect(&toks))
	require.NoError(t, err)
	assert.Equal(t, "He", texts(toks))
	assert.Equal(t, []int{1, 'a', 'b', 'H'}, b.forwards)
}

func TestGenerateClampsToContext(t *testing.T) {
	b := newScripted("Hello", 3, 5)
	e := newTestEngine(b)

	var toks []GeneratedToken
	_, err := e.Generate(context.Background(), chat.NewSession(""), greedy(0), collect(&toks))
	require.NoError(t, err)
	assert.Equal(t, "Hel", texts(toks))
	assert.Equal(t, 5, b.Position())
}

func TestGenerateRejectsOversizedPrompt(t *testing.T) {
	b := newScripted("Hello", 3, 2)
	e := newTestEngine(b)

	_, err := e.Generate(context.Background(), chat.NewSession(""), greedy(4), nil)
	assert.ErrorIs(t, err, engine.ErrContextLengthExceeded)
	assert.Empty(t, b.forwards)
}

func TestGenerateEmptyPrompt(t *testing.T) {
	b := newScripted("Hello", 0, 16)
	b.noPrompt = true
	e := newTestEngine(b)

	_, err := e.Generate(context.Background(), chat.NewSession(""), greedy(4), nil)
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestGenerateStop(t *testing.T) {
	b := newScripted("Hello", 3, 64)
	e := newTestEngine(b)

	var toks []GeneratedToken
	_, err := e.Generate(context.Background(), chat.NewSession(""), greedy(10), func(tok GeneratedToken) error {
		toks = append(toks, tok)
		e.Stop()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "H", texts(toks))

	// the flag is cleared by the next run
	toks = nil
	_, err = e.Generate(context.Background(), chat.NewSession(""), greedy(10), collect(&toks))
	require.NoError(t, err)
	assert.Equal(t, "Hello", texts(toks))
}

func TestGenerateEmitErrorStops(t *testing.T) {
	errBoom := errors.New("boom")
	b := newScripted("Hello", 3, 64)
	e := newTestEngine(b)

	n := 0
	stats, err := e.Generate(context.Background(), chat.NewSession(""), greedy(10), func(GeneratedToken) error {
		n++
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, stats.TokensGenerated)
}

func TestGenerateCancelled(t *testing.T) {
	b := newScripted("Hello", 3, 64)
	e := newTestEngine(b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var toks []GeneratedToken
	_, err := e.Generate(ctx, chat.NewSession(""), greedy(10), func(tok GeneratedToken) error {
		toks = append(toks, tok)
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, toks, 1)

	_, err = e.Generate(ctx, chat.NewSession(""), greedy(10), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, b.forwards)
}

func TestGenerateRecordsTrace(t *testing.T) {
	clk := newManualClock()
	tick := func() time.Time {
		clk.advance(250 * time.Microsecond)
		return clk.now()
	}
	rec := trace.NewRecorder(nil)
	defer rec.Release()

	b := newScripted("ok", 3, 64)
	e := newTestEngine(b, WithRecorder(rec), WithClock(tick))
	session := chat.NewSession("")

	_, err := e.Generate(context.Background(), session, greedy(10), nil)
	require.NoError(t, err)
	require.Equal(t, 2, rec.Len())

	r := rec.NewRecord()
	defer r.Release()
	steps := trace.Steps(r)
	require.Len(t, steps, 2)

	assert.Equal(t, session.ID, steps[0].SessionID)
	assert.Equal(t, 0, steps[0].Step)
	assert.Equal(t, 3, steps[0].Position)
	assert.Equal(t, int('o'), steps[0].TokenID)
	assert.Equal(t, 1, steps[1].Step)
	assert.Equal(t, 4, steps[1].Position)
	assert.Equal(t, "k", steps[1].Text)
	assert.Positive(t, steps[1].LatencyMicros)
}
