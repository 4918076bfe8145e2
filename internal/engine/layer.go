package engine

import (
	"github.com/23skdu/longbow-kllama/internal/config"
	"github.com/23skdu/longbow-kllama/internal/cpu"
	"github.com/23skdu/longbow-kllama/internal/weights"
)

// scratch holds the per-token working buffers shared by all layers.
type scratch struct {
	normed  []float32
	q       []float32
	k       []float32
	v       []float32
	attnOut []float32
	gate    []float32
	up      []float32
	ffnOut  []float32
	scores  []float32
}

func newScratch(ctx *cpu.Context, cfg config.Config) *scratch {
	kvDim := cfg.KVDim()
	return &scratch{
		normed:  ctx.Alloc(cfg.Dim),
		q:       ctx.Alloc(cfg.Dim),
		k:       ctx.Alloc(kvDim),
		v:       ctx.Alloc(kvDim),
		attnOut: ctx.Alloc(cfg.Dim),
		gate:    ctx.Alloc(cfg.HiddenDim),
		up:      ctx.Alloc(cfg.HiddenDim),
		ffnOut:  ctx.Alloc(cfg.Dim),
		scores:  ctx.Alloc(cfg.SeqLen),
	}
}

// DecoderLayer is one pre-norm transformer block. Attention output is added
// to the residual stream directly; there is no output projection.
type DecoderLayer struct {
	index int
	cfg   config.Config
	w     *weights.LayerWeights
	rope  *RoPE
	attn  *Attention
}

func NewDecoderLayer(index int, cfg config.Config, w *weights.LayerWeights, rope *RoPE) *DecoderLayer {
	return &DecoderLayer{
		index: index,
		cfg:   cfg,
		w:     w,
		rope:  rope,
		attn:  NewAttention(cfg.Heads, cfg.KVHeads, cfg.HeadDim),
	}
}

// Forward updates the residual stream x in place for the token at pos and
// stores its key and value in cache.
func (l *DecoderLayer) Forward(x []float32, pos int, cache *KVCache, s *scratch, al *ActivationLogger) {
	w := l.w

	cpu.RMSNorm(s.normed, x, w.AttnNorm, l.cfg.Eps)
	linear(s.q, s.normed, w.Q)
	linear(s.k, s.normed, w.K)
	linear(s.v, s.normed, w.V)

	l.rope.Apply(s.q, l.cfg.Heads, pos)
	l.rope.Apply(s.k, l.cfg.KVHeads, pos)

	cache.Store(l.index, pos, s.k, s.v)
	l.attn.Forward(s.attnOut, s.q, cache, l.index, pos, s.scores)
	cpu.Add(x, s.attnOut)

	cpu.RMSNorm(s.normed, x, w.FFNNorm, l.cfg.Eps)
	linear(s.gate, s.normed, w.Gate)
	linear(s.up, s.normed, w.Up)
	cpu.SwiGLU(s.gate, s.gate, s.up)
	linear(s.ffnOut, s.gate, w.Down)
	cpu.Add(x, s.ffnOut)

	if al.IsEnabled() {
		al.LogLayer(l.index, pos, s.q, s.k, s.v, s.attnOut, s.ffnOut)
	}
}

// DecoderStack runs its layers in order over the residual stream.
type DecoderStack struct {
	Layers []*DecoderLayer
}

func NewDecoderStack(w *weights.ModelWeights, rope *RoPE) *DecoderStack {
	st := &DecoderStack{Layers: make([]*DecoderLayer, len(w.Layers))}
	for i := range w.Layers {
		st.Layers[i] = NewDecoderLayer(i, w.Config, &w.Layers[i], rope)
	}
	return st
}

func (st *DecoderStack) Forward(x []float32, pos int, cache *KVCache, s *scratch, al *ActivationLogger) {
	for _, l := range st.Layers {
		l.Forward(x, pos, cache, s, al)
	}
}

func linear(out, x []float32, m weights.Matrix) {
	cpu.Linear(out, x, m.Data, m.Rows, m.Cols)
}
