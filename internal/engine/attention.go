package engine

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-kllama/internal/cpu"
)

// Attention is causal grouped-query attention over the KV cache. Query head h
// reads key/value head h / (heads/kvHeads).
type Attention struct {
	heads   int
	kvHeads int
	headDim int
	scale   float32
}

func NewAttention(heads, kvHeads, headDim int) *Attention {
	return &Attention{
		heads:   heads,
		kvHeads: kvHeads,
		headDim: headDim,
		scale:   float32(1 / math.Sqrt(float64(headDim))),
	}
}

// Forward attends q over cached positions 0..pos of layer and writes the
// concatenated head outputs into out. scores needs at least pos+1 values.
func (a *Attention) Forward(out, q []float32, cache *KVCache, layer, pos int, scores []float32) {
	dim := a.heads * a.headDim
	if len(q) != dim || len(out) != dim {
		panic(fmt.Sprintf("attention: q=%d out=%d values, want %d", len(q), len(out), dim))
	}
	if len(scores) < pos+1 {
		panic(fmt.Sprintf("attention: %d score slots for position %d", len(scores), pos))
	}
	group := a.heads / a.kvHeads
	hd := a.headDim
	scores = scores[:pos+1]

	for h := 0; h < a.heads; h++ {
		kvOff := (h / group) * hd
		qh := q[h*hd : (h+1)*hd]

		for t := 0; t <= pos; t++ {
			k := cache.Keys(layer, t)[kvOff : kvOff+hd]
			scores[t] = cpu.Dot(qh, k) * a.scale
		}
		cpu.Softmax(scores)

		oh := out[h*hd : (h+1)*hd]
		clear(oh)
		for t := 0; t <= pos; t++ {
			v := cache.Values(layer, t)[kvOff : kvOff+hd]
			cpu.AddScaled(oh, v, scores[t])
		}
	}
}
