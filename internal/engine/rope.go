package engine

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-kllama/internal/config"
)

// RoPE rotates interleaved coordinate pairs (i, i+1), i < ropeDim, of every
// head by a position dependent angle. Angles come from precomputed
// [seqLen, ropeDim/2] tables when present, otherwise from
// theta = pos / base^(2*pair/ropeDim).
type RoPE struct {
	headDim int
	ropeDim int
	seqLen  int

	invFreq []float64 // per pair
	cos     []float32
	sin     []float32
}

// NewRoPE validates the rotary geometry of cfg. cos and sin may both be nil.
func NewRoPE(cfg config.Config, cos, sin []float32) (*RoPE, error) {
	if cfg.HeadDim <= 0 || cfg.HeadDim%2 != 0 {
		return nil, fmt.Errorf("%w: head size %d must be positive and even", config.ErrInvalidHeadGeometry, cfg.HeadDim)
	}
	ropeDim := cfg.RopeDim
	if ropeDim == 0 {
		ropeDim = cfg.HeadDim
	}
	if ropeDim%2 != 0 || ropeDim > cfg.HeadDim {
		return nil, fmt.Errorf("%w: rope dim %d (head size %d)", config.ErrInvalidHeadGeometry, ropeDim, cfg.HeadDim)
	}
	base := float64(cfg.RopeTheta)
	if base <= 0 {
		base = 10000
	}

	half := ropeDim / 2
	r := &RoPE{
		headDim: cfg.HeadDim,
		ropeDim: ropeDim,
		seqLen:  cfg.SeqLen,
		invFreq: make([]float64, half),
	}
	for p := 0; p < half; p++ {
		r.invFreq[p] = 1 / math.Pow(base, float64(2*p)/float64(ropeDim))
	}

	if len(cos) > 0 || len(sin) > 0 {
		if len(cos) != cfg.SeqLen*half || len(sin) != cfg.SeqLen*half {
			return nil, fmt.Errorf("rope tables: cos=%d sin=%d values, want %d", len(cos), len(sin), cfg.SeqLen*half)
		}
		r.cos, r.sin = cos, sin
	}
	return r, nil
}

// Apply rotates the first ropeDim coordinates of each of nHeads heads in x.
func (r *RoPE) Apply(x []float32, nHeads, pos int) {
	if len(x) != nHeads*r.headDim {
		panic(fmt.Sprintf("rope: vector of %d values, want %d heads of %d", len(x), nHeads, r.headDim))
	}
	half := r.ropeDim / 2
	for p := 0; p < half; p++ {
		c, s := r.angle(pos, p)
		for h := 0; h < nHeads; h++ {
			i := h*r.headDim + 2*p
			x0, x1 := x[i], x[i+1]
			x[i] = x0*c - x1*s
			x[i+1] = x0*s + x1*c
		}
	}
}

func (r *RoPE) angle(pos, pair int) (float32, float32) {
	if r.cos != nil {
		i := pos*(r.ropeDim/2) + pair
		return r.cos[i], r.sin[i]
	}
	theta := float64(pos) * r.invFreq[pair]
	return float32(math.Cos(theta)), float32(math.Sin(theta))
}

// PrecomputeRoPETables builds [seqLen, ropeDim/2] cosine and sine tables
// matching the formula path of RoPE.
func PrecomputeRoPETables(seqLen, ropeDim int, base float64) (cos, sin []float32) {
	half := ropeDim / 2
	cos = make([]float32, seqLen*half)
	sin = make([]float32, seqLen*half)
	for pos := 0; pos < seqLen; pos++ {
		for p := 0; p < half; p++ {
			theta := float64(pos) / math.Pow(base, float64(2*p)/float64(ropeDim))
			cos[pos*half+p] = float32(math.Cos(theta))
			sin[pos*half+p] = float32(math.Sin(theta))
		}
	}
	return cos, sin
}
