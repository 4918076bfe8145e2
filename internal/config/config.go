package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidHeadGeometry is returned when the attention head layout cannot be
// split into rotary pairs or grouped-query groups.
var ErrInvalidHeadGeometry = errors.New("invalid head geometry")

// Config is the model geometry shared by the weights, the KV cache and the runtime.
type Config struct {
	Architecture string
	Dim          int
	HiddenDim    int
	Layers       int
	Heads        int
	KVHeads      int
	HeadDim      int
	VocabSize    int
	SeqLen       int
	RopeDim      int
	Eps          float32
	RopeTheta    float32
}

// Normalize fills derived fields: HeadDim from Dim/Heads, KVHeads from Heads
// and RopeDim from HeadDim. Fields already set are left alone.
func (c *Config) Normalize() {
	if c.KVHeads == 0 {
		c.KVHeads = c.Heads
	}
	if c.HeadDim == 0 && c.Heads > 0 {
		c.HeadDim = c.Dim / c.Heads
	}
	if c.RopeDim == 0 {
		c.RopeDim = c.HeadDim
	}
	if c.Eps == 0 {
		c.Eps = 1e-5
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = 10000.0
	}
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("%w: kv_heads %d > heads %d", ErrInvalidHeadGeometry, c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("%w: heads %d not divisible by kv_heads %d", ErrInvalidHeadGeometry, c.Heads, c.KVHeads)
	}
	if c.Dim%c.Heads != 0 {
		return fmt.Errorf("%w: dim %d not divisible by heads %d", ErrInvalidHeadGeometry, c.Dim, c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.HeadDim%2 != 0 {
		return fmt.Errorf("%w: head_dim %d is odd", ErrInvalidHeadGeometry, c.HeadDim)
	}
	if c.RopeDim <= 0 || c.RopeDim > c.HeadDim || c.RopeDim%2 != 0 {
		return fmt.Errorf("%w: rope_dim %d (must be even and <= head_dim %d)", ErrInvalidHeadGeometry, c.RopeDim, c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	return nil
}

func (c *Config) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

// KVDim is the width of one cached key or value slot.
func (c *Config) KVDim() int {
	return c.KVHeads * c.HeadDim
}

// GroupSize is the number of query heads sharing one key/value head.
func (c *Config) GroupSize() int {
	return c.Heads / c.KVHeads
}

func Default() Config {
	return Config{
		Architecture: "llama",
		SeqLen:       2048,
		Eps:          1e-5,
		RopeTheta:    10000.0,
	}
}
