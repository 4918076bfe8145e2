package engine

import "fmt"

// KVCache stores the key and value vectors of every layer and position.
// Storage is layer-major, then position, then element, so each
// (layer, position) slot is a contiguous run of kvDim floats.
type KVCache struct {
	layers int
	seqLen int
	kvDim  int

	keys   []float32
	values []float32

	// highest stored position + 1
	used int
}

func NewKVCache(layers, seqLen, kvDim int) *KVCache {
	n := layers * seqLen * kvDim
	return &KVCache{
		layers: layers,
		seqLen: seqLen,
		kvDim:  kvDim,
		keys:   make([]float32, n),
		values: make([]float32, n),
	}
}

func (c *KVCache) offset(layer, pos int) int {
	if layer < 0 || layer >= c.layers {
		panic(fmt.Sprintf("kv cache: layer %d out of range [0, %d)", layer, c.layers))
	}
	if pos < 0 || pos >= c.seqLen {
		panic(fmt.Sprintf("kv cache: position %d out of range [0, %d)", pos, c.seqLen))
	}
	return (layer*c.seqLen + pos) * c.kvDim
}

// Store writes one key and one value vector of exactly kvDim floats.
func (c *KVCache) Store(layer, pos int, k, v []float32) {
	if len(k) != c.kvDim || len(v) != c.kvDim {
		panic(fmt.Sprintf("kv cache: store of k=%d v=%d values, want %d", len(k), len(v), c.kvDim))
	}
	off := c.offset(layer, pos)
	copy(c.keys[off:off+c.kvDim], k)
	copy(c.values[off:off+c.kvDim], v)
	if pos+1 > c.used {
		c.used = pos + 1
	}
}

func (c *KVCache) index(layer, pos, headOffset, idx int) int {
	if headOffset+idx < 0 || headOffset+idx >= c.kvDim {
		panic(fmt.Sprintf("kv cache: element %d out of range [0, %d)", headOffset+idx, c.kvDim))
	}
	return c.offset(layer, pos) + headOffset + idx
}

func (c *KVCache) Key(layer, pos, headOffset, idx int) float32 {
	return c.keys[c.index(layer, pos, headOffset, idx)]
}

func (c *KVCache) Value(layer, pos, headOffset, idx int) float32 {
	return c.values[c.index(layer, pos, headOffset, idx)]
}

// Keys returns the key slot of (layer, pos). The slice aliases the cache and
// must not be modified.
func (c *KVCache) Keys(layer, pos int) []float32 {
	off := c.offset(layer, pos)
	return c.keys[off : off+c.kvDim]
}

// Values returns the value slot of (layer, pos). The slice aliases the cache
// and must not be modified.
func (c *KVCache) Values(layer, pos int) []float32 {
	off := c.offset(layer, pos)
	return c.values[off : off+c.kvDim]
}

// Reset zeroes both stores without reallocating them.
func (c *KVCache) Reset() {
	clear(c.keys)
	clear(c.values)
	c.used = 0
}

func (c *KVCache) SeqLen() int { return c.seqLen }
func (c *KVCache) KVDim() int  { return c.kvDim }

// SizeBytes is the memory reserved for keys and values.
func (c *KVCache) SizeBytes() int64 {
	return int64(len(c.keys)+len(c.values)) * 4
}

// UsedBytes is the memory holding positions written since the last Reset.
func (c *KVCache) UsedBytes() int64 {
	return int64(c.layers*c.used*c.kvDim) * 2 * 4
}
