package engine

import (
	"testing"
)

func TestKVCacheRoundTrip(t *testing.T) {
	const layers, seqLen, kvDim = 2, 3, 4
	c := NewKVCache(layers, seqLen, kvDim)

	for l := 0; l < layers; l++ {
		for p := 0; p < seqLen; p++ {
			k := make([]float32, kvDim)
			v := make([]float32, kvDim)
			for i := range k {
				k[i] = float32(l*100 + p*10 + i)
				v[i] = -k[i] - 0.5
			}
			c.Store(l, p, k, v)
		}
	}

	for l := 0; l < layers; l++ {
		for p := 0; p < seqLen; p++ {
			for head := 0; head < kvDim; head += 2 {
				for i := 0; i < 2; i++ {
					want := float32(l*100 + p*10 + head + i)
					if got := c.Key(l, p, head, i); got != want {
						t.Errorf("Key(%d,%d,%d,%d) = %v, want %v", l, p, head, i, got, want)
					}
					if got := c.Value(l, p, head, i); got != -want-0.5 {
						t.Errorf("Value(%d,%d,%d,%d) = %v, want %v", l, p, head, i, got, -want-0.5)
					}
				}
			}
		}
	}
}

func TestKVCacheLayout(t *testing.T) {
	c := NewKVCache(2, 3, 4)
	c.Store(1, 2, []float32{1, 2, 3, 4}, []float32{5, 6, 7, 8})

	// (layer*seqLen + pos)*kvDim
	off := (1*3 + 2) * 4
	if c.keys[off+3] != 4 || c.values[off] != 5 {
		t.Errorf("slot not at expected offset %d", off)
	}
	if got := c.Keys(1, 2); len(got) != 4 || got[0] != 1 {
		t.Errorf("Keys view = %v", got)
	}
	if got := c.Values(1, 2); got[3] != 8 {
		t.Errorf("Values view = %v", got)
	}
}

func TestKVCacheReset(t *testing.T) {
	c := NewKVCache(1, 2, 2)
	c.Store(0, 1, []float32{1, 1}, []float32{2, 2})
	if c.UsedBytes() != 1*2*2*2*4 {
		t.Errorf("UsedBytes = %d", c.UsedBytes())
	}
	if c.SizeBytes() != 1*2*2*2*4 {
		t.Errorf("SizeBytes = %d", c.SizeBytes())
	}

	keys := c.keys
	c.Reset()
	if &keys[0] != &c.keys[0] {
		t.Error("Reset must not reallocate storage")
	}
	for i := range c.keys {
		if c.keys[i] != 0 || c.values[i] != 0 {
			t.Fatalf("storage not zeroed at %d", i)
		}
	}
	if c.UsedBytes() != 0 {
		t.Errorf("UsedBytes after reset = %d", c.UsedBytes())
	}
}

func TestKVCachePanics(t *testing.T) {
	c := NewKVCache(1, 2, 2)
	cases := map[string]func(){
		"position at seqLen": func() { c.Store(0, 2, []float32{0, 0}, []float32{0, 0}) },
		"negative position":  func() { c.Key(0, -1, 0, 0) },
		"layer out of range": func() { c.Value(1, 0, 0, 0) },
		"short vector":       func() { c.Store(0, 0, []float32{0}, []float32{0, 0}) },
		"element past slot":  func() { c.Key(0, 0, 2, 0) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			fn()
		})
	}
}
