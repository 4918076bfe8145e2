package cpu

import (
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-kllama/internal/metrics"
)

var allocatedBytes int64

func traceAlloc(delta int64) {
	atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordScratchMemory(delta)
}

// AllocatedBytes reports scratch memory held by all live contexts.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Context is a scratch arena owning the working buffers of one runtime.
// Buffers stay valid until Free.
type Context struct {
	mu    sync.Mutex
	bufs  [][]float32
	bytes int64
}

func NewContext() *Context {
	return &Context{}
}

// Alloc returns a zeroed buffer of n floats owned by the context.
func (c *Context) Alloc(n int) []float32 {
	buf := make([]float32, n)
	size := int64(n) * 4

	c.mu.Lock()
	c.bufs = append(c.bufs, buf)
	c.bytes += size
	c.mu.Unlock()

	traceAlloc(size)
	return buf
}

// Bytes reports the memory held by this context.
func (c *Context) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Free releases every buffer handed out by Alloc. It is safe to call twice.
func (c *Context) Free() {
	c.mu.Lock()
	freed := c.bytes
	c.bufs = nil
	c.bytes = 0
	c.mu.Unlock()

	if freed > 0 {
		traceAlloc(-freed)
	}
}
