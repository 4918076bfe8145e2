// Package trace records generation steps as Arrow record batches.
package trace

import (
	"fmt"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Schema is the layout of every trace record.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "session_id", Type: arrow.BinaryTypes.String},
	{Name: "step", Type: arrow.PrimitiveTypes.Int32},
	{Name: "position", Type: arrow.PrimitiveTypes.Int32},
	{Name: "token_id", Type: arrow.PrimitiveTypes.Int32},
	{Name: "text", Type: arrow.BinaryTypes.String},
	{Name: "latency_us", Type: arrow.PrimitiveTypes.Int64},
	{Name: "tokens_per_second", Type: arrow.PrimitiveTypes.Float32},
}, nil)

// Step is one generated token.
type Step struct {
	SessionID       string
	Step            int
	Position        int
	TokenID         int
	Text            string
	LatencyMicros   int64
	TokensPerSecond float32
}

// Recorder accumulates steps until NewRecord drains them. It is safe for
// concurrent use so several sessions can share one recorder.
type Recorder struct {
	mu  sync.Mutex
	mem memory.Allocator
	b   *array.RecordBuilder
	n   int
}

func NewRecorder(mem memory.Allocator) *Recorder {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &Recorder{mem: mem, b: array.NewRecordBuilder(mem, Schema)}
}

func (r *Recorder) Append(s Step) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.b.Field(0).(*array.StringBuilder).Append(s.SessionID)
	r.b.Field(1).(*array.Int32Builder).Append(int32(s.Step))
	r.b.Field(2).(*array.Int32Builder).Append(int32(s.Position))
	r.b.Field(3).(*array.Int32Builder).Append(int32(s.TokenID))
	r.b.Field(4).(*array.StringBuilder).Append(s.Text)
	r.b.Field(5).(*array.Int64Builder).Append(s.LatencyMicros)
	r.b.Field(6).(*array.Float32Builder).Append(s.TokensPerSecond)
	r.n++
}

// Len is the number of steps recorded since the last NewRecord.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// NewRecord returns the buffered steps as one record and resets the builder.
// The caller owns the record and must Release it.
func (r *Recorder) NewRecord() arrow.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n = 0
	return r.b.NewRecord()
}

func (r *Recorder) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.b.Release()
}

// WriteIPC writes records as an Arrow IPC stream.
func WriteIPC(w io.Writer, recs ...arrow.Record) error {
	wr := ipc.NewWriter(w, ipc.WithSchema(Schema))
	for _, rec := range recs {
		if err := wr.Write(rec); err != nil {
			wr.Close()
			return fmt.Errorf("write trace record: %w", err)
		}
	}
	return wr.Close()
}

// ReadIPC decodes an Arrow IPC stream written by WriteIPC into steps.
func ReadIPC(r io.Reader) ([]Step, error) {
	rdr, err := ipc.NewReader(r, ipc.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("open trace stream: %w", err)
	}
	defer rdr.Release()

	var steps []Step
	for rdr.Next() {
		steps = append(steps, Steps(rdr.Record())...)
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read trace stream: %w", err)
	}
	return steps, nil
}

// Steps converts a trace record back into rows.
func Steps(rec arrow.Record) []Step {
	sessions := rec.Column(0).(*array.String)
	step := rec.Column(1).(*array.Int32)
	pos := rec.Column(2).(*array.Int32)
	tok := rec.Column(3).(*array.Int32)
	text := rec.Column(4).(*array.String)
	lat := rec.Column(5).(*array.Int64)
	tps := rec.Column(6).(*array.Float32)

	out := make([]Step, rec.NumRows())
	for i := range out {
		out[i] = Step{
			SessionID:       sessions.Value(i),
			Step:            int(step.Value(i)),
			Position:        int(pos.Value(i)),
			TokenID:         int(tok.Value(i)),
			Text:            text.Value(i),
			LatencyMicros:   lat.Value(i),
			TokensPerSecond: tps.Value(i),
		}
	}
	return out
}
