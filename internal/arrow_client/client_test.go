package arrow_client

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-kllama/internal/trace"
)

// collector is an in-process Flight server keeping every put record.
type collector struct {
	flight.BaseFlightServer

	mu    sync.Mutex
	paths [][]string
	recs  []arrow.Record
}

func (c *collector) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	// the descriptor rides on the schema message only
	desc := rdr.LatestFlightDescriptor()

	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		c.mu.Lock()
		c.recs = append(c.recs, rec)
		c.mu.Unlock()
	}
	c.mu.Lock()
	if desc != nil {
		c.paths = append(c.paths, desc.Path)
	}
	c.mu.Unlock()
	return stream.Send(&flight.PutResult{AppMetadata: []byte("ok")})
}

func startCollector(t *testing.T) (*collector, string) {
	t.Helper()
	c := &collector{}
	srv := flight.NewServerWithMiddleware(nil)
	require.NoError(t, srv.Init("localhost:0"))
	srv.RegisterFlightService(c)
	go srv.Serve()
	t.Cleanup(func() {
		srv.Shutdown()
		for _, r := range c.recs {
			r.Release()
		}
	})
	return c, srv.Addr().String()
}

func TestNewFlightClient(t *testing.T) {
	client, err := NewFlightClient("localhost", 0)
	require.NoError(t, err)
	assert.Equal(t, "localhost:3000", client.Addr())

	_, err = NewFlightClient("", 3000)
	assert.Error(t, err)
}

func TestDoPutReturnsErrorWhenNotConnected(t *testing.T) {
	client := NewFlightClientAddr("localhost:3000")

	r := trace.NewRecorder(nil)
	defer r.Release()
	rec := r.NewRecord()
	defer rec.Release()

	err := client.DoPut(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not connected"), err.Error())
}

func TestDoPutDeliversTrace(t *testing.T) {
	c, addr := startCollector(t)

	client := NewFlightClientAddr(addr)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	r := trace.NewRecorder(nil)
	defer r.Release()
	r.Append(trace.Step{SessionID: "s1", Step: 0, Position: 3, TokenID: 42, Text: "*"})
	r.Append(trace.Step{SessionID: "s1", Step: 1, Position: 4, TokenID: 43, Text: "+"})
	rec := r.NewRecord()
	defer rec.Release()

	require.NoError(t, client.DoPut(context.Background(), rec))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.recs, 1)
	assert.Equal(t, [][]string{{TracePath}}, c.paths)

	steps := trace.Steps(c.recs[0])
	require.Len(t, steps, 2)
	assert.Equal(t, 43, steps[1].TokenID)
	assert.Equal(t, "+", steps[1].Text)
}

func TestCloseIsIdempotent(t *testing.T) {
	_, addr := startCollector(t)
	client := NewFlightClientAddr(addr)
	require.NoError(t, client.Connect(context.Background()))
	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())
}
