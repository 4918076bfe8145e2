package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-kllama/internal/logger"
)

const (
	// Default Flight port of the trace collector
	PortData = 3000

	// TracePath is the descriptor path generation traces are put under.
	TracePath = "traces"
)

// FlightClient ships generation trace records to an Arrow Flight collector
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// NewFlightClient prepares a client for host:port; Connect dials it.
func NewFlightClient(host string, port int) (*FlightClient, error) {
	if host == "" {
		return nil, fmt.Errorf("empty flight host")
	}
	if port <= 0 {
		port = PortData
	}
	return NewFlightClientAddr(fmt.Sprintf("%s:%d", host, port)), nil
}

func NewFlightClientAddr(addr string) *FlightClient {
	return &FlightClient{addr: addr, timeout: 30 * time.Second}
}

func (fc *FlightClient) Addr() string { return fc.addr }

// Connect establishes connection to Flight server
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

// Close disconnects from Flight server
func (fc *FlightClient) Close() error {
	if fc.client != nil {
		err := fc.client.Close()
		fc.client = nil
		return err
	}
	return nil
}

// DoPut streams rec to the collector under the trace descriptor and waits for
// the server to acknowledge.
func (fc *FlightClient) DoPut(ctx context.Context, rec arrow.Record) error {
	if fc.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{TracePath},
	})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send: %w", err)
	}

	acks := 0
	for {
		_, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("DoPut failed: %w", err)
		}
		acks++
	}

	logger.Log.Debug("Trace record sent", "addr", fc.addr, "rows", rec.NumRows(), "acks", acks)
	return nil
}
