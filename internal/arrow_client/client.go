// Package arrow_client publishes unit checkpoints over Arrow Flight.
package arrow_client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-binarize/internal/checkpoint"
	"github.com/23skdu/longbow-binarize/internal/logger"
)

// PortData is the default Flight port.
const PortData = 3000

// FlightClient ships checkpoints to a Flight server with DoPut.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
	mem     memory.Allocator
}

// NewFlightClient creates a client for addr ("host:port"). A bare host
// gets PortData.
func NewFlightClient(addr string) (*FlightClient, error) {
	if addr == "" {
		return nil, fmt.Errorf("flight address is empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = fmt.Sprintf("%s:%d", addr, PortData)
	}
	return &FlightClient{
		addr:    addr,
		timeout: 30 * time.Second,
		mem:     memory.NewGoAllocator(),
	}, nil
}

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
		return fc.client.Close()
	}
	return nil
}

// Descriptor names a checkpoint on the wire. Path is the granularity and
// the unit directory name; Cmd carries the manifest.
func Descriptor(path string, st *checkpoint.State) (*flight.FlightDescriptor, error) {
	manifest, err := json.Marshal(st.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{st.Meta.Granularity, filepath.Base(path)},
		Cmd:  manifest,
	}, nil
}

// Publish sends the checkpoint's tensors as one record batch.
func (fc *FlightClient) Publish(ctx context.Context, path string, st *checkpoint.State) error {
	if fc.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	desc, err := Descriptor(path, st)
	if err != nil {
		return err
	}
	rec := st.Record(fc.mem)
	defer rec.Release()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to create DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(fc.mem))
	w.SetFlightDescriptor(desc)
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("publish %s: %w", path, err)
		}
	}

	logger.Log.Info("published checkpoint", "addr", fc.addr, "path", desc.Path, "tensors", len(st.Tensors))
	return nil
}
