package arrow_client

import (
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-binarize/internal/checkpoint"
	"github.com/23skdu/longbow-binarize/internal/logger"
)

// Receiver is a Flight service that stores published checkpoints under a
// root directory laid out like the sender's save dir.
type Receiver struct {
	flight.BaseFlightServer

	root string
	mem  memory.Allocator

	mu       sync.Mutex
	received []string
}

func NewReceiver(root string) *Receiver {
	return &Receiver{root: root, mem: memory.NewGoAllocator()}
}

// Received lists the directories written so far, in arrival order.
func (r *Receiver) Received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.received...)
}

func (r *Receiver) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(r.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read stream: %v", err)
	}
	defer rdr.Release()

	var tensors []checkpoint.Tensor
	for rdr.Next() {
		ts, err := checkpoint.DecodeTensors(rdr.Record())
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "decode tensors: %v", err)
		}
		tensors = append(tensors, ts...)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return status.Errorf(codes.Internal, "read records: %v", err)
	}

	desc := rdr.LatestFlightDescriptor()
	if desc == nil {
		return status.Error(codes.InvalidArgument, "missing flight descriptor")
	}
	dir, err := r.target(desc.Path)
	if err != nil {
		return err
	}
	var meta checkpoint.Meta
	if err := json.Unmarshal(desc.Cmd, &meta); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode manifest: %v", err)
	}

	st := &checkpoint.State{Path: dir, Meta: meta, Tensors: tensors}
	if err := checkpoint.Save(st, dir); err != nil {
		return status.Errorf(codes.Internal, "save: %v", err)
	}
	r.mu.Lock()
	r.received = append(r.received, dir)
	r.mu.Unlock()

	logger.Log.Info("received checkpoint", "path", dir, "unit", meta.Unit, "tensors", len(tensors))
	return stream.Send(&flight.PutResult{AppMetadata: []byte(dir)})
}

func (r *Receiver) target(path []string) (string, error) {
	if len(path) == 0 {
		return "", status.Error(codes.InvalidArgument, "empty descriptor path")
	}
	parts := []string{r.root}
	for _, p := range path {
		if p == "" || p == "." || p == ".." || filepath.Base(p) != p {
			return "", status.Errorf(codes.InvalidArgument, "invalid path component %q", p)
		}
		parts = append(parts, p)
	}
	return filepath.Join(parts...), nil
}

// Serve starts a Flight server for recv on addr. The caller shuts it down.
func Serve(addr string, recv *Receiver) (flight.Server, error) {
	s := flight.NewServerWithMiddleware(nil)
	if err := s.Init(addr); err != nil {
		return nil, err
	}
	s.RegisterFlightService(recv)
	go func() {
		if err := s.Serve(); err != nil {
			logger.Log.Error("flight server stopped", "error", err)
		}
	}()
	logger.Log.Info("flight receiver listening", "addr", s.Addr().String(), "root", recv.root)
	return s, nil
}
