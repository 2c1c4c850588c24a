package arrow_client

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-binarize/internal/checkpoint"
	"github.com/23skdu/longbow-binarize/internal/nn"
)

func state(t *testing.T) *checkpoint.State {
	t.Helper()
	m, err := nn.NewLlama(nn.LlamaSpec{Layers: 1, Dim: 4, HiddenDim: 6, VocabSize: 8}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := nn.FreezeAll(m); err != nil {
		t.Fatal(err)
	}
	st, err := checkpoint.Capture(m, checkpoint.Meta{RunID: "run-1", ModelID: "tiny", Granularity: "per_block", Unit: "block0", Method: "xnor"})
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestNewFlightClient(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"localhost", "localhost:3000"},
		{"127.0.0.1:9000", "127.0.0.1:9000"},
	}
	for _, tt := range tests {
		c, err := NewFlightClient(tt.in)
		if err != nil {
			t.Fatalf("NewFlightClient(%q): %v", tt.in, err)
		}
		if c.addr != tt.want {
			t.Errorf("addr = %q, want %q", c.addr, tt.want)
		}
	}
	if _, err := NewFlightClient(""); err == nil {
		t.Error("expected error for empty address")
	}
}

func TestPublishReturnsErrorWhenNotConnected(t *testing.T) {
	client, _ := NewFlightClient("localhost")
	err := client.Publish(context.Background(), "/ckpt/per_block/tiny_o0.0_block0", state(t))
	if err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("Expected 'not connected' error, got: %v", err)
	}
}

func TestDescriptor(t *testing.T) {
	desc, err := Descriptor("/ckpt/per_block/tiny_o0.0_block0", state(t))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"per_block", "tiny_o0.0_block0"}, desc.Path); diff != "" {
		t.Errorf("path (-want +got):\n%s", diff)
	}
	if !strings.Contains(string(desc.Cmd), `"run_id"`) {
		t.Errorf("manifest missing from descriptor: %s", desc.Cmd)
	}
}

func TestPublishToReceiver(t *testing.T) {
	root := t.TempDir()
	recv := NewReceiver(root)
	srv, err := Serve("127.0.0.1:0", recv)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()

	client, err := NewFlightClient(srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	st := state(t)
	if err := client.Publish(ctx, "/elsewhere/per_block/tiny_o0.0_block0", st); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	want := filepath.Join(root, "per_block", "tiny_o0.0_block0")
	if diff := cmp.Diff([]string{want}, recv.Received()); diff != "" {
		t.Errorf("received (-want +got):\n%s", diff)
	}
	got, err := checkpoint.Load(want)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.RunID != "run-1" || got.Meta.Unit != "block0" {
		t.Errorf("unexpected meta %+v", got.Meta)
	}
	if diff := cmp.Diff(st.Tensors, got.Tensors); diff != "" {
		t.Errorf("tensors (-want +got):\n%s", diff)
	}
}

func TestReceiverRejectsTraversal(t *testing.T) {
	recv := NewReceiver(t.TempDir())
	for _, path := range [][]string{nil, {".."}, {"per_block", "a/b"}, {""}} {
		if _, err := recv.target(path); err == nil {
			t.Errorf("target(%q) accepted", path)
		}
	}
}

func TestMockFlightClient(t *testing.T) {
	m := NewMockFlightClient()
	st := state(t)
	ctx := context.Background()
	if err := m.Publish(ctx, "p", st); err == nil {
		t.Error("expected error before Connect")
	}
	_ = m.Connect(ctx)
	if err := m.Publish(ctx, "p", st); err != nil {
		t.Fatal(err)
	}
	stored := m.GetStoredData()
	if diff := cmp.Diff(st.Tensors, stored["p"].Tensors); diff != "" {
		t.Errorf("tensors (-want +got):\n%s", diff)
	}

	m.Err = errors.New("unreachable")
	if err := m.Publish(ctx, "q", st); err == nil {
		t.Error("expected injected error")
	}
	m.Reset()
	if len(m.GetStoredData()) != 0 {
		t.Error("Reset left data behind")
	}
}
