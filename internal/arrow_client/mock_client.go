package arrow_client

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-binarize/internal/checkpoint"
)

// MockFlightClient keeps published checkpoints in memory. Records are
// encoded and decoded as they would be on the wire.
type MockFlightClient struct {
	mu        sync.RWMutex
	connected bool
	data      map[string]*checkpoint.State
	// Err, when set, fails every Publish.
	Err error
}

// NewMockFlightClient creates a new mock client
func NewMockFlightClient() *MockFlightClient {
	return &MockFlightClient{
		data: make(map[string]*checkpoint.State),
	}
}

// Connect simulates connection
func (m *MockFlightClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close simulates disconnection
func (m *MockFlightClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockFlightClient) Publish(ctx context.Context, path string, st *checkpoint.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("client not connected")
	}
	if m.Err != nil {
		return m.Err
	}

	rec := st.Record(memory.DefaultAllocator)
	defer rec.Release()
	tensors, err := checkpoint.DecodeTensors(rec)
	if err != nil {
		return err
	}
	m.data[path] = &checkpoint.State{Path: path, Meta: st.Meta, Tensors: tensors}
	return nil
}

// GetStoredData returns all stored data (for testing)
func (m *MockFlightClient) GetStoredData() map[string]*checkpoint.State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*checkpoint.State)
	for k, v := range m.data {
		result[k] = v
	}
	return result
}

// Reset clears all stored data
func (m *MockFlightClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]*checkpoint.State)
}
