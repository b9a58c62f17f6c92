package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testOperationLogSettings() *OperationLogSettings {
	return &OperationLogSettings{
		FlushDelay: 5 * time.Millisecond,
	}
}

func TestOperationLogVersions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	operationLog := NewOperationLog(ctx, "alice", NewMemoryOpStore(), testOperationLogSettings())
	defer operationLog.Close()

	key := NewResourceKey("novel", "42")
	partial := &Operation{
		Type:         OperationTypeInsert,
		ResourceType: key.Type,
		ResourceId:   key.Id,
		Position:     &CursorPosition{DocumentId: "d1"},
		Payload:      json.RawMessage(`{"content":"Hi"}`),
	}

	o1, err := operationLog.Append(partial)
	assert.Equal(t, err, nil)
	assert.Equal(t, o1.Version, int64(1))
	assert.Equal(t, o1.OriginatorId, "alice")
	assert.NotEqual(t, o1.Id, Id{})

	o2, err := operationLog.Append(partial)
	assert.Equal(t, err, nil)
	assert.Equal(t, o2.Version, int64(2))
	assert.Equal(t, o1.Version < o2.Version, true)

	// the input is not mutated
	assert.Equal(t, partial.Version, int64(0))

	// versions are tracked per resource
	other := &Operation{
		Type:         OperationTypeInsert,
		ResourceType: "novel",
		ResourceId:   "43",
	}
	o3, err := operationLog.Append(other)
	assert.Equal(t, err, nil)
	assert.Equal(t, o3.Version, int64(1))
}

func TestOperationLogValidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	operationLog := NewOperationLog(ctx, "alice", NewMemoryOpStore(), testOperationLogSettings())
	defer operationLog.Close()

	_, err := operationLog.Append(nil)
	assert.NotEqual(t, err, nil)

	_, err = operationLog.Append(&Operation{
		Type:         "scribble",
		ResourceType: "novel",
		ResourceId:   "42",
	})
	assert.NotEqual(t, err, nil)

	_, err = operationLog.Append(&Operation{
		Type: OperationTypeInsert,
	})
	assert.NotEqual(t, err, nil)
}

func TestOperationLogPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	operationLog := NewOperationLog(ctx, "alice", NewMemoryOpStore(), testOperationLogSettings())
	defer operationLog.Close()

	key := NewResourceKey("novel", "42")
	for i := 0; i < 3; i++ {
		_, err := operationLog.Append(&Operation{
			Type:         OperationTypeInsert,
			ResourceType: key.Type,
			ResourceId:   key.Id,
		})
		assert.Equal(t, err, nil)
	}

	pending := operationLog.Pending(key)
	assert.Equal(t, len(pending), 3)
	assert.Equal(t, pending[0].Version, int64(1))
	assert.Equal(t, pending[2].Version, int64(3))

	newer := operationLog.PendingAfter(key, 1)
	assert.Equal(t, len(newer), 2)
	assert.Equal(t, newer[0].Version, int64(2))

	assert.Equal(t, len(operationLog.PendingAfter(key, 3)), 0)

	err := operationLog.ClearPending(key)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(operationLog.Pending(key)), 0)

	// clearing pending does not reset the version counter
	o, err := operationLog.Append(&Operation{
		Type:         OperationTypeInsert,
		ResourceType: key.Type,
		ResourceId:   key.Id,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, o.Version, int64(4))
}

func TestOperationLogFlushBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	operationLog := NewOperationLog(ctx, "alice", NewMemoryOpStore(), testOperationLogSettings())
	defer operationLog.Close()

	type batch struct {
		key        ResourceKey
		operations []*Operation
	}
	batches := make(chan *batch, 16)
	operationLog.AddFlushCallback(func(key ResourceKey, operations []*Operation) {
		batches <- &batch{key: key, operations: operations}
	})

	key := NewResourceKey("novel", "42")
	for i := 0; i < 5; i++ {
		operationLog.Append(&Operation{
			Type:         OperationTypeInsert,
			ResourceType: key.Type,
			ResourceId:   key.Id,
		})
	}

	select {
	case b := <-batches:
		// a burst coalesces into one batch, in send order
		assert.Equal(t, b.key, key)
		assert.Equal(t, len(b.operations), 5)
		for i, operation := range b.operations {
			assert.Equal(t, operation.Version, int64(i+1))
		}
	case <-time.After(1 * time.Second):
		t.Fatal("flush timeout")
	}
}

func TestOperationLogForcedFlush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a long debounce window that the forced flush bypasses
	operationLog := NewOperationLog(ctx, "alice", NewMemoryOpStore(), &OperationLogSettings{
		FlushDelay: 1 * time.Hour,
	})
	defer operationLog.Close()

	batches := make(chan []*Operation, 16)
	operationLog.AddFlushCallback(func(key ResourceKey, operations []*Operation) {
		batches <- operations
	})

	operationLog.Append(&Operation{
		Type:         OperationTypeInsert,
		ResourceType: "novel",
		ResourceId:   "42",
	})

	operationLog.Flush()
	select {
	case operations := <-batches:
		assert.Equal(t, len(operations), 1)
	default:
		t.Fatal("forced flush did not drain the buffer")
	}

	// nothing left to flush
	operationLog.Flush()
	select {
	case <-batches:
		t.Fatal("unexpected second flush")
	default:
	}
}

type failingOpStore struct{}

func (self *failingOpStore) ReadPending(key ResourceKey) ([]*Operation, error) {
	return nil, errors.New("store down")
}

func (self *failingOpStore) ReplacePending(key ResourceKey, operations []*Operation) error {
	return errors.New("store down")
}

func (self *failingOpStore) AppendPending(key ResourceKey, operation *Operation) error {
	return errors.New("store down")
}

func TestOperationLogStoreFailure(t *testing.T) {
	// persistence failures are logged and the operation lives on in memory

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	operationLog := NewOperationLog(ctx, "alice", &failingOpStore{}, testOperationLogSettings())
	defer operationLog.Close()

	batches := make(chan []*Operation, 16)
	operationLog.AddFlushCallback(func(key ResourceKey, operations []*Operation) {
		batches <- operations
	})

	o, err := operationLog.Append(&Operation{
		Type:         OperationTypeInsert,
		ResourceType: "novel",
		ResourceId:   "42",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, o.Version, int64(1))

	select {
	case operations := <-batches:
		assert.Equal(t, len(operations), 1)
	case <-time.After(1 * time.Second):
		t.Fatal("flush timeout")
	}
}
