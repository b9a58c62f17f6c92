package collab

import (
	"sync"

	"golang.org/x/exp/slices"
)

// durable storage for the pending-operation queue, keyed by resource.
// durability is best-effort: a store failure is logged by the caller and the
// queue lives on in memory only
type OpStore interface {
	ReadPending(key ResourceKey) ([]*Operation, error)
	ReplacePending(key ResourceKey, operations []*Operation) error
	AppendPending(key ResourceKey, operation *Operation) error
}

type MemoryOpStore struct {
	stateLock sync.Mutex

	// resource key -> pending operations in append order
	pending map[ResourceKey][]*Operation
}

func NewMemoryOpStore() *MemoryOpStore {
	return &MemoryOpStore{
		pending: map[ResourceKey][]*Operation{},
	}
}

func (self *MemoryOpStore) ReadPending(key ResourceKey) ([]*Operation, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.pending[key]), nil
}

func (self *MemoryOpStore) ReplacePending(key ResourceKey, operations []*Operation) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(operations) == 0 {
		delete(self.pending, key)
	} else {
		self.pending[key] = slices.Clone(operations)
	}
	return nil
}

func (self *MemoryOpStore) AppendPending(key ResourceKey, operation *Operation) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.pending[key] = append(self.pending[key], operation)
	return nil
}
