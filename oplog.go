package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type OperationType string

const (
	OperationTypeInsert  OperationType = "insert"
	OperationTypeDelete  OperationType = "delete"
	OperationTypeReplace OperationType = "replace"
	OperationTypeFormat  OperationType = "format"
	OperationTypeMove    OperationType = "move"
)

func (self OperationType) IsValid() bool {
	switch self {
	case OperationTypeInsert, OperationTypeDelete, OperationTypeReplace,
		OperationTypeFormat, OperationTypeMove:
		return true
	default:
		return false
	}
}

// an atomic, versioned description of a content mutation. Immutable once
// created.
//
// `Version` is per resource per originator, assigned at append time. It is not
// a global total order. It is only compared against a receiver's highest
// version accepted for the resource to flag staleness
type Operation struct {
	Id           Id              `json:"id"`
	Type         OperationType   `json:"type"`
	OriginatorId string          `json:"originatorId"`
	ResourceType string          `json:"resourceType"`
	ResourceId   string          `json:"resourceId"`
	Position     *CursorPosition `json:"position,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	Version      int64           `json:"version"`
}

func (self *Operation) Key() ResourceKey {
	return ResourceKey{
		Type: self.ResourceType,
		Id:   self.ResourceId,
	}
}

func DefaultOperationLogSettings() *OperationLogSettings {
	return &OperationLogSettings{
		FlushDelay: 50 * time.Millisecond,
	}
}

type OperationLogSettings struct {
	// the debounce window that coalesces a burst of appends into one batch
	FlushDelay time.Duration
}

type FlushFunction = func(key ResourceKey, operations []*Operation)

// assigns each locally originated operation a strictly increasing version per
// resource, buffers operations for batched transmission, and keeps a
// replayable queue of not-yet-acknowledged operations persisted through the
// store.
//
// versions start at 1 per resource and are never reset for the lifetime of
// the process, reconnects included
type OperationLog struct {
	ctx    context.Context
	cancel context.CancelFunc

	originatorId string
	store        OpStore
	settings     *OperationLogSettings

	stateLock sync.Mutex
	// resource key -> next version to assign
	nextVersions map[ResourceKey]int64
	sendBuffer   []*Operation

	bufferMonitor *Monitor

	flushCallbacks *CallbackList[FlushFunction]
}

func NewOperationLogWithDefaults(ctx context.Context, originatorId string, store OpStore) *OperationLog {
	return NewOperationLog(ctx, originatorId, store, DefaultOperationLogSettings())
}

func NewOperationLog(
	ctx context.Context,
	originatorId string,
	store OpStore,
	settings *OperationLogSettings,
) *OperationLog {
	cancelCtx, cancel := context.WithCancel(ctx)
	operationLog := &OperationLog{
		ctx:            cancelCtx,
		cancel:         cancel,
		originatorId:   originatorId,
		store:          store,
		settings:       settings,
		nextVersions:   map[ResourceKey]int64{},
		sendBuffer:     []*Operation{},
		bufferMonitor:  NewMonitor(),
		flushCallbacks: NewCallbackList[FlushFunction](),
	}
	go operationLog.run()
	return operationLog
}

func (self *OperationLog) AddFlushCallback(flushCallback FlushFunction) func() {
	callbackId := self.flushCallbacks.Add(flushCallback)
	return func() {
		self.flushCallbacks.Remove(callbackId)
	}
}

// fills in id, originator, timestamp and the next local version, then queues
// the operation for persistence and batched transmission.
// the input is not mutated
func (self *OperationLog) Append(partial *Operation) (*Operation, error) {
	if partial == nil {
		return nil, fmt.Errorf("missing operation")
	}
	if !partial.Type.IsValid() {
		return nil, fmt.Errorf("invalid operation type %q", partial.Type)
	}
	key := partial.Key()
	if key.IsZero() {
		return nil, fmt.Errorf("operation missing resource")
	}

	operation := &Operation{}
	*operation = *partial
	operation.Id = NewId()
	operation.OriginatorId = self.originatorId
	operation.Timestamp = time.Now().UnixMilli()

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		version, ok := self.nextVersions[key]
		if !ok {
			version = 1
		}
		operation.Version = version
		self.nextVersions[key] = version + 1

		self.sendBuffer = append(self.sendBuffer, operation)
	}()

	// best-effort durability. On failure the operation stays in memory only
	if err := self.store.AppendPending(key, operation); err != nil {
		glog.Infof("[op]store append error %s = %s\n", key, err)
	}

	self.bufferMonitor.NotifyAll()
	return operation, nil
}

// the not-yet-acknowledged queue, in append order
func (self *OperationLog) Pending(key ResourceKey) []*Operation {
	operations, err := self.store.ReadPending(key)
	if err != nil {
		glog.Infof("[op]store read error %s = %s\n", key, err)
		return nil
	}
	return operations
}

// pending operations newer than `sinceVersion`, used to answer sync requests
func (self *OperationLog) PendingAfter(key ResourceKey, sinceVersion int64) []*Operation {
	newer := []*Operation{}
	for _, operation := range self.Pending(key) {
		if sinceVersion < operation.Version {
			newer = append(newer, operation)
		}
	}
	return newer
}

// the caller acknowledges the queue. There is no authoritative server in this
// design, only peers, so ack semantics belong to the caller
func (self *OperationLog) ClearPending(key ResourceKey) error {
	return self.store.ReplacePending(key, nil)
}

// drains the send buffer now, grouping consecutive operations per resource.
// grouping never reorders
func (self *OperationLog) Flush() {
	var buffer []*Operation
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		buffer = self.sendBuffer
		self.sendBuffer = []*Operation{}
	}()

	if len(buffer) == 0 {
		return
	}

	start := 0
	for i := 1; i <= len(buffer); i += 1 {
		if i == len(buffer) || buffer[i].Key() != buffer[start].Key() {
			self.flushEvent(buffer[start].Key(), buffer[start:i])
			start = i
		}
	}
}

func (self *OperationLog) run() {
	for {
		notify := self.bufferMonitor.NotifyChannel()

		if self.bufferSize() == 0 {
			select {
			case <-self.ctx.Done():
				return
			case <-notify:
			}
			continue
		}

		select {
		case <-self.ctx.Done():
			// flush before exit so the last burst of edits is not lost
			self.Flush()
			return
		case <-time.After(self.settings.FlushDelay):
		}
		self.Flush()
	}
}

func (self *OperationLog) bufferSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.sendBuffer)
}

func (self *OperationLog) flushEvent(key ResourceKey, operations []*Operation) {
	glog.V(1).Infof("[op]flush %s n=%d\n", key, len(operations))
	for _, flushCallback := range self.flushCallbacks.Get() {
		flushCallback := flushCallback
		HandleError(func() {
			flushCallback(key, operations)
		})
	}
}

func (self *OperationLog) Close() {
	self.cancel()
	self.Flush()
}
