package collab

import (
	"errors"
	"sync"

	"github.com/golang/glog"
)

var ErrBusClosed = errors.New("bus closed")

// one logical channel per deployment. Delivery is best-effort, at-most-once
// per physical send. Receivers, not the bus, filter out their own messages and
// messages for resources they have not joined.
//
// the engine never depends on a concrete transport. `MemoryBus` covers
// sessions in one process, `RelayTransport` covers sessions across processes
type MessageBus interface {
	Publish(message *Message) error
	Subscribe(handler func(message *Message)) func()
	Close()
}

// in-process bus. Handlers run synchronously on the publisher's goroutine,
// in subscribe order
type MemoryBus struct {
	stateLock sync.Mutex
	closed    bool

	handlers *CallbackList[func(message *Message)]
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers: NewCallbackList[func(message *Message)](),
	}
}

func (self *MemoryBus) Publish(message *Message) error {
	self.stateLock.Lock()
	closed := self.closed
	self.stateLock.Unlock()

	if closed {
		return ErrBusClosed
	}

	for _, handler := range self.handlers.Get() {
		handler := handler
		HandleError(func() {
			handler(message)
		})
	}
	glog.V(2).Infof("[b]%s %s->\n", message.Type, message.SenderId)
	return nil
}

func (self *MemoryBus) Subscribe(handler func(message *Message)) func() {
	callbackId := self.handlers.Add(handler)
	return func() {
		self.handlers.Remove(callbackId)
	}
}

func (self *MemoryBus) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
}
