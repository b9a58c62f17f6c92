package collab

import (
	"sync"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update so that `Get` is safe to iterate
// while callbacks add or remove themselves
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbackIds    []int
	callbacks      []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		nextCallbackId: 1,
		callbackIds:    []int{},
		callbacks:      []T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1

	nextCallbackIds := slices.Clone(self.callbackIds)
	nextCallbacks := slices.Clone(self.callbacks)
	self.callbackIds = append(nextCallbackIds, callbackId)
	self.callbacks = append(nextCallbacks, callback)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}

// closes the notify channel on update and creates a new one,
// so that any number of waiters wake together
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	close(self.update)
	self.update = make(chan struct{})
}
