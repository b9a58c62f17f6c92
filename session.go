package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

var ErrNotJoined = errors.New("no joined resource")

// session states are Idle -> Joining -> Active -> Idle.
// Joining only exists for the synchronous window of the `Join` call. The
// handshake is fire-and-forget, no network round-trip is awaited
type SessionState string

const (
	SessionStateIdle    SessionState = "idle"
	SessionStateJoining SessionState = "joining"
	SessionStateActive  SessionState = "active"
)

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		Presence:     DefaultPresenceSettings(),
		OperationLog: DefaultOperationLogSettings(),
		Permissions:  &AllowAllPermissions{},
	}
}

type SessionSettings struct {
	Presence     *PresenceSettings
	OperationLog *OperationLogSettings
	Permissions  PermissionChecker
	// nil selects the version-comparison detector
	ConflictDetector ConflictDetector
}

// optional interface for conflict detectors that can report the highest
// version accepted for a resource, used to bound sync requests
type VersionTracker interface {
	AcceptedVersion(key ResourceKey) int64
}

// the public surface of the collaboration engine. An explicit, constructible
// object owned by the caller: multiple independent sessions can live in one
// process, each with its own identity, bus and store.
//
// a session observes at most one resource at a time. All cross-session
// communication is fire-and-forget messages on the bus: when the bus is
// unavailable the session degrades to local-only editing instead of failing
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	identity *Identity
	bus      MessageBus
	store    OpStore
	settings *SessionSettings

	presence     *PresenceTracker
	operationLog *OperationLog
	detector     ConflictDetector
	locks        *LockManager

	stateLock  sync.Mutex
	state      SessionState
	joined     ResourceKey
	local      *Collaborator
	joinCancel context.CancelFunc

	operationEventCallbacks *CallbackList[OperationEventFunction]
	lockEventCallbacks      *CallbackList[LockEventFunction]

	busUnsub   func()
	oplogUnsub func()
}

func NewSessionWithDefaults(ctx context.Context, identity *Identity, bus MessageBus) *Session {
	return NewSession(ctx, identity, bus, NewMemoryOpStore(), DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	identity *Identity,
	bus MessageBus,
	store OpStore,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)

	detector := settings.ConflictDetector
	if detector == nil {
		detector = NewVersionConflictDetector()
	}

	session := &Session{
		ctx:                     cancelCtx,
		cancel:                  cancel,
		identity:                identity,
		bus:                     bus,
		store:                   store,
		settings:                settings,
		presence:                NewPresenceTracker(identity.UserId, settings.Presence),
		operationLog:            NewOperationLog(cancelCtx, identity.UserId, store, settings.OperationLog),
		detector:                detector,
		locks:                   NewLockManager(),
		state:                   SessionStateIdle,
		local:                   NewCollaborator(identity),
		operationEventCallbacks: NewCallbackList[OperationEventFunction](),
		lockEventCallbacks:      NewCallbackList[LockEventFunction](),
	}

	session.busUnsub = bus.Subscribe(session.receive)
	session.oplogUnsub = session.operationLog.AddFlushCallback(session.sendBatch)

	return session
}

func (self *Session) Identity() *Identity {
	return self.identity
}

func (self *Session) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *Session) Joined() ResourceKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.joined
}

func (self *Session) AddCollaboratorEventCallback(callback CollaboratorEventFunction) func() {
	return self.presence.AddPeerEventCallback(callback)
}

func (self *Session) AddOperationEventCallback(callback OperationEventFunction) func() {
	callbackId := self.operationEventCallbacks.Add(callback)
	return func() {
		self.operationEventCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddLockEventCallback(callback LockEventFunction) func() {
	callbackId := self.lockEventCallbacks.Add(callback)
	return func() {
		self.lockEventCallbacks.Remove(callbackId)
	}
}

// joins a resource, leaving the current one first if any: a session observes
// at most one resource per identity. Broadcasts the local collaborator
// snapshot and a sync request carrying the last known version, so peers can
// replay operations this session has not seen
func (self *Session) Join(resourceType string, resourceId string) error {
	if resourceType == "" || resourceId == "" {
		return fmt.Errorf("resource type and id are required")
	}

	if self.State() == SessionStateActive {
		self.Leave()
	}

	key := NewResourceKey(resourceType, resourceId)

	var joinCtx context.Context
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.state = SessionStateJoining
		self.joined = key
		self.local.Resource = key
		self.local.LastActiveAt = time.Now()
		joinCtx, self.joinCancel = context.WithCancel(self.ctx)
	}()

	self.publish(RequireMessage(MessageTypeJoin, self.identity.UserId, key, &JoinData{
		Collaborator: self.localSnapshot(),
	}))

	sinceVersion := int64(0)
	if versionTracker, ok := self.detector.(VersionTracker); ok {
		sinceVersion = versionTracker.AcceptedVersion(key)
	}
	self.publish(RequireMessage(MessageTypeSyncRequest, self.identity.UserId, key, &SyncRequestData{
		SinceVersion: sinceVersion,
	}))

	go self.presence.Run(joinCtx, self.heartbeat)

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.state = SessionStateActive
	}()
	return nil
}

// flushes the in-flight batch, releases the lock held on the left resource,
// broadcasts the leave, cancels the heartbeat and clears all peer state
func (self *Session) Leave() error {
	var key ResourceKey
	var joinCancel context.CancelFunc
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state != SessionStateActive {
			return
		}
		key = self.joined
		joinCancel = self.joinCancel
		self.joined = ResourceKey{}
		self.joinCancel = nil
		self.state = SessionStateIdle
		self.local.Resource = ResourceKey{}
		self.local.Cursor = nil
		self.local.Selection = nil
	}()
	if key.IsZero() {
		return nil
	}

	// flush before canceling the debounce so the last burst of edits
	// is not lost
	self.operationLog.Flush()

	if lock := self.locks.GetLock(key); lock != nil && lock.HolderId == self.identity.UserId {
		self.locks.Unlock(key, self.identity.UserId)
		self.publish(RequireMessage(MessageTypeUnlock, self.identity.UserId, key, &UnlockData{
			HolderId: self.identity.UserId,
		}))
		self.lockEvent(LockReleased, key, self.identity.UserId, nil)
	}

	self.publish(RequireMessage(MessageTypeLeave, self.identity.UserId, key, nil))

	if joinCancel != nil {
		joinCancel()
	}
	self.presence.Clear()
	return nil
}

func (self *Session) UpdateCursor(cursor *CursorPosition) error {
	var key ResourceKey
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state != SessionStateActive {
			return
		}
		key = self.joined
		self.local.Cursor = cursor
		self.local.LastActiveAt = time.Now()
	}()
	if key.IsZero() {
		return ErrNotJoined
	}

	self.publish(RequireMessage(MessageTypeCursorMove, self.identity.UserId, key, &CursorData{
		Cursor: cursor,
	}))
	return nil
}

// nil clears the selection
func (self *Session) UpdateSelection(selection *SelectionRange) error {
	var key ResourceKey
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state != SessionStateActive {
			return
		}
		key = self.joined
		self.local.Selection = selection
		self.local.LastActiveAt = time.Now()
	}()
	if key.IsZero() {
		return ErrNotJoined
	}

	self.publish(RequireMessage(MessageTypeSelection, self.identity.UserId, key, &SelectionData{
		Selection: selection,
	}))
	return nil
}

// queues a content mutation for the joined resource. The operation comes back
// with id, originator, timestamp and version filled in. It stays in the
// pending queue until `ClearPending` acknowledges it
func (self *Session) SendOperation(partial *Operation) (*Operation, error) {
	var key ResourceKey
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state != SessionStateActive {
			return
		}
		key = self.joined
	}()
	if key.IsZero() {
		return nil, ErrNotJoined
	}

	operation := &Operation{}
	if partial != nil {
		*operation = *partial
	}
	if operation.Key().IsZero() {
		operation.ResourceType = key.Type
		operation.ResourceId = key.Id
	} else if operation.Key() != key {
		return nil, fmt.Errorf("operation resource %s does not match joined %s", operation.Key(), key)
	}

	return self.operationLog.Append(operation)
}

func (self *Session) Pending(key ResourceKey) []*Operation {
	return self.operationLog.Pending(key)
}

func (self *Session) ClearPending(key ResourceKey) error {
	return self.operationLog.ClearPending(key)
}

// true if acquired or already held by this identity. False when held by
// another identity and not expired: contention is expected, check the return
func (self *Session) Lock(resourceType string, resourceId string, reason string, ttl time.Duration) bool {
	key := NewResourceKey(resourceType, resourceId)

	if !self.settings.Permissions.CanLock(self.identity, key) {
		return false
	}

	lock, ok := self.locks.Lock(key, self.identity.UserId, reason, ttl)
	if !ok {
		return false
	}

	self.publish(RequireMessage(MessageTypeLock, self.identity.UserId, key, &LockData{
		Lock: lock,
	}))
	self.lockEvent(LockAcquired, key, self.identity.UserId, lock)
	return true
}

func (self *Session) Unlock(resourceType string, resourceId string) bool {
	key := NewResourceKey(resourceType, resourceId)

	if !self.locks.Unlock(key, self.identity.UserId) {
		return false
	}

	self.publish(RequireMessage(MessageTypeUnlock, self.identity.UserId, key, &UnlockData{
		HolderId: self.identity.UserId,
	}))
	self.lockEvent(LockReleased, key, self.identity.UserId, nil)
	return true
}

func (self *Session) GetLock(resourceType string, resourceId string) *ResourceLock {
	return self.locks.GetLock(NewResourceKey(resourceType, resourceId))
}

// the live peers for the joined resource. The local collaborator is not
// included
func (self *Session) Collaborators() []*Collaborator {
	return self.presence.Peers()
}

func (self *Session) Close() {
	self.Leave()

	// locks on resources other than the joined one survive Leave.
	// release them on final teardown
	for _, lock := range self.locks.ReleaseHeld(self.identity.UserId) {
		self.publish(RequireMessage(MessageTypeUnlock, self.identity.UserId, lock.Key(), &UnlockData{
			HolderId: self.identity.UserId,
		}))
		self.lockEvent(LockReleased, lock.Key(), self.identity.UserId, nil)
	}

	self.busUnsub()
	self.oplogUnsub()
	self.operationLog.Close()
	self.cancel()
}

// FlushFunction
func (self *Session) sendBatch(key ResourceKey, operations []*Operation) {
	self.publish(RequireMessage(MessageTypeOperation, self.identity.UserId, key, &OperationData{
		Operations: operations,
	}))
}

func (self *Session) heartbeat() {
	var key ResourceKey
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state != SessionStateActive {
			return
		}
		key = self.joined
		self.local.LastActiveAt = time.Now()
	}()
	if key.IsZero() {
		return
	}

	self.publish(RequireMessage(MessageTypePresence, self.identity.UserId, key, &PresenceData{
		Collaborator: self.localSnapshot(),
	}))
}

func (self *Session) localSnapshot() *Collaborator {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.local.Copy()
}

// publish failures degrade to no cross-session sync. Local editing keeps
// working offline
func (self *Session) publish(message *Message) {
	if err := self.bus.Publish(message); err != nil {
		glog.Infof("[s]publish %s error = %s\n", message.Type, err)
	}
}

func (self *Session) receive(message *Message) {
	// self-messages and messages for other resources are ignored
	if message.SenderId == self.identity.UserId {
		return
	}

	var key ResourceKey
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		key = self.joined
	}()
	if key.IsZero() || message.Key() != key {
		return
	}

	glog.V(2).Infof("[s]%s <-%s\n", message.Type, message.SenderId)

	switch message.Type {
	case MessageTypeJoin:
		data := &JoinData{}
		if err := message.DecodeData(data); err != nil {
			glog.Infof("[s]bad join data = %s\n", err)
			return
		}
		self.presence.Update(data.Collaborator)
		// reply immediately so the joiner is not left waiting for the
		// next heartbeat cycle
		self.publish(RequireMessage(MessageTypePresence, self.identity.UserId, key, &PresenceData{
			Collaborator: self.localSnapshot(),
		}))
	case MessageTypePresence:
		data := &PresenceData{}
		if err := message.DecodeData(data); err != nil {
			glog.Infof("[s]bad presence data = %s\n", err)
			return
		}
		self.presence.Update(data.Collaborator)
	case MessageTypeLeave:
		self.presence.Remove(message.SenderId)
		// the holder's leave implicitly releases its lock on this resource
		if lock := self.locks.GetLock(key); lock != nil && lock.HolderId == message.SenderId {
			self.locks.Unlock(key, message.SenderId)
			self.lockEvent(LockReleased, key, message.SenderId, nil)
		}
	case MessageTypeCursorMove:
		data := &CursorData{}
		if err := message.DecodeData(data); err != nil {
			glog.Infof("[s]bad cursor data = %s\n", err)
			return
		}
		self.presence.UpdateCursor(message.SenderId, data.Cursor)
	case MessageTypeSelection:
		data := &SelectionData{}
		if err := message.DecodeData(data); err != nil {
			glog.Infof("[s]bad selection data = %s\n", err)
			return
		}
		self.presence.UpdateSelection(message.SenderId, data.Selection)
	case MessageTypeOperation, MessageTypeSyncResponse:
		operations := []*Operation{}
		if message.Type == MessageTypeOperation {
			data := &OperationData{}
			if err := message.DecodeData(data); err != nil {
				glog.Infof("[s]bad operation data = %s\n", err)
				return
			}
			operations = data.Operations
		} else {
			data := &SyncResponseData{}
			if err := message.DecodeData(data); err != nil {
				glog.Infof("[s]bad sync response data = %s\n", err)
				return
			}
			operations = data.Operations
		}
		self.presence.Touch(message.SenderId)
		for _, operation := range operations {
			switch self.detector.Detect(operation) {
			case DispositionApply:
				self.operationEvent(OperationReceived, operation)
			case DispositionConflict:
				self.operationEvent(OperationConflict, operation)
			}
		}
	case MessageTypeSyncRequest:
		data := &SyncRequestData{}
		if err := message.DecodeData(data); err != nil {
			glog.Infof("[s]bad sync request data = %s\n", err)
			return
		}
		self.presence.Touch(message.SenderId)
		if newer := self.operationLog.PendingAfter(key, data.SinceVersion); 0 < len(newer) {
			self.publish(RequireMessage(MessageTypeSyncResponse, self.identity.UserId, key, &SyncResponseData{
				Operations: newer,
			}))
		}
	case MessageTypeLock:
		data := &LockData{}
		if err := message.DecodeData(data); err != nil {
			glog.Infof("[s]bad lock data = %s\n", err)
			return
		}
		self.presence.Touch(message.SenderId)
		if self.locks.Apply(data.Lock) {
			self.lockEvent(LockAcquired, data.Lock.Key(), data.Lock.HolderId, data.Lock)
		}
	case MessageTypeUnlock:
		data := &UnlockData{}
		if err := message.DecodeData(data); err != nil {
			glog.Infof("[s]bad unlock data = %s\n", err)
			return
		}
		self.presence.Touch(message.SenderId)
		if self.locks.Unlock(key, data.HolderId) {
			self.lockEvent(LockReleased, key, data.HolderId, nil)
		}
	}
}

func (self *Session) operationEvent(eventType OperationEventType, operation *Operation) {
	event := &OperationEvent{
		Type:      eventType,
		Operation: operation,
	}
	for _, callback := range self.operationEventCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(event)
		})
	}
}

func (self *Session) lockEvent(eventType LockEventType, key ResourceKey, holderId string, lock *ResourceLock) {
	event := &LockEvent{
		Type:     eventType,
		Key:      key,
		HolderId: holderId,
		Lock:     lock,
	}
	for _, callback := range self.lockEventCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(event)
		})
	}
}
