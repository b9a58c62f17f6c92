package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		HeartbeatInterval: 30 * time.Second,
		InactivityTimeout: 2 * time.Minute,
	}
}

type PresenceSettings struct {
	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration
}

// maintains the live set of collaborators for the currently joined resource.
// participant state machine is Unknown -> Online -> (timeout) -> Removed.
//
// `LastActiveAt` is stamped with the local clock on every message from a peer,
// which keeps it strictly increasing regardless of peer clock skew. The sweep
// compares against the same clock
type PresenceTracker struct {
	localId  string
	settings *PresenceSettings

	stateLock sync.Mutex
	// user id -> collaborator
	peers map[string]*Collaborator

	peerEventCallbacks *CallbackList[CollaboratorEventFunction]
}

func NewPresenceTrackerWithDefaults(localId string) *PresenceTracker {
	return NewPresenceTracker(localId, DefaultPresenceSettings())
}

func NewPresenceTracker(localId string, settings *PresenceSettings) *PresenceTracker {
	return &PresenceTracker{
		localId:            localId,
		settings:           settings,
		peers:              map[string]*Collaborator{},
		peerEventCallbacks: NewCallbackList[CollaboratorEventFunction](),
	}
}

func (self *PresenceTracker) AddPeerEventCallback(peerEventCallback CollaboratorEventFunction) func() {
	callbackId := self.peerEventCallbacks.Add(peerEventCallback)
	return func() {
		self.peerEventCallbacks.Remove(callbackId)
	}
}

// inserts or refreshes a peer from a join/presence snapshot.
// returns true if the peer was not known before
func (self *PresenceTracker) Update(collaborator *Collaborator) bool {
	if collaborator == nil || collaborator.UserId == self.localId {
		return false
	}

	var peer *Collaborator
	joined := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		peer = collaborator.Copy()
		peer.Online = true
		peer.LastActiveAt = time.Now()
		_, ok := self.peers[collaborator.UserId]
		joined = !ok
		self.peers[collaborator.UserId] = peer
	}()

	if joined {
		glog.V(1).Infof("[p]join %s\n", peer.UserId)
		self.event(CollaboratorJoined, peer)
	} else {
		self.event(CollaboratorUpdated, peer)
	}
	return joined
}

// refreshes activity for a known peer without changing its snapshot.
// unknown peers are ignored
func (self *PresenceTracker) Touch(userId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if peer, ok := self.peers[userId]; ok {
		peer.LastActiveAt = time.Now()
	}
}

func (self *PresenceTracker) UpdateCursor(userId string, cursor *CursorPosition) {
	var peer *Collaborator
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		p, ok := self.peers[userId]
		if !ok {
			return
		}
		p.Cursor = cursor
		p.LastActiveAt = time.Now()
		peer = p.Copy()
	}()

	if peer != nil {
		self.event(CollaboratorUpdated, peer)
	}
}

func (self *PresenceTracker) UpdateSelection(userId string, selection *SelectionRange) {
	var peer *Collaborator
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		p, ok := self.peers[userId]
		if !ok {
			return
		}
		p.Selection = selection
		p.LastActiveAt = time.Now()
		peer = p.Copy()
	}()

	if peer != nil {
		self.event(CollaboratorUpdated, peer)
	}
}

// removes a peer on an explicit leave message.
// returns nil if the peer was not known
func (self *PresenceTracker) Remove(userId string) *Collaborator {
	var peer *Collaborator
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		p, ok := self.peers[userId]
		if !ok {
			return
		}
		delete(self.peers, userId)
		p.Online = false
		peer = p
	}()

	if peer != nil {
		glog.V(1).Infof("[p]leave %s\n", peer.UserId)
		self.event(CollaboratorLeft, peer)
	}
	return peer
}

func (self *PresenceTracker) Peers() []*Collaborator {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	peers := []*Collaborator{}
	for _, peer := range self.peers {
		peers = append(peers, peer.Copy())
	}
	return peers
}

func (self *PresenceTracker) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	maps.Clear(self.peers)
}

// removes peers whose inactivity exceeds the threshold.
// emits exactly one left event per removal
func (self *PresenceTracker) Sweep() []*Collaborator {
	removed := []*Collaborator{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		minActiveTime := time.Now().Add(-self.settings.InactivityTimeout)
		for userId, peer := range self.peers {
			if peer.LastActiveAt.Before(minActiveTime) {
				delete(self.peers, userId)
				peer.Online = false
				removed = append(removed, peer)
			}
		}
	}()

	for _, peer := range removed {
		glog.V(1).Infof("[p]timeout %s\n", peer.UserId)
		self.event(CollaboratorLeft, peer)
	}
	return removed
}

// re-broadcasts local presence and sweeps idle peers until the context ends.
// `heartbeat` failures are the bus's problem, not fatal here
func (self *PresenceTracker) Run(ctx context.Context, heartbeat func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.HeartbeatInterval):
		}

		HandleError(heartbeat)
		self.Sweep()
	}
}

func (self *PresenceTracker) event(eventType CollaboratorEventType, peer *Collaborator) {
	event := &CollaboratorEvent{
		Type:         eventType,
		Collaborator: peer,
	}
	for _, peerEventCallback := range self.peerEventCallbacks.Get() {
		peerEventCallback := peerEventCallback
		HandleError(func() {
			peerEventCallback(event)
		})
	}
}
