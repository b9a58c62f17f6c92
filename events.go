package collab

// events surfaced to the end user.
// each event kind has its own callback type and its own typed subscribe
// function on `Session`, so dispatch sites are exhaustive over a closed set
// of event types

// collaborator state machine is:
// CollaboratorJoined
//
//	-> CollaboratorUpdated (repeatable)
//	-> CollaboratorLeft (terminal)
type CollaboratorEventType string

const (
	CollaboratorJoined  CollaboratorEventType = "joined"
	CollaboratorUpdated CollaboratorEventType = "updated"
	CollaboratorLeft    CollaboratorEventType = "left"
)

type CollaboratorEvent struct {
	Type         CollaboratorEventType
	Collaborator *Collaborator
}

type CollaboratorEventFunction = func(event *CollaboratorEvent)

type OperationEventType string

const (
	// the operation is new for its resource. Apply it to the content model
	OperationReceived OperationEventType = "received"
	// the operation is already superseded. Detected, not resolved:
	// resolution policy is the caller's responsibility
	OperationConflict OperationEventType = "conflict"
)

type OperationEvent struct {
	Type      OperationEventType
	Operation *Operation
}

type OperationEventFunction = func(event *OperationEvent)

type LockEventType string

const (
	LockAcquired LockEventType = "acquired"
	LockReleased LockEventType = "released"
)

type LockEvent struct {
	Type     LockEventType
	Key      ResourceKey
	HolderId string
	// nil on release
	Lock *ResourceLock
}

type LockEventFunction = func(event *LockEvent)
