package collab

import (
	"sync"
)

type Disposition string

const (
	DispositionApply    Disposition = "apply"
	DispositionConflict Disposition = "conflict"
)

// classifies every incoming operation as either new (apply) or already
// superseded (conflict). Detection only, never resolution.
//
// the detector is a pluggable strategy so a merge-based resolver can be
// substituted without changing the rest of the engine
type ConflictDetector interface {
	Detect(operation *Operation) Disposition
}

// last-in-wins at the version-comparison layer. The highest accepted version
// is tracked per resource across all originators, matching the historical
// "any successor overwrites" behavior. Replaying an already-applied operation
// is a conflict no-op, not an error
type VersionConflictDetector struct {
	stateLock sync.Mutex
	// resource key -> highest version accepted
	acceptedVersions map[ResourceKey]int64
}

func NewVersionConflictDetector() *VersionConflictDetector {
	return &VersionConflictDetector{
		acceptedVersions: map[ResourceKey]int64{},
	}
}

func (self *VersionConflictDetector) Detect(operation *Operation) Disposition {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := operation.Key()
	if operation.Version <= self.acceptedVersions[key] {
		return DispositionConflict
	}
	self.acceptedVersions[key] = operation.Version
	return DispositionApply
}

// the highest version accepted for the resource, 0 if none.
// carried across join cycles so a rejoin can ask peers for only newer
// operations
func (self *VersionConflictDetector) AcceptedVersion(key ResourceKey) int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.acceptedVersions[key]
}
