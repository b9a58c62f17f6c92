package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func testOp(key ResourceKey, originatorId string, version int64) *Operation {
	return &Operation{
		Id:           NewId(),
		Type:         OperationTypeInsert,
		OriginatorId: originatorId,
		ResourceType: key.Type,
		ResourceId:   key.Id,
		Version:      version,
	}
}

func TestVersionConflictDetector(t *testing.T) {
	detector := NewVersionConflictDetector()
	key := NewResourceKey("novel", "42")

	assert.Equal(t, detector.AcceptedVersion(key), int64(0))

	// a newer version is applied exactly once and advances the tracker
	assert.Equal(t, detector.Detect(testOp(key, "alice", 1)), DispositionApply)
	assert.Equal(t, detector.AcceptedVersion(key), int64(1))

	// replaying an already-applied operation is a conflict no-op
	assert.Equal(t, detector.Detect(testOp(key, "alice", 1)), DispositionConflict)
	assert.Equal(t, detector.AcceptedVersion(key), int64(1))

	assert.Equal(t, detector.Detect(testOp(key, "alice", 3)), DispositionApply)
	assert.Equal(t, detector.AcceptedVersion(key), int64(3))

	// stale versions never apply, even from a different originator:
	// the highest version is tracked per resource, not per originator
	assert.Equal(t, detector.Detect(testOp(key, "bob", 2)), DispositionConflict)
	assert.Equal(t, detector.AcceptedVersion(key), int64(3))

	assert.Equal(t, detector.Detect(testOp(key, "bob", 4)), DispositionApply)
	assert.Equal(t, detector.AcceptedVersion(key), int64(4))
}

func TestVersionConflictDetectorPerResource(t *testing.T) {
	detector := NewVersionConflictDetector()
	a := NewResourceKey("novel", "42")
	b := NewResourceKey("novel", "43")

	assert.Equal(t, detector.Detect(testOp(a, "alice", 5)), DispositionApply)
	assert.Equal(t, detector.Detect(testOp(b, "alice", 1)), DispositionApply)
	assert.Equal(t, detector.AcceptedVersion(a), int64(5))
	assert.Equal(t, detector.AcceptedVersion(b), int64(1))
}
