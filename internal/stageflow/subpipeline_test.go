package stageflow

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildRunTrackerRegisterAndChildren(t *testing.T) {
	tr := NewChildRunTracker()
	parent := uuid.New()
	child1, child2 := uuid.New(), uuid.New()

	tr.Register(parent, child1)
	tr.Register(parent, child2)

	assert.ElementsMatch(t, []uuid.UUID{child1, child2}, tr.Children(parent))
	assert.Equal(t, 1, tr.Depth(child1))
	assert.Equal(t, 0, tr.Depth(parent))
}

func TestChildRunTrackerUnregisterRemovesChild(t *testing.T) {
	tr := NewChildRunTracker()
	parent, child := uuid.New(), uuid.New()
	tr.Register(parent, child)
	tr.Unregister(parent, child)
	assert.Empty(t, tr.Children(parent))
}

func TestCancelWithChildrenCancelsDescendantsBeforeParent(t *testing.T) {
	tr := NewChildRunTracker()
	root := uuid.New()
	mid := uuid.New()
	leaf := uuid.New()
	tr.Register(root, mid)
	tr.Register(mid, leaf)

	res := tr.CancelWithChildren(root)

	require.Contains(t, res.NewlyCancelled, leaf)
	require.Contains(t, res.NewlyCancelled, mid)
	require.Contains(t, res.NewlyCancelled, root)

	leafIdx, midIdx, rootIdx := -1, -1, -1
	for i, id := range res.NewlyCancelled {
		switch id {
		case leaf:
			leafIdx = i
		case mid:
			midIdx = i
		case root:
			rootIdx = i
		}
	}
	assert.Less(t, leafIdx, midIdx, "leaf must be cancelled before its parent")
	assert.Less(t, midIdx, rootIdx, "mid must be cancelled before the root")

	assert.True(t, tr.IsCancelled(leaf))
	assert.True(t, tr.IsCancelled(root))
}

func TestCancelWithChildrenClearsChildSets(t *testing.T) {
	tr := NewChildRunTracker()
	root := uuid.New()
	mid := uuid.New()
	leaf := uuid.New()
	tr.Register(root, mid)
	tr.Register(mid, leaf)

	tr.CancelWithChildren(root)

	assert.Empty(t, tr.Children(root), "a cancelled subtree must not keep spawning-capacity for its old children")
	assert.Empty(t, tr.Children(mid))
}

func TestCancelWithChildrenIsIdempotent(t *testing.T) {
	tr := NewChildRunTracker()
	root := uuid.New()
	child := uuid.New()
	tr.Register(root, child)

	first := tr.CancelWithChildren(root)
	second := tr.CancelWithChildren(root)

	assert.Len(t, first.NewlyCancelled, 2)
	assert.Empty(t, second.NewlyCancelled, "re-cancelling an already-cancelled tree must be a no-op")
}

func TestDeriveChildSnapshotMintsFreshRunIDAndClonesData(t *testing.T) {
	parent := newSnapshot()
	parent.Topology = "parent_topology"
	parent.ExecutionMode = "sync"
	parent.Extensions = map[string]any{"k": "v"}

	child := DeriveChildSnapshot(ChildSpawnRequest{
		Parent:        parent,
		CorrelationID: "corr-1",
		ParentStageID: "enrich",
	})

	assert.NotEqual(t, parent.PipelineRunID, child.PipelineRunID)
	assert.Equal(t, "parent_topology", child.Topology)
	assert.Equal(t, "sync", child.ExecutionMode)
	assert.Equal(t, "v", child.Extensions["k"])
	assert.Equal(t, "corr-1", child.Metadata["correlation_id"])
	assert.Equal(t, parent.PipelineRunID.String(), child.Metadata["parent_run_id"])

	child.Extensions["k"] = "changed"
	assert.Equal(t, "v", parent.Extensions["k"], "child snapshot must not alias the parent's extensions map")
}

func TestDeriveChildSnapshotHonorsOverrides(t *testing.T) {
	parent := newSnapshot()
	parent.Topology = "parent_topology"
	parent.ExecutionMode = "sync"

	child := DeriveChildSnapshot(ChildSpawnRequest{
		Parent:        parent,
		Topology:      "child_topology",
		ExecutionMode: "async",
	})

	assert.Equal(t, "child_topology", child.Topology)
	assert.Equal(t, "async", child.ExecutionMode)
}

func TestSpawnerEmitsSpawnedAndCompletedEvents(t *testing.T) {
	sink := &recordingSink{}
	spawner := NewSpawner(0)
	parent := newSnapshot()

	results, err := spawner.SpawnChild(sink, "child_pipeline", ChildSpawnRequest{
		Parent:        parent,
		ParentStageID: "enrich",
	}, func(child *ContextSnapshot) (map[string]StageOutput, error) {
		return map[string]StageOutput{"x": OK(nil)}, nil
	})

	require.NoError(t, err)
	assert.Contains(t, results, "x")
	assert.Equal(t, 1, sink.countOf("pipeline.spawned_child"))
	assert.Equal(t, 1, sink.countOf("pipeline.child_completed"))
	assert.Equal(t, 0, sink.countOf("pipeline.child_failed"))
	assert.Empty(t, spawner.Tracker.Children(parent.PipelineRunID), "the child must be unregistered once its run finishes")
}

func TestSpawnerEmitsChildFailedOnError(t *testing.T) {
	sink := &recordingSink{}
	spawner := NewSpawner(0)
	parent := newSnapshot()

	_, err := spawner.SpawnChild(sink, "child_pipeline", ChildSpawnRequest{Parent: parent}, func(child *ContextSnapshot) (map[string]StageOutput, error) {
		return nil, &StageExecutionError{Stage: "x", Original: assertError{}}
	})

	require.Error(t, err)
	assert.Equal(t, 1, sink.countOf("pipeline.child_failed"))
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestSpawnerEnforcesMaxDepth(t *testing.T) {
	spawner := NewSpawner(1)
	root := newSnapshot()

	_, err := spawner.SpawnChild(&recordingSink{}, "p", ChildSpawnRequest{Parent: root}, func(child *ContextSnapshot) (map[string]StageOutput, error) {
		// Spawn a grandchild from within the child — depth 2, exceeding MaxDepth 1.
		grandchildReq := ChildSpawnRequest{Parent: child}
		_, gErr := spawner.SpawnChild(&recordingSink{}, "p", grandchildReq, func(*ContextSnapshot) (map[string]StageOutput, error) {
			return map[string]StageOutput{}, nil
		})
		return nil, gErr
	})

	require.Error(t, err)
	var depthErr *MaxDepthExceededError
	require.ErrorAs(t, err, &depthErr)
}
