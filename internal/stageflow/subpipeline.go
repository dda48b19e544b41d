package stageflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChildRunTracker maintains parent/child run-id relationships and the
// set of already-cancelled run-ids. All ownership is by identifier —
// it never holds a stage or a pipeline alive (spec.md §3, §4.5).
// Grounded in original_source/stageflow/pipeline/subpipeline.py, whose
// asyncio.Lock-guarded dict-of-sets becomes a mutex-guarded map here.
type ChildRunTracker struct {
	mu        sync.Mutex
	children  map[uuid.UUID]map[uuid.UUID]struct{}
	parentOf  map[uuid.UUID]uuid.UUID
	cancelled map[uuid.UUID]struct{}
}

// NewChildRunTracker returns an empty tracker.
func NewChildRunTracker() *ChildRunTracker {
	return &ChildRunTracker{
		children:  make(map[uuid.UUID]map[uuid.UUID]struct{}),
		parentOf:  make(map[uuid.UUID]uuid.UUID),
		cancelled: make(map[uuid.UUID]struct{}),
	}
}

// Register records (parentRunID, childRunID) before the child's runner
// is invoked.
func (t *ChildRunTracker) Register(parentRunID, childRunID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.children[parentRunID] == nil {
		t.children[parentRunID] = make(map[uuid.UUID]struct{})
	}
	t.children[parentRunID][childRunID] = struct{}{}
	t.parentOf[childRunID] = parentRunID
}

// Unregister removes a completed (success, failure, or cancel) child
// from its parent's set.
func (t *ChildRunTracker) Unregister(parentRunID, childRunID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.children[parentRunID]; ok {
		delete(set, childRunID)
		if len(set) == 0 {
			delete(t.children, parentRunID)
		}
	}
	delete(t.parentOf, childRunID)
}

// Children returns the direct children of runID.
func (t *ChildRunTracker) Children(runID uuid.UUID) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.children[runID]
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Depth reports runID's distance from its furthest-registered ancestor
// by chasing parent links (spec.md §4.5 "Depth limit").
func (t *ChildRunTracker) Depth(runID uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	depth := 0
	cur := runID
	for {
		parent, ok := t.parentOf[cur]
		if !ok {
			return depth
		}
		depth++
		cur = parent
		if depth > 10000 {
			// Pathological cycle guard; a well-formed tracker can never
			// reach this since registration always points strictly
			// upward in run-creation order.
			return depth
		}
	}
}

// descendants performs a DFS from root and returns every descendant
// run-id ordered depth-first, deepest-first within each branch, so that
// CancelWithChildren can mark children before parents.
func (t *ChildRunTracker) descendants(root uuid.UUID) []uuid.UUID {
	var order []uuid.UUID
	var visit func(uuid.UUID)
	visit = func(id uuid.UUID) {
		for child := range t.children[id] {
			visit(child)
			order = append(order, child)
		}
	}
	visit(root)
	return order
}

// CancelWithChildren computes every descendant of rootRunID, marks each
// — children before parents, then the root — as cancelled. The result's
// AllDescendants lists every descendant (root excluded) in the order
// cancellation was applied; NewlyCancelled and DepthOf include the root.
// Idempotent:
// already-cancelled ids are skipped and emit no duplicate event (the
// caller is responsible for event emission using the returned ordered,
// newly-cancelled subset — see NewlyCancelled on the result).
type CancelResult struct {
	AllDescendants   []uuid.UUID
	NewlyCancelled   []uuid.UUID
	DepthOf          map[uuid.UUID]int
}

func (t *ChildRunTracker) CancelWithChildren(rootRunID uuid.UUID) CancelResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	descendants := t.descendants(rootRunID)
	all := append(append([]uuid.UUID(nil), descendants...), rootRunID)

	depthOf := make(map[uuid.UUID]int, len(all))
	for _, id := range all {
		d := 0
		cur := id
		for cur != rootRunID {
			parent, ok := t.parentOf[cur]
			if !ok {
				break
			}
			d++
			cur = parent
		}
		depthOf[id] = d
	}

	newly := make([]uuid.UUID, 0, len(all))
	for _, id := range all {
		if _, already := t.cancelled[id]; already {
			continue
		}
		t.cancelled[id] = struct{}{}
		newly = append(newly, id)
	}

	// A cancelled subtree is done spawning further children, so its
	// child sets become empty (spec.md §4.5 scenario 6). This is a
	// deliberate divergence from original_source/stageflow/pipeline/
	// subpipeline.py's cancel_with_children, which only adds ids to a
	// separate _canceled_runs set and leaves the children dict alone
	// (that side only drops entries later, in cleanup_run, and only on
	// normal completion) — here cancellation itself clears them.
	for _, id := range all {
		delete(t.children, id)
	}

	return CancelResult{AllDescendants: descendants, NewlyCancelled: newly, DepthOf: depthOf}
}

// IsCancelled reports whether runID has been marked cancelled.
func (t *ChildRunTracker) IsCancelled(runID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.cancelled[runID]
	return ok
}

// ChildSpawnRequest carries the parameters needed to derive a child
// ContextSnapshot from a parent run (spec.md §4.5 "Child context
// derivation").
type ChildSpawnRequest struct {
	Parent          *ContextSnapshot
	CorrelationID   string
	ParentStageID   string
	Topology        string // optional override; empty keeps parent's
	ExecutionMode   string // optional override; empty keeps parent's
}

// DeriveChildSnapshot produces a fresh ContextSnapshot whose
// PipelineRunID is newly minted and whose other identity fields are
// copied from the parent, with topology/mode overridden if provided.
// Extensions and messages are structurally cloned, never aliased.
func DeriveChildSnapshot(req ChildSpawnRequest) ContextSnapshot {
	child := req.Parent.Clone()
	child.PipelineRunID = uuid.New()
	if req.Topology != "" {
		child.Topology = req.Topology
	}
	if req.ExecutionMode != "" {
		child.ExecutionMode = req.ExecutionMode
	}
	if child.Metadata == nil {
		child.Metadata = map[string]any{}
	}
	child.Metadata["correlation_id"] = req.CorrelationID
	child.Metadata["parent_stage_id"] = req.ParentStageID
	child.Metadata["parent_run_id"] = req.Parent.PipelineRunID.String()
	return child
}

// Spawner drives subpipeline spawning: child context derivation,
// tracker registration, depth-limit enforcement, and the
// spawned_child/child_completed/child_failed event trio (spec.md §4.5).
type Spawner struct {
	Tracker  *ChildRunTracker
	MaxDepth int // 0 disables the check
}

// NewSpawner returns a Spawner backed by its own tracker.
func NewSpawner(maxDepth int) *Spawner {
	return &Spawner{Tracker: NewChildRunTracker(), MaxDepth: maxDepth}
}

// SpawnChild registers the child, invokes runChild, and emits the
// spawned_child/child_completed/child_failed trio. sink is the parent
// stage's EventSink (threaded explicitly, not via dynamic scoping).
func (s *Spawner) SpawnChild(
	sink EventSink,
	pipelineName string,
	req ChildSpawnRequest,
	runChild func(child *ContextSnapshot) (map[string]StageOutput, error),
) (map[string]StageOutput, error) {
	child := DeriveChildSnapshot(req)

	if s.MaxDepth > 0 {
		if d := s.Tracker.Depth(req.Parent.PipelineRunID) + 1; d > s.MaxDepth {
			return nil, &MaxDepthExceededError{RunID: child.PipelineRunID.String(), Depth: d, Max: s.MaxDepth}
		}
	}

	s.Tracker.Register(req.Parent.PipelineRunID, child.PipelineRunID)
	defer s.Tracker.Unregister(req.Parent.PipelineRunID, child.PipelineRunID)

	if sink == nil {
		sink = NoOpSink{}
	}
	sink.TryEmit("pipeline.spawned_child", map[string]any{
		"parent_run_id":   req.Parent.PipelineRunID.String(),
		"child_run_id":    child.PipelineRunID.String(),
		"parent_stage_id": req.ParentStageID,
		"pipeline_name":   pipelineName,
		"correlation_id":  req.CorrelationID,
	})

	started := time.Now()
	results, err := runChild(&child)
	duration := time.Since(started).Milliseconds()

	if err != nil {
		sink.TryEmit("pipeline.child_failed", map[string]any{
			"parent_run_id": req.Parent.PipelineRunID.String(),
			"child_run_id":  child.PipelineRunID.String(),
			"pipeline_name": pipelineName,
			"duration_ms":   duration,
			"error_message": err.Error(),
		})
		return results, err
	}

	sink.TryEmit("pipeline.child_completed", map[string]any{
		"parent_run_id": req.Parent.PipelineRunID.String(),
		"child_run_id":  child.PipelineRunID.String(),
		"pipeline_name": pipelineName,
		"duration_ms":   duration,
	})
	return results, nil
}

// EmitCancelCascade runs CancelWithChildren and emits pipeline.canceled
// for each newly-cancelled id, children before parents, carrying each
// id's depth relative to the root (spec.md §4.5 "Cancellation cascade").
func (s *Spawner) EmitCancelCascade(sink EventSink, rootRunID uuid.UUID) CancelResult {
	if sink == nil {
		sink = NoOpSink{}
	}
	res := s.Tracker.CancelWithChildren(rootRunID)
	for _, id := range res.NewlyCancelled {
		sink.TryEmit("pipeline.canceled", map[string]any{
			"run_id": id.String(),
			"depth":  res.DepthOf[id],
		})
	}
	return res
}
