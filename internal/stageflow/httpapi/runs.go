package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stageflow/stageflow/internal/http/response"
	"github.com/stageflow/stageflow/internal/stageflow"
)

// submitRunRequest is the POST /runs body: a caller-supplied
// ContextSnapshot missing only its PipelineRunID, which this handler
// assigns.
type submitRunRequest struct {
	stageflow.ContextSnapshot
}

type submitRunResponse struct {
	PipelineRunID string `json:"pipeline_run_id"`
}

type getRunResponse struct {
	PipelineRunID string `json:"pipeline_run_id"`
	State         string `json:"state"`
}

// RunHandler fronts the Orchestrator with the two routes spec.md §1
// calls "trivial wrappers over the core": submit a run and poll its
// lifecycle state. No business logic lives here — it builds a graph
// once at construction time and hands every request the same graph.
type RunHandler struct {
	Orchestrator *stageflow.Orchestrator
	Graph        *stageflow.StageGraph
	Sink         stageflow.EventSink
}

// Submit implements POST /runs. It assigns a new PipelineRunID,
// launches the run asynchronously via Orchestrator.Execute, and returns
// immediately with the id for the caller to poll or subscribe to.
func (h *RunHandler) Submit(c *gin.Context) {
	var req submitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	req.PipelineRunID = uuid.New()
	snapshot := req.ContextSnapshot

	ports := stageflow.StagePorts{}
	runCtx := context.WithoutCancel(c.Request.Context())

	go func() {
		_, _ = h.Orchestrator.Execute(runCtx, h.Graph, &snapshot, ports, h.Sink, false)
	}()

	response.RespondOK(c, submitRunResponse{PipelineRunID: snapshot.PipelineRunID.String()})
}

// Get implements GET /runs/:id, returning the run's current lifecycle
// state.
func (h *RunHandler) Get(c *gin.Context) {
	idStr := c.Param("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}

	state, ok := h.Orchestrator.State(id)
	if !ok {
		response.RespondError(c, http.StatusNotFound, "run_not_found", errors.New("unknown pipeline_run_id"))
		return
	}

	response.RespondOK(c, getRunResponse{PipelineRunID: id.String(), State: string(state)})
}
