package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stageflow/stageflow/internal/stageflow"
)

func trivialGraph(t *testing.T) *stageflow.StageGraph {
	t.Helper()
	p := stageflow.NewPipeline().WithStage("noop", func(ctx *stageflow.StageContext) (stageflow.StageOutput, error) {
		return stageflow.OK(map[string]any{"ok": true}), nil
	}, stageflow.KindTransform, nil, false)
	graph, err := p.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return graph
}

func newTestHandler(t *testing.T) *RunHandler {
	return &RunHandler{
		Orchestrator: stageflow.NewOrchestrator(),
		Graph:        trivialGraph(t),
		Sink:         stageflow.NoOpSink{},
	}
}

func TestRunHandlerSubmitReturnsRunID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandler(t)

	r := gin.New()
	r.POST("/runs", h.Submit)

	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(`{"input_text":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got=%d body=%s", rec.Code, rec.Body.String())
	}

	var resp submitRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, err := uuid.Parse(resp.PipelineRunID); err != nil {
		t.Fatalf("expected valid uuid, got %q", resp.PipelineRunID)
	}
}

func TestRunHandlerGetUnknownRunReturnsNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandler(t)

	r := gin.New()
	r.GET("/runs/:id", h.Get)

	req := httptest.NewRequest(http.MethodGet, "/runs/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: got=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRunHandlerGetReflectsCompletedRun(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHandler(t)

	r := gin.New()
	r.POST("/runs", h.Submit)
	r.GET("/runs/:id", h.Get)

	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var submitResp submitRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &submitResp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	runID, err := uuid.Parse(submitResp.PipelineRunID)
	if err != nil {
		t.Fatalf("parse run id: %v", err)
	}
	for {
		if state, ok := h.Orchestrator.State(runID); ok && state == stageflow.RunCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for run to complete")
		}
		time.Sleep(5 * time.Millisecond)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/runs/"+submitResp.PipelineRunID, nil)
	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got=%d body=%s", getRec.Code, getRec.Body.String())
	}
	var getResp getRunResponse
	if err := json.Unmarshal(getRec.Body.Bytes(), &getResp); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if getResp.State != string(stageflow.RunCompleted) {
		t.Fatalf("unexpected state: %s", getResp.State)
	}
}
