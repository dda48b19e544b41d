package demo

import (
	"testing"

	"github.com/stageflow/stageflow/internal/stageflow"
)

func TestRouteStageMatchesKeyword(t *testing.T) {
	s := &RouteStage{Cfg: RouteStageConfig{
		Routes: map[string]stageflow.RoutingDecision{
			"invoice": {AgentID: "billing-agent", Pipeline: "billing", Reason: "keyword:invoice"},
		},
	}}

	ctx := &stageflow.StageContext{
		Snapshot: &stageflow.ContextSnapshot{InputText: "please resend my Invoice from March"},
	}

	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != stageflow.StatusOK {
		t.Fatalf("unexpected status: %s", out.Status)
	}
	if out.Data["agent_id"] != "billing-agent" {
		t.Fatalf("unexpected agent_id: %v", out.Data["agent_id"])
	}
}

func TestRouteStageFallsBackToDefault(t *testing.T) {
	s := &RouteStage{Cfg: RouteStageConfig{
		Routes:       map[string]stageflow.RoutingDecision{"invoice": {AgentID: "billing-agent"}},
		DefaultRoute: stageflow.RoutingDecision{AgentID: "general-agent"},
	}}

	ctx := &stageflow.StageContext{
		Snapshot: &stageflow.ContextSnapshot{InputText: "what is the weather today"},
	}

	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Data["agent_id"] != "general-agent" {
		t.Fatalf("unexpected agent_id: %v", out.Data["agent_id"])
	}
}

func TestRouteStageSkipsWhenNoMatchConfigured(t *testing.T) {
	s := &RouteStage{Cfg: RouteStageConfig{SkipIfNoMatch: true}}

	ctx := &stageflow.StageContext{
		Snapshot: &stageflow.ContextSnapshot{InputText: "anything at all"},
	}

	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Data["skip_reason"] != "no_route_match" {
		t.Fatalf("unexpected data: %v", out.Data)
	}
}
