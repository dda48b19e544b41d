package demo

import (
	"strings"

	"github.com/stageflow/stageflow/internal/stageflow"
)

// RouteStageConfig names the agent/pipeline pairs this stage can route
// to, keyed by a simple keyword match against the run's input text.
// A real deployment would replace this with a classifier call; the demo
// keeps routing pure and in-process to show conditional-skip
// propagation without adding another external collaborator.
type RouteStageConfig struct {
	Routes        map[string]stageflow.RoutingDecision // keyword -> decision
	DefaultRoute  stageflow.RoutingDecision
	SkipIfNoMatch bool
}

// RouteStage is a pure, in-process decision stage (kind ROUTE). It may
// emit OK(skip_reason=...) — propagated as a "skip_reason" data key
// rather than an actual SKIP status, since a route decision is itself
// useful downstream data, not an absence of work — to demonstrate
// conditional-skip propagation to guard/llm (SPEC_FULL.md §4.11).
type RouteStage struct {
	Cfg RouteStageConfig
}

// Run implements stageflow.Runner.
func (s *RouteStage) Run(ctx *stageflow.StageContext) (stageflow.StageOutput, error) {
	input := strings.ToLower(ctx.Snapshot.InputText)

	for keyword, decision := range s.Cfg.Routes {
		if keyword != "" && strings.Contains(input, strings.ToLower(keyword)) {
			return stageflow.OK(map[string]any{
				"agent_id": decision.AgentID,
				"pipeline": decision.Pipeline,
				"topology": decision.Topology,
				"reason":   decision.Reason,
			}), nil
		}
	}

	if s.Cfg.DefaultRoute.AgentID != "" || s.Cfg.DefaultRoute.Pipeline != "" {
		return stageflow.OK(map[string]any{
			"agent_id": s.Cfg.DefaultRoute.AgentID,
			"pipeline": s.Cfg.DefaultRoute.Pipeline,
			"topology": s.Cfg.DefaultRoute.Topology,
			"reason":   s.Cfg.DefaultRoute.Reason,
		}), nil
	}

	if s.Cfg.SkipIfNoMatch {
		return stageflow.OK(map[string]any{"skip_reason": "no_route_match"}), nil
	}

	return stageflow.OK(map[string]any{"reason": "fallthrough"}), nil
}

func (s *RouteStage) AsRunner() stageflow.Runner {
	return s.Run
}
