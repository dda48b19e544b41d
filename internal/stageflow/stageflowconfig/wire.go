package stageflowconfig

import (
	"time"

	"github.com/stageflow/stageflow/internal/stageflow"
)

// ToBreakerConfig translates the YAML-friendly CircuitBreakerConfig
// into the core's stageflow.BreakerConfig.
func (c *Config) ToBreakerConfig() stageflow.BreakerConfig {
	return stageflow.BreakerConfig{
		ObserveOnly:        c.CircuitBreaker.ObserveOnly,
		FailureThreshold:   c.CircuitBreaker.FailureThreshold,
		FailureWindow:      time.Duration(c.CircuitBreaker.FailureWindowSecs) * time.Second,
		OpenDuration:       time.Duration(c.CircuitBreaker.OpenSeconds) * time.Second,
		HalfOpenProbeCount: c.CircuitBreaker.HalfOpenProbeCount,
	}
}
