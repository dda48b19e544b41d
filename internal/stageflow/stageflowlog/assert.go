package stageflowlog

import "github.com/stageflow/stageflow/internal/stageflow"

var _ stageflow.Logger = (*Logger)(nil)
