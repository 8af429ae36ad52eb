package api

import (
	"time"

	"alpha-volume-bot/pkg/types"
)

// Controller is the engine surface the API exposes. Satisfied by
// *engine.Engine.
type Controller interface {
	StartStrategy(id string) error
	StopStrategy(id string) error
	StopAll()
	Status() []types.StrategyRunView
	Events() <-chan types.StatusEvent
}

// StatusSnapshot is the complete state pushed to dashboards: every
// configured strategy with its per-user runs, plus aggregate counters.
type StatusSnapshot struct {
	Timestamp  time.Time               `json:"timestamp"`
	Strategies []types.StrategyRunView `json:"strategies"`

	// Aggregates across all strategies
	RunningStrategies int `json:"running_strategies"`
	TotalUsers        int `json:"total_users"`
	RunningUsers      int `json:"running_users"`
	SucceededUsers    int `json:"succeeded_users"`
	FailedUsers       int `json:"failed_users"`
}

// controlResponse is the body of every control-endpoint reply.
type controlResponse struct {
	OK         bool   `json:"ok"`
	StrategyID string `json:"strategy_id,omitempty"`
	Error      string `json:"error,omitempty"`
}
