package asynq

import "time"

// Task payloads shared between producers (engine) and consumers (worker).
// Task type names live in pkg/taskname.

type ScoreDrainPayload struct {
	ActorID string `json:"actor_id"`
	TraceID string `json:"trace_id,omitempty"`
}

type MaterializePayload struct {
	ScopeKey string `json:"scope_key"`
}

type MetricsRefreshPayload struct {
	ScopeKey    string    `json:"scope_key"`
	WindowKind  string    `json:"window_kind"` // "day" or "hour"
	WindowStart time.Time `json:"window_start"`
}
