package domain

import "time"

// EventKind names a client telemetry signal.
type EventKind string

const (
	EventClientMetrics  EventKind = "CLIENT_METRICS"
	EventClientRegister EventKind = "CLIENT_REGISTER"
)

// Event is emitted after an accepted report has been dispatched to the stores.
type Event struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"kind"`
	AppName    string    `json:"appName"`
	InstanceID string    `json:"instanceId"`
	OccurredAt time.Time `json:"occurredAt"`
}
