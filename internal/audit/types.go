package audit

import (
	"time"

	"github.com/airmslabs/airms-gateway/internal/models"
)

// EventType classifies audit events.
type EventType string

const (
	// Request lifecycle
	EventRequestReceived  EventType = "request.received"
	EventRequestAllowed   EventType = "request.allowed"
	EventRequestSanitized EventType = "request.sanitized"
	EventRequestBlocked   EventType = "request.blocked"
	EventRequestEscalated EventType = "request.escalated"

	// Risk reports
	EventReportEmitted EventType = "report.emitted"

	// Token vault
	EventVaultMinted   EventType = "vault.minted"
	EventVaultResolved EventType = "vault.resolved"
	EventVaultRevoked  EventType = "vault.revoked"

	// Data sources
	EventSourceRegistered EventType = "source.registered"
	EventSourceQuery      EventType = "source.query"

	// System
	EventConfigLoaded   EventType = "config.loaded"
	EventConfigChanged  EventType = "config.changed"
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result is the outcome of an audited operation.
type Result string

// Audit results.
const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultDenied  Result = "denied"
)

// Event is one audit record. Events carry scores and counts, never original
// user text or data cells.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	EventType EventType `json:"event_type"`
	Result    Result    `json:"result"`

	Mode   models.Mode `json:"mode,omitempty"`
	Model  string      `json:"model,omitempty"`
	Action string      `json:"action,omitempty"`

	OverallScore  float64          `json:"overall_score,omitempty"`
	Level         models.RiskLevel `json:"level,omitempty"`
	FindingCount  int              `json:"finding_count,omitempty"`
	IterationUsed int              `json:"iterations,omitempty"`

	Resource    string         `json:"resource,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// NewEvent creates an event stamped now.
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultSuccess,
		Metadata:  make(map[string]any),
	}
}

// WithRequestID tags the event with its request.
func (e *Event) WithRequestID(id string) *Event {
	e.RequestID = id
	return e
}

// WithResult sets the outcome.
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithResource names the resource acted on.
func (e *Event) WithResource(resource string) *Event {
	e.Resource = resource
	return e
}

// WithDescription sets a human-readable summary.
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithError records failure detail.
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
		e.Result = ResultFailure
	}
	return e
}

// WithDuration records elapsed time.
func (e *Event) WithDuration(d time.Duration) *Event {
	e.DurationMs = d.Milliseconds()
	return e
}

// WithMetadata attaches one metadata entry.
func (e *Event) WithMetadata(key string, value any) *Event {
	e.Metadata[key] = value
	return e
}
