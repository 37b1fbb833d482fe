package db

import (
	"context"
	"time"

	"github.com/airmslabs/airms-gateway/internal/models"
	"github.com/airmslabs/airms-gateway/internal/vault"
)

// Store is the main persistence interface for the gateway.
type Store interface {
	// TokenStore is the durable backend for the token remapper.
	vault.Store

	ReportStore
	EventStore

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Report store ─────────────────────────────────────────────────────────────

// ReportQuery filters report queries.
type ReportQuery struct {
	Action string
	Level  string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// ReportStore persists completed risk reports. Reports are the store of
// record for the dashboard; the audit log file carries only summaries.
type ReportStore interface {
	// SaveReport writes (or overwrites) the report for a request.
	SaveReport(ctx context.Context, report *models.RiskReport) error

	// GetReport retrieves a report by request ID.
	// Returns nil, nil when no report exists for the ID.
	GetReport(ctx context.Context, requestID string) (*models.RiskReport, error)

	// QueryReports retrieves reports with optional filters, newest first.
	QueryReports(ctx context.Context, q ReportQuery) ([]*models.RiskReport, error)
}

// ─── Event store ──────────────────────────────────────────────────────────────

// EventRecord is the DB representation of an audit event. It mirrors the log
// file's JSON-per-line payload so either surface can answer "what happened to
// request X".
type EventRecord struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	EventType  string    `json:"event_type"`
	Result     string    `json:"result"`
	Resource   string    `json:"resource"`
	Action     string    `json:"action"`
	Descriptor string    `json:"description"`
	Metadata   string    `json:"metadata"` // JSON blob
	Timestamp  time.Time `json:"timestamp"`
}

// EventQuery filters audit event queries.
type EventQuery struct {
	RequestID string
	EventType string
	Resource  string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// EventStore persists audit events.
type EventStore interface {
	// AppendEvent appends an immutable audit event.
	AppendEvent(ctx context.Context, rec *EventRecord) error

	// QueryEvents retrieves audit events with optional filters, newest first.
	QueryEvents(ctx context.Context, q EventQuery) ([]*EventRecord, error)
}
