package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/airmslabs/airms-gateway/internal/models"
	"github.com/airmslabs/airms-gateway/internal/vault"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRecord(kind, hash string) vault.NewRecord {
	now := time.Now().UTC()
	return vault.NewRecord{
		Kind:           kind,
		ValueHash:      hash,
		Ciphertext:     []byte("ciphertext"),
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
		OwnerRequestID: "req-1",
	}
}

// ─── Token vault ──────────────────────────────────────────────────────────────

func TestVaultInsertOrGetDedupes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.InsertOrGet(ctx, newRecord("EMAIL", "h1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "‹EMAIL_1›", first.Placeholder)

	second, created, err := s.InsertOrGet(ctx, newRecord("EMAIL", "h1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Placeholder, second.Placeholder)
}

func TestVaultSequencesPerKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _, err := s.InsertOrGet(ctx, newRecord("EMAIL", "h1"))
	require.NoError(t, err)
	b, _, err := s.InsertOrGet(ctx, newRecord("EMAIL", "h2"))
	require.NoError(t, err)
	c, _, err := s.InsertOrGet(ctx, newRecord("PHONE", "h3"))
	require.NoError(t, err)

	assert.Equal(t, "‹EMAIL_1›", a.Placeholder)
	assert.Equal(t, "‹EMAIL_2›", b.Placeholder)
	assert.Equal(t, "‹PHONE_1›", c.Placeholder)
}

func TestVaultSequenceSurvivesRevocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _, err := s.InsertOrGet(ctx, newRecord("EMAIL", "h1"))
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, first.Placeholder))

	// A revoked record no longer satisfies the hash lookup; the replacement
	// gets a fresh placeholder, never a reused one.
	second, created, err := s.InsertOrGet(ctx, newRecord("EMAIL", "h1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "‹EMAIL_2›", second.Placeholder)
}

func TestVaultExpiredRecordNotReturned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newRecord("EMAIL", "h1")
	rec.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	_, created, err := s.InsertOrGet(ctx, rec)
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = s.InsertOrGet(ctx, newRecord("EMAIL", "h1"))
	require.NoError(t, err)
	assert.True(t, created, "expired record must not dedupe")
}

func TestVaultGetAndTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, _, err := s.InsertOrGet(ctx, newRecord("API_KEY", "h1"))
	require.NoError(t, err)

	require.NoError(t, s.Touch(ctx, rec.Placeholder))
	require.NoError(t, s.Touch(ctx, rec.Placeholder))

	got, err := s.Get(ctx, rec.Placeholder)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.AccessCount)
	assert.Equal(t, "API_KEY", got.Kind)
	assert.Equal(t, []byte("ciphertext"), got.Ciphertext)
	assert.False(t, got.Revoked)

	missing, err := s.Get(ctx, "‹EMAIL_99›")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestVaultRevokeMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.Revoke(context.Background(), "‹EMAIL_99›")
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestVaultDeleteDead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live, _, err := s.InsertOrGet(ctx, newRecord("EMAIL", "h1"))
	require.NoError(t, err)

	expired := newRecord("EMAIL", "h2")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	_, _, err = s.InsertOrGet(ctx, expired)
	require.NoError(t, err)

	revoked, _, err := s.InsertOrGet(ctx, newRecord("PHONE", "h3"))
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, revoked.Placeholder))

	n, err := s.DeleteDead(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Get(ctx, live.Placeholder)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

// TestRemapperOverSQLiteStore runs the token remapper against the real store.
func TestRemapperOverSQLiteStore(t *testing.T) {
	s := newTestStore(t)
	r, err := vault.NewRemapper(s, []byte("0123456789abcdef0123456789abcdef"), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	p1, err := r.Mint(ctx, "alice@example.com", "email", 0, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "‹EMAIL_1›", p1)

	p2, err := r.Mint(ctx, "alice@example.com", "email", 0, "req-2")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	original, err := r.Resolve(ctx, p1, "EMAIL")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", original)

	_, err = r.Resolve(ctx, p1, "PHONE")
	assert.ErrorIs(t, err, vault.ErrKindMismatch)

	require.NoError(t, r.Revoke(ctx, p1))
	_, err = r.Resolve(ctx, p1, "EMAIL")
	assert.ErrorIs(t, err, vault.ErrRevoked)
}

// ─── Risk reports ─────────────────────────────────────────────────────────────

func sampleReport(id string, action string) *models.RiskReport {
	return &models.RiskReport{
		RequestID:    id,
		Timestamp:    time.Now().UTC(),
		Mode:         models.ModeBalanced,
		Model:        "gpt-4o",
		Action:       action,
		OverallScore: 5.5,
		Level:        models.LevelMedium,
		InputAssessment: &models.RiskAssessment{
			OverallScore: 5.5,
			Level:        models.LevelMedium,
			Findings: []models.Finding{
				{Kind: models.KindPII, Subtype: "email", Confidence: 0.95},
			},
		},
		ToolTrace: []models.ToolTraceEntry{
			{Iteration: 1, Source: "orders", PlanSummary: "lookup by customer_email", Rows: 1},
		},
		ElapsedMS: 120,
	}
}

func TestSaveAndGetReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	report := sampleReport("req-1", "sanitized")
	require.NoError(t, s.SaveReport(ctx, report))

	got, err := s.GetReport(ctx, "req-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sanitized", got.Action)
	assert.Equal(t, models.ModeBalanced, got.Mode)
	assert.InDelta(t, 5.5, got.OverallScore, 1e-9)
	require.NotNil(t, got.InputAssessment)
	require.Len(t, got.InputAssessment.Findings, 1)
	assert.Equal(t, models.KindPII, got.InputAssessment.Findings[0].Kind)
	assert.Nil(t, got.OutputAssessment)
	require.Len(t, got.ToolTrace, 1)
	assert.Equal(t, "orders", got.ToolTrace[0].Source)
}

func TestGetReportMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetReport(context.Background(), "req-none")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveReportOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveReport(ctx, sampleReport("req-1", "allowed")))
	require.NoError(t, s.SaveReport(ctx, sampleReport("req-1", "blocked")))

	got, err := s.GetReport(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "blocked", got.Action)

	all, err := s.QueryReports(ctx, ReportQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestQueryReportsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveReport(ctx, sampleReport("req-1", "allowed")))
	require.NoError(t, s.SaveReport(ctx, sampleReport("req-2", "blocked")))
	require.NoError(t, s.SaveReport(ctx, sampleReport("req-3", "blocked")))

	blocked, err := s.QueryReports(ctx, ReportQuery{Action: "blocked"})
	require.NoError(t, err)
	assert.Len(t, blocked, 2)

	limited, err := s.QueryReports(ctx, ReportQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.QueryReports(ctx, ReportQuery{From: time.Now().UTC().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)
}

// ─── Audit events ─────────────────────────────────────────────────────────────

func TestAppendAndQueryEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &EventRecord{
		RequestID:  "req-1",
		EventType:  "request.blocked",
		Result:     "denied",
		Descriptor: "blocked at input scan",
		Timestamp:  time.Now().UTC(),
	}
	require.NoError(t, s.AppendEvent(ctx, rec))
	assert.NotZero(t, rec.ID)

	require.NoError(t, s.AppendEvent(ctx, &EventRecord{
		RequestID: "req-2",
		EventType: "request.allowed",
		Result:    "success",
		Timestamp: time.Now().UTC(),
	}))

	byRequest, err := s.QueryEvents(ctx, EventQuery{RequestID: "req-1"})
	require.NoError(t, err)
	require.Len(t, byRequest, 1)
	assert.Equal(t, "request.blocked", byRequest[0].EventType)
	assert.Equal(t, "{}", byRequest[0].Metadata)

	byType, err := s.QueryEvents(ctx, EventQuery{EventType: "request.allowed"})
	require.NoError(t, err)
	assert.Len(t, byType, 1)

	all, err := s.QueryEvents(ctx, EventQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
