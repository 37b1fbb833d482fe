package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airmslabs/airms-gateway/internal/models"
)

func newTestLogger(t *testing.T, store ReportStore) (Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(&Config{AuditLogPath: path, MaxSizeMB: 1}, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func TestLogAndSyncWritesJSONLines(t *testing.T) {
	l, path := newTestLogger(t, nil)

	event := NewEvent(EventRequestBlocked).
		WithRequestID("req-1").
		WithResult(ResultDenied).
		WithDescription("blocked at input scan")
	require.NoError(t, l.Log(context.Background(), event))
	require.NoError(t, l.Sync())

	lines := readLines(t, path)
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, string(EventRequestBlocked), entry["event_type"])
	assert.Equal(t, string(ResultDenied), entry["result"])
}

func TestBufferFlushesOnOverflow(t *testing.T) {
	l, path := newTestLogger(t, nil)

	for i := 0; i < bufferSize; i++ {
		require.NoError(t, l.Log(context.Background(), NewEvent(EventRequestAllowed)))
	}
	// Overflow flush happens without an explicit Sync.
	require.NoError(t, l.(*auditLogger).sink.Sync())

	lines := readLines(t, path)
	assert.Len(t, lines, bufferSize)
}

func TestAutoFlushTicker(t *testing.T) {
	l, path := newTestLogger(t, nil)

	require.NoError(t, l.Log(context.Background(), NewEvent(EventServerStarted)))
	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(path)
		return err == nil && len(raw) > 0
	}, 3*time.Second, 50*time.Millisecond)
}

type fakeStore struct {
	saved []*models.RiskReport
}

func (f *fakeStore) SaveReport(ctx context.Context, report *models.RiskReport) error {
	f.saved = append(f.saved, report)
	return nil
}

func TestEmitReportLogsAndPersists(t *testing.T) {
	store := &fakeStore{}
	l, path := newTestLogger(t, store)

	report := &models.RiskReport{
		RequestID:    "req-9",
		Timestamp:    time.Now().UTC(),
		Mode:         models.ModeBalanced,
		Action:       "sanitized",
		OverallScore: 6,
		Level:        models.LevelHigh,
		InputAssessment: &models.RiskAssessment{
			Findings: []models.Finding{{Kind: models.KindPII, Subtype: "email"}},
		},
	}
	l.EmitReport(report)
	require.NoError(t, l.Sync())

	require.Len(t, store.saved, 1)
	assert.Equal(t, "req-9", store.saved[0].RequestID)

	lines := readLines(t, path)
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, string(EventReportEmitted), entry["event_type"])

	// The full event payload is the log line's message field.
	var payload Event
	require.NoError(t, json.Unmarshal([]byte(entry["event"].(string)), &payload))
	assert.Equal(t, "sanitized", payload.Action)
	assert.Equal(t, 1, payload.FindingCount)
}

func TestCloseIsIdempotent(t *testing.T) {
	l, _ := newTestLogger(t, nil)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}
