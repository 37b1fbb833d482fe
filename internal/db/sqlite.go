package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/airmslabs/airms-gateway/internal/models"
	"github.com/airmslabs/airms-gateway/internal/vault"
)

// storedTimeLayout is fixed-width so stored timestamps compare correctly as
// strings in SQL.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// schema defines the tables for the gateway persistence layer.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS token_vault (
    placeholder       TEXT PRIMARY KEY,
    value_hash        TEXT NOT NULL,
    kind              TEXT NOT NULL,
    ciphertext        BLOB NOT NULL,
    created_at        DATETIME NOT NULL,
    expires_at        DATETIME NOT NULL,
    revoked           INTEGER NOT NULL DEFAULT 0,
    access_count      INTEGER NOT NULL DEFAULT 0,
    owner_request_id  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_vault_hash    ON token_vault(value_hash);
CREATE INDEX IF NOT EXISTS idx_vault_expires ON token_vault(expires_at);

CREATE TABLE IF NOT EXISTS kind_sequences (
    kind TEXT PRIMARY KEY,
    seq  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS risk_reports (
    request_id        TEXT PRIMARY KEY,
    timestamp         DATETIME NOT NULL,
    mode              TEXT NOT NULL DEFAULT 'balanced',
    model             TEXT NOT NULL DEFAULT '',
    action            TEXT NOT NULL DEFAULT '',
    overall_score     REAL NOT NULL DEFAULT 0.0,
    level             TEXT NOT NULL DEFAULT 'low',
    input_assessment  TEXT NOT NULL DEFAULT 'null',
    output_assessment TEXT NOT NULL DEFAULT 'null',
    tool_trace        TEXT NOT NULL DEFAULT '[]',
    escalations       TEXT NOT NULL DEFAULT '[]',
    elapsed_ms        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_reports_timestamp ON risk_reports(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_reports_action    ON risk_reports(action);
CREATE INDEX IF NOT EXISTS idx_reports_level     ON risk_reports(level);

CREATE TABLE IF NOT EXISTS audit_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id   TEXT NOT NULL DEFAULT '',
    event_type   TEXT NOT NULL,
    result       TEXT NOT NULL DEFAULT '',
    resource     TEXT NOT NULL DEFAULT '',
    action       TEXT NOT NULL DEFAULT '',
    description  TEXT NOT NULL DEFAULT '',
    metadata     TEXT NOT NULL DEFAULT '{}',
    timestamp    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp  ON audit_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_request_id ON audit_events(request_id);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events(event_type);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Token vault ──────────────────────────────────────────────────────────────

// InsertOrGet implements vault.Store. The lookup and the insert run inside one
// transaction so concurrent mints of the same (kind, value) observe one record.
func (s *sqliteStore) InsertOrGet(ctx context.Context, rec vault.NewRecord) (*vault.TokenRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
        SELECT placeholder, value_hash, kind, ciphertext, created_at, expires_at,
               revoked, access_count, owner_request_id
        FROM token_vault
        WHERE value_hash = ? AND kind = ? AND revoked = 0 AND expires_at > ?
    `, rec.ValueHash, rec.Kind, now.Format(storedTimeLayout))

	existing, err := scanToken(row)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("lookup token: %w", err)
	}

	// No live record: assign the next placeholder for this kind. Sequences
	// never reset, so placeholders are unique across expiry and revocation.
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO kind_sequences(kind, seq) VALUES(?, 0)
        ON CONFLICT(kind) DO NOTHING
    `, rec.Kind); err != nil {
		return nil, false, fmt.Errorf("seed sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE kind_sequences SET seq = seq + 1 WHERE kind = ?`, rec.Kind); err != nil {
		return nil, false, fmt.Errorf("bump sequence: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT seq FROM kind_sequences WHERE kind = ?`, rec.Kind).Scan(&seq); err != nil {
		return nil, false, fmt.Errorf("read sequence: %w", err)
	}

	token := &vault.TokenRecord{
		Placeholder:    vault.Placeholder(rec.Kind, seq),
		ValueHash:      rec.ValueHash,
		Kind:           rec.Kind,
		Ciphertext:     rec.Ciphertext,
		CreatedAt:      rec.CreatedAt.UTC(),
		ExpiresAt:      rec.ExpiresAt.UTC(),
		OwnerRequestID: rec.OwnerRequestID,
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO token_vault(placeholder, value_hash, kind, ciphertext,
                                created_at, expires_at, revoked, access_count, owner_request_id)
        VALUES(?,?,?,?,?,?,0,0,?)
    `,
		token.Placeholder, token.ValueHash, token.Kind, token.Ciphertext,
		token.CreatedAt.Format(storedTimeLayout), token.ExpiresAt.Format(storedTimeLayout),
		token.OwnerRequestID,
	); err != nil {
		return nil, false, fmt.Errorf("insert token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return token, true, nil
}

// Get implements vault.Store. Returns nil, nil when no record exists.
func (s *sqliteStore) Get(ctx context.Context, placeholder string) (*vault.TokenRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT placeholder, value_hash, kind, ciphertext, created_at, expires_at,
               revoked, access_count, owner_request_id
        FROM token_vault WHERE placeholder = ?
    `, placeholder)

	rec, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Touch implements vault.Store.
func (s *sqliteStore) Touch(ctx context.Context, placeholder string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE token_vault SET access_count = access_count + 1 WHERE placeholder = ?`, placeholder)
	return err
}

// Revoke implements vault.Store.
func (s *sqliteStore) Revoke(ctx context.Context, placeholder string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE token_vault SET revoked = 1 WHERE placeholder = ?`, placeholder)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return vault.ErrNotFound
	}
	return nil
}

// DeleteDead implements vault.Store.
func (s *sqliteStore) DeleteDead(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM token_vault WHERE revoked = 1 OR expires_at <= ?`,
		now.UTC().Format(storedTimeLayout))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// rowScanner lets scanToken work on both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*vault.TokenRecord, error) {
	rec := &vault.TokenRecord{}
	var created, expires string
	var revoked int
	if err := row.Scan(&rec.Placeholder, &rec.ValueHash, &rec.Kind, &rec.Ciphertext,
		&created, &expires, &revoked, &rec.AccessCount, &rec.OwnerRequestID); err != nil {
		return nil, err
	}
	rec.Revoked = revoked != 0
	rec.CreatedAt, _ = parseTime(created)
	rec.ExpiresAt, _ = parseTime(expires)
	return rec, nil
}

// ─── Risk reports ─────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveReport(ctx context.Context, report *models.RiskReport) error {
	input, err := json.Marshal(report.InputAssessment)
	if err != nil {
		return fmt.Errorf("marshal input assessment: %w", err)
	}
	output, err := json.Marshal(report.OutputAssessment)
	if err != nil {
		return fmt.Errorf("marshal output assessment: %w", err)
	}
	trace, err := json.Marshal(report.ToolTrace)
	if err != nil {
		return fmt.Errorf("marshal tool trace: %w", err)
	}
	escalations, err := json.Marshal(report.Escalations)
	if err != nil {
		return fmt.Errorf("marshal escalations: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO risk_reports(request_id, timestamp, mode, model, action, overall_score,
                                 level, input_assessment, output_assessment, tool_trace,
                                 escalations, elapsed_ms)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(request_id) DO UPDATE SET
            timestamp         = excluded.timestamp,
            mode              = excluded.mode,
            model             = excluded.model,
            action            = excluded.action,
            overall_score     = excluded.overall_score,
            level             = excluded.level,
            input_assessment  = excluded.input_assessment,
            output_assessment = excluded.output_assessment,
            tool_trace        = excluded.tool_trace,
            escalations       = excluded.escalations,
            elapsed_ms        = excluded.elapsed_ms
    `,
		report.RequestID, report.Timestamp.UTC().Format(storedTimeLayout),
		string(report.Mode), report.Model, report.Action, report.OverallScore,
		string(report.Level), string(input), string(output), string(trace),
		string(escalations), report.ElapsedMS,
	)
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetReport(ctx context.Context, requestID string) (*models.RiskReport, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT request_id, timestamp, mode, model, action, overall_score, level,
               input_assessment, output_assessment, tool_trace, escalations, elapsed_ms
        FROM risk_reports WHERE request_id = ?
    `, requestID)

	report, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (s *sqliteStore) QueryReports(ctx context.Context, q ReportQuery) ([]*models.RiskReport, error) {
	query := `
        SELECT request_id, timestamp, mode, model, action, overall_score, level,
               input_assessment, output_assessment, tool_trace, escalations, elapsed_ms
        FROM risk_reports WHERE 1=1`
	args := []any{}

	if q.Action != "" {
		query += ` AND action = ?`
		args = append(args, q.Action)
	}
	if q.Level != "" {
		query += ` AND level = ?`
		args = append(args, q.Level)
	}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, q.From.UTC().Format(storedTimeLayout))
	}
	if !q.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, q.To.UTC().Format(storedTimeLayout))
	}

	query += ` ORDER BY timestamp DESC`
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*models.RiskReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

func scanReport(row rowScanner) (*models.RiskReport, error) {
	report := &models.RiskReport{}
	var ts, mode, level, input, output, trace, escalations string
	if err := row.Scan(&report.RequestID, &ts, &mode, &report.Model, &report.Action,
		&report.OverallScore, &level, &input, &output, &trace, &escalations,
		&report.ElapsedMS); err != nil {
		return nil, err
	}
	report.Timestamp, _ = parseTime(ts)
	report.Mode = models.Mode(mode)
	report.Level = models.RiskLevel(level)
	if err := json.Unmarshal([]byte(input), &report.InputAssessment); err != nil {
		return nil, fmt.Errorf("unmarshal input assessment: %w", err)
	}
	if err := json.Unmarshal([]byte(output), &report.OutputAssessment); err != nil {
		return nil, fmt.Errorf("unmarshal output assessment: %w", err)
	}
	if err := json.Unmarshal([]byte(trace), &report.ToolTrace); err != nil {
		return nil, fmt.Errorf("unmarshal tool trace: %w", err)
	}
	if err := json.Unmarshal([]byte(escalations), &report.Escalations); err != nil {
		return nil, fmt.Errorf("unmarshal escalations: %w", err)
	}
	return report, nil
}

// ─── Audit events ─────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendEvent(ctx context.Context, rec *EventRecord) error {
	metadata := rec.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO audit_events(request_id, event_type, result, resource, action,
                                 description, metadata, timestamp)
        VALUES(?,?,?,?,?,?,?,?)
    `,
		rec.RequestID, rec.EventType, rec.Result, rec.Resource, rec.Action,
		rec.Descriptor, metadata, rec.Timestamp.UTC().Format(storedTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *sqliteStore) QueryEvents(ctx context.Context, q EventQuery) ([]*EventRecord, error) {
	query := `
        SELECT id, request_id, event_type, result, resource, action, description, metadata, timestamp
        FROM audit_events WHERE 1=1`
	args := []any{}

	if q.RequestID != "" {
		query += ` AND request_id = ?`
		args = append(args, q.RequestID)
	}
	if q.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, q.EventType)
	}
	if q.Resource != "" {
		query += ` AND resource = ?`
		args = append(args, q.Resource)
	}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, q.From.UTC().Format(storedTimeLayout))
	}
	if !q.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, q.To.UTC().Format(storedTimeLayout))
	}

	query += ` ORDER BY timestamp DESC`
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*EventRecord
	for rows.Next() {
		rec := &EventRecord{}
		var ts string
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.EventType, &rec.Result,
			&rec.Resource, &rec.Action, &rec.Descriptor, &rec.Metadata, &ts); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = parseTime(ts)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
