package connector

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/airmslabs/airms-gateway/internal/detectors"
	"github.com/airmslabs/airms-gateway/internal/models"
	"github.com/airmslabs/airms-gateway/internal/queryplan"
	"github.com/airmslabs/airms-gateway/internal/riskagent"
	"github.com/airmslabs/airms-gateway/internal/vault"
)

func seedOrdersDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE orders (id TEXT, status TEXT, eta TEXT, customer_email TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO orders VALUES ('ORD-1', 'in_transit', '2024-08-26', 'alice@example.com')`)
	require.NoError(t, err)
	return path
}

func newTestConnector(t *testing.T, endpoint string) *Connector {
	t.Helper()
	store := vault.NewMemoryStore()
	remapper, err := vault.NewRemapper(store, []byte("test-secret"), zap.NewNop())
	require.NoError(t, err)
	agent := riskagent.New(detectors.DefaultRegistry(), remapper, zap.NewNop())

	c := New(DefaultAdapterRegistry(), agent, nil, zap.NewNop())
	require.NoError(t, c.Register(DataSourceConfig{
		Name:            "orders",
		Kind:            KindSQLite,
		Endpoint:        endpoint,
		AllowTables:     []string{"orders"},
		DenyTables:      []string{"credentials"},
		MaxRows:         50,
		MaxQueryMS:      2000,
		SanitizeResults: true,
		RiskScanResults: true,
	}))
	return c
}

func lookupPlan(query string, params ...any) *queryplan.Plan {
	return &queryplan.Plan{
		RawQuestion:  "where is the order for alice@example.com?",
		Query:        query,
		Parameters:   params,
		TargetSource: "orders",
	}
}

func TestRunSanitizesEmailCell(t *testing.T) {
	c := newTestConnector(t, seedOrdersDB(t))
	defer c.Close()

	plan := lookupPlan(
		"SELECT id, status, eta, customer_email FROM orders WHERE customer_email = ?",
		"alice@example.com")

	res, err := c.Run(context.Background(), plan, riskagent.ConfigForMode(models.ModeBalanced), 8)
	require.NoError(t, err)

	assert.True(t, res.IsSafe)
	require.Equal(t, 1, res.RowCount)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "ORD-1", res.Rows[0][0])
	assert.Equal(t, "‹EMAIL_1›", res.Rows[0][3])
	require.NotNil(t, res.ResultAssessment)
	assert.True(t, res.ResultAssessment.HasMitigation(models.MitigationSanitize))
}

func TestRunGroundingFromReleasedRows(t *testing.T) {
	c := newTestConnector(t, seedOrdersDB(t))
	defer c.Close()

	plan := lookupPlan("SELECT id, status, eta FROM orders WHERE id = ?", "ORD-1")
	res, err := c.Run(context.Background(), plan, riskagent.ConfigForMode(models.ModeBalanced), 8)
	require.NoError(t, err)

	grounding := res.Grounding()
	byKey := map[string]string{}
	for _, g := range grounding {
		byKey[g.Key] = g.Value
	}
	assert.Equal(t, "in_transit", byKey["status"])
	assert.Equal(t, "2024-08-26", byKey["eta"])
}

func TestRunRefusesDenyListedTable(t *testing.T) {
	c := newTestConnector(t, seedOrdersDB(t))
	defer c.Close()

	plan := lookupPlan("SELECT secret FROM credentials WHERE user = ?", "alice")
	res, err := c.Run(context.Background(), plan, riskagent.ConfigForMode(models.ModeBalanced), 8)

	assert.ErrorIs(t, err, ErrRefused)
	assert.False(t, res.IsSafe)
	assert.Empty(t, res.Rows)
	assert.NotEmpty(t, res.Refusal)
}

func TestRunRefusesUnexecutablePlan(t *testing.T) {
	c := newTestConnector(t, seedOrdersDB(t))
	defer c.Close()

	plan := lookupPlan("SELECT id FROM orders")
	plan.Violations = []queryplan.Violation{{Code: "query_plan_violation", Hard: true}}

	res, err := c.Run(context.Background(), plan, riskagent.ConfigForMode(models.ModeBalanced), 8)
	assert.ErrorIs(t, err, ErrRefused)
	assert.False(t, res.IsSafe)
}

func TestRunUnknownSource(t *testing.T) {
	c := newTestConnector(t, seedOrdersDB(t))
	defer c.Close()

	plan := lookupPlan("SELECT id FROM orders")
	plan.TargetSource = "nope"

	res, err := c.Run(context.Background(), plan, riskagent.ConfigForMode(models.ModeBalanced), 8)
	assert.ErrorIs(t, err, ErrUnknownSource)
	assert.False(t, res.IsSafe)
}

func TestRunTruncatesAtMaxRows(t *testing.T) {
	path := seedOrdersDB(t)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = db.Exec(`INSERT INTO orders VALUES ('ORD-X', 'pending', '', '')`)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	c := New(DefaultAdapterRegistry(), nil, nil, zap.NewNop())
	require.NoError(t, c.Register(DataSourceConfig{
		Name:     "orders",
		Kind:     KindSQLite,
		Endpoint: path,
		MaxRows:  3,
	}))
	defer c.Close()

	plan := lookupPlan("SELECT id, status FROM orders LIMIT 100")
	res, err := c.Run(context.Background(), plan, riskagent.Config{}, 8)
	require.NoError(t, err)

	assert.Equal(t, 3, res.RowCount)
	assert.True(t, res.Truncated)
}

func TestRunSourceTimeout(t *testing.T) {
	c := New(NewAdapterRegistry(&hangingAdapter{}), nil, nil, zap.NewNop())
	require.NoError(t, c.Register(DataSourceConfig{
		Name:       "slow",
		Kind:       KindREST,
		Endpoint:   "http://example.invalid",
		MaxQueryMS: 20,
	}))
	defer c.Close()

	plan := lookupPlan("GET /orders")
	plan.TargetSource = "slow"

	res, err := c.Run(context.Background(), plan, riskagent.Config{}, 8)
	assert.ErrorIs(t, err, ErrSourceTimeout)
	assert.False(t, res.IsSafe)
	assert.Empty(t, res.Rows)

	require.Len(t, res.Findings, 1)
	assert.Equal(t, "source_timeout", res.Findings[0].Subtype)
	assert.Equal(t, models.SeverityLow, res.Findings[0].Severity)
}

func TestAcquireBusyUnderExhaustion(t *testing.T) {
	c := New(DefaultAdapterRegistry(), nil, nil, zap.NewNop())
	src := &source{
		cfg: DataSourceConfig{Name: "orders", MaxConnections: 1},
		sem: make(chan struct{}, 1),
	}
	src.sem <- struct{}{} // exhaust the pool

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.acquire(ctx, src)
	assert.ErrorIs(t, err, ErrSourceBusy)
}

func TestProjectionRoundTrip(t *testing.T) {
	columns := []string{"id", "email"}
	rows := [][]string{
		{"ORD-1", "alice@example.com"},
		{"ORD-2", "line\nbreak"},
	}

	projection := projectRows(columns, rows)
	back, ok := unprojectRows(projection, columns, len(rows))
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", back[0][1])
	assert.Equal(t, "line break", back[1][1], "cell newlines flatten")

	_, ok = unprojectRows("mangled", columns, len(rows))
	assert.False(t, ok)
}

func TestEnforceLimit(t *testing.T) {
	assert.Equal(t, "SELECT id FROM orders LIMIT 5", enforceLimit("SELECT id FROM orders", 5))
	assert.Equal(t, "SELECT id FROM orders LIMIT 1", enforceLimit("SELECT id FROM orders LIMIT 1", 5))
	assert.Equal(t, "SELECT id FROM orders LIMIT 5", enforceLimit("SELECT id FROM orders;", 5))
}

// hangingAdapter never completes an Execute before its context expires.
type hangingAdapter struct{}

func (hangingAdapter) Kind() SourceKind { return KindREST }

func (hangingAdapter) Open(ctx context.Context, cfg DataSourceConfig, creds CredentialResolver) (Conn, error) {
	return hangingConn{}, nil
}

type hangingConn struct{}

func (hangingConn) Execute(ctx context.Context, query string, params []any) (*Columnar, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hangingConn) Close() error { return nil }
