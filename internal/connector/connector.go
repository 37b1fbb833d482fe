package connector

// Package connector mediates between query plans and registered data
// sources. Every result is optionally re-scanned through the risk agent in
// the data phase before anything reaches the model; a blocked scan empties
// the rows, a sanitize decision rewrites cells with vault placeholders.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/airmslabs/airms-gateway/internal/metrics"
	"github.com/airmslabs/airms-gateway/internal/models"
	"github.com/airmslabs/airms-gateway/internal/queryplan"
	"github.com/airmslabs/airms-gateway/internal/riskagent"
)

// Error taxonomy surfaced to the orchestrator. All of them come with an
// explained QueryResult; none aborts the pipeline.
var (
	ErrUnknownSource     = errors.New("source_unknown")
	ErrRefused           = errors.New("query_refused")
	ErrSourceBusy        = errors.New("source_busy")
	ErrSourceTimeout     = errors.New("source_timeout")
	ErrSourceUnavailable = errors.New("source_unavailable")
)

// queueDeadline bounds how long a caller waits for a pool slot.
const queueDeadline = 2 * time.Second

// QueryResult is the connector's output. Rows are the sanitized form.
type QueryResult struct {
	Columns          []string               `json:"columns"`
	Rows             [][]string             `json:"rows"`
	RowCount         int                    `json:"row_count"`
	ElapsedMS        int64                  `json:"elapsed_ms"`
	ResultAssessment *models.RiskAssessment `json:"result_assessment,omitempty"`
	IsSafe           bool                   `json:"is_safe"`
	Truncated        bool                   `json:"truncated,omitempty"`
	Refusal          string                 `json:"refusal,omitempty"`
	Findings         []models.Finding       `json:"findings,omitempty"`
}

// Explain renders the result for the model-facing tool transcript. Refused
// and failed runs come back explained, never silent.
func (r *QueryResult) Explain() string {
	if r.Refusal != "" {
		return fmt.Sprintf("query refused: %s", r.Refusal)
	}
	if !r.IsSafe {
		return "query produced no releasable rows"
	}
	return fmt.Sprintf("%d rows", r.RowCount)
}

// Grounding converts the released rows into grounding records for the
// output-phase hallucination scan.
func (r *QueryResult) Grounding() []models.GroundingRecord {
	var out []models.GroundingRecord
	for _, row := range r.Rows {
		for i, col := range r.Columns {
			if i < len(row) && row[i] != "" {
				out = append(out, models.GroundingRecord{Key: col, Value: row[i]})
			}
		}
	}
	return out
}

// source is one registered data source with its bounded query slot pool and
// lazily opened connection.
type source struct {
	cfg DataSourceConfig
	sem chan struct{}

	mu   sync.Mutex
	conn Conn
}

// Connector holds the source registry and runs gated queries.
type Connector struct {
	adapters *AdapterRegistry
	agent    *riskagent.Agent
	creds    CredentialResolver
	logger   *zap.Logger

	mu      sync.RWMutex
	sources map[string]*source
}

// New builds a connector. agent may be nil only when every source disables
// result scanning.
func New(adapters *AdapterRegistry, agent *riskagent.Agent, creds CredentialResolver, logger *zap.Logger) *Connector {
	return &Connector{
		adapters: adapters,
		agent:    agent,
		creds:    creds,
		logger:   logger,
		sources:  make(map[string]*source),
	}
}

// Register upserts a data source config.
func (c *Connector) Register(cfg DataSourceConfig) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c.adapters.Get(cfg.Kind) == nil {
		return fmt.Errorf("source %s: no adapter for kind %q", cfg.Name, cfg.Kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.sources[cfg.Name]; ok {
		old.mu.Lock()
		if old.conn != nil {
			_ = old.conn.Close()
		}
		old.mu.Unlock()
	}
	c.sources[cfg.Name] = &source{
		cfg: cfg,
		sem: make(chan struct{}, cfg.MaxConnections),
	}
	return nil
}

// Sources lists the registered configs. Credential handles are included;
// credential material never is.
func (c *Connector) Sources() []DataSourceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]DataSourceConfig, 0, len(c.sources))
	for _, s := range c.sources {
		out = append(out, s.cfg)
	}
	return out
}

// Source returns the config for a name.
func (c *Connector) Source(name string) (DataSourceConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sources[name]
	if !ok {
		return DataSourceConfig{}, false
	}
	return s.cfg, true
}

// Close releases every open connection.
func (c *Connector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sources {
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
	}
}

// Run executes a plan against its target source. The returned result is
// always non-nil and always explains itself; the error classifies failures
// for the caller's tool transcript.
func (c *Connector) Run(ctx context.Context, plan *queryplan.Plan, rcfg riskagent.Config, gate float64) (*QueryResult, error) {
	started := time.Now()

	c.mu.RLock()
	src, ok := c.sources[plan.TargetSource]
	c.mu.RUnlock()
	if !ok {
		return refusal(fmt.Sprintf("source %q is not registered", plan.TargetSource)), ErrUnknownSource
	}
	cfg := src.cfg

	if !plan.Executable(gate) {
		c.count(cfg, "refused")
		return refusal(fmt.Sprintf("plan is not executable: %s", plan.ViolationSummary())), ErrRefused
	}
	for _, table := range queryplan.ReferencedTables(plan.Query) {
		for _, deny := range cfg.DenyTables {
			if strings.EqualFold(table, deny) {
				c.count(cfg, "refused")
				return refusal(fmt.Sprintf("table %q is deny-listed", table)), ErrRefused
			}
		}
	}

	release, err := c.acquire(ctx, src)
	if err != nil {
		c.count(cfg, "busy")
		return refusal("source is busy, try again later"), err
	}
	defer release()

	conn, err := c.open(ctx, src)
	if err != nil {
		c.count(cfg, "error")
		c.logger.Warn("source open failed", zap.String("source", cfg.Name), zap.Error(err))
		return refusal("source is unavailable"), fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	qctx, cancel := context.WithTimeout(ctx, cfg.QueryDeadline())
	defer cancel()

	data, err := conn.Execute(qctx, plan.Query, plan.Parameters)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(qctx.Err(), context.DeadlineExceeded) {
			c.count(cfg, "timeout")
			res := &QueryResult{IsSafe: false, ElapsedMS: time.Since(started).Milliseconds()}
			res.Findings = append(res.Findings, models.Finding{
				Kind:       models.KindOperational,
				Subtype:    "source_timeout",
				Severity:   models.SeverityLow,
				Confidence: 1,
				DetectorID: "connector",
			})
			res.Refusal = fmt.Sprintf("query exceeded the %d ms budget", cfg.MaxQueryMS)
			return res, ErrSourceTimeout
		}
		c.count(cfg, "error")
		return refusal("query failed"), fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	res := &QueryResult{
		Columns:   data.Columns,
		Rows:      data.Rows,
		ElapsedMS: time.Since(started).Milliseconds(),
		IsSafe:    true,
	}
	if len(res.Rows) > cfg.MaxRows {
		res.Rows = res.Rows[:cfg.MaxRows]
		res.Truncated = true
	}

	if cfg.RiskScanResults && c.agent != nil && len(res.Rows) > 0 {
		c.rescan(ctx, res, cfg, rcfg, gate)
	}
	res.RowCount = len(res.Rows)

	c.count(cfg, "ok")
	metrics.ConnectorQueryDuration.WithLabelValues(cfg.Name).Observe(time.Since(started).Seconds())
	return res, nil
}

// acquire takes a pool slot or fails with source_busy after queueDeadline.
func (c *Connector) acquire(ctx context.Context, src *source) (func(), error) {
	metrics.ConnectorPoolWaiting.WithLabelValues(src.cfg.Name).Inc()
	defer metrics.ConnectorPoolWaiting.WithLabelValues(src.cfg.Name).Dec()

	timer := time.NewTimer(queueDeadline)
	defer timer.Stop()

	select {
	case src.sem <- struct{}{}:
		return func() { <-src.sem }, nil
	case <-timer.C:
		return nil, ErrSourceBusy
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrSourceBusy, ctx.Err())
	}
}

// open returns the lazily created connection for a source.
func (c *Connector) open(ctx context.Context, src *source) (Conn, error) {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.conn != nil {
		return src.conn, nil
	}
	adapter := c.adapters.Get(src.cfg.Kind)
	conn, err := adapter.Open(ctx, src.cfg, c.creds)
	if err != nil {
		return nil, err
	}
	src.conn = conn
	return conn, nil
}

// rescan feeds a textual projection of the rows through the risk agent in
// the data phase and applies its decision: block empties the rows, sanitize
// rewrites cells from the sanitized projection.
func (c *Connector) rescan(ctx context.Context, res *QueryResult, cfg DataSourceConfig, rcfg riskagent.Config, gate float64) {
	projection := projectRows(res.Columns, res.Rows)

	as := c.agent.Analyze(ctx, projection, models.PhaseData, rcfg, nil)
	res.ResultAssessment = as

	if as.Blocked() || as.OverallScore > gate {
		res.Rows = nil
		res.IsSafe = false
		return
	}

	if cfg.SanitizeResults && as.SanitizedText != "" {
		rows, ok := unprojectRows(as.SanitizedText, res.Columns, len(res.Rows))
		if !ok {
			// Cell boundaries did not survive sanitization; releasing the
			// original rows would leak, so release none.
			c.logger.Warn("sanitized projection lost cell boundaries", zap.String("source", cfg.Name))
			res.Rows = nil
			res.IsSafe = false
			return
		}
		res.Rows = rows
	}
}

// projectRows renders rows as "column: value" lines, one cell per line. Cell
// newlines are flattened so the line structure is reversible.
func projectRows(columns []string, rows [][]string) string {
	var b strings.Builder
	for _, row := range rows {
		for i, col := range columns {
			val := ""
			if i < len(row) {
				val = strings.ReplaceAll(row[i], "\n", " ")
			}
			b.WriteString(col)
			b.WriteString(": ")
			b.WriteString(val)
			b.WriteString("\n")
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// unprojectRows maps a sanitized projection back onto cells. ok is false
// when the line structure no longer matches.
func unprojectRows(projection string, columns []string, rowCount int) ([][]string, bool) {
	lines := strings.Split(projection, "\n")
	if len(columns) == 0 || len(lines) != rowCount*len(columns) {
		return nil, false
	}

	rows := make([][]string, rowCount)
	for r := 0; r < rowCount; r++ {
		row := make([]string, len(columns))
		for i, col := range columns {
			line := lines[r*len(columns)+i]
			prefix := col + ": "
			if !strings.HasPrefix(line, prefix) {
				return nil, false
			}
			row[i] = strings.TrimPrefix(line, prefix)
		}
		rows[r] = row
	}
	return rows, true
}

func refusal(reason string) *QueryResult {
	return &QueryResult{IsSafe: false, Refusal: reason}
}

func (c *Connector) count(cfg DataSourceConfig, status string) {
	metrics.ConnectorQueries.WithLabelValues(cfg.Name, string(cfg.Kind), status).Inc()
}
