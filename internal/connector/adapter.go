package connector

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ─── Source configuration ───────────────────────────────────────────────────

// SourceKind enumerates the supported data-source backends.
type SourceKind string

// Supported source kinds.
const (
	KindSQLite   SourceKind = "sqlite"
	KindPostgres SourceKind = "postgres"
	KindMySQL    SourceKind = "mysql"
	KindREST     SourceKind = "rest"
	KindSupabase SourceKind = "supabase"
)

// DataSourceConfig declares one registered data source. Credentials are
// referenced by handle and resolved at open time; the struct never carries
// secret material.
type DataSourceConfig struct {
	Name            string     `json:"name" mapstructure:"name"`
	Kind            SourceKind `json:"kind" mapstructure:"kind"`
	Endpoint        string     `json:"endpoint" mapstructure:"endpoint"`
	CredentialsRef  string     `json:"credentials_ref" mapstructure:"credentials_ref"`
	AllowTables     []string   `json:"allow_tables" mapstructure:"allow_tables"`
	DenyTables      []string   `json:"deny_tables" mapstructure:"deny_tables"`
	MaxRows         int        `json:"max_rows" mapstructure:"max_rows"`
	MaxQueryMS      int        `json:"max_query_ms" mapstructure:"max_query_ms"`
	MaxConnections  int        `json:"max_connections" mapstructure:"max_connections"`
	SanitizeResults bool       `json:"sanitize_results" mapstructure:"sanitize_results"`
	RiskScanResults bool       `json:"risk_scan_results" mapstructure:"risk_scan_results"`
}

// Normalize fills defaults in place.
func (c *DataSourceConfig) Normalize() {
	if c.MaxRows <= 0 {
		c.MaxRows = 100
	}
	if c.MaxQueryMS <= 0 {
		c.MaxQueryMS = 5000
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
}

// Validate rejects configs the connector cannot serve.
func (c *DataSourceConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("data source: name is required")
	}
	switch c.Kind {
	case KindSQLite, KindPostgres, KindMySQL, KindREST, KindSupabase:
	default:
		return fmt.Errorf("data source %s: unknown kind %q", c.Name, c.Kind)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("data source %s: endpoint is required", c.Name)
	}
	return nil
}

// QueryDeadline returns the per-query execution deadline.
func (c *DataSourceConfig) QueryDeadline() time.Duration {
	return time.Duration(c.MaxQueryMS) * time.Millisecond
}

// CredentialResolver maps a credentials_ref handle to its secret value.
// The config layer backs this with environment variables.
type CredentialResolver func(ref string) (string, error)

// ─── Adapter contract ───────────────────────────────────────────────────────

// Columnar is the raw adapter result: column names plus stringified cells.
type Columnar struct {
	Columns []string
	Rows    [][]string
	Elapsed time.Duration
}

// Conn is an open, concurrency-safe handle to one data source. Concurrency
// above the handle is bounded by the connector's pool, not by Conn.
type Conn interface {
	Execute(ctx context.Context, query string, params []any) (*Columnar, error)
	Close() error
}

// Adapter opens connections for one source kind.
type Adapter interface {
	Kind() SourceKind
	Open(ctx context.Context, cfg DataSourceConfig, creds CredentialResolver) (Conn, error)
}

// AdapterRegistry is the immutable kind→adapter table, built once at startup.
type AdapterRegistry struct {
	byKind map[SourceKind]Adapter
}

// NewAdapterRegistry indexes the given adapters. Duplicate kinds keep the
// first registration.
func NewAdapterRegistry(adapters ...Adapter) *AdapterRegistry {
	byKind := make(map[SourceKind]Adapter, len(adapters))
	for _, a := range adapters {
		if _, dup := byKind[a.Kind()]; !dup {
			byKind[a.Kind()] = a
		}
	}
	return &AdapterRegistry{byKind: byKind}
}

// Get returns the adapter for a kind, or nil.
func (r *AdapterRegistry) Get(kind SourceKind) Adapter {
	return r.byKind[kind]
}

// DefaultAdapterRegistry wires every built-in adapter.
func DefaultAdapterRegistry() *AdapterRegistry {
	return NewAdapterRegistry(
		&SQLAdapter{kind: KindSQLite, driver: "sqlite"},
		&SQLAdapter{kind: KindMySQL, driver: "mysql"},
		&PostgresAdapter{},
		NewRESTAdapter(KindREST),
		NewRESTAdapter(KindSupabase),
	)
}
