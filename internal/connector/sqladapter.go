package connector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// SQLAdapter serves the database/sql backed kinds (sqlite, mysql). The
// driver's own pool handles physical connections; the connector's semaphore
// bounds concurrent queries above it.
type SQLAdapter struct {
	kind   SourceKind
	driver string
}

// Kind implements Adapter.
func (a *SQLAdapter) Kind() SourceKind { return a.kind }

// Open implements Adapter. For mysql the credentials handle resolves to the
// DSN password, spliced into the endpoint's ${password} marker.
func (a *SQLAdapter) Open(ctx context.Context, cfg DataSourceConfig, creds CredentialResolver) (Conn, error) {
	dsn := cfg.Endpoint
	if cfg.CredentialsRef != "" && creds != nil {
		secret, err := creds(cfg.CredentialsRef)
		if err != nil {
			return nil, fmt.Errorf("source %s: resolve credentials: %w", cfg.Name, err)
		}
		dsn = strings.ReplaceAll(dsn, "${password}", secret)
	}

	db, err := sql.Open(a.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("source %s: open: %w", cfg.Name, err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("source %s: ping: %w", cfg.Name, err)
	}
	return &sqlConn{db: db, maxRows: cfg.MaxRows}, nil
}

type sqlConn struct {
	db      *sql.DB
	maxRows int
}

// Execute runs one query. A LIMIT is appended when the statement carries
// none; the caller still truncates defensively after fetch.
func (c *sqlConn) Execute(ctx context.Context, query string, params []any) (*Columnar, error) {
	query = enforceLimit(query, c.maxRows)

	started := time.Now()
	rows, err := c.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := &Columnar{Columns: cols}
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			row[i] = stringifyCell(v)
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out.Elapsed = time.Since(started)
	return out, nil
}

func (c *sqlConn) Close() error { return c.db.Close() }

// enforceLimit appends LIMIT n when the query has no LIMIT clause.
func enforceLimit(query string, maxRows int) string {
	if maxRows <= 0 || strings.Contains(strings.ToUpper(query), "LIMIT") {
		return query
	}
	return fmt.Sprintf("%s LIMIT %d", strings.TrimRight(strings.TrimSpace(query), ";"), maxRows)
}

// stringifyCell renders one scanned value for the columnar result.
func stringifyCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
