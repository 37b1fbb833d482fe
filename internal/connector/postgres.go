package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAdapter serves postgres sources over a pgx pool.
type PostgresAdapter struct{}

// Kind implements Adapter.
func (a *PostgresAdapter) Kind() SourceKind { return KindPostgres }

// Open implements Adapter. The endpoint is a postgres URL whose ${password}
// marker is filled from the resolved credentials handle.
func (a *PostgresAdapter) Open(ctx context.Context, cfg DataSourceConfig, creds CredentialResolver) (Conn, error) {
	dsn := cfg.Endpoint
	if cfg.CredentialsRef != "" && creds != nil {
		secret, err := creds(cfg.CredentialsRef)
		if err != nil {
			return nil, fmt.Errorf("source %s: resolve credentials: %w", cfg.Name, err)
		}
		dsn = strings.ReplaceAll(dsn, "${password}", secret)
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("source %s: parse dsn: %w", cfg.Name, err)
	}
	pcfg.MaxConns = int32(cfg.MaxConnections)

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("source %s: connect: %w", cfg.Name, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("source %s: ping: %w", cfg.Name, err)
	}
	return &pgConn{pool: pool, maxRows: cfg.MaxRows}, nil
}

type pgConn struct {
	pool    *pgxpool.Pool
	maxRows int
}

func (c *pgConn) Execute(ctx context.Context, query string, params []any) (*Columnar, error) {
	query = rewritePlaceholders(enforceLimit(query, c.maxRows))

	started := time.Now()
	rows, err := c.pool.Query(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := &Columnar{Columns: make([]string, len(fields))}
	for i, f := range fields {
		out.Columns[i] = f.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make([]string, len(values))
		for i, v := range values {
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

func (c *pgConn) Close() error {
	c.pool.Close()
	return nil
}

// rewritePlaceholders converts ? placeholders to the $n form pgx expects.
func rewritePlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
