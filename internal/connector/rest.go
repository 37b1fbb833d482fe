package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// RESTAdapter serves HTTP-backed sources. A query is a "GET /path" or
// "POST /path" expression; parameters travel as query string or JSON body
// respectively. The supabase kind is the same adapter with PostgREST
// conventions: the apikey header carries the resolved credential.
type RESTAdapter struct {
	kind   SourceKind
	client *http.Client
}

// NewRESTAdapter builds the adapter for the rest or supabase kind.
func NewRESTAdapter(kind SourceKind) *RESTAdapter {
	return &RESTAdapter{kind: kind, client: &http.Client{Timeout: 30 * time.Second}}
}

// Kind implements Adapter.
func (a *RESTAdapter) Kind() SourceKind { return a.kind }

// Open implements Adapter.
func (a *RESTAdapter) Open(ctx context.Context, cfg DataSourceConfig, creds CredentialResolver) (Conn, error) {
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("source %s: endpoint: %w", cfg.Name, err)
	}

	headers := http.Header{}
	if cfg.CredentialsRef != "" && creds != nil {
		secret, err := creds(cfg.CredentialsRef)
		if err != nil {
			return nil, fmt.Errorf("source %s: resolve credentials: %w", cfg.Name, err)
		}
		if a.kind == KindSupabase {
			headers.Set("apikey", secret)
			headers.Set("Authorization", "Bearer "+secret)
		} else {
			headers.Set("Authorization", "Bearer "+secret)
		}
	}
	return &restConn{client: a.client, base: base, headers: headers, maxRows: cfg.MaxRows}, nil
}

type restConn struct {
	client  *http.Client
	base    *url.URL
	headers http.Header
	maxRows int
}

// Execute translates the expression to an HTTP call and flattens the JSON
// response into columns and rows.
func (c *restConn) Execute(ctx context.Context, query string, params []any) (*Columnar, error) {
	method, path, err := parseRESTExpression(query)
	if err != nil {
		return nil, err
	}

	target := *c.base
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("rest path: %w", err)
	}
	target = *target.ResolveReference(ref)

	var body io.Reader
	if method == http.MethodGet {
		q := target.Query()
		for _, kv := range paramPairs(params) {
			q.Add(kv[0], kv[1])
		}
		target.RawQuery = q.Encode()
	} else {
		payload := make(map[string]string, len(params))
		for _, kv := range paramPairs(params) {
			payload[kv[0]] = kv[1]
		}
		enc, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(enc)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("rest source returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}

	out, err := columnarFromJSON(raw, c.maxRows)
	if err != nil {
		return nil, err
	}
	out.Elapsed = time.Since(started)
	return out, nil
}

func (c *restConn) Close() error { return nil }

// parseRESTExpression splits "GET /path" style expressions.
func parseRESTExpression(query string) (method, path string, err error) {
	fields := strings.Fields(strings.TrimSpace(query))
	if len(fields) != 2 {
		return "", "", fmt.Errorf("rest query must be %q or %q, got %q", "GET /path", "POST /path", query)
	}
	method = strings.ToUpper(fields[0])
	if method != http.MethodGet && method != http.MethodPost {
		return "", "", fmt.Errorf("rest query method %q not allowed", fields[0])
	}
	return method, fields[1], nil
}

// paramPairs interprets parameters as key=value strings; bare values bind to
// positional names p1, p2…
func paramPairs(params []any) [][2]string {
	out := make([][2]string, 0, len(params))
	for i, p := range params {
		s := fmt.Sprintf("%v", p)
		if k, v, ok := strings.Cut(s, "="); ok {
			out = append(out, [2]string{k, v})
			continue
		}
		out = append(out, [2]string{fmt.Sprintf("p%d", i+1), s})
	}
	return out
}

// columnarFromJSON flattens a JSON array of flat objects (or one object)
// into the columnar shape. Column order is stable (sorted keys of the first
// object).
func columnarFromJSON(raw []byte, maxRows int) (*Columnar, error) {
	var objects []map[string]any

	var asList []map[string]any
	if err := json.Unmarshal(raw, &asList); err == nil {
		objects = asList
	} else {
		var asOne map[string]any
		if err := json.Unmarshal(raw, &asOne); err != nil {
			return nil, fmt.Errorf("rest response is not a JSON object or array")
		}
		objects = []map[string]any{asOne}
	}

	out := &Columnar{}
	if len(objects) == 0 {
		return out, nil
	}

	for k := range objects[0] {
		out.Columns = append(out.Columns, k)
	}
	sort.Strings(out.Columns)

	for _, obj := range objects {
		if maxRows > 0 && len(out.Rows) >= maxRows {
			break
		}
		row := make([]string, len(out.Columns))
		for i, col := range out.Columns {
			if v, ok := obj[col]; ok && v != nil {
				row[i] = fmt.Sprintf("%v", v)
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}
