package queryplan

// Package queryplan turns a natural-language question into a parameterized
// query plan. Classification runs against named templates first; only
// free-form questions fall back to a constrained LLM completion. Every plan
// is risk-scored before the connector is allowed to see it.

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// ─── Schema & permissions ───────────────────────────────────────────────────

// Column describes one schema column. Sensitive columns make wildcard
// selection expensive in the risk score.
type Column struct {
	Name      string `json:"name" mapstructure:"name"`
	Sensitive bool   `json:"sensitive" mapstructure:"sensitive"`
}

// Table is one queryable table with its declared columns.
type Table struct {
	Name      string   `json:"name" mapstructure:"name"`
	Columns   []Column `json:"columns" mapstructure:"columns"`
	KeyColumn string   `json:"key_column" mapstructure:"key_column"` // defaults to "id"
	Large     bool     `json:"large" mapstructure:"large"`      // unfiltered scans add risk
}

// HasSensitive reports whether any column is marked sensitive.
func (t Table) HasSensitive() bool {
	for _, c := range t.Columns {
		if c.Sensitive {
			return true
		}
	}
	return false
}

// ColumnNames returns the declared column names in order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Schema is the set of tables the planner may reference.
type Schema struct {
	Tables []Table `json:"tables"`
}

// Table returns the named table, or nil.
func (s Schema) Table(name string) *Table {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i]
		}
	}
	return nil
}

// Permissions scopes what a plan may touch.
type Permissions struct {
	AllowTables []string `json:"allow_tables"`
	DenyTables  []string `json:"deny_tables"`
}

func (p Permissions) allowed(table string) bool {
	if len(p.AllowTables) == 0 {
		return true
	}
	for _, t := range p.AllowTables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

func (p Permissions) denied(table string) bool {
	for _, t := range p.DenyTables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

// ─── Plan ───────────────────────────────────────────────────────────────────

// Violation is one scoring or policy hit against a candidate query.
type Violation struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
	Hard   bool   `json:"hard"` // hard violations are unexecutable at any gate
}

// Risk additions per violation class.
const (
	riskWildcardSensitive = 3
	riskMissingWhere      = 2
	riskCrossJoin         = 2
	riskDenyListed        = 10
)

// Plan is the planner's output, consumed by the connector.
type Plan struct {
	RawQuestion   string      `json:"raw_question"`
	Query         string      `json:"generated_query"`
	Parameters    []any       `json:"parameters"`
	TargetSource  string      `json:"target_source"`
	EstimatedRisk float64     `json:"estimated_risk"`
	Rationale     string      `json:"rationale"`
	Violations    []Violation `json:"violations"`
}

// Executable reports whether the plan may run under the given risk gate.
func (p *Plan) Executable(gate float64) bool {
	for _, v := range p.Violations {
		if v.Hard {
			return false
		}
	}
	return p.EstimatedRisk <= gate
}

// ViolationSummary renders the violations for tool-error transcripts.
func (p *Plan) ViolationSummary() string {
	if len(p.Violations) == 0 {
		return ""
	}
	parts := make([]string, len(p.Violations))
	for i, v := range p.Violations {
		parts[i] = v.Code
	}
	return strings.Join(parts, ", ")
}

// ─── Generator ──────────────────────────────────────────────────────────────

// LLMPlanner produces a query for questions no template recognizes. The
// orchestrator wires the chat provider behind this; tests supply fakes.
type LLMPlanner interface {
	GenerateQuery(ctx context.Context, prompt string) (string, error)
}

// Generator classifies questions into templates and scores the result.
type Generator struct {
	schema Schema
	llm    LLMPlanner // nil disables the free-form fallback
	logger *zap.Logger

	aggregateRe *regexp.Regexp
	lookupRe    *regexp.Regexp
	sortRe      *regexp.Regexp
	filterRe    *regexp.Regexp

	emailRe  *regexp.Regexp
	identRe  *regexp.Regexp
	quotedRe *regexp.Regexp
}

// New builds a generator over a declared schema.
func New(schema Schema, llm LLMPlanner, logger *zap.Logger) *Generator {
	return &Generator{
		schema: schema,
		llm:    llm,
		logger: logger,

		aggregateRe: regexp.MustCompile(`(?i)\b(how many|count|number of|total|sum of|average|avg)\b`),
		lookupRe:    regexp.MustCompile(`(?i)\b(where is|find|get|show|look ?up|status of|details? (?:of|for))\b`),
		sortRe:      regexp.MustCompile(`(?i)\b(sorted by|ordered? by|latest|newest|oldest|most recent)\b`),
		filterRe:    regexp.MustCompile(`(?i)\b(list|show|all)\b`),

		emailRe:  regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		identRe:  regexp.MustCompile(`\b[A-Z]{2,}-?\d+\b|\b\d{3,}\b`),
		quotedRe: regexp.MustCompile(`['"]([^'"]+)['"]`),
	}
}

// Plan builds and scores a query plan for question against target source.
// Unexecutable plans are returned, not errored: the caller reads Violations
// and Executable to decide.
func (g *Generator) Plan(ctx context.Context, question, source string, perms Permissions, gate float64) *Plan {
	plan := &Plan{
		RawQuestion:  question,
		TargetSource: source,
	}

	table := g.matchTable(question)

	switch {
	case table != nil && g.aggregateRe.MatchString(question):
		g.planAggregate(plan, table, question)
	case table != nil && g.lookupRe.MatchString(question) && g.extractKey(question) != "":
		g.planLookup(plan, table, question)
	case table != nil && g.filterRe.MatchString(question):
		g.planFilterSort(plan, table, question)
	default:
		g.planFreeForm(ctx, plan, perms)
	}

	if plan.Query != "" {
		g.scorePlan(plan, perms)
	}

	g.logger.Debug("query plan",
		zap.String("source", source),
		zap.String("query", plan.Query),
		zap.Float64("risk", plan.EstimatedRisk),
		zap.Bool("executable", plan.Executable(gate)),
	)
	return plan
}

// ─── Templates ──────────────────────────────────────────────────────────────

// matchTable finds the schema table the question mentions, tolerating the
// singular form.
func (g *Generator) matchTable(question string) *Table {
	lower := strings.ToLower(question)
	for i := range g.schema.Tables {
		name := strings.ToLower(g.schema.Tables[i].Name)
		if strings.Contains(lower, name) {
			return &g.schema.Tables[i]
		}
		if singular := strings.TrimSuffix(name, "s"); singular != name && containsWord(lower, singular) {
			return &g.schema.Tables[i]
		}
	}
	return nil
}

// extractKey pulls the lookup value out of the question: an email, an
// identifier, or a quoted literal.
func (g *Generator) extractKey(question string) string {
	if m := g.emailRe.FindString(question); m != "" {
		return m
	}
	if m := g.quotedRe.FindStringSubmatch(question); m != nil {
		return m[1]
	}
	if m := g.identRe.FindString(question); m != "" {
		return m
	}
	return ""
}

// keyColumn picks the column the extracted value should bind to.
func (g *Generator) keyColumn(table *Table, value string) string {
	if g.emailRe.MatchString(value) {
		for _, c := range table.Columns {
			if strings.Contains(strings.ToLower(c.Name), "email") {
				return c.Name
			}
		}
	}
	if table.KeyColumn != "" {
		return table.KeyColumn
	}
	return "id"
}

func (g *Generator) planLookup(plan *Plan, table *Table, question string) {
	value := g.extractKey(question)
	col := g.keyColumn(table, value)

	plan.Query = fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		projection(table), table.Name, col)
	plan.Parameters = []any{value}
	plan.Rationale = fmt.Sprintf("template lookup-by-key on %s.%s", table.Name, col)
}

func (g *Generator) planFilterSort(plan *Plan, table *Table, question string) {
	plan.Query = fmt.Sprintf("SELECT %s FROM %s", projection(table), table.Name)
	plan.Rationale = fmt.Sprintf("template filter+sort on %s", table.Name)

	if value := g.extractKey(question); value != "" {
		col := g.keyColumn(table, value)
		plan.Query += fmt.Sprintf(" WHERE %s = ?", col)
		plan.Parameters = []any{value}
	}
	if g.sortRe.MatchString(question) {
		order := "ASC"
		if regexp.MustCompile(`(?i)\b(latest|newest|most recent)\b`).MatchString(question) {
			order = "DESC"
		}
		col := table.KeyColumn
		if col == "" {
			col = "id"
		}
		plan.Query += fmt.Sprintf(" ORDER BY %s %s", col, order)
	}
}

func (g *Generator) planAggregate(plan *Plan, table *Table, question string) {
	plan.Query = fmt.Sprintf("SELECT COUNT(*) AS count FROM %s", table.Name)
	plan.Rationale = fmt.Sprintf("template aggregate on %s", table.Name)

	if value := g.extractKey(question); value != "" {
		col := g.keyColumn(table, value)
		plan.Query += fmt.Sprintf(" WHERE %s = ?", col)
		plan.Parameters = []any{value}
	}
}

// projection enumerates the declared columns, never "*", when the schema
// declares them.
func projection(table *Table) string {
	if len(table.Columns) == 0 {
		return "*"
	}
	return strings.Join(table.ColumnNames(), ", ")
}

// ─── Free-form fallback ─────────────────────────────────────────────────────

const plannerPromptTemplate = `You translate one question into one SQL query.
Rules, all mandatory:
- exactly one SELECT statement, nothing else
- no DDL, no DML, no comments, no semicolons, no UNION
- only these tables: %s
- literal values become ? placeholders
Respond with JSON only: {"query": "...", "parameters": [...]}.
Question: %s`

type generatedQuery struct {
	Query      string `json:"query"`
	Parameters []any  `json:"parameters"`
}

func (g *Generator) planFreeForm(ctx context.Context, plan *Plan, perms Permissions) {
	plan.Rationale = "free-form, LLM generated"
	if g.llm == nil {
		plan.Violations = append(plan.Violations, Violation{
			Code:   "query_plan_unsafe",
			Detail: "no template matched and no planner model is configured",
			Hard:   true,
		})
		return
	}

	allowed := strings.Join(perms.AllowTables, ", ")
	if allowed == "" {
		names := make([]string, len(g.schema.Tables))
		for i, t := range g.schema.Tables {
			names[i] = t.Name
		}
		allowed = strings.Join(names, ", ")
	}

	raw, err := g.llm.GenerateQuery(ctx, fmt.Sprintf(plannerPromptTemplate, allowed, plan.RawQuestion))
	if err != nil {
		plan.Violations = append(plan.Violations, Violation{
			Code:   "query_plan_unsafe",
			Detail: fmt.Sprintf("planner model failed: %v", err),
			Hard:   true,
		})
		return
	}

	query, params, err := parseGenerated(raw)
	if err != nil {
		plan.Violations = append(plan.Violations, Violation{
			Code:   "query_plan_violation",
			Detail: err.Error(),
			Hard:   true,
		})
		return
	}
	plan.Query = query
	plan.Parameters = params
}

// parseGenerated extracts the query from the model response, tolerating code
// fences and bare SQL.
func parseGenerated(raw string) (string, []any, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```sql")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var gq generatedQuery
	if err := json.Unmarshal([]byte(raw), &gq); err == nil && gq.Query != "" {
		return strings.TrimSpace(gq.Query), gq.Parameters, nil
	}
	if strings.HasPrefix(strings.ToUpper(raw), "SELECT") {
		return raw, nil, nil
	}
	return "", nil, fmt.Errorf("planner response is neither JSON nor a SELECT statement")
}

// ─── Structural validation & risk scoring ───────────────────────────────────

var (
	forbiddenRe = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|grant|revoke|exec|attach)\b`)
	tableRefRe  = regexp.MustCompile(`(?i)\b(?:from|join)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	whereRe     = regexp.MustCompile(`(?i)\bwhere\b`)
	joinRe      = regexp.MustCompile(`(?i)\bjoin\b`)
	joinKeyRe   = regexp.MustCompile(`(?i)\b(on|using)\b`)
	commentRe   = regexp.MustCompile(`--|/\*`)
	// wildcard projection, as opposed to COUNT(*)
	wildcardRe = regexp.MustCompile(`(?i)select\s+(?:\w+\.)?\*`)
)

// scorePlan validates the query structurally and accumulates the risk score.
// Policy violations are hard; shape findings only add risk.
func (g *Generator) scorePlan(plan *Plan, perms Permissions) {
	query := plan.Query
	upper := strings.ToUpper(query)

	if !strings.HasPrefix(strings.TrimSpace(upper), "SELECT") || forbiddenRe.MatchString(query) {
		plan.Violations = append(plan.Violations, Violation{
			Code: "query_plan_violation", Detail: "only single SELECT statements are executable", Hard: true,
		})
	}
	if idx := strings.Index(query, ";"); idx >= 0 && idx != len(strings.TrimRight(query, " \n\t"))-1 {
		plan.Violations = append(plan.Violations, Violation{
			Code: "query_plan_violation", Detail: "multi-statement query", Hard: true,
		})
	}
	if commentRe.MatchString(query) {
		plan.Violations = append(plan.Violations, Violation{
			Code: "query_plan_violation", Detail: "comments are not allowed", Hard: true,
		})
	}
	if strings.Contains(upper, "UNION") {
		plan.Violations = append(plan.Violations, Violation{
			Code: "query_plan_violation", Detail: "UNION is not allowed", Hard: true,
		})
	}

	tables := referencedTables(query)
	for _, t := range tables {
		if perms.denied(t) {
			plan.EstimatedRisk += riskDenyListed
			plan.Violations = append(plan.Violations, Violation{
				Code: "deny_listed_table", Detail: t, Hard: true,
			})
			continue
		}
		if !perms.allowed(t) {
			plan.Violations = append(plan.Violations, Violation{
				Code: "table_not_allowed", Detail: t, Hard: true,
			})
		}
	}

	hasWhere := whereRe.MatchString(query)
	var sensitiveTable, largeTable string
	for _, t := range tables {
		st := g.schema.Table(t)
		if st == nil {
			continue
		}
		if sensitiveTable == "" && st.HasSensitive() {
			sensitiveTable = t
		}
		if largeTable == "" && st.Large {
			largeTable = t
		}
	}
	if wildcardRe.MatchString(query) && sensitiveTable != "" {
		plan.EstimatedRisk += riskWildcardSensitive
		plan.Violations = append(plan.Violations, Violation{
			Code: "wildcard_sensitive", Detail: sensitiveTable,
		})
	}
	if !hasWhere && largeTable != "" {
		plan.EstimatedRisk += riskMissingWhere
		plan.Violations = append(plan.Violations, Violation{
			Code: "missing_where", Detail: largeTable,
		})
	}

	if joinRe.MatchString(query) && !joinKeyRe.MatchString(query) {
		plan.EstimatedRisk += riskCrossJoin
		plan.Violations = append(plan.Violations, Violation{
			Code: "cross_join", Detail: "join without ON/USING keys",
		})
	}

	if plan.EstimatedRisk > 10 {
		plan.EstimatedRisk = 10
	}
}

// ReferencedTables lists distinct table names a query touches. The connector
// re-checks deny lists against this at run time.
func ReferencedTables(query string) []string {
	return referencedTables(query)
}

// referencedTables lists distinct table names the query touches.
func referencedTables(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range tableRefRe.FindAllStringSubmatch(query, -1) {
		name := strings.ToLower(m[1])
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func containsWord(s, word string) bool {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`)
	return re.MatchString(s)
}
