package orchestrator

// Package orchestrator threads one chat request through the risk pipeline:
// input scan → LLM → bounded tool-call loop through the planner and
// connector → output scan → report. Every terminal path emits a risk report
// to the audit sink; callers never see unscanned model text.

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/airmslabs/airms-gateway/internal/connector"
	"github.com/airmslabs/airms-gateway/internal/llm"
	"github.com/airmslabs/airms-gateway/internal/metrics"
	"github.com/airmslabs/airms-gateway/internal/models"
	"github.com/airmslabs/airms-gateway/internal/queryplan"
	"github.com/airmslabs/airms-gateway/internal/riskagent"
)

// Pipeline state, recorded on the context for logging and tests.
type state string

// Pipeline states.
const (
	stateInit       state = "INIT"
	stateInputScan  state = "INPUT_SCAN"
	stateLLMCall    state = "LLM_CALL"
	stateQueryPlan  state = "QUERY_PLAN"
	stateQueryRun   state = "QUERY_RUN"
	stateOutputScan state = "OUTPUT_SCAN"
	stateReport     state = "REPORT"
	stateDone       state = "DONE"
)

// Defaults for the per-request envelope.
const (
	DefaultBudget        = 30 * time.Second
	DefaultMaxIterations = 4
)

// Canned responses. These are the only texts a caller sees on a terminal
// policy decision; they never embed user text or data cells.
const (
	RefusalBlockedInput  = "I can't help with that request. It was flagged by our safety policy before processing."
	RefusalBlockedOutput = "I generated a response, but it did not pass our safety checks, so I can't share it."
	RefusalFailure       = "Something went wrong while processing your request. Please try again."
)

// Status classifies the terminal outcome of one request.
type Status string

// Terminal statuses.
const (
	StatusAllowed       Status = "allowed"
	StatusSanitized     Status = "sanitized"
	StatusBlockedInput  Status = "blocked_input"
	StatusBlockedOutput Status = "blocked_output"
	StatusEscalated     Status = "escalated"
)

// Options is the request-scoped policy envelope.
type Options struct {
	Model               string
	Mode                models.Mode
	EnableRiskDetection bool
	MaxRiskScore        float64
	SanitizeInput       bool
	SanitizeOutput      bool
	EnableDataAccess    bool
	DataSourceName      string
	DataQuery           string
	Budget              time.Duration
	MaxIterations       int
}

// DefaultOptions returns the balanced-mode defaults.
func DefaultOptions() Options {
	return Options{
		Mode:                models.ModeBalanced,
		EnableRiskDetection: true,
		SanitizeInput:       true,
		SanitizeOutput:      true,
		Budget:              DefaultBudget,
		MaxIterations:       DefaultMaxIterations,
	}
}

func (o Options) normalize() Options {
	o.Mode = models.ParseMode(string(o.Mode))
	if o.Budget <= 0 {
		o.Budget = DefaultBudget
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	return o
}

// Result is what the HTTP layer renders back to the caller.
type Result struct {
	RequestID        string
	Answer           string
	Status           Status
	InputAssessment  *models.RiskAssessment
	OutputAssessment *models.RiskAssessment
	Report           *models.RiskReport
}

// pipelineContext is the per-request envelope threaded through the states.
type pipelineContext struct {
	requestID string
	opts      Options
	rcfg      riskagent.Config
	state     state
	started   time.Time

	messages    []llm.Message
	iteration   int
	toolTrace   []models.ToolTraceEntry
	grounding   []models.GroundingRecord
	dataResults []*connector.QueryResult

	inputAssessment  *models.RiskAssessment
	outputAssessment *models.RiskAssessment
	escalations      []models.Finding
	finalAnswer      string
}

// ReportSink receives the risk report at DONE. The audit package implements
// it; the websocket stream fans it out.
type ReportSink interface {
	EmitReport(report *models.RiskReport)
}

type multiSink []ReportSink

func (m multiSink) EmitReport(report *models.RiskReport) {
	for _, s := range m {
		if s != nil {
			s.EmitReport(report)
		}
	}
}

// Sinks combines several report sinks into one. Nil entries are skipped.
func Sinks(sinks ...ReportSink) ReportSink {
	return multiSink(sinks)
}

// Orchestrator runs the pipeline. Immutable after construction, safe for
// concurrent requests.
type Orchestrator struct {
	agent     *riskagent.Agent
	provider  llm.Provider
	planner   *queryplan.Generator
	connector *connector.Connector
	sink      ReportSink
	logger    *zap.Logger
}

// New wires the pipeline. sink may be nil; planner and connector may be nil
// when data access is disabled for every request.
func New(agent *riskagent.Agent, provider llm.Provider, planner *queryplan.Generator, conn *connector.Connector, sink ReportSink, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		agent:     agent,
		provider:  provider,
		planner:   planner,
		connector: conn,
		sink:      sink,
		logger:    logger,
	}
}

// Process runs one chat request end to end.
func (o *Orchestrator) Process(ctx context.Context, messages []llm.Message, opts Options) (*Result, error) {
	opts = opts.normalize()

	pc := &pipelineContext{
		requestID: uuid.NewString(),
		opts:      opts,
		rcfg:      riskagent.ConfigForMode(opts.Mode),
		state:     stateInit,
		started:   time.Now(),
		messages:  append([]llm.Message(nil), messages...),
	}
	if opts.MaxRiskScore > 0 {
		pc.rcfg.MaxRiskScore = opts.MaxRiskScore
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Budget)
	defer cancel()

	res := o.run(ctx, pc)
	res.Report = o.report(pc, res.Status)
	o.emit(pc, res)
	return res, nil
}

// run drives the state machine to a terminal status.
func (o *Orchestrator) run(ctx context.Context, pc *pipelineContext) *Result {
	res := &Result{RequestID: pc.requestID}

	// ─── INPUT_SCAN ─────────────────────────────────────────────────────
	pc.state = stateInputScan
	userText := lastUserMessage(pc.messages)

	if pc.opts.EnableRiskDetection && userText != "" {
		pc.inputAssessment = o.agent.Analyze(ctx, userText, models.PhaseInput, pc.rcfg,
			&riskagent.AnalysisContext{RequestID: pc.requestID})
		res.InputAssessment = pc.inputAssessment

		if pc.inputAssessment.Blocked() {
			res.Status = StatusBlockedInput
			res.Answer = RefusalBlockedInput
			return res
		}
		if pc.opts.SanitizeInput && pc.inputAssessment.SanitizedText != "" {
			replaceLastUserMessage(pc.messages, pc.inputAssessment.SanitizedText)
		}
	}

	// ─── LLM loop ───────────────────────────────────────────────────────
	for {
		if err := ctx.Err(); err != nil {
			return o.deadlineExceeded(pc, res)
		}

		pc.state = stateLLMCall
		enableTools := pc.opts.EnableDataAccess && pc.iteration < pc.opts.MaxIterations
		comp, err := o.provider.Complete(ctx, llm.Request{
			Model:       pc.opts.Model,
			Messages:    pc.messages,
			EnableTools: enableTools,
		})
		if ctx.Err() != nil {
			// Budget expired mid-call; discard whatever came back.
			return o.deadlineExceeded(pc, res)
		}
		if err != nil {
			o.logger.Error("llm call failed", zap.String("request_id", pc.requestID), zap.Error(err))
			pc.escalations = append(pc.escalations, models.Finding{
				Kind: models.KindOperational, Subtype: "llm_failure",
				Severity: models.SeverityMedium, Confidence: 1, DetectorID: "orchestrator",
			})
			res.Status = StatusEscalated
			res.Answer = RefusalFailure
			return res
		}

		if comp.ToolCall == nil {
			return o.outputScan(ctx, pc, res, comp.Text)
		}
		if pc.iteration >= pc.opts.MaxIterations {
			// Tools were withheld on the final call; a tool call here breaks
			// the provider contract. Take whatever text came with it.
			return o.outputScan(ctx, pc, res, comp.Text)
		}

		pc.iteration++
		o.handleToolCall(ctx, pc, comp.ToolCall)

		if pc.iteration == pc.opts.MaxIterations {
			// One final call, tools withheld, answer taken as-is.
			pc.escalations = append(pc.escalations, models.Finding{
				Kind: models.KindOperational, Subtype: "tool_budget_exhausted",
				Severity: models.SeverityLow, Confidence: 1, DetectorID: "orchestrator",
			})
			pc.messages = append(pc.messages, llm.Message{
				Role:    llm.RoleSystem,
				Content: "The data tool budget for this request is exhausted. Answer now with the information you already have.",
			})
		}
	}
}

// handleToolCall runs QUERY_PLAN and QUERY_RUN for one tool call and appends
// the tool result to the transcript.
func (o *Orchestrator) handleToolCall(ctx context.Context, pc *pipelineContext, call *llm.ToolCall) {
	sourceName := call.Arguments.Source
	if sourceName == "" {
		sourceName = pc.opts.DataSourceName
	}

	entry := models.ToolTraceEntry{Iteration: pc.iteration, Source: sourceName}

	if o.planner == nil || o.connector == nil || !pc.opts.EnableDataAccess {
		entry.Error = "data access is disabled"
		pc.toolTrace = append(pc.toolTrace, entry)
		o.appendToolResult(pc, call, "query refused: data access is disabled")
		return
	}

	srcCfg, ok := o.connector.Source(sourceName)
	if !ok {
		entry.Error = "unknown source"
		pc.toolTrace = append(pc.toolTrace, entry)
		o.appendToolResult(pc, call, fmt.Sprintf("query refused: source %q is not registered", sourceName))
		return
	}
	perms := queryplan.Permissions{AllowTables: srcCfg.AllowTables, DenyTables: srcCfg.DenyTables}

	pc.state = stateQueryPlan
	plan := o.planner.Plan(ctx, call.Arguments.Question, sourceName, perms, pc.rcfg.MaxRiskScore)
	entry.PlanSummary = planSummary(plan)

	if !plan.Executable(pc.rcfg.MaxRiskScore) {
		entry.Error = "plan rejected: " + plan.ViolationSummary()
		pc.toolTrace = append(pc.toolTrace, entry)
		o.appendToolResult(pc, call, fmt.Sprintf("query refused: %s", plan.ViolationSummary()))
		return
	}

	pc.state = stateQueryRun
	result, err := o.connector.Run(ctx, plan, pc.rcfg, pc.rcfg.MaxRiskScore)
	entry.ElapsedMS = result.ElapsedMS
	entry.Rows = result.RowCount
	if result.ResultAssessment != nil {
		entry.ResultLevel = result.ResultAssessment.Level
	}
	if err != nil {
		entry.Error = err.Error()
	}
	pc.toolTrace = append(pc.toolTrace, entry)
	pc.dataResults = append(pc.dataResults, result)
	pc.escalations = append(pc.escalations, result.Findings...)
	pc.grounding = append(pc.grounding, result.Grounding()...)

	o.appendToolResult(pc, call, renderToolResult(result))
}

// outputScan runs OUTPUT_SCAN over the model's final text.
func (o *Orchestrator) outputScan(ctx context.Context, pc *pipelineContext, res *Result, text string) *Result {
	pc.state = stateOutputScan

	if !pc.opts.EnableRiskDetection {
		res.Status = StatusAllowed
		res.Answer = text
		return res
	}

	pc.outputAssessment = o.agent.Analyze(ctx, text, models.PhaseOutput, pc.rcfg,
		&riskagent.AnalysisContext{
			RequestID:    pc.requestID,
			Grounding:    pc.grounding,
			UserQuestion: lastUserMessage(pc.messages),
		})
	res.OutputAssessment = pc.outputAssessment

	if pc.outputAssessment.Blocked() {
		pc.escalations = append(pc.escalations, models.Finding{
			Kind: models.KindOperational, Subtype: "blocked_output",
			Severity: models.SeverityHigh, Confidence: 1, DetectorID: "orchestrator",
		})
		res.Status = StatusBlockedOutput
		res.Answer = RefusalBlockedOutput
		return res
	}

	res.Answer = text
	res.Status = StatusAllowed
	if pc.opts.SanitizeOutput && pc.outputAssessment.SanitizedText != "" {
		res.Answer = pc.outputAssessment.SanitizedText
		res.Status = StatusSanitized
	}
	if pc.inputAssessment != nil && pc.inputAssessment.HasMitigation(models.MitigationSanitize) {
		res.Status = StatusSanitized
	}
	return res
}

// deadlineExceeded terminates the request with a partial report.
func (o *Orchestrator) deadlineExceeded(pc *pipelineContext, res *Result) *Result {
	pc.escalations = append(pc.escalations, models.Finding{
		Kind: models.KindOperational, Subtype: "deadline_exceeded",
		Severity: models.SeverityMedium, Confidence: 1, DetectorID: "orchestrator",
	})
	res.Status = StatusEscalated
	res.Answer = RefusalFailure
	return res
}

// report assembles the final risk report from whatever stages completed.
func (o *Orchestrator) report(pc *pipelineContext, status Status) *models.RiskReport {
	pc.state = stateReport

	overall := 0.0
	if pc.inputAssessment != nil && pc.inputAssessment.OverallScore > overall {
		overall = pc.inputAssessment.OverallScore
	}
	if pc.outputAssessment != nil && pc.outputAssessment.OverallScore > overall {
		overall = pc.outputAssessment.OverallScore
	}
	for _, dr := range pc.dataResults {
		if dr.ResultAssessment != nil && dr.ResultAssessment.OverallScore > overall {
			overall = dr.ResultAssessment.OverallScore
		}
	}

	report := &models.RiskReport{
		RequestID:        pc.requestID,
		Timestamp:        time.Now().UTC(),
		Mode:             pc.opts.Mode,
		Model:            pc.opts.Model,
		Action:           action(status),
		OverallScore:     overall,
		Level:            models.LevelFromScore(overall),
		InputAssessment:  pc.inputAssessment,
		OutputAssessment: pc.outputAssessment,
		ToolTrace:        pc.toolTrace,
		Escalations:      pc.escalations,
		ElapsedMS:        time.Since(pc.started).Milliseconds(),
	}
	pc.state = stateDone
	return report
}

// emit publishes the report and request metrics.
func (o *Orchestrator) emit(pc *pipelineContext, res *Result) {
	metrics.RequestsTotal.WithLabelValues(string(pc.opts.Mode), res.Report.Action).Inc()
	metrics.RequestDuration.WithLabelValues(string(pc.opts.Mode)).Observe(time.Since(pc.started).Seconds())
	metrics.PipelineIterations.Observe(float64(pc.iteration))

	if o.sink != nil {
		o.sink.EmitReport(res.Report)
	}
	o.logger.Info("request complete",
		zap.String("request_id", pc.requestID),
		zap.String("status", string(res.Status)),
		zap.Float64("overall_score", res.Report.OverallScore),
		zap.Int("iterations", pc.iteration),
	)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// appendToolResult appends the assistant tool call and its tool response to
// the transcript the next LLM call sees.
func (o *Orchestrator) appendToolResult(pc *pipelineContext, call *llm.ToolCall, content string) {
	pc.messages = append(pc.messages,
		llm.Message{
			Role:    llm.RoleAssistant,
			Content: fmt.Sprintf("[tool call %s: %s @ %s]", call.ID, call.Arguments.Question, call.Arguments.Source),
		},
		llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: call.ID,
			Content:    content,
		},
	)
}

// renderToolResult serializes the released rows for the model. Cells are
// already sanitized by the connector.
func renderToolResult(r *connector.QueryResult) string {
	if r.Refusal != "" || !r.IsSafe {
		return r.Explain()
	}
	if r.RowCount == 0 {
		return "no rows matched"
	}

	out := ""
	for i, row := range r.Rows {
		if i > 0 {
			out += "\n"
		}
		for j, col := range r.Columns {
			if j > 0 {
				out += "; "
			}
			val := ""
			if j < len(row) {
				val = row[j]
			}
			out += col + "=" + val
		}
	}
	if r.Truncated {
		out += "\n(truncated)"
	}
	return out
}

func planSummary(p *queryplan.Plan) string {
	if p.Query == "" {
		return p.Rationale
	}
	return fmt.Sprintf("%s (%s)", p.Query, p.Rationale)
}

func action(status Status) string {
	switch status {
	case StatusBlockedInput, StatusBlockedOutput:
		return "blocked"
	case StatusSanitized:
		return "sanitized"
	case StatusEscalated:
		return "escalated"
	default:
		return "allowed"
	}
}

func lastUserMessage(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func replaceLastUserMessage(messages []llm.Message, content string) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			messages[i].Content = content
			return
		}
	}
}
