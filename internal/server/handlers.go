package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/airmslabs/airms-gateway/internal/audit"
	"github.com/airmslabs/airms-gateway/internal/connector"
	"github.com/airmslabs/airms-gateway/internal/db"
	"github.com/airmslabs/airms-gateway/internal/llm"
	"github.com/airmslabs/airms-gateway/internal/models"
	"github.com/airmslabs/airms-gateway/internal/orchestrator"
	"github.com/airmslabs/airms-gateway/internal/riskagent"
)

// errorResponse is the uniform error body for API endpoints.
type errorResponse struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg, Timestamp: time.Now().UTC()})
}

// ─── Chat completions ───────────────────────────────────────────────────────

// ChatMessage is one transcript entry in a chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionsRequest is the policy-enforced chat request. Per-request
// fields override the configured defaults; omitted fields keep them.
type ChatCompletionsRequest struct {
	Messages         []ChatMessage `json:"messages"`
	Model            string        `json:"model,omitempty"`
	Mode             string        `json:"mode,omitempty"`
	MaxRiskScore     float64       `json:"max_risk_score,omitempty"`
	DataSource       string        `json:"data_source,omitempty"`
	EnableDataAccess *bool         `json:"enable_data_access,omitempty"`
	SanitizeInput    *bool         `json:"sanitize_input,omitempty"`
	SanitizeOutput   *bool         `json:"sanitize_output,omitempty"`
}

// RiskMetadata is the per-request risk summary returned with every answer.
type RiskMetadata struct {
	OverallScore     float64                 `json:"overall_score"`
	Level            models.RiskLevel        `json:"level"`
	Action           string                  `json:"action"`
	InputAssessment  *models.RiskAssessment  `json:"input_assessment,omitempty"`
	OutputAssessment *models.RiskAssessment  `json:"output_assessment,omitempty"`
	ToolTrace        []models.ToolTraceEntry `json:"tool_trace,omitempty"`
	Escalations      []models.Finding        `json:"escalations,omitempty"`
	ElapsedMS        int64                   `json:"elapsed_ms"`
}

// ChatCompletionsResponse is the chat endpoint response. On blocked requests
// Answer carries the canned refusal, never model or user text.
type ChatCompletionsResponse struct {
	RequestID    string       `json:"request_id"`
	Answer       string       `json:"answer"`
	Status       string       `json:"status"`
	RiskMetadata RiskMetadata `json:"risk_metadata"`
	Timestamp    time.Time    `json:"timestamp"`
}

// handleChatCompletions runs one chat request through the risk pipeline.
// Blocked input answers 400, blocked output 422; both still carry the full
// risk metadata so callers can render the decision.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.orchestrator == nil || !s.config.LLM.Configured {
		writeError(w, http.StatusServiceUnavailable, "no LLM provider is configured")
		return
	}

	var req ChatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	messages, err := toLLMMessages(req.Messages)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := s.optionsFor(req)
	result, err := s.orchestrator.Process(r.Context(), messages, opts)
	if err != nil {
		s.logger.Error("pipeline failure", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "request processing failed")
		return
	}

	code := http.StatusOK
	switch result.Status {
	case orchestrator.StatusBlockedInput:
		code = http.StatusBadRequest
	case orchestrator.StatusBlockedOutput:
		code = http.StatusUnprocessableEntity
	}

	writeJSON(w, code, ChatCompletionsResponse{
		RequestID:    result.RequestID,
		Answer:       result.Answer,
		Status:       string(result.Status),
		RiskMetadata: metadataFor(result),
		Timestamp:    time.Now().UTC(),
	})
}

// optionsFor merges the configured defaults with per-request overrides.
func (s *Server) optionsFor(req ChatCompletionsRequest) orchestrator.Options {
	rc := s.config.Risk

	opts := orchestrator.Options{
		Model:               req.Model,
		Mode:                models.ParseMode(rc.DefaultMode),
		EnableRiskDetection: true,
		MaxRiskScore:        rc.MaxRiskScore,
		SanitizeInput:       rc.SanitizeInput,
		SanitizeOutput:      rc.SanitizeOutput,
		EnableDataAccess:    rc.EnableDataAccess,
		DataSourceName:      req.DataSource,
		Budget:              time.Duration(rc.RequestBudgetSeconds) * time.Second,
		MaxIterations:       rc.MaxIterations,
	}
	if req.Mode != "" {
		opts.Mode = models.ParseMode(req.Mode)
	}
	if req.MaxRiskScore > 0 {
		opts.MaxRiskScore = req.MaxRiskScore
	}
	if req.EnableDataAccess != nil {
		opts.EnableDataAccess = *req.EnableDataAccess && rc.EnableDataAccess
	}
	if req.SanitizeInput != nil {
		opts.SanitizeInput = *req.SanitizeInput
	}
	if req.SanitizeOutput != nil {
		opts.SanitizeOutput = *req.SanitizeOutput
	}
	return opts
}

func toLLMMessages(in []ChatMessage) ([]llm.Message, error) {
	if len(in) == 0 {
		return nil, &ValidationError{"messages", "at least one message is required"}
	}
	out := make([]llm.Message, 0, len(in))
	hasUser := false
	for i, m := range in {
		switch m.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		default:
			return nil, &ValidationError{
				"messages", "message " + strconv.Itoa(i) + " has invalid role " + strconv.Quote(m.Role),
			}
		}
		if m.Role == llm.RoleUser {
			hasUser = true
			if strings.TrimSpace(m.Content) == "" {
				return nil, &ValidationError{"messages", "user message content cannot be empty"}
			}
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	if !hasUser {
		return nil, &ValidationError{"messages", "at least one user message is required"}
	}
	return out, nil
}

func metadataFor(result *orchestrator.Result) RiskMetadata {
	md := RiskMetadata{
		InputAssessment:  result.InputAssessment,
		OutputAssessment: result.OutputAssessment,
	}
	if rep := result.Report; rep != nil {
		md.OverallScore = rep.OverallScore
		md.Level = rep.Level
		md.Action = rep.Action
		md.ToolTrace = rep.ToolTrace
		md.Escalations = rep.Escalations
		md.ElapsedMS = rep.ElapsedMS
	}
	return md
}

// ValidationError is a request validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ─── Risk analyze ───────────────────────────────────────────────────────────

// RiskAnalyzeRequest is a direct risk analysis of one text, outside the chat
// pipeline. Grounding records enable hallucination checks on output-phase
// scans.
type RiskAnalyzeRequest struct {
	Text         string                   `json:"text"`
	Phase        string                   `json:"phase,omitempty"` // input | output | data
	Mode         string                   `json:"mode,omitempty"`
	MaxRiskScore float64                  `json:"max_risk_score,omitempty"`
	Grounding    []models.GroundingRecord `json:"grounding,omitempty"`
	UserQuestion string                   `json:"user_question,omitempty"`
}

// RiskAnalyzeResponse carries the assessment for one analyzed text.
type RiskAnalyzeResponse struct {
	RequestID  string                 `json:"request_id"`
	Phase      models.Phase           `json:"phase"`
	Mode       models.Mode            `json:"mode"`
	Assessment *models.RiskAssessment `json:"assessment"`
	Timestamp  time.Time              `json:"timestamp"`
}

func (s *Server) handleRiskAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RiskAnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	phase := models.PhaseInput
	switch req.Phase {
	case "", string(models.PhaseInput):
	case string(models.PhaseOutput):
		phase = models.PhaseOutput
	case string(models.PhaseData):
		phase = models.PhaseData
	default:
		writeError(w, http.StatusBadRequest, "phase must be one of: input, output, data")
		return
	}

	mode := models.ParseMode(req.Mode)
	rcfg := riskagent.ConfigForMode(mode)
	if req.MaxRiskScore > 0 {
		rcfg.MaxRiskScore = req.MaxRiskScore
	}

	requestID := uuid.NewString()
	assessment := s.agent.Analyze(r.Context(), req.Text, phase, rcfg, &riskagent.AnalysisContext{
		RequestID:    requestID,
		Grounding:    req.Grounding,
		UserQuestion: req.UserQuestion,
	})

	writeJSON(w, http.StatusOK, RiskAnalyzeResponse{
		RequestID:  requestID,
		Phase:      phase,
		Mode:       mode,
		Assessment: assessment,
		Timestamp:  time.Now().UTC(),
	})
}

// ─── Data sources ───────────────────────────────────────────────────────────

// SourcesResponse lists the registered data sources. Configs reference
// credentials by handle only; there is no secret material to leak.
type SourcesResponse struct {
	Sources   []connector.DataSourceConfig `json:"sources"`
	Count     int                          `json:"count"`
	Timestamp time.Time                    `json:"timestamp"`
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if s.connector == nil {
		writeError(w, http.StatusServiceUnavailable, "data access is disabled")
		return
	}

	switch r.Method {
	case http.MethodGet:
		sources := s.connector.Sources()
		writeJSON(w, http.StatusOK, SourcesResponse{
			Sources:   sources,
			Count:     len(sources),
			Timestamp: time.Now().UTC(),
		})

	case http.MethodPost:
		var cfg connector.DataSourceConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.connector.Register(cfg); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if s.audit != nil {
			s.audit.Log(r.Context(), audit.NewEvent(audit.EventSourceRegistered).
				WithResource(cfg.Name).
				WithDescription("data source registered via API").
				WithMetadata("kind", string(cfg.Kind)))
		}
		s.logger.Info("data source registered",
			zap.String("name", cfg.Name), zap.String("kind", string(cfg.Kind)))
		writeJSON(w, http.StatusCreated, cfg)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// ─── Risk reports ───────────────────────────────────────────────────────────

// ReportsResponse is a page of persisted risk reports, newest first.
type ReportsResponse struct {
	Reports   []*models.RiskReport `json:"reports"`
	Count     int                  `json:"count"`
	Timestamp time.Time            `json:"timestamp"`
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "report store is unavailable")
		return
	}

	q, err := reportQueryFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reports, err := s.store.QueryReports(r.Context(), q)
	if err != nil {
		s.logger.Error("report query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report query failed")
		return
	}

	writeJSON(w, http.StatusOK, ReportsResponse{
		Reports:   reports,
		Count:     len(reports),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleReportGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "report store is unavailable")
		return
	}

	requestID := strings.TrimPrefix(r.URL.Path, "/api/v1/reports/")
	if requestID == "" || strings.Contains(requestID, "/") {
		writeError(w, http.StatusBadRequest, "request id is required")
		return
	}

	report, err := s.store.GetReport(r.Context(), requestID)
	if err != nil {
		s.logger.Error("report lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report lookup failed")
		return
	}
	if report == nil {
		writeError(w, http.StatusNotFound, "no report for request "+strconv.Quote(requestID))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ─── Usage and analytics ────────────────────────────────────────────────────

// handleUsage reports aggregate LLM token consumption and estimated spend.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.usage == nil {
		writeError(w, http.StatusServiceUnavailable, "usage tracking is disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.usage.Totals())
}

// handleAnalyticsSummary reports aggregate risk statistics over a time
// window. Default window is 24h.
func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.analytics == nil {
		writeError(w, http.StatusServiceUnavailable, "analytics is unavailable")
		return
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration, like 1h or 30m")
			return
		}
		window = d
	}

	summary, err := s.analytics.Summary(r.Context(), window)
	if err != nil {
		s.logger.Error("analytics summary failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "analytics summary failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func reportQueryFrom(r *http.Request) (db.ReportQuery, error) {
	q := db.ReportQuery{
		Action: r.URL.Query().Get("action"),
		Level:  r.URL.Query().Get("level"),
	}

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, &ValidationError{"from", "must be RFC3339"}
		}
		q.From = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, &ValidationError{"to", "must be RFC3339"}
		}
		q.To = t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return q, &ValidationError{"limit", "must be a positive integer"}
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, &ValidationError{"offset", "must be a non-negative integer"}
		}
		q.Offset = n
	}
	return q, nil
}
