package riskagent

// Package riskagent aggregates the detector families into a single risk
// decision. The agent fans detectors out concurrently, joins under
// per-detector deadlines, merges and dedupes findings, scores them, and
// applies the mode's mitigation policy.
//
// The agent never depends on the orchestrator: the processing mode arrives
// as a value in every analyze call.

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/airmslabs/airms-gateway/internal/detectors"
	"github.com/airmslabs/airms-gateway/internal/metrics"
	"github.com/airmslabs/airms-gateway/internal/models"
	"github.com/airmslabs/airms-gateway/internal/vault"
)

// Config is the per-call policy envelope. Zero values are filled from the
// mode defaults by Normalize.
type Config struct {
	Mode models.Mode

	// Confidence floors below which PII / bias findings are discarded.
	PIIConfidenceThreshold  float64
	BiasConfidenceThreshold float64

	// EnableHallucination controls the output-phase grounding check.
	EnableHallucination bool

	// MaxRiskScore is the block gate: at or above it the text is blocked.
	MaxRiskScore float64

	// SanitizeThreshold is the minimum severity that triggers sanitization.
	SanitizeThreshold models.Severity

	// DetectorTimeout bounds each detector's run.
	DetectorTimeout time.Duration

	// TokenTTL is the vault TTL for placeholders minted while sanitizing.
	TokenTTL time.Duration
}

// ConfigForMode returns the default policy for a mode.
func ConfigForMode(mode models.Mode) Config {
	cfg := Config{
		Mode:                mode,
		EnableHallucination: true,
		MaxRiskScore:        8,
		DetectorTimeout:     300 * time.Millisecond,
		TokenTTL:            vault.DefaultTTL,
	}
	switch mode {
	case models.ModeStrict:
		cfg.PIIConfidenceThreshold = 0.6
		cfg.BiasConfidenceThreshold = 0.6
		cfg.SanitizeThreshold = models.SeverityMedium
		cfg.MaxRiskScore = 6
	case models.ModePermissive:
		cfg.PIIConfidenceThreshold = 0.85
		cfg.BiasConfidenceThreshold = 0.85
		cfg.SanitizeThreshold = models.SeverityCritical
		cfg.MaxRiskScore = 9
	default:
		cfg.Mode = models.ModeBalanced
		cfg.PIIConfidenceThreshold = 0.7
		cfg.BiasConfidenceThreshold = 0.7
		cfg.SanitizeThreshold = models.SeverityHigh
	}
	return cfg
}

// Normalize fills zero fields from the mode defaults.
func (c Config) Normalize() Config {
	def := ConfigForMode(c.Mode)
	if c.PIIConfidenceThreshold == 0 {
		c.PIIConfidenceThreshold = def.PIIConfidenceThreshold
	}
	if c.BiasConfidenceThreshold == 0 {
		c.BiasConfidenceThreshold = def.BiasConfidenceThreshold
	}
	if c.MaxRiskScore == 0 {
		c.MaxRiskScore = def.MaxRiskScore
	}
	if c.SanitizeThreshold == "" {
		c.SanitizeThreshold = def.SanitizeThreshold
	}
	if c.DetectorTimeout == 0 {
		c.DetectorTimeout = def.DetectorTimeout
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = def.TokenTTL
	}
	c.Mode = def.Mode
	return c
}

// AnalysisContext carries the optional request-scoped inputs of one analyze
// call.
type AnalysisContext struct {
	RequestID    string
	Grounding    []models.GroundingRecord
	UserQuestion string
}

// Agent is the composable risk classifier. It is immutable after
// construction and safe for concurrent use; tests supply their own.
type Agent struct {
	registry *detectors.Registry
	remapper *vault.Remapper
	logger   *zap.Logger
}

// New builds an agent over a detector registry and a token remapper.
// remapper may be nil; sanitization then always uses the [KIND] fallback.
func New(registry *detectors.Registry, remapper *vault.Remapper, logger *zap.Logger) *Agent {
	return &Agent{registry: registry, remapper: remapper, logger: logger}
}

// Analyze runs the detector fan-out over text and returns the aggregated
// assessment. Detection degrades rather than fails: a detector timeout
// contributes a low-severity finding, never an error.
func (a *Agent) Analyze(ctx context.Context, text string, phase models.Phase, cfg Config, actx *AnalysisContext) *models.RiskAssessment {
	cfg = cfg.Normalize()
	if actx == nil {
		actx = &AnalysisContext{}
	}
	started := time.Now()

	input := detectors.Input{
		Text:         text,
		Phase:        phase,
		Grounding:    actx.Grounding,
		UserQuestion: actx.UserQuestion,
	}

	findings := a.dispatch(ctx, input, cfg)
	findings = dedupeFindings(findings)

	assessment := &models.RiskAssessment{Findings: findings}

	// Hallucination scalar scores, output phase with grounding only.
	if phase == models.PhaseOutput && cfg.EnableHallucination && len(actx.Grounding) > 0 {
		if hd, ok := a.registry.Get("hallucination").(*detectors.HallucinationDetector); ok {
			claims := hd.Verify(text, actx.Grounding)
			assessment.FactualAccuracy, assessment.HallucinationScore = hd.Score(claims)
		}
	}

	assessment.OverallScore = a.score(findings, assessment.HallucinationScore)
	assessment.Level = models.LevelFromScore(assessment.OverallScore)

	a.decide(ctx, text, cfg, actx, assessment)

	assessment.Fingerprint = models.ComputeFingerprint(assessment.Findings, assessment.SanitizedText)

	metrics.RiskAssessments.WithLabelValues(string(phase), string(assessment.Level)).Inc()
	metrics.RiskAnalysisDuration.WithLabelValues(string(phase)).Observe(time.Since(started).Seconds())
	a.logger.Debug("risk analysis complete",
		zap.String("request_id", actx.RequestID),
		zap.String("phase", string(phase)),
		zap.Float64("score", assessment.OverallScore),
		zap.Int("findings", len(assessment.Findings)),
		zap.Any("mitigations", assessment.MitigationsApplied),
	)
	return assessment
}

// dispatch fans the registered detectors out concurrently, each under its own
// deadline, and joins the finding sets.
func (a *Agent) dispatch(ctx context.Context, input detectors.Input, cfg Config) []models.Finding {
	var mu sync.Mutex
	var all []models.Finding

	g, _ := errgroup.WithContext(ctx)
	for _, det := range a.registry.All() {
		if det.ID() == "hallucination" && (input.Phase != models.PhaseOutput || !cfg.EnableHallucination) {
			continue
		}

		det := det
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, cfg.DetectorTimeout)
			defer cancel()

			started := time.Now()
			found, err := det.Scan(dctx, input)
			metrics.DetectorDuration.WithLabelValues(det.ID()).Observe(time.Since(started).Seconds())

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Degradation, not failure: the pipeline continues with a
				// low-severity marker finding.
				metrics.DetectorTimeouts.WithLabelValues(det.ID()).Inc()
				all = append(all, models.Finding{
					Kind:       models.KindOperational,
					Subtype:    "detector_timeout",
					Confidence: 1,
					Severity:   models.SeverityLow,
					DetectorID: det.ID(),
				})
				return nil
			}
			all = append(all, a.filterByConfidence(found, cfg)...)
			return nil
		})
	}
	_ = g.Wait()
	return all
}

// filterByConfidence applies the per-family confidence floors.
func (a *Agent) filterByConfidence(found []models.Finding, cfg Config) []models.Finding {
	out := found[:0:len(found)]
	for _, f := range found {
		switch f.Kind {
		case models.KindPII:
			if f.Confidence < cfg.PIIConfidenceThreshold {
				continue
			}
		case models.KindBias:
			if f.Confidence < cfg.BiasConfidenceThreshold {
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// score computes the weighted maximum plus additive pressure. Adding a
// finding never lowers the result.
func (a *Agent) score(findings []models.Finding, hallucinationScore float64) float64 {
	maxComponent := 0.0
	extras := 0.0

	for _, f := range findings {
		var w float64
		if f.Kind == models.KindHallucination {
			w = hallucinationScore
			if w == 0 {
				if det := a.registry.Get("hallucination"); det != nil {
					w = det.Weight(f.Severity)
				}
			}
		} else if det := a.registry.Get(string(f.Kind)); det != nil {
			w = det.Weight(f.Severity)
		} else {
			w = 1 // operational findings nudge the score only via pressure
		}
		if w > maxComponent {
			maxComponent = w
		}
	}

	// +0.5 per additional ≥medium finding, capped at +2.0.
	countMedium := 0
	for _, f := range findings {
		if models.SeverityRank(f.Severity) >= models.SeverityRank(models.SeverityMedium) {
			countMedium++
		}
	}
	if countMedium > 1 {
		extras = 0.5 * float64(countMedium-1)
		if extras > 2.0 {
			extras = 2.0
		}
	}

	score := maxComponent + extras
	if score > 10 {
		score = 10
	}
	return score
}

// decide applies the mode policy: block, sanitize, or allow.
func (a *Agent) decide(ctx context.Context, text string, cfg Config, actx *AnalysisContext, as *models.RiskAssessment) {
	// Critical adversarial findings force a block regardless of score.
	for _, f := range as.Findings {
		if f.Kind == models.KindAdversarial && f.Severity == models.SeverityCritical {
			as.MitigationsApplied = append(as.MitigationsApplied, models.MitigationBlock)
			metrics.MitigationsApplied.WithLabelValues(string(models.MitigationBlock)).Inc()
			return
		}
	}

	if as.OverallScore >= cfg.MaxRiskScore {
		as.MitigationsApplied = append(as.MitigationsApplied, models.MitigationBlock)
		metrics.MitigationsApplied.WithLabelValues(string(models.MitigationBlock)).Inc()
		return
	}

	needSanitize := false
	for _, f := range as.Findings {
		if models.SeverityRank(f.Severity) >= models.SeverityRank(cfg.SanitizeThreshold) {
			needSanitize = true
			break
		}
	}
	if !needSanitize {
		as.MitigationsApplied = append(as.MitigationsApplied, models.MitigationAllow)
		metrics.MitigationsApplied.WithLabelValues(string(models.MitigationAllow)).Inc()
		return
	}

	sanitized, escalated := a.sanitize(ctx, text, cfg, actx, as.Findings)
	as.SanitizedText = sanitized
	as.MitigationsApplied = append(as.MitigationsApplied, models.MitigationSanitize)
	metrics.MitigationsApplied.WithLabelValues(string(models.MitigationSanitize)).Inc()
	if escalated {
		as.MitigationsApplied = append(as.MitigationsApplied, models.MitigationEscalate)
		metrics.MitigationsApplied.WithLabelValues(string(models.MitigationEscalate)).Inc()
	}
}

// replacement is one span substitution scheduled against the original text.
type replacement struct {
	span models.Span
	kind string
	text string
}

// sanitize substitutes every replaceable finding at or above the sanitize
// threshold. PII spans are replaced with vault placeholders; overlapping
// spans from different detectors merge into one replacement using the union
// span and the higher severity's kind. Bias and adversarial findings are
// advisory and never rewrite text.
//
// escalated reports whether the vault failed and the [KIND] fallback was
// used.
func (a *Agent) sanitize(ctx context.Context, text string, cfg Config, actx *AnalysisContext, findings []models.Finding) (string, bool) {
	var targets []models.Finding
	for _, f := range findings {
		if f.Kind != models.KindPII {
			continue
		}
		if models.SeverityRank(f.Severity) < models.SeverityRank(cfg.SanitizeThreshold) {
			continue
		}
		targets = append(targets, f)
	}
	if len(targets) == 0 {
		return text, false
	}

	merged := mergeOverlapping(targets)

	escalated := false
	repls := make([]replacement, 0, len(merged))
	for _, f := range merged {
		kind := strings.ToUpper(f.Subtype)
		repl := ""
		if a.remapper != nil {
			token, err := a.remapper.Mint(ctx, f.OriginalValue, f.Subtype, cfg.TokenTTL, actx.RequestID)
			if err == nil {
				repl = token
			} else {
				a.logger.Warn("vault mint failed, using plain redaction",
					zap.String("kind", kind), zap.Error(err))
			}
		}
		if repl == "" {
			repl = fmt.Sprintf("[%s]", kind)
			escalated = true
		}
		repls = append(repls, replacement{span: f.Span, kind: kind, text: repl})
	}

	return applyReplacements(text, repls), escalated
}

// mergeOverlapping collapses overlapping findings into union spans, keeping
// the higher severity's kind for naming.
func mergeOverlapping(findings []models.Finding) []models.Finding {
	sort.Slice(findings, func(i, j int) bool {
		return findings[i].Span.Start < findings[j].Span.Start
	})
	var out []models.Finding
	for _, f := range findings {
		if len(out) > 0 && out[len(out)-1].Span.Overlaps(f.Span) {
			prev := &out[len(out)-1]
			prev.Span = prev.Span.Union(f.Span)
			if models.SeverityRank(f.Severity) > models.SeverityRank(prev.Severity) {
				prev.Subtype = f.Subtype
				prev.Severity = f.Severity
			}
			continue
		}
		out = append(out, f)
	}
	return out
}

// applyReplacements substitutes spans in reverse order so earlier offsets
// stay valid. Spans are code-point offsets.
func applyReplacements(text string, repls []replacement) string {
	sort.Slice(repls, func(i, j int) bool {
		return repls[i].span.Start > repls[j].span.Start
	})
	runes := []rune(text)
	for _, r := range repls {
		start, end := r.span.Start, r.span.End
		if start < 0 || end > len(runes) || start >= end {
			continue
		}
		var b []rune
		b = append(b, runes[:start]...)
		b = append(b, []rune(r.text)...)
		b = append(b, runes[end:]...)
		runes = b
	}
	return string(runes)
}

// dedupeFindings drops findings sharing (kind, subtype, span).
func dedupeFindings(findings []models.Finding) []models.Finding {
	seen := make(map[string]bool, len(findings))
	out := findings[:0:len(findings)]
	for _, f := range findings {
		if seen[f.Key()] {
			continue
		}
		seen[f.Key()] = true
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Span.Start != out[j].Span.Start {
			return out[i].Span.Start < out[j].Span.Start
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}
