package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Severity classifies how serious a single finding is.
type Severity string

// Severity levels, lowest to highest.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank returns a comparable ordering for severities (unknown = 0).
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// RiskLevel buckets an overall 0–10 score for reporting.
type RiskLevel string

// Risk levels derived from the overall score by fixed thresholds (2, 4, 6, 8).
const (
	LevelSafe     RiskLevel = "safe"
	LevelLow      RiskLevel = "low"
	LevelMedium   RiskLevel = "medium"
	LevelHigh     RiskLevel = "high"
	LevelCritical RiskLevel = "critical"
)

// LevelFromScore maps an overall score to its risk level.
func LevelFromScore(score float64) RiskLevel {
	switch {
	case score >= 8:
		return LevelCritical
	case score >= 6:
		return LevelHigh
	case score >= 4:
		return LevelMedium
	case score >= 2:
		return LevelLow
	default:
		return LevelSafe
	}
}

// LevelRank returns a comparable ordering for risk levels.
func LevelRank(l RiskLevel) int {
	switch l {
	case LevelCritical:
		return 4
	case LevelHigh:
		return 3
	case LevelMedium:
		return 2
	case LevelLow:
		return 1
	default:
		return 0
	}
}

// Mode is the request-scoped severity posture.
type Mode string

// Processing modes. Strict lowers thresholds, permissive raises them.
const (
	ModeStrict     Mode = "strict"
	ModeBalanced   Mode = "balanced"
	ModePermissive Mode = "permissive"
)

// ParseMode normalizes a mode string, defaulting to balanced.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeStrict, ModeBalanced, ModePermissive:
		return Mode(s)
	default:
		return ModeBalanced
	}
}

// Mitigation is an action derived from an assessment.
type Mitigation string

// Mitigation actions.
const (
	MitigationAllow    Mitigation = "allow"
	MitigationSanitize Mitigation = "sanitize"
	MitigationBlock    Mitigation = "block"
	MitigationEscalate Mitigation = "escalate"
)

// Phase identifies which pipeline stage a text is scanned in.
type Phase string

// Scan phases.
const (
	PhaseInput  Phase = "input"
	PhaseOutput Phase = "output"
	PhaseData   Phase = "data"
)

// FindingKind is the detector family that produced a finding.
type FindingKind string

// Finding kinds.
const (
	KindPII           FindingKind = "pii"
	KindBias          FindingKind = "bias"
	KindAdversarial   FindingKind = "adversarial"
	KindHallucination FindingKind = "hallucination"
	KindOperational   FindingKind = "operational" // timeouts, escalations, budget exhaustion
)

// Span is a half-open [Start, End) range of code-point offsets into the
// scanned text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Overlaps reports whether two spans intersect.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Union returns the smallest span covering both.
func (s Span) Union(o Span) Span {
	u := s
	if o.Start < u.Start {
		u.Start = o.Start
	}
	if o.End > u.End {
		u.End = o.End
	}
	return u
}

// Finding is a single detector observation. Immutable after creation.
type Finding struct {
	Kind                 FindingKind `json:"kind"`
	Subtype              string      `json:"subtype"`
	Span                 Span        `json:"span"`
	OriginalValue        string      `json:"original_value,omitempty"`
	Confidence           float64     `json:"confidence"`
	Severity             Severity    `json:"severity"`
	SuggestedReplacement string      `json:"suggested_replacement,omitempty"`
	DetectorID           string      `json:"detector_id"`
}

// Key returns the dedupe identity of a finding: (kind, subtype, span).
func (f Finding) Key() string {
	return fmt.Sprintf("%s/%s/%d-%d", f.Kind, f.Subtype, f.Span.Start, f.Span.End)
}

// RiskAssessment is the aggregated finding set for one text.
type RiskAssessment struct {
	Findings           []Finding    `json:"findings"`
	OverallScore       float64      `json:"overall_score"`
	Level              RiskLevel    `json:"level"`
	SanitizedText      string       `json:"sanitized_text"`
	MitigationsApplied []Mitigation `json:"mitigations_applied"`
	Fingerprint        string       `json:"fingerprint"`

	// Hallucination detail, present only for output-phase scans with grounding.
	HallucinationScore float64 `json:"hallucination_score,omitempty"`
	FactualAccuracy    float64 `json:"factual_accuracy,omitempty"`
}

// HasMitigation reports whether the assessment carries the given mitigation.
func (a *RiskAssessment) HasMitigation(m Mitigation) bool {
	for _, got := range a.MitigationsApplied {
		if got == m {
			return true
		}
	}
	return false
}

// Blocked reports whether the assessment decision is block.
func (a *RiskAssessment) Blocked() bool {
	return a.HasMitigation(MitigationBlock)
}

// ComputeFingerprint derives the stable fingerprint over the sorted finding
// keys plus the sanitized text. Identical inputs under identical detector
// versions produce identical fingerprints.
func ComputeFingerprint(findings []Finding, sanitized string) string {
	keys := make([]string, 0, len(findings))
	for _, f := range findings {
		keys = append(keys, f.Key()+"/"+string(f.Severity))
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	h.Write([]byte(sanitized))
	return hex.EncodeToString(h.Sum(nil))
}

// GroundingRecord is one retrieved key→value fact the model output must be
// consistent with.
type GroundingRecord struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ToolTraceEntry summarizes one tool-call iteration for the final report.
type ToolTraceEntry struct {
	Iteration   int       `json:"iteration"`
	Source      string    `json:"source"`
	PlanSummary string    `json:"plan_summary"`
	ElapsedMS   int64     `json:"elapsed_ms"`
	Rows        int       `json:"rows"`
	ResultLevel RiskLevel `json:"result_level"`
	Error       string    `json:"error,omitempty"`
}

// RiskReport is the per-request structured risk record emitted at DONE.
type RiskReport struct {
	RequestID        string           `json:"request_id"`
	Timestamp        time.Time        `json:"timestamp"`
	Mode             Mode             `json:"mode"`
	Model            string           `json:"model"`
	Action           string           `json:"action"` // allowed | sanitized | blocked | escalated
	OverallScore     float64          `json:"overall_score"`
	Level            RiskLevel        `json:"level"`
	InputAssessment  *RiskAssessment  `json:"input_assessment,omitempty"`
	OutputAssessment *RiskAssessment  `json:"output_assessment,omitempty"`
	ToolTrace        []ToolTraceEntry `json:"tool_trace,omitempty"`
	Escalations      []Finding        `json:"escalations,omitempty"`
	ElapsedMS        int64            `json:"elapsed_ms"`
}
