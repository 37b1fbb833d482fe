package detectors

import (
	"context"
	"regexp"

	"github.com/airmslabs/airms-gateway/internal/models"
)

// AdversarialDetector flags manipulation attempts against the model:
// injection directives, jailbreak framings, role reassignments, system
// prompt extraction probes, and unsafe instructional intents.
//
// Any critical match forces a block decision at the risk agent layer
// regardless of the aggregate score.
type AdversarialDetector struct {
	patterns []advPattern
}

type advPattern struct {
	subtype    string
	re         *regexp.Regexp
	severity   models.Severity
	confidence float64
}

// NewAdversarialDetector compiles the pattern families once.
func NewAdversarialDetector() *AdversarialDetector {
	return &AdversarialDetector{patterns: []advPattern{
		// Directive phrases that try to displace the system prompt.
		{
			subtype:    "prompt_injection",
			re:         regexp.MustCompile(`(?i)\b(ignore|disregard|forget|override)\s+(all\s+)?(the\s+)?(previous|prior|above|earlier|system)\s+(instructions?|prompts?|rules?|context)\b`),
			severity:   models.SeverityCritical,
			confidence: 0.95,
		},
		{
			subtype:    "prompt_injection",
			re:         regexp.MustCompile(`(?i)\bnew\s+instructions?\s*:\s*|\bfrom\s+now\s+on\s+you\s+(are|will|must)\b`),
			severity:   models.SeverityHigh,
			confidence: 0.8,
		},
		// Known jailbreak framings.
		{
			subtype:    "jailbreak",
			re:         regexp.MustCompile(`(?i)\b(DAN\s+mode|developer\s+mode|jailbreak|do\s+anything\s+now|no\s+restrictions\s+apply|without\s+any\s+(filters?|restrictions?|limitations?))\b`),
			severity:   models.SeverityCritical,
			confidence: 0.9,
		},
		// Role reassignment.
		{
			subtype:    "role_play_override",
			re:         regexp.MustCompile(`(?i)\b(pretend|act|roleplay)\s+(that\s+)?(you\s+are|to\s+be|as)\s+(an?\s+)?(unrestricted|unfiltered|evil|uncensored|different)\b`),
			severity:   models.SeverityHigh,
			confidence: 0.85,
		},
		// Extraction probes.
		{
			subtype:    "system_prompt_leak",
			re:         regexp.MustCompile(`(?i)\b(print|show|reveal|repeat|output|tell\s+me)\b.{0,40}\b(your\s+)?(system\s+prompt|initial\s+instructions?|hidden\s+(rules?|prompt))\b`),
			severity:   models.SeverityCritical,
			confidence: 0.9,
		},
		// Unsafe instructional intent.
		{
			subtype:    "unsafe_instruction",
			re:         regexp.MustCompile(`(?i)\bhow\s+to\s+(make|build|synthesize)\s+(a\s+)?(bomb|explosive|weapon|nerve\s+agent|meth)\b`),
			severity:   models.SeverityCritical,
			confidence: 0.9,
		},
		{
			subtype:    "unsafe_instruction",
			re:         regexp.MustCompile(`(?i)\b(bypass|disable|circumvent)\b.{0,30}\b(safety|security|content)\s+(filters?|checks?|measures?)\b`),
			severity:   models.SeverityHigh,
			confidence: 0.8,
		},
	}}
}

// ID implements Detector.
func (d *AdversarialDetector) ID() string { return "adversarial" }

// Weight implements Detector: adversarial contributes {3,6,8,10} by severity.
func (d *AdversarialDetector) Weight(sev models.Severity) float64 {
	switch sev {
	case models.SeverityCritical:
		return 10
	case models.SeverityHigh:
		return 8
	case models.SeverityMedium:
		return 6
	default:
		return 3
	}
}

// Scan implements Detector.
func (d *AdversarialDetector) Scan(ctx context.Context, in Input) ([]models.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []models.Finding
	for _, p := range d.patterns {
		for _, m := range p.re.FindAllStringIndex(in.Text, -1) {
			out = append(out, models.Finding{
				Kind:          models.KindAdversarial,
				Subtype:       p.subtype,
				Span:          runeSpan(in.Text, m[0], m[1]),
				OriginalValue: in.Text[m[0]:m[1]],
				Confidence:    p.confidence,
				Severity:      p.severity,
				DetectorID:    "adversarial.patterns",
			})
		}
	}
	return out, nil
}
