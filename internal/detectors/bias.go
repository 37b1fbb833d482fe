package detectors

import (
	"context"
	"regexp"
	"strings"

	"github.com/airmslabs/airms-gateway/internal/models"
)

// BiasDetector flags biased framing in text. Two strategies:
//  1. a lexicon / pattern matcher for known biased or hateful phrasings
//  2. a heuristic that flags absolute quantifiers bound to demographic terms
//     ("all X are…", "only Y should…")
//
// Bias findings are advisory or blocking, never replacements: the detector
// reports spans but the text is not rewritten.
type BiasDetector struct {
	patterns []biasPattern
	quantRe  *regexp.Regexp
}

type biasPattern struct {
	subtype    string
	re         *regexp.Regexp
	severity   models.Severity
	confidence float64
}

// Demographic terms the absolute-quantifier heuristic binds to.
var demographicTerms = []string{
	"men", "women", "males", "females", "boys", "girls",
	"asians", "africans", "europeans", "americans", "immigrants", "foreigners",
	"muslims", "christians", "jews", "hindus", "buddhists", "atheists",
	"elderly", "seniors", "teenagers", "millennials", "boomers",
	"blacks", "whites", "latinos", "hispanics",
	"gays", "lesbians",
}

// NewBiasDetector compiles the lexicon once.
func NewBiasDetector() *BiasDetector {
	terms := strings.Join(demographicTerms, "|")
	return &BiasDetector{
		quantRe: regexp.MustCompile(`(?i)\b(all|every|only|no|none of the)\s+(old |young )?(` + terms + `)\b[^.!?\n]{0,80}`),
		patterns: []biasPattern{
			{
				subtype:    "hate",
				re:         regexp.MustCompile(`(?i)\b(i hate|we hate|death to|should (all )?(die|be killed)|exterminate|subhuman|vermin)\b`),
				severity:   models.SeverityCritical,
				confidence: 0.9,
			},
			{
				subtype:    "gender",
				re:         regexp.MustCompile(`(?i)\b(women|men) (can't|cannot|shouldn't|are (too|naturally|just))\b`),
				severity:   models.SeverityHigh,
				confidence: 0.8,
			},
			{
				subtype:    "racial",
				re:         regexp.MustCompile(`(?i)\b(racial(ly)? (inferior|superior)|go back to (your|their) country)\b`),
				severity:   models.SeverityHigh,
				confidence: 0.85,
			},
			{
				subtype:    "age",
				re:         regexp.MustCompile(`(?i)\b(too old to|too young to understand|senile|over the hill)\b`),
				severity:   models.SeverityMedium,
				confidence: 0.7,
			},
			{
				subtype:    "religious",
				re:         regexp.MustCompile(`(?i)\b(infidel|heathen|godless (people|fools))\b`),
				severity:   models.SeverityMedium,
				confidence: 0.7,
			},
			{
				subtype:    "cultural",
				re:         regexp.MustCompile(`(?i)\b(those people (always|never)|that's just how they are|their kind)\b`),
				severity:   models.SeverityMedium,
				confidence: 0.6,
			},
		},
	}
}

// ID implements Detector.
func (d *BiasDetector) ID() string { return "bias" }

// Weight implements Detector: bias contributes {2,4,7,9} by severity.
func (d *BiasDetector) Weight(sev models.Severity) float64 {
	switch sev {
	case models.SeverityCritical:
		return 9
	case models.SeverityHigh:
		return 7
	case models.SeverityMedium:
		return 4
	default:
		return 2
	}
}

// Scan implements Detector.
func (d *BiasDetector) Scan(ctx context.Context, in Input) ([]models.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []models.Finding
	for _, p := range d.patterns {
		for _, m := range p.re.FindAllStringIndex(in.Text, -1) {
			out = append(out, models.Finding{
				Kind:          models.KindBias,
				Subtype:       p.subtype,
				Span:          runeSpan(in.Text, m[0], m[1]),
				OriginalValue: in.Text[m[0]:m[1]],
				Confidence:    p.confidence,
				Severity:      p.severity,
				DetectorID:    "bias.lexicon",
			})
		}
	}

	// Absolute quantifier bound to a demographic term. Explicit
	// discrimination ("only X should") rates high, generalization medium.
	for _, m := range d.quantRe.FindAllStringIndex(in.Text, -1) {
		matched := in.Text[m[0]:m[1]]
		sev := models.SeverityMedium
		subtype := "stereotyping"
		lower := strings.ToLower(matched)
		if strings.HasPrefix(lower, "only ") || strings.HasPrefix(lower, "no ") || strings.HasPrefix(lower, "none of the ") {
			sev = models.SeverityHigh
		}
		out = append(out, models.Finding{
			Kind:          models.KindBias,
			Subtype:       subtype,
			Span:          runeSpan(in.Text, m[0], m[1]),
			OriginalValue: matched,
			Confidence:    0.65,
			Severity:      sev,
			DetectorID:    "bias.quantifier",
		})
	}

	return out, nil
}
