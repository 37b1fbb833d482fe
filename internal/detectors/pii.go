package detectors

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/airmslabs/airms-gateway/internal/models"
)

// PIIDetector combines three strategies merged by span:
//  1. a regex rule engine for structured values (email, phone, cards, keys…)
//  2. lightweight named-entity heuristics for person/organization/location
//  3. a risk classer that assigns a severity per entity kind
//
// On span overlap the higher-severity finding wins; on ties the rule engine
// wins because its matches are cheaper to explain.
type PIIDetector struct {
	rules []piiRule
}

// piiRule is one compiled rule-engine pattern.
type piiRule struct {
	subtype    string
	re         *regexp.Regexp
	confidence float64
	// validate optionally rejects a raw match (e.g. Luhn for card numbers).
	validate func(string) bool
}

// Severity class per PII kind. Kinds not listed default to medium.
var piiSeverity = map[string]models.Severity{
	"credit_card":  models.SeverityCritical,
	"ssn":          models.SeverityCritical,
	"api_key":      models.SeverityCritical,
	"jwt_token":    models.SeverityCritical,
	"email":        models.SeverityHigh,
	"phone":        models.SeverityHigh,
	"iban":         models.SeverityHigh,
	"person":       models.SeverityMedium,
	"organization": models.SeverityMedium,
	"ip_address":   models.SeverityMedium,
	"url":          models.SeverityLow,
	"location":     models.SeverityLow,
}

// NewPIIDetector compiles the rule set once; the detector is immutable and
// safe for concurrent use.
func NewPIIDetector() *PIIDetector {
	return &PIIDetector{rules: []piiRule{
		{
			subtype:    "email",
			re:         regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			confidence: 0.98,
		},
		{
			subtype:    "jwt_token",
			re:         regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`),
			confidence: 0.97,
		},
		{
			subtype:    "api_key",
			re:         regexp.MustCompile(`\b(?:sk|pk|rk|ak)[-_](?:live|test|prod)?[-_]?[A-Za-z0-9]{16,}\b|\b[A-Za-z0-9]{32,45}\b`),
			confidence: 0.72,
			validate:   looksLikeKey,
		},
		{
			subtype:    "credit_card",
			re:         regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`),
			confidence: 0.95,
			validate:   luhnValid,
		},
		{
			subtype:    "iban",
			re:         regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
			confidence: 0.9,
		},
		{
			subtype:    "ssn",
			re:         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			confidence: 0.95,
		},
		{
			subtype:    "phone",
			re:         regexp.MustCompile(`(?:\+?\d{1,3}[ \-.]?)?(?:\(\d{2,4}\)[ \-.]?)?\d{3}[ \-.]?\d{3,4}[ \-.]?\d{0,4}\b`),
			confidence: 0.68,
			validate:   plausiblePhone,
		},
		{
			subtype:    "ipv4",
			re:         regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			confidence: 0.85,
			validate:   validIPv4,
		},
		{
			subtype:    "ipv6",
			re:         regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{1,4}\b`),
			confidence: 0.8,
		},
		{
			subtype:    "url",
			re:         regexp.MustCompile(`\bhttps?://[^\s<>"']+`),
			confidence: 0.9,
		},
	}}
}

// ID implements Detector.
func (d *PIIDetector) ID() string { return "pii" }

// Weight implements Detector: PII contributes {2,4,6,9} by severity.
func (d *PIIDetector) Weight(sev models.Severity) float64 {
	switch sev {
	case models.SeverityCritical:
		return 9
	case models.SeverityHigh:
		return 6
	case models.SeverityMedium:
		return 4
	default:
		return 2
	}
}

// Scan implements Detector.
func (d *PIIDetector) Scan(ctx context.Context, in Input) ([]models.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw []models.Finding
	raw = append(raw, d.scanRules(in.Text)...)
	raw = append(raw, d.scanEntities(in.Text)...)

	merged := mergePIIFindings(raw)
	assignReplacements(merged)
	return merged, nil
}

// scanRules runs the regex rule engine.
func (d *PIIDetector) scanRules(text string) []models.Finding {
	var out []models.Finding
	for _, rule := range d.rules {
		for _, m := range rule.re.FindAllStringIndex(text, -1) {
			value := text[m[0]:m[1]]
			if rule.validate != nil && !rule.validate(value) {
				continue
			}
			subtype := rule.subtype
			if subtype == "ipv4" || subtype == "ipv6" {
				subtype = "ip_address"
			}
			out = append(out, models.Finding{
				Kind:          models.KindPII,
				Subtype:       subtype,
				Span:          runeSpan(text, m[0], m[1]),
				OriginalValue: value,
				Confidence:    rule.confidence,
				Severity:      severityForPII(subtype),
				DetectorID:    "pii.rules",
			})
		}
	}
	return out
}

// Entity heuristics: a cheap stand-in for a full NER model. Honorifics and
// self-introductions catch persons, corporate suffixes catch organizations,
// and "in/at/from <Capitalized>" catches locations.
var (
	personRe = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?|\b(?:my name is|I am|I'm)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
	orgRe    = regexp.MustCompile(`\b[A-Z][A-Za-z&]*(?:\s+[A-Z][A-Za-z&]*)*\s+(?:Inc|Corp|Corporation|LLC|Ltd|GmbH|AG|Co)\.?\b`)
	locRe    = regexp.MustCompile(`\b(?:in|at|from|near)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)\b`)
)

func (d *PIIDetector) scanEntities(text string) []models.Finding {
	var out []models.Finding

	for _, m := range personRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[0], m[1]
		if m[2] >= 0 { // self-introduction form: only the name is the entity
			start, end = m[2], m[3]
		}
		out = append(out, models.Finding{
			Kind:          models.KindPII,
			Subtype:       "person",
			Span:          runeSpan(text, start, end),
			OriginalValue: text[start:end],
			Confidence:    0.75,
			Severity:      severityForPII("person"),
			DetectorID:    "pii.entities",
		})
	}
	for _, m := range orgRe.FindAllStringIndex(text, -1) {
		out = append(out, models.Finding{
			Kind:          models.KindPII,
			Subtype:       "organization",
			Span:          runeSpan(text, m[0], m[1]),
			OriginalValue: text[m[0]:m[1]],
			Confidence:    0.7,
			Severity:      severityForPII("organization"),
			DetectorID:    "pii.entities",
		})
	}
	for _, m := range locRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]
		out = append(out, models.Finding{
			Kind:          models.KindPII,
			Subtype:       "location",
			Span:          runeSpan(text, start, end),
			OriginalValue: text[start:end],
			Confidence:    0.55,
			Severity:      severityForPII("location"),
			DetectorID:    "pii.entities",
		})
	}
	return out
}

func severityForPII(subtype string) models.Severity {
	if sev, ok := piiSeverity[subtype]; ok {
		return sev
	}
	return models.SeverityMedium
}

// mergePIIFindings resolves span overlaps: the higher severity wins, ties go
// to the rule engine.
func mergePIIFindings(findings []models.Finding) []models.Finding {
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Span.Start != findings[j].Span.Start {
			return findings[i].Span.Start < findings[j].Span.Start
		}
		return findings[i].Span.End > findings[j].Span.End
	})

	var out []models.Finding
	for _, f := range findings {
		replaced := false
		for i := range out {
			if !out[i].Span.Overlaps(f.Span) {
				continue
			}
			if betterPIIFinding(f, out[i]) {
				out[i] = f
			}
			replaced = true
			break
		}
		if !replaced {
			out = append(out, f)
		}
	}
	return out
}

// betterPIIFinding reports whether a should displace b for the same span.
func betterPIIFinding(a, b models.Finding) bool {
	ra, rb := models.SeverityRank(a.Severity), models.SeverityRank(b.Severity)
	if ra != rb {
		return ra > rb
	}
	// Tie: rule engine beats entity heuristics.
	return a.DetectorID == "pii.rules" && b.DetectorID != "pii.rules"
}

// assignReplacements sets the suggested replacement ‹KIND_n› with a stable
// per-text, per-kind counter in span order.
func assignReplacements(findings []models.Finding) {
	sort.Slice(findings, func(i, j int) bool {
		return findings[i].Span.Start < findings[j].Span.Start
	})
	counters := map[string]int{}
	for i := range findings {
		kind := strings.ToUpper(findings[i].Subtype)
		counters[kind]++
		findings[i].SuggestedReplacement = fmt.Sprintf("‹%s_%d›", kind, counters[kind])
	}
}

// ─── Validators ───────────────────────────────────────────────────────────────

// luhnValid checks a digit string (spaces/dashes allowed) with the Luhn
// algorithm.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// plausiblePhone filters out short numeric runs that the permissive phone
// pattern picks up (order IDs, years, etc.).
func plausiblePhone(s string) bool {
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 9 && digits <= 15
}

func validIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) > 1 && p[0] == '0' {
			return false
		}
		n := 0
		for _, r := range p {
			n = n*10 + int(r-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

// looksLikeKey rejects bare alphanumeric runs unless they mix cases and
// digits the way generated secrets do, or carry a known key prefix.
func looksLikeKey(s string) bool {
	lower := strings.ToLower(s)
	for _, prefix := range []string{"sk-", "sk_", "pk-", "pk_", "rk_", "ak_"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
	}
	return hasUpper && hasLower && hasDigit && len(s) >= 32
}
