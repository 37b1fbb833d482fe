package detectors

import (
	"context"
	"regexp"
	"strings"

	"github.com/airmslabs/airms-gateway/internal/models"
)

// HallucinationDetector verifies model output against the grounding records
// assembled during the tool-call loop. It only runs in the output phase and
// only when grounding is supplied.
//
// The detector extracts claims (subject–predicate–object tuples plus bare
// facts like dates, statuses, and identifiers), verifies each against the
// grounding set, and scores:
//
//	factual_accuracy   = supported / (supported + contradicted + unverifiable)
//	hallucination score rises with contradicted mass and with unverifiable
//	claims about entities that ARE present in grounding.
type HallucinationDetector struct {
	claimRe  *regexp.Regexp
	dateRe   *regexp.Regexp
	idRe     *regexp.Regexp
	statusRe *regexp.Regexp
}

// ClaimStatus is the verification outcome of one extracted claim.
type ClaimStatus string

// Claim verification outcomes.
const (
	ClaimSupported    ClaimStatus = "supported"
	ClaimContradicted ClaimStatus = "contradicted"
	ClaimUnverifiable ClaimStatus = "unverifiable"
)

// Claim is one extracted factual statement with its verification result.
type Claim struct {
	Text    string
	Span    models.Span
	Status  ClaimStatus
	Against string // grounding key the claim was checked against, if any
}

// NewHallucinationDetector compiles the extraction patterns once.
func NewHallucinationDetector() *HallucinationDetector {
	return &HallucinationDetector{
		claimRe:  regexp.MustCompile(`(?i)(?:your|the)?\s*(order|package|item|status|delivery|eta|location|account|balance)[^.!?\n]{0,10}(?:is|was|will be|has been|arrives?|arrived)\s+([^.!?\n]+)`),
		dateRe:   regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`),
		idRe:     regexp.MustCompile(`\b[A-Z]{2,}-?\d{1,}\b`),
		statusRe: regexp.MustCompile(`(?i)\b(delivered|in[ _]transit|pending|shipped|processing|cancelled|canceled|returned|delayed|out for delivery)\b`),
	}
}

// ID implements Detector.
func (d *HallucinationDetector) ID() string { return "hallucination" }

// Weight implements Detector. Hallucination findings bucket by the internal
// score, which the severity already reflects.
func (d *HallucinationDetector) Weight(sev models.Severity) float64 {
	switch sev {
	case models.SeverityCritical:
		return 9
	case models.SeverityHigh:
		return 7
	case models.SeverityMedium:
		return 5
	default:
		return 2
	}
}

// Scan implements Detector. Without grounding it returns no findings.
func (d *HallucinationDetector) Scan(ctx context.Context, in Input) ([]models.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Phase != models.PhaseOutput || len(in.Grounding) == 0 {
		return nil, nil
	}

	claims := d.Verify(in.Text, in.Grounding)

	var out []models.Finding
	for _, c := range claims {
		switch c.Status {
		case ClaimContradicted:
			out = append(out, models.Finding{
				Kind:          models.KindHallucination,
				Subtype:       "contradicted_claim",
				Span:          c.Span,
				OriginalValue: c.Text,
				Confidence:    0.85,
				Severity:      models.SeverityHigh,
				DetectorID:    "hallucination.verify",
			})
		case ClaimUnverifiable:
			out = append(out, models.Finding{
				Kind:          models.KindHallucination,
				Subtype:       "unverifiable_claim",
				Span:          c.Span,
				OriginalValue: c.Text,
				Confidence:    0.6,
				Severity:      models.SeverityMedium,
				DetectorID:    "hallucination.verify",
			})
		}
	}
	return out, nil
}

// Verify extracts and verifies claims, returning the full claim set
// (including supported claims) for score computation.
func (d *HallucinationDetector) Verify(output string, grounding []models.GroundingRecord) []Claim {
	var claims []Claim

	// Sentence-level claims of the form "<subject> is <object>".
	for _, m := range d.claimRe.FindAllStringSubmatchIndex(output, -1) {
		text := strings.TrimSpace(output[m[0]:m[1]])
		claims = append(claims, Claim{Text: text, Span: runeSpan(output, m[0], m[1])})
	}

	// Bare facts: statuses, dates, identifiers.
	for _, re := range []*regexp.Regexp{d.statusRe, d.dateRe, d.idRe} {
		for _, m := range re.FindAllStringIndex(output, -1) {
			text := output[m[0]:m[1]]
			if claimSetContains(claims, text) {
				continue
			}
			claims = append(claims, Claim{Text: text, Span: runeSpan(output, m[0], m[1])})
		}
	}

	for i := range claims {
		claims[i].Status, claims[i].Against = d.verifyClaim(claims[i].Text, grounding)
	}
	return claims
}

// Score computes (factual_accuracy, hallucination_score) from a claim set.
func (d *HallucinationDetector) Score(claims []Claim) (accuracy, score float64) {
	if len(claims) == 0 {
		return 1.0, 0
	}

	var supported, contradicted, unverifiableKnown, unverifiable int
	for _, c := range claims {
		switch c.Status {
		case ClaimSupported:
			supported++
		case ClaimContradicted:
			contradicted++
		default:
			unverifiable++
			if c.Against != "" {
				unverifiableKnown++
			}
		}
	}

	total := float64(len(claims))
	accuracy = float64(supported) / total

	// Contradicted mass dominates; unverifiable claims about entities present
	// in grounding weigh more than claims about entities grounding never saw.
	score = 10*float64(contradicted)/total +
		6*float64(unverifiableKnown)/total +
		2*float64(unverifiable-unverifiableKnown)/total
	if score > 10 {
		score = 10
	}
	return accuracy, score
}

// verifyClaim checks one claim text against the grounding set.
//
// A claim is supported when a grounding value (normalized) appears in the
// claim, contradicted when the claim names a grounding key's domain (status,
// date, id…) with a value that conflicts with the stored one, and
// unverifiable otherwise. Against records the grounding key of the matched
// domain so scoring can distinguish "unknown entity" from "known entity,
// unconfirmed value".
func (d *HallucinationDetector) verifyClaim(text string, grounding []models.GroundingRecord) (ClaimStatus, string) {
	norm := normalizeFact(text)

	for _, g := range grounding {
		gv := normalizeFact(g.Value)
		if gv != "" && strings.Contains(norm, gv) {
			return ClaimSupported, g.Key
		}
	}

	// Status conflict: claim carries a status word that differs from the
	// grounded status.
	if claimStatus := d.statusRe.FindString(text); claimStatus != "" {
		for _, g := range grounding {
			if gs := d.statusRe.FindString(g.Value); gs != "" {
				if normalizeFact(gs) == normalizeFact(claimStatus) {
					return ClaimSupported, g.Key
				}
				return ClaimContradicted, g.Key
			}
			if strings.Contains(strings.ToLower(g.Key), "status") {
				return ClaimContradicted, g.Key
			}
		}
	}

	// Date conflict against grounded dates.
	if claimDate := d.dateRe.FindString(text); claimDate != "" {
		for _, g := range grounding {
			if gd := d.dateRe.FindString(g.Value); gd != "" {
				if gd == claimDate {
					return ClaimSupported, g.Key
				}
				return ClaimContradicted, g.Key
			}
		}
	}

	// Identifier conflict against grounded IDs.
	if claimID := d.idRe.FindString(text); claimID != "" {
		for _, g := range grounding {
			if gid := d.idRe.FindString(g.Value); gid != "" {
				if gid == claimID {
					return ClaimSupported, g.Key
				}
				return ClaimContradicted, g.Key
			}
		}
	}

	// Unverifiable. Check whether the claim mentions an entity grounding
	// knows about (key word overlap); those weigh more in the score.
	lower := strings.ToLower(text)
	for _, g := range grounding {
		for _, kw := range strings.FieldsFunc(strings.ToLower(g.Key), func(r rune) bool {
			return r == '_' || r == '.' || r == '-' || r == ' '
		}) {
			if len(kw) >= 3 && strings.Contains(lower, kw) {
				return ClaimUnverifiable, g.Key
			}
		}
	}
	return ClaimUnverifiable, ""
}

// normalizeFact lowers case and collapses separators so "in_transit" matches
// "in transit".
func normalizeFact(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", " ")
	s = strings.ReplaceAll(s, "-", " ")
	return strings.Join(strings.Fields(s), " ")
}

func claimSetContains(claims []Claim, text string) bool {
	for _, c := range claims {
		if strings.Contains(c.Text, text) {
			return true
		}
	}
	return false
}
