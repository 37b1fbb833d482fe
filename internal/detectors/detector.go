package detectors

// Package detectors holds the stateless risk scanners. Each detector is a
// pure function over text: identical input produces an identical finding set.
// Detectors never mutate the text; mitigation is decided one layer up by the
// risk agent.
//
// Detectors are registered by name in a Registry built once at process start
// and treated as read-only afterward. Enablement is data (the registry
// contents), not code.

import (
	"context"
	"unicode/utf8"

	"github.com/airmslabs/airms-gateway/internal/models"
)

// Input carries the text to scan plus the optional grounding context used by
// the hallucination detector in the output phase.
type Input struct {
	Text         string
	Phase        models.Phase
	Grounding    []models.GroundingRecord
	UserQuestion string
}

// Detector is one scanner family.
type Detector interface {
	// ID returns the stable detector identifier used in findings.
	ID() string

	// Scan inspects the input and returns zero or more findings. Scan must
	// honor ctx cancellation on any long-running work.
	Scan(ctx context.Context, in Input) ([]models.Finding, error)

	// Weight maps a finding severity to its score contribution on the 0–10
	// scale used by the risk agent's weighted-maximum aggregation.
	Weight(sev models.Severity) float64
}

// Registry is the immutable detector set for a process.
type Registry struct {
	detectors []Detector
	byID      map[string]Detector
}

// NewRegistry builds a registry from the given detectors. Later registrations
// with a duplicate ID are ignored.
func NewRegistry(ds ...Detector) *Registry {
	r := &Registry{byID: make(map[string]Detector, len(ds))}
	for _, d := range ds {
		if _, dup := r.byID[d.ID()]; dup {
			continue
		}
		r.byID[d.ID()] = d
		r.detectors = append(r.detectors, d)
	}
	return r
}

// All returns the registered detectors in registration order.
func (r *Registry) All() []Detector {
	return r.detectors
}

// Get returns the detector with the given ID, nil if absent.
func (r *Registry) Get(id string) Detector {
	return r.byID[id]
}

// DefaultRegistry returns the standard four-family registry.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewPIIDetector(),
		NewBiasDetector(),
		NewAdversarialDetector(),
		NewHallucinationDetector(),
	)
}

// runeOffset converts a byte offset into text to a code-point offset.
func runeOffset(text string, byteOff int) int {
	return utf8.RuneCountInString(text[:byteOff])
}

// runeSpan converts a [start, end) byte range to a code-point span.
func runeSpan(text string, start, end int) models.Span {
	return models.Span{
		Start: runeOffset(text, start),
		End:   runeOffset(text, end),
	}
}
