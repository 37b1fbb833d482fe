package detectors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airmslabs/airms-gateway/internal/models"
)

var orderGrounding = []models.GroundingRecord{
	{Key: "order_status", Value: "in_transit"},
	{Key: "order_eta", Value: "2024-08-26"},
	{Key: "order_id", Value: "ORD-1"},
}

func TestHallucinationScanSkipsWithoutGrounding(t *testing.T) {
	d := NewHallucinationDetector()

	findings, err := d.Scan(context.Background(), Input{
		Text:  "Your order was delivered yesterday.",
		Phase: models.PhaseOutput,
	})
	require.NoError(t, err)
	assert.Empty(t, findings, "no grounding means nothing to verify against")

	findings, err = d.Scan(context.Background(), Input{
		Text:      "Your order was delivered yesterday.",
		Phase:     models.PhaseInput,
		Grounding: orderGrounding,
	})
	require.NoError(t, err)
	assert.Empty(t, findings, "only output text is verified")
}

func TestHallucinationSupportedClaim(t *testing.T) {
	d := NewHallucinationDetector()

	claims := d.Verify("Your order is in transit.", orderGrounding)
	require.NotEmpty(t, claims)
	for _, c := range claims {
		assert.Equal(t, ClaimSupported, c.Status, "claim: %s", c.Text)
	}

	accuracy, score := d.Score(claims)
	assert.InDelta(t, 1.0, accuracy, 1e-9)
	assert.Zero(t, score)
}

func TestHallucinationContradictedStatus(t *testing.T) {
	d := NewHallucinationDetector()

	claims := d.Verify("Your order was delivered.", orderGrounding)
	require.Len(t, claims, 1)
	assert.Equal(t, ClaimContradicted, claims[0].Status)
	assert.Equal(t, "order_status", claims[0].Against)

	accuracy, score := d.Score(claims)
	assert.Zero(t, accuracy)
	assert.InDelta(t, 10.0, score, 1e-9)
}

func TestHallucinationContradictedDate(t *testing.T) {
	d := NewHallucinationDetector()

	claims := d.Verify("The delivery arrives 2024-09-30.", orderGrounding)
	require.NotEmpty(t, claims)
	assert.Equal(t, ClaimContradicted, claims[0].Status)
	assert.Equal(t, "order_eta", claims[0].Against)
}

func TestHallucinationContradictedIdentifier(t *testing.T) {
	d := NewHallucinationDetector()

	claims := d.Verify("The item is boxed as ORD-7.", orderGrounding)
	require.NotEmpty(t, claims)
	assert.Equal(t, ClaimContradicted, claims[0].Status)
	assert.Equal(t, "order_id", claims[0].Against)
}

func TestHallucinationUnverifiableKnownEntity(t *testing.T) {
	d := NewHallucinationDetector()

	// The claim is about the order, which grounding knows, but asserts a
	// value grounding cannot confirm.
	claims := d.Verify("Your order is wrapped in gold foil.", orderGrounding)
	require.Len(t, claims, 1)
	assert.Equal(t, ClaimUnverifiable, claims[0].Status)
	assert.NotEmpty(t, claims[0].Against)

	_, score := d.Score(claims)
	assert.InDelta(t, 6.0, score, 1e-9)
}

func TestHallucinationUnverifiableUnknownEntity(t *testing.T) {
	d := NewHallucinationDetector()

	claims := d.Verify("The balance is seventeen dollars.", orderGrounding)
	require.Len(t, claims, 1)
	assert.Equal(t, ClaimUnverifiable, claims[0].Status)
	assert.Empty(t, claims[0].Against)

	// Claims about entities grounding never saw weigh less.
	_, score := d.Score(claims)
	assert.InDelta(t, 2.0, score, 1e-9)
}

func TestHallucinationScanEmitsFindings(t *testing.T) {
	d := NewHallucinationDetector()

	findings, err := d.Scan(context.Background(), Input{
		Text:      "Your order was delivered.",
		Phase:     models.PhaseOutput,
		Grounding: orderGrounding,
	})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, models.KindHallucination, findings[0].Kind)
	assert.Equal(t, "contradicted_claim", findings[0].Subtype)
	assert.Equal(t, models.SeverityHigh, findings[0].Severity)
}

func TestHallucinationScoreEmptyClaims(t *testing.T) {
	d := NewHallucinationDetector()
	accuracy, score := d.Score(nil)
	assert.InDelta(t, 1.0, accuracy, 1e-9)
	assert.Zero(t, score)
}

func TestHallucinationScoreMixture(t *testing.T) {
	d := NewHallucinationDetector()

	claims := []Claim{
		{Status: ClaimSupported},
		{Status: ClaimSupported},
		{Status: ClaimContradicted},
		{Status: ClaimUnverifiable, Against: "order_status"},
	}
	accuracy, score := d.Score(claims)
	assert.InDelta(t, 0.5, accuracy, 1e-9)
	assert.InDelta(t, 4.0, score, 1e-9) // 10*(1/4) + 6*(1/4)
}

func TestNormalizeFact(t *testing.T) {
	assert.Equal(t, "in transit", normalizeFact("In_Transit"))
	assert.Equal(t, "in transit", normalizeFact("  in-transit "))
	assert.Equal(t, "ord 1", normalizeFact("ORD-1"))
}
