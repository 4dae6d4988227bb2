package assessment

import (
	"github.com/nexshop/riskgate/internal/idgen"
	"github.com/nexshop/riskgate/internal/metrics"
)

// Fallback defaults. A synthetic assessment is deliberately
// mid-range: unable to vouch for the caller, unwilling to punish the
// provider outage on them.
const (
	FallbackConfidenceScore = 50
	FallbackFactorName      = "service_error"
)

// Fallback deterministically synthesizes a RiskAssessment for userID
// when the scoring service cannot be reached. Pure apart from a
// metrics tick: same (userID, reason) always yields the same level,
// score, and factor shape. Only the correlation id differs between
// calls. Never fails.
func (c *Client) Fallback(userID, reason string) *RiskAssessment {
	metrics.AssessmentFallbacksTotal.Inc()
	return Synthesize(c.fallbackLevel, userID, reason)
}

// Synthesize builds a fallback assessment with an explicit risk level.
// Exposed separately for deployments that apply policy before calling
// and for tests.
func Synthesize(level RiskLevel, userID, reason string) *RiskAssessment {
	if level == "" {
		level = LevelReview
	}
	return &RiskAssessment{
		ConfidenceScore: FallbackConfidenceScore,
		RiskLevel:       level,
		Factors: []RiskFactor{
			{
				Factor:  FallbackFactorName,
				Score:   FallbackConfidenceScore,
				Weight:  1.0,
				Details: "Risk assessment service temporarily unavailable - using fallback scoring",
				ProviderData: map[string]any{
					"error":  "service_unavailable",
					"reason": reason,
				},
			},
		},
		Recommendations: []Recommendation{
			{
				Action:   "manual_review_required",
				Priority: "medium",
				Message:  "Manual review required due to service unavailability",
			},
		},
		Metadata: AssessmentMetadata{
			CorrelationID:  idgen.Correlation(),
			Fallback:       true,
			FallbackReason: reason,
		},
	}
}
