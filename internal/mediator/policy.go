// Package mediator decides what a risk verdict means for a protected
// action: proceed, challenge, or block.
//
// It sits between HTTP handlers and the scoring client, annotates the
// in-flight request with the verdict, records every outcome in the
// security event log, and degrades safely when the scoring service is
// unreachable. A scoring failure never fails the host request
// unexpectedly.
package mediator

import "github.com/nexshop/riskgate/internal/assessment"

// Enforcement is the mediation layer's control-flow decision.
type Enforcement string

const (
	// Proceed lets the protected action run unmodified.
	Proceed Enforcement = "proceed"
	// Challenge lets the action run but flags it for step-up
	// verification; the action's own logic decides whether to demand it.
	Challenge Enforcement = "challenge"
	// Block short-circuits: the protected action never runs.
	Block Enforcement = "block"
)

// Policy maps risk levels to enforcement actions. The provider's
// recommendations are advisory; this table is the single authority on
// what a verdict does to control flow.
type Policy map[assessment.RiskLevel]Enforcement

// DefaultPolicy returns the standard mapping: ALLOW proceeds, REVIEW
// is challenged, DENY blocks. Unknown levels challenge rather than
// block so a provider quirk cannot lock users out.
func DefaultPolicy() Policy {
	return Policy{
		assessment.LevelAllow:   Proceed,
		assessment.LevelReview:  Challenge,
		assessment.LevelDeny:    Block,
		assessment.LevelUnknown: Challenge,
	}
}

// Enforce resolves a risk level to its enforcement action. Levels
// missing from the table resolve to Challenge.
func (p Policy) Enforce(level assessment.RiskLevel) Enforcement {
	if e, ok := p[level]; ok {
		return e
	}
	return Challenge
}
