// Package assessment implements the client side of the external risk
// scoring service.
//
// Every protected action (login, checkout, sensitive operations) is
// scored before it runs. The client owns retry, timeout, and fallback
// synthesis policy; callers decide what a verdict means for control
// flow. Scores range 0-100, higher = safer. Verdicts above the allow
// threshold pass, mid-range scores are flagged for review, and low
// scores are denied.
package assessment

import (
	"context"
	"time"
)

// RiskLevel is the scoring service's coarse verdict.
type RiskLevel string

const (
	LevelAllow   RiskLevel = "ALLOW"
	LevelReview  RiskLevel = "REVIEW"
	LevelDeny    RiskLevel = "DENY"
	LevelUnknown RiskLevel = "UNKNOWN"
)

// ActionType identifies the protected action being scored.
type ActionType string

const (
	ActionLogin     ActionType = "login"
	ActionCheckout  ActionType = "checkout"
	ActionSensitive ActionType = "sensitive_action"
)

// Valid reports whether the action type is drawn from the closed set.
func (a ActionType) Valid() bool {
	switch a {
	case ActionLogin, ActionCheckout, ActionSensitive:
		return true
	}
	return false
}

// Default confidence-score thresholds. Scores at or above Allow map to
// ALLOW, at or above Review to REVIEW, anything lower to DENY.
const (
	DefaultAllowThreshold  = 70
	DefaultReviewThreshold = 30
)

// Thresholds maps confidence scores to risk levels.
type Thresholds struct {
	Allow  int
	Review int
}

// DefaultThresholds returns the documented 70/30 boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{Allow: DefaultAllowThreshold, Review: DefaultReviewThreshold}
}

// Level maps a confidence score to a risk level.
func (t Thresholds) Level(score int) RiskLevel {
	switch {
	case score >= t.Allow:
		return LevelAllow
	case score >= t.Review:
		return LevelReview
	default:
		return LevelDeny
	}
}

// RiskFactor is one weighted contributor to an assessment.
type RiskFactor struct {
	Factor       string         `json:"factor"`
	Score        int            `json:"score"`
	Weight       float64        `json:"weight"`
	Details      string         `json:"details"`
	ProviderData map[string]any `json:"provider_data,omitempty"`
}

// Recommendation is an advisory action suggested by the provider.
// The mediator's own policy table decides enforcement; these are
// surfaced to the protected action as hints only.
type Recommendation struct {
	Action   string `json:"action"`
	Priority string `json:"priority"`
	Message  string `json:"message"`
}

// AssessmentMetadata carries per-call bookkeeping.
type AssessmentMetadata struct {
	CorrelationID  string        `json:"correlation_id"`
	ProcessingTime time.Duration `json:"processing_time"`
	APIVersion     string        `json:"api_version,omitempty"`
	Fallback       bool          `json:"fallback"`
	FallbackReason string        `json:"fallback_reason,omitempty"`
}

// RiskAssessment is the result of scoring a single identity context.
type RiskAssessment struct {
	ConfidenceScore int                `json:"confidence_score"`
	RiskLevel       RiskLevel          `json:"risk_level"`
	Factors         []RiskFactor       `json:"risk_factors"`
	Recommendations []Recommendation   `json:"recommendations"`
	Metadata        AssessmentMetadata `json:"metadata"`
}

// SessionData is the optional device/session payload attached to a call.
type SessionData struct {
	Timestamp         time.Time      `json:"timestamp"`
	DeviceFingerprint string         `json:"device_fingerprint,omitempty"`
	AdditionalData    map[string]any `json:"additional_data,omitempty"`
}

// IdentityContext carries the data needed to score a protected action.
// UserID, IPAddress, UserAgent, and Action are required; the rest is
// best-effort signal.
type IdentityContext struct {
	UserID      string
	IPAddress   string
	UserAgent   string
	Action      ActionType
	Amount      *float64 // set for checkout
	Fingerprint string
	SessionData map[string]any
	Extra       map[string]any
}

// HistoryFilters narrows a history query against the provider.
type HistoryFilters struct {
	StartDate  time.Time
	EndDate    time.Time
	RiskLevel  RiskLevel
	ActionType ActionType
	Page       int
	Limit      int
}

// AssessmentRecord is one past assessment returned by History.
type AssessmentRecord struct {
	AssessmentID      string       `json:"assessment_id"`
	UserID            string       `json:"user_id"`
	Timestamp         time.Time    `json:"timestamp"`
	IPAddress         string       `json:"ip_address"`
	ConfidenceScore   int          `json:"confidence_score"`
	RiskLevel         RiskLevel    `json:"risk_level"`
	ActionType        ActionType   `json:"action_type"`
	Factors           []RiskFactor `json:"risk_factors"`
	DeviceFingerprint string       `json:"device_fingerprint,omitempty"`
	UserAgent         string       `json:"user_agent"`
	TransactionAmount *float64     `json:"transaction_amount,omitempty"`
}

// HistoryPage is one page of past assessments.
type HistoryPage struct {
	Records      []AssessmentRecord `json:"data"`
	CurrentPage  int                `json:"current_page"`
	TotalPages   int                `json:"total_pages"`
	TotalRecords int                `json:"total_records"`
	HasNext      bool               `json:"has_next"`
}

// ProviderStatus reports the scoring service's health.
type ProviderStatus struct {
	Healthy bool          `json:"healthy"`
	Status  string        `json:"status"`
	Version string        `json:"version,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Assessor is the interface the mediation layer consumes. *Client
// implements it; tests substitute fakes.
type Assessor interface {
	Verify(ctx context.Context, ic IdentityContext) (*RiskAssessment, error)
	Fallback(userID, reason string) *RiskAssessment
}
