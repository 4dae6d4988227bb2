// Package audit implements the append-only security event log.
//
// Every meaningful mediation outcome — assessment received, login or
// checkout allowed/blocked, fallback applied — is recorded exactly
// once. Events are never updated or deleted by this layer; retention
// and compaction are external concerns.
package audit

import (
	"context"
	"time"
)

// EventType classifies a security event.
type EventType string

const (
	EventLoginAttempt     EventType = "login_attempt"
	EventCheckoutAttempt  EventType = "checkout_attempt"
	EventSensitiveAttempt EventType = "sensitive_action_attempt"
	EventRiskAssessment   EventType = "risk_assessment"
	EventSecurityAlert    EventType = "security_alert"
	EventAuthFailure      EventType = "auth_failure"
)

// ActionTaken records what the mediation layer did with the request.
type ActionTaken string

const (
	ActionAllowed        ActionTaken = "allowed"
	ActionBlocked        ActionTaken = "blocked"
	ActionRequiresReview ActionTaken = "requires_review"
	ActionAdditionalAuth ActionTaken = "additional_auth_required"
	ActionErrorFallback  ActionTaken = "error_fallback"
	ActionAssessed       ActionTaken = "assessed"
	ActionAlertGenerated ActionTaken = "alert_generated"
)

// Event is one immutable security event.
//
// UserID and SessionID are empty for events that precede identity
// resolution. CorrelationID is empty only when the assessment call
// itself never returned.
type Event struct {
	ID              string         `json:"id"`
	EventType       EventType      `json:"event_type"`
	UserID          string         `json:"user_id,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	IPAddress       string         `json:"ip_address"`
	UserAgent       string         `json:"user_agent,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	RiskLevel       string         `json:"risk_level"`
	ConfidenceScore *int           `json:"confidence_score,omitempty"`
	ActionTaken     ActionTaken    `json:"action_taken"`
	Success         bool           `json:"success"`
	EventData       map[string]any `json:"event_data,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ProcessingTime  time.Duration  `json:"processing_time"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Filter narrows a query over the event log. Zero values mean "any".
type Filter struct {
	CorrelationID string
	UserID        string
	RiskLevel     string
	EventType     EventType
	ActionTaken   ActionTaken
	From          time.Time
	To            time.Time
	Cursor        string // opaque pagination cursor from a previous page
	Limit         int
}

// Store persists security events. Append-only: implementations expose
// no update or delete operations. Concurrent appends are safe.
type Store interface {
	// Append records an event. The store assigns ID and Timestamp if unset.
	Append(ctx context.Context, e *Event) error
	// Query returns events newest-first matching the filter, plus an
	// opaque cursor for the next page ("" when exhausted).
	Query(ctx context.Context, f Filter) ([]*Event, string, error)
	// Summary aggregates event counts by risk level and action taken
	// over a time window.
	Summary(ctx context.Context, from, to time.Time) (*SummaryReport, error)
}

// SummaryReport aggregates the event log for dashboards.
type SummaryReport struct {
	Total         int64            `json:"total"`
	ByRiskLevel   map[string]int64 `json:"by_risk_level"`
	ByActionTaken map[string]int64 `json:"by_action_taken"`
	ByEventType   map[string]int64 `json:"by_event_type"`
	From          time.Time        `json:"from"`
	To            time.Time        `json:"to"`
}

const (
	// DefaultQueryLimit caps unspecified page sizes.
	DefaultQueryLimit = 50
	// MaxQueryLimit caps requested page sizes.
	MaxQueryLimit = 500
)

// clampLimit normalizes a requested page size.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
