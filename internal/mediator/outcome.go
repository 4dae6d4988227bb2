package mediator

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nexshop/riskgate/internal/audit"
)

// Accessors for the annotations Protect leaves on the gin context.
// Zero values mean the request was not mediated (action disabled).

// RiskLevelFrom returns the mediated risk level, "" if unmediated.
func RiskLevelFrom(c *gin.Context) string {
	return c.GetString(KeyRiskLevel)
}

// CorrelationIDFrom returns the assessment correlation id.
func CorrelationIDFrom(c *gin.Context) string {
	return c.GetString(KeyCorrelationID)
}

// ConfidenceScoreFrom returns the confidence score and whether one is set.
func ConfidenceScoreFrom(c *gin.Context) (int, bool) {
	v, ok := c.Get(KeyConfidenceScore)
	if !ok {
		return 0, false
	}
	score, ok := v.(int)
	return score, ok
}

// RequiresReview reports whether the action was challenged.
func RequiresReview(c *gin.Context) bool {
	return c.GetBool(KeyRequiresReview)
}

// RequiresAdditionalAuth reports whether step-up verification is expected.
func RequiresAdditionalAuth(c *gin.Context) bool {
	return c.GetBool(KeyRequiresAdditionalAuth)
}

// SecurityReasons returns the human-readable factor details.
func SecurityReasons(c *gin.Context) []string {
	v, ok := c.Get(KeySecurityReasons)
	if !ok {
		return nil
	}
	reasons, _ := v.([]string)
	return reasons
}

// IsFallback reports whether the verdict came from fallback synthesis.
func IsFallback(c *gin.Context) bool {
	return c.GetBool(KeyFallback)
}

// UserIDFrom returns the resolved durable user key, "" when anonymous.
func UserIDFrom(c *gin.Context) string {
	return c.GetString(KeyUserID)
}

// LogOutcome writes a protected action's own outcome event, tied to
// the mediation's correlation id. Handlers call this once after the
// action completes (or fails on its own terms).
func (g *Guard) LogOutcome(c *gin.Context, eventType audit.EventType, actionTaken audit.ActionTaken, success bool, data map[string]any) {
	e := &audit.Event{
		EventType:     eventType,
		UserID:        UserIDFrom(c),
		SessionID:     c.GetString(KeySessionID),
		IPAddress:     c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
		CorrelationID: CorrelationIDFrom(c),
		RiskLevel:     RiskLevelFrom(c),
		ActionTaken:   actionTaken,
		Success:       success,
		EventData:     data,
		Timestamp:     time.Now().UTC(),
	}
	if e.RiskLevel == "" {
		e.RiskLevel = "UNKNOWN"
	}
	if score, ok := ConfidenceScoreFrom(c); ok {
		e.ConfidenceScore = &score
	}
	g.record(c.Request.Context(), e)
}
