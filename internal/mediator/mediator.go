package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nexshop/riskgate/internal/assessment"
	"github.com/nexshop/riskgate/internal/audit"
	"github.com/nexshop/riskgate/internal/idgen"
	"github.com/nexshop/riskgate/internal/logging"
	"github.com/nexshop/riskgate/internal/metrics"
	"github.com/nexshop/riskgate/internal/traces"
	"github.com/nexshop/riskgate/internal/validation"
)

// Gin context keys set by the middleware for the protected action.
const (
	KeyRiskLevel              = "risk_level"
	KeyCorrelationID          = "correlation_id"
	KeyConfidenceScore        = "confidence_score"
	KeyRequiresReview         = "requires_review"
	KeyRequiresAdditionalAuth = "requires_additional_auth"
	KeySecurityReasons        = "security_reasons"
	KeyFallback               = "risk_fallback"
	KeyUserID                 = "resolved_user_id"
	KeySessionID              = "risk_session_id"
)

// maxHintBytes bounds how much of a request body the middleware reads
// when extracting identity hints.
const maxHintBytes = 1 << 20

// Config controls per-action enablement and fallback behavior.
type Config struct {
	LoginEnabled     bool
	CheckoutEnabled  bool
	SensitiveEnabled bool
	// FallbackEnabled synthesizes a local assessment when the scoring
	// service is exhausted. When false, exhaustion blocks the request.
	FallbackEnabled bool
	// FallbackProceeds lets a fallback assessment through flagged for
	// review instead of blocking with 503.
	FallbackProceeds bool
}

func (c Config) enabled(action assessment.ActionType) bool {
	switch action {
	case assessment.ActionLogin:
		return c.LoginEnabled
	case assessment.ActionCheckout:
		return c.CheckoutEnabled
	case assessment.ActionSensitive:
		return c.SensitiveEnabled
	}
	return false
}

// Alerter receives high-risk outcomes (blocks, fallbacks) for live
// notification. Implementations must not block.
type Alerter interface {
	Alert(e *audit.Event)
}

// Guard mediates protected actions through the scoring client.
type Guard struct {
	assessor assessment.Assessor
	events   audit.Store
	resolver Resolver
	policy   Policy
	alerter  Alerter
	cfg      Config
	logger   *slog.Logger
}

// NewGuard creates a mediation guard. The default policy applies until
// overridden with WithPolicy.
func NewGuard(assessor assessment.Assessor, events audit.Store, cfg Config, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		assessor: assessor,
		events:   events,
		policy:   DefaultPolicy(),
		cfg:      cfg,
		logger:   logger,
	}
}

// WithResolver attaches a best-effort identity resolver.
func (g *Guard) WithResolver(r Resolver) *Guard {
	g.resolver = r
	return g
}

// WithPolicy overrides the enforcement policy table.
func (g *Guard) WithPolicy(p Policy) *Guard {
	g.policy = p
	return g
}

// WithAlerter attaches a live alert sink for blocks and fallbacks.
func (g *Guard) WithAlerter(a Alerter) *Guard {
	g.alerter = a
	return g
}

// requestHints are the identity fields the middleware extracts from a
// protected request's JSON body. All optional; parse failures leave
// them empty rather than failing the request.
type requestHints struct {
	UserID            string         `json:"user_id"`
	Username          string         `json:"username"`
	Email             string         `json:"email"`
	Amount            *float64       `json:"amount"`
	DeviceFingerprint string         `json:"device_fingerprint"`
	SessionID         string         `json:"session_id"`
	SessionData       map[string]any `json:"session_data"`
}

func (h requestHints) identifier() string {
	switch {
	case h.UserID != "":
		return h.UserID
	case h.Username != "":
		return h.Username
	default:
		return h.Email
	}
}

// Protect returns middleware that mediates one protected action type.
//
// Every request through an enabled action ends in exactly one of four
// terminal states: allowed, challenged, blocked, or fallback applied.
// Each terminal state writes exactly one risk_assessment event. A
// scoring failure can never propagate out of this middleware.
func (g *Guard) Protect(action assessment.ActionType) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.cfg.enabled(action) {
			c.Next()
			return
		}

		start := time.Now()
		hints := g.peekHints(c)

		ctx, span := traces.StartSpan(c.Request.Context(), "mediator.protect",
			traces.Action(string(action)))
		defer span.End()

		identifier := hints.identifier()
		if identifier == "" {
			identifier = c.GetHeader("X-User-ID")
		}

		// Resolution failure degrades to anonymous logging; the scoring
		// call still gets the raw identifier as a best-effort key.
		eventUserID := identifier
		scoreID := identifier
		if g.resolver != nil && identifier != "" {
			durable, err := g.resolver.Resolve(ctx, identifier)
			if err != nil {
				g.logger.Warn("identity resolution failed, logging anonymously",
					"action", action, "error", err)
				eventUserID = ""
			} else {
				scoreID = durable
				eventUserID = durable
			}
		}
		if scoreID == "" {
			scoreID = "anon_" + idgen.Hex(6)
		}
		span.SetAttributes(traces.UserID(scoreID))

		fp := hints.DeviceFingerprint
		if fp == "" {
			fp = c.GetHeader("X-Device-Fingerprint")
		}

		ic := assessment.IdentityContext{
			UserID:      scoreID,
			IPAddress:   c.ClientIP(),
			UserAgent:   validation.SanitizeString(c.Request.UserAgent(), validation.MaxStringLength),
			Action:      action,
			Amount:      hints.Amount,
			Fingerprint: fp,
			SessionData: hints.SessionData,
		}

		a, err := g.assessor.Verify(ctx, ic)
		switch {
		case err == nil:
			// fall through to policy
		case assessment.IsInvalidInput(err):
			g.logger.Warn("identity context rejected", "action", action, "error", err)
			metrics.MediationDecisionsTotal.WithLabelValues(string(action), "invalid_input").Inc()
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Request could not be evaluated",
			})
			return
		default:
			if ctx.Err() != nil {
				// Caller abandoned the request mid-call; nothing to log.
				c.Abort()
				return
			}
			g.applyFallback(c, action, eventUserID, hints, start, err)
			return
		}

		enforcement := g.policy.Enforce(a.RiskLevel)
		g.annotate(c, a, action, enforcement, eventUserID, hints.SessionID)
		span.SetAttributes(
			traces.CorrelationID(a.Metadata.CorrelationID),
			traces.RiskLevel(string(a.RiskLevel)),
			traces.ConfidenceScore(a.ConfidenceScore),
		)

		e := g.assessmentEvent(c, a, action, eventUserID, hints, start)
		switch enforcement {
		case Proceed:
			e.ActionTaken = audit.ActionAssessed
			e.Success = true
			g.record(ctx, e)
			metrics.MediationDecisionsTotal.WithLabelValues(string(action), "proceed").Inc()
			c.Next()

		case Challenge:
			e.ActionTaken = audit.ActionRequiresReview
			e.Success = true
			g.record(ctx, e)
			metrics.MediationDecisionsTotal.WithLabelValues(string(action), "challenge").Inc()
			c.Next()

		case Block:
			e.ActionTaken = audit.ActionBlocked
			e.Success = false
			g.record(ctx, e)
			g.raiseAlert(ctx, e, "request blocked by risk policy")
			metrics.MediationDecisionsTotal.WithLabelValues(string(action), "block").Inc()
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":          "request_blocked",
				"message":        "This request cannot be completed",
				"correlation_id": a.Metadata.CorrelationID,
				"risk_level":     a.RiskLevel,
			})
		}
	}
}

// applyFallback handles a scoring client that could not produce a
// verdict: synthesize locally and proceed flagged, or block with 503.
func (g *Guard) applyFallback(c *gin.Context, action assessment.ActionType, eventUserID string, hints requestHints, start time.Time, cause error) {
	ctx := c.Request.Context()

	if !g.cfg.FallbackEnabled {
		corr := idgen.Correlation()
		e := &audit.Event{
			EventType:      audit.EventRiskAssessment,
			UserID:         eventUserID,
			SessionID:      hints.SessionID,
			IPAddress:      c.ClientIP(),
			UserAgent:      c.Request.UserAgent(),
			CorrelationID:  corr,
			RiskLevel:      string(assessment.LevelUnknown),
			ActionTaken:    audit.ActionErrorFallback,
			Success:        false,
			ErrorMessage:   "risk scoring unavailable",
			ErrorCode:      "service_exhausted",
			EventData:      map[string]any{"action_type": string(action)},
			ProcessingTime: time.Since(start),
		}
		g.record(ctx, e)
		g.raiseAlert(ctx, e, "scoring unavailable with fallback disabled")
		metrics.MediationDecisionsTotal.WithLabelValues(string(action), "unavailable_block").Inc()
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":          "service_unavailable",
			"message":        "This request cannot be completed right now",
			"correlation_id": corr,
		})
		return
	}

	g.logger.Warn("applying fallback assessment", "action", action, "cause", cause)
	fb := g.assessor.Fallback(eventUserID, "service_unavailable")
	g.annotate(c, fb, action, Challenge, eventUserID, hints.SessionID)

	e := g.assessmentEvent(c, fb, action, eventUserID, hints, start)
	e.ActionTaken = audit.ActionErrorFallback
	e.ErrorCode = "service_exhausted"

	if g.cfg.FallbackProceeds {
		e.Success = true
		g.record(ctx, e)
		g.raiseAlert(ctx, e, "fallback assessment applied")
		metrics.MediationDecisionsTotal.WithLabelValues(string(action), "fallback_proceed").Inc()
		c.Next()
		return
	}

	e.Success = false
	g.record(ctx, e)
	g.raiseAlert(ctx, e, "fallback assessment blocked request")
	metrics.MediationDecisionsTotal.WithLabelValues(string(action), "fallback_block").Inc()
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
		"error":          "service_unavailable",
		"message":        "This request cannot be completed right now",
		"correlation_id": fb.Metadata.CorrelationID,
	})
}

// annotate publishes the verdict onto the gin context for the
// protected action and outcome logging.
func (g *Guard) annotate(c *gin.Context, a *assessment.RiskAssessment, action assessment.ActionType, enforcement Enforcement, userID, sessionID string) {
	c.Request = c.Request.WithContext(
		logging.WithCorrelationID(c.Request.Context(), a.Metadata.CorrelationID))
	c.Set(KeyRiskLevel, string(a.RiskLevel))
	c.Set(KeyCorrelationID, a.Metadata.CorrelationID)
	c.Set(KeyConfidenceScore, a.ConfidenceScore)
	c.Set(KeyRequiresReview, enforcement == Challenge)
	c.Set(KeyRequiresAdditionalAuth, enforcement == Challenge && action == assessment.ActionSensitive)
	c.Set(KeySecurityReasons, reasons(a))
	c.Set(KeyFallback, a.Metadata.Fallback)
	c.Set(KeyUserID, userID)
	if sessionID != "" {
		c.Set(KeySessionID, sessionID)
	}
}

// assessmentEvent builds the single risk_assessment event for a
// terminal mediation state. Caller fills ActionTaken and Success.
func (g *Guard) assessmentEvent(c *gin.Context, a *assessment.RiskAssessment, action assessment.ActionType, userID string, hints requestHints, start time.Time) *audit.Event {
	score := a.ConfidenceScore
	data := map[string]any{
		"action_type":     string(action),
		"factors":         a.Factors,
		"recommendations": a.Recommendations,
	}
	if hints.Amount != nil {
		data["amount"] = *hints.Amount
	}
	if a.Metadata.Fallback {
		data["fallback_reason"] = a.Metadata.FallbackReason
	}

	return &audit.Event{
		EventType:       audit.EventRiskAssessment,
		UserID:          userID,
		SessionID:       hints.SessionID,
		IPAddress:       c.ClientIP(),
		UserAgent:       c.Request.UserAgent(),
		CorrelationID:   a.Metadata.CorrelationID,
		RiskLevel:       string(a.RiskLevel),
		ConfidenceScore: &score,
		EventData:       data,
		ProcessingTime:  time.Since(start),
	}
}

// record appends an event, logging rather than failing on error: a
// storage hiccup must not take down the mediated request.
func (g *Guard) record(ctx context.Context, e *audit.Event) {
	if err := g.events.Append(ctx, e); err != nil {
		g.logger.Error("security event append failed",
			"event_type", e.EventType, "correlation_id", e.CorrelationID, "error", err)
		return
	}
	metrics.SecurityEventsTotal.WithLabelValues(string(e.EventType)).Inc()
}

// raiseAlert emits a security_alert event and notifies the live sink.
func (g *Guard) raiseAlert(ctx context.Context, cause *audit.Event, message string) {
	alert := &audit.Event{
		EventType:       audit.EventSecurityAlert,
		UserID:          cause.UserID,
		SessionID:       cause.SessionID,
		IPAddress:       cause.IPAddress,
		UserAgent:       cause.UserAgent,
		CorrelationID:   cause.CorrelationID,
		RiskLevel:       cause.RiskLevel,
		ConfidenceScore: cause.ConfidenceScore,
		ActionTaken:     audit.ActionAlertGenerated,
		Success:         true,
		EventData:       map[string]any{"message": message},
	}
	g.record(ctx, alert)
	if g.alerter != nil {
		g.alerter.Alert(alert)
	}
}

// peekHints reads identity hints from the body without consuming it.
func (g *Guard) peekHints(c *gin.Context) requestHints {
	var hints requestHints
	if c.Request.Body == nil {
		return hints
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxHintBytes))
	if err != nil {
		return hints
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	// Non-JSON bodies just carry no hints.
	_ = json.Unmarshal(body, &hints)
	return hints
}

func reasons(a *assessment.RiskAssessment) []string {
	var out []string
	for _, f := range a.Factors {
		if f.Details != "" {
			out = append(out, f.Details)
		}
	}
	return out
}
