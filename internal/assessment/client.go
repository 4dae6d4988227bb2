package assessment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nexshop/riskgate/internal/circuitbreaker"
	"github.com/nexshop/riskgate/internal/idgen"
	"github.com/nexshop/riskgate/internal/metrics"
	"github.com/nexshop/riskgate/internal/retry"
	"github.com/nexshop/riskgate/internal/traces"
	"github.com/nexshop/riskgate/internal/validation"
)

const (
	verifyPath  = "/api/v1/identity/verify"
	historyPath = "/api/v1/identity/history"
	healthPath  = "/api/v1/health"
)

// ClientConfig configures the scoring service client.
type ClientConfig struct {
	// BaseURL is the scoring service base address.
	BaseURL string
	// APIKey is the bearer credential. Empty disables the header.
	APIKey string
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	// MaxRetries is the number of attempts for retryable failures.
	MaxRetries int
	// RetryBackoff is the base delay; doubled per attempt.
	RetryBackoff time.Duration
	// Thresholds override the provider's risk-level mapping when the
	// response omits a level. Zero value means DefaultThresholds.
	Thresholds Thresholds
	// FallbackLevel is the risk level assigned to synthesized
	// assessments. Empty means REVIEW.
	FallbackLevel RiskLevel
	// Breaker, when set, short-circuits calls to an exhausted error
	// while the provider circuit is open.
	Breaker *circuitbreaker.Breaker
}

// Client is a synchronous request/response wrapper around the external
// scoring service. One instance is safe for concurrent use; the retry
// loop is sequential per call only.
type Client struct {
	cfg           ClientConfig
	httpClient    *http.Client
	stats         *ClientStats
	logger        *slog.Logger
	thresholds    Thresholds
	fallbackLevel RiskLevel
}

// NewClient creates a scoring service client.
func NewClient(cfg ClientConfig, stats *ClientStats, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if stats == nil {
		stats = NewClientStats()
	}
	if logger == nil {
		logger = slog.Default()
	}
	th := cfg.Thresholds
	if th.Allow == 0 && th.Review == 0 {
		th = DefaultThresholds()
	}
	level := cfg.FallbackLevel
	if level == "" {
		level = LevelReview
	}
	return &Client{
		cfg:           cfg,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		stats:         stats,
		logger:        logger,
		thresholds:    th,
		fallbackLevel: level,
	}
}

// Stats returns the client's counters.
func (c *Client) Stats() *ClientStats { return c.stats }

// verifyRequest is the provider wire format for a scoring call.
type verifyRequest struct {
	UserID      string            `json:"user_id"`
	IPAddress   string            `json:"ip_address"`
	UserAgent   string            `json:"user_agent"`
	SessionData verifySessionData `json:"session_data"`
	Context     verifyContext     `json:"context"`
}

type verifySessionData struct {
	Timestamp         time.Time      `json:"timestamp"`
	DeviceFingerprint string         `json:"device_fingerprint,omitempty"`
	AdditionalData    map[string]any `json:"additional_data,omitempty"`
}

type verifyContext struct {
	ActionType        ActionType     `json:"action_type"`
	Amount            *float64       `json:"amount,omitempty"`
	AdditionalContext map[string]any `json:"additional_context,omitempty"`
}

// verifyResponse is the provider wire format for a scoring verdict.
type verifyResponse struct {
	ConfidenceScore int              `json:"confidence_score"`
	RiskLevel       RiskLevel        `json:"risk_level"`
	RiskFactors     []wireFactor     `json:"risk_factors"`
	Recommendations []Recommendation `json:"recommendations"`
	Metadata        struct {
		ProcessingTimeMS int    `json:"processing_time_ms"`
		RequestID        string `json:"request_id"`
		APIVersion       string `json:"api_version"`
	} `json:"metadata"`
	RequestID string `json:"request_id"`
}

type wireFactor struct {
	Factor       string         `json:"factor"`
	Score        int            `json:"score"`
	Weight       float64        `json:"weight"`
	Details      string         `json:"details"`
	ProviderData map[string]any `json:"proxycheck_data"`
}

// ValidateContext checks an identity context against the input
// contract. Returns an *InvalidInputError naming the first failing
// field, or nil.
func ValidateContext(ic IdentityContext) error {
	errs := validation.Validate(
		validation.Required("user_id", ic.UserID),
		validation.MaxLength("user_id", ic.UserID, validation.MaxUserIDLength),
		validation.Required("ip_address", ic.IPAddress),
		validation.ValidIP("ip_address", ic.IPAddress),
		validation.Required("user_agent", ic.UserAgent),
		validation.OneOf("action_type", string(ic.Action),
			string(ActionLogin), string(ActionCheckout), string(ActionSensitive)),
		validation.NonNegative("amount", ic.Amount),
	)
	if len(errs) > 0 {
		return &InvalidInputError{Field: errs[0].Field, Reason: errs[0].Message}
	}
	return nil
}

// Verify scores an identity context against the scoring service.
//
// Validation failures return an *InvalidInputError without touching
// the network. Network failures, timeouts, and 5xx responses are
// retried up to MaxRetries with exponential backoff; once the budget
// is spent the call returns ErrServiceExhausted so the caller can
// decide whether to invoke Fallback. 4xx responses are never retried.
func (c *Client) Verify(ctx context.Context, ic IdentityContext) (*RiskAssessment, error) {
	if err := ValidateContext(ic); err != nil {
		c.stats.recordInvalidInput()
		metrics.AssessmentCallsTotal.WithLabelValues("invalid_input").Inc()
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "assessment.verify",
		traces.UserID(ic.UserID), traces.Action(string(ic.Action)))
	defer span.End()

	if c.cfg.Breaker != nil && !c.cfg.Breaker.Allow() {
		c.stats.recordExhausted(0)
		metrics.AssessmentCallsTotal.WithLabelValues("exhausted").Inc()
		return nil, fmt.Errorf("circuit open: %w", ErrServiceExhausted)
	}

	body, err := json.Marshal(c.buildRequest(ic))
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}

	start := time.Now()
	var result *RiskAssessment

	err = retry.Do(ctx, c.cfg.MaxRetries, c.cfg.RetryBackoff, func() error {
		attempt, attemptErr := c.doVerify(ctx, body)
		if attemptErr != nil {
			metrics.AssessmentRetriesTotal.Inc()
			return attemptErr
		}
		result = attempt
		return nil
	})

	elapsed := time.Since(start)

	switch {
	case err == nil:
		if c.cfg.Breaker != nil {
			c.cfg.Breaker.RecordSuccess()
		}
		c.stats.recordSuccess(elapsed)
		metrics.AssessmentCallsTotal.WithLabelValues("success").Inc()
		metrics.AssessmentDuration.Observe(elapsed.Seconds())
		return result, nil

	case ctx.Err() != nil:
		// Host request cancelled; abandon without logging a partial
		// outcome. The in-flight attempt is not counted as terminal.
		return nil, ctx.Err()

	default:
		if c.cfg.Breaker != nil {
			c.cfg.Breaker.RecordFailure()
		}
		var se *ServiceError
		if errors.As(err, &se) {
			c.stats.recordExhausted(elapsed)
			metrics.AssessmentCallsTotal.WithLabelValues("exhausted").Inc()
			c.logger.Warn("scoring service exhausted",
				"user_id", ic.UserID,
				"action", ic.Action,
				"attempts", c.cfg.MaxRetries,
				"error", err,
			)
			return nil, fmt.Errorf("%w: %v", ErrServiceExhausted, err)
		}
		// Non-retryable provider rejection (4xx, malformed body).
		c.stats.recordFailure(elapsed)
		metrics.AssessmentCallsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
}

func (c *Client) buildRequest(ic IdentityContext) verifyRequest {
	return verifyRequest{
		UserID:    ic.UserID,
		IPAddress: ic.IPAddress,
		UserAgent: ic.UserAgent,
		SessionData: verifySessionData{
			Timestamp:         time.Now().UTC(),
			DeviceFingerprint: ic.Fingerprint,
			AdditionalData:    ic.SessionData,
		},
		Context: verifyContext{
			ActionType:        ic.Action,
			Amount:            ic.Amount,
			AdditionalContext: ic.Extra,
		},
	}
}

// doVerify performs one HTTP attempt. Retryable failures come back as
// *ServiceError; everything else is wrapped retry.Permanent.
func (c *Client) doVerify(ctx context.Context, body []byte) (*RiskAssessment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+verifyPath, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ServiceError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		drain(resp.Body)
		return nil, &ServiceError{StatusCode: resp.StatusCode, Err: fmt.Errorf("server error")}
	}
	if resp.StatusCode != http.StatusOK {
		drain(resp.Body)
		return nil, retry.Permanent(fmt.Errorf("scoring service rejected request: status %d", resp.StatusCode))
	}

	var wire verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode verify response: %w", err))
	}

	return c.fromWire(&wire), nil
}

func (c *Client) fromWire(wire *verifyResponse) *RiskAssessment {
	level := wire.RiskLevel
	if level == "" {
		level = c.thresholds.Level(wire.ConfidenceScore)
	}

	correlationID := wire.Metadata.RequestID
	if correlationID == "" {
		correlationID = wire.RequestID
	}
	if correlationID == "" {
		// Provider sent no request id; mint one so every assessment
		// and its audit events stay correlatable.
		correlationID = idgen.Correlation()
	}

	factors := make([]RiskFactor, 0, len(wire.RiskFactors))
	for _, f := range wire.RiskFactors {
		factors = append(factors, RiskFactor{
			Factor:       f.Factor,
			Score:        f.Score,
			Weight:       f.Weight,
			Details:      f.Details,
			ProviderData: f.ProviderData,
		})
	}

	return &RiskAssessment{
		ConfidenceScore: wire.ConfidenceScore,
		RiskLevel:       level,
		Factors:         factors,
		Recommendations: wire.Recommendations,
		Metadata: AssessmentMetadata{
			CorrelationID:  correlationID,
			ProcessingTime: time.Duration(wire.Metadata.ProcessingTimeMS) * time.Millisecond,
			APIVersion:     wire.Metadata.APIVersion,
		},
	}
}

// History returns a page of past assessments for a user. Not retried:
// history is a read-side convenience, and callers handle staleness.
func (c *Client) History(ctx context.Context, userID string, f HistoryFilters) (*HistoryPage, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &InvalidInputError{Field: "user_id", Reason: "is required"}
	}

	q := url.Values{}
	q.Set("user_id", userID)
	if !f.StartDate.IsZero() {
		q.Set("start_date", f.StartDate.UTC().Format(time.RFC3339))
	}
	if !f.EndDate.IsZero() {
		q.Set("end_date", f.EndDate.UTC().Format(time.RFC3339))
	}
	if f.RiskLevel != "" {
		q.Set("risk_level", string(f.RiskLevel))
	}
	if f.ActionType != "" {
		q.Set("action_type", string(f.ActionType))
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+historyPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ServiceError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		drain(resp.Body)
		return nil, fmt.Errorf("history query failed: status %d", resp.StatusCode)
	}

	var wire struct {
		Data       []AssessmentRecord `json:"data"`
		Pagination struct {
			CurrentPage  int  `json:"current_page"`
			TotalPages   int  `json:"total_pages"`
			TotalRecords int  `json:"total_records"`
			HasNext      bool `json:"has_next"`
		} `json:"pagination"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}

	return &HistoryPage{
		Records:      wire.Data,
		CurrentPage:  wire.Pagination.CurrentPage,
		TotalPages:   wire.Pagination.TotalPages,
		TotalRecords: wire.Pagination.TotalRecords,
		HasNext:      wire.Pagination.HasNext,
	}, nil
}

// Health probes the scoring service. A single attempt, no retries.
func (c *Client) Health(ctx context.Context) (*ProviderStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+healthPath, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProviderStatus{Healthy: false, Status: "unreachable", Latency: time.Since(start)}, nil
	}
	defer resp.Body.Close()

	status := &ProviderStatus{
		Healthy: resp.StatusCode == http.StatusOK,
		Status:  "degraded",
		Latency: time.Since(start),
	}

	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Status != "" {
		status.Status = body.Status
		status.Version = body.Version
	} else if status.Healthy {
		status.Status = "healthy"
	}

	return status, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "riskgate/1.0")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

// drain reads the remainder of a response body so the connection can
// be reused.
func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 4096))
}
