// Package fingerprint synthesizes stable device fingerprint tokens from
// browser-reported signals.
//
// A fingerprint is a pure function of its input signals: the same device
// profile always yields the same token. When no signal can be read at
// all, Collect degrades to a random fallback token flagged unstable so
// callers never lose the ability to tag a session.
package fingerprint

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/nexshop/riskgate/internal/idgen"
	"github.com/nexshop/riskgate/internal/metrics"
)

// TokenPrefix marks synthesized fingerprint tokens.
const TokenPrefix = "fp_"

// DefaultSourceTimeout bounds each signal source.
const DefaultSourceTimeout = 250 * time.Millisecond

// Source produces one named signal string. Sources must be safe for
// concurrent use; a panicking or failing source contributes an empty
// placeholder rather than sinking the whole collection.
type Source struct {
	Name string
	Read func(ctx context.Context) (string, error)
}

// Result is the outcome of one fingerprint collection.
type Result struct {
	Token   string `json:"token"`
	Stable  bool   `json:"stable"`
	Signals int    `json:"signals"`  // sources that yielded a value
	OfTotal int    `json:"of_total"` // sources attempted
}

// Synthesizer derives fingerprint tokens from an ordered list of signal
// sources. Source order is part of the fingerprint identity: reordering
// sources changes every token.
type Synthesizer struct {
	sources       []Source
	sourceTimeout time.Duration
	logger        *slog.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithSourceTimeout overrides the per-source timeout.
func WithSourceTimeout(d time.Duration) Option {
	return func(s *Synthesizer) {
		if d > 0 {
			s.sourceTimeout = d
		}
	}
}

// WithLogger sets the synthesizer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synthesizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSynthesizer creates a synthesizer over the given ordered sources.
func NewSynthesizer(sources []Source, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		sources:       sources,
		sourceTimeout: DefaultSourceTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Collect reads every source concurrently and synthesizes a token.
//
// Values join in source declaration order regardless of completion
// order. A source that errors, panics, or exceeds its timeout
// contributes an empty placeholder. If every source comes back empty
// the result is a random unstable fallback token.
func (s *Synthesizer) Collect(ctx context.Context) Result {
	type reading struct {
		value string
		err   error
	}

	// All sources share one deadline from collection start. Each goroutine
	// delivers into its own buffered channel so a source that ignores its
	// context can be abandoned without leaking the sender.
	collCtx, cancel := context.WithTimeout(ctx, s.sourceTimeout)
	defer cancel()

	results := make([]chan reading, len(s.sources))
	for i, src := range s.sources {
		ch := make(chan reading, 1)
		results[i] = ch
		go func(src Source, ch chan<- reading) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("fingerprint source panicked", "source", src.Name, "panic", fmt.Sprint(r))
					ch <- reading{}
				}
			}()
			v, err := src.Read(collCtx)
			ch <- reading{value: v, err: err}
		}(src, ch)
	}

	values := make([]string, len(s.sources))
	for i := range s.sources {
		var r reading
		var ok bool
		select {
		case r = <-results[i]:
			ok = true
		case <-collCtx.Done():
			// Deadline passed; take the value only if it already arrived.
			select {
			case r = <-results[i]:
				ok = true
			default:
				s.logger.Debug("fingerprint source timed out", "source", s.sources[i].Name)
			}
		}
		if !ok {
			continue
		}
		if r.err != nil {
			s.logger.Debug("fingerprint source failed", "source", s.sources[i].Name, "error", r.err)
			continue
		}
		values[i] = r.value
	}

	yielded := 0
	for _, v := range values {
		if v != "" {
			yielded++
		}
	}

	if yielded == 0 {
		metrics.FingerprintCollectionsTotal.WithLabelValues("fallback").Inc()
		return Result{
			Token:   fallbackToken(),
			Stable:  false,
			Signals: 0,
			OfTotal: len(s.sources),
		}
	}

	metrics.FingerprintCollectionsTotal.WithLabelValues("ok").Inc()
	return Result{
		Token:   hashToken(values),
		Stable:  true,
		Signals: yielded,
		OfTotal: len(s.sources),
	}
}

// hashToken folds signal values into an FNV-1a 64 token.
func hashToken(values []string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join(values, "|")))
	return fmt.Sprintf("%s%016x", TokenPrefix, h.Sum64())
}

// fallbackToken mints a random token for sessions where every signal
// source failed. Not stable across requests.
func fallbackToken() string {
	return TokenPrefix + "fb" + idgen.Hex(8)
}
