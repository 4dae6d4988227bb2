package fingerprint

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func testProfile() DeviceProfile {
	return DeviceProfile{
		CanvasSignature: "canvas-abc123",
		WebGLSignature:  "webgl-def456",
		AudioSignature:  "audio-789",
		UserAgent:       "Mozilla/5.0",
		Language:        "en-US",
		Timezone:        "America/Sao_Paulo",
		ScreenWidth:     1920,
		ScreenHeight:    1080,
		ColorDepth:      24,
		Capabilities:    map[string]string{"webrtc": "true", "touch": "false"},
	}
}

func TestCollect_Deterministic(t *testing.T) {
	s := NewSynthesizer(ProfileSources(testProfile()))

	first := s.Collect(context.Background())
	if !first.Stable {
		t.Fatal("expected stable result")
	}
	if !strings.HasPrefix(first.Token, TokenPrefix) {
		t.Fatalf("expected %s prefix, got %q", TokenPrefix, first.Token)
	}
	if len(first.Token) != len(TokenPrefix)+16 {
		t.Fatalf("expected 16 hex chars after prefix, got %q", first.Token)
	}

	for i := 0; i < 10; i++ {
		if got := s.Collect(context.Background()); got.Token != first.Token {
			t.Fatalf("run %d: token %q != %q", i, got.Token, first.Token)
		}
	}
}

func TestCollect_DifferentProfilesDiffer(t *testing.T) {
	a := NewSynthesizer(ProfileSources(testProfile())).Collect(context.Background())

	p := testProfile()
	p.CanvasSignature = "canvas-zzz999"
	b := NewSynthesizer(ProfileSources(p)).Collect(context.Background())

	if a.Token == b.Token {
		t.Fatal("different profiles must not collide on the same token")
	}
}

func TestCollect_CapabilityOrderIrrelevant(t *testing.T) {
	p := testProfile()
	p.Capabilities = map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"}
	want := NewSynthesizer(ProfileSources(p)).Collect(context.Background()).Token

	for i := 0; i < 5; i++ {
		got := NewSynthesizer(ProfileSources(p)).Collect(context.Background()).Token
		if got != want {
			t.Fatal("capability map iteration order leaked into the token")
		}
	}
}

func TestCollect_FailingSourceYieldsPlaceholder(t *testing.T) {
	sources := []Source{
		staticSource("ok", "value"),
		{Name: "broken", Read: func(context.Context) (string, error) {
			return "", errors.New("signal unavailable")
		}},
	}
	res := NewSynthesizer(sources).Collect(context.Background())

	if !res.Stable {
		t.Fatal("one failing source must not force fallback")
	}
	if res.Signals != 1 || res.OfTotal != 2 {
		t.Errorf("signals = %d/%d", res.Signals, res.OfTotal)
	}

	// Same as if the source had returned empty directly.
	want := NewSynthesizer([]Source{
		staticSource("ok", "value"),
		staticSource("broken", ""),
	}).Collect(context.Background())
	if res.Token != want.Token {
		t.Errorf("failing source token %q != empty source token %q", res.Token, want.Token)
	}
}

func TestCollect_PanickingSourceIsContained(t *testing.T) {
	sources := []Source{
		staticSource("ok", "value"),
		{Name: "panicky", Read: func(context.Context) (string, error) {
			panic("boom")
		}},
	}
	res := NewSynthesizer(sources).Collect(context.Background())
	if !res.Stable || res.Signals != 1 {
		t.Fatalf("expected stable result with 1 signal, got %+v", res)
	}
}

func TestCollect_SlowSourceTimesOut(t *testing.T) {
	sources := []Source{
		staticSource("ok", "value"),
		{Name: "slow", Read: func(ctx context.Context) (string, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}},
	}
	s := NewSynthesizer(sources, WithSourceTimeout(20*time.Millisecond))

	start := time.Now()
	res := s.Collect(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("collection waited on slow source: %v", elapsed)
	}
	if res.Signals != 1 {
		t.Errorf("expected slow source to be dropped, got %d signals", res.Signals)
	}
}

func TestCollect_ContextIgnoringSourceIsAbandoned(t *testing.T) {
	sources := []Source{
		staticSource("ok", "value"),
		{Name: "stuck", Read: func(ctx context.Context) (string, error) {
			time.Sleep(5 * time.Second) // never checks ctx
			return "too late", nil
		}},
	}
	s := NewSynthesizer(sources, WithSourceTimeout(20*time.Millisecond))

	start := time.Now()
	res := s.Collect(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("collection blocked on a source that ignores its context: %v", elapsed)
	}
	if res.Signals != 1 {
		t.Errorf("expected stuck source to be dropped, got %d signals", res.Signals)
	}
	if !res.Stable {
		t.Error("expected a stable token from the surviving source")
	}
}

func TestCollect_TotalFailureFallsBack(t *testing.T) {
	res := NewSynthesizer(ProfileSources(DeviceProfile{})).Collect(context.Background())

	if res.Stable {
		t.Fatal("expected unstable fallback result")
	}
	if !strings.HasPrefix(res.Token, TokenPrefix+"fb") {
		t.Fatalf("expected fallback token prefix, got %q", res.Token)
	}

	// Fallback tokens are random, never reused.
	again := NewSynthesizer(ProfileSources(DeviceProfile{})).Collect(context.Background())
	if res.Token == again.Token {
		t.Fatal("fallback tokens must not repeat")
	}
}

func TestCollect_OrderMatters(t *testing.T) {
	forward := NewSynthesizer([]Source{
		staticSource("a", "one"),
		staticSource("b", "two"),
	}).Collect(context.Background())
	reversed := NewSynthesizer([]Source{
		staticSource("b", "two"),
		staticSource("a", "one"),
	}).Collect(context.Background())

	if forward.Token == reversed.Token {
		t.Fatal("source order is part of the fingerprint identity")
	}
}
