package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/nexshop/riskgate/internal/audit"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func denyAlert(userID string) *Alert {
	return &Alert{
		Type:      "security_alert",
		Timestamp: time.Now(),
		Event: &audit.Event{
			EventType:   audit.EventSecurityAlert,
			UserID:      userID,
			IPAddress:   "203.0.113.7",
			RiskLevel:   "DENY",
			ActionTaken: audit.ActionAlertGenerated,
		},
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllAlerts(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllAlerts: true}}

	if !h.shouldSend(client, denyAlert("u1")) {
		t.Error("AllAlerts subscriber should receive everything")
	}
}

func TestShouldSend_RiskLevelFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		RiskLevels: []string{"DENY"},
	}}

	deny := denyAlert("u1")
	review := denyAlert("u1")
	review.Event.RiskLevel = "REVIEW"

	if !h.shouldSend(client, deny) {
		t.Error("Should receive DENY alerts")
	}
	if h.shouldSend(client, review) {
		t.Error("Should NOT receive REVIEW alerts")
	}
}

func TestShouldSend_UserFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		UserIDs: []string{"user_42"},
	}}

	if !h.shouldSend(client, denyAlert("user_42")) {
		t.Error("Should match on user id")
	}
	if h.shouldSend(client, denyAlert("user_99")) {
		t.Error("Should NOT match other users")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{"security_alert"},
	}}

	alert := denyAlert("u1")
	other := denyAlert("u1")
	other.Event.EventType = audit.EventRiskAssessment

	if !h.shouldSend(client, alert) {
		t.Error("Should receive security_alert events")
	}
	if h.shouldSend(client, other) {
		t.Error("Should NOT receive risk_assessment events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllAlerts
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, denyAlert("u1")) {
		t.Error("Empty subscription (no filters) should receive alerts")
	}
}

func TestShouldSend_NilEvent(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{RiskLevels: []string{"DENY"}}}

	// An alert without a payload should not crash the filter
	if !h.shouldSend(client, &Alert{Type: "security_alert"}) {
		t.Error("Nil event should pass through filters")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connected_subscribers"].(int) != 0 {
		t.Errorf("Expected 0 subscribers, got %v", stats["connected_subscribers"])
	}
	if stats["total_alerts"].(int64) != 0 {
		t.Errorf("Expected 0 total alerts, got %v", stats["total_alerts"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(denyAlert("u1"))
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["total_alerts"].(int64) != 1 {
		t.Errorf("Expected 1 total alert, got %v", stats["total_alerts"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllAlerts: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connected_subscribers"].(int) != 1 {
		t.Errorf("Expected 1 subscriber, got %v", stats["connected_subscribers"])
	}
	if stats["peak_subscribers"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peak_subscribers"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connected_subscribers"].(int) != 0 {
		t.Errorf("Expected 0 subscribers after unregister, got %v", stats["connected_subscribers"])
	}
	// Peak should still be 1
	if stats["peak_subscribers"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peak_subscribers"])
	}
}

func TestHub_BroadcastToSubscriber(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllAlerts: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(denyAlert("u1"))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_AlertFromMediationOutcome(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic or block
	h.Alert(&audit.Event{
		EventType:   audit.EventSecurityAlert,
		IPAddress:   "203.0.113.7",
		RiskLevel:   "DENY",
		ActionTaken: audit.ActionAlertGenerated,
	})
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Subscriber only wants DENY alerts
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{RiskLevels: []string{"DENY"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// A REVIEW alert should be filtered out
	review := denyAlert("u1")
	review.Event.RiskLevel = "REVIEW"
	h.Broadcast(review)
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Subscriber should NOT receive REVIEW alert")
	default:
		// Good - filtered out
	}

	// A DENY alert should arrive
	h.Broadcast(denyAlert("u1"))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Subscriber should receive DENY alert")
	}
}
