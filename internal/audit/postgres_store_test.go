package audit

import (
	"context"
	"testing"
	"time"

	"github.com/nexshop/riskgate/internal/testutil"
)

func TestPostgresStore_AppendAndQuery(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	score := 85
	e := &Event{
		EventType:       EventRiskAssessment,
		UserID:          "user_42",
		IPAddress:       "203.0.113.7",
		UserAgent:       "Mozilla/5.0",
		CorrelationID:   "req_pg1",
		RiskLevel:       "ALLOW",
		ConfidenceScore: &score,
		ActionTaken:     ActionAssessed,
		Success:         true,
		EventData:       map[string]any{"action": "login"},
		ProcessingTime:  120 * time.Millisecond,
	}
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if e.ID == "" {
		t.Fatal("expected assigned id")
	}

	events, _, err := store.Query(ctx, Filter{CorrelationID: "req_pg1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	got := events[0]
	if got.UserID != "user_42" {
		t.Errorf("user_id = %q", got.UserID)
	}
	if got.ConfidenceScore == nil || *got.ConfidenceScore != 85 {
		t.Errorf("confidence_score = %v", got.ConfidenceScore)
	}
	if got.EventData["action"] != "login" {
		t.Errorf("event_data = %v", got.EventData)
	}
	if got.ProcessingTime != 120*time.Millisecond {
		t.Errorf("processing_time = %v", got.ProcessingTime)
	}
}

func TestPostgresStore_NullableFields(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	// Anonymous event: no user, no session, no score.
	e := &Event{
		EventType:     EventAuthFailure,
		IPAddress:     "198.51.100.9",
		CorrelationID: "req_pg2",
		RiskLevel:     "UNKNOWN",
		ActionTaken:   ActionErrorFallback,
	}
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	events, _, err := store.Query(ctx, Filter{CorrelationID: "req_pg2"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].UserID != "" || events[0].ConfidenceScore != nil {
		t.Errorf("expected empty nullable fields, got %+v", events[0])
	}
}

func TestPostgresStore_Pagination(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		e := &Event{
			EventType:   EventLoginAttempt,
			UserID:      "user_page",
			IPAddress:   "203.0.113.7",
			RiskLevel:   "ALLOW",
			ActionTaken: ActionAllowed,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	seen := map[string]bool{}
	cursor := ""
	for {
		events, next, err := store.Query(ctx, Filter{UserID: "user_page", Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		for _, e := range events {
			if seen[e.ID] {
				t.Fatalf("event %s returned twice", e.ID)
			}
			seen[e.ID] = true
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if len(seen) != 5 {
		t.Errorf("expected 5 distinct events, got %d", len(seen))
	}
}

func TestPostgresStore_Summary(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	now := time.Now().UTC()
	for _, level := range []string{"ALLOW", "ALLOW", "DENY"} {
		action := ActionAllowed
		if level == "DENY" {
			action = ActionBlocked
		}
		e := &Event{
			EventType:   EventCheckoutAttempt,
			IPAddress:   "203.0.113.7",
			RiskLevel:   level,
			ActionTaken: action,
			Timestamp:   now,
		}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	report, err := store.Summary(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if report.Total != 3 {
		t.Errorf("total = %d", report.Total)
	}
	if report.ByRiskLevel["ALLOW"] != 2 {
		t.Errorf("ALLOW = %d", report.ByRiskLevel["ALLOW"])
	}
	if report.ByActionTaken["blocked"] != 1 {
		t.Errorf("blocked = %d", report.ByActionTaken["blocked"])
	}
}
