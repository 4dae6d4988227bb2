package audit

import (
	"context"
	"sync"
	"time"

	"github.com/nexshop/riskgate/internal/idgen"
	"github.com/nexshop/riskgate/internal/pagination"
)

// MemoryStore keeps security events in memory for demo/testing.
type MemoryStore struct {
	events []*Event
	mu     sync.RWMutex
}

// NewMemoryStore creates an in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("evt_")
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	if cp.EventData != nil {
		data := make(map[string]any, len(cp.EventData))
		for k, v := range cp.EventData {
			data[k] = v
		}
		cp.EventData = data
	}
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]*Event, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := clampLimit(f.Limit)
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, "", err
	}

	// Newest-first; fetch one extra to detect another page.
	var matched []*Event
	for i := len(s.events) - 1; i >= 0 && len(matched) <= limit; i-- {
		e := s.events[i]
		if !matches(e, f) {
			continue
		}
		if cursor != nil {
			if e.Timestamp.After(cursor.CreatedAt) {
				continue
			}
			if e.Timestamp.Equal(cursor.CreatedAt) && e.ID >= cursor.ID {
				continue
			}
		}
		cp := *e
		matched = append(matched, &cp)
	}

	page, next, _ := pagination.ComputePage(matched, limit, func(e *Event) (time.Time, string) {
		return e.Timestamp, e.ID
	})
	return page, next, nil
}

func (s *MemoryStore) Summary(_ context.Context, from, to time.Time) (*SummaryReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := &SummaryReport{
		ByRiskLevel:   make(map[string]int64),
		ByActionTaken: make(map[string]int64),
		ByEventType:   make(map[string]int64),
		From:          from,
		To:            to,
	}
	for _, e := range s.events {
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			continue
		}
		report.Total++
		report.ByRiskLevel[e.RiskLevel]++
		report.ByActionTaken[string(e.ActionTaken)]++
		report.ByEventType[string(e.EventType)]++
	}
	return report, nil
}

// Events returns all stored events oldest-first (for testing).
func (s *MemoryStore) Events() []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Event, len(s.events))
	copy(result, s.events)
	return result
}

func matches(e *Event, f Filter) bool {
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.RiskLevel != "" && e.RiskLevel != f.RiskLevel {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.ActionTaken != "" && e.ActionTaken != f.ActionTaken {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}
