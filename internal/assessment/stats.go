package assessment

import (
	"sync/atomic"
	"time"
)

// ClientStats tracks process-lifetime call counters for one client.
// Updated atomically on every terminal outcome; safe under concurrent
// completions. Not persisted across restarts.
type ClientStats struct {
	total        atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	exhausted    atomic.Int64
	invalidInput atomic.Int64
	totalLatency atomic.Int64 // nanoseconds across succeeded+failed calls
}

// NewClientStats creates a zeroed stats instance. Inject one per
// client; there is no process-wide singleton.
func NewClientStats() *ClientStats {
	return &ClientStats{}
}

func (s *ClientStats) recordSuccess(latency time.Duration) {
	s.total.Add(1)
	s.succeeded.Add(1)
	s.totalLatency.Add(int64(latency))
}

func (s *ClientStats) recordFailure(latency time.Duration) {
	s.total.Add(1)
	s.failed.Add(1)
	s.totalLatency.Add(int64(latency))
}

// recordExhausted marks one terminal exhausted outcome. Counts toward
// total and failed so breaker rejections and retry exhaustion surface
// identically in Snapshot.
func (s *ClientStats) recordExhausted(latency time.Duration) {
	s.total.Add(1)
	s.failed.Add(1)
	s.exhausted.Add(1)
	s.totalLatency.Add(int64(latency))
}

func (s *ClientStats) recordInvalidInput() {
	s.total.Add(1)
	s.failed.Add(1)
	s.invalidInput.Add(1)
}

// StatsSnapshot is a read-only view of the counters.
type StatsSnapshot struct {
	Total          int64         `json:"total"`
	Succeeded      int64         `json:"succeeded"`
	Failed         int64         `json:"failed"`
	Exhausted      int64         `json:"exhausted"`
	InvalidInput   int64         `json:"invalid_input"`
	AverageLatency time.Duration `json:"average_latency"`
}

// Snapshot returns the current counter values. The average latency
// covers calls that reached the network (succeeded or failed).
func (s *ClientStats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Total:        s.total.Load(),
		Succeeded:    s.succeeded.Load(),
		Failed:       s.failed.Load(),
		Exhausted:    s.exhausted.Load(),
		InvalidInput: s.invalidInput.Load(),
	}
	networked := snap.Succeeded + (snap.Failed - snap.InvalidInput)
	if networked > 0 {
		snap.AverageLatency = time.Duration(s.totalLatency.Load() / networked)
	}
	return snap
}
