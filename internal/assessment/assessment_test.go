package assessment

import "testing"

func TestThresholds_Level(t *testing.T) {
	th := DefaultThresholds()

	cases := []struct {
		score int
		want  RiskLevel
	}{
		{100, LevelAllow},
		{85, LevelAllow},
		{70, LevelAllow},
		{69, LevelReview},
		{50, LevelReview},
		{30, LevelReview},
		{29, LevelDeny},
		{10, LevelDeny},
		{0, LevelDeny},
	}
	for _, tc := range cases {
		if got := th.Level(tc.score); got != tc.want {
			t.Errorf("Level(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestThresholds_Custom(t *testing.T) {
	th := Thresholds{Allow: 90, Review: 50}
	if th.Level(85) != LevelReview {
		t.Error("custom allow boundary ignored")
	}
	if th.Level(49) != LevelDeny {
		t.Error("custom review boundary ignored")
	}
}

func TestActionType_Valid(t *testing.T) {
	for _, a := range []ActionType{ActionLogin, ActionCheckout, ActionSensitive} {
		if !a.Valid() {
			t.Errorf("%s should be valid", a)
		}
	}
	for _, a := range []ActionType{"", "transfer", "LOGIN"} {
		if a.Valid() {
			t.Errorf("%q should be invalid", a)
		}
	}
}

func TestStats_Snapshot(t *testing.T) {
	s := NewClientStats()
	s.recordSuccess(100)
	s.recordSuccess(300)
	s.recordFailure(200)
	s.recordExhausted(400)
	s.recordInvalidInput()

	snap := s.Snapshot()
	if snap.Total != 5 || snap.Succeeded != 2 || snap.Failed != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Exhausted != 1 || snap.InvalidInput != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	// Average covers the four networked calls only.
	if snap.AverageLatency != 250 {
		t.Errorf("average latency = %v, want 250ns", snap.AverageLatency)
	}
}

func TestStats_ExhaustedCountsAsTerminal(t *testing.T) {
	s := NewClientStats()
	s.recordExhausted(0)

	snap := s.Snapshot()
	if snap.Total != 1 || snap.Failed != 1 || snap.Exhausted != 1 {
		t.Errorf("exhausted outcome must count toward total and failed, got %+v", snap)
	}
}
