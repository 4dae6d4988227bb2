package security

import "testing"

func TestValidateProviderURL(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		allowLocal bool
		wantErr    bool
	}{
		{"public https", "https://203.0.113.10", false, false},
		{"public http with port", "http://203.0.113.10:8443", false, false},
		{"bad scheme", "ftp://scoring.example.com", false, true},
		{"no host", "https://", false, true},
		{"not a url", "://nope", false, true},
		{"localhost blocked", "http://localhost:9000", false, true},
		{"loopback literal blocked", "http://127.0.0.1:9000", false, true},
		{"private literal blocked", "http://10.0.0.5", false, true},
		{"link local blocked", "http://169.254.1.1", false, true},
		{"metadata blocked", "http://metadata.google.internal", false, true},
		{"metadata blocked even local", "http://169.254.169.254", true, true},
		{"localhost allowed in dev", "http://localhost:9000", true, false},
		{"loopback allowed in dev", "http://127.0.0.1:9000", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProviderURL(tt.url, tt.allowLocal)
			if tt.wantErr && err == nil {
				t.Errorf("expected error for %s", tt.url)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error for %s: %v", tt.url, err)
			}
		})
	}
}
