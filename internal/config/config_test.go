package config

import "testing"

func TestGlobPatternsAdmits(t *testing.T) {
	tests := []struct {
		name     string
		patterns GlobPatterns
		group    string
		want     bool
	}{
		{"empty admits everything", nil, "comp.lang.go", true},
		{"exact match", GlobPatterns{"comp.lang.go"}, "comp.lang.go", true},
		{"star suffix", GlobPatterns{"comp.*"}, "comp.lang.go", true},
		{"star suffix no match", GlobPatterns{"comp.*"}, "alt.binaries.test", false},
		{"question mark", GlobPatterns{"alt.bi?.test"}, "alt.bin.test", true},
		{"question mark length mismatch", GlobPatterns{"alt.bi?.test"}, "alt.binaries.test", false},
		{"multiple patterns, second matches", GlobPatterns{"news.*", "alt.*"}, "alt.test", true},
		{"star matches empty run", GlobPatterns{"comp.lang.go*"}, "comp.lang.go", true},
		{"no pattern matches", GlobPatterns{"news.*"}, "alt.test", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.patterns.Admits(tt.group); got != tt.want {
				t.Errorf("Admits(%q) with %v = %v, want %v", tt.group, tt.patterns, got, tt.want)
			}
		})
	}
}

func TestNewDefaultServerConfig(t *testing.T) {
	cfg := NewDefaultServerConfig("primary", "news.example.net", 563)
	if cfg.Name != "primary" || cfg.Host != "news.example.net" || cfg.Port != 563 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.WorkerCount <= 0 {
		t.Fatalf("expected a positive default worker count, got %d", cfg.WorkerCount)
	}
	if cfg.Patterns != nil {
		t.Fatalf("expected nil default patterns (admits everything), got %v", cfg.Patterns)
	}
}

func TestPriorityString(t *testing.T) {
	if PriorityHigh.String() != "high" || PriorityNormal.String() != "normal" || PriorityLow.String() != "low" {
		t.Fatalf("unexpected priority strings: %s %s %s", PriorityHigh, PriorityNormal, PriorityLow)
	}
}
