package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", LevelDebug, false},
		{"Info", LevelInfo, false},
		{"warn", LevelWarning, false},
		{"WARNING", LevelWarning, false},
		{"error", LevelError, false},
		{"fatal", LevelFatal, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestConfigure(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		Configure(Options{Level: "INFO", SampleRate: 100})
	})

	if err := Configure(Options{Level: "bogus"}); err == nil {
		t.Fatal("Configure accepted an unknown level")
	}

	if err := Configure(Options{Level: "warn", SampleRate: 1}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if GetLevel() != LevelWarning {
		t.Errorf("GetLevel() = %v, want WARN", GetLevel())
	}

	Info("below the level")
	Warn("pack rejected", "pack", "veteran")

	out := buf.String()
	if strings.Contains(out, "below the level") {
		t.Errorf("info record written at WARN level: %s", out)
	}
	if !strings.Contains(out, `"msg":"pack rejected"`) || !strings.Contains(out, `"pack":"veteran"`) {
		t.Errorf("warning missing from output: %s", out)
	}
}

func TestSampler(t *testing.T) {
	var s sampler

	s.setRate(0)
	for i := 0; i < 10; i++ {
		if !s.allow() {
			t.Fatal("rate below one must let every call through")
		}
	}

	s.setRate(1_000_000)
	allowed := 0
	for i := 0; i < 1000; i++ {
		if s.allow() {
			allowed++
		}
	}
	if allowed > 10 {
		t.Errorf("allowed %d of 1000 calls at 1/1000000", allowed)
	}
}

func TestCountersAlwaysIncrement(t *testing.T) {
	before := Counters()

	CountPass()
	CountEvaluationError()
	CountFetchError()
	CountCompletion()
	CountTransition()
	CountFatal()
	CountSkippedTick()
	Warn("sampled warning")
	Crash("unsampled crash")

	after := Counters()

	deltas := map[string]int64{
		"evaluationPasses":  1,
		"evaluationErrors":  1,
		"sourceFetchErrors": 1,
		"completedActions":  1,
		"stateTransitions":  1,
		"fatalCrashes":      1,
		"skippedTicks":      1,
		"totalWarnings":     2,
		"totalErrors":       3,
	}
	for name, delta := range deltas {
		if got := after[name] - before[name]; got != delta {
			t.Errorf("%s grew by %d, want %d", name, got, delta)
		}
	}
}
