package detect

import (
	"strings"
	"testing"
)

func TestNewPolicySkip(t *testing.T) {
	r := NewPolicySkip(`C:\Users\a\big.iso`, "Skipped: file too large (>500MB)", SourcePolicy)

	if r.IsMalware {
		t.Error("Policy skip must not be a detection")
	}
	if r.Severity != SeverityNotice {
		t.Errorf("Expected NOTICE severity, got %s", r.Severity)
	}
	if r.DetectionSource != SourcePolicy {
		t.Errorf("Expected POLICY source, got %s", r.DetectionSource)
	}
	if r.Filename != "big.iso" {
		t.Errorf("Expected basename big.iso, got %s", r.Filename)
	}
	if !strings.Contains(r.Timestamp, "-") || !strings.Contains(r.Timestamp, ":") {
		t.Errorf("Timestamp not in wall-clock format: %q", r.Timestamp)
	}
}

func TestContextAccumulatesUnderGuard(t *testing.T) {
	enabled := true
	ctx := NewContext("/tmp/x.bin", func() bool { return enabled })

	ctx.AddMatch("R1")
	ctx.AddMatch("R2")
	enabled = false
	ctx.AddMatch("R3")

	rules := ctx.MatchedRules()
	if len(rules) != 2 || rules[0] != "R1" || rules[1] != "R2" {
		t.Errorf("Expected [R1 R2], got %v", rules)
	}
}

func TestMatchedRulesReturnsCopy(t *testing.T) {
	ctx := NewContext("/tmp/x.bin", nil)
	ctx.AddMatch("R1")

	rules := ctx.MatchedRules()
	rules[0] = "mutated"

	if got := ctx.MatchedRules()[0]; got != "R1" {
		t.Errorf("Accumulator must not share backing storage with callers, got %q", got)
	}
}

func TestAggregatedDescription(t *testing.T) {
	got := AggregatedDescription([]string{"R1", "R2"})
	if got != "Matched 2 rule(s): R1, R2" {
		t.Errorf("Unexpected description: %q", got)
	}
}
