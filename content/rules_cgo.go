//go:build !mock && !disable_yara
// +build !mock,!disable_yara

// Package content runs the compiled YARA rule set over file contents.
// The rule set is consumed read-only from a pre-built artifact produced
// by the signature-provisioning side; this package never compiles rule
// source text at scan time.
package content

import (
	"fmt"
	"sync"

	"github.com/hillu/go-yara/v4"

	"pbl4av/detect"
	"pbl4av/errs"
)

// RuleSet wraps a compiled YARA rule set loaded from a .yarc artifact.
// It is owned exclusively by the scan orchestrator and is not safe for
// concurrent scans; the orchestrator serializes access behind its
// engine mutex.
type RuleSet struct {
	rules  *yara.Rules
	mu     sync.Mutex
	closed bool
}

// LoadRuleSet loads a pre-compiled rule artifact from disk.
func LoadRuleSet(path string) (*RuleSet, error) {
	rules, err := yara.LoadRules(path)
	if err != nil {
		return nil, errs.New(errs.Config, "content.LoadRuleSet", fmt.Errorf("failed to load compiled rules from %s: %v", path, err))
	}
	return &RuleSet{rules: rules}, nil
}

// ScanFile scans a whole file on disk, appending every matching rule's
// identifier to the scan context. Fast mode stops at the first match
// per rule.
func (rs *RuleSet) ScanFile(path string, ctx *detect.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return errs.New(errs.Scan, "content.ScanFile", fmt.Errorf("rule set is closed"))
	}

	var matches yara.MatchRules
	if err := rs.rules.ScanFile(path, yara.ScanFlagsFastMode, 0, &matches); err != nil {
		return errs.New(errs.Scan, "content.ScanFile", fmt.Errorf("YARA scan failed for file %s: %v", path, err))
	}
	for _, m := range matches {
		ctx.AddMatch(m.Rule)
	}
	return nil
}

// ScanMem scans an in-memory buffer, used for the prefix+suffix sample
// of large files.
func (rs *RuleSet) ScanMem(data []byte, ctx *detect.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return errs.New(errs.Scan, "content.ScanMem", fmt.Errorf("rule set is closed"))
	}

	var matches yara.MatchRules
	if err := rs.rules.ScanMem(data, yara.ScanFlagsFastMode, 0, &matches); err != nil {
		return errs.New(errs.Scan, "content.ScanMem", fmt.Errorf("YARA scan failed in memory: %v", err))
	}
	for _, m := range matches {
		ctx.AddMatch(m.Rule)
	}
	return nil
}

// Close releases the compiled rule set.
func (rs *RuleSet) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil
	}
	rs.rules.Destroy()
	rs.closed = true
	return nil
}
