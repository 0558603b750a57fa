//go:build mock || disable_yara
// +build mock disable_yara

// Package content runs the compiled YARA rule set over file contents.
// This mock build runs without libyara: the "artifact" is parsed as a
// plain-text list of rules, one per line, formatted as
//
//	<rule_id> <substring>
//
// and a rule matches when its substring occurs in the scanned bytes.
// Lines starting with '#' are ignored. The match semantics deliberately
// mirror the real build's fast mode: each rule matches at most once.
package content

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	"pbl4av/detect"
	"pbl4av/errs"
)

type mockRule struct {
	id      string
	pattern []byte
}

// RuleSet is the mock stand-in for the compiled YARA rule set.
type RuleSet struct {
	rules  []mockRule
	mu     sync.Mutex
	closed bool
}

// LoadRuleSet parses a plain-text rule list from disk.
func LoadRuleSet(path string) (*RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New(errs.Config, "content.LoadRuleSet", fmt.Errorf("failed to load rules from %s: %v", path, err))
	}
	defer f.Close()

	rs := &RuleSet{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			return nil, errs.New(errs.Config, "content.LoadRuleSet", fmt.Errorf("malformed rule line %q in %s", line, path))
		}
		rs.rules = append(rs.rules, mockRule{
			id:      fields[0],
			pattern: []byte(strings.TrimSpace(fields[1])),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, errs.New(errs.Config, "content.LoadRuleSet", fmt.Errorf("failed to read rules from %s: %v", path, err))
	}
	return rs, nil
}

// ScanFile scans a whole file on disk.
func (rs *RuleSet) ScanFile(path string, ctx *detect.Context) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.New(errs.Scan, "content.ScanFile", fmt.Errorf("scan failed for file %s: %v", path, err))
	}
	return rs.ScanMem(data, ctx)
}

// ScanMem scans an in-memory buffer.
func (rs *RuleSet) ScanMem(data []byte, ctx *detect.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return errs.New(errs.Scan, "content.ScanMem", fmt.Errorf("rule set is closed"))
	}
	for _, r := range rs.rules {
		if bytes.Contains(data, r.pattern) {
			ctx.AddMatch(r.id)
		}
	}
	return nil
}

// Close releases the rule set.
func (rs *RuleSet) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.closed = true
	return nil
}
