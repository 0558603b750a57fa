// Package detect defines the Detection result that every scan path
// (on-demand and real-time) funnels into a single sink, plus the
// per-file working state the content scanner accumulates matches into.
package detect

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Severity is the human-facing urgency of a Detection.
type Severity string

const (
	SeverityNotice  Severity = "NOTICE"
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "Warning"
	SeverityHigh    Severity = "High"
	SeverityError   Severity = "ERROR"
)

// Source identifies which component produced a Detection.
type Source string

const (
	SourceHash      Source = "HASH"
	SourceYara      Source = "YARA"
	SourceWhitelist Source = "WHITELIST"
	SourcePolicy    Source = "POLICY"
)

// HashType identifies which digest matched a signature.
type HashType string

const (
	HashMD5    HashType = "MD5"
	HashSHA1   HashType = "SHA1"
	HashSHA256 HashType = "SHA256"
)

// Result is one terminal scan outcome per file: a detection, a
// policy/whitelist notice, or an error.
type Result struct {
	IsMalware   bool     `json:"is_malware"`
	Timestamp   string   `json:"timestamp"`
	HostName    string   `json:"host_name"`
	Severity    Severity `json:"severity"`
	Filename    string   `json:"filename"`
	Filepath    string   `json:"filepath"`
	Description string   `json:"description"`

	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256,omitempty"`

	MatchedHash string   `json:"matched_hash,omitempty"`
	HashType    HashType `json:"hash_type,omitempty"`

	DetectionSource Source `json:"detection_source,omitempty"`
	MalwareName     string `json:"malware_name,omitempty"`

	MatchedRulesCount int      `json:"matched_rules_count,omitempty"`
	MatchedRules      []string `json:"matched_rules,omitempty"`
}

// Sink receives at most one terminal Result per scanned file.
type Sink func(Result)

// Now returns the local wall-clock timestamp, formatted
// "YYYY-MM-DD HH:MM:SS".
func Now() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

// HostName returns the current machine's display name, falling back to
// "unknown" when the lookup fails.
func HostName() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// NewPolicySkip builds the Result emitted when a policy gate
// short-circuits a scan without it being a detection.
func NewPolicySkip(path, description string, source Source) Result {
	return Result{
		IsMalware:       false,
		Timestamp:       Now(),
		HostName:        HostName(),
		Severity:        SeverityNotice,
		Filename:        baseName(path),
		Filepath:        path,
		Description:     description,
		DetectionSource: source,
	}
}

// NewError builds the Result emitted for a per-file IO or scan
// failure: never a detection, always surfaced to the sink.
func NewError(path string, err error) Result {
	return Result{
		IsMalware:   false,
		Timestamp:   Now(),
		HostName:    HostName(),
		Severity:    SeverityError,
		Filename:    baseName(path),
		Filepath:    path,
		Description: err.Error(),
	}
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Context is the per-file working state handed to the content scanner
// callback: cached digests plus a mutex-protected accumulator of
// matched rule identifiers. It never outlives a single orchestrator
// call for one file.
type Context struct {
	Filepath string
	Filename string

	MD5    string
	SHA1   string
	SHA256 string

	mu           sync.Mutex
	matchedRules []string

	// enabled reports whether the owner still wants matches recorded;
	// AddMatch drops matches once it returns false. A nil func passed to
	// NewContext means always enabled, which is what the engine passes;
	// the real-time monitor drops results after stop in its own
	// callback guard instead.
	enabled func() bool
}

// NewContext builds a scan context for one file.
func NewContext(path string, enabled func() bool) *Context {
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &Context{
		Filepath: path,
		Filename: baseName(path),
		enabled:  enabled,
	}
}

// AddMatch records a rule identifier under the context's mutex. It is a
// no-op once the owner has disabled callbacks.
func (c *Context) AddMatch(ruleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled() {
		return
	}
	c.matchedRules = append(c.matchedRules, ruleID)
}

// MatchedRules returns a copy of the accumulated rule identifiers.
func (c *Context) MatchedRules() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.matchedRules))
	copy(out, c.matchedRules)
	return out
}

// AggregatedDescription renders the "Matched N rule(s): r1, r2, ..."
// description for an aggregated content-scan detection.
func AggregatedDescription(rules []string) string {
	return fmt.Sprintf("Matched %d rule(s): %s", len(rules), strings.Join(rules, ", "))
}
