// Package policy implements the pre-scan gates: exclusion paths, file
// size, trusted-publisher signatures, and the hash whitelist. Gates are
// applied in a fixed order and the first match short-circuits, so the
// digests are only computed for files that pass the cheaper gates, and
// the content scan only runs on files that pass every gate.
package policy

import (
	"os"
	"strings"

	"pbl4av/detect"
	"pbl4av/digest"
	"pbl4av/sigstore"
)

// MaxScanSize is the hard size cap; anything larger is skipped with a
// POLICY notice instead of being scanned.
const MaxScanSize = 500 * 1024 * 1024

// excludedKeywords are matched case-insensitively as substrings of the
// full path. They protect the engine's own working files and a handful
// of high-churn system locations from being scanned.
var excludedKeywords = []string{
	`c:\programdata\pbl4_av_data`,
	`\device\`,
	`\windows\system32`,
	`\windows\winsxs`,
	`\$recycle.bin`,
	`system volume information`,
	`\appdata\local\temp`,
	`node_modules`,
	`.git`,
	`all_rules.yarc`,
	`full_hash.db`,
	`pbl4_client.exe`,
}

// Action is the gate's verdict for one file.
type Action int

const (
	// Proceed means no gate matched; the orchestrator continues with
	// signature lookup and content scanning.
	Proceed Action = iota
	// SkipCounted means the file was silently skipped but still counts
	// toward scan progress (exclusion-path match).
	SkipCounted
	// SkipSilent means the file was silently skipped without counting
	// (nonexistent or not a regular file).
	SkipSilent
	// SkipResult means the gate emitted a terminal NOTICE result.
	SkipResult
)

// Decision carries the gate outcome plus the work already done on the
// way: the file size from the stat call and the digests computed for
// the whitelist check, so the orchestrator never hashes a file twice.
type Decision struct {
	Action  Action
	Result  detect.Result
	Size    int64
	Digests digest.Digests
}

// Gate evaluates the policy checks of a scan. The whitelist lookup goes
// through the engine's signature store; the trusted-publisher check is
// platform-dependent and injected so tests can stub it.
type Gate struct {
	Store *sigstore.Store

	// TrustedCheck reports whether the file carries a valid code
	// signature from an allow-listed publisher. Nil means the platform
	// default (see trusted_windows.go / trusted_other.go).
	TrustedCheck func(path string) bool
}

// IsExcludedPath reports whether path matches the exclusion keyword
// list.
func IsExcludedPath(path string) bool {
	lower := strings.ToLower(path)
	for _, keyword := range excludedKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// Evaluate runs the gates in order. When fullScan is set, only
// the exclusion-path check applies; size, publisher, and whitelist are
// all bypassed (the exclusion list keeps the engine from scanning its
// own working files even during a full scan). The existence check is
// not a policy gate and always runs: a missing file can never proceed.
func (g *Gate) Evaluate(path string, fullScan bool) Decision {
	if IsExcludedPath(path) {
		return Decision{Action: SkipCounted}
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Decision{Action: SkipSilent}
	}
	size := info.Size()

	if fullScan {
		return Decision{
			Action:  Proceed,
			Size:    size,
			Digests: digest.Compute(path),
		}
	}

	if size > MaxScanSize {
		return Decision{
			Action: SkipResult,
			Size:   size,
			Result: detect.NewPolicySkip(path, "Skipped: file too large (>500MB)", detect.SourcePolicy),
		}
	}

	trusted := g.TrustedCheck
	if trusted == nil {
		trusted = IsTrustedPublisher
	}
	if trusted(path) {
		return Decision{
			Action: SkipResult,
			Size:   size,
			Result: detect.NewPolicySkip(path, "Skipped: trusted publisher signature", detect.SourcePolicy),
		}
	}

	d := digest.Compute(path)
	if d.OK && g.Store != nil {
		if _, _, hit := g.Store.IsWhitelistedAny(sigstore.Digests(d.MD5, d.SHA1, d.SHA256)); hit {
			return Decision{
				Action:  SkipResult,
				Size:    size,
				Digests: d,
				Result:  detect.NewPolicySkip(path, "Skipped: hash whitelisted", detect.SourceWhitelist),
			}
		}
	}

	return Decision{Action: Proceed, Size: size, Digests: d}
}
