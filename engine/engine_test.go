//go:build mock || disable_yara
// +build mock disable_yara

package engine

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pbl4av/detect"
	"pbl4av/digest"
)

// newSigDB creates a signature database with the schema the engine
// reads, plus any rows the test needs.
func newSigDB(t *testing.T, populate func(db *sql.DB)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "full_hash_test.sqlite")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("Failed to open signature db: %v", err)
	}
	defer db.Close()

	schema := []string{
		`CREATE TABLE sig_md5 (hash TEXT PRIMARY KEY, malware_name TEXT)`,
		`CREATE TABLE sig_sha1 (hash TEXT PRIMARY KEY, malware_name TEXT)`,
		`CREATE TABLE sig_sha256 (hash TEXT PRIMARY KEY, malware_name TEXT)`,
		`CREATE TABLE whitelist (hash TEXT, hash_type TEXT, PRIMARY KEY(hash, hash_type))`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Failed to create schema: %v", err)
		}
	}
	if populate != nil {
		populate(db)
	}
	return path
}

func newRules(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.txt")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("Failed to write rules: %v", err)
	}
	return path
}

func newEngine(t *testing.T, rules string, populate func(db *sql.DB)) *Engine {
	t.Helper()
	e, err := New(Config{
		RulesPath: newRules(t, rules),
		DBPath:    newSigDB(t, populate),
	}, nil)
	if err != nil {
		t.Fatalf("Failed to build engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func collect(results *[]detect.Result) detect.Sink {
	return func(r detect.Result) { *results = append(*results, r) }
}

func TestInitBadRulesPath(t *testing.T) {
	var status []detect.Result
	_, err := New(Config{
		RulesPath: filepath.Join(t.TempDir(), "missing-rules"),
		DBPath:    newSigDB(t, nil),
	}, collect(&status))
	if err == nil {
		t.Fatal("Expected init to fail for a missing rule artifact")
	}
	if len(status) != 1 || status[0].Severity != detect.SeverityError {
		t.Errorf("Expected one ERROR status result, got %+v", status)
	}
}

func TestSignatureHitSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.bin")
	if err := os.WriteFile(path, []byte("malicious payload"), 0o644); err != nil {
		t.Fatalf("Failed to write sample: %v", err)
	}
	d := digest.Compute(path)

	e := newEngine(t, "R1 never\n", func(db *sql.DB) {
		// All three hashes present: SHA-256 must win.
		db.Exec(`INSERT INTO sig_md5 VALUES (?, 'Test.EICAR.MD5')`, d.MD5)
		db.Exec(`INSERT INTO sig_sha1 VALUES (?, 'Test.EICAR.SHA1')`, d.SHA1)
		db.Exec(`INSERT INTO sig_sha256 VALUES (?, 'Test.EICAR')`, d.SHA256)
	})

	var results []detect.Result
	e.ScanFile(path, collect(&results))

	if len(results) != 1 {
		t.Fatalf("Expected exactly one result, got %d", len(results))
	}
	r := results[0]
	if !r.IsMalware {
		t.Error("Expected IsMalware=true")
	}
	if r.Severity != detect.SeverityHigh {
		t.Errorf("Expected High severity, got %s", r.Severity)
	}
	if r.DetectionSource != detect.SourceHash {
		t.Errorf("Expected HASH source, got %s", r.DetectionSource)
	}
	if r.HashType != detect.HashSHA256 {
		t.Errorf("Expected SHA256 precedence, got %s", r.HashType)
	}
	if r.MalwareName != "Test.EICAR" {
		t.Errorf("Expected malware name Test.EICAR, got %s", r.MalwareName)
	}
	if r.Description != "Matched SHA256 in DB" {
		t.Errorf("Unexpected description: %q", r.Description)
	}
	if r.MatchedHash != d.SHA256 {
		t.Errorf("Expected matched hash %s, got %s", d.SHA256, r.MatchedHash)
	}
}

func TestWhitelistSkipPreventsContentScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelisted.bin")
	// Content would match R1 if the scan ran.
	if err := os.WriteFile(path, []byte("trigger_rule_marker"), 0o644); err != nil {
		t.Fatalf("Failed to write sample: %v", err)
	}
	d := digest.Compute(path)

	e := newEngine(t, "R1 trigger_rule_marker\n", func(db *sql.DB) {
		db.Exec(`INSERT INTO whitelist VALUES (?, 'sha256')`, d.SHA256)
	})

	var results []detect.Result
	e.ScanFile(path, collect(&results))

	if len(results) != 1 {
		t.Fatalf("Expected exactly one result, got %d", len(results))
	}
	r := results[0]
	if r.IsMalware {
		t.Error("Whitelist skip must not be a detection")
	}
	if r.DetectionSource != detect.SourceWhitelist {
		t.Errorf("Expected WHITELIST source, got %s", r.DetectionSource)
	}
	if r.Description != "Skipped: hash whitelisted" {
		t.Errorf("Unexpected description: %q", r.Description)
	}
}

func TestContentScanAggregatesRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "multi.bin")
	if err := os.WriteFile(path, []byte("first_marker and second_marker"), 0o644); err != nil {
		t.Fatalf("Failed to write sample: %v", err)
	}

	e := newEngine(t, "R1 first_marker\nR2 second_marker\nR3 absent\n", nil)

	var results []detect.Result
	e.ScanFile(path, collect(&results))

	if len(results) != 1 {
		t.Fatalf("Expected exactly one aggregated result, got %d", len(results))
	}
	r := results[0]
	if !r.IsMalware || r.DetectionSource != detect.SourceYara {
		t.Errorf("Expected YARA detection, got %+v", r)
	}
	if r.Severity != detect.SeverityWarning {
		t.Errorf("Expected Warning severity, got %s", r.Severity)
	}
	if r.MatchedRulesCount != 2 || len(r.MatchedRules) != 2 {
		t.Fatalf("Expected 2 matched rules, got count=%d rules=%v", r.MatchedRulesCount, r.MatchedRules)
	}
	if r.MatchedRules[0] != "R1" || r.MatchedRules[1] != "R2" {
		t.Errorf("Expected ordered rules [R1 R2], got %v", r.MatchedRules)
	}
	if r.Description != "Matched 2 rule(s): R1, R2" {
		t.Errorf("Unexpected description: %q", r.Description)
	}
}

func TestCleanFileEmitsNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clean.txt")
	if err := os.WriteFile(path, []byte("nothing to see"), 0o644); err != nil {
		t.Fatalf("Failed to write sample: %v", err)
	}

	e := newEngine(t, "R1 marker_not_present\n", nil)

	var results []detect.Result
	e.ScanFile(path, collect(&results))
	if len(results) != 0 {
		t.Errorf("Expected silence for a clean file, got %+v", results)
	}
	if e.GetCompletedCount() != 1 {
		t.Errorf("Expected completed=1, got %d", e.GetCompletedCount())
	}
}

func TestLargeFileSampledScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "large.bin")

	// Just over the whole-file limit, with markers in the prefix and
	// the suffix and filler in between.
	size := wholeFileLimit + 4096
	buf := bytes.Repeat([]byte{'x'}, size)
	copy(buf, []byte("prefix_marker"))
	copy(buf[size-len("suffix_marker"):], []byte("suffix_marker"))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("Failed to write large sample: %v", err)
	}

	e := newEngine(t, "RP prefix_marker\nRS suffix_marker\n", nil)

	var results []detect.Result
	e.ScanFile(path, collect(&results))

	if len(results) != 1 {
		t.Fatalf("Expected one aggregated result, got %d", len(results))
	}
	r := results[0]
	if r.MatchedRulesCount != 2 {
		t.Errorf("Expected both prefix and suffix markers found, got %v", r.MatchedRules)
	}
}

func TestScanFolderCountsAndProgress(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "sub/c.txt"} {
		path := filepath.Join(dir, name)
		os.MkdirAll(filepath.Dir(path), 0o755)
		if err := os.WriteFile(path, []byte("clean"), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	e := newEngine(t, "R1 marker\n", nil)

	var results []detect.Result
	e.ScanFolder(dir, collect(&results))

	if e.GetTotalCount() != 3 {
		t.Errorf("Expected total=3, got %d", e.GetTotalCount())
	}
	if e.GetCompletedCount() != 3 {
		t.Errorf("Expected completed=3, got %d", e.GetCompletedCount())
	}
	if p := e.GetProgressPercent(); p != 100 {
		t.Errorf("Expected 100%%, got %d", p)
	}
}

func TestProgressPercent(t *testing.T) {
	e := newEngine(t, "R1 x\n", nil)

	tests := []struct {
		total, completed int64
		want             int
	}{
		{0, 0, 0},
		{0, 5, 5},
		{0, 250, 99},
		{10, 3, 30},
		{3, 2, 66},
		{4, 4, 100},
	}
	for _, tt := range tests {
		e.totalCount.Store(tt.total)
		e.completedCount.Store(tt.completed)
		if got := e.GetProgressPercent(); got != tt.want {
			t.Errorf("progress(total=%d, completed=%d) = %d, want %d", tt.total, tt.completed, got, tt.want)
		}
	}
}

func TestThrottleSleep(t *testing.T) {
	tests := []struct {
		work time.Duration
		duty float64
		max  time.Duration
		want time.Duration
	}{
		// Under the 2ms minimum: no sleep.
		{1 * time.Millisecond, 0.5, 500 * time.Millisecond, 0},
		// 50% duty: sleep equals work.
		{10 * time.Millisecond, 0.5, 500 * time.Millisecond, 10 * time.Millisecond},
		// 25% duty: sleep is 3x work.
		{10 * time.Millisecond, 0.25, 500 * time.Millisecond, 30 * time.Millisecond},
		// Capped at max.
		{400 * time.Millisecond, 0.5, 100 * time.Millisecond, 100 * time.Millisecond},
		// Disabled duty.
		{400 * time.Millisecond, 0, 100 * time.Millisecond, 0},
	}
	for _, tt := range tests {
		if got := ThrottleSleep(tt.work, tt.duty, tt.max); got != tt.want {
			t.Errorf("ThrottleSleep(%v, %v, %v) = %v, want %v", tt.work, tt.duty, tt.max, got, tt.want)
		}
	}
}

func TestFullScanOverridesWhitelist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wl.bin")
	if err := os.WriteFile(path, []byte("full_scan_marker"), 0o644); err != nil {
		t.Fatalf("Failed to write sample: %v", err)
	}
	d := digest.Compute(path)

	e := newEngine(t, "R1 full_scan_marker\n", func(db *sql.DB) {
		db.Exec(`INSERT INTO whitelist VALUES (?, 'sha256')`, d.SHA256)
	})
	e.SetFullScan(true)

	var results []detect.Result
	e.ScanFile(path, collect(&results))

	if len(results) != 1 || results[0].DetectionSource != detect.SourceYara {
		t.Errorf("Expected YARA detection under full scan, got %+v", results)
	}
}
