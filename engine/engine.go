// Package engine sequences one file scan: policy gate, signature
// lookup, then content scanning, emitting at most one terminal result
// per file through a caller-supplied sink (clean files emit nothing). It owns the signature store
// handle and the compiled rule set for its whole lifetime and
// serializes their use behind a single mutex.
package engine

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"pbl4av/content"
	"pbl4av/detect"
	"pbl4av/errs"
	"pbl4av/policy"
	"pbl4av/sigstore"
)

const (
	// wholeFileLimit is the largest file scanned in full; above it only
	// a prefix+suffix sample is read.
	wholeFileLimit = 10 * 1024 * 1024
	samplePrefix   = 4 * 1024 * 1024
	sampleSuffix   = 1 * 1024 * 1024

	defaultThrottleDuty     = 0.5
	defaultThrottleMaxSleep = 500 * time.Millisecond
	// throttleMinWork is the work duration below which no inter-file
	// sleep is applied.
	throttleMinWork = 2 * time.Millisecond
)

// Config carries the paths the engine needs at construction.
type Config struct {
	RulesPath string
	DBPath    string
	Logger    *slog.Logger
}

// Engine is the scan orchestrator.
type Engine struct {
	mu    sync.Mutex // serializes signature store and rule set use
	store *sigstore.Store
	rules *content.RuleSet
	gate  *policy.Gate
	log   *slog.Logger

	totalCount     atomic.Int64
	completedCount atomic.Int64
	fullScan       atomic.Bool

	throttleMu       sync.Mutex
	throttleDuty     float64
	throttleMaxSleep time.Duration
}

// New builds an engine from a compiled rule artifact and a signature
// database. Construction failures are reported twice: as an ERROR
// result on the status sink (so a UI polling the sink sees why init
// failed) and as the returned error. Partially acquired resources are
// released before returning.
func New(cfg Config, statusSink detect.Sink) (*Engine, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	rules, err := content.LoadRuleSet(cfg.RulesPath)
	if err != nil {
		if statusSink != nil {
			statusSink(detect.NewError(cfg.RulesPath, err))
		}
		return nil, err
	}

	store, err := sigstore.Open(cfg.DBPath)
	if err != nil {
		rules.Close()
		if statusSink != nil {
			statusSink(detect.NewError(cfg.DBPath, err))
		}
		return nil, err
	}

	e := &Engine{
		store:            store,
		rules:            rules,
		log:              log,
		throttleDuty:     defaultThrottleDuty,
		throttleMaxSleep: defaultThrottleMaxSleep,
	}
	e.gate = &policy.Gate{Store: store}
	log.Info("engine initialized", "rules", cfg.RulesPath, "db", cfg.DBPath)
	return e, nil
}

// Close releases the rule set and the signature store.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rules != nil {
		e.rules.Close()
		e.rules = nil
	}
	if e.store != nil {
		e.store.Close()
		e.store = nil
	}
}

// SetFullScan toggles the full-scan override: when set, every policy
// gate except the exclusion-path list is bypassed.
func (e *Engine) SetFullScan(v bool) { e.fullScan.Store(v) }

// IsFullScan reports the full-scan override.
func (e *Engine) IsFullScan() bool { return e.fullScan.Load() }

// SetThrottleDuty sets the folder-scan duty cycle. Values outside
// (0, 1) disable throttling.
func (e *Engine) SetThrottleDuty(d float64) {
	e.throttleMu.Lock()
	defer e.throttleMu.Unlock()
	if d <= 0 || d >= 1 {
		e.throttleDuty = 0
		return
	}
	e.throttleDuty = d
}

// SetThrottleMaxSleep caps the inter-file sleep.
func (e *Engine) SetThrottleMaxSleep(d time.Duration) {
	e.throttleMu.Lock()
	defer e.throttleMu.Unlock()
	if d < 0 {
		d = 0
	}
	e.throttleMaxSleep = d
}

// ThrottleSettings returns the current duty cycle and sleep cap.
func (e *Engine) ThrottleSettings() (float64, time.Duration) {
	e.throttleMu.Lock()
	defer e.throttleMu.Unlock()
	return e.throttleDuty, e.throttleMaxSleep
}

// GetCompletedCount returns the number of files finished in the
// current scan.
func (e *Engine) GetCompletedCount() int { return int(e.completedCount.Load()) }

// GetTotalCount returns the number of files the current scan expects
// to visit.
func (e *Engine) GetTotalCount() int { return int(e.totalCount.Load()) }

// ResetProgress zeroes both progress counters.
func (e *Engine) ResetProgress() {
	e.totalCount.Store(0)
	e.completedCount.Store(0)
}

// GetProgressPercent reports scan progress for UI polling. The
// counters are relaxed; readers tolerate transient inconsistency.
func (e *Engine) GetProgressPercent() int {
	total := e.totalCount.Load()
	completed := e.completedCount.Load()
	switch {
	case total > 0:
		p := int(100 * completed / total)
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		return p
	case completed > 0:
		if completed > 99 {
			return 99
		}
		return int(completed)
	default:
		return 0
	}
}

// ScanFile scans a single file and emits at most one terminal result.
func (e *Engine) ScanFile(path string, sink detect.Sink) {
	e.totalCount.Store(1)
	e.completedCount.Store(0)
	e.scanFileInternal(path, sink)
}

// ScanFolder walks a directory tree depth-first, scanning every
// regular file. Entries that cannot be read are skipped; per-file
// failures never abort the walk. A time-slicing throttle sleeps
// between files so a long scan does not monopolize the machine.
func (e *Engine) ScanFolder(root string, sink detect.Sink) {
	// Pre-walk once to give progress polling a denominator.
	var total int64
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			total++
		}
		return nil
	})
	e.totalCount.Store(total)
	e.completedCount.Store(0)

	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		start := time.Now()
		e.scanFileInternal(path, sink)
		duty, maxSleep := e.ThrottleSettings()
		if s := ThrottleSleep(time.Since(start), duty, maxSleep); s > 0 {
			time.Sleep(s)
		}
		return nil
	})
}

// ThrottleSleep computes the inter-file sleep for a file whose scan
// took work: min(work*(1-d)/d, max), and zero when the work was under
// the minimum or throttling is disabled.
func ThrottleSleep(work time.Duration, duty float64, max time.Duration) time.Duration {
	if duty <= 0 || duty >= 1 || work < throttleMinWork {
		return 0
	}
	s := time.Duration(float64(work) * (1 - duty) / duty)
	if s > max {
		s = max
	}
	return s
}

// scanFileInternal runs the per-file sequence: policy gate, signature
// lookup in SHA-256 → SHA-1 → MD5 order, then the content scan. Clean
// files emit nothing; every other outcome emits exactly one result.
func (e *Engine) scanFileInternal(path string, sink detect.Sink) {
	dec := e.gate.Evaluate(path, e.fullScan.Load())
	switch dec.Action {
	case policy.SkipCounted:
		e.completedCount.Add(1)
		return
	case policy.SkipSilent:
		return
	case policy.SkipResult:
		e.emit(sink, dec.Result)
		e.completedCount.Add(1)
		return
	}
	defer e.completedCount.Add(1)

	// The store and rule set are not safe for concurrent use.
	e.mu.Lock()
	defer e.mu.Unlock()

	d := dec.Digests
	if d.OK {
		if name, matched, typ, hit := e.store.LookupInPrecedenceOrder(sigstore.Digests(d.MD5, d.SHA1, d.SHA256)); hit {
			e.emit(sink, detect.Result{
				IsMalware:       true,
				Timestamp:       detect.Now(),
				HostName:        detect.HostName(),
				Severity:        detect.SeverityHigh,
				Filename:        filepath.Base(path),
				Filepath:        path,
				Description:     fmt.Sprintf("Matched %s in DB", typ),
				MD5:             d.MD5,
				SHA1:            d.SHA1,
				SHA256:          d.SHA256,
				MatchedHash:     matched,
				HashType:        typ,
				DetectionSource: detect.SourceHash,
				MalwareName:     name,
			})
			return
		}
	}

	ctx := detect.NewContext(path, nil)
	ctx.MD5, ctx.SHA1, ctx.SHA256 = d.MD5, d.SHA1, d.SHA256

	var scanErr error
	if dec.Size <= wholeFileLimit {
		scanErr = e.rules.ScanFile(path, ctx)
	} else {
		buf, err := readSample(path, dec.Size)
		if err != nil {
			scanErr = errs.New(errs.IO, "engine.readSample", err)
		} else {
			scanErr = e.rules.ScanMem(buf, ctx)
		}
	}
	if scanErr != nil {
		e.log.Warn("content scan failed", "path", path, "error", scanErr)
		e.emit(sink, detect.NewError(path, scanErr))
		return
	}

	matched := ctx.MatchedRules()
	if len(matched) == 0 {
		// Clean: success is silent.
		return
	}
	e.emit(sink, detect.Result{
		IsMalware:         true,
		Timestamp:         detect.Now(),
		HostName:          detect.HostName(),
		Severity:          detect.SeverityWarning,
		Filename:          filepath.Base(path),
		Filepath:          path,
		Description:       detect.AggregatedDescription(matched),
		MD5:               d.MD5,
		SHA1:              d.SHA1,
		SHA256:            d.SHA256,
		DetectionSource:   detect.SourceYara,
		MatchedRulesCount: len(matched),
		MatchedRules:      matched,
	})
}

func (e *Engine) emit(sink detect.Sink, r detect.Result) {
	if sink == nil {
		return
	}
	// A panicking sink must never take down the scan loop.
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error("result sink panicked", "path", r.Filepath, "panic", rec)
		}
	}()
	sink(r)
}

// readSample reads a prefix and a suffix of a large file into one
// buffer for in-memory scanning, trimmed to the bytes actually
// available.
func readSample(path string, size int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	prefixLen := int64(samplePrefix)
	if prefixLen > size {
		prefixLen = size
	}
	suffixLen := int64(sampleSuffix)
	if remaining := size - prefixLen; suffixLen > remaining {
		suffixLen = remaining
	}

	buf := make([]byte, prefixLen+suffixLen)
	if _, err := io.ReadFull(f, buf[:prefixLen]); err != nil {
		return nil, err
	}
	if suffixLen > 0 {
		if _, err := f.ReadAt(buf[prefixLen:], size-suffixLen); err != nil && err != io.EOF {
			return nil, err
		}
	}
	return buf, nil
}
