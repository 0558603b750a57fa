package realtime

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pbl4av/detect"
)

// State is the monitor lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

const (
	defaultDebounce         = 800 * time.Millisecond
	defaultStabilityRetries = 5
	defaultStabilityDelay   = 150 * time.Millisecond
)

// Scanner is the slice of the scan orchestrator the monitor worker
// needs.
type Scanner interface {
	ScanFile(path string, sink detect.Sink)
}

// Monitor watches a set of directory roots and scans files as they
// change. Start and stop follow a strict state machine so a start
// during teardown (or a second stop) can never leak threads or fire
// callbacks into a torn-down sink.
type Monitor struct {
	scanner Scanner
	watcher Watcher
	queue   *eventQueue
	log     *slog.Logger

	// Debounce is the longest the worker waits for a queue notification
	// before checking the queue again; a notification ends the wait at
	// once. Bursts for one path collapse through the queue's dedup, not
	// through this wait.
	Debounce time.Duration

	// StabilityRetries and StabilityDelay tune the file-stability
	// check: up to StabilityRetries size reads spaced StabilityDelay
	// apart, declaring the file stable on two consecutive equal reads.
	StabilityRetries int
	StabilityDelay   time.Duration

	state      atomic.Int32
	monitoring atomic.Bool

	cbMu             sync.Mutex
	callback         detect.Sink
	callbacksEnabled atomic.Bool

	stopChan   chan struct{}
	workerDone chan struct{}
}

// NewMonitor builds a monitor around a scanner and a change source. A
// nil watcher selects the native notification watcher.
func NewMonitor(scanner Scanner, watcher Watcher, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if watcher == nil {
		watcher = NewNotifyWatcher(log)
	}
	return &Monitor{
		scanner:          scanner,
		watcher:          watcher,
		queue:            newEventQueue(),
		log:              log,
		Debounce:         defaultDebounce,
		StabilityRetries: defaultStabilityRetries,
		StabilityDelay:   defaultStabilityDelay,
	}
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// ParseWatchSpec expands environment variables in spec and splits it
// on ';' or '|' into a list of watch roots, dropping empty entries.
func ParseWatchSpec(spec string) []string {
	expanded := os.ExpandEnv(spec)
	fields := strings.FieldsFunc(expanded, func(r rune) bool {
		return r == ';' || r == '|'
	})
	var roots []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			roots = append(roots, f)
		}
	}
	return roots
}

// Start transitions Stopped → Starting → Running, spawning the worker
// and the watcher. It returns false without side effects when the
// monitor is not Stopped, and rolls everything back to Stopped when a
// spawn step fails.
func (m *Monitor) Start(watchSpec string, callback detect.Sink) bool {
	if !m.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		m.log.Warn("realtime start rejected", "state", m.State().String())
		return false
	}

	roots := ParseWatchSpec(watchSpec)
	if len(roots) == 0 {
		m.log.Warn("realtime start rejected: empty watch spec")
		m.state.Store(int32(StateStopped))
		return false
	}

	m.cbMu.Lock()
	m.callback = callback
	m.cbMu.Unlock()
	m.callbacksEnabled.Store(true)

	m.monitoring.Store(true)
	m.stopChan = make(chan struct{})
	m.workerDone = make(chan struct{})
	go m.workerLoop()

	if err := m.watcher.Start(roots, m.queue.Enqueue); err != nil {
		m.log.Error("failed to start watcher", "error", err)
		m.monitoring.Store(false)
		m.callbacksEnabled.Store(false)
		close(m.stopChan)
		<-m.workerDone
		m.queue.Clear()
		m.cbMu.Lock()
		m.callback = nil
		m.cbMu.Unlock()
		m.state.Store(int32(StateStopped))
		return false
	}

	m.state.Store(int32(StateRunning))
	m.log.Info("realtime monitoring started", "roots", roots)
	return true
}

// Stop transitions Running → Stopping → Stopped: disables callbacks,
// stops the watcher so the queue is no longer fed, waits for the
// worker to drain, and clears the queue and debounce bookkeeping.
func (m *Monitor) Stop() {
	if !m.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		// Not running: make sure nothing is left waiting, then bail.
		m.monitoring.Store(false)
		select {
		case m.queue.notify <- struct{}{}:
		default:
		}
		return
	}

	m.monitoring.Store(false)

	// Disable before joining so in-flight scans drop their
	// notifications quietly, and move the callback out under the lock
	// before dropping it.
	m.callbacksEnabled.Store(false)
	m.cbMu.Lock()
	cb := m.callback
	m.callback = nil
	m.cbMu.Unlock()
	_ = cb

	// Watcher first, then worker, so the queue stops being fed before
	// the worker does its final drain.
	m.watcher.Stop()
	close(m.stopChan)
	<-m.workerDone

	m.queue.Clear()
	m.state.Store(int32(StateStopped))
	m.log.Info("realtime monitoring stopped")
}

// QueueLen reports the number of pending paths, for tests and status
// output.
func (m *Monitor) QueueLen() int { return m.queue.Len() }

// workerLoop waits for queue activity (or the debounce timeout) and
// drains one path at a time. On stop it processes any remaining paths
// best-effort before exiting.
func (m *Monitor) workerLoop() {
	defer close(m.workerDone)

	for m.monitoring.Load() {
		select {
		case <-m.queue.notify:
		case <-time.After(m.Debounce):
		case <-m.stopChan:
		}
		for m.monitoring.Load() {
			path, ok := m.queue.Pop()
			if !ok {
				break
			}
			m.processQueuedPath(path)
		}
	}

	// Final drain: best-effort processing of whatever is left.
	for {
		path, ok := m.queue.Pop()
		if !ok {
			return
		}
		m.processQueuedPath(path)
	}
}

// processQueuedPath re-validates the path, waits for its size to
// settle, then hands it to the scanner with a guard that drops results
// once callbacks are disabled.
func (m *Monitor) processQueuedPath(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	m.waitForStableSize(path)

	m.cbMu.Lock()
	cb := m.callback
	m.cbMu.Unlock()
	if cb == nil {
		return
	}

	guarded := func(r detect.Result) {
		if !m.callbacksEnabled.Load() {
			return
		}
		cb(r)
	}
	m.scanner.ScanFile(path, guarded)
}

// waitForStableSize samples the file size until two consecutive reads
// agree. A file that never settles within the retry budget is scanned
// anyway; a partial scan beats missing a dropper that keeps the file
// open.
func (m *Monitor) waitForStableSize(path string) {
	var lastSize int64 = -1
	for attempt := 0; attempt < m.StabilityRetries; attempt++ {
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.Size() == lastSize {
			return
		}
		lastSize = info.Size()
		time.Sleep(m.StabilityDelay)
	}
}
