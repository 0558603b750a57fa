package history

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pbl4av/detect"
)

func TestRecorderWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	r := NewRecorder(Config{Path: path, MaxBatchSize: 2, FlushInterval: time.Hour})
	if err := r.Start(); err != nil {
		t.Fatalf("Failed to start recorder: %v", err)
	}

	r.Record(detect.Result{Filepath: "/tmp/a.bin", Description: "first"})
	// Second record fills the batch and forces a flush.
	r.Record(detect.Result{Filepath: "/tmp/b.bin", Description: "second", IsMalware: true})

	if err := r.Stop(); err != nil {
		t.Fatalf("Failed to stop recorder: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("History file missing: %v", err)
	}
	defer f.Close()

	var records []detect.Result
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec detect.Result
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("Malformed history line: %v", err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 history records, got %d", len(records))
	}
	if records[1].Filepath != "/tmp/b.bin" || !records[1].IsMalware {
		t.Errorf("Unexpected second record: %+v", records[1])
	}
}

func TestRecordBeforeStart(t *testing.T) {
	r := NewRecorder(Config{Path: filepath.Join(t.TempDir(), "h.jsonl")})
	if err := r.Record(detect.Result{}); err == nil {
		t.Error("Expected error recording before Start")
	}
}

func TestStopFlushesPartialBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	r := NewRecorder(Config{Path: path, MaxBatchSize: 100, FlushInterval: time.Hour})
	if err := r.Start(); err != nil {
		t.Fatalf("Failed to start recorder: %v", err)
	}
	r.Record(detect.Result{Filepath: "/tmp/only.bin"})
	if err := r.Stop(); err != nil {
		t.Fatalf("Failed to stop recorder: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("History file missing: %v", err)
	}
	if len(data) == 0 {
		t.Error("Stop must flush the partial batch")
	}
}
