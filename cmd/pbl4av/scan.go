package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pbl4av/detect"
	"pbl4av/history"
)

func newScanCmd() *cobra.Command {
	var (
		fullScan    bool
		duty        float64
		maxSleepMS  int
		historyPath string
	)

	cmd := &cobra.Command{
		Use:   "scan <path>",
		Short: "Scan a file or directory",
		Long: `Scan a single file or recursively scan a directory. Detections,
policy skips, and per-file errors are printed as they are found; clean
files are silent.

Examples:
  pbl4av scan /home/user/Downloads
  pbl4av scan --full /home/user/Downloads   # bypass size/publisher/whitelist gates
  pbl4av scan --duty 0.25 /srv/share        # gentler background scan`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			e, err := buildEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			e.SetFullScan(fullScan)
			e.SetThrottleDuty(duty)
			e.SetThrottleMaxSleep(time.Duration(maxSleepMS) * time.Millisecond)

			var recorder *history.Recorder
			if historyPath != "" {
				recorder = history.NewRecorder(history.Config{Path: historyPath})
				if err := recorder.Start(); err != nil {
					return fmt.Errorf("failed to start history recorder: %v", err)
				}
				defer recorder.Stop()
			}

			detections := 0
			sink := func(r detect.Result) {
				if r.IsMalware {
					detections++
				}
				printResult(r)
				if recorder != nil {
					recorder.Record(r)
				}
			}

			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("cannot scan %s: %v", path, err)
			}
			start := time.Now()
			if info.IsDir() {
				e.ScanFolder(path, sink)
			} else {
				e.ScanFile(path, sink)
			}

			fmt.Printf("Scan complete: %d file(s) in %s, %d detection(s)\n",
				e.GetCompletedCount(), time.Since(start).Round(time.Millisecond), detections)
			return nil
		},
	}

	cmd.Flags().BoolVar(&fullScan, "full", false, "Full scan: only the exclusion-path gate applies")
	cmd.Flags().Float64Var(&duty, "duty", 0.5, "Folder-scan duty cycle in (0,1); values outside disable throttling")
	cmd.Flags().IntVar(&maxSleepMS, "max-sleep-ms", 500, "Cap on the inter-file throttle sleep")
	cmd.Flags().StringVar(&historyPath, "history", "", "Append results to this JSONL history file")
	return cmd
}
