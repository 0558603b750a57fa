package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pbl4av/detect"
	"pbl4av/history"
	"pbl4av/realtime"
)

func newMonitorCmd() *cobra.Command {
	var (
		watchSpec   string
		usePolling  bool
		historyPath string
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch directories and scan files as they change",
		Long: `Start real-time monitoring over one or more directory roots.
Roots are separated by ';' or '|' and may contain environment
variables. Runs until interrupted.

Example:
  pbl4av monitor --watch "$HOME/Downloads;/tmp"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watchSpec == "" {
				watchSpec = os.Getenv("AV_WATCH_PATHS")
			}
			if watchSpec == "" {
				return fmt.Errorf("no watch paths: pass --watch or set AV_WATCH_PATHS")
			}

			e, err := buildEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			var recorder *history.Recorder
			if historyPath != "" {
				recorder = history.NewRecorder(history.Config{Path: historyPath})
				if err := recorder.Start(); err != nil {
					return fmt.Errorf("failed to start history recorder: %v", err)
				}
				defer recorder.Stop()
			}

			var watcher realtime.Watcher
			if usePolling {
				watcher = realtime.NewPollingWatcher(slog.Default())
			}
			m := realtime.NewMonitor(e, watcher, slog.Default())

			if !m.Start(watchSpec, func(r detect.Result) {
				printResult(r)
				if recorder != nil {
					recorder.Record(r)
				}
			}) {
				return fmt.Errorf("failed to start real-time monitoring")
			}

			fmt.Println("Real-time monitoring started. Press Ctrl+C to stop.")
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			fmt.Println("Stopping monitor...")
			m.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&watchSpec, "watch", "", "Directory roots to watch, separated by ';' or '|' (default $AV_WATCH_PATHS)")
	cmd.Flags().BoolVar(&usePolling, "poll", false, "Use the portable polling watcher instead of native change notifications")
	cmd.Flags().StringVar(&historyPath, "history", "", "Append results to this JSONL history file")
	return cmd
}
