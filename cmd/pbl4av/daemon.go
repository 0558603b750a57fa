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
	"pbl4av/scheduler"
)

func newDaemonCmd() *cobra.Command {
	var (
		watchSpec   string
		scanPath    string
		schedule    string
		historyPath string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run real-time monitoring plus scheduled sweep scans",
		Long: `Combine real-time monitoring with a recurring full sweep of a
configured path. The sweep schedule uses interval expressions:
"@every 30m", "@hourly", "@daily".

Example:
  pbl4av daemon --watch "$HOME/Downloads" --scan-path "$HOME" --schedule @daily`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watchSpec == "" {
				watchSpec = os.Getenv("AV_WATCH_PATHS")
			}
			if scanPath == "" {
				scanPath = envOr("AV_SCAN_PATH", ".")
			}

			e, err := buildEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			recorder := history.NewRecorder(history.Config{Path: historyPath})
			if historyPath != "" {
				if err := recorder.Start(); err != nil {
					return fmt.Errorf("failed to start history recorder: %v", err)
				}
				defer recorder.Stop()
			}

			sink := func(r detect.Result) {
				printResult(r)
				if historyPath != "" {
					recorder.Record(r)
				}
			}

			var m *realtime.Monitor
			if watchSpec != "" {
				m = realtime.NewMonitor(e, nil, slog.Default())
				if !m.Start(watchSpec, sink) {
					return fmt.Errorf("failed to start real-time monitoring")
				}
				defer m.Stop()
			}

			sched := scheduler.NewScanScheduler(slog.Default())
			if err := sched.ScheduleFunc("sweep", schedule, func() error {
				slog.Info("scheduled sweep starting", "path", scanPath)
				e.ScanFolder(scanPath, sink)
				slog.Info("scheduled sweep finished",
					"path", scanPath, "files", e.GetCompletedCount())
				return nil
			}); err != nil {
				return fmt.Errorf("failed to schedule sweep: %v", err)
			}
			if err := sched.Start(); err != nil {
				return fmt.Errorf("failed to start scheduler: %v", err)
			}
			defer sched.Stop()

			fmt.Println("Daemon running. Press Ctrl+C to stop.")
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan
			fmt.Println("Shutting down daemon...")
			return nil
		},
	}

	cmd.Flags().StringVar(&watchSpec, "watch", "", "Directory roots for real-time monitoring (default $AV_WATCH_PATHS; empty disables)")
	cmd.Flags().StringVar(&scanPath, "scan-path", "", "Path for the recurring sweep (default $AV_SCAN_PATH or .)")
	cmd.Flags().StringVar(&schedule, "schedule", "@daily", "Sweep schedule: @every <duration>, @hourly, @daily")
	cmd.Flags().StringVar(&historyPath, "history", "", "Append results to this JSONL history file")
	return cmd
}
