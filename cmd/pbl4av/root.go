package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pbl4av/detect"
	"pbl4av/engine"
	"pbl4av/obs"
)

const version = "1.0.0"

var (
	flagRulesPath string
	flagDBPath    string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "pbl4av",
	Short: "On-host antivirus scanning engine",
	Long: `pbl4av scans files on demand or in real time, classifies them
against a local signature database and a compiled YARA rule set, and
can quarantine confirmed detections into an obfuscated local store.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env keeps local setups out of shell profiles; missing is fine.
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found, using system environment variables")
		}

		slog.SetDefault(obs.NewLogger(obs.LoggingConfig{
			Level:       flagLogLevel,
			Format:      flagLogFormat,
			ServiceName: "pbl4av",
			Version:     version,
		}, os.Stdout))

		if flagRulesPath == "" {
			flagRulesPath = envOr("AV_RULES_PATH", "all_rules.yarc")
		}
		if flagDBPath == "" {
			flagDBPath = envOr("AV_DB_PATH", "full_hash.db")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRulesPath, "rules", "", "Path to the compiled rule artifact (default $AV_RULES_PATH or all_rules.yarc)")
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "Path to the signature database (default $AV_DB_PATH or full_hash.db)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "json", "Log format: json or text")

	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newMonitorCmd())
	rootCmd.AddCommand(newDaemonCmd())
	rootCmd.AddCommand(newQuarantineCmd())
	rootCmd.AddCommand(newWhitelistCmd())
	rootCmd.AddCommand(newRestoreCmd())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// buildEngine constructs the scan engine from the persistent flags,
// surfacing init status to stderr.
func buildEngine() (*engine.Engine, error) {
	e, err := engine.New(engine.Config{
		RulesPath: flagRulesPath,
		DBPath:    flagDBPath,
		Logger:    slog.Default(),
	}, func(r detect.Result) {
		fmt.Fprintf(os.Stderr, "[%s] init: %s\n", r.Severity, r.Description)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %v", err)
	}
	return e, nil
}

// printResult renders one scan outcome for the terminal.
func printResult(r detect.Result) {
	switch {
	case r.IsMalware && r.DetectionSource == detect.SourceHash:
		fmt.Printf("[%s] DETECTED %s: %s (%s, %s=%s)\n",
			r.Severity, r.Filepath, r.MalwareName, r.Description, r.HashType, r.MatchedHash)
	case r.IsMalware:
		fmt.Printf("[%s] DETECTED %s: %s\n", r.Severity, r.Filepath, r.Description)
	default:
		fmt.Printf("[%s] %s: %s\n", r.Severity, r.Filepath, r.Description)
	}
}
