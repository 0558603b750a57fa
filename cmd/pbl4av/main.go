package main

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			writeCrashArtifacts(r)
			os.Exit(2)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// writeCrashArtifacts records a best-effort diagnostic for an
// unrecovered panic: a terminate log in the working directory, plus a
// note naming the minidump that a platform with dump support would
// produce (Go has no portable minidump writer).
func writeCrashArtifacts(cause interface{}) {
	stamp := time.Now().Format("20060102_150405")
	body := fmt.Sprintf("pbl4av terminated at %s\npanic: %v\n\n%s\nminidump (where supported): yarascanner_crash_%s.dmp\n",
		time.Now().Format("2006-01-02 15:04:05"), cause, debug.Stack(), stamp)
	os.WriteFile("yarascanner_terminate.log", []byte(body), 0o644)
	fmt.Fprintf(os.Stderr, "fatal: %v (diagnostic written to yarascanner_terminate.log)\n", cause)
}
