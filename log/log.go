// Package log provides the three severity-leveled loggers used throughout
// the orchestration engine: InfoLog, WarningLog, and ErrorLog. Warnings and
// errors are mirrored to Sentry (via internal/sentry.Writer) when telemetry
// is enabled, so a stuck worker or a dead tmux session shows up centrally
// even though the engine itself never crashes on their account.
package log

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/ryanashbaugh/openhive/internal/sentry"
)

var (
	// InfoLog logs routine progress: tick summaries, dispatch decisions, state transitions.
	InfoLog *log.Logger
	// WarningLog logs recoverable problems: a dispatch retry, a non-fatal worktree failure.
	WarningLog *log.Logger
	// ErrorLog logs problems an operator should know about: dead workers, LLM escalation failures.
	ErrorLog *log.Logger

	logFile *os.File
)

// Initialize opens the engine's log file under dir/.openhive/logs/orchestrator.log
// (creating the directory if needed) and wires InfoLog/WarningLog/ErrorLog to it.
// When verbose is true, info-level output is also teed to stderr.
func Initialize(dir string, verbose bool, telemetryEnabled bool) error {
	logDir := filepath.Join(dir, ".openhive", "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		InfoLog = log.New(io.Discard, "INFO: ", log.LstdFlags)
		WarningLog = log.New(os.Stderr, "WARN: ", log.LstdFlags)
		ErrorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
		return err
	}

	f, err := os.OpenFile(filepath.Join(logDir, "orchestrator.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		InfoLog = log.New(io.Discard, "INFO: ", log.LstdFlags)
		WarningLog = log.New(os.Stderr, "WARN: ", log.LstdFlags)
		ErrorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
		return err
	}
	logFile = f

	var infoWriter io.Writer = f
	if verbose {
		infoWriter = io.MultiWriter(f, os.Stderr)
	}

	warnWriter := sentry.NewWriter(f, sentry.LevelWarning)
	if !telemetryEnabled {
		warnWriter = nil
	}
	errWriter := sentry.NewWriter(f, sentry.LevelError)
	if !telemetryEnabled {
		errWriter = nil
	}

	InfoLog = log.New(sentry.NewWriter(infoWriter, sentry.LevelInfo), "INFO: ", log.LstdFlags)
	if warnWriter != nil {
		WarningLog = log.New(warnWriter, "WARN: ", log.LstdFlags)
	} else {
		WarningLog = log.New(f, "WARN: ", log.LstdFlags)
	}
	if errWriter != nil {
		ErrorLog = log.New(errWriter, "ERROR: ", log.LstdFlags)
	} else {
		ErrorLog = log.New(f, "ERROR: ", log.LstdFlags)
	}

	return nil
}

// Close flushes and closes the underlying log file, if one was opened.
func Close() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

func init() {
	// Safe defaults so packages that log during tests (no Initialize call) don't panic.
	InfoLog = log.New(io.Discard, "INFO: ", log.LstdFlags)
	WarningLog = log.New(os.Stderr, "WARN: ", log.LstdFlags)
	ErrorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
}
