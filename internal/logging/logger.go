// Package logging provides config-driven categorized file-based logging
// for quorum. Logs are written to <state_dir>/logs/ with separate files
// per category. Logging is controlled by the logging section of
// quorum.yaml - when debug_mode is false, no logs are written.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup/initialization
	CategorySession     Category = "session"     // Session lifecycle, control surface
	CategoryGraph       Category = "graph"       // Graph executor, node transitions
	CategorySafety      Category = "safety"      // Safety guard trips
	CategoryConvergence Category = "convergence" // Agreement/novelty scoring
	CategoryCheckpoint  Category = "checkpoint"  // Checkpoint save/load/delete
	CategoryMemory      Category = "memory"      // Participant memory store
	CategoryLedger      Category = "ledger"      // Cost/token ledger
	CategoryLLM         Category = "llm"         // LLM collaborator calls
	CategoryEmbedding   Category = "embedding"   // Embedding engine
)

// Settings mirrors the logging section of the configuration. Kept local
// to avoid a dependency on the config package.
type Settings struct {
	DebugMode  bool
	Categories map[string]bool
	Level      string // debug, info, warn, error
}

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex

	logsDir  string
	settings Settings
	stateMu  sync.RWMutex
	logLevel int
)

// Initialize sets up the logging directory and applies settings. Should
// be called once at startup with the state directory path. Safe to call
// again to apply reloaded settings.
func Initialize(stateDir string, s Settings) error {
	if stateDir == "" {
		return fmt.Errorf("state directory required")
	}

	stateMu.Lock()
	logsDir = filepath.Join(stateDir, "logs")
	settings = s
	logLevel = parseLevel(s.Level)
	stateMu.Unlock()

	// Drop cached loggers so reconfiguration takes effect.
	loggersMu.Lock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()

	if !s.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== quorum logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", s.Level)
	return nil
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Get returns the logger for a category, creating it if needed.
func Get(category Category) *Logger {
	loggersMu.RLock()
	l, ok := loggers[category]
	loggersMu.RUnlock()
	if ok {
		return l
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	l = newLogger(category)
	loggers[category] = l
	return l
}

func newLogger(category Category) *Logger {
	stateMu.RLock()
	enabled := settings.DebugMode && categoryEnabled(category)
	dir := logsDir
	stateMu.RUnlock()

	l := &Logger{category: category}
	if !enabled || dir == "" {
		return l // Disabled logger, all writes are no-ops
	}

	path := filepath.Join(dir, string(category)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] failed to open %s: %v\n", path, err)
		return l
	}
	l.file = f
	l.logger = log.New(f, "", 0)
	return l
}

func categoryEnabled(category Category) bool {
	if len(settings.Categories) == 0 {
		return true
	}
	enabled, ok := settings.Categories[string(category)]
	return !ok || enabled
}

func (l *Logger) write(level int, levelName, format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	stateMu.RLock()
	minLevel := logLevel
	stateMu.RUnlock()
	if level < minLevel {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	l.logger.Printf("%s [%s] %s", ts, levelName, fmt.Sprintf(format, args...))
}

// Debug logs a debug-level message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs an info-level message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs a warning-level message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs an error-level message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// Close flushes and closes all open log files. Called on shutdown.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation for performance logging.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time for the operation.
func (t *Timer) Stop() {
	Get(t.category).Debug("%s took %v", t.operation, time.Since(t.start))
}

// Convenience helpers for the chattiest categories, matching call sites
// like logging.Session("...") / logging.GraphDebug("...").

func Session(format string, args ...interface{})          { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...interface{})     { Get(CategorySession).Debug(format, args...) }
func Graph(format string, args ...interface{})            { Get(CategoryGraph).Info(format, args...) }
func GraphDebug(format string, args ...interface{})       { Get(CategoryGraph).Debug(format, args...) }
func Safety(format string, args ...interface{})           { Get(CategorySafety).Info(format, args...) }
func Convergence(format string, args ...interface{})      { Get(CategoryConvergence).Info(format, args...) }
func ConvergenceDebug(format string, args ...interface{}) { Get(CategoryConvergence).Debug(format, args...) }
func CheckpointDebug(format string, args ...interface{})  { Get(CategoryCheckpoint).Debug(format, args...) }
func MemoryDebug(format string, args ...interface{})      { Get(CategoryMemory).Debug(format, args...) }
func LedgerDebug(format string, args ...interface{})      { Get(CategoryLedger).Debug(format, args...) }
func LLMDebug(format string, args ...interface{})         { Get(CategoryLLM).Debug(format, args...) }
func EmbeddingDebug(format string, args ...interface{})   { Get(CategoryEmbedding).Debug(format, args...) }
