// Package logging provides config-driven categorized file-based logging for thinkwatch.
// Logs are written to .thinkwatch/logs/ with separate files per category.
// Logging is controlled by debug_mode in the logging config - when false, no logs are written.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Boot/initialization
	CategoryProxy      Category = "proxy"      // Reverse proxy, upstream forwarding
	CategoryStream     Category = "stream"     // SSE reassembly and session tracking
	CategorySupervisor Category = "supervisor" // Router/coordinator/specialist analysis
	CategoryEscalation Category = "escalation" // Confidence and deep-tier escalation
	CategoryLearning   Category = "learning"   // Pattern learner
	CategoryStore      Category = "store"      // Persistence
	CategoryClassifier Category = "classifier" // Classifier API calls
	CategoryEvents     Category = "events"     // Event bus and sinks
	CategoryMonitor    Category = "monitor"    // Pipeline wiring
)

// AllCategories lists every category in declaration order.
var AllCategories = []Category{
	CategoryBoot, CategoryProxy, CategoryStream, CategorySupervisor, CategoryEscalation,
	CategoryLearning, CategoryStore, CategoryClassifier, CategoryEvents, CategoryMonitor,
}

// Config mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type Config struct {
	DebugMode  bool
	Level      string
	Format     string // json, console
	Categories map[string]bool
}

// Logger wraps a zap sugared logger bound to one category file
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	config    Config
	configMu  sync.RWMutex
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize sets up the logging directory.
// Should be called once at startup with the workspace path.
func Initialize(workspace string, cfg Config) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	CloseAll()

	configMu.Lock()
	config = cfg
	level.SetLevel(parseLevel(cfg.Level))
	configMu.Unlock()

	if !cfg.DebugMode {
		logsDir = ""
		return nil // Silent no-op in production mode
	}

	dir := filepath.Join(workspace, ".thinkwatch", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	logsDir = dir

	boot := Get(CategoryBoot)
	boot.Info("=== thinkwatch logging initialized ===")
	boot.Info("Workspace: %s", workspace)
	boot.Info("Log level: %s", level.Level())
	if len(cfg.Categories) > 0 {
		enabled := 0
		for _, on := range cfg.Categories {
			if on {
				enabled++
			}
		}
		boot.Info("Enabled categories: %d/%d", enabled, len(cfg.Categories))
	} else {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	core := zapcore.NewCore(newEncoder(), zapcore.AddSync(file), level)
	l := &Logger{
		category: category,
		file:     file,
		sugar:    zap.New(core).Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

func newEncoder() zapcore.Encoder {
	configMu.RLock()
	format := config.Format
	configMu.RUnlock()

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "json" {
		return zapcore.NewJSONEncoder(encCfg)
	}
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encCfg)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func Proxy(format string, args ...interface{})      { Get(CategoryProxy).Info(format, args...) }
func ProxyDebug(format string, args ...interface{}) { Get(CategoryProxy).Debug(format, args...) }
func ProxyWarn(format string, args ...interface{})  { Get(CategoryProxy).Warn(format, args...) }
func ProxyError(format string, args ...interface{}) { Get(CategoryProxy).Error(format, args...) }

func Stream(format string, args ...interface{})      { Get(CategoryStream).Info(format, args...) }
func StreamDebug(format string, args ...interface{}) { Get(CategoryStream).Debug(format, args...) }
func StreamWarn(format string, args ...interface{})  { Get(CategoryStream).Warn(format, args...) }

func Supervisor(format string, args ...interface{}) { Get(CategorySupervisor).Info(format, args...) }
func SupervisorDebug(format string, args ...interface{}) {
	Get(CategorySupervisor).Debug(format, args...)
}
func SupervisorWarn(format string, args ...interface{}) { Get(CategorySupervisor).Warn(format, args...) }

func Escalation(format string, args ...interface{}) { Get(CategoryEscalation).Info(format, args...) }
func EscalationDebug(format string, args ...interface{}) {
	Get(CategoryEscalation).Debug(format, args...)
}
func EscalationWarn(format string, args ...interface{}) { Get(CategoryEscalation).Warn(format, args...) }

func Learning(format string, args ...interface{})      { Get(CategoryLearning).Info(format, args...) }
func LearningDebug(format string, args ...interface{}) { Get(CategoryLearning).Debug(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }

func Classifier(format string, args ...interface{}) { Get(CategoryClassifier).Info(format, args...) }
func ClassifierDebug(format string, args ...interface{}) {
	Get(CategoryClassifier).Debug(format, args...)
}
func ClassifierWarn(format string, args ...interface{}) { Get(CategoryClassifier).Warn(format, args...) }

func Events(format string, args ...interface{})     { Get(CategoryEvents).Info(format, args...) }
func EventsWarn(format string, args ...interface{}) { Get(CategoryEvents).Warn(format, args...) }

func Monitor(format string, args ...interface{})      { Get(CategoryMonitor).Info(format, args...) }
func MonitorDebug(format string, args ...interface{}) { Get(CategoryMonitor).Debug(format, args...) }
func MonitorWarn(format string, args ...interface{})  { Get(CategoryMonitor).Warn(format, args...) }

// =============================================================================
// TIMING
// =============================================================================

// Timer measures an operation and logs its duration to a category
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer starts timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.operation, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the operation exceeded threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s slow: %v (threshold %v)", t.operation, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.operation, elapsed)
	}
	return elapsed
}
