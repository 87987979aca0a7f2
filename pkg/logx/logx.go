// Package logx provides structured logging with component prefixes and
// context-free debug gating via environment variables.
package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger writes timestamped, component-tagged lines to the process log sink.
type Logger struct {
	component string
	logger    *log.Logger
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// debugConfig controls debug logging behavior.
//
//nolint:gochecknoglobals // Intentional process-wide debug gate
var (
	debugEnabled bool
	debugDomains map[string]bool // nil = all domains
	debugMu      sync.RWMutex

	sink   io.Writer = os.Stderr
	sinkMu sync.RWMutex

	logFile *os.File
)

func init() { //nolint:gochecknoinits // Required for env var initialization
	initDebugFromEnv()
}

func initDebugFromEnv() {
	debugMu.Lock()
	defer debugMu.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugEnabled = true
	}

	// DEBUG_DOMAINS=router,queue,agent restricts debug output to those components.
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugDomains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugDomains[strings.TrimSpace(domain)] = true
		}
	}
}

// SetDebug configures debug logging at runtime (overrides env settings).
func SetDebug(enabled bool, domains []string) {
	debugMu.Lock()
	defer debugMu.Unlock()

	debugEnabled = enabled
	if len(domains) == 0 {
		debugDomains = nil
	} else {
		debugDomains = make(map[string]bool)
		for _, domain := range domains {
			debugDomains[strings.TrimSpace(domain)] = true
		}
	}
}

// IsDebugEnabledFor returns whether debug logging is enabled for a component.
func IsDebugEnabledFor(component string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()

	if !debugEnabled {
		return false
	}
	if debugDomains == nil {
		return true
	}
	return debugDomains[component]
}

// InitializeLogFile redirects all logging to a timestamped file under logDir.
// With tee=true, output goes to both the file and stderr. keep bounds the
// number of old log files retained.
func InitializeLogFile(logDir string, keep int, tee bool) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	name := fmt.Sprintf("chatbridge-%s.log", time.Now().UTC().Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	pruneOldLogs(logDir, keep)

	sinkMu.Lock()
	logFile = f
	if tee {
		sink = io.MultiWriter(os.Stderr, f)
	} else {
		sink = f
	}
	sinkMu.Unlock()

	return nil
}

// CloseLogFile flushes and closes the active log file, restoring stderr output.
func CloseLogFile() error {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	sink = os.Stderr
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// pruneOldLogs removes all but the newest keep log files. Best effort.
func pruneOldLogs(logDir string, keep int) {
	if keep <= 0 {
		return
	}
	matches, err := filepath.Glob(filepath.Join(logDir, "chatbridge-*.log"))
	if err != nil || len(matches) <= keep {
		return
	}
	// Glob returns sorted paths; the timestamp format sorts oldest first.
	for _, path := range matches[:len(matches)-keep] {
		_ = os.Remove(path)
	}
}

func currentSink() io.Writer {
	sinkMu.RLock()
	defer sinkMu.RUnlock()
	return sink
}

// NewLogger creates a logger tagged with a component name.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(writerFunc(writeToSink), "", 0),
	}
}

// writerFunc adapts a function to io.Writer so loggers follow sink changes.
type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func writeToSink(p []byte) (int, error) {
	return currentSink().Write(p)
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("[%s] [%s] %s: %s", timestamp, l.component, level, message)
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabledFor(l.component) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Component returns the component tag this logger was created with.
func (l *Logger) Component() string {
	return l.component
}

// Package-level convenience logger.
//
//nolint:gochecknoglobals
var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
// Use this when you need both logging and error returning:
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
