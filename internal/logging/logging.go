// Package logging provides centralized logging configuration for avatalk.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *slog.Logger
	globalMu     sync.RWMutex

	// logWriter holds the rotated log file (if any) for cleanup.
	logWriter   io.WriteCloser
	logWriterMu sync.Mutex

	// allowedComponents stores the set of components to log (nil means all)
	allowedComponents map[string]bool
	componentsMu      sync.RWMutex
)

// Component names used across the module.
const (
	ComponentConn     = "conn"
	ComponentRuns     = "runs"
	ComponentAudio    = "audio"
	ComponentDispatch = "dispatch"
	ComponentAPI      = "api"
	ComponentAuth     = "auth"
	ComponentSession  = "session"
)

// FileLogConfig holds configuration for file-based logging with rotation.
type FileLogConfig struct {
	// Path is the file path for the log file.
	// Empty string disables file logging.
	Path string

	// MaxSizeMB is the maximum size of the log file in megabytes before rotation.
	// Default: 10MB
	MaxSizeMB int

	// MaxBackups is the maximum number of old log files to retain.
	// Default: 3
	MaxBackups int

	Compress bool
}

// DefaultFileLogConfig returns the default file log configuration.
func DefaultFileLogConfig() FileLogConfig {
	return FileLogConfig{
		MaxSizeMB:  10,
		MaxBackups: 3,
	}
}

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level for console output (debug, info, warn, error)
	Level string
	// FileLevel is the minimum log level for file output. Defaults to Level.
	FileLevel string
	FileLog   *FileLogConfig
	JSON      bool
	// Components is a list of component names to include in logs (empty means all)
	Components []string
	// Console receives console output. Defaults to os.Stderr.
	Console io.Writer
}

// Initialize sets up the global logger with the given configuration.
// With a FileLog path, logs go to both console and a lumberjack-rotated file.
func Initialize(cfg Config) error {
	consoleLevel := parseLevel(cfg.Level)
	fileLevel := consoleLevel
	if cfg.FileLevel != "" {
		fileLevel = parseLevel(cfg.FileLevel)
	}
	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}

	componentsMu.Lock()
	if len(cfg.Components) > 0 {
		allowedComponents = make(map[string]bool)
		for _, c := range cfg.Components {
			allowedComponents[c] = true
		}
	} else {
		allowedComponents = nil
	}
	componentsMu.Unlock()

	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}

	var fileWriter io.Writer
	if cfg.FileLog != nil && cfg.FileLog.Path != "" {
		maxSize := cfg.FileLog.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.FileLog.MaxBackups
		if maxBackups < 0 {
			maxBackups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.FileLog.Path,
			MaxSize:    maxSize, // megabytes
			MaxBackups: maxBackups,
			Compress:   cfg.FileLog.Compress,
		}
		logWriter = lj
		fileWriter = lj
	}

	createHandler := func(w io.Writer, level slog.Level) slog.Handler {
		opts := &slog.HandlerOptions{Level: level}
		if cfg.JSON {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	}

	var handler slog.Handler
	switch {
	case fileWriter != nil && fileLevel != consoleLevel:
		handler = &multiHandler{handlers: []slog.Handler{
			createHandler(console, consoleLevel),
			createHandler(fileWriter, fileLevel),
		}}
	case fileWriter != nil:
		handler = createHandler(io.MultiWriter(console, fileWriter), consoleLevel)
	default:
		handler = createHandler(console, consoleLevel)
	}

	logger := slog.New(handler)

	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()

	slog.SetDefault(logger)
	return nil
}

// multiHandler fans out log records to handlers with different levels.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// Get returns the global logger, or slog.Default() before Initialize.
func Get() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()

	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Close closes the log file if one is open.
func Close() error {
	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	if logWriter != nil {
		err := logWriter.Close()
		logWriter = nil
		return err
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isComponentAllowed(component string) bool {
	componentsMu.RLock()
	defer componentsMu.RUnlock()

	if allowedComponents == nil {
		return true
	}
	return allowedComponents[component]
}

// componentFilterHandler wraps a slog.Handler and filters based on component.
type componentFilterHandler struct {
	inner     slog.Handler
	component string
}

func (h *componentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if !isComponentAllowed(h.component) {
		return false
	}
	return h.inner.Enabled(ctx, level)
}

func (h *componentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if !isComponentAllowed(h.component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *componentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &componentFilterHandler{
		inner:     h.inner.WithAttrs(attrs),
		component: h.component,
	}
}

func (h *componentFilterHandler) WithGroup(name string) slog.Handler {
	return &componentFilterHandler{
		inner:     h.inner.WithGroup(name),
		component: h.component,
	}
}

// WithComponent returns a logger with a component attribute. Records are
// dropped when component filtering excludes the component.
func WithComponent(component string) *slog.Logger {
	base := Get()
	handler := &componentFilterHandler{
		inner:     base.Handler().WithAttrs([]slog.Attr{slog.String("component", component)}),
		component: component,
	}
	return slog.New(handler)
}

// Conn returns a logger for connection lifecycle events.
func Conn() *slog.Logger { return WithComponent(ComponentConn) }

// Runs returns a logger for run aggregation events.
func Runs() *slog.Logger { return WithComponent(ComponentRuns) }

// Audio returns a logger for playback events.
func Audio() *slog.Logger { return WithComponent(ComponentAudio) }

// Dispatch returns a logger for inbound envelope routing.
func Dispatch() *slog.Logger { return WithComponent(ComponentDispatch) }

// API returns a logger for REST calls.
func API() *slog.Logger { return WithComponent(ComponentAPI) }

// Auth returns a logger for credential events.
func Auth() *slog.Logger { return WithComponent(ComponentAuth) }

// Session returns a logger for session identity events.
func Session() *slog.Logger { return WithComponent(ComponentSession) }

// WithChat returns a child logger scoped to one agent conversation.
func WithChat(base *slog.Logger, botID, sessionID string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With(
		"bot_id", botID,
		"session_id", sessionID,
	)
}

// WithRun returns a child logger that includes the run id.
func WithRun(base *slog.Logger, runID string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With("run_id", runID)
}
