// Package logging provides structured logging with file and console output
// and an in-memory history of recent entries for the log drawer.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents logging levels
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	}
	return zerolog.DebugLevel
}

// LogEntry represents a single log entry for the UI
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Data      string `json:"data,omitempty"`
}

// String renders the entry as one drawer line.
func (e LogEntry) String() string {
	var b strings.Builder
	b.WriteString(e.Timestamp)
	b.WriteString(" ")
	if e.Component != "" {
		b.WriteString("[" + e.Component + "] ")
	}
	b.WriteString(e.Message)
	if e.Data != "" {
		b.WriteString(" (" + e.Data + ")")
	}
	return b.String()
}

// Logger wraps zerolog with file output and log history
type Logger struct {
	zlog    zerolog.Logger
	file    *os.File
	logPath string

	mu           sync.RWMutex
	history      []LogEntry
	maxHist      int
	historyLevel zerolog.Level
	onLog        func(LogEntry) // callback for real-time log streaming
}

// Config holds logger configuration
type Config struct {
	Dir        string   `mapstructure:"dir"`         // Directory for log files; empty disables the file
	Level      LogLevel `mapstructure:"level"`       // Minimum log level (default: debug)
	MaxHistory int      `mapstructure:"max_history"` // Entries kept in memory (default: 80)
	// HistoryLevel is the minimum level kept in history (default: info)
	HistoryLevel LogLevel `mapstructure:"history_level"`
	Console      bool     `mapstructure:"console"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Dir:          filepath.Join(home, ".cortexvrm", "logs"),
		Level:        LevelDebug,
		MaxHistory:   80,
		HistoryLevel: LevelInfo,
		Console:      true,
	}
}

// New creates a new Logger with file and console output
func New(cfg *Config) (*Logger, error) {
	return NewWithConsole(cfg, os.Stderr)
}

// NewWithConsole is New with the console writer sent to out.
func NewWithConsole(cfg *Config, out io.Writer) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 80
	}
	if cfg.HistoryLevel == "" {
		cfg.HistoryLevel = LevelInfo
	}

	logger := &Logger{
		history:      make([]LogEntry, 0, cfg.MaxHistory),
		maxHist:      cfg.MaxHistory,
		historyLevel: cfg.HistoryLevel.zerolog(),
	}

	writers := []io.Writer{&historyWriter{logger: logger}}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFileName := fmt.Sprintf("cortexvrm_%s.log", time.Now().Format("2006-01-02"))
		logger.logPath = filepath.Join(cfg.Dir, logFileName)

		file, err := os.OpenFile(logger.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.file = file
		writers = append(writers, file)
	}

	if cfg.Console && out != nil {
		writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"})
	}

	logger.zlog = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(cfg.Level.zerolog()).
		With().
		Timestamp().
		Str("app", "cortexvrm").
		Logger()

	logger.Debug("logging", "Logger initialized", map[string]any{
		"logFile": logger.logPath,
		"level":   string(cfg.Level),
	})

	return logger, nil
}

// SetOnLog sets a callback for real-time log streaming
func (l *Logger) SetOnLog(fn func(LogEntry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLog = fn
}

// addToHistory adds an entry to the in-memory log history
func (l *Logger) addToHistory(entry LogEntry) {
	l.mu.Lock()
	l.history = append(l.history, entry)
	if len(l.history) > l.maxHist {
		l.history = l.history[len(l.history)-l.maxHist:]
	}
	fn := l.onLog
	l.mu.Unlock()

	if fn != nil {
		fn(entry)
	}
}

// GetHistory returns recent log entries, oldest first
func (l *Logger) GetHistory(limit int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.history) {
		limit = len(l.history)
	}
	start := len(l.history) - limit

	result := make([]LogEntry, limit)
	copy(result, l.history[start:])
	return result
}

// GetLogPath returns the current log file path
func (l *Logger) GetLogPath() string {
	return l.logPath
}

// Close closes the log file
func (l *Logger) Close() error {
	l.Debug("logging", "Logger shutting down", nil)
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// formatData renders data as sorted key=value pairs.
func formatData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, ", ")
}

func (l *Logger) log(event *zerolog.Event, component, msg string, data map[string]any) {
	event = event.Str("component", component)
	for k, v := range data {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// Debug logs a debug message
func (l *Logger) Debug(component, msg string, data map[string]any) {
	l.log(l.zlog.Debug(), component, msg, data)
}

// Info logs an info message
func (l *Logger) Info(component, msg string, data map[string]any) {
	l.log(l.zlog.Info(), component, msg, data)
}

// Warn logs a warning message
func (l *Logger) Warn(component, msg string, data map[string]any) {
	l.log(l.zlog.Warn(), component, msg, data)
}

// Error logs an error message
func (l *Logger) Error(component, msg string, err error, data map[string]any) {
	l.log(l.zlog.Error().Err(err), component, msg, data)
}

// Component returns a zerolog.Logger with the component field set.
// Entries written through it land in history like any other.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// historyWriter turns each JSON line zerolog emits into a LogEntry.
type historyWriter struct {
	logger *Logger
}

func (w *historyWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *historyWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level != zerolog.NoLevel && level < w.logger.historyLevel {
		return len(p), nil
	}
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return len(p), nil
	}

	entry := LogEntry{Timestamp: time.Now().Format("15:04:05.000")}
	if v, ok := fields[zerolog.LevelFieldName].(string); ok {
		entry.Level = v
	}
	if v, ok := fields["component"].(string); ok {
		entry.Component = v
	}
	if v, ok := fields[zerolog.MessageFieldName].(string); ok {
		entry.Message = v
	}
	for _, k := range []string{zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, "component", "app"} {
		delete(fields, k)
	}
	entry.Data = formatData(fields)

	w.logger.addToHistory(entry)
	return len(p), nil
}
