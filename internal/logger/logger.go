// Package logger provides structured logging with file rotation support.
// Log files are named ferry-{mode}-{date}.log and rotate on date change or size.
package logger

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ferry-project/ferry/Ferry/internal/config"
)

const dateLayout = "2006-01-02"

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the main logger structure
type Logger struct {
	mu          sync.Mutex
	level       LogLevel
	formatJSON  bool
	stdout      io.Writer
	fileWriter  *os.File
	logDir      string
	maxSize     int64 // MB
	maxBackups  int
	maxAge      int // days
	compress    bool
	currentSize int64
	currentDate string
	serverMode  string
	done        chan struct{}
	closeOnce   sync.Once
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// InitLogger initializes the global logger with the given configuration
func InitLogger(cfg *config.LogConfig, serverMode string) error {
	logger, err := NewLogger(cfg, serverMode)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
	return nil
}

// NewLogger creates a new logger instance
func NewLogger(cfg *config.LogConfig, serverMode string) (*Logger, error) {
	if serverMode == "" {
		serverMode = "standalone"
	}
	l := &Logger{
		level:       parseLevel(cfg.Level),
		formatJSON:  cfg.Format == "json",
		logDir:      cfg.Directory,
		maxSize:     int64(cfg.MaxSize),
		maxBackups:  cfg.MaxBackups,
		maxAge:      cfg.MaxAge,
		compress:    cfg.Compress,
		currentDate: time.Now().Format(dateLayout),
		serverMode:  serverMode,
		done:        make(chan struct{}),
	}

	// Setup outputs
	switch strings.ToLower(cfg.Output) {
	case "file":
		if err := l.setupFileWriter(); err != nil {
			return nil, err
		}
	case "both":
		l.stdout = os.Stdout
		if err := l.setupFileWriter(); err != nil {
			return nil, err
		}
	default:
		l.stdout = os.Stdout
	}

	return l, nil
}

// FileName returns the active log file name for a mode and date
func FileName(mode, date string) string {
	return fmt.Sprintf("ferry-%s-%s.log", mode, date)
}

// CurrentFile returns the path of the active log file, empty when logging to stdout only
func (l *Logger) CurrentFile() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileWriter == nil {
		return ""
	}
	return filepath.Join(l.logDir, FileName(l.serverMode, l.currentDate))
}

func (l *Logger) setupFileWriter() error {
	if l.logDir == "" {
		return fmt.Errorf("日志目录未配置")
	}
	// Ensure log directory exists
	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	if err := l.openFile(); err != nil {
		return err
	}

	// Start rotation checker
	go l.rotationChecker()

	return nil
}

func (l *Logger) openFile() error {
	logFile := filepath.Join(l.logDir, FileName(l.serverMode, l.currentDate))

	// Open file in append mode
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	l.currentSize = 0
	if info, err := f.Stat(); err == nil {
		l.currentSize = info.Size()
	}
	l.fileWriter = f
	return nil
}

// rotationChecker periodically checks if log rotation is needed
func (l *Logger) rotationChecker() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.checkRotation()
		}
	}
}

func (l *Logger) checkRotation() {
	l.mu.Lock()
	defer l.mu.Unlock()

	currentDate := time.Now().Format(dateLayout)

	// 日期变化时直接切到新文件
	if currentDate != l.currentDate {
		if l.fileWriter != nil {
			l.fileWriter.Close()
		}
		l.currentDate = currentDate
		if err := l.openFile(); err != nil {
			fmt.Fprintf(os.Stderr, "[ERROR] 切换日志文件失败: %v\n", err)
		}
		l.cleanOldBackups()
		return
	}

	// Rotate on size
	if l.maxSize > 0 && l.currentSize >= l.maxSize*1024*1024 {
		l.rotateLog("size")
	}
}

// rotateLog moves the active file aside as ferry-{mode}-{date}-{timestamp}-{reason}.log
func (l *Logger) rotateLog(reason string) {
	if l.fileWriter == nil {
		return
	}

	// Close current file
	l.fileWriter.Close()
	l.fileWriter = nil

	logFile := filepath.Join(l.logDir, FileName(l.serverMode, l.currentDate))
	timestamp := time.Now().Format("20060102-150405")
	backupFile := filepath.Join(l.logDir, fmt.Sprintf("ferry-%s-%s-%s-%s.log", l.serverMode, l.currentDate, timestamp, reason))

	if err := os.Rename(logFile, backupFile); err == nil && l.compress {
		if err := gzipFile(backupFile); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] 压缩日志失败: %v\n", err)
		}
	}

	// Clean old backups
	l.cleanOldBackups()

	// Create new log file
	if err := l.openFile(); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] 重新打开日志文件失败: %v\n", err)
	}
}

// cleanOldBackups removes backups older than maxAge and keeps at most maxBackups of them
func (l *Logger) cleanOldBackups() {
	files, err := os.ReadDir(l.logDir)
	if err != nil {
		return
	}

	prefix := fmt.Sprintf("ferry-%s-", l.serverMode)
	active := FileName(l.serverMode, l.currentDate)
	cutoff := time.Now().AddDate(0, 0, -l.maxAge)

	var backups []string
	for _, file := range files {
		name := file.Name()
		if name == active || !strings.HasPrefix(name, prefix) {
			continue
		}
		if !strings.HasSuffix(name, ".log") && !strings.HasSuffix(name, ".log.gz") {
			continue
		}

		// ferry-{mode}-YYYY-MM-DD...
		rest := strings.TrimPrefix(name, prefix)
		if len(rest) < len(dateLayout) {
			continue
		}
		fileDate, err := time.Parse(dateLayout, rest[:len(dateLayout)])
		if err != nil {
			continue
		}
		if l.maxAge > 0 && fileDate.Before(cutoff) {
			os.Remove(filepath.Join(l.logDir, name))
			continue
		}
		backups = append(backups, name)
	}

	if l.maxBackups > 0 && len(backups) > l.maxBackups {
		// Names sort chronologically
		sort.Strings(backups)
		for _, name := range backups[:len(backups)-l.maxBackups] {
			os.Remove(filepath.Join(l.logDir, name))
		}
	}
}

func gzipFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	in.Close()
	return os.Remove(path)
}

// parseLevel converts string level to LogLevel
func parseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger, _ = NewLogger(&config.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		}, "standalone")
	}
	return defaultLogger
}

// format renders one log line
func (l *Logger) format(ts time.Time, level LogLevel, msg string, fields []Field) string {
	if l.formatJSON {
		record := make(map[string]interface{}, len(fields)+3)
		for _, f := range fields {
			record[f.Key] = f.Value
		}
		record["time"] = ts.Format(time.RFC3339)
		record["level"] = level.String()
		record["msg"] = msg
		data, err := json.Marshal(record)
		if err != nil {
			data, _ = json.Marshal(map[string]string{"time": ts.Format(time.RFC3339), "level": level.String(), "msg": msg})
		}
		return string(data) + "\n"
	}

	// Text format
	fieldStr := ""
	if len(fields) > 0 {
		fieldPairs := make([]string, 0, len(fields))
		for _, f := range fields {
			fieldPairs = append(fieldPairs, fmt.Sprintf("%s=%v", f.Key, f.Value))
		}
		fieldStr = " " + strings.Join(fieldPairs, " ")
	}
	return fmt.Sprintf("[%s] %s %s%s\n", ts.Format("2006-01-02 15:04:05"), level, msg, fieldStr)
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, msg string, fields []Field) {
	if level < l.level {
		return
	}

	now := time.Now()
	logLine := l.format(now, level, msg, fields)

	l.mu.Lock()
	if l.stdout != nil {
		if _, err := io.WriteString(l.stdout, logLine); err != nil {
			fmt.Fprintf(os.Stderr, "[ERROR] 写入日志失败: %v\n", err)
		}
	}
	if l.fileWriter != nil {
		n, err := l.fileWriter.WriteString(logLine)
		if err != nil {
			// 记录错误到 stderr 作为降级方案
			fmt.Fprintf(os.Stderr, "[ERROR] 写入日志失败: %v\n", err)
		}
		l.currentSize += int64(n)
	}
	l.mu.Unlock()

	// Send to log stream for real-time viewing
	if stream := currentLogStream(); stream != nil {
		fieldsMap := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			fieldsMap[f.Key] = f.Value
		}
		stream.Add(StreamLogEntry{
			Timestamp: now,
			Level:     level.String(),
			Message:   msg,
			Fields:    fieldsMap,
		})
	}
}

// WithField creates a log entry with a single field
func (l *Logger) WithField(key string, value interface{}) *LogEntry {
	return &LogEntry{
		logger: l,
		fields: []Field{{Key: key, Value: value}},
	}
}

// WithFields creates a log entry with multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *LogEntry {
	return &LogEntry{
		logger: l,
		fields: sortedFields(fields),
	}
}

// WithError creates a log entry with an error field
func (l *Logger) WithError(err error) *LogEntry {
	return &LogEntry{
		logger: l,
		fields: []Field{errorField(err)},
	}
}

func sortedFields(fields map[string]interface{}) []Field {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Field, 0, len(fields))
	for _, k := range keys {
		out = append(out, Field{Key: k, Value: fields[k]})
	}
	return out
}

func errorField(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: "<nil>"}
	}
	return Field{Key: "error", Value: err.Error()}
}

// LogEntry represents a log entry with fields
type LogEntry struct {
	logger *Logger
	fields []Field
}

// WithField adds a field to the log entry
func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	e.fields = append(e.fields, Field{Key: key, Value: value})
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	e.fields = append(e.fields, sortedFields(fields)...)
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	e.fields = append(e.fields, errorField(err))
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(args ...interface{}) {
	e.logger.log(DEBUG, fmt.Sprint(args...), e.fields)
}

// Debugf logs a formatted message at debug level
func (e *LogEntry) Debugf(format string, args ...interface{}) {
	e.logger.log(DEBUG, fmt.Sprintf(format, args...), e.fields)
}

// Info logs at info level
func (e *LogEntry) Info(args ...interface{}) {
	e.logger.log(INFO, fmt.Sprint(args...), e.fields)
}

// Infof logs a formatted message at info level
func (e *LogEntry) Infof(format string, args ...interface{}) {
	e.logger.log(INFO, fmt.Sprintf(format, args...), e.fields)
}

// Warn logs at warning level
func (e *LogEntry) Warn(args ...interface{}) {
	e.logger.log(WARN, fmt.Sprint(args...), e.fields)
}

// Warnf logs a formatted message at warning level
func (e *LogEntry) Warnf(format string, args ...interface{}) {
	e.logger.log(WARN, fmt.Sprintf(format, args...), e.fields)
}

// Error logs at error level
func (e *LogEntry) Error(args ...interface{}) {
	e.logger.log(ERROR, fmt.Sprint(args...), e.fields)
}

// Errorf logs a formatted message at error level
func (e *LogEntry) Errorf(format string, args ...interface{}) {
	e.logger.log(ERROR, fmt.Sprintf(format, args...), e.fields)
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(args ...interface{}) {
	e.logger.log(FATAL, fmt.Sprint(args...), e.fields)
	os.Exit(1)
}

// Fatalf logs a formatted message at fatal level and exits
func (e *LogEntry) Fatalf(format string, args ...interface{}) {
	e.logger.log(FATAL, fmt.Sprintf(format, args...), e.fields)
	os.Exit(1)
}

// Global convenience functions

// WithField creates a logger entry with a single field
func WithField(key string, value interface{}) *LogEntry {
	return GetLogger().WithField(key, value)
}

// WithFields creates a logger entry with multiple fields
func WithFields(fields map[string]interface{}) *LogEntry {
	return GetLogger().WithFields(fields)
}

// WithError creates a logger entry with an error field
func WithError(err error) *LogEntry {
	return GetLogger().WithError(err)
}

// Debug logs a message at debug level
func Debug(args ...interface{}) {
	GetLogger().log(DEBUG, fmt.Sprint(args...), nil)
}

// Debugf logs a formatted message at debug level
func Debugf(format string, args ...interface{}) {
	GetLogger().log(DEBUG, fmt.Sprintf(format, args...), nil)
}

// Info logs a message at info level
func Info(args ...interface{}) {
	GetLogger().log(INFO, fmt.Sprint(args...), nil)
}

// Infof logs a formatted message at info level
func Infof(format string, args ...interface{}) {
	GetLogger().log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warn logs a message at warning level
func Warn(args ...interface{}) {
	GetLogger().log(WARN, fmt.Sprint(args...), nil)
}

// Warnf logs a formatted message at warning level
func Warnf(format string, args ...interface{}) {
	GetLogger().log(WARN, fmt.Sprintf(format, args...), nil)
}

// Error logs a message at error level
func Error(args ...interface{}) {
	GetLogger().log(ERROR, fmt.Sprint(args...), nil)
}

// Errorf logs a formatted message at error level
func Errorf(format string, args ...interface{}) {
	GetLogger().log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Fatal logs a message at fatal level and exits
func Fatal(args ...interface{}) {
	GetLogger().log(FATAL, fmt.Sprint(args...), nil)
	os.Exit(1)
}

// Fatalf logs a formatted message at fatal level and exits
func Fatalf(format string, args ...interface{}) {
	GetLogger().log(FATAL, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// Close stops the rotation checker and closes the log file
func (l *Logger) Close() error {
	l.closeOnce.Do(func() { close(l.done) })

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileWriter != nil {
		err := l.fileWriter.Close()
		l.fileWriter = nil
		return err
	}
	return nil
}

// Info logs a message at info level
func (l *Logger) Info(args ...interface{}) {
	l.log(INFO, fmt.Sprint(args...), nil)
}

// Infof logs a formatted message at info level
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warn logs a message at warning level
func (l *Logger) Warn(args ...interface{}) {
	l.log(WARN, fmt.Sprint(args...), nil)
}

// Warnf logs a formatted message at warning level
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}

// Error logs a message at error level
func (l *Logger) Error(args ...interface{}) {
	l.log(ERROR, fmt.Sprint(args...), nil)
}

// Errorf logs a formatted message at error level
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Debug logs a message at debug level
func (l *Logger) Debug(args ...interface{}) {
	l.log(DEBUG, fmt.Sprint(args...), nil)
}

// Debugf logs a formatted message at debug level
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...), nil)
}
