package logger

import (
	"strings"
	"sync"
	"time"
)

// StreamLogEntry represents a single log entry for streaming
type StreamLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogStream keeps the most recent entries and fans new ones out to subscribers
type LogStream struct {
	mu          sync.RWMutex
	entries     []StreamLogEntry
	maxSize     int
	subscribers map[chan StreamLogEntry]struct{}
	closed      bool
}

// NewLogStream creates a new log stream
func NewLogStream(maxSize int) *LogStream {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LogStream{
		entries:     make([]StreamLogEntry, 0, maxSize),
		maxSize:     maxSize,
		subscribers: make(map[chan StreamLogEntry]struct{}),
	}
}

// Add adds a log entry to the stream
func (ls *LogStream) Add(entry StreamLogEntry) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.closed {
		return
	}

	ls.entries = append(ls.entries, entry)
	if len(ls.entries) > ls.maxSize {
		// Remove oldest entry
		ls.entries = ls.entries[len(ls.entries)-ls.maxSize:]
	}

	for ch := range ls.subscribers {
		select {
		case ch <- entry:
		default:
			// 订阅者太慢，丢弃这一条
		}
	}
}

// Subscribe subscribes to log entries
func (ls *LogStream) Subscribe() chan StreamLogEntry {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ch := make(chan StreamLogEntry, 100)
	if ls.closed {
		close(ch)
		return ch
	}
	ls.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe unsubscribes from log entries
func (ls *LogStream) Unsubscribe(ch chan StreamLogEntry) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if _, ok := ls.subscribers[ch]; ok {
		delete(ls.subscribers, ch)
		close(ch)
	}
}

// GetEntries returns up to limit recent entries, optionally filtered by level
func (ls *LogStream) GetEntries(limit int, level string) []StreamLogEntry {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	var source []StreamLogEntry
	if level == "" {
		source = ls.entries
	} else {
		for _, e := range ls.entries {
			if strings.EqualFold(e.Level, level) {
				source = append(source, e)
			}
		}
	}

	if limit <= 0 || limit > len(source) {
		limit = len(source)
	}

	result := make([]StreamLogEntry, limit)
	copy(result, source[len(source)-limit:])
	return result
}

// Close closes the log stream
func (ls *LogStream) Close() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.closed {
		return
	}
	ls.closed = true

	// Close all subscriber channels
	for ch := range ls.subscribers {
		close(ch)
	}
	ls.subscribers = make(map[chan StreamLogEntry]struct{})
}

var (
	globalLogStream *LogStream
	streamMu        sync.RWMutex
)

// InitLogStream initializes the global log stream
func InitLogStream(maxSize int) {
	streamMu.Lock()
	defer streamMu.Unlock()
	if globalLogStream == nil {
		globalLogStream = NewLogStream(maxSize)
	}
}

// GetLogStream returns the global log stream
func GetLogStream() *LogStream {
	if s := currentLogStream(); s != nil {
		return s
	}
	InitLogStream(1000)
	return currentLogStream()
}

func currentLogStream() *LogStream {
	streamMu.RLock()
	defer streamMu.RUnlock()
	return globalLogStream
}
