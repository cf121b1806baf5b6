package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// InvocationLog is a single structured record for one invoke, written once
// the tier dispatcher returns (or fails). It captures the fields the
// pipeline's observability requirements call out: which tier handled the
// request, whether the dedup layer or the loader's cache served it, and how
// many retries the loader burned getting there.
type InvocationLog struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	TraceID      string    `json:"trace_id,omitempty"`
	SpanID       string    `json:"span_id,omitempty"`
	FunctionID   string    `json:"function_id"`
	Version      string    `json:"version,omitempty"`
	Tier         string    `json:"tier"`
	DurationMs   int64     `json:"duration_ms"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	InputSize    int       `json:"input_size"`
	OutputSize   int       `json:"output_size,omitempty"`
	Retries      int       `json:"retries,omitempty"`
	FromCache    bool      `json:"from_cache,omitempty"`
	Deduplicated bool      `json:"deduplicated,omitempty"`
	CascadeSteps int       `json:"cascade_steps,omitempty"`
}

// Logger handles invocation logging: one line to the console for humans,
// one JSON object to a file for machines.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default invocation logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes an invocation log entry.
func (l *Logger) Log(entry *InvocationLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		cache := ""
		if entry.FromCache {
			cache = " [cached]"
		}
		dedup := ""
		if entry.Deduplicated {
			dedup = " [dedup]"
		}
		retry := ""
		if entry.Retries > 0 {
			retry = fmt.Sprintf(" [retry:%d]", entry.Retries)
		}
		fmt.Printf("[invoke] %s %s %s/%s %dms%s%s%s\n",
			status, entry.RequestID, entry.FunctionID, entry.Tier, entry.DurationMs, cache, dedup, retry)
		if entry.Error != "" {
			fmt.Printf("[invoke]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
