// Package debuglog writes the collector's diagnostic trace to a file. A nil
// *Logger is valid and discards everything.
package debuglog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

type Logger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	component string
}

type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Event     string    `json:"event"`
	Agent     string    `json:"agent,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Open appends to path, or to a timestamped file in the working directory
// when path is empty, and writes a session header.
func Open(path, component string) (*Logger, error) {
	if path == "" {
		timestamp := time.Now().Format("20060102_150405")
		path = fmt.Sprintf("gcsvc_%s_debug_%s.log", component, timestamp)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	header := fmt.Sprintf("=== %s Debug Session Started at %s ===\n", component, time.Now().Format(time.RFC3339))
	if _, err := file.WriteString(header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write debug header: %w", err)
	}

	return &Logger{file: file, path: path, component: component}, nil
}

func (l *Logger) Enabled() bool {
	return l != nil && l.file != nil
}

func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Debugf writes one free-form line.
func (l *Logger) Debugf(format string, args ...any) {
	if !l.Enabled() {
		return
	}
	line := fmt.Sprintf("[%s] %s: %s\n", time.Now().Format(time.RFC3339Nano), l.component, fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.file.WriteString(line)
}

// Phase records a phase transition of agent's heap.
func (l *Logger) Phase(agent string, from, to fmt.Stringer) {
	l.Log(Entry{
		Event: "phase",
		Agent: agent,
		Data:  map[string]string{"from": from.String(), "to": to.String()},
	})
}

// Request records a request the daemon has finished with.
func (l *Logger) Request(agent string, req fmt.Stringer, result uint64, err error) {
	e := Entry{
		Event: "request",
		Agent: agent,
		Data:  map[string]any{"request": req.String(), "result": result},
	}
	if err != nil {
		e.Error = err.Error()
	}
	l.Log(e)
}

// Log writes e as a JSON document. Missing timestamp and component are
// filled in.
func (l *Logger) Log(e Entry) {
	if !l.Enabled() {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Component == "" {
		e.Component = l.component
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	jsonData, marshalErr := json.MarshalIndent(e, "", "  ")
	if marshalErr != nil {
		fallbackLog := fmt.Sprintf("[%s] ERROR: Failed to marshal debug data for %s: %v\n",
			e.Timestamp.Format(time.RFC3339), e.Event, marshalErr)
		l.file.WriteString(fallbackLog)
		return
	}

	l.file.WriteString(string(jsonData) + "\n")
	l.file.Sync()
}

// Close writes the session footer and closes the file.
func (l *Logger) Close() error {
	if !l.Enabled() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	footer := fmt.Sprintf("=== %s Debug Session Ended at %s ===\n", l.component, time.Now().Format(time.RFC3339))
	l.file.WriteString(footer)
	err := l.file.Close()
	l.file = nil
	return err
}
