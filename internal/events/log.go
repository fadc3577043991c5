// Package events implements the append-only JSONL event log and the
// optional broadcast bus that mirrors it.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// Default maximum log file size (10MB)
	DefaultMaxLogSize = 10 * 1024 * 1024
	// Log file extension
	LogFileExtension = ".jsonl"
	// Archive directory name
	ArchiveDir = "archive"
)

// EventStatus is the transition an event records.
type EventStatus string

const (
	EventClaimed       EventStatus = "claimed"
	EventDone          EventStatus = "done"
	EventFailed        EventStatus = "failed"
	EventRequeued      EventStatus = "requeued"
	EventSuperseded    EventStatus = "superseded"
	EventRewardGranted EventStatus = "reward_granted"
)

// RewardInfo rides on reward_granted events.
type RewardInfo struct {
	Identity string  `json:"identity"`
	Tokens   float64 `json:"tokens"`
}

// Event is a single line in the event log. The log is the source of truth
// for recovery: the latest event per task wins.
type Event struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	TaskID    string      `json:"task_id"`
	Status    EventStatus `json:"status"`
	WorkerID  string      `json:"worker_id,omitempty"`
	Route     string      `json:"route,omitempty"`
	Attempt   int         `json:"attempt,omitempty"`
	Error     string      `json:"error,omitempty"`
	Reward    *RewardInfo `json:"reward,omitempty"`
	Checksum  string      `json:"checksum,omitempty"`
}

// Logger provides append-only event logging with rotation.
type Logger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	enableChecksum  bool
	rotationCounter int
}

func NewLogger(logPath string, maxSize int64) (*Logger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	logger := &Logger{
		logPath: logPath,
		maxSize: maxSize,
	}

	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := logger.openLogFile(); err != nil {
		return nil, err
	}

	return logger, nil
}

func (l *Logger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Append writes an event to the log. The timestamp is stamped here if unset,
// so callers only fill in what they know.
func (l *Logger) Append(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if l.enableChecksum {
		event.Checksum = l.calculateChecksum(event)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	// Sync to disk for durability
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}

	l.currentSize += int64(n)
	return nil
}

func (l *Logger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close current log file: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	l.rotationCounter++
	baseName := filepath.Base(l.logPath)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		baseName[:len(baseName)-len(LogFileExtension)],
		timestamp,
		l.rotationCounter,
		LogFileExtension)
	archivePath := filepath.Join(archiveDir, archiveName)

	if err := os.Rename(l.logPath, archivePath); err != nil {
		return fmt.Errorf("failed to archive log file: %w", err)
	}

	if err := l.openLogFile(); err != nil {
		return fmt.Errorf("failed to open new log file: %w", err)
	}

	return nil
}

func (l *Logger) calculateChecksum(event *Event) string {
	eventCopy := *event
	eventCopy.Checksum = ""

	data, err := json.Marshal(eventCopy)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", simpleHash(data))
}

// simpleHash provides a basic hash function for checksums
func simpleHash(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}

// EnableChecksum enables checksum calculation for appended events.
func (l *Logger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return err
		}
		return l.file.Close()
	}
	return nil
}

func (l *Logger) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}

// ReadAll decodes every well-formed event in a log file, in order.
// Malformed lines (torn writes from a crash) are skipped.
func ReadAll(logPath string) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var events []Event
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		events = append(events, event)
	}
	return events, nil
}

// LastPerTask replays a log and returns the latest event for each task.
func LastPerTask(logPath string) (map[string]Event, error) {
	events, err := ReadAll(logPath)
	if err != nil {
		return nil, err
	}
	last := make(map[string]Event, len(events))
	for _, event := range events {
		if event.TaskID == "" {
			continue
		}
		last[event.TaskID] = event
	}
	return last, nil
}

// VerifyIntegrity counts total and checksum-valid events in a log file.
func VerifyIntegrity(logPath string) (int, int, error) {
	events, err := ReadAll(logPath)
	if err != nil {
		return 0, 0, err
	}

	total := 0
	valid := 0
	for _, event := range events {
		total++
		if event.Checksum == "" {
			valid++
			continue
		}
		expected := event.Checksum
		event.Checksum = ""
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if fmt.Sprintf("%x", simpleHash(data)) == expected {
			valid++
		}
	}
	return total, valid, nil
}
