// Package eventlog implements the append-only, date-partitioned sequence of
// typed events that is the single source of truth for the archive.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sipeed-labs/messagearc/pkg/logger"
)

// Op enumerates the event kinds appended to the log.
type Op string

const (
	OpMessageCreated Op = "message.created"
	OpAccountCreated Op = "account.created"
	OpThreadCreated  Op = "thread.created"
)

// MessageCreatedData is the payload of a message.created event. It carries
// only the fields the view projector needs to replay thread/account stats
// from the log alone; the full message body and denormalized metadata live
// in the content store, not the log.
type MessageCreatedData struct {
	ID        string `json:"id"`
	Kind      int    `json:"kind"`
	AccountID string `json:"account_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	Platform  string `json:"platform,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// AccountCreatedData is the payload of an account.created event.
type AccountCreatedData struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	DID       string `json:"did,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	IsSelf    bool   `json:"is_self,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// ThreadCreatedData is the payload of a thread.created event.
type ThreadCreatedData struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Title        string   `json:"title,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Platform     string   `json:"platform,omitempty"`
	PlatformID   string   `json:"platform_id,omitempty"`
	RoomID       string   `json:"room_id,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}

// Event is the tagged-variant record appended to a day's partition file.
// Field order is preserved by encoding/json.Marshal on structs, so this
// struct's declaration order is the on-disk key order (ts, op, data).
type Event struct {
	TS   time.Time       `json:"ts"`
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Log is an append-only event store rooted at baseDir, partitioned
// <baseDir>/YYYY/MM/DD/events.jsonl.
type Log struct {
	baseDir string
}

// New returns a Log rooted at baseDir. baseDir is created lazily on first
// append; callers do not need to pre-create it.
func New(baseDir string) *Log {
	return &Log{baseDir: baseDir}
}

// partitionPath returns the partition file for the UTC day of ts.
func (l *Log) partitionPath(ts time.Time) string {
	ts = ts.UTC()
	return filepath.Join(l.baseDir,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()),
		"events.jsonl",
	)
}

// Append writes one record to the partition for ev.TS and returns once the
// record is durable. Encoding to a single []byte before the call to Write
// keeps the append atomic for records under the OS page size, matching the
// single-writer-per-partition contract the store relies on.
func (l *Log) Append(ev Event) error {
	path := l.partitionPath(ev.TS)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("eventlog: create partition dir: %w", err)
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventlog: marshal event: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: open partition: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("eventlog: write record: %w", err)
	}
	return f.Sync()
}

// GetAll yields every event across all partitions in lexicographic
// partition order (year, month, day, then physical file order within the
// day), which approximates but does not guarantee exact timestamp order.
// A malformed trailing line in a partition is logged at WARN and dropped;
// earlier, complete lines in the same file are still returned.
func (l *Log) GetAll() ([]Event, error) {
	var days []string
	err := filepath.WalkDir(l.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && filepath.Base(path) == "events.jsonl" {
			days = append(days, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventlog: walk: %w", err)
	}
	sort.Strings(days)

	var events []Event
	for _, path := range days {
		fileEvents, err := readPartition(path)
		if err != nil {
			return nil, err
		}
		events = append(events, fileEvents...)
	}
	return events, nil
}

func readPartition(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.WarnCF("eventlog", "skipping malformed event line", map[string]any{
				"file": path,
				"line": lineNo,
				"error": err.Error(),
			})
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scan %s: %w", path, err)
	}
	return events, nil
}
