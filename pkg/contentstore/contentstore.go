// Package contentstore implements the content-addressed blob store: each
// message body is written once, keyed by its CID, alongside a denormalized
// header that lets the store reconstruct a Message without scanning the
// event log.
package contentstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sipeed-labs/messagearc/pkg/cid"
	"github.com/sipeed-labs/messagearc/pkg/fileutil"
)

// Header carries the denormalized fields stored alongside a message body so
// a reader can reconstruct a Message without consulting the event log.
type Header struct {
	ID         string
	Kind       int
	AccountID  string
	CreatedAt  int64
	ImportedAt int64
	Platform   string

	AuthorDID  string
	AuthorName string
	Title      string
	Visibility string
	ThreadID   string
	ReplyTo    string
	RoomID     string
	PlatformID string
	SessionID  string
	AgentID    string
	Tags       [][2]string
}

// Store is a content-addressed blob store rooted at baseDir.
type Store struct {
	baseDir string
}

// New returns a Store rooted at baseDir (created lazily on first write).
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// bucketPath returns content/<bb>/<cid>.blob, where <bb> is the first two
// base58 characters after the CID's "msg_"/"cid_" prefix, bounding
// per-directory fan-out.
func (s *Store) bucketPath(id string) (string, error) {
	prefixLen := strings.Index(id, "_") + 1
	if prefixLen <= 0 || len(id) < prefixLen+2 {
		return "", fmt.Errorf("contentstore: malformed cid %q", id)
	}
	bucket := id[prefixLen : prefixLen+2]
	return filepath.Join(s.baseDir, bucket, id+".blob"), nil
}

// Write stores h and body keyed by h.ID. Writes go through
// fileutil.WriteFileAtomic so a reader never observes a half-written blob.
// Per the store's write-before-event ordering contract, this MUST be
// called before the corresponding event is appended.
func (s *Store) Write(h Header, body string) error {
	if !cid.IsValid(h.ID) {
		return fmt.Errorf("contentstore: invalid cid %q", h.ID)
	}
	path, err := s.bucketPath(h.ID)
	if err != nil {
		return err
	}
	blob := encode(h, body)
	if err := fileutil.WriteFileAtomic(path, blob, 0o644); err != nil {
		return fmt.Errorf("contentstore: write %s: %w", h.ID, err)
	}
	return nil
}

// Read returns the stored header and body for id, or an error wrapping
// os.ErrNotExist if no blob exists.
func (s *Store) Read(id string) (Header, string, error) {
	path, err := s.bucketPath(id)
	if err != nil {
		return Header{}, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, "", err
	}
	return decode(data)
}

// Exists reports whether a blob for id is present on disk.
func (s *Store) Exists(id string) bool {
	path, err := s.bucketPath(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

var headerKeyOrder = []string{
	"id", "kind", "account_id", "created_at", "imported_at", "platform",
	"author_did", "author_name", "title", "visibility", "thread_id",
	"reply_to", "room_id", "platform_id", "session_id", "agent_id", "tags",
}

func encode(h Header, body string) []byte {
	fields := map[string]string{
		"id":          h.ID,
		"kind":        strconv.Itoa(h.Kind),
		"account_id":  h.AccountID,
		"created_at":  strconv.FormatInt(h.CreatedAt, 10),
		"imported_at": strconv.FormatInt(h.ImportedAt, 10),
		"platform":    h.Platform,
	}
	if h.AuthorDID != "" {
		fields["author_did"] = h.AuthorDID
	}
	if h.AuthorName != "" {
		fields["author_name"] = h.AuthorName
	}
	if h.Title != "" {
		fields["title"] = h.Title
	}
	if h.Visibility != "" {
		fields["visibility"] = h.Visibility
	}
	if h.ThreadID != "" {
		fields["thread_id"] = h.ThreadID
	}
	if h.ReplyTo != "" {
		fields["reply_to"] = h.ReplyTo
	}
	if h.RoomID != "" {
		fields["room_id"] = h.RoomID
	}
	if h.PlatformID != "" {
		fields["platform_id"] = h.PlatformID
	}
	if h.SessionID != "" {
		fields["session_id"] = h.SessionID
	}
	if h.AgentID != "" {
		fields["agent_id"] = h.AgentID
	}
	if len(h.Tags) > 0 {
		if encoded, err := json.Marshal(h.Tags); err == nil {
			fields["tags"] = string(encoded)
		}
	}

	var buf bytes.Buffer
	for _, key := range headerKeyOrder {
		if v, ok := fields[key]; ok {
			buf.WriteString(key)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteByte('\n')
		}
	}
	buf.WriteByte('\n')
	buf.WriteString(body)
	return buf.Bytes()
}

func decode(data []byte) (Header, string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	fields := map[string]string{}
	var headerLen int
	for scanner.Scan() {
		line := scanner.Text()
		headerLen += len(scanner.Bytes()) + 1
		if line == "" {
			break
		}
		idx := strings.Index(line, ": ")
		if idx < 0 {
			return Header{}, "", fmt.Errorf("contentstore: malformed header line %q", line)
		}
		fields[line[:idx]] = line[idx+2:]
	}
	if err := scanner.Err(); err != nil {
		return Header{}, "", fmt.Errorf("contentstore: scan header: %w", err)
	}

	body := ""
	if headerLen < len(data) {
		body = string(data[headerLen:])
	}

	h := Header{
		ID:         fields["id"],
		AccountID:  fields["account_id"],
		Platform:   fields["platform"],
		AuthorDID:  fields["author_did"],
		AuthorName: fields["author_name"],
		Title:      fields["title"],
		Visibility: fields["visibility"],
		ThreadID:   fields["thread_id"],
		ReplyTo:    fields["reply_to"],
		RoomID:     fields["room_id"],
		PlatformID: fields["platform_id"],
		SessionID:  fields["session_id"],
		AgentID:    fields["agent_id"],
	}
	if v, ok := decodeValue(fields["kind"]).(int64); ok {
		h.Kind = int(v)
	}
	if v, ok := decodeValue(fields["created_at"]).(int64); ok {
		h.CreatedAt = v
	}
	if v, ok := decodeValue(fields["imported_at"]).(int64); ok {
		h.ImportedAt = v
	}
	if raw, ok := fields["tags"]; ok {
		var pairs [][2]string
		if err := json.Unmarshal([]byte(raw), &pairs); err == nil {
			h.Tags = pairs
		}
	}
	return h, body, nil
}

// decodeValue implements the header parsing strategy mandated for every
// target language: try numeric, then array/object, then fall back to the
// raw string. No reflection, no single-language JSON-schema facility.
func decodeValue(s string) any {
	if s == "" {
		return s
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	var generic any
	if err := json.Unmarshal([]byte(s), &generic); err == nil {
		switch generic.(type) {
		case []any, map[string]any:
			return generic
		}
	}
	return s
}
