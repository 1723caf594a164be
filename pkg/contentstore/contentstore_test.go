package contentstore

import (
	"path/filepath"
	"testing"

	"github.com/sipeed-labs/messagearc/pkg/cid"
)

func testHeader(id string) Header {
	return Header{
		ID:         id,
		Kind:       0,
		AccountID:  "email_alice_example_com",
		CreatedAt:  1700000000000,
		ImportedAt: 1700000001000,
		Platform:   "email",
		ThreadID:   "email_thread_abc",
		Tags:       [][2]string{{"direction", "incoming"}, {"source", "imap"}},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	id := cid.Generate(cid.Input{Content: "hello", Kind: 0, CreatedAt: 1700000000000, AccountID: "email_alice_example_com"})

	h := testHeader(id)
	if err := s.Write(h, "hello"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, body, err := s.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if body != "hello" {
		t.Fatalf("body = %q, want %q", body, "hello")
	}
	if got.ID != h.ID || got.AccountID != h.AccountID || got.Platform != h.Platform {
		t.Fatalf("header mismatch: got %+v", got)
	}
	if got.CreatedAt != h.CreatedAt || got.ImportedAt != h.ImportedAt {
		t.Fatalf("numeric header fields mismatch: got %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0][0] != "direction" || got.Tags[0][1] != "incoming" {
		t.Fatalf("tags mismatch: got %+v", got.Tags)
	}
}

func TestWriteRejectsInvalidCID(t *testing.T) {
	s := New(t.TempDir())
	if err := s.Write(Header{ID: "not-a-cid"}, "body"); err == nil {
		t.Fatal("expected error for invalid cid")
	}
}

func TestBucketPathFanOut(t *testing.T) {
	s := New("/base")
	id := cid.Generate(cid.Input{Content: "x", Kind: 0, CreatedAt: 1, AccountID: "a"})
	path, err := s.bucketPath(id)
	if err != nil {
		t.Fatalf("bucketPath: %v", err)
	}
	bucket := id[4:6]
	want := filepath.Join("/base", bucket, id+".blob")
	if path != want {
		t.Fatalf("bucketPath = %q, want %q", path, want)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	id := cid.Generate(cid.Input{Content: "x", Kind: 0, CreatedAt: 1, AccountID: "a"})
	if s.Exists(id) {
		t.Fatal("blob should not exist yet")
	}
	if err := s.Write(testHeader(id), "x"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !s.Exists(id) {
		t.Fatal("blob should exist after Write")
	}
}

func TestReadMissingBlob(t *testing.T) {
	s := New(t.TempDir())
	id := cid.Generate(cid.Input{Content: "x", Kind: 0, CreatedAt: 1, AccountID: "a"})
	if _, _, err := s.Read(id); err == nil {
		t.Fatal("expected error reading missing blob")
	}
}
