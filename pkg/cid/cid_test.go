package cid

import (
	"strings"
	"testing"
)

func scenarioAInput() Input {
	return Input{Content: "hi", Kind: 0, CreatedAt: 1700000000000, AccountID: "email_alice_example_com"}
}

func TestGenerateDeterministic(t *testing.T) {
	in := scenarioAInput()
	a := Generate(in)
	b := Generate(in)
	if a != b {
		t.Fatalf("Generate not deterministic: %q != %q", a, b)
	}
	if !strings.HasPrefix(a, Prefix) {
		t.Fatalf("expected prefix %q, got %q", Prefix, a)
	}
	if got := len(a) - len(Prefix); got != 44 {
		t.Fatalf("expected 44 base58 chars after prefix, got %d (%q)", got, a)
	}
}

func TestGenerateChangesWithTimestamp(t *testing.T) {
	in := scenarioAInput()
	a := Generate(in)
	in.CreatedAt++
	b := Generate(in)
	if a == b {
		t.Fatalf("expected different CID after changing created_at, got same: %q", a)
	}
}

func TestVerify(t *testing.T) {
	in := scenarioAInput()
	id := Generate(in)
	if !Verify(id, in) {
		t.Fatalf("Verify should accept its own output")
	}
	in.Content = "bye"
	if Verify(id, in) {
		t.Fatalf("Verify should reject a mismatched input")
	}
}

func TestIsValid(t *testing.T) {
	in := scenarioAInput()
	id := Generate(in)

	tests := []struct {
		name string
		s    string
		want bool
	}{
		{"valid msg_", id, true},
		{"valid cid_ prefix", "cid_" + id[len(Prefix):], true},
		{"wrong prefix", "foo_" + id[len(Prefix):], false},
		{"too short", "msg_abc", false},
		{"bad alphabet zero", "msg_" + string(make([]byte, 44)), false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.s); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.s, got, tt.want)
			}
		})
	}
}

func TestCanonicalizeStructuralEquality(t *testing.T) {
	a := scenarioAInput()
	b := Input{AccountID: a.AccountID, Content: a.Content, CreatedAt: a.CreatedAt, Kind: a.Kind}
	if string(canonicalize(a)) != string(canonicalize(b)) {
		t.Fatalf("canonicalize should be independent of struct field order")
	}
}
