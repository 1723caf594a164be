// Package cid derives and validates content identifiers for archived messages.
//
// A CID is a prefix-tagged base58 encoding of a SHA-256 digest over a
// canonical subset of a message's fields. Two messages with identical
// content, kind, timestamp and author hash to the same ID, which is what
// makes re-ingestion idempotent; changing any one of the four fields
// changes the ID.
package cid

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Prefix is prepended to every CID minted by this package.
const Prefix = "msg_"

// validPrefixes lists the structural prefixes accepted by IsValidCID.
// "cid_" is accepted for forward compatibility with non-message content
// identifiers that may share this scheme in the future.
var validPrefixes = []string{"msg_", "cid_"}

const (
	minBase58Len = 40
	maxBase58Len = 50
)

// Input is the canonical subset of a Message used to derive its CID.
type Input struct {
	Content   string `json:"content"`
	Kind      int    `json:"kind"`
	CreatedAt int64  `json:"created_at"`
	AccountID string `json:"account_id"`
}

// Generate derives the deterministic CID for the given input.
func Generate(in Input) string {
	sum := sha256.Sum256(canonicalize(in))
	return Prefix + base58.Encode(sum[:])
}

// Verify reports whether cidStr is the CID that Generate would produce for in.
func Verify(cidStr string, in Input) bool {
	return cidStr == Generate(in)
}

// IsValid performs a structural check only: prefix, base58 alphabet, and
// length (40-50 chars after the prefix). It does not verify the digest
// against any input.
func IsValid(s string) bool {
	for _, p := range validPrefixes {
		if strings.HasPrefix(s, p) {
			rest := s[len(p):]
			if len(rest) < minBase58Len || len(rest) > maxBase58Len {
				return false
			}
			_, err := base58.Decode(rest)
			return err == nil
		}
	}
	return false
}

// canonicalize produces a deterministic byte encoding of in: object keys in
// ascending string order, arrays in original order, primitives via standard
// JSON encoding. encoding/json guarantees ascending key order when marshaling
// map[string]any, so building the 4-field record as a map and marshaling it
// is sufficient; no hand-written key sorter is needed.
func canonicalize(in Input) []byte {
	m := map[string]any{
		"account_id": in.AccountID,
		"content":    in.Content,
		"created_at": in.CreatedAt,
		"kind":       in.Kind,
	}
	b, err := json.Marshal(m)
	if err != nil {
		// Input is a closed set of JSON-safe scalar types; Marshal cannot fail.
		panic(fmt.Sprintf("cid: canonicalize: %v", err))
	}
	return b
}
