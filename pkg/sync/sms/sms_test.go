package sms

import (
	"context"
	"testing"

	"github.com/sipeed-labs/messagearc/pkg/config"
	"github.com/sipeed-labs/messagearc/pkg/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc, err := New(config.SMSConfig{}, st)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.runCtx = context.Background()
	return svc
}

func TestFormatPhoneNumberTenDigit(t *testing.T) {
	if got := formatPhoneNumber("5551234567"); got != "(555) 123-4567" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatPhoneNumberElevenDigitLeadingCountryCode(t *testing.T) {
	if got := formatPhoneNumber("15551234567"); got != "(555) 123-4567" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatPhoneNumberNonStandardPassesThrough(t *testing.T) {
	if got := formatPhoneNumber("short"); got != "short" {
		t.Fatalf("got %q", got)
	}
}

// formatDisplayName deliberately keeps the bridge's given-name-only
// composition when the family name is missing; it does not fall back
// to the phone number in that case.
func TestFormatDisplayNameGivenNameOnlyWhenFamilyMissing(t *testing.T) {
	m := bridgeMessage{Address: "5551234567", GivenName: "Alice"}
	if got := formatDisplayName(m); got != "Alice" {
		t.Fatalf("expected given-name-only composition, got %q", got)
	}
}

func TestFormatDisplayNameFullNameWhenBothPresent(t *testing.T) {
	m := bridgeMessage{Address: "5551234567", GivenName: "Alice", FamilyName: "Doe"}
	if got := formatDisplayName(m); got != "Alice Doe" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatDisplayNameFallsBackToPhoneWhenNoName(t *testing.T) {
	m := bridgeMessage{Address: "5551234567"}
	if got := formatDisplayName(m); got != "(555) 123-4567" {
		t.Fatalf("got %q", got)
	}
}

func TestIngestIncomingMessage(t *testing.T) {
	svc := newTestService(t)
	svc.ingest(bridgeMessage{
		ID: "m1", ConversationID: "conv1", Type: 1, Body: "hi there",
		Timestamp: 1000, Address: "5551234567", GivenName: "Alice",
	}, store.CreateOptions{})

	if got := svc.GetStats().MessagesProcessed; got != 1 {
		t.Fatalf("expected 1 message processed, got %d", got)
	}
}

func TestIngestOutgoingMessageUsesMeAsAuthor(t *testing.T) {
	svc := newTestService(t)
	svc.ingest(bridgeMessage{
		ID: "m2", ConversationID: "conv1", Type: outgoingMsgType, Body: "reply",
		Timestamp: 2000, Address: "5551234567",
	}, store.CreateOptions{})

	if got := svc.GetStats().MessagesProcessed; got != 1 {
		t.Fatalf("expected 1 message processed, got %d", got)
	}
}

func TestIngestDedupesByMessageID(t *testing.T) {
	svc := newTestService(t)
	msg := bridgeMessage{ID: "dup1", ConversationID: "conv1", Body: "hi", Timestamp: 1000, Address: "5551234567"}
	svc.ingest(msg, store.CreateOptions{})
	svc.ingest(msg, store.CreateOptions{})

	if got := svc.GetStats().MessagesProcessed; got != 1 {
		t.Fatalf("expected dedup, got %d processed", got)
	}
}

func TestIngestEmptyBodyDropped(t *testing.T) {
	svc := newTestService(t)
	svc.ingest(bridgeMessage{ID: "m3", ConversationID: "conv1", Body: "", Timestamp: 1000, Address: "5551234567"}, store.CreateOptions{})

	if got := svc.GetStats().MessagesProcessed; got != 0 {
		t.Fatalf("expected empty body to be dropped, got %d processed", got)
	}
}
