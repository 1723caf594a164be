package email

import "testing"

func TestEncodeAddress(t *testing.T) {
	got := encodeAddress("  John.Doe@Example.com ")
	want := "john_doe_example_com"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestThreadKeyFromMessageIDStripsAngleBrackets(t *testing.T) {
	got := threadKeyFromMessageID("<abc.123+x/y@mail.example.com>")
	want := "abc_123_x_y_mail_example_com"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestThreadKeyFromMessageIDEmptyFallsBackToUnknown(t *testing.T) {
	if got := threadKeyFromMessageID(""); got != "unknown" {
		t.Fatalf("got %q, want unknown", got)
	}
}

func TestClampTruncatesByRune(t *testing.T) {
	if got := clamp("hello world", 5); got != "hello" {
		t.Fatalf("got %q", got)
	}
	if got := clamp("short", 50); got != "short" {
		t.Fatalf("got %q", got)
	}
}

func TestStripHTMLRemovesTagsAndCollapsesWhitespace(t *testing.T) {
	got := stripHTML("<html><body><p>Hello   <b>world</b></p>\n\n</body></html>")
	want := "Hello world"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestParseMessagePlainText(t *testing.T) {
	raw := []byte(
		"From: Alice <alice@example.com>\r\n" +
			"To: bob@example.com\r\n" +
			"Subject: Hi there\r\n" +
			"Message-Id: <m1@example.com>\r\n" +
			"Content-Type: text/plain\r\n" +
			"\r\n" +
			"Hello Bob\r\n",
	)
	messageID, from, subject, content, err := parseMessage(raw)
	if err != nil {
		t.Fatalf("parseMessage error: %v", err)
	}
	if messageID != "m1@example.com" {
		t.Fatalf("messageID = %q", messageID)
	}
	if from != "alice@example.com" {
		t.Fatalf("from = %q", from)
	}
	if subject != "Hi there" {
		t.Fatalf("subject = %q", subject)
	}
	if content != "Hello Bob\r\n" {
		t.Fatalf("content = %q", content)
	}
}

func TestParseMessageFallsBackToStrippedHTML(t *testing.T) {
	raw := []byte(
		"From: Alice <alice@example.com>\r\n" +
			"To: bob@example.com\r\n" +
			"Subject: Hi\r\n" +
			"Message-Id: <m2@example.com>\r\n" +
			"Content-Type: text/html\r\n" +
			"\r\n" +
			"<p>Hello <b>Bob</b></p>\r\n",
	)
	_, _, _, content, err := parseMessage(raw)
	if err != nil {
		t.Fatalf("parseMessage error: %v", err)
	}
	if content != "Hello Bob" {
		t.Fatalf("content = %q", content)
	}
}
