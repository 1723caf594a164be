package identity

import "testing"

func TestBuildAccountID(t *testing.T) {
	tests := []struct {
		platform string
		handle   string
		want     string
	}{
		{"signal", "+15551234567", "signal_15551234567"},
		{"Discord", "98765432", "discord_98765432"},
		{"WHATSAPP", "15551234567", "whatsapp_15551234567"},
		{"email", "alice_example_com", "email_alice_example_com"},
		{"", "123", ""},
		{"signal", "", ""},
		{"signal", "+() -", ""},
		{"  signal  ", "  123  ", "signal_123"},
	}

	for _, tt := range tests {
		got := BuildAccountID(tt.platform, tt.handle)
		if got != tt.want {
			t.Errorf("BuildAccountID(%q, %q) = %q, want %q",
				tt.platform, tt.handle, got, tt.want)
		}
	}
}

func TestParseAccountID(t *testing.T) {
	tests := []struct {
		input        string
		wantPlatform string
		wantHandle   string
		wantOk       bool
	}{
		{"signal_15551234567", "signal", "15551234567", true},
		{"discord_98765432", "discord", "98765432", true},
		{"email_alice_example_com", "email", "alice_example_com", true},
		{"noseparator", "", "", false},
		{"", "", "", false},
		{"_missing", "", "", false},
		{"missing_", "", "", false},
	}

	for _, tt := range tests {
		platform, handle, ok := ParseAccountID(tt.input)
		if ok != tt.wantOk || platform != tt.wantPlatform || handle != tt.wantHandle {
			t.Errorf("ParseAccountID(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.input, platform, handle, ok,
				tt.wantPlatform, tt.wantHandle, tt.wantOk)
		}
	}
}

func TestInferThreadFromID(t *testing.T) {
	tests := []struct {
		threadID     string
		wantPlatform string
		wantType     string
		wantOk       bool
	}{
		{"signal_dm_abc", "signal", "dm", true},
		{"signal_group_xyz", "signal", "group", true},
		{"discord_channel_123", "discord", "channel", true},
		{"discord_thread_456", "discord", "topic", true},
		{"whatsapp_group_789", "whatsapp", "group", true},
		{"email_thread_msgid", "email", "topic", true},
		{"unrecognized_prefix_1", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.threadID, func(t *testing.T) {
			kind, ok := InferThreadFromID(tt.threadID)
			if ok != tt.wantOk {
				t.Fatalf("InferThreadFromID(%q) ok = %v, want %v", tt.threadID, ok, tt.wantOk)
			}
			if ok && (kind.Platform != tt.wantPlatform || kind.Type != tt.wantType) {
				t.Errorf("InferThreadFromID(%q) = %+v, want {%q %q}", tt.threadID, kind, tt.wantPlatform, tt.wantType)
			}
		})
	}
}

func TestInferThreadFromIDPrefersLongestMatch(t *testing.T) {
	// "discord_thread_" is not a prefix of "discord_channel_", so this just
	// guards against a future prefix set introducing overlapping matches
	// silently picking the wrong (shorter) one.
	kind, ok := InferThreadFromID("discord_thread_42")
	if !ok || kind.Type != "topic" {
		t.Fatalf("expected discord topic classification, got %+v ok=%v", kind, ok)
	}
}
