package main

import (
	"testing"

	"github.com/sipeed-labs/messagearc/pkg/config"
)

func TestEnabledPlatformsEmailRequiresAccountsNotFlag(t *testing.T) {
	cfg := &config.Config{}
	if got := enabledPlatforms(cfg); len(got) != 0 {
		t.Fatalf("expected no platforms enabled, got %v", got)
	}

	cfg.Email.Accounts = []config.EmailAccountConfig{{Prefix: "work", Host: "imap.example.com", Username: "me@example.com"}}
	got := enabledPlatforms(cfg)
	if len(got) != 1 || got[0] != "email" {
		t.Fatalf("expected email enabled from configured accounts, got %v", got)
	}
}

func TestEnabledPlatformsAllFlags(t *testing.T) {
	cfg := &config.Config{
		SMS:      config.SMSConfig{Enabled: true},
		Signal:   config.SignalConfig{Enabled: true},
		WhatsApp: config.WhatsAppConfig{Enabled: true},
		Discord:  config.DiscordConfig{Enabled: true},
	}
	got := enabledPlatforms(cfg)
	want := map[string]bool{"sms": true, "signal": true, "whatsapp": true, "discord": true}
	if len(got) != len(want) {
		t.Fatalf("expected %d platforms, got %v", len(want), got)
	}
	for _, name := range got {
		if !want[name] {
			t.Fatalf("unexpected platform %q", name)
		}
	}
}
