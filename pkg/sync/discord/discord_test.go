package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestCanonicalURLGuildMessage(t *testing.T) {
	got := canonicalURL("g1", "c1", "m1")
	want := "https://discord.com/channels/g1/c1/m1"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestCanonicalURLDirectMessage(t *testing.T) {
	got := canonicalURL("", "c1", "m1")
	want := "https://discord.com/channels/@me/c1/m1"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestAssembleContentPrefersRawText(t *testing.T) {
	m := &discordgo.Message{Content: "hello", Embeds: []*discordgo.MessageEmbed{{Title: "ignored"}}}
	if got := assembleContent(m); got != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestAssembleContentFallsBackToEmbed(t *testing.T) {
	m := &discordgo.Message{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       "Title",
			Description: "Desc",
			Fields:      []*discordgo.MessageEmbedField{{Name: "k", Value: "v"}},
		}},
	}
	got := assembleContent(m)
	want := "Title\nDesc\nk: v"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestAssembleContentFallsBackToAttachments(t *testing.T) {
	m := &discordgo.Message{
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn.example.com/a.png"},
			{URL: "https://cdn.example.com/b.png"},
		},
	}
	got := assembleContent(m)
	want := "https://cdn.example.com/a.png\nhttps://cdn.example.com/b.png"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestAssembleContentEmptyWhenNothingPresent(t *testing.T) {
	m := &discordgo.Message{}
	if got := assembleContent(m); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestMarkSeenDedup(t *testing.T) {
	s := &Service{seen: map[string]bool{}}
	if s.markSeen("m1") {
		t.Fatal("expected first sighting to return false")
	}
	if !s.markSeen("m1") {
		t.Fatal("expected second sighting to return true")
	}
}
