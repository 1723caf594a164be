// Package discord ingests a single Discord user's messages over the
// gateway into the message store. Edits are re-ingested as new
// messages, deletes are logged without retracting anything, and
// reactions surface as tag pairs on the message they decorate.
package discord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed-labs/messagearc/pkg/config"
	"github.com/sipeed-labs/messagearc/pkg/identity"
	"github.com/sipeed-labs/messagearc/pkg/logger"
	"github.com/sipeed-labs/messagearc/pkg/store"
	msync "github.com/sipeed-labs/messagearc/pkg/sync"
	"github.com/sipeed-labs/messagearc/pkg/syncerr"
	"github.com/sipeed-labs/messagearc/pkg/utils"
)

func init() {
	msync.RegisterFactory("discord", func(deps msync.Deps) (msync.Service, error) {
		return New(deps.Config.Discord, deps.Store)
	})
}

const maxContentLen = 50000

// Service ingests message, message_update, message_delete, reaction_add,
// reaction_remove, and thread_create gateway events for one Discord user.
type Service struct {
	*msync.BaseService

	cfg   config.DiscordConfig
	store *store.Store

	session *discordgo.Session
	ctx     context.Context
	cancel  context.CancelFunc

	selfID string

	seenMu sync.Mutex
	seen   map[string]bool

	guildsProcessed int
}

// New constructs a Discord sync service. cfg.Token is the user account's
// gateway token, not a bot integration token.
func New(cfg config.DiscordConfig, st *store.Store) (*Service, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: discord token is required", syncerr.ErrConfig)
	}
	session, err := discordgo.New(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: create discord session: %v", syncerr.ErrConfig, err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages | discordgo.IntentsGuildMessageReactions | discordgo.IntentsMessageContent

	return &Service{
		BaseService: msync.NewBaseService("discord", msync.WithMode("realtime")),
		cfg:         cfg,
		store:       st,
		session:     session,
		seen:        map[string]bool{},
	}, nil
}

func (s *Service) Start(ctx context.Context) error {
	if s.IsRunning() {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.SetState(msync.StateConnecting)

	// Resolve our own user ID before Open: handlers may fire before
	// session.State.User is populated.
	me, err := s.session.User("@me")
	if err != nil {
		s.cancel()
		return fmt.Errorf("%w: fetch self user: %v", syncerr.ErrConfig, err)
	}
	s.selfID = me.ID

	if _, err := s.store.GetOrCreateAccount(store.AccountInput{
		ID: identity.BuildAccountID("discord", me.ID), Name: me.Username, IsSelf: true,
	}); err != nil {
		s.cancel()
		return fmt.Errorf("%w: register self account: %v", syncerr.ErrIO, err)
	}

	s.AddHandle(detach(s.session.AddHandler(s.onMessageCreate)))
	s.AddHandle(detach(s.session.AddHandler(s.onMessageUpdate)))
	s.AddHandle(detach(s.session.AddHandler(s.onMessageDelete)))
	s.AddHandle(detach(s.session.AddHandler(s.onReactionAdd)))
	s.AddHandle(detach(s.session.AddHandler(s.onReactionRemove)))
	s.AddHandle(detach(s.session.AddHandler(s.onThreadCreate)))
	s.AddHandle(detach(s.session.AddHandler(s.onDisconnect)))

	if err := s.session.Open(); err != nil {
		s.DrainHandles()
		s.cancel()
		return fmt.Errorf("%w: open discord session: %v", syncerr.ErrTransport, err)
	}

	s.guildsProcessed = len(s.session.State.Guilds)
	s.SetState(msync.StatePrimaryLive)
	s.SetRunning(true)
	s.MarkStarted(time.Now().UnixMilli())
	s.Emit(msync.Event{Type: msync.EventConnected, Mode: "realtime", Device: s.selfID})
	logger.InfoCF("discord", "connected", map[string]any{"user_id": s.selfID, "guilds": s.guildsProcessed})
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if !s.IsRunning() {
		return nil
	}
	s.SetRunning(false)
	s.DrainHandles()
	s.ClearSubscribers()
	if s.cancel != nil {
		s.cancel()
	}
	s.SetState(msync.StateStopped)
	if err := s.session.Close(); err != nil {
		return fmt.Errorf("%w: close discord session: %v", syncerr.ErrTransport, err)
	}
	return nil
}

// detach adapts discordgo's returned removal func (func()) into the
// uniform listener-handle shape BaseService tracks.
func detach(remove func()) func() { return remove }

func (s *Service) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	if !s.IsRunning() {
		return
	}
	logger.WarnCF("discord", "gateway disconnected, discordgo will auto-reconnect", nil)
	s.RecordError("")
	s.Emit(msync.Event{Type: msync.EventDisconnected})
}

func (s *Service) markSeen(id string) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if s.seen[id] {
		return true
	}
	s.seen[id] = true
	return false
}

// threadIDFor selects the canonical thread ID, in precedence order:
// sub-thread, then DM, then guild channel.
func (s *Service) threadIDFor(sess *discordgo.Session, channelID, guildID string) (id, kind string) {
	if isThreadChannel(sess, channelID) {
		return "discord_thread_" + channelID, "topic"
	}
	if guildID == "" {
		return "discord_dm_" + channelID, "dm"
	}
	return "discord_channel_" + channelID, "channel"
}

func isThreadChannel(sess *discordgo.Session, channelID string) bool {
	ch, err := sess.State.Channel(channelID)
	if err != nil || ch == nil {
		ch, err = sess.Channel(channelID)
		if err != nil || ch == nil {
			return false
		}
	}
	switch ch.Type {
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread, discordgo.ChannelTypeGuildNewsThread:
		return true
	default:
		return false
	}
}

func canonicalURL(guildID, channelID, messageID string) string {
	g := guildID
	if g == "" {
		g = "@me"
	}
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", g, channelID, messageID)
}

// assembleContent picks, in order: raw text, else the first embed's
// title+description+fields, else attachment links.
func assembleContent(m *discordgo.Message) string {
	if strings.TrimSpace(m.Content) != "" {
		return m.Content
	}
	if len(m.Embeds) > 0 {
		e := m.Embeds[0]
		var b strings.Builder
		if e.Title != "" {
			b.WriteString(e.Title)
		}
		if e.Description != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(e.Description)
		}
		for _, f := range e.Fields {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(f.Name + ": " + f.Value)
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	if len(m.Attachments) > 0 {
		links := make([]string, len(m.Attachments))
		for i, a := range m.Attachments {
			links[i] = a.URL
		}
		return strings.Join(links, "\n")
	}
	return ""
}

func (s *Service) ingest(sess *discordgo.Session, m *discordgo.Message, seenKey string) {
	if m == nil || m.Author == nil {
		return
	}
	if s.markSeen(seenKey) {
		return
	}

	content := utils.SanitizeMessageContent(assembleContent(m))
	content = utils.Truncate(content, maxContentLen)
	if content == "" {
		return
	}

	accountID := identity.BuildAccountID("discord", m.Author.ID)
	if _, err := s.store.GetOrCreateAccount(store.AccountInput{
		ID: accountID, Name: m.Author.Username, IsSelf: m.Author.ID == s.selfID,
	}); err != nil {
		s.RecordError(accountID)
		logger.ErrorCF("discord", "get_or_create_account failed", map[string]any{"error": err.Error()})
		return
	}

	threadID, threadType := s.threadIDFor(sess, m.ChannelID, m.GuildID)
	if _, err := s.store.GetOrCreateThread(store.ThreadInput{
		ID: threadID, Type: threadType,
		Source: store.ThreadSource{Platform: "discord", PlatformID: m.ChannelID},
	}); err != nil {
		s.RecordError(accountID)
		logger.ErrorCF("discord", "get_or_create_thread failed", map[string]any{"error": err.Error()})
		return
	}

	direction := "incoming"
	if m.Author.ID == s.selfID {
		direction = "outgoing"
	}
	tags := []store.Tag{{Key: "direction", Value: direction}, {Key: "source", Value: "discord"}}
	for _, r := range m.Reactions {
		tags = append(tags, store.Tag{Key: "reaction:" + r.Emoji.Name, Value: fmt.Sprintf("%d", r.Count)})
	}

	createdAt := m.Timestamp.UnixMilli()
	if createdAt <= 0 {
		createdAt = time.Now().UnixMilli()
	}

	input := store.MessageInput{
		Kind: store.KindDiscord, AccountID: accountID,
		Author:    store.Author{Name: m.Author.Username, Handle: m.Author.ID},
		CreatedAt: createdAt, Content: content,
		Refs:   store.Refs{ThreadID: threadID},
		Source: store.Source{Platform: "discord", PlatformID: m.ID, URL: canonicalURL(m.GuildID, m.ChannelID, m.ID)},
		Tags:   tags,
	}

	msg, err := s.store.CreateMessage(s.ctx, input, store.CreateOptions{})
	if err != nil {
		s.RecordError(accountID)
		logger.ErrorCF("discord", "create_message failed", map[string]any{"error": err.Error()})
		return
	}
	s.RecordMessage(accountID, time.Now().UnixMilli())
	s.Emit(msync.Event{Type: msync.EventMessage, Account: accountID, Message: &msg})
}

func (s *Service) onMessageCreate(sess *discordgo.Session, m *discordgo.MessageCreate) {
	if !s.IsRunning() {
		return
	}
	s.ingest(sess, m.Message, m.ID)
}

// onMessageUpdate is treated as a new message for re-indexing: an edited
// message produces a fresh content-derived CID, so it is re-ingested
// through the same path. The seen key includes the edit timestamp;
// keying on the message ID alone would let the create-time sighting
// swallow every subsequent edit.
func (s *Service) onMessageUpdate(sess *discordgo.Session, m *discordgo.MessageUpdate) {
	if !s.IsRunning() {
		return
	}
	seenKey := m.ID + "/edit"
	if m.EditedTimestamp != nil {
		seenKey = fmt.Sprintf("%s/edit/%d", m.ID, m.EditedTimestamp.UnixMilli())
	}
	s.ingest(sess, m.Message, seenKey)
}

// onMessageDelete is logged only; the original event is never retracted.
func (s *Service) onMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	if !s.IsRunning() {
		return
	}
	if err := s.store.LogDeletion(store.DeletionRecord{
		Platform: "discord", PlatformID: m.ID, ThreadID: "discord_channel_" + m.ChannelID,
	}); err != nil {
		logger.WarnCF("discord", "log_deletion failed", map[string]any{"error": err.Error()})
	}
}

// onReactionAdd/onReactionRemove are currently log-only; the handler
// shape is reserved for future first-class reaction records.
func (s *Service) onReactionAdd(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if !s.IsRunning() {
		return
	}
	logger.DebugCF("discord", "reaction_add", map[string]any{"message_id": r.MessageID, "emoji": r.Emoji.Name})
}

func (s *Service) onReactionRemove(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
	if !s.IsRunning() {
		return
	}
	logger.DebugCF("discord", "reaction_remove", map[string]any{"message_id": r.MessageID, "emoji": r.Emoji.Name})
}

func (s *Service) onThreadCreate(_ *discordgo.Session, t *discordgo.ThreadCreate) {
	if !s.IsRunning() {
		return
	}
	threadID := "discord_thread_" + t.ID
	if _, err := s.store.GetOrCreateThread(store.ThreadInput{
		ID: threadID, Type: "topic", Title: t.Name,
		Source: store.ThreadSource{Platform: "discord", PlatformID: t.ID, RoomID: t.ParentID},
	}); err != nil {
		logger.WarnCF("discord", "thread_create registration failed", map[string]any{"error": err.Error()})
	}
}
