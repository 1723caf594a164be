// Package sms ingests a paired phone's SMS/MMS conversations into the
// message store over the mobile bridge's D-Bus interface. The primary
// transport is a conversationUpdated signal subscription; a periodic
// conversation-enumeration poll runs alongside it so a dropped signal
// is still eventually caught.
package sms

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/sipeed-labs/messagearc/pkg/config"
	"github.com/sipeed-labs/messagearc/pkg/identity"
	"github.com/sipeed-labs/messagearc/pkg/logger"
	msync "github.com/sipeed-labs/messagearc/pkg/sync"
	"github.com/sipeed-labs/messagearc/pkg/store"
	"github.com/sipeed-labs/messagearc/pkg/syncerr"
	"github.com/sipeed-labs/messagearc/pkg/utils"
)

func init() {
	msync.RegisterFactory("sms", func(deps msync.Deps) (msync.Service, error) {
		return New(deps.Config.SMS, deps.Store)
	})
}

const (
	maxContentLen   = 50000
	outgoingMsgType = 2
	signalMember    = "conversationUpdated"
	methodListConvs = "ListConversations"
	methodListMsgs  = "ListMessages"
)

// bridgeMessage mirrors the mobile bridge's wire shape for one SMS/MMS
// message, as delivered in a conversationUpdated signal body or a
// ListMessages method reply.
type bridgeMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Type           int    `json:"type"`
	Body           string `json:"body"`
	Timestamp      int64  `json:"timestamp"`
	Address        string `json:"address"`
	GivenName      string `json:"givenName"`
	FamilyName     string `json:"familyName"`
}

// Service ingests one paired device's SMS/MMS conversations.
type Service struct {
	*msync.BaseService

	cfg   config.SMSConfig
	store *store.Store
	conn  *dbus.Conn

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	seenMu sync.Mutex
	seen   map[string]bool
}

// New constructs an SMS sync service.
func New(cfg config.SMSConfig, st *store.Store) (*Service, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30
	}
	return &Service{
		BaseService: msync.NewBaseService("sms", msync.WithMode("dbus-signal")),
		cfg:         cfg,
		store:       st,
		seen:        map[string]bool{},
	}, nil
}

func (s *Service) Start(ctx context.Context) error {
	if s.IsRunning() {
		return nil
	}
	s.SetState(msync.StateConnecting)

	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("%w: connect to session bus: %v", syncerr.ErrConfig, err)
	}

	// Failure to locate a paired device supporting SMS is fatal on
	// start.
	obj := conn.Object(s.cfg.BusName, dbus.ObjectPath(s.cfg.ObjectPath))
	var convs []map[string]dbus.Variant
	if call := obj.Call(s.cfg.Interface+"."+methodListConvs, 0); call.Err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: no paired device supporting SMS: %v", syncerr.ErrConfig, call.Err)
	} else if err := call.Store(&convs); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: decode conversation list: %v", syncerr.ErrConfig, err)
	}

	if s.cfg.SelfAccountID != "" {
		if _, err := s.store.GetOrCreateAccount(store.AccountInput{
			ID: identity.BuildAccountID("sms", s.cfg.SelfAccountID), Name: "Me", IsSelf: true,
		}); err != nil {
			logger.WarnCF("sms", "register self account failed", map[string]any{"error": err.Error()})
		}
	}

	matchRule := fmt.Sprintf(
		"type='signal',interface='%s',member='%s',path='%s'",
		s.cfg.Interface, signalMember, s.cfg.ObjectPath,
	)
	if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule); call.Err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: subscribe to %s: %v", syncerr.ErrTransport, signalMember, call.Err)
	}
	s.AddHandle(func() {
		_ = conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, matchRule).Err
	})

	sigCh := make(chan *dbus.Signal, 32)
	conn.Signal(sigCh)
	s.AddHandle(func() { conn.RemoveSignal(sigCh) })

	s.conn = conn
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.SetRunning(true)
	s.SetState(msync.StatePrimaryLive)
	s.MarkStarted(time.Now().UnixMilli())

	s.wg.Add(1)
	go s.signalLoop(sigCh)

	// Fallback poll enumerates active conversations periodically; it
	// runs alongside the signal subscription so a missed/dropped signal
	// is still eventually caught, same as email's IDLE+poll pair.
	s.wg.Add(1)
	go s.pollLoop()

	s.Emit(msync.Event{Type: msync.EventConnected, Mode: "dbus-signal", Device: s.cfg.SelfAccountID})
	logger.InfoCF("sms", "subscribed to mobile bridge", map[string]any{"conversations": len(convs)})
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if !s.IsRunning() {
		return nil
	}
	logger.InfoC("sms", "stopping sms sync")
	s.SetRunning(false)
	s.DrainHandles()
	s.ClearSubscribers()
	if s.runCancel != nil {
		s.runCancel()
	}
	s.wg.Wait()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.SetState(msync.StateStopped)
	return nil
}

func (s *Service) signalLoop(sigCh chan *dbus.Signal) {
	defer s.wg.Done()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			if sig == nil || sig.Name != s.cfg.Interface+"."+signalMember {
				continue
			}
			s.handleConversationUpdated(sig.Body)
		}
	}
}

func (s *Service) handleConversationUpdated(body []any) {
	for _, arg := range body {
		msgs, ok := arg.([]map[string]dbus.Variant)
		if !ok {
			continue
		}
		for _, raw := range msgs {
			s.ingest(decodeBridgeMessage(raw), store.CreateOptions{})
		}
	}
}

func (s *Service) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.PollInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Service) pollOnce() {
	if s.conn == nil {
		return
	}
	obj := s.conn.Object(s.cfg.BusName, dbus.ObjectPath(s.cfg.ObjectPath))
	var convs []map[string]dbus.Variant
	call := obj.Call(s.cfg.Interface+"."+methodListConvs, 0)
	if call.Err != nil {
		logger.WarnCF("sms", "poll: list conversations failed", map[string]any{"error": call.Err.Error()})
		s.RecordError("")
		s.Emit(msync.Event{Type: msync.EventError, Err: call.Err})
		return
	}
	if err := call.Store(&convs); err != nil {
		s.RecordError("")
		return
	}

	for _, conv := range convs {
		convID, _ := conv["id"].Value().(string)
		if convID == "" {
			continue
		}
		var msgs []map[string]dbus.Variant
		msgCall := obj.Call(s.cfg.Interface+"."+methodListMsgs, 0, convID)
		if msgCall.Err != nil {
			s.RecordError("")
			continue
		}
		if err := msgCall.Store(&msgs); err != nil {
			continue
		}
		for _, raw := range msgs {
			s.ingest(decodeBridgeMessage(raw), store.CreateOptions{})
		}
	}
}

func decodeBridgeMessage(raw map[string]dbus.Variant) bridgeMessage {
	var m bridgeMessage
	if v, ok := raw["id"]; ok {
		m.ID, _ = v.Value().(string)
	}
	if v, ok := raw["conversationId"]; ok {
		m.ConversationID, _ = v.Value().(string)
	}
	if v, ok := raw["type"]; ok {
		switch t := v.Value().(type) {
		case int32:
			m.Type = int(t)
		case int64:
			m.Type = int(t)
		case int:
			m.Type = t
		}
	}
	if v, ok := raw["body"]; ok {
		m.Body, _ = v.Value().(string)
	}
	if v, ok := raw["timestamp"]; ok {
		switch t := v.Value().(type) {
		case int64:
			m.Timestamp = t
		case int32:
			m.Timestamp = int64(t)
		}
	}
	if v, ok := raw["address"]; ok {
		m.Address, _ = v.Value().(string)
	}
	if v, ok := raw["givenName"]; ok {
		m.GivenName, _ = v.Value().(string)
	}
	if v, ok := raw["familyName"]; ok {
		m.FamilyName, _ = v.Value().(string)
	}
	return m
}

var nonDigit = regexp.MustCompile(`[^0-9+]`)

func formatPhoneNumber(addr string) string {
	digits := nonDigit.ReplaceAllString(addr, "")
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) == 10 {
		return fmt.Sprintf("(%s) %s-%s", digits[0:3], digits[3:6], digits[6:10])
	}
	return addr
}

// formatDisplayName reproduces the bridge's display-name composition
// asymmetry: given-name-only when the family name is missing, rather
// than falling back to the phone number. Deliberate, not a bug.
func formatDisplayName(m bridgeMessage) string {
	if m.GivenName == "" && m.FamilyName == "" {
		return formatPhoneNumber(m.Address)
	}
	if m.FamilyName == "" {
		return m.GivenName
	}
	return m.GivenName + " " + m.FamilyName
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

func (s *Service) ingest(m bridgeMessage, opts store.CreateOptions) {
	if m.ID == "" || m.ConversationID == "" {
		return
	}
	if s.markSeen(m.ID) {
		return
	}

	content := utils.SanitizeMessageContent(m.Body)
	content = utils.Truncate(content, maxContentLen)
	if content == "" {
		return
	}

	direction := "incoming"
	authorName := formatDisplayName(m)
	handle := m.Address
	if m.Type == outgoingMsgType {
		direction = "outgoing"
		authorName = "Me"
	}

	accountID := identity.BuildAccountID("sms", m.Address)
	if m.Address == "" {
		accountID = identity.BuildAccountID("sms", m.ConversationID)
	}
	if _, err := s.store.GetOrCreateAccount(store.AccountInput{
		ID: accountID, Name: authorName, IsSelf: direction == "outgoing",
	}); err != nil {
		s.RecordError(accountID)
		logger.ErrorCF("sms", "get_or_create_account failed", map[string]any{"error": err.Error()})
		return
	}

	threadID := "sms_thread_" + m.ConversationID
	if _, err := s.store.GetOrCreateThread(store.ThreadInput{
		ID: threadID, Type: "dm",
		Source: store.ThreadSource{Platform: "sms", PlatformID: m.ConversationID},
	}); err != nil {
		s.RecordError(accountID)
		logger.ErrorCF("sms", "get_or_create_thread failed", map[string]any{"error": err.Error()})
		return
	}

	ts := m.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	msg, err := s.store.CreateMessage(s.runCtx, store.MessageInput{
		Kind: store.KindSMS, AccountID: accountID,
		Author:    store.Author{Name: authorName, Handle: handle},
		CreatedAt: ts, Content: content,
		Refs:   store.Refs{ThreadID: threadID},
		Source: store.Source{Platform: "sms", PlatformID: m.ID},
		Tags:   []store.Tag{{Key: "direction", Value: direction}, {Key: "source", Value: "sms"}},
	}, opts)
	if err != nil {
		s.RecordError(accountID)
		logger.ErrorCF("sms", "create_message failed", map[string]any{"error": err.Error()})
		return
	}
	s.RecordMessage(accountID, time.Now().UnixMilli())
	s.Emit(msync.Event{Type: msync.EventMessage, Account: accountID, Message: &msg})
}

// ImportFilter bounds a historic import to a time window and/or a
// specific set of conversations.
type ImportFilter struct {
	Since     int64
	Until     int64
	ThreadIDs []string
}

// ImportStats reports progress and per-item error counts for a bulk
// historic import. Each message is committed before the next begins, so
// partial progress on interruption is never lost.
type ImportStats struct {
	Conversations int
	Imported      int
	Errors        int
}

// HistoricImport streams every message from the bridge's conversation
// history into the store, honoring filter.Since/Until/ThreadIDs, and
// returns aggregate progress. One bad conversation does not abort the
// rest of the import; its error is counted and iteration continues.
// Every message is written with SkipThreadUpdate so the per-message
// incremental view path is bypassed, and a single RebuildThreadViews
// at the end (on the cancellation path too, since partial progress is
// already durable) brings the thread stats exact.
func (s *Service) HistoricImport(ctx context.Context, filter ImportFilter) (stats ImportStats, err error) {
	if s.conn == nil {
		return ImportStats{}, fmt.Errorf("%w: sms service not started", syncerr.ErrConfig)
	}
	obj := s.conn.Object(s.cfg.BusName, dbus.ObjectPath(s.cfg.ObjectPath))

	var convs []map[string]dbus.Variant
	if call := obj.Call(s.cfg.Interface+"."+methodListConvs, 0); call.Err != nil {
		return ImportStats{}, fmt.Errorf("%w: list conversations: %v", syncerr.ErrTransport, call.Err)
	} else if err := call.Store(&convs); err != nil {
		return ImportStats{}, fmt.Errorf("%w: decode conversation list: %v", syncerr.ErrParse, err)
	}

	wanted := map[string]bool{}
	for _, id := range filter.ThreadIDs {
		wanted[id] = true
	}

	defer func() {
		if stats.Imported == 0 {
			return
		}
		if _, err := s.store.RebuildThreadViews(); err != nil {
			logger.ErrorCF("sms", "post-import view rebuild failed", map[string]any{"error": err.Error()})
			stats.Errors++
			return
		}
		s.Emit(msync.Event{Type: msync.EventSync, Count: stats.Imported, Mode: "importing"})
	}()

	for _, conv := range convs {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		convID, _ := conv["id"].Value().(string)
		if convID == "" {
			continue
		}
		if len(wanted) > 0 && !wanted[convID] {
			continue
		}
		stats.Conversations++

		var msgs []map[string]dbus.Variant
		msgCall := obj.Call(s.cfg.Interface+"."+methodListMsgs, 0, convID)
		if msgCall.Err != nil {
			stats.Errors++
			continue
		}
		if err := msgCall.Store(&msgs); err != nil {
			stats.Errors++
			continue
		}

		for _, raw := range msgs {
			m := decodeBridgeMessage(raw)
			if filter.Since != 0 && m.Timestamp < filter.Since {
				continue
			}
			if filter.Until != 0 && m.Timestamp > filter.Until {
				continue
			}
			before := s.GetStats().MessagesProcessed
			s.ingest(m, store.CreateOptions{SkipThreadUpdate: true})
			if s.GetStats().MessagesProcessed > before {
				stats.Imported++
			}
		}
	}
	return stats, nil
}
