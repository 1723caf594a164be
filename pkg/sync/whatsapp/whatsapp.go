// Package whatsapp ingests one WhatsApp account's messages into the
// message store using whatsmeow. The device/session state lives in a
// sqlite store; a first start with no linked device renders a pairing
// QR code in the terminal and blocks until the login completes.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"github.com/sipeed-labs/messagearc/pkg/config"
	"github.com/sipeed-labs/messagearc/pkg/identity"
	"github.com/sipeed-labs/messagearc/pkg/logger"
	msync "github.com/sipeed-labs/messagearc/pkg/sync"
	"github.com/sipeed-labs/messagearc/pkg/store"
	"github.com/sipeed-labs/messagearc/pkg/syncerr"
	"github.com/sipeed-labs/messagearc/pkg/utils"
)

func init() {
	msync.RegisterFactory("whatsapp", func(deps msync.Deps) (msync.Service, error) {
		return New(deps.Config.WhatsApp, deps.Store)
	})
}

const (
	sqliteDriver   = "sqlite"
	whatsappDBName = "store.db"
	maxContentLen  = 50000

	reconnectInitial    = 5 * time.Second
	reconnectMax        = 5 * time.Minute
	reconnectMultiplier = 2.0
)

// Service ingests WhatsApp messages for a single linked device.
type Service struct {
	*msync.BaseService

	cfg   config.WhatsAppConfig
	store *store.Store

	mu        sync.Mutex
	client    *whatsmeow.Client
	container *sqlstore.Container
	runCtx    context.Context
	runCancel context.CancelFunc

	reconnectMu  sync.Mutex
	reconnecting bool

	selfPhone string

	seenMu sync.Mutex
	seen   map[string]bool
}

// New constructs a WhatsApp sync service. cfg.SessionStorePath is the
// directory for the sqlite device/session store.
func New(cfg config.WhatsAppConfig, st *store.Store) (*Service, error) {
	storePath := cfg.SessionStorePath
	if storePath == "" {
		storePath = "whatsapp"
	}
	return &Service{
		BaseService: msync.NewBaseService("whatsapp", msync.WithMode("realtime")),
		cfg:         config.WhatsAppConfig{Enabled: cfg.Enabled, SessionStorePath: storePath, SelfAccountID: cfg.SelfAccountID},
		store:       st,
		seen:        map[string]bool{},
	}, nil
}

func (s *Service) Start(ctx context.Context) error {
	if s.IsRunning() {
		return nil
	}
	s.SetState(msync.StateConnecting)
	logger.InfoCF("whatsapp", "starting whatsmeow client", map[string]any{"store": s.cfg.SessionStorePath})

	if err := os.MkdirAll(s.cfg.SessionStorePath, 0o700); err != nil {
		return fmt.Errorf("%w: create session store dir: %v", syncerr.ErrConfig, err)
	}

	dbPath := filepath.Join(s.cfg.SessionStorePath, whatsappDBName)
	connStr := "file:" + dbPath + "?_foreign_keys=on"

	db, err := sql.Open(sqliteDriver, connStr)
	if err != nil {
		return fmt.Errorf("%w: open whatsapp store: %v", syncerr.ErrConfig, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	waLogger := waLog.Stdout("WhatsApp", "WARN", true)
	container := sqlstore.NewWithDB(db, sqliteDriver, waLogger)
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: upgrade whatsapp store: %v", syncerr.ErrConfig, err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("%w: get device store: %v", syncerr.ErrConfig, err)
	}

	client := whatsmeow.NewClient(deviceStore, waLogger)
	remove := client.AddEventHandler(s.eventHandler)
	s.AddHandle(func() { client.RemoveEventHandler(remove) })

	s.mu.Lock()
	s.container = container
	s.client = client
	s.mu.Unlock()

	s.runCtx, s.runCancel = context.WithCancel(ctx)

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			_ = container.Close()
			return fmt.Errorf("%w: get QR channel: %v", syncerr.ErrTransport, err)
		}
		if err := client.Connect(); err != nil {
			_ = container.Close()
			return fmt.Errorf("%w: connect: %v", syncerr.ErrTransport, err)
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				logger.InfoC("whatsapp", "scan this QR code with WhatsApp (Linked Devices)")
				qrterminal.GenerateWithConfig(evt.Code, qrterminal.Config{
					Level: qrterminal.L, Writer: os.Stdout, HalfBlocks: true,
				})
			} else {
				logger.InfoCF("whatsapp", "login event", map[string]any{"event": evt.Event})
			}
		}
	} else {
		if err := client.Connect(); err != nil {
			_ = container.Close()
			return fmt.Errorf("%w: connect: %v", syncerr.ErrTransport, err)
		}
	}

	if client.Store.ID != nil {
		s.selfPhone = client.Store.ID.User
		if _, err := s.store.GetOrCreateAccount(store.AccountInput{
			ID: identity.BuildAccountID("whatsapp", s.selfPhone), Name: "Me", IsSelf: true,
		}); err != nil {
			logger.WarnCF("whatsapp", "register self account failed", map[string]any{"error": err.Error()})
		}
	}

	s.SetState(msync.StatePrimaryLive)
	s.SetRunning(true)
	s.MarkStarted(time.Now().UnixMilli())
	s.Emit(msync.Event{Type: msync.EventConnected, Mode: "realtime", Device: s.selfPhone})
	logger.InfoC("whatsapp", "whatsapp client connected")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if !s.IsRunning() {
		return nil
	}
	logger.InfoC("whatsapp", "stopping whatsapp client")
	s.SetRunning(false)
	s.DrainHandles()
	s.ClearSubscribers()
	if s.runCancel != nil {
		s.runCancel()
	}

	s.mu.Lock()
	client := s.client
	container := s.container
	s.client = nil
	s.container = nil
	s.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	if container != nil {
		_ = container.Close()
	}
	s.SetState(msync.StateStopped)
	return nil
}

func (s *Service) eventHandler(evt any) {
	switch e := evt.(type) {
	case *events.Message:
		s.handleIncoming(e)
	case *events.Connected:
		s.SetState(msync.StatePrimaryLive)
	case *events.Disconnected:
		logger.InfoC("whatsapp", "disconnected, attempting reconnection")
		s.Emit(msync.Event{Type: msync.EventDisconnected})
		s.SetState(msync.StateReconnecting)
		s.reconnectMu.Lock()
		if s.reconnecting {
			s.reconnectMu.Unlock()
			return
		}
		s.reconnecting = true
		s.reconnectMu.Unlock()
		go s.reconnectWithBackoff()
	}
}

func (s *Service) reconnectWithBackoff() {
	defer func() {
		s.reconnectMu.Lock()
		s.reconnecting = false
		s.reconnectMu.Unlock()
	}()

	backoff := reconnectInitial
	attempt := 0
	for {
		select {
		case <-s.runCtx.Done():
			return
		default:
		}

		s.mu.Lock()
		client := s.client
		s.mu.Unlock()
		if client == nil {
			return
		}

		attempt = s.IncrementReconnectAttempts()
		s.Emit(msync.Event{Type: msync.EventReconnecting, Attempt: attempt})
		logger.InfoCF("whatsapp", "reconnecting", map[string]any{"attempt": attempt, "backoff": backoff.String()})
		if err := client.Connect(); err == nil {
			logger.InfoC("whatsapp", "reconnected")
			s.SetState(msync.StatePrimaryLive)
			s.ResetReconnectAttempts()
			s.Emit(msync.Event{Type: msync.EventConnected, Mode: "realtime", Device: s.selfPhone})
			return
		} else {
			logger.WarnCF("whatsapp", "reconnect failed", map[string]any{"error": err.Error()})
			s.RecordError("")
			s.Emit(msync.Event{Type: msync.EventError, Err: err})
		}

		select {
		case <-s.runCtx.Done():
			return
		case <-time.After(backoff):
			if backoff < reconnectMax {
				next := time.Duration(float64(backoff) * reconnectMultiplier)
				if next > reconnectMax {
					next = reconnectMax
				}
				backoff = next
			}
		}
	}
}

// chatType classifies a JID by server suffix: @g.us is a group,
// @broadcast a broadcast list, anything else a DM.
func chatType(chat types.JID) (kind, prefix string) {
	switch chat.Server {
	case types.GroupServer:
		return "group", "whatsapp_group_"
	case types.BroadcastServer:
		return "broadcast", "whatsapp_broadcast_"
	default:
		return "dm", "whatsapp_dm_"
	}
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

func (s *Service) handleIncoming(evt *events.Message) {
	if !s.IsRunning() || evt.Message == nil {
		return
	}
	if s.markSeen(evt.Info.ID) {
		return
	}

	// First non-empty of text then caption.
	content := evt.Message.GetConversation()
	if content == "" && evt.Message.ExtendedTextMessage != nil {
		content = evt.Message.ExtendedTextMessage.GetText()
	}
	if content == "" && evt.Message.ImageMessage != nil {
		content = evt.Message.ImageMessage.GetCaption()
	}
	if content == "" && evt.Message.VideoMessage != nil {
		content = evt.Message.VideoMessage.GetCaption()
	}
	content = utils.SanitizeMessageContent(content)
	content = utils.Truncate(content, maxContentLen)
	if content == "" {
		return
	}

	senderID := evt.Info.Sender.User
	accountID := identity.BuildAccountID("whatsapp", senderID)
	if _, err := s.store.GetOrCreateAccount(store.AccountInput{
		ID: accountID, Name: evt.Info.PushName, IsSelf: evt.Info.IsFromMe,
	}); err != nil {
		s.RecordError(accountID)
		logger.ErrorCF("whatsapp", "get_or_create_account failed", map[string]any{"error": err.Error()})
		return
	}

	kind, prefix := chatType(evt.Info.Chat)
	threadID := prefix + evt.Info.Chat.User
	if _, err := s.store.GetOrCreateThread(store.ThreadInput{
		ID: threadID, Type: kind,
		Source: store.ThreadSource{Platform: "whatsapp", PlatformID: evt.Info.Chat.String()},
	}); err != nil {
		s.RecordError(accountID)
		logger.ErrorCF("whatsapp", "get_or_create_thread failed", map[string]any{"error": err.Error()})
		return
	}

	direction := "incoming"
	if evt.Info.IsFromMe {
		direction = "outgoing"
	}

	msg, err := s.store.CreateMessage(s.runCtx, store.MessageInput{
		Kind: store.KindWhatsApp, AccountID: accountID,
		Author:    store.Author{Name: evt.Info.PushName, Handle: senderID},
		CreatedAt: evt.Info.Timestamp.UnixMilli(), Content: content,
		Refs:   store.Refs{ThreadID: threadID},
		Source: store.Source{Platform: "whatsapp", PlatformID: evt.Info.ID},
		Tags:   []store.Tag{{Key: "direction", Value: direction}, {Key: "source", Value: "whatsapp"}},
	}, store.CreateOptions{})
	if err != nil {
		s.RecordError(accountID)
		logger.ErrorCF("whatsapp", "create_message failed", map[string]any{"error": err.Error()})
		return
	}
	s.RecordMessage(accountID, time.Now().UnixMilli())
	s.Emit(msync.Event{Type: msync.EventMessage, Account: accountID, Message: &msg})
}
