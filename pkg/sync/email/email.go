// Package email ingests one or more IMAP mailboxes into the message
// store, one independent connection per account. Each account prefers
// IDLE on its monitored folder (re-armed on a safety margin under the
// server's forced-refresh window) and degrades to UID-search polling
// when IDLE is unavailable or keeps failing.
package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	_ "github.com/emersion/go-message/charset" // registers non-UTF-8 decoders used by mail.CreateReader
	"github.com/emersion/go-message/mail"

	"github.com/sipeed-labs/messagearc/pkg/config"
	"github.com/sipeed-labs/messagearc/pkg/identity"
	"github.com/sipeed-labs/messagearc/pkg/logger"
	msync "github.com/sipeed-labs/messagearc/pkg/sync"
	"github.com/sipeed-labs/messagearc/pkg/store"
	"github.com/sipeed-labs/messagearc/pkg/syncerr"
)

func init() {
	msync.RegisterFactory("email", func(deps msync.Deps) (msync.Service, error) {
		return New(deps.Config.Email, deps.Store)
	})
}

const (
	maxContentLen     = 50000
	idleRestartMargin = 25 * time.Minute
	monitoredMailbox  = "[Gmail]/All Mail"
)

// Service ingests IMAP mail from one or more independently connected
// accounts in parallel.
type Service struct {
	*msync.BaseService

	cfg   config.EmailConfig
	store *store.Store

	mu       sync.Mutex
	accounts []*accountConn
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// accountConn holds one mailbox's transport state: its own connection,
// high-water-mark UID, and seen-ID cache, never shared with any other
// account.
type accountConn struct {
	cfg       config.EmailAccountConfig
	accountID string

	mu      sync.Mutex
	lastUID imap.UID
	mode    string

	seenMu sync.Mutex
	seen   map[string]bool
}

// New constructs an email sync service for every configured IMAP account.
func New(cfg config.EmailConfig, st *store.Store) (*Service, error) {
	s := &Service{
		BaseService: msync.NewBaseService("email", msync.WithMode("idle")),
		cfg:         cfg,
		store:       st,
	}
	for _, acc := range cfg.Accounts {
		accountID := identity.BuildAccountID("email", encodeAddress(acc.Username))
		s.accounts = append(s.accounts, &accountConn{cfg: acc, accountID: accountID, mode: "idle", seen: map[string]bool{}})
	}
	return s, nil
}

// encodeAddress lowercases an email address and replaces '@' and '.'
// with underscores, so "Alice@Example.com" becomes the account-ID
// handle "alice_example_com".
func encodeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	addr = strings.ReplaceAll(addr, "@", "_")
	addr = strings.ReplaceAll(addr, ".", "_")
	return addr
}

func (s *Service) Start(ctx context.Context) error {
	if s.IsRunning() {
		return nil
	}
	if len(s.accounts) == 0 {
		return fmt.Errorf("%w: no IMAP accounts configured", syncerr.ErrConfig)
	}

	var runCtx context.Context
	runCtx, s.cancel = context.WithCancel(ctx)

	s.SetState(msync.StateConnecting)
	for _, acc := range s.accounts {
		if _, err := s.store.GetOrCreateAccount(store.AccountInput{ID: acc.accountID, Name: acc.cfg.Username}); err != nil {
			s.cancel()
			return fmt.Errorf("%w: register account %s: %v", syncerr.ErrIO, acc.accountID, err)
		}
		s.wg.Add(1)
		go s.runAccount(runCtx, acc)
	}

	s.SetState(msync.StatePrimaryLive)
	s.SetRunning(true)
	s.MarkStarted(time.Now().UnixMilli())
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if !s.IsRunning() {
		return nil
	}
	s.SetRunning(false)
	if s.cancel != nil {
		s.cancel()
	}
	s.DrainHandles()
	s.ClearSubscribers()
	s.wg.Wait()
	s.SetState(msync.StateStopped)
	return nil
}

// runAccount owns one mailbox's entire lifecycle: connect, IDLE with
// periodic re-arm, and fallback polling on IDLE failure. It runs until
// ctx is cancelled by Stop.
func (s *Service) runAccount(ctx context.Context, acc *accountConn) {
	defer s.wg.Done()

	backoff := msync.DefaultBackoff
	attempt := 0
	for ctx.Err() == nil {
		err := s.connectAndServe(ctx, acc)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			attempt = 0
			continue
		}

		attempt = s.IncrementReconnectAttempts()
		s.RecordError(acc.accountID)
		s.Emit(msync.Event{Type: msync.EventError, Account: acc.accountID, Err: err})
		s.Emit(msync.Event{Type: msync.EventReconnecting, Account: acc.accountID, Attempt: attempt})
		logger.WarnCF("email", "account connection failed", map[string]any{"account": acc.accountID, "error": err.Error(), "attempt": attempt})
		if attempt > msync.DefaultMaxReconnectAttempts {
			acc.mu.Lock()
			acc.mode = "polling"
			acc.mu.Unlock()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff.Delay(attempt)):
		}
	}
}

// connectAndServe dials once, selects the monitored mailbox, establishes
// the initial high-water-mark, and then serves either the IDLE loop or
// the polling fallback depending on whether IDLE is supported. It returns
// when the connection is lost or ctx is cancelled.
func (s *Service) connectAndServe(ctx context.Context, acc *accountConn) error {
	addr := fmt.Sprintf("%s:%d", acc.cfg.Host, acc.cfg.Port)

	// The unilateral-data handler is fixed at dial time, so the EXISTS
	// channel outlives any one IDLE command and is simply drained by
	// whichever loop is active.
	existsCh := make(chan struct{}, 1)
	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					select {
					case existsCh <- struct{}{}:
					default:
					}
				}
			},
		},
	}

	c, err := imapclient.DialTLS(addr, opts)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", syncerr.ErrTransport, addr, err)
	}
	defer c.Close()

	if err := c.Login(acc.cfg.Username, acc.cfg.Password).Wait(); err != nil {
		return fmt.Errorf("%w: login: %v", syncerr.ErrConfig, err)
	}

	mailbox := monitoredMailbox
	selectData, err := c.Select(mailbox, nil).Wait()
	if err != nil {
		// Fall back to INBOX if the Gmail-specific All Mail folder isn't
		// available (non-Gmail IMAP providers).
		mailbox = "INBOX"
		selectData, err = c.Select(mailbox, nil).Wait()
		if err != nil {
			return fmt.Errorf("%w: select mailbox: %v", syncerr.ErrTransport, err)
		}
	}

	acc.mu.Lock()
	if acc.lastUID == 0 {
		// Initial sync: only ingest arrivals from this point forward.
		if selectData.UIDNext > 0 {
			acc.lastUID = selectData.UIDNext - 1
		}
	}
	forcedPolling := acc.mode == "polling"
	acc.mu.Unlock()

	s.ResetReconnectAttempts()

	if supportsIdle(c) && !forcedPolling {
		return s.idleLoop(ctx, c, acc, existsCh)
	}
	return s.pollLoop(ctx, c, acc)
}

func supportsIdle(c *imapclient.Client) bool {
	return c.Caps().Has(imap.CapIdle)
}

// idleLoop runs IMAP IDLE, re-arming every idleRestartMargin (Gmail
// forces a new IDLE command every <= 29 minutes, so this service
// re-issues its own well within that window). A fetch is triggered on
// every EXISTS notification and once per re-arm in case an update was
// missed while IDLE was down.
func (s *Service) idleLoop(ctx context.Context, c *imapclient.Client, acc *accountConn, existsCh <-chan struct{}) error {
	acc.mu.Lock()
	acc.mode = "idle"
	acc.mu.Unlock()
	s.SetAccountMode(acc.accountID, "idle")
	s.Emit(msync.Event{Type: msync.EventConnected, Mode: "idle", Account: acc.accountID})
	logger.InfoCF("email", "entering IDLE", map[string]any{"account": acc.accountID})

	for {
		idleCmd, err := c.Idle()
		if err != nil {
			// IDLE refused on a live connection: degrade this account to
			// the polling fallback without dropping the connection or any
			// message (pollLoop leads with an immediate fetch).
			logger.WarnCF("email", "IDLE failed, falling back to polling", map[string]any{"account": acc.accountID, "error": err.Error()})
			acc.mu.Lock()
			acc.mode = "polling"
			acc.mu.Unlock()
			s.SetState(msync.StateFallbackLive)
			return s.pollLoop(ctx, c, acc)
		}

		timer := time.NewTimer(idleRestartMargin)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = idleCmd.Close()
			return nil
		case <-existsCh:
			timer.Stop()
			if err := idleCmd.Close(); err != nil {
				return fmt.Errorf("%w: idle close: %v", syncerr.ErrTransport, err)
			}
			if err := idleCmd.Wait(); err != nil {
				return fmt.Errorf("%w: idle wait: %v", syncerr.ErrTransport, err)
			}
			if err := s.fetchNew(ctx, c, acc); err != nil {
				return err
			}
		case <-timer.C:
			// Safety-margin re-arm: release and re-acquire the IDLE command
			// before the server forces disconnection.
			if err := idleCmd.Close(); err != nil {
				return fmt.Errorf("%w: idle re-arm close: %v", syncerr.ErrTransport, err)
			}
			if err := idleCmd.Wait(); err != nil {
				return fmt.Errorf("%w: idle re-arm wait: %v", syncerr.ErrTransport, err)
			}
			if err := s.fetchNew(ctx, c, acc); err != nil {
				return err
			}
		}
	}
}

// pollLoop is the fallback transport: search for UID > lastUid every
// PollInterval.
func (s *Service) pollLoop(ctx context.Context, c *imapclient.Client, acc *accountConn) error {
	acc.mu.Lock()
	acc.mode = "polling"
	acc.mu.Unlock()
	s.SetAccountMode(acc.accountID, "polling")
	s.Emit(msync.Event{Type: msync.EventConnected, Mode: "polling", Account: acc.accountID})

	interval := time.Duration(acc.cfg.PollInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.fetchNew(ctx, c, acc); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// fetchNew searches for UID > acc.lastUID and parses+ingests every match,
// advancing the high-water-mark as it goes so a fetch failure midway
// through still durably commits whatever was processed before it.
func (s *Service) fetchNew(ctx context.Context, c *imapclient.Client, acc *accountConn) error {
	acc.mu.Lock()
	lastUID := acc.lastUID
	acc.mu.Unlock()

	searchData, err := c.UIDSearch(&imap.SearchCriteria{
		UID: []imap.UIDSet{{{Start: lastUID + 1, Stop: 0}}},
	}, nil).Wait()
	if err != nil {
		return fmt.Errorf("%w: uid search: %v", syncerr.ErrTransport, err)
	}
	if len(searchData.AllUIDs()) == 0 {
		return nil
	}

	set := imap.UIDSetNum(searchData.AllUIDs()...)
	fetchCmd := c.Fetch(set, &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	})
	defer fetchCmd.Close()

	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			logger.WarnCF("email", "fetch collect failed", map[string]any{"account": acc.accountID, "error": err.Error()})
			continue
		}
		if err := s.ingest(ctx, acc, buf); err != nil {
			logger.WarnCF("email", "ingest failed", map[string]any{"account": acc.accountID, "error": err.Error()})
			s.RecordError(acc.accountID)
		}
		if buf.UID > 0 {
			acc.mu.Lock()
			if buf.UID > acc.lastUID {
				acc.lastUID = buf.UID
			}
			acc.mu.Unlock()
		}
	}
	return nil
}

// fetchedMessage is the subset of imapclient.FetchMessageBuffer this
// service reads.
type fetchedMessage = imapclient.FetchMessageBuffer

func (s *Service) ingest(ctx context.Context, acc *accountConn, buf *fetchedMessage) error {
	var rawBody []byte
	for _, sec := range buf.BodySection {
		rawBody = sec.Bytes
		break
	}
	if rawBody == nil {
		return fmt.Errorf("no body section in fetch response")
	}

	messageID, from, subject, content, err := parseMessage(rawBody)
	if err != nil {
		return fmt.Errorf("%w: parse message: %v", syncerr.ErrParse, err)
	}
	content = clamp(content, maxContentLen)
	if content == "" {
		return nil // attachments-only message; intentionally dropped
	}

	seenKey := messageID
	if seenKey == "" {
		seenKey = fmt.Sprintf("uid:%d", buf.UID)
	}
	acc.seenMu.Lock()
	if acc.seen[seenKey] {
		acc.seenMu.Unlock()
		return nil
	}
	acc.seen[seenKey] = true
	acc.seenMu.Unlock()

	direction := "incoming"
	if strings.EqualFold(from, acc.cfg.Username) {
		direction = "outgoing"
	}

	threadID := "email_thread_" + encodeAddress(acc.cfg.Username) + "_" + threadKeyFromMessageID(messageID)

	if _, err := s.store.GetOrCreateThread(store.ThreadInput{
		ID: threadID, Type: "topic",
		Source: store.ThreadSource{Platform: "email", PlatformID: messageID},
	}); err != nil {
		return fmt.Errorf("%w: get_or_create_thread: %v", syncerr.ErrIO, err)
	}

	createdAt := time.Now().UnixMilli()
	if !buf.Envelope.Date.IsZero() {
		createdAt = buf.Envelope.Date.UnixMilli()
	}

	msg, err := s.store.CreateMessage(ctx, store.MessageInput{
		Kind: store.KindEmail, AccountID: acc.accountID,
		Author:    store.Author{Name: from, Handle: from},
		CreatedAt: createdAt, Content: content, Title: subject,
		Refs:   store.Refs{ThreadID: threadID},
		Source: store.Source{Platform: "email", PlatformID: messageID},
		Tags:   []store.Tag{{Key: "direction", Value: direction}, {Key: "source", Value: "email"}},
	}, store.CreateOptions{})
	if err != nil {
		return fmt.Errorf("%w: create_message: %v", syncerr.ErrIO, err)
	}
	s.RecordMessage(acc.accountID, time.Now().UnixMilli())
	s.Emit(msync.Event{Type: msync.EventMessage, Account: acc.accountID, Message: &msg})
	return nil
}

// threadKeyFromMessageID derives a conservative thread grouping key from
// the Message-Id header itself; References/In-Reply-To chains are not
// chased.
func threadKeyFromMessageID(messageID string) string {
	key := strings.Trim(messageID, "<>")
	key = strings.NewReplacer("@", "_", ".", "_", "+", "_", "/", "_").Replace(key)
	if key == "" {
		return "unknown"
	}
	return key
}

func clamp(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// parseMessage extracts the Message-Id, From address, Subject, and
// best-effort text body (falling back to stripped HTML) from a raw RFC
// 5322 message.
func parseMessage(raw []byte) (messageID, from, subject, content string, err error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", "", "", "", err
	}
	h := mr.Header
	messageID, _ = h.MessageID()
	subject, _ = h.Subject()
	if addrs, aerr := h.AddressList("From"); aerr == nil && len(addrs) > 0 {
		from = addrs[0].Address
	}

	var textPart, htmlPart string
	for {
		p, perr := mr.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			break
		}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			b, _ := io.ReadAll(p.Body)
			switch {
			case strings.HasPrefix(ct, "text/plain") && textPart == "":
				textPart = string(b)
			case strings.HasPrefix(ct, "text/html") && htmlPart == "":
				htmlPart = string(b)
			}
		}
	}

	content = textPart
	if content == "" && htmlPart != "" {
		content = stripHTML(htmlPart)
	}
	return messageID, from, subject, content, nil
}

// stripHTML removes tags with a conservative regex-free scan, used only
// as the fallback when a message carries no text/plain part.
func stripHTML(h string) string {
	var b strings.Builder
	inTag := false
	for _, r := range h {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
