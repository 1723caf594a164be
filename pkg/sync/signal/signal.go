// Package signal ingests a linked Signal account's messages into the
// message store via signal-cli. The preferred transport is a
// persistent loopback TCP connection to a signal-cli daemon (spawned
// on demand when autostart is enabled); when no daemon is reachable
// the service falls back to invoking `signal-cli receive` on a poll
// interval and parsing its JSON-line output. A daemon spawned by this
// service is terminated on Stop unless KeepDaemon is set; a daemon
// that was already running is left alone.
package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sipeed-labs/messagearc/pkg/config"
	"github.com/sipeed-labs/messagearc/pkg/identity"
	"github.com/sipeed-labs/messagearc/pkg/logger"
	msync "github.com/sipeed-labs/messagearc/pkg/sync"
	"github.com/sipeed-labs/messagearc/pkg/store"
	"github.com/sipeed-labs/messagearc/pkg/syncerr"
	"github.com/sipeed-labs/messagearc/pkg/utils"
)

func init() {
	msync.RegisterFactory("signal", func(deps msync.Deps) (msync.Service, error) {
		return New(deps.Config.Signal, deps.Store)
	})
}

const (
	maxContentLen      = 50000
	daemonDialTimeout  = 3 * time.Second
	daemonStartTimeout = 5 * time.Second
)

// Service mirrors one Signal account into the message store, preferring
// a persistent daemon connection and falling back to periodic CLI
// invocations when the daemon is unavailable.
type Service struct {
	*msync.BaseService

	cfg   config.SignalConfig
	store *store.Store

	mu          sync.Mutex
	conn        net.Conn
	spawnedPID  int
	daemonOwned bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	seenMu sync.Mutex
	seen   map[string]bool
}

// New constructs a Signal sync service.
func New(cfg config.SignalConfig, st *store.Store) (*Service, error) {
	if cfg.CLIPath == "" {
		cfg.CLIPath = "signal-cli"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 5
	}
	return &Service{
		BaseService: msync.NewBaseService("signal", msync.WithMode("daemon")),
		cfg:         cfg,
		store:       st,
		seen:        map[string]bool{},
	}, nil
}

func (s *Service) Start(ctx context.Context) error {
	if s.IsRunning() {
		return nil
	}
	if s.cfg.PhoneNumber != "" {
		if _, err := s.store.GetOrCreateAccount(store.AccountInput{
			ID: identity.BuildAccountID("signal", s.cfg.PhoneNumber), Name: "Me", IsSelf: true,
		}); err != nil {
			logger.WarnCF("signal", "register self account failed", map[string]any{"error": err.Error()})
		}
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.SetState(msync.StateConnecting)

	if s.cfg.PreferDaemon {
		if conn := s.dialDaemon(); conn != nil {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			s.SetState(msync.StatePrimaryLive)
			s.SetMode("daemon")
		} else if s.cfg.AutoStart {
			if err := s.startDaemon(); err != nil {
				logger.WarnCF("signal", "daemon autostart failed, falling back to CLI polling", map[string]any{"error": err.Error()})
			} else if conn := s.dialDaemon(); conn != nil {
				s.mu.Lock()
				s.conn = conn
				s.mu.Unlock()
				s.daemonOwned = true
				s.SetState(msync.StatePrimaryLive)
				s.SetMode("daemon")
			}
		}
	}

	s.SetRunning(true)
	s.MarkStarted(time.Now().UnixMilli())

	s.mu.Lock()
	haveConn := s.conn != nil
	s.mu.Unlock()

	s.wg.Add(1)
	if haveConn {
		logger.InfoC("signal", "connected to signal-cli daemon")
		s.Emit(msync.Event{Type: msync.EventConnected, Mode: "daemon"})
		go s.daemonLoop()
	} else {
		// CRITICAL: once a daemon owns the account database, the legacy
		// `signal-cli receive` CLI path cannot run concurrently against
		// it (the database is locked). Conversation preload is therefore
		// skipped outright in fallback mode too, since we can't tell
		// whether some other daemon instance already owns the DB; the
		// first poll tick will pick up anything pending.
		s.SetState(msync.StateFallbackLive)
		s.SetMode("polling")
		logger.InfoC("signal", "daemon unavailable, polling via signal-cli CLI")
		s.Emit(msync.Event{Type: msync.EventConnected, Mode: "polling"})
		go s.pollLoop()
	}

	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if !s.IsRunning() {
		return nil
	}
	logger.InfoC("signal", "stopping signal sync")
	s.SetRunning(false)
	s.DrainHandles()
	s.ClearSubscribers()
	if s.runCancel != nil {
		s.runCancel()
	}

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	owned := s.daemonOwned
	pid := s.spawnedPID
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if owned && pid != 0 && !s.cfg.KeepDaemon {
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Kill()
		}
	}
	s.wg.Wait()
	s.SetState(msync.StateStopped)
	return nil
}

func (s *Service) dialDaemon() net.Conn {
	addr := net.JoinHostPort(s.cfg.DaemonHost, strconv.Itoa(s.cfg.DaemonPort))
	conn, err := net.DialTimeout("tcp", addr, daemonDialTimeout)
	if err != nil {
		return nil
	}
	return conn
}

// startDaemon spawns `signal-cli -a <account> daemon --tcp host:port` and
// waits for its "Listening on" startup marker on the subprocess's
// combined output before declaring the daemon ready.
func (s *Service) startDaemon() error {
	args := []string{}
	if s.cfg.PhoneNumber != "" {
		args = append(args, "-a", s.cfg.PhoneNumber)
	}
	args = append(args, "daemon", "--tcp", net.JoinHostPort(s.cfg.DaemonHost, strconv.Itoa(s.cfg.DaemonPort)))

	bin := s.cfg.DaemonPath
	if bin == "" {
		bin = s.cfg.CLIPath
	}
	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: daemon stdout pipe: %v", syncerr.ErrIO, err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start signal-cli daemon: %v", syncerr.ErrIO, err)
	}

	ready := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), "Listening on") {
				close(ready)
				break
			}
		}
	}()

	select {
	case <-ready:
		s.mu.Lock()
		s.spawnedPID = cmd.Process.Pid
		s.mu.Unlock()
		return nil
	case <-time.After(daemonStartTimeout):
		_ = cmd.Process.Kill()
		return fmt.Errorf("%w: signal-cli daemon did not report ready within %s", syncerr.ErrTransport, daemonStartTimeout)
	}
}

// daemonLoop reads newline-delimited JSON envelopes off the persistent
// daemon connection and, on disconnect, hands control to reconnectLoop,
// which only redials while the connection is nil.
func (s *Service) daemonLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			s.handleLine(scanner.Bytes())
		}

		select {
		case <-s.runCtx.Done():
			return
		default:
		}

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		logger.WarnC("signal", "daemon connection lost, reconnecting")
		s.Emit(msync.Event{Type: msync.EventDisconnected})
		s.SetState(msync.StateReconnecting)
		s.reconnectLoop()
		return
	}
}

func (s *Service) reconnectLoop() {
	for {
		attempt := s.IncrementReconnectAttempts()
		if attempt > msync.DefaultMaxReconnectAttempts {
			// Daemon is gone for good; escalate to the CLI polling
			// fallback rather than giving up on the account.
			logger.WarnC("signal", "daemon reconnect budget exhausted, escalating to CLI polling")
			s.SetState(msync.StateFallbackLive)
			s.SetMode("polling")
			s.Emit(msync.Event{Type: msync.EventConnected, Mode: "polling"})
			s.wg.Add(1)
			go s.pollLoop()
			return
		}
		s.Emit(msync.Event{Type: msync.EventReconnecting, Attempt: attempt})

		select {
		case <-s.runCtx.Done():
			return
		case <-time.After(msync.DefaultBackoff.Delay(attempt)):
		}

		s.mu.Lock()
		hasConn := s.conn != nil
		s.mu.Unlock()
		if hasConn {
			return
		}

		if conn := s.dialDaemon(); conn != nil {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			s.SetState(msync.StatePrimaryLive)
			s.ResetReconnectAttempts()
			logger.InfoC("signal", "reconnected to signal-cli daemon")
			s.Emit(msync.Event{Type: msync.EventConnected, Mode: "daemon"})
			s.wg.Add(1)
			go s.daemonLoop()
			return
		}
		s.RecordError("")
	}
}

// pollLoop spawns `signal-cli receive -t <timeout>` every PollInterval
// seconds and parses its stdout as JSON lines, used when no daemon is
// reachable.
func (s *Service) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.PollInterval) * time.Second)
	defer ticker.Stop()

	s.receiveOnce()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			s.receiveOnce()
		}
	}
}

func (s *Service) receiveOnce() {
	args := []string{}
	if s.cfg.PhoneNumber != "" {
		args = append(args, "-a", s.cfg.PhoneNumber)
	}
	args = append(args, "receive", "-t", strconv.Itoa(s.cfg.ReceiveTimeout), "--json")

	cmd := exec.CommandContext(s.runCtx, s.cfg.CLIPath, args...)
	out, err := cmd.Output()
	if err != nil {
		if s.runCtx.Err() != nil {
			return
		}
		logger.WarnCF("signal", "signal-cli receive failed", map[string]any{"error": err.Error()})
		s.RecordError("")
		s.Emit(msync.Event{Type: msync.EventError, Err: err})
		return
	}

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		s.handleLine([]byte(line))
	}
}

// envelope mirrors the subset of signal-cli's JSON-RPC/receive envelope
// shape this service consumes: an incoming dataMessage, or a
// syncMessage.sentMessage echoing a message sent from another linked
// device of the same account.
type envelope struct {
	Envelope struct {
		Source       string       `json:"source"`
		SourceNumber string       `json:"sourceNumber"`
		SourceName   string       `json:"sourceName"`
		Timestamp    int64        `json:"timestamp"`
		DataMessage  *dataMessage `json:"dataMessage"`
		SyncMessage  *struct {
			SentMessage *dataMessage `json:"sentMessage"`
		} `json:"syncMessage"`
	} `json:"envelope"`
}

type dataMessage struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
	GroupInfo *struct {
		GroupID string `json:"groupId"`
	} `json:"groupInfo"`
	Destination string `json:"destination"`
}

func (s *Service) handleLine(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return
	}

	if dm := env.Envelope.DataMessage; dm != nil {
		s.ingest(env.Envelope.Source, env.Envelope.SourceNumber, env.Envelope.SourceName, dm, "incoming")
	}
	if env.Envelope.SyncMessage != nil && env.Envelope.SyncMessage.SentMessage != nil {
		peer := s.cfg.PhoneNumber
		s.ingest(peer, peer, "Me", env.Envelope.SyncMessage.SentMessage, "outgoing")
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

func (s *Service) ingest(sourceID, sourceNumber, sourceName string, dm *dataMessage, direction string) {
	if dm == nil {
		return
	}
	content := utils.SanitizeMessageContent(dm.Message)
	content = utils.Truncate(content, maxContentLen)
	if content == "" {
		return
	}

	peer := sourceNumber
	if peer == "" {
		peer = sourceID
	}
	if peer == "" {
		return
	}

	msgID := fmt.Sprintf("%s:%d", peer, dm.Timestamp)
	if s.markSeen(msgID) {
		return
	}

	accountID := identity.BuildAccountID("signal", peer)
	if _, err := s.store.GetOrCreateAccount(store.AccountInput{
		ID: accountID, Name: sourceName, IsSelf: direction == "outgoing",
	}); err != nil {
		s.RecordError(accountID)
		logger.ErrorCF("signal", "get_or_create_account failed", map[string]any{"error": err.Error()})
		return
	}

	// Conversation key is the group id for groups, else the peer phone.
	kind := "dm"
	convKey := peer
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		kind = "group"
		convKey = dm.GroupInfo.GroupID
	}
	threadID := "signal_dm_" + convKey
	if kind == "group" {
		threadID = "signal_group_" + convKey
	}
	if _, err := s.store.GetOrCreateThread(store.ThreadInput{
		ID: threadID, Type: kind,
		Source: store.ThreadSource{Platform: "signal", PlatformID: convKey},
	}); err != nil {
		s.RecordError(accountID)
		logger.ErrorCF("signal", "get_or_create_thread failed", map[string]any{"error": err.Error()})
		return
	}

	ts := dm.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	msg, err := s.store.CreateMessage(s.runCtx, store.MessageInput{
		Kind: store.KindSignal, AccountID: accountID,
		Author:    store.Author{Name: sourceName, Handle: peer},
		CreatedAt: ts, Content: content,
		Refs:   store.Refs{ThreadID: threadID},
		Source: store.Source{Platform: "signal", PlatformID: msgID},
		Tags:   []store.Tag{{Key: "direction", Value: direction}, {Key: "source", Value: "signal"}},
	}, store.CreateOptions{})
	if err != nil {
		s.RecordError(accountID)
		logger.ErrorCF("signal", "create_message failed", map[string]any{"error": err.Error()})
		return
	}
	s.RecordMessage(accountID, time.Now().UnixMilli())
	s.Emit(msync.Event{Type: msync.EventMessage, Account: accountID, Message: &msg})
}
