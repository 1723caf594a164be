// Command archivist is the process entrypoint: it loads configuration,
// opens the message store, starts every enabled platform sync service
// from the pkg/sync registry, and serves an optional HTTP status
// endpoint. One platform failing to start never aborts the rest.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed-labs/messagearc/pkg/config"
	"github.com/sipeed-labs/messagearc/pkg/logger"
	msync "github.com/sipeed-labs/messagearc/pkg/sync"
	_ "github.com/sipeed-labs/messagearc/pkg/sync/discord"
	_ "github.com/sipeed-labs/messagearc/pkg/sync/email"
	_ "github.com/sipeed-labs/messagearc/pkg/sync/signal"
	_ "github.com/sipeed-labs/messagearc/pkg/sync/sms"
	_ "github.com/sipeed-labs/messagearc/pkg/sync/whatsapp"
	"github.com/sipeed-labs/messagearc/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file (optional)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.FatalCF("archivist", "load config failed", map[string]any{"error": err.Error()})
	}

	st, err := store.Open(cfg.Storage.BaseDir, nil)
	if err != nil {
		logger.FatalCF("archivist", "open store failed", map[string]any{"error": err.Error()})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services := startServices(ctx, cfg, st)

	var httpSrv *http.Server
	if cfg.HTTP.Addr != "" {
		httpSrv = startStatusServer(cfg.HTTP.Addr, services, st)
	}

	logger.InfoCF("archivist", "started", map[string]any{"services": len(services)})
	<-ctx.Done()

	logger.InfoC("archivist", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if httpSrv != nil {
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	for name, svc := range services {
		if err := svc.Stop(shutdownCtx); err != nil {
			logger.ErrorCF("archivist", "service stop failed", map[string]any{"service": name, "error": err.Error()})
		}
	}
}

// enabledPlatforms reports which registered factories this config turns
// on. Email has no single Enabled flag; it's considered enabled when at
// least one IMAP account was configured/discovered.
func enabledPlatforms(cfg *config.Config) []string {
	var names []string
	if len(cfg.Email.Accounts) > 0 {
		names = append(names, "email")
	}
	if cfg.SMS.Enabled {
		names = append(names, "sms")
	}
	if cfg.Signal.Enabled {
		names = append(names, "signal")
	}
	if cfg.WhatsApp.Enabled {
		names = append(names, "whatsapp")
	}
	if cfg.Discord.Enabled {
		names = append(names, "discord")
	}
	return names
}

// startServices instantiates and starts every enabled platform service:
// look up the factory, construct, start, log-and-continue on failure. A
// single platform failing to start never aborts the rest.
func startServices(ctx context.Context, cfg *config.Config, st *store.Store) map[string]msync.Service {
	services := make(map[string]msync.Service)
	deps := msync.Deps{Store: st, Config: cfg}

	for _, name := range enabledPlatforms(cfg) {
		factory, ok := msync.GetFactory(name)
		if !ok {
			logger.WarnCF("archivist", "no factory registered for platform", map[string]any{"platform": name})
			continue
		}
		svc, err := factory(deps)
		if err != nil {
			logger.ErrorCF("archivist", "construct service failed", map[string]any{"platform": name, "error": err.Error()})
			continue
		}
		if err := svc.Start(ctx); err != nil {
			logger.ErrorCF("archivist", "start service failed", map[string]any{"platform": name, "error": err.Error()})
			continue
		}
		services[name] = svc
		logger.InfoCF("archivist", "service started", map[string]any{"platform": name})
	}
	return services
}

// statsResponse is the JSON body served at GET /stats.
type statsResponse struct {
	Services map[string]msync.Stats `json:"services"`
	Store    *store.Stats           `json:"store,omitempty"`
}

func snapshotStats(services map[string]msync.Service, st *store.Store) statsResponse {
	resp := statsResponse{Services: make(map[string]msync.Stats, len(services))}
	for name, svc := range services {
		resp.Services[name] = svc.GetStats()
	}
	if stats, err := st.GetStats(); err == nil {
		resp.Store = &stats
	}
	return resp
}

var statsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const statsPushInterval = 2 * time.Second

// startStatusServer serves GET /stats (one-shot JSON snapshot), GET
// /healthz, and GET /stats/ws, a websocket that pushes a fresh
// snapshot every statsPushInterval for live monitoring.
func startStatusServer(addr string, services map[string]msync.Service, st *store.Store) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshotStats(services, st))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/stats/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := statsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WarnCF("archivist", "stats websocket upgrade failed", map[string]any{"error": err.Error()})
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(statsPushInterval)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteJSON(snapshotStats(services, st)); err != nil {
				return
			}
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("archivist", "status server failed", map[string]any{"error": err.Error()})
		}
	}()
	logger.InfoCF("archivist", "status server listening", map[string]any{"addr": addr})
	return srv
}
