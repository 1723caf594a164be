// Package config loads the archivist's typed configuration from an
// optional JSON file, overlaid with environment variables via struct
// tags.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config is the archivist's full typed configuration.
type Config struct {
	Storage  StorageConfig  `json:"storage"`
	Email    EmailConfig    `json:"email"`
	SMS      SMSConfig      `json:"sms"`
	Signal   SignalConfig   `json:"signal"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Discord  DiscordConfig  `json:"discord"`
	HTTP     HTTPConfig     `json:"http"`
}

// StorageConfig locates the event log, content store, and view
// collections on disk.
type StorageConfig struct {
	BaseDir string `json:"base_dir" env:"MESSAGEARC_STORAGE_BASE_DIR"`
}

// EmailAccountConfig is one IMAP mailbox to sync, discovered dynamically
// by ScanIMAPAccounts rather than declared as a static struct field;
// an operator can configure an arbitrary number of mailboxes by prefix.
type EmailAccountConfig struct {
	Prefix       string `json:"prefix"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	UseTLS       bool   `json:"use_tls"`
	PollInterval int    `json:"poll_interval_seconds"`
}

// EmailConfig wraps the dynamically scanned account list plus a fallback
// poll interval used by accounts that don't override it.
type EmailConfig struct {
	Accounts            []EmailAccountConfig `json:"accounts,omitempty"`
	DefaultPollInterval int                   `json:"default_poll_interval_seconds" env:"MESSAGEARC_EMAIL_DEFAULT_POLL_INTERVAL_SECONDS"`
}

// SMSConfig configures the D-Bus mobile bridge connection used to mirror
// a paired phone's SMS/MMS conversations.
type SMSConfig struct {
	Enabled       bool   `json:"enabled"        env:"MESSAGEARC_SMS_ENABLED"`
	BusName       string `json:"bus_name"       env:"MESSAGEARC_SMS_BUS_NAME"`
	ObjectPath    string `json:"object_path"    env:"MESSAGEARC_SMS_OBJECT_PATH"`
	Interface     string `json:"interface"      env:"MESSAGEARC_SMS_INTERFACE"`
	PollInterval  int    `json:"poll_interval_seconds" env:"MESSAGEARC_SMS_POLL_INTERVAL_SECONDS"`
	SelfAccountID string `json:"self_account_id" env:"MESSAGEARC_SMS_SELF_ACCOUNT_ID"`
}

// SignalConfig configures the signal-cli daemon connection (or CLI
// fallback) used to mirror a linked Signal account.
type SignalConfig struct {
	Enabled        bool   `json:"enabled"               env:"MESSAGEARC_SIGNAL_ENABLED"`
	DaemonHost     string `json:"daemon_host"           env:"MESSAGEARC_SIGNAL_DAEMON_HOST"`
	DaemonPort     int    `json:"daemon_port"           env:"MESSAGEARC_SIGNAL_DAEMON_PORT"`
	PreferDaemon   bool   `json:"prefer_daemon"         env:"MESSAGEARC_SIGNAL_PREFER_DAEMON"`
	AutoStart      bool   `json:"auto_start"            env:"MESSAGEARC_SIGNAL_AUTO_START"`
	DaemonPath     string `json:"daemon_path"           env:"MESSAGEARC_SIGNAL_DAEMON_PATH"`
	CLIPath        string `json:"cli_path"              env:"MESSAGEARC_SIGNAL_CLI_PATH"`
	PhoneNumber    string `json:"phone_number"          env:"MESSAGEARC_SIGNAL_PHONE_NUMBER"`
	KeepDaemon     bool   `json:"keep_daemon"           env:"MESSAGEARC_SIGNAL_KEEP_DAEMON"`
	PollInterval   int    `json:"poll_interval_seconds" env:"MESSAGEARC_SIGNAL_POLL_INTERVAL_SECONDS"`
	ReceiveTimeout int    `json:"receive_timeout_seconds" env:"MESSAGEARC_SIGNAL_RECEIVE_TIMEOUT_SECONDS"`
}

// WhatsAppConfig configures the native whatsmeow multi-device connection.
type WhatsAppConfig struct {
	Enabled          bool   `json:"enabled"            env:"MESSAGEARC_WHATSAPP_ENABLED"`
	SessionStorePath string `json:"session_store_path" env:"MESSAGEARC_WHATSAPP_SESSION_STORE_PATH"`
	SelfAccountID    string `json:"self_account_id"    env:"MESSAGEARC_WHATSAPP_SELF_ACCOUNT_ID"`
}

// DiscordConfig configures the discordgo gateway connection.
type DiscordConfig struct {
	Enabled bool   `json:"enabled" env:"MESSAGEARC_DISCORD_ENABLED"`
	Token   string `json:"token"   env:"MESSAGEARC_DISCORD_TOKEN"`
}

// HTTPConfig configures the operational status endpoint. An empty Addr
// disables it.
type HTTPConfig struct {
	Addr string `json:"addr" env:"MESSAGEARC_HTTP_ADDR"`
}

// DefaultConfig returns a Config with every non-secret field at its
// documented default.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{BaseDir: "./data"},
		Email:   EmailConfig{DefaultPollInterval: 300},
		SMS:     SMSConfig{BusName: "org.messagearc.MobileBridge", ObjectPath: "/org/messagearc/MobileBridge", Interface: "org.messagearc.MobileBridge1", PollInterval: 30},
		Signal:  SignalConfig{DaemonHost: "127.0.0.1", DaemonPort: 7583, PreferDaemon: true, AutoStart: true, PollInterval: 10, ReceiveTimeout: 5},
		HTTP:    HTTPConfig{Addr: ":8080"},
	}
}

// LoadConfig reads an optional JSON config file, falling back to
// DefaultConfig if path does not exist, then overlays environment
// variables via struct tags, then scans the environment for dynamically
// named IMAP account variables.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: env overlay: %w", err)
	}

	accounts, err := ScanIMAPAccounts(os.Environ())
	if err != nil {
		return nil, fmt.Errorf("config: scan IMAP accounts: %w", err)
	}
	if len(accounts) > 0 {
		cfg.Email.Accounts = accounts
	}
	for i := range cfg.Email.Accounts {
		if cfg.Email.Accounts[i].PollInterval == 0 {
			cfg.Email.Accounts[i].PollInterval = cfg.Email.DefaultPollInterval
		}
	}

	return cfg, nil
}

// ScanIMAPAccounts discovers
// IMAP_<PREFIX>_{HOST,PORT,USER,PASSWORD,USE_TLS,POLL_INTERVAL} variables in environ and groups them by <PREFIX> into one
// EmailAccountConfig per prefix. No static struct can express an unknown
// set of mailbox prefixes an operator may configure, so this is the one
// genuinely dynamic piece of an otherwise static, tag-driven config
// surface.
func ScanIMAPAccounts(environ []string) ([]EmailAccountConfig, error) {
	const prefix = "IMAP_"
	byAccount := map[string]*EmailAccountConfig{}

	for _, kv := range environ {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]

		rest := key[len(prefix):]
		var account, field string
		for _, f := range []string{"POLL_INTERVAL", "USE_TLS", "PASSWORD", "HOST", "PORT", "USER"} {
			if len(rest) > len(f)+1 && strings.HasSuffix(rest, "_"+f) {
				account, field = rest[:len(rest)-len(f)-1], f
				break
			}
		}
		if field == "" {
			continue
		}

		acc, ok := byAccount[account]
		if !ok {
			acc = &EmailAccountConfig{Prefix: account}
			byAccount[account] = acc
		}

		switch field {
		case "HOST":
			acc.Host = value
		case "PORT":
			var port int
			if _, err := fmt.Sscanf(value, "%d", &port); err != nil {
				return nil, fmt.Errorf("config: %s: invalid port %q", key, value)
			}
			acc.Port = port
		case "USER":
			acc.Username = value
		case "PASSWORD":
			acc.Password = value
		case "USE_TLS":
			acc.UseTLS = value == "1" || strings.EqualFold(value, "true")
		case "POLL_INTERVAL":
			var interval int
			if _, err := fmt.Sscanf(value, "%d", &interval); err != nil {
				return nil, fmt.Errorf("config: %s: invalid interval %q", key, value)
			}
			acc.PollInterval = interval
		}
	}

	names := make([]string, 0, len(byAccount))
	for name := range byAccount {
		names = append(names, name)
	}
	sort.Strings(names)

	accounts := make([]EmailAccountConfig, 0, len(names))
	for _, name := range names {
		acc := byAccount[name]
		if acc.Host == "" || acc.Username == "" {
			return nil, fmt.Errorf("config: IMAP account %q missing required HOST/USER", name)
		}
		if acc.Port == 0 {
			acc.Port = 993
		}
		accounts = append(accounts, *acc)
	}
	return accounts, nil
}
