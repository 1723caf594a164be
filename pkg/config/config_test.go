package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanIMAPAccountsGroupsByPrefix(t *testing.T) {
	environ := []string{
		"IMAP_WORK_HOST=imap.work.example.com",
		"IMAP_WORK_USER=alice@work.example.com",
		"IMAP_WORK_PASSWORD=hunter2",
		"IMAP_WORK_PORT=993",
		"IMAP_PERSONAL_HOST=imap.personal.example.com",
		"IMAP_PERSONAL_USER=alice@personal.example.com",
		"IMAP_PERSONAL_PASSWORD=swordfish",
		"UNRELATED_VAR=ignored",
	}

	accounts, err := ScanIMAPAccounts(environ)
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, "PERSONAL", accounts[0].Prefix, "accounts should be sorted by prefix")
	assert.Equal(t, "WORK", accounts[1].Prefix)
	assert.Equal(t, 993, accounts[1].Port, "explicit port should be honored")
	assert.Equal(t, 993, accounts[0].Port, "missing port should default to 993")
	assert.Equal(t, "alice@personal.example.com", accounts[0].Username)
}

func TestScanIMAPAccountsMissingRequiredField(t *testing.T) {
	_, err := ScanIMAPAccounts([]string{"IMAP_BROKEN_HOST=imap.example.com"})
	require.Error(t, err, "account missing USER should be rejected")
}

func TestLoadConfigAppliesDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.Storage.BaseDir)
	assert.Equal(t, 7583, cfg.Signal.DaemonPort)
	assert.True(t, cfg.Signal.PreferDaemon)
}
