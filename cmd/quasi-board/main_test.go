package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSecretBootstrap(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".webhook_secret")

	secret, err := loadOrCreateWebhookSecret(path)
	require.NoError(t, err)
	require.Len(t, secret, 32)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := loadOrCreateWebhookSecret(path)
	require.NoError(t, err)
	assert.Equal(t, secret, again, "secret must be stable across restarts")
}

func TestWebhookSecretRejectsBadHex(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".webhook_secret")
	require.NoError(t, os.WriteFile(path, []byte("not-hex\n"), 0o600))

	_, err := loadOrCreateWebhookSecret(path)
	assert.Error(t, err)
}

func TestWebhookSecretRejectsWrongLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".webhook_secret")
	require.NoError(t, os.WriteFile(path, []byte("abcd\n"), 0o600))

	_, err := loadOrCreateWebhookSecret(path)
	assert.Error(t, err)
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"quasi-board", "frobnicate"}, &out, &errOut)
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"quasi-board", "help"}, &out, &errOut)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out.String(), "verify")
}

func TestRunVerifyFreshDataDir(t *testing.T) {
	t.Setenv("QUASI_DATA_DIR", t.TempDir())

	var out, errOut bytes.Buffer
	code := run([]string{"quasi-board", "verify"}, &out, &errOut)
	assert.Equal(t, exitOK, code, errOut.String())
	assert.Contains(t, out.String(), "ledger valid: 1 entries")
}
