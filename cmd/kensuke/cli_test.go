package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kensuke/internal/storage"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	color.NoColor = true

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestAccountAddAndList(t *testing.T) {
	db := filepath.Join(t.TempDir(), "kensuke.db")

	stdout, _, err := executeCLI(t, "account", "add", "lobby", "--password", "secret", "--scopes", "stats,players:profile", "--database", db)
	require.NoError(t, err)
	assert.Contains(t, stdout, "account lobby registered")

	stdout, _, err = executeCLI(t, "account", "list", "--database", db)
	require.NoError(t, err)
	assert.Contains(t, stdout, "ACCOUNT")
	assert.Contains(t, stdout, "lobby")
	assert.Contains(t, stdout, "stats,profile")

	_, _, err = executeCLI(t, "account", "add", "lobby", "--password", "other", "--database", db)
	assert.ErrorIs(t, err, storage.ErrAccountExists)
}

func TestAccountAddRequiresPassword(t *testing.T) {
	db := filepath.Join(t.TempDir(), "kensuke.db")
	_, _, err := executeCLI(t, "account", "add", "lobby", "--database", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "password" not set`)
}

func TestAccountImportAndExport(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "kensuke.db")
	seed := filepath.Join(dir, "accounts.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`
accounts:
  - id: lobby
    password: secret
    allowedScopes: [stats, profile]
  - id: legacy
    passwordHash: f3bbbd66a63d4bf1747940578ec3d0103530e21d
    allowedScopes: [stats]
`), 0o600))

	stdout, _, err := executeCLI(t, "account", "import", seed, "--database", db)
	require.NoError(t, err)
	assert.Contains(t, stdout, "account lobby imported")
	assert.Contains(t, stdout, "account legacy imported")

	stdout, _, err = executeCLI(t, "account", "list", "--toml", "--database", db)
	require.NoError(t, err)

	var export struct {
		Accounts []storage.Account `toml:"accounts"`
	}
	require.NoError(t, toml.Unmarshal([]byte(stdout), &export))
	require.Len(t, export.Accounts, 2)

	byID := map[string]storage.Account{}
	for _, a := range export.Accounts {
		byID[a.ID] = a
	}
	assert.True(t, storage.VerifyPassword(byID["lobby"].PasswordHash, "secret"))
	assert.True(t, storage.VerifyPassword(byID["legacy"].PasswordHash, "hunter2"))
	assert.ElementsMatch(t, []string{"stats", "profile"}, byID["lobby"].AllowedScopes)
	assert.Equal(t, []string{"stats"}, byID["legacy"].AllowedScopes)
}

func TestAccountImportRejectsMissingPassword(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "accounts.yaml")
	require.NoError(t, os.WriteFile(seed, []byte("accounts:\n  - id: lobby\n"), 0o600))

	_, _, err := executeCLI(t, "account", "import", seed, "--database", filepath.Join(dir, "kensuke.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password or passwordHash is required")
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(newAPIServer(newFakeSource()).routes())
	defer srv.Close()

	stdout, _, err := executeCLI(t, "status", "--api", srv.URL, "--sessions")
	require.NoError(t, err)
	assert.Contains(t, stdout, "kensuke")
	assert.Contains(t, stdout, "nodes: 1")
	assert.Contains(t, stdout, "lobby-1")
	assert.Contains(t, stdout, "5 documents")
	assert.Contains(t, stdout, "s1")
}

func TestStatusCommandUnreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	_, _, err := executeCLI(t, "status", "--api", url)
	assert.Error(t, err)
}

func TestConfigCommand(t *testing.T) {
	stdout, _, err := executeCLI(t, "config", "--database", "/tmp/other.db")
	require.NoError(t, err)
	assert.Contains(t, stdout, "listen")
	assert.Contains(t, stdout, "/tmp/other.db")
	assert.Contains(t, stdout, "[keepalive]")
}
