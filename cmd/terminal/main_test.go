package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATA_PATH", filepath.Join(t.TempDir(), "terminal.db"))
	t.Setenv("AUTHORITY_KIND", "direct")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TERMINAL_ID", "terminal-01")
	t.Setenv("LOG_LEVEL", "error")
}

func runApp(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	app := newApp()
	app.Writer = out
	app.ErrWriter = out
	app.Reader = strings.NewReader(input)
	err := app.Run(append([]string{"khatpos-terminal"}, args...))
	return out.String(), err
}

func TestConsoleSaleSurvivesAndSyncs(t *testing.T) {
	setupEnv(t)

	out, err := runApp(t, "", "catalog", "refresh")
	require.NoError(t, err)
	assert.Contains(t, out, "catalog refreshed: 9 products")

	out, err = runApp(t, "6291003000012\npay cash\nquit\n", "run")
	require.NoError(t, err)
	assert.Contains(t, out, "0.630 cash")

	_, err = runApp(t, "", "sync")
	require.NoError(t, err)

	out, err = runApp(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "0 pending")
}

func TestStaffAddRejectsWeakPIN(t *testing.T) {
	setupEnv(t)

	_, err := runApp(t, "", "staff", "add", "--username", "omar", "--role", "manager", "--pin", "123456")
	require.Error(t, err)

	out, err := runApp(t, "", "staff", "add", "--username", "omar", "--role", "manager", "--pin", "739154")
	require.NoError(t, err)
	assert.Contains(t, out, "staff omar saved as manager")

	_, err = runApp(t, "", "staff", "add", "--username", "omar", "--role", "admin", "--pin", "739154")
	assert.Error(t, err)
}

func TestLedgerCommands(t *testing.T) {
	setupEnv(t)

	out, err := runApp(t, "", "ledger", "pay", "96891234567", "1.500")
	require.NoError(t, err)
	assert.Contains(t, out, "received 1.500 from Khalid Al Harthy, balance -1.500")

	out, err = runApp(t, "", "ledger", "balance", "cus-0001")
	require.NoError(t, err)
	assert.Contains(t, out, "owes -1.500")

	out, err = runApp(t, "", "ledger", "history", "96891234567")
	require.NoError(t, err)
	assert.Contains(t, out, "payment")
	assert.Contains(t, out, "manual")

	out, err = runApp(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "1 pending")

	_, err = runApp(t, "", "ledger", "balance")
	assert.Error(t, err)
}
