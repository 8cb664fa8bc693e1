package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"khatpos/internal/remote"
)

func TestLoadServerDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Empty(t, cfg.AuthSecret)
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, 8*time.Hour, cfg.TokenTTL)
}

func TestLoadServerReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AUTH_SECRET", "  a-very-long-secret-for-the-authority-api  ")
	t.Setenv("BALANCE_TTL", "45s")
	t.Setenv("REDIS_DB", "2")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, "a-very-long-secret-for-the-authority-api", cfg.AuthSecret)
	assert.Equal(t, 45*time.Second, cfg.BalanceTTL)
	assert.Equal(t, 2, cfg.RedisDB)
}

func TestLoadTerminalDefaults(t *testing.T) {
	t.Setenv("TERMINAL_ID", "till-7")

	cfg, err := LoadTerminal()
	require.NoError(t, err)
	assert.Equal(t, "till-7", cfg.AuthorityUsername)
	assert.Equal(t, "0.05", cfg.TaxRate.String())
	assert.Equal(t, remote.TargetHTTP, cfg.Target())
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Len(t, cfg.WeightFormat().Prefixes, 10)
}

func TestLoadTerminalCustomWeightPrefixes(t *testing.T) {
	t.Setenv("WEIGHT_PREFIXES", "21,22")
	t.Setenv("AUTHORITY_KIND", "direct")

	cfg, err := LoadTerminal()
	require.NoError(t, err)
	assert.Equal(t, []string{"21", "22"}, cfg.WeightFormat().Prefixes)
	assert.Equal(t, remote.TargetDirect, cfg.Target())
}

func TestLoadTerminalRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"TAX_RATE":        "1.5",
		"FUZZY_THRESHOLD": "0",
		"WEIGHT_PREFIXES": "2A",
		"AUTHORITY_KIND":  "grpc",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadTerminal()
			assert.Error(t, err)
		})
	}
}
