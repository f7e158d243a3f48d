package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("OPERATOR_TOKEN_HASH", "$2a$10$abcdefghijklmnopqrstuu5Yc0b1o6P9n0pX7jY2QzH5mJ6Q5y2Wm")
	t.Setenv("GUARD_FALLBACKS", "clock_in:false,delete_document:true")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, DispatchInline, cfg.ConflictDispatch)
	require.Equal(t, 30*time.Minute, cfg.PreviewTTL)
	require.Equal(t, time.Hour, cfg.ImpersonationTTL)
	require.Equal(t, "authz.rules.changed", cfg.RulesChannel)
	require.Equal(t, map[string]bool{"clock_in": false, "delete_document": true}, cfg.GuardFallbacks)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRequiresOperatorHash(t *testing.T) {
	t.Setenv("OPERATOR_TOKEN_HASH", "")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{OperatorTokenHash: "x", ConflictDispatch: "kafka", PreviewTTL: time.Minute, ImpersonationTTL: time.Minute}
	require.ErrorContains(t, cfg.Validate(), "conflict dispatch")

	cfg.ConflictDispatch = DispatchQueue
	require.NoError(t, cfg.Validate())

	cfg.PreviewTTL = 0
	require.Error(t, cfg.Validate())
}
