package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Lina4Life/passionart-sub000/internal/config"
	"github.com/Lina4Life/passionart-sub000/internal/message"
	"github.com/Lina4Life/passionart-sub000/internal/store"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		cfgFile = ""
		historyFlags.limit = message.DefaultHistoryLimit
		historyFlags.before = ""
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("CHAT_RATE_LIMIT_BURST", "11")

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(execute(t, "config")), &cfg))
	assert.Equal(t, 11, cfg.RateLimit.Burst)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestHistoryCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	t.Setenv("CHAT_STORE_DRIVER", store.DriverSQLite)
	t.Setenv("CHAT_STORE_PATH", path)

	backend, err := store.New(store.Config{Driver: store.DriverSQLite, Path: path}, zerolog.Nop())
	require.NoError(t, err)
	base := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	for i, body := range []string{"first", "second"} {
		require.NoError(t, backend.Append(context.Background(), message.Message{
			ID:     "m" + body,
			Room:   "general",
			Sender: message.Sender{Name: "ada"},
			Body:   body,
			Kind:   message.KindText,
			SentAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, backend.Close())

	out := execute(t, "history", "general")
	assert.Contains(t, out, "ada")
	assert.Less(t, bytes.Index([]byte(out), []byte("first")), bytes.Index([]byte(out), []byte("second")))

	out = execute(t, "history", "general", "--before", base.Add(30*time.Second).Format(time.RFC3339))
	assert.Contains(t, out, "first")
	assert.NotContains(t, out, "second")
}
