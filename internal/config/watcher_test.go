package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lorachat/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestConfigWatcher_Start_InvalidPath(t *testing.T) {
	watcher := NewConfigWatcher("/nonexistent/config.json", nil, quietLogger())

	err := watcher.Start(context.Background())
	assert.Error(t, err)
}

func TestConfigWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0600))

	initial, err := LoadConfig(path)
	require.NoError(t, err)

	watcher := NewConfigWatcher(path, initial, quietLogger())
	watcher.interval = 10 * time.Millisecond

	changed := make(chan Change, 1)
	watcher.OnConfigChange(func(Change) { panic("callback failure is contained") })
	watcher.OnConfigChange(func(c Change) { changed <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- watcher.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	updated := `{
		"database": {"path": "lorachat.db"},
		"radio": {"driver": "exec", "command": "lora-send"},
		"log_level": "warn"
	}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case c := <-changed:
		assert.True(t, c.LogLevel)
		assert.False(t, c.SendRate)
		assert.Equal(t, "warn", c.New.LogLevel)
		assert.Equal(t, []string{"radio"}, c.RestartRequired)
	case <-time.After(2 * time.Second):
		t.Fatal("config change callback was not invoked")
	}
	assert.Equal(t, "warn", watcher.GetConfig().LogLevel)

	cancel()
	assert.NoError(t, <-done)
}

func TestConfigWatcher_KeepsConfigOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0600))
	initial, err := LoadConfig(path)
	require.NoError(t, err)

	watcher := NewConfigWatcher(path, initial, quietLogger())
	require.NoError(t, os.WriteFile(path, []byte(`{"broken`), 0600))

	watcher.reloadConfig()

	assert.Same(t, initial, watcher.GetConfig())
}

func TestDiff(t *testing.T) {
	base := func() *models.Config {
		return &models.Config{
			LogLevel:      "info",
			RetentionDays: 30,
			Server:        models.ServerConfig{Port: 8080, SendRatePerMinute: 60},
			Radio:         models.RadioConfig{Driver: models.RadioDriverNone},
		}
	}

	t.Run("no change", func(t *testing.T) {
		c := Diff(base(), base())
		assert.False(t, c.Live())
		assert.Empty(t, c.RestartRequired)
	})

	t.Run("runtime settings", func(t *testing.T) {
		next := base()
		next.Server.SendRatePerMinute = 10
		next.RetentionDays = 7
		c := Diff(base(), next)
		assert.True(t, c.Live())
		assert.True(t, c.SendRate)
		assert.True(t, c.Retention)
		assert.False(t, c.LogLevel)
		assert.Empty(t, c.RestartRequired)
	})

	t.Run("restart settings", func(t *testing.T) {
		next := base()
		next.Server.Port = 9090
		next.Checksum.Secret = "rotated"
		c := Diff(base(), next)
		assert.False(t, c.Live())
		assert.Equal(t, []string{"server.port", "checksum.secret"}, c.RestartRequired)
	})

	t.Run("nil old", func(t *testing.T) {
		c := Diff(nil, base())
		assert.False(t, c.Live())
		assert.Nil(t, c.Old)
		assert.NotNil(t, c.New)
	})
}

func TestConfigWatcher_SkipsCallbacksWithoutLiveChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0600))
	initial, err := LoadConfig(path)
	require.NoError(t, err)

	watcher := NewConfigWatcher(path, initial, quietLogger())
	called := false
	watcher.OnConfigChange(func(Change) { called = true })

	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": 9191},
		"database": {"path": "lorachat.db"},
		"radio": {"driver": "exec", "command": "python3 lora_send.py", "inboxCommand": "python3 lora_read.py"}
	}`), 0600))
	watcher.reloadConfig()

	assert.False(t, called)
	assert.Equal(t, 9191, watcher.GetConfig().Server.Port)
}
