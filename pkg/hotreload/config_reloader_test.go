package hotreload_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/apaku/tracetool/internal/config"
	"github.com/apaku/tracetool/pkg/hotreload"
	"github.com/apaku/tracetool/pkg/types"
)

func writeConfig(t *testing.T, path, logLevel string) {
	t.Helper()
	content := `
app:
  log_level: "` + logLevel + `"
server:
  producer_address: "127.0.0.1:7293"
  gui_address: "127.0.0.1:7294"
store:
  path: "live.db"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestReloaderAppliesLogLevelChange(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	writeConfig(t, configFile, "info")

	initial, err := config.Load(configFile)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cr, err := hotreload.NewConfigReloader(types.HotReloadConfig{Enabled: true, DebounceInterval: 10 * time.Millisecond}, configFile, initial, logger)
	require.NoError(t, err)

	changed := make(chan *types.Config, 1)
	cr.SetCallback(func(c *types.Config) { changed <- c })

	require.NoError(t, cr.Start())
	defer cr.Stop()

	writeConfig(t, configFile, "debug")

	select {
	case c := <-changed:
		require.Equal(t, "debug", c.App.LogLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}

	require.Equal(t, int64(1), cr.GetStats().ReloadsTotal)
}

func TestReloaderIgnoresUnrelatedChange(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	writeConfig(t, configFile, "info")

	initial, err := config.Load(configFile)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cr, err := hotreload.NewConfigReloader(types.HotReloadConfig{Enabled: true, DebounceInterval: 10 * time.Millisecond}, configFile, initial, logger)
	require.NoError(t, err)

	called := false
	cr.SetCallback(func(c *types.Config) { called = true })

	require.NoError(t, cr.Start())
	defer cr.Stop()

	// Rewrite the file with identical content; no reloadable field changed.
	writeConfig(t, configFile, "info")
	time.Sleep(200 * time.Millisecond)

	require.False(t, called)
}

func TestDisabledReloaderStartIsNoop(t *testing.T) {
	cr, err := hotreload.NewConfigReloader(types.HotReloadConfig{Enabled: false}, "unused.yaml", nil, nil)
	require.NoError(t, err)
	require.NoError(t, cr.Start())
	require.NoError(t, cr.Stop())
}
