package internal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/channelrelay/pkg/config"
	"github.com/tinyland-inc/channelrelay/pkg/logger"
	"github.com/tinyland-inc/channelrelay/pkg/store/memstore"
)

func TestGetConfigPath(t *testing.T) {
	t.Cleanup(func() { ConfigPath = "" })

	ConfigPath = ""
	assert.True(t, strings.HasSuffix(GetConfigPath(), filepath.Join(".channelrelay", "config.json")))

	ConfigPath = "/etc/channelrelay.json"
	assert.Equal(t, "/etc/channelrelay.json", GetConfigPath())
}

func TestLoadConfig_AppliesLogging(t *testing.T) {
	prev := logger.GetLevel()
	t.Cleanup(func() {
		ConfigPath = ""
		logger.SetLevel(prev)
		logger.SetOutput(os.Stderr, false)
	})

	path := filepath.Join(t.TempDir(), "config.json")
	cfg := config.DefaultConfig()
	cfg.Telegram.Token = "123:abc"
	cfg.Telegram.AdminIDs = config.FlexibleStringSlice{"42"}
	cfg.Storage.Driver = config.StorageMemory
	cfg.Logging.Level = "debug"
	require.NoError(t, config.SaveConfig(path, cfg))

	ConfigPath = path
	loaded, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.StorageMemory, loaded.Storage.Driver)
	assert.Equal(t, logger.DEBUG, logger.GetLevel())
}

func TestOpenStore_Memory(t *testing.T) {
	s, err := OpenStore(context.Background(), config.StorageConfig{Driver: config.StorageMemory})
	require.NoError(t, err)
	assert.IsType(t, &memstore.Store{}, s)
	assert.NoError(t, s.Close(context.Background()))
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), config.StorageConfig{Driver: "sqlite"})
	assert.Error(t, err)
}

func TestFormatVersion(t *testing.T) {
	t.Cleanup(func() { gitCommit = "" })
	assert.Equal(t, "dev", FormatVersion())
	gitCommit = "abc123"
	assert.Equal(t, "dev (git: abc123)", FormatVersion())
}
