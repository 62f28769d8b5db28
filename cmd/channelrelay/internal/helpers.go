package internal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyland-inc/channelrelay/pkg/config"
	"github.com/tinyland-inc/channelrelay/pkg/logger"
	"github.com/tinyland-inc/channelrelay/pkg/store"
	"github.com/tinyland-inc/channelrelay/pkg/store/memstore"
	"github.com/tinyland-inc/channelrelay/pkg/store/mongostore"
)

const Logo = "📡"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// ConfigPath is set by the root --config flag. Empty means the default path.
var ConfigPath string

func GetConfigPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".channelrelay", "config.json")
}

// LoadConfig reads the config and applies its logging section.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(GetConfigPath())
	if err != nil {
		return nil, err
	}
	ApplyLogging(cfg.Logging)
	return cfg, nil
}

func ApplyLogging(lc config.LoggingConfig) {
	level, ok := logger.ParseLevel(lc.Level)
	if !ok {
		logger.WarnCF("config", "Unknown log level, using info", map[string]any{"level": lc.Level})
	}
	logger.SetLevel(level)
	logger.SetOutput(os.Stderr, lc.JSON)
}

// OpenStore connects the configured storage driver.
func OpenStore(ctx context.Context, sc config.StorageConfig) (store.Store, error) {
	switch sc.Driver {
	case config.StorageMemory:
		logger.WarnC("store", "Using in-memory storage; state is lost on restart")
		return memstore.New(), nil
	case config.StorageMongo:
		s, err := mongostore.Open(ctx, sc.MongoURI, sc.Database)
		if err != nil {
			return nil, fmt.Errorf("error opening mongo store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func GetVersion() string {
	return version
}
