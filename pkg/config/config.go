package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

const (
	StorageMongo  = "mongo"
	StorageMemory = "memory"

	RelayModeCopy    = "copy"
	RelayModeForward = "forward"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so admin_ids can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Storage   StorageConfig   `json:"storage"`
	Relay     RelayConfig     `json:"relay"`
	Approval  ApprovalConfig  `json:"approval"`
	Retention RetentionConfig `json:"retention"`
	Bulk      BulkConfig      `json:"bulk"`
	Logging   LoggingConfig   `json:"logging"`
}

type TelegramConfig struct {
	Token       string              `env:"CHANNELRELAY_TELEGRAM_TOKEN"        json:"token"`
	Proxy       string              `env:"CHANNELRELAY_TELEGRAM_PROXY"        json:"proxy"`
	AdminIDs    FlexibleStringSlice `env:"CHANNELRELAY_TELEGRAM_ADMIN_IDS"    json:"admin_ids"`
	PollTimeout int                 `env:"CHANNELRELAY_TELEGRAM_POLL_TIMEOUT" json:"poll_timeout"` // seconds
}

type StorageConfig struct {
	Driver   string `env:"CHANNELRELAY_STORAGE_DRIVER"    json:"driver"`
	MongoURI string `env:"CHANNELRELAY_STORAGE_MONGO_URI" json:"mongo_uri"`
	Database string `env:"CHANNELRELAY_STORAGE_DATABASE"  json:"database"`
}

type RelayConfig struct {
	Mode            string `env:"CHANNELRELAY_RELAY_MODE"              json:"mode"`
	SendDelayMs     int    `env:"CHANNELRELAY_RELAY_SEND_DELAY_MS"     json:"send_delay_ms"`
	AlbumSettleMs   int    `env:"CHANNELRELAY_RELAY_ALBUM_SETTLE_MS"   json:"album_settle_ms"`
	AlbumStaleMs    int    `env:"CHANNELRELAY_RELAY_ALBUM_STALE_MS"    json:"album_stale_ms"`
	SweepIntervalMs int    `env:"CHANNELRELAY_RELAY_SWEEP_INTERVAL_MS" json:"sweep_interval_ms"`
}

func (r RelayConfig) SendDelay() time.Duration   { return time.Duration(r.SendDelayMs) * time.Millisecond }
func (r RelayConfig) AlbumSettle() time.Duration { return time.Duration(r.AlbumSettleMs) * time.Millisecond }
func (r RelayConfig) AlbumStale() time.Duration  { return time.Duration(r.AlbumStaleMs) * time.Millisecond }
func (r RelayConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalMs) * time.Millisecond
}

type ApprovalConfig struct {
	Enabled    bool   `env:"CHANNELRELAY_APPROVAL_ENABLED"      json:"enabled"`
	Schedule   string `env:"CHANNELRELAY_APPROVAL_SCHEDULE"     json:"schedule"`
	RunOnStart bool   `env:"CHANNELRELAY_APPROVAL_RUN_ON_START" json:"run_on_start"`
	PageSize   int    `env:"CHANNELRELAY_APPROVAL_PAGE_SIZE"    json:"page_size"`
	DelayMs    int    `env:"CHANNELRELAY_APPROVAL_DELAY_MS"     json:"delay_ms"`
}

func (a ApprovalConfig) Delay() time.Duration { return time.Duration(a.DelayMs) * time.Millisecond }

type RetentionConfig struct {
	Enabled     bool   `env:"CHANNELRELAY_RETENTION_ENABLED"      json:"enabled"`
	Schedule    string `env:"CHANNELRELAY_RETENTION_SCHEDULE"     json:"schedule"`
	LedgerDays  int    `env:"CHANNELRELAY_RETENTION_LEDGER_DAYS"  json:"ledger_days"`
	MappingDays int    `env:"CHANNELRELAY_RETENTION_MAPPING_DAYS" json:"mapping_days"` // 0 keeps copies forever
}

// BulkConfig bounds background approval and cleanup runs.
type BulkConfig struct {
	MaxRunMinutes int `env:"CHANNELRELAY_BULK_MAX_RUN_MINUTES" json:"max_run_minutes"` // 0 disables the limit
}

func (b BulkConfig) MaxRun() time.Duration { return time.Duration(b.MaxRunMinutes) * time.Minute }

type LoggingConfig struct {
	Level string `env:"CHANNELRELAY_LOGGING_LEVEL" json:"level"`
	JSON  bool   `env:"CHANNELRELAY_LOGGING_JSON"  json:"json"`
}

func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			AdminIDs:    FlexibleStringSlice{},
			PollTimeout: 30,
		},
		Storage: StorageConfig{
			Driver:   StorageMongo,
			MongoURI: "mongodb://localhost:27017",
			Database: "channelrelay",
		},
		Relay: RelayConfig{
			Mode:            RelayModeCopy,
			SendDelayMs:     500,
			AlbumSettleMs:   1500,
			AlbumStaleMs:    15000,
			SweepIntervalMs: 5000,
		},
		Approval: ApprovalConfig{
			Enabled:    true,
			Schedule:   "0 3 * * *",
			RunOnStart: true,
			PageSize:   100,
			DelayMs:    500,
		},
		Retention: RetentionConfig{
			Enabled:     true,
			Schedule:    "30 4 * * *",
			LedgerDays:  7,
			MappingDays: 0,
		},
		Bulk: BulkConfig{
			MaxRunMinutes: 180,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks every section and joins all problems into one error.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if len(c.Telegram.AdminIDs) == 0 {
		errs = append(errs, errors.New("telegram.admin_ids must list at least one administrator"))
	}

	switch c.Storage.Driver {
	case StorageMongo:
		if c.Storage.MongoURI == "" {
			errs = append(errs, errors.New("storage.mongo_uri is required for the mongo driver"))
		}
		if c.Storage.Database == "" {
			errs = append(errs, errors.New("storage.database is required for the mongo driver"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of %q, %q",
			c.Storage.Driver, StorageMongo, StorageMemory))
	}

	switch c.Relay.Mode {
	case RelayModeCopy, RelayModeForward:
	default:
		errs = append(errs, fmt.Errorf("relay.mode %q is not one of %q, %q",
			c.Relay.Mode, RelayModeCopy, RelayModeForward))
	}
	if c.Relay.SendDelayMs < 0 {
		errs = append(errs, errors.New("relay.send_delay_ms must not be negative"))
	}
	if c.Relay.AlbumSettleMs <= 0 {
		errs = append(errs, errors.New("relay.album_settle_ms must be positive"))
	}
	if c.Relay.AlbumStaleMs <= c.Relay.AlbumSettleMs {
		errs = append(errs, errors.New("relay.album_stale_ms must be longer than relay.album_settle_ms"))
	}
	if c.Relay.SweepIntervalMs <= 0 {
		errs = append(errs, errors.New("relay.sweep_interval_ms must be positive"))
	}

	cron := gronx.New()
	if c.Approval.Enabled && !cron.IsValid(c.Approval.Schedule) {
		errs = append(errs, fmt.Errorf("approval.schedule %q is not a valid cron expression", c.Approval.Schedule))
	}
	if c.Approval.PageSize <= 0 || c.Approval.PageSize > 100 {
		errs = append(errs, errors.New("approval.page_size must be between 1 and 100"))
	}
	if c.Approval.DelayMs < 0 {
		errs = append(errs, errors.New("approval.delay_ms must not be negative"))
	}

	if c.Retention.Enabled && !cron.IsValid(c.Retention.Schedule) {
		errs = append(errs, fmt.Errorf("retention.schedule %q is not a valid cron expression", c.Retention.Schedule))
	}
	if c.Retention.LedgerDays <= 0 {
		errs = append(errs, errors.New("retention.ledger_days must be positive"))
	}
	if c.Retention.MappingDays < 0 {
		errs = append(errs, errors.New("retention.mapping_days must not be negative"))
	}

	if c.Bulk.MaxRunMinutes < 0 {
		errs = append(errs, errors.New("bulk.max_run_minutes must not be negative"))
	}

	return errors.Join(errs...)
}
