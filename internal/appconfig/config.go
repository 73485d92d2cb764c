package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/weft/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	Server        ServerConfig  `mapstructure:"server" yaml:"server"`
	Engine        EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Journal       JournalConfig `mapstructure:"journal" yaml:"journal"`
	Logging       LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ServerConfig points at the orchestrator API.
type ServerConfig struct {
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	Transport string `mapstructure:"transport" yaml:"transport"`
	// TimeoutSeconds bounds individual REST calls.
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// EngineConfig tunes the reconstruction and draft-sync engines.
type EngineConfig struct {
	MinInitialEntries    int `mapstructure:"min_initial_entries" yaml:"min_initial_entries"`
	HistoryBatchSize     int `mapstructure:"history_batch_size" yaml:"history_batch_size"`
	CacheMaxProcesses    int `mapstructure:"cache_max_processes" yaml:"cache_max_processes"`
	LiveAttachRetries    int `mapstructure:"live_attach_retries" yaml:"live_attach_retries"`
	LiveAttachIntervalMS int `mapstructure:"live_attach_interval_ms" yaml:"live_attach_interval_ms"`
	AutosaveDebounceMS   int `mapstructure:"autosave_debounce_ms" yaml:"autosave_debounce_ms"`
	PollIntervalMS       int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	ReconnectBackoffMS   int `mapstructure:"reconnect_backoff_ms" yaml:"reconnect_backoff_ms"`
}

// JournalConfig controls local draft journaling.
type JournalConfig struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	Disabled bool   `mapstructure:"disabled" yaml:"disabled"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	stateDir, err := defaultStateDir()
	if err != nil {
		return Config{}, err
	}
	defaults := schema.NormalizeEngineConfig(schema.EngineConfig{})
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Server: ServerConfig{
			BaseURL:        "http://127.0.0.1:8911",
			Transport:      "websocket",
			TimeoutSeconds: 15,
		},
		Engine: EngineConfig{
			MinInitialEntries:    defaults.MinInitialEntries,
			HistoryBatchSize:     defaults.HistoryBatchSize,
			CacheMaxProcesses:    defaults.CacheMaxProcesses,
			LiveAttachRetries:    defaults.LiveAttachRetries,
			LiveAttachIntervalMS: int(defaults.LiveAttachInterval / time.Millisecond),
			AutosaveDebounceMS:   int(defaults.AutosaveDebounce / time.Millisecond),
			PollIntervalMS:       int(defaults.PollInterval / time.Millisecond),
			ReconnectBackoffMS:   int(defaults.ReconnectBackoff / time.Millisecond),
		},
		Journal: JournalConfig{
			Dir: filepath.Join(stateDir, "journal"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "logfmt",
		},
	}, nil
}

// DefaultConfigPath returns the per-user config location.
func DefaultConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "weft", "config.yaml"), nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", "weft"), nil
}

// EngineConfigSchema converts the tunables to the schema representation.
func (c Config) EngineConfigSchema() schema.EngineConfig {
	return schema.NormalizeEngineConfig(schema.EngineConfig{
		MinInitialEntries:  c.Engine.MinInitialEntries,
		HistoryBatchSize:   c.Engine.HistoryBatchSize,
		CacheMaxProcesses:  c.Engine.CacheMaxProcesses,
		LiveAttachRetries:  c.Engine.LiveAttachRetries,
		LiveAttachInterval: time.Duration(c.Engine.LiveAttachIntervalMS) * time.Millisecond,
		AutosaveDebounce:   time.Duration(c.Engine.AutosaveDebounceMS) * time.Millisecond,
		PollInterval:       time.Duration(c.Engine.PollIntervalMS) * time.Millisecond,
		ReconnectBackoff:   time.Duration(c.Engine.ReconnectBackoffMS) * time.Millisecond,
	})
}
