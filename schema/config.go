package schema

import "time"

// EngineConfig defines defaults and limits for the reconstruction and
// draft-sync engines.
type EngineConfig struct {
	// MinInitialEntries is the entry threshold for the first partial
	// timeline emission.
	MinInitialEntries int
	// HistoryBatchSize is how many historic processes are drained per
	// background batch after the initial emission.
	HistoryBatchSize int
	// CacheMaxProcesses bounds the per-process entry cache.
	CacheMaxProcesses int
	// LiveAttachRetries bounds live-stream attachment attempts.
	LiveAttachRetries int
	// LiveAttachInterval is the delay between attachment attempts.
	LiveAttachInterval time.Duration
	// AutosaveDebounce is the draft autosave debounce window.
	AutosaveDebounce time.Duration
	// PollInterval is the fallback REST polling cadence.
	PollInterval time.Duration
	// ReconnectBackoff is the delay between transport reconnects.
	ReconnectBackoff time.Duration
}

// Engine tuning defaults.
const (
	DefaultMinInitialEntries  = 10
	DefaultHistoryBatchSize   = 3
	DefaultCacheMaxProcesses  = 64
	DefaultLiveAttachRetries  = 20
	DefaultLiveAttachInterval = 500 * time.Millisecond
	DefaultAutosaveDebounce   = 400 * time.Millisecond
	DefaultPollInterval       = time.Second
	DefaultReconnectBackoff   = time.Second
)

// NormalizeEngineConfig applies defaults to unset fields.
func NormalizeEngineConfig(cfg EngineConfig) EngineConfig {
	if cfg.MinInitialEntries <= 0 {
		cfg.MinInitialEntries = DefaultMinInitialEntries
	}
	if cfg.HistoryBatchSize <= 0 {
		cfg.HistoryBatchSize = DefaultHistoryBatchSize
	}
	if cfg.CacheMaxProcesses <= 0 {
		cfg.CacheMaxProcesses = DefaultCacheMaxProcesses
	}
	if cfg.LiveAttachRetries <= 0 {
		cfg.LiveAttachRetries = DefaultLiveAttachRetries
	}
	if cfg.LiveAttachInterval <= 0 {
		cfg.LiveAttachInterval = DefaultLiveAttachInterval
	}
	if cfg.AutosaveDebounce <= 0 {
		cfg.AutosaveDebounce = DefaultAutosaveDebounce
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	return cfg
}
