package config

type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Channel ChannelConfig `json:"channel"`
	Sender  SenderConfig  `json:"sender"`

	Bootstrap BootstrapConfig `json:"bootstrap,omitempty"`

	// Storage controls the optional job-report persistence layer.
	//
	// Example:
	//
	//	"storage": { "driver": "file", "path": "./data/zapsend" }
	Storage *StorageConfig `json:"storage,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type ServerConfig struct {
	Addr      string `json:"addr"`
	UploadDir string `json:"upload_dir"`
	// MaxUploadMB caps the attachment size accepted by the payload route.
	MaxUploadMB int64 `json:"max_upload_mb,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ChannelConfig selects the automation-channel driver.
//
// Driver values:
//   - "sim": in-process simulator (default; no external platform)
//   - "telegram": telebot-backed driver, recipients are numeric chat ids
type ChannelConfig struct {
	Driver   string          `json:"driver"`
	Telegram *TelegramDriver `json:"telegram,omitempty"`
}

type TelegramDriver struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// SenderConfig controls dispatch pacing.
//
// MinDelay/MaxDelay bound the randomized inter-attempt sleep; RatePerMin is a
// global ceiling on delivery attempts. All durations are Go duration strings.
type SenderConfig struct {
	MinDelay   string `json:"min_delay,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
	// ResetHome re-homes the channel to a known-good view before each attempt.
	ResetHome *bool `json:"reset_home,omitempty"`
}

type BootstrapConfig struct {
	// ReadyTimeout bounds the wait for the channel "authenticated" signal.
	ReadyTimeout string `json:"ready_timeout,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MaintenanceConfig controls periodic housekeeping (upload pruning and
// idle-session eviction).
//
// Schedule accepts a cron expression or a "@every <duration>" descriptor.
type MaintenanceConfig struct {
	Enabled        bool   `json:"enabled"`
	Schedule       string `json:"schedule,omitempty"`
	UploadTTL      string `json:"upload_ttl,omitempty"`
	SessionIdleTTL string `json:"session_idle_ttl,omitempty"`
}
