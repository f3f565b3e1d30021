package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Engine   EngineConfig   `json:"engine"`
	Channels ChannelsConfig `json:"channels"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`

	// Storage is optional; without it settings and history live in memory only.
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Reminders *RemindersConfig `json:"reminders,omitempty"`
}

// EngineConfig maps onto notifier.Config.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 3
//   - default_auto_close: "5s" (never_auto_close keeps notifications until dismissed)
//   - global_volume: 0.7
//   - max_retries: 3
//   - retry_backoff: "1s"
//   - history_size: 1000
type EngineConfig struct {
	MaxConcurrent    int    `json:"max_concurrent,omitempty"`
	DefaultAutoClose string `json:"default_auto_close,omitempty"`
	NeverAutoClose   bool   `json:"never_auto_close,omitempty"`

	// GlobalVolume is a pointer so an explicit 0 (muted) differs from omitted.
	GlobalVolume *float64  `json:"global_volume,omitempty"`
	DoNotDisturb DNDConfig `json:"do_not_disturb"`
	MaxRetries   int       `json:"max_retries,omitempty"`
	RetryBackoff string    `json:"retry_backoff,omitempty"`
	HistorySize  int       `json:"history_size,omitempty"`
}

// DNDConfig is a daily quiet window, "HH:MM" local time. Start > End wraps midnight.
type DNDConfig struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start,omitempty"` // default "22:00"
	End     string `json:"end,omitempty"`   // default "08:00"
}

type ChannelsConfig struct {
	Desktop DesktopConfig `json:"desktop"`
	Sound   SoundConfig   `json:"sound"`
	Push    PushConfig    `json:"push"`
}

// DesktopConfig renders popups as lines on a terminal or log file.
type DesktopConfig struct {
	Enabled bool `json:"enabled"`
	// Output is "stdout", "stderr" or a file path. Default: "stdout".
	Output string `json:"output,omitempty"`
}

// SoundConfig plays alert sounds through an external player.
//
// Example:
//
//	"sound": { "enabled": true, "player": ["paplay", "--volume={volume}", "{file}"], "file": "/usr/share/sounds/alert.oga" }
//
// Without a player the terminal bell is written instead.
type SoundConfig struct {
	Enabled bool     `json:"enabled"`
	Player  []string `json:"player,omitempty"`
	File    string   `json:"file,omitempty"`
	// Sounds maps notification types to files, overriding File.
	Sounds map[string]string `json:"sounds,omitempty"`
	// RatePerSec limits how often sounds start. Default 2, burst 1.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Timeout    string  `json:"timeout,omitempty"` // default "10s"
}

// PushConfig delivers notifications as Telegram messages.
type PushConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // do not log
	ChatID  int64  `json:"chat_id,omitempty"`
	// ThreadID targets a forum topic when > 0.
	ThreadID int `json:"thread_id,omitempty"`
	// APIURL overrides the Bot API endpoint (self-hosted API servers).
	APIURL     string  `json:"api_url,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"` // default 1
	Timeout    string  `json:"timeout,omitempty"`      // default "10s"
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./notifyd_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Retain bounds the history archive. Default 10000.
	Retain int `json:"retain,omitempty"`
}

// RemindersConfig schedules recurring notifications.
type RemindersConfig struct {
	Enabled  bool          `json:"enabled"`
	Timezone string        `json:"timezone,omitempty"`
	Jobs     []ReminderJob `json:"jobs,omitempty"`
}

// ReminderJob is one cron-scheduled notification. Schedule accepts standard
// five-field cron specs and descriptors such as "@hourly" or "@every 15m".
type ReminderJob struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Type     string   `json:"type,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Methods  []string `json:"methods,omitempty"`
	// AutoClose is a Go duration string; empty uses the engine default.
	AutoClose  string `json:"auto_close,omitempty"`
	Persistent bool   `json:"persistent,omitempty"`
	Disabled   bool   `json:"disabled,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Output is "stderr" (default) or "stdout".
	Output  string      `json:"output,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
