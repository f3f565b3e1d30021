package notifier

import (
	"fmt"
	"time"
)

// Config governs the engine. It is process-wide and mutable at runtime via
// Service.UpdateConfig and Service.ApplyConfig.
type Config struct {
	MaxConcurrent    int           `json:"max_concurrent"`
	DefaultAutoClose time.Duration `json:"default_auto_close"`

	DesktopEnabled bool    `json:"desktop_enabled"`
	SoundEnabled   bool    `json:"sound_enabled"`
	PushEnabled    bool    `json:"push_enabled"`
	GlobalVolume   float64 `json:"global_volume"`

	DoNotDisturb DNDConfig `json:"do_not_disturb"`

	MaxRetries   int           `json:"max_retries"`
	RetryBackoff time.Duration `json:"retry_backoff"`
	HistorySize  int           `json:"history_size"`
}

// DNDConfig is a daily window in local time, "HH:MM" bounds.
type DNDConfig struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    3,
		DefaultAutoClose: 5 * time.Second,
		DesktopEnabled:   true,
		SoundEnabled:     true,
		GlobalVolume:     0.7,
		DoNotDisturb:     DNDConfig{Start: "22:00", End: "08:00"},
		MaxRetries:       3,
		RetryBackoff:     time.Second,
		HistorySize:      1000,
	}
}

func (c Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: max_concurrent must be > 0", ErrInvalidConfig)
	}
	if c.DefaultAutoClose < 0 {
		return fmt.Errorf("%w: default_auto_close must be >= 0", ErrInvalidConfig)
	}
	if c.GlobalVolume < 0 || c.GlobalVolume > 1 {
		return fmt.Errorf("%w: global_volume must be within [0,1]", ErrInvalidConfig)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("%w: max_retries must be > 0", ErrInvalidConfig)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("%w: retry_backoff must be >= 0", ErrInvalidConfig)
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("%w: history_size must be > 0", ErrInvalidConfig)
	}
	if _, err := NewGate(c.DoNotDisturb); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// MethodEnabled reports the per-channel switch for m.
func (c Config) MethodEnabled(m Method) bool {
	switch m {
	case MethodDesktop:
		return c.DesktopEnabled
	case MethodSound:
		return c.SoundEnabled
	case MethodPush:
		return c.PushEnabled
	}
	return false
}

// Patch is a partial config update; nil fields are left unchanged.
type Patch struct {
	MaxConcurrent    *int           `json:"max_concurrent,omitempty"`
	DefaultAutoClose *time.Duration `json:"default_auto_close,omitempty"`
	DesktopEnabled   *bool          `json:"desktop_enabled,omitempty"`
	SoundEnabled     *bool          `json:"sound_enabled,omitempty"`
	PushEnabled      *bool          `json:"push_enabled,omitempty"`
	GlobalVolume     *float64       `json:"global_volume,omitempty"`
	DoNotDisturb     *DNDConfig     `json:"do_not_disturb,omitempty"`
	MaxRetries       *int           `json:"max_retries,omitempty"`
	RetryBackoff     *time.Duration `json:"retry_backoff,omitempty"`
	HistorySize      *int           `json:"history_size,omitempty"`
}

func (c Config) Apply(p Patch) Config {
	if p.MaxConcurrent != nil {
		c.MaxConcurrent = *p.MaxConcurrent
	}
	if p.DefaultAutoClose != nil {
		c.DefaultAutoClose = *p.DefaultAutoClose
	}
	if p.DesktopEnabled != nil {
		c.DesktopEnabled = *p.DesktopEnabled
	}
	if p.SoundEnabled != nil {
		c.SoundEnabled = *p.SoundEnabled
	}
	if p.PushEnabled != nil {
		c.PushEnabled = *p.PushEnabled
	}
	if p.GlobalVolume != nil {
		c.GlobalVolume = *p.GlobalVolume
	}
	if p.DoNotDisturb != nil {
		c.DoNotDisturb = *p.DoNotDisturb
	}
	if p.MaxRetries != nil {
		c.MaxRetries = *p.MaxRetries
	}
	if p.RetryBackoff != nil {
		c.RetryBackoff = *p.RetryBackoff
	}
	if p.HistorySize != nil {
		c.HistorySize = *p.HistorySize
	}
	return c
}
