package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"notifyd/internal/notifier"
	logx "notifyd/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks every section and reports all problems at once.
// Cron specs are checked by the reminder package, not here.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Logging.Level) != "" {
		if _, err := logx.ParseLevel(c.Logging.Level); err != nil {
			add(fmt.Errorf("logging.level: %w", err))
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Output)) {
	case "", "stdout", "stderr":
	default:
		add(fmt.Errorf("logging.output: %q is not stdout or stderr", c.Logging.Output))
	}

	if _, err := c.NotifierConfig(); err != nil {
		add(err)
	}
	add(c.validateChannels())
	add(c.validateStorage())
	add(c.validateReminders())
	add(c.validatePprof())

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// NotifierConfig resolves the engine section (plus channel switches) into an
// engine config, applying defaults for omitted fields.
func (c *Config) NotifierConfig() (notifier.Config, error) {
	e := c.Engine
	out := notifier.DefaultConfig()

	if e.MaxConcurrent != 0 {
		out.MaxConcurrent = e.MaxConcurrent
	}
	d, err := ParseDurationOrDefault("engine.default_auto_close", e.DefaultAutoClose, out.DefaultAutoClose)
	if err != nil {
		return notifier.Config{}, err
	}
	out.DefaultAutoClose = d
	if e.NeverAutoClose {
		out.DefaultAutoClose = 0
	}
	if e.GlobalVolume != nil {
		out.GlobalVolume = *e.GlobalVolume
	}

	out.DoNotDisturb.Enabled = e.DoNotDisturb.Enabled
	if s := strings.TrimSpace(e.DoNotDisturb.Start); s != "" {
		out.DoNotDisturb.Start = s
	}
	if s := strings.TrimSpace(e.DoNotDisturb.End); s != "" {
		out.DoNotDisturb.End = s
	}

	if e.MaxRetries != 0 {
		out.MaxRetries = e.MaxRetries
	}
	b, err := ParseDurationOrDefault("engine.retry_backoff", e.RetryBackoff, out.RetryBackoff)
	if err != nil {
		return notifier.Config{}, err
	}
	out.RetryBackoff = b
	if e.HistorySize != 0 {
		out.HistorySize = e.HistorySize
	}

	out.DesktopEnabled = c.Channels.Desktop.Enabled
	out.SoundEnabled = c.Channels.Sound.Enabled
	out.PushEnabled = c.Channels.Push.Enabled

	if err := out.Validate(); err != nil {
		return notifier.Config{}, fmt.Errorf("engine: %w", err)
	}
	return out, nil
}

func (c *Config) validateChannels() error {
	var errs []error
	s := c.Channels.Sound
	if s.RatePerSec < 0 {
		errs = append(errs, errors.New("channels.sound.rate_per_sec: must be >= 0"))
	}
	if _, err := ParseDurationField("channels.sound.timeout", s.Timeout); err != nil {
		errs = append(errs, err)
	}
	if len(s.Player) > 0 && strings.TrimSpace(s.Player[0]) == "" {
		errs = append(errs, errors.New("channels.sound.player: command is empty"))
	}

	p := c.Channels.Push
	if p.Enabled {
		if strings.TrimSpace(p.Token) == "" {
			errs = append(errs, errors.New("channels.push.token: required when push is enabled"))
		}
		if p.ChatID == 0 {
			errs = append(errs, errors.New("channels.push.chat_id: required when push is enabled"))
		}
	}
	if p.RatePerSec < 0 {
		errs = append(errs, errors.New("channels.push.rate_per_sec: must be >= 0"))
	}
	if _, err := ParseDurationField("channels.push.timeout", p.Timeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) validateStorage() error {
	if c.Storage == nil {
		return nil
	}
	var errs []error
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path: required"))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) validateReminders() error {
	r := c.Reminders
	if r == nil {
		return nil
	}
	var errs []error
	if tz := strings.TrimSpace(r.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("reminders.timezone: %w", err))
		}
	}
	seen := map[string]bool{}
	for i, j := range r.Jobs {
		path := fmt.Sprintf("reminders.jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		case seen[name]:
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, name))
		}
		seen[name] = true
		if strings.TrimSpace(j.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule: required", path))
		}
		if strings.TrimSpace(j.Title) == "" || strings.TrimSpace(j.Message) == "" {
			errs = append(errs, fmt.Errorf("%s: title and message are required", path))
		}
		if _, err := notifier.ParsePriority(j.Priority); err != nil {
			errs = append(errs, fmt.Errorf("%s.priority: %w", path, err))
		}
		for _, m := range j.Methods {
			if _, err := notifier.ParseMethod(m); err != nil {
				errs = append(errs, fmt.Errorf("%s.methods: %w", path, err))
			}
		}
		if _, err := ParseDurationField(path+".auto_close", j.AutoClose); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Config) validatePprof() error {
	p := c.Pprof
	var errs []error
	for _, f := range []struct{ path, raw string }{
		{"pprof.read_timeout", p.ReadTimeout},
		{"pprof.write_timeout", p.WriteTimeout},
		{"pprof.idle_timeout", p.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if p.Enabled && strings.TrimSpace(p.Token) == "" && !p.AllowInsecure && !isLoopback(p.Addr) {
		errs = append(errs, fmt.Errorf("pprof.addr: %q is not loopback; set token or allow_insecure", p.Addr))
	}
	return errors.Join(errs...)
}

func isLoopback(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Logx converts the logging section for logx.New / Service.Apply.
func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Output:  l.Output,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}
