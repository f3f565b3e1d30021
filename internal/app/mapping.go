package app

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/channel/push"
	"notifyd/internal/channel/sound"
	"notifyd/internal/config"
	"notifyd/internal/notifier"
	"notifyd/internal/observability/pprof"
	"notifyd/internal/reminder"
	"notifyd/internal/storage"
)

// The map* helpers convert validated config sections into component configs.
// They re-parse durations so a caller holding an unvalidated config still
// gets an error instead of a zero value.

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Retain:      sc.Retain,
	}, nil
}

func mapSoundConfig(cfg *config.Config) (sound.Config, error) {
	sc := cfg.Channels.Sound
	timeout, err := config.ParseDurationField("channels.sound.timeout", sc.Timeout)
	if err != nil {
		return sound.Config{}, err
	}
	return sound.Config{
		Player:     sc.Player,
		File:       strings.TrimSpace(sc.File),
		Sounds:     sc.Sounds,
		RatePerSec: sc.RatePerSec,
		Timeout:    timeout,
	}, nil
}

// mapPushConfig reports ok=false when push has no credentials; the channel
// is then not built at all.
func mapPushConfig(cfg *config.Config) (push.Config, bool, error) {
	pc := cfg.Channels.Push
	if strings.TrimSpace(pc.Token) == "" || pc.ChatID == 0 {
		return push.Config{}, false, nil
	}
	timeout, err := config.ParseDurationField("channels.push.timeout", pc.Timeout)
	if err != nil {
		return push.Config{}, false, err
	}
	return push.Config{
		Token:      strings.TrimSpace(pc.Token),
		ChatID:     pc.ChatID,
		ThreadID:   pc.ThreadID,
		APIURL:     strings.TrimSpace(pc.APIURL),
		RatePerSec: pc.RatePerSec,
		Timeout:    timeout,
	}, true, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	out := pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          strings.TrimSpace(pc.Addr),
		Prefix:        strings.TrimSpace(pc.Prefix),
		Token:         strings.TrimSpace(pc.Token),
		AllowInsecure: pc.AllowInsecure,
	}
	if out.Addr == "" {
		out.Addr = pprof.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// 0 keeps CPU profiles and traces from being cut off.
	if out.WriteTimeout, err = config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 2*time.Minute); err != nil {
		return out, err
	}
	return out, nil
}

var defaultReminderMethods = []notifier.Method{notifier.MethodDesktop, notifier.MethodSound}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	rc := cfg.Reminders
	if rc == nil {
		return reminder.Config{}, nil
	}
	out := reminder.Config{
		Enabled:  rc.Enabled,
		Timezone: strings.TrimSpace(rc.Timezone),
		Jobs:     make([]reminder.Job, 0, len(rc.Jobs)),
	}
	for i, j := range rc.Jobs {
		if j.Disabled {
			continue
		}
		path := fmt.Sprintf("reminders.jobs[%d]", i)
		prio, err := notifier.ParsePriority(j.Priority)
		if err != nil {
			return reminder.Config{}, fmt.Errorf("%s.priority: %w", path, err)
		}
		methods := make([]notifier.Method, 0, len(j.Methods))
		for _, m := range j.Methods {
			pm, err := notifier.ParseMethod(m)
			if err != nil {
				return reminder.Config{}, fmt.Errorf("%s.methods: %w", path, err)
			}
			methods = append(methods, pm)
		}
		if len(methods) == 0 {
			methods = append(methods, defaultReminderMethods...)
		}
		autoClose, err := config.ParseDurationField(path+".auto_close", j.AutoClose)
		if err != nil {
			return reminder.Config{}, err
		}
		out.Jobs = append(out.Jobs, reminder.Job{
			Name:     strings.TrimSpace(j.Name),
			Schedule: strings.TrimSpace(j.Schedule),
			Request: notifier.Request{
				Title:      j.Title,
				Message:    j.Message,
				Type:       strings.TrimSpace(j.Type),
				Priority:   prio,
				Methods:    methods,
				AutoClose:  autoClose,
				Persistent: j.Persistent,
			},
		})
	}
	return out, nil
}

// validate is installed on the config manager: everything Config.Validate
// leaves to the components (cron specs) is checked here before commit.
func validate(cfg *config.Config) error {
	rc, err := mapReminderConfig(cfg)
	if err != nil {
		return err
	}
	if err := reminder.Validate(rc); err != nil {
		return fmt.Errorf("reminders: %w", err)
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapPushConfig(cfg); err != nil {
		return err
	}
	return nil
}
