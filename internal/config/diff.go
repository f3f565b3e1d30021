package config

import (
	"reflect"
	"strings"

	logx "notifyd/pkg/logx"
)

// SummarizeChange lists changed top-level sections and returns log attrs
// describing the new values. Secrets (push token, pprof token) are reported
// only as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.output", newCfg.Logging.Output),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		e := newCfg.Engine
		attrs = append(attrs,
			logx.Int("engine.max_concurrent", e.MaxConcurrent),
			logx.String("engine.default_auto_close", strings.TrimSpace(e.DefaultAutoClose)),
			logx.Bool("engine.dnd", e.DoNotDisturb.Enabled),
			logx.Int("engine.history_size", e.HistorySize),
		)
	}

	oc, nc := oldCfg.Channels, newCfg.Channels
	op, np := oc.Push, nc.Push
	op.Token, np.Token = tokenMark(op.Token), tokenMark(np.Token)
	if !reflect.DeepEqual(oc.Desktop, nc.Desktop) || !reflect.DeepEqual(oc.Sound, nc.Sound) || !reflect.DeepEqual(op, np) {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.Bool("channels.desktop", nc.Desktop.Enabled),
			logx.Bool("channels.sound", nc.Sound.Enabled),
			logx.Bool("channels.push", nc.Push.Enabled),
			logx.Bool("channels.push.token_set", strings.TrimSpace(nc.Push.Token) != ""),
		)
	}
	if tokenMark(oc.Push.Token) == tokenMark(nc.Push.Token) && oc.Push.Token != nc.Push.Token {
		// Rotated token: same "set" state, different value.
		changed = appendOnce(changed, "channels")
		attrs = append(attrs, logx.Bool("channels.push.token_rotated", true))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs,
				logx.String("storage.driver", newCfg.Storage.Driver),
				logx.String("storage.path", newCfg.Storage.Path),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		changed = append(changed, "reminders")
		if r := newCfg.Reminders; r != nil {
			attrs = append(attrs,
				logx.Bool("reminders.enabled", r.Enabled),
				logx.Int("reminders.jobs", len(r.Jobs)),
			)
		}
	}

	opp, npp := oldCfg.Pprof, newCfg.Pprof
	opp.Token, npp.Token = tokenMark(opp.Token), tokenMark(npp.Token)
	if !reflect.DeepEqual(opp, npp) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", npp.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(npp.Addr)),
			logx.Bool("pprof.token_set", npp.Token != ""),
		)
	}
	return changed, attrs
}

func tokenMark(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "set"
}

func appendOnce(xs []string, s string) []string {
	for _, x := range xs {
		if x == s {
			return xs
		}
	}
	return append(xs, s)
}
