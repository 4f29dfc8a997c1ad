package config

import (
	"reflect"
	"sort"
	"strings"

	logx "vwapbot/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and
// structured attrs safe for logging (tokens and passwords are never
// included, only whether they are set).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		nl := newCfg.Logging
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
			logx.Bool("logging.telegram_enabled", nl.Telegram.Enabled),
		)
	}

	if oldCfg.Refresh != newCfg.Refresh {
		nr := newCfg.Refresh
		changed = append(changed, "refresh")
		attrs = append(attrs,
			logx.String("refresh.intervals", nr.Intervals),
			logx.String("refresh.update_timeout", nr.UpdateTimeout),
			logx.String("refresh.stop_timeout", nr.StopTimeout),
			logx.Any("refresh.edit_rate_per_sec", nr.EditRatePerSec),
			logx.Int("refresh.edit_burst", nr.EditBurst),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sessions, newCfg.Sessions) {
		ns := newCfg.Sessions
		names := make([]string, 0, len(ns.Windows))
		for _, w := range ns.Windows {
			names = append(names, w.Name+"@"+w.Start)
		}
		changed = append(changed, "sessions")
		attrs = append(attrs,
			logx.String("sessions.timezone", ns.Timezone),
			logx.String("sessions.check_every", ns.CheckEvery),
			logx.String("sessions.windows", strings.Join(names, ",")),
		)
	}

	oldS, newS := viewStorage(oldCfg.Storage), viewStorage(newCfg.Storage)
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newS.driver),
			logx.Bool("storage.path_set", newS.path != ""),
			logx.String("storage.busy_timeout", newS.busy),
			logx.String("storage.redis_addr", newS.redisAddr),
		)
	}

	od, nd := oldCfg.Debug, newCfg.Debug
	if od != nd {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.token_set", nd.Token != ""),
			logx.Bool("debug.allow_insecure", nd.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// storageView is the comparable, secret-free part of StorageConfig.
type storageView struct {
	driver, path, busy  string
	redisAddr, redisPfx string
	redisDB             int
	redisPassSet        bool
}

func viewStorage(s *StorageConfig) storageView {
	if s == nil {
		return storageView{}
	}
	v := storageView{
		driver: strings.ToLower(strings.TrimSpace(s.Driver)),
		path:   strings.TrimSpace(s.Path),
		busy:   strings.TrimSpace(s.BusyTimeout),
	}
	if r := s.Redis; r != nil {
		v.redisAddr = strings.TrimSpace(r.Addr)
		v.redisPfx = strings.TrimSpace(r.Prefix)
		v.redisDB = r.DB
		v.redisPassSet = r.Password != ""
	}
	return v
}
