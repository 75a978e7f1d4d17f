package config

import (
	"reflect"
	"sort"

	logx "resultwatch/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.WatchedAthletes, newCfg.WatchedAthletes) {
		added, removed := diffAthletes(oldCfg.WatchedAthletes, newCfg.WatchedAthletes)
		changed = append(changed, "watched_athletes")
		attrs = append(attrs,
			logx.Int("athletes.count", len(newCfg.WatchedAthletes)),
			logx.Strings("athletes.added", added),
			logx.Strings("athletes.removed", removed),
		)
	}
	if oldCfg.Source != newCfg.Source {
		changed = append(changed, "source")
		attrs = append(attrs, logx.String("source.request_timeout", newCfg.Source.RequestTimeout))
	}
	if oldCfg.Email != newCfg.Email {
		changed = append(changed, "email")
		attrs = append(attrs,
			logx.String("email.transport", newCfg.Email.Transport),
			logx.String("email.smtp_server", newCfg.Email.SMTPServer),
			logx.Bool("email.password_changed", oldCfg.Email.Password != newCfg.Email.Password),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", Bool(newCfg.Notifier.Enabled, true)),
			logx.String("notifier.mode", newCfg.Notifier.Mode),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
	}
	if oldCfg.Watch != newCfg.Watch {
		changed = append(changed, "watch")
		attrs = append(attrs, logx.String("watch.claim_ttl", newCfg.Watch.ClaimTTL))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.schedule", newCfg.Scheduler.Schedule),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
		)
	}
	return changed, attrs
}

// RequiresRestart reports sections that cannot be applied to a running
// process.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "server", "email":
			out = append(out, s)
		}
	}
	return out
}

func diffAthletes(oldA, newA []AthleteConfig) (added, removed []string) {
	oldIDs := make(map[string]bool, len(oldA))
	for _, a := range oldA {
		oldIDs[a.ID] = true
	}
	newIDs := make(map[string]bool, len(newA))
	for _, a := range newA {
		newIDs[a.ID] = true
		if !oldIDs[a.ID] {
			added = append(added, a.ID)
		}
	}
	for id := range oldIDs {
		if !newIDs[id] {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
