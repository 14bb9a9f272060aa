package config

import (
	"reflect"
	"sort"
	"strings"

	logx "asyncproc/pkg/logx"
)

// SummarizeConfigChange returns the changed section names, safe attrs for
// logging (never the status token) and the names of added, removed or
// modified jobs.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.process_limit", newCfg.Scheduler.ProcessLimit),
			logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize),
			logx.Bool("scheduler.tick_interval_changed", strings.TrimSpace(oldCfg.Scheduler.TickInterval) != strings.TrimSpace(newCfg.Scheduler.TickInterval)),
		)
	}

	if oldCfg.Network != newCfg.Network {
		changed = append(changed, "network")
		attrs = append(attrs,
			logx.Int("network.retry_count", newCfg.Network.RetryCount),
			logx.String("network.retry_wait", strings.TrimSpace(newCfg.Network.RetryWait)),
			logx.String("network.request_timeout", strings.TrimSpace(newCfg.Network.RequestTimeout)),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", strings.TrimSpace(newCfg.Status.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func diffJobs(oldJ, newJ []JobConfig) []string {
	index := func(js []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(js))
		for _, j := range js {
			m[strings.TrimSpace(j.Name)] = j
		}
		return m
	}
	om, nm := index(oldJ), index(newJ)

	out := make([]string, 0)
	for name, o := range om {
		n, ok := nm[name]
		if !ok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	for name := range nm {
		if _, ok := om[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
