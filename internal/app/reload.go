package app

import (
	"context"
	"slices"
	"strings"

	"asyncproc/internal/config"
	"asyncproc/internal/scheduler"
	logx "asyncproc/pkg/logx"
)

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a committed config into the running components.
// Storage, tick_interval, history_size and backlog_warn need a restart.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	if newCfg == nil {
		return
	}
	sections, attrs, jobsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if len(jobsChanged) > 0 {
		a.log.Debug("job changes detected", logx.Any("jobs", jobsChanged))
	}

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if slices.Contains(sections, "logging") {
		if err := a.logs.Apply(mapLoggingConfig(newCfg)); err != nil {
			a.log.Warn("log file sink disabled", logx.Err(err))
		}
	}

	if slices.Contains(sections, "scheduler") || slices.Contains(sections, "network") {
		schedCfg, tick, err := mapSchedulerConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			if oldCfg != nil {
				prev, prevTick, _ := mapSchedulerConfig(oldCfg)
				if prevTick != tick || prev.HistorySize != schedCfg.HistorySize || prev.BacklogWarn != schedCfg.BacklogWarn {
					a.log.Warn("scheduler tick_interval, history_size or backlog_warn changed; restart required for changes to take effect")
				}
				if mapTransportConfig(oldCfg) != mapTransportConfig(newCfg) {
					a.log.Warn("network user_agent or max_body_bytes changed; restart required for changes to take effect")
				}
			}
			// Running operations keep their options; new submissions use these.
			a.Post(func(s *scheduler.Scheduler) {
				s.SetProcessLimit(schedCfg.ProcessLimit)
				s.SetNetworkOptions(schedCfg.Network)
			})
		}
	}

	if slices.Contains(sections, "jobs") {
		js, err := mapJobs(newCfg)
		if err == nil {
			err = a.jobs.Apply(js)
		}
		if err != nil {
			a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
		}
	}

	if slices.Contains(sections, "status") {
		sc, err := mapStatusConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid status config; keeping previous", logx.Err(err))
		} else {
			a.status.Reconfigure(c, sc)
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}
