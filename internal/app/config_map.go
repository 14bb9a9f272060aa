package app

import (
	"fmt"
	"strings"
	"time"

	"asyncproc/internal/config"
	"asyncproc/internal/driver"
	"asyncproc/internal/jobs"
	"asyncproc/internal/operation"
	"asyncproc/internal/scheduler"
	"asyncproc/internal/status"
	"asyncproc/internal/storage"
	"asyncproc/internal/transport"
	logx "asyncproc/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	drv := strings.ToLower(strings.TrimSpace(sc.Driver))
	if drv == "" || drv == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch drv {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: drv, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, time.Duration, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, driver.DefaultInterval)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	netOpt, err := mapNetworkOptions(cfg)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	return scheduler.Config{
		ProcessLimit: cfg.Scheduler.ProcessLimit,
		HistorySize:  cfg.Scheduler.HistorySize,
		BacklogWarn:  cfg.Scheduler.BacklogWarn,
		Network:      netOpt,
	}, tick, nil
}

// mapNetworkOptions leaves Clock, Log and Bus unset; the scheduler fills them.
func mapNetworkOptions(cfg *config.Config) (operation.NetworkOptions, error) {
	n := cfg.Network
	wait, err := config.ParseDurationOrDefault("network.retry_wait", n.RetryWait, operation.DefaultRetryWait)
	if err != nil {
		return operation.NetworkOptions{}, err
	}
	maxWait, err := config.ParseDurationField("network.retry_max_wait", n.RetryMaxWait)
	if err != nil {
		return operation.NetworkOptions{}, err
	}
	timeout, err := config.ParseDurationOrDefault("network.request_timeout", n.RequestTimeout, operation.DefaultRequestTimeout)
	if err != nil {
		return operation.NetworkOptions{}, err
	}
	return operation.NetworkOptions{
		RetryCount:         n.RetryCount,
		RetryWait:          wait,
		RetryMaxWait:       maxWait,
		RetryBackoffFactor: n.RetryBackoffFactor,
		RequestTimeout:     timeout,
	}, nil
}

func mapTransportConfig(cfg *config.Config) transport.HTTPConfig {
	return transport.HTTPConfig{
		UserAgent:    strings.TrimSpace(cfg.Network.UserAgent),
		MaxBodyBytes: cfg.Network.MaxBodyBytes,
	}
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	sc := cfg.Status
	read, err := config.ParseDurationOrDefault("status.read_timeout", sc.ReadTimeout, 10*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("status.write_timeout", sc.WriteTimeout, 30*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("status.idle_timeout", sc.IdleTimeout, 60*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	addr := strings.TrimSpace(sc.Addr)
	if addr == "" {
		addr = status.DefaultAddr
	}
	return status.Config{
		Enabled:       sc.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// mapJobs also parses every schedule so a bad one rejects the whole config.
func mapJobs(cfg *config.Config) ([]jobs.Job, error) {
	out := make([]jobs.Job, 0, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		if _, err := jobs.ParseSchedule(j.Schedule); err != nil {
			return nil, fmt.Errorf("jobs %q: %w", name, err)
		}
		method := strings.ToUpper(strings.TrimSpace(j.Method))
		if method == "" {
			method = "GET"
		}
		out = append(out, jobs.Job{
			Name:     name,
			Schedule: j.Schedule,
			Method:   method,
			URL:      strings.TrimSpace(j.URL),
			Headers:  j.Headers,
			Form:     j.FormValues(),
		})
	}
	return out, nil
}

// validate runs every mapping so a reload that cannot be applied is rejected
// before commit.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStatusConfig(cfg); err != nil {
		return err
	}
	if _, err := mapJobs(cfg); err != nil {
		return err
	}
	return nil
}
