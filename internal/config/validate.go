package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks field-level constraints that decoding cannot express.
// Schedule syntax is checked by the jobs package when jobs are registered.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if cfg.Scheduler.ProcessLimit < 0 {
		errs = append(errs, fmt.Errorf("scheduler.process_limit must be >= 0"))
	}
	if cfg.Scheduler.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("scheduler.history_size must be >= 0"))
	}
	if _, err := ParseDurationField("scheduler.tick_interval", cfg.Scheduler.TickInterval); err != nil {
		errs = append(errs, err)
	}

	n := cfg.Network
	for path, raw := range map[string]string{
		"network.retry_wait":      n.RetryWait,
		"network.retry_max_wait":  n.RetryMaxWait,
		"network.request_timeout": n.RequestTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if n.RetryBackoffFactor < 0 {
		errs = append(errs, fmt.Errorf("network.retry_backoff_factor must be >= 0"))
	}
	if n.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("network.max_body_bytes must be >= 0"))
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	for path, raw := range map[string]string{
		"status.read_timeout":  cfg.Status.ReadTimeout,
		"status.write_timeout": cfg.Status.WriteTimeout,
		"status.idle_timeout":  cfg.Status.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		p := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", p))
		} else if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q is duplicated", p, name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(j.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule is required", p))
		}
		switch strings.ToUpper(strings.TrimSpace(j.Method)) {
		case "", "GET", "POST":
		default:
			errs = append(errs, fmt.Errorf("%s.method must be GET or POST", p))
		}
		u, err := url.Parse(strings.TrimSpace(j.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.url must be an absolute http(s) URL", p))
		}
	}

	return errors.Join(errs...)
}
