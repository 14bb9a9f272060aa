package config

import (
	"bytes"
	"encoding/json"
	"net/url"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Network   NetworkConfig   `json:"network"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Status    StatusConfig    `json:"status,omitempty"`
	Jobs      []JobConfig     `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls admission and the host update loop.
//
// Defaults (when fields are omitted/zero):
//   - process_limit: 5
//   - tick_interval: "100ms"
//   - history_size: 100
//   - backlog_warn: 256 (negative disables)
type SchedulerConfig struct {
	ProcessLimit int `json:"process_limit,omitempty"`
	// TickInterval is a Go duration string. Changing it requires a restart.
	TickInterval string `json:"tick_interval,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
	BacklogWarn  int    `json:"backlog_warn,omitempty"`
}

// NetworkConfig controls request operations.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults:
//   - retry_count: 5 (negative disables retries)
//   - retry_wait: "60s"
//   - retry_max_wait: retry_wait (constant cooldown)
//   - retry_backoff_factor: 2 (only used when retry_max_wait > retry_wait)
//   - request_timeout: "60s"
//   - max_body_bytes: 8 MiB
type NetworkConfig struct {
	RetryCount         int     `json:"retry_count,omitempty"`
	RetryWait          string  `json:"retry_wait,omitempty"`
	RetryMaxWait       string  `json:"retry_max_wait,omitempty"`
	RetryBackoffFactor float64 `json:"retry_backoff_factor,omitempty"`
	RequestTimeout     string  `json:"request_timeout,omitempty"`
	UserAgent          string  `json:"user_agent,omitempty"`
	MaxBodyBytes       int64   `json:"max_body_bytes,omitempty"`
}

// StorageConfig controls the completion journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./asyncproc_journal" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// StatusConfig controls the read-only status HTTP server.
//
// Prefer binding to loopback. A non-loopback address needs a token or an
// explicit allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7070"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Pprof mounts net/http/pprof under /debug (behind the token, if any).
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// JobConfig submits a request on a schedule.
//
// Schedule accepts a cron spec ("*/5 * * * *"), a Go duration ("30s") or an
// "HH:MM" interval.
type JobConfig struct {
	Name     string            `json:"name"`
	Schedule string            `json:"schedule"`
	Method   string            `json:"method,omitempty"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	Form     map[string]string `json:"form,omitempty"`
}

// UnmarshalJSON rejects unknown keys inside a job entry.
func (j *JobConfig) UnmarshalJSON(b []byte) error {
	type plain JobConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*j = JobConfig(p)
	return nil
}

// FormValues converts Form for a POST body; nil when the job has no form.
func (j JobConfig) FormValues() url.Values {
	if j.Form == nil {
		return nil
	}
	v := make(url.Values, len(j.Form))
	for k, s := range j.Form {
		v.Set(k, s)
	}
	return v
}
