// Package jobs submits request operations on cron or interval schedules.
//
// Triggers fire on the cron goroutine and are handed to the update loop with
// Post, so the scheduler is only ever touched from the loop goroutine.
package jobs

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"asyncproc/internal/operation"
	"asyncproc/internal/transport"
	logx "asyncproc/pkg/logx"
)

// Job is one scheduled request.
type Job struct {
	Name     string
	Schedule string
	Method   string
	URL      string
	Headers  map[string]string
	Form     url.Values
}

func (j Job) request() transport.Request {
	return transport.Request{Method: j.Method, URL: j.URL, Header: j.Headers, Form: j.Form}
}

// Loop runs fn on the update loop goroutine.
type Loop interface {
	Post(fn func())
}

// Requester submits a request operation. Called on the loop goroutine only.
type Requester interface {
	Request(req transport.Request, onFinished func(operation.Response)) *operation.Network
}

// Info is a point-in-time view of one job.
type Info struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Kind      string    `json:"kind"`
	Request   string    `json:"request"`
	Next      time.Time `json:"next"`
	Runs      uint64    `json:"runs"`
	Skipped   uint64    `json:"skipped"`
	Failures  uint64    `json:"failures"`
	InFlight  bool      `json:"in_flight"`
	LastAt    time.Time `json:"last_at"`
	LastError string    `json:"last_error,omitempty"`
}

type entry struct {
	job   Job
	sched Schedule
	id    cron.EntryID
	added bool

	runs     uint64
	skipped  uint64
	failures uint64
	inFlight bool
	lastAt   time.Time
	lastErr  string
}

type Service struct {
	loop Loop
	req  Requester
	log  logx.Logger
	now  func() time.Time

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]*entry
}

func New(loop Loop, req Requester, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		loop:    loop,
		req:     req,
		log:     log,
		now:     time.Now,
		entries: map[string]*entry{},
	}
}

// Apply replaces the registered jobs, matching them by name. Unchanged jobs
// keep their cron entry and counters. Nothing changes if any job is invalid.
func (s *Service) Apply(jobs []Job) error {
	parsed := make(map[string]Schedule, len(jobs))
	want := make(map[string]Job, len(jobs))
	for _, j := range jobs {
		j.Name = strings.TrimSpace(j.Name)
		if j.Name == "" {
			return fmt.Errorf("job name required")
		}
		if _, dup := want[j.Name]; dup {
			return fmt.Errorf("job %q: duplicated name", j.Name)
		}
		sc, err := ParseSchedule(j.Schedule)
		if err != nil {
			return fmt.Errorf("job %q: %w", j.Name, err)
		}
		parsed[j.Name] = sc
		want[j.Name] = j
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var added, updated, removed int
	for name, e := range s.entries {
		if _, ok := want[name]; !ok {
			s.unscheduleLocked(e)
			delete(s.entries, name)
			removed++
		}
	}
	for name, j := range want {
		old := s.entries[name]
		if old != nil && sameJob(old.job, j) {
			continue
		}
		e := &entry{job: j, sched: parsed[name]}
		if old != nil {
			s.unscheduleLocked(old)
			e.runs, e.skipped, e.failures = old.runs, old.skipped, old.failures
			e.lastAt, e.lastErr = old.lastAt, old.lastErr
			e.inFlight = old.inFlight
			updated++
		} else {
			added++
		}
		s.entries[name] = e
		if s.c != nil {
			if err := s.scheduleLocked(e); err != nil {
				s.log.Warn("job schedule failed", logx.String("job", name), logx.Err(err))
			}
		}
	}

	if added+updated+removed > 0 {
		s.log.Info("jobs applied",
			logx.Int("added", added),
			logx.Int("updated", updated),
			logx.Int("removed", removed),
			logx.Int("total", len(s.entries)),
		)
	}
	return nil
}

func sameJob(a, b Job) bool {
	if a.Schedule != b.Schedule || a.Method != b.Method || a.URL != b.URL {
		return false
	}
	if len(a.Headers) != len(b.Headers) || len(a.Form) != len(b.Form) {
		return false
	}
	for k, v := range a.Headers {
		if bv, ok := b.Headers[k]; !ok || bv != v {
			return false
		}
	}
	return a.Form.Encode() == b.Form.Encode()
}

// Start begins triggering. Jobs applied before Start are scheduled now.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(cronParser), cron.WithChain(cron.Recover(cronLogger{s.log})))
	for _, e := range s.entries {
		if err := s.scheduleLocked(e); err != nil {
			s.log.Warn("job schedule failed", logx.String("job", e.job.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("jobs started", logx.Int("jobs", len(s.entries)))
}

// Stop halts triggering. Submissions already posted still run.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.entries {
		e.added = false
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("jobs stopped")
}

func (s *Service) scheduleLocked(e *entry) error {
	name := e.job.Name
	sched, err := e.sched.cronSchedule(s.now(), name)
	if err != nil {
		return err
	}
	e.id = s.c.Schedule(sched, cron.FuncJob(func() { s.Trigger(name) }))
	e.added = true
	s.log.Debug("job scheduled",
		logx.String("job", name),
		logx.String("schedule", e.job.Schedule),
		logx.String("kind", e.sched.Kind.String()),
	)
	return nil
}

func (s *Service) unscheduleLocked(e *entry) {
	if s.c != nil && e.added {
		s.c.Remove(e.id)
	}
	e.added = false
}

// Trigger submits the named job now. A run is skipped while the previous
// one is still in flight. It reports whether a submission was posted.
func (s *Service) Trigger(name string) bool {
	s.mu.Lock()
	e := s.entries[name]
	if e == nil {
		s.mu.Unlock()
		return false
	}
	if e.inFlight {
		e.skipped++
		s.mu.Unlock()
		s.log.Debug("job skipped: previous run in flight", logx.String("job", name))
		return false
	}
	e.inFlight = true
	e.runs++
	job := e.job
	s.mu.Unlock()

	s.loop.Post(func() {
		fired := false
		n := s.req.Request(job.request(), func(res operation.Response) {
			fired = true
			s.finished(name, res)
		})
		if n != nil && n.Finished() && !fired {
			s.dropped(name)
		}
	})
	return true
}

// finished records a run's result on the job currently registered under
// name; a reload may have replaced the entry while the request ran.
func (s *Service) finished(name string, res operation.Response) {
	s.mu.Lock()
	e := s.entries[name]
	if e != nil {
		e.inFlight = false
		e.lastAt = s.now()
		e.lastErr = ""
		if !res.Success {
			e.failures++
			e.lastErr = res.Error
		}
	}
	s.mu.Unlock()

	if res.Success {
		s.log.Info("job finished",
			logx.String("job", name),
			logx.Int("status", res.StatusCode),
			logx.Int("attempts", res.Attempts),
			logx.Int("bytes", len(res.Body)),
		)
		return
	}
	s.log.Warn("job failed",
		logx.String("job", name),
		logx.Int("attempts", res.Attempts),
		logx.String("err", res.Error),
	)
}

// dropped clears the in-flight mark of a run disposed without a callback.
func (s *Service) dropped(name string) {
	s.mu.Lock()
	if e := s.entries[name]; e != nil {
		e.inFlight = false
	}
	s.mu.Unlock()
	s.log.Warn("job run dropped before completion", logx.String("job", name))
}

// Snapshot lists jobs by name.
func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.entries))
	for _, e := range s.entries {
		info := Info{
			Name:      e.job.Name,
			Schedule:  e.job.Schedule,
			Kind:      e.sched.Kind.String(),
			Request:   e.job.request().EffectiveMethod() + " " + e.job.URL,
			Runs:      e.runs,
			Skipped:   e.skipped,
			Failures:  e.failures,
			InFlight:  e.inFlight,
			LastAt:    e.lastAt,
			LastError: e.lastErr,
		}
		if s.c != nil && e.added {
			info.Next = s.c.Entry(e.id).Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes robfig/cron diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
