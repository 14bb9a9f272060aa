package jobs

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/raulk/clock"

	"asyncproc/internal/operation"
	"asyncproc/internal/scheduler"
	"asyncproc/internal/transport"
	logx "asyncproc/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     Kind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, source: "cron"},
		{name: "cron with seconds", raw: "*/10 * * * * *", kind: KindCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: KindCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, source: "cron"},
		{name: "duration", raw: "10m", kind: KindInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, source: "duration", duration: 45 * time.Second},
		{name: "every hhmm", raw: "every:00:05", kind: KindInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: KindInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == KindInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "00:00", "01:75", "61 * * * *", "cron:", "interval:soon"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestStartupSpreadIsStable(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := withStartupSpread(time.Minute, now, "job-a").Next(now)
	b := withStartupSpread(time.Minute, now, "job-a").Next(now)
	if !a.Equal(b) {
		t.Fatalf("same tag gave %v and %v", a, b)
	}
	if a.Before(now.Add(time.Minute)) || !a.Before(now.Add(time.Minute+30*time.Second)) {
		t.Fatalf("first run %v outside [every, every+30s)", a)
	}
	// After the first activation the plain interval applies.
	if next := withStartupSpread(time.Minute, now, "job-a").Next(a); next.Sub(a) != time.Minute {
		t.Fatalf("second run after %v", next.Sub(a))
	}
}

type fakeLoop struct{ posted []func() }

func (l *fakeLoop) Post(fn func()) { l.posted = append(l.posted, fn) }

func (l *fakeLoop) drain() {
	work := l.posted
	l.posted = nil
	for _, fn := range work {
		fn()
	}
}

type fakeRequester struct {
	reqs []transport.Request
	cbs  []func(operation.Response)
}

func (r *fakeRequester) Request(req transport.Request, onFinished func(operation.Response)) *operation.Network {
	r.reqs = append(r.reqs, req)
	r.cbs = append(r.cbs, onFinished)
	return nil
}

func newTestService() (*Service, *fakeLoop, *fakeRequester) {
	loop, req := &fakeLoop{}, &fakeRequester{}
	return New(loop, req, logx.Nop()), loop, req
}

func TestTriggerPostsToLoop(t *testing.T) {
	s, loop, req := newTestService()
	err := s.Apply([]Job{{
		Name:     "report",
		Schedule: "1m",
		URL:      "http://example.com/r",
		Headers:  map[string]string{"X-A": "1"},
		Form:     url.Values{"k": {"v"}},
	}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if !s.Trigger("report") {
		t.Fatalf("Trigger returned false")
	}
	if len(req.reqs) != 0 {
		t.Fatalf("request submitted off the loop")
	}
	loop.drain()
	if len(req.reqs) != 1 {
		t.Fatalf("requests=%d", len(req.reqs))
	}
	got := req.reqs[0]
	if got.EffectiveMethod() != "POST" || got.Header["X-A"] != "1" || got.Form.Get("k") != "v" {
		t.Fatalf("request=%+v", got)
	}
	if s.Trigger("missing") {
		t.Fatalf("unknown job triggered")
	}
}

func TestTriggerSkipsWhileInFlight(t *testing.T) {
	s, loop, req := newTestService()
	if err := s.Apply([]Job{{Name: "ping", Schedule: "30s", URL: "http://x/ping"}}); err != nil {
		t.Fatal(err)
	}
	s.Trigger("ping")
	loop.drain()
	if s.Trigger("ping") {
		t.Fatalf("overlapping run was submitted")
	}

	req.cbs[0](operation.Response{Success: false, Error: "HTTP 503 Service Unavailable", Attempts: 6})
	info := s.Snapshot()[0]
	if info.Runs != 1 || info.Skipped != 1 || info.Failures != 1 || info.InFlight {
		t.Fatalf("info=%+v", info)
	}
	if !strings.Contains(info.LastError, "503") {
		t.Fatalf("last error=%q", info.LastError)
	}

	if !s.Trigger("ping") {
		t.Fatalf("run after completion was skipped")
	}
	loop.drain()
	req.cbs[1](operation.Response{Success: true, StatusCode: 200, Body: []byte("ok"), Attempts: 1})
	if info := s.Snapshot()[0]; info.LastError != "" || info.Runs != 2 {
		t.Fatalf("info=%+v", info)
	}
}

func TestReloadDuringRunKeepsInFlight(t *testing.T) {
	s, loop, req := newTestService()
	if err := s.Apply([]Job{{Name: "a", Schedule: "1m", URL: "http://x/a"}}); err != nil {
		t.Fatal(err)
	}
	s.Trigger("a")
	loop.drain()

	if err := s.Apply([]Job{{Name: "a", Schedule: "1m", URL: "http://x/a2"}}); err != nil {
		t.Fatal(err)
	}
	if s.Trigger("a") {
		t.Fatalf("second run posted while the first is in flight")
	}
	loop.drain()
	if len(req.reqs) != 1 {
		t.Fatalf("requests=%d", len(req.reqs))
	}

	req.cbs[0](operation.Response{Success: false, Error: "HTTP 502 Bad Gateway", Attempts: 1})
	info := s.Snapshot()[0]
	if info.Runs != 1 || info.Skipped != 1 || info.Failures != 1 || info.InFlight {
		t.Fatalf("info=%+v", info)
	}
	if !strings.Contains(info.LastError, "502") || !strings.HasSuffix(info.Request, "/a2") {
		t.Fatalf("info=%+v", info)
	}
	if !s.Trigger("a") {
		t.Fatalf("run after completion was skipped")
	}
}

func TestDroppedSubmissionClearsInFlight(t *testing.T) {
	loop := &fakeLoop{}
	sched := scheduler.New(scheduler.Config{}, logx.Nop(), nil, scheduler.WithClock(clock.NewMock()))
	sched.Shutdown()
	s := New(loop, sched, logx.Nop())
	if err := s.Apply([]Job{{Name: "a", Schedule: "1m", URL: "http://x/a"}}); err != nil {
		t.Fatal(err)
	}

	s.Trigger("a")
	loop.drain()
	if info := s.Snapshot()[0]; info.InFlight {
		t.Fatalf("dropped run left job in flight: %+v", info)
	}
	if !s.Trigger("a") {
		t.Fatalf("trigger after dropped run was skipped")
	}
}

func TestApplyUpsertsByName(t *testing.T) {
	s, loop, _ := newTestService()
	if err := s.Apply([]Job{
		{Name: "a", Schedule: "1m", URL: "http://x/a"},
		{Name: "b", Schedule: "1m", URL: "http://x/b"},
	}); err != nil {
		t.Fatal(err)
	}
	s.Trigger("a")
	loop.drain()

	// a unchanged keeps its counters, b removed, c added.
	if err := s.Apply([]Job{
		{Name: "a", Schedule: "1m", URL: "http://x/a"},
		{Name: "c", Schedule: "*/5 * * * *", URL: "http://x/c"},
	}); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Name != "a" || snap[1].Name != "c" {
		t.Fatalf("snapshot=%+v", snap)
	}
	if snap[0].Runs != 1 || !snap[0].InFlight {
		t.Fatalf("unchanged job lost state: %+v", snap[0])
	}
	if snap[1].Kind != "cron" {
		t.Fatalf("kind=%s", snap[1].Kind)
	}
}

func TestApplyInvalidLeavesJobsUntouched(t *testing.T) {
	s, _, _ := newTestService()
	if err := s.Apply([]Job{{Name: "a", Schedule: "1m", URL: "http://x/a"}}); err != nil {
		t.Fatal(err)
	}
	err := s.Apply([]Job{
		{Name: "a", Schedule: "2m", URL: "http://x/a"},
		{Name: "bad", Schedule: "whenever", URL: "http://x/b"},
	})
	if err == nil || !strings.Contains(err.Error(), `"bad"`) {
		t.Fatalf("err=%v", err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Schedule != "1m" {
		t.Fatalf("snapshot=%+v", snap)
	}
	if err := s.Apply([]Job{{Name: "x", Schedule: "1m"}, {Name: "x", Schedule: "2m"}}); err == nil {
		t.Fatalf("duplicate names accepted")
	}
}

func TestStartStopSchedulesEntries(t *testing.T) {
	s, _, _ := newTestService()
	if err := s.Apply([]Job{{Name: "a", Schedule: "1h", URL: "http://x/a"}}); err != nil {
		t.Fatal(err)
	}
	if next := s.Snapshot()[0].Next; !next.IsZero() {
		t.Fatalf("next set before Start: %v", next)
	}
	s.Start()
	// Applying while started schedules immediately.
	if err := s.Apply([]Job{
		{Name: "a", Schedule: "1h", URL: "http://x/a"},
		{Name: "b", Schedule: "0 3 * * *", URL: "http://x/b"},
	}); err != nil {
		t.Fatal(err)
	}
	for _, info := range s.Snapshot() {
		if info.Next.IsZero() {
			t.Fatalf("job %s has no next run", info.Name)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if next := s.Snapshot()[0].Next; !next.IsZero() {
		t.Fatalf("next set after Stop: %v", next)
	}
}
