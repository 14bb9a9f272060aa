package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"asyncproc/internal/config"
	"asyncproc/internal/scheduler"
	"asyncproc/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func baseConfig(journal string) string {
	return fmt.Sprintf(`{
		"logging": {"level": "error", "console": true},
		"scheduler": {"process_limit": 2, "tick_interval": "5ms"},
		"network": {"retry_count": -1, "request_timeout": "5s"},
		"storage": {"driver": "file", "path": %q}
	}`, journal)
}

type notifyRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *notifyRecorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *notifyRecorder) has(state string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.states, state)
}

func startApp(t *testing.T, a *App) {
	t.Helper()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopUnknown) })
}

// onLoop runs fn on the loop goroutine and waits for it.
func onLoop[T any](t *testing.T, a *App, fn func(s *scheduler.Scheduler) T) T {
	t.Helper()
	ch := make(chan T, 1)
	a.Post(func(s *scheduler.Scheduler) { ch <- fn(s) })
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not run posted work")
	}
	var zero T
	return zero
}

func TestFetchRecordsJournal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	a, err := New(writeConfig(t, baseConfig(filepath.Join(t.TempDir(), "journal"))))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rec := &notifyRecorder{}
	a.notify = rec.notify
	a.watchdogInterval = nil
	startApp(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := a.Fetch(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !res.Success || string(res.Body) != "pong" || res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected response: %+v", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		recs, err := a.store.Recent(ctx, 10)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if slices.ContainsFunc(recs, func(r storage.Record) bool { return r.Kind == storage.KindRequest && r.Success }) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no request record in journal: %+v", recs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !rec.has(sdReady) {
		t.Fatalf("expected READY notification, got %v", rec.states)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad schedule", `{"jobs":[{"name":"a","schedule":"bogus","url":"http://x"}]}`, "bogus"},
		{"bad timeout", `{"status":{"read_timeout":"soon"}}`, "status.read_timeout"},
		{"sqlite without path", `{"storage":{"driver":"sqlite"}}`, "storage.path"},
		{"unknown field", `{"scheduler":{"workers":3}}`, "workers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestApplyConfigReachesComponents(t *testing.T) {
	a, err := New(writeConfig(t, baseConfig(filepath.Join(t.TempDir(), "journal"))))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.notify = nil
	a.watchdogInterval = nil
	startApp(t, a)

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Scheduler.ProcessLimit = 4
	newCfg.Network.RetryCount = 2
	newCfg.Jobs = []config.JobConfig{{Name: "ping", Schedule: "1h", URL: "http://127.0.0.1:1/"}}

	a.applyConfig(context.Background(), oldCfg, &newCfg)

	if got := onLoop(t, a, func(s *scheduler.Scheduler) int { return s.ProcessLimit() }); got != 4 {
		t.Fatalf("process limit: got %d want 4", got)
	}
	infos := a.jobs.Snapshot()
	if len(infos) != 1 || infos[0].Name != "ping" {
		t.Fatalf("jobs not applied: %+v", infos)
	}
	if infos[0].Next.IsZero() {
		t.Fatalf("job not scheduled: %+v", infos[0])
	}
}

func TestStartLogsLimitWithoutTouchingScheduler(t *testing.T) {
	a, err := New(writeConfig(t, baseConfig(filepath.Join(t.TempDir(), "journal"))))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.notify = nil
	a.watchdogInterval = nil
	if a.processLimit != 2 {
		t.Fatalf("processLimit=%d want 2", a.processLimit)
	}

	// Queued before Start, so it runs on the loop while Start is still logging.
	a.Post(func(s *scheduler.Scheduler) { s.SetProcessLimit(3) })
	startApp(t, a)

	if got := onLoop(t, a, func(s *scheduler.Scheduler) int { return s.ProcessLimit() }); got != 3 {
		t.Fatalf("process limit: got %d want 3", got)
	}
}

func TestWatchdogPingsWhileLoopRuns(t *testing.T) {
	a, err := New(writeConfig(t, baseConfig(filepath.Join(t.TempDir(), "journal"))))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rec := &notifyRecorder{}
	a.notify = rec.notify
	a.watchdogInterval = func() (time.Duration, error) { return 40 * time.Millisecond, nil }

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !rec.has(sdWatchdog) {
		if time.Now().After(deadline) {
			t.Fatalf("no watchdog ping, states: %v", rec.states)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := a.Stop(context.Background(), StopSIGTERM); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !rec.has(sdStopping) {
		t.Fatalf("expected STOPPING notification, got %v", rec.states)
	}
}

func TestMapNetworkOptionsDefaults(t *testing.T) {
	opt, err := mapNetworkOptions(&config.Config{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if opt.RetryWait != 60*time.Second || opt.RequestTimeout != 60*time.Second {
		t.Fatalf("unexpected defaults: %+v", opt)
	}
	if opt.RetryCount != 0 || opt.RetryMaxWait != 0 {
		t.Fatalf("retry fields should defer to operation defaults: %+v", opt)
	}

	opt, err = mapNetworkOptions(&config.Config{Network: config.NetworkConfig{RetryWait: "2s", RetryMaxWait: "30s", RetryBackoffFactor: 3}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if opt.RetryWait != 2*time.Second || opt.RetryMaxWait != 30*time.Second || opt.RetryBackoffFactor != 3 {
		t.Fatalf("unexpected options: %+v", opt)
	}
}

func TestMapJobsDefaultsMethod(t *testing.T) {
	js, err := mapJobs(&config.Config{Jobs: []config.JobConfig{
		{Name: " a ", Schedule: "30s", URL: "http://x/"},
		{Name: "b", Schedule: "*/5 * * * *", Method: "post", URL: "http://x/", Form: map[string]string{"k": "v"}},
	}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if js[0].Name != "a" || js[0].Method != "GET" || js[0].Form != nil {
		t.Fatalf("job a: %+v", js[0])
	}
	if js[1].Method != "POST" || js[1].Form.Get("k") != "v" {
		t.Fatalf("job b: %+v", js[1])
	}
}
