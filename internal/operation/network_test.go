package operation

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/raulk/clock"

	"asyncproc/internal/eventbus"
	"asyncproc/internal/transport"
)

// drive polls op once per simulated step until it finishes or maxTicks is hit.
func drive(t *testing.T, clk *clock.Mock, op Operation, step time.Duration, maxTicks int) int {
	t.Helper()
	for i := 1; i <= maxTicks; i++ {
		if !op.Poll() {
			return i
		}
		clk.Add(step)
	}
	t.Fatalf("operation still running after %d ticks", maxTicks)
	return 0
}

func assertDisposedOnce(t *testing.T, tr *fakeTransport) {
	t.Helper()
	for i, h := range tr.issued {
		if h.disposed != 1 {
			t.Fatalf("handle %d disposed %d times, want 1", i+1, h.disposed)
		}
	}
}

func TestNetworkImmediateSuccess(t *testing.T) {
	clk := clock.NewMock()
	tr := &fakeTransport{clk: clk, next: func(int) *fakeHandle { return ok("hello") }}
	var got []Response
	op := NewNetwork(transport.Request{URL: "http://example.test/a"}, func(r Response) { got = append(got, r) }, tr, NetworkOptions{Clock: clk})

	if op.Poll() {
		t.Fatal("a request that completes on send should finish on the first poll")
	}
	if len(got) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(got))
	}
	if !got[0].Success || string(got[0].Body) != "hello" || got[0].Error != "" || got[0].Err != nil {
		t.Fatalf("unexpected response %+v", got[0])
	}
	if got[0].Attempts != 1 {
		t.Fatalf("attempts = %d", got[0].Attempts)
	}
	assertDisposedOnce(t, tr)
	if op.Poll() {
		t.Fatal("poll after finish returned true")
	}
	if len(got) != 1 {
		t.Fatal("callback refired")
	}
}

func TestNetworkSuccessWithinTimeout(t *testing.T) {
	clk := clock.NewMock()
	h := &fakeHandle{}
	tr := &fakeTransport{clk: clk, next: func(int) *fakeHandle { return h }}
	fired := 0
	var res Response
	op := NewNetwork(transport.Request{URL: "http://example.test/b", Header: map[string]string{"X-A": "1"}},
		func(r Response) { fired++; res = r }, tr, NetworkOptions{Clock: clk})

	for i := 0; i < 10; i++ {
		if !op.Poll() {
			t.Fatalf("finished early at poll %d", i+1)
		}
		clk.Add(5 * time.Second)
	}
	if fired != 0 {
		t.Fatal("callback fired while in flight")
	}
	if op.Progress() != 0.5 {
		t.Fatalf("progress = %v", op.Progress())
	}

	h.done, h.status, h.body = true, 200, []byte("done")
	if op.Poll() {
		t.Fatal("completed request should finish")
	}
	if fired != 1 || string(res.Body) != "done" {
		t.Fatalf("fired=%d res=%+v", fired, res)
	}
	if len(tr.issued) != 1 {
		t.Fatalf("issued %d requests, want 1", len(tr.issued))
	}
	if tr.reqs[0].Header["X-A"] != "1" {
		t.Fatal("headers not passed to transport")
	}
	assertDisposedOnce(t, tr)
}

func TestNetworkTimeoutExhaustsRetries(t *testing.T) {
	clk := clock.NewMock()
	tr := &fakeTransport{clk: clk} // never completes
	fired := 0
	var res Response
	op := NewNetwork(transport.Request{URL: "http://example.test/slow"}, func(r Response) { fired++; res = r }, tr, NetworkOptions{Clock: clk})

	drive(t, clk, op, time.Second, 10_000)

	if got := len(tr.issued); got != DefaultRetryCount+1 {
		t.Fatalf("issued %d attempts, want %d", got, DefaultRetryCount+1)
	}
	if fired != 1 {
		t.Fatalf("callback fired %d times", fired)
	}
	if res.Body != nil || res.Success {
		t.Fatalf("expected failure without body, got %+v", res)
	}
	if res.Error == "" {
		t.Fatal("expected non-empty error string")
	}
	if !errors.Is(res.Err, ErrRetriesExhausted) || !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("err = %v", res.Err)
	}
	if res.Attempts != DefaultRetryCount+1 {
		t.Fatalf("attempts = %d", res.Attempts)
	}
	assertDisposedOnce(t, tr)

	// Each retry waits for the timeout and then the full cooldown.
	for i := 1; i < len(tr.issued); i++ {
		gap := tr.issued[i].issuedAt.Sub(tr.issued[i-1].issuedAt)
		if gap < DefaultRequestTimeout+DefaultRetryWait {
			t.Fatalf("attempt %d sent %v after previous, want >= %v", i+1, gap, DefaultRequestTimeout+DefaultRetryWait)
		}
	}
	if op.Poll() {
		t.Fatal("poll after give-up returned true")
	}
}

func TestNetworkNoSendDuringCooldown(t *testing.T) {
	clk := clock.NewMock()
	tr := &fakeTransport{clk: clk, next: func(n int) *fakeHandle {
		if n == 1 {
			return &fakeHandle{done: true, status: 503, msg: "HTTP 503 Service Unavailable"}
		}
		return ok("second")
	}}
	var res Response
	op := NewNetwork(transport.Request{URL: "http://example.test/flaky"}, func(r Response) { res = r }, tr,
		NetworkOptions{Clock: clk, RetryWait: 10 * time.Second})

	if !op.Poll() {
		t.Fatal("failed first attempt should enter cooldown")
	}
	if tr.issued[0].disposed != 1 {
		t.Fatal("failed handle should be disposed before cooldown")
	}
	for i := 0; i < 9; i++ {
		clk.Add(time.Second)
		if !op.Poll() {
			t.Fatal("finished during cooldown")
		}
		if len(tr.issued) != 1 {
			t.Fatalf("request issued during cooldown after %ds", i+1)
		}
	}
	clk.Add(time.Second)
	if !op.Poll() {
		t.Fatal("resend poll should report still running")
	}
	if len(tr.issued) != 2 {
		t.Fatalf("issued = %d, want 2 once cooldown elapsed", len(tr.issued))
	}
	if op.Poll() {
		t.Fatal("second attempt succeeded, expected finish on next poll")
	}
	if !res.Success || string(res.Body) != "second" || res.Attempts != 2 {
		t.Fatalf("unexpected response %+v", res)
	}
	assertDisposedOnce(t, tr)
}

func TestNetworkNon200Exhausted(t *testing.T) {
	clk := clock.NewMock()
	tr := &fakeTransport{clk: clk, next: func(int) *fakeHandle {
		return &fakeHandle{done: true, status: 404, msg: "HTTP 404 Not Found", body: []byte("nope")}
	}}
	var res Response
	op := NewNetwork(transport.Request{URL: "http://example.test/missing", Form: url.Values{"a": {"b"}}},
		func(r Response) { res = r }, tr, NetworkOptions{Clock: clk, RetryCount: 2, RetryWait: time.Second})

	drive(t, clk, op, time.Second, 100)

	if len(tr.issued) != 3 {
		t.Fatalf("issued = %d, want 3", len(tr.issued))
	}
	if res.Body != nil {
		t.Fatalf("body = %q, want nil", res.Body)
	}
	if res.Error != "HTTP 404 Not Found" || res.StatusCode != 404 {
		t.Fatalf("unexpected response %+v", res)
	}
	if !errors.Is(res.Err, ErrTransport) {
		t.Fatalf("err = %v", res.Err)
	}
	var ae *AttemptError
	if !errors.As(res.Err, &ae) || ae.StatusCode != 404 {
		t.Fatalf("missing attempt error: %v", res.Err)
	}
	for _, r := range tr.reqs {
		if r.Form.Get("a") != "b" || r.URL != "http://example.test/missing" {
			t.Fatalf("retry changed request: %+v", r)
		}
	}
	assertDisposedOnce(t, tr)
}

func TestNetworkRetriesDisabled(t *testing.T) {
	clk := clock.NewMock()
	tr := &fakeTransport{clk: clk, next: func(int) *fakeHandle { return &fakeHandle{done: true, netErr: true, msg: "connection refused"} }}
	var res Response
	op := NewNetwork(transport.Request{URL: "http://example.test/"}, func(r Response) { res = r }, tr,
		NetworkOptions{Clock: clk, RetryCount: -1})
	if op.Poll() {
		t.Fatal("with retries disabled the first failure is final")
	}
	if res.Error != "connection refused" || res.Attempts != 1 {
		t.Fatalf("unexpected response %+v", res)
	}
	assertDisposedOnce(t, tr)
}

func TestNetworkCooldownGrowth(t *testing.T) {
	clk := clock.NewMock()
	tr := &fakeTransport{clk: clk, next: func(int) *fakeHandle { return &fakeHandle{done: true, status: 500} }}
	op := NewNetwork(transport.Request{URL: "http://example.test/"}, nil, tr, NetworkOptions{
		Clock: clk, RetryCount: 4, RetryWait: time.Minute, RetryMaxWait: 4 * time.Minute,
	})
	drive(t, clk, op, time.Second, 100_000)

	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 4 * time.Minute}
	for i, w := range want {
		gap := tr.issued[i+1].issuedAt.Sub(tr.issued[i].issuedAt)
		if gap < w || gap > w+time.Second {
			t.Fatalf("cooldown before attempt %d = %v, want ~%v", i+2, gap, w)
		}
	}
}

func TestNetworkDispose(t *testing.T) {
	clk := clock.NewMock()
	tr := &fakeTransport{clk: clk}
	fired := false
	op := NewNetwork(transport.Request{URL: "http://example.test/"}, func(Response) { fired = true }, tr, NetworkOptions{Clock: clk})
	if !op.Poll() {
		t.Fatal("expected in flight")
	}
	op.Dispose()
	op.Dispose()
	if op.Poll() {
		t.Fatal("disposed op should report finished")
	}
	if fired {
		t.Fatal("dispose must not fire the callback")
	}
	assertDisposedOnce(t, tr)
}

func TestNetworkPublishesEvents(t *testing.T) {
	clk := clock.NewMock()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	tr := &fakeTransport{clk: clk, next: func(n int) *fakeHandle {
		if n == 1 {
			return &fakeHandle{done: true, status: 500, msg: "HTTP 500"}
		}
		return ok("x")
	}}
	op := NewNetwork(transport.Request{URL: "http://example.test/"}, nil, tr, NetworkOptions{Clock: clk, Bus: bus, RetryWait: time.Second})
	drive(t, clk, op, time.Second, 10)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	want := []string{EventRequestSent, EventRequestRetry, EventRequestSent, EventRequestFinished}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}
