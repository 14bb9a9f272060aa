package scheduler

import (
	"net/url"

	"asyncproc/internal/operation"
	"asyncproc/internal/transport"
)

// WaitProcess submits an operation that finishes once progress reports false.
func (s *Scheduler) WaitProcess(progress func() bool, onFinished func()) *operation.Wait {
	w := operation.NewWait(progress, onFinished)
	s.Submit(w)
	return w
}

// Get submits a GET request. headers may be nil.
func (s *Scheduler) Get(rawURL string, onFinished func(operation.Response), headers map[string]string) *operation.Network {
	return s.Request(transport.Request{Method: "GET", URL: rawURL, Header: headers}, onFinished)
}

// Post submits a form-encoded POST request. headers may be nil.
func (s *Scheduler) Post(rawURL string, form url.Values, onFinished func(operation.Response), headers map[string]string) *operation.Network {
	if form == nil {
		form = url.Values{}
	}
	return s.Request(transport.Request{Method: "POST", URL: rawURL, Header: headers, Form: form}, onFinished)
}

// Request submits an arbitrary request using the scheduler's network options.
func (s *Scheduler) Request(req transport.Request, onFinished func(operation.Response)) *operation.Network {
	n := operation.NewNetwork(req, onFinished, s.tr, s.networkOptions())
	s.Submit(n)
	return n
}

// SetNetworkOptions replaces the template used for requests submitted later.
// Operations already created keep their options.
func (s *Scheduler) SetNetworkOptions(opt operation.NetworkOptions) {
	s.cfg.Network = opt
}

func (s *Scheduler) networkOptions() operation.NetworkOptions {
	opt := s.cfg.Network
	if opt.Clock == nil {
		opt.Clock = s.clk
	}
	if opt.Log.IsZero() {
		opt.Log = s.log
	}
	if opt.Bus == nil {
		opt.Bus = s.bus
	}
	return opt
}
