package scheduler

const pendingHeadMax = 20

// Snapshot builds a view of the current state. Loop goroutine only.
func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		At:           s.clk.Now(),
		ProcessLimit: s.cfg.ProcessLimit,
		Pending:      len(s.pending),
		Running:      len(s.running),
		Closed:       s.closed,
		Ticks:        s.ticks,
		Submitted:    s.submitted,
		Admitted:     s.admitted,
		Finished:     s.finished,
		Panicked:     s.panicked,
		RunningOps:   make([]OpInfo, 0, len(s.running)),
		History:      make([]HistoryItem, len(s.history)),
	}
	for _, e := range s.running {
		snap.RunningOps = append(snap.RunningOps, OpInfo{ID: e.id, Label: e.label, Since: e.admitted})
	}
	n := min(len(s.pending), pendingHeadMax)
	snap.PendingHead = make([]OpInfo, 0, n)
	for _, e := range s.pending[:n] {
		snap.PendingHead = append(snap.PendingHead, OpInfo{ID: e.id, Label: e.label, Since: e.submitted})
	}
	copy(snap.History, s.history)
	return snap
}

// Published returns the snapshot taken at the end of the last tick that
// changed state. Safe to call from any goroutine.
func (s *Scheduler) Published() Snapshot {
	if p := s.published.Load(); p != nil {
		return *p
	}
	return Snapshot{}
}

func (s *Scheduler) publish() {
	snap := s.Snapshot()
	s.published.Store(&snap)
	s.dirty = false
}
