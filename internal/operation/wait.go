package operation

// Wait bridges "poll a condition every tick" and "callback when it is done".
type Wait struct {
	id       string
	label    string
	progress func() bool
	onDone   func()
	finished bool
}

// NewWait returns a Wait operation. progress reports true while the awaited
// process is still running; onFinished fires once, on the poll where progress
// first reports false.
func NewWait(progress func() bool, onFinished func()) *Wait {
	return &Wait{id: newID("wait"), label: "wait", progress: progress, onDone: onFinished}
}

// Named sets the label used in logs and snapshots.
func (w *Wait) Named(label string) *Wait {
	if label != "" {
		w.label = label
	}
	return w
}

func (w *Wait) ID() string    { return w.id }
func (w *Wait) Label() string { return w.label }

// Finished reports whether the callback has fired.
func (w *Wait) Finished() bool { return w.finished }

func (w *Wait) Poll() bool {
	if w.finished {
		return false
	}
	if w.progress != nil && w.progress() {
		return true
	}
	w.finished = true
	if w.onDone != nil {
		w.onDone()
	}
	return false
}
