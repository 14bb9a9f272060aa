package storage

import (
	"context"
	"time"

	"asyncproc/internal/eventbus"
	"asyncproc/internal/operation"
	"asyncproc/internal/scheduler"
	logx "asyncproc/pkg/logx"
)

const writeTimeout = 2 * time.Second

// JournalEvents are the bus event types the writer records.
var JournalEvents = []string{
	scheduler.EventFinished,
	scheduler.EventPanicked,
	operation.EventRequestFinished,
}

// RecordFromEvent converts a bus event into a journal record.
func RecordFromEvent(e eventbus.Event) (Record, bool) {
	switch d := e.Data.(type) {
	case scheduler.OpEvent:
		return Record{
			At:      e.Time,
			Kind:    KindOperation,
			Event:   e.Type,
			OpID:    d.ID,
			Label:   d.Label,
			Success: e.Type == scheduler.EventFinished,
			Error:   d.Panic,
			QueueMS: d.QueueDelay.Milliseconds(),
			TookMS:  d.Duration.Milliseconds(),
		}, true
	case operation.RequestEvent:
		return Record{
			At:         e.Time,
			Kind:       KindRequest,
			Event:      e.Type,
			OpID:       d.ID,
			Label:      d.Label,
			Success:    d.Success,
			StatusCode: d.StatusCode,
			Attempts:   d.Attempt,
			Error:      d.Error,
			TookMS:     d.Duration.Milliseconds(),
		}, true
	}
	return Record{}, false
}

// Writer appends a record for every finished operation and request.
type Writer struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
	buf   int
}

func NewWriter(store Store, bus eventbus.Bus, log logx.Logger) *Writer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Writer{store: store, bus: bus, log: log, buf: 256}
}

// Run consumes bus events until ctx is done.
func (w *Writer) Run(ctx context.Context) error {
	ch, unsub := w.bus.Subscribe(w.buf, JournalEvents...)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			w.drain(ch)
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			w.write(ctx, e)
		}
	}
}

// drain records what is already buffered at shutdown.
func (w *Writer) drain(ch <-chan eventbus.Event) {
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			w.write(context.Background(), e)
		default:
			return
		}
	}
}

func (w *Writer) write(ctx context.Context, e eventbus.Event) {
	r, ok := RecordFromEvent(e)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := w.store.AppendRecord(wctx, r); err != nil {
		w.log.Warn("journal append failed", logx.String("op", r.OpID), logx.Err(err))
	}
}
