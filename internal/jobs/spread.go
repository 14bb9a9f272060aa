package jobs

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule overrides the first activation of an interval schedule.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// withStartupSpread delays the first run by every plus a per-tag offset in
// [0, min(every, 30s)), in whole seconds. The offset is stable for a given tag.
func withStartupSpread(every time.Duration, now time.Time, tag string) cron.Schedule {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread) / time.Second
	if spread <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	offset := time.Duration(h.Sum64()%uint64(spread)) * time.Second
	return &spreadSchedule{base: base, first: now.Add(every + offset)}
}
