package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "asyncproc/pkg/logx"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
	sdWatchdog = daemon.SdNotifyWatchdog
)

func sdNotify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func sdWatchdogInterval() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) }

// notifyState is a no-op outside systemd (NOTIFY_SOCKET unset).
func (a *App) notifyState(state string) {
	if a.notify == nil {
		return
	}
	sent, err := a.notify(state)
	if err != nil {
		a.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("systemd notified", logx.String("state", state))
	}
}

func (a *App) startSystemd() {
	a.notifyState(sdReady)

	if a.watchdogInterval == nil {
		return
	}
	interval, err := a.watchdogInterval()
	if err != nil {
		a.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) { a.watchdog(c, interval/2) })
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
}

// watchdog pings only while the driver loop keeps cycling, so a wedged loop
// lets systemd restart the unit.
func (a *App) watchdog(c context.Context, every time.Duration) {
	t := a.clk.Ticker(every)
	defer t.Stop()

	last := a.beats.Load()
	for {
		select {
		case <-c.Done():
			return
		case <-t.C:
			cur := a.beats.Load()
			if cur == last {
				a.log.Warn("driver loop stalled; withholding watchdog ping", logx.Uint64("cycles", cur))
				continue
			}
			last = cur
			a.notifyState(sdWatchdog)
		}
	}
}
