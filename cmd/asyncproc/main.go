package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"asyncproc/internal/app"
	logx "asyncproc/pkg/logx"
)

func main() {
	var (
		cfgPath string
		getURL  string
		timeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.StringVar(&getURL, "get", "", "submit one GET through the scheduler, print the result and exit")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "upper bound for -get, retries included")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Used until the configured logger exists, and for the exit status.
	boot := logx.NewConsole("info").With(logx.String("comp", "main"))

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("load failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		os.Exit(1)
	}

	if getURL != "" {
		os.Exit(oneShot(ctx, a, sigCh, getURL, timeout))
	}

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = stopReason(sig)
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		boot.Error("exited with error", logx.Err(err))
		os.Exit(1)
	}
}

func oneShot(ctx context.Context, a *app.App, sigCh <-chan os.Signal, rawURL string, timeout time.Duration) int {
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-fctx.Done():
		}
	}()

	res, err := a.Fetch(fctx, rawURL, nil)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, app.StopOneShot)

	if err != nil {
		fmt.Fprintln(os.Stderr, "get:", err)
		return 1
	}
	if !res.Success {
		fmt.Fprintf(os.Stderr, "get failed after %d attempt(s): %s\n", res.Attempts, res.Error)
		return 1
	}
	fmt.Fprintf(os.Stderr, "status=%d attempts=%d size=%s\n", res.StatusCode, res.Attempts, humanize.Bytes(uint64(len(res.Body))))
	_, _ = os.Stdout.Write(res.Body)
	return 0
}

func stopReason(sig os.Signal) app.StopReason {
	switch sig {
	case os.Interrupt:
		return app.StopSIGINT
	case syscall.SIGTERM:
		return app.StopSIGTERM
	}
	return app.StopUnknown
}
