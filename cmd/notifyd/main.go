package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notifyd/internal/app"
)

func main() {
	var (
		cfgPath string
		stdin   bool
	)
	flag.StringVar(&cfgPath, "config", "./notifyd.yaml", "path to config (json or yaml)")
	flag.BoolVar(&stdin, "stdin", false, "read JSON-lines requests from stdin; exit at EOF")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopSignal
	var feedDone chan error
	if stdin {
		feedDone = make(chan error, 1)
		go func() { feedDone <- a.Feed(ctx, os.Stdin) }()
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	case err := <-feedDone:
		if err != nil {
			fmt.Fprintln(os.Stderr, "feed:", err)
		}
		reason = app.StopInputClosed
		drain(ctx, a)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// drain waits for queued and visible notifications to settle after the feed
// ends, so piped one-shot runs still get their popups delivered.
func drain(ctx context.Context, a *app.App) {
	eng := a.Engine()
	deadline := time.NewTimer(30 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for eng.QueueLen() > 0 || eng.ActiveCount() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}
