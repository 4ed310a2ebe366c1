package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"issuewatch/internal/app"
)

func main() {
	fs := pflag.NewFlagSet("issuewatch", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", "./config.json", "path to config file (json, jsonc or yaml)")
	once := fs.Bool("once", false, "run a single poll cycle and exit")
	logLevel := fs.String("log-level", "", "override logging.level (trace, debug, info, warn, error)")
	_ = fs.Parse(os.Args[1:])

	a, err := app.New(*cfgPath, app.Options{LogLevel: *logLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		go func() {
			<-sigCh
			cancel()
		}()
		rep, err := a.RunOnce(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		if rep.Queries > 0 && rep.Failed == rep.Queries {
			os.Exit(2)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
