// Package main runs the scraper service: HTTP API plus job worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nguyentrungtung/universal-scraper-web/internal/app"
	"github.com/nguyentrungtung/universal-scraper-web/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(a.Logger())

	if err := a.Run(ctx); err != nil {
		a.Logger().Error("service stopped", zap.Error(err))
		a.Close()
		os.Exit(1)
	}
	a.Logger().Info("shutdown complete")
	a.Close()
}
