package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"invoicematch/internal/config"
	"invoicematch/internal/listener"
	"invoicematch/internal/logging"
	"invoicematch/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := listener.NewFromConfig(ctx, cfg, db, logger)
	must(err)
	must(svc.Run(ctx))
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
