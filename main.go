package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"daq-gateway/logger"
)

const shutdownTimeout = 10 * time.Second

func run(args []string) error {
	config, err := loadConfig(args)
	if err != nil {
		return err
	}

	log, err := logger.New(config.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	a, err := newApp(config, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.start(ctx); err != nil {
		return err
	}

	log.Info().Int("devices", len(config.Devices)).Msg("DAQ gateway started. Press Ctrl+C to stop.")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.stop(shutdownCtx)

	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
