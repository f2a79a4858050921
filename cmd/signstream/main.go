package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/signstream/internal/app"
	"github.com/ayusman/signstream/internal/config"
	"github.com/ayusman/signstream/internal/logging"
	"github.com/ayusman/signstream/internal/tray"
)

func main() {
	envFile := flag.String("env", ".env", "path of an optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "signstream: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "signstream: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("signstream failed")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"addr":     cfg.HTTPAddr,
		"streams":  len(cfg.CameraStreams),
		"db":       cfg.DBDriver,
		"model":    cfg.ModelDir,
		"no_hands": cfg.NoHandsPolicy,
	}).Info("starting signstream")
	if cfg.StaticDir != "" {
		log.WithField("dir", cfg.StaticDir).Info("serving static files")
	}

	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("shutdown")
		}
	}()

	if !cfg.Tray {
		return a.Run(ctx, cfg.HTTPAddr)
	}

	// The tray owns the main goroutine.
	t := tray.New(cfg.ConfidenceThreshold)
	t.OnReset(a.Driver().ResetClassifier)
	t.OnQuit(stop)
	go func() {
		if err := t.Follow(ctx, a.Events()); err != nil {
			log.WithError(err).Debug("tray stopped following events")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx, cfg.HTTPAddr)
		t.Quit()
	}()
	t.Run()
	stop()
	return <-errCh
}
