package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arvow/vodstream/internal/config"
	"github.com/arvow/vodstream/internal/engine"
	"github.com/arvow/vodstream/internal/httpapi"
	"github.com/arvow/vodstream/internal/telemetry"
)

const version = "0.1.0"

func main() {
	cfg := config.Default()

	for _, arg := range os.Args[1:] {
		if arg == "-version" {
			fmt.Println("vodstream " + version)
			return
		}
		cfg.FromFile(arg)
	}

	eng := engine.New(cfg)
	defer eng.Destroy()

	registry := telemetry.NewRegistry(eng)

	metricsSrv := &http.Server{Addr: cfg.MetricsBind}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", registry.Handler())
	metricsSrv.Handler = metricsMux

	api := httpapi.New(cfg, eng)

	errCh := make(chan error, 2)
	go func() {
		log.Printf("vodstream %s: serving metrics on %s", version, cfg.MetricsBind)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The media listener has no graceful http.Server.Shutdown of its
	// own: every accepted connection is hijacked into a raw net.Conn
	// the moment a stream is dispatched, so the standard library no
	// longer tracks it. eng.Destroy (deferred above) stops the workers'
	// event loops; it does not close in-flight streams, which end when
	// the process exits.
	select {
	case <-ctx.Done():
		log.Println("vodstream: shutdown signal received")
	case err := <-errCh:
		log.Printf("vodstream: server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("vodstream: metrics server shutdown error: %v", err)
	}

	log.Println("vodstream: exiting")
}
