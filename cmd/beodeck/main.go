/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/eventbus"
	"github.com/beodeck/beodeck/internal/events"
	"github.com/beodeck/beodeck/internal/logbuffer"
	"github.com/beodeck/beodeck/internal/logging"
	"github.com/beodeck/beodeck/internal/peer"
	"github.com/beodeck/beodeck/internal/telemetry"
)

// Exit codes, stable for the systemd units.
const (
	exitOK         = 0
	exitConfig     = 1
	exitDependency = 2
	exitRemoteGone = 3
)

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

var (
	cfgDir      string
	metricsBind string

	cfg     *config.Config
	logger  zerolog.Logger
	logRing *logbuffer.Buffer
)

var rootCmd = &cobra.Command{
	Use:   "beodeck",
	Short: "Beodeck - single-device media controller fabric",
	Long:  "Beodeck runs the event fabric of a rebuilt hi-fi deck: input daemon, event router, player adapter, remote ingress and the health supervisor.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "configuration directory (default /etc/beodeck)")
	rootCmd.PersistentFlags().StringVar(&metricsBind, "metrics-bind", "", "metrics listen address (overrides config)")

	rootCmd.AddCommand(inputCmd)
	rootCmd.AddCommand(routerCmd)
	rootCmd.AddCommand(playerCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(superviseCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitConfig)
	}
	os.Exit(exitOK)
}

// loadConfig loads configuration and sets up logging with the debug ring.
func loadConfig() error {
	var err error
	cfg, err = config.Load(cfgDir)
	if err != nil {
		return exitf(exitConfig, "load config: %w", err)
	}
	logRing = logbuffer.New(512)
	logger = logging.SetupWithWriter(cfg.Environment, logRing)
	return nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// initTracing sets up the OTLP pipeline; the returned shutdown is safe to
// call even when tracing is disabled.
func initTracing(ctx context.Context, service string) (func(), error) {
	tp, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:    "beodeck-" + service,
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSample,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize tracer: %w", err)
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown failed")
		}
	}, nil
}

// startMirror attaches the optional NATS telemetry mirror to a service bus.
func startMirror(ctx context.Context, service string, bus *events.Bus) func() {
	if cfg.NATSURL == "" {
		return func() {}
	}
	mirror, err := eventbus.NewMirror(cfg.NATSURL, cfg.DeviceName+"-"+service, bus, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("event mirror unavailable, continuing without it")
		return func() {}
	}
	go mirror.Run(ctx)
	return func() {
		if err := mirror.Close(); err != nil {
			logger.Warn().Err(err).Msg("event mirror close failed")
		}
	}
}

// startMetrics serves /metrics and /debug/logs. Bind failures are logged,
// not fatal: observability never takes the fabric down.
func startMetrics(ctx context.Context) {
	addr := metricsBind
	if addr == "" {
		addr = cfg.MetricsBind
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/logs", logRing.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Str("addr", addr).Msg("metrics server unavailable")
		}
	}()
}

// serveHTTP runs a service's HTTP surface until ctx is cancelled, then
// shuts it down gracefully.
func serveHTTP(ctx context.Context, service, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: telemetry.TracingMiddleware("beodeck-" + service)(handler),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("service", service).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("%s server: %w", service, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}

// requirePeer probes a peer's health endpoint at startup. Daemons that
// cannot function without the peer exit 2 so the unit dependency graph can
// restart them in order.
func requirePeer(ctx context.Context, client *peer.Client, name, addr string) error {
	url := fmt.Sprintf("http://%s/health", addr)
	var last peer.Result
	for attempt := 0; attempt < 5; attempt++ {
		last = client.Probe(ctx, url)
		if last.OK() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return exitf(exitDependency, "dependency %s unreachable at %s: %s", name, addr, last.Status)
}
