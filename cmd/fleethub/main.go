// Command fleethub runs the fleet hub: the HTTP control surface, the alert
// detector, the proposal router, and the economic governor, all over one
// SQLite work store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nomadops/fleethub/pkg/api"
	"github.com/nomadops/fleethub/pkg/auth"
	"github.com/nomadops/fleethub/pkg/config"
	"github.com/nomadops/fleethub/pkg/consent"
	"github.com/nomadops/fleethub/pkg/detector"
	"github.com/nomadops/fleethub/pkg/events"
	"github.com/nomadops/fleethub/pkg/governor"
	"github.com/nomadops/fleethub/pkg/observability"
	"github.com/nomadops/fleethub/pkg/router"
	"github.com/nomadops/fleethub/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. No arguments runs the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "hash-token":
		return runHashToken(args[2:], stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: fleethub <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server      Run the hub (default)")
	fmt.Fprintln(w, "  hash-token  Print the bcrypt hash of an operator token")
	fmt.Fprintln(w, "  health      Check a running hub over HTTP")
	fmt.Fprintln(w, "  help        Show this help")
}

// runHashToken produces the value to put in OPERATOR_TOKEN_HASHES.
func runHashToken(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(stderr, "Usage: fleethub hash-token <token>")
		return 2
	}
	hash, err := auth.HashToken(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "hash token: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, hash)
	return 0
}

func runHealth(stdout, stderr io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	if name := os.Getenv("FLEETHUB_PROFILE"); name != "" {
		profilesDir := os.Getenv("FLEETHUB_PROFILES_DIR")
		if profilesDir == "" {
			profilesDir = "profiles"
		}
		p, err := config.LoadProfile(profilesDir, name)
		if err != nil {
			fmt.Fprintf(stderr, "profile: %v\n", err)
			return 1
		}
		p.Apply(cfg)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.HubSecret == "" {
		logger.Warn("HUB_SECRET not set, using an ephemeral development secret")
		cfg.HubSecret = "dev-only-" + time.Now().UTC().Format(time.RFC3339Nano)
	}
	if len(cfg.OperatorTokenHashes) == 0 {
		logger.Warn("OPERATOR_TOKEN_HASHES not set, every API request will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	metrics, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("open store failed", "path", cfg.DatabasePath, "error", err)
		return 1
	}
	defer func() { _ = st.Close() }()
	st.WithLeases(cfg.ProposalLease, cfg.JobLease)
	logger.Info("store open", "path", cfg.DatabasePath)

	busOpts := []events.Option{}
	if cfg.RedisAddr != "" {
		pub, err := events.NewRedisPublisher(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisChannel)
		if err != nil {
			logger.Error("redis connect failed", "addr", cfg.RedisAddr, "error", err)
			return 1
		}
		defer func() { _ = pub.Close() }()
		busOpts = append(busOpts, events.WithPublisher(pub))
		logger.Info("redis event publishing enabled", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	}
	bus := events.NewBus(logger, busOpts...)

	signer := auth.NewSigner([]byte(cfg.HubSecret))
	ledger := consent.New(st, logger)

	det := detector.New(st, bus, metrics, logger, detector.Config{
		SilentAfter:   cfg.SilentAfter,
		OfflineAfter:  cfg.OfflineAfter,
		ProposalLease: cfg.ProposalLease,
	})
	rtr := router.New(st, signer, bus, metrics, logger, cfg.AssignmentTTL)
	gov := governor.New(st, bus, metrics, logger, governor.Caps{
		RemediatePerHour: cfg.RemediatePerHour,
		RemediatePerDay:  cfg.RemediatePerDay,
		HighRiskPerDay:   cfg.HighRiskPerDay,
	})

	go runDetectorLoop(ctx, logger, cfg.DetectorInterval, st, det, gov)
	go runRouterLoop(ctx, logger, cfg.RouterInterval, rtr)

	srv := api.NewServer(st, ledger, signer, bus, metrics, logger)
	httpServer := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: srv.Handler(api.Options{
			TokenVerifier:      auth.NewTokenVerifier(cfg.OperatorTokenHashes),
			RateLimitPerSecond: cfg.RateLimitPerSecond,
			RateLimitBurst:     cfg.RateLimitBurst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hub listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}

// runDetectorLoop runs the scan ticks: liveness and alert detection, then
// proposal generation from whatever the scan raised, then the dead job sweep.
func runDetectorLoop(ctx context.Context, logger *slog.Logger, interval time.Duration, st *store.Store, det *detector.Detector, gov *governor.Governor) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := det.Tick(ctx)
			if result.Status == store.TickFailed {
				logger.Error("detector tick failed", "tick_id", result.TickID, "errors", result.Errors)
			}
			if _, err := gov.GenerateFromAlerts(ctx); err != nil {
				logger.Error("governor pass failed", "error", err)
			}
			if n, err := st.RequeueDeadJobs(ctx); err != nil {
				logger.Error("dead job sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("requeued dead jobs", "count", n)
			}
		}
	}
}

func runRouterLoop(ctx context.Context, logger *slog.Logger, interval time.Duration, rtr *router.Router) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rtr.Tick(ctx); err != nil {
				logger.Error("router tick failed", "error", err)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
