// Command quasi-board runs the federated task board: an ActivityPub actor
// backed by a hash-chained attribution ledger.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ehrenfest-quantum/quasi-board/pkg/audit"
	"github.com/ehrenfest-quantum/quasi-board/pkg/config"
	"github.com/ehrenfest-quantum/quasi-board/pkg/federation"
	"github.com/ehrenfest-quantum/quasi-board/pkg/httpsig"
	"github.com/ehrenfest-quantum/quasi-board/pkg/ledger"
	"github.com/ehrenfest-quantum/quasi-board/pkg/observability"
	"github.com/ehrenfest-quantum/quasi-board/pkg/server"
	"github.com/ehrenfest-quantum/quasi-board/pkg/tasks"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 storage
// corruption detected at startup.
const (
	exitOK         = 0
	exitConfig     = 1
	exitCorruption = 2
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 1 {
		switch args[1] {
		case "serve":
			return runServe(stderr)
		case "verify":
			return runVerify(stdout, stderr)
		case "help", "--help", "-h":
			printUsage(stdout)
			return exitOK
		default:
			fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
			printUsage(stderr)
			return exitConfig
		}
	}
	return runServe(stderr)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: quasi-board [serve|verify|help]")
	fmt.Fprintln(w, "  serve   run the federation server (default)")
	fmt.Fprintln(w, "  verify  check ledger chain integrity and exit")
}

// runVerify checks the chain offline and reports the break point, if any.
func runVerify(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	led, err := ledger.Open(filepath.Join(cfg.DataDir, "ledger.jsonl"))
	if err != nil {
		fmt.Fprintf(stderr, "open ledger: %v\n", err)
		return exitCorruption
	}
	defer led.Close()

	result := led.Verify()
	if !result.Valid {
		fmt.Fprintf(stderr, "ledger INVALID: %s at entry %d\n", result.Reason, *result.BrokenAt)
		return exitCorruption
	}
	fmt.Fprintf(stdout, "ledger valid: %d entries\n", result.Entries)
	return exitOK
}

func runServe(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "main")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logger.Error("create data dir", "dir", cfg.DataDir, "error", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "quasi-board",
		ServiceVersion: "0.1.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		logger.Error("observability init", "error", err)
		return exitConfig
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	priv, err := httpsig.LoadOrCreateKeypair(cfg.DataDir)
	if err != nil {
		logger.Error("keypair", "error", err)
		return exitConfig
	}
	publicPEM, err := httpsig.EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		logger.Error("encode public key", "error", err)
		return exitConfig
	}

	secret, err := loadOrCreateWebhookSecret(filepath.Join(cfg.DataDir, ".webhook_secret"))
	if err != nil {
		logger.Error("webhook secret", "error", err)
		return exitConfig
	}

	led, err := ledger.Open(filepath.Join(cfg.DataDir, "ledger.jsonl"))
	if err != nil {
		logger.Error("open ledger", "error", err)
		return exitCorruption
	}
	defer led.Close()

	if result := led.Verify(); !result.Valid {
		logger.Error("ledger corrupt",
			"reason", result.Reason,
			"broken_at", *result.BrokenAt,
			"entries", result.Entries)
		return exitCorruption
	}
	logger.Info("ledger verified", "entries", led.Len())

	followers, err := federation.LoadFollowers(filepath.Join(cfg.DataDir, "followers.json"))
	if err != nil {
		logger.Error("load followers", "error", err)
		return exitCorruption
	}

	actorURL := cfg.BoardURL + "/quasi-board"
	signer := httpsig.NewRSASigner(priv, actorURL+"#main-key")
	keys := httpsig.NewKeyCache()

	deliverer := federation.NewDeliverer(signer)
	defer deliverer.Stop()

	fetcher := tasks.NewFetcher(cfg.TaskSourceURL, cfg.GitHubToken)
	cache := tasks.NewCache(fetcher, tasks.GenesisTasks(cfg.RepoURL, time.Now().UTC()))
	if err := cache.Refresh(ctx); err != nil {
		logger.Warn("initial task fetch failed, serving genesis tasks", "error", err)
	}
	go cache.Run(ctx)

	srv, err := server.New(server.Options{
		BoardURL:      cfg.BoardURL,
		RepoURL:       cfg.RepoURL,
		Ledger:        led,
		Followers:     followers,
		Deliverer:     deliverer,
		Tasks:         cache,
		Verifier:      httpsig.NewVerifier(keys),
		Keys:          keys,
		PublicKeyPEM:  publicPEM,
		WebhookSecret: secret,
		Audit:         audit.NewLogger(),
	})
	if err != nil {
		logger.Error("server init", "error", err)
		return exitConfig
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           obs.Middleware(srv.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.BindAddr, "actor", actorURL)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
		return exitOK
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return exitOK
		}
		logger.Error("listen", "error", err)
		return exitConfig
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// loadOrCreateWebhookSecret reads the 64-char hex secret and decodes it to
// the 32-byte HMAC key. A fresh secret is generated on first run.
func loadOrCreateWebhookSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil {
			return nil, fmt.Errorf("decode %s: %w", path, decErr)
		}
		if len(secret) != 32 {
			return nil, fmt.Errorf("%s: want 32 bytes, got %d", path, len(secret))
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate webhook secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return secret, nil
}
