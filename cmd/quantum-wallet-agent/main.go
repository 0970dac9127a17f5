package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"
	agentconfig "github.com/quantumauth-io/quantum-wallet-agent/cmd/quantum-wallet-agent/config"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/background"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/funding"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/hardware"
	agenthttp "github.com/quantumauth-io/quantum-wallet-agent/internal/http"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/queue"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/router"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/storage"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	flags := pflag.NewFlagSet("quantum-wallet-agent", pflag.ExitOnError)
	agentconfig.Flags(flags)
	unlock := flags.Bool("unlock", false, "prompt for the wallet password and unlock the active account")
	pair := flags.Bool("pair", true, "print a pairing link for the browser extension")
	_ = flags.Parse(os.Args[1:])

	log.Info("quantum-wallet-agent",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := agentconfig.Load(flags)
	if err != nil {
		log.Fatal("failed to parse config", "error", err)
	}

	if err := os.MkdirAll(cfg.Agent.DataDir, 0o700); err != nil {
		log.Fatal("failed to create data dir", "dir", cfg.Agent.DataDir, "error", err)
	}
	store, err := storage.OpenBolt(cfg.DatabasePath())
	if err != nil {
		log.Fatal("failed to open wallet database", "path", cfg.DatabasePath(), "error", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close wallet database", "error", err)
		}
	}()

	ks := keystore.New(store, keystore.WithIdleTimeout(cfg.Keystore.IdleTimeout))
	events, unsubscribe := ks.Subscribe()
	defer unsubscribe()
	go logSessionEvents(ctx, events)

	q := queue.New(cfg.Queue.TTL, queue.WithOnExpire(background.ReleaseExpired))
	go q.Run(ctx, cfg.Queue.SweepInterval)

	svc := background.New(store, background.Options{
		Registry:           newRegistry(cfg),
		Funder:             newFunder(cfg),
		Queue:              q,
		Networks:           cfg.Networks,
		HashSigningAllowed: cfg.Signing.HashSigningAllowed,
	})
	if err := svc.Init(ctx); err != nil {
		log.Fatal("failed to migrate settings", "error", err)
	}

	dispatcher, err := router.NewDispatcher(svc.Table(), store, ks)
	if err != nil {
		log.Fatal("incomplete handler table", "error", err)
	}

	if *unlock {
		if err := unlockAtStartup(ctx, svc, ks); err != nil {
			log.Error("wallet stays locked", "error", err)
		}
	}

	srv, err := agenthttp.NewServer(agenthttp.Options{
		Dispatcher:     dispatcher,
		Store:          store,
		Keystore:       ks,
		BaseURL:        cfg.BaseURL(),
		AllowedOrigins: cfg.Agent.AllowedOrigins,
		PairingTTL:     cfg.Agent.PairingTTL,
	})
	if err != nil {
		log.Fatal("failed to init HTTP server", "error", err)
	}

	if *pair {
		offer, link, err := srv.NewPairing()
		if err != nil {
			log.Fatal("failed to create pairing", "error", err)
		}
		log.Info("pair with agent UI", "url", link, "expires_at", offer.ExpiresAt.Format(time.RFC3339))
		if code, err := qrcode.New(link, qrcode.Low); err == nil {
			_, _ = fmt.Fprintln(os.Stderr, code.ToSmallString(false))
		}
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening", "addr", cfg.Addr())
		if err = server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	ks.Lock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err = server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	} else {
		log.Info("HTTP server gracefully stopped")
	}
}

func newRegistry(cfg *agentconfig.Config) *hardware.Registry {
	var ledger, airgap hardware.Signer
	if cfg.Hardware.Ledger {
		ledger = hardware.NewLedger(hardware.OpenLedgerHID)
	}
	if cfg.Hardware.Airgap {
		airgap = hardware.NewAirgap(
			hardware.FileDisplay{Dir: filepath.Join(cfg.Agent.DataDir, "airgap")},
			hardware.NewLineScanner(os.Stdin),
		)
	}
	return hardware.NewRegistry(ledger, airgap)
}

func newFunder(cfg *agentconfig.Config) funding.Funder {
	if !cfg.Funding.Enabled {
		return nil
	}
	return funding.NewFriendbot(funding.WithTimeout(cfg.Funding.Timeout))
}

func unlockAtStartup(ctx context.Context, svc *background.Service, ks *keystore.Keystore) error {
	pw, err := promptPassword("Wallet password: ")
	if err != nil {
		return err
	}
	defer func() {
		for i := range pw {
			pw[i] = 0
		}
	}()

	a, err := svc.Unlock(ctx, ks, pw)
	if err != nil {
		return err
	}
	log.Info("wallet unlocked", "public_key", a.PublicKey, "idle_timeout", ks.IdleTimeout().String())
	return nil
}

// promptPassword reads a password without echo. An empty password is a
// valid password.
func promptPassword(prompt string) ([]byte, error) {
	_, _ = fmt.Fprint(os.Stderr, prompt)

	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	_, _ = fmt.Fprintln(os.Stderr) // best-effort newline

	if err != nil {
		for i := range pw {
			pw[i] = 0
		}
		return nil, fmt.Errorf("password input failed: %w", err)
	}
	return pw, nil
}

func logSessionEvents(ctx context.Context, events <-chan keystore.SessionEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			log.Info("session ended", "key_id", ev.KeyID, "reason", ev.Reason.String(), "at", ev.At.Format(time.RFC3339))
		}
	}
}
