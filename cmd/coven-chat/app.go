// ABOUTME: Wires configuration, stores, identity and backends into a conversation manager
// ABOUTME: Runs the local-to-account migration when an account is configured

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/convcache"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/jobs"
	"github.com/2389/coven-chat/internal/store"
)

// jobHTTPTimeout bounds job submission, polling and result downloads.
const jobHTTPTimeout = 60 * time.Second

type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	local   *store.BoltStore
	durable *store.SQLiteStore
	router  *store.Router
	cache   *convcache.Cache
	poller  *jobs.Poller
	manager *conversation.Manager
}

// loadConfig reads the config file, falling back to defaults when it does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// identityFor builds the signed-in identity, or nil for an anonymous session.
func identityFor(cfg *config.Config) auth.Identity {
	if !cfg.Authenticated() {
		return nil
	}
	signer := auth.NewSigner([]byte(cfg.Auth.JWTSecret))
	return auth.NewJWTIdentity(cfg.Auth.Subject, signer, cfg.Auth.TokenTTL)
}

func openStores(cfg *config.Config) (*store.BoltStore, *store.SQLiteStore, error) {
	for _, dir := range []string{filepath.Dir(cfg.Local.Path), filepath.Dir(cfg.Database.Path)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	local, err := store.NewBoltStore(cfg.Local.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening local store: %w", err)
	}
	durable, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		local.Close()
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return local, durable, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	local, durable, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	identity := identityFor(cfg)
	if identity != nil {
		res, err := store.MigrateLocal(ctx, local, durable, identity.Subject(), logger)
		if err != nil {
			// Local data stays put and the next start retries.
			logger.Warn("local migration failed", "error", err)
		} else if !res.AlreadyDone {
			logger.Info("migrated local conversations",
				"copied", res.Copied, "merged", res.Merged, "kept", res.Kept, "deleted", res.Deleted)
		}
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		local:   local,
		durable: durable,
		router:  store.NewRouter(local, durable),
		cache:   convcache.New(cfg.Manager.CacheTTL, cfg.Manager.CacheSize),
	}

	jobHTTP := &http.Client{Timeout: jobHTTPTimeout}
	jobClient := jobs.NewClient(cfg, jobHTTP, logger)
	a.poller = jobs.NewPoller(jobClient, cfg.Manager.PollInterval, cfg.Manager.PollInitialDelay, logger)

	mediaDir := cfg.Local.MediaDir
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		logger.Warn("media directory unavailable, keeping remote image links", "dir", mediaDir, "error", err)
		mediaDir = ""
	}

	a.manager = conversation.New(conversation.Deps{
		Store:        a.router,
		Chat:         chat.NewClient(cfg, nil, logger),
		Jobs:         jobClient,
		Poller:       a.poller,
		Materializer: jobs.NewRehoster(mediaDir, jobHTTP, logger),
		Identity:     auth.NewStaticProvider(identity),
		Cache:        a.cache,
	}, conversation.OptionsFromConfig(cfg), logger)

	return a, nil
}

// Close flushes pending saves before the stores go away.
func (a *app) Close() {
	if err := a.manager.Close(); err != nil {
		a.logger.Warn("closing conversation manager", "error", err)
	}
	a.poller.Close()
	a.cache.Close()
	if err := a.router.Close(); err != nil {
		a.logger.Warn("closing stores", "error", err)
	}
}
