package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"chatstream/internal/retention"
	"chatstream/pkg/banner"
	"chatstream/pkg/config"
	"chatstream/pkg/filter"
	"chatstream/pkg/ingest"
	"chatstream/pkg/live"
	"chatstream/pkg/logger"
	"chatstream/pkg/store"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	hub      *live.Hub
	queue    *ingest.Queue
	bridge   *live.RedisBridge
	prof     *filter.Profanity
	srv      *http.Server
	stopping []func()
}

// New initializes resources that do not require a running context (DB,
// runtime keys, queue, hub). Call Run to start the bridge, workers and the
// HTTP server and block until shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := validateConfig(eff); err != nil {
		return nil, err
	}
	cfg := eff.Config

	// runtime keys: backend API keys double as author-signing secrets
	runtimeCfg := &config.RuntimeConfig{BackendKeys: map[string]struct{}{}, SigningKeys: map[string]struct{}{}}
	for _, k := range cfg.Security.APIKeys.Backend {
		runtimeCfg.BackendKeys[k] = struct{}{}
		runtimeCfg.SigningKeys[k] = struct{}{}
	}
	config.SetRuntime(runtimeCfg)

	if n := cfg.Ingest.Queue.MaxPooledBufferBytes.Int64(); n > 0 {
		ingest.SetMaxPooledBuffer(int(n))
	}

	if err := store.Open(eff.DBPath); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", eff.DBPath, err)
	}

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		hub:       live.NewHub(cfg.Stream.SubscriberBuffer, uuid.NewString()),
		queue:     ingest.NewQueue(cfg.Ingest.Queue.Capacity),
		prof:      filter.NewProfanity(cfg.Moderation.Blocklist),
	}
	return a, nil
}

// Run starts the Redis bridge (if configured), the ingest workers, the
// retention scheduler and the HTTP server, and blocks until ctx is
// canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	cfg := a.eff.Config

	if addr := cfg.Live.Redis.Addr; addr != "" {
		bridge, err := live.NewRedisBridge(addr, cfg.Live.Redis.Password, cfg.Live.Redis.DB)
		if err != nil {
			return fmt.Errorf("redis bridge: %w", err)
		}
		a.bridge = bridge
		a.hub.SetBridge(bridge)
		go bridge.Run(a.hub)
		a.stopping = append(a.stopping, bridge.Stop)
	}

	stopIngest := ingest.Start(a.queue, &ingest.Applier{Hub: a.hub}, cfg.Ingest.Workers)
	a.stopping = append(a.stopping, stopIngest)

	cancelRetention, err := retention.Start(ctx, cfg.Retention)
	if err != nil {
		return err
	}
	a.stopping = append(a.stopping, func() { cancelRetention() })

	a.printBanner()
	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		a.shutdown()
		return err
	}
}

// shutdown stops components in reverse dependency order: stop accepting
// requests, drain the write queue, then drop subscribers and close the DB.
func (a *App) shutdown() {
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(ctx); err != nil {
			logger.Warn("http_shutdown_error", "error", err)
		}
	}
	for i := len(a.stopping) - 1; i >= 0; i-- {
		a.stopping[i]()
	}
	a.queue.CloseAndDrain()
	a.hub.CloseAll()
	if err := store.Close(); err != nil {
		logger.Error("store_close_error", "error", err)
	}
	logger.Info("shutdown_complete")
}

func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "none" && a.commit != "" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "unknown" && a.buildDate != "" {
		verStr += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, verStr)
}
