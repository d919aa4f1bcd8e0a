package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaywire/core/internal/auth"
	"github.com/relaywire/core/internal/cache"
	"github.com/relaywire/core/internal/cache/nearcache"
	"github.com/relaywire/core/internal/cache/rediscache"
	"github.com/relaywire/core/internal/config"
	"github.com/relaywire/core/internal/db"
	"github.com/relaywire/core/internal/eventbus"
	"github.com/relaywire/core/internal/hub"
	"github.com/relaywire/core/internal/httpapi"
	"github.com/relaywire/core/internal/ingest"
	"github.com/relaywire/core/internal/metrics"
	"github.com/relaywire/core/internal/ratelimit"
	"github.com/relaywire/core/internal/replay"
	"github.com/relaywire/core/internal/resume"
	"github.com/relaywire/core/internal/sequencer"
	"github.com/relaywire/core/internal/store"
	"github.com/relaywire/core/internal/store/memstore"
	"github.com/relaywire/core/internal/store/pgstore"
	"github.com/relaywire/core/internal/wsapi"
)

// rateLimitRules implements spec.md §4.F's per-route buckets: send is the
// tightest since it is the write path, reads and websocket connects are
// generous since they are naturally self-limiting by client behavior.
func rateLimitRules() map[string]ratelimit.Rule {
	return map[string]ratelimit.Rule{
		"send":    {RatePerSecond: 10, Burst: 20, Window: time.Second},
		"connect": {RatePerSecond: 2, Burst: 5, Window: time.Second},
	}
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "relaywire").Logger()
	if os.Getenv("ENV") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	cfg := config.Load()
	ctx := context.Background()

	// shared and busIface stay nil interfaces (not typed-nil pointers) when
	// their dependency is unavailable, so cache.New's `!= nil` guards hold.
	var shared cache.Shared
	var busIface cache.Bus
	var bus *eventbus.Bus
	if eb, err := eventbus.Connect(cfg.NatsURL, os.Getenv("HOSTNAME"), log.Logger); err != nil {
		log.Warn().Err(err).Msg("failed to connect to NATS, cache invalidation and cross-node message fan-out will not work")
	} else {
		defer eb.Close()
		busIface = eb
		bus = eb
	}
	if cfg.RedisURL != "" {
		if redisClient, err := rediscache.New(cfg.RedisURL); err != nil {
			log.Warn().Err(err).Msg("failed to connect to redis, falling back to near-cache only")
		} else {
			shared = redisClient
		}
	}
	distCache := cache.New(nearcache.New(4096, 60), shared, busIface, log.Logger)

	st := wireStore(ctx, cfg, log.Logger)

	seq := sequencer.New(st, log.Logger)
	limiter := buildLimiter(cfg, distCache)

	resumeStore := resume.New(distCache, cfg.ResumeTTL, log.Logger)
	hubCfg := hub.Config{
		HandshakeTimeout:  cfg.HandshakeTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		DrainTimeout:      cfg.DrainTimeout,
	}
	h := hub.New(resumeStore, hubCfg, log.Logger)

	pipeline := ingest.New(st, st, seq, limiter, distCache, h, log.Logger)
	if bus != nil {
		pipeline = pipeline.WithBus(bus)
	}
	wireMessageFanout(bus, st, h, log.Logger)

	verifier, err := auth.New(auth.Config{
		PublicKeyPEM: cfg.JWTPublicKey,
		HS256Secret:  cfg.JWTHS256Secret,
		DevMode:      os.Getenv("ENV") == "dev",
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize JWT verifier")
	}

	replayEngine := replay.New(st, h, cfg.ReplayBatchSize, log.Logger)
	wsHandler := wsapi.New(h, replayEngine, st, verifier, limiter, hubCfg, log.Logger)

	srv := &httpapi.Server{
		Ingest:        pipeline,
		Conversations: st,
		ConvWrite:     st,
		Messages:      st,
		Limiter:       limiter,
		Auth:          verifier,
		Hub:           h,
		Metrics:       metrics.New(),
		WS:            wsHandler,
		Log:           log.Logger,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	persistTicker := time.NewTicker(15 * time.Second)
	defer persistTicker.Stop()
	tickerDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-persistTicker.C:
				h.PersistDirtySessions(ctx)
			case <-tickerDone:
				return
			}
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	close(tickerDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h.Shutdown(shutdownCtx, 30*time.Second)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}

// wireMessageFanout subscribes this node's Hub to every other node's
// MessagePersisted envelopes, so a device connected here sees a message
// appended on a different node (spec.md §9 Open Question #2). The envelope
// carries no ciphertext, so the message is re-fetched from the store before
// being handed to the Hub the same way a locally-appended message is.
func wireMessageFanout(bus *eventbus.Bus, messages store.MessagesRead, h *hub.Hub, log zerolog.Logger) {
	if bus == nil {
		return
	}
	if _, err := bus.SubscribeAllMessagePersisted(func(ev eventbus.MessagePersistedEvent) {
		msg, err := messages.FindByID(context.Background(), ev.MessageID)
		if err != nil {
			log.Warn().Err(err).Str("messageId", ev.MessageID.String()).
				Msg("failed to load remotely-persisted message, cannot fan out to local sessions")
			return
		}
		h.Publish(context.Background(), ingest.Event{Message: *msg, ConversationID: ev.ConversationID})
	}); err != nil {
		log.Warn().Err(err).Msg("failed to subscribe to cross-node message fan-out")
	}
}

// wireStore selects the store adapter by STORAGE_DRIVER, running
// migrations against Postgres before the pool is handed to callers.
func wireStore(ctx context.Context, cfg config.Config, log zerolog.Logger) store.Store {
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
			log.Fatal().Err(err).Msg("failed to run postgres migrations")
		}
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		return pgstore.New(pool, log)
	default:
		return memstore.New()
	}
}

func buildLimiter(cfg config.Config, c ratelimit.SharedCache) *ratelimit.Limiter {
	if cfg.RateLimitDisabled {
		return ratelimit.New(rateLimitRules(), ratelimit.Rule{RatePerSecond: 1 << 20, Burst: 1 << 20}, nil)
	}
	return ratelimit.New(rateLimitRules(), ratelimit.Rule{RatePerSecond: 20, Burst: 40, Window: time.Second}, c)
}
