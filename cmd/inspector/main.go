package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/whisper/chat-dlp/internal/ban"
	"github.com/whisper/chat-dlp/internal/chat"
	"github.com/whisper/chat-dlp/internal/config"
	"github.com/whisper/chat-dlp/internal/dlp"
	"github.com/whisper/chat-dlp/internal/intake"
	"github.com/whisper/chat-dlp/internal/logging"
	"github.com/whisper/chat-dlp/internal/messaging"
	"github.com/whisper/chat-dlp/internal/metrics"
	"github.com/whisper/chat-dlp/internal/moderation"
	"github.com/whisper/chat-dlp/internal/policy"
	"github.com/whisper/chat-dlp/internal/protocol"
	"github.com/whisper/chat-dlp/internal/ratelimit"
	"github.com/whisper/chat-dlp/internal/scanner"
	"github.com/whisper/chat-dlp/internal/termset"
	"github.com/whisper/chat-dlp/internal/verdict"
	"github.com/whisper/chat-dlp/internal/violation"
)

const handleTimeout = 5 * time.Second

func main() {
	logging.Setup("inspector")
	cfg := config.FromEnv()

	// Policy. A malformed pattern is fatal before any traffic is accepted.
	pol, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load policy")
	}
	sensitive, err := pol.Scanner()
	if err != nil {
		log.Fatal().Err(err).Msg("compile sensitive patterns")
	}

	// Redis.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect to redis")
	}
	cancel()

	// PostgreSQL.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open postgres")
	}
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("connect to postgres")
	}
	cancel()

	// NATS.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "dlp-inspector"
	nc, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to nats")
	}

	// Forbidden terms: the persisted set wins over the policy seed.
	terms := termset.NewStore(rdb)
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	seeded, err := terms.Seed(ctx, pol.Keywords)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("seed forbidden terms")
	}
	keywords := dlp.NewKeywordMatcher(seeded)

	engine := dlp.NewEngine(keywords, sensitive)
	verdicts := verdict.NewStore(db)
	messages := chat.NewStore(db)
	out := intake.NewNATSOutbound(nc)

	// The inspector only queues artifacts; scans run in the moderator.
	workflow := moderation.NewWorkflow(
		moderation.NewPGStore(db),
		scanner.New(cfg.ScannerURL, cfg.ScanTimeout, uint64(cfg.ScanRetries)),
		verdicts,
		intake.NewReleaser(messages, out),
		cfg.ScanTimeout,
	)

	dispatcher := intake.NewDispatcher(intake.Deps{
		Engine:     engine,
		Redactor:   sensitive,
		Lookup:     verdicts.LatestReviewed,
		Trust:      ban.NewTracker(rdb),
		Limiter:    ratelimit.NewLimiter(rdb),
		Messages:   messages,
		Violations: violation.NewStore(db),
		Holds:      workflow,
		Out:        out,
		Uploads:    pol.Uploads,
		URLMode:    moderation.Mode(cfg.URLModerationMode),
	})

	if err := nc.SubscribeKeywordsChanged(func(data []byte) {
		change, err := termset.DecodeChange(data)
		if err != nil {
			log.Warn().Err(err).Msg("keyword change")
		}
		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		defer cancel()
		n, err := termset.Reload(ctx, terms, keywords)
		if err != nil {
			log.Error().Err(err).Msg("reload forbidden terms")
			return
		}
		log.Info().Str("action", change.Action).Int("terms", n).Msg("forbidden terms reloaded")
	}); err != nil {
		log.Fatal().Err(err).Msg("subscribe keyword changes")
	}

	handle := func(data []byte) {
		msgType, msg, err := protocol.ParseInbound(data)
		if err != nil {
			log.Warn().Err(err).Msg("drop inbound event")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		defer cancel()

		var res intake.Result
		switch m := msg.(type) {
		case protocol.InboundMessage:
			res, err = dispatcher.HandleMessage(ctx, m)
		case protocol.InboundFile:
			res, err = dispatcher.HandleFile(ctx, m)
		}
		if err != nil {
			log.Error().Err(err).Str("type", msgType).Str("outcome", string(res.Outcome)).Msg("handle inbound event")
		}
	}
	if err := nc.SubscribeInbound(handle); err != nil {
		log.Fatal().Err(err).Msg("subscribe inbound messages")
	}
	if err := nc.SubscribeFiles(handle); err != nil {
		log.Fatal().Err(err).Msg("subscribe file announcements")
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server")
		}
	}()

	log.Info().
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATSURL).
		Str("metrics_addr", cfg.MetricsAddr).
		Int("forbidden_terms", len(seeded)).
		Str("url_moderation", cfg.URLModerationMode).
		Msg("inspector running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Stringer("signal", sig).Msg("shutting down")

	nc.Close()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	metricsSrv.Shutdown(shutdownCtx)
	db.Close()
	rdb.Close()
}
