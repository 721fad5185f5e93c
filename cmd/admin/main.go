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

	"github.com/whisper/chat-dlp/internal/admin"
	"github.com/whisper/chat-dlp/internal/ban"
	"github.com/whisper/chat-dlp/internal/chat"
	"github.com/whisper/chat-dlp/internal/config"
	"github.com/whisper/chat-dlp/internal/intake"
	"github.com/whisper/chat-dlp/internal/logging"
	"github.com/whisper/chat-dlp/internal/messaging"
	"github.com/whisper/chat-dlp/internal/migrations"
	"github.com/whisper/chat-dlp/internal/moderation"
	"github.com/whisper/chat-dlp/internal/policy"
	"github.com/whisper/chat-dlp/internal/scanner"
	"github.com/whisper/chat-dlp/internal/termset"
	"github.com/whisper/chat-dlp/internal/verdict"
	"github.com/whisper/chat-dlp/internal/violation"
)

func main() {
	logging.Setup("admin")
	cfg := config.FromEnv()

	pol, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load policy")
	}
	sensitive, err := pol.Scanner()
	if err != nil {
		log.Fatal().Err(err).Msg("compile sensitive patterns")
	}

	if err := migrations.Up(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("apply migrations")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open postgres")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect to redis")
	}
	cancel()

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "dlp-admin"
	nc, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to nats")
	}

	terms := termset.NewStore(rdb)
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	_, err = terms.Seed(ctx, pol.Keywords)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("seed forbidden terms")
	}

	verdicts := verdict.NewStore(db)
	messages := chat.NewStore(db)
	workflow := moderation.NewWorkflow(
		moderation.NewPGStore(db),
		scanner.New(cfg.ScannerURL, cfg.ScanTimeout, uint64(cfg.ScanRetries)),
		verdicts,
		intake.NewReleaser(messages, intake.NewNATSOutbound(nc)),
		cfg.ScanTimeout,
	)

	srv := admin.NewServer(admin.Deps{
		Keywords:   terms,
		Sensitive:  sensitive,
		Artifacts:  workflow,
		Violations: violation.NewStore(db),
		Messages:   messages,
		Trust:      ban.NewTracker(rdb),
		Verdicts:   verdicts,
		Notifier:   admin.NewNATSNotifier(nc),
		Checks: map[string]func(context.Context) error{
			"postgres": db.PingContext,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		// Scans run inside the request.
		WriteTimeout: cfg.ScanTimeout + 10*time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATSURL).
		Msg("admin API running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Stringer("signal", sig).Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	nc.Close()
	db.Close()
	rdb.Close()
}
