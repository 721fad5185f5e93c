package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/whisper/chat-dlp/internal/chat"
	"github.com/whisper/chat-dlp/internal/config"
	"github.com/whisper/chat-dlp/internal/intake"
	"github.com/whisper/chat-dlp/internal/logging"
	"github.com/whisper/chat-dlp/internal/messaging"
	"github.com/whisper/chat-dlp/internal/metrics"
	"github.com/whisper/chat-dlp/internal/moderation"
	"github.com/whisper/chat-dlp/internal/scanner"
	"github.com/whisper/chat-dlp/internal/verdict"
)

func main() {
	logging.Setup("moderator")
	cfg := config.FromEnv()

	// PostgreSQL.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open postgres")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("connect to postgres")
	}
	cancel()

	// NATS.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "dlp-moderator"
	nc, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to nats")
	}

	sc := scanner.New(cfg.ScannerURL, cfg.ScanTimeout, uint64(cfg.ScanRetries))
	workflow := moderation.NewWorkflow(
		moderation.NewPGStore(db),
		sc,
		verdict.NewStore(db),
		intake.NewReleaser(chat.NewStore(db), intake.NewNATSOutbound(nc)),
		cfg.ScanTimeout,
	)

	// Scan requests are shared across moderator replicas. A request lost
	// here is recovered by the sweep.
	err = nc.SubscribeScanRequests(func(data []byte) {
		var req moderation.ScanRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Warn().Err(err).Msg("drop scan request")
			return
		}
		// The workflow bounds the scan itself; the extra second covers the
		// state write after it.
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ScanTimeout+time.Second)
		defer cancel()

		a, err := workflow.SubmitForScan(ctx, req.ArtifactID)
		if err != nil {
			log.Error().Err(err).Stringer("artifact", req.ArtifactID).Msg("scan artifact")
			return
		}
		log.Info().Stringer("artifact", a.ID).Str("status", string(a.Status)).Msg("scan request handled")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("subscribe scan requests")
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go workflow.RunSweeper(sweepCtx, cfg.SweepInterval, cfg.SweepAge)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server")
		}
	}()

	scannerKind := "offline"
	if cfg.ScannerURL != "" {
		scannerKind = cfg.ScannerURL
	}
	log.Info().
		Str("nats_url", cfg.NATSURL).
		Str("scanner", scannerKind).
		Dur("scan_timeout", cfg.ScanTimeout).
		Dur("sweep_interval", cfg.SweepInterval).
		Msg("moderator running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Stringer("signal", sig).Msg("shutting down")

	stopSweep()
	nc.Close()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	metricsSrv.Shutdown(shutdownCtx)
	db.Close()
}
