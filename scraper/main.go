package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tenderradar/backend/internal/config"
	"github.com/tenderradar/backend/internal/logger"
	"github.com/tenderradar/backend/internal/models"
	"github.com/tenderradar/backend/internal/stream"
)

func main() {
	log := logger.New("scraper")
	cfg, err := config.LoadScraper()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pub := stream.NewPublisher(cfg.KafkaBrokers)
	defer pub.Close()

	portal := &portalClient{
		baseURL: cfg.PortalBaseURL,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	log.Info("scraper running",
		slog.String("portal", cfg.PortalBaseURL),
		slog.Int("max_pages", cfg.MaxPages),
		slog.Duration("interval", cfg.Interval),
	)

	// Run immediately on start; the pipeline dedupes, re-scraping is cheap.
	runOnce(ctx, log, portal, pub, cfg)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			return
		case <-ticker.C:
			runOnce(ctx, log, portal, pub, cfg)
		}
	}
}

func runOnce(ctx context.Context, log *slog.Logger, portal *portalClient, pub *stream.Publisher, cfg *config.Scraper) {
	subCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	batch := models.RawBatch{FetchedAt: time.Now().UTC()}
	for page := 1; page <= cfg.MaxPages; page++ {
		records, err := portal.fetchPage(subCtx, page)
		if err != nil {
			// Keep whatever earlier pages yielded; the next interval retries.
			log.Warn("fetch listing page failed", slog.Int("page", page), slog.Any("err", err))
			break
		}
		log.Debug("listing page fetched", slog.Int("page", page), slog.Int("records", len(records)))
		if len(records) == 0 {
			break
		}
		batch.Records = append(batch.Records, records...)
	}

	if len(batch.Records) == 0 {
		log.Info("scrape run completed, nothing to publish")
		return
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		log.Error("marshal batch", slog.Any("err", err))
		return
	}
	if err := pub.Publish(subCtx, stream.Message{
		Topic: cfg.TopicRaw(),
		Key:   batch.FetchedAt.Format(time.RFC3339),
		Value: payload,
	}); err != nil {
		log.Warn("publish batch failed (will retry on next interval)", slog.Any("err", err))
		return
	}

	log.Info("scrape run completed", slog.Int("records", len(batch.Records)))
}
