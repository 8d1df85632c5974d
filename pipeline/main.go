package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tenderradar/backend/internal/config"
	"github.com/tenderradar/backend/internal/dedupe"
	"github.com/tenderradar/backend/internal/llm"
	"github.com/tenderradar/backend/internal/logger"
	"github.com/tenderradar/backend/internal/stage/adjudicate"
	"github.com/tenderradar/backend/internal/stage/extract"
	"github.com/tenderradar/backend/internal/stage/ingest"
	"github.com/tenderradar/backend/internal/stage/notify"
	"github.com/tenderradar/backend/internal/stage/score"
	"github.com/tenderradar/backend/internal/store"
	"github.com/tenderradar/backend/internal/stream"
	"github.com/tenderradar/backend/internal/textutil"
)

func main() {
	log := logger.New("pipeline")
	cfg, err := config.LoadPipeline()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	db, err := store.Open(initCtx, cfg.DatabaseDSN)
	if err != nil {
		log.Error("open store", slog.Any("err", err))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(initCtx); err != nil {
		log.Error("ensure schema", slog.Any("err", err))
		os.Exit(1)
	}

	vocabulary := textutil.DefaultCodes
	if cfg.CodesFile != "" {
		vocabulary, err = textutil.LoadCodes(cfg.CodesFile)
		if err != nil {
			log.Error("load codes file", slog.Any("err", err))
			os.Exit(1)
		}
	}

	notifyURLs := cfg.NotifyURLs
	if len(notifyURLs) == 0 && len(cfg.NotificationRecipients) > 0 {
		notifyURLs = []string{notify.BuildSMTPURL(cfg.SMTPHost, cfg.SMTPPort, cfg.SenderIdentity, cfg.NotificationRecipients)}
	}
	dispatcher, err := notify.NewShoutrrrDispatcher(notifyURLs, cfg.StageTimeout)
	if err != nil {
		log.Error("init dispatcher", slog.Any("err", err))
		os.Exit(1)
	}

	pub := stream.NewPublisher(cfg.KafkaBrokers)
	defer pub.Close()

	cache := dedupe.NewCache(cfg.DedupeCapacity, cfg.DedupeTTL)
	generator := llm.NewClient(cfg.OpenAIEndpoint, cfg.OpenAIModel, cfg.OpenAIKey, nil)
	fetcher := extract.NewHTTPFetcher(cfg.FetchTimeout)

	stages := []struct {
		topic       string
		concurrency int
		handler     stream.Handler
	}{
		{cfg.TopicRaw(), cfg.StageConcurrency,
			ingest.New(db, cache, cfg.TopicExtract(), cfg.TopicAdjudicate(), log)},
		{cfg.TopicExtract(), cfg.StageConcurrency,
			extract.New(db, fetcher, vocabulary, cfg.TopicScore(), log)},
		{cfg.TopicScore(), cfg.StageConcurrency,
			score.New(db, cfg.ScoreThreshold, cfg.TopicAdjudicate(), log)},
		{cfg.TopicAdjudicate(), cfg.AdjudicatorConcurrent,
			adjudicate.New(db, generator, cfg.MinTextLengthFull, cfg.TopicNotify(), log)},
		{cfg.TopicNotify(), cfg.StageConcurrency,
			notify.New(db, dispatcher, log)},
	}

	log.Info("pipeline starting",
		slog.String("topic_prefix", cfg.TopicPrefix),
		slog.Int("stages", len(stages)),
	)

	var wg sync.WaitGroup
	for _, s := range stages {
		consumer := stream.NewConsumer(stream.ConsumerConfig{
			Brokers:     cfg.KafkaBrokers,
			Topic:       s.topic,
			GroupID:     "pipeline-" + s.handler.Name(),
			Concurrency: s.concurrency,
			MaxAttempts: cfg.RetryMaxAttempts,
			Timeout:     cfg.StageTimeout,
			DeadLetter:  cfg.DeadLetterEnabled,
		}, pub, s.handler, log)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				log.Error("stage consumer stopped", slog.Any("err", err))
			}
		}()
	}

	wg.Wait()
	log.Info("pipeline stopped")
}
