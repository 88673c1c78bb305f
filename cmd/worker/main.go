package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"callnote-sync/internal/config"
	"callnote-sync/internal/crm"
	"callnote-sync/internal/dataset"
	"callnote-sync/internal/extractor"
	"callnote-sync/internal/llm"
	"callnote-sync/internal/logger"
	"callnote-sync/internal/metrics"
	"callnote-sync/internal/pipeline"
	"callnote-sync/internal/processor"
	"callnote-sync/internal/queue"
	"callnote-sync/internal/runlog"
	"callnote-sync/internal/transcription"
	"callnote-sync/internal/types"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		logger.New().WithError(err).Fatal("failed to load .env")
	}

	log := logger.New()
	log.WithField("service", "callnote-sync").Info("starting worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration, worker not started")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher, closeQueue := buildQueue(ctx, cfg, log)
	defer closeQueue()

	model := buildModel(ctx, cfg, log)

	var rec *metrics.Recorder
	if cfg.MetricsAddr != "" {
		rec = metrics.NewRecorder()
		go func() {
			if err := rec.Serve(ctx, cfg.MetricsAddr, log.Component("metrics")); err != nil {
				log.WithError(err).Error("metrics listener stopped")
			}
		}()
	}

	opts := []pipeline.Option{pipeline.WithMetrics(rec)}
	if cfg.RunlogDatabaseURL != "" {
		store, err := runlog.NewPostgresStore(ctx, cfg.RunlogDatabaseURL)
		if err != nil {
			log.WithError(err).Error("failed to open run history database")
			os.Exit(1)
		}
		defer store.Close()
		opts = append(opts, pipeline.WithRunLog(store))
		log.Info("run history enabled")
	}

	stt := transcription.NewHTTPClient(transcription.HTTPClientConfig{
		BaseURL: cfg.TranscribeURL,
		APIKey:  cfg.TranscribeAPIKey,
	})
	proc := processor.New(
		transcription.NewExtractor(stt, transcription.Config{
			PollInterval:      cfg.TranscribePollInterval,
			MaxPolls:          cfg.TranscribeMaxPolls,
			Vocabulary:        cfg.TranscribeVocabulary,
			Language:          cfg.TranscribeLanguage,
			DataAccessRoleARN: cfg.TranscribeRoleARN,
		}, log.Component("transcription")),
		extractor.NewSummarizer(model, cfg.ModelID, log.Component("summarizer")),
		crm.NewKintoneWriter(crm.KintoneConfig{
			Domain:   cfg.KintoneDomain,
			APIToken: cfg.KintoneAPIToken,
			AppID:    cfg.KintoneAppID,
		}, log.Component("kintone")),
		rec,
		log.Component("processor"),
	)

	orch := pipeline.New(fetcher, proc, pipeline.Config{
		QueueWait: cfg.QueueWait,
		IdleWait:  cfg.IdleWait,
		ErrorWait: cfg.ErrorWait,
	}, log.Component("orchestrator"), opts...)

	orch.Run(ctx)
	log.Info("worker stopped")
}

func buildQueue(ctx context.Context, cfg config.Config, log *logger.Logger) (queue.Fetcher, func()) {
	if cfg.QueueBackend == "memory" {
		var items []types.WorkItem
		if cfg.DatasetPath != "" {
			loaded, err := dataset.Load(cfg.DatasetPath)
			if err != nil {
				log.WithError(err).Error("failed to load dataset for local queue")
				os.Exit(1)
			}
			items = loaded
		}
		local := queue.NewLocalQueue(len(items), log.Component("queue"))
		for _, item := range items {
			if err := local.Enqueue(ctx, item); err != nil {
				log.WithError(err).Error("failed to seed local queue")
				os.Exit(1)
			}
		}
		if len(items) > 0 {
			log.WithField("items", local.Len()).Info("local queue seeded from dataset")
		}
		log.Warn("using in-memory queue; messages are lost on restart")
		return local, func() {}
	}

	streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Stream:   cfg.RedisStream,
		Group:    cfg.RedisGroup,
		Consumer: cfg.RedisConsumer,
	}, log.Component("queue"))
	if err != nil {
		log.WithError(err).Error("failed to connect to redis queue")
		os.Exit(1)
	}
	log.WithField("stream", cfg.RedisStream).Info("redis streams queue ready")
	return streams, func() { _ = streams.Close() }
}

func buildModel(ctx context.Context, cfg config.Config, log *logger.Logger) llm.Generator {
	if cfg.ModelProvider == "gemini" {
		gemini, err := llm.NewGeminiClient(ctx, llm.GeminiClientConfig{
			APIKey:  cfg.ModelAPIKey,
			BaseURL: cfg.ModelBaseURL,
		})
		if err != nil {
			log.WithError(err).Error("failed to create gemini client")
			os.Exit(1)
		}
		return gemini
	}
	return llm.NewChatClient(llm.ChatClientConfig{
		APIKey:  cfg.ModelAPIKey,
		BaseURL: cfg.ModelBaseURL,
		Timeout: cfg.ModelTimeout,
	})
}
