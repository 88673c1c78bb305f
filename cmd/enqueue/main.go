package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"callnote-sync/internal/config"
	"callnote-sync/internal/dataset"
	"callnote-sync/internal/logger"
	"callnote-sync/internal/queue"
	"callnote-sync/internal/types"
)

func main() {
	audio := flag.String("audio", "", "audio locator, e.g. s3://bucket/path/call.flac")
	id := flag.String("id", "", "business id (recording uuid)")
	xlsx := flag.String("xlsx", "", "xlsx sheet with audio_path and uuid columns")
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New()
	cfg := config.Load()
	if err := cfg.ValidateQueue(); err != nil {
		log.WithError(err).Error("invalid queue configuration")
		os.Exit(1)
	}
	if cfg.QueueBackend != "redis" {
		log.Error("enqueue needs QUEUE_BACKEND=redis; the memory queue lives inside the worker")
		os.Exit(1)
	}

	var items []types.WorkItem
	switch {
	case *xlsx != "":
		loaded, err := dataset.Load(*xlsx)
		if err != nil {
			log.WithError(err).WithField("path", *xlsx).Error("failed to read sheet")
			os.Exit(1)
		}
		items = loaded
	case *audio != "":
		items = []types.WorkItem{{AudioLocator: *audio, BusinessID: *id}}
	default:
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	q, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
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
	defer q.Close()

	var producer queue.Producer = q
	for _, item := range items {
		if err := producer.Enqueue(ctx, item); err != nil {
			log.WithError(err).WithField("audio_locator", item.AudioLocator).Error("enqueue failed")
			os.Exit(1)
		}
	}
	log.WithFields(map[string]any{
		"stream": cfg.RedisStream,
		"items":  len(items),
	}).Info("work items enqueued")
}
