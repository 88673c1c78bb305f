// Package pipeline runs the worker loop: fetch one item, process it, wait.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"callnote-sync/internal/logger"
	"callnote-sync/internal/metrics"
	"callnote-sync/internal/processor"
	"callnote-sync/internal/queue"
	"callnote-sync/internal/runlog"
	"callnote-sync/internal/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ItemProcessor is satisfied by *processor.Processor.
type ItemProcessor interface {
	Process(ctx context.Context, item types.WorkItem, log *logrus.Entry) (processor.Result, error)
}

type Config struct {
	QueueWait time.Duration
	IdleWait  time.Duration
	ErrorWait time.Duration
}

// Outcome classifies one loop iteration.
type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeWritten   Outcome = "written"
	OutcomeFailed    Outcome = "failed"
	OutcomeFetchFail Outcome = "fetch_failed"
)

type Orchestrator struct {
	fetcher   queue.Fetcher
	processor ItemProcessor
	runs      runlog.Store
	metrics   *metrics.Recorder
	cfg       Config
	log       *logrus.Entry

	wait     func(ctx context.Context, d time.Duration) error
	newRunID func() string
	now      func() time.Time
}

type Option func(*Orchestrator)

func WithRunLog(store runlog.Store) Option {
	return func(o *Orchestrator) { o.runs = store }
}

func WithMetrics(rec *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = rec }
}

// WithWait replaces the sleep between iterations.
func WithWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.wait = wait }
}

func New(fetcher queue.Fetcher, proc ItemProcessor, cfg Config, log *logrus.Entry, opts ...Option) *Orchestrator {
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = 20 * time.Second
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 60 * time.Second
	}
	if cfg.ErrorWait <= 0 {
		cfg.ErrorWait = 60 * time.Second
	}
	o := &Orchestrator{
		fetcher:   fetcher,
		processor: proc,
		cfg:       cfg,
		log:       log,
		wait:      sleep,
		newRunID:  uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run loops until ctx is cancelled. Per-item failures and panics never end the loop.
func (o *Orchestrator) Run(ctx context.Context) {
	o.log.WithFields(logrus.Fields{
		"idle_wait":  o.cfg.IdleWait.String(),
		"error_wait": o.cfg.ErrorWait.String(),
	}).Info("worker loop started")

	for {
		if ctx.Err() != nil {
			o.log.Info("worker loop stopped")
			return
		}

		outcome := o.RunOnce(ctx)

		var d time.Duration
		switch outcome {
		case OutcomeIdle, OutcomeSkipped:
			d = o.cfg.IdleWait
		case OutcomeFailed, OutcomeFetchFail:
			d = o.cfg.ErrorWait
		}
		if d == 0 {
			continue
		}
		if err := o.wait(ctx, d); err != nil {
			o.log.Info("worker loop stopped")
			return
		}
	}
}

// RunOnce performs a single fetch and, if an item arrived, processes it.
// It does not wait afterwards. A panic anywhere in the iteration is
// recovered and reported as OutcomeFailed.
func (o *Orchestrator) RunOnce(ctx context.Context) (outcome Outcome) {
	runID := o.newRunID()
	log := o.log.WithField("run_id", runID)
	phase := phaseFetch
	var item *types.WorkItem
	started := o.now()

	defer func() {
		if r := recover(); r != nil {
			outcome = o.recovered(ctx, log, runID, phase, item, started, r)
		}
	}()

	item, err := o.fetcher.Fetch(ctx, o.cfg.QueueWait)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeIdle
		}
		log.WithError(err).Error("queue fetch failed, retrying after wait")
		return OutcomeFetchFail
	}
	if item == nil {
		o.metrics.IdlePoll()
		log.Info("no message in queue, polling again after wait")
		return OutcomeIdle
	}

	log = logger.WithItem(o.log, runID, *item)
	started = o.now()

	phase = phaseValidate
	if err := item.Validate(); err != nil {
		log.WithError(err).Warn("work item has no business id, skipping")
		o.metrics.ItemFinished("skipped")
		o.record(ctx, log, runlog.Run{
			ID:           runID,
			BusinessID:   item.BusinessID,
			AudioLocator: item.AudioLocator,
			State:        string(OutcomeSkipped),
			Error:        err.Error(),
			StartedAt:    started,
			FinishedAt:   o.now(),
		})
		return OutcomeSkipped
	}

	phase = phaseProcess
	log.Info("processing work item")
	res, err := o.processor.Process(ctx, *item, log)
	run := runlog.Run{
		ID:           runID,
		BusinessID:   item.BusinessID,
		AudioLocator: item.AudioLocator,
		State:        string(res.State),
		StartedAt:    started,
		FinishedAt:   o.now(),
	}

	if err != nil {
		var stageErr *processor.StageError
		stage := "unknown"
		if errors.As(err, &stageErr) {
			stage = string(stageErr.Stage)
		}
		run.FailedStage = stage
		run.Error = err.Error()
		log.WithError(err).WithFields(logrus.Fields{
			"stage":      stage,
			"kind":       errorKind(err),
			"detail":     fmt.Sprintf("%+v", err),
			"stack":      string(debug.Stack()),
			"state":      res.State,
			"elapsed_ms": res.DurationMs,
		}).Error("work item failed, retrying after wait")
		o.record(ctx, log, run)
		return OutcomeFailed
	}

	if res.Outcome != nil {
		run.Revision = res.Outcome.Revision
	}
	log.WithFields(logrus.Fields{
		"revision":   run.Revision,
		"elapsed_ms": res.DurationMs,
	}).Info("work item written")
	o.record(ctx, log, run)
	return OutcomeWritten
}

// Phases of one iteration, recorded as the failed stage when a panic is
// recovered outside a stage error.
const (
	phaseFetch    = "fetch"
	phaseValidate = "validate"
	phaseProcess  = "process"
)

func (o *Orchestrator) recovered(ctx context.Context, log *logrus.Entry, runID, phase string, item *types.WorkItem, started time.Time, r any) Outcome {
	log.WithFields(logrus.Fields{
		"stage": phase,
		"kind":  "panic",
		"panic": fmt.Sprintf("%v", r),
		"stack": string(debug.Stack()),
	}).Error("work item panicked, retrying after wait")

	run := runlog.Run{
		ID:          runID,
		State:       string(processor.StateFailed),
		FailedStage: phase,
		Error:       fmt.Sprintf("panic: %v", r),
		StartedAt:   started,
		FinishedAt:  o.now(),
	}
	if item != nil {
		run.BusinessID = item.BusinessID
		run.AudioLocator = item.AudioLocator
		o.metrics.ItemFinished(string(processor.StateFailed))
	}
	o.record(ctx, log, run)
	return OutcomeFailed
}

func (o *Orchestrator) record(ctx context.Context, log *logrus.Entry, run runlog.Run) {
	if o.runs == nil {
		return
	}
	if err := o.runs.Record(context.WithoutCancel(ctx), run); err != nil {
		log.WithError(err).Warn("run history write failed")
	}
}

var errorKinds = []struct {
	err  error
	name string
}{
	{types.ErrValidation, "validation"},
	{types.ErrInvalidAudioReference, "invalid_audio_reference"},
	{types.ErrTranscriptionTimeout, "transcription_timeout"},
	{types.ErrTranscriptionFailed, "transcription_failed"},
	{types.ErrModelInvocationFailed, "model_invocation_failed"},
	{types.ErrSchemaValidationFailed, "schema_validation_failed"},
	{types.ErrRemoteWriteFailed, "remote_write_failed"},
}

func errorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "unexpected"
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
