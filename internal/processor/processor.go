// Package processor drives one work item through transcription,
// summarization and the record write.
package processor

import (
	"context"
	"fmt"
	"time"

	"callnote-sync/internal/metrics"
	"callnote-sync/internal/types"
	"github.com/sirupsen/logrus"
)

type State string

const (
	StateFetched     State = "fetched"
	StateTranscribed State = "transcribed"
	StateSummarized  State = "summarized"
	StateWritten     State = "written"
	StateFailed      State = "failed"
)

type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageSummarize  Stage = "summarize"
	StageWrite      Stage = "write"
)

type Transcriber interface {
	Extract(ctx context.Context, audioLocator string) (types.Transcript, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, transcript types.Transcript) (types.StructuredSummary, error)
}

type Writer interface {
	Write(ctx context.Context, result types.PipelineResult) (*types.WriteOutcome, error)
}

// StageError records the stage a work item failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Result is what is known about an item when processing stops.
type Result struct {
	State      State                   `json:"state"`
	Transcript types.Transcript        `json:"transcript"`
	Summary    types.StructuredSummary `json:"summary"`
	Outcome    *types.WriteOutcome     `json:"outcome,omitempty"`
	DurationMs int64                   `json:"duration_ms"`
}

type Processor struct {
	transcriber Transcriber
	summarizer  Summarizer
	writer      Writer
	metrics     *metrics.Recorder
	log         *logrus.Entry
}

// New wires the stages. rec may be nil.
func New(transcriber Transcriber, summarizer Summarizer, writer Writer, rec *metrics.Recorder, log *logrus.Entry) *Processor {
	return &Processor{
		transcriber: transcriber,
		summarizer:  summarizer,
		writer:      writer,
		metrics:     rec,
		log:         log,
	}
}

// Process runs the stages in order and stops at the first failure.
// Stages are not cancelled by ctx once started; ctx only carries values.
func (p *Processor) Process(ctx context.Context, item types.WorkItem, log *logrus.Entry) (Result, error) {
	if log == nil {
		log = p.log
	}
	start := time.Now()
	stageCtx := context.WithoutCancel(ctx)
	res := Result{State: StateFetched}

	fail := func(stage Stage, err error) (Result, error) {
		res.State = StateFailed
		res.DurationMs = time.Since(start).Milliseconds()
		p.metrics.ItemFinished(string(StateFailed))
		return res, &StageError{Stage: stage, Err: err}
	}

	t0 := time.Now()
	transcript, err := p.transcriber.Extract(stageCtx, item.AudioLocator)
	p.metrics.ObserveStage(string(StageTranscribe), time.Since(t0))
	if err != nil {
		return fail(StageTranscribe, err)
	}
	res.Transcript = transcript
	res.State = StateTranscribed
	log.WithField("state", res.State).Debug("item state advanced")

	t0 = time.Now()
	summary, err := p.summarizer.Summarize(stageCtx, transcript)
	p.metrics.ObserveStage(string(StageSummarize), time.Since(t0))
	if err != nil {
		return fail(StageSummarize, err)
	}
	res.Summary = summary
	res.State = StateSummarized
	log.WithField("state", res.State).Debug("item state advanced")

	t0 = time.Now()
	outcome, err := p.writer.Write(stageCtx, types.PipelineResult{
		BusinessID:   item.BusinessID,
		RenderedText: transcript.RenderedText,
		Summary:      summary,
		Metadata:     item.Metadata,
	})
	p.metrics.ObserveStage(string(StageWrite), time.Since(t0))
	if err != nil {
		return fail(StageWrite, err)
	}
	if outcome == nil {
		return fail(StageWrite, fmt.Errorf("%w: writer returned no outcome", types.ErrRemoteWriteFailed))
	}
	res.Outcome = outcome
	res.State = StateWritten
	res.DurationMs = time.Since(start).Milliseconds()
	p.metrics.ItemFinished(string(StateWritten))
	return res, nil
}
