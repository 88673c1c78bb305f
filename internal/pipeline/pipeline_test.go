package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"callnote-sync/internal/crm"
	"callnote-sync/internal/extractor"
	"callnote-sync/internal/llm"
	"callnote-sync/internal/logger"
	"callnote-sync/internal/processor"
	"callnote-sync/internal/queue"
	"callnote-sync/internal/runlog"
	"callnote-sync/internal/transcription"
	"callnote-sync/internal/types"
	"github.com/sirupsen/logrus"
)

type fakeSTT struct {
	status  transcription.JobStatus
	entries []transcription.ResultEntry
	submits int
}

func (f *fakeSTT) Submit(context.Context, transcription.JobRequest) error {
	f.submits++
	return nil
}

func (f *fakeSTT) Status(context.Context, string) (transcription.JobState, error) {
	state := transcription.JobState{Status: f.status}
	if f.status == transcription.StatusCompleted {
		state.TranscriptURI = "https://results/job.json"
	} else {
		state.FailureReason = "unsupported media"
	}
	return state, nil
}

func (f *fakeSTT) FetchResult(context.Context, string) ([]transcription.ResultEntry, error) {
	return f.entries, nil
}

type fakeModel struct {
	reply string
	calls int
}

func (f *fakeModel) Generate(context.Context, llm.Request) (string, error) {
	f.calls++
	return f.reply, nil
}

type recordServer struct {
	mu       sync.Mutex
	requests []map[string]any
}

func (s *recordServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.requests = append(s.requests, body)
	s.mu.Unlock()
	_, _ = w.Write([]byte(`{"revision":"5"}`))
}

const tourReply = `{"category":"tour-reservation","customer_info":"new","customer_name":"ヤマダ","next_action":"見学",
"status":"invalid","summary_content":{"見学希望日":"土曜日"}}`

type harness struct {
	queue *queue.LocalQueue
	stt   *fakeSTT
	model *fakeModel
	crm   *recordServer
	runs  *runlog.MemoryStore
	orch  *Orchestrator
	waits []time.Duration
}

func newHarness(t *testing.T, sttStatus transcription.JobStatus) *harness {
	t.Helper()
	log := logger.Nop().Entry
	h := &harness{
		queue: queue.NewLocalQueue(8, log),
		stt: &fakeSTT{status: sttStatus, entries: []transcription.ResultEntry{
			{ParticipantRole: "AGENT", Content: "はい霊園です"},
			{ParticipantRole: "CUSTOMER", Content: "見学したいです"},
		}},
		model: &fakeModel{reply: tourReply},
		crm:   &recordServer{},
		runs:  runlog.NewMemoryStore(10),
	}
	server := httptest.NewServer(h.crm)
	t.Cleanup(server.Close)

	proc := processor.New(
		transcription.NewExtractor(h.stt, transcription.Config{PollInterval: time.Millisecond}, log),
		extractor.NewSummarizer(h.model, "model-x", log),
		crm.NewKintoneWriter(crm.KintoneConfig{Domain: server.URL, APIToken: "tok", AppID: "7"}, log),
		nil, log,
	)
	h.orch = New(h.queue, proc, Config{QueueWait: time.Millisecond}, log,
		WithRunLog(h.runs),
		WithWait(func(_ context.Context, d time.Duration) error {
			h.waits = append(h.waits, d)
			return nil
		}),
	)
	return h
}

func TestRunOnceEndToEnd(t *testing.T) {
	h := newHarness(t, transcription.StatusCompleted)
	ctx := context.Background()
	if err := h.queue.Enqueue(ctx, types.WorkItem{AudioLocator: "store://bucket/call1.flac", BusinessID: "U-123"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if got := h.orch.RunOnce(ctx); got != OutcomeWritten {
		t.Fatalf("outcome = %s, want written", got)
	}
	if len(h.crm.requests) != 1 {
		t.Fatalf("expected exactly one upsert, got %d", len(h.crm.requests))
	}
	req := h.crm.requests[0]
	key := req["updateKey"].(map[string]any)
	if key["value"] != "U-123" {
		t.Fatalf("upsert keyed by %v", key)
	}
	record := req["record"].(map[string]any)
	value := func(field string) string {
		return record[field].(map[string]any)["value"].(string)
	}
	if value(crm.FieldTranscript) != "[事業者様] はい霊園です\n[お客様] 見学したいです" {
		t.Fatalf("unexpected transcript %q", value(crm.FieldTranscript))
	}
	if value(crm.FieldStatus) != "有効" || value(crm.FieldCategory) != "見学予約" {
		t.Fatalf("unexpected category/status %q %q", value(crm.FieldCategory), value(crm.FieldStatus))
	}
	if !strings.Contains(value(crm.FieldSummary), "見学希望日: 土曜日") {
		t.Fatalf("unexpected summary %q", value(crm.FieldSummary))
	}

	runs := h.runs.Runs()
	if len(runs) != 1 || runs[0].State != string(processor.StateWritten) || runs[0].Revision != "5" {
		t.Fatalf("unexpected run history %+v", runs)
	}
}

func TestRunOnceSkipsItemWithoutBusinessID(t *testing.T) {
	h := newHarness(t, transcription.StatusCompleted)
	ctx := context.Background()
	if err := h.queue.EnqueueRaw(ctx, []byte(`{"audio_path":"store://bucket/call1.flac","metadata":{}}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if got := h.orch.RunOnce(ctx); got != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", got)
	}
	if h.stt.submits != 0 || h.model.calls != 0 || len(h.crm.requests) != 0 {
		t.Fatalf("no stage may run: submits=%d model=%d writes=%d", h.stt.submits, h.model.calls, len(h.crm.requests))
	}
}

func TestRunOnceTranscriptionFailureStopsItem(t *testing.T) {
	h := newHarness(t, transcription.StatusFailed)
	ctx := context.Background()
	if err := h.queue.Enqueue(ctx, types.WorkItem{AudioLocator: "store://bucket/call1.flac", BusinessID: "U-123"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if got := h.orch.RunOnce(ctx); got != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", got)
	}
	if h.model.calls != 0 || len(h.crm.requests) != 0 {
		t.Fatalf("summarizer and writer must not run: model=%d writes=%d", h.model.calls, len(h.crm.requests))
	}
	runs := h.runs.Runs()
	if len(runs) != 1 || runs[0].FailedStage != string(processor.StageTranscribe) {
		t.Fatalf("unexpected run history %+v", runs)
	}
}

type scriptedFetcher struct {
	steps  []func() (*types.WorkItem, error)
	calls  int
	cancel context.CancelFunc
}

func (f *scriptedFetcher) Fetch(ctx context.Context, _ time.Duration) (*types.WorkItem, error) {
	if f.calls >= len(f.steps) {
		f.cancel()
		return nil, ctx.Err()
	}
	step := f.steps[f.calls]
	f.calls++
	return step()
}

type countingProcessor struct {
	calls int
	err   error
}

func (p *countingProcessor) Process(context.Context, types.WorkItem, *logrus.Entry) (processor.Result, error) {
	p.calls++
	if p.err != nil {
		return processor.Result{State: processor.StateFailed}, &processor.StageError{Stage: processor.StageSummarize, Err: p.err}
	}
	return processor.Result{State: processor.StateWritten, Outcome: &types.WriteOutcome{Revision: "1"}}, nil
}

func TestRunKeepsLoopingAndWaits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good := &types.WorkItem{AudioLocator: "store://b/a.flac", BusinessID: "U-1"}
	fetcher := &scriptedFetcher{cancel: cancel, steps: []func() (*types.WorkItem, error){
		func() (*types.WorkItem, error) { return nil, errors.New("redis: connection refused") },
		func() (*types.WorkItem, error) { return nil, nil },
		func() (*types.WorkItem, error) { return good, nil },
		func() (*types.WorkItem, error) { return good, nil },
		func() (*types.WorkItem, error) { return &types.WorkItem{AudioLocator: "store://b/x.flac"}, nil },
	}}
	proc := &countingProcessor{}

	var waits []time.Duration
	orch := New(fetcher, proc, Config{IdleWait: time.Minute, ErrorWait: 2 * time.Minute}, logger.Nop().Entry,
		WithWait(func(ctx context.Context, d time.Duration) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			waits = append(waits, d)
			return nil
		}),
	)

	done := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	want := []time.Duration{2 * time.Minute, time.Minute, time.Minute}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("waits = %v, want %v", waits, want)
		}
	}
	if proc.calls != 2 {
		t.Fatalf("expected two processed items, got %d", proc.calls)
	}
}

func TestRunWaitsAfterItemFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := &scriptedFetcher{cancel: cancel, steps: []func() (*types.WorkItem, error){
		func() (*types.WorkItem, error) {
			return &types.WorkItem{AudioLocator: "store://b/a.flac", BusinessID: "U-1"}, nil
		},
	}}
	proc := &countingProcessor{err: types.ErrSchemaValidationFailed}

	var waits []time.Duration
	orch := New(fetcher, proc, Config{IdleWait: time.Minute, ErrorWait: 3 * time.Minute}, logger.Nop().Entry,
		WithWait(func(ctx context.Context, d time.Duration) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			waits = append(waits, d)
			return nil
		}),
	)
	orch.Run(ctx)
	if len(waits) != 1 || waits[0] != 3*time.Minute {
		t.Fatalf("expected one error wait, got %v", waits)
	}
}

type panickingProcessor struct {
	counts map[string]int
}

func (p *panickingProcessor) Process(_ context.Context, item types.WorkItem, _ *logrus.Entry) (processor.Result, error) {
	p.counts[item.BusinessID]++
	return processor.Result{}, nil
}

func TestRunSurvivesProcessorPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := &scriptedFetcher{cancel: cancel, steps: []func() (*types.WorkItem, error){
		func() (*types.WorkItem, error) {
			return &types.WorkItem{AudioLocator: "store://b/a.flac", BusinessID: "U-1"}, nil
		},
		func() (*types.WorkItem, error) { return nil, nil },
	}}
	runs := runlog.NewMemoryStore(10)

	var waits []time.Duration
	orch := New(fetcher, &panickingProcessor{}, Config{IdleWait: time.Minute, ErrorWait: 3 * time.Minute}, logger.Nop().Entry,
		WithRunLog(runs),
		WithWait(func(ctx context.Context, d time.Duration) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			waits = append(waits, d)
			return nil
		}),
	)

	orch.Run(ctx)

	if fetcher.calls != 2 {
		t.Fatalf("loop should keep fetching after a panic, fetched %d", fetcher.calls)
	}
	if len(waits) != 2 || waits[0] != 3*time.Minute || waits[1] != time.Minute {
		t.Fatalf("waits = %v, want [3m 1m]", waits)
	}
	got := runs.Runs()
	if len(got) != 1 {
		t.Fatalf("expected one run record, got %+v", got)
	}
	if got[0].FailedStage != phaseProcess || got[0].BusinessID != "U-1" || !strings.HasPrefix(got[0].Error, "panic: ") {
		t.Fatalf("unexpected run record %+v", got[0])
	}
}

func TestRunOnceRecoversFetcherPanic(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []func() (*types.WorkItem, error){
		func() (*types.WorkItem, error) { panic("broken client") },
	}}
	runs := runlog.NewMemoryStore(10)
	orch := New(fetcher, &countingProcessor{}, Config{}, logger.Nop().Entry, WithRunLog(runs))

	if got := orch.RunOnce(context.Background()); got != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", got)
	}
	if r := runs.Runs(); len(r) != 1 || r[0].FailedStage != phaseFetch || r[0].BusinessID != "" {
		t.Fatalf("unexpected run history %+v", r)
	}
}

func TestErrorKind(t *testing.T) {
	err := &processor.StageError{Stage: processor.StageTranscribe, Err: types.ErrTranscriptionTimeout}
	if got := errorKind(err); got != "transcription_timeout" {
		t.Fatalf("errorKind = %q", got)
	}
	if got := errorKind(errors.New("boom")); got != "unexpected" {
		t.Fatalf("errorKind = %q", got)
	}
}
