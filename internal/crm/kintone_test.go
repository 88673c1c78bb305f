package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"callnote-sync/internal/logger"
	"callnote-sync/internal/types"
)

// fakeKintone keeps one record per update key, like the real app does.
type fakeKintone struct {
	mu      sync.Mutex
	records map[string]map[string]fieldValue
	methods []string
	tokens  []string
	status  int
}

func newFakeKintone() *fakeKintone {
	return &fakeKintone{records: map[string]map[string]fieldValue{}, status: http.StatusOK}
}

func (f *fakeKintone) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, r.Method)
	f.tokens = append(f.tokens, r.Header.Get("X-Cybozu-API-Token"))
	if r.URL.Path != "/k/v1/record.json" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if f.status != http.StatusOK {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"code":"GAIA_RE01","message":"record not found"}`))
		return
	}
	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.records[req.UpdateKey.Field+"="+req.UpdateKey.Value] = req.Record
	_, _ = w.Write([]byte(`{"revision":"2"}`))
}

func sampleResult() types.PipelineResult {
	return types.PipelineResult{
		BusinessID:   "U-123",
		RenderedText: "[事業者様] はい、霊園です[事業者様] ご用件は\n[お客様] 見学したいです",
		Summary: types.StructuredSummary{
			Category:     types.CategoryTourReservation,
			CustomerInfo: types.CustomerNew,
			CustomerName: "ヤマダ",
			NextAction:   "5月3日に見学",
			Status:       types.StatusValid,
			SummaryContent: map[string]string{
				"見学希望日":      "5月3日",
				"会話全体の簡単な要約": "見学予約",
			},
		},
	}
}

func TestKintoneWriterUpsertsByRecordingID(t *testing.T) {
	fake := newFakeKintone()
	server := httptest.NewServer(fake)
	defer server.Close()

	w := NewKintoneWriter(KintoneConfig{Domain: server.URL + "/", APIToken: "tok", AppID: "42"}, logger.Nop().Entry)
	outcome, err := w.Write(context.Background(), sampleResult())
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if outcome == nil || outcome.BusinessID != "U-123" || outcome.Revision != "2" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if fake.methods[0] != http.MethodPut || fake.tokens[0] != "tok" {
		t.Fatalf("unexpected request method=%s token=%s", fake.methods[0], fake.tokens[0])
	}

	record, ok := fake.records["録音ファイルID=U-123"]
	if !ok {
		t.Fatalf("record not keyed by business id: %v", fake.records)
	}
	if record[FieldCategory].Value != "見学予約" || record[FieldStatus].Value != "有効" {
		t.Fatalf("unexpected enum fields %v", record)
	}
	if record[FieldCustomerInfo].Value != "新規" || record[FieldNextAction].Value != "5月3日に見学" {
		t.Fatalf("unexpected fields %v", record)
	}
	if !strings.Contains(record[FieldSummary].Value, "見学希望日: 5月3日") {
		t.Fatalf("summary block missing topic line: %q", record[FieldSummary].Value)
	}
}

func TestKintoneWriterIsIdempotent(t *testing.T) {
	fake := newFakeKintone()
	server := httptest.NewServer(fake)
	defer server.Close()

	w := NewKintoneWriter(KintoneConfig{Domain: server.URL, APIToken: "tok", AppID: "42"}, logger.Nop().Entry)
	for i := 0; i < 2; i++ {
		if _, err := w.Write(context.Background(), sampleResult()); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if len(fake.records) != 1 {
		t.Fatalf("expected one record, got %d", len(fake.records))
	}
	for _, m := range fake.methods {
		if m != http.MethodPut {
			t.Fatalf("expected only PUT requests, got %v", fake.methods)
		}
	}
}

func TestKintoneWriterFailsOnNon2xx(t *testing.T) {
	fake := newFakeKintone()
	fake.status = http.StatusBadRequest
	server := httptest.NewServer(fake)
	defer server.Close()

	w := NewKintoneWriter(KintoneConfig{Domain: server.URL, APIToken: "tok", AppID: "42"}, logger.Nop().Entry)
	outcome, err := w.Write(context.Background(), sampleResult())
	if !errors.Is(err, types.ErrRemoteWriteFailed) {
		t.Fatalf("expected ErrRemoteWriteFailed, got %v", err)
	}
	if outcome != nil {
		t.Fatalf("expected no outcome, got %+v", outcome)
	}
}

func TestKintoneWriterFailsOnTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	w := NewKintoneWriter(KintoneConfig{Domain: url, APIToken: "tok", AppID: "42"}, logger.Nop().Entry)
	if _, err := w.Write(context.Background(), sampleResult()); !errors.Is(err, types.ErrRemoteWriteFailed) {
		t.Fatalf("expected ErrRemoteWriteFailed, got %v", err)
	}
}

func TestFormatTranscriptPutsEveryTurnOnItsOwnLine(t *testing.T) {
	got := FormatTranscript("[事業者様] a[事業者様] b\n[お客様] c[未知の参加者] d[未知の参加者] e")
	want := "[事業者様] a\n[事業者様] b\n[お客様] c\n[未知の参加者] d\n[未知の参加者] e"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFormatSummaryKeepsTopicOrder(t *testing.T) {
	got := FormatSummary(map[string]string{"会話全体の簡単な要約": "要約", "希望の霊園・墓地": "青山"})
	lines := strings.Split(got, "\n")
	if len(lines) != len(types.SummaryTopics) {
		t.Fatalf("expected %d lines, got %q", len(types.SummaryTopics), got)
	}
	if lines[0] != "希望の霊園・墓地: 青山" || lines[len(lines)-1] != "会話全体の簡単な要約: 要約" {
		t.Fatalf("unexpected order %q", got)
	}
	if lines[2] != "希望の地域: " {
		t.Fatalf("missing topic should render empty, got %q", lines[2])
	}
}
