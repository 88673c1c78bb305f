// Package crm writes pipeline results into the Kintone customer-referral app.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"callnote-sync/internal/types"
	"github.com/sirupsen/logrus"
)

// Field codes of the customer-referral app.
const (
	FieldRecordingID   = "録音ファイルID"
	FieldSummary       = "AI要約"
	FieldTranscript    = "録音ファイル文字起こし"
	FieldCategory      = "送客内容"
	FieldCustomerInfo  = "問い合わせ者情報"
	FieldCustomerName  = "問合せ者名"
	FieldStatus        = "送客種別"
	FieldNextAction    = "備考"
	recordEndpointPath = "/k/v1/record.json"
)

type KintoneConfig struct {
	Domain     string
	APIToken   string
	AppID      string
	HTTPClient *http.Client
}

// KintoneWriter upserts one record per business id. The record is matched on
// FieldRecordingID, so repeated writes update the same record.
type KintoneWriter struct {
	endpoint   string
	token      string
	appID      string
	httpClient *http.Client
	log        *logrus.Entry
}

func NewKintoneWriter(cfg KintoneConfig, log *logrus.Entry) *KintoneWriter {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &KintoneWriter{
		endpoint:   strings.TrimRight(cfg.Domain, "/") + recordEndpointPath,
		token:      cfg.APIToken,
		appID:      cfg.AppID,
		httpClient: httpClient,
		log:        log,
	}
}

type fieldValue struct {
	Value string `json:"value"`
}

type updateKey struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type upsertRequest struct {
	App       string                `json:"app"`
	UpdateKey updateKey             `json:"updateKey"`
	Record    map[string]fieldValue `json:"record"`
}

type upsertResponse struct {
	Revision string `json:"revision"`
}

// Write sends a single PUT. Any transport error or non-2xx status is
// reported as ErrRemoteWriteFailed.
func (w *KintoneWriter) Write(ctx context.Context, result types.PipelineResult) (*types.WriteOutcome, error) {
	if strings.TrimSpace(result.BusinessID) == "" {
		return nil, fmt.Errorf("%w: empty business id", types.ErrRemoteWriteFailed)
	}

	body, err := json.Marshal(buildRequest(w.appID, result))
	if err != nil {
		return nil, fmt.Errorf("%w: encode record: %v", types.ErrRemoteWriteFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", types.ErrRemoteWriteFailed, err)
	}
	req.Header.Set("X-Cybozu-API-Token", w.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrRemoteWriteFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", types.ErrRemoteWriteFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", types.ErrRemoteWriteFailed, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed upsertResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			w.log.WithError(err).Warn("kintone response was not JSON")
		}
	}

	w.log.WithFields(logrus.Fields{
		"business_id": result.BusinessID,
		"revision":    parsed.Revision,
	}).Info("kintone record updated")

	return &types.WriteOutcome{BusinessID: result.BusinessID, Revision: parsed.Revision}, nil
}

// buildRequest maps a result onto the app's update-by-key contract.
func buildRequest(appID string, result types.PipelineResult) upsertRequest {
	s := result.Summary
	return upsertRequest{
		App:       appID,
		UpdateKey: updateKey{Field: FieldRecordingID, Value: result.BusinessID},
		Record: map[string]fieldValue{
			FieldSummary:      {Value: FormatSummary(s.SummaryContent)},
			FieldTranscript:   {Value: FormatTranscript(result.RenderedText)},
			FieldCategory:     {Value: s.Category.Label()},
			FieldCustomerInfo: {Value: s.CustomerInfo.Label()},
			FieldCustomerName: {Value: s.CustomerName},
			FieldStatus:       {Value: s.Status.Label()},
			FieldNextAction:   {Value: s.NextAction},
		},
	}
}

// FormatSummary renders one "topic: value" line per topic in fixed order.
func FormatSummary(content map[string]string) string {
	lines := make([]string, 0, len(types.SummaryTopics))
	for _, topic := range types.SummaryTopics {
		lines = append(lines, topic+": "+content[topic])
	}
	return strings.Join(lines, "\n")
}

var turnLabels = []string{
	"[" + types.RoleCustomer.Label() + "]",
	"[" + types.RoleAgent.Label() + "]",
	"[" + types.RoleUnknown.Label() + "]",
}

// FormatTranscript starts every speaker turn on its own line.
// The canonical rendered text is not modified.
func FormatTranscript(rendered string) string {
	var b strings.Builder
	b.Grow(len(rendered) + 64)
	for i := 0; i < len(rendered); i++ {
		if i > 0 && rendered[i-1] != '\n' && hasLabelAt(rendered, i) {
			b.WriteByte('\n')
		}
		b.WriteByte(rendered[i])
	}
	return b.String()
}

func hasLabelAt(s string, i int) bool {
	for _, label := range turnLabels {
		if strings.HasPrefix(s[i:], label) {
			return true
		}
	}
	return false
}
