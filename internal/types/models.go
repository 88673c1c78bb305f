package types

import (
	"fmt"
	"strings"
)

// WorkItem is one recording pulled off the work queue.
type WorkItem struct {
	AudioLocator string         `json:"audio_path"`
	BusinessID   string         `json:"business_id"`
	Metadata     map[string]any `json:"metadata"`
}

// Validate reports a permanent validation failure for items without a business id.
func (w WorkItem) Validate() error {
	if strings.TrimSpace(w.BusinessID) == "" {
		return fmt.Errorf("%w: business id is empty (audio=%q)", ErrValidation, w.AudioLocator)
	}
	return nil
}

// SpeakerRole is the closed set of participants the recognizer can report.
type SpeakerRole string

const (
	RoleAgent    SpeakerRole = "AGENT"
	RoleCustomer SpeakerRole = "CUSTOMER"
	RoleUnknown  SpeakerRole = "UNKNOWN"
)

// ParseSpeakerRole never fails: anything unrecognized is RoleUnknown.
func ParseSpeakerRole(raw string) SpeakerRole {
	switch SpeakerRole(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleAgent:
		return RoleAgent
	case RoleCustomer:
		return RoleCustomer
	default:
		return RoleUnknown
	}
}

// Label is the bracketed name written in front of each turn.
func (r SpeakerRole) Label() string {
	switch r {
	case RoleAgent:
		return "事業者様"
	case RoleCustomer:
		return "お客様"
	default:
		return "未知の参加者"
	}
}

type Turn struct {
	Role SpeakerRole `json:"role"`
	Text string      `json:"text"`
}

// Transcript keeps recognition order. RenderedText is derived from Turns.
type Transcript struct {
	Turns        []Turn `json:"turns"`
	RenderedText string `json:"rendered_text"`
}

// NewTranscript renders turns: same-speaker turns are concatenated directly,
// a newline is inserted only where the speaker changes.
func NewTranscript(turns []Turn) Transcript {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 && turns[i-1].Role != t.Role {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s] %s", t.Role.Label(), t.Text)
	}
	return Transcript{Turns: turns, RenderedText: b.String()}
}

// SummaryTopics is the fixed key order of StructuredSummary.SummaryContent.
var SummaryTopics = []string{
	"希望の霊園・墓地",
	"希望のお墓の種類",
	"希望の地域",
	"見学希望日",
	"その他の希望",
	"会話全体の簡単な要約",
}

// StructuredSummary is the schema-validated extraction for one call.
type StructuredSummary struct {
	Category       Category          `json:"category"`
	CustomerInfo   CustomerInfo      `json:"customer_info"`
	CustomerName   string            `json:"customer_name"`
	NextAction     string            `json:"next_action"`
	Status         Status            `json:"status"`
	SummaryContent map[string]string `json:"summary_content"`
}

// PipelineResult is handed to the record writer and discarded afterwards.
type PipelineResult struct {
	BusinessID   string            `json:"business_id"`
	RenderedText string            `json:"transcript"`
	Summary      StructuredSummary `json:"summary"`
	Metadata     map[string]any    `json:"metadata"`
}

// WriteOutcome is what the record system reported for a successful upsert.
type WriteOutcome struct {
	BusinessID string `json:"business_id"`
	Revision   string `json:"revision"`
}
