package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"callnote-sync/internal/llm"
	"callnote-sync/internal/types"
	"github.com/sirupsen/logrus"
)

// Summarizer turns a transcript into a validated StructuredSummary with a
// single model call.
type Summarizer struct {
	model    llm.Generator
	modelID  string
	decoding llm.DecodingConfig
	log      *logrus.Entry
}

func NewSummarizer(model llm.Generator, modelID string, log *logrus.Entry) *Summarizer {
	return &Summarizer{
		model:    model,
		modelID:  modelID,
		decoding: DefaultDecoding,
		log:      log,
	}
}

func (s *Summarizer) Summarize(ctx context.Context, transcript types.Transcript) (types.StructuredSummary, error) {
	reply, err := s.model.Generate(ctx, llm.Request{
		Model:    s.modelID,
		Prompt:   BuildPrompt(transcript),
		Decoding: s.decoding,
	})
	if err != nil {
		return types.StructuredSummary{}, fmt.Errorf("%w: %v", types.ErrModelInvocationFailed, err)
	}
	s.log.WithFields(logrus.Fields{
		"reply_len": len(reply),
		"reply":     reply,
	}).Debug("model reply received")

	summary, err := ParseSummary(reply)
	if err != nil {
		return types.StructuredSummary{}, err
	}
	s.log.WithFields(logrus.Fields{
		"category": summary.Category,
		"status":   summary.Status,
	}).Info("summary extracted")
	return summary, nil
}

var requiredKeys = []string{"category", "customer_info", "customer_name", "next_action", "status", "summary_content"}

// ParseSummary is the schema gate between untrusted model text and
// StructuredSummary. Nothing is defaulted except missing summary topics.
func ParseSummary(reply string) (types.StructuredSummary, error) {
	raw := extractJSON(reply)
	if raw == "" {
		return types.StructuredSummary{}, schemaError("no JSON object in reply")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return types.StructuredSummary{}, schemaError("decode reply: %v", err)
	}
	for _, key := range requiredKeys {
		if _, ok := fields[key]; !ok {
			return types.StructuredSummary{}, schemaError("missing key %q", key)
		}
	}

	str := func(key string) (string, error) {
		var v string
		if err := json.Unmarshal(fields[key], &v); err != nil {
			return "", schemaError("%s must be a string", key)
		}
		return v, nil
	}

	var out types.StructuredSummary

	categoryRaw, err := str("category")
	if err != nil {
		return out, err
	}
	if out.Category, err = types.ParseCategory(categoryRaw); err != nil {
		return out, schemaError("%v", err)
	}

	infoRaw, err := str("customer_info")
	if err != nil {
		return out, err
	}
	if out.CustomerInfo, err = types.ParseCustomerInfo(infoRaw); err != nil {
		return out, schemaError("%v", err)
	}

	if out.CustomerName, err = str("customer_name"); err != nil {
		return out, err
	}
	if out.NextAction, err = str("next_action"); err != nil {
		return out, err
	}

	statusRaw, err := str("status")
	if err != nil {
		return out, err
	}
	if _, err := parseStatus(statusRaw); err != nil {
		return out, err
	}
	// The model's status is checked for shape only; the category decides.
	out.Status = out.Category.DeriveStatus()

	var content map[string]any
	if err := json.Unmarshal(fields["summary_content"], &content); err != nil || content == nil {
		return out, schemaError("summary_content must be an object")
	}
	out.SummaryContent = make(map[string]string, len(types.SummaryTopics))
	for _, topic := range types.SummaryTopics {
		value, ok := content[topic]
		if !ok || value == nil {
			out.SummaryContent[topic] = ""
			continue
		}
		text, ok := value.(string)
		if !ok {
			return out, schemaError("summary_content[%q] must be a string", topic)
		}
		out.SummaryContent[topic] = text
	}
	return out, nil
}

func parseStatus(raw string) (types.Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "有効", string(types.StatusValid):
		return types.StatusValid, nil
	case "無効", string(types.StatusInvalid):
		return types.StatusInvalid, nil
	default:
		return "", schemaError("status %q is not one of the allowed values", raw)
	}
}

func schemaError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrSchemaValidationFailed, fmt.Sprintf(format, args...))
}

// extractJSON returns the first balanced JSON object in s, ignoring braces
// inside string literals and any surrounding prose or markdown fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1])
			}
		}
	}
	return ""
}
