// Package queue holds the work-queue collaborators the worker drains.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"callnote-sync/internal/types"
)

// Fetcher returns at most one WorkItem per call. A nil item with a nil
// error means nothing was available within wait. Fetched messages are
// removed from the backend before the item is returned.
type Fetcher interface {
	Fetch(ctx context.Context, wait time.Duration) (*types.WorkItem, error)
}

// Producer puts recordings on the queue.
type Producer interface {
	Enqueue(ctx context.Context, item types.WorkItem) error
}

var errMalformed = errors.New("malformed queue message")

type messageBody struct {
	AudioPath string         `json:"audio_path"`
	Metadata  map[string]any `json:"metadata"`
}

// ParseBody decodes {"audio_path": ..., "metadata": {"uuid": ...}}.
// The business id is metadata.uuid; an empty one is left for validation.
func ParseBody(raw []byte) (types.WorkItem, error) {
	var body messageBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return types.WorkItem{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if strings.TrimSpace(body.AudioPath) == "" {
		return types.WorkItem{}, fmt.Errorf("%w: audio_path is missing", errMalformed)
	}
	if body.Metadata == nil {
		return types.WorkItem{}, fmt.Errorf("%w: metadata is missing", errMalformed)
	}

	businessID, _ := body.Metadata["uuid"].(string)
	return types.WorkItem{
		AudioLocator: body.AudioPath,
		BusinessID:   businessID,
		Metadata:     body.Metadata,
	}, nil
}

// EncodeBody is the inverse of ParseBody.
func EncodeBody(item types.WorkItem) ([]byte, error) {
	metadata := make(map[string]any, len(item.Metadata)+1)
	for k, v := range item.Metadata {
		metadata[k] = v
	}
	metadata["uuid"] = item.BusinessID
	return json.Marshal(messageBody{AudioPath: item.AudioLocator, Metadata: metadata})
}
