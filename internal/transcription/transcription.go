package transcription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"callnote-sync/internal/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// JobStatus is the lifecycle of one asynchronous recognition job.
type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// Terminal statuses never transition again.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type ChannelDefinition struct {
	ChannelID       int               `json:"channel_id"`
	ParticipantRole types.SpeakerRole `json:"participant_role"`
}

// DefaultChannels: the agent is recorded on channel 0, the caller on channel 1.
var DefaultChannels = []ChannelDefinition{
	{ChannelID: 0, ParticipantRole: types.RoleAgent},
	{ChannelID: 1, ParticipantRole: types.RoleCustomer},
}

type JobRequest struct {
	JobName           string              `json:"job_name"`
	MediaURI          string              `json:"media_uri"`
	Channels          []ChannelDefinition `json:"channel_definitions"`
	LanguageOptions   []string            `json:"language_options"`
	VocabularyName    string              `json:"vocabulary_name,omitempty"`
	DataAccessRoleARN string              `json:"data_access_role_arn,omitempty"`
}

type JobState struct {
	Status        JobStatus
	TranscriptURI string
	FailureReason string
}

// ResultEntry is one recognized turn as reported by the engine.
type ResultEntry struct {
	ParticipantRole string `json:"ParticipantRole"`
	Content         string `json:"Content"`
}

// SpeechToText is the asynchronous recognition collaborator.
type SpeechToText interface {
	Submit(ctx context.Context, req JobRequest) error
	Status(ctx context.Context, jobName string) (JobState, error)
	FetchResult(ctx context.Context, uri string) ([]ResultEntry, error)
}

type Config struct {
	PollInterval      time.Duration
	MaxPolls          int
	Vocabulary        string
	Language          string
	DataAccessRoleARN string
}

// Extractor drives one recognition job per call to Extract.
type Extractor struct {
	stt    SpeechToText
	cfg    Config
	log    *logrus.Entry
	wait   func(ctx context.Context, d time.Duration) error
	jobIDs func() string
}

func NewExtractor(stt SpeechToText, cfg Config, log *logrus.Entry) *Extractor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 120
	}
	if cfg.Language == "" {
		cfg.Language = "ja-JP"
	}
	return &Extractor{
		stt:    stt,
		cfg:    cfg,
		log:    log,
		wait:   sleep,
		jobIDs: func() string { return "transcribe-job-" + uuid.NewString() },
	}
}

// Extract submits the recording, blocks until the job is terminal and
// renders the speaker-tagged transcript.
func (e *Extractor) Extract(ctx context.Context, audioLocator string) (types.Transcript, error) {
	mediaURI, err := ParseLocator(audioLocator)
	if err != nil {
		return types.Transcript{}, err
	}

	jobName := e.jobIDs()
	log := e.log.WithFields(logrus.Fields{"job_name": jobName, "media_uri": mediaURI})

	err = e.stt.Submit(ctx, JobRequest{
		JobName:           jobName,
		MediaURI:          mediaURI,
		Channels:          DefaultChannels,
		LanguageOptions:   []string{e.cfg.Language},
		VocabularyName:    e.cfg.Vocabulary,
		DataAccessRoleARN: e.cfg.DataAccessRoleARN,
	})
	if err != nil {
		return types.Transcript{}, fmt.Errorf("%w: submit %s: %v", types.ErrTranscriptionFailed, jobName, err)
	}
	log.Info("transcription job submitted")

	state, err := e.awaitTerminal(ctx, jobName, log)
	if err != nil {
		return types.Transcript{}, err
	}
	if state.Status == StatusFailed {
		return types.Transcript{}, fmt.Errorf("%w: job %s: %s", types.ErrTranscriptionFailed, jobName, state.FailureReason)
	}
	if state.TranscriptURI == "" {
		return types.Transcript{}, fmt.Errorf("%w: job %s completed without a transcript location", types.ErrTranscriptionFailed, jobName)
	}

	entries, err := e.stt.FetchResult(ctx, state.TranscriptURI)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("%w: fetch result of %s: %v", types.ErrTranscriptionFailed, jobName, err)
	}

	turns := make([]types.Turn, 0, len(entries))
	for _, entry := range entries {
		turns = append(turns, types.Turn{
			Role: types.ParseSpeakerRole(entry.ParticipantRole),
			Text: entry.Content,
		})
	}
	transcript := types.NewTranscript(turns)
	log.WithField("turns", len(turns)).Info("transcription completed")
	return transcript, nil
}

func (e *Extractor) awaitTerminal(ctx context.Context, jobName string, log *logrus.Entry) (JobState, error) {
	for poll := 1; poll <= e.cfg.MaxPolls; poll++ {
		state, err := e.stt.Status(ctx, jobName)
		if err != nil {
			return JobState{}, fmt.Errorf("%w: status of %s: %v", types.ErrTranscriptionFailed, jobName, err)
		}
		log.WithFields(logrus.Fields{"status": state.Status, "poll": poll}).Info("polling transcription")
		if state.Status.Terminal() {
			return state, nil
		}
		if poll == e.cfg.MaxPolls {
			break
		}
		if err := e.wait(ctx, e.cfg.PollInterval); err != nil {
			return JobState{}, err
		}
	}
	return JobState{}, fmt.Errorf("%w: job %s not terminal after %d polls", types.ErrTranscriptionTimeout, jobName, e.cfg.MaxPolls)
}

// ParseLocator checks that the locator is scheme://bucket/key.flac and
// returns it normalized.
func ParseLocator(locator string) (string, error) {
	trimmed := strings.TrimSpace(locator)
	if !strings.HasSuffix(strings.ToLower(trimmed), ".flac") {
		return "", fmt.Errorf("%w: %q is not a .flac recording", types.ErrInvalidAudioReference, locator)
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 4 || !strings.HasSuffix(parts[0], ":") || len(parts[0]) < 2 || parts[1] != "" {
		return "", fmt.Errorf("%w: %q is not scheme://bucket/key", types.ErrInvalidAudioReference, locator)
	}
	bucket := parts[2]
	key := strings.Join(parts[3:], "/")
	if bucket == "" || strings.Trim(key, "/") == "" {
		return "", fmt.Errorf("%w: %q has no bucket or key", types.ErrInvalidAudioReference, locator)
	}
	return parts[0] + "//" + bucket + "/" + key, nil
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
