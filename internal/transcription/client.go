package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type HTTPClientConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// MaxElapsed bounds the retry of one idempotent GET (status, result).
	MaxElapsed time.Duration
}

// HTTPClient talks to a call-analytics style REST API:
//
//	POST {base}/jobs            submit
//	GET  {base}/jobs/{name}     status + transcript location
//	GET  {transcript uri}       {"Transcript":[{"ParticipantRole","Content"}]}
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxElapsed time.Duration
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 20 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: cfg.HTTPClient,
		maxElapsed: cfg.MaxElapsed,
	}
}

type statusResponse struct {
	JobName       string `json:"job_name"`
	Status        string `json:"status"`
	TranscriptURI string `json:"transcript_file_uri"`
	FailureReason string `json:"failure_reason"`
}

type resultDocument struct {
	Transcript []ResultEntry `json:"Transcript"`
}

// Submit is sent exactly once; a retry could start a second job.
func (c *HTTPClient) Submit(ctx context.Context, job JobRequest) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit transport error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("submit error: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func (c *HTTPClient) Status(ctx context.Context, jobName string) (JobState, error) {
	endpoint := c.baseURL + "/jobs/" + url.PathEscape(jobName)
	var s statusResponse
	if err := c.getJSON(ctx, endpoint, true, &s); err != nil {
		return JobState{}, err
	}
	return JobState{
		Status:        JobStatus(strings.ToUpper(strings.TrimSpace(s.Status))),
		TranscriptURI: s.TranscriptURI,
		FailureReason: s.FailureReason,
	}, nil
}

// FetchResult downloads the transcript document. The location is usually
// pre-signed, so no credentials are attached.
func (c *HTTPClient) FetchResult(ctx context.Context, uri string) ([]ResultEntry, error) {
	var doc resultDocument
	if err := c.getJSON(ctx, uri, false, &doc); err != nil {
		return nil, err
	}
	return doc.Transcript, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *HTTPClient) getJSON(ctx context.Context, endpoint string, auth bool, target interface{}) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if auth {
			c.authorize(req)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("server error: status=%d body=%s", resp.StatusCode, string(body))
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("request failed: status=%d body=%s", resp.StatusCode, string(body)))
		}
		if len(body) == 0 {
			return backoff.Permanent(errors.New("empty body"))
		}
		if err := json.Unmarshal(body, target); err != nil {
			return backoff.Permanent(fmt.Errorf("json decode error: %v body=%s", err, string(body)))
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
