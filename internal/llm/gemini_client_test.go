package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGeminiClientRequiresKey(t *testing.T) {
	if _, err := NewGeminiClient(context.Background(), GeminiClientConfig{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestGeminiClientJoinsParts(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"a\":"},{"text":"1}"}]}}]}`))
	}))
	defer server.Close()

	client, err := NewGeminiClient(context.Background(), GeminiClientConfig{APIKey: "k", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	text, err := client.Generate(context.Background(), Request{
		Model:    "gemini-2.5-flash",
		Prompt:   "hi",
		Decoding: DecodingConfig{Temperature: 0.8, TopP: 0.999, MaxTokens: 2000},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != `{"a":1}` {
		t.Fatalf("unexpected text %q", text)
	}
	if !strings.Contains(path, "gemini-2.5-flash:generateContent") {
		t.Fatalf("unexpected request path %q", path)
	}
}
