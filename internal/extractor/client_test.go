package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"call-lead-pipeline/internal/config"
	"call-lead-pipeline/internal/logger"
	"call-lead-pipeline/internal/models"
	"call-lead-pipeline/internal/retry"
	"call-lead-pipeline/internal/tracker"
)

const analysisJSON = `{
	"intent_level": "high", "intent_score": 3,
	"urgency_level": "medium", "urgency_score": 2,
	"budget_constraint": "flexible", "budget_score": 2,
	"fit_alignment": "strong", "fit_score": 3,
	"engagement_health": "positive", "engagement_score": 3,
	"total_score": 13, "lead_status_tag": "hot",
	"reasoning": {"intent": "asked about onboarding", "urgency": "wants a demo this week", "budget": "", "fit": "", "engagement": "", "cta_behavior": ""},
	"cta_interactions": {"pricing_clicked": true, "demo_clicked": false, "followup_requested": true, "sample_requested": false, "escalated_to_human": false},
	"extraction": {"name": "Dana", "email_address": "dana@example.com", "company_name": "Acme", "smartnotification": "call back tomorrow at 10"}
}`

func envelopeWith(text string) string {
	out := map[string]any{
		"output": []map[string]any{
			{"type": "reasoning", "content": []map[string]any{{"type": "reasoning_text", "text": "thinking..."}}},
			{"type": "message", "content": []map[string]any{{"type": "output_text", "text": text}}},
		},
		"usage": map[string]int{"input_tokens": 120, "output_tokens": 80},
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func newTestClient(url, defaultModel string) *Client {
	c := NewClient(config.Config{
		LLMBaseURL:      url,
		LLMAPIKey:       "test-key",
		LLMDefaultModel: defaultModel,
		LLMTimeout:      2 * time.Second,
	}, tracker.NoOp{}, nil, logger.New())
	c.retryCfg = retry.Config{
		MaxRetries:      3,
		BaseDelay:       time.Millisecond,
		Multiplier:      2,
		RetryableErrors: TransientRetry.RetryableErrors,
	}
	return c
}

func TestExtractParsesFencedAndPlainAlike(t *testing.T) {
	bodies := []string{
		analysisJSON,
		"```json\n" + analysisJSON + "\n```",
		"```\n" + analysisJSON + "\n```",
	}
	for i, body := range bodies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(envelopeWith(body)))
		}))
		got, err := newTestClient(srv.URL, "").Extract(context.Background(), Request{PromptID: "pmpt_1", Transcript: "hi"})
		srv.Close()
		if err != nil {
			t.Fatalf("variant %d: %v", i, err)
		}
		if got.IntentLevel != "high" || got.TotalScore != 13 || got.Extraction.EmailAddress != "dana@example.com" {
			t.Fatalf("variant %d: parsed %+v", i, got)
		}
	}
}

func TestExtractUsesFlatOutputTextFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"output": []map[string]any{}, "output_text": analysisJSON}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL, "").Extract(context.Background(), Request{PromptID: "pmpt_1", Transcript: "hi"})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got.LeadStatusTag != "hot" {
		t.Fatalf("parsed %+v", got)
	}
}

func TestPromptNotFoundFallsBackToDefaultModel(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)

		if _, hasPrompt := payload["prompt"]; hasPrompt {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"message":"Prompt 'pmpt_missing' not found","code":"prompt_not_found"}}`))
			return
		}

		if payload["model"] != "gpt-4o-mini" {
			t.Errorf("fallback model = %v", payload["model"])
		}
		input, _ := json.Marshal(payload["input"])
		if !strings.Contains(string(input), "raw JSON object") {
			t.Error("fallback request missing raw-JSON instruction")
		}
		_, _ = w.Write([]byte(envelopeWith(analysisJSON)))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL, "gpt-4o-mini").Extract(context.Background(), Request{PromptID: "pmpt_missing", Transcript: "hi"})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got.TotalScore != 13 {
		t.Fatalf("parsed %+v", got)
	}
	if n := requests.Load(); n != 2 {
		t.Fatalf("requests = %d, want 2 (template then fallback)", n)
	}
}

func TestPromptNotFoundWithoutDefaultModelIsFatalConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"Prompt 'pmpt_missing' not found","code":"prompt_not_found"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "").Extract(context.Background(), Request{PromptID: "pmpt_missing", Transcript: "hi"})
	if !IsKind(err, KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
			return
		}
		_, _ = w.Write([]byte(envelopeWith(analysisJSON)))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "").Extract(context.Background(), Request{PromptID: "pmpt_1", Transcript: "hi"})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if n := requests.Load(); n != 3 {
		t.Fatalf("requests = %d, want 3", n)
	}
}

func TestParseFailureIsFatalAndNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte(envelopeWith("the lead seemed great, no JSON though")))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "").Extract(context.Background(), Request{PromptID: "pmpt_1", Transcript: "hi"})
	if !IsKind(err, KindParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if n := requests.Load(); n != 1 {
		t.Fatalf("requests = %d, a malformed response must not be retried", n)
	}
}

func TestBadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid input"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "").Extract(context.Background(), Request{PromptID: "pmpt_1", Transcript: "hi"})
	if !IsKind(err, KindPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestMissingAPIKeyIsFatalConfig(t *testing.T) {
	c := NewClient(config.Config{LLMBaseURL: "http://unused"}, tracker.NoOp{}, nil, logger.New())
	_, err := c.Extract(context.Background(), Request{PromptID: "pmpt_1", Transcript: "hi"})
	if !IsKind(err, KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestStripFences(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  ```json\n{\"a\":1}\n```  ", `{"a":1}`},
	}
	for _, tc := range cases {
		if got := stripFences(tc.in); got != tc.want {
			t.Errorf("stripFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildInputNumbersHistory(t *testing.T) {
	req := Request{
		PromptID:   "pmpt_c",
		Transcript: "current call",
		History:    historyOf("older call one", "older call two"),
	}
	msgs := buildInput(req, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), false)
	if len(msgs) != 4 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "Current date and time:") {
		t.Error("system turn missing timestamp")
	}
	if !strings.Contains(msgs[1].Content, "Previous call #1") || !strings.Contains(msgs[1].Content, "older call one") {
		t.Errorf("history turn 1: %q", msgs[1].Content)
	}
	if !strings.Contains(msgs[3].Content, "current call") {
		t.Errorf("final turn: %q", msgs[3].Content)
	}
}

func historyOf(transcripts ...string) []models.PriorCall {
	out := make([]models.PriorCall, 0, len(transcripts))
	for i, tr := range transcripts {
		out = append(out, models.PriorCall{CallID: fmt.Sprintf("c%d", i), Transcript: tr})
	}
	return out
}
