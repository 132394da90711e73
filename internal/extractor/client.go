package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"call-lead-pipeline/internal/config"
	"call-lead-pipeline/internal/logger"
	"call-lead-pipeline/internal/models"
	"call-lead-pipeline/internal/retry"
	"call-lead-pipeline/internal/telemetry"
	"call-lead-pipeline/internal/tracker"
)

// TransientRetry is the named retry config for reasoning-service calls:
// base 1s doubling, no cap beyond the attempt budget, retried only on
// rate-limit, server-error, timeout, and transport signatures.
var TransientRetry = retry.Config{
	MaxRetries:      3,
	BaseDelay:       time.Second,
	Multiplier:      2,
	RetryableErrors: []string{"429", "500", "503", "timeout", "transient"},
}

// Limiter paces outbound reasoning-service calls.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Client wraps the prompt-based JSON-extraction call to the reasoning
// service.
type Client struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	timeout      time.Duration
	retryCfg     retry.Config
	limiter      Limiter
	tracker      tracker.Tracker
	now          func() time.Time
	log          *logrus.Entry
}

func NewClient(cfg config.Config, trk tracker.Tracker, limiter Limiter, log *logger.Logger) *Client {
	timeout := cfg.LLMTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		apiKey:       cfg.LLMAPIKey,
		baseURL:      strings.TrimRight(cfg.LLMBaseURL, "/"),
		defaultModel: cfg.LLMDefaultModel,
		httpClient:   &http.Client{},
		timeout:      timeout,
		retryCfg:     TransientRetry,
		limiter:      limiter,
		tracker:      trk,
		now:          time.Now,
		log:          log.WithModule("extractor"),
	}
}

// Extract runs one structured-extraction pass. When the upstream reports
// that the configured prompt template does not exist, the same semantic
// request is retried once against the configured default model with a fixed
// raw-JSON-only instruction; without a default model that is a fatal
// configuration error. Diagnostic captures go out only for final,
// non-recovered failures.
func (c *Client) Extract(ctx context.Context, req Request) (models.LeadAnalysis, error) {
	if c.apiKey == "" {
		err := &Error{Kind: KindConfig, Message: "LLM API key not configured"}
		c.capture(ctx, err, req)
		return models.LeadAnalysis{}, err
	}

	analysis, err := c.extractWithRetry(ctx, req, req.PromptID)
	if err != nil && IsKind(err, KindPromptNotFound) {
		if c.defaultModel == "" {
			err = &Error{
				Kind:    KindConfig,
				Message: fmt.Sprintf("prompt template %q not found and no default model configured", req.PromptID),
				Err:     err,
			}
		} else {
			c.log.WithFields(logrus.Fields{"prompt_id": req.PromptID, "model": c.defaultModel}).
				Warn("prompt template missing, falling back to default model")
			analysis, err = c.extractWithRetry(ctx, req, "")
		}
	}
	if err != nil {
		telemetry.LLMFailures.Inc()
		c.capture(ctx, err, req)
		return models.LeadAnalysis{}, err
	}
	return analysis, nil
}

func (c *Client) extractWithRetry(ctx context.Context, req Request, promptID string) (models.LeadAnalysis, error) {
	res := retry.Do(ctx, c.retryCfg, "structured extraction", func(ctx context.Context) (models.LeadAnalysis, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return models.LeadAnalysis{}, fmt.Errorf("llm rate limiter: %w", err)
			}
		}
		telemetry.LLMRequests.Inc()
		return retry.WithTimeout(ctx, c.timeout, "structured extraction request", func(ctx context.Context) (models.LeadAnalysis, error) {
			return c.attempt(ctx, req, promptID)
		})
	})
	if !res.Success {
		return models.LeadAnalysis{}, res.Err
	}
	return res.Value, nil
}

type responseContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseOutput struct {
	Type    string            `json:"type"`
	Content []responseContent `json:"content"`
}

type responseEnvelope struct {
	Output     []responseOutput `json:"output"`
	OutputText string           `json:"output_text,omitempty"`
	Usage      *responseUsage   `json:"usage,omitempty"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// attempt performs exactly one HTTP round trip and classifies its outcome
// at the boundary.
func (c *Client) attempt(ctx context.Context, req Request, promptID string) (models.LeadAnalysis, error) {
	raw := promptID == ""
	payload := map[string]any{
		"input": buildInput(req, c.now(), raw),
	}
	if raw {
		payload["model"] = c.defaultModel
	} else {
		payload["prompt"] = map[string]string{"id": promptID}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return models.LeadAnalysis{}, &Error{Kind: KindPermanent, Message: "marshal request: " + err.Error(), Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return models.LeadAnalysis{}, &Error{Kind: KindPermanent, Message: "build request: " + err.Error(), Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return models.LeadAnalysis{}, &Error{Kind: KindTransient, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	rawBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.LeadAnalysis{}, c.classifyStatus(resp.StatusCode, rawBody, promptID)
	}

	var envelope responseEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return models.LeadAnalysis{}, &Error{Kind: KindParse, Message: "decode response envelope: " + err.Error(), Err: err}
	}

	text := messageText(envelope)
	if text == "" {
		return models.LeadAnalysis{}, &Error{Kind: KindParse, Message: "response missing output text"}
	}

	var analysis models.LeadAnalysis
	if err := json.Unmarshal([]byte(stripFences(text)), &analysis); err != nil {
		return models.LeadAnalysis{}, &Error{Kind: KindParse, Message: "parse analysis payload: " + err.Error(), Err: err}
	}
	if envelope.Usage != nil {
		c.log.WithFields(logrus.Fields{
			"input_tokens":  envelope.Usage.InputTokens,
			"output_tokens": envelope.Usage.OutputTokens,
		}).Debug("extraction usage")
	}
	return analysis, nil
}

// messageText locates the model "message" segment (as opposed to an
// internal reasoning trace) and its first text-bearing content block,
// falling back to the flat output text field.
func messageText(envelope responseEnvelope) string {
	for _, out := range envelope.Output {
		if out.Type != "message" {
			continue
		}
		for _, content := range out.Content {
			if content.Text != "" {
				return content.Text
			}
		}
	}
	return envelope.OutputText
}

func (c *Client) classifyStatus(status int, body []byte, promptID string) *Error {
	msg := strings.TrimSpace(string(body))
	var parsed apiErrorEnvelope
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}

	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusNotFound && promptID != "" &&
		(parsed.Error.Code == "prompt_not_found" || (strings.Contains(lower, "prompt") && strings.Contains(lower, "not found"))):
		return &Error{Kind: KindPromptNotFound, Status: status, Message: msg}
	case status == http.StatusTooManyRequests,
		status == http.StatusInternalServerError,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return &Error{Kind: KindTransient, Status: status, Message: msg}
	default:
		return &Error{Kind: KindPermanent, Status: status, Message: msg}
	}
}

func (c *Client) capture(ctx context.Context, err error, req Request) {
	if c.tracker == nil {
		return
	}
	kind := "unknown"
	if ee, ok := err.(*Error); ok {
		kind = string(ee.Kind)
	}
	c.tracker.CaptureError(ctx, err, map[string]string{
		"component": "extraction_client",
		"kind":      kind,
		"prompt_id": req.PromptID,
	})
}
