package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"call-lead-pipeline/internal/config"
)

// Client calls the external download+speech-to-text service. The service
// fetches the recording itself from the locator we hand it, so shortly after
// a call ends it may reply 403/404 or "Recording not found" while the
// recording is still propagating; those failures are transient and the
// caller retries them.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg config.Config) *Client {
	timeout := cfg.STTTimeout
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.STTBaseURL, "/"),
		apiKey:     cfg.STTAPIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Error is a non-2xx reply. The upstream only exposes a status and a text
// body, so the code is the numeric status and the body is kept in the
// message for substring classification.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transcription request failed with status %d: %s", e.Status, e.Body)
}

func (e *Error) ErrorCode() string { return strconv.Itoa(e.Status) }

type transcribeRequest struct {
	RecordingURL string `json:"recording_url"`
}

type transcribeResponse struct {
	Transcript string `json:"transcript"`
	Reason     string `json:"reason,omitempty"`
}

// Transcribe downloads and transcribes the recording at the given locator.
func (c *Client) Transcribe(ctx context.Context, recordingURL string) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("stt base url not configured")
	}

	body, err := json.Marshal(transcribeRequest{RecordingURL: recordingURL})
	if err != nil {
		return "", fmt.Errorf("marshal transcribe request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Error{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var parsed transcribeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode transcribe response: %w", err)
	}
	if parsed.Transcript == "" && parsed.Reason != "" {
		return "", fmt.Errorf("transcription rejected: %s", parsed.Reason)
	}
	return parsed.Transcript, nil
}
