package transcriber

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"call-lead-pipeline/internal/config"
	"call-lead-pipeline/internal/logger"
	"call-lead-pipeline/internal/models"
	"call-lead-pipeline/internal/retry"
	"call-lead-pipeline/internal/telemetry"
)

// Store is the slice of the persistence surface this worker needs.
type Store interface {
	ClaimTranscription(ctx context.Context, id string) (bool, error)
	GetCall(ctx context.Context, id string) (models.CallRecord, error)
	SaveTranscript(ctx context.Context, id, text string) error
	MarkTranscriptionFailed(ctx context.Context, id, msg string) error
}

// SpeechToText downloads and transcribes a recording.
type SpeechToText interface {
	Transcribe(ctx context.Context, recordingURL string) (string, error)
}

// Resolver turns a stored locator into a fetchable URL.
type Resolver interface {
	Resolve(ctx context.Context, locator string) (string, error)
}

// RecordingFetchRetry is the named retry config for the speech-to-text call:
// six attempts, 2s doubling capped at 20s, retried only while the failure
// signature says the recording has not propagated yet. Anything else aborts
// immediately.
var RecordingFetchRetry = retry.Config{
	MaxRetries:      5,
	BaseDelay:       2 * time.Second,
	MaxDelay:        20 * time.Second,
	Multiplier:      2,
	RetryableErrors: []string{"Recording not found", "403", "404"},
}

// Worker drives the transcription stage of a call record.
type Worker struct {
	store        Store
	stt          SpeechToText
	resolver     Resolver
	pollInterval time.Duration
	waitTimeout  time.Duration
	retryCfg     retry.Config
	log          *logrus.Entry
}

func New(st Store, stt SpeechToText, res Resolver, cfg config.Config, log *logger.Logger) *Worker {
	pollInterval := cfg.RecordingPollInterval
	if pollInterval == 0 {
		pollInterval = 2 * time.Second
	}
	waitTimeout := cfg.RecordingWaitTimeout
	if waitTimeout == 0 {
		waitTimeout = 60 * time.Second
	}
	return &Worker{
		store:        st,
		stt:          stt,
		resolver:     res,
		pollInterval: pollInterval,
		waitTimeout:  waitTimeout,
		retryCfg:     RecordingFetchRetry,
		log:          log.WithModule("transcriber"),
	}
}

// Process transcribes one call. Invocation is at-least-once safe: the
// conditional claim makes every re-invocation from a non-processing state a
// fresh attempt and everything else a no-op. Pipeline failures are recorded
// on the row, never returned; only infrastructure faults (the store itself
// failing) escape.
func (w *Worker) Process(ctx context.Context, callID string) error {
	log := w.log.WithField("call_id", callID)

	claimed, err := w.store.ClaimTranscription(ctx, callID)
	if err != nil {
		return fmt.Errorf("claim transcription for %s: %w", callID, err)
	}
	if !claimed {
		log.Debug("transcription claim lost, skipping")
		return nil
	}

	locator, err := w.waitForRecording(ctx, callID)
	if err != nil {
		return err
	}
	if locator == "" {
		log.Warn("recording URL never arrived")
		return w.fail(ctx, callID, fmt.Sprintf("recording URL missing after %s wait", w.waitTimeout))
	}

	resolved, err := w.resolver.Resolve(ctx, locator)
	if err != nil {
		log.WithField("error", err.Error()).Warn("recording locator unresolvable")
		return w.fail(ctx, callID, err.Error())
	}

	res := retry.Do(ctx, w.retryCfg, "transcribe "+callID, func(ctx context.Context) (string, error) {
		return w.stt.Transcribe(ctx, resolved)
	})
	if !res.Success {
		log.WithFields(logrus.Fields{"attempts": res.Attempts, "error": res.Err.Error()}).Warn("transcription failed")
		return w.fail(ctx, callID, res.Err.Error())
	}

	if err := w.store.SaveTranscript(ctx, callID, res.Value); err != nil {
		return fmt.Errorf("save transcript for %s: %w", callID, err)
	}
	telemetry.TranscriptionCompleted.Inc()
	log.WithFields(logrus.Fields{"attempts": res.Attempts, "chars": len(res.Value)}).Info("transcription completed")
	return nil
}

// waitForRecording polls the record until the webhook has delivered the
// locator or the bounded wait expires. The sleep suspends cooperatively so
// other calls keep processing.
func (w *Worker) waitForRecording(ctx context.Context, callID string) (string, error) {
	deadline := time.Now().Add(w.waitTimeout)
	for {
		call, err := w.store.GetCall(ctx, callID)
		if err != nil {
			return "", fmt.Errorf("read call %s: %w", callID, err)
		}
		if call.RecordingURL != nil && *call.RecordingURL != "" {
			return *call.RecordingURL, nil
		}
		if time.Now().After(deadline) {
			return "", nil
		}

		timer := time.NewTimer(w.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *Worker) fail(ctx context.Context, callID, msg string) error {
	if err := w.store.MarkTranscriptionFailed(ctx, callID, msg); err != nil {
		return fmt.Errorf("mark transcription failed for %s: %w", callID, err)
	}
	telemetry.TranscriptionFailed.Inc()
	return nil
}
