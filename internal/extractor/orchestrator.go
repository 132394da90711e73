package extractor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"call-lead-pipeline/internal/config"
	"call-lead-pipeline/internal/logger"
	"call-lead-pipeline/internal/models"
	"call-lead-pipeline/internal/telemetry"
)

// priorCallLimit bounds how much contact history feeds the complete
// analysis.
const priorCallLimit = 5

// Store is the slice of the persistence surface the orchestrator needs.
type Store interface {
	ClaimExtraction(ctx context.Context, id string) (bool, error)
	GetCall(ctx context.Context, id string) (models.CallRecord, error)
	SaveAnalyses(ctx context.Context, id string, individual, complete models.LeadAnalysis) error
	MarkExtractionFailed(ctx context.Context, id, msg string) error
	RecentPriorCalls(ctx context.Context, userID, phone, excludeID string, limit int) ([]models.PriorCall, error)
	UserPromptOverrides(ctx context.Context, userID string) (models.PromptOverrides, error)
}

// ExtractionClient produces one structured analysis per request.
type ExtractionClient interface {
	Extract(ctx context.Context, req Request) (models.LeadAnalysis, error)
}

// Orchestrator drives the lead-extraction stage: individual analysis for
// the current call, then the historical rollup for the contact.
type Orchestrator struct {
	store              Store
	client             ExtractionClient
	individualPromptID string
	completePromptID   string
	log                *logrus.Entry
}

func NewOrchestrator(st Store, client ExtractionClient, cfg config.Config, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:              st,
		client:             client,
		individualPromptID: cfg.IndividualPromptID,
		completePromptID:   cfg.CompletePromptID,
		log:                log.WithModule("extraction"),
	}
}

// Extract runs the extraction stage for one call. The claim requires a
// completed, non-empty transcript, so speculative invocations before
// transcription finishes are silent no-ops. Any failure after the claim is
// recorded on the row as "failed"; nothing escapes to the trigger except
// faults in the store itself.
func (o *Orchestrator) Extract(ctx context.Context, callID string) error {
	log := o.log.WithField("call_id", callID)

	claimed, err := o.store.ClaimExtraction(ctx, callID)
	if err != nil {
		return fmt.Errorf("claim extraction for %s: %w", callID, err)
	}
	if !claimed {
		log.Debug("extraction claim lost or preconditions unmet, skipping")
		return nil
	}

	if err := o.run(ctx, callID, log); err != nil {
		log.WithField("error", err.Error()).Warn("extraction failed")
		telemetry.ExtractionFailed.Inc()
		if markErr := o.store.MarkExtractionFailed(ctx, callID, err.Error()); markErr != nil {
			return fmt.Errorf("mark extraction failed for %s: %w", callID, markErr)
		}
	}
	return nil
}

// run computes both analyses and persists them together. Nothing is written
// before the terminal SaveAnalyses, so a failure between the individual and
// complete passes discards the individual result rather than persisting a
// half-finished extraction.
func (o *Orchestrator) run(ctx context.Context, callID string, log *logrus.Entry) error {
	call, err := o.store.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("read call: %w", err)
	}
	if !call.HasTranscript() {
		return errors.New("transcript missing despite successful claim")
	}

	overrides, err := o.store.UserPromptOverrides(ctx, call.UserID)
	if err != nil {
		return fmt.Errorf("prompt overrides: %w", err)
	}
	individualPrompt := promptOr(overrides.IndividualPromptID, o.individualPromptID)
	completePrompt := promptOr(overrides.CompletePromptID, o.completePromptID)

	individual, err := o.client.Extract(ctx, Request{
		PromptID:   individualPrompt,
		Transcript: *call.Transcript,
	})
	if err != nil {
		return fmt.Errorf("individual analysis: %w", err)
	}

	prior, err := o.store.RecentPriorCalls(ctx, call.UserID, call.PhoneNumber, call.ID, priorCallLimit)
	if err != nil {
		return fmt.Errorf("prior calls: %w", err)
	}

	var complete models.LeadAnalysis
	if len(prior) == 0 {
		// A first-call contact has no cross-call signal to report.
		complete = individual
	} else {
		complete, err = o.client.Extract(ctx, Request{
			PromptID:   completePrompt,
			Transcript: *call.Transcript,
			History:    prior,
		})
		if err != nil {
			return fmt.Errorf("complete analysis: %w", err)
		}
	}
	// The smart notification is surfaced through a separate channel, never
	// stored on the aggregate.
	complete.Extraction.SmartNotification = ""

	if err := o.store.SaveAnalyses(ctx, callID, individual, complete); err != nil {
		return fmt.Errorf("persist analyses: %w", err)
	}
	telemetry.ExtractionCompleted.Inc()
	log.WithFields(logrus.Fields{
		"prior_calls": len(prior),
		"total_score": individual.TotalScore,
		"status_tag":  individual.LeadStatusTag,
	}).Info("extraction completed")
	return nil
}

func promptOr(override *string, fallback string) string {
	if override != nil && *override != "" {
		return *override
	}
	return fallback
}
