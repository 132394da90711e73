package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"call-lead-pipeline/internal/models"
)

// ErrNotFound is returned when a call id does not exist.
var ErrNotFound = errors.New("call not found")

// Store wraps pgxpool for Postgres persistence. Every write is a single
// statement; the conditional claim updates double as the pipeline's locks.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres and waits for the server to
// accept pings, retrying with exponential backoff during startup.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	ping := func() error { return pool.Ping(ctx) }
	if err := backoff.Retry(ping, backoff.WithContext(bo, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateCall inserts a new call record with both stages at "none". The
// recording URL may be absent; a later webhook delivers it.
func (s *Store) CreateCall(ctx context.Context, userID, phone string, recordingURL *string) (models.CallRecord, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO calls (id, user_id, phone_number, recording_url, transcript_status, lead_extraction_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5, $6, $6)
	`, id, userID, phone, recordingURL, models.StatusNone, now)
	if err != nil {
		return models.CallRecord{}, fmt.Errorf("insert call: %w", err)
	}
	return models.CallRecord{
		ID:               id,
		UserID:           userID,
		PhoneNumber:      phone,
		RecordingURL:     recordingURL,
		TranscriptStatus: models.StatusNone,
		ExtractionStatus: models.StatusNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// SetRecordingURL records the locator delivered by the recording webhook.
func (s *Store) SetRecordingURL(ctx context.Context, id, url string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calls SET recording_url = $2, updated_at = NOW() WHERE id = $1
	`, id, url)
	if err != nil {
		return fmt.Errorf("set recording url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCall fetches a call by id.
func (s *Store) GetCall(ctx context.Context, id string) (models.CallRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, phone_number, recording_url,
		       transcript, transcript_status, transcript_error, transcript_started_at, transcript_completed_at,
		       lead_extraction_status, lead_extraction_error, lead_extraction_started_at, lead_extraction_completed_at,
		       individual_analysis, complete_analysis, created_at, updated_at
		FROM calls WHERE id = $1
	`, id)
	return scanCall(row)
}

// ClaimTranscription atomically moves transcript_status to "processing",
// clearing the previous error and stamping the start time. The guard only
// matches rows in "none" or "failed" (or NULL), so exactly one of any number
// of racing workers observes an affected row; everyone else no-ops.
func (s *Store) ClaimTranscription(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calls
		SET transcript_status = $2, transcript_error = NULL, transcript_started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND (transcript_status IS NULL OR transcript_status IN ($3, $4))
	`, id, models.StatusProcessing, models.StatusNone, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("claim transcription: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SaveTranscript writes the transcript text and marks the stage completed.
func (s *Store) SaveTranscript(ctx context.Context, id, text string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calls
		SET transcript = $2, transcript_status = $3, transcript_error = NULL, transcript_completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, text, models.StatusCompleted)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// MarkTranscriptionFailed records the failure on the row. The row stays
// claimable: "failed" is part of the claim guard, so a later invocation may
// retry the whole stage.
func (s *Store) MarkTranscriptionFailed(ctx context.Context, id, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calls
		SET transcript_status = $2, transcript_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, msg)
	if err != nil {
		return fmt.Errorf("mark transcription failed: %w", err)
	}
	return nil
}

// ClaimExtraction is the extraction-stage claim. Beyond the usual status
// guard it requires a completed, non-empty transcript, so extraction can
// never start before transcription finished. Speculative invocations
// correctly no-op.
func (s *Store) ClaimExtraction(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calls
		SET lead_extraction_status = $2, lead_extraction_error = NULL, lead_extraction_started_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND (lead_extraction_status IS NULL OR lead_extraction_status IN ($3, $4))
		  AND transcript_status = $5
		  AND transcript IS NOT NULL AND transcript <> ''
	`, id, models.StatusProcessing, models.StatusNone, models.StatusFailed, models.StatusCompleted)
	if err != nil {
		return false, fmt.Errorf("claim extraction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SaveAnalyses persists both analyses and the terminal "completed" status in
// one statement, so an extraction pass is all-or-nothing.
func (s *Store) SaveAnalyses(ctx context.Context, id string, individual, complete models.LeadAnalysis) error {
	individualJSON, err := json.Marshal(individual)
	if err != nil {
		return fmt.Errorf("marshal individual analysis: %w", err)
	}
	completeJSON, err := json.Marshal(complete)
	if err != nil {
		return fmt.Errorf("marshal complete analysis: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE calls
		SET individual_analysis = $2, complete_analysis = $3, lead_extraction_status = $4,
		    lead_extraction_error = NULL, lead_extraction_completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, individualJSON, completeJSON, models.StatusCompleted)
	if err != nil {
		return fmt.Errorf("save analyses: %w", err)
	}
	return nil
}

// MarkExtractionFailed records the failure on the row without touching any
// previously stored analyses.
func (s *Store) MarkExtractionFailed(ctx context.Context, id, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calls
		SET lead_extraction_status = $2, lead_extraction_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, msg)
	if err != nil {
		return fmt.Errorf("mark extraction failed: %w", err)
	}
	return nil
}

// RecentPriorCalls returns up to limit prior calls for the same (user,
// phone) with a usable transcript, most recent first, excluding the current
// call. Analyses are included when present.
func (s *Store) RecentPriorCalls(ctx context.Context, userID, phone, excludeID string, limit int) ([]models.PriorCall, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, transcript, individual_analysis, created_at
		FROM calls
		WHERE user_id = $1 AND phone_number = $2 AND id <> $3
		  AND transcript_status = $4 AND transcript IS NOT NULL AND transcript <> ''
		ORDER BY created_at DESC
		LIMIT $5
	`, userID, phone, excludeID, models.StatusCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("query prior calls: %w", err)
	}
	defer rows.Close()

	var out []models.PriorCall
	for rows.Next() {
		var (
			pc           models.PriorCall
			analysisJSON []byte
		)
		if err := rows.Scan(&pc.CallID, &pc.Transcript, &analysisJSON, &pc.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan prior call: %w", err)
		}
		if len(analysisJSON) > 0 {
			var a models.LeadAnalysis
			if err := json.Unmarshal(analysisJSON, &a); err != nil {
				return nil, fmt.Errorf("unmarshal prior analysis: %w", err)
			}
			pc.Analysis = &a
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// UserPromptOverrides returns the user's custom prompt template ids, if any.
func (s *Store) UserPromptOverrides(ctx context.Context, userID string) (models.PromptOverrides, error) {
	var (
		individual pgtype.Text
		complete   pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT individual_prompt_id, complete_prompt_id FROM prompt_overrides WHERE user_id = $1
	`, userID).Scan(&individual, &complete)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PromptOverrides{}, nil
	}
	if err != nil {
		return models.PromptOverrides{}, fmt.Errorf("query prompt overrides: %w", err)
	}
	return models.PromptOverrides{
		IndividualPromptID: textPtr(individual),
		CompletePromptID:   textPtr(complete),
	}, nil
}

func scanCall(row pgx.Row) (models.CallRecord, error) {
	var (
		c              models.CallRecord
		recordingURL   pgtype.Text
		transcript     pgtype.Text
		tErr           pgtype.Text
		eErr           pgtype.Text
		individualJSON []byte
		completeJSON   []byte
	)
	err := row.Scan(&c.ID, &c.UserID, &c.PhoneNumber, &recordingURL,
		&transcript, &c.TranscriptStatus, &tErr, &c.TranscriptStartedAt, &c.TranscriptCompletedAt,
		&c.ExtractionStatus, &eErr, &c.ExtractionStartedAt, &c.ExtractionCompletedAt,
		&individualJSON, &completeJSON, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CallRecord{}, ErrNotFound
	}
	if err != nil {
		return models.CallRecord{}, fmt.Errorf("scan call: %w", err)
	}

	c.RecordingURL = textPtr(recordingURL)
	c.Transcript = textPtr(transcript)
	c.TranscriptError = textPtr(tErr)
	c.ExtractionError = textPtr(eErr)
	if len(individualJSON) > 0 {
		var a models.LeadAnalysis
		if err := json.Unmarshal(individualJSON, &a); err != nil {
			return models.CallRecord{}, fmt.Errorf("unmarshal individual analysis: %w", err)
		}
		c.IndividualAnalysis = &a
	}
	if len(completeJSON) > 0 {
		var a models.LeadAnalysis
		if err := json.Unmarshal(completeJSON, &a); err != nil {
			return models.CallRecord{}, fmt.Errorf("unmarshal complete analysis: %w", err)
		}
		c.CompleteAnalysis = &a
	}
	return c, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
