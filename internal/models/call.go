package models

import (
	"time"
)

// Stage names persisted on the call record. Each stage owns its own
// status/error/timestamp columns and progresses independently.
const (
	StageTranscription = "transcription"
	StageExtraction    = "lead_extraction"
)

// StageStatus enumerates per-stage lifecycle states persisted in Postgres.
const (
	StatusNone       = "none"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// CallRecord is one recorded phone call and all per-stage processing state.
// The row itself is the pipeline's only lock: workers claim a stage with a
// single conditional UPDATE and nothing else coordinates them.
type CallRecord struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	PhoneNumber string  `json:"phone_number"`
	RecordingURL *string `json:"recording_url,omitempty"`

	Transcript            *string    `json:"transcript,omitempty"`
	TranscriptStatus      string     `json:"transcript_status"`
	TranscriptError       *string    `json:"transcript_error,omitempty"`
	TranscriptStartedAt   *time.Time `json:"transcript_started_at,omitempty"`
	TranscriptCompletedAt *time.Time `json:"transcript_completed_at,omitempty"`

	ExtractionStatus      string        `json:"lead_extraction_status"`
	ExtractionError       *string       `json:"lead_extraction_error,omitempty"`
	ExtractionStartedAt   *time.Time    `json:"lead_extraction_started_at,omitempty"`
	ExtractionCompletedAt *time.Time    `json:"lead_extraction_completed_at,omitempty"`
	IndividualAnalysis    *LeadAnalysis `json:"individual_analysis,omitempty"`
	CompleteAnalysis      *LeadAnalysis `json:"complete_analysis,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasTranscript reports whether transcription finished with usable text,
// which is the precondition for the extraction claim.
func (c CallRecord) HasTranscript() bool {
	return c.TranscriptStatus == StatusCompleted && c.Transcript != nil && *c.Transcript != ""
}

// LeadAnalysis is the structured result of one extraction pass. The
// individual analysis is immutable once written; the complete analysis is
// recomputed after every qualifying call for the same (user, phone) pair and
// overwrites the previous aggregate.
type LeadAnalysis struct {
	IntentLevel      string `json:"intent_level"`
	IntentScore      int    `json:"intent_score"`
	UrgencyLevel     string `json:"urgency_level"`
	UrgencyScore     int    `json:"urgency_score"`
	BudgetConstraint string `json:"budget_constraint"`
	BudgetScore      int    `json:"budget_score"`
	FitAlignment     string `json:"fit_alignment"`
	FitScore         int    `json:"fit_score"`
	EngagementHealth string `json:"engagement_health"`
	EngagementScore  int    `json:"engagement_score"`

	TotalScore    int    `json:"total_score"`
	LeadStatusTag string `json:"lead_status_tag"`

	Reasoning  AnalysisReasoning `json:"reasoning"`
	CTA        CTAInteractions   `json:"cta_interactions"`
	Extraction ContactExtraction `json:"extraction"`
}

// AnalysisReasoning carries the model's free-text justification per dimension.
type AnalysisReasoning struct {
	Intent      string `json:"intent"`
	Urgency     string `json:"urgency"`
	Budget      string `json:"budget"`
	Fit         string `json:"fit"`
	Engagement  string `json:"engagement"`
	CTABehavior string `json:"cta_behavior"`
}

// CTAInteractions flags call-to-action behavior observed on the call.
type CTAInteractions struct {
	PricingClicked    bool `json:"pricing_clicked"`
	DemoClicked       bool `json:"demo_clicked"`
	FollowupRequested bool `json:"followup_requested"`
	SampleRequested   bool `json:"sample_requested"`
	EscalatedToHuman  bool `json:"escalated_to_human"`
}

// ContactExtraction holds contact fields the model pulled out of the
// transcript. SmartNotification is a cross-call signal: it is always blanked
// on stored analyses and only surfaced through a separate channel.
type ContactExtraction struct {
	Name              string `json:"name"`
	EmailAddress      string `json:"email_address"`
	CompanyName       string `json:"company_name"`
	SmartNotification string `json:"smartnotification"`
}

// PromptOverrides are per-user prompt template ids; empty fields fall back
// to the system defaults from config.
type PromptOverrides struct {
	IndividualPromptID *string `json:"individual_prompt_id,omitempty"`
	CompletePromptID   *string `json:"complete_prompt_id,omitempty"`
}

// PriorCall is one earlier call for the same contact, supplied to the
// complete-analysis pass as history, most recent first.
type PriorCall struct {
	CallID     string        `json:"call_id"`
	Transcript string        `json:"transcript"`
	Analysis   *LeadAnalysis `json:"analysis,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}
