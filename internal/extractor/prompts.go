package extractor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"call-lead-pipeline/internal/models"
)

// rawJSONInstruction is the fixed instruction used on the default-model
// fallback path, where no server-side prompt template shapes the output.
const rawJSONInstruction = `You are a lead qualification analyst for recorded sales calls.
Respond with a single raw JSON object and nothing else: no markdown, no code fences, no commentary.
The object must have exactly these keys: intent_level, intent_score, urgency_level, urgency_score, budget_constraint, budget_score, fit_alignment, fit_score, engagement_health, engagement_score, total_score, lead_status_tag, reasoning, cta_interactions, extraction.`

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// instructionBlock carries a human-readable timestamp so the model can
// resolve relative dates ("tomorrow", "next week") mentioned in-transcript.
func instructionBlock(now time.Time, raw bool) string {
	var b strings.Builder
	if raw {
		b.WriteString(rawJSONInstruction)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Current date and time: %s.", now.Format("Monday, 02 Jan 2006 15:04 MST"))
	b.WriteString(" Resolve any relative dates in the transcript against this timestamp.")
	return b.String()
}

// buildInput assembles the role-tagged turns for one extraction request.
// History entries are numbered most-recent-first and carry both the prior
// transcript and its previously extracted analysis.
func buildInput(req Request, now time.Time, raw bool) []message {
	msgs := []message{
		{Role: "system", Content: instructionBlock(now, raw)},
	}

	for i, prior := range req.History {
		var b strings.Builder
		fmt.Fprintf(&b, "Previous call #%d transcript:\n%s", i+1, prior.Transcript)
		if prior.Analysis != nil {
			if summary, err := json.Marshal(prior.Analysis); err == nil {
				fmt.Fprintf(&b, "\n\nPrevious call #%d analysis:\n%s", i+1, summary)
			}
		}
		msgs = append(msgs, message{Role: "user", Content: b.String()})
	}

	label := "Transcript of the current call:"
	if len(req.History) > 0 {
		label = "Transcript of the current call (analyze the contact's cumulative disposition across all calls above plus this one):"
	}
	msgs = append(msgs, message{Role: "user", Content: label + "\n" + req.Transcript})
	return msgs
}

// stripFences removes a markdown code-fence wrapper, with or without a
// language tag, before structured parsing.
func stripFences(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```")
	if idx := strings.Index(out, "\n"); idx >= 0 {
		// Drop the language tag line ("json", "JSON", or empty).
		first := strings.TrimSpace(out[:idx])
		if first == "" || !strings.ContainsAny(first, "{[") {
			out = out[idx+1:]
		}
	}
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}

// Request is one structured-extraction invocation. An empty History makes it
// an individual analysis; a populated one makes it the complete (historical
// rollup) analysis.
type Request struct {
	PromptID   string
	Transcript string
	History    []models.PriorCall
}
