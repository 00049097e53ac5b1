package protocol

import (
	"regexp"
	"strings"

	"github.com/suPer8Hu/healthchat/internal/models"
)

// Tags understood by the grammar.
const (
	TagAnswer      = "answer"
	TagReasoning   = "reasoning"
	TagFollowUp    = "followup"
	TagSummary     = "summary"
	TagActionItems = "actionitems"
	TagInsights    = "insights"
)

// SafetyFlagMessage replaces model reasoning whenever a red flag is raised.
const SafetyFlagMessage = "Safety concern detected. Please seek appropriate medical care."

type ActionItemDraft struct {
	Task    string         `json:"task"`
	Why     string         `json:"why"`
	Urgency models.Urgency `json:"urgency"`
}

type InsightDraft struct {
	Category models.Category `json:"category"`
	Content  string          `json:"content"`
}

// Diagnostics records where the model output deviated from the grammar.
type Diagnostics struct {
	AnswerFallback      bool `json:"answer_fallback"`
	ActionItemsFallback bool `json:"action_items_fallback"`
	InsightsMalformed   bool `json:"insights_malformed"`
	InsightsDropped     int  `json:"insights_dropped"`
}

// Parsed is the structured form of one model response.
type Parsed struct {
	Answer           string            `json:"answer"`
	FollowUpQuestion string            `json:"followup_question,omitempty"`
	Reasoning        string            `json:"reasoning,omitempty"`
	IsSummary        bool              `json:"is_summary"`
	IsRedFlag        bool              `json:"is_red_flag"`
	ActionItems      []ActionItemDraft `json:"action_items"`
	Insights         []InsightDraft    `json:"insights"`
	Diagnostics      Diagnostics       `json:"diagnostics"`
}

// DisplayContent is the answer (summary already folded in) followed by the
// follow-up question, separated by a blank line.
func (p Parsed) DisplayContent() string {
	if p.FollowUpQuestion == "" {
		return p.Answer
	}
	return p.Answer + "\n\n" + p.FollowUpQuestion
}

// DerivedReasoning returns the reasoning to show the user. A red flag
// always wins over model-provided reasoning.
func (p Parsed) DerivedReasoning() (models.ReasoningType, string, bool) {
	if p.IsRedFlag {
		return models.ReasoningSafetyFlag, SafetyFlagMessage, true
	}
	if p.Reasoning != "" {
		return models.ReasoningQuestionRationale, p.Reasoning, true
	}
	return "", "", false
}

var sectionPatterns = compileSections(TagAnswer, TagReasoning, TagFollowUp, TagSummary, TagActionItems, TagInsights)

func compileSections(tags ...string) map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(tags))
	for _, tag := range tags {
		out[tag] = regexp.MustCompile(`(?s)<` + tag + `>(.*?)</` + tag + `>`)
	}
	return out
}

// section returns the interior of the first complete tag pair.
func section(raw, tag string) (string, bool) {
	m := sectionPatterns[tag].FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// stripSections removes every complete pair of the non-answer tags.
func stripSections(raw string) string {
	for _, tag := range []string{TagReasoning, TagFollowUp, TagSummary, TagActionItems, TagInsights} {
		raw = sectionPatterns[tag].ReplaceAllString(raw, "")
	}
	return raw
}

// textSections decodes the free-text tags. It runs first in the default
// grammar so later strategies see the final answer.
type textSections struct{}

func (textSections) Apply(raw string, res *Parsed) {
	if answer, ok := section(raw, TagAnswer); ok {
		res.Answer = strings.TrimSpace(answer)
	} else {
		res.Diagnostics.AnswerFallback = true
		res.Answer = strings.TrimSpace(stripSections(raw))
		if res.Answer == "" {
			res.Answer = strings.TrimSpace(raw)
		}
	}

	if reasoning, ok := section(raw, TagReasoning); ok {
		res.Reasoning = strings.TrimSpace(reasoning)
	}
	if followUp, ok := section(raw, TagFollowUp); ok {
		res.FollowUpQuestion = strings.TrimSpace(followUp)
	}
	if summary, ok := section(raw, TagSummary); ok {
		res.IsSummary = true
		res.Answer += "\n\n" + strings.TrimSpace(summary)
	}
}
