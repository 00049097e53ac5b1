package protocol

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/suPer8Hu/healthchat/internal/models"
)

const (
	UnknownTask             = "Unknown task"
	NoExplanation           = "No explanation provided"
	FallbackWhy             = "Suggested by AI assistant"
	FallbackActionItemLimit = 5
)

var errMalformedSection = errors.New("malformed section")

// ActionItemDecoder turns the interior of <actionitems> into drafts. An
// error hands the section to the next decoder in the chain.
type ActionItemDecoder interface {
	DecodeActionItems(body string) ([]ActionItemDraft, error)
}

// JSONActionItems reads a JSON array of {task, why, urgency}. Missing
// fields get placeholders and any urgency other than "urgent" is routine.
// Valid JSON that is not an array yields no items and no error.
type JSONActionItems struct{}

func (JSONActionItems) DecodeActionItems(body string) ([]ActionItemDraft, error) {
	body = strings.TrimSpace(body)
	if !gjson.Valid(body) {
		return nil, errMalformedSection
	}
	doc := gjson.Parse(body)
	if !doc.IsArray() {
		return nil, nil
	}

	var out []ActionItemDraft
	for _, el := range doc.Array() {
		if el.Type == gjson.Null {
			return nil, errMalformedSection
		}
		urgency := models.UrgencyRoutine
		if u := el.Get("urgency"); u.Type == gjson.String && u.Str == string(models.UrgencyUrgent) {
			urgency = models.UrgencyUrgent
		}
		out = append(out, ActionItemDraft{
			Task:    truthy(el.Get("task"), UnknownTask),
			Why:     truthy(el.Get("why"), NoExplanation),
			Urgency: urgency,
		})
	}
	return out, nil
}

// truthy returns the field as text, or def when it is absent, null, false,
// zero or empty.
func truthy(v gjson.Result, def string) string {
	switch v.Type {
	case gjson.Null, gjson.False:
		return def
	case gjson.Number:
		if v.Num == 0 {
			return def
		}
	case gjson.String:
		if v.Str == "" {
			return def
		}
	}
	return v.String()
}

var bulletPrefix = regexp.MustCompile(`^[-*•]\s*`)

// LineActionItems is the best-effort decoder for non-JSON sections: one
// item per line, text before the first hyphen as the task.
type LineActionItems struct {
	// Limit caps the number of items; zero means no cap.
	Limit int
}

func (d LineActionItems) DecodeActionItems(body string) ([]ActionItemDraft, error) {
	var out []ActionItemDraft
	for _, line := range strings.Split(body, "\n") {
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		text = bulletPrefix.ReplaceAllString(text, "")
		// too short to be a task
		if utf8.RuneCountInString(text) <= 5 {
			continue
		}

		task, _, _ := strings.Cut(text, "-")
		task = strings.TrimSpace(task)
		if task == "" {
			task = text
		}
		urgency := models.UrgencyRoutine
		if strings.Contains(strings.ToLower(text), "urgent") {
			urgency = models.UrgencyUrgent
		}
		out = append(out, ActionItemDraft{Task: task, Why: FallbackWhy, Urgency: urgency})
	}
	if d.Limit > 0 && len(out) > d.Limit {
		out = out[:d.Limit]
	}
	return out, nil
}

type actionItemSection struct {
	decoders []ActionItemDecoder
}

func (s actionItemSection) Apply(raw string, res *Parsed) {
	body, ok := section(raw, TagActionItems)
	if !ok {
		return
	}
	for i, d := range s.decoders {
		items, err := d.DecodeActionItems(body)
		if err != nil {
			continue
		}
		if i > 0 {
			res.Diagnostics.ActionItemsFallback = true
		}
		if len(items) > 0 {
			res.ActionItems = items
		}
		return
	}
}
