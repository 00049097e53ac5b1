package protocol

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/suPer8Hu/healthchat/internal/models"
)

// insightSection reads a JSON array of {category, content}. Entries with an
// unknown category are dropped. There is no fallback: a malformed section
// loses all of its insights.
type insightSection struct{}

func (insightSection) Apply(raw string, res *Parsed) {
	body, ok := section(raw, TagInsights)
	if !ok {
		return
	}
	body = strings.TrimSpace(body)
	if !gjson.Valid(body) {
		res.Diagnostics.InsightsMalformed = true
		return
	}
	doc := gjson.Parse(body)
	if !doc.IsArray() {
		return
	}

	var kept []InsightDraft
	dropped := 0
	for _, el := range doc.Array() {
		if el.Type == gjson.Null {
			res.Diagnostics.InsightsMalformed = true
			return
		}
		cat := el.Get("category")
		if cat.Type != gjson.String || !models.Category(cat.Str).Valid() {
			dropped++
			continue
		}
		kept = append(kept, InsightDraft{
			Category: models.Category(cat.Str),
			Content:  el.Get("content").String(),
		})
	}
	res.Diagnostics.InsightsDropped = dropped
	if len(kept) > 0 {
		res.Insights = kept
	}
}
