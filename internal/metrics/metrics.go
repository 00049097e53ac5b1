package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/suPer8Hu/healthchat/internal/protocol"
)

// Turn outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeEmpty   = "empty_response"
	OutcomeError   = "error"
)

var (
	turnsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthchat_turns_total",
		Help: "Conversation turns by outcome",
	}, []string{"outcome"})
	turnDurationMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "healthchat_turn_duration_seconds",
		Help:    "Seconds from opening the model stream to the final parse",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})
	redFlagsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "healthchat_red_flags_total",
		Help: "Responses classified as red flags",
	})
	grammarFallbacksMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthchat_grammar_fallbacks_total",
		Help: "Responses that needed a fallback decoder, by section",
	}, []string{"section"})
	insightsDroppedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "healthchat_insights_dropped_total",
		Help: "Insights dropped for an unknown category or a malformed section",
	})
)

func ObserveTurn(outcome string, took time.Duration) {
	turnsMetric.WithLabelValues(outcome).Inc()
	turnDurationMetric.Observe(took.Seconds())
}

// ObserveParse records how far a response strayed from the grammar.
func ObserveParse(p protocol.Parsed) {
	if p.IsRedFlag {
		redFlagsMetric.Inc()
	}
	d := p.Diagnostics
	if d.AnswerFallback {
		grammarFallbacksMetric.WithLabelValues(protocol.TagAnswer).Inc()
	}
	if d.ActionItemsFallback {
		grammarFallbacksMetric.WithLabelValues(protocol.TagActionItems).Inc()
	}
	if d.InsightsMalformed {
		grammarFallbacksMetric.WithLabelValues(protocol.TagInsights).Inc()
	}
	if d.InsightsDropped > 0 {
		insightsDroppedMetric.Add(float64(d.InsightsDropped))
	}
}
