package protocol

// Strategy decodes one aspect of a raw model response into res. Strategies
// never fail: a section they cannot read is left empty.
type Strategy interface {
	Apply(raw string, res *Parsed)
}

type StrategyFunc func(raw string, res *Parsed)

func (f StrategyFunc) Apply(raw string, res *Parsed) { f(raw, res) }

// Grammar is an ordered list of strategies. The zero value decodes nothing;
// use NewGrammar.
type Grammar struct {
	strategies []Strategy
}

type grammarOptions struct {
	safety      SafetyClassifier
	actionItems []ActionItemDecoder
	extra       []Strategy
}

type Option func(*grammarOptions)

// WithSafetyClassifier replaces the keyword red-flag classifier.
func WithSafetyClassifier(c SafetyClassifier) Option {
	return func(o *grammarOptions) { o.safety = c }
}

// WithActionItemDecoders replaces the JSON-then-lines decoder chain.
func WithActionItemDecoders(decoders ...ActionItemDecoder) Option {
	return func(o *grammarOptions) { o.actionItems = decoders }
}

// WithStrategies appends strategies that run after the built-in ones.
func WithStrategies(s ...Strategy) Option {
	return func(o *grammarOptions) { o.extra = append(o.extra, s...) }
}

func NewGrammar(opts ...Option) *Grammar {
	o := grammarOptions{
		safety:      DefaultKeywordClassifier(),
		actionItems: []ActionItemDecoder{JSONActionItems{}, LineActionItems{Limit: FallbackActionItemLimit}},
	}
	for _, opt := range opts {
		opt(&o)
	}

	strategies := []Strategy{
		textSections{},
		actionItemSection{decoders: o.actionItems},
		insightSection{},
		safetySection{classifier: o.safety},
	}
	return &Grammar{strategies: append(strategies, o.extra...)}
}

// Parse decodes raw. It is total and deterministic: the same input always
// yields the same result and malformed sections only degrade themselves.
func (g *Grammar) Parse(raw string) Parsed {
	res := Parsed{
		ActionItems: []ActionItemDraft{},
		Insights:    []InsightDraft{},
	}
	for _, s := range g.strategies {
		s.Apply(raw, &res)
	}
	return res
}

var defaultGrammar = NewGrammar()

// Parse decodes raw with the default grammar.
func Parse(raw string) Parsed {
	return defaultGrammar.Parse(raw)
}
