package protocol

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/suPer8Hu/healthchat/internal/models"
)

// ErrEmptyResponse reports a stream that completed without usable text.
// Callers show an "interrupted" message instead of an empty bubble.
var ErrEmptyResponse = errors.New("model response was empty")

// ErrNotAccumulating is returned when a finished decoder is fed again.
var ErrNotAccumulating = errors.New("decoder is no longer accumulating")

type State int

const (
	Accumulating State = iota
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Accumulating:
		return "accumulating"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Callbacks receive live updates while a response streams in. Both are
// optional. OnReasoning fires with the growing <reasoning> interior and
// only when it changed; the final parse is authoritative.
type Callbacks struct {
	OnText      func(delta string)
	OnReasoning func(reasoning string)
}

// Result is the final decode of a complete response.
type Result struct {
	Parsed         Parsed                `json:"parsed"`
	DisplayContent string                `json:"display_content"`
	ReasoningStep  *models.ReasoningStep `json:"reasoning_step,omitempty"`
	Raw            string                `json:"raw"`
}

const (
	reasoningOpen  = "<" + TagReasoning + ">"
	reasoningClose = "</" + TagReasoning + ">"
)

// Decoder is the per-request state machine: Accumulating until Finish or
// Fail. It is not safe for concurrent use; one decoder serves one stream.
type Decoder struct {
	grammar *Grammar
	cb      Callbacks
	now     func() time.Time
	newID   func() string

	buf   strings.Builder
	state State

	// incremental scan state for the live reasoning excerpt
	openEnd       int
	openScanned   int
	closeScanned  int
	reasoningDone bool
	lastReasoning string
}

func NewDecoder(g *Grammar, cb Callbacks) *Decoder {
	if g == nil {
		g = defaultGrammar
	}
	return &Decoder{
		grammar: g,
		cb:      cb,
		now:     time.Now,
		newID:   uuid.NewString,
		openEnd: -1,
	}
}

func (d *Decoder) State() State { return d.state }

// Text returns everything received so far.
func (d *Decoder) Text() string { return d.buf.String() }

// Write appends one increment, forwards it to OnText and refreshes the
// live reasoning excerpt.
func (d *Decoder) Write(delta string) error {
	if d.state != Accumulating {
		return ErrNotAccumulating
	}
	if delta == "" {
		return nil
	}
	d.buf.WriteString(delta)
	if d.cb.OnText != nil {
		d.cb.OnText(delta)
	}
	d.scanReasoning()
	return nil
}

// scanReasoning only searches bytes it has not searched before, keeping
// a tag-length overlap for tags split across increments.
func (d *Decoder) scanReasoning() {
	if d.reasoningDone || d.cb.OnReasoning == nil {
		return
	}
	text := d.buf.String()

	if d.openEnd < 0 {
		from := max(0, d.openScanned-len(reasoningOpen)+1)
		i := strings.Index(text[from:], reasoningOpen)
		if i < 0 {
			d.openScanned = len(text)
			return
		}
		d.openEnd = from + i + len(reasoningOpen)
		d.closeScanned = d.openEnd
	}

	from := max(d.openEnd, d.closeScanned-len(reasoningClose)+1)
	var interior string
	if j := strings.Index(text[from:], reasoningClose); j >= 0 {
		interior = text[d.openEnd : from+j]
		d.reasoningDone = true
	} else {
		d.closeScanned = len(text)
		interior = trimPartialTag(text[d.openEnd:], reasoningClose)
	}

	reasoning := strings.TrimSpace(interior)
	if reasoning == "" || reasoning == d.lastReasoning {
		return
	}
	d.lastReasoning = reasoning
	d.cb.OnReasoning(reasoning)
}

// trimPartialTag drops a trailing prefix of tag, e.g. "</reas".
func trimPartialTag(s, tag string) string {
	for n := min(len(tag)-1, len(s)); n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return s[:len(s)-n]
		}
	}
	return s
}

// Finish runs the grammar once over the whole buffer. It returns
// ErrEmptyResponse when there is nothing to show.
func (d *Decoder) Finish() (*Result, error) {
	if d.state != Accumulating {
		return nil, ErrNotAccumulating
	}
	d.state = Complete

	raw := d.buf.String()
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyResponse
	}
	parsed := d.grammar.Parse(raw)
	display := parsed.DisplayContent()
	if strings.TrimSpace(display) == "" {
		return nil, ErrEmptyResponse
	}

	res := &Result{
		Parsed:         parsed,
		DisplayContent: display,
		Raw:            raw,
	}
	if typ, content, ok := parsed.DerivedReasoning(); ok {
		res.ReasoningStep = &models.ReasoningStep{
			ID:        d.newID(),
			Type:      typ,
			Content:   content,
			Timestamp: d.now(),
		}
	}
	return res, nil
}

// Fail moves the decoder to Failed without parsing the partial buffer and
// returns err for propagation.
func (d *Decoder) Fail(err error) error {
	d.state = Failed
	return err
}

// Decode drives a decoder from a provider stream. chunks must be closed
// by the producer; errs carries at most one transport error and is read
// after chunks closes. Transport errors are returned as-is, never retried.
func Decode(ctx context.Context, g *Grammar, chunks <-chan string, errs <-chan error, cb Callbacks) (*Result, error) {
	d := NewDecoder(g, cb)
	for {
		select {
		case <-ctx.Done():
			return nil, d.Fail(ctx.Err())
		case c, ok := <-chunks:
			if !ok {
				if err := <-errs; err != nil {
					return nil, d.Fail(err)
				}
				return d.Finish()
			}
			_ = d.Write(c)
		}
	}
}
