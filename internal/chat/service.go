package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/suPer8Hu/healthchat/internal/ai"
	"github.com/suPer8Hu/healthchat/internal/common"
	"github.com/suPer8Hu/healthchat/internal/metrics"
	"github.com/suPer8Hu/healthchat/internal/models"
	"github.com/suPer8Hu/healthchat/internal/protocol"
)

var (
	ErrTurnInProgress = errors.New("a turn is already in progress for this session")
	ErrEmptyMessage   = errors.New("message is empty")
)

const (
	InterruptedReply = "I apologize, but my response was interrupted. This can happen if a browser extension is interfering with the connection. Please try again."
	errorReplyFormat = "I apologize, but I encountered an error: %s. Please try again."
)

// Turn failure kinds carried by TurnError.
const (
	KindEmptyResponse = "empty_response"
	KindTransport     = "transport"
)

// TurnError is a turn that ended without a parsed reply. Message is the
// apology that was appended to the conversation in its place.
type TurnError struct {
	Kind    string
	Message *models.Message
	Err     error
}

func (e *TurnError) Error() string { return e.Kind + ": " + e.Err.Error() }
func (e *TurnError) Unwrap() error { return e.Err }

// TurnResult is everything a successful turn stored.
type TurnResult struct {
	Message       models.Message      `json:"message"`
	ActionItems   []models.ActionItem `json:"action_items"`
	Insights      []models.Insight    `json:"insights"`
	QuestionCount int                 `json:"question_count"`
	IsSummary     bool                `json:"is_summary"`
	IsRedFlag     bool                `json:"is_red_flag"`
	Parsed        protocol.Parsed     `json:"-"`
}

type EventType string

const (
	EventText      EventType = "text"
	EventReasoning EventType = "reasoning"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// TurnEvent is one step of a streamed turn. Exactly one done or error
// event ends the stream.
type TurnEvent struct {
	Type      EventType
	Delta     string
	Reasoning string
	Result    *TurnResult
	Err       *TurnError
}

type TurnInput struct {
	Content string
	// ClientMessageID is the caller's correlation id for the user message.
	// Resending the same id stores nothing and replays the stored reply.
	ClientMessageID string
}

type Options struct {
	Grammar         *protocol.Grammar
	Window          int
	Locker          Locker
	LockTTL         time.Duration
	TurnTimeout     time.Duration
	DefaultProvider string
	DefaultModel    string
}

type Service struct {
	repo      *Repo
	registry  *ai.Registry
	grammar   *protocol.Grammar
	assembler protocol.Assembler
	locker    Locker
	lockTTL   time.Duration
	timeout   time.Duration

	defaultProvider string
	defaultModel    string
}

func NewService(repo *Repo, registry *ai.Registry, opts Options) *Service {
	s := &Service{
		repo:            repo,
		registry:        registry,
		grammar:         opts.Grammar,
		assembler:       protocol.Assembler{Window: opts.Window},
		locker:          opts.Locker,
		lockTTL:         opts.LockTTL,
		timeout:         opts.TurnTimeout,
		defaultProvider: opts.DefaultProvider,
		defaultModel:    opts.DefaultModel,
	}
	if s.grammar == nil {
		s.grammar = protocol.NewGrammar()
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 2 * time.Minute
	}
	if s.timeout <= 0 {
		s.timeout = 2 * time.Minute
	}
	if s.defaultProvider == "" {
		s.defaultProvider = registry.Default()
	}
	return s
}

func (s *Service) Repo() *Repo { return s.repo }

type CreateSessionInput struct {
	Title        string
	FirstMessage string
	Provider     string
	Model        string
}

func (s *Service) CreateSession(ctx context.Context, userID uint64, in CreateSessionInput) (*models.Session, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	model := strings.TrimSpace(in.Model)
	if provider == "" {
		provider = s.defaultProvider
		if model == "" {
			model = s.defaultModel
		}
	}
	if _, err := s.registry.Get(ctx, provider, model); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = SessionTitle(in.FirstMessage)
	}

	sid, err := NewSessionID()
	if err != nil {
		return nil, err
	}
	session := &models.Session{
		SessionID:   sid,
		UserID:      userID,
		Title:       title,
		Provider:    provider,
		Model:       model,
		Messages:    []models.Message{},
		ActionItems: []models.ActionItem{},
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	return session, nil
}

func (s *Service) ListSessions(ctx context.Context, userID uint64) ([]models.Session, error) {
	return s.repo.ListSessions(ctx, userID)
}

func (s *Service) GetSession(ctx context.Context, userID uint64, sessionID string) (*models.Session, error) {
	return s.repo.GetSession(ctx, userID, sessionID)
}

func (s *Service) DeleteSession(ctx context.Context, userID uint64, sessionID string) error {
	return s.repo.DeleteSession(ctx, userID, sessionID)
}

func (s *Service) GetProfile(ctx context.Context, userID uint64) (*models.Profile, error) {
	return s.repo.GetProfile(ctx, userID)
}

func (s *Service) SaveProfile(ctx context.Context, p *models.Profile) error {
	return s.repo.SaveProfile(ctx, p)
}

func (s *Service) ListInsights(ctx context.Context, userID uint64) ([]models.Insight, error) {
	return s.repo.ListInsights(ctx, userID)
}

func (s *Service) SetActionItemCompleted(ctx context.Context, userID uint64, itemID string, completed bool) (*models.ActionItem, error) {
	return s.repo.SetActionItemCompleted(ctx, userID, itemID, completed)
}

func (s *Service) GetJob(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		// hide existence
		return nil, gorm.ErrRecordNotFound
	}
	return j, nil
}

// lock takes the session's turn lock. The returned release never fails the
// caller; it runs on a context that outlives the request.
func (s *Service) lock(ctx context.Context, sessionID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	key := "turn:" + sessionID
	token := uuid.NewString()
	ok, err := s.locker.TryLock(ctx, key, token, s.lockTTL)
	if err != nil {
		return nil, errors.Wrap(err, "acquire turn lock")
	}
	if !ok {
		return nil, ErrTurnInProgress
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.locker.Unlock(rctx, key, token); err != nil {
			log.WithError(err).WithField("session_id", sessionID).Warn("release turn lock")
		}
	}, nil
}

func (s *Service) appendUserMessage(ctx context.Context, userID uint64, sessionID string, in TurnInput) (*models.Message, bool, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, false, ErrEmptyMessage
	}
	msg := &models.Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      models.RoleUser,
		Content:   content,
	}
	if id := strings.TrimSpace(in.ClientMessageID); id != "" {
		msg.ClientMessageID = &id
	}
	return s.repo.AppendMessage(ctx, msg)
}

// SendMessageStream stores the user message, then streams the assistant
// turn. Errors before the stream starts (unknown session, empty message,
// busy session) are returned directly; later failures arrive as an error
// event after the apology message has been stored.
func (s *Service) SendMessageStream(ctx context.Context, userID uint64, sessionID string, in TurnInput) (*models.Message, <-chan TurnEvent, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, nil, ErrEmptyMessage
	}
	release, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	userMsg, created, err := s.appendUserMessage(ctx, userID, sessionID, in)
	if err != nil {
		release()
		return nil, nil, err
	}
	if !created {
		// a resent client id replays the stored reply instead of a new turn
		res, err := s.storedReply(ctx, userID, sessionID, userMsg)
		release()
		if err != nil {
			return nil, nil, err
		}
		events := make(chan TurnEvent, 1)
		events <- TurnEvent{Type: EventDone, Result: res}
		close(events)
		return userMsg, events, nil
	}

	events := make(chan TurnEvent, 16)
	go func() {
		defer close(events)
		defer release()

		emit := func(ev TurnEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}
		res, err := s.runTurn(ctx, userID, sessionID, emit)
		if err != nil {
			var te *TurnError
			if !errors.As(err, &te) {
				te = &TurnError{Kind: KindTransport, Err: err}
			}
			emit(TurnEvent{Type: EventError, Err: te})
			return
		}
		emit(TurnEvent{Type: EventDone, Result: res})
	}()
	return userMsg, events, nil
}

// storedReply rebuilds the result of the turn that already answered
// userMsg. An unanswered message means its turn is still running.
func (s *Service) storedReply(ctx context.Context, userID uint64, sessionID string, userMsg *models.Message) (*TurnResult, error) {
	reply, err := s.repo.ReplyAfter(ctx, userID, sessionID, userMsg.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTurnInProgress
	}
	if err != nil {
		return nil, errors.WithMessage(err, "load stored reply")
	}
	sess, err := s.repo.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return &TurnResult{
		Message:       *reply,
		ActionItems:   []models.ActionItem{},
		Insights:      []models.Insight{},
		QuestionCount: sess.QuestionCount,
		IsSummary:     sess.IsSummaryMode,
		IsRedFlag:     sess.HasRedFlag,
	}, nil
}

// RunTurn answers the latest stored user message synchronously. It is the
// worker path for queued turns.
func (s *Service) RunTurn(ctx context.Context, userID uint64, sessionID string) (*TurnResult, error) {
	release, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.runTurn(ctx, userID, sessionID, func(TurnEvent) {})
}

// QueueTurn stores the user message and a queued job for it. A repeated
// idempotency key returns the earlier job and false.
func (s *Service) QueueTurn(ctx context.Context, userID uint64, sessionID string, in TurnInput, idempotencyKey string) (*Job, bool, error) {
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		if j, err := s.repo.GetJobByUserAndIdempotencyKey(ctx, userID, key); err == nil {
			return j, false, nil
		}
	}
	userMsg, created, err := s.appendUserMessage(ctx, userID, sessionID, in)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return s.jobForResent(ctx, userID, sessionID, userMsg)
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	job := &Job{
		ID:            jobID,
		UserID:        userID,
		SessionID:     sessionID,
		UserMessageID: userMsg.ID,
		Status:        JobQueued,
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		job.IdempotencyKey = &key
	}
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

// jobForResent never queues a second turn for a message that was already
// stored. It returns the job that answers it, or a finished job pointing at
// the reply the streaming path stored.
func (s *Service) jobForResent(ctx context.Context, userID uint64, sessionID string, userMsg *models.Message) (*Job, bool, error) {
	if j, err := s.repo.GetJobByUserMessage(ctx, userID, userMsg.ID); err == nil {
		return j, false, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, errors.WithMessage(err, "load job for message")
	}
	reply, err := s.repo.ReplyAfter(ctx, userID, sessionID, userMsg.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, ErrTurnInProgress
	}
	if err != nil {
		return nil, false, errors.WithMessage(err, "load stored reply")
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	job := &Job{
		ID:              jobID,
		UserID:          userID,
		SessionID:       sessionID,
		UserMessageID:   userMsg.ID,
		Status:          JobSucceeded,
		ResultMessageID: &reply.ID,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, false, err
	}
	return job, false, nil
}

type turnInputs struct {
	session  *models.Session
	profile  *models.Profile
	insights []models.Insight
}

func (s *Service) loadTurn(ctx context.Context, userID uint64, sessionID string) (turnInputs, error) {
	var in turnInputs
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sess, err := s.repo.GetSession(gctx, userID, sessionID)
		in.session = sess
		return err
	})
	g.Go(func() error {
		p, err := s.repo.GetProfile(gctx, userID)
		in.profile = p
		return err
	})
	g.Go(func() error {
		all, err := s.repo.ListInsights(gctx, userID)
		in.insights = all
		return err
	})
	return in, g.Wait()
}

func toProviderMessages(history []models.Message) []ai.Message {
	out := make([]ai.Message, 0, len(history))
	for _, m := range history {
		out = append(out, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (s *Service) providerFor(ctx context.Context, sess *models.Session) (ai.Provider, error) {
	name := sess.Provider
	if name == "" {
		name = s.defaultProvider
	}
	p, err := s.registry.Get(ctx, name, sess.Model)
	if err != nil {
		return nil, err
	}
	if err := ai.Ready(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) runTurn(ctx context.Context, userID uint64, sessionID string, emit func(TurnEvent)) (*TurnResult, error) {
	logger := log.WithFields(log.Fields{"user_id": userID, "session_id": sessionID})

	in, err := s.loadTurn(ctx, userID, sessionID)
	if err != nil {
		return nil, errors.WithMessage(err, "load turn context")
	}
	turnCtx := s.assembler.Build(in.session, in.profile, in.insights)

	// persistence must survive a client that hung up mid-stream
	store := context.WithoutCancel(ctx)

	start := time.Now()
	provider, err := s.providerFor(ctx, in.session)
	if err != nil {
		return nil, s.failTurn(store, logger, userID, sessionID, KindTransport, err, start)
	}

	streamCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	chunks, errs := ai.Stream(streamCtx, provider, ai.WithSystemPrompt(turnCtx.SystemPrompt, toProviderMessages(turnCtx.Messages)))
	res, err := protocol.Decode(streamCtx, s.grammar, chunks, errs, protocol.Callbacks{
		OnText:      func(d string) { emit(TurnEvent{Type: EventText, Delta: d}) },
		OnReasoning: func(r string) { emit(TurnEvent{Type: EventReasoning, Reasoning: r}) },
	})
	if err != nil {
		kind := KindTransport
		if errors.Is(err, protocol.ErrEmptyResponse) {
			kind = KindEmptyResponse
		}
		return nil, s.failTurn(store, logger, userID, sessionID, kind, err, start)
	}

	out, err := s.completeTurn(store, userID, in.session, res)
	if err != nil {
		metrics.ObserveTurn(metrics.OutcomeError, time.Since(start))
		return nil, errors.WithMessage(err, "store turn")
	}
	metrics.ObserveTurn(metrics.OutcomeSuccess, time.Since(start))
	metrics.ObserveParse(res.Parsed)

	d := res.Parsed.Diagnostics
	logger.WithFields(log.Fields{
		"answer_fallback":       d.AnswerFallback,
		"action_items_fallback": d.ActionItemsFallback,
		"insights_malformed":    d.InsightsMalformed,
		"insights_dropped":      d.InsightsDropped,
		"red_flag":              res.Parsed.IsRedFlag,
		"summary":               res.Parsed.IsSummary,
		"took":                  time.Since(start).String(),
	}).Info("turn completed")
	return out, nil
}

// failTurn appends the apology that keeps the conversation append-only and
// wraps cause in a TurnError.
func (s *Service) failTurn(ctx context.Context, logger *log.Entry, userID uint64, sessionID, kind string, cause error, start time.Time) error {
	reply := InterruptedReply
	outcome := metrics.OutcomeEmpty
	if kind != KindEmptyResponse {
		reply = fmt.Sprintf(errorReplyFormat, cause.Error())
		outcome = metrics.OutcomeError
	}
	metrics.ObserveTurn(outcome, time.Since(start))

	te := &TurnError{Kind: kind, Err: cause}
	msg, _, err := s.repo.AppendMessage(ctx, &models.Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      models.RoleAssistant,
		Content:   reply,
	})
	if err != nil {
		logger.WithError(err).Error("store apology message")
	} else {
		te.Message = msg
	}
	logger.WithError(cause).WithField("kind", kind).Warn("turn failed")
	return te
}

func (s *Service) completeTurn(ctx context.Context, userID uint64, sess *models.Session, res *protocol.Result) (*TurnResult, error) {
	p := res.Parsed
	out := &TurnResult{
		QuestionCount: sess.QuestionCount + 1,
		IsSummary:     sess.IsSummaryMode || p.IsSummary,
		IsRedFlag:     sess.HasRedFlag || p.IsRedFlag,
		Parsed:        p,
	}

	msg := models.Message{
		SessionID: sess.SessionID,
		UserID:    userID,
		Role:      models.RoleAssistant,
		Content:   res.DisplayContent,
	}
	if res.ReasoningStep != nil {
		msg.Reasoning = []models.ReasoningStep{*res.ReasoningStep}
	}

	items := make([]models.ActionItem, 0, len(p.ActionItems))
	for _, it := range p.ActionItems {
		items = append(items, models.ActionItem{Task: it.Task, Why: it.Why, Urgency: it.Urgency})
	}
	insights := make([]models.Insight, 0, len(p.Insights))
	for _, in := range p.Insights {
		insights = append(insights, models.Insight{Category: in.Category, Content: in.Content, SourceSessionID: sess.SessionID})
	}

	err := s.repo.WithTx(ctx, func(tx *Repo) error {
		stored, _, err := tx.AppendMessage(ctx, &msg)
		if err != nil {
			return err
		}
		out.Message = *stored
		if out.ActionItems, err = tx.AppendActionItems(ctx, userID, sess.SessionID, items); err != nil {
			return err
		}
		if out.Insights, err = tx.AppendInsights(ctx, userID, insights); err != nil {
			return err
		}
		return tx.UpdateSessionFields(ctx, userID, sess.SessionID, SessionUpdate{
			QuestionCount: &out.QuestionCount,
			IsSummaryMode: &p.IsSummary,
			HasRedFlag:    &p.IsRedFlag,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OpenStream assembles a context from caller-supplied state and opens the
// default provider's stream. Nothing is stored.
func (s *Service) OpenStream(ctx context.Context, session *models.Session, profile *models.Profile, insights []models.Insight) (<-chan string, <-chan error, error) {
	if session == nil {
		session = &models.Session{}
	}
	provider, err := s.providerFor(ctx, session)
	if err != nil {
		return nil, nil, err
	}
	turnCtx := s.assembler.Build(session, profile, insights)
	chunks, errs := ai.Stream(ctx, provider, ai.WithSystemPrompt(turnCtx.SystemPrompt, toProviderMessages(turnCtx.Messages)))
	return chunks, errs, nil
}

// ProcessJob runs a queued turn and records its outcome on the job. A job
// that already left the queued state is skipped. Only ErrTurnInProgress is
// worth retrying; every other failure is final and recorded.
func (s *Service) ProcessJob(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return errors.WithMessage(err, "load job")
	}
	if job.Status != JobQueued {
		return nil
	}
	if err := s.repo.UpdateJobStatusRunning(ctx, jobID); err != nil {
		return errors.WithMessage(err, "mark job running")
	}

	res, err := s.RunTurn(ctx, job.UserID, job.SessionID)
	store := context.WithoutCancel(ctx)
	if errors.Is(err, ErrTurnInProgress) {
		// nothing was stored; let the queue retry
		if rqErr := s.repo.RequeueJob(store, jobID); rqErr != nil {
			return errors.WithMessage(rqErr, "requeue job")
		}
		return err
	}
	if err != nil {
		var apologyID uint64
		var te *TurnError
		if errors.As(err, &te) && te.Message != nil {
			apologyID = te.Message.ID
		}
		if markErr := s.repo.MarkJobFailed(store, jobID, err.Error(), apologyID); markErr != nil {
			return errors.WithMessage(markErr, "mark job failed")
		}
		return err
	}
	return s.repo.MarkJobSucceeded(store, jobID, res.Message.ID)
}
