package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/suPer8Hu/healthchat/internal/ai"
	"github.com/suPer8Hu/healthchat/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

// scriptedProvider streams chunks, then fails with err if set. It records
// the last conversation it was given.
type scriptedProvider struct {
	mu     sync.Mutex
	chunks []string
	err    error
	last   []ai.Message
	calls  int
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.record(messages)
	if p.err != nil {
		return "", p.err
	}
	return strings.Join(p.chunks, ""), nil
}

func (p *scriptedProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	p.record(messages)
	out := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for _, c := range p.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if p.err != nil {
			errs <- p.err
		}
	}()
	return out, errs
}

func (p *scriptedProvider) record(messages []ai.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = append([]ai.Message(nil), messages...)
	p.calls++
}

func (p *scriptedProvider) lastMessages() []ai.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type unconfiguredProvider struct{ scriptedProvider }

func (*unconfiguredProvider) Ready() error { return errors.WithMessage(ai.ErrNotConfigured, "fake") }

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&models.Profile{}, &models.Session{}, &models.Message{}, &models.ActionItem{}, &models.Insight{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fixture struct {
	db   *gorm.DB
	repo *Repo
	svc  *Service
	prov *scriptedProvider
	sess *models.Session
}

func newFixture(t *testing.T, prov *scriptedProvider, opts Options) *fixture {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	svc := NewService(repo, reg, opts)

	sess, err := svc.CreateSession(context.Background(), 1, CreateSessionInput{FirstMessage: "I can't sleep at night"})
	require.NoError(t, err)
	return &fixture{db: db, repo: repo, svc: svc, prov: prov, sess: sess}
}

func drain(t *testing.T, events <-chan TurnEvent) (texts []string, last TurnEvent) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return texts, last
			}
			if ev.Type == EventText {
				texts = append(texts, ev.Delta)
			}
			last = ev
		case <-timeout:
			t.Fatal("turn did not finish")
		}
	}
}

const fullResponse = `<reasoning>Sleep issues often relate to routine.</reasoning>
<answer>Let's look at your evenings.</answer>
<followup>What time do you usually go to bed?</followup>
<actionitems>[{"task":"Keep a sleep diary","why":"To spot patterns","urgency":"routine"}]</actionitems>
<insights>[{"category":"sleep","content":"Trouble falling asleep"},{"category":"weather","content":"dropped"}]</insights>`

func TestSendMessageStream_PersistsTurn(t *testing.T) {
	prov := &scriptedProvider{chunks: []string{fullResponse[:40], fullResponse[40:]}}
	f := newFixture(t, prov, Options{})
	ctx := context.Background()

	userMsg, events, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, TurnInput{Content: "  I can't sleep  "})
	require.NoError(t, err)
	assert.Equal(t, "I can't sleep", userMsg.Content)

	texts, last := drain(t, events)
	assert.Equal(t, fullResponse, strings.Join(texts, ""))
	require.Equal(t, EventDone, last.Type)
	res := last.Result
	require.NotNil(t, res)

	assert.Equal(t, "Let's look at your evenings.\n\nWhat time do you usually go to bed?", res.Message.Content)
	require.Len(t, res.Message.Reasoning, 1)
	assert.Equal(t, models.ReasoningQuestionRationale, res.Message.Reasoning[0].Type)
	assert.Equal(t, 1, res.QuestionCount)
	assert.Len(t, res.ActionItems, 1)
	require.Len(t, res.Insights, 1)
	assert.Equal(t, f.sess.SessionID, res.Insights[0].SourceSessionID)

	sess, err := f.svc.GetSession(ctx, 1, f.sess.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, models.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, models.RoleAssistant, sess.Messages[1].Role)
	assert.Equal(t, 1, sess.QuestionCount)
	assert.False(t, sess.HasRedFlag)
	require.Len(t, sess.ActionItems, 1)
	assert.Equal(t, "Keep a sleep diary", sess.ActionItems[0].Task)
	assert.False(t, sess.ActionItems[0].Completed)

	// the model saw the system prompt first, then the stored history
	msgs := prov.lastMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, ai.RoleSystem, msgs[0].Role)
	assert.Equal(t, ai.Message{Role: ai.RoleUser, Content: "I can't sleep"}, msgs[1])
}

func TestSendMessageStream_FlagsAreSticky(t *testing.T) {
	prov := &scriptedProvider{chunks: []string{"<answer>Please call emergency services now.</answer><summary>Chest pain.</summary>"}}
	f := newFixture(t, prov, Options{})
	ctx := context.Background()

	_, events, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, TurnInput{Content: "I have chest pain"})
	require.NoError(t, err)
	_, last := drain(t, events)
	require.Equal(t, EventDone, last.Type)
	assert.True(t, last.Result.IsRedFlag)
	assert.True(t, last.Result.IsSummary)
	require.Len(t, last.Result.Message.Reasoning, 1)
	assert.Equal(t, models.ReasoningSafetyFlag, last.Result.Message.Reasoning[0].Type)

	prov.chunks = []string{"<answer>How are you feeling today?</answer>"}
	_, events, err = f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, TurnInput{Content: "Better now"})
	require.NoError(t, err)
	_, last = drain(t, events)
	require.Equal(t, EventDone, last.Type)

	sess, err := f.svc.GetSession(ctx, 1, f.sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.QuestionCount)
	assert.True(t, sess.HasRedFlag)
	assert.True(t, sess.IsSummaryMode)
}

func TestSendMessageStream_EmptyResponseStoresApology(t *testing.T) {
	prov := &scriptedProvider{chunks: []string{"  ", "\n"}}
	f := newFixture(t, prov, Options{})
	ctx := context.Background()

	_, events, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, TurnInput{Content: "hello"})
	require.NoError(t, err)
	_, last := drain(t, events)
	require.Equal(t, EventError, last.Type)
	require.NotNil(t, last.Err)
	assert.Equal(t, KindEmptyResponse, last.Err.Kind)
	require.NotNil(t, last.Err.Message)
	assert.Equal(t, InterruptedReply, last.Err.Message.Content)

	sess, err := f.svc.GetSession(ctx, 1, f.sess.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, InterruptedReply, sess.Messages[1].Content)
	// a failed turn leaves the session counters alone
	assert.Equal(t, 0, sess.QuestionCount)
}

func TestSendMessageStream_TransportErrorStoresApology(t *testing.T) {
	prov := &scriptedProvider{chunks: []string{"<answer>partial"}, err: errors.New("connection reset")}
	f := newFixture(t, prov, Options{})
	ctx := context.Background()

	_, events, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, TurnInput{Content: "hello"})
	require.NoError(t, err)
	_, last := drain(t, events)
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, KindTransport, last.Err.Kind)
	require.NotNil(t, last.Err.Message)
	assert.Equal(t, "I apologize, but I encountered an error: connection reset. Please try again.", last.Err.Message.Content)

	var items int64
	require.NoError(t, f.db.Model(&models.ActionItem{}).Count(&items).Error)
	assert.Zero(t, items)
}

func TestSendMessageStream_UnconfiguredProvider(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return &unconfiguredProvider{}, nil
	})
	svc := NewService(repo, reg, Options{})
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, 1, CreateSessionInput{})
	require.NoError(t, err)

	_, events, err := svc.SendMessageStream(ctx, 1, sess.SessionID, TurnInput{Content: "hi"})
	require.NoError(t, err)
	_, last := drain(t, events)
	require.Equal(t, EventError, last.Type)
	assert.ErrorIs(t, last.Err, ai.ErrNotConfigured)
}

func TestSendMessageStream_Validation(t *testing.T) {
	f := newFixture(t, &scriptedProvider{chunks: []string{"<answer>ok</answer>"}}, Options{})
	ctx := context.Background()

	_, _, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, TurnInput{Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, _, err = f.svc.SendMessageStream(ctx, 2, f.sess.SessionID, TurnInput{Content: "hi"})
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	// the failed attempt above released the lock
	_, events, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, TurnInput{Content: "hi"})
	require.NoError(t, err)
	_, last := drain(t, events)
	assert.Equal(t, EventDone, last.Type)
}

func TestSendMessageStream_BusySession(t *testing.T) {
	locker := NewLocalLocker()
	f := newFixture(t, &scriptedProvider{chunks: []string{"<answer>ok</answer>"}}, Options{Locker: locker})
	ctx := context.Background()

	ok, err := locker.TryLock(ctx, "turn:"+f.sess.SessionID, "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, TurnInput{Content: "hi"})
	assert.ErrorIs(t, err, ErrTurnInProgress)

	require.NoError(t, locker.Unlock(ctx, "turn:"+f.sess.SessionID, "other"))
	_, events, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, TurnInput{Content: "hi"})
	require.NoError(t, err)
	drain(t, events)
}

func TestSendMessageStream_ClientMessageIDIsIdempotent(t *testing.T) {
	f := newFixture(t, &scriptedProvider{chunks: []string{"<answer>ok</answer>"}}, Options{})
	ctx := context.Background()

	first, events, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, TurnInput{Content: "hi", ClientMessageID: "c-1"})
	require.NoError(t, err)
	drain(t, events)
	_, firstDone := drain(t, events)
	require.Equal(t, EventDone, firstDone.Type)

	second, events, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, TurnInput{Content: "hi", ClientMessageID: "c-1"})
	require.NoError(t, err)
	texts, replay := drain(t, events)
	assert.Equal(t, first.ID, second.ID)
	assert.Empty(t, texts)
	require.Equal(t, EventDone, replay.Type)
	assert.Equal(t, firstDone.Result.Message.ID, replay.Result.Message.ID)
	assert.Equal(t, 1, replay.Result.QuestionCount)

	f.prov.mu.Lock()
	calls := f.prov.calls
	f.prov.mu.Unlock()
	assert.Equal(t, 1, calls)

	var roles []models.Role
	require.NoError(t, f.db.Model(&models.Message{}).Order("id").Pluck("role", &roles).Error)
	assert.Equal(t, []models.Role{models.RoleUser, models.RoleAssistant}, roles)

	sess, err := f.repo.GetSession(ctx, 1, f.sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.QuestionCount)
}

func TestSendMessageStream_ResendOfUnansweredMessageIsBusy(t *testing.T) {
	f := newFixture(t, &scriptedProvider{chunks: []string{"<answer>ok</answer>"}}, Options{})
	ctx := context.Background()

	cid := "c-2"
	_, _, err := f.repo.AppendMessage(ctx, &models.Message{SessionID: f.sess.SessionID, UserID: 1, Role: models.RoleUser, Content: "hi", ClientMessageID: &cid})
	require.NoError(t, err)

	_, _, err = f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, TurnInput{Content: "hi", ClientMessageID: cid})
	assert.ErrorIs(t, err, ErrTurnInProgress)

	// the lock was released
	_, events, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, TurnInput{Content: "next"})
	require.NoError(t, err)
	_, last := drain(t, events)
	assert.Equal(t, EventDone, last.Type)
}

func TestQueueTurn_ResentClientMessageIDQueuesNothing(t *testing.T) {
	f := newFixture(t, &scriptedProvider{chunks: []string{"<answer>ok</answer>"}}, Options{})
	ctx := context.Background()

	job, created, err := f.svc.QueueTurn(ctx, 1, f.sess.SessionID, TurnInput{Content: "hi", ClientMessageID: "q-1"}, "")
	require.NoError(t, err)
	require.True(t, created)
	again, created, err := f.svc.QueueTurn(ctx, 1, f.sess.SessionID, TurnInput{Content: "hi", ClientMessageID: "q-1"}, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, again.ID)

	// a message answered over the streaming path gets a finished job
	_, events, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, TurnInput{Content: "stream", ClientMessageID: "s-1"})
	require.NoError(t, err)
	_, done := drain(t, events)
	require.Equal(t, EventDone, done.Type)

	fin, created, err := f.svc.QueueTurn(ctx, 1, f.sess.SessionID, TurnInput{Content: "stream", ClientMessageID: "s-1"}, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, JobSucceeded, fin.Status)
	require.NotNil(t, fin.ResultMessageID)
	assert.Equal(t, done.Result.Message.ID, *fin.ResultMessageID)
}

func TestRunTurn_WindowAndInsights(t *testing.T) {
	prov := &scriptedProvider{chunks: []string{"<answer>ok</answer>"}}
	f := newFixture(t, prov, Options{Window: 2})
	ctx := context.Background()

	for i, role := range []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser} {
		_, _, err := f.repo.AppendMessage(ctx, &models.Message{SessionID: f.sess.SessionID, UserID: 1, Role: role, Content: fmt.Sprint(i)})
		require.NoError(t, err)
	}
	_, err := f.repo.AppendInsights(ctx, 1, []models.Insight{
		{Category: models.CategoryMood, Content: "Low mood in winter", SourceSessionID: "other"},
		{Category: models.CategorySleep, Content: "from this session", SourceSessionID: f.sess.SessionID},
	})
	require.NoError(t, err)

	_, err = f.svc.RunTurn(ctx, 1, f.sess.SessionID)
	require.NoError(t, err)

	msgs := prov.lastMessages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Content, "Low mood in winter")
	assert.NotContains(t, msgs[0].Content, "from this session")
	// window of 2 keeps [assistant, user] and then drops the leading assistant
	assert.Equal(t, ai.Message{Role: ai.RoleUser, Content: "2"}, msgs[1])
}

func TestQueueTurnAndProcessJob(t *testing.T) {
	f := newFixture(t, &scriptedProvider{chunks: []string{"<answer>queued reply</answer>"}}, Options{})
	ctx := context.Background()

	job, created, err := f.svc.QueueTurn(ctx, 1, f.sess.SessionID, TurnInput{Content: "hi"}, "key-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, JobQueued, job.Status)

	again, created, err := f.svc.QueueTurn(ctx, 1, f.sess.SessionID, TurnInput{Content: "hi"}, "key-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, again.ID)

	require.NoError(t, f.svc.ProcessJob(ctx, job.ID))
	done, err := f.svc.GetJob(ctx, 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, done.Status)
	require.NotNil(t, done.ResultMessageID)

	// processing twice is a no-op
	require.NoError(t, f.svc.ProcessJob(ctx, job.ID))

	_, err = f.svc.GetJob(ctx, 2, job.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestProcessJob_FailureRecordsApology(t *testing.T) {
	f := newFixture(t, &scriptedProvider{err: errors.New("boom")}, Options{})
	ctx := context.Background()

	job, _, err := f.svc.QueueTurn(ctx, 1, f.sess.SessionID, TurnInput{Content: "hi"}, "")
	require.NoError(t, err)

	err = f.svc.ProcessJob(ctx, job.ID)
	var te *TurnError
	require.ErrorAs(t, err, &te)

	failed, err := f.svc.GetJob(ctx, 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "boom")
	require.NotNil(t, failed.ResultMessageID)
	assert.Equal(t, te.Message.ID, *failed.ResultMessageID)
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, Options{DefaultModel: "tiny"})
	ctx := context.Background()

	assert.Equal(t, "I can't sleep at night", f.sess.Title)
	assert.Equal(t, "fake", f.sess.Provider)
	assert.Equal(t, "tiny", f.sess.Model)
	assert.Len(t, f.sess.SessionID, 26)

	_, err := f.svc.CreateSession(ctx, 1, CreateSessionInput{Provider: "nope"})
	assert.ErrorIs(t, err, ai.ErrUnknownProvider)

	list, err := f.svc.ListSessions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, f.svc.DeleteSession(ctx, 1, f.sess.SessionID))
	_, err = f.svc.GetSession(ctx, 1, f.sess.SessionID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestOpenStream(t *testing.T) {
	f := newFixture(t, &scriptedProvider{chunks: []string{"a", "b"}}, Options{})
	ctx := context.Background()

	chunks, errs, err := f.svc.OpenStream(ctx, &models.Session{Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}}}, nil, nil)
	require.NoError(t, err)
	var got []string
	for c := range chunks {
		got = append(got, c)
	}
	assert.NoError(t, <-errs)
	assert.Equal(t, []string{"a", "b"}, got)

	var sessions int64
	require.NoError(t, f.db.Model(&models.Session{}).Count(&sessions).Error)
	assert.EqualValues(t, 1, sessions)
}

func TestProcessJob_BusySessionRequeues(t *testing.T) {
	locker := NewLocalLocker()
	f := newFixture(t, &scriptedProvider{chunks: []string{"<answer>ok</answer>"}}, Options{Locker: locker})
	ctx := context.Background()

	job, _, err := f.svc.QueueTurn(ctx, 1, f.sess.SessionID, TurnInput{Content: "hi"}, "")
	require.NoError(t, err)
	ok, err := locker.TryLock(ctx, "turn:"+f.sess.SessionID, "stream", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, f.svc.ProcessJob(ctx, job.ID), ErrTurnInProgress)
	got, err := f.svc.GetJob(ctx, 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, got.Status)

	require.NoError(t, locker.Unlock(ctx, "turn:"+f.sess.SessionID, "stream"))
	require.NoError(t, f.svc.ProcessJob(ctx, job.ID))
	got, err = f.svc.GetJob(ctx, 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, got.Status)
}
