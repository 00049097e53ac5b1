package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/suPer8Hu/healthchat/internal/models"
)

// Repo is the conversation and insight store. Every call is scoped to one
// user; rows of other users behave as if they did not exist.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// WithTx runs fn against a repo bound to one transaction.
func (r *Repo) WithTx(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

// GetProfile returns nil, nil when the user has no profile yet.
func (r *Repo) GetProfile(ctx context.Context, userID uint64) (*models.Profile, error) {
	var p models.Profile
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProfile creates or replaces the profile of p.UserID.
func (r *Repo) SaveProfile(ctx context.Context, p *models.Profile) error {
	return r.WithTx(ctx, func(tx *Repo) error {
		var existing models.Profile
		err := tx.db.Where("user_id = ?", p.UserID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			p.ID = 0
			return tx.db.Create(p).Error
		case err != nil:
			return err
		}
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
		return tx.db.Save(p).Error
	})
}

func (r *Repo) CreateSession(ctx context.Context, s *models.Session) error {
	return r.db.WithContext(ctx).Omit("Messages", "ActionItems").Create(s).Error
}

func (r *Repo) withHistory(q *gorm.DB) *gorm.DB {
	return q.
		Preload("Messages", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("ActionItems", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") })
}

// ListSessions returns the user's sessions, newest first, with their full
// history.
func (r *Repo) ListSessions(ctx context.Context, userID uint64) ([]models.Session, error) {
	var out []models.Session
	err := r.withHistory(r.db.WithContext(ctx)).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&out).Error
	return out, err
}

// GetSession returns gorm.ErrRecordNotFound for unknown and foreign sessions.
func (r *Repo) GetSession(ctx context.Context, userID uint64, sessionID string) (*models.Session, error) {
	var s models.Session
	if err := r.withHistory(r.db.WithContext(ctx)).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) ensureSession(ctx context.Context, userID uint64, sessionID string) error {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// AppendMessage stores m at the end of its session. A message carrying a
// client id that was already stored returns the stored row and false.
func (r *Repo) AppendMessage(ctx context.Context, m *models.Message) (*models.Message, bool, error) {
	if err := r.ensureSession(ctx, m.UserID, m.SessionID); err != nil {
		return nil, false, err
	}
	if m.ClientMessageID != nil && *m.ClientMessageID == "" {
		m.ClientMessageID = nil
	}
	if m.ClientMessageID != nil {
		if existing, err := r.messageByClientID(ctx, m.UserID, m.SessionID, *m.ClientMessageID); err == nil {
			return existing, false, nil
		}
	}

	err := r.db.WithContext(ctx).Create(m).Error
	if err == nil {
		return m, true, nil
	}
	if m.ClientMessageID == nil {
		return nil, false, err
	}
	// lost a race on the unique client id
	existing, getErr := r.messageByClientID(ctx, m.UserID, m.SessionID, *m.ClientMessageID)
	if getErr != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *Repo) messageByClientID(ctx context.Context, userID uint64, sessionID, clientID string) (*models.Message, error) {
	var m models.Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ? AND client_message_id = ?", userID, sessionID, clientID).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ReplyAfter returns the first assistant message stored after msgID in the
// session, or gorm.ErrRecordNotFound when it has not been answered yet.
func (r *Repo) ReplyAfter(ctx context.Context, userID uint64, sessionID string, msgID uint64) (*models.Message, error) {
	var m models.Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ? AND role = ? AND id > ?", userID, sessionID, models.RoleAssistant, msgID).
		Order("id ASC").
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// AppendActionItems stores items for the session and returns them with
// ids assigned.
func (r *Repo) AppendActionItems(ctx context.Context, userID uint64, sessionID string, items []models.ActionItem) ([]models.ActionItem, error) {
	if err := r.ensureSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []models.ActionItem{}, nil
	}
	now := time.Now()
	out := make([]models.ActionItem, len(items))
	for i, it := range items {
		it.ID = uuid.NewString()
		it.UserID = userID
		it.SessionID = sessionID
		it.Completed = false
		// keep insertion order visible through created_at
		it.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		if it.Urgency != models.UrgencyUrgent {
			it.Urgency = models.UrgencyRoutine
		}
		out[i] = it
	}
	if err := r.db.WithContext(ctx).Create(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// SetActionItemCompleted toggles an item on explicit user request.
func (r *Repo) SetActionItemCompleted(ctx context.Context, userID uint64, itemID string, completed bool) (*models.ActionItem, error) {
	var it models.ActionItem
	err := r.WithTx(ctx, func(tx *Repo) error {
		if err := tx.db.Where("id = ? AND user_id = ?", itemID, userID).First(&it).Error; err != nil {
			return err
		}
		it.Completed = completed
		return tx.db.Model(&it).Update("completed", completed).Error
	})
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// SessionUpdate holds the session fields a turn may change. Nil fields are
// left alone.
type SessionUpdate struct {
	QuestionCount *int
	IsSummaryMode *bool
	HasRedFlag    *bool
}

// UpdateSessionFields applies u. The question count never decreases and
// the two flags only ever switch on.
func (r *Repo) UpdateSessionFields(ctx context.Context, userID uint64, sessionID string, u SessionUpdate) error {
	if err := r.ensureSession(ctx, userID, sessionID); err != nil {
		return err
	}
	updates := map[string]any{"updated_at": time.Now()}
	if u.QuestionCount != nil {
		updates["question_count"] = gorm.Expr("CASE WHEN question_count < ? THEN ? ELSE question_count END", *u.QuestionCount, *u.QuestionCount)
	}
	if u.IsSummaryMode != nil && *u.IsSummaryMode {
		updates["is_summary_mode"] = true
	}
	if u.HasRedFlag != nil && *u.HasRedFlag {
		updates["has_red_flag"] = true
	}
	return r.db.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Updates(updates).Error
}

// ListInsights returns every insight of the user, oldest first.
func (r *Repo) ListInsights(ctx context.Context, userID uint64) ([]models.Insight, error) {
	var out []models.Insight
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// AppendInsights stores items for the user. Items with an unknown category
// are dropped.
func (r *Repo) AppendInsights(ctx context.Context, userID uint64, items []models.Insight) ([]models.Insight, error) {
	now := time.Now()
	out := make([]models.Insight, 0, len(items))
	for _, in := range items {
		if !in.Category.Valid() {
			continue
		}
		in.ID = uuid.NewString()
		in.UserID = userID
		in.CreatedAt = now.Add(time.Duration(len(out)) * time.Microsecond)
		out = append(out, in)
	}
	if len(out) == 0 {
		return out, nil
	}
	if err := r.db.WithContext(ctx).Create(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) DeleteInsightsBySession(ctx context.Context, userID uint64, sessionID string) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND source_session_id = ?", userID, sessionID).
		Delete(&models.Insight{}).Error
}

// DeleteSession removes the session with its messages, action items, turn
// jobs and the insights it produced.
func (r *Repo) DeleteSession(ctx context.Context, userID uint64, sessionID string) error {
	return r.WithTx(ctx, func(tx *Repo) error {
		if err := tx.ensureSession(ctx, userID, sessionID); err != nil {
			return err
		}
		scoped := func() *gorm.DB {
			return tx.db.Where("user_id = ? AND session_id = ?", userID, sessionID)
		}
		if err := scoped().Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := scoped().Delete(&models.ActionItem{}).Error; err != nil {
			return err
		}
		if err := scoped().Delete(&Job{}).Error; err != nil {
			return err
		}
		if err := tx.DeleteInsightsBySession(ctx, userID, sessionID); err != nil {
			return err
		}
		return scoped().Delete(&models.Session{}).Error
	})
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

// RequeueJob puts a running job back in the queue.
func (r *Repo) RequeueJob(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobRunning).
		Update("status", JobQueued).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, assistantMsgID uint64) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMsgID,
			"error":             nil,
		}).Error
}

// MarkJobFailed records errMsg. apologyMsgID may be zero when no message
// was stored.
func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string, apologyMsgID uint64) error {
	var resultID any
	if apologyMsgID != 0 {
		resultID = apologyMsgID
	}
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": resultID,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobByUserMessage returns the newest job answering msgID.
func (r *Repo) GetJobByUserMessage(ctx context.Context, userID uint64, msgID uint64) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND user_message_id = ?", userID, msgID).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (user_id, idempotency_key) already exists,
// it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	if existing, err := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey); err == nil {
		return existing, false, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
