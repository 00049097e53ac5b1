package models

import (
	"time"

	"gorm.io/datatypes"
)

type Sex string

const (
	SexMale   Sex = "male"
	SexFemale Sex = "female"
	SexOther  Sex = "other"
)

type Medication struct {
	Name   string `json:"name"`
	Dosage string `json:"dosage,omitempty"`
}

// Profile is the patient profile. There is at most one per user.
type Profile struct {
	ID          uint64                          `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID      uint64                          `gorm:"uniqueIndex;not null" json:"-"`
	Name        string                          `gorm:"type:varchar(128)" json:"name"`
	Age         int                             `json:"age"`
	Sex         Sex                             `gorm:"type:varchar(16)" json:"sex"`
	Medications datatypes.JSONSlice[Medication] `json:"medications"`
	Conditions  datatypes.JSONSlice[string]     `json:"conditions"`
	Allergies   datatypes.JSONSlice[string]     `json:"allergies"`
	CreatedAt   time.Time                       `json:"created_at"`
	UpdatedAt   time.Time                       `json:"updated_at"`
}

func (Profile) TableName() string { return "patient_profiles" }

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ReasoningType string

const (
	ReasoningQuestionRationale ReasoningType = "question_rationale"
	ReasoningAnalysis          ReasoningType = "analysis"
	ReasoningSafetyFlag        ReasoningType = "safety_flag"
)

// ReasoningStep explains why the assistant asked or flagged something.
type ReasoningStep struct {
	ID        string        `json:"id"`
	Type      ReasoningType `json:"type"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
}

type Session struct {
	ID            uint64       `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID     string       `gorm:"type:varchar(26);uniqueIndex;not null" json:"id"`
	UserID        uint64       `gorm:"index;not null" json:"-"`
	Title         string       `gorm:"type:varchar(128);not null" json:"title"`
	Provider      string       `gorm:"type:varchar(32);not null" json:"provider"`
	Model         string       `gorm:"type:varchar(64);not null" json:"model"`
	QuestionCount int          `gorm:"not null;default:0" json:"question_count"`
	IsSummaryMode bool         `gorm:"not null;default:false" json:"is_summary_mode"`
	HasRedFlag    bool         `gorm:"not null;default:false" json:"has_red_flag"`
	Messages      []Message    `gorm:"foreignKey:SessionID;references:SessionID" json:"messages"`
	ActionItems   []ActionItem `gorm:"foreignKey:SessionID;references:SessionID" json:"action_items"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

type Message struct {
	ID              uint64                             `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID       string                             `gorm:"type:varchar(26);not null;index:idx_chat_msg_user_session_id,priority:2;index:uniq_chat_msg_client,unique,priority:2" json:"session_id"`
	UserID          uint64                             `gorm:"not null;index:idx_chat_msg_user_session_id,priority:1;index:uniq_chat_msg_client,unique,priority:1" json:"-"`
	Role            Role                               `gorm:"type:varchar(16);index;not null" json:"role"`
	Content         string                             `gorm:"type:text;not null" json:"content"`
	Reasoning       datatypes.JSONSlice[ReasoningStep] `json:"reasoning,omitempty"`
	ClientMessageID *string                            `gorm:"type:varchar(128);index:uniq_chat_msg_client,unique,priority:3" json:"client_message_id,omitempty"`
	CreatedAt       time.Time                          `json:"timestamp"`
}

func (Message) TableName() string { return "chat_messages" }

type Urgency string

const (
	UrgencyRoutine Urgency = "routine"
	UrgencyUrgent  Urgency = "urgent"
)

type ActionItem struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SessionID string    `gorm:"type:varchar(26);index;not null" json:"session_id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Task      string    `gorm:"type:text;not null" json:"task"`
	Why       string    `gorm:"type:text" json:"why"`
	Urgency   Urgency   `gorm:"type:varchar(16);not null" json:"urgency"`
	Completed bool      `gorm:"not null;default:false" json:"completed"`
	CreatedAt time.Time `json:"created_at"`
}

func (ActionItem) TableName() string { return "action_items" }

type Category string

const (
	CategorySleep     Category = "sleep"
	CategoryEnergy    Category = "energy"
	CategoryDigestion Category = "digestion"
	CategoryPain      Category = "pain"
	CategoryMood      Category = "mood"
	CategoryOther     Category = "other"
)

// Categories lists the valid insight categories in display order.
var Categories = []Category{
	CategorySleep, CategoryEnergy, CategoryDigestion, CategoryPain, CategoryMood, CategoryOther,
}

func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// Insight is an append-only fact about the patient learned in a session.
type Insight struct {
	ID              string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID          uint64    `gorm:"index;not null" json:"-"`
	Category        Category  `gorm:"type:varchar(16);index;not null" json:"category"`
	Content         string    `gorm:"type:text;not null" json:"content"`
	SourceSessionID string    `gorm:"type:varchar(26);index" json:"source_session_id"`
	CreatedAt       time.Time `json:"created_at"`
}

func (Insight) TableName() string { return "health_insights" }
