package messaging

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxIdentifierLength = 190
	maxMessageLength    = 10000
)

var (
	// ErrInvalidThreadID indicates that a thread identifier is empty or too long.
	ErrInvalidThreadID = errors.New("messaging: invalid thread id")
	// ErrInvalidContent indicates that a message body is empty or too long.
	ErrInvalidContent = errors.New("messaging: invalid message content")
	// ErrThreadNotFound indicates that no thread exists for the identifier.
	ErrThreadNotFound = errors.New("messaging: thread not found")
	// ErrNotParticipant indicates that the sender does not belong to the thread.
	ErrNotParticipant = errors.New("messaging: not a thread participant")
)

// ThreadID represents a validated thread identifier.
type ThreadID string

// NewThreadID validates raw input and returns a ThreadID.
func NewThreadID(rawInput string) (ThreadID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidThreadID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidThreadID, maxIdentifierLength)
	}
	return ThreadID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ThreadID) String() string {
	return string(id)
}

// Thread is a conversation between a fixed set of participants.
type Thread struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	Title            string `gorm:"column:title;size:255;not null;default:''"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Thread) TableName() string {
	return "message_threads"
}

// ThreadParticipant links a user to a thread.
type ThreadParticipant struct {
	ThreadID        string `gorm:"column:thread_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ThreadParticipant) TableName() string {
	return "message_thread_participants"
}

// Message is an append-only entry in a thread.
type Message struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	ThreadID         string  `gorm:"column:thread_id;size:190;not null;index:idx_messages_thread_created,priority:1"`
	SenderID         string  `gorm:"column:sender_id;size:190;not null"`
	Content          string  `gorm:"column:content;type:text;not null"`
	ReplyToID        *string `gorm:"column:reply_to_id;size:190"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null;index:idx_messages_thread_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// MessageDraft is a message about to be appended.
type MessageDraft struct {
	ThreadID  ThreadID
	SenderID  string
	Content   string
	ReplyToID string
}

func validateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	if utf8.RuneCountInString(trimmed) > maxMessageLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidContent, maxMessageLength)
	}
	return trimmed, nil
}
