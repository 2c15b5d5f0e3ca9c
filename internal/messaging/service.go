package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

const (
	opServiceNew          = "messaging.service.new"
	opCreateThread        = "messaging.create_thread"
	opCanAccessThread     = "messaging.can_access_thread"
	opAppendMessage       = "messaging.append_message"
	opThreadParticipants  = "messaging.thread_participants"
	opListMessages        = "messaging.list_messages"
	queryThreadUser       = "thread_id = ? AND user_id = ?"
	queryThreadID         = "thread_id = ?"
	reasonQueryFailed     = "query_failed"
	reasonInsertFailed    = "insert_failed"
	reasonIDFailed        = "id_generation_failed"
	fieldThreadID         = "thread_id"
	fieldUserID           = "user_id"
	orderCreatedAscending = "created_at_s ASC, id ASC"
)

// ServiceError carries an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// ServiceConfig describes the dependencies of Service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	NewID    func() (string, error)
	Logger   *zap.Logger
}

// Service stores conversation threads and their messages.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	newID  func() (string, error)
	logger *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() (string, error) {
			value, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return value.String(), nil
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, newID: newID, logger: logger}, nil
}

// CreateThread opens a thread between the creator and participantIDs.
func (s *Service) CreateThread(ctx context.Context, creatorID, title string, participantIDs []string) (Thread, error) {
	threadID, err := s.newID()
	if err != nil {
		s.logError(opCreateThread, reasonIDFailed, err)
		return Thread{}, newServiceError(opCreateThread, reasonIDFailed, err)
	}
	nowSeconds := s.clock().UTC().Unix()
	thread := Thread{
		ID:               threadID,
		Title:            strings.TrimSpace(title),
		CreatedBy:        strings.TrimSpace(creatorID),
		CreatedAtSeconds: nowSeconds,
		UpdatedAtSeconds: nowSeconds,
	}

	members := map[string]struct{}{thread.CreatedBy: {}}
	for _, participantID := range participantIDs {
		if trimmed := strings.TrimSpace(participantID); trimmed != "" {
			members[trimmed] = struct{}{}
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&thread).Error; err != nil {
			return err
		}
		for memberID := range members {
			participant := ThreadParticipant{ThreadID: thread.ID, UserID: memberID, JoinedAtSeconds: nowSeconds}
			if err := tx.Create(&participant).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opCreateThread, reasonInsertFailed, err)
		return Thread{}, newServiceError(opCreateThread, reasonInsertFailed, err)
	}
	return thread, nil
}

// CanAccessThread reports whether userID participates in threadID.
func (s *Service) CanAccessThread(ctx context.Context, threadID ThreadID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ThreadParticipant{}).
		Where(queryThreadUser, threadID.String(), userID).
		Count(&count).Error
	if err != nil {
		s.logError(opCanAccessThread, reasonQueryFailed, err,
			zap.String(fieldThreadID, threadID.String()),
			zap.String(fieldUserID, userID))
		return false, newServiceError(opCanAccessThread, reasonQueryFailed, err)
	}
	return count > 0, nil
}

// ThreadParticipants lists the user ids in threadID.
func (s *Service) ThreadParticipants(ctx context.Context, threadID ThreadID) ([]string, error) {
	var participantIDs []string
	err := s.db.WithContext(ctx).
		Model(&ThreadParticipant{}).
		Where(queryThreadID, threadID.String()).
		Order("user_id ASC").
		Pluck("user_id", &participantIDs).Error
	if err != nil {
		s.logError(opThreadParticipants, reasonQueryFailed, err, zap.String(fieldThreadID, threadID.String()))
		return nil, newServiceError(opThreadParticipants, reasonQueryFailed, err)
	}
	return participantIDs, nil
}

// AppendMessage stores a message from a thread participant.
func (s *Service) AppendMessage(ctx context.Context, draft MessageDraft) (Message, error) {
	content, err := validateContent(draft.Content)
	if err != nil {
		return Message{}, err
	}
	allowed, err := s.CanAccessThread(ctx, draft.ThreadID, draft.SenderID)
	if err != nil {
		return Message{}, err
	}
	if !allowed {
		return Message{}, fmt.Errorf("%w: %s", ErrNotParticipant, draft.ThreadID)
	}

	messageID, err := s.newID()
	if err != nil {
		s.logError(opAppendMessage, reasonIDFailed, err)
		return Message{}, newServiceError(opAppendMessage, reasonIDFailed, err)
	}
	nowSeconds := s.clock().UTC().Unix()
	message := Message{
		ID:               messageID,
		ThreadID:         draft.ThreadID.String(),
		SenderID:         draft.SenderID,
		Content:          content,
		CreatedAtSeconds: nowSeconds,
	}
	if replyTo := strings.TrimSpace(draft.ReplyToID); replyTo != "" {
		message.ReplyToID = &replyTo
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			return err
		}
		return tx.Model(&Thread{}).
			Where("id = ?", draft.ThreadID.String()).
			Update("updated_at_s", nowSeconds).Error
	})
	if err != nil {
		s.logError(opAppendMessage, reasonInsertFailed, err, zap.String(fieldThreadID, draft.ThreadID.String()))
		return Message{}, newServiceError(opAppendMessage, reasonInsertFailed, err)
	}
	return message, nil
}

// ListMessages returns the messages of threadID oldest first.
func (s *Service) ListMessages(ctx context.Context, threadID ThreadID) ([]Message, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Where(queryThreadID, threadID.String()).
		Order(orderCreatedAscending).
		Find(&messages).Error
	if err != nil {
		s.logError(opListMessages, reasonQueryFailed, err, zap.String(fieldThreadID, threadID.String()))
		return nil, newServiceError(opListMessages, reasonQueryFailed, err)
	}
	return messages, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("messaging service error", attrs...)
}
