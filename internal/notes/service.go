package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const defaultSnapshotRetention = 10

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

const (
	opServiceNew       = "notes.service.new"
	opCreateNote       = "notes.create_note"
	opGetNote          = "notes.get_note"
	opGrantPermission  = "notes.grant_permission"
	opCanAccess        = "notes.can_access"
	queryNoteID        = "id = ?"
	queryNoteUser      = "note_id = ? AND user_id = ?"
	fieldNoteID        = "note_id"
	fieldUserID        = "user_id"
	reasonQueryFailed  = "query_failed"
	reasonMissingDB    = "missing_database"
	reasonInsertFailed = "insert_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database          *gorm.DB
	Clock             func() time.Time
	IDProvider        IDProvider
	Logger            *zap.Logger
	SnapshotRetention int
}

type IDProvider interface {
	NewID() (string, error)
}

// Service owns notes, their collaborator permissions and their collaboration snapshots.
type Service struct {
	db                *gorm.DB
	clock             func() time.Time
	idProvider        IDProvider
	logger            *zap.Logger
	snapshotRetention int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	retention := cfg.SnapshotRetention
	if retention <= 0 {
		retention = defaultSnapshotRetention
	}

	return &Service{
		db:                cfg.Database,
		clock:             clock,
		idProvider:        cfg.IDProvider,
		logger:            logger,
		snapshotRetention: retention,
	}, nil
}

// CreateNote persists a new note owned by draft.OwnerID.
func (s *Service) CreateNote(ctx context.Context, draft NoteDraft) (Note, error) {
	if draft.OwnerID == "" {
		return Note{}, newServiceError(opCreateNote, "missing_owner", ErrInvalidUserID)
	}
	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, "id_generation_failed", err)
		return Note{}, newServiceError(opCreateNote, "id_generation_failed", err)
	}
	return s.createNote(ctx, NoteID(noteID), draft)
}

// CreateNoteWithID persists a new note under a caller-chosen identifier.
func (s *Service) CreateNoteWithID(ctx context.Context, noteID NoteID, draft NoteDraft) (Note, error) {
	if noteID == "" {
		return Note{}, newServiceError(opCreateNote, "missing_note_id", ErrInvalidNoteID)
	}
	if draft.OwnerID == "" {
		return Note{}, newServiceError(opCreateNote, "missing_owner", ErrInvalidUserID)
	}
	return s.createNote(ctx, noteID, draft)
}

func (s *Service) createNote(ctx context.Context, noteID NoteID, draft NoteDraft) (Note, error) {
	nowSeconds := s.clock().UTC().Unix()
	note := Note{
		ID:               noteID.String(),
		OwnerID:          draft.OwnerID.String(),
		Title:            strings.TrimSpace(draft.Title),
		Content:          draft.Content,
		CreatedAtSeconds: nowSeconds,
		UpdatedAtSeconds: nowSeconds,
	}
	if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
		s.logError(opCreateNote, reasonInsertFailed, err, zap.String(fieldNoteID, noteID.String()))
		return Note{}, newServiceError(opCreateNote, reasonInsertFailed, err)
	}
	return note, nil
}

// GetNote loads a note by identifier.
func (s *Service) GetNote(ctx context.Context, noteID NoteID) (Note, error) {
	var note Note
	err := s.db.WithContext(ctx).Where(queryNoteID, noteID.String()).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, fmt.Errorf("%w: %s", ErrNoteNotFound, noteID)
	}
	if err != nil {
		s.logError(opGetNote, reasonQueryFailed, err, zap.String(fieldNoteID, noteID.String()))
		return Note{}, newServiceError(opGetNote, reasonQueryFailed, err)
	}
	return note, nil
}

// GrantPermission creates or replaces the collaborator role of userID on noteID.
func (s *Service) GrantPermission(ctx context.Context, noteID NoteID, userID UserID, role Role) error {
	if _, err := NewRole(string(role)); err != nil {
		return newServiceError(opGrantPermission, "invalid_role", err)
	}
	permission := NotePermission{
		NoteID:           noteID.String(),
		UserID:           userID.String(),
		Role:             role,
		GrantedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: fieldNoteID}, {Name: fieldUserID}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "granted_at_s"}),
		}).
		Create(&permission).Error
	if err != nil {
		s.logError(opGrantPermission, "upsert_failed", err,
			zap.String(fieldNoteID, noteID.String()),
			zap.String(fieldUserID, userID.String()))
		return newServiceError(opGrantPermission, "upsert_failed", err)
	}
	return nil
}

// CanAccess resolves the access level of userID on noteID. Owners edit;
// collaborators get their granted role; everyone else gets AccessNone. A
// missing note is reported as ErrNoteNotFound.
func (s *Service) CanAccess(ctx context.Context, noteID NoteID, userID UserID) (Access, error) {
	note, err := s.GetNote(ctx, noteID)
	if err != nil {
		return AccessNone, err
	}
	if note.OwnerID == userID.String() {
		return AccessEditor, nil
	}

	var permission NotePermission
	err = s.db.WithContext(ctx).
		Where(queryNoteUser, noteID.String(), userID.String()).
		Take(&permission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AccessNone, nil
	}
	if err != nil {
		s.logError(opCanAccess, reasonQueryFailed, err,
			zap.String(fieldNoteID, noteID.String()),
			zap.String(fieldUserID, userID.String()))
		return AccessNone, newServiceError(opCanAccess, reasonQueryFailed, err)
	}
	switch permission.Role {
	case RoleEditor:
		return AccessEditor, nil
	case RoleViewer:
		return AccessViewer, nil
	default:
		return AccessNone, nil
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
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
	s.loggerOrDefault().Error("notes service error", attrs...)
}
