package notes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opLoadDocument             = "notes.load_document"
	opSaveDocument             = "notes.save_document"
	orderVersionDesc           = "version DESC"
	queryNoteIDColumn          = "note_id = ?"
	queryPrunableSnapshots     = "note_id = ? AND version <= ?"
	reasonNoteLookupFailed     = "note_lookup_failed"
	reasonSnapshotQueryFailed  = "snapshot_query_failed"
	reasonNoteUpdateFailed     = "note_update_failed"
	reasonSnapshotInsertFailed = "snapshot_insert_failed"
	reasonSnapshotPruneFailed  = "snapshot_prune_failed"
	reasonIDGenerationFailed   = "id_generation_failed"
)

// LoadDocument returns the bytes a collaboration session should start from:
// the newest snapshot when the note body still matches the body written with
// it, otherwise the note body itself. A missing note yields nil.
func (s *Service) LoadDocument(ctx context.Context, noteID NoteID) ([]byte, error) {
	if s.db == nil {
		s.logError(opLoadDocument, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opLoadDocument, reasonMissingDB, errMissingDatabase)
	}

	var note Note
	err := s.db.WithContext(ctx).Where(queryNoteID, noteID.String()).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opLoadDocument, reasonNoteLookupFailed, err, zap.String(fieldNoteID, noteID.String()))
		return nil, newServiceError(opLoadDocument, reasonNoteLookupFailed, err)
	}

	var latest CollabSnapshot
	err = s.db.WithContext(ctx).
		Where(queryNoteIDColumn, noteID.String()).
		Order(orderVersionDesc).
		Take(&latest).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		s.logError(opLoadDocument, reasonSnapshotQueryFailed, err, zap.String(fieldNoteID, noteID.String()))
		return nil, newServiceError(opLoadDocument, reasonSnapshotQueryFailed, err)
	case latest.ContentHash == hashContent([]byte(note.Content)) && len(latest.Snapshot) > 0:
		return latest.Snapshot, nil
	}

	if note.Content == "" {
		return nil, nil
	}
	return []byte(note.Content), nil
}

// SaveDocument writes the flattened body to the note and appends a snapshot
// version, pruning versions beyond the retention window.
func (s *Service) SaveDocument(ctx context.Context, noteID NoteID, content []byte, snapshot []byte) error {
	if s.db == nil {
		s.logError(opSaveDocument, reasonMissingDB, errMissingDatabase)
		return newServiceError(opSaveDocument, reasonMissingDB, errMissingDatabase)
	}

	snapshotID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSaveDocument, reasonIDGenerationFailed, err, zap.String(fieldNoteID, noteID.String()))
		return newServiceError(opSaveDocument, reasonIDGenerationFailed, err)
	}
	nowSeconds := s.clock().UTC().Unix()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&Note{}).
			Where(queryNoteID, noteID.String()).
			Updates(map[string]any{
				"content":      string(content),
				"updated_at_s": nowSeconds,
			})
		if update.Error != nil {
			s.logError(opSaveDocument, reasonNoteUpdateFailed, update.Error, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opSaveDocument, reasonNoteUpdateFailed, update.Error)
		}
		if update.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrNoteNotFound, noteID)
		}

		var latest CollabSnapshot
		version := int64(1)
		err := tx.Select("version").
			Where(queryNoteIDColumn, noteID.String()).
			Order(orderVersionDesc).
			Take(&latest).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			s.logError(opSaveDocument, reasonSnapshotQueryFailed, err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opSaveDocument, reasonSnapshotQueryFailed, err)
		default:
			version = latest.Version + 1
		}

		record := CollabSnapshot{
			ID:               snapshotID,
			NoteID:           noteID.String(),
			Version:          version,
			Snapshot:         snapshot,
			ContentHash:      hashContent(content),
			CreatedAtSeconds: nowSeconds,
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opSaveDocument, reasonSnapshotInsertFailed, err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opSaveDocument, reasonSnapshotInsertFailed, err)
		}

		cutoff := version - int64(s.snapshotRetention)
		if cutoff > 0 {
			if err := tx.Where(queryPrunableSnapshots, noteID.String(), cutoff).Delete(&CollabSnapshot{}).Error; err != nil {
				s.logError(opSaveDocument, reasonSnapshotPruneFailed, err, zap.String(fieldNoteID, noteID.String()))
				return newServiceError(opSaveDocument, reasonSnapshotPruneFailed, err)
			}
		}
		return nil
	})
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// DocumentStore adapts Service to the collaboration engine's storage contract.
type DocumentStore struct {
	service *Service
}

// NewDocumentStore wraps service.
func NewDocumentStore(service *Service) *DocumentStore {
	return &DocumentStore{service: service}
}

// Load implements collab.DocumentStore.
func (store *DocumentStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	noteID, err := NewNoteID(documentID)
	if err != nil {
		return nil, err
	}
	return store.service.LoadDocument(ctx, noteID)
}

// Save implements collab.DocumentStore.
func (store *DocumentStore) Save(ctx context.Context, documentID string, state collab.StoredState) error {
	noteID, err := NewNoteID(documentID)
	if err != nil {
		return err
	}
	return store.service.SaveDocument(ctx, noteID, state.Content, state.Snapshot)
}

var _ collab.DocumentStore = (*DocumentStore)(nil)
