package notes

// CollabSnapshot stores one flushed version of a note's collaborative state.
// ContentHash fingerprints the note body written in the same flush, so a load
// can tell whether the body was changed outside collaboration afterwards.
type CollabSnapshot struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	NoteID           string `gorm:"column:note_id;size:190;not null;uniqueIndex:idx_collab_snapshots_note_version,priority:1"`
	Version          int64  `gorm:"column:version;not null;uniqueIndex:idx_collab_snapshots_note_version,priority:2"`
	Snapshot         []byte `gorm:"column:snapshot;not null"`
	ContentHash      string `gorm:"column:content_hash;size:64;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CollabSnapshot) TableName() string {
	return "collab_snapshots"
}
