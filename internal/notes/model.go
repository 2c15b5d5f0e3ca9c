package notes

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidRole indicates that a permission role is not recognized.
	ErrInvalidRole = errors.New("notes: invalid role")
	// ErrNoteNotFound indicates that no note exists for the identifier.
	ErrNoteNotFound = errors.New("notes: note not found")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Role is the permission granted to a collaborator on a note.
type Role string

const (
	// RoleViewer may join a note and follow edits.
	RoleViewer Role = "viewer"
	// RoleEditor may also submit edits.
	RoleEditor Role = "editor"
)

// NewRole validates raw input and returns a Role.
func NewRole(rawInput string) (Role, error) {
	switch role := Role(strings.ToLower(strings.TrimSpace(rawInput))); role {
	case RoleViewer, RoleEditor:
		return role, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// Access summarizes what a user may do with a note.
type Access int

const (
	// AccessNone denies joining.
	AccessNone Access = iota
	// AccessViewer allows joining without editing.
	AccessViewer
	// AccessEditor allows joining and editing.
	AccessEditor
)

// CanJoin reports whether the access level admits the user to the note room.
func (access Access) CanJoin() bool {
	return access >= AccessViewer
}

// CanEdit reports whether the access level admits document updates.
func (access Access) CanEdit() bool {
	return access >= AccessEditor
}

func (access Access) String() string {
	switch access {
	case AccessViewer:
		return "viewer"
	case AccessEditor:
		return "editor"
	default:
		return "none"
	}
}

// Note models a persisted note. Content holds JSON in any of the historical
// body shapes; collaboration writes back a JSON string.
type Note struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_notes_owner_updated,priority:1"`
	Title            string `gorm:"column:title;size:255;not null;default:''"`
	Content          string `gorm:"column:content;type:text"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_notes_owner_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// NotePermission grants a non-owner access to a note.
type NotePermission struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role             Role   `gorm:"column:role;size:32;not null"`
	GrantedAtSeconds int64  `gorm:"column:granted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NotePermission) TableName() string {
	return "note_permissions"
}

// NoteDraft describes a note to create.
type NoteDraft struct {
	OwnerID UserID
	Title   string
	Content string
}
