package notes

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestCreateNoteAssignsGeneratedID(t *testing.T) {
	service, db := newTestService(t, &staticIDGenerator{ids: []string{"note-generated"}}, 0)
	owner := mustUserID(t, "user-1")

	note, err := service.CreateNote(context.Background(), NoteDraft{OwnerID: owner, Title: "  Plans  ", Content: `"hello"`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if note.ID != "note-generated" {
		t.Fatalf("unexpected note id %s", note.ID)
	}
	if note.Title != "Plans" {
		t.Fatalf("expected trimmed title, got %q", note.Title)
	}

	var stored Note
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored note: %v", err)
	}
	if stored.OwnerID != owner.String() || stored.CreatedAtSeconds != 1700000600 {
		t.Fatalf("unexpected stored note %#v", stored)
	}
}

func TestGetNoteReportsMissing(t *testing.T) {
	service, _ := newTestService(t, &sequenceIDGenerator{prefix: "id"}, 0)
	_, err := service.GetNote(context.Background(), mustNoteID(t, "missing"))
	if !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected ErrNoteNotFound, got %v", err)
	}
}

func TestCanAccessResolvesRoles(t *testing.T) {
	service, _ := newTestService(t, &sequenceIDGenerator{prefix: "id"}, 0)
	noteID := mustNoteID(t, "note-1")
	owner := mustUserID(t, "owner")
	editor := mustUserID(t, "editor")
	viewer := mustUserID(t, "viewer")
	stranger := mustUserID(t, "stranger")
	mustCreateNote(t, service, noteID, owner, "")

	if err := service.GrantPermission(context.Background(), noteID, editor, RoleEditor); err != nil {
		t.Fatalf("grant editor: %v", err)
	}
	if err := service.GrantPermission(context.Background(), noteID, viewer, RoleEditor); err != nil {
		t.Fatalf("grant viewer: %v", err)
	}
	if err := service.GrantPermission(context.Background(), noteID, viewer, RoleViewer); err != nil {
		t.Fatalf("downgrade viewer: %v", err)
	}

	testCases := []struct {
		user     UserID
		expected Access
	}{
		{user: owner, expected: AccessEditor},
		{user: editor, expected: AccessEditor},
		{user: viewer, expected: AccessViewer},
		{user: stranger, expected: AccessNone},
	}
	for _, testCase := range testCases {
		access, err := service.CanAccess(context.Background(), noteID, testCase.user)
		if err != nil {
			t.Fatalf("can access for %s: %v", testCase.user, err)
		}
		if access != testCase.expected {
			t.Fatalf("expected %s for %s, got %s", testCase.expected, testCase.user, access)
		}
	}

	if _, err := service.CanAccess(context.Background(), mustNoteID(t, "other"), owner); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected ErrNoteNotFound for unknown note, got %v", err)
	}
}

func TestGrantPermissionRejectsUnknownRole(t *testing.T) {
	service, _ := newTestService(t, &sequenceIDGenerator{prefix: "id"}, 0)
	err := service.GrantPermission(context.Background(), mustNoteID(t, "note-1"), mustUserID(t, "user"), Role("admin"))
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || !strings.HasPrefix(serviceErr.Code(), opGrantPermission) {
		t.Fatalf("expected service error code, got %v", err)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestIdentifierValidation(t *testing.T) {
	if _, err := NewNoteID("   "); !errors.Is(err, ErrInvalidNoteID) {
		t.Fatalf("expected ErrInvalidNoteID, got %v", err)
	}
	if _, err := NewUserID(strings.Repeat("u", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if role, err := NewRole(" Editor "); err != nil || role != RoleEditor {
		t.Fatalf("expected editor role, got %q (%v)", role, err)
	}
}
