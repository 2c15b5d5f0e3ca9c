package notes

import (
	"fmt"

	"github.com/google/uuid"
)

// uuidProvider issues the primary keys of note rows and collab snapshot
// versions. UUIDv7 keeps snapshot ids roughly ordered by creation time.
type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("notes: generate id: %w", err)
	}
	return value.String(), nil
}
