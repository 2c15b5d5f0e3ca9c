package notes

import (
	"testing"

	"github.com/google/uuid"
)

func TestUUIDProviderIssuesDistinctVersionSevenIDs(testContext *testing.T) {
	provider := NewUUIDProvider()
	first, err := provider.NewID()
	if err != nil {
		testContext.Fatalf("first id: %v", err)
	}
	second, err := provider.NewID()
	if err != nil {
		testContext.Fatalf("second id: %v", err)
	}
	if first == second {
		testContext.Fatalf("expected distinct ids, got %q twice", first)
	}
	parsed, err := uuid.Parse(first)
	if err != nil {
		testContext.Fatalf("id is not a uuid: %v", err)
	}
	if parsed.Version() != 7 {
		testContext.Fatalf("expected a version 7 uuid, got version %d", parsed.Version())
	}
}
