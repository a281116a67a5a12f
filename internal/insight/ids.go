package insight

import (
	"fmt"

	"github.com/google/uuid"
)

// IDStrategy controls how entity identifiers are generated during persistence.
// Random reproduces at-least-once semantics where a re-run after partial
// failure creates duplicates; Deterministic derives stable IDs from the cycle
// so re-persisting the same cycle is suppressed by the entity inserts'
// ON CONFLICT clause rather than duplicated.
type IDStrategy interface {
	EntityID(cycleID, entityType string, index int) string
}

// RandomIDs generates a fresh UUID per write attempt.
type RandomIDs struct{}

func (RandomIDs) EntityID(string, string, int) string { return uuid.NewString() }

// DeterministicIDs derives UUIDv5 identifiers from (cycleID, entityType, index).
type DeterministicIDs struct{}

var entityNamespace = uuid.MustParse("6f1c24b0-88a1-4a2d-9c55-40f0ac91e7da")

func (DeterministicIDs) EntityID(cycleID, entityType string, index int) string {
	return uuid.NewSHA1(entityNamespace, []byte(fmt.Sprintf("%s/%s/%d", cycleID, entityType, index))).String()
}

// NewIDStrategy maps the configured strategy name to an implementation.
// Unknown names fall back to random.
func NewIDStrategy(name string) IDStrategy {
	if name == "deterministic" {
		return DeterministicIDs{}
	}
	return RandomIDs{}
}
