package insight

import (
	"context"
	"log"
)

// FoundationPersister writes Foundation-stage outputs immediately on stage
// success, before the Strategic stage begins. The four writes are independent:
// a failure in one must not prevent attempting the others, since losing the
// memory-profile narrative is worse than losing the key-phrase overwrite.
type FoundationPersister struct {
	profiles ProfileWriter
	entities EntityWriter
	graph    GraphStore
	ids      IDStrategy
	logger   *log.Logger
}

// NewFoundationPersister creates the Foundation-stage persister.
func NewFoundationPersister(profiles ProfileWriter, entities EntityWriter, graph GraphStore, ids IDStrategy, logger *log.Logger) *FoundationPersister {
	return &FoundationPersister{profiles: profiles, entities: entities, graph: graph, ids: ids, logger: logger}
}

// Persist writes the memory profile, both narrative artifacts and the key
// phrases, collecting per-item errors and returning the entities created.
func (p *FoundationPersister) Persist(ctx context.Context, userID, cycleID string, result FoundationResult) ([]CreatedEntity, []error) {
	var created []CreatedEntity
	var errs []error

	if err := p.profiles.UpdateMemoryProfile(ctx, userID, result.MemoryProfile); err != nil {
		errs = append(errs, PersistenceError{Entity: "memory_profile_field", Err: err})
		p.logger.Printf("[FOUNDATION] memory profile update failed for user %s: %v", userID, err)
	}

	profileRec := DerivedArtifactRecord{
		ID:      p.ids.EntityID(cycleID, ArtifactTypeMemoryProfile, 0),
		UserID:  userID,
		CycleID: cycleID,
		Type:    ArtifactTypeMemoryProfile,
		Title:   "Memory profile",
		Content: result.MemoryProfile,
	}
	if err := p.entities.CreateDerivedArtifact(ctx, profileRec); err != nil {
		errs = append(errs, PersistenceError{Entity: EntityTypeDerivedArtifact, ID: profileRec.ID, Err: err})
		p.logger.Printf("[FOUNDATION] memory profile artifact failed for user %s: %v", userID, err)
	} else {
		created = append(created, CreatedEntity{ID: profileRec.ID, Type: EntityTypeDerivedArtifact, Text: profileRec.Content})
		p.mirror(ctx, profileRec)
	}

	if result.Opening.Content != "" {
		openingRec := DerivedArtifactRecord{
			ID:      p.ids.EntityID(cycleID, ArtifactTypeOpening, 0),
			UserID:  userID,
			CycleID: cycleID,
			Type:    ArtifactTypeOpening,
			Title:   result.Opening.Title,
			Content: result.Opening.Content,
		}
		if err := p.entities.CreateDerivedArtifact(ctx, openingRec); err != nil {
			errs = append(errs, PersistenceError{Entity: EntityTypeDerivedArtifact, ID: openingRec.ID, Err: err})
			p.logger.Printf("[FOUNDATION] opening artifact failed for user %s: %v", userID, err)
		} else {
			created = append(created, CreatedEntity{ID: openingRec.ID, Type: EntityTypeDerivedArtifact, Text: openingRec.Content})
			p.mirror(ctx, openingRec)
		}
	}

	// Key phrases are overwritten, not merged; they seed the next cycle's retrieval.
	if err := p.profiles.UpdateKeyPhrases(ctx, userID, result.KeyPhrases); err != nil {
		errs = append(errs, PersistenceError{Entity: "key_phrases", Err: err})
		p.logger.Printf("[FOUNDATION] key phrase overwrite failed for user %s: %v", userID, err)
	}

	return created, errs
}

func (p *FoundationPersister) mirror(ctx context.Context, rec DerivedArtifactRecord) {
	if p.graph == nil {
		return
	}
	if err := p.graph.MirrorArtifact(ctx, rec); err != nil {
		p.logger.Printf("[FOUNDATION] %v", GraphSyncError{Operation: "mirror_artifact", Err: err})
	}
}
