package insight

import (
	"context"
	"log"
	"strings"
)

// minSynthesisLength guards against overwriting a concept description with a
// degenerate LLM output.
const minSynthesisLength = 20

// StrategicPersister writes Strategic-stage outputs and executes
// graph-ontology mutations. Every item is independently fault-tolerant: a bad
// artifact or merge must not block the rest of the batch. Relational writes
// are authoritative; graph writes are best-effort mirrors that may lag or
// fail without affecting the cycle outcome.
type StrategicPersister struct {
	entities EntityWriter
	ontology OntologyStore
	graph    GraphStore
	ids      IDStrategy
	logger   *log.Logger
}

// NewStrategicPersister creates the Strategic-stage persister.
func NewStrategicPersister(entities EntityWriter, ontology OntologyStore, graph GraphStore, ids IDStrategy, logger *log.Logger) *StrategicPersister {
	return &StrategicPersister{entities: entities, ontology: ontology, graph: graph, ids: ids, logger: logger}
}

// Persist applies the full Strategic result for one cycle: ontology mutations
// first (merges, archives, communities, description synthesis, relationships),
// then content entities with graph provenance mirrors. Description synthesis
// only applies to concepts in synthesisHints, the compiler's
// needing-synthesis set; any other concept ID the model returns is ignored.
func (p *StrategicPersister) Persist(ctx context.Context, userID, cycleID string, result StrategicResult, synthesisHints []string) ([]CreatedEntity, CycleCounts, []error) {
	var created []CreatedEntity
	var counts CycleCounts
	var errs []error

	for _, merge := range result.ConceptMerges {
		if merge.PrimaryID == "" || len(merge.SecondaryIDs) == 0 {
			continue
		}
		merged, err := p.ontology.MergeConcepts(ctx, userID, merge)
		if err != nil {
			errs = append(errs, PersistenceError{Entity: "concept_merge", ID: merge.PrimaryID, Err: err})
			p.logger.Printf("[STRATEGIC] concept merge into %s failed: %v", merge.PrimaryID, err)
			continue
		}
		counts.ConceptsMerged += merged
		if p.graph != nil {
			if err := p.graph.MergeConcepts(ctx, userID, merge); err != nil {
				p.logger.Printf("[STRATEGIC] %v", GraphSyncError{Operation: "merge_concepts", Err: err})
			}
		}
	}

	for _, archive := range result.ConceptArchives {
		if archive.ConceptID == "" {
			continue
		}
		if err := p.ontology.ArchiveConcept(ctx, userID, archive); err != nil {
			errs = append(errs, PersistenceError{Entity: "concept_archive", ID: archive.ConceptID, Err: err})
			p.logger.Printf("[STRATEGIC] concept archive %s failed: %v", archive.ConceptID, err)
			continue
		}
		counts.ConceptsArchived++
		if p.graph != nil {
			if err := p.graph.ArchiveConcept(ctx, userID, archive); err != nil {
				p.logger.Printf("[STRATEGIC] %v", GraphSyncError{Operation: "archive_concept", Err: err})
			}
		}
	}

	for i, community := range result.Communities {
		if len(community.MemberConceptIDs) == 0 {
			continue
		}
		rec := CommunityRecord{
			ID:               p.ids.EntityID(cycleID, "community", i),
			UserID:           userID,
			CycleID:          cycleID,
			Name:             community.Name,
			Theme:            community.Theme,
			MemberConceptIDs: community.MemberConceptIDs,
		}
		if err := p.entities.CreateCommunity(ctx, rec); err != nil {
			errs = append(errs, PersistenceError{Entity: "community", ID: rec.ID, Err: err})
			p.logger.Printf("[STRATEGIC] community %q failed: %v", community.Theme, err)
			continue
		}
		counts.Communities++
		if p.graph != nil {
			if err := p.graph.CreateCommunity(ctx, rec); err != nil {
				p.logger.Printf("[STRATEGIC] %v", GraphSyncError{Operation: "create_community", Err: err})
			}
		}
	}

	hinted := make(map[string]bool, len(synthesisHints))
	for _, id := range synthesisHints {
		hinted[id] = true
	}
	for _, synth := range result.DescriptionSyntheses {
		text := strings.TrimSpace(synth.Description)
		if synth.ConceptID == "" || len(text) < minSynthesisLength {
			// skip, do not fail the batch
			continue
		}
		if !hinted[synth.ConceptID] {
			p.logger.Printf("[STRATEGIC] skip description for %s: not in this cycle's synthesis set", synth.ConceptID)
			continue
		}
		if err := p.ontology.UpdateConceptDescription(ctx, synth.ConceptID, text); err != nil {
			errs = append(errs, PersistenceError{Entity: "concept_description", ID: synth.ConceptID, Err: err})
			p.logger.Printf("[STRATEGIC] description synthesis for %s failed: %v", synth.ConceptID, err)
			continue
		}
		if p.graph != nil {
			if err := p.graph.UpdateConceptDescription(ctx, synth.ConceptID, text); err != nil {
				p.logger.Printf("[STRATEGIC] %v", GraphSyncError{Operation: "update_description", Err: err})
			}
		}
	}

	for i, rel := range result.Relationships {
		if rel.FromConceptID == "" || rel.ToConceptID == "" || p.graph == nil {
			continue
		}
		relID := p.ids.EntityID(cycleID, "relationship", i)
		if err := p.graph.CreateRelationship(ctx, userID, relID, rel); err != nil {
			p.logger.Printf("[STRATEGIC] %v", GraphSyncError{Operation: "create_relationship", Err: err})
		}
	}

	for i, draft := range result.DerivedArtifacts {
		artifactType := draft.Type
		if artifactType == "" {
			artifactType = ArtifactTypeStrategicInsight
		}
		rec := DerivedArtifactRecord{
			ID:                  p.ids.EntityID(cycleID, EntityTypeDerivedArtifact, i),
			UserID:              userID,
			CycleID:             cycleID,
			Type:                artifactType,
			Title:               draft.Title,
			Content:             draft.Content,
			SourceConceptIDs:    draft.SourceConceptIDs,
			SourceMemoryUnitIDs: draft.SourceMemoryUnitIDs,
			Metadata:            draft.Metadata,
		}
		if err := p.entities.CreateDerivedArtifact(ctx, rec); err != nil {
			errs = append(errs, PersistenceError{Entity: EntityTypeDerivedArtifact, ID: rec.ID, Err: err})
			p.logger.Printf("[STRATEGIC] artifact %q failed: %v", draft.Title, err)
			continue
		}
		counts.DerivedArtifacts++
		created = append(created, CreatedEntity{ID: rec.ID, Type: EntityTypeDerivedArtifact, Text: rec.Content})
		if p.graph != nil {
			if err := p.graph.MirrorArtifact(ctx, rec); err != nil {
				p.logger.Printf("[STRATEGIC] %v", GraphSyncError{Operation: "mirror_artifact", Err: err})
			}
		}
	}

	for i, draft := range result.ProactivePrompts {
		if draft.Text == "" {
			continue
		}
		rec := ProactivePromptRecord{
			ID:         p.ids.EntityID(cycleID, EntityTypeProactivePrompt, i),
			UserID:     userID,
			CycleID:    cycleID,
			Text:       draft.Text,
			Type:       draft.Type,
			TimingHint: draft.TimingHint,
			Priority:   draft.Priority,
			Status:     "pending",
		}
		if err := p.entities.CreateProactivePrompt(ctx, rec); err != nil {
			errs = append(errs, PersistenceError{Entity: EntityTypeProactivePrompt, ID: rec.ID, Err: err})
			p.logger.Printf("[STRATEGIC] prompt failed: %v", err)
			continue
		}
		counts.ProactivePrompts++
		created = append(created, CreatedEntity{ID: rec.ID, Type: EntityTypeProactivePrompt, Text: rec.Text})
		if p.graph != nil {
			if err := p.graph.MirrorPrompt(ctx, rec); err != nil {
				p.logger.Printf("[STRATEGIC] %v", GraphSyncError{Operation: "mirror_prompt", Err: err})
			}
		}
	}

	for i, draft := range result.GrowthEvents {
		if draft.DimensionKey == "" {
			continue
		}
		rec := GrowthEventRecord{
			ID:                  p.ids.EntityID(cycleID, EntityTypeGrowthEvent, i),
			UserID:              userID,
			CycleID:             cycleID,
			DimensionKey:        draft.DimensionKey,
			DeltaValue:          draft.DeltaValue,
			Rationale:           draft.Rationale,
			SourceConceptIDs:    draft.SourceConceptIDs,
			SourceMemoryUnitIDs: draft.SourceMemoryUnitIDs,
		}
		if err := p.entities.CreateGrowthEvent(ctx, rec); err != nil {
			errs = append(errs, PersistenceError{Entity: EntityTypeGrowthEvent, ID: rec.ID, Err: err})
			p.logger.Printf("[STRATEGIC] growth event %s failed: %v", draft.DimensionKey, err)
			continue
		}
		counts.GrowthEvents++
		created = append(created, CreatedEntity{ID: rec.ID, Type: EntityTypeGrowthEvent, Text: rec.Rationale})
	}

	return created, counts, errs
}
