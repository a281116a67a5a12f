package insight

import (
	"context"
	"errors"
	"testing"
)

func newStrategicPersister(st *memStore, g *memGraph) *StrategicPersister {
	return NewStrategicPersister(st, st, g, DeterministicIDs{}, discardLogger())
}

func TestStrategicPersistFullResult(t *testing.T) {
	st := newMemStore()
	g := &memGraph{}
	p := newStrategicPersister(st, g)

	result := validStrategicResult()
	result.ConceptMerges = []ConceptMerge{
		{PrimaryID: "c-primary", SecondaryIDs: []string{"c-a", "c-b"}, NewName: "Career Growth"},
	}
	result.ConceptArchives = []ConceptArchive{{ConceptID: "c-old", Rationale: "superseded"}}
	result.Communities = []CommunityDraft{
		{Name: "Work life", Theme: "career", MemberConceptIDs: []string{"c-primary", "c-x"}},
	}
	result.DescriptionSyntheses = []DescriptionSynthesis{
		{ConceptID: "c-primary", Description: "A consolidated view of career direction and growth."},
	}
	result.Relationships = []ConceptRelationship{
		{FromConceptID: "c-primary", ToConceptID: "c-x", Type: "SUPPORTS", Strength: 0.8},
	}

	created, counts, errs := p.Persist(context.Background(), "user-1", "cycle-1", result, []string{"c-primary"})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if counts.ConceptsMerged != 2 {
		t.Fatalf("expected 2 merged secondaries, got %d", counts.ConceptsMerged)
	}
	if counts.ConceptsArchived != 1 || counts.Communities != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if counts.DerivedArtifacts != 1 || counts.ProactivePrompts != 1 || counts.GrowthEvents != 1 {
		t.Fatalf("unexpected entity counts: %+v", counts)
	}
	// artifact + prompt + growth event surface as created entities
	if len(created) != 3 {
		t.Fatalf("expected 3 created entities, got %d", len(created))
	}
	if st.descriptions["c-primary"] == "" {
		t.Fatal("description synthesis not applied")
	}
	if g.merges != 1 || g.relationships != 1 || g.artifacts != 1 || g.prompts != 1 {
		t.Fatalf("graph mirrors incomplete: %+v", g)
	}
}

func TestStrategicPersistContinuesPastItemFailure(t *testing.T) {
	st := newMemStore()
	st.failures["CreateDerivedArtifact"] = errors.New("unique violation")
	p := newStrategicPersister(st, &memGraph{})

	result := validStrategicResult()
	created, counts, errs := p.Persist(context.Background(), "user-1", "cycle-1", result, nil)

	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
	var pe PersistenceError
	if !errors.As(errs[0], &pe) || pe.Entity != EntityTypeDerivedArtifact {
		t.Fatalf("expected artifact PersistenceError, got %v", errs[0])
	}
	// prompt and growth event still landed
	if counts.ProactivePrompts != 1 || counts.GrowthEvents != 1 {
		t.Fatalf("later items should persist: %+v", counts)
	}
	if counts.DerivedArtifacts != 0 {
		t.Fatal("failed artifact must not count")
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 created entities, got %d", len(created))
	}
}

func TestStrategicPersistGraphFailureDoesNotSurface(t *testing.T) {
	st := newMemStore()
	g := &memGraph{err: errors.New("neo4j unavailable")}
	p := newStrategicPersister(st, g)

	result := validStrategicResult()
	result.ConceptMerges = []ConceptMerge{{PrimaryID: "c-1", SecondaryIDs: []string{"c-2"}}}

	_, counts, errs := p.Persist(context.Background(), "user-1", "cycle-1", result, nil)
	if len(errs) != 0 {
		t.Fatalf("graph failures must not surface as persistence errors: %v", errs)
	}
	// relational merge still counted
	if counts.ConceptsMerged != 1 {
		t.Fatalf("expected relational merge to count: %+v", counts)
	}
}

func TestStrategicPersistSkipsDegenerateItems(t *testing.T) {
	st := newMemStore()
	p := newStrategicPersister(st, &memGraph{})

	result := StrategicResult{
		ConceptMerges:        []ConceptMerge{{PrimaryID: "", SecondaryIDs: []string{"c-1"}}},
		ConceptArchives:      []ConceptArchive{{ConceptID: ""}},
		Communities:          []CommunityDraft{{Name: "empty"}},
		DescriptionSyntheses: []DescriptionSynthesis{{ConceptID: "c-1", Description: "short"}},
		ProactivePrompts:     []PromptDraft{{Text: ""}},
		GrowthEvents:         []GrowthEventDraft{{DimensionKey: ""}},
	}
	created, counts, errs := p.Persist(context.Background(), "user-1", "cycle-1", result, []string{"c-1"})
	if len(errs) != 0 || len(created) != 0 || counts.Total() != 0 {
		t.Fatalf("degenerate items should be skipped silently: created=%v counts=%+v errs=%v", created, counts, errs)
	}
	if len(st.descriptions) != 0 {
		t.Fatal("short synthesis must not overwrite description")
	}
}

func TestStrategicPersistIgnoresUnhintedSynthesis(t *testing.T) {
	st := newMemStore()
	p := newStrategicPersister(st, &memGraph{})

	result := StrategicResult{
		DescriptionSyntheses: []DescriptionSynthesis{
			{ConceptID: "c-hinted", Description: "A consolidated view of career direction and growth."},
			{ConceptID: "c-unrequested", Description: "A perfectly plausible description for the wrong concept."},
		},
	}
	result.Raw = validStrategicResult().Raw

	_, _, errs := p.Persist(context.Background(), "user-1", "cycle-1", result, []string{"c-hinted"})
	if len(errs) != 0 {
		t.Fatalf("Persist: %v", errs)
	}
	if st.descriptions["c-hinted"] == "" {
		t.Fatal("hinted synthesis should be applied")
	}
	if _, ok := st.descriptions["c-unrequested"]; ok {
		t.Fatal("synthesis outside the candidate set must be ignored")
	}
}

func TestStrategicPersistDefaultsArtifactType(t *testing.T) {
	st := newMemStore()
	p := newStrategicPersister(st, &memGraph{})

	result := StrategicResult{DerivedArtifacts: []ArtifactDraft{{Title: "untyped", Content: "body"}}}
	result.Raw = validStrategicResult().Raw

	_, _, errs := p.Persist(context.Background(), "user-1", "cycle-1", result, nil)
	if len(errs) != 0 {
		t.Fatalf("Persist: %v", errs)
	}
	if st.artifacts[0].Type != ArtifactTypeStrategicInsight {
		t.Fatalf("expected default type, got %q", st.artifacts[0].Type)
	}
}

func TestDeterministicIDsAreStable(t *testing.T) {
	ids := DeterministicIDs{}
	a := ids.EntityID("cycle-1", EntityTypeDerivedArtifact, 0)
	b := ids.EntityID("cycle-1", EntityTypeDerivedArtifact, 0)
	if a != b {
		t.Fatalf("same inputs produced different ids: %s vs %s", a, b)
	}
	if a == ids.EntityID("cycle-1", EntityTypeDerivedArtifact, 1) {
		t.Fatal("different index should produce a different id")
	}
	if a == ids.EntityID("cycle-2", EntityTypeDerivedArtifact, 0) {
		t.Fatal("different cycle should produce a different id")
	}
}
