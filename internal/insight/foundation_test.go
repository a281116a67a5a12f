package insight

import (
	"context"
	"errors"
	"testing"
)

func TestFoundationPersistWritesAllOutputs(t *testing.T) {
	st := newMemStore()
	g := &memGraph{}
	p := NewFoundationPersister(st, st, g, DeterministicIDs{}, discardLogger())

	created, errs := p.Persist(context.Background(), "user-1", "cycle-1", validFoundationResult())
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if st.profiles["user-1"] == "" {
		t.Fatal("memory profile not written")
	}
	if len(st.keyPhrases["user-1"]) == 0 {
		t.Fatal("key phrases not written")
	}
	// memory profile artifact + opening artifact
	if len(st.artifacts) != 2 || len(created) != 2 {
		t.Fatalf("expected 2 artifacts, got %d stored, %d created", len(st.artifacts), len(created))
	}
	if g.artifacts != 2 {
		t.Fatalf("expected 2 graph mirrors, got %d", g.artifacts)
	}
}

func TestFoundationPersistSkipsEmptyOpening(t *testing.T) {
	st := newMemStore()
	p := NewFoundationPersister(st, st, nil, DeterministicIDs{}, discardLogger())

	result := validFoundationResult()
	result.Opening = Opening{}
	created, errs := p.Persist(context.Background(), "user-1", "cycle-1", result)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(created) != 1 {
		t.Fatalf("expected only the profile artifact, got %d", len(created))
	}
}

func TestFoundationPersistContinuesPastFailures(t *testing.T) {
	st := newMemStore()
	st.failures["UpdateMemoryProfile"] = errors.New("deadlock detected")
	p := NewFoundationPersister(st, st, nil, DeterministicIDs{}, discardLogger())

	created, errs := p.Persist(context.Background(), "user-1", "cycle-1", validFoundationResult())
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
	// artifacts and key phrases still written
	if len(created) != 2 {
		t.Fatalf("remaining writes should proceed, got %d created", len(created))
	}
	if len(st.keyPhrases["user-1"]) == 0 {
		t.Fatal("key phrases should still be written")
	}
}

func TestFoundationPersistKeyPhrasesOverwrite(t *testing.T) {
	st := newMemStore()
	st.keyPhrases["user-1"] = KeyPhrases{"topics": {"stale phrase"}}
	p := NewFoundationPersister(st, st, nil, DeterministicIDs{}, discardLogger())

	result := validFoundationResult()
	if _, errs := p.Persist(context.Background(), "user-1", "cycle-1", result); len(errs) != 0 {
		t.Fatalf("Persist: %v", errs)
	}
	got := st.keyPhrases["user-1"]
	if len(got["topics"]) != 2 || got["topics"][0] != "career change" {
		t.Fatalf("key phrases should be replaced wholesale, got %v", got)
	}
}
