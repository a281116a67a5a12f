package store

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/seren-labs/insightd/internal/insight"
)

// Re-persisting a cycle with deterministic IDs replays the same inserts; the
// conflict clause must swallow the duplicates without raising an error.
func TestEntityInsertsSuppressDuplicateIDs(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO derived_artifacts (id, user_id, cycle_id, type, title, content, source_concept_ids, source_memory_unit_ids, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
ON CONFLICT (id) DO NOTHING
`)).WithArgs("art-1", "user-1", "cycle-1", "strategic_insight", "Title", "Content",
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CreateDerivedArtifact(context.Background(), insight.DerivedArtifactRecord{
		ID: "art-1", UserID: "user-1", CycleID: "cycle-1",
		Type: "strategic_insight", Title: "Title", Content: "Content",
	})
	if err != nil {
		t.Fatalf("duplicate artifact insert should be a no-op: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO proactive_prompts (id, user_id, cycle_id, text, type, timing_hint, priority, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
ON CONFLICT (id) DO NOTHING
`)).WithArgs("pr-1", "user-1", "cycle-1", "Ask about the move", "reflection",
		sqlmock.AnyArg(), 1, "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.CreateProactivePrompt(context.Background(), insight.ProactivePromptRecord{
		ID: "pr-1", UserID: "user-1", CycleID: "cycle-1",
		Text: "Ask about the move", Type: "reflection", Priority: 1,
	})
	if err != nil {
		t.Fatalf("duplicate prompt insert should be a no-op: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO growth_events (id, user_id, cycle_id, dimension_key, delta_value, rationale, source_concept_ids, source_memory_unit_ids, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
ON CONFLICT (id) DO NOTHING
`)).WithArgs("ge-1", "user-1", "cycle-1", "self_awareness", 0.2,
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.CreateGrowthEvent(context.Background(), insight.GrowthEventRecord{
		ID: "ge-1", UserID: "user-1", CycleID: "cycle-1",
		DimensionKey: "self_awareness", DeltaValue: 0.2,
	})
	if err != nil {
		t.Fatalf("duplicate growth event insert should be a no-op: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO communities (id, user_id, cycle_id, name, theme, member_concept_ids, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (id) DO NOTHING
`)).WithArgs("com-1", "user-1", "cycle-1", "Career", "work", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.CreateCommunity(context.Background(), insight.CommunityRecord{
		ID: "com-1", UserID: "user-1", CycleID: "cycle-1",
		Name: "Career", Theme: "work", MemberConceptIDs: []string{"c-1", "c-2"},
	})
	if err != nil {
		t.Fatalf("duplicate community insert should be a no-op: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
