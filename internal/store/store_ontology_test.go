package store

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/seren-labs/insightd/internal/insight"
)

func TestMergeConceptsCountsSecondariesOnly(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	merge := insight.ConceptMerge{
		PrimaryID:      "c-primary",
		SecondaryIDs:   []string{"c-a", "c-b", "c-primary"},
		NewName:        "Career Growth",
		NewDescription: "Unified career concept",
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE concepts").
		WithArgs("c-primary", "user-1", pq.Array(merge.SecondaryIDs)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE concepts").
		WithArgs("c-primary", "Career Growth", "Unified career concept", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	merged, err := s.MergeConcepts(context.Background(), "user-1", merge)
	if err != nil {
		t.Fatalf("MergeConcepts: %v", err)
	}
	// Primary listed among secondaries is excluded by the WHERE clause, so
	// only the two true secondaries count.
	if merged != 2 {
		t.Fatalf("expected 2 merged, got %d", merged)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMergeConceptsRollsBackOnPrimaryUpdateFailure(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE concepts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE concepts").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	_, err := s.MergeConcepts(context.Background(), "user-1", insight.ConceptMerge{
		PrimaryID:    "c-primary",
		SecondaryIDs: []string{"c-a"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestArchiveConceptOnlyArchivesActive(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("UPDATE concepts").
		WithArgs("user-1", "c-old", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ArchiveConcept(context.Background(), "user-1", insight.ConceptArchive{
		ConceptID: "c-old",
		Rationale: "superseded",
	})
	if err == nil {
		t.Fatal("expected error archiving non-active concept")
	}
}

func TestUpdateConceptDescription(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("UPDATE concepts SET description").
		WithArgs("c-1", "Synthesised description of recent activity.").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpdateConceptDescription(context.Background(), "c-1", "Synthesised description of recent activity."); err != nil {
		t.Fatalf("UpdateConceptDescription: %v", err)
	}
}
