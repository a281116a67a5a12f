package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/seren-labs/insightd/internal/insight"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return &Store{DB: db}, mock, func() { _ = db.Close() }
}

func TestCreateCycleInsertsRunningRow(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO user_cycles (id, user_id, status, started_at)
VALUES ($1,$2,'running',NOW())
`)).WithArgs(sqlmock.AnyArg(), "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.CreateCycle(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("CreateCycle: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty cycle id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCompleteCycleWritesCounts(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	counts := insight.CycleCounts{
		DerivedArtifacts: 3,
		ProactivePrompts: 2,
		GrowthEvents:     1,
		ConceptsMerged:   2,
		ConceptsArchived: 1,
		Communities:      1,
	}
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE user_cycles
SET status='completed', ended_at=NOW(),
    artifact_count=$2, prompt_count=$3, growth_event_count=$4,
    concepts_merged=$5, concepts_archived=$6, communities_created=$7
WHERE id=$1 AND status='running'
`)).WithArgs("cycle-1", 3, 2, 1, 2, 1, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.CompleteCycle(context.Background(), "cycle-1", counts); err != nil {
		t.Fatalf("CompleteCycle: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCompleteCycleRejectsNonRunning(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("UPDATE user_cycles").
		WithArgs("cycle-1", 0, 0, 0, 0, 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CompleteCycle(context.Background(), "cycle-1", insight.CycleCounts{})
	if err == nil {
		t.Fatal("expected error when cycle is not running")
	}
}

func TestFailCyclePreservesPartialResults(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	partial := json.RawMessage(`{"stage_reached":"strategic"}`)
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE user_cycles
SET status='failed', ended_at=NOW(), error=$2, partial_results=$3
WHERE id=$1 AND status='running'
`)).WithArgs("cycle-1", "strategic stage failed", []byte(partial)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.FailCycle(context.Background(), "cycle-1", "strategic stage failed", partial); err != nil {
		t.Fatalf("FailCycle: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetCycleNotFound(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("SELECT id, user_id, status").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, found, err := s.GetCycle(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetCycle: %v", err)
	}
	if found {
		t.Fatal("expected found=false")
	}
}

func TestListCyclesScansLedgerRows(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	started := time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "status", "started_at", "ended_at",
		"artifact_count", "prompt_count", "growth_event_count",
		"concepts_merged", "concepts_archived", "communities_created",
		"error", "partial_results",
	}).
		AddRow("cycle-2", "user-1", "completed", started, ended, 4, 2, 1, 0, 0, 0, nil, nil).
		AddRow("cycle-1", "user-1", "failed", started.Add(-time.Hour), ended.Add(-time.Hour), 0, 0, 0, 0, 0, 0, "foundation stage failed", []byte(`{"stage_reached":"foundation"}`))

	mock.ExpectQuery("SELECT id, user_id, status").
		WithArgs("user-1", 10).
		WillReturnRows(rows)

	cycles, err := s.ListCycles(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("ListCycles: %v", err)
	}
	if len(cycles) != 2 {
		t.Fatalf("expected 2 cycles, got %d", len(cycles))
	}
	if cycles[0].Counts.DerivedArtifacts != 4 {
		t.Fatalf("expected 4 artifacts, got %d", cycles[0].Counts.DerivedArtifacts)
	}
	if cycles[1].Error != "foundation stage failed" {
		t.Fatalf("unexpected error field: %q", cycles[1].Error)
	}
	if len(cycles[1].PartialResults) == 0 {
		t.Fatal("expected partial results on failed cycle")
	}
}

func TestClaimIdempotencyReportsDuplicate(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs("cycle.enqueued", "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs("cycle.enqueued", "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := s.ClaimIdempotency(context.Background(), "cycle.enqueued", "evt-1")
	if err != nil || !first {
		t.Fatalf("first claim: %v %v", first, err)
	}
	second, err := s.ClaimIdempotency(context.Background(), "cycle.enqueued", "evt-1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second {
		t.Fatal("expected second claim to be rejected")
	}
}
