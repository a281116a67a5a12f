package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/seren-labs/insightd/internal/insight"
)

// Store wraps the relational database. It is the authoritative side of every
// dual write; graph and vector mirrors follow it best-effort.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens a Postgres connection pool and verifies connectivity.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.DB.Close() }

// ---------------------------------------------------------------------------
// Cycle ledger

// CreateCycle inserts a running ledger row and returns its id. The row is
// durable before any external call so every attempted cycle is auditable.
func (s *Store) CreateCycle(ctx context.Context, userID string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO user_cycles (id, user_id, status, started_at)
VALUES ($1,$2,'running',NOW())
`, id, userID)
	if err != nil {
		return "", fmt.Errorf("insert cycle: %w", err)
	}
	return id, nil
}

// CompleteCycle performs the terminal write for a successful cycle.
func (s *Store) CompleteCycle(ctx context.Context, cycleID string, counts insight.CycleCounts) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE user_cycles
SET status='completed', ended_at=NOW(),
    artifact_count=$2, prompt_count=$3, growth_event_count=$4,
    concepts_merged=$5, concepts_archived=$6, communities_created=$7
WHERE id=$1 AND status='running'
`, cycleID, counts.DerivedArtifacts, counts.ProactivePrompts, counts.GrowthEvents,
		counts.ConceptsMerged, counts.ConceptsArchived, counts.Communities)
	if err != nil {
		return fmt.Errorf("complete cycle: %w", err)
	}
	return requireRow(res, "cycle %s not in running state", cycleID)
}

// FailCycle performs the terminal write for a failed cycle, preserving
// whatever partial results were captured before the failure.
func (s *Store) FailCycle(ctx context.Context, cycleID, errMsg string, partial json.RawMessage) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE user_cycles
SET status='failed', ended_at=NOW(), error=$2, partial_results=$3
WHERE id=$1 AND status='running'
`, cycleID, errMsg, nullableJSON(partial))
	if err != nil {
		return fmt.Errorf("fail cycle: %w", err)
	}
	return requireRow(res, "cycle %s not in running state", cycleID)
}

// GetCycle fetches one ledger record.
func (s *Store) GetCycle(ctx context.Context, cycleID string) (insight.Cycle, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, status, started_at, ended_at,
       artifact_count, prompt_count, growth_event_count,
       concepts_merged, concepts_archived, communities_created,
       error, partial_results
FROM user_cycles
WHERE id=$1
`, cycleID)
	cycle, err := scanCycle(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return insight.Cycle{}, false, nil
		}
		return insight.Cycle{}, false, err
	}
	return cycle, true, nil
}

// ListCycles returns a user's cycles, newest first.
func (s *Store) ListCycles(ctx context.Context, userID string, limit int) ([]insight.Cycle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, status, started_at, ended_at,
       artifact_count, prompt_count, growth_event_count,
       concepts_merged, concepts_archived, communities_created,
       error, partial_results
FROM user_cycles
WHERE user_id=$1
ORDER BY started_at DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []insight.Cycle
	for rows.Next() {
		cycle, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cycle)
	}
	return out, rows.Err()
}

// HasRunningCycle reports whether the user already has an active cycle.
// The scheduler uses this to enforce single-active-cycle-per-user.
func (s *Store) HasRunningCycle(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `
SELECT EXISTS(SELECT 1 FROM user_cycles WHERE user_id=$1 AND status='running')
`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check running cycle: %w", err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCycle(row rowScanner) (insight.Cycle, error) {
	var cycle insight.Cycle
	var endedAt sql.NullTime
	var errMsg sql.NullString
	var partial []byte
	if err := row.Scan(&cycle.ID, &cycle.UserID, &cycle.Status, &cycle.StartedAt, &endedAt,
		&cycle.Counts.DerivedArtifacts, &cycle.Counts.ProactivePrompts, &cycle.Counts.GrowthEvents,
		&cycle.Counts.ConceptsMerged, &cycle.Counts.ConceptsArchived, &cycle.Counts.Communities,
		&errMsg, &partial); err != nil {
		return insight.Cycle{}, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		cycle.EndedAt = &t
	}
	if errMsg.Valid {
		cycle.Error = errMsg.String
	}
	if len(partial) > 0 {
		cycle.PartialResults = json.RawMessage(partial)
	}
	return cycle, nil
}

// ---------------------------------------------------------------------------
// Activity reads (context compiler)

// RecentConversations returns high-importance conversations in-window.
func (s *Store) RecentConversations(ctx context.Context, userID string, w insight.TimeWindow) ([]insight.ConversationSummary, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, title, summary, importance, started_at
FROM conversations
WHERE user_id=$1 AND started_at >= $2 AND started_at < $3 AND importance >= 0.5
ORDER BY importance DESC, started_at DESC
`, userID, w.Since, w.Until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []insight.ConversationSummary
	for rows.Next() {
		var c insight.ConversationSummary
		var title, summary sql.NullString
		if err := rows.Scan(&c.ID, &title, &summary, &c.Importance, &c.StartedAt); err != nil {
			return nil, err
		}
		c.Title = title.String
		c.Summary = summary.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecentMemoryUnits returns memory units created in-window.
func (s *Store) RecentMemoryUnits(ctx context.Context, userID string, w insight.TimeWindow) ([]insight.MemoryUnit, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, content, importance, created_at
FROM memory_units
WHERE user_id=$1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at DESC
`, userID, w.Since, w.Until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []insight.MemoryUnit
	for rows.Next() {
		var m insight.MemoryUnit
		if err := rows.Scan(&m.ID, &m.Content, &m.Importance, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentConcepts returns active concepts created or updated in-window.
func (s *Store) RecentConcepts(ctx context.Context, userID string, w insight.TimeWindow) ([]insight.Concept, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, name, description, status, merged_into_concept_id, created_at, updated_at
FROM concepts
WHERE user_id=$1 AND status='active' AND (created_at >= $2 OR updated_at >= $2) AND created_at < $3
ORDER BY updated_at DESC
`, userID, w.Since, w.Until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConcepts(rows)
}

// ConceptsNeedingSynthesis returns concepts updated in-window but created
// before it; their descriptions are stale relative to recent activity.
func (s *Store) ConceptsNeedingSynthesis(ctx context.Context, userID string, w insight.TimeWindow) ([]insight.Concept, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, name, description, status, merged_into_concept_id, created_at, updated_at
FROM concepts
WHERE user_id=$1 AND status='active' AND updated_at >= $2 AND created_at < $2
ORDER BY updated_at DESC
`, userID, w.Since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConcepts(rows)
}

func scanConcepts(rows *sql.Rows) ([]insight.Concept, error) {
	var out []insight.Concept
	for rows.Next() {
		var c insight.Concept
		var description, mergedInto sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &description, &c.Status, &mergedInto, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Description = description.String
		c.MergedIntoConceptID = mergedInto.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecentGrowthEvents returns growth events created in-window.
func (s *Store) RecentGrowthEvents(ctx context.Context, userID string, w insight.TimeWindow) ([]insight.GrowthEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, dimension_key, delta_value, rationale, source_concept_ids, source_memory_unit_ids, created_at
FROM growth_events
WHERE user_id=$1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at DESC
`, userID, w.Since, w.Until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []insight.GrowthEvent
	for rows.Next() {
		var g insight.GrowthEvent
		var rationale sql.NullString
		var conceptIDs, memoryUnitIDs pq.StringArray
		if err := rows.Scan(&g.ID, &g.DimensionKey, &g.DeltaValue, &rationale, &conceptIDs, &memoryUnitIDs, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.UserID = userID
		g.Rationale = rationale.String
		g.SourceConceptIDs = conceptIDs
		g.SourceMemoryUnitIDs = memoryUnitIDs
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetKeyPhrases fetches the user's key phrases from the previous cycle.
func (s *Store) GetKeyPhrases(ctx context.Context, userID string) (insight.KeyPhrases, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx, `SELECT key_phrases FROM users WHERE id=$1`, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s not found", userID)
		}
		return nil, err
	}
	if len(raw) == 0 {
		return insight.KeyPhrases{}, nil
	}
	var kp insight.KeyPhrases
	if err := json.Unmarshal(raw, &kp); err != nil {
		return nil, fmt.Errorf("decode key phrases: %w", err)
	}
	return kp, nil
}

// ---------------------------------------------------------------------------
// Profile writes (foundation persister)

// UpdateMemoryProfile overwrites the user's memory-profile narrative.
func (s *Store) UpdateMemoryProfile(ctx context.Context, userID, profile string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE users SET memory_profile=$2, updated_at=NOW() WHERE id=$1
`, userID, profile)
	if err != nil {
		return fmt.Errorf("update memory profile: %w", err)
	}
	return requireRow(res, "user %s not found", userID)
}

// UpdateKeyPhrases overwrites (not merges) the user's key phrases.
func (s *Store) UpdateKeyPhrases(ctx context.Context, userID string, kp insight.KeyPhrases) error {
	raw, err := json.Marshal(kp)
	if err != nil {
		return fmt.Errorf("encode key phrases: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE users SET key_phrases=$2, updated_at=NOW() WHERE id=$1
`, userID, raw)
	if err != nil {
		return fmt.Errorf("update key phrases: %w", err)
	}
	return requireRow(res, "user %s not found", userID)
}

// ---------------------------------------------------------------------------
// Entity writes (both persisters)

// CreateDerivedArtifact inserts a cycle-tagged artifact row.
func (s *Store) CreateDerivedArtifact(ctx context.Context, rec insight.DerivedArtifactRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode artifact metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO derived_artifacts (id, user_id, cycle_id, type, title, content, source_concept_ids, source_memory_unit_ids, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
ON CONFLICT (id) DO NOTHING
`, rec.ID, rec.UserID, rec.CycleID, rec.Type, rec.Title, rec.Content,
		pq.Array(rec.SourceConceptIDs), pq.Array(rec.SourceMemoryUnitIDs), meta)
	if err != nil {
		return fmt.Errorf("insert derived artifact: %w", err)
	}
	return nil
}

// CreateProactivePrompt inserts a pending prompt row. Status transitions are
// owned by the consuming UI layer.
func (s *Store) CreateProactivePrompt(ctx context.Context, rec insight.ProactivePromptRecord) error {
	status := rec.Status
	if status == "" {
		status = "pending"
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO proactive_prompts (id, user_id, cycle_id, text, type, timing_hint, priority, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
ON CONFLICT (id) DO NOTHING
`, rec.ID, rec.UserID, rec.CycleID, rec.Text, rec.Type, nullableString(rec.TimingHint), rec.Priority, status)
	if err != nil {
		return fmt.Errorf("insert proactive prompt: %w", err)
	}
	return nil
}

// CreateGrowthEvent appends to the growth-event ledger. Rows are never
// updated or deleted.
func (s *Store) CreateGrowthEvent(ctx context.Context, rec insight.GrowthEventRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO growth_events (id, user_id, cycle_id, dimension_key, delta_value, rationale, source_concept_ids, source_memory_unit_ids, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
ON CONFLICT (id) DO NOTHING
`, rec.ID, rec.UserID, rec.CycleID, rec.DimensionKey, rec.DeltaValue, nullableString(rec.Rationale),
		pq.Array(rec.SourceConceptIDs), pq.Array(rec.SourceMemoryUnitIDs))
	if err != nil {
		return fmt.Errorf("insert growth event: %w", err)
	}
	return nil
}

// CreateCommunity inserts a concept community row.
func (s *Store) CreateCommunity(ctx context.Context, rec insight.CommunityRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO communities (id, user_id, cycle_id, name, theme, member_concept_ids, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (id) DO NOTHING
`, rec.ID, rec.UserID, rec.CycleID, rec.Name, rec.Theme, pq.Array(rec.MemberConceptIDs))
	if err != nil {
		return fmt.Errorf("insert community: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Ontology mutations

// MergeConcepts marks secondaries merged into the primary and applies the
// instruction's name/description to the primary, in one transaction. The
// primary itself is never marked merged. Returns the number of secondaries
// actually transitioned.
func (s *Store) MergeConcepts(ctx context.Context, userID string, m insight.ConceptMerge) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin merge tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
UPDATE concepts
SET status='merged', merged_into_concept_id=$1, updated_at=NOW()
WHERE user_id=$2 AND id = ANY($3) AND id <> $1 AND status <> 'merged'
`, m.PrimaryID, userID, pq.Array(m.SecondaryIDs))
	if err != nil {
		return 0, fmt.Errorf("mark secondaries merged: %w", err)
	}
	merged, _ := res.RowsAffected()

	_, err = tx.ExecContext(ctx, `
UPDATE concepts
SET name = COALESCE(NULLIF($2,''), name),
    description = COALESCE(NULLIF($3,''), description),
    updated_at = NOW()
WHERE user_id=$4 AND id=$1 AND status='active'
`, m.PrimaryID, m.NewName, m.NewDescription, userID)
	if err != nil {
		return 0, fmt.Errorf("update primary concept: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit merge: %w", err)
	}
	return int(merged), nil
}

// ArchiveConcept retires a concept, keeping the rationale and optional
// replacement. One-way transition.
func (s *Store) ArchiveConcept(ctx context.Context, userID string, a insight.ConceptArchive) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE concepts
SET status='archived', archive_rationale=$3, replacement_concept_id=$4, updated_at=NOW()
WHERE user_id=$1 AND id=$2 AND status='active'
`, userID, a.ConceptID, nullableString(a.Rationale), nullableString(a.ReplacementConceptID))
	if err != nil {
		return fmt.Errorf("archive concept: %w", err)
	}
	return requireRow(res, "concept %s not active", a.ConceptID)
}

// UpdateConceptDescription overwrites a concept's description with
// LLM-synthesised text.
func (s *Store) UpdateConceptDescription(ctx context.Context, conceptID, description string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE concepts SET description=$2, updated_at=NOW() WHERE id=$1 AND status='active'
`, conceptID, description)
	if err != nil {
		return fmt.Errorf("update concept description: %w", err)
	}
	return requireRow(res, "concept %s not active", conceptID)
}

// ---------------------------------------------------------------------------
// Idempotency (queue consumers)

// ClaimIdempotency atomically claims a (scope, key) pair; false means another
// consumer already processed this event.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO idempotency_keys (scope, key, claimed_at)
VALUES ($1,$2,NOW())
ON CONFLICT (scope, key) DO NOTHING
`, scope, key)
	if err != nil {
		return false, fmt.Errorf("claim idempotency: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ListActiveUserIDs returns users eligible for a scheduled cycle.
func (s *Store) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id FROM users WHERE cycles_enabled = TRUE ORDER BY id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// helpers

func requireRow(res sql.Result, format string, args ...interface{}) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf(format, args...)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
