package insight

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// Cycle statuses persisted to the ledger.
const (
	CycleStatusRunning   = "running"
	CycleStatusCompleted = "completed"
	CycleStatusFailed    = "failed"
)

// Concept lifecycle statuses.
const (
	ConceptStatusActive   = "active"
	ConceptStatusMerged   = "merged"
	ConceptStatusArchived = "archived"
)

// Derived artifact types created by the two stages.
const (
	ArtifactTypeMemoryProfile    = "memory_profile"
	ArtifactTypeOpening          = "opening"
	ArtifactTypeStrategicInsight = "strategic_insight"
)

// Entity types referenced by embedding jobs and graph mirrors.
const (
	EntityTypeDerivedArtifact = "derived_artifact"
	EntityTypeProactivePrompt = "proactive_prompt"
	EntityTypeGrowthEvent     = "growth_event"
	EntityTypeConcept         = "concept"
	EntityTypeMemoryUnit      = "memory_unit"
)

// TimeWindow bounds the activity considered by one cycle.
type TimeWindow struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// Window builds the lookback window ending at now.
func Window(now time.Time, lookbackDays int) TimeWindow {
	return TimeWindow{Since: now.AddDate(0, 0, -lookbackDays), Until: now}
}

// KeyPhrases is a categorised set of continuity seeds carried between cycles.
type KeyPhrases map[string][]string

// Flatten returns all phrases across categories, deduplicated, order stable by category name.
func (kp KeyPhrases) Flatten() []string {
	if len(kp) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, category := range sortedKeys(kp) {
		for _, phrase := range kp[category] {
			if phrase == "" {
				continue
			}
			if _, ok := seen[phrase]; ok {
				continue
			}
			seen[phrase] = struct{}{}
			out = append(out, phrase)
		}
	}
	return out
}

func sortedKeys(kp KeyPhrases) []string {
	keys := make([]string, 0, len(kp))
	for k := range kp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ConversationSummary is the slice of a conversation the compiler feeds to the stages.
type ConversationSummary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Importance float64   `json:"importance"`
	StartedAt  time.Time `json:"started_at"`
}

// MemoryUnit is a granular remembered item extracted from user activity.
type MemoryUnit struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
}

// Concept is a long-lived knowledge-graph entity.
type Concept struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Description         string    `json:"description,omitempty"`
	Status              string    `json:"status"`
	MergedIntoConceptID string    `json:"merged_into_concept_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// GrowthEvent is an append-only delta along a personal-growth dimension.
type GrowthEvent struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	DimensionKey        string    `json:"dimension_key"`
	DeltaValue          float64   `json:"delta_value"`
	Rationale           string    `json:"rationale,omitempty"`
	SourceConceptIDs    []string  `json:"source_concept_ids,omitempty"`
	SourceMemoryUnitIDs []string  `json:"source_memory_unit_ids,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// RetrievalRequest is the call shape of the semantic retrieval service.
type RetrievalRequest struct {
	UserID     string   `json:"user_id"`
	KeyPhrases []string `json:"key_phrases"`
	Scenario   string   `json:"scenario"`
	MaxResults int      `json:"max_results"`
}

// RetrievalResult is the ranked historical context returned by the retrieval service.
type RetrievalResult struct {
	MemoryUnits []MemoryUnit      `json:"retrieved_memory_units"`
	Concepts    []Concept         `json:"retrieved_concepts"`
	Artifacts   []ArtifactSummary `json:"retrieved_artifacts"`
	Summary     string            `json:"summary,omitempty"`
}

// ArtifactSummary is the compact form of a previously created derived artifact.
type ArtifactSummary struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// CycleContext is the compiled input handed to the Foundation stage.
type CycleContext struct {
	UserID              string                `json:"user_id"`
	Window              TimeWindow            `json:"window"`
	Conversations       []ConversationSummary `json:"conversations"`
	MemoryUnits         []MemoryUnit          `json:"memory_units"`
	Concepts            []Concept             `json:"concepts"`
	GrowthEvents        []GrowthEvent         `json:"growth_events"`
	PreviousKeyPhrases  KeyPhrases            `json:"previous_key_phrases"`
	Retrieved           RetrievalResult       `json:"retrieved"`
	SynthesisCandidates []Concept             `json:"synthesis_candidates"`
}

// IsEmpty reports whether no in-window activity was found.
func (c CycleContext) IsEmpty() bool {
	return len(c.Conversations) == 0 && len(c.MemoryUnits) == 0 &&
		len(c.Concepts) == 0 && len(c.GrowthEvents) == 0
}

// ToolUsage captures cost accounting reported by a stage tool.
type ToolUsage struct {
	Model      string  `json:"model"`
	TokensUsed int64   `json:"tokens_used"`
	Cost       float64 `json:"cost"`
}

// Opening is the narrative artifact the Foundation stage produces for the next session.
type Opening struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// FoundationResult is the validated output of the Foundation stage.
type FoundationResult struct {
	MemoryProfile string          `json:"memory_profile"`
	Opening       Opening         `json:"opening"`
	KeyPhrases    KeyPhrases      `json:"key_phrases"`
	PromptText    string          `json:"-"`
	Usage         ToolUsage       `json:"-"`
	Raw           json.RawMessage `json:"-"`
}

// ArtifactDraft is a derived artifact proposed by the Strategic stage.
type ArtifactDraft struct {
	Type                string                 `json:"type"`
	Title               string                 `json:"title"`
	Content             string                 `json:"content"`
	SourceConceptIDs    []string               `json:"source_concept_ids,omitempty"`
	SourceMemoryUnitIDs []string               `json:"source_memory_unit_ids,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// PromptDraft is a proactive prompt proposed by the Strategic stage.
type PromptDraft struct {
	Text       string `json:"text"`
	Type       string `json:"type"`
	TimingHint string `json:"timing_hint,omitempty"`
	Priority   int    `json:"priority"`
}

// GrowthEventDraft is a growth-dimension delta proposed by the Strategic stage.
type GrowthEventDraft struct {
	DimensionKey        string   `json:"dimension_key"`
	DeltaValue          float64  `json:"delta_value"`
	Rationale           string   `json:"rationale,omitempty"`
	SourceConceptIDs    []string `json:"source_concept_ids,omitempty"`
	SourceMemoryUnitIDs []string `json:"source_memory_unit_ids,omitempty"`
}

// ConceptMerge instructs consolidation of secondary concepts into a primary.
type ConceptMerge struct {
	PrimaryID      string   `json:"primary_id"`
	SecondaryIDs   []string `json:"secondary_ids"`
	NewName        string   `json:"new_name,omitempty"`
	NewDescription string   `json:"new_description,omitempty"`
}

// ConceptArchive instructs retiring a concept.
type ConceptArchive struct {
	ConceptID            string `json:"concept_id"`
	Rationale            string `json:"rationale,omitempty"`
	ReplacementConceptID string `json:"replacement_concept_id,omitempty"`
}

// CommunityDraft instructs creation of a named concept cluster.
type CommunityDraft struct {
	Name             string   `json:"name"`
	Theme            string   `json:"theme"`
	MemberConceptIDs []string `json:"member_concept_ids"`
}

// DescriptionSynthesis carries LLM-synthesised text for a concept description.
type DescriptionSynthesis struct {
	ConceptID   string `json:"concept_id"`
	Description string `json:"description"`
}

// ConceptRelationship is a new typed edge between two concepts.
type ConceptRelationship struct {
	FromConceptID string  `json:"from_concept_id"`
	ToConceptID   string  `json:"to_concept_id"`
	Type          string  `json:"type"`
	Strength      float64 `json:"strength"`
}

// StrategicResult is the validated output of the Strategic stage.
type StrategicResult struct {
	DerivedArtifacts     []ArtifactDraft        `json:"derived_artifacts"`
	ProactivePrompts     []PromptDraft          `json:"proactive_prompts"`
	GrowthEvents         []GrowthEventDraft     `json:"growth_events"`
	ConceptMerges        []ConceptMerge         `json:"concepts_to_merge"`
	ConceptArchives      []ConceptArchive       `json:"concepts_to_archive"`
	Communities          []CommunityDraft       `json:"communities_to_create"`
	DescriptionSyntheses []DescriptionSynthesis `json:"concept_descriptions"`
	Relationships        []ConceptRelationship  `json:"strategic_relationships"`
	Usage                ToolUsage              `json:"-"`
	Raw                  json.RawMessage        `json:"-"`
}

// CreatedEntity identifies one row written during persistence.
type CreatedEntity struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"-"`
}

// CycleCounts aggregates entities created across both stages.
type CycleCounts struct {
	DerivedArtifacts int `json:"derived_artifacts"`
	ProactivePrompts int `json:"proactive_prompts"`
	GrowthEvents     int `json:"growth_events"`
	ConceptsMerged   int `json:"concepts_merged"`
	ConceptsArchived int `json:"concepts_archived"`
	Communities      int `json:"communities"`
}

// Total sums all created content entities for the completion notification.
func (c CycleCounts) Total() int {
	return c.DerivedArtifacts + c.ProactivePrompts + c.GrowthEvents
}

// CycleResult is the terminal outcome of one orchestration run.
type CycleResult struct {
	CycleID    string          `json:"cycle_id"`
	UserID     string          `json:"user_id"`
	Status     string          `json:"status"`
	Counts     CycleCounts     `json:"counts"`
	Created    []CreatedEntity `json:"created"`
	Errors     []string        `json:"errors,omitempty"`
	Duration   time.Duration   `json:"duration"`
	TokensUsed int64           `json:"tokens_used"`
	Cost       float64         `json:"cost"`
}

// Cycle is the durable per-run ledger record.
type Cycle struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Status         string          `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	Counts         CycleCounts     `json:"counts"`
	Error          string          `json:"error,omitempty"`
	PartialResults json.RawMessage `json:"partial_results,omitempty"`
}

// DerivedArtifactRecord is the persisted form of an artifact.
type DerivedArtifactRecord struct {
	ID                  string                 `json:"id"`
	UserID              string                 `json:"user_id"`
	CycleID             string                 `json:"cycle_id"`
	Type                string                 `json:"type"`
	Title               string                 `json:"title"`
	Content             string                 `json:"content"`
	SourceConceptIDs    []string               `json:"source_concept_ids,omitempty"`
	SourceMemoryUnitIDs []string               `json:"source_memory_unit_ids,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// ProactivePromptRecord is the persisted form of a proactive prompt.
type ProactivePromptRecord struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	CycleID    string `json:"cycle_id"`
	Text       string `json:"text"`
	Type       string `json:"type"`
	TimingHint string `json:"timing_hint,omitempty"`
	Priority   int    `json:"priority"`
	Status     string `json:"status"`
}

// GrowthEventRecord is the persisted form of a growth event.
type GrowthEventRecord struct {
	ID                  string   `json:"id"`
	UserID              string   `json:"user_id"`
	CycleID             string   `json:"cycle_id"`
	DimensionKey        string   `json:"dimension_key"`
	DeltaValue          float64  `json:"delta_value"`
	Rationale           string   `json:"rationale,omitempty"`
	SourceConceptIDs    []string `json:"source_concept_ids,omitempty"`
	SourceMemoryUnitIDs []string `json:"source_memory_unit_ids,omitempty"`
}

// CommunityRecord is the persisted form of a concept community.
type CommunityRecord struct {
	ID               string   `json:"id"`
	UserID           string   `json:"user_id"`
	CycleID          string   `json:"cycle_id"`
	Name             string   `json:"name"`
	Theme            string   `json:"theme"`
	MemberConceptIDs []string `json:"member_concept_ids"`
}

// EmbeddingJob is the payload handed to the embedding queue for a new entity.
type EmbeddingJob struct {
	EntityID    string `json:"entity_id"`
	EntityType  string `json:"entity_type"`
	TextContent string `json:"text_content"`
	UserID      string `json:"user_id"`
}

// CycleCompleted is the completion notification payload.
type CycleCompleted struct {
	CycleID       string    `json:"cycle_id"`
	UserID        string    `json:"user_id"`
	EntitiesTotal int       `json:"entities_total"`
	CompletedAt   time.Time `json:"completed_at"`
}

// CycleLedger owns the durable per-run record.
type CycleLedger interface {
	CreateCycle(ctx context.Context, userID string) (string, error)
	CompleteCycle(ctx context.Context, cycleID string, counts CycleCounts) error
	FailCycle(ctx context.Context, cycleID, errMsg string, partial json.RawMessage) error
}

// ActivityReader gathers in-window user activity for the compiler.
type ActivityReader interface {
	RecentConversations(ctx context.Context, userID string, w TimeWindow) ([]ConversationSummary, error)
	RecentMemoryUnits(ctx context.Context, userID string, w TimeWindow) ([]MemoryUnit, error)
	RecentConcepts(ctx context.Context, userID string, w TimeWindow) ([]Concept, error)
	RecentGrowthEvents(ctx context.Context, userID string, w TimeWindow) ([]GrowthEvent, error)
	ConceptsNeedingSynthesis(ctx context.Context, userID string, w TimeWindow) ([]Concept, error)
	GetKeyPhrases(ctx context.Context, userID string) (KeyPhrases, error)
}

// ProfileWriter persists Foundation-stage user-level outputs.
type ProfileWriter interface {
	UpdateMemoryProfile(ctx context.Context, userID, profile string) error
	UpdateKeyPhrases(ctx context.Context, userID string, kp KeyPhrases) error
}

// EntityWriter creates cycle-tagged content rows.
type EntityWriter interface {
	CreateDerivedArtifact(ctx context.Context, rec DerivedArtifactRecord) error
	CreateProactivePrompt(ctx context.Context, rec ProactivePromptRecord) error
	CreateGrowthEvent(ctx context.Context, rec GrowthEventRecord) error
	CreateCommunity(ctx context.Context, rec CommunityRecord) error
}

// OntologyStore performs relational concept mutations.
type OntologyStore interface {
	MergeConcepts(ctx context.Context, userID string, m ConceptMerge) (int, error)
	ArchiveConcept(ctx context.Context, userID string, a ConceptArchive) error
	UpdateConceptDescription(ctx context.Context, conceptID, description string) error
}

// GraphStore mirrors ontology mutations and entity provenance into the graph database.
// All methods are best-effort from the caller's point of view.
type GraphStore interface {
	MergeConcepts(ctx context.Context, userID string, m ConceptMerge) error
	ArchiveConcept(ctx context.Context, userID string, a ConceptArchive) error
	CreateCommunity(ctx context.Context, rec CommunityRecord) error
	CreateRelationship(ctx context.Context, userID, relationshipID string, rel ConceptRelationship) error
	UpdateConceptDescription(ctx context.Context, conceptID, description string) error
	MirrorArtifact(ctx context.Context, rec DerivedArtifactRecord) error
	MirrorPrompt(ctx context.Context, rec ProactivePromptRecord) error
}

// FoundationTool executes the first analysis stage.
type FoundationTool interface {
	Execute(ctx context.Context, input CycleContext) (FoundationResult, error)
}

// StrategicTool executes the second analysis stage as a continuation of the
// Foundation prompt so the transport can reuse cached context.
type StrategicTool interface {
	Execute(ctx context.Context, input CycleContext, foundation FoundationResult, priorPromptText string) (StrategicResult, error)
}

// RetrievalTool is the black-box semantic retrieval service boundary.
type RetrievalTool interface {
	Execute(ctx context.Context, req RetrievalRequest) (RetrievalResult, error)
}

// EventPublisher hands off downstream work to the queues.
type EventPublisher interface {
	PublishEmbeddingJob(ctx context.Context, job EmbeddingJob) error
	PublishCycleCompleted(ctx context.Context, note CycleCompleted) error
}
