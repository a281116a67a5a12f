package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func testWindow() TimeWindow {
	until := time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC)
	return TimeWindow{Since: until.AddDate(0, 0, -7), Until: until}
}

// memStore is an in-memory implementation of the persistence interfaces used
// across the cycle. Individual operations can be forced to fail by name.
type memStore struct {
	failures map[string]error

	cycles        map[string]*Cycle
	nextCycle     int
	profiles      map[string]string
	keyPhrases    map[string]KeyPhrases
	artifacts     []DerivedArtifactRecord
	prompts       []ProactivePromptRecord
	growthEvents  []GrowthEventRecord
	communities   []CommunityRecord
	mergedPer     map[string]int
	archived      []string
	descriptions  map[string]string
	conversations []ConversationSummary
	memoryUnits   []MemoryUnit
	concepts      []Concept
	recentGrowth  []GrowthEvent
	prevPhrases   KeyPhrases
}

func newMemStore() *memStore {
	return &memStore{
		failures:     map[string]error{},
		cycles:       map[string]*Cycle{},
		profiles:     map[string]string{},
		keyPhrases:   map[string]KeyPhrases{},
		mergedPer:    map[string]int{},
		descriptions: map[string]string{},
		prevPhrases:  KeyPhrases{},
	}
}

func (m *memStore) fail(op string) error { return m.failures[op] }

// CycleLedger

func (m *memStore) CreateCycle(_ context.Context, userID string) (string, error) {
	if err := m.fail("CreateCycle"); err != nil {
		return "", err
	}
	m.nextCycle++
	id := fmt.Sprintf("cycle-%d", m.nextCycle)
	m.cycles[id] = &Cycle{ID: id, UserID: userID, Status: CycleStatusRunning, StartedAt: time.Now()}
	return id, nil
}

func (m *memStore) CompleteCycle(_ context.Context, cycleID string, counts CycleCounts) error {
	if err := m.fail("CompleteCycle"); err != nil {
		return err
	}
	c, ok := m.cycles[cycleID]
	if !ok || c.Status != CycleStatusRunning {
		return fmt.Errorf("cycle %s not running", cycleID)
	}
	c.Status = CycleStatusCompleted
	c.Counts = counts
	return nil
}

func (m *memStore) FailCycle(_ context.Context, cycleID, errMsg string, partial json.RawMessage) error {
	if err := m.fail("FailCycle"); err != nil {
		return err
	}
	c, ok := m.cycles[cycleID]
	if !ok || c.Status != CycleStatusRunning {
		return fmt.Errorf("cycle %s not running", cycleID)
	}
	c.Status = CycleStatusFailed
	c.Error = errMsg
	c.PartialResults = partial
	return nil
}

// ActivityReader

func (m *memStore) RecentConversations(_ context.Context, _ string, _ TimeWindow) ([]ConversationSummary, error) {
	return m.conversations, m.fail("RecentConversations")
}

func (m *memStore) RecentMemoryUnits(_ context.Context, _ string, _ TimeWindow) ([]MemoryUnit, error) {
	return m.memoryUnits, m.fail("RecentMemoryUnits")
}

func (m *memStore) RecentConcepts(_ context.Context, _ string, _ TimeWindow) ([]Concept, error) {
	return m.concepts, m.fail("RecentConcepts")
}

func (m *memStore) RecentGrowthEvents(_ context.Context, _ string, _ TimeWindow) ([]GrowthEvent, error) {
	return m.recentGrowth, m.fail("RecentGrowthEvents")
}

func (m *memStore) ConceptsNeedingSynthesis(_ context.Context, _ string, _ TimeWindow) ([]Concept, error) {
	return nil, m.fail("ConceptsNeedingSynthesis")
}

func (m *memStore) GetKeyPhrases(_ context.Context, _ string) (KeyPhrases, error) {
	return m.prevPhrases, m.fail("GetKeyPhrases")
}

// ProfileWriter

func (m *memStore) UpdateMemoryProfile(_ context.Context, userID, profile string) error {
	if err := m.fail("UpdateMemoryProfile"); err != nil {
		return err
	}
	m.profiles[userID] = profile
	return nil
}

func (m *memStore) UpdateKeyPhrases(_ context.Context, userID string, kp KeyPhrases) error {
	if err := m.fail("UpdateKeyPhrases"); err != nil {
		return err
	}
	m.keyPhrases[userID] = kp
	return nil
}

// EntityWriter

func (m *memStore) CreateDerivedArtifact(_ context.Context, rec DerivedArtifactRecord) error {
	if err := m.fail("CreateDerivedArtifact"); err != nil {
		return err
	}
	m.artifacts = append(m.artifacts, rec)
	return nil
}

func (m *memStore) CreateProactivePrompt(_ context.Context, rec ProactivePromptRecord) error {
	if err := m.fail("CreateProactivePrompt"); err != nil {
		return err
	}
	m.prompts = append(m.prompts, rec)
	return nil
}

func (m *memStore) CreateGrowthEvent(_ context.Context, rec GrowthEventRecord) error {
	if err := m.fail("CreateGrowthEvent"); err != nil {
		return err
	}
	m.growthEvents = append(m.growthEvents, rec)
	return nil
}

func (m *memStore) CreateCommunity(_ context.Context, rec CommunityRecord) error {
	if err := m.fail("CreateCommunity"); err != nil {
		return err
	}
	m.communities = append(m.communities, rec)
	return nil
}

// OntologyStore

func (m *memStore) MergeConcepts(_ context.Context, _ string, merge ConceptMerge) (int, error) {
	if err := m.fail("MergeConcepts"); err != nil {
		return 0, err
	}
	merged := 0
	for _, id := range merge.SecondaryIDs {
		if id != merge.PrimaryID {
			merged++
		}
	}
	m.mergedPer[merge.PrimaryID] += merged
	return merged, nil
}

func (m *memStore) ArchiveConcept(_ context.Context, _ string, a ConceptArchive) error {
	if err := m.fail("ArchiveConcept"); err != nil {
		return err
	}
	m.archived = append(m.archived, a.ConceptID)
	return nil
}

func (m *memStore) UpdateConceptDescription(_ context.Context, conceptID, description string) error {
	if err := m.fail("UpdateConceptDescription"); err != nil {
		return err
	}
	m.descriptions[conceptID] = description
	return nil
}

// memGraph records graph mirror calls and can fail wholesale.
type memGraph struct {
	err           error
	merges        int
	archives      int
	communities   int
	relationships int
	descriptions  int
	artifacts     int
	prompts       int
}

func (g *memGraph) MergeConcepts(context.Context, string, ConceptMerge) error {
	if g.err != nil {
		return g.err
	}
	g.merges++
	return nil
}

func (g *memGraph) ArchiveConcept(context.Context, string, ConceptArchive) error {
	if g.err != nil {
		return g.err
	}
	g.archives++
	return nil
}

func (g *memGraph) CreateCommunity(context.Context, CommunityRecord) error {
	if g.err != nil {
		return g.err
	}
	g.communities++
	return nil
}

func (g *memGraph) CreateRelationship(context.Context, string, string, ConceptRelationship) error {
	if g.err != nil {
		return g.err
	}
	g.relationships++
	return nil
}

func (g *memGraph) UpdateConceptDescription(context.Context, string, string) error {
	if g.err != nil {
		return g.err
	}
	g.descriptions++
	return nil
}

func (g *memGraph) MirrorArtifact(context.Context, DerivedArtifactRecord) error {
	if g.err != nil {
		return g.err
	}
	g.artifacts++
	return nil
}

func (g *memGraph) MirrorPrompt(context.Context, ProactivePromptRecord) error {
	if g.err != nil {
		return g.err
	}
	g.prompts++
	return nil
}

// stage tool fakes

type fakeFoundationTool struct {
	result FoundationResult
	err    error
	calls  int
}

func (f *fakeFoundationTool) Execute(_ context.Context, _ CycleContext) (FoundationResult, error) {
	f.calls++
	if f.err != nil {
		return FoundationResult{}, f.err
	}
	return f.result, nil
}

type fakeStrategicTool struct {
	result          StrategicResult
	err             error
	calls           int
	gotPrompt       string
	gotFoundation   FoundationResult
	gotMemoryUnits  int
	gotConversation int
}

func (f *fakeStrategicTool) Execute(_ context.Context, input CycleContext, foundation FoundationResult, priorPromptText string) (StrategicResult, error) {
	f.calls++
	f.gotPrompt = priorPromptText
	f.gotFoundation = foundation
	f.gotMemoryUnits = len(input.MemoryUnits)
	f.gotConversation = len(input.Conversations)
	if f.err != nil {
		return StrategicResult{}, f.err
	}
	return f.result, nil
}

type fakeRetrieval struct {
	result RetrievalResult
	err    error
	gotReq RetrievalRequest
	calls  int
}

func (f *fakeRetrieval) Execute(_ context.Context, req RetrievalRequest) (RetrievalResult, error) {
	f.calls++
	f.gotReq = req
	if f.err != nil {
		return RetrievalResult{}, f.err
	}
	return f.result, nil
}

type fakeEvents struct {
	jobs  []EmbeddingJob
	notes []CycleCompleted
	err   error
}

func (f *fakeEvents) PublishEmbeddingJob(_ context.Context, job EmbeddingJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeEvents) PublishCycleCompleted(_ context.Context, note CycleCompleted) error {
	if f.err != nil {
		return f.err
	}
	f.notes = append(f.notes, note)
	return nil
}

func validFoundationResult() FoundationResult {
	raw := make([]byte, 600)
	for i := range raw {
		raw[i] = 'a'
	}
	return FoundationResult{
		MemoryProfile: "A reflective week focused on career change and woodworking.",
		Opening:       Opening{Title: "This week", Content: "You spent the week weighing a career pivot."},
		KeyPhrases:    KeyPhrases{"topics": {"career change", "woodworking"}},
		PromptText:    "foundation prompt text",
		Usage:         ToolUsage{Model: "analysis-large", TokensUsed: 1200, Cost: 0.04},
		Raw:           raw,
	}
}

func validStrategicResult() StrategicResult {
	raw := make([]byte, 600)
	for i := range raw {
		raw[i] = 'b'
	}
	return StrategicResult{
		DerivedArtifacts: []ArtifactDraft{
			{Title: "Pattern: decision deferral", Content: "You revisit the same decision without new inputs."},
		},
		ProactivePrompts: []PromptDraft{
			{Text: "What would make the career decision feel safe enough to act on?", Type: "reflection", Priority: 2},
		},
		GrowthEvents: []GrowthEventDraft{
			{DimensionKey: "self_awareness", DeltaValue: 0.2, Rationale: "Named the deferral pattern unprompted."},
		},
		Usage: ToolUsage{Model: "analysis-large", TokensUsed: 2400, Cost: 0.09},
		Raw:   raw,
	}
}
