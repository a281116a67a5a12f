package insight

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"
)

// Compiler gathers a bounded window of user activity and enriches it with
// historically relevant context from the retrieval service.
type Compiler struct {
	activity   ActivityReader
	retrieval  RetrievalTool
	logger     *log.Logger
	maxResults int
}

// NewCompiler creates a context compiler.
func NewCompiler(activity ActivityReader, retrieval RetrievalTool, logger *log.Logger, maxResults int) *Compiler {
	if maxResults <= 0 {
		maxResults = 20
	}
	return &Compiler{activity: activity, retrieval: retrieval, logger: logger, maxResults: maxResults}
}

// Compile gathers conversations, memory units, concepts, growth events and the
// previous cycle's key phrases in parallel, then calls the retrieval service.
// A retrieval failure degrades to an empty enrichment rather than failing the
// cycle; any activity read failure is a ContextGatheringError.
func (c *Compiler) Compile(ctx context.Context, userID string, w TimeWindow) (CycleContext, error) {
	out := CycleContext{UserID: userID, Window: w}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		out.Conversations, err = c.activity.RecentConversations(gctx, userID, w)
		return err
	})
	g.Go(func() error {
		var err error
		out.MemoryUnits, err = c.activity.RecentMemoryUnits(gctx, userID, w)
		return err
	})
	g.Go(func() error {
		var err error
		out.Concepts, err = c.activity.RecentConcepts(gctx, userID, w)
		return err
	})
	g.Go(func() error {
		var err error
		out.GrowthEvents, err = c.activity.RecentGrowthEvents(gctx, userID, w)
		return err
	})
	g.Go(func() error {
		var err error
		out.PreviousKeyPhrases, err = c.activity.GetKeyPhrases(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		out.SynthesisCandidates, err = c.activity.ConceptsNeedingSynthesis(gctx, userID, w)
		return err
	})
	if err := g.Wait(); err != nil {
		return CycleContext{}, ContextGatheringError{UserID: userID, Err: err}
	}

	// Retrieval keys off the previous cycle's phrases; the current cycle's do
	// not exist yet.
	phrases := out.PreviousKeyPhrases.Flatten()
	if c.retrieval != nil && len(phrases) > 0 {
		retrieved, err := c.retrieval.Execute(ctx, RetrievalRequest{
			UserID:     userID,
			KeyPhrases: phrases,
			Scenario:   "insight_cycle",
			MaxResults: c.maxResults,
		})
		if err != nil {
			c.logger.Printf("[COMPILER] retrieval failed for user %s, continuing without enrichment: %v", userID, err)
		} else {
			out.Retrieved = retrieved
		}
	}

	return out, nil
}
