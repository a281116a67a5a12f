package graph

import (
	"context"
	"fmt"
	"log"
	"regexp"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/seren-labs/insightd/internal/insight"
)

// Repository mirrors ontology mutations and new entities into the knowledge
// graph. Every method is best-effort from the caller's point of view: the
// relational store is authoritative, and callers wrap failures in
// insight.GraphSyncError and keep going.
type Repository struct {
	driver neo4j.DriverWithContext
	logger *log.Logger
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, uri, username, password string, logger *log.Logger) (*Repository, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	logger.Printf("[GRAPH] connected to %s", uri)
	return &Repository{driver: driver, logger: logger}, nil
}

// Close shuts down the driver.
func (r *Repository) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

// relationshipTypePattern guards against Cypher injection: relationship types
// cannot be parametrized, so only identifier-shaped types are interpolated.
var relationshipTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// mergeConceptsCypher redirects every edge touching a secondary concept onto
// the primary, then removes the secondary nodes. Relationship types cannot be
// set dynamically in Cypher, so redirected edges are keyed by the original
// type in an original_type property; one redirected edge survives per
// (neighbour, original type) pair with its properties intact.
const mergeConceptsCypher = `
	MATCH (primary:Concept {id: $primaryID, user_id: $userID})
	SET primary.name = CASE WHEN $newName = '' THEN primary.name ELSE $newName END,
	    primary.description = CASE WHEN $newDescription = '' THEN primary.description ELSE $newDescription END
	WITH primary
	MATCH (secondary:Concept {user_id: $userID})
	WHERE secondary.id IN $secondaryIDs AND secondary.id <> $primaryID
	OPTIONAL MATCH (secondary)-[outbound]->(target)
	WHERE target.id <> $primaryID
	FOREACH (_ IN CASE WHEN outbound IS NULL THEN [] ELSE [1] END |
		MERGE (primary)-[redirected:RELATED_TO {original_type: type(outbound)}]->(target)
		SET redirected += properties(outbound))
	WITH primary, secondary
	OPTIONAL MATCH (source)-[inbound]->(secondary)
	WHERE source.id <> $primaryID
	FOREACH (_ IN CASE WHEN inbound IS NULL THEN [] ELSE [1] END |
		MERGE (source)-[redirected:RELATED_TO {original_type: type(inbound)}]->(primary)
		SET redirected += properties(inbound))
	WITH DISTINCT secondary
	DETACH DELETE secondary
`

// MergeConcepts applies the graph half of a concept merge.
func (r *Repository) MergeConcepts(ctx context.Context, userID string, m insight.ConceptMerge) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx, mergeConceptsCypher, map[string]interface{}{
		"primaryID":      m.PrimaryID,
		"userID":         userID,
		"secondaryIDs":   m.SecondaryIDs,
		"newName":        m.NewName,
		"newDescription": m.NewDescription,
	})
	if err != nil {
		return fmt.Errorf("merge concepts in graph: %w", err)
	}
	return nil
}

// ArchiveConcept flags the node archived rather than deleting it, so existing
// edges keep their provenance.
func (r *Repository) ArchiveConcept(ctx context.Context, userID string, a insight.ConceptArchive) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx, `
		MATCH (c:Concept {id: $conceptID, user_id: $userID})
		SET c.status = 'archived', c.archive_rationale = $rationale
	`, map[string]interface{}{
		"conceptID": a.ConceptID,
		"userID":    userID,
		"rationale": a.Rationale,
	})
	if err != nil {
		return fmt.Errorf("archive concept in graph: %w", err)
	}
	return nil
}

// CreateCommunity creates the community node and a MEMBER_OF edge from each
// member concept.
func (r *Repository) CreateCommunity(ctx context.Context, rec insight.CommunityRecord) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx, `
		MERGE (com:Community {id: $id})
		SET com.user_id = $userID, com.name = $name, com.theme = $theme,
		    com.cycle_id = $cycleID, com.created_at = datetime()
		WITH com
		MATCH (c:Concept {user_id: $userID})
		WHERE c.id IN $memberIDs
		MERGE (c)-[:MEMBER_OF]->(com)
	`, map[string]interface{}{
		"id":        rec.ID,
		"userID":    rec.UserID,
		"name":      rec.Name,
		"theme":     rec.Theme,
		"cycleID":   rec.CycleID,
		"memberIDs": rec.MemberConceptIDs,
	})
	if err != nil {
		return fmt.Errorf("create community in graph: %w", err)
	}
	return nil
}

// CreateRelationship creates a typed, weighted edge between two concepts.
func (r *Repository) CreateRelationship(ctx context.Context, userID, relationshipID string, rel insight.ConceptRelationship) error {
	relType := rel.Type
	if !relationshipTypePattern.MatchString(relType) {
		relType = "RELATED_TO"
	}
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (from:Concept {id: $fromID, user_id: $userID})
		MATCH (to:Concept {id: $toID, user_id: $userID})
		MERGE (from)-[rel:%s]->(to)
		SET rel.id = $relID, rel.strength = $strength, rel.created_at = datetime()
	`, relType)
	_, err := session.Run(ctx, query, map[string]interface{}{
		"fromID":   rel.FromConceptID,
		"toID":     rel.ToConceptID,
		"userID":   userID,
		"relID":    relationshipID,
		"strength": rel.Strength,
	})
	if err != nil {
		return fmt.Errorf("create relationship in graph: %w", err)
	}
	return nil
}

// UpdateConceptDescription overwrites the node property to keep the mirror
// consistent with the relational row.
func (r *Repository) UpdateConceptDescription(ctx context.Context, conceptID, description string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx, `
		MATCH (c:Concept {id: $conceptID})
		SET c.description = $description
	`, map[string]interface{}{
		"conceptID":   conceptID,
		"description": description,
	})
	if err != nil {
		return fmt.Errorf("update concept description in graph: %w", err)
	}
	return nil
}

// MirrorArtifact creates the artifact node plus DERIVED_FROM provenance edges
// to its source concepts and memory units.
func (r *Repository) MirrorArtifact(ctx context.Context, rec insight.DerivedArtifactRecord) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx, `
		MERGE (a:DerivedArtifact {id: $id})
		SET a.user_id = $userID, a.cycle_id = $cycleID, a.type = $type,
		    a.title = $title, a.created_at = datetime()
		WITH a
		OPTIONAL MATCH (c:Concept {user_id: $userID}) WHERE c.id IN $conceptIDs
		FOREACH (_ IN CASE WHEN c IS NULL THEN [] ELSE [1] END |
			MERGE (a)-[:DERIVED_FROM]->(c))
		WITH DISTINCT a
		OPTIONAL MATCH (m:MemoryUnit {user_id: $userID}) WHERE m.id IN $memoryUnitIDs
		FOREACH (_ IN CASE WHEN m IS NULL THEN [] ELSE [1] END |
			MERGE (a)-[:DERIVED_FROM]->(m))
	`, map[string]interface{}{
		"id":            rec.ID,
		"userID":        rec.UserID,
		"cycleID":       rec.CycleID,
		"type":          rec.Type,
		"title":         rec.Title,
		"conceptIDs":    rec.SourceConceptIDs,
		"memoryUnitIDs": rec.SourceMemoryUnitIDs,
	})
	if err != nil {
		return fmt.Errorf("mirror artifact in graph: %w", err)
	}
	return nil
}

// MirrorPrompt creates the proactive-prompt node linked to its user.
func (r *Repository) MirrorPrompt(ctx context.Context, rec insight.ProactivePromptRecord) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx, `
		MERGE (p:ProactivePrompt {id: $id})
		SET p.user_id = $userID, p.cycle_id = $cycleID, p.type = $type,
		    p.status = $status, p.created_at = datetime()
		WITH p
		MERGE (u:User {id: $userID})
		MERGE (u)-[:HAS_PROMPT]->(p)
	`, map[string]interface{}{
		"id":      rec.ID,
		"userID":  rec.UserID,
		"cycleID": rec.CycleID,
		"type":    rec.Type,
		"status":  rec.Status,
	})
	if err != nil {
		return fmt.Errorf("mirror prompt in graph: %w", err)
	}
	return nil
}
