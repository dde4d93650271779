package neo4j

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/resilience"
)

const (
	defaultLimit        = 10
	defaultRelsPerHit   = 10
	neighbourDecay      = 0.5
	maxTraversalDepth   = 4
	directMatchScore    = 1.0
	partialMatchScore   = 0.5
	apocProbeStatement  = "CALL apoc.help('path') YIELD name RETURN count(name) AS available"
	schemaStatement     = "CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE"
	documentSchema      = "CREATE CONSTRAINT document_id IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE"
	relationshipPattern = `^[A-Z][A-Z0-9_]*$`
)

var relationshipType = regexp.MustCompile(relationshipPattern)

// runner executes one Cypher statement and returns its records as maps.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any, write bool) ([]map[string]any, error)
	Close(ctx context.Context) error
}

type driverRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (r *driverRunner) Run(ctx context.Context, cypher string, params map[string]any, write bool) ([]map[string]any, error) {
	opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithDatabase(r.database)}
	if write {
		opts = append(opts, neo4j.ExecuteQueryWithWritersRouting())
	} else {
		opts = append(opts, neo4j.ExecuteQueryWithReadersRouting())
	}
	result, err := neo4j.ExecuteQuery(ctx, r.driver, cypher, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(result.Records))
	for _, record := range result.Records {
		out = append(out, record.AsMap())
	}
	return out, nil
}

func (r *driverRunner) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

type Config struct {
	URI       string
	Username  string
	Password  string
	Database  string
	ProbeAPOC bool
	// RelationshipsPerHit bounds the relationships returned with each hit.
	RelationshipsPerHit int
}

type Option func(*Client)

func WithExecutor(executor *resilience.Executor) Option {
	return func(c *Client) { c.executor = executor }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client is the graph store adapter. Entities are (:Entity {id, name, type}) nodes.
type Client struct {
	run        runner
	executor   *resilience.Executor
	logger     *slog.Logger
	relsPerHit int
	advanced   bool
}

// New connects to neo4j and, when enabled, probes for APOC path procedures once.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, domain.WrapError(domain.ErrAdapterUnavailable, "neo4j connect", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, domain.WrapError(domain.ErrAdapterUnavailable, "neo4j connect", err)
	}
	return newClient(ctx, &driverRunner{driver: driver, database: cfg.Database}, cfg, opts...), nil
}

func newClient(ctx context.Context, r runner, cfg Config, opts ...Option) *Client {
	c := &Client{
		run:        r,
		logger:     slog.Default(),
		relsPerHit: cfg.RelationshipsPerHit,
	}
	if c.relsPerHit <= 0 {
		c.relsPerHit = defaultRelsPerHit
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.ProbeAPOC {
		c.advanced = c.probeAPOC(ctx)
	}
	return c
}

func (c *Client) probeAPOC(ctx context.Context) bool {
	rows, err := c.run.Run(ctx, apocProbeStatement, nil, false)
	if err != nil {
		c.logger.Warn("neo4j_apoc_unavailable", "error", err)
		return false
	}
	available := len(rows) > 0 && toInt(rows[0]["available"]) > 0
	c.logger.Info("neo4j_apoc_probed", "available", available)
	return available
}

// SupportsAdvancedTraversal reports the cached APOC probe result.
func (c *Client) SupportsAdvancedTraversal() bool {
	return c.advanced
}

func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, statement := range []string{schemaStatement, documentSchema} {
		if _, err := c.query(ctx, "neo4j.ensure_schema", statement, nil, true); err != nil {
			return resilience.Unavailable("neo4j ensure schema", err, classify)
		}
	}
	return nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.run.Close(ctx)
}

const seedStatement = `
MATCH (e:Entity)
WHERE e.id IN $ids
   OR ($text <> '' AND coalesce(e.name, '') <> '' AND (toLower($text) CONTAINS toLower(e.name) OR toLower(e.name) CONTAINS toLower($text)))
WITH e, CASE WHEN e.id IN $ids OR (coalesce(e.name, '') <> '' AND toLower($text) CONTAINS toLower(e.name)) THEN $direct ELSE $partial END AS score
OPTIONAL MATCH (e)-[r]-(n:Entity)
WITH e, score, collect(DISTINCT {entity_id: n.id, type: type(r), direction: CASE WHEN startNode(r) = e THEN 'out' ELSE 'in' END}) AS rels
RETURN e.id AS id, e.name AS name, e.type AS type, score, rels[..$rels] AS rels
ORDER BY score DESC, id ASC
LIMIT $limit`

const apocExpandStatement = `
MATCH (s:Entity) WHERE s.id IN $seeds
CALL apoc.path.expand(s, null, '+Entity', 1, $depth) YIELD path
WITH last(nodes(path)) AS n, min(length(path)) AS hops
WHERE NOT n.id IN $seeds
OPTIONAL MATCH (n)-[r]-(m:Entity)
WITH n, hops, collect(DISTINCT {entity_id: m.id, type: type(r), direction: CASE WHEN startNode(r) = n THEN 'out' ELSE 'in' END}) AS rels
RETURN n.id AS id, n.name AS name, n.type AS type, hops, rels[..$rels] AS rels
ORDER BY hops ASC, id ASC
LIMIT $limit`

const oneHopStatement = `
MATCH (s:Entity)-[]-(n:Entity) WHERE s.id IN $seeds AND NOT n.id IN $seeds
WITH DISTINCT n
OPTIONAL MATCH (n)-[r]-(m:Entity)
WITH n, collect(DISTINCT {entity_id: m.id, type: type(r), direction: CASE WHEN startNode(r) = n THEN 'out' ELSE 'in' END}) AS rels
RETURN n.id AS id, n.name AS name, n.type AS type, 1 AS hops, rels[..$rels] AS rels
ORDER BY id ASC
LIMIT $limit`

// Search matches entities by id or name, then walks their neighbourhood when Depth > 1.
// Neighbours score neighbourDecay^hops. Without APOC the walk is a single hop.
func (c *Client) Search(ctx context.Context, query domain.GraphQuery) ([]domain.GraphHit, error) {
	text := strings.TrimSpace(query.Text)
	ids := nonEmpty(query.EntityIDs)
	if text == "" && len(ids) == 0 {
		return nil, domain.NewError(domain.ErrInvalidInput, "neo4j search", "text or entity ids must be set")
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := c.query(ctx, "neo4j.search", seedStatement, map[string]any{
		"ids":     ids,
		"text":    text,
		"direct":  directMatchScore,
		"partial": partialMatchScore,
		"rels":    c.relsPerHit,
		"limit":   limit,
	}, false)
	if err != nil {
		return nil, resilience.Unavailable("neo4j search", err, classify)
	}

	hits := make([]domain.GraphHit, 0, len(rows))
	seeds := make([]string, 0, len(rows))
	for _, row := range rows {
		hit := rowToHit(row)
		if hit.EntityID == "" {
			continue
		}
		hit.Score = domain.ClampScore(toFloat(row["score"]))
		hits = append(hits, hit)
		seeds = append(seeds, hit.EntityID)
	}

	if query.Depth > 1 && len(seeds) > 0 && len(hits) < limit {
		neighbours, err := c.expand(ctx, seeds, min(query.Depth, maxTraversalDepth), limit-len(hits))
		if err != nil {
			c.logger.Warn("neo4j_expansion_failed", "error", err, "seeds", len(seeds))
		}
		hits = append(hits, neighbours...)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].EntityID < hits[j].EntityID
	})
	for i := range hits {
		hits[i].Rank = i + 1
	}
	return hits, nil
}

func (c *Client) expand(ctx context.Context, seeds []string, depth, limit int) ([]domain.GraphHit, error) {
	statement := oneHopStatement
	if c.advanced {
		statement = apocExpandStatement
	}
	rows, err := c.query(ctx, "neo4j.expand", statement, map[string]any{
		"seeds": seeds,
		"depth": depth,
		"rels":  c.relsPerHit,
		"limit": limit,
	}, false)
	if err != nil {
		return nil, resilience.Unavailable("neo4j expand", err, classify)
	}
	out := make([]domain.GraphHit, 0, len(rows))
	for _, row := range rows {
		hit := rowToHit(row)
		if hit.EntityID == "" {
			continue
		}
		hops := max(toInt(row["hops"]), 1)
		score := directMatchScore
		for range hops {
			score *= neighbourDecay
		}
		hit.Score = score
		out = append(out, hit)
	}
	return out, nil
}

// Ingest merges nodes by id and relationships by (source, type, target).
func (c *Client) Ingest(ctx context.Context, nodes []domain.GraphNode, edges []domain.GraphEdge) error {
	nodeRows := make([]map[string]any, 0, len(nodes))
	for _, node := range nodes {
		id := strings.TrimSpace(node.ID)
		if id == "" {
			return domain.NewError(domain.ErrInvalidInput, "neo4j ingest", "node id is empty")
		}
		props := make(map[string]any, len(node.Properties))
		for k, v := range node.Properties {
			props[k] = v
		}
		nodeRows = append(nodeRows, map[string]any{"id": id, "name": node.Name, "type": node.Type, "props": props})
	}

	byType := make(map[string][]map[string]any)
	for _, edge := range edges {
		relType := strings.ToUpper(strings.TrimSpace(edge.Type))
		if !relationshipType.MatchString(relType) {
			return domain.NewError(domain.ErrInvalidInput, "neo4j ingest", "invalid relationship type %q", edge.Type)
		}
		byType[relType] = append(byType[relType], map[string]any{
			"source": edge.SourceID,
			"target": edge.TargetID,
			"weight": edge.Weight,
		})
	}

	if len(nodeRows) > 0 {
		if _, err := c.query(ctx, "neo4j.ingest", `
UNWIND $nodes AS row
MERGE (e:Entity {id: row.id})
SET e += row.props, e.name = row.name, e.type = row.type`, map[string]any{"nodes": nodeRows}, true); err != nil {
			return resilience.Unavailable("neo4j ingest nodes", err, classify)
		}
	}

	types := make([]string, 0, len(byType))
	for relType := range byType {
		types = append(types, relType)
	}
	sort.Strings(types)
	for _, relType := range types {
		// Relationship types cannot be parameters; relType is validated above.
		statement := fmt.Sprintf(`
UNWIND $edges AS row
MATCH (s:Entity {id: row.source})
MATCH (t:Entity {id: row.target})
MERGE (s)-[r:%s]->(t)
SET r.weight = row.weight`, relType)
		if _, err := c.query(ctx, "neo4j.ingest", statement, map[string]any{"edges": byType[relType]}, true); err != nil {
			return resilience.Unavailable("neo4j ingest relationships", err, classify)
		}
	}
	c.logger.Info("graph_ingested", "nodes", len(nodeRows), "relationships", len(edges))
	return nil
}

const linkDocumentStatement = `
MERGE (d:Document {id: $id})
WITH d
UNWIND $entities AS entityID
MATCH (e:Entity {id: entityID})
MERGE (d)-[:MENTIONS]->(e)`

// Entities mentioned by another document survive the delete.
const deleteDocumentStatement = `
MATCH (d:Document {id: $id})
OPTIONAL MATCH (d)-[:MENTIONS]->(e:Entity)
WHERE NOT EXISTS { MATCH (other:Document)-[:MENTIONS]->(e) WHERE other <> d }
WITH d, collect(DISTINCT e) AS orphans
FOREACH (n IN orphans | DETACH DELETE n)
DETACH DELETE d
RETURN 1 + size(orphans) AS removed`

// LinkDocument records which entities a document mentions so DeleteDocument can find them.
func (c *Client) LinkDocument(ctx context.Context, documentID string, entityIDs []string) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return domain.NewError(domain.ErrInvalidInput, "neo4j link document", "document id is empty")
	}
	params := map[string]any{"id": documentID, "entities": nonEmpty(entityIDs)}
	if _, err := c.query(ctx, "neo4j.ingest", linkDocumentStatement, params, true); err != nil {
		return resilience.Unavailable("neo4j link document", err, classify)
	}
	return nil
}

// DeleteDocument removes the document node and the entities only it mentions.
// It returns the number of graph nodes removed.
func (c *Client) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return 0, domain.NewError(domain.ErrInvalidInput, "neo4j delete document", "document id is empty")
	}
	rows, err := c.query(ctx, "neo4j.delete", deleteDocumentStatement, map[string]any{"id": documentID}, true)
	if err != nil {
		return 0, resilience.Unavailable("neo4j delete document", err, classify)
	}
	removed := 0
	for _, row := range rows {
		removed += toInt(row["removed"])
	}
	if removed > 0 {
		c.logger.Info("graph_document_deleted", "document_id", documentID, "nodes", removed)
	}
	return removed, nil
}

func (c *Client) ExistingEntities(ctx context.Context, entityIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(entityIDs))
	ids := nonEmpty(entityIDs)
	for _, id := range ids {
		out[id] = false
	}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := c.query(ctx, "neo4j.lookup", "MATCH (e:Entity) WHERE e.id IN $ids RETURN e.id AS id", map[string]any{"ids": ids}, false)
	if err != nil {
		return nil, resilience.Unavailable("neo4j existing entities", err, classify)
	}
	for _, row := range rows {
		if id := toString(row["id"]); id != "" {
			out[id] = true
		}
	}
	return out, nil
}

// GetEntities returns the entities that exist, in the order requested.
func (c *Client) GetEntities(ctx context.Context, entityIDs []string) ([]domain.Entity, error) {
	ids := nonEmpty(entityIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := c.query(ctx, "neo4j.lookup",
		"MATCH (e:Entity) WHERE e.id IN $ids RETURN e.id AS id, e.name AS name, e.type AS type",
		map[string]any{"ids": ids}, false)
	if err != nil {
		return nil, resilience.Unavailable("neo4j get entities", err, classify)
	}
	byID := make(map[string]domain.Entity, len(rows))
	for _, row := range rows {
		entity := domain.Entity{ID: toString(row["id"]), Name: toString(row["name"]), Type: toString(row["type"])}
		if entity.ID != "" {
			byID[entity.ID] = entity
		}
	}
	out := make([]domain.Entity, 0, len(byID))
	for _, id := range ids {
		if entity, ok := byID[id]; ok {
			out = append(out, entity)
		}
	}
	return out, nil
}

func (c *Client) query(ctx context.Context, operation, cypher string, params map[string]any, write bool) ([]map[string]any, error) {
	return resilience.Call(ctx, c.executor, operation, func(ctx context.Context) ([]map[string]any, error) {
		return c.run.Run(ctx, cypher, params, write)
	}, classify)
}

// classify retries what the driver itself marks retryable and connectivity loss.
func classify(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if neo4j.IsRetryable(err) || neo4j.IsConnectivityError(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ClassifyTransport(err)
}

func rowToHit(row map[string]any) domain.GraphHit {
	hit := domain.GraphHit{
		EntityID:   toString(row["id"]),
		Name:       toString(row["name"]),
		EntityType: toString(row["type"]),
	}
	raw, _ := row["rels"].([]any)
	for _, item := range raw {
		rel, ok := item.(map[string]any)
		if !ok {
			continue
		}
		target := toString(rel["entity_id"])
		if target == "" {
			continue
		}
		direction := domain.DirectionOutgoing
		if toString(rel["direction"]) == string(domain.DirectionIncoming) {
			direction = domain.DirectionIncoming
		}
		hit.Relationships = append(hit.Relationships, domain.Relationship{
			EntityID:  target,
			Type:      toString(rel["type"]),
			Direction: direction,
		})
	}
	return hit
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return 0
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case int:
		return t
	case float64:
		return int(t)
	default:
		return 0
	}
}
