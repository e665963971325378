// Package thought implements the sequential thought engine:
// ULID-identified, SHA-256 content-hashed reasoning steps chained via
// graph store NEXT edges and cached session heads in the cache, reusing
// the sync coordinator's ordered write path so each Thought Node is
// embedded and searchable exactly like any other document.
package thought

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/internal/retrieval"
	syncpkg "ltmc/internal/sync"
	"ltmc/internal/types"
)

const sessionHeadPrefix = "ltmc:thought:head:"
const sessionHeadTTL = 24 * time.Hour

func sessionHeadKey(sessionID string) string {
	return sessionHeadPrefix + sessionID
}

// Embedder is the embedding surface the engine needs.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float64, error)
}

// Engine is the thought engine.
type Engine struct {
	Coordinator *syncpkg.Coordinator
	Embed       Embedder
	Retriever   *retrieval.Retriever
	entropy     ulidEntropy
}

// ulidEntropy abstracts ulid.MonotonicReader so tests can supply a
// deterministic source; production uses ulid.Monotonic over crypto/rand.
type ulidEntropy interface {
	Read(p []byte) (int, error)
}

// New builds an Engine.
func New(coord *syncpkg.Coordinator, embed Embedder, retriever *retrieval.Retriever, entropy ulidEntropy) *Engine {
	return &Engine{Coordinator: coord, Embed: embed, Retriever: retriever, entropy: entropy}
}

// CreateRequest is the create contract's input.
type CreateRequest struct {
	SessionID         string
	Content           string
	Kind              types.ThoughtKind
	PreviousThoughtID string
	StepNumber        int // 0 means "resolve automatically"
	Metadata          types.Metadata
}

// CreateResult mirrors the create reply shape.
type CreateResult struct {
	Node              types.ThoughtNode `json:"node"`
	DatabasesAffected []string          `json:"databases_affected"`
	ExecutionTimeMs   int64             `json:"execution_time_ms"`
	SLACompliant      bool              `json:"sla_compliant"`
}

const createSLATarget = 100 * time.Millisecond

// Create computes a ULID+content hash, resolves the step number, persists
// the node via the sync coordinator's ordinary chunk-and-embed write path, links it into the graph store
// with a NEXT edge from its predecessor, and updates the cache session head
//.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	start := time.Now()
	if req.SessionID == "" {
		return nil, ltmcerrors.NewInvalidParams("thought", "Create", "session_id must not be empty")
	}
	if req.Content == "" {
		return nil, ltmcerrors.NewInvalidParams("thought", "Create", "content must not be empty")
	}
	if req.Kind == "" {
		req.Kind = types.ThoughtKindIntermediate
	}

	step, err := e.resolveStep(ctx, req)
	if err != nil {
		return nil, err
	}

	id := e.newULID()
	node := types.ThoughtNode{
		ULID:              id,
		SessionID:         req.SessionID,
		StepNumber:        step,
		Kind:              req.Kind,
		PreviousThoughtID: req.PreviousThoughtID,
		Content:           req.Content,
		ContentHash:       types.ContentHash(req.Content),
		Metadata:          req.Metadata,
		CreatedAt:         time.Now().UTC(),
	}

	vec, err := e.Embed.Generate(ctx, req.Content)
	if err != nil {
		logging.ThoughtLogger.WithError(err).Error("embedding failed for thought node, degrading to repair queue")
		vec = nil
	}
	vectorIDs, err := e.Coordinator.Relational.NextVectorIDs(ctx, 1)
	if err != nil {
		return nil, err
	}

	fileName := fmt.Sprintf("thought/%s/%s.txt", req.SessionID, id)
	writeRes, err := e.Coordinator.Write(ctx, syncpkg.WriteRequest{
		FileName:     fileName,
		ResourceType: types.ResourceTypeThought,
		Content:      req.Content,
		Chunks: []syncpkg.ChunkPlan{
			{Index: 0, Text: req.Content, VectorID: vectorIDs[0], Vector: vec},
		},
		Node: &syncpkg.NodeUpsert{
			Kind: "Thought",
			ID:   id,
			Props: types.Metadata{
				"session_id":  req.SessionID,
				"step_number": step,
				"kind":        string(req.Kind),
			},
		},
		Cache: &syncpkg.CacheUpsert{
			Key:   sessionHeadKey(req.SessionID),
			Value: id,
			TTL:   sessionHeadTTL,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := e.Coordinator.Relational.RecordThoughtIndex(ctx, node, writeRes.ResourceID); err != nil {
		return nil, err
	}

	degradedGraph := false
	if req.PreviousThoughtID != "" {
		degradedGraph = e.Coordinator.LinkRelation(ctx, types.Relation{
			SourceID:  req.PreviousThoughtID,
			TargetID:  id,
			Type:      types.RelationNext,
			CreatedAt: time.Now().UTC(),
		})
	}

	affected := []string{"relational"}
	degradedSet := make(map[string]bool)
	for _, d := range writeRes.Degraded {
		degradedSet[d] = true
	}
	if !degradedSet[syncpkg.StoreVector] {
		affected = append(affected, "vector")
	}
	if !degradedSet[syncpkg.StoreGraph] && !degradedGraph {
		affected = append(affected, "graph")
	}
	if !degradedSet[syncpkg.StoreCache] {
		affected = append(affected, "cache")
	}

	elapsed := time.Since(start)
	return &CreateResult{
		Node:              node,
		DatabasesAffected: affected,
		ExecutionTimeMs:   elapsed.Milliseconds(),
		SLACompliant:      elapsed <= createSLATarget,
	}, nil
}

// resolveStep implements create step 3: an explicit step number
// is validated against previous_thought_id; an omitted one is read from the
// the cache head (falling back to the relational store) and incremented.
func (e *Engine) resolveStep(ctx context.Context, req CreateRequest) (int, error) {
	if req.StepNumber > 0 {
		if req.PreviousThoughtID != "" {
			prev, err := e.findByULID(ctx, req.SessionID, req.PreviousThoughtID)
			if err != nil {
				return 0, err
			}
			if req.StepNumber != prev.StepNumber+1 {
				return 0, ltmcerrors.NewInvalidParams("thought", "Create",
					fmt.Sprintf("step_number %d does not follow previous step %d", req.StepNumber, prev.StepNumber))
			}
		}
		return req.StepNumber, nil
	}

	head, err := e.head(ctx, req.SessionID)
	if err != nil || head == nil {
		return 1, nil
	}
	return head.StepNumber + 1, nil
}

// head resolves the latest Thought Node for a session via the cache (fast path),
// falling back to a the relational store scan when the cache entry is absent .
func (e *Engine) head(ctx context.Context, sessionID string) (*types.ThoughtNode, error) {
	if e.Coordinator.Cache != nil {
		if ulidStr, ok, err := e.Coordinator.Cache.Get(ctx, sessionHeadKey(sessionID)); err == nil && ok {
			if node, err := e.findByULID(ctx, sessionID, ulidStr); err == nil {
				return node, nil
			}
		}
	}
	n, err := e.Coordinator.Relational.CountThoughtsInSession(ctx, sessionID)
	if err != nil || n == 0 {
		return nil, err
	}
	return e.Coordinator.Relational.GetThoughtBySessionAndStep(ctx, sessionID, n)
}

func (e *Engine) findByULID(ctx context.Context, sessionID, ulidStr string) (*types.ThoughtNode, error) {
	nodes, err := e.Coordinator.Relational.ListThoughtsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if nodes[i].ULID == ulidStr {
			return &nodes[i], nil
		}
	}
	return nil, ltmcerrors.NewNotFound("thought", "findByULID", "no thought node "+ulidStr+" in session "+sessionID)
}

// Analysis is the analyze_chain heuristic summary.
type Analysis struct {
	CountsByKind         map[types.ThoughtKind]int `json:"counts_by_kind"`
	AverageContentLength float64                   `json:"average_content_length"`
	HasProblemDefinition bool                      `json:"has_problem_definition"`
	HasConclusion        bool                      `json:"has_conclusion"`
	CoherenceScore       float64                   `json:"coherence_score"`
}

// ChainResult is the analyze_chain reply shape.
type ChainResult struct {
	ChainLength int                  `json:"chain_length"`
	Thoughts    []types.ThoughtNode  `json:"thoughts"`
	Analysis    Analysis             `json:"analysis"`
}

// AnalyzeChain reads a session's full chain (the graph store NEXT edges, falling back to
// the relational store ordered-by-step when the graph is degraded) and computes a coherence
// heuristic over it.
func (e *Engine) AnalyzeChain(ctx context.Context, sessionID string) (*ChainResult, error) {
	nodes, err := e.chain(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if !nodes[i].VerifyIntegrity() {
			return nil, ltmcerrors.NewIntegrityError("thought", "AnalyzeChain",
				"content_hash mismatch for thought "+nodes[i].ULID, nil)
		}
	}
	return &ChainResult{ChainLength: len(nodes), Thoughts: nodes, Analysis: analyze(nodes)}, nil
}

// chain traverses the graph store's NEXT edges from the session's root thought, falling
// back to a the relational store scan ordered by step_number when the graph store is nil or
// the traversal fails.
func (e *Engine) chain(ctx context.Context, sessionID string) ([]types.ThoughtNode, error) {
	nodes, err := e.Coordinator.Relational.ListThoughtsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 || e.Coordinator.Graph == nil {
		return nodes, nil
	}

	byULID := make(map[string]types.ThoughtNode, len(nodes))
	var root string
	for _, n := range nodes {
		byULID[n.ULID] = n
		if n.StepNumber == 1 {
			root = n.ULID
		}
	}
	if root == "" {
		return nodes, nil
	}
	order, err := e.Coordinator.Graph.TraverseChain(ctx, root, types.RelationNext, len(nodes)+1)
	if err != nil || len(order) == 0 {
		return nodes, nil
	}
	ordered := make([]types.ThoughtNode, 0, len(order))
	for _, id := range order {
		if n, ok := byULID[id]; ok {
			ordered = append(ordered, n)
		}
	}
	if len(ordered) != len(nodes) {
		// The graph is missing nodes the relational store has (degraded or
		// partially written); the relational store ordering is still authoritative.
		return nodes, nil
	}
	return ordered, nil
}

// analyze computes the counts/length/coherence heuristic over an
// already-ordered chain.
func analyze(nodes []types.ThoughtNode) Analysis {
	a := Analysis{CountsByKind: make(map[types.ThoughtKind]int)}
	if len(nodes) == 0 {
		return a
	}
	totalLen := 0
	monotone := true
	for i, n := range nodes {
		a.CountsByKind[n.Kind]++
		totalLen += len(n.Content)
		if n.Kind == types.ThoughtKindProblem {
			a.HasProblemDefinition = true
		}
		if n.Kind == types.ThoughtKindConclusion {
			a.HasConclusion = true
		}
		if i > 0 && nodes[i].StepNumber <= nodes[i-1].StepNumber {
			monotone = false
		}
	}
	a.AverageContentLength = float64(totalLen) / float64(len(nodes))

	score := 0.0
	if a.HasProblemDefinition {
		score += 0.35
	}
	if a.HasConclusion {
		score += 0.35
	}
	if monotone {
		score += 0.2
	}
	if a.AverageContentLength >= 40 {
		score += 0.1
	}
	a.CoherenceScore = score
	return a
}

// SimilarThought is one find_similar hit.
type SimilarThought struct {
	Node         types.ThoughtNode `json:"node"`
	Score        float64           `json:"score"`
	SessionChain *ChainResult      `json:"session_chain,omitempty"`
}

// FindSimilar embeds the query and restricts the hybrid retriever's
// retrieval to type=thought chunks, optionally attaching each hit's full
// chain.
func (e *Engine) FindSimilar(ctx context.Context, query string, k int, includeChains bool) ([]SimilarThought, error) {
	if e.Retriever == nil {
		return nil, ltmcerrors.NewDegraded("thought", "FindSimilar", "retriever not configured")
	}
	result, err := e.Retriever.Retrieve(ctx, retrieval.Request{Query: query, TopK: k, TypeFilter: types.ResourceTypeThought})
	if err != nil {
		return nil, err
	}

	out := make([]SimilarThought, 0, len(result.Hits))
	seenSessions := make(map[string]*ChainResult)
	for _, hit := range result.Hits {
		node, err := e.thoughtByChunk(ctx, hit.ChunkID, hit.ResourceID)
		if err != nil {
			continue
		}
		st := SimilarThought{Node: *node, Score: hit.Score}
		if includeChains {
			chain, ok := seenSessions[node.SessionID]
			if !ok {
				chain, err = e.AnalyzeChain(ctx, node.SessionID)
				if err != nil {
					chain = nil
				}
				seenSessions[node.SessionID] = chain
			}
			st.SessionChain = chain
		}
		out = append(out, st)
	}
	return out, nil
}

// thoughtByChunk resolves a retrieval hit's resource id back to its
// ThoughtNode via the thought/<session>/<ulid>.txt file name convention.
func (e *Engine) thoughtByChunk(ctx context.Context, chunkID, resourceID int64) (*types.ThoughtNode, error) {
	resource, err := e.Coordinator.Relational.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if resource.Type != types.ResourceTypeThought {
		return nil, ltmcerrors.NewNotFound("thought", "thoughtByChunk", "resource is not a thought")
	}
	// The file name convention thought/<session>/<ulid>.txt lets us recover
	// the session without an extra index table.
	sessionID, ulidStr, ok := parseThoughtFileName(resource.FileName)
	if !ok {
		return nil, ltmcerrors.NewNotFound("thought", "thoughtByChunk", "unrecognized thought file name")
	}
	return e.findByULID(ctx, sessionID, ulidStr)
}

func parseThoughtFileName(fileName string) (sessionID, ulidStr string, ok bool) {
	const prefix = "thought/"
	const suffix = ".txt"
	if len(fileName) < len(prefix)+len(suffix) || fileName[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := fileName[len(prefix) : len(fileName)-len(suffix)]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}

func (e *Engine) newULID() string {
	t := time.Now()
	entropy := e.entropy
	if entropy == nil {
		entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		// ulid.New only fails on a broken entropy source; crypto/rand cannot
		// fail in practice.
		return ulid.MustNew(ulid.Timestamp(t), ulid.Monotonic(rand.Reader, 0)).String()
	}
	return id.String()
}
