// Package retrieval implements the hybrid retriever: embed the query,
// overfetch from the vector index, hydrate and rerank via the relational
// store, assemble a context string, and optionally log the query turn
// through the chat linker. Scoring combines similarity with metadata
// signals rather than relying on vector distance alone.
package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"ltmc/internal/chat"
	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/storage"
	"ltmc/internal/types"
)

// DefaultOverfetch is R: ANN asks for K*R candidates before metadata
// reranking narrows back down to K.
const DefaultOverfetch = 4

// DefaultRecencyTau is τ in the recency term, default 7 days.
const DefaultRecencyTau = 7 * 24 * time.Hour

// DefaultContextBudget is the default context-string character budget.
const DefaultContextBudget = 4000

// idealChunkLength is the chunk length (in characters) the length_boost
// term favors; it tracks the chunker's default target size.
const idealChunkLength = 512

// Config parameterizes the parts of the retrieval algorithm this leaves
// tunable.
type Config struct {
	Overfetch     int
	RecencyTau    time.Duration
	ContextBudget int
}

// DefaultConfig returns the suggested defaults.
func DefaultConfig() Config {
	return Config{Overfetch: DefaultOverfetch, RecencyTau: DefaultRecencyTau, ContextBudget: DefaultContextBudget}
}

// Embedder is the embedding surface the retriever needs: embed one query string.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float64, error)
}

// BreakerOpen reports whether the vector index's circuit is currently open, used to pick
// the degraded recency-only path instead of calling Vector at all.
type BreakerOpen func() bool

// Retriever is the hybrid retriever.
type Retriever struct {
	Relational storage.RelationalStore
	Vector     storage.VectorStore
	Embed      Embedder
	VectorOpen BreakerOpen
	Chat       *chat.Linker
	// RecentTypeMode is the session's most recently used content type, used
	// by the type_boost rerank term; empty disables the boost.
	RecentTypeMode string
	cfg            Config
}

// New builds a Retriever. vectorOpen may be nil, meaning the vector index is always
// treated as available (callers relying on the breaker wiring should pass
// sync.Coordinator.BreakerStates-derived closures).
func New(cfg Config, relational storage.RelationalStore, vector storage.VectorStore, embed Embedder, vectorOpen BreakerOpen, chatLinker *chat.Linker) *Retriever {
	if cfg.Overfetch <= 0 {
		cfg = DefaultConfig()
	}
	return &Retriever{Relational: relational, Vector: vector, Embed: embed, VectorOpen: vectorOpen, Chat: chatLinker, cfg: cfg}
}

// Request is the retrieve contract's input.
type Request struct {
	Query          string
	TopK           int
	TypeFilter     string
	ConversationID string
}

// Hit is one selected chunk, annotated with its final rerank score.
type Hit struct {
	ChunkID    int64   `json:"chunk_id"`
	ResourceID int64   `json:"resource_id"`
	FileName   string  `json:"file_name"`
	Score      float64 `json:"score"`
}

// Result is the retrieve contract's output.
type Result struct {
	Context  string `json:"context"`
	Hits     []Hit  `json:"chunks"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Retrieve runs the full algorithm: embed, overfetch, hydrate,
// filter, rerank, assemble context, and (if conversation_id is set) log the
// turn and link it to the chunks actually used.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Result, error) {
	if req.Query == "" {
		return nil, ltmcerrors.NewInvalidParams("retrieval", "Retrieve", "query must not be empty")
	}
	topK := req.TopK
	if topK == 0 {
		return &Result{Hits: []Hit{}}, nil
	}
	if topK < 0 {
		topK = 10
	}

	weights, err := r.Relational.GetRetrievalWeights(ctx)
	if err != nil {
		weights = types.DefaultRetrievalWeights()
	}

	degraded := r.Vector == nil || (r.VectorOpen != nil && r.VectorOpen())

	var candidates []candidate
	if degraded {
		candidates, err = r.recencyFallback(ctx, req.TypeFilter, topK)
	} else {
		candidates, err = r.annCandidates(ctx, req.Query, req.TypeFilter, topK)
	}
	if err != nil {
		return nil, err
	}

	ranked := rerank(candidates, weights, degraded, r.cfg.RecencyTau, r.RecentTypeMode)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	hits := make([]Hit, len(ranked))
	resourceNames := make(map[int64]string)
	var contextParts []string
	budget := r.cfg.ContextBudget
	used := 0
	for i, c := range ranked {
		hits[i] = Hit{ChunkID: c.chunk.ID, ResourceID: c.chunk.ResourceID, Score: c.score}
		if name, ok := resourceNames[c.chunk.ResourceID]; ok {
			hits[i].FileName = name
		} else if res, err := r.Relational.GetResource(ctx, c.chunk.ResourceID); err == nil {
			resourceNames[c.chunk.ResourceID] = res.FileName
			hits[i].FileName = res.FileName
		}
		if used < budget {
			part := c.chunk.Text
			if used+len(part) > budget {
				part = part[:budget-used]
			}
			contextParts = append(contextParts, part)
			used += len(part)
		}
		_ = r.Relational.TouchChunkUsage(ctx, c.chunk.ID)
	}

	result := &Result{
		Context:  strings.Join(contextParts, "\n---\n"),
		Hits:     hits,
		Degraded: degraded,
	}

	if req.ConversationID != "" && r.Chat != nil {
		chunkIDs := make([]int64, len(hits))
		for i, h := range hits {
			chunkIDs[i] = h.ChunkID
		}
		if _, err := r.Chat.LogAndLink(ctx, req.ConversationID, types.ChatRoleUser, req.Query, chunkIDs); err != nil {
			// Logging the turn is an enrichment, not load-bearing: a
			// failure here must not fail the retrieval itself.
			_ = err
		}
	}

	return result, nil
}

type candidate struct {
	chunk        types.Chunk
	resourceType string
	sim          float64
	score        float64
}

func (r *Retriever) annCandidates(ctx context.Context, query, typeFilter string, topK int) ([]candidate, error) {
	vec, err := r.Embed.Generate(ctx, query)
	if err != nil {
		return nil, err
	}
	k := topK * r.cfg.Overfetch
	hits, err := r.Vector.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	vectorIDs := make([]int64, len(hits))
	simByVector := make(map[int64]float64, len(hits))
	for i, h := range hits {
		vectorIDs[i] = h.VectorID
		simByVector[h.VectorID] = h.Score
	}
	chunks, err := r.Relational.GetChunksByVectorIDs(ctx, vectorIDs)
	if err != nil {
		return nil, err
	}
	resourceTypes := make(map[int64]string)
	out := make([]candidate, 0, len(chunks))
	for _, ch := range chunks {
		if ch.Archived {
			continue
		}
		t, ok := resourceTypes[ch.ResourceID]
		if !ok {
			if res, err := r.Relational.GetResource(ctx, ch.ResourceID); err == nil {
				t = res.Type
			}
			resourceTypes[ch.ResourceID] = t
		}
		if typeFilter != "" && t != typeFilter {
			continue
		}
		var sim float64
		if ch.VectorID != nil {
			sim = simByVector[*ch.VectorID]
		}
		out = append(out, candidate{chunk: ch, resourceType: t, sim: sim})
	}
	return out, nil
}

func (r *Retriever) recencyFallback(ctx context.Context, typeFilter string, topK int) ([]candidate, error) {
	chunks, err := r.Relational.ListChunks(ctx, storage.ChunkFilter{
		Type:            typeFilter,
		ExcludeArchived: true,
		Limit:           topK * r.cfg.Overfetch,
	})
	if err != nil {
		return nil, err
	}
	out := make([]candidate, len(chunks))
	for i, ch := range chunks {
		out[i] = candidate{chunk: ch, resourceType: typeFilter, sim: 0}
	}
	return out, nil
}

// rerank scores each candidate and sorts descending, breaking ties by
// higher sim then lower vector id. In the degraded (recency-only) path
// only the β term contributes.
func rerank(candidates []candidate, w types.RetrievalWeights, degraded bool, tau time.Duration, typeMode string) []candidate {
	now := time.Now()
	out := make([]candidate, len(candidates))
	for i, c := range candidates {
		ts := c.chunk.CreatedAt
		if !c.chunk.LastRetrieved.IsZero() && c.chunk.LastRetrieved.After(ts) {
			ts = c.chunk.LastRetrieved
		}
		age := now.Sub(ts).Seconds()
		if age < 0 {
			age = 0
		}
		recency := math.Exp(-age / tau.Seconds())
		frequency := math.Log(1+float64(c.chunk.TimesRetrieved)) / math.Log(1+1000)
		if frequency > 1 {
			frequency = 1
		}
		lengthBoost := lengthBoostFor(len(c.chunk.Text))
		typeBoost := 0.0
		if typeMode != "" && typeMode == c.resourceType {
			typeBoost = 1.0
		}

		var score float64
		if degraded {
			score = w.Beta * recency
		} else {
			score = w.Alpha*c.sim + w.Beta*recency + w.Gamma*frequency + w.Delta*lengthBoost + w.Eps*typeBoost
		}
		out[i] = candidate{chunk: c.chunk, resourceType: c.resourceType, sim: c.sim}
		out[i].score = score
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].sim != out[j].sim {
			return out[i].sim > out[j].sim
		}
		return lowerVectorID(out[i].chunk) < lowerVectorID(out[j].chunk)
	})
	return out
}

func lowerVectorID(ch types.Chunk) int64 {
	if ch.VectorID == nil {
		return math.MaxInt64
	}
	return *ch.VectorID
}

// lengthBoostFor saturates toward 1 near idealChunkLength and falls off for
// much shorter or much longer chunks.
func lengthBoostFor(n int) float64 {
	if n <= 0 {
		return 0
	}
	ratio := float64(n) / idealChunkLength
	if ratio > 1 {
		ratio = 1 / ratio
	}
	return ratio
}
