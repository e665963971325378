// Package sync implements the sync coordinator: ordered fan-out writes
// across the four stores, the relational store first and alone inside a
// transaction, then best-effort writes to the vector index, the graph
// store, and the cache, each gated by its own circuit breaker with
// bounded retry.
package sync

import (
	"context"
	"time"

	"ltmc/internal/circuitbreaker"
	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/internal/retry"
	"ltmc/internal/storage"
	"ltmc/internal/types"
)

// StoreName identifies an optional store for breaker/degraded reporting.
const (
	StoreVector = "vector"
	StoreGraph  = "graph"
	StoreCache  = "cache"
)

// Config parameterizes the per-store circuit breakers.
type Config struct {
	BreakerFailures int
	BreakerCooldown time.Duration
}

// DefaultConfig mirrors the defaults: F=5, cool-down=30s.
func DefaultConfig() Config {
	return Config{BreakerFailures: 5, BreakerCooldown: 30 * time.Second}
}

// Coordinator is the sync coordinator. Relational is required and non-nil; Vector/Graph/Cache
// are each optional and may be nil, in which case that store is always
// treated as degraded.
type Coordinator struct {
	Relational storage.RelationalStore
	Vector     storage.VectorStore
	Graph      storage.GraphStore
	Cache      storage.CacheStore

	vectorBreaker *circuitbreaker.CircuitBreaker
	graphBreaker  *circuitbreaker.CircuitBreaker
	cacheBreaker  *circuitbreaker.CircuitBreaker
	retrier       *retry.Retrier
}

// New builds a Coordinator. vector/graph/cache may be nil to model that
// store being unconfigured (permanently degraded).
func New(cfg Config, relational storage.RelationalStore, vector storage.VectorStore, graph storage.GraphStore, cache storage.CacheStore) *Coordinator {
	bcfg := func() *circuitbreaker.Config {
		return &circuitbreaker.Config{
			FailureThreshold:      cfg.BreakerFailures,
			SuccessThreshold:      1,
			Timeout:               cfg.BreakerCooldown,
			MaxConcurrentRequests: 1,
			OnStateChange: func(from, to circuitbreaker.State) {
				logging.SyncLogger.Warn("breaker state change", "from", from.String(), "to", to.String())
			},
		}
	}
	return &Coordinator{
		Relational:    relational,
		Vector:        vector,
		Graph:         graph,
		Cache:         cache,
		vectorBreaker: circuitbreaker.New(bcfg()),
		graphBreaker:  circuitbreaker.New(bcfg()),
		cacheBreaker:  circuitbreaker.New(bcfg()),
		retrier: retry.New(&retry.Config{
			MaxAttempts:     3,
			InitialDelay:    50 * time.Millisecond,
			MaxDelay:        2 * time.Second,
			Multiplier:      2.0,
			RandomizeFactor: 0.2,
			RetryIf:         retry.DefaultRetryIf,
		}),
	}
}

// ChunkPlan is one chunk ready to be written: its text, the vector id the relational store
// allocated for it, and its already-computed embedding.
type ChunkPlan struct {
	Index    int
	Text     string
	VectorID int64
	Vector   []float64
}

// NodeUpsert optionally asks the coordinator to upsert a the graph store node for the
// newly created resource (e.g. a ThoughtNode also recorded in the graph).
type NodeUpsert struct {
	Kind  string
	ID    string
	Props types.Metadata
}

// CacheUpsert optionally asks the coordinator to write a the cache key after a
// successful the relational store commit (e.g. a thought session head).
type CacheUpsert struct {
	Key   string
	Value string
	TTL   time.Duration
}

// WriteRequest is one the sync coordinator ingestion: a Resource plus its already-chunked,
// already-embedded Chunks, and the ids the relational store already allocated for them.
type WriteRequest struct {
	FileName     string
	ResourceType string
	Content      string
	Chunks       []ChunkPlan
	Node         *NodeUpsert
	Cache        *CacheUpsert
}

// WriteResult reports what was durably written and which optional stores
// did not accept the write.
type WriteResult struct {
	ResourceID int64
	ChunkIDs   []int64
	VectorIDs  []int64
	Degraded   []string
}

// Write executes the write protocol: the relational store transaction first (the
// only step that can fail the whole request), then best-effort the vector index, the graph store, the cache
// in order. A the relational store failure aborts with nothing visible anywhere; a later
// store's failure only trips that store's breaker and is recorded in
// Degraded — it never rolls back the relational store.
func (c *Coordinator) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	writes := make([]storage.ChunkWrite, len(req.Chunks))
	for i, ch := range req.Chunks {
		vid := ch.VectorID
		writes[i] = storage.ChunkWrite{Index: ch.Index, Text: ch.Text, VectorID: &vid}
	}

	// The resource row and its chunk rows are written as one transaction:
	// a failure anywhere in the chunk insert leaves nothing visible, not
	// just the resource rolled back by a second, separate call.
	resourceID, chunkIDs, err := c.Relational.CreateResourceWithChunks(ctx, req.FileName, req.ResourceType, req.Content, writes)
	if err != nil {
		return nil, err
	}

	result := &WriteResult{ResourceID: resourceID, ChunkIDs: chunkIDs}
	vectorIDs := make([]int64, len(req.Chunks))
	for i, ch := range req.Chunks {
		vectorIDs[i] = ch.VectorID
	}
	result.VectorIDs = vectorIDs

	c.fanOutVector(ctx, resourceID, req.Chunks, chunkIDs, result)
	c.fanOutGraph(ctx, req.Node, result)
	c.fanOutCache(ctx, req.Cache, result)

	return result, nil
}

func (c *Coordinator) fanOutVector(ctx context.Context, resourceID int64, chunks []ChunkPlan, chunkIDs []int64, result *WriteResult) {
	if c.Vector == nil || len(chunks) == 0 {
		if len(chunks) > 0 {
			result.Degraded = append(result.Degraded, StoreVector)
			c.enqueueRepair(ctx, resourceID, chunks, chunkIDs)
		}
		return
	}

	items := make(map[int64][]float64, len(chunks))
	for _, ch := range chunks {
		items[ch.VectorID] = ch.Vector
	}

	err := c.vectorBreaker.Execute(ctx, func(ctx context.Context) error {
		res := c.retrier.Do(ctx, func(ctx context.Context) error {
			return c.Vector.AddBatch(ctx, items)
		})
		return res.Err
	})
	if err != nil {
		logging.SyncLogger.WithError(err).Error("vector fan-out failed")
		result.Degraded = append(result.Degraded, StoreVector)
		c.enqueueRepair(ctx, resourceID, chunks, chunkIDs)
	}
}

func (c *Coordinator) enqueueRepair(ctx context.Context, resourceID int64, chunks []ChunkPlan, chunkIDs []int64) {
	for i, ch := range chunks {
		entry := storage.RepairEntry{
			ResourceID: resourceID,
			ChunkID:    chunkIDs[i],
			VectorID:   ch.VectorID,
			Text:       ch.Text,
		}
		if err := c.Relational.EnqueueRepair(ctx, entry); err != nil {
			logging.SyncLogger.WithError(err).Error("failed to enqueue repair entry")
		}
	}
}

func (c *Coordinator) fanOutGraph(ctx context.Context, node *NodeUpsert, result *WriteResult) {
	if node == nil {
		return
	}
	if c.Graph == nil {
		result.Degraded = append(result.Degraded, StoreGraph)
		return
	}
	err := c.graphBreaker.Execute(ctx, func(ctx context.Context) error {
		res := c.retrier.Do(ctx, func(ctx context.Context) error {
			return c.Graph.UpsertNode(ctx, node.Kind, node.ID, node.Props)
		})
		return res.Err
	})
	if err != nil {
		logging.SyncLogger.WithError(err).Error("graph fan-out failed")
		result.Degraded = append(result.Degraded, StoreGraph)
	}
}

func (c *Coordinator) fanOutCache(ctx context.Context, op *CacheUpsert, result *WriteResult) {
	if op == nil {
		return
	}
	if c.Cache == nil {
		result.Degraded = append(result.Degraded, StoreCache)
		return
	}
	err := c.cacheBreaker.Execute(ctx, func(ctx context.Context) error {
		res := c.retrier.Do(ctx, func(ctx context.Context) error {
			return c.Cache.SetEx(ctx, op.Key, op.Value, op.TTL)
		})
		return res.Err
	})
	if err != nil {
		logging.SyncLogger.WithError(err).Error("cache fan-out failed")
		result.Degraded = append(result.Degraded, StoreCache)
	}
}

// LinkRelation upserts a the graph store relation best-effort (used by unified operations.link and
// the thought engine's NEXT edges), tripping the graph breaker on failure rather than
// failing the caller.
func (c *Coordinator) LinkRelation(ctx context.Context, rel types.Relation) (degraded bool) {
	if c.Graph == nil {
		return true
	}
	err := c.graphBreaker.Execute(ctx, func(ctx context.Context) error {
		res := c.retrier.Do(ctx, func(ctx context.Context) error {
			return c.Graph.UpsertRelation(ctx, rel)
		})
		return res.Err
	})
	if err != nil {
		logging.SyncLogger.WithError(err).Error("relation upsert failed")
		return true
	}
	return false
}

// DeleteRequest mirrors the delete protocol order: the cache invalidate,
// the graph store detach, the vector index tombstone, the relational store delete.
type DeleteRequest struct {
	ResourceID    int64
	GraphNodeID   string
	CacheKeys     []string
}

// DeleteResult reports which optional stores could not be cleaned up.
type DeleteResult struct {
	Degraded []string
}

// Delete removes a Resource and its Chunks, tombstoning (never reusing)
// their vector ids, detaching the graph node, and invalidating cache keys,
// in the mirror order this requires (invalidate outward in, delete the relational store
// last since it is the only required, transactional store).
func (c *Coordinator) Delete(ctx context.Context, req DeleteRequest) (*DeleteResult, error) {
	result := &DeleteResult{}

	for _, key := range req.CacheKeys {
		if c.Cache == nil {
			result.Degraded = append(result.Degraded, StoreCache)
			continue
		}
		err := c.cacheBreaker.Execute(ctx, func(ctx context.Context) error {
			return c.Cache.Del(ctx, key)
		})
		if err != nil {
			result.Degraded = append(result.Degraded, StoreCache)
		}
	}

	if req.GraphNodeID != "" {
		if c.Graph == nil {
			result.Degraded = append(result.Degraded, StoreGraph)
		} else {
			err := c.graphBreaker.Execute(ctx, func(ctx context.Context) error {
				return c.Graph.DetachNode(ctx, req.GraphNodeID)
			})
			if err != nil {
				result.Degraded = append(result.Degraded, StoreGraph)
			}
		}
	}

	chunks, err := c.Relational.DeleteChunksByResource(ctx, req.ResourceID)
	if err != nil {
		return nil, err
	}

	if c.Vector == nil {
		if len(chunks) > 0 {
			result.Degraded = append(result.Degraded, StoreVector)
		}
	} else {
		for _, ch := range chunks {
			if ch.VectorID == nil {
				continue
			}
			vid := *ch.VectorID
			err := c.vectorBreaker.Execute(ctx, func(ctx context.Context) error {
				return c.Vector.Tombstone(ctx, vid)
			})
			if err != nil {
				result.Degraded = append(result.Degraded, StoreVector)
			}
		}
	}

	if err := c.Relational.DeleteResource(ctx, req.ResourceID); err != nil {
		return nil, ltmcerrors.NewWriteFailed("sync", "Delete", "delete resource", err)
	}

	return result, nil
}

// BreakerStates reports each optional store's current breaker state, for
// observability's health snapshot.
func (c *Coordinator) BreakerStates() map[string]circuitbreaker.State {
	return map[string]circuitbreaker.State{
		StoreVector: c.vectorBreaker.GetState(),
		StoreGraph:  c.graphBreaker.GetState(),
		StoreCache:  c.cacheBreaker.GetState(),
	}
}
