// Package storage implements the four coordinated stores: a relational
// store (required), a vector ANN index (optional), a graph store
// (optional), and a cache (optional), each against the data model defined
// in internal/types.
package storage

import (
	"context"
	"time"

	"ltmc/internal/types"
)

// RelationalStore is the only required store. Every method either
// succeeds durably or returns a hard error; there is no degraded mode.
type RelationalStore interface {
	Bootstrap(ctx context.Context) error

	CreateResource(ctx context.Context, fileName, resourceType, content string) (int64, error)
	GetResource(ctx context.Context, id int64) (*types.Resource, error)
	GetResourceByFileName(ctx context.Context, fileName string) (*types.Resource, error)
	DeleteResource(ctx context.Context, id int64) error

	NextVectorIDs(ctx context.Context, n int) ([]int64, error)
	UpsertChunks(ctx context.Context, resourceID int64, chunks []ChunkWrite) ([]int64, error)
	// CreateResourceWithChunks inserts the Resource row and its Chunk rows as
	// one unit: either both become durable together or neither does. The
	// sync coordinator's write protocol (§4.7 step 1) uses this instead of
	// CreateResource+UpsertChunks so a chunk-insert failure never leaves an
	// orphaned resource or a half-written chunk set visible to readers.
	CreateResourceWithChunks(ctx context.Context, fileName, resourceType, content string, chunks []ChunkWrite) (resourceID int64, chunkIDs []int64, err error)
	GetChunksByVectorIDs(ctx context.Context, vectorIDs []int64) ([]types.Chunk, error)
	GetChunksByResource(ctx context.Context, resourceID int64) ([]types.Chunk, error)
	ListChunks(ctx context.Context, filter ChunkFilter) ([]types.Chunk, error)
	DeleteChunksByResource(ctx context.Context, resourceID int64) ([]types.Chunk, error)
	TouchChunkUsage(ctx context.Context, chunkID int64) error

	LogChat(ctx context.Context, msg types.ChatMessage) (string, error)
	GetChatByConversation(ctx context.Context, conversationID string) ([]types.ChatMessage, error)
	GetChatBySourceTool(ctx context.Context, sourceTool string) ([]types.ChatMessage, error)

	AddContextLinks(ctx context.Context, messageID string, chunkIDs []int64) error
	GetContextLinksForMessage(ctx context.Context, messageID string) ([]types.ContextLink, error)
	GetMessagesForChunk(ctx context.Context, chunkID int64) ([]types.ChatMessage, error)
	CountContextLinks(ctx context.Context) (int64, error)

	AddTodo(ctx context.Context, todo types.Todo) (int64, error)
	ListTodos(ctx context.Context, status types.TodoStatus) ([]types.Todo, error)
	CompleteTodo(ctx context.Context, id int64) error
	SearchTodos(ctx context.Context, query string) ([]types.Todo, error)

	GetRetrievalWeights(ctx context.Context) (types.RetrievalWeights, error)
	SetRetrievalWeights(ctx context.Context, w types.RetrievalWeights) error

	EnqueueRepair(ctx context.Context, entry RepairEntry) error
	ListRepairQueue(ctx context.Context, limit int) ([]RepairEntry, error)
	MarkRepairAttempt(ctx context.Context, id int64, errMsg string) error
	ResolveRepair(ctx context.Context, id int64) error

	RecordThoughtIndex(ctx context.Context, node types.ThoughtNode, resourceID int64) error
	GetThoughtBySessionAndStep(ctx context.Context, sessionID string, step int) (*types.ThoughtNode, error)
	ListThoughtsBySession(ctx context.Context, sessionID string) ([]types.ThoughtNode, error)
	CountThoughtsInSession(ctx context.Context, sessionID string) (int, error)

	Close() error
}

// ChunkWrite is the (index, text, vector_id) triple UpsertChunks takes.
type ChunkWrite struct {
	Index    int
	Text     string
	VectorID *int64
}

// ChunkFilter restricts ListChunks, used by the hybrid retriever's degraded recency-only path.
type ChunkFilter struct {
	Type          string
	ExcludeArchived bool
	UpdatedSince  time.Time
	Limit         int
}

// RepairEntry is one row of the consistency manager repair queue: a chunk whose
// vector write failed and must be retried.
type RepairEntry struct {
	ID         int64
	ResourceID int64
	ChunkID    int64
	VectorID   int64
	Text       string
	Attempts   int
	LastError  string
	Quarantined bool
	CreatedAt  time.Time
}

// VectorHit is one result from a vector index ANN search.
type VectorHit struct {
	VectorID int64
	Score    float64
}

// VectorStore is optional; when absent, retrieval degrades to the relational
// store's recency-only path.
type VectorStore interface {
	Add(ctx context.Context, vectorID int64, vec []float64) error
	AddBatch(ctx context.Context, items map[int64][]float64) error
	Search(ctx context.Context, query []float64, k int) ([]VectorHit, error)
	Exists(ctx context.Context, vectorID int64) (bool, error)
	Tombstone(ctx context.Context, vectorID int64) error
	Size(ctx context.Context) (int64, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// GraphStore is optional. The client-facing graph query action is
// read-only — the public dispatcher, not this interface, enforces that —
// while the link, auto_link and detach actions write through it.
type GraphStore interface {
	UpsertNode(ctx context.Context, kind, id string, props types.Metadata) error
	UpsertRelation(ctx context.Context, rel types.Relation) error
	GetRelations(ctx context.Context, id string, relType types.RelationType, dir types.RelationDirection) ([]types.Relation, error)
	TraverseChain(ctx context.Context, startID string, edge types.RelationType, max int) ([]string, error)
	DetachNode(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// CacheStore is optional; when absent, reads degrade to a "miss" and
// writes are dropped.
type CacheStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Scan(ctx context.Context, prefix string) ([]string, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
