package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/storage"
	"ltmc/internal/types"
)

// fakeRelational is a minimal in-memory RelationalStore double. Methods the
// coordinator never calls are stubbed to satisfy the interface only.
type fakeRelational struct {
	nextResourceID int64
	resources      map[int64]*types.Resource
	chunks         map[int64][]types.Chunk
	repair         []storage.RepairEntry
	nextRepairID   int64

	createErr error
	upsertErr error
}

func newFakeRelational() *fakeRelational {
	return &fakeRelational{
		resources: make(map[int64]*types.Resource),
		chunks:    make(map[int64][]types.Chunk),
	}
}

func (f *fakeRelational) Bootstrap(ctx context.Context) error { return nil }

func (f *fakeRelational) CreateResource(ctx context.Context, fileName, resourceType, content string) (int64, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextResourceID++
	id := f.nextResourceID
	f.resources[id] = &types.Resource{ID: id, FileName: fileName, Type: resourceType, Content: content, CreatedAt: time.Now()}
	return id, nil
}

func (f *fakeRelational) GetResource(ctx context.Context, id int64) (*types.Resource, error) {
	r, ok := f.resources[id]
	if !ok {
		return nil, ltmcerrors.NewNotFound("sync", "GetResource", "resource not found")
	}
	return r, nil
}

func (f *fakeRelational) GetResourceByFileName(ctx context.Context, fileName string) (*types.Resource, error) {
	for _, r := range f.resources {
		if r.FileName == fileName {
			return r, nil
		}
	}
	return nil, ltmcerrors.NewNotFound("sync", "GetResourceByFileName", "resource not found")
}

func (f *fakeRelational) DeleteResource(ctx context.Context, id int64) error {
	delete(f.resources, id)
	delete(f.chunks, id)
	return nil
}

func (f *fakeRelational) NextVectorIDs(ctx context.Context, n int) ([]int64, error) {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i)
	}
	return out, nil
}

func (f *fakeRelational) UpsertChunks(ctx context.Context, resourceID int64, chunks []storage.ChunkWrite) ([]int64, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	ids := make([]int64, len(chunks))
	existing := f.chunks[resourceID]
	for i, cw := range chunks {
		id := int64(len(existing) + i + 1)
		ids[i] = id
		existing = append(existing, types.Chunk{ID: id, ResourceID: resourceID, Index: cw.Index, Text: cw.Text, VectorID: cw.VectorID, CreatedAt: time.Now()})
	}
	f.chunks[resourceID] = existing
	return ids, nil
}

// CreateResourceWithChunks mirrors the real store's single-transaction
// semantics: the failure checks happen before any state mutation, so a
// chunk-insert failure never leaves a resource row behind.
func (f *fakeRelational) CreateResourceWithChunks(ctx context.Context, fileName, resourceType, content string, chunks []storage.ChunkWrite) (int64, []int64, error) {
	if f.createErr != nil {
		return 0, nil, f.createErr
	}
	if f.upsertErr != nil {
		return 0, nil, f.upsertErr
	}
	id, err := f.CreateResource(ctx, fileName, resourceType, content)
	if err != nil {
		return 0, nil, err
	}
	ids, err := f.UpsertChunks(ctx, id, chunks)
	if err != nil {
		delete(f.resources, id)
		delete(f.chunks, id)
		return 0, nil, err
	}
	return id, ids, nil
}

func (f *fakeRelational) GetChunksByVectorIDs(ctx context.Context, vectorIDs []int64) ([]types.Chunk, error) {
	return nil, nil
}

func (f *fakeRelational) GetChunksByResource(ctx context.Context, resourceID int64) ([]types.Chunk, error) {
	return f.chunks[resourceID], nil
}

func (f *fakeRelational) ListChunks(ctx context.Context, filter storage.ChunkFilter) ([]types.Chunk, error) {
	return nil, nil
}

func (f *fakeRelational) DeleteChunksByResource(ctx context.Context, resourceID int64) ([]types.Chunk, error) {
	chunks := f.chunks[resourceID]
	delete(f.chunks, resourceID)
	return chunks, nil
}

func (f *fakeRelational) TouchChunkUsage(ctx context.Context, chunkID int64) error { return nil }

func (f *fakeRelational) LogChat(ctx context.Context, msg types.ChatMessage) (string, error) {
	return msg.ID, nil
}
func (f *fakeRelational) GetChatByConversation(ctx context.Context, conversationID string) ([]types.ChatMessage, error) {
	return nil, nil
}
func (f *fakeRelational) GetChatBySourceTool(ctx context.Context, sourceTool string) ([]types.ChatMessage, error) {
	return nil, nil
}

func (f *fakeRelational) AddContextLinks(ctx context.Context, messageID string, chunkIDs []int64) error {
	return nil
}
func (f *fakeRelational) GetContextLinksForMessage(ctx context.Context, messageID string) ([]types.ContextLink, error) {
	return nil, nil
}
func (f *fakeRelational) GetMessagesForChunk(ctx context.Context, chunkID int64) ([]types.ChatMessage, error) {
	return nil, nil
}
func (f *fakeRelational) CountContextLinks(ctx context.Context) (int64, error) { return 0, nil }

func (f *fakeRelational) AddTodo(ctx context.Context, todo types.Todo) (int64, error) { return 1, nil }
func (f *fakeRelational) ListTodos(ctx context.Context, status types.TodoStatus) ([]types.Todo, error) {
	return nil, nil
}
func (f *fakeRelational) CompleteTodo(ctx context.Context, id int64) error { return nil }
func (f *fakeRelational) SearchTodos(ctx context.Context, query string) ([]types.Todo, error) {
	return nil, nil
}

func (f *fakeRelational) GetRetrievalWeights(ctx context.Context) (types.RetrievalWeights, error) {
	return types.DefaultRetrievalWeights(), nil
}
func (f *fakeRelational) SetRetrievalWeights(ctx context.Context, w types.RetrievalWeights) error {
	return nil
}

func (f *fakeRelational) EnqueueRepair(ctx context.Context, entry storage.RepairEntry) error {
	f.nextRepairID++
	entry.ID = f.nextRepairID
	f.repair = append(f.repair, entry)
	return nil
}
func (f *fakeRelational) ListRepairQueue(ctx context.Context, limit int) ([]storage.RepairEntry, error) {
	return f.repair, nil
}
func (f *fakeRelational) MarkRepairAttempt(ctx context.Context, id int64, errMsg string) error {
	return nil
}
func (f *fakeRelational) ResolveRepair(ctx context.Context, id int64) error { return nil }

func (f *fakeRelational) RecordThoughtIndex(ctx context.Context, node types.ThoughtNode, resourceID int64) error {
	return nil
}
func (f *fakeRelational) GetThoughtBySessionAndStep(ctx context.Context, sessionID string, step int) (*types.ThoughtNode, error) {
	return nil, ltmcerrors.NewNotFound("sync", "GetThoughtBySessionAndStep", "not found")
}
func (f *fakeRelational) ListThoughtsBySession(ctx context.Context, sessionID string) ([]types.ThoughtNode, error) {
	return nil, nil
}
func (f *fakeRelational) CountThoughtsInSession(ctx context.Context, sessionID string) (int, error) {
	return 0, nil
}

func (f *fakeRelational) Close() error { return nil }

// fakeVector is a minimal in-memory VectorStore double.
type fakeVector struct {
	added       map[int64][]float64
	tombstoned  map[int64]bool
	addBatchErr error
}

func newFakeVector() *fakeVector {
	return &fakeVector{added: make(map[int64][]float64), tombstoned: make(map[int64]bool)}
}

func (f *fakeVector) Add(ctx context.Context, vectorID int64, vec []float64) error {
	f.added[vectorID] = vec
	return nil
}
func (f *fakeVector) AddBatch(ctx context.Context, items map[int64][]float64) error {
	if f.addBatchErr != nil {
		return f.addBatchErr
	}
	for id, vec := range items {
		f.added[id] = vec
	}
	return nil
}
func (f *fakeVector) Search(ctx context.Context, query []float64, k int) ([]storage.VectorHit, error) {
	return nil, nil
}
func (f *fakeVector) Exists(ctx context.Context, vectorID int64) (bool, error) {
	_, ok := f.added[vectorID]
	return ok, nil
}
func (f *fakeVector) Tombstone(ctx context.Context, vectorID int64) error {
	f.tombstoned[vectorID] = true
	delete(f.added, vectorID)
	return nil
}
func (f *fakeVector) Size(ctx context.Context) (int64, error)        { return int64(len(f.added)), nil }
func (f *fakeVector) HealthCheck(ctx context.Context) error          { return nil }
func (f *fakeVector) Close() error                                   { return nil }

// fakeGraph is a minimal in-memory GraphStore double.
type fakeGraph struct {
	nodes     map[string]types.Metadata
	relations []types.Relation
	detached  map[string]bool

	upsertNodeErr     error
	upsertRelationErr error
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{nodes: make(map[string]types.Metadata), detached: make(map[string]bool)}
}

func (f *fakeGraph) UpsertNode(ctx context.Context, kind, id string, props types.Metadata) error {
	if f.upsertNodeErr != nil {
		return f.upsertNodeErr
	}
	f.nodes[id] = props
	return nil
}
func (f *fakeGraph) UpsertRelation(ctx context.Context, rel types.Relation) error {
	if f.upsertRelationErr != nil {
		return f.upsertRelationErr
	}
	f.relations = append(f.relations, rel)
	return nil
}
func (f *fakeGraph) GetRelations(ctx context.Context, id string, relType types.RelationType, dir types.RelationDirection) ([]types.Relation, error) {
	return nil, nil
}
func (f *fakeGraph) TraverseChain(ctx context.Context, startID string, edge types.RelationType, max int) ([]string, error) {
	return nil, nil
}
func (f *fakeGraph) DetachNode(ctx context.Context, id string) error {
	f.detached[id] = true
	return nil
}
func (f *fakeGraph) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeGraph) Close() error                          { return nil }

// fakeCache is a minimal in-memory CacheStore double.
type fakeCache struct {
	data   map[string]string
	setErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]string)}
}

func (f *fakeCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}
func (f *fakeCache) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.data[key] = value
	return nil
}
func (f *fakeCache) CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error) {
	if f.data[key] != oldValue {
		return false, nil
	}
	f.data[key] = newValue
	return true, nil
}
func (f *fakeCache) Del(ctx context.Context, key string) error {
	delete(f.data, key)
	return nil
}
func (f *fakeCache) Incr(ctx context.Context, key string) (int64, error) { return 0, nil }
func (f *fakeCache) Scan(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}
func (f *fakeCache) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeCache) Close() error                          { return nil }

func newTestCoordinator(relational *fakeRelational, vector storage.VectorStore, graph storage.GraphStore, cache storage.CacheStore) *Coordinator {
	return New(DefaultConfig(), relational, vector, graph, cache)
}

func TestCoordinatorWriteFansOutToAllStores(t *testing.T) {
	ctx := context.Background()
	rel := newFakeRelational()
	vec := newFakeVector()
	graph := newFakeGraph()
	cache := newFakeCache()
	c := newTestCoordinator(rel, vec, graph, cache)

	result, err := c.Write(ctx, WriteRequest{
		FileName:     "doc.txt",
		ResourceType: "document",
		Content:      "hello",
		Chunks: []ChunkPlan{
			{Index: 0, Text: "hello", VectorID: 0, Vector: []float64{0.1, 0.2}},
		},
		Node:  &NodeUpsert{Kind: "document", ID: "doc-1", Props: types.Metadata{"name": "doc.txt"}},
		Cache: &CacheUpsert{Key: "doc:doc-1", Value: "hello", TTL: time.Minute},
	})
	require.NoError(t, err)
	require.NotZero(t, result.ResourceID)
	require.Len(t, result.ChunkIDs, 1)
	require.Empty(t, result.Degraded)

	require.Contains(t, vec.added, int64(0))
	require.Contains(t, graph.nodes, "doc-1")
	require.Equal(t, "hello", cache.data["doc:doc-1"])
}

func TestCoordinatorWriteDegradesWhenVectorStoreUnconfigured(t *testing.T) {
	ctx := context.Background()
	rel := newFakeRelational()
	c := newTestCoordinator(rel, nil, nil, nil)

	result, err := c.Write(ctx, WriteRequest{
		FileName:     "doc.txt",
		ResourceType: "document",
		Content:      "hello",
		Chunks: []ChunkPlan{
			{Index: 0, Text: "hello", VectorID: 0, Vector: []float64{0.1}},
		},
	})
	require.NoError(t, err)
	require.Contains(t, result.Degraded, StoreVector)
	require.Len(t, rel.repair, 1, "a chunk with no vector store must be queued for repair")
}

func TestCoordinatorWriteDegradesWhenVectorFanOutFails(t *testing.T) {
	ctx := context.Background()
	rel := newFakeRelational()
	vec := newFakeVector()
	vec.addBatchErr = errors.New("qdrant unreachable")
	c := newTestCoordinator(rel, vec, nil, nil)

	result, err := c.Write(ctx, WriteRequest{
		FileName:     "doc2.txt",
		ResourceType: "document",
		Content:      "hello",
		Chunks: []ChunkPlan{
			{Index: 0, Text: "hello", VectorID: 0, Vector: []float64{0.1}},
		},
	})
	require.NoError(t, err)
	require.Contains(t, result.Degraded, StoreVector)
	require.Len(t, rel.repair, 1)
}

func TestCoordinatorWriteAbortsWhenRelationalCreateFails(t *testing.T) {
	ctx := context.Background()
	rel := newFakeRelational()
	rel.createErr = ltmcerrors.NewIntegrityError("sync", "CreateResource", "disk full", nil)
	c := newTestCoordinator(rel, newFakeVector(), nil, nil)

	result, err := c.Write(ctx, WriteRequest{FileName: "x.txt", ResourceType: "document", Content: "x"})
	require.Error(t, err)
	require.Nil(t, result)
}

func TestCoordinatorWriteRollsBackResourceWhenChunkUpsertFails(t *testing.T) {
	ctx := context.Background()
	rel := newFakeRelational()
	rel.upsertErr = ltmcerrors.NewIntegrityError("sync", "UpsertChunks", "constraint violation", nil)
	c := newTestCoordinator(rel, newFakeVector(), nil, nil)

	result, err := c.Write(ctx, WriteRequest{
		FileName:     "x.txt",
		ResourceType: "document",
		Content:      "x",
		Chunks:       []ChunkPlan{{Index: 0, Text: "x", VectorID: 0}},
	})
	require.Error(t, err)
	require.Nil(t, result)
	require.Empty(t, rel.resources, "a failed chunk upsert must roll back the created resource")
}

func TestCoordinatorDeleteMirrorsWriteOrder(t *testing.T) {
	ctx := context.Background()
	rel := newFakeRelational()
	vec := newFakeVector()
	graph := newFakeGraph()
	cache := newFakeCache()
	c := newTestCoordinator(rel, vec, graph, cache)

	written, err := c.Write(ctx, WriteRequest{
		FileName:     "doc3.txt",
		ResourceType: "document",
		Content:      "hello",
		Chunks:       []ChunkPlan{{Index: 0, Text: "hello", VectorID: 0, Vector: []float64{0.1}}},
		Node:         &NodeUpsert{Kind: "document", ID: "doc-3"},
		Cache:        &CacheUpsert{Key: "doc:doc-3", Value: "hello", TTL: time.Minute},
	})
	require.NoError(t, err)

	result, err := c.Delete(ctx, DeleteRequest{
		ResourceID:  written.ResourceID,
		GraphNodeID: "doc-3",
		CacheKeys:   []string{"doc:doc-3"},
	})
	require.NoError(t, err)
	require.Empty(t, result.Degraded)
	require.True(t, graph.detached["doc-3"])
	require.True(t, vec.tombstoned[0])
	require.NotContains(t, cache.data, "doc:doc-3")
	require.Empty(t, rel.resources)
}

func TestCoordinatorLinkRelationDegradedWhenGraphUnconfigured(t *testing.T) {
	c := newTestCoordinator(newFakeRelational(), nil, nil, nil)
	degraded := c.LinkRelation(context.Background(), types.Relation{SourceID: "a", TargetID: "b", Type: types.RelationRelatedTo})
	require.True(t, degraded)
}

func TestCoordinatorLinkRelationNotDegradedOnSuccess(t *testing.T) {
	graph := newFakeGraph()
	c := newTestCoordinator(newFakeRelational(), nil, graph, nil)
	degraded := c.LinkRelation(context.Background(), types.Relation{SourceID: "a", TargetID: "b", Type: types.RelationRelatedTo})
	require.False(t, degraded)
	require.Len(t, graph.relations, 1)
}

func TestCoordinatorBreakerStatesStartClosed(t *testing.T) {
	c := newTestCoordinator(newFakeRelational(), newFakeVector(), newFakeGraph(), newFakeCache())
	states := c.BreakerStates()
	require.Len(t, states, 3)
	for _, name := range []string{StoreVector, StoreGraph, StoreCache} {
		require.Contains(t, states, name)
		require.Equal(t, "closed", states[name].String())
	}
}
