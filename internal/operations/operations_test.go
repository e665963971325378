package operations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ltmc/internal/chunking"
	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/storage"
	syncpkg "ltmc/internal/sync"
	"ltmc/internal/types"
)

// fakeRelational is a minimal but functional in-memory storage.RelationalStore
// double: it actually stores/deletes resources and chunks so store/delete/
// replace round-trips (spec L1/L2) can be exercised end-to-end.
type fakeRelational struct {
	nextResourceID int64
	nextChunkID    int64
	nextVectorID   int64
	resources      map[int64]*types.Resource
	chunks         map[int64][]types.Chunk // by resource id
}

func newFakeRelational() *fakeRelational {
	return &fakeRelational{resources: make(map[int64]*types.Resource), chunks: make(map[int64][]types.Chunk)}
}

func (f *fakeRelational) Bootstrap(ctx context.Context) error { return nil }

func (f *fakeRelational) CreateResource(ctx context.Context, fileName, resourceType, content string) (int64, error) {
	f.nextResourceID++
	id := f.nextResourceID
	f.resources[id] = &types.Resource{ID: id, FileName: fileName, Type: resourceType, Content: content, CreatedAt: time.Now()}
	return id, nil
}
func (f *fakeRelational) GetResource(ctx context.Context, id int64) (*types.Resource, error) {
	r, ok := f.resources[id]
	if !ok {
		return nil, ltmcerrors.NewNotFound("operations", "GetResource", "not found")
	}
	return r, nil
}
func (f *fakeRelational) GetResourceByFileName(ctx context.Context, fileName string) (*types.Resource, error) {
	for _, r := range f.resources {
		if r.FileName == fileName {
			return r, nil
		}
	}
	return nil, ltmcerrors.NewNotFound("operations", "GetResourceByFileName", "not found")
}
func (f *fakeRelational) DeleteResource(ctx context.Context, id int64) error {
	delete(f.resources, id)
	delete(f.chunks, id)
	return nil
}
func (f *fakeRelational) NextVectorIDs(ctx context.Context, n int) ([]int64, error) {
	out := make([]int64, n)
	for i := range out {
		out[i] = f.nextVectorID
		f.nextVectorID++
	}
	return out, nil
}
func (f *fakeRelational) UpsertChunks(ctx context.Context, resourceID int64, chunks []storage.ChunkWrite) ([]int64, error) {
	ids := make([]int64, len(chunks))
	var rows []types.Chunk
	for i, cw := range chunks {
		f.nextChunkID++
		ids[i] = f.nextChunkID
		rows = append(rows, types.Chunk{ID: f.nextChunkID, ResourceID: resourceID, Index: cw.Index, Text: cw.Text, VectorID: cw.VectorID, CreatedAt: time.Now()})
	}
	f.chunks[resourceID] = rows
	return ids, nil
}
func (f *fakeRelational) CreateResourceWithChunks(ctx context.Context, fileName, resourceType, content string, chunks []storage.ChunkWrite) (int64, []int64, error) {
	id, err := f.CreateResource(ctx, fileName, resourceType, content)
	if err != nil {
		return 0, nil, err
	}
	ids, err := f.UpsertChunks(ctx, id, chunks)
	if err != nil {
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
	return "", nil
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

func (f *fakeRelational) AddTodo(ctx context.Context, todo types.Todo) (int64, error) { return 0, nil }
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
	return nil
}
func (f *fakeRelational) ListRepairQueue(ctx context.Context, limit int) ([]storage.RepairEntry, error) {
	return nil, nil
}
func (f *fakeRelational) MarkRepairAttempt(ctx context.Context, id int64, errMsg string) error {
	return nil
}
func (f *fakeRelational) ResolveRepair(ctx context.Context, id int64) error { return nil }

func (f *fakeRelational) RecordThoughtIndex(ctx context.Context, node types.ThoughtNode, resourceID int64) error {
	return nil
}
func (f *fakeRelational) GetThoughtBySessionAndStep(ctx context.Context, sessionID string, step int) (*types.ThoughtNode, error) {
	return nil, ltmcerrors.NewNotFound("operations", "GetThoughtBySessionAndStep", "not found")
}
func (f *fakeRelational) ListThoughtsBySession(ctx context.Context, sessionID string) ([]types.ThoughtNode, error) {
	return nil, nil
}
func (f *fakeRelational) CountThoughtsInSession(ctx context.Context, sessionID string) (int, error) {
	return 0, nil
}
func (f *fakeRelational) Close() error { return nil }

type fakeEmbedder struct{ err error }

func (e fakeEmbedder) Generate(ctx context.Context, text string) ([]float64, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float64{0.1, 0.2}, nil
}

func newTestOperations(rel *fakeRelational) *Operations {
	coord := syncpkg.New(syncpkg.DefaultConfig(), rel, nil, nil, nil)
	chunker := chunking.New(chunking.DefaultConfig())
	return New(coord, nil, chunker, fakeEmbedder{})
}

// L1: store(f, c) then get(f) returns c (up to chunker canonicalization).
func TestStoreThenGetRoundTrips(t *testing.T) {
	rel := newFakeRelational()
	ops := newTestOperations(rel)

	stored, err := ops.StoreDocument(context.Background(), StoreDocumentRequest{FileName: "a.md", Content: "alpha beta gamma"})
	require.NoError(t, err)
	require.NotZero(t, stored.ResourceID)
	require.Len(t, stored.ChunkIDs, 1)
	require.Len(t, stored.VectorIDs, 1)

	doc, err := ops.GetDocument(context.Background(), stored.ResourceID)
	require.NoError(t, err)
	require.Equal(t, "alpha beta gamma", doc.Resource.Content)
	require.Equal(t, "alpha beta gamma", doc.Chunks[0].Text)
}

// Duplicate file_name without replace=true yields AlreadyExists.
func TestStoreDuplicateFileNameWithoutReplaceFails(t *testing.T) {
	rel := newFakeRelational()
	ops := newTestOperations(rel)

	_, err := ops.StoreDocument(context.Background(), StoreDocumentRequest{FileName: "a.md", Content: "first"})
	require.NoError(t, err)

	_, err = ops.StoreDocument(context.Background(), StoreDocumentRequest{FileName: "a.md", Content: "second"})
	require.Error(t, err)
	e, ok := ltmcerrors.As(err)
	require.True(t, ok)
	require.Equal(t, ltmcerrors.KindAlreadyExists, e.Kind)
}

// L2: store(f, c); delete(f); store(f, c) is observationally equivalent to
// store(f, c) alone, except vector ids differ.
func TestReplaceDeletesOldChunksBeforeRewriting(t *testing.T) {
	rel := newFakeRelational()
	ops := newTestOperations(rel)

	first, err := ops.StoreDocument(context.Background(), StoreDocumentRequest{FileName: "a.md", Content: "first version"})
	require.NoError(t, err)

	second, err := ops.StoreDocument(context.Background(), StoreDocumentRequest{FileName: "a.md", Content: "second version", Replace: true})
	require.NoError(t, err)

	require.NotEqual(t, first.ResourceID, second.ResourceID)
	require.NotEqual(t, first.VectorIDs[0], second.VectorIDs[0])

	doc, err := ops.GetDocument(context.Background(), second.ResourceID)
	require.NoError(t, err)
	require.Equal(t, "second version", doc.Resource.Content)

	_, err = ops.GetDocument(context.Background(), first.ResourceID)
	require.Error(t, err, "the old resource must be gone after a replace")
}

func TestStoreDocumentRejectsEmptyFileName(t *testing.T) {
	rel := newFakeRelational()
	ops := newTestOperations(rel)

	_, err := ops.StoreDocument(context.Background(), StoreDocumentRequest{FileName: "", Content: "x"})
	require.Error(t, err)
}

func TestStoreDocumentDegradesOnEmbeddingFailureInsteadOfFailingWholeDocument(t *testing.T) {
	rel := newFakeRelational()
	coord := syncpkg.New(syncpkg.DefaultConfig(), rel, nil, nil, nil)
	chunker := chunking.New(chunking.DefaultConfig())
	ops := New(coord, nil, chunker, fakeEmbedder{err: errSentinel{}})

	result, err := ops.StoreDocument(context.Background(), StoreDocumentRequest{FileName: "a.md", Content: "hello world"})
	require.NoError(t, err, "an embedding failure must not fail the whole document")
	require.NotZero(t, result.ResourceID)
}

type errSentinel struct{}

func (errSentinel) Error() string { return "embedding provider unavailable" }

func TestDeleteDocumentRemovesResourceAndChunks(t *testing.T) {
	rel := newFakeRelational()
	ops := newTestOperations(rel)

	stored, err := ops.StoreDocument(context.Background(), StoreDocumentRequest{FileName: "a.md", Content: "hello"})
	require.NoError(t, err)

	degraded, err := ops.DeleteDocument(context.Background(), stored.ResourceID)
	require.NoError(t, err)
	require.Contains(t, degraded, syncpkg.StoreVector, "vector store is unconfigured in this test, so deletion of it is degraded")

	_, err = ops.GetDocument(context.Background(), stored.ResourceID)
	require.Error(t, err)
}

func TestLinkDegradedWithoutGraphStore(t *testing.T) {
	rel := newFakeRelational()
	ops := newTestOperations(rel)

	degraded := ops.Link(context.Background(), "a", "b", types.RelationRelatedTo, nil)
	require.True(t, degraded)
}
