package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/storage"
	"ltmc/internal/types"
)

// fakeRelational is a minimal in-memory storage.RelationalStore double
// covering only what the retriever exercises (chunks, resources, weights).
type fakeRelational struct {
	weights   types.RetrievalWeights
	resources map[int64]*types.Resource
	chunks    map[int64]types.Chunk // by vector id
	byID      map[int64]types.Chunk
	touched   map[int64]int
}

func newFakeRelational() *fakeRelational {
	return &fakeRelational{
		weights:   types.DefaultRetrievalWeights(),
		resources: make(map[int64]*types.Resource),
		chunks:    make(map[int64]types.Chunk),
		byID:      make(map[int64]types.Chunk),
		touched:   make(map[int64]int),
	}
}

func (f *fakeRelational) Bootstrap(ctx context.Context) error { return nil }
func (f *fakeRelational) CreateResource(ctx context.Context, fileName, resourceType, content string) (int64, error) {
	return 0, nil
}
func (f *fakeRelational) GetResource(ctx context.Context, id int64) (*types.Resource, error) {
	r, ok := f.resources[id]
	if !ok {
		return nil, ltmcerrors.NewNotFound("retrieval", "GetResource", "not found")
	}
	return r, nil
}
func (f *fakeRelational) GetResourceByFileName(ctx context.Context, fileName string) (*types.Resource, error) {
	return nil, ltmcerrors.NewNotFound("retrieval", "GetResourceByFileName", "not found")
}
func (f *fakeRelational) DeleteResource(ctx context.Context, id int64) error { return nil }
func (f *fakeRelational) NextVectorIDs(ctx context.Context, n int) ([]int64, error) {
	return nil, nil
}
func (f *fakeRelational) UpsertChunks(ctx context.Context, resourceID int64, chunks []storage.ChunkWrite) ([]int64, error) {
	return nil, nil
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
	out := make([]types.Chunk, 0, len(vectorIDs))
	for _, vid := range vectorIDs {
		if ch, ok := f.chunks[vid]; ok {
			out = append(out, ch)
		}
	}
	return out, nil
}
func (f *fakeRelational) GetChunksByResource(ctx context.Context, resourceID int64) ([]types.Chunk, error) {
	return nil, nil
}
func (f *fakeRelational) ListChunks(ctx context.Context, filter storage.ChunkFilter) ([]types.Chunk, error) {
	var out []types.Chunk
	for _, ch := range f.byID {
		out = append(out, ch)
	}
	return out, nil
}
func (f *fakeRelational) DeleteChunksByResource(ctx context.Context, resourceID int64) ([]types.Chunk, error) {
	return nil, nil
}
func (f *fakeRelational) TouchChunkUsage(ctx context.Context, chunkID int64) error {
	f.touched[chunkID]++
	return nil
}

func (f *fakeRelational) LogChat(ctx context.Context, msg types.ChatMessage) (string, error) {
	return "msg-1", nil
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
	return f.weights, nil
}
func (f *fakeRelational) SetRetrievalWeights(ctx context.Context, w types.RetrievalWeights) error {
	f.weights = w
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
	return nil, ltmcerrors.NewNotFound("retrieval", "GetThoughtBySessionAndStep", "not found")
}
func (f *fakeRelational) ListThoughtsBySession(ctx context.Context, sessionID string) ([]types.ThoughtNode, error) {
	return nil, nil
}
func (f *fakeRelational) CountThoughtsInSession(ctx context.Context, sessionID string) (int, error) {
	return 0, nil
}
func (f *fakeRelational) Close() error { return nil }

// fakeVector is a minimal in-memory storage.VectorStore double returning a
// fixed, caller-supplied hit list regardless of the query vector.
type fakeVector struct {
	hits []storage.VectorHit
}

func (f *fakeVector) Add(ctx context.Context, vectorID int64, vec []float64) error   { return nil }
func (f *fakeVector) AddBatch(ctx context.Context, items map[int64][]float64) error  { return nil }
func (f *fakeVector) Search(ctx context.Context, query []float64, k int) ([]storage.VectorHit, error) {
	if k < len(f.hits) {
		return f.hits[:k], nil
	}
	return f.hits, nil
}
func (f *fakeVector) Exists(ctx context.Context, vectorID int64) (bool, error) { return true, nil }
func (f *fakeVector) Tombstone(ctx context.Context, vectorID int64) error      { return nil }
func (f *fakeVector) Size(ctx context.Context) (int64, error)                 { return int64(len(f.hits)), nil }
func (f *fakeVector) HealthCheck(ctx context.Context) error                   { return nil }
func (f *fakeVector) Close() error                                            { return nil }

type fakeEmbedder struct{}

func (fakeEmbedder) Generate(ctx context.Context, text string) ([]float64, error) {
	return []float64{0.1, 0.2, 0.3}, nil
}

func vecID(n int64) *int64 { return &n }

func TestRetrieveRejectsEmptyQuery(t *testing.T) {
	r := New(DefaultConfig(), newFakeRelational(), &fakeVector{}, fakeEmbedder{}, nil, nil)
	_, err := r.Retrieve(context.Background(), Request{Query: ""})
	require.Error(t, err)
}

func TestRetrieveTopKZeroReturnsEmptySuccessfully(t *testing.T) {
	rel := newFakeRelational()
	rel.chunks[1] = types.Chunk{ID: 1, ResourceID: 1, VectorID: vecID(1), Text: "hello", CreatedAt: time.Now()}
	vec := &fakeVector{hits: []storage.VectorHit{{VectorID: 1, Score: 0.9}}}
	r := New(DefaultConfig(), rel, vec, fakeEmbedder{}, nil, nil)

	result, err := r.Retrieve(context.Background(), Request{Query: "hello", TopK: 0})
	require.NoError(t, err)
	// TopK 0 is a successful empty result even though a matching chunk exists.
	require.NotNil(t, result)
	require.Empty(t, result.Hits)
}

// P6: with weights (alpha=1, others=0), ranking matches raw ANN ordering
// (by descending similarity), modulo filters.
func TestRerankWithAlphaOnlyMatchesRawANNOrder(t *testing.T) {
	rel := newFakeRelational()
	now := time.Now()
	rel.weights = types.RetrievalWeights{Alpha: 1, Beta: 0, Gamma: 0, Delta: 0, Eps: 0}
	rel.resources[1] = &types.Resource{ID: 1, FileName: "a.md", Type: "document"}
	rel.chunks[1] = types.Chunk{ID: 1, ResourceID: 1, VectorID: vecID(1), Text: "low sim chunk", CreatedAt: now}
	rel.chunks[2] = types.Chunk{ID: 2, ResourceID: 1, VectorID: vecID(2), Text: "high sim chunk", CreatedAt: now}
	rel.chunks[3] = types.Chunk{ID: 3, ResourceID: 1, VectorID: vecID(3), Text: "mid sim chunk", CreatedAt: now}

	// ANN returns results already sorted descending by similarity, as spec
	// §4.2 requires; rerank with alpha-only must preserve that order.
	vec := &fakeVector{hits: []storage.VectorHit{
		{VectorID: 2, Score: 0.9},
		{VectorID: 3, Score: 0.5},
		{VectorID: 1, Score: 0.1},
	}}
	r := New(DefaultConfig(), rel, vec, fakeEmbedder{}, nil, nil)

	result, err := r.Retrieve(context.Background(), Request{Query: "q", TopK: 3})
	require.NoError(t, err)
	require.Len(t, result.Hits, 3)
	require.Equal(t, int64(2), result.Hits[0].ChunkID)
	require.Equal(t, int64(3), result.Hits[1].ChunkID)
	require.Equal(t, int64(1), result.Hits[2].ChunkID)
	require.False(t, result.Degraded)
}

func TestRetrieveDegradesToRecencyOnlyWhenVectorStoreNil(t *testing.T) {
	rel := newFakeRelational()
	rel.byID[1] = types.Chunk{ID: 1, ResourceID: 1, Text: "recent chunk", CreatedAt: time.Now()}
	r := New(DefaultConfig(), rel, nil, fakeEmbedder{}, nil, nil)

	result, err := r.Retrieve(context.Background(), Request{Query: "anything", TopK: 3})
	require.NoError(t, err)
	require.True(t, result.Degraded)
}

func TestRetrieveDegradesWhenBreakerOpen(t *testing.T) {
	rel := newFakeRelational()
	rel.byID[1] = types.Chunk{ID: 1, ResourceID: 1, Text: "recent chunk", CreatedAt: time.Now()}
	vec := &fakeVector{hits: []storage.VectorHit{{VectorID: 1, Score: 0.5}}}
	r := New(DefaultConfig(), rel, vec, fakeEmbedder{}, func() bool { return true }, nil)

	result, err := r.Retrieve(context.Background(), Request{Query: "anything", TopK: 3})
	require.NoError(t, err)
	require.True(t, result.Degraded)
}

func TestRetrieveFiltersByType(t *testing.T) {
	rel := newFakeRelational()
	rel.resources[1] = &types.Resource{ID: 1, FileName: "a.md", Type: "document"}
	rel.resources[2] = &types.Resource{ID: 2, FileName: "b.md", Type: "note"}
	rel.chunks[1] = types.Chunk{ID: 1, ResourceID: 1, VectorID: vecID(1), Text: "doc chunk", CreatedAt: time.Now()}
	rel.chunks[2] = types.Chunk{ID: 2, ResourceID: 2, VectorID: vecID(2), Text: "note chunk", CreatedAt: time.Now()}
	vec := &fakeVector{hits: []storage.VectorHit{{VectorID: 1, Score: 0.9}, {VectorID: 2, Score: 0.8}}}
	r := New(DefaultConfig(), rel, vec, fakeEmbedder{}, nil, nil)

	result, err := r.Retrieve(context.Background(), Request{Query: "q", TopK: 5, TypeFilter: "note"})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	require.Equal(t, int64(2), result.Hits[0].ChunkID)
}

func TestRetrieveTouchesUsageForEverySelectedChunk(t *testing.T) {
	rel := newFakeRelational()
	rel.resources[1] = &types.Resource{ID: 1, FileName: "a.md", Type: "document"}
	rel.chunks[1] = types.Chunk{ID: 1, ResourceID: 1, VectorID: vecID(1), Text: "chunk", CreatedAt: time.Now()}
	vec := &fakeVector{hits: []storage.VectorHit{{VectorID: 1, Score: 0.9}}}
	r := New(DefaultConfig(), rel, vec, fakeEmbedder{}, nil, nil)

	_, err := r.Retrieve(context.Background(), Request{Query: "q", TopK: 1})
	require.NoError(t, err)
	require.Equal(t, 1, rel.touched[1])
}
