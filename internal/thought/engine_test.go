package thought

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/storage"
	syncpkg "ltmc/internal/sync"
	"ltmc/internal/types"
)

// fakeRelational is an in-memory storage.RelationalStore double covering
// the resource/chunk and thought-index surfaces the engine exercises.
type fakeRelational struct {
	nextResourceID int64
	nextVectorID   int64
	resources      map[int64]*types.Resource
	thoughts       map[string][]types.ThoughtNode // by session id, step-ordered
}

func newFakeRelational() *fakeRelational {
	return &fakeRelational{resources: make(map[int64]*types.Resource), thoughts: make(map[string][]types.ThoughtNode)}
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
		return nil, ltmcerrors.NewNotFound("thought", "GetResource", "not found")
	}
	return r, nil
}
func (f *fakeRelational) GetResourceByFileName(ctx context.Context, fileName string) (*types.Resource, error) {
	for _, r := range f.resources {
		if r.FileName == fileName {
			return r, nil
		}
	}
	return nil, ltmcerrors.NewNotFound("thought", "GetResourceByFileName", "not found")
}
func (f *fakeRelational) DeleteResource(ctx context.Context, id int64) error {
	delete(f.resources, id)
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
	for i := range chunks {
		ids[i] = int64(i + 1)
	}
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
	return nil, nil
}
func (f *fakeRelational) ListChunks(ctx context.Context, filter storage.ChunkFilter) ([]types.Chunk, error) {
	return nil, nil
}
func (f *fakeRelational) DeleteChunksByResource(ctx context.Context, resourceID int64) ([]types.Chunk, error) {
	return nil, nil
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
	f.thoughts[node.SessionID] = append(f.thoughts[node.SessionID], node)
	return nil
}
func (f *fakeRelational) GetThoughtBySessionAndStep(ctx context.Context, sessionID string, step int) (*types.ThoughtNode, error) {
	for _, n := range f.thoughts[sessionID] {
		if n.StepNumber == step {
			cp := n
			return &cp, nil
		}
	}
	return nil, ltmcerrors.NewNotFound("thought", "GetThoughtBySessionAndStep", "not found")
}
func (f *fakeRelational) ListThoughtsBySession(ctx context.Context, sessionID string) ([]types.ThoughtNode, error) {
	return f.thoughts[sessionID], nil
}
func (f *fakeRelational) CountThoughtsInSession(ctx context.Context, sessionID string) (int, error) {
	return len(f.thoughts[sessionID]), nil
}
func (f *fakeRelational) Close() error { return nil }

type fakeEmbedder struct{ err error }

func (e fakeEmbedder) Generate(ctx context.Context, text string) ([]float64, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float64{0.1, 0.2}, nil
}

// fixedEntropy supplies a deterministic byte stream so ULIDs are
// reproducible across test runs without depending on wall-clock jitter.
type fixedEntropy struct{ n byte }

func (e *fixedEntropy) Read(p []byte) (int, error) {
	for i := range p {
		e.n++
		p[i] = e.n
	}
	return len(p), nil
}

func newTestEngine(rel *fakeRelational) *Engine {
	coord := syncpkg.New(syncpkg.DefaultConfig(), rel, nil, nil, nil)
	return New(coord, fakeEmbedder{}, nil, &fixedEntropy{})
}

func TestCreateFirstThoughtGetsStepOne(t *testing.T) {
	rel := newFakeRelational()
	e := newTestEngine(rel)

	result, err := e.Create(context.Background(), CreateRequest{SessionID: "s1", Content: "define the problem", Kind: types.ThoughtKindProblem})
	require.NoError(t, err)
	require.Equal(t, 1, result.Node.StepNumber)
	require.NotEmpty(t, result.Node.ULID)
	require.Contains(t, result.DatabasesAffected, "relational")
}

// P5: step numbers chain in order; auto-resolved steps increment from the head.
func TestCreateAutoResolvesIncrementingStepNumber(t *testing.T) {
	rel := newFakeRelational()
	e := newTestEngine(rel)

	first, err := e.Create(context.Background(), CreateRequest{SessionID: "s1", Content: "first"})
	require.NoError(t, err)
	second, err := e.Create(context.Background(), CreateRequest{SessionID: "s1", Content: "second", PreviousThoughtID: first.Node.ULID})
	require.NoError(t, err)

	require.Equal(t, 1, first.Node.StepNumber)
	require.Equal(t, 2, second.Node.StepNumber)
}

func TestCreateRejectsStepNumberThatDoesNotFollowPrevious(t *testing.T) {
	rel := newFakeRelational()
	e := newTestEngine(rel)

	first, err := e.Create(context.Background(), CreateRequest{SessionID: "s1", Content: "first"})
	require.NoError(t, err)

	_, err = e.Create(context.Background(), CreateRequest{
		SessionID:         "s1",
		Content:           "bad jump",
		PreviousThoughtID: first.Node.ULID,
		StepNumber:        5,
	})
	require.Error(t, err)
}

func TestCreateRejectsEmptySessionOrContent(t *testing.T) {
	rel := newFakeRelational()
	e := newTestEngine(rel)

	_, err := e.Create(context.Background(), CreateRequest{SessionID: "", Content: "x"})
	require.Error(t, err)

	_, err = e.Create(context.Background(), CreateRequest{SessionID: "s1", Content: ""})
	require.Error(t, err)
}

func TestCreateDegradesOnEmbeddingFailureInsteadOfFailingTheStep(t *testing.T) {
	rel := newFakeRelational()
	coord := syncpkg.New(syncpkg.DefaultConfig(), rel, nil, nil, nil)
	e := New(coord, fakeEmbedder{err: errors.New("embedding provider down")}, nil, &fixedEntropy{})

	result, err := e.Create(context.Background(), CreateRequest{SessionID: "s1", Content: "still persisted"})
	require.NoError(t, err)
	require.Equal(t, 1, result.Node.StepNumber)
}

// P4: content hash integrity survives the round trip through the store.
func TestAnalyzeChainVerifiesContentHashIntegrity(t *testing.T) {
	rel := newFakeRelational()
	e := newTestEngine(rel)

	_, err := e.Create(context.Background(), CreateRequest{SessionID: "s1", Content: "define the problem", Kind: types.ThoughtKindProblem})
	require.NoError(t, err)
	prev, err := e.Create(context.Background(), CreateRequest{SessionID: "s1", Content: "work it through"})
	require.NoError(t, err)
	_, err = e.Create(context.Background(), CreateRequest{SessionID: "s1", Content: "done", Kind: types.ThoughtKindConclusion, PreviousThoughtID: prev.Node.ULID})
	require.NoError(t, err)

	chain, err := e.AnalyzeChain(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 3, chain.ChainLength)
	require.True(t, chain.Analysis.HasProblemDefinition)
	require.True(t, chain.Analysis.HasConclusion)
	require.Greater(t, chain.Analysis.CoherenceScore, 0.0)
}

func TestAnalyzeChainFailsIntegrityCheckOnTamperedContent(t *testing.T) {
	rel := newFakeRelational()
	e := newTestEngine(rel)

	_, err := e.Create(context.Background(), CreateRequest{SessionID: "s1", Content: "original content"})
	require.NoError(t, err)

	nodes := rel.thoughts["s1"]
	tampered := nodes[0]
	tampered.Content = "tampered content"
	rel.thoughts["s1"] = []types.ThoughtNode{tampered}

	_, err = e.AnalyzeChain(context.Background(), "s1")
	require.Error(t, err)
	kind := ltmcerrors.KindOf(err)
	require.Equal(t, ltmcerrors.KindIntegrityError, kind)
}

func TestAnalyzeChainEmptySessionReturnsZeroLength(t *testing.T) {
	rel := newFakeRelational()
	e := newTestEngine(rel)

	chain, err := e.AnalyzeChain(context.Background(), "never-existed")
	require.NoError(t, err)
	require.Equal(t, 0, chain.ChainLength)
}

func TestFindSimilarWithoutRetrieverIsDegraded(t *testing.T) {
	rel := newFakeRelational()
	e := newTestEngine(rel)

	_, err := e.FindSimilar(context.Background(), "query", 5, false)
	require.Error(t, err)
	require.Equal(t, ltmcerrors.KindDegraded, ltmcerrors.KindOf(err))
}

func TestParseThoughtFileNameRoundTrips(t *testing.T) {
	sessionID, ulidStr, ok := parseThoughtFileName("thought/sess-1/01H8X.txt")
	require.True(t, ok)
	require.Equal(t, "sess-1", sessionID)
	require.Equal(t, "01H8X", ulidStr)

	_, _, ok = parseThoughtFileName("notathought.txt")
	require.False(t, ok)
}
