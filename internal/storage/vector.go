package storage

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
)

// QdrantVectorStore is an optional ANN index over d-dimensional unit-norm
// vectors, keyed by the dense int64 ids the relational store allocates
// rather than Qdrant's own point id scheme, since LTMC's vector ids are a
// monotonic sequence, not content-addressed identifiers.
type QdrantVectorStore struct {
	client         *qdrant.Client
	collectionName string
	dimensions     int
}

// NewQdrantVectorStore dials Qdrant at host:port. Callers must call
// EnsureCollection before first use.
func NewQdrantVectorStore(host string, port int, apiKey string, useTLS bool, collection string, dimensions int) (*QdrantVectorStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   host,
		Port:                   port,
		APIKey:                 apiKey,
		UseTLS:                 useTLS,
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.vector", "NewQdrantVectorStore", "failed to create qdrant client", err)
	}
	return &QdrantVectorStore{client: client, collectionName: collection, dimensions: dimensions}, nil
}

// EnsureCollection creates the chunk-vector collection if absent, using
// inner-product distance (vectors are pre-normalized to unit
// norm by the embedding service, making inner product equivalent to cosine similarity).
func (q *QdrantVectorStore) EnsureCollection(ctx context.Context) error {
	collections, err := q.client.ListCollections(ctx)
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.vector", "EnsureCollection", "list collections", err)
	}
	for _, name := range collections {
		if name == q.collectionName {
			return nil
		}
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimensions),
			Distance: qdrant.Distance_Dot,
		}),
	})
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.vector", "EnsureCollection", fmt.Sprintf("create collection %s", q.collectionName), err)
	}
	logging.StorageLogger.Info("created qdrant collection", "collection", q.collectionName, "dimensions", q.dimensions)
	return nil
}

func vectorIDToPointID(vectorID int64) *qdrant.PointId {
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Num{Num: uint64(vectorID)}}
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// Add upserts a single vector (the sync coordinator step 2).
func (q *QdrantVectorStore) Add(ctx context.Context, vectorID int64, vec []float64) error {
	return q.AddBatch(ctx, map[int64][]float64{vectorID: vec})
}

// AddBatch upserts several vectors in one round trip, used by ingestion and
// by the consistency manager repair-queue drains.
func (q *QdrantVectorStore) AddBatch(ctx context.Context, items map[int64][]float64) error {
	points := make([]*qdrant.PointStruct, 0, len(items))
	for vectorID, vec := range items {
		points = append(points, &qdrant.PointStruct{
			Id: vectorIDToPointID(vectorID),
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: float64ToFloat32(vec)},
				},
			},
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionName,
		Points:         points,
	})
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.vector", "AddBatch", "upsert points", err)
	}
	return nil
}

// Search runs an overfetch-sized ANN query (the hybrid retriever step 2). The caller (the sync coordinator's
// circuit breaker) is responsible for translating a transport failure into a
// degraded fallback; Search itself always returns a hard error on failure.
func (q *QdrantVectorStore) Search(ctx context.Context, query []float64, k int) ([]VectorHit, error) {
	if len(query) == 0 {
		return nil, ltmcerrors.NewInvalidParams("storage.vector", "Search", "query vector must not be empty")
	}
	limit := uint64(k)
	result, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collectionName,
		Query:          qdrant.NewQuery(float64ToFloat32(query)...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.vector", "Search", "query", err)
	}

	hits := make([]VectorHit, 0, len(result))
	for _, point := range result {
		id := point.GetId()
		if id == nil {
			continue
		}
		hits = append(hits, VectorHit{VectorID: int64(id.GetNum()), Score: float64(point.GetScore())})
	}
	return hits, nil
}

// Exists reports whether vectorID currently has a live point, used by the
// consistency manager's Verify to confirm every chunk's vector is
// actually present.
func (q *QdrantVectorStore) Exists(ctx context.Context, vectorID int64) (bool, error) {
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collectionName,
		Ids:            []*qdrant.PointId{vectorIDToPointID(vectorID)},
		WithPayload:    qdrant.NewWithPayload(false),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return false, ltmcerrors.NewWriteFailed("storage.vector", "Exists", "get point", err)
	}
	return len(points) > 0, nil
}

// Tombstone deletes a vector (unified operations delete_document / the consistency manager quarantine cleanup).
func (q *QdrantVectorStore) Tombstone(ctx context.Context, vectorID int64) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{vectorIDToPointID(vectorID)}},
			},
		},
	})
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.vector", "Tombstone", "delete point", err)
	}
	return nil
}

// Size reports the collection's point count, used by unified_health.
func (q *QdrantVectorStore) Size(ctx context.Context) (int64, error) {
	info, err := q.client.GetCollectionInfo(ctx, q.collectionName)
	if err != nil {
		return 0, ltmcerrors.NewWriteFailed("storage.vector", "Size", "get collection info", err)
	}
	return int64(info.GetPointsCount()), nil
}

// HealthCheck verifies the collection is reachable.
func (q *QdrantVectorStore) HealthCheck(ctx context.Context) error {
	if _, err := q.client.GetCollectionInfo(ctx, q.collectionName); err != nil {
		return ltmcerrors.NewDegraded("storage.vector", "HealthCheck", "qdrant unreachable: "+err.Error())
	}
	return nil
}

// Close releases the underlying gRPC connection.
func (q *QdrantVectorStore) Close() error {
	return q.client.Close()
}
