package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/internal/types"
)

const defaultGraphCollection = "ltmc_graph"

// QdrantGraphStore stores typed edges, and the nodes they connect
// (Resources, Chunks, ThoughtNodes), as metadata-only points in a second
// Qdrant collection separate from the vector index, so TraverseChain can
// walk NEXT edges without a separate graph database. The read-only guard
// for CREATE/MERGE/DELETE/SET/REMOVE-flavored client calls lives in the
// dispatcher, not here: this type is a full read/write client used
// internally by the sync coordinator, unified operations, and the
// thought engine.
type QdrantGraphStore struct {
	client         *qdrant.Client
	collectionName string
}

// NewQdrantGraphStore wraps an existing Qdrant client with the graph-edge
// collection name; the store takes ownership of the client and closes it in
// Close.
func NewQdrantGraphStore(client *qdrant.Client, collection string) *QdrantGraphStore {
	if collection == "" {
		collection = defaultGraphCollection
	}
	return &QdrantGraphStore{client: client, collectionName: collection}
}

// EnsureCollection creates the graph collection (minimal 1-dim vector,
// since nodes/edges are metadata-only here).
func (g *QdrantGraphStore) EnsureCollection(ctx context.Context) error {
	collections, err := g.client.ListCollections(ctx)
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.graph", "EnsureCollection", "list collections", err)
	}
	for _, name := range collections {
		if name == g.collectionName {
			return nil
		}
	}
	err = g.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: g.collectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     1,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.graph", "EnsureCollection", "create collection", err)
	}
	logging.StorageLogger.Info("created qdrant graph collection", "collection", g.collectionName)
	return nil
}

func stablePointID(parts ...string) *qdrant.PointId {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	digest := hex.EncodeToString(h.Sum(nil))
	// Format as a UUID-shaped string so Qdrant accepts it as a Uuid point id.
	u := fmt.Sprintf("%s-%s-%s-%s-%s", digest[0:8], digest[8:12], digest[12:16], digest[16:20], digest[20:32])
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: u}}
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func valueString(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func metadataToPayload(props types.Metadata) map[string]*qdrant.Value {
	out := make(map[string]*qdrant.Value, len(props))
	for k, v := range props {
		out[k] = stringValue(fmt.Sprintf("%v", v))
	}
	return out
}

var nilVector = &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: []float32{0}}}}

// UpsertNode writes a (kind, id) node with its properties, e.g. a Resource
// or ThoughtNode, so edges can reference it.
func (g *QdrantGraphStore) UpsertNode(ctx context.Context, kind, id string, props types.Metadata) error {
	payload := metadataToPayload(props)
	payload["__record"] = stringValue("node")
	payload["__kind"] = stringValue(kind)
	payload["__id"] = stringValue(id)

	_, err := g.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: g.collectionName,
		Points: []*qdrant.PointStruct{{
			Id:      stablePointID("node", kind, id),
			Vectors: nilVector,
			Payload: payload,
		}},
	})
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.graph", "UpsertNode", "upsert node", err)
	}
	return nil
}

// UpsertRelation writes a directed typed edge, keyed so repeated calls with
// the same (source, target, type) overwrite rather than duplicate.
func (g *QdrantGraphStore) UpsertRelation(ctx context.Context, rel types.Relation) error {
	payload := metadataToPayload(rel.Properties)
	payload["__record"] = stringValue("edge")
	payload["__source"] = stringValue(rel.SourceID)
	payload["__target"] = stringValue(rel.TargetID)
	payload["__type"] = stringValue(string(rel.Type))
	payload["__created_at"] = stringValue(rel.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"))

	_, err := g.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: g.collectionName,
		Points: []*qdrant.PointStruct{{
			Id:      stablePointID("edge", rel.SourceID, rel.TargetID, string(rel.Type)),
			Vectors: nilVector,
			Payload: payload,
		}},
	})
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.graph", "UpsertRelation", "upsert edge", err)
	}
	return nil
}

func (g *QdrantGraphStore) matchCondition(field, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   field,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
			},
		},
	}
}

// GetRelations returns edges touching id, filtered by type (if non-empty)
// and direction, using payload scroll (edges have no vector to search by).
func (g *QdrantGraphStore) GetRelations(ctx context.Context, id string, relType types.RelationType, dir types.RelationDirection) ([]types.Relation, error) {
	must := []*qdrant.Condition{g.matchCondition("__record", "edge")}
	if relType != "" {
		must = append(must, g.matchCondition("__type", string(relType)))
	}

	var should []*qdrant.Condition
	switch dir {
	case types.DirectionOut:
		must = append(must, g.matchCondition("__source", id))
	case types.DirectionIn:
		must = append(must, g.matchCondition("__target", id))
	default:
		should = []*qdrant.Condition{g.matchCondition("__source", id), g.matchCondition("__target", id)}
	}

	filter := &qdrant.Filter{Must: must, Should: should}
	limit := uint32(1000)
	points, err := g.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: g.collectionName,
		Filter:         filter,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.graph", "GetRelations", "scroll", err)
	}

	out := make([]types.Relation, 0, len(points))
	for _, p := range points {
		payload := p.GetPayload()
		out = append(out, types.Relation{
			SourceID: valueString(payload, "__source"),
			TargetID: valueString(payload, "__target"),
			Type:     types.RelationType(valueString(payload, "__type")),
		})
	}
	return out, nil
}

// TraverseChain walks outgoing edges of type edge from startID, breadth
// first, up to max hops, returning the ids visited in traversal order. Used
// by analyze_chain to walk NEXT edges and by the graph tool's traverse
// action.
func (g *QdrantGraphStore) TraverseChain(ctx context.Context, startID string, edge types.RelationType, max int) ([]string, error) {
	visited := map[string]bool{startID: true}
	order := []string{startID}
	frontier := []string{startID}

	for depth := 0; depth < max && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			rels, err := g.GetRelations(ctx, id, edge, types.DirectionOut)
			if err != nil {
				return nil, err
			}
			for _, r := range rels {
				if !visited[r.TargetID] {
					visited[r.TargetID] = true
					order = append(order, r.TargetID)
					next = append(next, r.TargetID)
				}
			}
		}
		frontier = next
	}
	return order, nil
}

// DetachNode removes the node point and every edge touching it (used by unified operations
// delete_document cascade).
func (g *QdrantGraphStore) DetachNode(ctx context.Context, id string) error {
	rels, err := g.GetRelations(ctx, id, "", types.DirectionBoth)
	if err != nil {
		return err
	}
	ids := make([]*qdrant.PointId, 0, len(rels)+1)
	for _, r := range rels {
		ids = append(ids, stablePointID("edge", r.SourceID, r.TargetID, string(r.Type)))
	}

	_, err = g.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: g.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{Points: &qdrant.PointsIdsList{Ids: ids}},
		},
	})
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.graph", "DetachNode", "delete edges", err)
	}

	_, err = g.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: g.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{g.matchCondition("__record", "node"), g.matchCondition("__id", id)},
			}},
		},
	})
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.graph", "DetachNode", "delete node", err)
	}
	return nil
}

// HealthCheck verifies the graph collection is reachable.
func (g *QdrantGraphStore) HealthCheck(ctx context.Context) error {
	if _, err := g.client.GetCollectionInfo(ctx, g.collectionName); err != nil {
		return ltmcerrors.NewDegraded("storage.graph", "HealthCheck", "qdrant graph collection unreachable: "+err.Error())
	}
	return nil
}

// Close closes the Qdrant client this graph store was built with.
func (g *QdrantGraphStore) Close() error { return g.client.Close() }
