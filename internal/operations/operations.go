// Package operations implements unified operations: a thin orchestration
// layer exposing store_document/get_document/delete_document/link/
// unified_health, composing chunking, embedding, the sync coordinator
// (fan-out writes), and the consistency manager (verification) into the
// single write/read primitives the rest of the system (the hybrid
// retriever, the thought engine, the dispatcher) calls.
package operations

import (
	"context"
	"time"

	"ltmc/internal/chunking"
	"ltmc/internal/consistency"
	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	syncpkg "ltmc/internal/sync"
	"ltmc/internal/types"
)

// Embedder is the embedding surface Operations needs: embed one text into a
// unit-norm vector.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float64, error)
}

// Operations is unified operations.
type Operations struct {
	Coordinator *syncpkg.Coordinator
	Consistency *consistency.Manager
	Chunker     *chunking.Chunker
	Embed       Embedder
}

// New builds an Operations façade.
func New(coord *syncpkg.Coordinator, cons *consistency.Manager, chunker *chunking.Chunker, embed Embedder) *Operations {
	return &Operations{Coordinator: coord, Consistency: cons, Chunker: chunker, Embed: embed}
}

// StoreDocumentRequest is the store_document primitive's input.
type StoreDocumentRequest struct {
	FileName string
	Content  string
	Type     string
	Replace  bool
}

// StoreDocumentResult mirrors the store_document reply shape.
type StoreDocumentResult struct {
	ResourceID int64    `json:"resource_id"`
	ChunkIDs   []int64  `json:"chunk_ids"`
	VectorIDs  []int64  `json:"vector_ids"`
	Degraded   []string `json:"degraded,omitempty"`
}

// StoreDocument chunks, embeds, and fans content out across the four stores
//. A duplicate file_name is replaced (the old resource and its
// chunks deleted, then the document written as a new resource) when
// req.Replace is set; otherwise it is a hard AlreadyExists error.
func (o *Operations) StoreDocument(ctx context.Context, req StoreDocumentRequest) (*StoreDocumentResult, error) {
	if req.FileName == "" {
		return nil, ltmcerrors.NewInvalidParams("operations", "StoreDocument", "file_name must not be empty")
	}
	if req.Type == "" {
		req.Type = types.ResourceTypeDocument
	}

	existing, err := o.Coordinator.Relational.GetResourceByFileName(ctx, req.FileName)
	if err == nil && existing != nil {
		if !req.Replace {
			return nil, ltmcerrors.NewAlreadyExists("operations", "StoreDocument",
				"file_name "+req.FileName+" already exists; pass replace=true to overwrite")
		}
		if _, delErr := o.Coordinator.Delete(ctx, syncpkg.DeleteRequest{ResourceID: existing.ID}); delErr != nil {
			return nil, delErr
		}
	}

	texts, err := o.Chunker.Split(req.Content)
	if err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		texts = []string{req.Content}
	}

	vectorIDs, err := o.Coordinator.Relational.NextVectorIDs(ctx, len(texts))
	if err != nil {
		return nil, err
	}

	plans := make([]syncpkg.ChunkPlan, len(texts))
	for i, text := range texts {
		vec, err := o.Embed.Generate(ctx, text)
		if err != nil {
			// Embedding failure degrades this chunk to vector-less rather
			// than failing the whole document: it is durable in the relational store and
			// picked up by the consistency manager's repair queue once Embed recovers.
			logging.OperationsLogger.WithError(err).Error("embedding failed for chunk, degrading to repair queue")
			vec = nil
		}
		plans[i] = syncpkg.ChunkPlan{Index: i, Text: text, VectorID: vectorIDs[i], Vector: vec}
	}

	writeRes, err := o.Coordinator.Write(ctx, syncpkg.WriteRequest{
		FileName:     req.FileName,
		ResourceType: req.Type,
		Content:      req.Content,
		Chunks:       plans,
	})
	if err != nil {
		return nil, err
	}

	if o.Consistency != nil {
		if _, verr := o.Consistency.Verify(ctx, writeRes.ResourceID); verr != nil {
			logging.OperationsLogger.WithError(verr).Error("post-write verification failed")
		}
	}

	return &StoreDocumentResult{
		ResourceID: writeRes.ResourceID,
		ChunkIDs:   writeRes.ChunkIDs,
		VectorIDs:  writeRes.VectorIDs,
		Degraded:   writeRes.Degraded,
	}, nil
}

// Document is the get_document reply: a Resource plus its ordered Chunks.
type Document struct {
	Resource types.Resource `json:"resource"`
	Chunks   []types.Chunk  `json:"chunks"`
}

// GetDocument reads a Resource and its chunks by id.
func (o *Operations) GetDocument(ctx context.Context, resourceID int64) (*Document, error) {
	resource, err := o.Coordinator.Relational.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	chunks, err := o.Coordinator.Relational.GetChunksByResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return &Document{Resource: *resource, Chunks: chunks}, nil
}

// DeleteDocument removes a Resource and all its Chunks across every store
//.
func (o *Operations) DeleteDocument(ctx context.Context, resourceID int64) ([]string, error) {
	result, err := o.Coordinator.Delete(ctx, syncpkg.DeleteRequest{ResourceID: resourceID})
	if err != nil {
		return nil, err
	}
	return result.Degraded, nil
}

// Link upserts a typed relation between two entities, best
// effort against the graph store — a nil/unreachable graph store degrades rather than
// failing the call, since relations are an enrichment, not required data.
func (o *Operations) Link(ctx context.Context, sourceID, targetID string, relType types.RelationType, props types.Metadata) (degraded bool) {
	return o.Coordinator.LinkRelation(ctx, types.Relation{
		SourceID:   sourceID,
		TargetID:   targetID,
		Type:       relType,
		Properties: props,
		CreatedAt:  time.Now(),
	})
}

// HealthSnapshotSource supplies the liveness/latency data unified_health
// folds into one snapshot; implemented by observability.
type HealthSnapshotSource interface {
	Snapshot(ctx context.Context) (types.HealthSnapshot, error)
}

// UnifiedHealth reports the combined health of all four stores plus the
// circuit breaker states layered on top by the sync coordinator.
func (o *Operations) UnifiedHealth(ctx context.Context, source HealthSnapshotSource) (types.HealthSnapshot, error) {
	if source == nil {
		return types.HealthSnapshot{}, ltmcerrors.NewInternal("operations", "UnifiedHealth", "no health source configured", nil)
	}
	return source.Snapshot(ctx)
}
