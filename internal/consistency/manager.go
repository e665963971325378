// Package consistency implements the consistency manager: post-write
// verification that every Chunk's vector made it into the vector index
// (or is queued for repair), a bounded-retry drain of that repair queue
// backed by the relational store, and an optional documentation/code
// drift heuristic.
package consistency

import (
	"context"
	"strings"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/internal/storage"
)

// Manager is the consistency manager.
type Manager struct {
	Relational storage.RelationalStore
	Vector     storage.VectorStore
	Graph      storage.GraphStore
	Embed      func(ctx context.Context, text string) ([]float64, error)
}

// New builds a Manager. embed is the embedding function used to
// re-embed repair-queue text when the original vector was not retained.
func New(relational storage.RelationalStore, vector storage.VectorStore, graph storage.GraphStore, embed func(ctx context.Context, text string) ([]float64, error)) *Manager {
	return &Manager{Relational: relational, Vector: vector, Graph: graph, Embed: embed}
}

// Report is the result of verifying one resource's cross-store integrity.
type Report struct {
	ResourceID     int64   `json:"resource_id"`
	ChunksChecked  int     `json:"chunks_checked"`
	MissingVectors []int64 `json:"missing_vectors,omitempty"` // vector ids with neither a live vector nor a repair-queue entry
	OK             bool    `json:"ok"`
}

// Verify checks every Chunk of resourceID has a live vector in the vector index or is
// already queued for repair.
func (m *Manager) Verify(ctx context.Context, resourceID int64) (*Report, error) {
	chunks, err := m.Relational.GetChunksByResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	queued := make(map[int64]bool)
	entries, err := m.Relational.ListRepairQueue(ctx, 0)
	if err == nil {
		for _, e := range entries {
			queued[e.VectorID] = true
		}
	}

	report := &Report{ResourceID: resourceID, ChunksChecked: len(chunks), OK: true}
	for _, ch := range chunks {
		if ch.VectorID == nil {
			continue
		}
		vid := *ch.VectorID
		if queued[vid] {
			continue
		}
		if m.Vector == nil {
			report.MissingVectors = append(report.MissingVectors, vid)
			report.OK = false
			continue
		}
		exists, err := m.Vector.Exists(ctx, vid)
		if err != nil {
			// Vector store unreachable: treat as degraded, not a hard
			// integrity failure — the breaker layer already recorded it.
			continue
		}
		if !exists {
			report.MissingVectors = append(report.MissingVectors, vid)
			report.OK = false
		}
	}
	return report, nil
}

// RepairResult summarizes one drain of the repair queue.
type RepairResult struct {
	Attempted   int `json:"attempted"`
	Resolved    int `json:"resolved"`
	Quarantined int `json:"quarantined"`
	Remaining   int `json:"remaining"`
}

const repairBatchSize = 50

// Repair drains the repair queue FIFO, re-embedding text whose original
// vector is no longer available and re-adding it to the vector index. Entries that fail
// persistently are quarantined by the relational store (bounded retries).
func (m *Manager) Repair(ctx context.Context) (*RepairResult, error) {
	if m.Vector == nil {
		return nil, ltmcerrors.NewDegraded("consistency", "Repair", "vector store not configured")
	}

	entries, err := m.Relational.ListRepairQueue(ctx, repairBatchSize)
	if err != nil {
		return nil, err
	}

	result := &RepairResult{}
	for _, entry := range entries {
		result.Attempted++

		vec, err := m.vectorFor(ctx, entry)
		if err == nil {
			err = m.Vector.Add(ctx, entry.VectorID, vec)
		}

		if err != nil {
			if markErr := m.Relational.MarkRepairAttempt(ctx, entry.ID, err.Error()); markErr != nil {
				logging.SyncLogger.WithError(markErr).Error("failed to record repair attempt")
			}
			if entry.Attempts+1 >= 5 {
				result.Quarantined++
			}
			continue
		}

		if err := m.Relational.ResolveRepair(ctx, entry.ID); err != nil {
			logging.SyncLogger.WithError(err).Error("failed to resolve repair entry")
			continue
		}
		result.Resolved++
	}

	remaining, _ := m.Relational.ListRepairQueue(ctx, 0)
	result.Remaining = len(remaining)
	return result, nil
}

func (m *Manager) vectorFor(ctx context.Context, entry storage.RepairEntry) ([]float64, error) {
	if m.Embed == nil {
		return nil, ltmcerrors.NewInternal("consistency", "Repair", "no embedding function configured", nil)
	}
	return m.Embed(ctx, entry.Text)
}

// DriftScore is an optional documentation/code staleness heuristic: it
// compares the on-disk content against the last-ingested content for the
// same file name and returns a score in [0,1], 0 meaning identical.
// Purely textual — it does not re-run any model.
func (m *Manager) DriftScore(ctx context.Context, filePath, content string) (float64, error) {
	// A resource whose file_name matches filePath is treated as the
	// last-known-ingested version; its absence means "never ingested",
	// which is maximal drift.
	existing, err := m.Relational.GetResourceByFileName(ctx, filePath)
	if err != nil {
		return 1.0, nil
	}
	return textDistance(existing.Content, content), nil
}

// textDistance is a simple normalized token-overlap distance: 0 for
// identical token sets, approaching 1 as overlap shrinks.
func textDistance(a, b string) float64 {
	if a == b {
		return 0
	}
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if tb[t] {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	if union == 0 {
		return 0
	}
	return 1.0 - float64(shared)/float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[tok] = true
	}
	return out
}
