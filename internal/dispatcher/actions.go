package dispatcher

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ltmc/internal/config"
	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/operations"
	"ltmc/internal/pattern"
	"ltmc/internal/retrieval"
	"ltmc/internal/storage"
	"ltmc/internal/thought"
	"ltmc/internal/types"
)

// --- argument extraction helpers -------------------------------------------------

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func argBool(args map[string]interface{}, key string) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func argInt(args map[string]interface{}, key string, def int) int {
	if v, ok := args[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case int64:
			return int(n)
		}
	}
	return def
}

func argInt64(args map[string]interface{}, key string) int64 {
	return int64(argInt(args, key, 0))
}

func argInt64Slice(args map[string]interface{}, key string) []int64 {
	v, ok := args[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, item := range raw {
		switch n := item.(type) {
		case float64:
			out = append(out, int64(n))
		case int64:
			out = append(out, n)
		}
	}
	return out
}

func argMetadata(args map[string]interface{}, key string) types.Metadata {
	v, ok := args[key]
	if !ok {
		return nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	return types.Metadata(m)
}

// --- memory -----------------------------------------------------------------------

func (d *Dispatcher) memory(ctx context.Context, action string, args map[string]interface{}) (interface{}, error) {
	switch action {
	case "store":
		if err := d.requireAuth(ctx, "memory", "store"); err != nil {
			return nil, err
		}
		return d.Operations.StoreDocument(ctx, operations.StoreDocumentRequest{
			FileName: argString(args, "file_name"),
			Content:  argString(args, "content"),
			Type:     argString(args, "type"),
			Replace:  argBool(args, "replace"),
		})
	case "get":
		return d.Operations.GetDocument(ctx, argInt64(args, "resource_id"))
	case "delete":
		if err := d.requireAuth(ctx, "memory", "delete"); err != nil {
			return nil, err
		}
		return d.Operations.DeleteDocument(ctx, argInt64(args, "resource_id"))
	case "retrieve", "retrieve_by_type":
		return d.Retriever.Retrieve(ctx, retrieval.Request{
			Query:          argString(args, "query"),
			TopK:           argInt(args, "top_k", 10),
			TypeFilter:     argString(args, "type"),
			ConversationID: argString(args, "conversation_id"),
		})
	case "retrieve_adjacent":
		return d.retrieveAdjacent(ctx, args)
	case "build_context":
		return d.Retriever.Retrieve(ctx, retrieval.Request{
			Query:      argString(args, "query"),
			TopK:       argInt(args, "top_k", 10),
			TypeFilter: argString(args, "type"),
		})
	case "ask_with_context":
		return d.Retriever.Retrieve(ctx, retrieval.Request{
			Query:          argString(args, "question"),
			TopK:           argInt(args, "top_k", 10),
			TypeFilter:     argString(args, "type"),
			ConversationID: argString(args, "conversation_id"),
		})
	case "link":
		if err := d.requireAuth(ctx, "memory", "link"); err != nil {
			return nil, err
		}
		degraded := d.Operations.Link(ctx, argString(args, "source_id"), argString(args, "target_id"),
			types.RelationType(argString(args, "rel_type")), argMetadata(args, "properties"))
		return map[string]interface{}{"degraded": degraded}, nil
	case "health":
		return d.Operations.UnifiedHealth(ctx, d.Observability)
	default:
		return nil, ltmcerrors.NewInvalidParams("dispatcher", "memory", "unknown action "+action)
	}
}

// retrieveAdjacent returns the chunks neighboring chunk_index (±radius,
// default 1) within resource_id, a direct the relational store lookup rather than a rerank
// (the adjacency relationship is positional, not similarity-based).
func (d *Dispatcher) retrieveAdjacent(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	resourceID := argInt64(args, "resource_id")
	if resourceID == 0 {
		return nil, ltmcerrors.NewInvalidParams("dispatcher", "memory.retrieve_adjacent", "resource_id is required")
	}
	chunkIndex := argInt(args, "chunk_index", -1)
	radius := argInt(args, "radius", 1)

	chunks, err := d.Relational.GetChunksByResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	var out []types.Chunk
	for _, ch := range chunks {
		if ch.Index >= chunkIndex-radius && ch.Index <= chunkIndex+radius && ch.Index != chunkIndex {
			out = append(out, ch)
		}
	}
	return out, nil
}

// --- chat -------------------------------------------------------------------------

func (d *Dispatcher) chatTool(ctx context.Context, action string, args map[string]interface{}) (interface{}, error) {
	switch action {
	case "log":
		if err := d.requireAuth(ctx, "chat", "log"); err != nil {
			return nil, err
		}
		return d.Chat.Log(ctx, types.ChatMessage{
			ConversationID: argString(args, "conversation_id"),
			Role:           argString(args, "role"),
			Content:        argString(args, "content"),
			Agent:          argString(args, "agent"),
			SourceTool:     argString(args, "source_tool"),
			Metadata:       argMetadata(args, "metadata"),
		})
	case "log_and_link":
		if err := d.requireAuth(ctx, "chat", "log_and_link"); err != nil {
			return nil, err
		}
		return d.Chat.LogAndLink(ctx, argString(args, "conversation_id"), argString(args, "role"),
			argString(args, "content"), argInt64Slice(args, "chunk_ids"))
	case "get_by_conversation":
		return d.Chat.GetByConversation(ctx, argString(args, "conversation_id"))
	case "get_by_tool", "get_by_source_tool":
		return d.Chat.GetBySourceTool(ctx, argString(args, "source_tool"))
	default:
		return nil, ltmcerrors.NewInvalidParams("dispatcher", "chat", "unknown action "+action)
	}
}

// --- todo ---------------------------------------------------------------------

func (d *Dispatcher) todo(ctx context.Context, action string, args map[string]interface{}) (interface{}, error) {
	switch action {
	case "add":
		if err := d.requireAuth(ctx, "todo", "add"); err != nil {
			return nil, err
		}
		priority := types.TodoPriority(argString(args, "priority"))
		if priority == "" {
			priority = types.TodoPriorityMedium
		}
		return d.Relational.AddTodo(ctx, types.Todo{
			Title:       argString(args, "title"),
			Description: argString(args, "description"),
			Status:      types.TodoStatusPending,
			Priority:    priority,
		})
	case "list":
		status := types.TodoStatus(argString(args, "status"))
		return d.Relational.ListTodos(ctx, status)
	case "complete":
		if err := d.requireAuth(ctx, "todo", "complete"); err != nil {
			return nil, err
		}
		return nil, d.Relational.CompleteTodo(ctx, argInt64(args, "id"))
	case "search":
		return d.Relational.SearchTodos(ctx, argString(args, "query"))
	default:
		return nil, ltmcerrors.NewInvalidParams("dispatcher", "todo", "unknown action "+action)
	}
}

// --- context_links --------------------------------------------------------------

func (d *Dispatcher) contextLinks(ctx context.Context, action string, args map[string]interface{}) (interface{}, error) {
	switch action {
	case "store":
		if err := d.requireAuth(ctx, "context_links", "store"); err != nil {
			return nil, err
		}
		return nil, d.Chat.StoreContextLinks(ctx, argString(args, "message_id"), argInt64Slice(args, "chunk_ids"))
	case "get_for_message":
		return d.Chat.GetForMessage(ctx, argString(args, "message_id"))
	case "get_for_chunk", "get_messages_for_chunk":
		return d.Chat.GetMessagesForChunk(ctx, argInt64(args, "chunk_id"))
	case "stats", "count":
		return d.Relational.CountContextLinks(ctx)
	default:
		return nil, ltmcerrors.NewInvalidParams("dispatcher", "context_links", "unknown action "+action)
	}
}

// --- graph ------------------------------------------------------------------------

// graph is read-only from this client surface except for its explicit
// link/auto_link/detach actions (see internal/storage.GraphStore's doc comment):
// query accepts a free-text filter and rejects anything that looks like a
// write-shaped statement before falling back to a relation lookup.
func (d *Dispatcher) graph(ctx context.Context, action string, args map[string]interface{}) (interface{}, error) {
	switch action {
	case "query", "get_relations", "get_relationships":
		if raw := argString(args, "query"); raw != "" && isWriteShapedQuery(raw) {
			return nil, ltmcerrors.NewReadOnlyViolation("dispatcher", "graph."+action, "write-shaped graph queries are rejected on this read-only action")
		}
		if d.Graph == nil {
			return nil, ltmcerrors.NewDegraded("dispatcher", "graph."+action, "graph store not configured")
		}
		id := argString(args, "id")
		if id == "" {
			return nil, ltmcerrors.NewInvalidParams("dispatcher", "graph."+action, "id is required")
		}
		dir := types.RelationDirection(argString(args, "direction"))
		if dir == "" {
			dir = types.DirectionBoth
		}
		return d.Graph.GetRelations(ctx, id, types.RelationType(argString(args, "rel_type")), dir)
	case "traverse":
		if d.Graph == nil {
			return nil, ltmcerrors.NewDegraded("dispatcher", "graph.traverse", "graph store not configured")
		}
		return d.Graph.TraverseChain(ctx, argString(args, "start_id"),
			types.RelationType(argString(args, "edge")), argInt(args, "max", 10))
	case "link":
		if err := d.requireAuth(ctx, "graph", "link"); err != nil {
			return nil, err
		}
		degraded := d.Coordinator.LinkRelation(ctx, types.Relation{
			SourceID:   argString(args, "source_id"),
			TargetID:   argString(args, "target_id"),
			Type:       types.RelationType(argString(args, "rel_type")),
			Properties: argMetadata(args, "properties"),
			CreatedAt:  time.Now(),
		})
		return map[string]interface{}{"degraded": degraded}, nil
	case "auto_link":
		if err := d.requireAuth(ctx, "graph", "auto_link"); err != nil {
			return nil, err
		}
		return d.autoLink(ctx, args)
	case "detach":
		if err := d.requireAuth(ctx, "graph", "detach"); err != nil {
			return nil, err
		}
		if d.Graph == nil {
			return nil, ltmcerrors.NewDegraded("dispatcher", "graph.detach", "graph store not configured")
		}
		return nil, d.Graph.DetachNode(ctx, argString(args, "id"))
	default:
		return nil, ltmcerrors.NewInvalidParams("dispatcher", "graph", "unknown action "+action)
	}
}

// autoLinkMinConfidence is the minimum combined score before auto_link
// stores a detected relation, mirroring the teacher's relationship
// detector's default minimum confidence.
const autoLinkMinConfidence = 0.5

var autoLinkWordPattern = regexp.MustCompile(`\b[a-zA-Z]{3,}\b`)

var autoLinkStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "is": true,
	"are": true, "was": true, "were": true, "be": true, "been": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "can": true, "this": true,
	"that": true, "these": true, "those": true, "i": true, "you": true,
	"he": true, "she": true, "it": true, "we": true, "they": true,
}

func autoLinkWords(content string) []string {
	matches := autoLinkWordPattern.FindAllString(strings.ToLower(content), -1)
	out := make([]string, 0, len(matches))
	for _, w := range matches {
		if !autoLinkStopWords[w] {
			out = append(out, w)
		}
	}
	return out
}

// autoLinkSimilarity is a Jaccard word-overlap score in [0,1].
func autoLinkSimilarity(a, b string) float64 {
	wordsA, wordsB := autoLinkWords(a), autoLinkWords(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}
	setB := make(map[string]bool, len(wordsB))
	for _, w := range wordsB {
		setB[w] = true
	}
	intersection := 0
	for _, w := range wordsA {
		if setB[w] {
			intersection++
		}
	}
	union := len(wordsA) + len(wordsB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// autoLinkCandidate is one scored-and-stored relation from an auto_link call.
type autoLinkCandidate struct {
	TargetID   int64   `json:"target_id"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Degraded   bool    `json:"degraded"`
}

// autoLink scores the source resource against candidate resources with the
// same explicit-reference-plus-content-similarity heuristic the teacher's
// relationship detector uses (file_name cross-reference plus Jaccard word
// overlap), storing a references relation for every candidate that clears
// autoLinkMinConfidence. Candidates default to the resources behind the
// most recently written, non-archived chunks when candidate_ids is omitted.
func (d *Dispatcher) autoLink(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sourceID := argInt64(args, "resource_id")
	source, err := d.Relational.GetResource(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	candidateIDs := argInt64Slice(args, "candidate_ids")
	if len(candidateIDs) == 0 {
		recent, err := d.Relational.ListChunks(ctx, storage.ChunkFilter{ExcludeArchived: true, Limit: 50})
		if err != nil {
			return nil, err
		}
		seen := map[int64]bool{sourceID: true}
		for _, ch := range recent {
			if !seen[ch.ResourceID] {
				seen[ch.ResourceID] = true
				candidateIDs = append(candidateIDs, ch.ResourceID)
			}
		}
	}

	var created []autoLinkCandidate
	for _, candidateID := range candidateIDs {
		if candidateID == sourceID {
			continue
		}
		candidate, err := d.Relational.GetResource(ctx, candidateID)
		if err != nil {
			continue
		}
		score := 0.0
		if strings.Contains(source.Content, candidate.FileName) || strings.Contains(candidate.Content, source.FileName) {
			score += 0.5
		}
		score += 0.5 * autoLinkSimilarity(source.Content, candidate.Content)
		if score < autoLinkMinConfidence {
			continue
		}
		degraded := d.Coordinator.LinkRelation(ctx, types.Relation{
			SourceID:   strconv.FormatInt(sourceID, 10),
			TargetID:   strconv.FormatInt(candidateID, 10),
			Type:       types.RelationReferences,
			Properties: types.Metadata{"confidence": score, "source": "auto"},
			CreatedAt:  time.Now(),
		})
		created = append(created, autoLinkCandidate{
			TargetID:   candidateID,
			Type:       string(types.RelationReferences),
			Confidence: score,
			Degraded:   degraded,
		})
	}

	return map[string]interface{}{"relations_created": created}, nil
}

// --- cache ------------------------------------------------------------------------

func (d *Dispatcher) cacheTool(ctx context.Context, action string, args map[string]interface{}) (interface{}, error) {
	if d.Cache == nil && action != "flush" {
		return nil, ltmcerrors.NewDegraded("dispatcher", "cache."+action, "cache store not configured")
	}
	switch action {
	case "get":
		value, found, err := d.Cache.Get(ctx, argString(args, "key"))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"value": value, "found": found}, nil
	case "set":
		if err := d.requireAuth(ctx, "cache", "set"); err != nil {
			return nil, err
		}
		ttl := time.Duration(argInt(args, "ttl_seconds", 0)) * time.Second
		return nil, d.Cache.SetEx(ctx, argString(args, "key"), argString(args, "value"), ttl)
	case "delete", "del":
		if err := d.requireAuth(ctx, "cache", "delete"); err != nil {
			return nil, err
		}
		return nil, d.Cache.Del(ctx, argString(args, "key"))
	case "incr":
		if err := d.requireAuth(ctx, "cache", "incr"); err != nil {
			return nil, err
		}
		return d.Cache.Incr(ctx, argString(args, "key"))
	case "scan":
		return d.Cache.Scan(ctx, argString(args, "prefix"))
	case "stats":
		keys, err := d.Cache.Scan(ctx, argString(args, "prefix"))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"keys": len(keys)}, nil
	case "health_check":
		return map[string]interface{}{"healthy": d.Cache.HealthCheck(ctx) == nil}, nil
	case "flush":
		if err := d.requireAuth(ctx, "cache", "flush"); err != nil {
			return nil, err
		}
		if d.Cache == nil {
			return nil, ltmcerrors.NewDegraded("dispatcher", "cache.flush", "cache store not configured")
		}
		keys, err := d.Cache.Scan(ctx, argString(args, "prefix"))
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if err := d.Cache.Del(ctx, key); err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{"flushed": len(keys)}, nil
	default:
		return nil, ltmcerrors.NewInvalidParams("dispatcher", "cache", "unknown action "+action)
	}
}

// --- pattern ------------------------------------------------------------------

func (d *Dispatcher) pattern(ctx context.Context, action string, args map[string]interface{}) (interface{}, error) {
	content := argString(args, "content")
	switch action {
	case "extract_functions":
		return pattern.Functions(content), nil
	case "extract_classes":
		return pattern.Classes(content), nil
	case "summarize_code":
		return pattern.Summarize(content), nil
	default:
		return nil, ltmcerrors.NewInvalidParams("dispatcher", "pattern", "unknown action "+action)
	}
}

// --- sync -------------------------------------------------------------------------

func (d *Dispatcher) sync(ctx context.Context, action string, args map[string]interface{}) (interface{}, error) {
	switch action {
	case "validate":
		return d.Consistency.Verify(ctx, argInt64(args, "resource_id"))
	case "repair":
		if err := d.requireAuth(ctx, "sync", "repair"); err != nil {
			return nil, err
		}
		return d.Consistency.Repair(ctx)
	case "drift", "code":
		return d.Consistency.DriftScore(ctx, argString(args, "file_path"), argString(args, "content"))
	case "score":
		report, err := d.Consistency.Verify(ctx, argInt64(args, "resource_id"))
		if err != nil {
			return nil, err
		}
		if report.ChunksChecked == 0 {
			return map[string]interface{}{"score": 1.0}, nil
		}
		missing := len(report.MissingVectors)
		score := float64(report.ChunksChecked-missing) / float64(report.ChunksChecked)
		return map[string]interface{}{"score": score}, nil
	default:
		return nil, ltmcerrors.NewInvalidParams("dispatcher", "sync", "unknown action "+action)
	}
}

// --- config -----------------------------------------------------------------------

func (d *Dispatcher) config(ctx context.Context, action string, args map[string]interface{}) (interface{}, error) {
	switch action {
	case "get_retrieval_weights":
		return d.Relational.GetRetrievalWeights(ctx)
	case "set_retrieval_weights":
		if err := d.requireAuth(ctx, "config", "set_retrieval_weights"); err != nil {
			return nil, err
		}
		weights := types.RetrievalWeights{
			Alpha: argFloat(args, "alpha"),
			Beta:  argFloat(args, "beta"),
			Gamma: argFloat(args, "gamma"),
			Delta: argFloat(args, "delta"),
			Eps:   argFloat(args, "epsilon"),
		}
		return nil, d.Relational.SetRetrievalWeights(ctx, weights)
	case "get_schema":
		return config.Schema(), nil
	case "validate_config":
		if d.Config == nil {
			return nil, ltmcerrors.NewDegraded("dispatcher", "config.validate_config", "no live configuration attached")
		}
		if err := d.Config.Validate(); err != nil {
			return map[string]interface{}{"valid": false, "error": err.Error()}, nil
		}
		return map[string]interface{}{"valid": true}, nil
	case "export_config":
		if d.Config == nil {
			return nil, ltmcerrors.NewDegraded("dispatcher", "config.export_config", "no live configuration attached")
		}
		yamlBytes, err := d.Config.ExportYAML()
		if err != nil {
			return nil, ltmcerrors.NewInternal("dispatcher", "config.export_config", "yaml marshal failed", err)
		}
		return map[string]interface{}{"yaml": string(yamlBytes)}, nil
	default:
		return nil, ltmcerrors.NewInvalidParams("dispatcher", "config", "unknown action "+action)
	}
}

func argFloat(args map[string]interface{}, key string) float64 {
	if v, ok := args[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

// --- thought ------------------------------------------------------------------

func (d *Dispatcher) thoughtTool(ctx context.Context, action string, args map[string]interface{}) (interface{}, error) {
	switch action {
	case "create":
		if err := d.requireAuth(ctx, "thought", "create"); err != nil {
			return nil, err
		}
		return d.Thought.Create(ctx, thought.CreateRequest{
			SessionID:         argString(args, "session_id"),
			Content:           argString(args, "content"),
			Kind:              types.ThoughtKind(argString(args, "kind")),
			PreviousThoughtID: argString(args, "previous_thought_id"),
			StepNumber:        argInt(args, "step_number", 0),
			Metadata:          argMetadata(args, "metadata"),
		})
	case "analyze_chain":
		return d.Thought.AnalyzeChain(ctx, argString(args, "session_id"))
	case "find_similar":
		return d.Thought.FindSimilar(ctx, argString(args, "query"), argInt(args, "k", 5), argBool(args, "include_chains"))
	case "health_status":
		return d.Operations.UnifiedHealth(ctx, d.Observability)
	default:
		return nil, ltmcerrors.NewInvalidParams("dispatcher", "thought", "unknown action "+action)
	}
}
