// Package types defines LTMC's semantic data model: Resource,
// Chunk, ChatMessage, ContextLink, Relation, Todo, ThoughtNode,
// RetrievalWeights, and HealthSnapshot. These are storage-layer-neutral Go
// structs; each storage adapter (internal/storage) maps them to its own
// schema or collection shape.
package types

import "time"

// Resource is a logical document: the unit of ingestion, owned by the relational store.
type Resource struct {
	ID        int64     `json:"id"`
	FileName  string    `json:"file_name"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Well-known resource/chunk content types (open vocabulary; callers may use
// any string, these are just the ones LTMC itself assigns).
const (
	ResourceTypeDocument = "document"
	ResourceTypeCode     = "code"
	ResourceTypeNote     = "note"
	ResourceTypeSummary  = "summary"
	ResourceTypeTodo     = "todo"
	ResourceTypeThought  = "thought"
)

// Chunk is a contiguous slice of a Resource, jointly owned by the relational store (row) and
// the vector index (vector). VectorID is nil until the embedding has been written to the vector index.
type Chunk struct {
	ID         int64     `json:"id"`
	ResourceID int64     `json:"resource_id"`
	Index      int       `json:"chunk_index"`
	Text       string    `json:"text"`
	VectorID   *int64    `json:"vector_id,omitempty"`
	Archived   bool      `json:"archived"`
	CreatedAt  time.Time `json:"created_at"`

	// Retrieval-time annotations, populated by the relational store hydration / the hybrid retriever, not
	// persisted as separate columns beyond what backs them.
	TimesRetrieved int       `json:"times_retrieved,omitempty"`
	LastRetrieved  time.Time `json:"last_retrieved,omitempty"`
}

// ChatMessage is a role-tagged conversation line, owned by the relational store, linked to the
// chunks that answered it via ContextLink.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Agent          string    `json:"agent,omitempty"`
	SourceTool     string    `json:"source_tool,omitempty"`
	Metadata       Metadata  `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
	ChatRoleSystem    = "system"
)

// ContextLink asserts "this chat message was answered using this chunk."
type ContextLink struct {
	MessageID string    `json:"message_id"`
	ChunkID   int64     `json:"chunk_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Metadata is an open string->scalar map attached to several entities.
type Metadata map[string]interface{}
