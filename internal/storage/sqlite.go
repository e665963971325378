package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/internal/types"
)

const schemaVersion = 1

// SQLStore is the required relational store. It supports sqlite (default,
// github.com/mattn/go-sqlite3) and Postgres (github.com/lib/pq), selected
// by driver name at construction time.
type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite3" or "postgres"
}

// NewSQLStore opens driver (sqlite3|postgres) at dsn. Callers must call
// Bootstrap before first use.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	if driver == "" {
		driver = "sqlite3"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "Open", "failed to open database", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1) // single writer, shared-resource policy
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// placeholder renders the i-th (1-based) bind placeholder for the active driver.
func (s *SQLStore) placeholder(i int) string {
	if s.driver == "postgres" {
		return "$" + strconv.Itoa(i)
	}
	return "?"
}

// rebind rewrites a query written with "?" placeholders into the active
// driver's placeholder style (a no-op for sqlite3).
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nowUTC() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Bootstrap runs idempotent schema migrations gated by a schema_version row,
//.
func (s *SQLStore) Bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS resources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_name TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vector_id_sequence (next_id INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS resource_chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			resource_id INTEGER NOT NULL,
			chunk_index INTEGER NOT NULL,
			text TEXT NOT NULL,
			vector_id INTEGER,
			archived INTEGER NOT NULL DEFAULT 0,
			times_retrieved INTEGER NOT NULL DEFAULT 0,
			last_retrieved TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(resource_id, chunk_index)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			agent TEXT,
			source_tool TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS context_links (
			message_id TEXT NOT NULL,
			chunk_id INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (message_id, chunk_id)
		)`,
		`CREATE TABLE IF NOT EXISTS todos (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS retrieval_weights (
			id INTEGER PRIMARY KEY,
			alpha REAL NOT NULL,
			beta REAL NOT NULL,
			gamma REAL NOT NULL,
			delta REAL NOT NULL,
			epsilon REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS repair_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			resource_id INTEGER NOT NULL,
			chunk_id INTEGER NOT NULL,
			vector_id INTEGER NOT NULL,
			text TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			quarantined INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS thought_index (
			ulid TEXT PRIMARY KEY,
			resource_id INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			step_number INTEGER NOT NULL,
			kind TEXT NOT NULL,
			previous_thought_id TEXT,
			content_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(session_id, step_number)
		)`,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.sql", "Bootstrap", "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return ltmcerrors.NewWriteFailed("storage.sql", "Bootstrap", "schema statement failed", err)
		}
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return ltmcerrors.NewWriteFailed("storage.sql", "Bootstrap", "read schema_version", err)
	}
	if count == 0 {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_version (version) VALUES (?)`), schemaVersion); err != nil {
			return ltmcerrors.NewWriteFailed("storage.sql", "Bootstrap", "seed schema_version", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO vector_id_sequence (next_id) VALUES (?)`), 0); err != nil {
			return ltmcerrors.NewWriteFailed("storage.sql", "Bootstrap", "seed vector_id_sequence", err)
		}
		w := types.DefaultRetrievalWeights()
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO retrieval_weights (id, alpha, beta, gamma, delta, epsilon) VALUES (1, ?, ?, ?, ?, ?)`),
			w.Alpha, w.Beta, w.Gamma, w.Delta, w.Eps); err != nil {
			return ltmcerrors.NewWriteFailed("storage.sql", "Bootstrap", "seed retrieval_weights", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ltmcerrors.NewWriteFailed("storage.sql", "Bootstrap", "commit", err)
	}
	logging.StorageLogger.Info("storage bootstrap complete", "driver", s.driver, "schema_version", schemaVersion)
	return nil
}

// CreateResource inserts a Resource row; a duplicate file_name surfaces
// AlreadyExists.
func (s *SQLStore) CreateResource(ctx context.Context, fileName, resourceType, content string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO resources (file_name, type, content, created_at) VALUES (?, ?, ?, ?)`),
		fileName, resourceType, content, nowUTC())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ltmcerrors.NewAlreadyExists("storage.sql", "CreateResource", fmt.Sprintf("file_name %q already exists", fileName))
		}
		return 0, ltmcerrors.NewWriteFailed("storage.sql", "CreateResource", "insert resource", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, ltmcerrors.NewWriteFailed("storage.sql", "CreateResource", "read last insert id", err)
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// GetResource reads a Resource row by id.
func (s *SQLStore) GetResource(ctx context.Context, id int64) (*types.Resource, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, file_name, type, content, created_at FROM resources WHERE id = ?`), id)
	var r types.Resource
	var created string
	if err := row.Scan(&r.ID, &r.FileName, &r.Type, &r.Content, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, ltmcerrors.NewNotFound("storage.sql", "GetResource", fmt.Sprintf("resource %d not found", id))
		}
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "GetResource", "query resource", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &r, nil
}

// GetResourceByFileName reads a Resource row by its unique file name,
// used by unified operations's replace-on-reingest path and the consistency manager's drift comparison.
func (s *SQLStore) GetResourceByFileName(ctx context.Context, fileName string) (*types.Resource, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, file_name, type, content, created_at FROM resources WHERE file_name = ?`), fileName)
	var r types.Resource
	var created string
	if err := row.Scan(&r.ID, &r.FileName, &r.Type, &r.Content, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, ltmcerrors.NewNotFound("storage.sql", "GetResourceByFileName", fmt.Sprintf("file_name %q not found", fileName))
		}
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "GetResourceByFileName", "query resource", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &r, nil
}

// DeleteResource removes the Resource row. Chunk cascade is handled by the
// caller (the sync coordinator delete protocol) via DeleteChunksByResource so vector
// tombstoning can happen before the row disappears.
func (s *SQLStore) DeleteResource(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM resources WHERE id = ?`), id); err != nil {
		return ltmcerrors.NewWriteFailed("storage.sql", "DeleteResource", "delete resource", err)
	}
	return nil
}

// NextVectorIDs atomically allocates n contiguous ids from the monotonic
// sequence , serializable
// with concurrent callers via a single-row update inside a transaction.
func (s *SQLStore) NextVectorIDs(ctx context.Context, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "NextVectorIDs", "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT next_id FROM vector_id_sequence`).Scan(&next); err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "NextVectorIDs", "read sequence", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE vector_id_sequence SET next_id = ?`), next+int64(n)); err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "NextVectorIDs", "advance sequence", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "NextVectorIDs", "commit", err)
	}

	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		ids[i] = next + int64(i)
	}
	return ids, nil
}

// UpsertChunks inserts chunk rows for resourceID and returns their assigned
// row ids, in the order given.
func (s *SQLStore) UpsertChunks(ctx context.Context, resourceID int64, chunks []ChunkWrite) ([]int64, error) {
	ids := make([]int64, len(chunks))
	for i, c := range chunks {
		res, err := s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO resource_chunks (resource_id, chunk_index, text, vector_id, created_at) VALUES (?, ?, ?, ?, ?)`),
			resourceID, c.Index, c.Text, c.VectorID, nowUTC())
		if err != nil {
			return nil, ltmcerrors.NewWriteFailed("storage.sql", "UpsertChunks", "insert chunk", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, ltmcerrors.NewWriteFailed("storage.sql", "UpsertChunks", "read last insert id", err)
		}
		ids[i] = id
	}
	return ids, nil
}

// CreateResourceWithChunks inserts the Resource row and its Chunk rows inside
// a single transaction: a failure at any point rolls back the whole write, so
// a chunk insert failure never leaves a committed resource with no chunks
// behind it (§4.7 step 1, invariant 7).
func (s *SQLStore) CreateResourceWithChunks(ctx context.Context, fileName, resourceType, content string, chunks []ChunkWrite) (int64, []int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, ltmcerrors.NewWriteFailed("storage.sql", "CreateResourceWithChunks", "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO resources (file_name, type, content, created_at) VALUES (?, ?, ?, ?)`),
		fileName, resourceType, content, nowUTC())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, nil, ltmcerrors.NewAlreadyExists("storage.sql", "CreateResourceWithChunks", fmt.Sprintf("file_name %q already exists", fileName))
		}
		return 0, nil, ltmcerrors.NewWriteFailed("storage.sql", "CreateResourceWithChunks", "insert resource", err)
	}
	resourceID, err := res.LastInsertId()
	if err != nil {
		return 0, nil, ltmcerrors.NewWriteFailed("storage.sql", "CreateResourceWithChunks", "read last insert id", err)
	}

	chunkIDs := make([]int64, len(chunks))
	for i, c := range chunks {
		cres, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO resource_chunks (resource_id, chunk_index, text, vector_id, created_at) VALUES (?, ?, ?, ?, ?)`),
			resourceID, c.Index, c.Text, c.VectorID, nowUTC())
		if err != nil {
			return 0, nil, ltmcerrors.NewWriteFailed("storage.sql", "CreateResourceWithChunks", "insert chunk", err)
		}
		chunkID, err := cres.LastInsertId()
		if err != nil {
			return 0, nil, ltmcerrors.NewWriteFailed("storage.sql", "CreateResourceWithChunks", "read last insert id", err)
		}
		chunkIDs[i] = chunkID
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, ltmcerrors.NewWriteFailed("storage.sql", "CreateResourceWithChunks", "commit", err)
	}
	return resourceID, chunkIDs, nil
}

func (s *SQLStore) scanChunks(rows *sql.Rows) ([]types.Chunk, error) {
	defer func() { _ = rows.Close() }()
	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		var vectorID sql.NullInt64
		var archived int
		var created, lastRetrieved sql.NullString
		if err := rows.Scan(&c.ID, &c.ResourceID, &c.Index, &c.Text, &vectorID, &archived, &c.TimesRetrieved, &lastRetrieved, &created); err != nil {
			return nil, ltmcerrors.NewWriteFailed("storage.sql", "scanChunks", "scan row", err)
		}
		if vectorID.Valid {
			v := vectorID.Int64
			c.VectorID = &v
		}
		c.Archived = archived != 0
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created.String)
		if lastRetrieved.Valid {
			c.LastRetrieved, _ = time.Parse(time.RFC3339Nano, lastRetrieved.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const chunkColumns = `id, resource_id, chunk_index, text, vector_id, archived, times_retrieved, last_retrieved, created_at`

// GetChunksByVectorIDs hydrates chunk rows by vector id (the hybrid retriever step 3).
func (s *SQLStore) GetChunksByVectorIDs(ctx context.Context, vectorIDs []int64) ([]types.Chunk, error) {
	if len(vectorIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(vectorIDs))
	args := make([]interface{}, len(vectorIDs))
	for i, v := range vectorIDs {
		placeholders[i] = "?"
		args[i] = v
	}
	query := fmt.Sprintf(`SELECT %s FROM resource_chunks WHERE vector_id IN (%s)`, chunkColumns, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "GetChunksByVectorIDs", "query", err)
	}
	return s.scanChunks(rows)
}

// GetChunksByResource returns all chunks for a resource in index order,
// used to verify a document round-trips intact after storage.
func (s *SQLStore) GetChunksByResource(ctx context.Context, resourceID int64) ([]types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		fmt.Sprintf(`SELECT %s FROM resource_chunks WHERE resource_id = ? ORDER BY chunk_index ASC`, chunkColumns)),
		resourceID)
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "GetChunksByResource", "query", err)
	}
	return s.scanChunks(rows)
}

// ListChunks is the hybrid retriever's degraded-mode source: recent, non-archived,
// type-matching chunks when the vector index is open.
func (s *SQLStore) ListChunks(ctx context.Context, filter ChunkFilter) ([]types.Chunk, error) {
	query := `SELECT rc.id, rc.resource_id, rc.chunk_index, rc.text, rc.vector_id, rc.archived, rc.times_retrieved, rc.last_retrieved, rc.created_at
		FROM resource_chunks rc JOIN resources r ON r.id = rc.resource_id WHERE 1=1`
	var args []interface{}
	if filter.ExcludeArchived {
		query += ` AND rc.archived = 0`
	}
	if filter.Type != "" {
		query += ` AND r.type = ?`
		args = append(args, filter.Type)
	}
	if !filter.UpdatedSince.IsZero() {
		query += ` AND rc.created_at >= ?`
		args = append(args, filter.UpdatedSince.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY rc.created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "ListChunks", "query", err)
	}
	return s.scanChunks(rows)
}

// DeleteChunksByResource removes all chunk rows for a resource, returning
// them first so the caller (the sync coordinator) can tombstone their vectors.
func (s *SQLStore) DeleteChunksByResource(ctx context.Context, resourceID int64) ([]types.Chunk, error) {
	chunks, err := s.GetChunksByResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM resource_chunks WHERE resource_id = ?`), resourceID); err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "DeleteChunksByResource", "delete", err)
	}
	return chunks, nil
}

// TouchChunkUsage increments a chunk's retrieval counter (feeds the hybrid retriever's
// frequency term) and stamps last_retrieved.
func (s *SQLStore) TouchChunkUsage(ctx context.Context, chunkID int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE resource_chunks SET times_retrieved = times_retrieved + 1, last_retrieved = ? WHERE id = ?`),
		nowUTC(), chunkID)
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.sql", "TouchChunkUsage", "update", err)
	}
	return nil
}

// LogChat appends a chat message, writing only to the canonical table
//.
func (s *SQLStore) LogChat(ctx context.Context, msg types.ChatMessage) (string, error) {
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return "", ltmcerrors.NewInvalidParams("storage.sql", "LogChat", "metadata not serializable")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO chat_messages (id, conversation_id, role, content, agent, source_tool, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Agent, msg.SourceTool, string(meta), msg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", ltmcerrors.NewWriteFailed("storage.sql", "LogChat", "insert", err)
	}
	return msg.ID, nil
}

func (s *SQLStore) scanChatMessages(rows *sql.Rows) ([]types.ChatMessage, error) {
	defer func() { _ = rows.Close() }()
	var out []types.ChatMessage
	for rows.Next() {
		var m types.ChatMessage
		var agent, tool, meta sql.NullString
		var created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &agent, &tool, &meta, &created); err != nil {
			return nil, ltmcerrors.NewWriteFailed("storage.sql", "scanChatMessages", "scan", err)
		}
		m.Agent = agent.String
		m.SourceTool = tool.String
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetChatByConversation returns all messages for a conversation id, oldest first.
func (s *SQLStore) GetChatByConversation(ctx context.Context, conversationID string) ([]types.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, conversation_id, role, content, agent, source_tool, metadata, created_at FROM chat_messages WHERE conversation_id = ? ORDER BY created_at ASC`),
		conversationID)
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "GetChatByConversation", "query", err)
	}
	return s.scanChatMessages(rows)
}

// GetChatBySourceTool returns all messages tagged with sourceTool.
func (s *SQLStore) GetChatBySourceTool(ctx context.Context, sourceTool string) ([]types.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, conversation_id, role, content, agent, source_tool, metadata, created_at FROM chat_messages WHERE source_tool = ? ORDER BY created_at ASC`),
		sourceTool)
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "GetChatBySourceTool", "query", err)
	}
	return s.scanChatMessages(rows)
}

// AddContextLinks asserts message->chunk edges idempotently (duplicate
// chunk ids collapse to one link), rejecting orphaned references.
func (s *SQLStore) AddContextLinks(ctx context.Context, messageID string, chunkIDs []int64) error {
	seen := make(map[int64]bool)
	for _, chunkID := range chunkIDs {
		if seen[chunkID] {
			continue
		}
		seen[chunkID] = true

		var exists int
		if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM resource_chunks WHERE id = ?`), chunkID).Scan(&exists); err != nil {
			return ltmcerrors.NewWriteFailed("storage.sql", "AddContextLinks", "check chunk exists", err)
		}
		if exists == 0 {
			return ltmcerrors.NewInvalidParams("storage.sql", "AddContextLinks", fmt.Sprintf("chunk %d does not exist", chunkID))
		}
		var msgExists int
		if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM chat_messages WHERE id = ?`), messageID).Scan(&msgExists); err != nil {
			return ltmcerrors.NewWriteFailed("storage.sql", "AddContextLinks", "check message exists", err)
		}
		if msgExists == 0 {
			return ltmcerrors.NewInvalidParams("storage.sql", "AddContextLinks", fmt.Sprintf("message %s does not exist", messageID))
		}

		_, err := s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO context_links (message_id, chunk_id, created_at) SELECT ?, ?, ? WHERE NOT EXISTS (SELECT 1 FROM context_links WHERE message_id = ? AND chunk_id = ?)`),
			messageID, chunkID, nowUTC(), messageID, chunkID)
		if err != nil {
			return ltmcerrors.NewWriteFailed("storage.sql", "AddContextLinks", "insert link", err)
		}
	}
	return nil
}

// GetContextLinksForMessage returns the links for a message, O(degree).
func (s *SQLStore) GetContextLinksForMessage(ctx context.Context, messageID string) ([]types.ContextLink, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT message_id, chunk_id, created_at FROM context_links WHERE message_id = ?`), messageID)
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "GetContextLinksForMessage", "query", err)
	}
	defer func() { _ = rows.Close() }()
	var out []types.ContextLink
	for rows.Next() {
		var l types.ContextLink
		var created string
		if err := rows.Scan(&l.MessageID, &l.ChunkID, &created); err != nil {
			return nil, ltmcerrors.NewWriteFailed("storage.sql", "GetContextLinksForMessage", "scan", err)
		}
		l.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetMessagesForChunk returns messages linked to a chunk, O(degree).
func (s *SQLStore) GetMessagesForChunk(ctx context.Context, chunkID int64) ([]types.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT m.id, m.conversation_id, m.role, m.content, m.agent, m.source_tool, m.metadata, m.created_at
		 FROM chat_messages m JOIN context_links l ON l.message_id = m.id WHERE l.chunk_id = ? ORDER BY m.created_at ASC`),
		chunkID)
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "GetMessagesForChunk", "query", err)
	}
	return s.scanChatMessages(rows)
}

// CountContextLinks reports the total number of stored context links, used
// by the context_links tool's stats action.
func (s *SQLStore) CountContextLinks(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM context_links`).Scan(&n); err != nil {
		return 0, ltmcerrors.NewWriteFailed("storage.sql", "CountContextLinks", "count", err)
	}
	return n, nil
}

// AddTodo inserts a Todo row.
func (s *SQLStore) AddTodo(ctx context.Context, todo types.Todo) (int64, error) {
	now := nowUTC()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO todos (title, description, status, priority, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
		todo.Title, todo.Description, todo.Status, todo.Priority, now, now)
	if err != nil {
		return 0, ltmcerrors.NewWriteFailed("storage.sql", "AddTodo", "insert", err)
	}
	return res.LastInsertId()
}

// ListTodos lists todos, optionally filtered by status ("" = all).
func (s *SQLStore) ListTodos(ctx context.Context, status types.TodoStatus) ([]types.Todo, error) {
	query := `SELECT id, title, description, status, priority, created_at, updated_at FROM todos`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "ListTodos", "query", err)
	}
	return s.scanTodos(rows)
}

func (s *SQLStore) scanTodos(rows *sql.Rows) ([]types.Todo, error) {
	defer func() { _ = rows.Close() }()
	var out []types.Todo
	for rows.Next() {
		var t types.Todo
		var desc sql.NullString
		var created, updated string
		if err := rows.Scan(&t.ID, &t.Title, &desc, &t.Status, &t.Priority, &created, &updated); err != nil {
			return nil, ltmcerrors.NewWriteFailed("storage.sql", "scanTodos", "scan", err)
		}
		t.Description = desc.String
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, t)
	}
	return out, rows.Err()
}

// CompleteTodo marks a Todo completed.
func (s *SQLStore) CompleteTodo(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE todos SET status = ?, updated_at = ? WHERE id = ?`),
		types.TodoStatusCompleted, nowUTC(), id)
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.sql", "CompleteTodo", "update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ltmcerrors.NewNotFound("storage.sql", "CompleteTodo", fmt.Sprintf("todo %d not found", id))
	}
	return nil
}

// SearchTodos does a simple substring match over title/description.
func (s *SQLStore) SearchTodos(ctx context.Context, query string) ([]types.Todo, error) {
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, title, description, status, priority, created_at, updated_at FROM todos WHERE title LIKE ? OR description LIKE ? ORDER BY created_at DESC`),
		like, like)
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "SearchTodos", "query", err)
	}
	return s.scanTodos(rows)
}

// GetRetrievalWeights reads the single RetrievalWeights row.
func (s *SQLStore) GetRetrievalWeights(ctx context.Context) (types.RetrievalWeights, error) {
	var w types.RetrievalWeights
	err := s.db.QueryRowContext(ctx, `SELECT alpha, beta, gamma, delta, epsilon FROM retrieval_weights WHERE id = 1`).
		Scan(&w.Alpha, &w.Beta, &w.Gamma, &w.Delta, &w.Eps)
	if err != nil {
		if err == sql.ErrNoRows {
			return types.DefaultRetrievalWeights(), nil
		}
		return w, ltmcerrors.NewWriteFailed("storage.sql", "GetRetrievalWeights", "query", err)
	}
	return w, nil
}

// SetRetrievalWeights overwrites the single RetrievalWeights row.
func (s *SQLStore) SetRetrievalWeights(ctx context.Context, w types.RetrievalWeights) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE retrieval_weights SET alpha=?, beta=?, gamma=?, delta=?, epsilon=? WHERE id = 1`),
		w.Alpha, w.Beta, w.Gamma, w.Delta, w.Eps)
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.sql", "SetRetrievalWeights", "update", err)
	}
	return nil
}

// EnqueueRepair adds a (chunk, text) pair to the repair queue (the consistency manager).
func (s *SQLStore) EnqueueRepair(ctx context.Context, entry RepairEntry) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO repair_queue (resource_id, chunk_id, vector_id, text, attempts, last_error, quarantined, created_at) VALUES (?, ?, ?, ?, 0, '', 0, ?)`),
		entry.ResourceID, entry.ChunkID, entry.VectorID, entry.Text, nowUTC())
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.sql", "EnqueueRepair", "insert", err)
	}
	return nil
}

// ListRepairQueue returns up to limit unquarantined entries, FIFO.
func (s *SQLStore) ListRepairQueue(ctx context.Context, limit int) ([]RepairEntry, error) {
	query := `SELECT id, resource_id, chunk_id, vector_id, text, attempts, last_error, quarantined, created_at FROM repair_queue WHERE quarantined = 0 ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "ListRepairQueue", "query", err)
	}
	defer func() { _ = rows.Close() }()
	var out []RepairEntry
	for rows.Next() {
		var e RepairEntry
		var lastErr sql.NullString
		var quarantined int
		var created string
		if err := rows.Scan(&e.ID, &e.ResourceID, &e.ChunkID, &e.VectorID, &e.Text, &e.Attempts, &lastErr, &quarantined, &created); err != nil {
			return nil, ltmcerrors.NewWriteFailed("storage.sql", "ListRepairQueue", "scan", err)
		}
		e.LastError = lastErr.String
		e.Quarantined = quarantined != 0
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkRepairAttempt records a failed repair attempt, quarantining the entry
// once it has failed persistently (bounded retries).
func (s *SQLStore) MarkRepairAttempt(ctx context.Context, id int64, errMsg string) error {
	const maxAttempts = 5
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE repair_queue SET attempts = attempts + 1, last_error = ?, quarantined = CASE WHEN attempts + 1 >= ? THEN 1 ELSE 0 END WHERE id = ?`),
		errMsg, maxAttempts, id)
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.sql", "MarkRepairAttempt", "update", err)
	}
	return nil
}

// ResolveRepair removes a repair queue entry once its vector write succeeds.
func (s *SQLStore) ResolveRepair(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM repair_queue WHERE id = ?`), id); err != nil {
		return ltmcerrors.NewWriteFailed("storage.sql", "ResolveRepair", "delete", err)
	}
	return nil
}

// RecordThoughtIndex inserts the thought_index row for fast session/step
// lookups, pointing at a Resource already created by unified operations/the sync coordinator's normal
// chunk-and-embed ingestion path.
func (s *SQLStore) RecordThoughtIndex(ctx context.Context, node types.ThoughtNode, resourceID int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO thought_index (ulid, resource_id, session_id, step_number, kind, previous_thought_id, content_hash, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		node.ULID, resourceID, node.SessionID, node.StepNumber, node.Kind, node.PreviousThoughtID, node.ContentHash, nowUTC())
	if err != nil {
		return ltmcerrors.NewWriteFailed("storage.sql", "RecordThoughtIndex", "insert thought_index", err)
	}
	return nil
}

func (s *SQLStore) thoughtFromRow(rows *sql.Rows) (types.ThoughtNode, error) {
	var t types.ThoughtNode
	var resourceID int64
	var prev sql.NullString
	var created string
	if err := rows.Scan(&t.ULID, &resourceID, &t.SessionID, &t.StepNumber, &t.Kind, &prev, &t.ContentHash, &created); err != nil {
		return t, err
	}
	t.PreviousThoughtID = prev.String
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)

	res, err := s.GetResource(context.Background(), resourceID)
	if err == nil {
		t.Content = res.Content
	}
	return t, nil
}

// GetThoughtBySessionAndStep reads a single node by (session, step).
func (s *SQLStore) GetThoughtBySessionAndStep(ctx context.Context, sessionID string, step int) (*types.ThoughtNode, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT ulid, resource_id, session_id, step_number, kind, previous_thought_id, content_hash, created_at FROM thought_index WHERE session_id = ? AND step_number = ?`),
		sessionID, step)
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "GetThoughtBySessionAndStep", "query", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, ltmcerrors.NewNotFound("storage.sql", "GetThoughtBySessionAndStep", "no thought at that step")
	}
	t, err := s.thoughtFromRow(rows)
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "GetThoughtBySessionAndStep", "scan", err)
	}
	return &t, nil
}

// ListThoughtsBySession returns every node for a session ordered by step,
// the relational store fallback path when the graph store is degraded.
func (s *SQLStore) ListThoughtsBySession(ctx context.Context, sessionID string) ([]types.ThoughtNode, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT ulid, resource_id, session_id, step_number, kind, previous_thought_id, content_hash, created_at FROM thought_index WHERE session_id = ? ORDER BY step_number ASC`),
		sessionID)
	if err != nil {
		return nil, ltmcerrors.NewWriteFailed("storage.sql", "ListThoughtsBySession", "query", err)
	}
	defer func() { _ = rows.Close() }()
	var out []types.ThoughtNode
	for rows.Next() {
		t, err := s.thoughtFromRow(rows)
		if err != nil {
			return nil, ltmcerrors.NewWriteFailed("storage.sql", "ListThoughtsBySession", "scan", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// CountThoughtsInSession is used to cross-check a session's chain length.
func (s *SQLStore) CountThoughtsInSession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM thought_index WHERE session_id = ?`), sessionID).Scan(&n)
	if err != nil {
		return 0, ltmcerrors.NewWriteFailed("storage.sql", "CountThoughtsInSession", "query", err)
	}
	return n, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }
