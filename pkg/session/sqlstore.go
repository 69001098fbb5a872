package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strand-agents/strand/pkg/a2a"
	"github.com/strand-agents/strand/pkg/binding"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on a SQL database. Concurrency is handled by
// database-level locking (transactions); the sequence_num column makes append
// order authoritative independent of turn timestamps.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// turnRow maps to the session_turns table.
type turnRow struct {
	ID        string
	SessionID string
	TurnType  string
	Content   string
	Streaming bool
	Cancelled bool
	ErrorMsg  string

	AttachmentsJSON string
	ScratchpadJSON  string
	CitationsJSON   string
	ToolCallsJSON   string
	TraceJSON       string
	DataJSON        string
	MetadataJSON    string

	SequenceNum int
	CreatedAt   time.Time
}

// Schema creation SQL
const createSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    binding_json TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createTurnsSchemaSQL = `
CREATE TABLE IF NOT EXISTS session_turns (
    id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    turn_type VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    streaming BOOLEAN DEFAULT FALSE,
    cancelled BOOLEAN DEFAULT FALSE,
    error_message TEXT,
    attachments_json TEXT,
    scratchpad_json TEXT,
    citations_json TEXT,
    tool_calls_json TEXT,
    trace_json TEXT,
    data_json TEXT,
    metadata_json TEXT,
    sequence_num INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, id)
)`

const createTurnsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_turns_session ON session_turns(session_id, sequence_num)`

// NewSQLStore creates a SQL-backed transcript store.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the required tables if they don't exist.
func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Execute each statement separately for SQLite compatibility
	for _, stmt := range []string{createSessionsSchemaSQL, createTurnsSchemaSQL, createTurnsIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Store Implementation
// =============================================================================

func (s *SQLStore) CreateSession(ctx context.Context, name string, b *binding.Binding) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Binding:   b,
	}

	bindingJSON, err := marshalBinding(b)
	if err != nil {
		return nil, err
	}

	query := s.placeholders(`INSERT INTO sessions (id, name, binding_json, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, sess.ID, sess.Name, bindingJSON, now, now); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := s.placeholders(`SELECT id, name, binding_json, created_at, updated_at
              FROM sessions WHERE id = ?`)

	var sess Session
	var bindingJSON string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.Name, &bindingJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if sess.Binding, err = unmarshalBinding(bindingJSON); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLStore) ListSessions(ctx context.Context) ([]*Session, error) {
	query := `SELECT id, name, binding_json, created_at, updated_at
              FROM sessions ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var bindingJSON string
		if err := rows.Scan(&sess.ID, &sess.Name, &bindingJSON, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if sess.Binding, err = unmarshalBinding(bindingJSON); err != nil {
			return nil, err
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	// Delete turns first (foreign key)
	turnQuery := s.placeholders(`DELETE FROM session_turns WHERE session_id = ?`)
	if _, err := tx.ExecContext(ctx, turnQuery, id); err != nil {
		return fmt.Errorf("failed to delete turns: %w", err)
	}

	query := s.placeholders(`DELETE FROM sessions WHERE id = ?`)
	res, err := tx.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) SetBinding(ctx context.Context, sessionID string, b *binding.Binding) error {
	bindingJSON, err := marshalBinding(b)
	if err != nil {
		return err
	}

	query := s.placeholders(`UPDATE sessions SET binding_json = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, bindingJSON, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update binding: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLStore) AppendTurn(ctx context.Context, turn *Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	var exists int
	checkQuery := s.placeholders(`SELECT COUNT(*) FROM sessions WHERE id = ?`)
	if err := tx.QueryRowContext(ctx, checkQuery, turn.SessionID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}

	seqNum, err := s.nextSequenceNumTx(ctx, tx, turn.SessionID)
	if err != nil {
		return fmt.Errorf("failed to get sequence number: %w", err)
	}
	turn.Seq = seqNum

	row, err := turnToRow(turn)
	if err != nil {
		return err
	}

	insertQuery := s.insertTurnQuery()
	if _, err := tx.ExecContext(ctx, insertQuery,
		row.ID, row.SessionID, row.TurnType, row.Content,
		row.Streaming, row.Cancelled, row.ErrorMsg,
		row.AttachmentsJSON, row.ScratchpadJSON, row.CitationsJSON,
		row.ToolCallsJSON, row.TraceJSON, row.DataJSON, row.MetadataJSON,
		row.SequenceNum, row.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	touchQuery := s.placeholders(`UPDATE sessions SET updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, touchQuery, time.Now(), turn.SessionID); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) Turns(ctx context.Context, sessionID string) ([]*Turn, error) {
	var exists int
	checkQuery := s.placeholders(`SELECT COUNT(*) FROM sessions WHERE id = ?`)
	if err := s.db.QueryRowContext(ctx, checkQuery, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return nil, ErrSessionNotFound
	}

	query := s.placeholders(`SELECT id, session_id, turn_type, content,
              streaming, cancelled, error_message,
              attachments_json, scratchpad_json, citations_json,
              tool_calls_json, trace_json, data_json, metadata_json,
              sequence_num, created_at
              FROM session_turns WHERE session_id = ?
              ORDER BY sequence_num ASC`)

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var row turnRow
		if err := rows.Scan(
			&row.ID, &row.SessionID, &row.TurnType, &row.Content,
			&row.Streaming, &row.Cancelled, &row.ErrorMsg,
			&row.AttachmentsJSON, &row.ScratchpadJSON, &row.CitationsJSON,
			&row.ToolCallsJSON, &row.TraceJSON, &row.DataJSON, &row.MetadataJSON,
			&row.SequenceNum, &row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}

		turn, err := rowToTurn(&row)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// UpdateStreamingTurn applies a delta inside one transaction. The streaming
// flag is checked first so a finalized turn can never be mutated; text is
// appended with a dialect-specific concat and list columns are merged
// read-modify-write in the same transaction.
func (s *SQLStore) UpdateStreamingTurn(ctx context.Context, sessionID, turnID string, delta Delta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	row, err := s.getTurnRowTx(ctx, tx, sessionID, turnID)
	if err != nil {
		return err
	}
	if !row.Streaming {
		return ErrTurnImmutable
	}

	if delta.Text != "" {
		query := s.appendContentQuery()
		if _, err := tx.ExecContext(ctx, query, delta.Text, sessionID, turnID); err != nil {
			return fmt.Errorf("failed to append content: %w", err)
		}
	}

	if len(delta.Citations) > 0 || len(delta.ToolCalls) > 0 || len(delta.Trace) > 0 ||
		len(delta.Data) > 0 || delta.Scratchpad != nil {
		turn, err := rowToTurn(row)
		if err != nil {
			return err
		}
		turn.apply(Delta{
			Citations:  delta.Citations,
			ToolCalls:  delta.ToolCalls,
			Trace:      delta.Trace,
			Data:       delta.Data,
			Scratchpad: delta.Scratchpad,
		})
		merged, err := turnToRow(turn)
		if err != nil {
			return err
		}

		query := s.placeholders(`UPDATE session_turns SET
                  citations_json = ?, tool_calls_json = ?, trace_json = ?,
                  data_json = ?, scratchpad_json = ?
                  WHERE session_id = ? AND id = ?`)
		if _, err := tx.ExecContext(ctx, query,
			merged.CitationsJSON, merged.ToolCallsJSON, merged.TraceJSON,
			merged.DataJSON, merged.ScratchpadJSON,
			sessionID, turnID); err != nil {
			return fmt.Errorf("failed to update turn payloads: %w", err)
		}
	}

	touchQuery := s.placeholders(`UPDATE sessions SET updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, touchQuery, time.Now(), sessionID); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) FinalizeTurn(ctx context.Context, sessionID, turnID string, final Final) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	row, err := s.getTurnRowTx(ctx, tx, sessionID, turnID)
	if err != nil {
		return err
	}
	if !row.Streaming {
		return ErrTurnImmutable
	}

	metadataJSON := ""
	if final.Metadata != nil {
		b, err := json.Marshal(final.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadataJSON = string(b)
	} else {
		metadataJSON = row.MetadataJSON
	}

	query := s.placeholders(`UPDATE session_turns SET
              streaming = ?, cancelled = ?, error_message = ?, metadata_json = ?
              WHERE session_id = ? AND id = ?`)
	if _, err := tx.ExecContext(ctx, query,
		false, final.Cancelled, final.Error, metadataJSON, sessionID, turnID); err != nil {
		return fmt.Errorf("failed to finalize turn: %w", err)
	}

	touchQuery := s.placeholders(`UPDATE sessions SET updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, touchQuery, time.Now(), sessionID); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// Transaction helpers
// =============================================================================

func (s *SQLStore) getTurnRowTx(ctx context.Context, tx *sql.Tx, sessionID, turnID string) (*turnRow, error) {
	query := s.placeholders(`SELECT id, session_id, turn_type, content,
              streaming, cancelled, error_message,
              attachments_json, scratchpad_json, citations_json,
              tool_calls_json, trace_json, data_json, metadata_json,
              sequence_num, created_at
              FROM session_turns WHERE session_id = ? AND id = ?`)

	var row turnRow
	err := tx.QueryRowContext(ctx, query, sessionID, turnID).Scan(
		&row.ID, &row.SessionID, &row.TurnType, &row.Content,
		&row.Streaming, &row.Cancelled, &row.ErrorMsg,
		&row.AttachmentsJSON, &row.ScratchpadJSON, &row.CitationsJSON,
		&row.ToolCallsJSON, &row.TraceJSON, &row.DataJSON, &row.MetadataJSON,
		&row.SequenceNum, &row.CreatedAt)
	if err == sql.ErrNoRows {
		// Distinguish missing session from missing turn.
		var exists int
		checkQuery := s.placeholders(`SELECT COUNT(*) FROM sessions WHERE id = ?`)
		if err := tx.QueryRowContext(ctx, checkQuery, sessionID).Scan(&exists); err == nil && exists == 0 {
			return nil, ErrSessionNotFound
		}
		return nil, ErrTurnNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get turn: %w", err)
	}
	return &row, nil
}

func (s *SQLStore) nextSequenceNumTx(ctx context.Context, tx *sql.Tx, sessionID string) (int, error) {
	query := s.placeholders(`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM session_turns
              WHERE session_id = ?`)

	var seqNum int
	if err := tx.QueryRowContext(ctx, query, sessionID).Scan(&seqNum); err != nil {
		return 0, err
	}
	return seqNum, nil
}

// =============================================================================
// SQL Query Builders (dialect-specific)
// =============================================================================

func (s *SQLStore) insertTurnQuery() string {
	query := `INSERT INTO session_turns (
            id, session_id, turn_type, content,
            streaming, cancelled, error_message,
            attachments_json, scratchpad_json, citations_json,
            tool_calls_json, trace_json, data_json, metadata_json,
            sequence_num, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return s.placeholders(query)
}

func (s *SQLStore) appendContentQuery() string {
	switch s.dialect {
	case "mysql":
		return `UPDATE session_turns SET content = CONCAT(content, ?) WHERE session_id = ? AND id = ?`
	case "postgres":
		return convertToPostgresPlaceholders(`UPDATE session_turns SET content = content || ? WHERE session_id = ? AND id = ?`)
	default: // sqlite
		return `UPDATE session_turns SET content = content || ? WHERE session_id = ? AND id = ?`
	}
}

// placeholders rewrites ? placeholders for the active dialect.
func (s *SQLStore) placeholders(query string) string {
	if s.dialect == "postgres" {
		return convertToPostgresPlaceholders(query)
	}
	return query
}

// convertToPostgresPlaceholders converts ? to $1, $2, etc. in a single pass.
func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20) // Pre-allocate for typical expansion
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			b.WriteString(fmt.Sprintf("$%d", paramNum))
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// =============================================================================
// Conversion Helpers
// =============================================================================

func marshalBinding(b *binding.Binding) (string, error) {
	if b == nil {
		return "", nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("failed to marshal binding: %w", err)
	}
	return string(raw), nil
}

func unmarshalBinding(s string) (*binding.Binding, error) {
	if s == "" {
		return nil, nil
	}
	var b binding.Binding
	if err := json.Unmarshal([]byte(s), &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal binding: %w", err)
	}
	return &b, nil
}

func turnToRow(turn *Turn) (*turnRow, error) {
	row := &turnRow{
		ID:          turn.ID,
		SessionID:   turn.SessionID,
		TurnType:    string(turn.Type),
		Content:     turn.Content,
		Streaming:   turn.Streaming,
		Cancelled:   turn.Cancelled,
		ErrorMsg:    turn.Error,
		SequenceNum: turn.Seq,
		CreatedAt:   turn.Timestamp,
	}

	var err error
	if row.AttachmentsJSON, err = marshalList(turn.Attachments); err != nil {
		return nil, err
	}
	if row.CitationsJSON, err = marshalList(turn.Citations); err != nil {
		return nil, err
	}
	if row.ToolCallsJSON, err = marshalList(turn.ToolCalls); err != nil {
		return nil, err
	}
	if row.TraceJSON, err = marshalList(turn.Trace); err != nil {
		return nil, err
	}
	if row.DataJSON, err = marshalList(turn.Data); err != nil {
		return nil, err
	}
	if turn.Scratchpad != nil {
		b, err := json.Marshal(turn.Scratchpad)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal scratchpad: %w", err)
		}
		row.ScratchpadJSON = string(b)
	}
	if turn.Metadata != nil {
		b, err := json.Marshal(turn.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		row.MetadataJSON = string(b)
	}
	return row, nil
}

func rowToTurn(row *turnRow) (*Turn, error) {
	turn := &Turn{
		ID:        row.ID,
		SessionID: row.SessionID,
		Type:      TurnType(row.TurnType),
		Content:   row.Content,
		Streaming: row.Streaming,
		Cancelled: row.Cancelled,
		Error:     row.ErrorMsg,
		Seq:       row.SequenceNum,
		Timestamp: row.CreatedAt,
	}

	if err := unmarshalList(row.AttachmentsJSON, &turn.Attachments); err != nil {
		return nil, err
	}
	if err := unmarshalList(row.CitationsJSON, &turn.Citations); err != nil {
		return nil, err
	}
	if err := unmarshalList(row.ToolCallsJSON, &turn.ToolCalls); err != nil {
		return nil, err
	}
	if err := unmarshalList(row.TraceJSON, &turn.Trace); err != nil {
		return nil, err
	}
	if err := unmarshalList(row.DataJSON, &turn.Data); err != nil {
		return nil, err
	}
	if row.ScratchpadJSON != "" {
		var sp a2a.Scratchpad
		if err := json.Unmarshal([]byte(row.ScratchpadJSON), &sp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scratchpad: %w", err)
		}
		turn.Scratchpad = &sp
	}
	if row.MetadataJSON != "" {
		var meta a2a.ResultMetadata
		if err := json.Unmarshal([]byte(row.MetadataJSON), &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		turn.Metadata = &meta
	}
	return turn, nil
}

func marshalList[T any](list []T) (string, error) {
	if len(list) == 0 {
		return "", nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to marshal list: %w", err)
	}
	return string(b), nil
}

func unmarshalList[T any](s string, out *[]T) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("failed to unmarshal list: %w", err)
	}
	return nil
}

// Compile-time interface check
var _ Store = (*SQLStore)(nil)
