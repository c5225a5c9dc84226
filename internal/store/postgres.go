package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"triage/internal/logging"
	"triage/internal/state"
	id "triage/internal/utils/id"
)

const pgUniqueViolation = "23505"

// PostgresStore persists threads, messages, and audit logs in Postgres.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.NewComponentLogger("store"),
	}
}

// Connect opens a pool against the configured database.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

const threadColumns = `id, public_id, workspace_id, title, status, primary_source,
	thread_state_json, created_at, updated_at, last_activity_at`

func scanThread(row pgx.Row) (Thread, error) {
	var t Thread
	var stateJSON []byte
	err := row.Scan(&t.ID, &t.PublicID, &t.WorkspaceID, &t.Title, &t.Status,
		&t.PrimarySource, &stateJSON, &t.CreatedAt, &t.UpdatedAt, &t.LastActivityAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Thread{}, ErrNotFound
		}
		return Thread{}, err
	}
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &t.State); err != nil {
			return Thread{}, fmt.Errorf("decode thread state: %w", err)
		}
	} else {
		t.State = state.Empty()
	}
	return t, nil
}

func (s *PostgresStore) GetOrCreateThread(ctx context.Context, publicID, title, source string) (Thread, error) {
	thread, err := s.GetThreadByPublicID(ctx, publicID)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Thread{}, err
	}

	stateJSON, err := json.Marshal(state.Empty())
	if err != nil {
		return Thread{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO feedback_threads (public_id, title, status, primary_source, thread_state_json)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (public_id) DO NOTHING
		RETURNING `+threadColumns,
		publicID, title, StatusOpen, source, stateJSON)

	thread, err = scanThread(row)
	if errors.Is(err, ErrNotFound) {
		// Lost the insert race; the row exists now.
		return s.GetThreadByPublicID(ctx, publicID)
	}
	return thread, err
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID int64) (Thread, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM feedback_threads WHERE id = $1`, threadID)
	return scanThread(row)
}

func (s *PostgresStore) GetThreadByPublicID(ctx context.Context, publicID string) (Thread, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM feedback_threads WHERE public_id = $1`, publicID)
	return scanThread(row)
}

const messageColumns = `id, public_id, thread_id, source, sender_type, sender_name,
	visibility, body, metadata, created_at, edited_at, deleted_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	var metadata []byte
	err := row.Scan(&m.ID, &m.PublicID, &m.ThreadID, &m.Source, &m.SenderType,
		&m.SenderName, &m.Visibility, &m.Text, &metadata, &m.CreatedAt, &m.EditedAt, &m.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return Message{}, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	return m, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.PublicID == "" {
		msg.PublicID = id.NewPublicID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return Message{}, fmt.Errorf("encode message metadata: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO feedback_messages (public_id, thread_id, source, sender_type, sender_name, visibility, body, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+messageColumns,
		msg.PublicID, msg.ThreadID, msg.Source, msg.SenderType, msg.SenderName,
		msg.Visibility, msg.Text, metadata, msg.CreatedAt)

	inserted, err := scanMessage(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Message{}, ErrDuplicate
		}
		return Message{}, err
	}

	// lastActivityAt >= latest message createdAt, always.
	_, err = s.pool.Exec(ctx, `
		UPDATE feedback_threads
		SET last_activity_at = GREATEST(last_activity_at, $1)
		WHERE id = $2`, inserted.CreatedAt, inserted.ThreadID)
	if err != nil {
		return Message{}, err
	}

	return inserted, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, threadID int64) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM feedback_messages
		WHERE thread_id = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) GetMessageByPublicID(ctx context.Context, publicID string) (Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM feedback_messages WHERE public_id = $1`, publicID)
	return scanMessage(row)
}

func (s *PostgresStore) EditMessage(ctx context.Context, publicID, text string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE feedback_messages SET body = $1, edited_at = now()
		WHERE public_id = $2 AND deleted_at IS NULL`, text, publicID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TombstoneMessage(ctx context.Context, publicID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE feedback_messages SET deleted_at = now()
		WHERE public_id = $1 AND deleted_at IS NULL`, publicID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ApplyStateUpdate(ctx context.Context, threadID int64, next state.ThreadState, expectedUpdatedAt time.Time, auditAction string, details map[string]any) (Thread, error) {
	stateJSON, err := json.Marshal(next)
	if err != nil {
		return Thread{}, fmt.Errorf("encode thread state: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Thread{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `
		UPDATE feedback_threads
		SET thread_state_json = $1,
		    updated_at = now(),
		    last_activity_at = GREATEST(last_activity_at, now())
		WHERE id = $2 AND updated_at = $3
		RETURNING `+threadColumns,
		stateJSON, threadID, expectedUpdatedAt)

	thread, err := scanThread(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Thread{}, s.casFailure(ctx, threadID)
		}
		return Thread{}, err
	}

	if err := appendAuditTx(ctx, tx, AuditEntry{
		EntityType: "thread",
		EntityID:   threadID,
		Action:     auditAction,
		Details:    details,
	}); err != nil {
		return Thread{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Thread{}, err
	}
	return thread, nil
}

func (s *PostgresStore) UpdateThreadStatus(ctx context.Context, threadID int64, to ThreadStatus, expectedUpdatedAt time.Time) (Thread, error) {
	current, err := s.GetThread(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}
	if current.Status == to {
		return current, nil
	}
	if !CanTransition(current.Status, to) {
		return Thread{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Thread{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `
		UPDATE feedback_threads
		SET status = $1, updated_at = now()
		WHERE id = $2 AND updated_at = $3
		RETURNING `+threadColumns,
		to, threadID, expectedUpdatedAt)

	thread, err := scanThread(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Thread{}, s.casFailure(ctx, threadID)
		}
		return Thread{}, err
	}

	if err := appendAuditTx(ctx, tx, AuditEntry{
		EntityType: "thread",
		EntityID:   threadID,
		Action:     AuditThreadStatusChanged,
		Details:    map[string]any{"from": string(current.Status), "to": string(to)},
	}); err != nil {
		return Thread{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Thread{}, err
	}
	return thread, nil
}

// casFailure distinguishes a vanished row from a concurrent update.
func (s *PostgresStore) casFailure(ctx context.Context, threadID int64) error {
	if _, err := s.GetThread(ctx, threadID); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrConflict
}

func appendAuditTx(ctx context.Context, tx pgx.Tx, entry AuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_logs (entity_type, entity_id, action, details)
		VALUES ($1, $2, $3, $4)`,
		entry.EntityType, entry.EntityID, entry.Action, details)
	return err
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (entity_type, entity_id, action, details)
		VALUES ($1, $2, $3, $4)`,
		entry.EntityType, entry.EntityID, entry.Action, details)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, entityType string, entityID int64) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entity_type, entity_id, action, details, created_at
		FROM audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY id ASC`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var details []byte
		if err := rows.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Action, &details, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
