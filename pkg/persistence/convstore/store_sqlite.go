package convstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

// SQLiteDSNForFile builds a DSN with WAL, a busy timeout and foreign keys on.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite conversation store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite conversation store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite conversation store: open")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite conversation store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conv_id TEXT NOT NULL PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			conv_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (conv_id, message_id),
			FOREIGN KEY (conv_id) REFERENCES conversations(conv_id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_conv_ordinal ON messages(conv_id, ordinal);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_updated ON conversations(updated_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite conversation store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, title string, messages []Message) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("sqlite conversation store: db is nil")
	}
	now := time.Now()
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "sqlite conversation store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations(conv_id, title, created_at_ms, updated_at_ms) VALUES(?,?,?,?)`,
		id, title, now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return "", errors.Wrap(err, "sqlite conversation store: insert conversation")
	}
	if err := insertMessages(ctx, tx, id, NormalizeMessages(messages, now)); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "sqlite conversation store: commit")
	}
	return id, nil
}

func (s *SQLiteStore) AppendMessages(ctx context.Context, convID string, messages []Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite conversation store: db is nil")
	}
	convID, err := validateConvID(convID)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store")
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at_ms = ? WHERE conv_id = ?`, now.UnixMilli(), convID)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store: touch conversation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "sqlite conversation store: %s", convID)
	}
	if err := insertMessages(ctx, tx, convID, NormalizeMessages(messages, now)); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "sqlite conversation store: commit")
}

func insertMessages(ctx context.Context, tx *sql.Tx, convID string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordinal), -1) + 1 FROM messages WHERE conv_id = ?`, convID).Scan(&next); err != nil {
		return errors.Wrap(err, "sqlite conversation store: next ordinal")
	}
	for _, m := range messages {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO messages(conv_id, message_id, ordinal, role, content, created_at_ms) VALUES(?,?,?,?,?,?)`,
			convID, m.ID, next, m.Role, m.Content, m.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return errors.Wrap(err, "sqlite conversation store: insert message")
		}
		if n, _ := res.RowsAffected(); n > 0 {
			next++
		}
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, convID string) (*Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite conversation store: db is nil")
	}
	convID, err := validateConvID(convID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite conversation store")
	}
	var (
		conv               Conversation
		createdMs, updated int64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT conv_id, title, created_at_ms, updated_at_ms FROM conversations WHERE conv_id = ?`, convID,
	).Scan(&conv.ID, &conv.Title, &createdMs, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "sqlite conversation store: %s", convID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite conversation store: load conversation")
	}
	conv.CreatedAt = time.UnixMilli(createdMs)
	conv.UpdatedAt = time.UnixMilli(updated)

	msgs, err := s.loadMessages(ctx, convID)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return &conv, nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, convID string) ([]Message, error) {
	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, convID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, role, content, created_at_ms FROM messages WHERE conv_id = ? ORDER BY ordinal ASC`, convID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite conversation store: load messages")
	}
	defer func() { _ = rows.Close() }()

	out := []Message{}
	for rows.Next() {
		var (
			m         Message
			createdMs int64
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &createdMs); err != nil {
			return nil, errors.Wrap(err, "sqlite conversation store: scan message")
		}
		m.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite conversation store: iterate messages")
	}
	return out, nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, convID string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite conversation store: db is nil")
	}
	convID, err := validateConvID(convID)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	// explicit delete: the DSN may not enable foreign keys
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conv_id = ?`, convID); err != nil {
		return errors.Wrap(err, "sqlite conversation store: delete messages")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE conv_id = ?`, convID)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store: delete conversation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "sqlite conversation store: %s", convID)
	}
	return errors.Wrap(tx.Commit(), "sqlite conversation store: commit")
}
