// Package access persists which chats the bot answers in and whether auto
// mode is on for each of them.
package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"relaybot/internal/domain"
)

// Chat is one row of the chat registry.
type Chat struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title,omitempty"`
	Allowed   bool      `json:"allowed"`
	AutoMode  bool      `json:"auto_mode"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a SQLite-backed domain.ChatStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.ChatStore = (*Store)(nil)

// Open opens (creating if needed) the database at dbPath and migrates it.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// State returns the stored state of a chat. Unknown chats are not allowed.
func (s *Store) State(ctx context.Context, chatID int64) (domain.ChatState, error) {
	var st domain.ChatState
	err := s.db.QueryRowContext(ctx,
		`SELECT allowed, auto_mode FROM chats WHERE chat_id = ?`, chatID,
	).Scan(&st.Allowed, &st.AutoMode)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ChatState{}, nil
	}
	if err != nil {
		return domain.ChatState{}, fmt.Errorf("load chat %d: %w", chatID, err)
	}
	return st, nil
}

// SetAllowed adds a chat to, or removes it from, the allow-list.
func (s *Store) SetAllowed(ctx context.Context, chatID int64, allowed bool) error {
	action := "deny"
	if allowed {
		action = "allow"
	}
	return s.update(ctx, chatID, "allowed", allowed, action)
}

// SetAutoMode turns auto-trigger on or off for a chat.
func (s *Store) SetAutoMode(ctx context.Context, chatID int64, enabled bool) error {
	action := "auto_off"
	if enabled {
		action = "auto_on"
	}
	return s.update(ctx, chatID, "auto_mode", enabled, action)
}

// update upserts one boolean column. column is always a constant.
func (s *Store) update(ctx context.Context, chatID int64, column string, value bool, action string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`INSERT INTO chats (chat_id, %[1]s) VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET %[1]s = excluded.%[1]s, updated_at = CURRENT_TIMESTAMP`, column)
	if _, err := tx.ExecContext(ctx, query, chatID, value); err != nil {
		return fmt.Errorf("update chat %d: %w", chatID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_events (chat_id, action) VALUES (?, ?)`, chatID, action,
	); err != nil {
		return fmt.Errorf("record chat event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("chat updated", "chat_id", chatID, "action", action)
	return nil
}

// SetTitle stores a human-readable name for a known chat.
func (s *Store) SetTitle(ctx context.Context, chatID int64, title string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (chat_id, title) VALUES (?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET title = excluded.title`,
		chatID, title,
	)
	if err != nil {
		return fmt.Errorf("set title for chat %d: %w", chatID, err)
	}
	return nil
}

// Seed allows every chat in ids that is not yet known. Chats already in
// the registry keep their stored state, so a later deny survives restarts.
func (s *Store) Seed(ctx context.Context, ids []int64) (int, error) {
	added := 0
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO chats (chat_id, allowed) VALUES (?, 1)`, id)
		if err != nil {
			return added, fmt.Errorf("seed chat %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if added > 0 {
		s.logger.Info("seeded allowed chats", "count", added)
	}
	return added, nil
}

// List returns every known chat ordered by id.
func (s *Store) List(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, COALESCE(title, ''), allowed, auto_mode, updated_at FROM chats ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Title, &c.Allowed, &c.AutoMode, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
