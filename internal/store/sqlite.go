package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-node backend for devices run without a database server.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer; modernc serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS personalities (
			key TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			voice TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			first_message TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			personality_key TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS devices (user_id TEXT PRIMARY KEY, volume INTEGER);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_created ON conversations (user_id, created_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID, record.UserID, record.SessionID, record.Role, record.Content, record.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, role, content, created_at
		 FROM conversations WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent context: %w", err)
	}
	defer rows.Close()

	items := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var (
			r  TurnRecord
			ns int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Role, &r.Content, &ns); err != nil {
			return nil, fmt.Errorf("scan context row: %w", err)
		}
		r.CreatedAt = time.Unix(0, ns).UTC()
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context rows: %w", err)
	}
	reverseTurns(items)
	return items, nil
}

func (s *SQLiteStore) DeviceInfo(ctx context.Context, userID string) (*Device, error) {
	var vol sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT volume FROM devices WHERE user_id = ?`, userID).Scan(&vol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query device: %w", err)
	}
	d := &Device{UserID: userID}
	if vol.Valid {
		v := int(vol.Int64)
		d.Volume = &v
	}
	return d, nil
}

func (s *SQLiteStore) User(ctx context.Context, userID string) (User, error) {
	u := User{ID: userID}
	var key, title, prompt, voice, provider, first sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT u.name, p.key, p.title, p.prompt, p.voice, p.provider, p.first_message
		 FROM users u LEFT JOIN personalities p ON p.key = u.personality_key
		 WHERE u.user_id = ?`,
		userID,
	).Scan(&u.Name, &key, &title, &prompt, &voice, &provider, &first)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	if key.Valid {
		u.Personality = &Personality{
			Key:          key.String,
			Title:        title.String,
			Prompt:       prompt.String,
			Voice:        voice.String,
			Provider:     provider.String,
			FirstMessage: first.String,
		}
	}
	return u, nil
}

// PutUser upserts a user and its personality; used for seeding and tests.
func (s *SQLiteStore) PutUser(ctx context.Context, u User) error {
	var personalityKey any
	if p := u.Personality; p != nil {
		personalityKey = p.Key
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO personalities (key, title, prompt, voice, provider, first_message) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET title=excluded.title, prompt=excluded.prompt, voice=excluded.voice,
			 provider=excluded.provider, first_message=excluded.first_message`,
			p.Key, p.Title, p.Prompt, p.Voice, p.Provider, p.FirstMessage,
		)
		if err != nil {
			return fmt.Errorf("put personality: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, name, personality_key) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET name=excluded.name, personality_key=excluded.personality_key`,
		u.ID, u.Name, personalityKey,
	)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutDevice(ctx context.Context, d Device) error {
	var vol any
	if d.Volume != nil {
		vol = *d.Volume
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (user_id, volume) VALUES (?, ?) ON CONFLICT(user_id) DO UPDATE SET volume=excluded.volume`,
		d.UserID, vol,
	)
	if err != nil {
		return fmt.Errorf("put device: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
