package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversations and reads device/user rows from PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
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
			personality_key TEXT REFERENCES personalities (key)
		);`,
		`CREATE TABLE IF NOT EXISTS devices (
			user_id TEXT PRIMARY KEY,
			volume INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_created ON conversations (user_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, session_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID,
		record.UserID,
		record.SessionID,
		record.Role,
		record.Content,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_id, role, content, created_at
		 FROM conversations WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent context: %w", err)
	}
	defer rows.Close()

	items := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var r TurnRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Role, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan context row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context rows: %w", err)
	}

	reverseTurns(items)
	return items, nil
}

func (s *PostgresStore) DeviceInfo(ctx context.Context, userID string) (*Device, error) {
	d := Device{UserID: userID}
	err := s.pool.QueryRow(ctx, `SELECT volume FROM devices WHERE user_id=$1`, userID).Scan(&d.Volume)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query device: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) User(ctx context.Context, userID string) (User, error) {
	u := User{ID: userID}
	var key, title, prompt, voice, provider, first *string
	err := s.pool.QueryRow(ctx,
		`SELECT u.name, p.key, p.title, p.prompt, p.voice, p.provider, p.first_message
		 FROM users u LEFT JOIN personalities p ON p.key = u.personality_key
		 WHERE u.user_id=$1`,
		userID,
	).Scan(&u.Name, &key, &title, &prompt, &voice, &provider, &first)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	if key != nil {
		u.Personality = &Personality{
			Key:          *key,
			Title:        deref(title),
			Prompt:       deref(prompt),
			Voice:        deref(voice),
			Provider:     deref(provider),
			FirstMessage: deref(first),
		}
	}
	return u, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
