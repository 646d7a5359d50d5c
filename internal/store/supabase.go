package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"
)

// SupabaseStore talks to the hosted Postgres through PostgREST.
// The client has no context support; ctx is accepted for interface parity.
type SupabaseStore struct {
	client *supabase.Client
}

func NewSupabaseStore(url, serviceRoleKey string) (*SupabaseStore, error) {
	client, err := supabase.NewClient(url, serviceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

type conversationRow struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type userRow struct {
	UserID         string  `json:"user_id"`
	Name           string  `json:"name"`
	PersonalityKey *string `json:"personality_key"`
}

type personalityRow struct {
	Key          string `json:"key"`
	Title        string `json:"title"`
	Prompt       string `json:"prompt"`
	Voice        string `json:"voice"`
	Provider     string `json:"provider"`
	FirstMessage string `json:"first_message"`
}

func (s *SupabaseStore) SaveTurn(_ context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	row := conversationRow(record)
	if _, _, err := s.client.From("conversations").Insert(row, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *SupabaseStore) RecentContext(_ context.Context, userID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	raw, _, err := s.client.From("conversations").
		Select("id,user_id,session_id,role,content,created_at", "", false).
		Eq("user_id", userID).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(limit, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("query recent context: %w", err)
	}
	var rows []conversationRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode recent context: %w", err)
	}
	items := make([]TurnRecord, len(rows))
	for i, r := range rows {
		items[i] = TurnRecord(r)
	}
	reverseTurns(items)
	return items, nil
}

func (s *SupabaseStore) DeviceInfo(_ context.Context, userID string) (*Device, error) {
	raw, _, err := s.client.From("devices").
		Select("user_id,volume", "", false).
		Eq("user_id", userID).
		Limit(1, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("query device: %w", err)
	}
	var rows []Device
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode device: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *SupabaseStore) User(_ context.Context, userID string) (User, error) {
	raw, _, err := s.client.From("users").
		Select("user_id,name,personality_key", "", false).
		Eq("user_id", userID).
		Limit(1, "").
		Execute()
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	var users []userRow
	if err := json.Unmarshal(raw, &users); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}
	if len(users) == 0 {
		return User{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	u := User{ID: users[0].UserID, Name: users[0].Name}
	if users[0].PersonalityKey == nil {
		return u, nil
	}

	raw, _, err = s.client.From("personalities").
		Select("*", "", false).
		Eq("key", *users[0].PersonalityKey).
		Limit(1, "").
		Execute()
	if err != nil {
		return User{}, fmt.Errorf("query personality: %w", err)
	}
	var ps []personalityRow
	if err := json.Unmarshal(raw, &ps); err != nil {
		return User{}, fmt.Errorf("decode personality: %w", err)
	}
	if len(ps) > 0 {
		p := Personality(ps[0])
		u.Personality = &p
	}
	return u, nil
}

func (s *SupabaseStore) Close() error { return nil }
