package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnRecord stores a single user or assistant conversational turn.
type TurnRecord struct {
	ID        string    `json:"id" yaml:"id"`
	UserID    string    `json:"user_id" yaml:"user_id"`
	SessionID string    `json:"session_id" yaml:"session_id"`
	Role      string    `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Personality is the character a user's device speaks as.
type Personality struct {
	Key          string `json:"key" yaml:"key"`
	Title        string `json:"title" yaml:"title"`
	Prompt       string `json:"prompt" yaml:"prompt"`
	Voice        string `json:"voice" yaml:"voice"`
	Provider     string `json:"provider" yaml:"provider"`
	FirstMessage string `json:"first_message" yaml:"first_message"`
}

type User struct {
	ID          string       `json:"user_id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Personality *Personality `json:"personality,omitempty" yaml:"personality"`
}

// Device holds per-device playback settings. Volume is nil when unset.
type Device struct {
	UserID string `json:"user_id" yaml:"user_id"`
	Volume *int   `json:"volume" yaml:"volume"`
}

// Store is the persistence surface the bridge consumes.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error)
	// DeviceInfo returns nil, nil when the user has no registered device.
	DeviceInfo(ctx context.Context, userID string) (*Device, error)
	// User returns ErrNotFound for unknown ids.
	User(ctx context.Context, userID string) (User, error)
	Close() error
}

func reverseTurns(items []TurnRecord) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
