package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]TurnRecord
	users   map[string]User
	devices map[string]Device
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string][]TurnRecord),
		users:   make(map[string]User),
		devices: make(map[string]Device),
	}
}

// Fixtures is the YAML seed format for the in-memory store.
type Fixtures struct {
	Users   []User   `yaml:"users"`
	Devices []Device `yaml:"devices"`
}

// LoadFixtures seeds users and devices from a YAML file.
func (s *InMemoryStore) LoadFixtures(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fixtures: %w", err)
	}
	var fx Fixtures
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	for _, u := range fx.Users {
		if u.ID == "" {
			return fmt.Errorf("parse fixtures %s: user without id", path)
		}
		s.PutUser(u)
	}
	for _, d := range fx.Devices {
		s.PutDevice(d)
	}
	return nil
}

func (s *InMemoryStore) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *InMemoryStore) PutDevice(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.UserID] = d
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.records[record.UserID] = append(s.records[record.UserID], record)
	return nil
}

func (s *InMemoryStore) RecentContext(_ context.Context, userID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) DeviceInfo(_ context.Context, userID string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[userID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *InMemoryStore) User(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	return u, nil
}

func (s *InMemoryStore) Close() error { return nil }
