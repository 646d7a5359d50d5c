package store

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and configures a backend.
type Options struct {
	DatabaseURL            string
	SupabaseURL            string
	SupabaseServiceRoleKey string
	FixturesPath           string
}

// NewStore picks a backend: Supabase when SUPABASE_URL is set, PostgreSQL for
// postgres URLs, SQLite for sqlite: URLs or .db paths, otherwise in-memory.
// The returned name identifies the backend in logs.
func NewStore(ctx context.Context, opts Options) (Store, string, error) {
	dsn := strings.TrimSpace(opts.DatabaseURL)
	switch {
	case strings.TrimSpace(opts.SupabaseURL) != "":
		s, err := NewSupabaseStore(opts.SupabaseURL, opts.SupabaseServiceRoleKey)
		return s, "supabase", err
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s, err := NewPostgresStore(ctx, dsn)
		return s, "postgres", err
	case strings.HasPrefix(dsn, "sqlite:"), strings.HasSuffix(dsn, ".db"):
		s, err := NewSQLiteStore(ctx, strings.TrimPrefix(dsn, "sqlite:"))
		if err != nil {
			return nil, "sqlite", err
		}
		if opts.FixturesPath != "" {
			if err := seedSQLite(ctx, s, opts.FixturesPath); err != nil {
				_ = s.Close()
				return nil, "sqlite", err
			}
		}
		return s, "sqlite", nil
	case dsn != "":
		return nil, "", fmt.Errorf("unsupported DATABASE_URL scheme")
	}

	s := NewInMemoryStore()
	if opts.FixturesPath != "" {
		if err := s.LoadFixtures(opts.FixturesPath); err != nil {
			return nil, "memory", err
		}
	}
	return s, "memory", nil
}

func seedSQLite(ctx context.Context, s *SQLiteStore, path string) error {
	mem := NewInMemoryStore()
	if err := mem.LoadFixtures(path); err != nil {
		return err
	}
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, u := range mem.users {
		if err := s.PutUser(ctx, u); err != nil {
			return err
		}
	}
	for _, d := range mem.devices {
		if err := s.PutDevice(ctx, d); err != nil {
			return err
		}
	}
	return nil
}
