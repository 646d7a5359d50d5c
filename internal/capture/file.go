// Package capture writes raw device audio to disk for offline debugging.
package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sink receives raw PCM frames. Close is idempotent.
type Sink interface {
	Write(pcm []byte) error
	Close() error
}

// FileSink appends PCM16LE frames to a single .pcm file.
type FileSink struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	closed bool
}

// OpenFile creates dir if needed and opens <dir>/<sessionID>-<unix>.pcm.
func OpenFile(dir, sessionID string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	name := fmt.Sprintf("%s-%d.pcm", sessionID, time.Now().Unix())
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	return &FileSink{f: f, path: path}, nil
}

func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	_, err := s.f.Write(pcm)
	return err
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Write([]byte) error { return nil }
func (Nop) Close() error       { return nil }
