// Package artifacts handles everything a finished call leaves behind: the
// recording and transcript uploads, the completion bookkeeping job, and the
// webhook integrations that announce the result. It also reads csv campaign
// sources out of the same object store.
package artifacts

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Storage is the object-store surface the artifact layer needs. Drivers are
// provided by the deployment; this package ships only an in-memory
// implementation for tests and local runs.
type Storage interface {
	// Put stores data under key and returns its canonical URL.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)

	// Get retrieves the object stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// SignedURL returns a time-limited download link for key.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// RecordingKey is the object key of a run's call recording.
func RecordingKey(runID string) string { return "recordings/" + runID + ".wav" }

// TranscriptKey is the object key of a run's transcript.
func TranscriptKey(runID string) string { return "transcripts/" + runID + ".txt" }

// MemoryStorage is a map-backed Storage for tests and single-process runs.
type MemoryStorage struct {
	// BaseURL prefixes returned URLs. Defaults to "memory://".
	BaseURL string

	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: map[string][]byte{}}
}

func (s *MemoryStorage) url(key string) string {
	base := s.BaseURL
	if base == "" {
		base = "memory://"
	}
	return base + key
}

func (s *MemoryStorage) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return s.url(key), nil
}

func (s *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("artifacts: object %q not found", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStorage) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return "", fmt.Errorf("artifacts: object %q not found", key)
	}
	return s.url(key) + "?signed=1", nil
}
