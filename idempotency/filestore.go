package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/DarlingtonDeveloper/fiscal-relay/fault"
	"github.com/DarlingtonDeveloper/fiscal-relay/internal/fsutil"
)

const fileStoreVersion = 1

type fileState struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// FileStore is a Store kept in memory and mirrored to a JSON file. A
// failed write keeps the change in memory and marks the store dirty until
// Flush succeeds.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	records map[string]Record
	dirty   bool
	logger  *slog.Logger
}

// OpenFileStore loads path, creating an empty store when it is missing.
func OpenFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{path: path, records: make(map[string]Record), logger: logger}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read record store: %w", err)
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse record store: %w", err)
	}
	for _, r := range st.Records {
		s.records[r.CorrelationKey] = r
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *FileStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.CorrelationKey] = rec
	if err := s.saveLocked(); err != nil {
		return fault.SystemicErr("records.put", err)
	}
	return nil
}

func (s *FileStore) ListRecords(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CorrelationKey < out[j].CorrelationKey
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Dirty reports whether the file lags behind memory.
func (s *FileStore) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Flush retries a failed write.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := s.saveLocked(); err != nil {
		return fault.SystemicErr("records.flush", err)
	}
	s.logger.Info("records: flushed pending changes", "path", s.path)
	return nil
}

// Close flushes outstanding changes.
func (s *FileStore) Close() error {
	return s.Flush()
}

func (s *FileStore) saveLocked() error {
	st := fileState{Version: fileStoreVersion, Records: make([]Record, 0, len(s.records))}
	for _, r := range s.records {
		st.Records = append(st.Records, r)
	}
	sort.Slice(st.Records, func(i, j int) bool {
		return st.Records[i].CorrelationKey < st.Records[j].CorrelationKey
	})

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		s.dirty = true
		return fmt.Errorf("marshal records: %w", err)
	}
	if err := fsutil.WriteAtomic(s.path, data); err != nil {
		s.dirty = true
		return err
	}
	s.dirty = false
	return nil
}
