package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	filePermissions = 0o644
	tmpSuffix       = ".tmp"
)

// FileStore keeps the document in a single JSON file. Writers are serialized
// by mu; readers never lock because saves replace the file with a rename.
type FileStore struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileStore{path: path, logger: logger}
}

func (s *FileStore) Path() string {
	return s.path
}

// Load never fails: a missing, unreadable or malformed file yields the empty
// default document.
func (s *FileStore) Load(_ context.Context) (Document, error) {
	return s.load(), nil
}

func (s *FileStore) Save(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(doc)
}

func (s *FileStore) Update(ctx context.Context, fn func(*Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	doc := s.load()
	if err := fn(&doc); err != nil {
		return err
	}
	return s.write(doc)
}

func (s *FileStore) Ping(_ context.Context) error {
	dir := filepath.Dir(s.path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data dir %s is not a directory", dir)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) load() Document {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("store file unreadable, using empty document", "path", s.path, "error", err)
		}
		return EmptyDocument()
	}
	doc, err := DecodeDocument(data)
	if err != nil {
		s.logger.Warn("store file malformed, using empty document", "path", s.path, "error", err)
		return EmptyDocument()
	}
	return doc
}

func (s *FileStore) write(doc Document) error {
	data, err := EncodeDocument(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile := s.path + tmpSuffix
	if err := os.WriteFile(tmpFile, data, filePermissions); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}
	if err := os.Rename(tmpFile, s.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	s.logger.Debug("store saved", "path", s.path, "users", len(doc.Users), "events", len(doc.Events))
	return nil
}
