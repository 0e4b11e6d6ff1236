package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cobranzalabs/cobranza/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("storage",
	fx.Provide(NewFileStore),
)

var ErrNotFound = errors.New("batch_file_not_found")

// Store is the durable blob collaborator for batch files, keyed by a
// deterministic path.
type Store interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Read(ctx context.Context, key string) ([]byte, error)
}

// FileStore keeps batch files on the local filesystem under a root
// directory. Keys map directly to relative paths.
type FileStore struct {
	root string
	log  *zap.Logger
}

func NewFileStore(cfg config.Config, log *zap.Logger) (Store, error) {
	root := cfg.Storage.Dir
	if root == "" {
		return nil, errors.New("storage directory not configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FileStore{root: root, log: log.Named("storage.file")}, nil
}

func (s *FileStore) Upload(_ context.Context, key string, data []byte, contentType string) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	s.log.Debug("batch file stored",
		zap.String("key", key),
		zap.Int("bytes", len(data)),
		zap.String("content_type", contentType))
	return nil
}

func (s *FileStore) Read(_ context.Context, key string) ([]byte, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FileStore) pathFor(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", errors.New("empty storage key")
	}
	return filepath.Join(s.root, clean), nil
}

// ContentTypeFor infers a content type from the file extension, defaulting
// to an octet stream.
func ContentTypeFor(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		return "text/csv"
	case ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	case ".xml":
		return "application/xml"
	default:
		return "application/octet-stream"
	}
}
