package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore is a ChunkStore on the local filesystem. Object keys map to paths under basePath.
type FileStore struct {
	basePath string
	mu       sync.RWMutex
	now      func() time.Time
}

// NewFileStore creates a new local store rooted at basePath
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}

	return &FileStore{
		basePath: abs,
		now:      time.Now,
	}, nil
}

func (s *FileStore) Upload(ctx context.Context, key string, data []byte) error {
	path, err := s.objectPath(key)
	if err != nil {
		return &StorageError{Op: "upload", Key: key, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &StorageError{Op: "upload", Key: key, Err: err}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &StorageError{Op: "upload", Key: key, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &StorageError{Op: "upload", Key: key, Err: err}
	}
	return nil
}

func (s *FileStore) Download(ctx context.Context, key string) ([]byte, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return nil, &StorageError{Op: "download", Key: key, Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &StorageError{Op: "download", Key: key, Err: err}
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return false, &StorageError{Op: "head", Key: key, Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "head", Key: key, Err: err}
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	path, err := s.objectPath(key)
	if err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Presign returns a file:// URL carrying the expiry time. Local files are not access controlled,
// the expiry is advisory for consumers that treat every store alike.
func (s *FileStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return "", &StorageError{Op: "presign", Key: key, Err: err}
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}

	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(path),
		RawQuery: url.Values{"expires": {fmt.Sprint(s.now().Add(ttl).Unix())}}.Encode(),
	}
	return u.String(), nil
}

func (s *FileStore) objectPath(key string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimPrefix(key, "/"))
	if clean == "/" {
		return "", fmt.Errorf("empty object key")
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean)), nil
}
