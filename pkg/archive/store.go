// Package archive exports audit evidence packs: a zip of NIB events with a
// checksum manifest, persisted to content-addressed storage on local disk,
// S3, or GCS.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ObjectStore is content-addressed storage for evidence packs. Put is
// idempotent; the returned reference is "sha256:<hex>".
type ObjectStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// Reference computes the storage reference for a blob.
func Reference(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func refHex(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, "sha256:")
	if !ok {
		return "", fmt.Errorf("invalid reference %q", ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid reference %q: %w", ref, err)
	}
	return raw, nil
}

// FileStore keeps packs under a local directory, one file per reference.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(hexRef string) string {
	return filepath.Join(s.baseDir, hexRef+".zip")
}

// Put writes the pack under its content hash; re-storing the same bytes is
// a no-op.
func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := Reference(data)
	raw, _ := refHex(ref)
	path := s.path(raw)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write pack: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit pack: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := refHex(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(raw))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("pack not found: %s", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read pack: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := refHex(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := refHex(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete pack: %w", err)
	}
	return nil
}
