package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

// SnapshotStore persists whole-file state snapshots by name.
// Save replaces the previous snapshot atomically.
type SnapshotStore interface {
	// Load returns the snapshot bytes; found is false when none was ever saved
	Load(ctx context.Context, name string) (data []byte, found bool, err error)
	Save(ctx context.Context, name string, data []byte) error
	// Location describes where name is stored, for log lines
	Location(name string) string
}

// ObjectReadWriter is the subset of an object store client snapshots need
type ObjectReadWriter interface {
	Get(ctx context.Context, key string) (data []byte, found bool, err error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// FileSnapshotStore keeps snapshots as files in Dir, replaced via temp file + rename
type FileSnapshotStore struct {
	Dir string
}

// NewFileSnapshotStore creates a store rooted at dir
func NewFileSnapshotStore(dir string) *FileSnapshotStore {
	return &FileSnapshotStore{Dir: dir}
}

func (s *FileSnapshotStore) Location(name string) string {
	return filepath.Join(s.Dir, name)
}

func (s *FileSnapshotStore) Load(ctx context.Context, name string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(s.Location(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: read snapshot '%s': %w", utils.ErrFilesystem, name, err)
	}
	return data, true, nil
}

func (s *FileSnapshotStore) Save(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return utils.WriteFileAtomic(s.Location(name), data, 0644)
}

// ObjectSnapshotStore keeps snapshots as objects under Prefix.
// A single PUT replaces the object, which is atomic for S3-compatible stores.
type ObjectSnapshotStore struct {
	Client ObjectReadWriter
	Prefix string
}

// NewObjectSnapshotStore creates a store writing objects under prefix
func NewObjectSnapshotStore(client ObjectReadWriter, prefix string) *ObjectSnapshotStore {
	return &ObjectSnapshotStore{Client: client, Prefix: prefix}
}

func (s *ObjectSnapshotStore) Location(name string) string {
	if s.Prefix == "" {
		return name
	}
	return path.Join(s.Prefix, name)
}

func (s *ObjectSnapshotStore) Load(ctx context.Context, name string) ([]byte, bool, error) {
	return s.Client.Get(ctx, s.Location(name))
}

func (s *ObjectSnapshotStore) Save(ctx context.Context, name string, data []byte) error {
	return s.Client.Put(ctx, s.Location(name), data, "application/json")
}
