package storage

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/gallery-archiver/pkg/models"
	"github.com/Sriram-PR/gallery-archiver/pkg/state"
	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

// defaultRemoteExtension is used when the candidate URL carried no extension
const defaultRemoteExtension = "jpg"

// RemoteSink uploads original bytes to an object store under
// {gallery folder}/{NN}.{ext} and lists each object in the manifest.
type RemoteSink struct {
	client   ObjectClient
	manifest *state.Manifest
	mu       sync.Mutex
	log      *logrus.Entry
}

// NewRemoteSink creates a sink writing through client and recording into manifest
func NewRemoteSink(client ObjectClient, manifest *state.Manifest, log *logrus.Entry) *RemoteSink {
	return &RemoteSink{
		client:   client,
		manifest: manifest,
		log:      log.WithField("sink", "remote"),
	}
}

func (s *RemoteSink) Name() string { return "remote" }

// ObjectKey builds the canonical key: sanitized folder, two-digit ordinal, extension
func ObjectKey(folder string, ordinal int, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = defaultRemoteExtension
	}
	return fmt.Sprintf("%s/%02d.%s", utils.SanitizeFilename(folder), ordinal, ext)
}

// ContentTypeFor maps an extension to a MIME type, application/octet-stream when unknown
func ContentTypeFor(ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = defaultRemoteExtension
	}
	if ct := mime.TypeByExtension("." + ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (s *RemoteSink) Persist(ctx context.Context, req PersistRequest) (string, error) {
	data, err := os.ReadFile(req.SourcePath)
	if err != nil {
		return "", fmt.Errorf("%w: %w: read scratch: %w", utils.ErrPersist, utils.ErrFilesystem, err)
	}

	key := ObjectKey(req.Gallery.DisplayName, req.Candidate.OrdinalIndex, req.Extension)
	contentType := ContentTypeFor(req.Extension)

	s.mu.Lock()
	defer s.mu.Unlock()

	occupied, err := s.inspectKey(ctx, key, data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", utils.ErrPersist, err)
	}
	switch occupied {
	case keyTaken:
		return "", fmt.Errorf("%w: key '%s' already holds different content", utils.ErrPersist, key)
	case keyHoldsSame:
		// Uploaded by a run that stopped before registering it
		added := s.manifest.Append(manifestEntry(key, req))
		s.log.WithFields(logrus.Fields{"key": key, "manifest_new": added}).Info("Object already holds these bytes, adopting it")
		return key, nil
	}

	if err := s.client.Put(ctx, key, data, contentType); err != nil {
		return "", fmt.Errorf("%w: %w", utils.ErrPersist, err)
	}
	added := s.manifest.Append(manifestEntry(key, req))
	s.log.WithFields(logrus.Fields{"key": key, "bytes": len(data), "content_type": contentType, "manifest_new": added}).Debug("Uploaded image")
	return key, nil
}

type keyOccupancy int

const (
	keyFree keyOccupancy = iota
	keyHoldsSame
	keyTaken
)

// inspectKey compares the object at key, if any, with data.
// Objects are never overwritten: folders that sanitize to the same name share key space.
func (s *RemoteSink) inspectKey(ctx context.Context, key string, data []byte) (keyOccupancy, error) {
	exists, err := s.client.Exists(ctx, key)
	if err != nil || !exists {
		return keyFree, err
	}
	existing, found, err := s.client.Get(ctx, key)
	if err != nil {
		return keyFree, err
	}
	if !found {
		return keyFree, nil
	}
	if bytes.Equal(existing, data) {
		return keyHoldsSame, nil
	}
	return keyTaken, nil
}

// Flush saves the manifest
func (s *RemoteSink) Flush(ctx context.Context) error {
	return s.manifest.Save(ctx)
}

// Counts reports manifest entries per theme
func (s *RemoteSink) Counts() map[string]int {
	out := map[string]int{"dark": 0, "light": 0}
	for _, e := range s.manifest.Entries() {
		out[e.Theme]++
	}
	return out
}

func manifestEntry(key string, req PersistRequest) models.ManifestEntry {
	return models.ManifestEntry{Name: key, Theme: req.Category.Brightness.Theme()}
}
