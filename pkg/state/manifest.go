package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/gallery-archiver/pkg/models"
	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

// DefaultManifestFile is the snapshot name of the remote manifest
const DefaultManifestFile = "manifest.json"

// Manifest is the ordered, append-only list of objects stored by the remote target
type Manifest struct {
	store   SnapshotStore
	name    string
	mu      sync.Mutex
	entries []models.ManifestEntry
	names   map[string]struct{}
	dirty   bool
	log     *logrus.Entry
}

// LoadManifest reads the manifest snapshot called name. A missing snapshot
// starts empty; an unreadable one fails with utils.ErrStateCorrupt.
func LoadManifest(ctx context.Context, store SnapshotStore, name string, log *logrus.Entry) (*Manifest, error) {
	if name == "" {
		name = DefaultManifestFile
	}
	m := &Manifest{
		store: store,
		name:  name,
		names: make(map[string]struct{}),
		log:   log.WithField("component", "manifest"),
	}

	data, found, err := store.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return m, nil
	}

	var entries []models.ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrStateCorrupt, store.Location(name), err)
	}
	for _, e := range entries {
		if _, dup := m.names[e.Name]; dup {
			continue
		}
		m.names[e.Name] = struct{}{}
		m.entries = append(m.entries, e)
	}
	m.log.WithField("entries", len(m.entries)).Info("Loaded manifest")
	return m, nil
}

// Append adds entry unless its name is already listed. Returns whether it was added.
func (m *Manifest) Append(entry models.ManifestEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.names[entry.Name]; exists {
		return false
	}
	m.names[entry.Name] = struct{}{}
	m.entries = append(m.entries, entry)
	m.dirty = true
	return true
}

// Entries returns a copy of the entries in append order
func (m *Manifest) Entries() []models.ManifestEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ManifestEntry(nil), m.entries...)
}

// Len returns the number of entries
func (m *Manifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Save writes the whole manifest when it changed since the last save
func (m *Manifest) Save(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return nil
	}
	entries := m.entries
	if entries == nil {
		entries = []models.ManifestEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode manifest: %w", utils.ErrParsing, err)
	}
	if err := m.store.Save(ctx, m.name, data); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	m.dirty = false
	return nil
}
