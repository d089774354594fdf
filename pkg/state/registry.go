package state

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/gallery-archiver/pkg/models"
	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

// RegistryFile is the snapshot name of the dedup registry
const RegistryFile = "hash_registry.json"

// DedupRegistry maps content fingerprints to the canonical key of the stored copy.
// The first registration wins and is never reassigned.
type DedupRegistry struct {
	store   SnapshotStore
	mu      sync.RWMutex
	entries map[models.Fingerprint]string
	dirty   bool
	log     *logrus.Entry
}

// LoadRegistry reads the registry snapshot. A missing snapshot starts empty;
// an unreadable one, or one holding a malformed fingerprint or empty key, fails with utils.ErrStateCorrupt.
func LoadRegistry(ctx context.Context, store SnapshotStore, log *logrus.Entry) (*DedupRegistry, error) {
	r := &DedupRegistry{
		store:   store,
		entries: make(map[models.Fingerprint]string),
		log:     log.WithField("component", "registry"),
	}

	data, found, err := store.Load(ctx, RegistryFile)
	if err != nil {
		return nil, err
	}
	if !found {
		r.log.Infof("No registry at %s, starting fresh", store.Location(RegistryFile))
		return r, nil
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrStateCorrupt, store.Location(RegistryFile), err)
	}
	for fp, key := range raw {
		if !validFingerprint(fp) || key == "" {
			return nil, fmt.Errorf("%w: %s: bad entry %q -> %q", utils.ErrStateCorrupt, store.Location(RegistryFile), fp, key)
		}
		r.entries[models.Fingerprint(fp)] = key
	}
	r.log.WithField("entries", len(r.entries)).Info("Loaded dedup registry")
	return r, nil
}

// validFingerprint reports whether s is a lowercase hex SHA-256 digest
func validFingerprint(s string) bool {
	if len(s) != utils.FingerprintLen || strings.ToLower(s) != s {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Lookup returns the canonical key registered for fp
func (r *DedupRegistry) Lookup(fp models.Fingerprint) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.entries[fp]
	return key, ok
}

// Register records fp -> key. Returns false, leaving the entry untouched, when fp is already present.
func (r *DedupRegistry) Register(fp models.Fingerprint, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[fp]; exists {
		return false
	}
	r.entries[fp] = key
	r.dirty = true
	return true
}

// Len returns the number of registered fingerprints
func (r *DedupRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Save writes the whole registry when it changed since the last save
func (r *DedupRegistry) Save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil
	}
	// encoding/json sorts map keys, keeping snapshots diff-friendly
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode registry: %w", utils.ErrParsing, err)
	}
	if err := r.store.Save(ctx, RegistryFile, data); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	r.dirty = false
	return nil
}
