package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/gallery-archiver/pkg/log"
	"github.com/Sriram-PR/gallery-archiver/pkg/models"
	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

const (
	candidateKeyPrefix = "cand:"      // Prefix for candidate URL keys in DB
	journalDBDir       = "journal_db" // Subdirectory name within the state dir
)

// OpenJournal opens the attempt journal under stateDir.
// An empty stateDir disables journaling and returns a NopJournal.
func OpenJournal(stateDir string, logger *logrus.Entry) (Journal, error) {
	if stateDir == "" {
		return NopJournal{}, nil
	}
	return NewBadgerJournal(filepath.Join(stateDir, journalDBDir), logger)
}

// BadgerJournal implements Journal on BadgerDB
type BadgerJournal struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // Cached key count for O(1) Count
}

// NewBadgerJournal opens (or creates) the journal database at dbPath
func NewBadgerJournal(dbPath string, logger *logrus.Entry) (*BadgerJournal, error) {
	j := &BadgerJournal{log: logger.WithField("component", "journal")}

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create journal directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	opts := badger.DefaultOptions(dbPath).
		WithLogger(log.NewBadgerLogrusAdapter(logger)).
		WithNumVersionsToKeep(1) // Only the latest attempt matters

	var err error
	j.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	count, err := j.countKeys()
	if err != nil {
		j.log.Warnf("Failed to count existing journal keys: %v", err)
	} else {
		j.keyCount.Store(int64(count))
	}
	j.log.WithFields(logrus.Fields{"path": dbPath, "entries": count}).Info("Attempt journal opened")
	return j, nil
}

// countKeys performs a one-time full key scan at open
func (j *BadgerJournal) countKeys() (int, error) {
	count := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(candidateKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Conflicts on overlapping keys resolve in microseconds, so a tight loop is enough.
func (j *BadgerJournal) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := j.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		j.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// Record overwrites the journal entry for candidateURL
func (j *BadgerJournal) Record(candidateURL string, entry models.JournalEntry) error {
	if j.db == nil {
		return fmt.Errorf("%w: journal not initialized", utils.ErrDatabase)
	}
	key := []byte(candidateKeyPrefix + candidateURL)

	if entry.LastAttempt.IsZero() {
		entry.LastAttempt = time.Now().UTC()
	}
	entryBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal journal entry for '%s': %w", utils.ErrParsing, candidateURL, err)
	}

	isNew := false
	err = j.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			isNew = true
		}
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})
	if err != nil {
		j.log.WithField("key", string(key)).Errorf("DB Update error in Record: %v", err)
		return fmt.Errorf("%w: failed recording '%s': %w", utils.ErrDatabase, candidateURL, err)
	}
	if isNew {
		j.keyCount.Add(1)
	}
	return nil
}

// Lookup returns the last recorded attempt for candidateURL.
// An undecodable value or an unknown outcome is reported as not found.
func (j *BadgerJournal) Lookup(candidateURL string) (models.JournalEntry, bool, error) {
	var entry models.JournalEntry
	found := false
	key := []byte(candidateKeyPrefix + candidateURL)

	err := j.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}
		return item.Value(func(val []byte) error {
			if errJSON := json.Unmarshal(val, &entry); errJSON != nil {
				j.log.Warnf("Failed to unmarshal journal entry for '%s': %v. Treating as not found.", candidateURL, errJSON)
				return nil
			}
			if !entry.Outcome.IsValid() {
				j.log.Warnf("Journal entry for '%s' has unknown outcome %q. Treating as not found.", candidateURL, entry.Outcome)
				return nil
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return models.JournalEntry{}, false, err
	}
	return entry, found, nil
}

// Count returns the number of candidate URLs in the journal
func (j *BadgerJournal) Count() int {
	return int(j.keyCount.Load())
}

// RunGC runs BadgerDB's value log garbage collection periodically until ctx is done
func (j *BadgerJournal) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if j.db == nil || j.db.IsClosed() {
				continue
			}
			var err error
			for {
				// Rewrite when at least half the log is reclaimable
				if err = j.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				j.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			j.log.Debugf("Stopping journal GC: %v", ctx.Err())
			return
		}
	}
}

// WriteLog dumps the journal as tab-separated lines:
// url, outcome, gallery, canonical key, error type, last attempt
func (j *BadgerJournal) WriteLog(filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("%w: create journal log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	var writeErr error
	written := 0

	iterErr := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(candidateKeyPrefix)

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			candidateURL := string(item.KeyCopy(nil)[len(prefix):])
			var entry models.JournalEntry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
				j.log.Warnf("Skipping undecodable journal entry '%s': %v", candidateURL, err)
				continue
			}
			if !entry.Outcome.IsValid() {
				j.log.Warnf("Skipping journal entry '%s' with unknown outcome %q", candidateURL, entry.Outcome)
				continue
			}
			line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%s\n",
				candidateURL, entry.Outcome, entry.GalleryID, entry.CanonicalKey, entry.ErrorType,
				entry.LastAttempt.Format(time.RFC3339))
			if _, err := writer.WriteString(line); err != nil && writeErr == nil {
				writeErr = err
			}
			written++
		}
		return nil
	})
	if iterErr != nil && writeErr == nil {
		writeErr = iterErr
	}
	if err := writer.Flush(); err != nil && writeErr == nil {
		writeErr = err
	}
	if err := file.Sync(); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		return fmt.Errorf("%w: write journal log '%s': %w", utils.ErrFilesystem, filePath, writeErr)
	}
	j.log.Infof("Wrote %d journal entries to %s", written, filePath)
	return nil
}

func (j *BadgerJournal) Close() error {
	if j.db == nil || j.db.IsClosed() {
		return nil
	}
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("%w: close journal: %w", utils.ErrDatabase, err)
	}
	j.log.Debug("Attempt journal closed")
	return nil
}

// NopJournal discards every record
type NopJournal struct{}

func (NopJournal) Record(string, models.JournalEntry) error { return nil }
func (NopJournal) Lookup(string) (models.JournalEntry, bool, error) {
	return models.JournalEntry{}, false, nil
}
func (NopJournal) Count() int                           { return 0 }
func (NopJournal) RunGC(context.Context, time.Duration) {}
func (NopJournal) WriteLog(string) error                { return nil }
func (NopJournal) Close() error                         { return nil }
