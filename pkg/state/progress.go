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

// ProgressFile is the snapshot name of the progress record
const ProgressFile = "progress.json"

// progressRecord is the on-disk progress format
type progressRecord struct {
	Completed []string       `json:"completed"`
	Cursors   map[string]int `json:"cursors,omitempty"` // gallery id -> offset of the next unprocessed candidate
}

// ProgressTracker records which galleries are done. Completed ids are never removed.
type ProgressTracker struct {
	store     SnapshotStore
	mu        sync.Mutex
	completed map[string]struct{}
	order     []string // Completion order, as persisted
	cursors   map[string]int
	log       *logrus.Entry
}

// LoadProgress reads the progress snapshot. A missing snapshot starts empty;
// an unreadable one fails with utils.ErrStateCorrupt.
func LoadProgress(ctx context.Context, store SnapshotStore, log *logrus.Entry) (*ProgressTracker, error) {
	p := &ProgressTracker{
		store:     store,
		completed: make(map[string]struct{}),
		cursors:   make(map[string]int),
		log:       log.WithField("component", "progress"),
	}

	data, found, err := store.Load(ctx, ProgressFile)
	if err != nil {
		return nil, err
	}
	if !found {
		p.log.Infof("No progress at %s, starting fresh", store.Location(ProgressFile))
		return p, nil
	}

	var rec progressRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrStateCorrupt, store.Location(ProgressFile), err)
	}
	for _, id := range rec.Completed {
		if _, dup := p.completed[id]; dup {
			continue
		}
		p.completed[id] = struct{}{}
		p.order = append(p.order, id)
	}
	for id, off := range rec.Cursors {
		if off > 0 {
			p.cursors[id] = off
		}
	}
	p.log.WithFields(logrus.Fields{"completed": len(p.order), "cursors": len(p.cursors)}).Info("Loaded progress")
	return p, nil
}

// NextUnprocessed returns the first catalog gallery not yet completed
func (p *ProgressTracker) NextUnprocessed(catalog []models.Gallery) (models.Gallery, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range catalog {
		if _, done := p.completed[g.ID]; !done {
			return g, true
		}
	}
	return models.Gallery{}, false
}

// IsCompleted reports whether id was marked completed
func (p *ProgressTracker) IsCompleted(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.completed[id]
	return ok
}

// CompletedCount returns the number of completed galleries
func (p *ProgressTracker) CompletedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Cursor returns the offset of the next unprocessed candidate of a pending gallery
func (p *ProgressTracker) Cursor(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursors[id]
}

// MarkCompleted records id as done and persists immediately. Idempotent.
func (p *ProgressTracker) MarkCompleted(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, done := p.completed[id]
	_, hasCursor := p.cursors[id]
	if done && !hasCursor {
		return nil
	}
	if !done {
		p.completed[id] = struct{}{}
		p.order = append(p.order, id)
	}
	delete(p.cursors, id)
	return p.saveLocked(ctx)
}

// SetCursor records the next candidate offset of a pending gallery and persists immediately
func (p *ProgressTracker) SetCursor(ctx context.Context, id string, offset int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset <= 0 {
		delete(p.cursors, id)
	} else {
		p.cursors[id] = offset
	}
	return p.saveLocked(ctx)
}

func (p *ProgressTracker) saveLocked(ctx context.Context) error {
	rec := progressRecord{Completed: p.order, Cursors: p.cursors}
	if rec.Completed == nil {
		rec.Completed = []string{}
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode progress: %w", utils.ErrParsing, err)
	}
	if err := p.store.Save(ctx, ProgressFile, data); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}
