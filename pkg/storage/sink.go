package storage

import (
	"context"
	"image"
	"time"

	"github.com/Sriram-PR/gallery-archiver/pkg/models"
)

// PersistRequest carries one classified, not yet stored image to a Sink
type PersistRequest struct {
	Gallery    models.Gallery
	Candidate  models.ImageCandidate
	Category   models.Category
	Image      image.Image // Decoded pixels; sinks that re-encode use these
	SourcePath string      // Scratch file holding the original bytes
	Extension  string      // Hinted original extension without the dot, may be empty
}

// Sink is a storage target for classified images.
// Persist either stores the image and returns its canonical key, or returns an error and stores nothing.
type Sink interface {
	Name() string
	Persist(ctx context.Context, req PersistRequest) (canonicalKey string, err error)
	// Flush writes the sink's derived state (count file, manifest)
	Flush(ctx context.Context) error
	// Counts reports stored images per bucket (category or theme) for metrics
	Counts() map[string]int
}

// ObjectClient is the object store access used by the remote sink and snapshot store
type ObjectClient interface {
	Get(ctx context.Context, key string) (data []byte, found bool, err error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Journal records the last processing attempt per candidate URL for operators.
// It is never consulted for deduplication.
type Journal interface {
	Record(candidateURL string, entry models.JournalEntry) error
	Lookup(candidateURL string) (entry models.JournalEntry, found bool, err error)
	Count() int
	RunGC(ctx context.Context, interval time.Duration)
	WriteLog(filePath string) error
	Close() error
}
