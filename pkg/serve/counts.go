package serve

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/gallery-archiver/pkg/models"
)

// CountSource serves the archive's per-category counts, re-reading the count
// file whenever its modification time or size changes
type CountSource struct {
	path    string
	mu      sync.Mutex
	modTime time.Time
	size    int64
	counts  map[string]int
	log     *logrus.Entry
}

// NewCountSource reads counts from path lazily on first use
func NewCountSource(path string, log *logrus.Entry) *CountSource {
	return &CountSource{path: path, counts: map[string]int{}, log: log.WithField("component", "counts")}
}

// Counts returns the current counts. A missing or unreadable file keeps the last good values.
func (c *CountSource) Counts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(c.path)
	if err != nil {
		c.log.Debugf("Count file unavailable: %v", err)
		return c.counts
	}
	if info.ModTime().Equal(c.modTime) && info.Size() == c.size {
		return c.counts
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		c.log.Warnf("Failed to read count file '%s': %v", c.path, err)
		return c.counts
	}
	var counts map[string]int
	if err := json.Unmarshal(data, &counts); err != nil {
		c.log.Warnf("Failed to parse count file '%s': %v", c.path, err)
		return c.counts
	}
	for key := range counts {
		if _, err := models.ParseCategory(key); err != nil {
			c.log.Warnf("Ignoring count file entry: %v", err)
			delete(counts, key)
		}
	}
	c.counts = counts
	c.modTime = info.ModTime()
	c.size = info.Size()
	c.log.WithField("counts", counts).Debug("Count file reloaded")
	return c.counts
}
