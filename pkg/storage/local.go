package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/gallery-archiver/pkg/classify"
	"github.com/Sriram-PR/gallery-archiver/pkg/models"
	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

// DefaultCountFile is the name of the per-category count file in the archive root
const DefaultCountFile = "count.json"

// LocalSink stores images under root/{category}/{N}.jpg with N sequential per category.
// Occupancy is recomputed from disk on construction, so files written before a crash are never overwritten.
// The count file records the highest N per category, the range the random-image server draws from.
type LocalSink struct {
	root      string
	countFile string
	mu        sync.Mutex
	next      map[models.Category]int // next free ordinal
	highest   map[models.Category]int // highest ordinal present
	counts    map[models.Category]int // numeric files present
	log       *logrus.Entry
}

// NewLocalSink creates the category folders under root and scans their occupancy
func NewLocalSink(root, countFile string, log *logrus.Entry) (*LocalSink, error) {
	if countFile == "" {
		countFile = DefaultCountFile
	}
	s := &LocalSink{
		root:      root,
		countFile: countFile,
		next:      make(map[models.Category]int, len(models.AllCategories)),
		highest:   make(map[models.Category]int, len(models.AllCategories)),
		counts:    make(map[models.Category]int, len(models.AllCategories)),
		log:       log.WithField("sink", "local"),
	}
	for _, cat := range models.AllCategories {
		dir := filepath.Join(root, cat.String())
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create category dir '%s': %w", utils.ErrFilesystem, dir, err)
		}
		count, maxN, err := scanOccupancy(dir)
		if err != nil {
			return nil, err
		}
		s.next[cat] = maxN + 1
		s.highest[cat] = maxN
		s.counts[cat] = count
		if count != maxN {
			s.log.WithFields(logrus.Fields{"category": cat.String(), "files": count, "highest": maxN}).
				Warn("Category folder has gaps in its numbering, continuing after the highest number")
		}
	}
	s.log.WithField("occupancy", s.Counts()).Info("Local archive ready")
	return s, nil
}

// scanOccupancy counts files named {N}.{ext} and returns the highest N
func scanOccupancy(dir string) (count, maxN int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: scan '%s': %w", utils.ErrFilesystem, dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := ordinalOf(e.Name())
		if !ok {
			continue
		}
		count++
		if n > maxN {
			maxN = n
		}
	}
	return count, maxN, nil
}

// ordinalOf parses "12.jpg" as 12. Hidden and non-numeric names are rejected.
func ordinalOf(name string) (int, bool) {
	stem, _, found := strings.Cut(name, ".")
	if !found || stem == "" {
		return 0, false
	}
	n, err := strconv.Atoi(stem)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (s *LocalSink) Name() string { return "local" }

// Persist encodes req.Image (decoding SourcePath when nil) into the next free slot of its category
func (s *LocalSink) Persist(ctx context.Context, req PersistRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	img := req.Image
	if img == nil {
		var err error
		if img, err = classify.Decode(req.SourcePath); err != nil {
			return "", fmt.Errorf("%w: %w", utils.ErrPersist, err)
		}
	}

	var buf bytes.Buffer
	if err := classify.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("%w: encode: %w", utils.ErrPersist, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cat := req.Category
	n := s.next[cat]
	if n <= 0 {
		return "", fmt.Errorf("%w: unknown category %q", utils.ErrPersist, cat.String())
	}
	// Skip slots taken behind our back since the scan
	var target string
	for {
		target = filepath.Join(s.root, cat.String(), strconv.Itoa(n)+classify.OutputExtension)
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			break
		}
		n++
	}

	if err := utils.WriteFileAtomic(target, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("%w: %w", utils.ErrPersist, err)
	}
	s.next[cat] = n + 1
	s.highest[cat] = max(s.highest[cat], n)
	s.counts[cat]++

	key := cat.String() + "/" + strconv.Itoa(n) + classify.OutputExtension
	s.log.WithFields(logrus.Fields{"key": key, "bytes": buf.Len()}).Debug("Stored image")
	return key, nil
}

// Flush rewrites the count file: {"hd": n, "hl": n, "vd": n, "vl": n}, n being the highest number in the folder
func (s *LocalSink) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.Highest(), "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode counts: %w", utils.ErrParsing, err)
	}
	return utils.WriteFileAtomic(filepath.Join(s.root, s.countFile), data, 0644)
}

// Counts reports the number of numbered files per category
func (s *LocalSink) Counts() map[string]int {
	return s.snapshot(s.counts)
}

// Highest reports the highest file number per category; it exceeds Counts when a folder has gaps
func (s *LocalSink) Highest() map[string]int {
	return s.snapshot(s.highest)
}

func (s *LocalSink) snapshot(m map[models.Category]int) map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(m))
	for _, cat := range models.AllCategories {
		out[cat.String()] = m[cat]
	}
	return out
}
