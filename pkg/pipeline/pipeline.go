package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/gallery-archiver/pkg/classify"
	"github.com/Sriram-PR/gallery-archiver/pkg/config"
	"github.com/Sriram-PR/gallery-archiver/pkg/fetch"
	"github.com/Sriram-PR/gallery-archiver/pkg/models"
	"github.com/Sriram-PR/gallery-archiver/pkg/state"
	"github.com/Sriram-PR/gallery-archiver/pkg/storage"
	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

// Discoverer lists the image candidates of a gallery page
type Discoverer interface {
	Discover(ctx context.Context, gallery models.Gallery) ([]models.ImageCandidate, error)
}

// Downloader fetches one candidate into a scratch file
type Downloader interface {
	Download(ctx context.Context, rawURL, referer, dest string) (fetch.Download, error)
}

// Options controls how much work a run does
type Options struct {
	RunMode         string // config.RunModeSingle or config.RunModeSweep
	CapPolicy       string // config.CapPolicyResume or config.CapPolicyComplete
	BatchSize       int
	DownloadWorkers int
	ScratchDir      string
}

// OptionsFromConfig extracts pipeline options from a validated config
func OptionsFromConfig(cfg *config.AppConfig) Options {
	return Options{
		RunMode:         cfg.RunMode,
		CapPolicy:       cfg.BatchCapPolicy,
		BatchSize:       cfg.BatchSize,
		DownloadWorkers: cfg.DownloadWorkers,
		ScratchDir:      cfg.ScratchDir,
	}
}

// Deps are the collaborators a Pipeline drives. Journal and Metrics are optional.
type Deps struct {
	Discoverer Discoverer
	Downloader Downloader
	Classifier classify.Classifier
	Progress   *state.ProgressTracker
	Registry   *state.DedupRegistry
	Sink       storage.Sink
	Journal    storage.Journal
	Metrics    *Metrics
}

// RunResult summarizes one invocation
type RunResult struct {
	RunID     string
	Exhausted bool // Every catalog gallery is completed
	Galleries []models.GalleryResult
}

// Stored returns the number of new images stored during the run
func (r RunResult) Stored() int {
	n := 0
	for _, g := range r.Galleries {
		n += g.Stored
	}
	return n
}

// Pipeline ingests catalog galleries one at a time: discover, download, dedup, classify, persist
type Pipeline struct {
	opts Options
	deps Deps
	log  *logrus.Entry
}

// New validates the collaborators and returns a Pipeline
func New(opts Options, deps Deps, log *logrus.Entry) (*Pipeline, error) {
	if deps.Discoverer == nil || deps.Downloader == nil || deps.Progress == nil || deps.Registry == nil || deps.Sink == nil {
		return nil, errors.New("pipeline: discoverer, downloader, progress, registry and sink are required")
	}
	if deps.Journal == nil {
		deps.Journal = storage.NopJournal{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.DefaultBatchSize
	}
	if opts.DownloadWorkers <= 0 {
		opts.DownloadWorkers = 1
	}
	if opts.RunMode == "" {
		opts.RunMode = config.RunModeSingle
	}
	if opts.CapPolicy == "" {
		opts.CapPolicy = config.CapPolicyResume
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = "temp_download"
	}
	return &Pipeline{opts: opts, deps: deps, log: log}, nil
}

// Metrics returns the metrics the pipeline reports into
func (p *Pipeline) Metrics() *Metrics { return p.deps.Metrics }

// Run processes galleries in catalog order until the run mode says stop.
// A nil error with Exhausted set means the whole catalog is done.
// Discovery and state-store faults stop the run and are returned; the current gallery stays pending.
// Cancellation of ctx stops between candidates and returns the context error.
func (p *Pipeline) Run(ctx context.Context, catalog []models.Gallery) (RunResult, error) {
	result := RunResult{RunID: uuid.NewString()}
	log := p.log.WithFields(logrus.Fields{"run_id": result.RunID, "sink": p.deps.Sink.Name()})

	if err := resetScratch(p.opts.ScratchDir); err != nil {
		return result, err
	}
	defer func() {
		if err := os.RemoveAll(p.opts.ScratchDir); err != nil {
			log.Warnf("Failed to remove scratch dir '%s': %v", p.opts.ScratchDir, err)
		}
	}()

	log.WithFields(logrus.Fields{
		"galleries":  len(catalog),
		"completed":  p.deps.Progress.CompletedCount(),
		"run_mode":   p.opts.RunMode,
		"batch_size": p.opts.BatchSize,
	}).Info("Run started")

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		gallery, ok := p.deps.Progress.NextUnprocessed(catalog)
		if !ok {
			result.Exhausted = true
			log.Info("All galleries completed, nothing left to do")
			return result, nil
		}

		gr, err := p.processGallery(ctx, gallery, log)
		result.Galleries = append(result.Galleries, gr)
		p.deps.Metrics.setArchiveCounts(p.deps.Sink.Counts())
		if err != nil {
			return result, err
		}

		switch {
		case gr.Empty:
			// Empty galleries never use up the run
			continue
		case gr.Capped && !gr.Completed:
			log.WithField("gallery", gallery.DisplayName).Info("Batch size reached, gallery continues next run")
			return result, nil
		case p.opts.RunMode == config.RunModeSingle:
			return result, nil
		}
	}
}

// processGallery runs DISCOVER through COMPLETE for one gallery
func (p *Pipeline) processGallery(ctx context.Context, gallery models.Gallery, runLog *logrus.Entry) (gr models.GalleryResult, err error) {
	start := time.Now()
	log := runLog.WithFields(logrus.Fields{"gallery": gallery.DisplayName, "gallery_url": gallery.SourceURL})
	gr = models.GalleryResult{GalleryID: gallery.ID, DisplayName: gallery.DisplayName}
	defer func() { gr.Duration = time.Since(start) }()
	// Completion bookkeeping records work already done and must survive cancellation
	durable := context.WithoutCancel(ctx)

	candidates, err := p.deps.Discoverer.Discover(ctx, gallery)
	if err != nil {
		p.deps.Metrics.observeGallery(GalleryDiscoveryFailed)
		log.WithField("error_type", utils.CategorizeError(err)).Errorf("Discovery failed, gallery left pending: %v", err)
		return gr, fmt.Errorf("gallery '%s': %w", gallery.DisplayName, err)
	}
	gr.Found = len(candidates)

	if len(candidates) == 0 {
		gr.Empty = true
		if err := p.deps.Progress.MarkCompleted(durable, gallery.ID); err != nil {
			return gr, err
		}
		gr.Completed = true
		p.deps.Metrics.observeGallery(GalleryEmpty)
		log.Info("Gallery has no images, marked completed")
		return gr, nil
	}

	offset := min(p.deps.Progress.Cursor(gallery.ID), len(candidates))
	end := min(offset+p.opts.BatchSize, len(candidates))
	if offset > 0 {
		log.WithFields(logrus.Fields{"offset": offset, "found": len(candidates)}).Info("Continuing gallery after previous batch")
	}

	if err := p.processBatch(ctx, gallery, candidates[offset:end], &gr, log); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			p.deps.Metrics.observeGallery(GalleryInterrupted)
			log.WithField("attempted", gr.Attempted).Warn("Run interrupted, gallery left pending")
		}
		return gr, err
	}

	// COMPLETE
	if err := p.flush(durable); err != nil {
		return gr, err
	}
	switch {
	case end == len(candidates):
		if err := p.deps.Progress.MarkCompleted(durable, gallery.ID); err != nil {
			return gr, err
		}
		gr.Completed = true
		p.deps.Metrics.observeGallery(GalleryCompleted)
	case p.opts.CapPolicy == config.CapPolicyComplete:
		gr.Capped = true
		if err := p.deps.Progress.MarkCompleted(durable, gallery.ID); err != nil {
			return gr, err
		}
		gr.Completed = true
		p.deps.Metrics.observeGallery(GalleryCapped)
		log.WithField("skipped", len(candidates)-end).Warn("Batch size reached, remaining candidates will not be fetched")
	default:
		gr.Capped = true
		if err := p.deps.Progress.SetCursor(durable, gallery.ID, end); err != nil {
			return gr, err
		}
		p.deps.Metrics.observeGallery(GalleryCapped)
	}

	log.WithFields(logrus.Fields{
		"found":            gr.Found,
		"attempted":        gr.Attempted,
		"stored":           gr.Stored,
		"duplicates":       gr.Duplicates,
		"not_classifiable": gr.NotClassifiable,
		"download_failed":  gr.DownloadFailed,
		"persist_failed":   gr.PersistFailed,
		"completed":        gr.Completed,
		"duration":         time.Since(start).Round(time.Millisecond),
	}).Info("Gallery processed")
	return gr, nil
}

// slot is one candidate's download, filled by a download worker
type slot struct {
	path string
	dl   fetch.Download
	err  error
	done chan struct{}
}

// processBatch downloads ahead on worker goroutines and consumes the results strictly in
// candidate order, so dedup and numbering match a sequential run.
// Only context and state-store errors are returned; per-candidate faults are tallied.
func (p *Pipeline) processBatch(ctx context.Context, gallery models.Gallery, batch []models.ImageCandidate, gr *models.GalleryResult, log *logrus.Entry) error {
	dlCtx, cancelDownloads := context.WithCancel(ctx)
	slots := make([]*slot, len(batch))
	for i := range batch {
		slots[i] = &slot{path: scratchPath(p.opts.ScratchDir, i), done: make(chan struct{})}
	}

	var g errgroup.Group
	g.SetLimit(p.opts.DownloadWorkers)
	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i, cand := range batch {
			s := slots[i]
			g.Go(func() error {
				defer close(s.done)
				s.dl, s.err = p.deps.Downloader.Download(dlCtx, cand.SourceURL, gallery.SourceURL, s.path)
				return nil
			})
		}
		_ = g.Wait()
	}()
	defer func() {
		cancelDownloads()
		<-launched
		for _, s := range slots {
			_ = os.Remove(s.path)
		}
	}()

	for i, cand := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-slots[i].done:
		case <-ctx.Done():
			return ctx.Err()
		}

		outcome, err := p.processCandidate(ctx, gallery, cand, slots[i], log)
		if err != nil {
			return err
		}
		gr.Record(outcome)
		p.deps.Metrics.observeCandidate(outcome)
	}
	return nil
}

// processCandidate takes one downloaded candidate through dedup, classification and persistence.
// The returned error is reserved for state-store faults, which stop the run.
func (p *Pipeline) processCandidate(ctx context.Context, gallery models.Gallery, cand models.ImageCandidate, s *slot, galleryLog *logrus.Entry) (models.Outcome, error) {
	defer os.Remove(s.path)

	log := galleryLog.WithFields(logrus.Fields{"candidate": cand.SourceURL, "ordinal": cand.OrdinalIndex})
	entry := models.JournalEntry{GalleryID: gallery.ID, LastAttempt: time.Now().UTC()}
	record := func(o models.Outcome, cause error) models.Outcome {
		if o.IsFailure() {
			if prev, found, err := p.deps.Journal.Lookup(cand.SourceURL); err == nil && found && prev.Outcome.IsFailure() {
				log.WithFields(logrus.Fields{
					"previous_outcome": prev.Outcome.String(),
					"previous_attempt": prev.LastAttempt.Format(time.RFC3339),
				}).Warn("Candidate failed again")
			}
		}
		entry.Outcome = o
		if cause != nil {
			entry.ErrorType = utils.CategorizeError(cause)
		}
		if err := p.deps.Journal.Record(cand.SourceURL, entry); err != nil {
			log.Warnf("Failed to record journal entry: %v", err)
		}
		return o
	}

	if s.err != nil {
		log.WithField("error_type", utils.CategorizeError(s.err)).Warnf("Download failed: %v", s.err)
		return record(models.OutcomeDownloadFailed, s.err), nil
	}
	p.deps.Metrics.observeDownload(s.dl.Elapsed)

	digest, err := utils.CalculateFileSHA256(s.path)
	if err != nil {
		err = fmt.Errorf("%w: hash scratch file: %w", utils.ErrFilesystem, err)
		log.Warn(err)
		return record(models.OutcomeDownloadFailed, err), nil
	}
	fp := models.Fingerprint(digest)
	entry.Fingerprint = digest

	if key, found := p.deps.Registry.Lookup(fp); found {
		entry.CanonicalKey = key
		log.WithFields(logrus.Fields{"fingerprint": fp.Short(), "key": key}).Debug("Duplicate content, skipping")
		return record(models.OutcomeDuplicate, nil), nil
	}

	res, err := p.deps.Classifier.ClassifyFile(s.path)
	if err != nil {
		log.Infof("Not classifiable: %v", err)
		return record(models.OutcomeNotClassifiable, err), nil
	}

	key, err := p.deps.Sink.Persist(ctx, storage.PersistRequest{
		Gallery:    gallery,
		Candidate:  cand,
		Category:   res.Category,
		Image:      res.Image,
		SourcePath: s.path,
		Extension:  cand.HintedExtension,
	})
	if err != nil {
		log.WithField("error_type", utils.CategorizeError(err)).Warnf("Persist failed: %v", err)
		return record(models.OutcomePersistFailed, err), nil
	}
	entry.CanonicalKey = key

	p.deps.Registry.Register(fp, key)
	if err := p.flush(ctx); err != nil {
		return models.OutcomeStored, err
	}

	log.WithFields(logrus.Fields{
		"key":       key,
		"category":  res.Category.String(),
		"luminance": fmt.Sprintf("%.1f", res.Measurement.Luminance),
		"bytes":     s.dl.Bytes,
	}).Info("Stored image")
	return record(models.OutcomeStored, nil), nil
}

// flush saves the registry and the sink's derived state; failures are state-store faults
func (p *Pipeline) flush(ctx context.Context) error {
	saveCtx := context.WithoutCancel(ctx)
	if err := p.deps.Registry.Save(saveCtx); err != nil {
		return fmt.Errorf("save dedup registry: %w", err)
	}
	if err := p.deps.Sink.Flush(saveCtx); err != nil {
		return fmt.Errorf("flush %s sink: %w", p.deps.Sink.Name(), err)
	}
	return nil
}
