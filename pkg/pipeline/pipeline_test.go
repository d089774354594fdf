package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/gallery-archiver/pkg/classify"
	"github.com/Sriram-PR/gallery-archiver/pkg/config"
	"github.com/Sriram-PR/gallery-archiver/pkg/fetch"
	"github.com/Sriram-PR/gallery-archiver/pkg/models"
	"github.com/Sriram-PR/gallery-archiver/pkg/state"
	"github.com/Sriram-PR/gallery-archiver/pkg/storage"
	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// pngBytes encodes a w x h image of one gray level
func pngBytes(t *testing.T, w, h int, level uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeDiscoverer struct {
	mu    sync.Mutex
	pages map[string][]models.ImageCandidate
	errs  map[string]error
	calls []string
}

func newFakeDiscoverer() *fakeDiscoverer {
	return &fakeDiscoverer{pages: map[string][]models.ImageCandidate{}, errs: map[string]error{}}
}

func (f *fakeDiscoverer) Discover(ctx context.Context, g models.Gallery) ([]models.ImageCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, g.ID)
	if err := f.errs[g.ID]; err != nil {
		return nil, err
	}
	return f.pages[g.ID], nil
}

type fakeDownloader struct {
	mu    sync.Mutex
	files map[string][]byte
	calls int
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{files: map[string][]byte{}}
}

func (f *fakeDownloader) Download(ctx context.Context, rawURL, referer, dest string) (fetch.Download, error) {
	f.mu.Lock()
	f.calls++
	data, ok := f.files[rawURL]
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fetch.Download{}, fmt.Errorf("%w: %w", utils.ErrDownload, err)
	}
	if !ok {
		return fetch.Download{}, fmt.Errorf("%w: %s: %w", utils.ErrDownload, rawURL, utils.ErrClientHTTPError)
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return fetch.Download{}, err
	}
	return fetch.Download{Path: dest, Bytes: int64(len(data))}, nil
}

func (f *fakeDownloader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// add registers content under url and returns a candidate for it
func (f *fakeDownloader) add(url string, ordinal int, data []byte) models.ImageCandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[url] = data
	return models.ImageCandidate{SourceURL: url, OrdinalIndex: ordinal, HintedExtension: "png"}
}

func gallery(id, name string) models.Gallery {
	return models.Gallery{ID: id, DisplayName: name, SourceURL: id}
}

// localEnv holds the on-disk locations of a local-target archive.
// Each newPipeline call reloads all state from disk, like a fresh process.
type localEnv struct {
	root     string
	stateDir string
	scratch  string
	disc     *fakeDiscoverer
	dl       *fakeDownloader
}

func newLocalEnv(t *testing.T) *localEnv {
	base := t.TempDir()
	return &localEnv{
		root:     filepath.Join(base, "ri"),
		stateDir: base,
		scratch:  filepath.Join(base, "temp_download"),
		disc:     newFakeDiscoverer(),
		dl:       newFakeDownloader(),
	}
}

type localRun struct {
	pipeline *Pipeline
	progress *state.ProgressTracker
	registry *state.DedupRegistry
	sink     *storage.LocalSink
}

func (e *localEnv) newPipeline(t *testing.T, opts Options, wrap func(storage.Sink) storage.Sink) localRun {
	t.Helper()
	ctx := context.Background()
	store := state.NewFileSnapshotStore(e.stateDir)
	progress, err := state.LoadProgress(ctx, store, testLogger())
	require.NoError(t, err)
	registry, err := state.LoadRegistry(ctx, store, testLogger())
	require.NoError(t, err)
	sink, err := storage.NewLocalSink(e.root, "", testLogger())
	require.NoError(t, err)

	var s storage.Sink = sink
	if wrap != nil {
		s = wrap(sink)
	}
	opts.ScratchDir = e.scratch
	p, err := New(opts, Deps{
		Discoverer: e.disc,
		Downloader: e.dl,
		Classifier: classify.Classifier{Threshold: classify.DefaultThreshold},
		Progress:   progress,
		Registry:   registry,
		Sink:       s,
	}, testLogger())
	require.NoError(t, err)
	return localRun{pipeline: p, progress: progress, registry: registry, sink: sink}
}

func (e *localEnv) readCounts(t *testing.T) map[string]int {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.root, storage.DefaultCountFile))
	require.NoError(t, err)
	var counts map[string]int
	require.NoError(t, json.Unmarshal(data, &counts))
	return counts
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{}, Deps{}, testLogger())
	assert.Error(t, err)
}

func TestRun_LocalOutcomes(t *testing.T) {
	env := newLocalEnv(t)
	white := pngBytes(t, 200, 100, 255)
	env.disc.pages["A"] = []models.ImageCandidate{
		env.dl.add("https://img.test/a1.png", 1, white),
		env.dl.add("https://img.test/a2.png", 2, pngBytes(t, 100, 200, 8)),
		env.dl.add("https://mirror.test/copy.png", 3, white),
		env.dl.add("https://img.test/tiny.png", 4, pngBytes(t, 5, 5, 255)),
		{SourceURL: "https://img.test/missing.png", OrdinalIndex: 5},
		env.dl.add("https://img.test/broken.png", 6, []byte("not an image")),
	}

	run := env.newPipeline(t, Options{RunMode: config.RunModeSingle}, nil)
	result, err := run.pipeline.Run(context.Background(), []models.Gallery{gallery("A", "Alpha")})
	require.NoError(t, err)
	require.Len(t, result.Galleries, 1)
	assert.NotEmpty(t, result.RunID)

	gr := result.Galleries[0]
	assert.Equal(t, 6, gr.Found)
	assert.Equal(t, 6, gr.Attempted)
	assert.Equal(t, 2, gr.Stored)
	assert.Equal(t, 1, gr.Duplicates)
	assert.Equal(t, 2, gr.NotClassifiable)
	assert.Equal(t, 1, gr.DownloadFailed)
	assert.Equal(t, 0, gr.PersistFailed)
	assert.True(t, gr.Completed)
	assert.Equal(t, 2, result.Stored())

	assert.FileExists(t, filepath.Join(env.root, "hl", "1.jpg"))
	assert.FileExists(t, filepath.Join(env.root, "vd", "1.jpg"))
	assert.Equal(t, map[string]int{"hd": 0, "hl": 1, "vd": 1, "vl": 0}, env.readCounts(t))

	assert.True(t, run.progress.IsCompleted("A"))
	assert.Equal(t, 2, run.registry.Len())
	key, found := run.registry.Lookup(models.Fingerprint(mustHash(t, white)))
	require.True(t, found)
	assert.Equal(t, "hl/1.jpg", key)

	assert.NoDirExists(t, env.scratch)
}

func mustHash(t *testing.T, data []byte) string {
	t.Helper()
	h, err := utils.HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	return h
}

func TestRun_RepeatedFailureIsLogged(t *testing.T) {
	env := newLocalEnv(t)
	missing := models.ImageCandidate{SourceURL: "https://img.test/missing.png", OrdinalIndex: 1}
	env.disc.pages["A"] = []models.ImageCandidate{missing}
	env.disc.pages["B"] = []models.ImageCandidate{missing}

	journal, err := storage.NewBadgerJournal(filepath.Join(t.TempDir(), "journal"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	var out bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&out)
	run := env.newPipeline(t, Options{RunMode: config.RunModeSweep}, nil)
	run.pipeline.deps.Journal = journal
	run.pipeline.log = logrus.NewEntry(logger)

	result, err := run.pipeline.Run(context.Background(), []models.Gallery{gallery("A", "Alpha"), gallery("B", "Beta")})
	require.NoError(t, err)
	require.Len(t, result.Galleries, 2)
	assert.Equal(t, 1, result.Galleries[1].DownloadFailed)
	assert.Equal(t, 1, strings.Count(out.String(), "Candidate failed again"))
	assert.Contains(t, out.String(), "previous_outcome=download_failed")
	assert.Equal(t, 1, journal.Count())
}

func TestRun_Idempotent(t *testing.T) {
	env := newLocalEnv(t)
	env.disc.pages["A"] = []models.ImageCandidate{
		env.dl.add("https://img.test/1.png", 1, pngBytes(t, 300, 100, 250)),
		env.dl.add("https://img.test/2.png", 2, pngBytes(t, 100, 300, 20)),
	}
	env.disc.pages["B"] = []models.ImageCandidate{
		env.dl.add("https://img.test/3.png", 1, pngBytes(t, 120, 80, 30)),
	}
	catalog := []models.Gallery{gallery("A", "Alpha"), gallery("B", "Beta")}
	ctx := context.Background()

	first := env.newPipeline(t, Options{RunMode: config.RunModeSweep}, nil)
	result, err := first.pipeline.Run(ctx, catalog)
	require.NoError(t, err)
	assert.True(t, result.Exhausted)
	assert.Equal(t, 3, result.Stored())

	registryPath := filepath.Join(env.stateDir, state.RegistryFile)
	registryBefore, err := os.ReadFile(registryPath)
	require.NoError(t, err)
	countsBefore := env.readCounts(t)

	// Unchanged catalog: nothing to do
	second := env.newPipeline(t, Options{RunMode: config.RunModeSweep}, nil)
	result, err = second.pipeline.Run(ctx, catalog)
	require.NoError(t, err)
	assert.True(t, result.Exhausted)
	assert.Empty(t, result.Galleries)

	// Forget progress: every candidate is re-fetched and recognized as a duplicate
	require.NoError(t, os.Remove(filepath.Join(env.stateDir, state.ProgressFile)))
	third := env.newPipeline(t, Options{RunMode: config.RunModeSweep}, nil)
	result, err = third.pipeline.Run(ctx, catalog)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Stored())
	for _, gr := range result.Galleries {
		assert.Equal(t, gr.Attempted, gr.Duplicates)
	}

	registryAfter, err := os.ReadFile(registryPath)
	require.NoError(t, err)
	assert.Equal(t, string(registryBefore), string(registryAfter))
	assert.Equal(t, countsBefore, env.readCounts(t))
}

func TestRun_EmptyGalleryCompletesAndContinues(t *testing.T) {
	env := newLocalEnv(t)
	env.disc.pages["B"] = []models.ImageCandidate{
		env.dl.add("https://img.test/b.png", 1, pngBytes(t, 50, 40, 200)),
	}
	catalog := []models.Gallery{gallery("E", "Empty"), gallery("B", "Beta"), gallery("C", "Gamma")}

	run := env.newPipeline(t, Options{RunMode: config.RunModeSingle}, nil)
	result, err := run.pipeline.Run(context.Background(), catalog)
	require.NoError(t, err)

	require.Len(t, result.Galleries, 2)
	assert.True(t, result.Galleries[0].Empty)
	assert.True(t, result.Galleries[0].Completed)
	assert.Equal(t, 0, result.Galleries[0].Stored)
	assert.Equal(t, 1, result.Galleries[1].Stored)

	assert.True(t, run.progress.IsCompleted("E"))
	assert.True(t, run.progress.IsCompleted("B"))
	assert.False(t, run.progress.IsCompleted("C"), "single mode stops after the first non-empty gallery")
	assert.Equal(t, []string{"E", "B"}, env.disc.calls)
}

func TestRun_DiscoveryErrorStopsRun(t *testing.T) {
	env := newLocalEnv(t)
	env.disc.errs["A"] = fmt.Errorf("%w: status 500", utils.ErrDiscovery)
	env.disc.pages["B"] = []models.ImageCandidate{
		env.dl.add("https://img.test/b.png", 1, pngBytes(t, 50, 40, 200)),
	}

	run := env.newPipeline(t, Options{RunMode: config.RunModeSweep}, nil)
	result, err := run.pipeline.Run(context.Background(), []models.Gallery{gallery("A", "Alpha"), gallery("B", "Beta")})
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrDiscovery)
	assert.False(t, result.Exhausted)

	assert.False(t, run.progress.IsCompleted("A"))
	assert.False(t, run.progress.IsCompleted("B"))
	assert.Equal(t, []string{"A"}, env.disc.calls)
	assert.Equal(t, 0, env.dl.callCount())
}

func junkCandidates(dl *fakeDownloader, n int) []models.ImageCandidate {
	out := make([]models.ImageCandidate, n)
	for i := range out {
		out[i] = dl.add(fmt.Sprintf("https://img.test/junk-%d.png", i+1), i+1, []byte(fmt.Sprintf("junk %d", i+1)))
	}
	return out
}

func TestRun_BatchCapResume(t *testing.T) {
	env := newLocalEnv(t)
	env.disc.pages["A"] = junkCandidates(env.dl, 150)
	catalog := []models.Gallery{gallery("A", "Alpha"), gallery("B", "Beta")}
	opts := Options{RunMode: config.RunModeSweep, BatchSize: 100, CapPolicy: config.CapPolicyResume, DownloadWorkers: 4}

	first := env.newPipeline(t, opts, nil)
	result, err := first.pipeline.Run(context.Background(), catalog)
	require.NoError(t, err)
	require.Len(t, result.Galleries, 1, "a capped gallery ends the run even in sweep mode")
	gr := result.Galleries[0]
	assert.Equal(t, 150, gr.Found)
	assert.Equal(t, 100, gr.Attempted)
	assert.True(t, gr.Capped)
	assert.False(t, gr.Completed)
	assert.Equal(t, 100, env.dl.callCount())
	assert.False(t, first.progress.IsCompleted("A"))
	assert.Equal(t, 100, first.progress.Cursor("A"))

	second := env.newPipeline(t, opts, nil)
	result, err = second.pipeline.Run(context.Background(), catalog)
	require.NoError(t, err)
	require.NotEmpty(t, result.Galleries)
	assert.Equal(t, 50, result.Galleries[0].Attempted)
	assert.True(t, result.Galleries[0].Completed)
	assert.True(t, second.progress.IsCompleted("A"))
	assert.Equal(t, 0, second.progress.Cursor("A"))
	assert.Equal(t, 150, env.dl.callCount())
}

func TestRun_BatchCapComplete(t *testing.T) {
	env := newLocalEnv(t)
	env.disc.pages["A"] = junkCandidates(env.dl, 150)
	opts := Options{RunMode: config.RunModeSingle, BatchSize: 100, CapPolicy: config.CapPolicyComplete}

	run := env.newPipeline(t, opts, nil)
	result, err := run.pipeline.Run(context.Background(), []models.Gallery{gallery("A", "Alpha")})
	require.NoError(t, err)
	gr := result.Galleries[0]
	assert.Equal(t, 100, gr.Attempted)
	assert.True(t, gr.Capped)
	assert.True(t, gr.Completed)
	assert.True(t, run.progress.IsCompleted("A"))

	again := env.newPipeline(t, opts, nil)
	result, err = again.pipeline.Run(context.Background(), []models.Gallery{gallery("A", "Alpha")})
	require.NoError(t, err)
	assert.True(t, result.Exhausted)
	assert.Equal(t, 100, env.dl.callCount())
}

// cancellingSink cancels the run right after its n-th successful persist,
// standing in for a process killed mid-gallery
type cancellingSink struct {
	storage.Sink
	cancel context.CancelFunc
	after  int
	count  int
}

func (s *cancellingSink) Persist(ctx context.Context, req storage.PersistRequest) (string, error) {
	key, err := s.Sink.Persist(ctx, req)
	if err == nil {
		s.count++
		if s.count == s.after {
			s.cancel()
		}
	}
	return key, err
}

func TestRun_CrashSafety(t *testing.T) {
	env := newLocalEnv(t)
	env.disc.pages["A"] = []models.ImageCandidate{
		env.dl.add("https://img.test/1.png", 1, pngBytes(t, 200, 100, 255)),
		env.dl.add("https://img.test/2.png", 2, pngBytes(t, 100, 200, 5)),
		env.dl.add("https://img.test/3.png", 3, pngBytes(t, 200, 100, 10)),
	}
	catalog := []models.Gallery{gallery("A", "Alpha")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupted := env.newPipeline(t, Options{}, func(s storage.Sink) storage.Sink {
		return &cancellingSink{Sink: s, cancel: cancel, after: 1}
	})
	result, err := interrupted.pipeline.Run(ctx, catalog)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, result.Galleries, 1)
	assert.Equal(t, 1, result.Galleries[0].Stored)
	assert.False(t, interrupted.progress.IsCompleted("A"))

	restarted := env.newPipeline(t, Options{}, nil)
	result, err = restarted.pipeline.Run(context.Background(), catalog)
	require.NoError(t, err)
	gr := result.Galleries[0]
	assert.Equal(t, 3, gr.Attempted)
	assert.Equal(t, 1, gr.Duplicates)
	assert.Equal(t, 2, gr.Stored)
	assert.True(t, restarted.progress.IsCompleted("A"))

	assert.Equal(t, map[string]int{"hd": 1, "hl": 1, "vd": 1, "vl": 0}, restarted.sink.Counts())
	assert.NoFileExists(t, filepath.Join(env.root, "hl", "2.jpg"))
	assert.Equal(t, 3, restarted.registry.Len())
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	env := newLocalEnv(t)
	run := env.newPipeline(t, Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := run.pipeline.Run(ctx, []models.Gallery{gallery("A", "Alpha")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, env.disc.calls)
}

func TestRun_ExhaustedCatalog(t *testing.T) {
	env := newLocalEnv(t)
	run := env.newPipeline(t, Options{}, nil)
	result, err := run.pipeline.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.Exhausted)
}

func TestRun_Metrics(t *testing.T) {
	env := newLocalEnv(t)
	env.disc.pages["A"] = []models.ImageCandidate{
		env.dl.add("https://img.test/1.png", 1, pngBytes(t, 200, 100, 255)),
		env.dl.add("https://img.test/2.png", 2, pngBytes(t, 200, 100, 255)),
		env.dl.add("https://img.test/3.png", 3, pngBytes(t, 4, 4, 255)),
	}
	run := env.newPipeline(t, Options{}, nil)
	_, err := run.pipeline.Run(context.Background(), []models.Gallery{gallery("A", "Alpha")})
	require.NoError(t, err)

	m := run.pipeline.Metrics()
	assert.Equal(t, 1.0, metricValue(t, m, "gallery_archiver_candidates_total", "outcome", "stored"))
	assert.Equal(t, 1.0, metricValue(t, m, "gallery_archiver_candidates_total", "outcome", "duplicate"))
	assert.Equal(t, 1.0, metricValue(t, m, "gallery_archiver_candidates_total", "outcome", "not_classifiable"))
	assert.Equal(t, 0.0, metricValue(t, m, "gallery_archiver_candidates_total", "outcome", "persist_failed"))
	assert.Equal(t, 1.0, metricValue(t, m, "gallery_archiver_galleries_total", "result", GalleryCompleted))
	assert.Equal(t, 1.0, metricValue(t, m, "gallery_archiver_archive_images", "category", "hl"))

	out := filepath.Join(t.TempDir(), "archiver.prom")
	require.NoError(t, m.WriteTextfile(out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "gallery_archiver_download_seconds"))
}

// metricValue reads a counter or gauge sample with the given label from the registry
func metricValue(t *testing.T, m *Metrics, name, label, value string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() != label || lp.GetValue() != value {
					continue
				}
				if c := metric.GetCounter(); c != nil {
					return c.GetValue()
				}
				return metric.GetGauge().GetValue()
			}
		}
	}
	return 0
}
