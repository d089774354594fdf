package serve

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/gallery-archiver/pkg/config"
	"github.com/Sriram-PR/gallery-archiver/pkg/models"
	"github.com/Sriram-PR/gallery-archiver/pkg/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// writeCounts writes the count file and creates files 1..n in each category folder
func writeCounts(t *testing.T, dir string, counts map[string]int) string {
	t.Helper()
	for cat, n := range counts {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, cat), 0755))
		for i := 1; i <= n; i++ {
			require.NoError(t, os.WriteFile(filepath.Join(dir, cat, strconv.Itoa(i)+".jpg"), []byte("jpeg"), 0644))
		}
	}
	data, err := json.Marshal(counts)
	require.NoError(t, err)
	p := filepath.Join(dir, "count.json")
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

// newTestServer builds a server whose random choice always returns pick
func newTestServer(t *testing.T, dir string, pick int) *Server {
	t.Helper()
	s := NewServer(config.ServeConfig{PublicPrefix: "/ri", CountFileName: "count.json"}, dir, testLogger())
	s.intn = func(n int) int {
		require.Less(t, pick, n)
		return pick
	}
	return s
}

func get(t *testing.T, s *Server, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestIsMobile(t *testing.T) {
	assert.True(t, IsMobile("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)"))
	assert.True(t, IsMobile("Mozilla/5.0 (Linux; Android 14; Pixel 8)"))
	assert.True(t, IsMobile("Opera/9.80 (J2ME/MIDP; Opera Mini/9.80)"))
	assert.False(t, IsMobile("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"))
	assert.False(t, IsMobile(""))
}

func TestPic_RedirectChoosesAcrossDarkAndLight(t *testing.T) {
	dir := t.TempDir()
	writeCounts(t, dir, map[string]int{"hd": 2, "hl": 3, "vd": 0, "vl": 1})

	tests := []struct {
		pick     int
		query    string
		location string
	}{
		{0, "/pic?img=h", "/ri/hd/1.jpg"},
		{1, "/pic?img=h", "/ri/hd/2.jpg"},
		{2, "/pic?img=h", "/ri/hl/1.jpg"},
		{4, "/pic?img=h", "/ri/hl/3.jpg"},
		{0, "/pic?img=v", "/ri/vl/1.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			rec := get(t, newTestServer(t, dir, tt.pick), tt.query, nil)
			assert.Equal(t, http.StatusFound, rec.Code)
			assert.Equal(t, tt.location, rec.Header().Get("Location"))
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
		})
	}
}

func TestPic_OrientationFromUserAgent(t *testing.T) {
	dir := t.TempDir()
	writeCounts(t, dir, map[string]int{"hd": 1, "hl": 0, "vd": 0, "vl": 1})
	s := newTestServer(t, dir, 0)

	rec := get(t, s, "/pic", map[string]string{"User-Agent": "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)"})
	assert.Equal(t, "/ri/vl/1.jpg", rec.Header().Get("Location"))

	rec = get(t, s, "/pic?img=bogus", map[string]string{"User-Agent": "Mozilla/5.0 (X11; Linux x86_64)"})
	assert.Equal(t, "/ri/hd/1.jpg", rec.Header().Get("Location"))
}

func TestPic_JSON(t *testing.T) {
	dir := t.TempDir()
	writeCounts(t, dir, map[string]int{"hd": 1, "hl": 1})
	s := newTestServer(t, dir, 1)

	rec := get(t, s, "/pic?json=h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache, no-store", rec.Header().Get("Cache-Control"))

	var body struct {
		Theme string `json:"theme"`
		URL   string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "light", body.Theme)
	assert.Equal(t, "http://example.com/ri/hl/1.jpg", body.URL)
}

func TestPic_NoImages(t *testing.T) {
	dir := t.TempDir()
	writeCounts(t, dir, map[string]int{"hd": 3, "hl": 0, "vd": 0, "vl": 0})
	s := newTestServer(t, dir, 0)

	rec := get(t, s, "/pic?img=v", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = get(t, s, "/pic?json=v", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no images")
}

func TestPic_ServesAcrossNumberingGaps(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1.jpg", "3.jpg"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "hd"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "hd", name), []byte("jpeg"), 0644))
	}
	sink, err := storage.NewLocalSink(dir, "count.json", testLogger())
	require.NoError(t, err)
	key, err := sink.Persist(context.Background(), storage.PersistRequest{
		Category: models.Category{Orientation: models.Horizontal, Brightness: models.Dark},
		Image:    image.NewGray(image.Rect(0, 0, 30, 10)),
	})
	require.NoError(t, err)
	require.Equal(t, "hd/4.jpg", key)
	require.NoError(t, sink.Flush(context.Background()))

	tests := []struct {
		pick     int
		location string
	}{
		{0, "/ri/hd/1.jpg"},
		{1, "/ri/hd/3.jpg"}, // 2 is missing
		{2, "/ri/hd/3.jpg"},
		{3, "/ri/hd/4.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			rec := get(t, newTestServer(t, dir, tt.pick), "/pic?img=h", nil)
			assert.Equal(t, http.StatusFound, rec.Code)
			assert.Equal(t, tt.location, rec.Header().Get("Location"))
		})
	}
}

func TestPic_CountFileAheadOfDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "count.json"), []byte(`{"hd": 2, "zz": 9}`), 0644))
	s := newTestServer(t, dir, 1)

	rec := get(t, s, "/pic?img=h", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, s.counts.Counts(), "zz")
}

func TestPic_MissingCountFile(t *testing.T) {
	s := newTestServer(t, t.TempDir(), 0)
	rec := get(t, s, "/pic?img=h", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountSource_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	p := writeCounts(t, dir, map[string]int{"hd": 1})
	src := NewCountSource(p, testLogger())
	assert.Equal(t, 1, src.Counts()["hd"])

	writeCounts(t, dir, map[string]int{"hd": 5})
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(p, later, later))
	assert.Equal(t, 5, src.Counts()["hd"])

	// A broken rewrite keeps the last good counts
	require.NoError(t, os.WriteFile(p, []byte("{oops"), 0644))
	evenLater := later.Add(time.Minute)
	require.NoError(t, os.Chtimes(p, evenLater, evenLater))
	assert.Equal(t, 5, src.Counts()["hd"])
}

func TestStaticArchive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "hd"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hd", "1.jpg"), []byte("jpeg bytes"), 0644))
	s := newTestServer(t, dir, 0)

	rec := get(t, s, "/ri/hd/1.jpg", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpeg bytes", rec.Body.String())

	rec = get(t, s, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
