package serve

import (
	"math/rand/v2"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/gallery-archiver/pkg/classify"
	"github.com/Sriram-PR/gallery-archiver/pkg/config"
	"github.com/Sriram-PR/gallery-archiver/pkg/models"
)

var mobileKeywords = []string{
	"mobile", "android", "iphone", "ipad", "ipod", "blackberry",
	"windows phone", "opera mini", "iemobile", "webos", "kindle",
	"silk", "fennec", "maemo", "tablet",
}

// IsMobile reports whether a User-Agent looks like a phone or tablet
func IsMobile(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, kw := range mobileKeywords {
		if strings.Contains(ua, kw) {
			return true
		}
	}
	return false
}

// Server picks a random archived image of the requested orientation
type Server struct {
	archiveDir string
	prefix     string
	counts     *CountSource
	intn       func(n int) int
	log        *logrus.Entry
}

// NewServer serves the local archive at archiveDir
func NewServer(cfg config.ServeConfig, archiveDir string, log *logrus.Entry) *Server {
	prefix := "/" + strings.Trim(cfg.PublicPrefix, "/")
	return &Server{
		archiveDir: archiveDir,
		prefix:     prefix,
		counts:     NewCountSource(filepath.Join(archiveDir, cfg.CountFileName), log),
		intn:       rand.IntN,
		log:        log.WithField("component", "picserver"),
	}
}

// Router builds the gin engine: GET /pic plus the archive as static files under the prefix
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), allowAnyOrigin())
	r.GET("/pic", s.handlePic)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.Static(s.prefix, s.archiveDir)
	return r
}

func allowAnyOrigin() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("Request served")
	}
}

// pick chooses uniformly among the numbers 1..n of the dark and light folders of an orientation,
// n being the highest number from the count file. A number missing on disk moves the choice to
// the next existing file, so folders with gaps still serve every image.
func (s *Server) pick(orientation models.Orientation) (cat models.Category, n int, ok bool) {
	counts := s.counts.Counts()
	dark := models.Category{Orientation: orientation, Brightness: models.Dark}
	light := models.Category{Orientation: orientation, Brightness: models.Light}
	darkN, lightN := max(counts[dark.String()], 0), max(counts[light.String()], 0)
	total := darkN + lightN
	if total <= 0 {
		return models.Category{}, 0, false
	}
	start := s.intn(total)
	for i := range total {
		r := (start+i)%total + 1
		cat, n = light, r-darkN
		if r <= darkN {
			cat, n = dark, r
		}
		if s.exists(cat, n) {
			return cat, n, true
		}
	}
	s.log.WithFields(logrus.Fields{"dark": dark.String(), "light": light.String()}).Warn("Count file lists images that are not on disk")
	return models.Category{}, 0, false
}

func (s *Server) exists(cat models.Category, n int) bool {
	info, err := os.Stat(filepath.Join(s.archiveDir, cat.String(), strconv.Itoa(n)+classify.OutputExtension))
	return err == nil && info.Mode().IsRegular()
}

func (s *Server) imagePath(cat models.Category, n int) string {
	return path.Join(s.prefix, cat.String(), strconv.Itoa(n)+classify.OutputExtension)
}

func parseOrientation(v string) (models.Orientation, bool) {
	switch v {
	case "h":
		return models.Horizontal, true
	case "v":
		return models.Vertical, true
	}
	return 0, false
}

// handlePic serves GET /pic?img=h|v (redirect) and GET /pic?json=h|v (JSON description)
func (s *Server) handlePic(c *gin.Context) {
	if o, ok := parseOrientation(c.Query("json")); ok {
		cat, n, found := s.pick(o)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "no images"})
			return
		}
		c.Header("Cache-Control", "no-cache, no-store")
		c.JSON(http.StatusOK, gin.H{
			"theme": cat.Brightness.Theme(),
			"url":   origin(c.Request) + s.imagePath(cat, n),
		})
		return
	}

	o, ok := parseOrientation(c.Query("img"))
	if !ok {
		o = models.Horizontal
		if IsMobile(c.GetHeader("User-Agent")) {
			o = models.Vertical
		}
	}
	cat, n, found := s.pick(o)
	if !found {
		c.String(http.StatusNotFound, "no images")
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Redirect(http.StatusFound, s.imagePath(cat, n))
}

// origin rebuilds scheme://host of the request, honoring a proxy's X-Forwarded-Proto
func origin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host
}
