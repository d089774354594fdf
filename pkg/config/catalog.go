package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Sriram-PR/gallery-archiver/pkg/models"
	"github.com/Sriram-PR/gallery-archiver/pkg/parse"
	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

// catalogRecord is the on-disk form of one gallery in the catalog file
type catalogRecord struct {
	URL    string `json:"url"`
	Folder string `json:"folder"`
}

// LoadCatalog reads the ordered gallery catalog. Order is priority order.
func LoadCatalog(path string) ([]models.Gallery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading catalog '%s': %w", utils.ErrFilesystem, path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog JSON: a list of {url, folder} records.
// Empty or non-http URLs, duplicate ids and folder names that sanitize to the same object key prefix are rejected.
func ParseCatalog(data []byte) ([]models.Gallery, error) {
	var records []catalogRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: catalog JSON: %w", utils.ErrParsing, err)
	}

	galleries := make([]models.Gallery, 0, len(records))
	seen := make(map[string]int, len(records))
	folders := make(map[string]int, len(records))
	for i, rec := range records {
		rawURL := strings.TrimSpace(rec.URL)
		if rawURL == "" {
			return nil, fmt.Errorf("%w: catalog entry #%d has no url", utils.ErrConfigValidation, i+1)
		}
		normalized, u, err := parse.ParseAndNormalize(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: catalog entry #%d has invalid url '%s'", utils.ErrConfigValidation, i+1, rawURL)
		}
		// Spellings of the same page would otherwise be archived twice under different ids
		if first, dup := seen[normalized]; dup {
			return nil, fmt.Errorf("%w: catalog entry #%d duplicates entry #%d (%s)", utils.ErrConfigValidation, i+1, first, rawURL)
		}
		seen[normalized] = i + 1

		name := strings.TrimSpace(rec.Folder)
		if name == "" {
			name = u.Host + u.Path
		}
		folder := utils.SanitizeFilename(name)
		if first, dup := folders[folder]; dup {
			return nil, fmt.Errorf("%w: catalog entry #%d folder '%s' collides with entry #%d as '%s'", utils.ErrConfigValidation, i+1, name, first, folder)
		}
		folders[folder] = i + 1

		galleries = append(galleries, models.Gallery{
			ID:          rawURL,
			DisplayName: name,
			SourceURL:   rawURL,
		})
	}
	return galleries, nil
}
