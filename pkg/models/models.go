package models

import "time"

// Gallery is one catalog entry: a source page yielding zero or more images
type Gallery struct {
	ID          string // Stable identity key (the source URL)
	DisplayName string // Human-readable name, also used as the remote folder name
	SourceURL   string
}

// ImageCandidate is one image reference discovered on a gallery page, not yet fetched
type ImageCandidate struct {
	SourceURL       string
	OrdinalIndex    int    // 1-based position among full-image links, in document order
	HintedExtension string // Lowercase extension from the URL path without the dot, may be empty
}

// Fingerprint is the hex-encoded SHA-256 digest of raw downloaded bytes
type Fingerprint string

// Short returns an abbreviated fingerprint for log lines
func (f Fingerprint) Short() string {
	if len(f) > 16 {
		return string(f[:16])
	}
	return string(f)
}

// ManifestEntry is one record in the remote target's append-only manifest
type ManifestEntry struct {
	Name  string `json:"name"`  // Canonical object key
	Theme string `json:"theme"` // Brightness only: "dark" or "light"
}

// JournalEntry stores the last processing attempt of a candidate URL in the attempt journal
type JournalEntry struct {
	Outcome      Outcome   `json:"outcome"`
	GalleryID    string    `json:"gallery_id"`
	Fingerprint  string    `json:"fingerprint,omitempty"`   // Set once the download succeeded
	CanonicalKey string    `json:"canonical_key,omitempty"` // Set for stored and duplicate outcomes
	ErrorType    string    `json:"error_type,omitempty"`    // Error category (on failure)
	LastAttempt  time.Time `json:"last_attempt"`
}

// GalleryResult is the per-gallery tally reported to the operator
type GalleryResult struct {
	GalleryID       string
	DisplayName     string
	Found           int // Candidates discovered on the page
	Attempted       int // Candidates processed this run (bounded by the batch size)
	Stored          int
	Duplicates      int
	NotClassifiable int
	DownloadFailed  int
	PersistFailed   int
	Empty           bool // Discovery yielded no candidates
	Completed       bool // Gallery was marked completed
	Capped          bool // Batch size stopped processing before the end of the candidate list
	Duration        time.Duration
}

// Record increments the counter matching the outcome
func (r *GalleryResult) Record(o Outcome) {
	r.Attempted++
	switch o {
	case OutcomeStored:
		r.Stored++
	case OutcomeDuplicate:
		r.Duplicates++
	case OutcomeNotClassifiable:
		r.NotClassifiable++
	case OutcomeDownloadFailed:
		r.DownloadFailed++
	case OutcomePersistFailed:
		r.PersistFailed++
	}
}
