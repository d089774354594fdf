package models

// Outcome is the tagged result of processing a single candidate
type Outcome string

const (
	OutcomeUnset           Outcome = ""                 // Zero value = unset/unknown
	OutcomeStored          Outcome = "stored"           // New content persisted and registered
	OutcomeDuplicate       Outcome = "duplicate"        // Fingerprint already registered
	OutcomeNotClassifiable Outcome = "not_classifiable" // Undecodable or below minimum dimensions
	OutcomeDownloadFailed  Outcome = "download_failed"  // Fetch or scratch write failed
	OutcomePersistFailed   Outcome = "persist_failed"   // Storage sink rejected the write
)

// AllOutcomes lists every operational outcome
var AllOutcomes = []Outcome{
	OutcomeStored,
	OutcomeDuplicate,
	OutcomeNotClassifiable,
	OutcomeDownloadFailed,
	OutcomePersistFailed,
}

// String implements fmt.Stringer for logging
func (o Outcome) String() string {
	if o == "" {
		return "unset"
	}
	return string(o)
}

// IsValid returns true if the outcome is a known operational value
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeStored, OutcomeDuplicate, OutcomeNotClassifiable, OutcomeDownloadFailed, OutcomePersistFailed:
		return true
	}
	return false
}

// IsFailure reports whether the outcome counts as a skipped failure in the tally
func (o Outcome) IsFailure() bool {
	return o == OutcomeDownloadFailed || o == OutcomePersistFailed
}
