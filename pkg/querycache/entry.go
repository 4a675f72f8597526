package querycache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by a Store when no live entry exists for a fingerprint
	ErrNotFound = errors.New("cache entry not found")

	// ErrInvalidArgument is returned for malformed wrapper or invalidation arguments
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnknownEntity is returned when a wrapper is called for an unregistered table
	ErrUnknownEntity = errors.New("unknown entity")
)

// SerializationError reports a fingerprint or payload that could not be encoded.
// Nothing is written to the store when it is returned.
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("querycache: %s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// Entry is a single cached result set
type Entry struct {
	Fingerprint string            `json:"fingerprint"`
	QueryText   string            `json:"query_text"`
	Result      []json.RawMessage `json:"result"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	HitCount    int64             `json:"hit_count"`
	Category    *string           `json:"category,omitempty"`
}

// Live reports whether the entry is still valid at now
func (e *Entry) Live(now time.Time) bool {
	return e.ExpiresAt.After(now)
}

// CategoryName returns the category or an empty string
func (e *Entry) CategoryName() string {
	if e.Category == nil {
		return ""
	}
	return *e.Category
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Result = append([]json.RawMessage(nil), e.Result...)
	if e.Category != nil {
		cat := *e.Category
		c.Category = &cat
	}
	return &c
}

func categoryPtr(category string) *string {
	if category == "" {
		return nil
	}
	return &category
}

// Stats summarises the store contents
type Stats struct {
	TotalEntries         int64      `json:"total_entries"`
	ExpiredEntries       int64      `json:"expired_entries"`
	TotalHits            int64      `json:"total_hits"`
	AvgHitsPerEntry      float64    `json:"avg_hits_per_entry"`
	OldestEntry          *time.Time `json:"oldest_entry,omitempty"`
	NewestEntry          *time.Time `json:"newest_entry,omitempty"`
	ApproximateSizeBytes int64      `json:"approximate_size_bytes"`
}

// Query identifies a logical read: the query text and its ordered parameters
type Query struct {
	Text   string
	Params []interface{}
}

// Result is what GetCached and the wrappers return. HitCount is the stored
// cumulative count and is only set when FromCache is true.
type Result struct {
	Records     []json.RawMessage `json:"records"`
	FromCache   bool              `json:"from_cache"`
	Fingerprint string            `json:"fingerprint"`
	HitCount    int64             `json:"hit_count,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// encodeResult encodes records as a JSON array, the persisted payload shape
func encodeResult(records []json.RawMessage) ([]byte, error) {
	if records == nil {
		records = []json.RawMessage{}
	}
	return json.Marshal(records)
}

func decodeResult(data []byte) ([]json.RawMessage, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	return records, nil
}
