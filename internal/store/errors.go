package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoSources is returned by Refresh when no adapter is configured.
var ErrNoSources = errors.New("store: no sources configured")

// SourceFetchError records one adapter that produced no usable snapshot.
// It never fails a refresh on its own.
type SourceFetchError struct {
	SourceID string
	Err      error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("source %s: %v", e.SourceID, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

func (e *SourceFetchError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SourceID string `json:"source_id"`
		Reason   string `json:"reason"`
	}{e.SourceID, e.Err.Error()})
}

// AllSourcesFailedError is returned when every adapter failed. The cache is
// left untouched.
type AllSourcesFailedError struct {
	Failures []*SourceFetchError
}

func (e *AllSourcesFailedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return "all sources failed: " + strings.Join(parts, "; ")
}

// CacheCorruptError reports a persisted blob that could not be decoded or
// carries an unknown version.
type CacheCorruptError struct {
	Key string
	Err error
}

func (e *CacheCorruptError) Error() string {
	return fmt.Sprintf("cache %q is corrupt: %v", e.Key, e.Err)
}

func (e *CacheCorruptError) Unwrap() error { return e.Err }
