package storage

import (
	"errors"
)

var (
	// ErrNotFound marks a missing blob, manifest, tag, chart or metadata
	// document, as opposed to a transport failure.
	ErrNotFound = errors.New("not found")

	// ErrDigestMismatch marks an upload whose content does not hash to the
	// declared digest. Nothing is stored in that case.
	ErrDigestMismatch = errors.New("digest mismatch")
)

// CacheMeta is the per-(upstream, image, tag) metadata document backing the
// stale-while-revalidate decisions. Mutable is fixed at first write.
type CacheMeta struct {
	Digest           string `json:"digest"`
	Mutable          bool   `json:"mutable"`
	LastCheckEpoch   int64  `json:"last_check_epoch"`
	LastUpdatedEpoch int64  `json:"last_updated_epoch"`
}

// ChartInfo describes one stored chart tarball.
type ChartInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}
