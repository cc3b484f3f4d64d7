// Package types holds the shared value types of the virtual filesystem:
// object metadata, directory entries, cached file properties, and the
// sync-engine option types.
package types

import (
	"time"
)

// ObjectInfo represents metadata about a stored object.
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"last_modified"`
	ETag         string            `json:"etag"`
	StorageClass string            `json:"storage_class,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Existence is the tri-state existence answer carried by cached file
// properties.
type Existence int

const (
	ExistsUnknown Existence = iota
	ExistsYes
	ExistsNo
)

// FileProperties is a file-property cache entry for one absolute path.
// An entry only gains certainty over time (unknown to yes/no); a failed
// request never creates one.
type FileProperties struct {
	Exists Existence `json:"exists"`
	IsDir  bool      `json:"is_dir"`
	Size   int64     `json:"size"`
	// SizeComputed distinguishes a confirmed size from a placeholder
	// recorded before any HEAD/GET response carried one.
	SizeComputed bool      `json:"size_computed"`
	MTime        time.Time `json:"mtime"`
	ETag         string    `json:"etag"`
}

// DirEntry is one entry produced by the directory enumerator.
type DirEntry struct {
	Name  string    `json:"name"`
	IsDir bool      `json:"is_dir"`
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
	ETag  string    `json:"etag,omitempty"`
	// Synthetic marks directories implied only by key prefixes, with no
	// marker object of their own.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Range is a byte range within an object.
type Range struct {
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

// SyncStrategy selects how the sync engine decides whether a target file
// is already up to date.
type SyncStrategy int

const (
	// SyncTimestamp skips a file when the target mtime is at least the
	// source mtime.
	SyncTimestamp SyncStrategy = iota
	// SyncETag skips a file when the content fingerprint matches.
	SyncETag
	// SyncOverwrite never skips.
	SyncOverwrite
)

// String returns the option-value spelling of the strategy.
func (s SyncStrategy) String() string {
	switch s {
	case SyncTimestamp:
		return "TIMESTAMP"
	case SyncETag:
		return "ETAG"
	case SyncOverwrite:
		return "OVERWRITE"
	}
	return "UNKNOWN"
}

// ParseSyncStrategy parses a strategy name, defaulting to TIMESTAMP.
func ParseSyncStrategy(s string) SyncStrategy {
	switch s {
	case "ETAG":
		return SyncETag
	case "OVERWRITE":
		return SyncOverwrite
	}
	return SyncTimestamp
}

// ProgressFunc reports overall progress in [0,1]. Returning false cancels
// the operation; this is the only cancellation mechanism besides context
// cancellation.
type ProgressFunc func(complete float64, message string) bool

// MetadataDomain selects which per-object metadata set a facade
// Get/SetMetadata call addresses.
type MetadataDomain string

const (
	// DomainHeaders addresses the HTTP response headers of the object.
	DomainHeaders MetadataDomain = "HEADERS"
	// DomainTags addresses the object tag set.
	DomainTags MetadataDomain = "TAGS"
)
