// Package repository wires the object model together: ConfigFile,
// crypto.Key, backend.DecryptStore, and index.Index form one Repository,
// mirroring repository.go's New/Load/Commit constructor shape over the
// restic object model instead of an MST commit chain.
package repository

import (
	"time"

	"rustic/id"
)

// DeletePolicyKind discriminates a Snapshot's retention override.
type DeletePolicyKind string

const (
	NotSet DeletePolicyKind = "notset"
	Never  DeletePolicyKind = "never"
	After  DeletePolicyKind = "after"
)

// DeletePolicy overrides the default retention behavior for one snapshot.
type DeletePolicy struct {
	Kind DeletePolicyKind `json:"kind"`
	At   *time.Time       `json:"at,omitempty"` // set when Kind == After
}

// Summary holds the archiver's counters and timings for one backup run.
type Summary struct {
	FilesNew         uint64    `json:"files_new"`
	FilesChanged     uint64    `json:"files_changed"`
	FilesUnmodified  uint64    `json:"files_unmodified"`
	DirsNew          uint64    `json:"dirs_new"`
	DirsChanged      uint64    `json:"dirs_changed"`
	DirsUnmodified   uint64    `json:"dirs_unmodified"`
	DataBlobs        uint64    `json:"data_blobs"`
	TreeBlobs        uint64    `json:"tree_blobs"`
	DataAddedRaw     uint64    `json:"data_added_raw"`
	DataAddedPacked  uint64    `json:"data_added_packed"`
	TotalBytesProcessed uint64 `json:"total_bytes_processed"`
	BackupStart      time.Time `json:"backup_start"`
	BackupEnd        time.Time `json:"backup_end"`
}

// Snapshot is the serialized JSON document persisted under FileKind
// Snapshot, per spec.md §3.
type Snapshot struct {
	Time     time.Time     `json:"time"`
	Hostname string        `json:"hostname"`
	Label    string        `json:"label,omitempty"`
	Paths    []string      `json:"paths"`
	Tags     []string      `json:"tags,omitempty"`
	Parent   *id.Id        `json:"parent,omitempty"`
	Tree     id.Id         `json:"tree"`
	Delete   *DeletePolicy `json:"delete,omitempty"`
	Summary  *Summary      `json:"summary,omitempty"`
}

// HasTag reports whether tag is present (case-sensitive, per spec.md's
// plain string-list tag model).
func (s Snapshot) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MustKeep reports whether the snapshot's delete-policy forces retention
// at the given instant: Never, or an After time still in the future.
func (s Snapshot) MustKeep(now time.Time) bool {
	if s.Delete == nil {
		return false
	}
	switch s.Delete.Kind {
	case Never:
		return true
	case After:
		return s.Delete.At != nil && s.Delete.At.After(now)
	default:
		return false
	}
}

// MustDelete reports whether the snapshot's delete-policy forces removal
// at the given instant: an After time already in the past.
func (s Snapshot) MustDelete(now time.Time) bool {
	if s.Delete == nil || s.Delete.Kind != After {
		return false
	}
	return s.Delete.At != nil && !s.Delete.At.After(now)
}
