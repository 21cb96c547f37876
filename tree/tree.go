// Package tree implements the directory-tree data model (spec.md §3) and
// the depth-first TreeStreamer/NodeStreamer walkers (spec.md §4.11).
package tree

import (
	"time"

	"rustic/id"
)

// NodeKind discriminates the kind-dependent payload a Node carries.
type NodeKind string

const (
	File    NodeKind = "file"
	Dir     NodeKind = "dir"
	Symlink NodeKind = "symlink"
	Device  NodeKind = "dev"
	Chardev NodeKind = "chardev"
	Fifo    NodeKind = "fifo"
	Socket  NodeKind = "socket"
)

// Node is one entry of a Tree: a name, its kind, POSIX-flavored metadata,
// and a kind-dependent payload (spec.md §3).
type Node struct {
	Name string   `json:"name"`
	Kind NodeKind `json:"type"`

	Mtime *time.Time `json:"mtime,omitempty"`
	Ctime *time.Time `json:"ctime,omitempty"`
	Atime *time.Time `json:"atime,omitempty"`
	UID   uint32     `json:"uid"`
	GID   uint32     `json:"gid"`
	User  string     `json:"user,omitempty"`
	Group string     `json:"group,omitempty"`
	Mode  uint32     `json:"mode"`
	Inode uint64     `json:"inode,omitempty"`
	DeviceID uint64  `json:"device_id,omitempty"`
	Size  uint64     `json:"size,omitempty"`

	// File: ordered data-blob ids whose concatenated plaintexts equal the
	// file's bytes.
	Content []id.Id `json:"content,omitempty"`
	// Dir: id of the child Tree blob.
	Subtree *id.Id `json:"subtree,omitempty"`
	// Symlink: link target.
	LinkTarget string `json:"linktarget,omitempty"`
}

// Tree is a serialized JSON array of Nodes, one directory level.
type Tree []Node

// sameContent reports whether two File nodes reference byte-identical
// content.
func sameContent(a, b []id.Id) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SameAs reports whether n and other are the archiver-equivalent node: same
// kind and same content reference (Dir subtree, File blob list, or Symlink
// target), ignoring metadata that legitimately differs run to run. The
// archiver uses it after rebuilding a node to classify it as unmodified,
// changed, or new.
func (n Node) SameAs(other Node) bool {
	if n.Kind != other.Kind {
		return false
	}
	switch n.Kind {
	case Dir:
		return n.Subtree != nil && other.Subtree != nil && *n.Subtree == *other.Subtree
	case File:
		return sameContent(n.Content, other.Content)
	case Symlink:
		return n.LinkTarget == other.LinkTarget
	default:
		return true
	}
}
