// Package vcs holds the local revision tree of a project.
//
// Revisions are immutable once observed: id, parent, message and timestamp
// never change. A revision may arrive "shallow" (topology known, payload not
// fetched yet) and be completed exactly once later.
//
// The tree is stored as an arena keyed by revision id. Parent and child links
// are ids resolved through the arena, never pointers between nodes.
package vcs

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Revision is one node of the revision tree.
type Revision struct {
	ID        string
	ParentID  string // empty for a root
	Message   string
	Timestamp time.Time
	Payload   []byte // nil while shallow

	children []string
}

// IsShallow reports whether the payload has not been fetched yet.
func (r Revision) IsShallow() bool {
	return r.Payload == nil
}

// IsRoot reports whether the revision has no parent.
func (r Revision) IsRoot() bool {
	return r.ParentID == ""
}

// Children returns the ids of the direct children in insertion order.
func (r Revision) Children() []string {
	out := make([]string, len(r.children))
	copy(out, r.children)
	return out
}

// Descriptor returns the lightweight index entry for r.
func (r Revision) Descriptor() Descriptor {
	return Descriptor{
		ID:        r.ID,
		ParentID:  r.ParentID,
		Message:   r.Message,
		Timestamp: r.Timestamp,
	}
}

// clone copies r so callers never share the arena's children slice.
func (r *Revision) clone() Revision {
	c := *r
	c.children = r.Children()
	return c
}

// Descriptor identifies a revision and its place in the tree without carrying
// its payload. Used for diffing and for building shallow nodes.
type Descriptor struct {
	ID        string
	ParentID  string
	Message   string
	Timestamp time.Time
}

// Shallow builds a shallow revision from the descriptor.
func (d Descriptor) Shallow() Revision {
	return Revision{
		ID:        d.ID,
		ParentID:  d.ParentID,
		Message:   d.Message,
		Timestamp: d.Timestamp,
	}
}

// Index maps revision id to descriptor. It is produced on demand and never
// persisted on its own.
type Index map[string]Descriptor

// IDs returns the identifier set of the index.
func (ix Index) IDs() IDSet {
	out := make(IDSet, len(ix))
	for id := range ix {
		out[id] = struct{}{}
	}
	return out
}

// Select returns the descriptors for ids, skipping ids the index lacks.
func (ix Index) Select(ids IDSet) []Descriptor {
	out := make([]Descriptor, 0, len(ids))
	for id := range ids {
		if d, ok := ix[id]; ok {
			out = append(out, d)
		}
	}
	SortDescriptors(out)
	return out
}

// SortDescriptors orders descriptors by timestamp, then id.
func SortDescriptors(ds []Descriptor) {
	sort.Slice(ds, func(i, j int) bool {
		return descriptorLess(ds[i], ds[j])
	})
}

func descriptorLess(a, b Descriptor) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// IDSet is a set of revision identifiers.
type IDSet map[string]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id into the set.
func (s IDSet) Add(id string) {
	s[id] = struct{}{}
}

// Has reports whether id is in the set.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of ids in the set.
func (s IDSet) Len() int {
	return len(s)
}

// Sorted returns the ids in lexical order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NewID generates a fresh, globally unique revision identifier.
func NewID() string {
	return uuid.NewString()
}
