package sync

import (
	"github.com/teranos/revsync/errors"
	"github.com/teranos/revsync/vcs"
)

// SkipChildren may be returned from a Walk callback to leave the current
// node's descendants unvisited. It is never returned by Walk itself.
var SkipChildren = errors.New("skip children")

// Subtree is a connected fragment of a descriptor batch. Its root's parent is
// either empty or an id outside the batch, assumed resolvable on the side the
// subtree is applied to.
type Subtree struct {
	root     vcs.Descriptor
	nodes    map[string]vcs.Descriptor
	children map[string][]vcs.Descriptor // shared with sibling subtrees, read-only
}

// Root returns the subtree's root descriptor.
func (s *Subtree) Root() vcs.Descriptor {
	return s.root
}

// ParentID returns the id the subtree attaches under, or "" for a new root.
func (s *Subtree) ParentID() string {
	return s.root.ParentID
}

// Len returns the number of nodes in the subtree.
func (s *Subtree) Len() int {
	return len(s.nodes)
}

// Contains reports whether id belongs to the subtree.
func (s *Subtree) Contains(id string) bool {
	_, ok := s.nodes[id]
	return ok
}

// Walk visits the subtree root-first, depth-first, children ordered by
// timestamp. An explicit stack bounds memory on deep histories.
func (s *Subtree) Walk(fn func(d vcs.Descriptor, depth int) error) error {
	type frame struct {
		d     vcs.Descriptor
		depth int
	}

	stack := []frame{{d: s.root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		err := fn(f.d, f.depth)
		if errors.Is(err, SkipChildren) {
			continue
		}
		if err != nil {
			return err
		}

		kids := s.children[f.d.ID]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, frame{d: kids[i], depth: f.depth + 1})
		}
	}
	return nil
}

// Descriptors returns the subtree's nodes in walk order.
func (s *Subtree) Descriptors() []vcs.Descriptor {
	out := make([]vcs.Descriptor, 0, len(s.nodes))
	_ = s.Walk(func(d vcs.Descriptor, _ int) error {
		out = append(out, d)
		return nil
	})
	return out
}

// ShallowRevisions returns the subtree as payload-less revisions, parents
// before children, ready for vcs.Store.InsertSubtree.
func (s *Subtree) ShallowRevisions() []vcs.Revision {
	ds := s.Descriptors()
	out := make([]vcs.Revision, len(ds))
	for i, d := range ds {
		out[i] = d.Shallow()
	}
	return out
}

// BuildSubtrees reconstructs the disjoint subtrees of a flat descriptor batch.
// A root is any descriptor whose parent is not itself in the batch. Subtrees
// are returned ordered by their root's timestamp.
//
// A batch where some descriptors cannot be reached from any root contains a
// parent cycle and fails with ErrCyclicInput.
func BuildSubtrees(descs []vcs.Descriptor) ([]*Subtree, error) {
	byID := make(map[string]vcs.Descriptor, len(descs))
	for _, d := range descs {
		if d.ID == "" {
			return nil, errors.NewInvalidRequestError("descriptor with empty id")
		}
		if _, dup := byID[d.ID]; dup {
			return nil, errors.NewInvalidRequestError("descriptor %s repeated in batch", d.ID)
		}
		byID[d.ID] = d
	}

	children := make(map[string][]vcs.Descriptor)
	var roots []vcs.Descriptor
	for _, d := range descs {
		if _, inBatch := byID[d.ParentID]; inBatch && d.ParentID != "" {
			children[d.ParentID] = append(children[d.ParentID], d)
		} else {
			roots = append(roots, d)
		}
	}
	for _, kids := range children {
		vcs.SortDescriptors(kids)
	}
	vcs.SortDescriptors(roots)

	visited := make(vcs.IDSet, len(descs))
	subtrees := make([]*Subtree, 0, len(roots))
	for _, root := range roots {
		st := &Subtree{
			root:     root,
			nodes:    make(map[string]vcs.Descriptor),
			children: children,
		}
		stack := []vcs.Descriptor{root}
		for len(stack) > 0 {
			d := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited.Has(d.ID) {
				return nil, errors.Wrapf(errors.ErrCyclicInput, "revision %s reached twice", d.ID)
			}
			visited.Add(d.ID)
			st.nodes[d.ID] = d
			stack = append(stack, children[d.ID]...)
		}
		subtrees = append(subtrees, st)
	}

	if visited.Len() != len(byID) {
		var stuck []string
		for id := range byID {
			if !visited.Has(id) {
				stuck = append(stuck, id)
			}
		}
		return nil, errors.WithDetailf(
			errors.Wrapf(errors.ErrCyclicInput, "%d revisions unreachable from any root", len(stuck)),
			"unreachable: %v", vcs.NewIDSet(stuck...).Sorted())
	}
	return subtrees, nil
}
