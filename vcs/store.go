package vcs

import (
	"bytes"
	gosync "sync"
	"time"

	"github.com/teranos/revsync/errors"
)

// Store is the in-memory revision tree of one project.
//
// All methods are safe for concurrent use. During a sync session the sync
// worker is the only writer; the lock protects readers that look at the tree
// after a notification.
type Store struct {
	mu        gosync.RWMutex
	nodes     map[string]*Revision
	roots     []string
	head      string
	observers []Observer
}

// NewStore creates an empty revision store.
func NewStore() *Store {
	return &Store{
		nodes: make(map[string]*Revision),
	}
}

// AddObserver registers o to be notified after every successful mutation.
func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Len returns the number of revisions in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// AllIdentifiers returns the ids of every revision in the store.
func (s *Store) AllIdentifiers() IDSet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(IDSet, len(s.nodes))
	for id := range s.nodes {
		out[id] = struct{}{}
	}
	return out
}

// Index returns a descriptor for every revision in the store.
func (s *Store) Index() Index {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ix := make(Index, len(s.nodes))
	for id, r := range s.nodes {
		ix[id] = r.Descriptor()
	}
	return ix
}

// Has reports whether the store contains id.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// Get returns a copy of the revision with the given id.
// The returned payload must not be modified.
func (s *Store) Get(id string) (Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.nodes[id]
	if !ok {
		return Revision{}, errors.NewNotFoundError("revision %s", id)
	}
	return r.clone(), nil
}

// Roots returns the ids of all root revisions in insertion order.
func (s *Store) Roots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.roots))
	copy(out, s.roots)
	return out
}

// Shallow returns the ids of revisions whose payload has not been fetched,
// ordered by timestamp.
func (s *Store) Shallow() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ds []Descriptor
	for _, r := range s.nodes {
		if r.IsShallow() {
			ds = append(ds, r.Descriptor())
		}
	}
	SortDescriptors(ds)

	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

// CurrentHead returns the id of the head revision, or "" when unset.
func (s *Store) CurrentHead() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// SetHead points the head at id.
func (s *Store) SetHead(id string) error {
	s.mu.Lock()
	if _, ok := s.nodes[id]; !ok {
		s.mu.Unlock()
		return errors.Wrapf(errors.ErrUnknownRevision, "set head to %s", id)
	}
	changed := s.head != id
	s.head = id
	observers := s.observersLocked()
	s.mu.Unlock()

	if changed {
		for _, o := range observers {
			o.OnHeadChanged(id)
		}
	}
	return nil
}

// InsertSubtree atomically attaches a forest of nodes under rootParentID, or
// as new roots when rootParentID is empty. Every node's parent must be either
// rootParentID or another node of the batch. Nothing is applied on failure.
func (s *Store) InsertSubtree(rootParentID string, nodes []Revision) error {
	s.mu.Lock()
	ordered, err := s.insertLocked(rootParentID, nodes)
	observers := s.observersLocked()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, o := range observers {
		o.OnRevisionsInserted(ordered)
	}
	return nil
}

// Load fills an empty store from previously persisted revisions without
// notifying observers. head may be empty.
func (s *Store) Load(revisions []Revision, head string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.nodes) > 0 {
		return errors.AssertionFailedf("load into non-empty store (%d revisions)", len(s.nodes))
	}
	if _, err := s.insertLocked("", revisions); err != nil {
		return errors.Wrap(err, "load revisions")
	}
	if head != "" {
		if _, ok := s.nodes[head]; !ok {
			return errors.Wrapf(errors.ErrUnknownRevision, "load head %s", head)
		}
		s.head = head
	}
	return nil
}

// insertLocked validates the batch and applies it parent-first.
// Returns the inserted revisions in application order.
// Caller must hold s.mu.
func (s *Store) insertLocked(rootParentID string, nodes []Revision) ([]Revision, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	if rootParentID != "" {
		if _, ok := s.nodes[rootParentID]; !ok {
			return nil, errors.Wrapf(errors.ErrDanglingParent, "attach under %s", rootParentID)
		}
	}

	batch := make(map[string]Revision, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, errors.NewInvalidRequestError("revision with empty id")
		}
		if _, exists := s.nodes[n.ID]; exists {
			return nil, errors.Wrapf(errors.ErrDuplicateRevision, "revision %s already in store", n.ID)
		}
		if _, dup := batch[n.ID]; dup {
			return nil, errors.Wrapf(errors.ErrDuplicateRevision, "revision %s repeated in batch", n.ID)
		}
		batch[n.ID] = n
	}

	children := make(map[string][]Descriptor, len(nodes))
	for _, n := range nodes {
		if n.ParentID != rootParentID {
			if _, ok := batch[n.ParentID]; !ok {
				return nil, errors.Wrapf(errors.ErrDanglingParent,
					"revision %s references parent %q outside the subtree", n.ID, n.ParentID)
			}
		}
		children[n.ParentID] = append(children[n.ParentID], n.Descriptor())
	}
	for _, ds := range children {
		SortDescriptors(ds)
	}

	// Breadth-first from rootParentID: every reachable node has its parent
	// applied before itself. Anything left unreached sits on a cycle.
	ordered := make([]Revision, 0, len(nodes))
	queue := []string{rootParentID}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, d := range children[parent] {
			ordered = append(ordered, batch[d.ID])
			queue = append(queue, d.ID)
		}
	}
	if len(ordered) != len(nodes) {
		return nil, errors.Wrapf(errors.ErrCyclicInput,
			"%d of %d revisions unreachable from %q", len(nodes)-len(ordered), len(nodes), rootParentID)
	}

	for i := range ordered {
		r := ordered[i]
		r.children = nil
		r.Payload = bytes.Clone(r.Payload)
		s.nodes[r.ID] = &r
		if r.ParentID == "" {
			s.roots = append(s.roots, r.ID)
		} else {
			parent := s.nodes[r.ParentID]
			parent.children = append(parent.children, r.ID)
		}
		ordered[i] = r.clone()
	}
	return ordered, nil
}

// CompletePayload fills in the payload of a shallow revision. Completing with
// an identical payload is a no-op; a different payload is a conflict.
func (s *Store) CompletePayload(id string, payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}

	s.mu.Lock()
	r, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return errors.NewNotFoundError("complete payload of revision %s", id)
	}
	if !r.IsShallow() {
		same := bytes.Equal(r.Payload, payload)
		s.mu.Unlock()
		if same {
			return nil
		}
		return errors.WithHint(
			errors.Wrapf(errors.ErrPayloadConflict, "revision %s already holds a different payload", id),
			"local and remote histories diverged; revisions are append-only and cannot be reconciled automatically")
	}
	r.Payload = bytes.Clone(payload)
	observers := s.observersLocked()
	s.mu.Unlock()

	for _, o := range observers {
		o.OnPayloadCompleted(id, payload)
	}
	return nil
}

// Commit creates a new complete revision under parentID (or a new root when
// parentID is empty) and moves the head to it. This is the entry point the
// editing engine uses to record local history.
func (s *Store) Commit(parentID, message string, payload []byte) (Revision, error) {
	if payload == nil {
		payload = []byte{}
	}
	r := Revision{
		ID:        NewID(),
		ParentID:  parentID,
		Message:   message,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Payload:   payload,
	}
	if err := s.InsertSubtree(parentID, []Revision{r}); err != nil {
		return Revision{}, errors.Wrap(err, "commit revision")
	}
	if err := s.SetHead(r.ID); err != nil {
		return Revision{}, err
	}
	return s.Get(r.ID)
}

// Ancestors returns id followed by each of its ancestors up to the root.
func (s *Store) Ancestors(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for cur := id; cur != ""; {
		r, ok := s.nodes[cur]
		if !ok {
			return nil, errors.NewNotFoundError("revision %s", cur)
		}
		out = append(out, cur)
		cur = r.ParentID
	}
	return out, nil
}

// IsAncestor reports whether ancestor is descendant itself or lies on its path
// to the root.
func (s *Store) IsAncestor(ancestor, descendant string) bool {
	chain, err := s.Ancestors(descendant)
	if err != nil {
		return false
	}
	for _, id := range chain {
		if id == ancestor {
			return true
		}
	}
	return false
}

// Walk visits every revision root-first, depth-first, with an explicit stack.
// Roots and siblings are visited by timestamp. fn receives a snapshot and may
// safely call back into the store.
func (s *Store) Walk(fn func(r Revision, depth int) error) error {
	type frame struct {
		id    string
		depth int
	}

	s.mu.RLock()
	snapshot := make(map[string]Revision, len(s.nodes))
	for id, r := range s.nodes {
		snapshot[id] = r.clone()
	}
	roots := make([]string, len(s.roots))
	copy(roots, s.roots)
	s.mu.RUnlock()

	byTime := func(ids []string) []string {
		ds := make([]Descriptor, len(ids))
		for i, id := range ids {
			ds[i] = snapshot[id].Descriptor()
		}
		SortDescriptors(ds)
		out := make([]string, len(ds))
		for i, d := range ds {
			out[i] = d.ID
		}
		return out
	}

	roots = byTime(roots)
	stack := make([]frame, 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, frame{id: roots[i]})
	}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		r := snapshot[f.id]
		if err := fn(r, f.depth); err != nil {
			return err
		}
		kids := byTime(r.children)
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, frame{id: kids[i], depth: f.depth + 1})
		}
	}
	return nil
}

// Revisions returns every revision in walk order.
func (s *Store) Revisions() []Revision {
	var out []Revision
	_ = s.Walk(func(r Revision, _ int) error {
		out = append(out, r)
		return nil
	})
	return out
}

func (s *Store) observersLocked() []Observer {
	out := make([]Observer, len(s.observers))
	copy(out, s.observers)
	return out
}
