package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/revsync/errors"
	"github.com/teranos/revsync/logger"
	"github.com/teranos/revsync/sym"
	"github.com/teranos/revsync/vcs"
)

// State is a phase of the sync state machine.
type State int

const (
	Idle State = iota
	FetchingIndex
	Diffing
	ApplyingRemote
	FetchingPayloads
	PushingLocal
	UpdatingHead
	Done
	Failed
)

var stateNames = [...]string{
	Idle:             "idle",
	FetchingIndex:    "fetching_index",
	Diffing:          "diffing",
	ApplyingRemote:   "applying_remote",
	FetchingPayloads: "fetching_payloads",
	PushingLocal:     "pushing_local",
	UpdatingHead:     "updating_head",
	Done:             "done",
	Failed:           "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Request starts a sync session.
type Request struct {
	ProjectID string
	Title     string
	// Filter restricts payload transfer (fetch and push) to these revision
	// ids. Empty means everything. Topology is always synced in full.
	Filter []string
}

// Report summarizes a finished session.
type Report struct {
	NoOp           bool
	ProjectCreated bool
	Fetched        int // remote-only revisions inserted as shallow nodes
	Completed      int // shallow revisions whose payload was fetched
	Pushed         int // revisions sent to the remote
	HeadUpdated    bool
	LocalHead      string
	RemoteHead     string
}

// Orchestrator drives sync sessions for one project's revision store.
// At most one session runs at a time.
type Orchestrator struct {
	store     *vcs.Store
	transport Transport
	owner     Owner
	poster    Poster
	ownLoop   *EventLoop // default poster, stopped by Close
	cache     *Cache
	logger    *zap.SugaredLogger

	mu     gosync.Mutex
	state  State
	done   chan struct{} // closed when the running session reaches Idle
	closed bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithOwner sets the receiver of session events.
func WithOwner(owner Owner) Option {
	return func(o *Orchestrator) { o.owner = owner }
}

// WithPoster sets the context owner callbacks run on. Without one, the
// orchestrator starts its own EventLoop and stops it in Close.
func WithPoster(p Poster) Option {
	return func(o *Orchestrator) { o.poster = p }
}

// WithCache shares a sync cache between orchestrators or with a UI.
func WithCache(c *Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// NewOrchestrator creates an idle orchestrator over store.
func NewOrchestrator(store *vcs.Store, transport Transport, log *zap.SugaredLogger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		transport: transport,
		owner:     OwnerFuncs{},
		cache:     NewCache(),
		logger:    logger.OrNop(log),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.poster == nil {
		o.ownLoop = NewEventLoop()
		o.poster = o.ownLoop
	}
	return o
}

// State returns the current phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Cache returns the orchestrator's sync cache.
func (o *Orchestrator) Cache() *Cache {
	return o.cache
}

// StartSync begins a session on a dedicated goroutine. It fails with
// ErrAlreadyInProgress, without side effects, if a session is running.
// The outcome is reported to the owner.
func (o *Orchestrator) StartSync(req Request) error {
	done, err := o.begin(req)
	if err != nil {
		return err
	}
	go func() {
		_, _ = o.session(context.Background(), req, done)
	}()
	return nil
}

// Run performs a session synchronously. The owner is notified as with
// StartSync; the report and error are also returned to the caller.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Report, error) {
	done, err := o.begin(req)
	if err != nil {
		return Report{}, err
	}
	return o.session(ctx, req, done)
}

// Close waits up to timeout for a running session to finish and rejects
// later requests. A session is never interrupted mid-call. When the
// orchestrator owns its event loop, pending notifications are delivered
// before Close returns.
func (o *Orchestrator) Close(timeout time.Duration) error {
	o.mu.Lock()
	o.closed = true
	done := o.done
	o.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			return errors.Newf("sync session still in state %s after %s", o.State(), timeout)
		}
	}
	if o.ownLoop != nil {
		o.ownLoop.Close()
	}
	return nil
}

func (o *Orchestrator) begin(req Request) (chan struct{}, error) {
	if req.ProjectID == "" {
		return nil, errors.NewInvalidRequestError("sync request without project id")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errors.New("orchestrator closed")
	}
	if o.state != Idle {
		return nil, errors.Wrapf(errors.ErrAlreadyInProgress, "project %s in state %s", req.ProjectID, o.state)
	}
	o.state = FetchingIndex
	o.done = make(chan struct{})
	return o.done, nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	o.logger.Debugw("Sync state", logger.FieldState, s.String(), "from", prev.String())
}

// post hands fn to the owner's context.
func (o *Orchestrator) post(fn func(Owner)) {
	owner := o.owner
	o.poster.Post(func() { fn(owner) })
}

// release returns the orchestrator to Idle and wakes Close.
func (o *Orchestrator) release(done chan struct{}) {
	o.mu.Lock()
	prev := o.state
	o.state = Idle
	o.mu.Unlock()
	close(done)
	o.logger.Debugw("Sync state", logger.FieldState, Idle.String(), "from", prev.String())
}

// session runs one full pass and posts exactly one terminal notification.
// The orchestrator is Idle before that notification is posted, so the owner
// may start the next session from inside it.
func (o *Orchestrator) session(ctx context.Context, req Request, done chan struct{}) (Report, error) {
	start := time.Now()
	s := &session{
		o:      o,
		req:    req,
		filter: vcs.NewIDSet(req.Filter...),
		log:    logger.ChildLogger(o.logger, logger.FieldProjectID, req.ProjectID),
	}

	err := s.run(ctx)
	if err != nil {
		o.setState(Failed)
		msgs := errors.Messages(err)
		s.log.Errorw(sym.Sync+" Sync failed",
			logger.FieldError, err,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
		o.release(done)
		o.post(func(w Owner) { w.OnSyncFailed(msgs) })
	} else {
		o.setState(Done)
		noop := s.report.NoOp
		s.log.Infow(sym.Sync+" Sync done",
			"no_op", noop,
			"fetched", s.report.Fetched,
			"completed", s.report.Completed,
			"pushed", s.report.Pushed,
			"head_updated", s.report.HeadUpdated,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
		o.release(done)
		o.post(func(w Owner) { w.OnSyncDone(noop) })
	}
	return s.report, err
}

// session holds the transient structures of one pass. They are discarded
// when the pass ends, whatever its outcome.
type session struct {
	o      *Orchestrator
	req    Request
	filter vcs.IDSet
	log    *zap.SugaredLogger
	report Report

	remote     vcs.Index
	remoteHead string
	remoteOnly vcs.IDSet
	localOnly  vcs.IDSet
}

func (s *session) allowed(id string) bool {
	return s.filter.Len() == 0 || s.filter.Has(id)
}

func (s *session) run(ctx context.Context) error {
	o := s.o

	o.setState(FetchingIndex)
	if err := s.fetchIndex(ctx); err != nil {
		return err
	}

	o.setState(Diffing)
	if s.diff() && !s.report.ProjectCreated {
		s.report.NoOp = true
		return nil
	}

	o.setState(ApplyingRemote)
	if err := s.applyRemote(); err != nil {
		return err
	}
	o.post(func(w Owner) { w.OnFetchPhaseComplete() })

	o.setState(FetchingPayloads)
	if err := s.fetchPayloads(ctx); err != nil {
		return err
	}

	o.setState(PushingLocal)
	if err := s.pushLocal(ctx); err != nil {
		return err
	}

	o.setState(UpdatingHead)
	return s.updateHead(ctx)
}

// fetchIndex loads the remote listing, creating the project when missing.
func (s *session) fetchIndex(ctx context.Context) error {
	route := ProjectRoute(s.req.ProjectID)
	resp, err := s.o.transport.Get(ctx, route)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "fetch project %s", s.req.ProjectID), errors.ErrTransport)
	}

	var project ProjectDto
	outcome := Classify(resp)
	switch outcome.Kind {
	case OutcomeSuccess, OutcomeCreated:
		if err := resp.Decode(&project); err != nil {
			return errors.Mark(errors.Wrap(err, "fetch project"), errors.ErrTransport)
		}
	case OutcomeError:
		if outcome.Error != ErrorNotFound {
			return outcome.Err("fetch project " + s.req.ProjectID)
		}
		if err := s.createProject(ctx); err != nil {
			return err
		}
		project = ProjectDto{ID: s.req.ProjectID, Title: s.req.Title}
	}

	s.remote = project.Index()
	s.remoteHead = project.Head
	s.report.RemoteHead = project.Head

	ids := s.remote.IDs()
	s.o.cache.RetainRemote(ids)
	for id := range ids {
		s.o.cache.MarkRemoteConfirmed(id)
	}

	s.log.Debugw(sym.Remote+" Fetched remote index",
		logger.FieldCount, len(s.remote),
		logger.FieldHead, s.remoteHead,
	)
	return nil
}

func (s *session) createProject(ctx context.Context) error {
	route := ProjectRoute(s.req.ProjectID)
	body := ProjectDto{ID: s.req.ProjectID, Title: s.req.Title, APIVersion: APIVersion}
	resp, err := s.o.transport.Put(ctx, route, body)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "create project %s", s.req.ProjectID), errors.ErrTransport)
	}
	if err := Classify(resp).Err("create project " + s.req.ProjectID); err != nil {
		return err
	}
	s.report.ProjectCreated = true
	s.log.Infow(sym.Remote+" Created remote project", "title", s.req.Title)
	return nil
}

// diff computes the transfer sets and reports whether the session is a no-op.
func (s *session) diff() bool {
	store := s.o.store
	s.remoteOnly, s.localOnly = Diff(store.AllIdentifiers(), s.remote.IDs())

	pending := 0
	for _, id := range store.Shallow() {
		if s.allowed(id) {
			pending++
		}
	}

	s.log.Debugw("Diffed revision sets",
		logger.FieldRemoteOnly, s.remoteOnly.Len(),
		logger.FieldLocalOnly, s.localOnly.Len(),
		"pending_payloads", pending,
	)
	return s.remoteOnly.Len() == 0 && s.localOnly.Len() == 0 &&
		pending == 0 && store.CurrentHead() == s.remoteHead
}

// applyRemote inserts remote-only topology as shallow revisions and fast
// forwards the local head when it is behind the remote one.
func (s *session) applyRemote() error {
	store := s.o.store

	subtrees, err := BuildSubtrees(s.remote.Select(s.remoteOnly))
	if err != nil {
		return errors.Wrap(err, "build remote subtrees")
	}
	for _, st := range subtrees {
		if err := store.InsertSubtree(st.ParentID(), st.ShallowRevisions()); err != nil {
			return errors.Wrapf(err, "insert remote subtree at %s", st.Root().ID)
		}
		s.report.Fetched += st.Len()
	}
	if len(subtrees) > 0 {
		s.log.Infow(sym.Fetch+" Applied remote topology",
			logger.FieldSubtrees, len(subtrees),
			logger.FieldCount, s.report.Fetched,
		)
	}

	local := store.CurrentHead()
	if s.remoteHead != "" && s.remoteHead != local && store.Has(s.remoteHead) {
		if local == "" || store.IsAncestor(local, s.remoteHead) {
			if err := store.SetHead(s.remoteHead); err != nil {
				return errors.Wrap(err, "fast-forward head")
			}
			s.log.Infow(sym.Head+" Fast-forwarded local head", logger.FieldHead, s.remoteHead, "from", local)
		}
	}
	return nil
}

// fetchPayloads completes every shallow revision that passes the filter,
// including ones left behind by earlier failed sessions.
func (s *session) fetchPayloads(ctx context.Context) error {
	store := s.o.store
	for _, id := range store.Shallow() {
		if !s.allowed(id) {
			continue
		}
		route := RevisionRoute(s.req.ProjectID, id)
		resp, err := s.o.transport.Get(ctx, route)
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "fetch revision %s", id), errors.ErrTransport)
		}
		if err := Classify(resp).Err("fetch revision " + id); err != nil {
			return err
		}

		var dto RevisionDto
		if err := resp.Decode(&dto); err != nil {
			return errors.Mark(errors.Wrapf(err, "fetch revision %s", id), errors.ErrTransport)
		}
		if dto.ID != "" && dto.ID != id {
			return errors.NewInvalidRequestError("fetched revision %s but remote returned %s", id, dto.ID)
		}
		if err := store.CompletePayload(id, dto.Data); err != nil {
			return err
		}
		s.o.cache.MarkLocalConfirmed(id)
		s.report.Completed++
		s.log.Debugw(sym.Fetch+" Completed payload", logger.FieldRevisionID, id, logger.FieldSize, len(dto.Data))
	}
	return nil
}

// pushLocal sends local-only revisions, each subtree root-first so a
// revision's parent is always present remotely before the revision itself.
func (s *session) pushLocal(ctx context.Context) error {
	store := s.o.store
	cache := s.o.cache

	subtrees, err := BuildSubtrees(store.Index().Select(s.localOnly))
	if err != nil {
		return errors.Wrap(err, "build local subtrees")
	}

	for _, st := range subtrees {
		err := st.Walk(func(d vcs.Descriptor, _ int) error {
			if cache.IsRemoteConfirmed(d.ID) {
				return nil
			}
			if !s.allowed(d.ID) {
				s.log.Debugw("Filtered out of push", logger.FieldRevisionID, d.ID)
				return SkipChildren
			}
			r, err := store.Get(d.ID)
			if err != nil {
				return err
			}
			if r.IsShallow() {
				s.log.Warnw("Shallow revision missing on remote, not pushed", logger.FieldRevisionID, d.ID)
				return SkipChildren
			}

			resp, err := s.o.transport.Put(ctx, RevisionRoute(s.req.ProjectID, d.ID), NewRevisionDto(r))
			if err != nil {
				return errors.Mark(errors.Wrapf(err, "push revision %s", d.ID), errors.ErrTransport)
			}
			if err := Classify(resp).Err("push revision " + d.ID); err != nil {
				return err
			}
			cache.MarkLocalConfirmed(d.ID)
			cache.MarkRemoteConfirmed(d.ID)
			s.report.Pushed++
			s.log.Debugw(sym.Push+" Pushed revision", logger.FieldRevisionID, d.ID, logger.FieldParentID, d.ParentID)
			return nil
		})
		if err != nil {
			return err
		}
	}
	if s.report.Pushed > 0 {
		s.log.Infow(sym.Push+" Pushed local revisions", logger.FieldCount, s.report.Pushed)
	}
	return nil
}

// updateHead mirrors the local head once it and all its ancestors are
// confirmed on the remote.
func (s *session) updateHead(ctx context.Context) error {
	head := s.o.store.CurrentHead()
	s.report.LocalHead = head
	if head == "" || head == s.remoteHead {
		return nil
	}

	chain, err := s.o.store.Ancestors(head)
	if err != nil {
		return errors.Wrap(err, "resolve head ancestry")
	}
	for _, id := range chain {
		if !s.o.cache.IsRemoteConfirmed(id) {
			s.log.Warnw(sym.Head+" Head not fully present on remote, head update skipped",
				logger.FieldHead, head,
				logger.FieldRevisionID, id,
			)
			return nil
		}
	}

	body := ProjectDto{ID: s.req.ProjectID, Title: s.req.Title, Head: head, APIVersion: APIVersion}
	resp, err := s.o.transport.Put(ctx, ProjectRoute(s.req.ProjectID), body)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "update remote head"), errors.ErrTransport)
	}
	if err := Classify(resp).Err("update remote head"); err != nil {
		return errors.WithHint(err, "revision data already transferred is kept; re-run sync to retry the head update")
	}
	s.report.HeadUpdated = true
	s.report.RemoteHead = head
	s.log.Infow(sym.Head+" Updated remote head", logger.FieldHead, head)
	return nil
}
