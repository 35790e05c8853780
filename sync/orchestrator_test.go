package sync

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/revsync/errors"
	"github.com/teranos/revsync/logger"
	"github.com/teranos/revsync/sym"
	"github.com/teranos/revsync/vcs"
)

const project = "p1"

func revision(id, parent string, minute int) vcs.Revision {
	return vcs.Revision{
		ID:        id,
		ParentID:  parent,
		Message:   "rev " + id,
		Timestamp: t0.Add(time.Duration(minute) * time.Minute),
		Payload:   []byte("payload-" + id),
	}
}

func localStore(t *testing.T, head string, revs ...vcs.Revision) *vcs.Store {
	t.Helper()
	s := vcs.NewStore()
	if len(revs) > 0 {
		require.NoError(t, s.InsertSubtree("", revs))
	}
	if head != "" {
		require.NoError(t, s.SetHead(head))
	}
	return s
}

// recordingOwner collects notifications as short strings.
type recordingOwner struct {
	mu     gosync.Mutex
	events []string
	errs   []string
	onSeen func(event string)
}

func (r *recordingOwner) record(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	hook := r.onSeen
	r.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (r *recordingOwner) OnFetchPhaseComplete() { r.record("fetch_complete") }
func (r *recordingOwner) OnSyncDone(noop bool)  { r.record(fmt.Sprintf("done noop=%v", noop)) }
func (r *recordingOwner) OnSyncFailed(errs []string) {
	r.mu.Lock()
	r.errs = errs
	r.mu.Unlock()
	r.record("failed")
}

func (r *recordingOwner) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// inline runs owner callbacks on the session goroutine so assertions can
// follow Run directly.
var inline = PosterFunc(func(fn func()) { fn() })

func newTestOrchestrator(t *testing.T, store *vcs.Store, tr Transport, owner Owner) *Orchestrator {
	return NewOrchestrator(store, tr, zaptest.NewLogger(t).Sugar(), WithOwner(owner), WithPoster(inline))
}

func run(t *testing.T, o *Orchestrator) Report {
	t.Helper()
	report, err := o.Run(context.Background(), Request{ProjectID: project, Title: "Demo"})
	require.NoError(t, err)
	return report
}

// Local has root A, remote is empty: the project is created, A pushed, head
// set to A.
func TestSync_PushIntoNewProject(t *testing.T) {
	remote := newFakeRemote()
	owner := &recordingOwner{}
	o := newTestOrchestrator(t, localStore(t, "A", revision("A", "", 0)), remote, owner)

	report := run(t, o)

	assert.True(t, report.ProjectCreated)
	assert.Equal(t, 1, report.Pushed)
	assert.True(t, report.HeadUpdated)
	assert.False(t, report.NoOp)
	assert.Equal(t, []string{"fetch_complete", "done noop=false"}, owner.snapshot())

	assert.Equal(t, []string{
		"PUT " + ProjectRoute(project),
		"PUT " + RevisionRoute(project, "A"),
		"PUT " + ProjectRoute(project),
	}, remote.writes())

	p := remote.project(project)
	require.NotNil(t, p)
	assert.Equal(t, "A", p.head)
	assert.Equal(t, "Demo", p.title)
	assert.Equal(t, []byte("payload-A"), p.revs["A"].Data)
	assert.Equal(t, Idle, o.State())
}

// Identical single revision and head on both sides: no-op, zero writes.
func TestSync_UpToDateIsNoOp(t *testing.T) {
	a := revision("A", "", 0)
	remote := newFakeRemote()
	remote.seed(project, "A", a)
	owner := &recordingOwner{}
	o := newTestOrchestrator(t, localStore(t, "A", a), remote, owner)

	report := run(t, o)

	assert.True(t, report.NoOp)
	assert.Empty(t, remote.writes())
	assert.Equal(t, []string{"done noop=true"}, owner.snapshot())
}

// Remote A→B, local A only: B arrives shallow, the fetch phase is reported
// before its payload is fetched, then B is completed and becomes head.
func TestSync_FetchRemoteChild(t *testing.T) {
	a, b := revision("A", "", 0), revision("B", "A", 1)
	remote := newFakeRemote()
	remote.seed(project, "B", a, b)
	store := localStore(t, "A", a)

	owner := &recordingOwner{}
	var shallowAtFetchComplete, headAtFetchComplete string
	owner.onSeen = func(e string) {
		if e != "fetch_complete" {
			return
		}
		got, err := store.Get("B")
		if err == nil && got.IsShallow() {
			shallowAtFetchComplete = "B"
		}
		headAtFetchComplete = store.CurrentHead()
	}
	o := newTestOrchestrator(t, store, remote, owner)

	report := run(t, o)

	assert.Equal(t, "B", shallowAtFetchComplete)
	assert.Equal(t, "B", headAtFetchComplete)
	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 0, report.Pushed)
	assert.False(t, report.HeadUpdated)

	got, err := store.Get("B")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-B"), got.Payload)
	assert.Equal(t, "B", store.CurrentHead())
	assert.Empty(t, remote.writes())
	assert.Equal(t, []string{"fetch_complete", "done noop=false"}, owner.snapshot())
	assert.True(t, o.Cache().IsLocalConfirmed("B"))
}

// Local A→B→C with A and B already remote: only C is pushed, in one step.
func TestSync_PushOnlyMissingLeaf(t *testing.T) {
	a, b, c := revision("A", "", 0), revision("B", "A", 1), revision("C", "B", 2)
	remote := newFakeRemote()
	remote.seed(project, "B", a, b)
	o := newTestOrchestrator(t, localStore(t, "C", a, b, c), remote, &recordingOwner{})

	report := run(t, o)

	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, []string{"C"}, remote.pushOrder())
	assert.Equal(t, []string{
		"PUT " + RevisionRoute(project, "C"),
		"PUT " + ProjectRoute(project),
	}, remote.writes())
	assert.Equal(t, "C", remote.project(project).head)
}

func TestSync_SecondRunIsNoOp(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(project, "B", revision("A", "", 0), revision("B", "A", 1))
	store := localStore(t, "A", revision("A", "", 0))
	_, err := store.Commit("A", "local edit", []byte("mine"))
	require.NoError(t, err)

	owner := &recordingOwner{}
	o := newTestOrchestrator(t, store, remote, owner)

	first := run(t, o)
	assert.Equal(t, 1, first.Completed)
	assert.Equal(t, 1, first.Pushed)
	assert.True(t, first.HeadUpdated, "diverged local head wins")

	remote.resetCalls()
	second := run(t, o)
	assert.True(t, second.NoOp)
	assert.Empty(t, remote.writes())
	assert.Equal(t, []string{"GET " + ProjectRoute(project)}, remote.callLog())
	assert.Equal(t, "done noop=true", owner.snapshot()[len(owner.snapshot())-1])
}

// A payload fetch failing after N of M completions leaves the N in place; the
// next session fetches only the remaining M-N.
func TestSync_PartialPayloadFailureResumes(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(project, "D",
		revision("A", "", 0),
		revision("B", "A", 1),
		revision("C", "A", 2),
		revision("D", "A", 3),
	)
	failKey := "GET " + RevisionRoute(project, "C")
	remote.fail[failKey] = errorResponse(http.StatusInternalServerError, "disk full")

	store := vcs.NewStore()
	owner := &recordingOwner{}
	o := newTestOrchestrator(t, store, remote, owner)

	report, err := o.Run(context.Background(), Request{ProjectID: project, Title: "Demo"})
	require.Error(t, err)
	assert.True(t, errors.IsTransportError(err))
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, []string{"fetch_complete", "failed"}, owner.snapshot())
	assert.Contains(t, owner.errs, "disk full")
	assert.Equal(t, []string{"C", "D"}, store.Shallow())
	assert.Equal(t, Idle, o.State())

	delete(remote.fail, failKey)
	remote.resetCalls()

	report = run(t, o)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 0, report.Fetched)
	assert.Empty(t, store.Shallow())

	var revisionGets []string
	for _, c := range remote.callLog() {
		if c != "GET "+ProjectRoute(project) {
			revisionGets = append(revisionGets, c)
		}
	}
	assert.Equal(t, []string{
		"GET " + RevisionRoute(project, "C"),
		"GET " + RevisionRoute(project, "D"),
	}, revisionGets)

	assert.True(t, run(t, o).NoOp)
}

// Every pushed revision's parent is pushed or already remote before it.
func TestSync_PushOrderingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(99))

	for round := 0; round < 10; round++ {
		var revs []vcs.Revision
		for i := 0; i < 300; i++ {
			parent := ""
			if i > 0 && rng.Intn(12) != 0 {
				parent = revs[rng.Intn(i)].ID
			}
			revs = append(revs, revision(fmt.Sprintf("r%03d", i), parent, rng.Intn(500)))
		}

		// part of the forest is already on the remote
		remote := newFakeRemote()
		var already []vcs.Revision
		onRemote := vcs.NewIDSet()
		for _, r := range revs {
			if (r.ParentID == "" || onRemote.Has(r.ParentID)) && rng.Intn(3) == 0 {
				already = append(already, r)
				onRemote.Add(r.ID)
			}
		}
		remote.seed(project, "", already...)

		store := localStore(t, revs[len(revs)-1].ID, revs...)
		o := newTestOrchestrator(t, store, remote, &recordingOwner{})
		report := run(t, o)

		order := remote.pushOrder()
		assert.Equal(t, len(revs)-len(already), report.Pushed)
		assert.Len(t, order, report.Pushed)

		seen := vcs.NewIDSet(onRemote.Sorted()...)
		for _, id := range order {
			r, err := store.Get(id)
			require.NoError(t, err)
			require.False(t, seen.Has(id), "%s pushed twice or already remote", id)
			if r.ParentID != "" {
				require.True(t, seen.Has(r.ParentID), "%s pushed before parent %s", id, r.ParentID)
			}
			seen.Add(id)
		}
		assert.True(t, report.HeadUpdated)
	}
}

// Topology is always synced in full; the filter only gates payload transfer.
func TestSync_FilterLimitsPayloadFetch(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(project, "B", revision("A", "", 0), revision("B", "A", 1), revision("C", "A", 2))
	store := vcs.NewStore()
	o := newTestOrchestrator(t, store, remote, &recordingOwner{})

	report, err := o.Run(context.Background(), Request{ProjectID: project, Filter: []string{"A", "B"}})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, []string{"C"}, store.Shallow())

	// a pending shallow outside the filter does not make the session dirty
	report, err = o.Run(context.Background(), Request{ProjectID: project, Filter: []string{"A", "B"}})
	require.NoError(t, err)
	assert.True(t, report.NoOp)
}

// A revision excluded by the filter is not pushed and neither are its
// descendants; the head update is skipped because the head is not remote.
func TestSync_FilterPrunesPush(t *testing.T) {
	remote := newFakeRemote()
	store := localStore(t, "C", revision("A", "", 0), revision("B", "A", 1), revision("C", "B", 2))

	core, logs := observer.New(zap.WarnLevel)
	o := NewOrchestrator(store, remote, zap.New(core).Sugar())

	report, err := o.Run(context.Background(), Request{ProjectID: project, Filter: []string{"A", "C"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, remote.pushOrder())
	assert.False(t, report.HeadUpdated)
	assert.Equal(t, "", remote.project(project).head)
	assert.Equal(t, 1, logs.FilterMessage(sym.Head+" Head not fully present on remote, head update skipped").Len())
}

func TestSync_IndexFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.fail["GET "+ProjectRoute(project)] = errorResponse(http.StatusServiceUnavailable, "maintenance")
	store := localStore(t, "A", revision("A", "", 0))
	owner := &recordingOwner{}
	o := newTestOrchestrator(t, store, remote, owner)

	_, err := o.Run(context.Background(), Request{ProjectID: project})
	require.Error(t, err)
	assert.True(t, errors.IsTransportError(err))
	assert.Equal(t, []string{"failed"}, owner.snapshot())
	assert.Contains(t, owner.errs, "maintenance")
	assert.Empty(t, remote.writes())
}

// The project exists but refuses the head update: revisions stay pushed,
// the failure carries a retry hint and the next run only re-sends the head.
func TestSync_HeadUpdateFailureKeepsData(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(project, "")
	remote.fail["PUT "+ProjectRoute(project)] = errorResponse(http.StatusInternalServerError, "head locked")
	store := localStore(t, "B", revision("A", "", 0), revision("B", "A", 1))
	owner := &recordingOwner{}
	o := newTestOrchestrator(t, store, remote, owner)

	report, err := o.Run(context.Background(), Request{ProjectID: project, Title: "Demo"})
	require.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))
	assert.Equal(t, 2, report.Pushed)
	assert.False(t, report.HeadUpdated)
	assert.Equal(t, []string{"fetch_complete", "failed"}, owner.snapshot())
	assert.Contains(t, owner.errs, "head locked")
	assert.Equal(t, []string{"A", "B"}, remote.pushOrder())
	assert.Equal(t, Idle, o.State())

	delete(remote.fail, "PUT "+ProjectRoute(project))
	remote.resetCalls()
	report = run(t, o)
	assert.True(t, report.HeadUpdated)
	assert.Zero(t, report.Pushed)
	assert.Equal(t, []string{"PUT " + ProjectRoute(project)}, remote.writes())
	assert.Equal(t, "B", remote.project(project).head)
}

// A remote revision whose parent exists nowhere cannot be attached; nothing
// is inserted locally and the owner is told why.
func TestSync_DanglingRemoteParent(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(project, "X", revision("X", "ghost", 0))
	store := vcs.NewStore()
	owner := &recordingOwner{}
	o := newTestOrchestrator(t, store, remote, owner)

	_, err := o.Run(context.Background(), Request{ProjectID: project})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDanglingParent))
	assert.Equal(t, []string{"failed"}, owner.snapshot())
	assert.NotEmpty(t, owner.errs)
	assert.Zero(t, store.Len())
	assert.Empty(t, remote.writes())
}

// Creating a missing project fails: nothing else is attempted.
func TestSync_ProjectCreationFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.fail["PUT "+ProjectRoute(project)] = errorResponse(http.StatusInternalServerError, "quota exceeded")
	store := localStore(t, "A", revision("A", "", 0))
	owner := &recordingOwner{}
	o := newTestOrchestrator(t, store, remote, owner)

	report, err := o.Run(context.Background(), Request{ProjectID: project, Title: "Demo"})
	require.Error(t, err)
	assert.False(t, report.ProjectCreated)
	assert.Equal(t, []string{"failed"}, owner.snapshot())
	assert.Contains(t, owner.errs, "quota exceeded")
	assert.Equal(t, []string{"GET " + ProjectRoute(project), "PUT " + ProjectRoute(project)}, remote.callLog())
	assert.Nil(t, remote.project(project))
	assert.Equal(t, Idle, o.State())
}

func TestSync_TransportErrorDuringPush(t *testing.T) {
	remote := newFakeRemote()
	remote.broken["PUT "+RevisionRoute(project, "B")] = errors.New("connection reset")
	store := localStore(t, "C", revision("A", "", 0), revision("B", "A", 1), revision("C", "B", 2))
	o := newTestOrchestrator(t, store, remote, &recordingOwner{})

	report, err := o.Run(context.Background(), Request{ProjectID: project})
	require.Error(t, err)
	assert.True(t, errors.IsTransportError(err))
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, []string{"A"}, remote.pushOrder())

	delete(remote.broken, "PUT "+RevisionRoute(project, "B"))
	remote.resetCalls()
	report = run(t, o)
	assert.Equal(t, []string{"B", "C"}, remote.pushOrder(), "already pushed ancestors are skipped")
	assert.True(t, report.HeadUpdated)
}

func TestStartSync_AlreadyInProgress(t *testing.T) {
	remote := newFakeRemote()
	gate := newGatedTransport(remote)
	done := make(chan bool, 1)
	owner := OwnerFuncs{
		SyncDone:   func(noop bool) { done <- noop },
		SyncFailed: func(errs []string) { t.Errorf("unexpected failure: %v", errs) },
	}
	o := newTestOrchestrator(t, localStore(t, "A", revision("A", "", 0)), gate, owner)

	require.NoError(t, o.StartSync(Request{ProjectID: project, Title: "Demo"}))
	<-gate.entered

	err := o.StartSync(Request{ProjectID: project})
	assert.True(t, errors.Is(err, errors.ErrAlreadyInProgress))
	_, err = o.Run(context.Background(), Request{ProjectID: project})
	assert.True(t, errors.Is(err, errors.ErrAlreadyInProgress))
	assert.NotEqual(t, Idle, o.State())

	close(gate.release)
	select {
	case noop := <-done:
		assert.False(t, noop)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	require.NoError(t, o.Close(5*time.Second))
	assert.Equal(t, Idle, o.State())
	assert.Equal(t, []string{"A"}, remote.pushOrder())
}

func TestClose_BoundedWait(t *testing.T) {
	gate := newGatedTransport(newFakeRemote())
	done := make(chan struct{})
	owner := OwnerFuncs{
		SyncDone:   func(bool) { close(done) },
		SyncFailed: func([]string) { close(done) },
	}
	o := newTestOrchestrator(t, vcs.NewStore(), gate, owner)

	require.NoError(t, o.StartSync(Request{ProjectID: project}))
	<-gate.entered

	err := o.Close(20 * time.Millisecond)
	assert.Error(t, err)

	close(gate.release)
	<-done
	require.NoError(t, o.Close(5*time.Second))

	err = o.StartSync(Request{ProjectID: project})
	assert.Error(t, err, "closed orchestrator rejects new sessions")
}

func TestStartSync_RequiresProjectID(t *testing.T) {
	o := newTestOrchestrator(t, vcs.NewStore(), newFakeRemote(), &recordingOwner{})
	err := o.StartSync(Request{})
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Equal(t, Idle, o.State())
}

func TestSync_NotificationsThroughEventLoop(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	remote := newFakeRemote()
	remote.seed(project, "B", revision("A", "", 0), revision("B", "A", 1))
	owner := &recordingOwner{}
	o := NewOrchestrator(vcs.NewStore(), remote, zaptest.NewLogger(t).Sugar(),
		WithOwner(owner), WithPoster(loop))

	require.NoError(t, o.StartSync(Request{ProjectID: project}))
	require.NoError(t, o.Close(5*time.Second))
	loop.Flush()

	assert.Equal(t, []string{"fetch_complete", "done noop=false"}, owner.snapshot())
}

func TestSync_OwnerRetriesFromFailureCallback(t *testing.T) {
	remote := newFakeRemote()
	remote.fail["GET "+ProjectRoute(project)] = errorResponse(http.StatusServiceUnavailable, "maintenance")

	var o *Orchestrator
	retried := make(chan error, 1)
	done := make(chan bool, 1)
	owner := OwnerFuncs{
		SyncFailed: func([]string) {
			delete(remote.fail, "GET "+ProjectRoute(project))
			retried <- o.StartSync(Request{ProjectID: project})
		},
		SyncDone: func(noop bool) { done <- noop },
	}
	o = newTestOrchestrator(t, localStore(t, "A", revision("A", "", 0)), remote, owner)

	_, err := o.Run(context.Background(), Request{ProjectID: project})
	require.Error(t, err)
	require.NoError(t, <-retried, "the failed session is idle before it reports")

	select {
	case noop := <-done:
		assert.False(t, noop)
	case <-time.After(5 * time.Second):
		t.Fatal("retried session did not finish")
	}
	require.NoError(t, o.Close(5*time.Second))
	assert.Equal(t, []string{"A"}, remote.pushOrder())
}

func TestSync_DefaultPosterDeliversOnClose(t *testing.T) {
	remote := newFakeRemote()
	owner := &recordingOwner{}
	var o *Orchestrator
	var state State
	owner.onSeen = func(e string) {
		if e != "fetch_complete" {
			state = o.State()
		}
	}
	o = NewOrchestrator(localStore(t, "A", revision("A", "", 0)), remote,
		zaptest.NewLogger(t).Sugar(), WithOwner(owner))

	_, err := o.Run(context.Background(), Request{ProjectID: project})
	require.NoError(t, err)
	require.NoError(t, o.Close(5*time.Second))

	assert.Equal(t, []string{"fetch_complete", "done noop=false"}, owner.snapshot())
	assert.Equal(t, Idle, state, "terminal notification observes an idle orchestrator")
}

func TestSync_LogsOutcome(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	remote := newFakeRemote()
	o := NewOrchestrator(localStore(t, "A", revision("A", "", 0)), remote, zap.New(core).Sugar())

	run(t, o)

	done := logs.FilterMessage(sym.Sync + " Sync done")
	require.Equal(t, 1, done.Len())
	fields := done.All()[0].ContextMap()
	assert.Equal(t, project, fields[logger.FieldProjectID])
	assert.Equal(t, int64(1), fields["pushed"])
	assert.Equal(t, 1, logs.FilterMessage(sym.Remote+" Created remote project").Len())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "pushing_local", PushingLocal.String())
	assert.Equal(t, "State(42)", State(42).String())
}
