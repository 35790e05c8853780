package server

import (
	"bytes"
	"context"
	"database/sql"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/teranos/revsync/errors"
	"github.com/teranos/revsync/logger"
	"github.com/teranos/revsync/storage"
	"github.com/teranos/revsync/sync"
	"github.com/teranos/revsync/sym"
	"github.com/teranos/revsync/vcs"
)

// Backend holds the remote copy of every project. Each project is a
// vcs.Store, so the remote enforces the same tree invariants as a client:
// parents exist before children, revisions never change once written, and
// the head always names a known revision.
type Backend struct {
	db     *sql.DB // nil keeps everything in memory
	logger *zap.SugaredLogger

	mu       gosync.RWMutex
	projects map[string]*project
}

type project struct {
	mu      gosync.Mutex
	title   string
	store   *vcs.Store
	persist *storage.SQLStore
}

// NewBackend creates an in-memory backend.
func NewBackend(log *zap.SugaredLogger) *Backend {
	return &Backend{
		logger:   logger.OrNop(log),
		projects: make(map[string]*project),
	}
}

// NewPersistentBackend creates a backend that writes through to db and
// restores every project already recorded there.
func NewPersistentBackend(ctx context.Context, db *sql.DB, log *zap.SugaredLogger) (*Backend, error) {
	b := NewBackend(log)
	b.db = db

	ids, err := storage.ProjectIDs(ctx, db)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		p, err := b.openProject(ctx, id, "")
		if err != nil {
			return nil, err
		}
		if err := p.persist.Load(ctx, p.store); err != nil {
			return nil, errors.Wrapf(err, "restore project %s", id)
		}
		if p.title, err = p.persist.Title(ctx); err != nil {
			return nil, err
		}
		b.projects[id] = p
	}
	b.logger.Infow(sym.DB+" Backend restored", logger.FieldCount, len(ids))
	return b, nil
}

func (b *Backend) openProject(ctx context.Context, id, title string) (*project, error) {
	p := &project{title: title, store: vcs.NewStore()}
	if b.db == nil {
		return p, nil
	}
	persist, err := storage.Open(ctx, b.db, id, title, b.logger)
	if err != nil {
		return nil, err
	}
	p.persist = persist
	p.store.AddObserver(persist)
	return p, nil
}

func (b *Backend) lookup(id string) (*project, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.projects[id]
	if !ok {
		return nil, errors.NewNotFoundError("project %s", id)
	}
	return p, nil
}

// Project returns the project listing: metadata plus one descriptor per
// revision, without payloads.
func (b *Backend) Project(id string) (sync.ProjectDto, error) {
	p, err := b.lookup(id)
	if err != nil {
		return sync.ProjectDto{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	index := p.store.Index()
	descs := make([]vcs.Descriptor, 0, len(index))
	for _, d := range index {
		descs = append(descs, d)
	}
	vcs.SortDescriptors(descs)

	dto := sync.ProjectDto{
		ID:         id,
		Title:      p.title,
		Head:       p.store.CurrentHead(),
		Revisions:  make([]sync.RevisionDto, 0, len(descs)),
		APIVersion: sync.APIVersion,
	}
	for _, d := range descs {
		dto.Revisions = append(dto.Revisions, sync.NewDescriptorDto(d))
	}
	return dto, nil
}

// PutProject creates the project or updates its title and head. An empty
// head leaves the current head unchanged. Reports whether it was created.
func (b *Backend) PutProject(ctx context.Context, in sync.ProjectDto) (bool, error) {
	b.mu.Lock()
	p, exists := b.projects[in.ID]
	if !exists {
		if in.Head != "" {
			b.mu.Unlock()
			return false, errors.Wrapf(errors.ErrUnknownRevision, "head %s of new project %s", in.Head, in.ID)
		}
		var err error
		if p, err = b.openProject(ctx, in.ID, in.Title); err != nil {
			b.mu.Unlock()
			return false, err
		}
		b.projects[in.ID] = p
		b.mu.Unlock()
		b.logger.Infow(sym.Remote+" Project created", logger.FieldProjectID, in.ID)
		return true, nil
	}
	b.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if in.Title != "" {
		p.title = in.Title
		if p.persist != nil {
			if err := p.persist.SetTitle(ctx, in.Title); err != nil {
				return false, err
			}
		}
	}
	if in.Head != "" && in.Head != p.store.CurrentHead() {
		if err := p.store.SetHead(in.Head); err != nil {
			return false, err
		}
		b.logger.Infow(sym.Head+" Head moved", logger.FieldProjectID, in.ID, logger.FieldHead, in.Head)
	}
	return false, p.persistErr()
}

// Revision returns one complete revision.
func (b *Backend) Revision(projectID, revisionID string) (sync.RevisionDto, error) {
	p, err := b.lookup(projectID)
	if err != nil {
		return sync.RevisionDto{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.store.Get(revisionID)
	if err != nil {
		return sync.RevisionDto{}, err
	}
	return sync.NewRevisionDto(r), nil
}

// PutRevision stores a pushed revision. Re-putting an identical revision is
// accepted; a different one under the same id is a conflict. Reports whether
// the revision was new.
func (b *Backend) PutRevision(projectID string, in sync.RevisionDto) (bool, error) {
	p, err := b.lookup(projectID)
	if err != nil {
		return false, err
	}
	payload := in.Data
	if payload == nil {
		payload = []byte{}
	}
	r := vcs.Revision{
		ID:        in.ID,
		ParentID:  in.ParentID,
		Message:   in.Message,
		Timestamp: sync.FromMillis(in.Timestamp),
		Payload:   payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, err := p.store.Get(r.ID); err == nil {
		if sameRevision(existing, r) {
			return false, nil
		}
		return false, errors.Wrapf(errors.ErrConflict, "revision %s already exists with different content", r.ID)
	}
	if err := p.store.InsertSubtree(r.ParentID, []vcs.Revision{r}); err != nil {
		return false, err
	}
	return true, p.persistErr()
}

func (p *project) persistErr() error {
	if p.persist == nil {
		return nil
	}
	return p.persist.Err()
}

func sameRevision(a, b vcs.Revision) bool {
	return a.ParentID == b.ParentID &&
		a.Message == b.Message &&
		sync.ToMillis(a.Timestamp) == sync.ToMillis(b.Timestamp) &&
		bytes.Equal(a.Payload, b.Payload)
}
