package commands

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/revsync/am"
	"github.com/teranos/revsync/db"
	"github.com/teranos/revsync/errors"
	"github.com/teranos/revsync/storage"
	"github.com/teranos/revsync/vcs"
)

var projectFlag string

// localProject is the on-disk revision store of one project.
type localProject struct {
	db      *sql.DB
	persist *storage.SQLStore
	store   *vcs.Store
}

// projectID resolves --project, falling back to sync.project_id.
func projectID(cfg *am.Config) (string, error) {
	id := projectFlag
	if id == "" {
		id = cfg.Sync.ProjectID
	}
	if id == "" {
		return "", errors.WithHint(errors.NewInvalidRequestError("no project selected"),
			"pass --project or set sync.project_id in am.toml")
	}
	return id, nil
}

// openLocal opens the configured database and loads the project's revisions.
// Every later store mutation is written through to the database.
func openLocal(ctx context.Context, cfg *am.Config, id string, log *zap.SugaredLogger) (*localProject, error) {
	conn, err := db.OpenWithMigrations(cfg.GetDatabasePath(), log)
	if err != nil {
		return nil, err
	}
	persist, err := storage.Open(ctx, conn, id, cfg.Sync.Title, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	store := vcs.NewStore()
	if err := persist.Load(ctx, store); err != nil {
		conn.Close()
		return nil, err
	}
	store.AddObserver(persist)
	return &localProject{db: conn, persist: persist, store: store}, nil
}

// Close reports any deferred write failure and closes the database.
func (p *localProject) Close() error {
	werr := p.persist.Err()
	cerr := p.db.Close()
	if werr != nil {
		return errors.Wrap(werr, "persist revisions")
	}
	return errors.Wrap(cerr, "close database")
}
