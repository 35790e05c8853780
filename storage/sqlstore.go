// Package storage persists a project's revision tree in SQLite.
//
// SQLStore is attached to a vcs.Store as an Observer: every insert, payload
// completion and head move is written through as it happens, and Load replays
// the persisted tree into a fresh store on startup. Payloads are zstd
// compressed at rest and carry a SHA-256 of the uncompressed bytes, checked on
// every load.
package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	gosync "sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/teranos/revsync/errors"
	"github.com/teranos/revsync/logger"
	"github.com/teranos/revsync/sym"
	"github.com/teranos/revsync/sync"
	"github.com/teranos/revsync/vcs"
)

// ErrCorruptPayload is returned by Load when a stored payload does not match
// its content hash.
var ErrCorruptPayload = errors.New("corrupt payload")

// SQLStore is the durable copy of one project's revisions.
type SQLStore struct {
	db        *sql.DB
	projectID string
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	logger    *zap.SugaredLogger

	mu      gosync.Mutex
	lastErr error
}

var _ vcs.Observer = (*SQLStore)(nil)

// Open registers projectID in db (keeping an existing title when title is
// empty) and returns a store bound to it. db must already be migrated.
func Open(ctx context.Context, db *sql.DB, projectID, title string, log *zap.SugaredLogger) (*SQLStore, error) {
	if projectID == "" {
		return nil, errors.NewInvalidRequestError("storage requires a project id")
	}
	// zero frames keep an empty payload distinct from a shallow one
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create zstd decoder")
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projects (id, title) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, updated_at = CURRENT_TIMESTAMP
		WHERE excluded.title != ''`, projectID, title)
	if err != nil {
		return nil, errors.Wrapf(err, "register project %s", projectID)
	}

	return &SQLStore{
		db:        db,
		projectID: projectID,
		enc:       enc,
		dec:       dec,
		logger:    logger.ChildLogger(logger.OrNop(log), logger.FieldProjectID, projectID),
	}, nil
}

// ProjectID returns the project this store persists.
func (s *SQLStore) ProjectID() string {
	return s.projectID
}

// Title returns the stored project title.
func (s *SQLStore) Title(ctx context.Context) (string, error) {
	var title string
	err := s.db.QueryRowContext(ctx, "SELECT title FROM projects WHERE id = ?", s.projectID).Scan(&title)
	if err != nil {
		return "", errors.Wrapf(err, "read title of %s", s.projectID)
	}
	return title, nil
}

// SetTitle updates the stored project title.
func (s *SQLStore) SetTitle(ctx context.Context, title string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE projects SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", title, s.projectID)
	return errors.Wrapf(err, "store title of %s", s.projectID)
}

// Load replays the persisted tree and head into store, which must be empty.
func (s *SQLStore) Load(ctx context.Context, store *vcs.Store) error {
	var head string
	err := s.db.QueryRowContext(ctx, "SELECT head FROM projects WHERE id = ?", s.projectID).Scan(&head)
	if err != nil {
		return errors.Wrapf(err, "read head of %s", s.projectID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, message, timestamp_ms, payload, content_hash
		FROM revisions WHERE project_id = ?
		ORDER BY timestamp_ms, id`, s.projectID)
	if err != nil {
		return errors.Wrapf(err, "query revisions of %s", s.projectID)
	}
	defer rows.Close()

	var revisions []vcs.Revision
	shallow := 0
	for rows.Next() {
		var (
			r          vcs.Revision
			ms         int64
			compressed []byte
			hash       sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ParentID, &r.Message, &ms, &compressed, &hash); err != nil {
			return errors.Wrap(err, "scan revision")
		}
		r.Timestamp = sync.FromMillis(ms)
		if !hash.Valid {
			shallow++
		} else if r.Payload, err = s.decode(r.ID, compressed, hash.String); err != nil {
			return err
		}
		revisions = append(revisions, r)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate revisions")
	}

	if err := store.Load(revisions, head); err != nil {
		return errors.Wrapf(err, "restore project %s", s.projectID)
	}
	s.logger.Infow(sym.DB+" Loaded revisions",
		logger.FieldCount, len(revisions),
		"shallow", shallow,
		logger.FieldHead, head,
	)
	return nil
}

// Err returns the first write-through failure since the previous call and
// clears it. Observer callbacks cannot return errors, so callers poll this
// after a mutation or a sync session.
func (s *SQLStore) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.lastErr
	s.lastErr = nil
	return err
}

func (s *SQLStore) fail(err error, msg string, keysAndValues ...interface{}) {
	s.logger.Errorw(sym.DB+" "+msg, append(keysAndValues, logger.FieldError, err)...)
	s.mu.Lock()
	if s.lastErr == nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

// OnRevisionsInserted persists a batch in one transaction.
func (s *SQLStore) OnRevisionsInserted(revisions []vcs.Revision) {
	if err := s.insert(context.Background(), revisions); err != nil {
		s.fail(err, "Persisting revisions failed", logger.FieldCount, len(revisions))
	}
}

func (s *SQLStore) insert(ctx context.Context, revisions []vcs.Revision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin insert")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO revisions (project_id, id, parent_id, message, timestamp_ms, payload, payload_size, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, id) DO NOTHING`)
	if err != nil {
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	for _, r := range revisions {
		var (
			compressed []byte
			hash       sql.NullString
		)
		if !r.IsShallow() {
			compressed = s.enc.EncodeAll(r.Payload, nil)
			hash = sql.NullString{String: ContentHash(r.Payload), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, s.projectID, r.ID, r.ParentID, r.Message,
			sync.ToMillis(r.Timestamp), compressed, len(r.Payload), hash); err != nil {
			return errors.Wrapf(err, "insert revision %s", r.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit insert")
	}
	s.logger.Debugw(sym.DB+" Persisted revisions", logger.FieldCount, len(revisions))
	return nil
}

// OnPayloadCompleted stores the payload of a previously shallow revision.
func (s *SQLStore) OnPayloadCompleted(id string, payload []byte) {
	_, err := s.db.Exec(`
		UPDATE revisions SET payload = ?, payload_size = ?, content_hash = ?
		WHERE project_id = ? AND id = ? AND content_hash IS NULL`,
		s.encode(payload), len(payload), ContentHash(payload), s.projectID, id)
	if err != nil {
		s.fail(errors.Wrapf(err, "store payload of %s", id), "Persisting payload failed", logger.FieldRevisionID, id)
	}
}

// OnHeadChanged records the new head.
func (s *SQLStore) OnHeadChanged(id string) {
	_, err := s.db.Exec(
		"UPDATE projects SET head = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", id, s.projectID)
	if err != nil {
		s.fail(errors.Wrapf(err, "store head %s", id), "Persisting head failed", logger.FieldHead, id)
	}
}

// encode never returns nil: a nil blob would be stored as NULL.
func (s *SQLStore) encode(payload []byte) []byte {
	return s.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2+16))
}

func (s *SQLStore) decode(id string, compressed []byte, wantHash string) ([]byte, error) {
	var payload []byte
	if len(compressed) > 0 {
		var err error
		if payload, err = s.dec.DecodeAll(compressed, nil); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "decompress payload of %s", id), ErrCorruptPayload)
		}
	}
	if payload == nil {
		payload = []byte{}
	}
	if got := ContentHash(payload); got != wantHash {
		return nil, errors.WithDetailf(
			errors.Wrapf(ErrCorruptPayload, "revision %s", id),
			"stored hash %s, computed %s", wantHash, got)
	}
	return payload, nil
}

// ContentHash is the hex SHA-256 of an uncompressed payload.
func ContentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ProjectIDs lists every project recorded in db.
func ProjectIDs(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT id FROM projects ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(err, "list projects")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan project id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "iterate projects")
}
