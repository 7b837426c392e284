package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/corvid-labs/deepsearch/internal/session"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS research_sessions (
	id          UUID PRIMARY KEY,
	user_id     TEXT NOT NULL DEFAULT '',
	start_time  TIMESTAMPTZ NOT NULL,
	status      TEXT NOT NULL,
	digest      TEXT NOT NULL,
	record      JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS research_sessions_user_id_idx ON research_sessions (user_id);
`

// PostgresStore persists sessions as one JSONB row per session, following
// the document-record shape spec.md §4.6 allows for a relational backend,
// with the ValidationDigest stored alongside the record for the same
// corruption check MemoryStore performs in-process.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn, ensures the schema exists, and returns a ready
// Store. Schema evolution beyond the initial table lives in migrations run
// via golang-migrate against the same dsn; NewPostgresStore itself only
// creates the table on a fresh database.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, wrapDatastoreErr("sessionstore.NewPostgresStore", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, wrapDatastoreErr("sessionstore.NewPostgresStore", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, wrapDatastoreErr("sessionstore.NewPostgresStore", err)
	}
	return &PostgresStore{db: db}, nil
}

// RunMigrations applies the migration set under sourceURL (a
// golang-migrate source URL, e.g. "file://./migrations") to dsn. It is not
// called by NewPostgresStore or by cmd/researchd.
func RunMigrations(sourceURL, dsn string) error {
	m, err := migrate.New(sourceURL, dsn)
	if err != nil {
		return wrapDatastoreErr("sessionstore.RunMigrations", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return wrapDatastoreErr("sessionstore.RunMigrations", err)
	}
	return nil
}

func (p *PostgresStore) Save(ctx context.Context, s *session.Session) error {
	if err := s.Validate(); err != nil {
		return wrapDatastoreErr("sessionstore.Save", err)
	}
	digest, err := session.ComputeDigest(s)
	if err != nil {
		return wrapDatastoreErr("sessionstore.Save", err)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return wrapDatastoreErr("sessionstore.Save", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO research_sessions (id, user_id, start_time, status, digest, record)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			start_time = EXCLUDED.start_time,
			status = EXCLUDED.status,
			digest = EXCLUDED.digest,
			record = EXCLUDED.record
	`, s.ID, s.UserID, s.StartTime, s.Status, string(digest), raw)
	if err != nil {
		return wrapDatastoreErr("sessionstore.Save", err)
	}
	return nil
}

func (p *PostgresStore) loadRow(ctx context.Context, id uuid.UUID) (*session.Session, string, error) {
	var raw []byte
	var digest string
	row := p.db.QueryRowContext(ctx, `SELECT digest, record FROM research_sessions WHERE id = $1`, id)
	if err := row.Scan(&digest, &raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, "", ErrNotFound
		}
		return nil, "", wrapDatastoreErr("sessionstore.Load", err)
	}
	s := &session.Session{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, "", wrapDatastoreErr("sessionstore.Load", err)
	}
	return s, digest, nil
}

func (p *PostgresStore) Load(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	s, digest, err := p.loadRow(ctx, id)
	if err != nil {
		return nil, err
	}
	want, err := session.ComputeDigest(s)
	if err != nil {
		return nil, wrapDatastoreErr("sessionstore.Load", err)
	}
	if string(want) != digest {
		return nil, ErrCorrupt
	}
	if err := checkSchema(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) List(ctx context.Context, userID string) ([]session.Summary, error) {
	query := `SELECT record FROM research_sessions`
	args := []interface{}{}
	if userID != "" {
		query += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDatastoreErr("sessionstore.List", err)
	}
	defer rows.Close()
	var out []session.Summary
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapDatastoreErr("sessionstore.List", err)
		}
		s := &session.Session{}
		if err := json.Unmarshal(raw, s); err != nil {
			return nil, wrapDatastoreErr("sessionstore.List", err)
		}
		out = append(out, s.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDatastoreErr("sessionstore.List", err)
	}
	sortSummariesByStartDesc(out)
	return out, nil
}

func (p *PostgresStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM research_sessions WHERE id = $1`, id)
	if err != nil {
		return false, wrapDatastoreErr("sessionstore.Delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapDatastoreErr("sessionstore.Delete", err)
	}
	return n > 0, nil
}

func (p *PostgresStore) Resume(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	s, err := p.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canResume(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) History(ctx context.Context, id uuid.UUID) ([]session.IterationRecord, error) {
	s, err := p.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Iterations, nil
}

func (p *PostgresStore) Rollback(ctx context.Context, id uuid.UUID, iterationN int) (*session.Session, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDatastoreErr("sessionstore.Rollback", err)
	}
	defer tx.Rollback()

	var raw []byte
	if err := tx.QueryRowContext(ctx, `SELECT record FROM research_sessions WHERE id = $1 FOR UPDATE`, id).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, wrapDatastoreErr("sessionstore.Rollback", err)
	}
	s := &session.Session{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, wrapDatastoreErr("sessionstore.Rollback", err)
	}
	result, err := applyRollback(s, iterationN)
	if err != nil {
		return nil, err
	}
	if err := result.Validate(); err != nil {
		return nil, wrapDatastoreErr("sessionstore.Rollback", err)
	}
	digest, err := session.ComputeDigest(result)
	if err != nil {
		return nil, wrapDatastoreErr("sessionstore.Rollback", err)
	}
	newRaw, err := json.Marshal(result)
	if err != nil {
		return nil, wrapDatastoreErr("sessionstore.Rollback", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE research_sessions SET status = $2, digest = $3, record = $4 WHERE id = $1
	`, id, result.Status, string(digest), newRaw); err != nil {
		return nil, wrapDatastoreErr("sessionstore.Rollback", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapDatastoreErr("sessionstore.Rollback", err)
	}
	return result, nil
}

var _ Store = (*PostgresStore)(nil)
