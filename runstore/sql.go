package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/reeveci/reeve-pipeline/schema"
)

const DRIVER_SQLITE = "sqlite"
const DRIVER_POSTGRES = "pgx"

// SQLStore persists runs in SQLite or PostgreSQL.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

type row struct {
	ID        string         `db:"id"`
	Pipeline  string         `db:"pipeline"`
	Status    string         `db:"status"`
	Context   string         `db:"context"`
	Result    sql.NullString `db:"result"`
	CreatedAt int64          `db:"created_at"`
	UpdatedAt int64          `db:"updated_at"`
}

const columns = "id, pipeline, status, context, result, created_at, updated_at"

func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DRIVER_SQLITE, DRIVER_POSTGRES:
	default:
		return nil, fmt.Errorf("unsupported run store driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening run store - %w", err)
	}

	if driver == DRIVER_SQLITE {
		// an in-memory database only lives as long as its connection
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("error configuring run store - %w", err)
		}
	}

	store := &SQLStore{db: db, now: time.Now}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			status TEXT NOT NULL,
			context TEXT NOT NULL,
			result TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS runs_unfinished ON runs (created_at) WHERE result IS NULL`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("error migrating run store - %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, rc schema.RunContext) error {
	encoded, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("error encoding run %s - %w", rc.RunID, err)
	}

	now := s.now().UnixNano()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO runs (`+columns+`) VALUES (?, ?, ?, ?, NULL, ?, ?)`),
		rc.RunID, rc.Pipeline, string(schema.STATUS_PENDING), string(encoded), now, now)
	if err != nil {
		return fmt.Errorf("error creating run %s - %w", rc.RunID, err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, id string, status schema.Status, rc schema.RunContext) error {
	encoded, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("error encoding run %s - %w", id, err)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE runs SET status = ?, context = ?, updated_at = ? WHERE id = ? AND result IS NULL`),
		string(status), string(encoded), s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("error updating run %s - %w", id, err)
	}
	return s.checkAffected(ctx, id, res)
}

func (s *SQLStore) Finish(ctx context.Context, id string, rc schema.RunContext, result schema.RunResult) error {
	if err := checkResult(id, result); err != nil {
		return err
	}

	encoded, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("error encoding run %s - %w", id, err)
	}
	encodedResult, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("error encoding result of run %s - %w", id, err)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE runs SET status = ?, context = ?, result = ?, updated_at = ? WHERE id = ? AND result IS NULL`),
		string(result.Status), string(encoded), string(encodedResult), s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("error finishing run %s - %w", id, err)
	}
	return s.checkAffected(ctx, id, res)
}

// checkAffected tells a missing run from a finished one after a guarded update
// matched nothing.
func (s *SQLStore) checkAffected(ctx context.Context, id string, res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error updating run %s - %w", id, err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return alreadyFinished(id)
}

func (s *SQLStore) Get(ctx context.Context, id string) (record Record, err error) {
	var r row
	err = s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+columns+` FROM runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		err = notFound(id)
		return
	}
	if err != nil {
		err = fmt.Errorf("error loading run %s - %w", id, err)
		return
	}
	return r.record()
}

func (s *SQLStore) Unfinished(ctx context.Context) ([]Record, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+columns+` FROM runs WHERE result IS NULL ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("error listing unfinished runs - %w", err)
	}

	result := make([]Record, 0, len(rows))
	for _, r := range rows {
		record, err := r.record()
		if err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	return result, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (r row) record() (record Record, err error) {
	record = Record{
		ID:        r.ID,
		Pipeline:  r.Pipeline,
		Status:    schema.Status(r.Status),
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, r.UpdatedAt).UTC(),
	}
	if err = json.Unmarshal([]byte(r.Context), &record.Context); err != nil {
		err = fmt.Errorf("error decoding run %s - %w", r.ID, err)
		return
	}
	if r.Result.Valid {
		record.Result = &schema.RunResult{}
		if err = json.Unmarshal([]byte(r.Result.String), record.Result); err != nil {
			err = fmt.Errorf("error decoding result of run %s - %w", r.ID, err)
			return
		}
	}
	return
}
