// Package history keeps a SQLite ledger of evaluation runs so that FID can
// be tracked across checkpoints.
package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/YuminosukeSato/flowfid/config"
	"github.com/YuminosukeSato/flowfid/fid"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	created_at  TEXT NOT NULL,
	fid         REAL NOT NULL,
	kid         REAL,
	samples     INTEGER NOT NULL,
	nan_pixels  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	generator   TEXT NOT NULL,
	extractor   TEXT NOT NULL,
	temperature REAL NOT NULL,
	config_yaml TEXT
);

CREATE INDEX IF NOT EXISTS runs_fid ON runs(fid);
`

// ErrNoRuns is returned by Best on an empty ledger.
var ErrNoRuns = errors.New("no runs recorded")

// Run is one evaluation in the ledger.
type Run struct {
	ID          string
	CreatedAt   time.Time
	FID         float64
	KID         *float64
	Samples     int
	NaNPixels   int
	Duration    time.Duration
	Generator   string
	Extractor   string
	Temperature float64
	ConfigYAML  string
}

// FromResult builds a Run from an evaluation result and its config.
func FromResult(res *fid.Result, cfg *config.Config, generator, extractor string) (Run, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return Run{}, errors.Wrap(err, "marshal config")
	}
	return Run{
		ID:          res.RunID,
		FID:         res.FID,
		KID:         res.KID,
		Samples:     res.Samples,
		NaNPixels:   res.NaNPixels,
		Duration:    res.Duration,
		Generator:   generator,
		Extractor:   extractor,
		Temperature: cfg.Temp,
		ConfigYAML:  string(raw),
	}, nil
}

// Store manages the run ledger in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "pragma")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts r. An empty ID gets a new UUID and a zero CreatedAt is set
// to now. The stored run is returned.
func (s *Store) Record(ctx context.Context, r Run) (Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var kid sql.NullFloat64
	if r.KID != nil {
		kid = sql.NullFloat64{Float64: *r.KID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, created_at, fid, kid, samples, nan_pixels, duration_ms,
		                   generator, extractor, temperature, config_yaml)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CreatedAt.Format(time.RFC3339Nano), r.FID, kid, r.Samples, r.NaNPixels,
		r.Duration.Milliseconds(), r.Generator, r.Extractor, r.Temperature, r.ConfigYAML,
	)
	if err != nil {
		return Run{}, errors.Wrapf(err, "insert run %s", r.ID)
	}
	return r, nil
}

const selectRuns = `SELECT run_id, created_at, fid, kid, samples, nan_pixels, duration_ms,
	generator, extractor, temperature, config_yaml FROM runs`

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		return nil, errors.NewValidationError("limit", "must be > 0", limit)
	}
	rows, err := s.db.QueryContext(ctx, selectRuns+` ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, errors.Wrap(rows.Err(), "iterate runs")
}

// Best returns the run with the lowest FID.
func (s *Store) Best(ctx context.Context) (Run, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+` ORDER BY fid ASC LIMIT 1`)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNoRuns
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r          Run
		createdAt  string
		kid        sql.NullFloat64
		durationMs int64
		cfg        sql.NullString
	)
	err := sc.Scan(&r.ID, &createdAt, &r.FID, &kid, &r.Samples, &r.NaNPixels, &durationMs,
		&r.Generator, &r.Extractor, &r.Temperature, &cfg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, errors.Wrap(err, "scan run")
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Run{}, errors.Wrapf(err, "parse created_at of run %s", r.ID)
	}
	if kid.Valid {
		v := kid.Float64
		r.KID = &v
	}
	r.Duration = time.Duration(durationMs) * time.Millisecond
	r.ConfigYAML = cfg.String
	return r, nil
}
