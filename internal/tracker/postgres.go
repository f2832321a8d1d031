package tracker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pricefinder/internal/model"
)

// Pool abstracts the pgx connection pool so tests can substitute a mock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresTracker implements Tracker using pgxpool.
type PostgresTracker struct {
	pool       Pool
	closeFn    func()
	staleAfter time.Duration
}

// NewPostgres creates a PostgresTracker with a connection pool.
func NewPostgres(ctx context.Context, connString string, staleAfter time.Duration) (*PostgresTracker, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresTracker{pool: pool, closeFn: pool.Close, staleAfter: staleAfter}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS hospitals (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	address         TEXT,
	city            TEXT,
	state           TEXT,
	website         TEXT,
	health_system   TEXT,
	status          TEXT NOT NULL DEFAULT 'pending',
	search_attempts INTEGER NOT NULL DEFAULT 0,
	claim_epoch     BIGINT NOT NULL DEFAULT 0,
	last_searched   TIMESTAMPTZ,
	validated_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS price_files (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	hospital_id      TEXT NOT NULL REFERENCES hospitals(id),
	file_url         TEXT NOT NULL,
	file_type        TEXT,
	downloaded_path  TEXT,
	file_size        BIGINT NOT NULL DEFAULT 0,
	structural_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	semantic_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
	match_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
	validated        BOOLEAN NOT NULL DEFAULT false,
	found_date       TIMESTAMPTZ NOT NULL DEFAULT now(),
	validation_date  TIMESTAMPTZ,
	UNIQUE(hospital_id, file_url)
);

CREATE TABLE IF NOT EXISTS search_logs (
	id          BIGSERIAL PRIMARY KEY,
	hospital_id TEXT NOT NULL,
	stage       TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	detail      TEXT,
	timestamp   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_hospitals_status ON hospitals(status);
CREATE INDEX IF NOT EXISTS idx_hospitals_claim ON hospitals(status, search_attempts, last_searched);
CREATE INDEX IF NOT EXISTS idx_price_files_hospital ON price_files(hospital_id);
CREATE INDEX IF NOT EXISTS idx_search_logs_hospital ON search_logs(hospital_id);
`

func (p *PostgresTracker) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (p *PostgresTracker) Close() error {
	if p.closeFn != nil {
		p.closeFn()
	}
	return nil
}

func (p *PostgresTracker) RegisterHospitals(ctx context.Context, hospitals []model.Hospital) (int, error) {
	var added int
	for _, h := range hospitals {
		if h.ID == "" {
			h.ID = uuid.New().String()
		}

		// Upserts refresh registry fields but never touch discovery state.
		// xmax = 0 distinguishes a fresh insert from a conflict update.
		var inserted bool
		err := p.pool.QueryRow(ctx,
			`INSERT INTO hospitals (id, name, address, city, state, website, health_system, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO UPDATE SET
			   name = excluded.name, address = excluded.address, city = excluded.city,
			   state = excluded.state, website = excluded.website, health_system = excluded.health_system
			 RETURNING (xmax = 0)`,
			h.ID, h.Name, h.Address, h.City, h.State, h.Website, h.HealthSystem, string(model.StatePending),
		).Scan(&inserted)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: register hospital %s", h.ID)
		}
		if inserted {
			added++
		}
	}
	return added, nil
}

func (p *PostgresTracker) GetHospital(ctx context.Context, id string) (*model.Hospital, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+hospitalColumns+` FROM hospitals WHERE id = $1`, id)
	return scanHospital(row)
}

func (p *PostgresTracker) GetPending(ctx context.Context, limit int) ([]model.Hospital, error) {
	cutoff := time.Now().UTC().Add(-p.staleAfter)
	rows, err := p.pool.Query(ctx,
		`SELECT `+hospitalColumns+` FROM hospitals
		 WHERE status IN ($1, $2) OR (status = $3 AND last_searched < $4)
		 ORDER BY search_attempts ASC, last_searched ASC NULLS FIRST
		 LIMIT $5`,
		string(model.StatePending), string(model.StateError), string(model.StateSearching), cutoff, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get pending")
	}
	defer rows.Close()

	var out []model.Hospital
	for rows.Next() {
		h, err := scanHospital(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate pending")
}

func (p *PostgresTracker) Claim(ctx context.Context, hospitalID string) (int64, bool, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-p.staleAfter)

	var epoch int64
	err := p.pool.QueryRow(ctx,
		`UPDATE hospitals
		 SET status = $1, search_attempts = search_attempts + 1, claim_epoch = claim_epoch + 1, last_searched = $2
		 WHERE id = $3
		   AND (status IN ($4, $5) OR (status = $6 AND last_searched < $7))
		 RETURNING claim_epoch`,
		string(model.StateSearching), now, hospitalID,
		string(model.StatePending), string(model.StateError), string(model.StateSearching), cutoff,
	).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "postgres: claim %s", hospitalID)
	}
	return epoch, true, nil
}

func (p *PostgresTracker) Transition(ctx context.Context, hospitalID string, from, to model.DiscoveryState, epoch int64) error {
	if !model.CanTransition(from, to) {
		return eris.Wrapf(ErrConflict, "transition %s -> %s", from, to)
	}

	var tag pgconn.CommandTag
	var err error
	if to == model.StateFound {
		tag, err = p.pool.Exec(ctx,
			`UPDATE hospitals SET status = $1, validated_at = $2 WHERE id = $3 AND status = $4 AND claim_epoch = $5`,
			string(to), time.Now().UTC(), hospitalID, string(from), epoch,
		)
	} else {
		tag, err = p.pool.Exec(ctx,
			`UPDATE hospitals SET status = $1 WHERE id = $2 AND status = $3 AND claim_epoch = $4`,
			string(to), hospitalID, string(from), epoch,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: transition %s", hospitalID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "hospital %s", hospitalID)
	}
	return nil
}

func (p *PostgresTracker) Reprocess(ctx context.Context, hospitalID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE hospitals SET status = $1, search_attempts = 0 WHERE id = $2 AND status IN ($3, $4)`,
		string(model.StatePending), hospitalID, string(model.StateFound), string(model.StateNotFound),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reprocess %s", hospitalID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "hospital %s", hospitalID)
	}
	return nil
}

func (p *PostgresTracker) RecordFile(ctx context.Context, file *model.PriceFile) error {
	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	if file.FoundDate.IsZero() {
		file.FoundDate = time.Now().UTC()
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO price_files
		   (id, hospital_id, file_url, file_type, downloaded_path, file_size,
		    structural_score, semantic_score, match_score, validated, found_date, validation_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (hospital_id, file_url) DO UPDATE SET
		   file_type = excluded.file_type,
		   downloaded_path = excluded.downloaded_path,
		   file_size = excluded.file_size,
		   structural_score = excluded.structural_score,
		   semantic_score = excluded.semantic_score,
		   match_score = excluded.match_score,
		   validated = excluded.validated,
		   validation_date = excluded.validation_date`,
		file.ID, file.HospitalID, file.FileURL, file.FileType, file.DownloadedPath, file.FileSize,
		file.StructuralScore, file.SemanticScore, file.MatchScore, file.Validated, file.FoundDate, file.ValidationDate,
	)
	return eris.Wrapf(err, "postgres: record file %s", file.FileURL)
}

func (p *PostgresTracker) GetFiles(ctx context.Context, hospitalID string) ([]model.PriceFile, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM price_files WHERE hospital_id = $1 ORDER BY found_date DESC`, hospitalID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get files")
	}
	return collectFilesPgx(rows)
}

func (p *PostgresTracker) ListValidated(ctx context.Context) ([]model.PriceFile, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM price_files WHERE validated = true ORDER BY validation_date DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list validated")
	}
	return collectFilesPgx(rows)
}

func (p *PostgresTracker) LogEvent(ctx context.Context, entry *model.SearchLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO search_logs (hospital_id, stage, outcome, detail, timestamp) VALUES ($1, $2, $3, $4, $5)`,
		entry.HospitalID, string(entry.Stage), string(entry.Outcome), entry.Detail, entry.Timestamp,
	)
	return eris.Wrap(err, "postgres: log event")
}

func (p *PostgresTracker) GetLogs(ctx context.Context, hospitalID string, limit int) ([]model.SearchLog, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, hospital_id, stage, outcome, detail, timestamp FROM search_logs
		 WHERE hospital_id = $1 ORDER BY id DESC LIMIT $2`, hospitalID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get logs")
	}
	defer rows.Close()

	var out []model.SearchLog
	for rows.Next() {
		var entry model.SearchLog
		var detail sql.NullString
		if err := rows.Scan(&entry.ID, &entry.HospitalID, &entry.Stage, &entry.Outcome, &detail, &entry.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan log")
		}
		entry.Detail = detail.String
		out = append(out, entry)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate logs")
}

func (p *PostgresTracker) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[model.DiscoveryState]int)}

	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM hospitals GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats hospitals")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stats")
		}
		stats.ByStatus[model.DiscoveryState(status)] = count
		stats.TotalHospitals += count
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate stats")
	}

	err = p.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE validated) FROM price_files`,
	).Scan(&stats.FilesFound, &stats.FilesValidated)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats files")
	}

	return stats, nil
}

func collectFilesPgx(rows pgx.Rows) ([]model.PriceFile, error) {
	defer rows.Close()

	var out []model.PriceFile
	for rows.Next() {
		var f model.PriceFile
		var fileType, path sql.NullString
		var validationDate sql.NullTime
		err := rows.Scan(&f.ID, &f.HospitalID, &f.FileURL, &fileType, &path, &f.FileSize,
			&f.StructuralScore, &f.SemanticScore, &f.MatchScore, &f.Validated, &f.FoundDate, &validationDate)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan file")
		}
		f.FileType = fileType.String
		f.DownloadedPath = path.String
		if validationDate.Valid {
			t := validationDate.Time
			f.ValidationDate = &t
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate files")
}
