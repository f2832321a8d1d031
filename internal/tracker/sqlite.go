package tracker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pricefinder/internal/model"
)

// SQLiteTracker implements Tracker using modernc.org/sqlite.
type SQLiteTracker struct {
	db         *sql.DB
	staleAfter time.Duration
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, staleAfter time.Duration) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteTracker{db: db, staleAfter: staleAfter}, nil
}

const sqliteMigration = `
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
	claim_epoch     INTEGER NOT NULL DEFAULT 0,
	last_searched   DATETIME,
	validated_at    DATETIME
);

CREATE TABLE IF NOT EXISTS price_files (
	id               TEXT PRIMARY KEY,
	hospital_id      TEXT NOT NULL REFERENCES hospitals(id),
	file_url         TEXT NOT NULL,
	file_type        TEXT,
	downloaded_path  TEXT,
	file_size        INTEGER NOT NULL DEFAULT 0,
	structural_score REAL NOT NULL DEFAULT 0,
	semantic_score   REAL NOT NULL DEFAULT 0,
	match_score      REAL NOT NULL DEFAULT 0,
	validated        INTEGER NOT NULL DEFAULT 0,
	found_date       DATETIME NOT NULL,
	validation_date  DATETIME,
	UNIQUE(hospital_id, file_url)
);

CREATE TABLE IF NOT EXISTS search_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	hospital_id TEXT NOT NULL,
	stage       TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	detail      TEXT,
	timestamp   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_hospitals_status ON hospitals(status);
CREATE INDEX IF NOT EXISTS idx_hospitals_claim ON hospitals(status, search_attempts, last_searched);
CREATE INDEX IF NOT EXISTS idx_price_files_hospital ON price_files(hospital_id);
CREATE INDEX IF NOT EXISTS idx_search_logs_hospital ON search_logs(hospital_id);
`

func (s *SQLiteTracker) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteTracker) Close() error {
	return s.db.Close()
}

func (s *SQLiteTracker) RegisterHospitals(ctx context.Context, hospitals []model.Hospital) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin register")
	}
	defer tx.Rollback() //nolint:errcheck

	var added int
	for _, h := range hospitals {
		if h.ID == "" {
			h.ID = uuid.New().String()
		}

		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM hospitals WHERE id = ?`, h.ID).Scan(&exists); err != nil {
			return 0, eris.Wrapf(err, "sqlite: check hospital %s", h.ID)
		}

		// Upserts refresh registry fields but never touch discovery state.
		_, err := tx.ExecContext(ctx,
			`INSERT INTO hospitals (id, name, address, city, state, website, health_system, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   name = excluded.name, address = excluded.address, city = excluded.city,
			   state = excluded.state, website = excluded.website, health_system = excluded.health_system`,
			h.ID, h.Name, h.Address, h.City, h.State, h.Website, h.HealthSystem, string(model.StatePending),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: register hospital %s", h.ID)
		}
		if exists == 0 {
			added++
		}
	}

	return added, eris.Wrap(tx.Commit(), "sqlite: commit register")
}

const hospitalColumns = `id, name, address, city, state, website, health_system, status, search_attempts, claim_epoch, last_searched, validated_at`

func (s *SQLiteTracker) GetHospital(ctx context.Context, id string) (*model.Hospital, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+hospitalColumns+` FROM hospitals WHERE id = ?`, id)
	return scanHospital(row)
}

func (s *SQLiteTracker) GetPending(ctx context.Context, limit int) ([]model.Hospital, error) {
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hospitalColumns+` FROM hospitals
		 WHERE status IN (?, ?) OR (status = ? AND last_searched < ?)
		 ORDER BY search_attempts ASC, last_searched ASC
		 LIMIT ?`,
		string(model.StatePending), string(model.StateError), string(model.StateSearching), cutoff, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get pending")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Hospital
	for rows.Next() {
		h, err := scanHospitalFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate pending")
}

func (s *SQLiteTracker) Claim(ctx context.Context, hospitalID string) (int64, bool, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-s.staleAfter)

	var epoch int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE hospitals
		 SET status = ?, search_attempts = search_attempts + 1, claim_epoch = claim_epoch + 1, last_searched = ?
		 WHERE id = ?
		   AND (status IN (?, ?) OR (status = ? AND last_searched < ?))
		 RETURNING claim_epoch`,
		string(model.StateSearching), now, hospitalID,
		string(model.StatePending), string(model.StateError), string(model.StateSearching), cutoff,
	).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "sqlite: claim %s", hospitalID)
	}
	return epoch, true, nil
}

func (s *SQLiteTracker) Transition(ctx context.Context, hospitalID string, from, to model.DiscoveryState, epoch int64) error {
	if !model.CanTransition(from, to) {
		return eris.Wrapf(ErrConflict, "transition %s -> %s", from, to)
	}

	var res sql.Result
	var err error
	if to == model.StateFound {
		res, err = s.db.ExecContext(ctx,
			`UPDATE hospitals SET status = ?, validated_at = ? WHERE id = ? AND status = ? AND claim_epoch = ?`,
			string(to), time.Now().UTC(), hospitalID, string(from), epoch,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE hospitals SET status = ? WHERE id = ? AND status = ? AND claim_epoch = ?`,
			string(to), hospitalID, string(from), epoch,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition %s", hospitalID)
	}
	return checkAffected(res, hospitalID)
}

func (s *SQLiteTracker) Reprocess(ctx context.Context, hospitalID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hospitals SET status = ?, search_attempts = 0 WHERE id = ? AND status IN (?, ?)`,
		string(model.StatePending), hospitalID, string(model.StateFound), string(model.StateNotFound),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reprocess %s", hospitalID)
	}
	return checkAffected(res, hospitalID)
}

func (s *SQLiteTracker) RecordFile(ctx context.Context, file *model.PriceFile) error {
	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	if file.FoundDate.IsZero() {
		file.FoundDate = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO price_files
		   (id, hospital_id, file_url, file_type, downloaded_path, file_size,
		    structural_score, semantic_score, match_score, validated, found_date, validation_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(hospital_id, file_url) DO UPDATE SET
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
	return eris.Wrapf(err, "sqlite: record file %s", file.FileURL)
}

const fileColumns = `id, hospital_id, file_url, file_type, downloaded_path, file_size,
structural_score, semantic_score, match_score, validated, found_date, validation_date`

func (s *SQLiteTracker) GetFiles(ctx context.Context, hospitalID string) ([]model.PriceFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM price_files WHERE hospital_id = ? ORDER BY found_date DESC`, hospitalID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get files")
	}
	return collectFiles(rows)
}

func (s *SQLiteTracker) ListValidated(ctx context.Context) ([]model.PriceFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM price_files WHERE validated = 1 ORDER BY validation_date DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list validated")
	}
	return collectFiles(rows)
}

func (s *SQLiteTracker) LogEvent(ctx context.Context, entry *model.SearchLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO search_logs (hospital_id, stage, outcome, detail, timestamp) VALUES (?, ?, ?, ?, ?)`,
		entry.HospitalID, string(entry.Stage), string(entry.Outcome), entry.Detail, entry.Timestamp,
	)
	return eris.Wrap(err, "sqlite: log event")
}

func (s *SQLiteTracker) GetLogs(ctx context.Context, hospitalID string, limit int) ([]model.SearchLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hospital_id, stage, outcome, detail, timestamp FROM search_logs
		 WHERE hospital_id = ? ORDER BY id DESC LIMIT ?`, hospitalID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get logs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SearchLog
	for rows.Next() {
		var entry model.SearchLog
		var detail sql.NullString
		if err := rows.Scan(&entry.ID, &entry.HospitalID, &entry.Stage, &entry.Outcome, &detail, &entry.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan log")
		}
		entry.Detail = detail.String
		out = append(out, entry)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate logs")
}

func (s *SQLiteTracker) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[model.DiscoveryState]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM hospitals GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats hospitals")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stats")
		}
		stats.ByStatus[model.DiscoveryState(status)] = count
		stats.TotalHospitals += count
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate stats")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(validated), 0) FROM price_files`,
	).Scan(&stats.FilesFound, &stats.FilesValidated)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats files")
	}

	return stats, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanHospital(row scannable) (*model.Hospital, error) {
	var h model.Hospital
	var address, city, state, website, system sql.NullString
	var lastSearched, validatedAt sql.NullTime

	err := row.Scan(&h.ID, &h.Name, &address, &city, &state, &website, &system,
		&h.Status, &h.SearchAttempts, &h.ClaimEpoch, &lastSearched, &validatedAt)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "tracker: scan hospital")
	}

	h.Address = address.String
	h.City = city.String
	h.State = state.String
	h.Website = website.String
	h.HealthSystem = system.String
	if lastSearched.Valid {
		t := lastSearched.Time
		h.LastSearched = &t
	}
	if validatedAt.Valid {
		t := validatedAt.Time
		h.ValidatedAt = &t
	}
	return &h, nil
}

func scanHospitalFromRows(rows *sql.Rows) (*model.Hospital, error) {
	return scanHospital(rows)
}

func collectFiles(rows *sql.Rows) ([]model.PriceFile, error) {
	defer rows.Close() //nolint:errcheck

	var out []model.PriceFile
	for rows.Next() {
		var f model.PriceFile
		var fileType, path sql.NullString
		var validationDate sql.NullTime
		err := rows.Scan(&f.ID, &f.HospitalID, &f.FileURL, &fileType, &path, &f.FileSize,
			&f.StructuralScore, &f.SemanticScore, &f.MatchScore, &f.Validated, &f.FoundDate, &validationDate)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan file")
		}
		f.FileType = fileType.String
		f.DownloadedPath = path.String
		if validationDate.Valid {
			t := validationDate.Time
			f.ValidationDate = &t
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate files")
}

func checkAffected(res sql.Result, hospitalID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrConflict, "hospital %s", hospitalID)
	}
	return nil
}
