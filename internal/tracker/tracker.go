// Package tracker persists hospital discovery state, price file records,
// and the append-only audit log.
package tracker

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricefinder/internal/config"
	"github.com/sells-group/pricefinder/internal/model"
	"github.com/sells-group/pricefinder/internal/resilience"
)

// ErrNotFound is returned when a hospital or file does not exist.
var ErrNotFound = eris.New("tracker: not found")

// ErrConflict is returned when a compare-and-swap transition loses the race
// or the requested transition is not legal from the current state.
var ErrConflict = eris.New("tracker: state conflict")

// Stats summarizes pipeline progress.
type Stats struct {
	TotalHospitals int                          `json:"total_hospitals"`
	ByStatus       map[model.DiscoveryState]int `json:"by_status"`
	FilesFound     int                          `json:"files_found"`
	FilesValidated int                          `json:"files_validated"`
}

// Tracker is the persistence interface for the discovery pipeline. Workers
// in one process and across processes coordinate exclusively through it.
type Tracker interface {
	// Hospitals
	RegisterHospitals(ctx context.Context, hospitals []model.Hospital) (int, error)
	GetHospital(ctx context.Context, id string) (*model.Hospital, error)
	GetPending(ctx context.Context, limit int) ([]model.Hospital, error)

	// Claim flips a claimable hospital to searching, incrementing its
	// attempt counter and claim epoch. Exactly one concurrent caller
	// wins and receives the new epoch; the rest get false. Hospitals
	// stuck in searching longer than the stale window are reclaimed the
	// same way, which bumps the epoch and fences out the stale holder.
	Claim(ctx context.Context, hospitalID string) (int64, bool, error)

	// Transition moves a hospital from one state to another, enforcing
	// the state machine and failing with ErrConflict when the stored
	// state or claim epoch no longer matches. A worker whose claim was
	// reclaimed holds an old epoch and cannot advance the row.
	Transition(ctx context.Context, hospitalID string, from, to model.DiscoveryState, epoch int64) error

	// Reprocess reopens a terminal hospital for the next batch.
	Reprocess(ctx context.Context, hospitalID string) error

	// Files
	RecordFile(ctx context.Context, file *model.PriceFile) error
	GetFiles(ctx context.Context, hospitalID string) ([]model.PriceFile, error)
	ListValidated(ctx context.Context) ([]model.PriceFile, error)

	// Audit log
	LogEvent(ctx context.Context, entry *model.SearchLog) error
	GetLogs(ctx context.Context, hospitalID string, limit int) ([]model.SearchLog, error)

	Stats(ctx context.Context) (*Stats, error)

	Migrate(ctx context.Context) error
	Close() error
}

// New builds a Tracker from configuration.
func New(ctx context.Context, cfg config.TrackerConfig) (Tracker, error) {
	stale := time.Duration(cfg.StaleClaimAfterMins) * time.Minute

	switch cfg.Driver {
	case "sqlite":
		return NewSQLite(cfg.DatabaseURL, stale)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, stale)
	default:
		return nil, resilience.NewConfigurationError("unknown tracker driver " + cfg.Driver)
	}
}
