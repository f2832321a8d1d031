package tracker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricefinder/internal/model"
)

func newTestSQLiteTracker(t *testing.T) *SQLiteTracker {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	tr, err := NewSQLite(dbPath, 30*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() }) //nolint:errcheck
	require.NoError(t, tr.Migrate(context.Background()))
	return tr
}

func testHospital(id, name string) model.Hospital {
	return model.Hospital{
		ID:    id,
		Name:  name,
		City:  "Sacramento",
		State: "CA",
	}
}

func TestSQLite_RegisterHospitals(t *testing.T) {
	tr := newTestSQLiteTracker(t)
	ctx := context.Background()

	added, err := tr.RegisterHospitals(ctx, []model.Hospital{
		testHospital("h1", "Mercy General Hospital"),
		testHospital("h2", "Sutter Medical Center"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	h, err := tr.GetHospital(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "Mercy General Hospital", h.Name)
	assert.Equal(t, model.StatePending, h.Status)
	assert.Zero(t, h.SearchAttempts)
}

func TestSQLite_RegisterHospitals_UpsertPreservesStatus(t *testing.T) {
	tr := newTestSQLiteTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterHospitals(ctx, []model.Hospital{testHospital("h1", "Mercy General Hospital")})
	require.NoError(t, err)

	_, claimed, err := tr.Claim(ctx, "h1")
	require.NoError(t, err)
	require.True(t, claimed)

	// Re-importing the registry refreshes fields without resetting state.
	added, err := tr.RegisterHospitals(ctx, []model.Hospital{testHospital("h1", "Mercy General Hospital of Sacramento")})
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	h, err := tr.GetHospital(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "Mercy General Hospital of Sacramento", h.Name)
	assert.Equal(t, model.StateSearching, h.Status)
	assert.Equal(t, 1, h.SearchAttempts)
}

func TestSQLite_GetHospital_NotFound(t *testing.T) {
	tr := newTestSQLiteTracker(t)

	_, err := tr.GetHospital(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Claim_Lifecycle(t *testing.T) {
	tr := newTestSQLiteTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterHospitals(ctx, []model.Hospital{testHospital("h1", "Mercy General Hospital")})
	require.NoError(t, err)

	epoch, claimed, err := tr.Claim(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, int64(1), epoch)

	// A second claim on an active hospital must fail.
	_, claimed, err = tr.Claim(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, claimed)

	h, err := tr.GetHospital(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, model.StateSearching, h.Status)
	assert.Equal(t, 1, h.SearchAttempts)
	require.NotNil(t, h.LastSearched)
}

func TestSQLite_Claim_Exclusivity(t *testing.T) {
	tr := newTestSQLiteTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterHospitals(ctx, []model.Hospital{testHospital("h1", "Mercy General Hospital")})
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := tr.Claim(ctx, "h1")
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestSQLite_Claim_StaleReclaim(t *testing.T) {
	tr := newTestSQLiteTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterHospitals(ctx, []model.Hospital{testHospital("h1", "Mercy General Hospital")})
	require.NoError(t, err)

	_, claimed, err := tr.Claim(ctx, "h1")
	require.NoError(t, err)
	require.True(t, claimed)

	// Backdate the claim past the stale cutoff to simulate a crashed worker.
	stale := time.Now().UTC().Add(-time.Hour)
	_, err = tr.db.ExecContext(ctx, `UPDATE hospitals SET last_searched = ? WHERE id = ?`, stale, "h1")
	require.NoError(t, err)

	epoch, claimed, err := tr.Claim(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, int64(2), epoch)

	h, err := tr.GetHospital(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 2, h.SearchAttempts)
	assert.Equal(t, int64(2), h.ClaimEpoch)
}

func TestSQLite_Transition_StaleEpochFenced(t *testing.T) {
	tr := newTestSQLiteTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterHospitals(ctx, []model.Hospital{testHospital("h1", "Mercy General Hospital")})
	require.NoError(t, err)

	staleEpoch, claimed, err := tr.Claim(ctx, "h1")
	require.NoError(t, err)
	require.True(t, claimed)

	// The first worker stalls past the cutoff and a second worker
	// reclaims the row under a new epoch.
	cutoff := time.Now().UTC().Add(-time.Hour)
	_, err = tr.db.ExecContext(ctx, `UPDATE hospitals SET last_searched = ? WHERE id = ?`, cutoff, "h1")
	require.NoError(t, err)

	freshEpoch, claimed, err := tr.Claim(ctx, "h1")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NotEqual(t, staleEpoch, freshEpoch)

	// The stalled worker wakes up and tries to advance with its old epoch.
	err = tr.Transition(ctx, "h1", model.StateSearching, model.StateCandidatesFound, staleEpoch)
	assert.ErrorIs(t, err, ErrConflict)

	// The current holder advances normally.
	err = tr.Transition(ctx, "h1", model.StateSearching, model.StateCandidatesFound, freshEpoch)
	require.NoError(t, err)

	h, err := tr.GetHospital(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, model.StateCandidatesFound, h.Status)
}

func TestSQLite_GetPending_OrderAndFilter(t *testing.T) {
	tr := newTestSQLiteTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterHospitals(ctx, []model.Hospital{
		testHospital("h1", "Alpha Hospital"),
		testHospital("h2", "Beta Hospital"),
		testHospital("h3", "Gamma Hospital"),
	})
	require.NoError(t, err)

	// h2 claimed and failed once, so it has more attempts than the others.
	epoch, claimed, err := tr.Claim(ctx, "h2")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, tr.Transition(ctx, "h2", model.StateSearching, model.StateError, epoch))

	// h3 is mid-flight and not stale, so it must be excluded.
	_, claimed, err = tr.Claim(ctx, "h3")
	require.NoError(t, err)
	require.True(t, claimed)

	pending, err := tr.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "h1", pending[0].ID)
	assert.Equal(t, "h2", pending[1].ID)
}

func TestSQLite_Transition_InvalidRejected(t *testing.T) {
	tr := newTestSQLiteTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterHospitals(ctx, []model.Hospital{testHospital("h1", "Mercy General Hospital")})
	require.NoError(t, err)

	err = tr.Transition(ctx, "h1", model.StatePending, model.StateFound, 0)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSQLite_Transition_StaleFromRejected(t *testing.T) {
	tr := newTestSQLiteTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterHospitals(ctx, []model.Hospital{testHospital("h1", "Mercy General Hospital")})
	require.NoError(t, err)

	// The row is still pending, so a searching->candidates_found CAS misses.
	err = tr.Transition(ctx, "h1", model.StateSearching, model.StateCandidatesFound, 0)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSQLite_Transition_FullFlow(t *testing.T) {
	tr := newTestSQLiteTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterHospitals(ctx, []model.Hospital{testHospital("h1", "Mercy General Hospital")})
	require.NoError(t, err)

	epoch, claimed, err := tr.Claim(ctx, "h1")
	require.NoError(t, err)
	require.True(t, claimed)

	steps := []struct{ from, to model.DiscoveryState }{
		{model.StateSearching, model.StateCandidatesFound},
		{model.StateCandidatesFound, model.StateDownloading},
		{model.StateDownloading, model.StateValidating},
		{model.StateValidating, model.StateFound},
	}
	for _, s := range steps {
		require.NoError(t, tr.Transition(ctx, "h1", s.from, s.to, epoch))
	}

	h, err := tr.GetHospital(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, model.StateFound, h.Status)
	require.NotNil(t, h.ValidatedAt)
	assert.WithinDuration(t, time.Now().UTC(), *h.ValidatedAt, time.Minute)
}

func TestSQLite_Reprocess(t *testing.T) {
	tr := newTestSQLiteTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterHospitals(ctx, []model.Hospital{testHospital("h1", "Mercy General Hospital")})
	require.NoError(t, err)

	// Reprocess only applies to terminal outcomes.
	err = tr.Reprocess(ctx, "h1")
	assert.ErrorIs(t, err, ErrConflict)

	epoch, claimed, err := tr.Claim(ctx, "h1")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, tr.Transition(ctx, "h1", model.StateSearching, model.StateNotFound, epoch))

	require.NoError(t, tr.Reprocess(ctx, "h1"))

	h, err := tr.GetHospital(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, h.Status)
	assert.Zero(t, h.SearchAttempts)
}

func TestSQLite_RecordFile_UpsertIdempotent(t *testing.T) {
	tr := newTestSQLiteTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterHospitals(ctx, []model.Hospital{testHospital("h1", "Mercy General Hospital")})
	require.NoError(t, err)

	file := &model.PriceFile{
		HospitalID:      "h1",
		FileURL:         "https://mercy.example.org/standard-charges.csv",
		FileType:        "csv",
		StructuralScore: 0.9,
	}
	require.NoError(t, tr.RecordFile(ctx, file))
	assert.NotEmpty(t, file.ID)
	assert.False(t, file.FoundDate.IsZero())

	// Recording the same URL again updates scores instead of duplicating.
	now := time.Now().UTC()
	update := &model.PriceFile{
		HospitalID:      "h1",
		FileURL:         "https://mercy.example.org/standard-charges.csv",
		FileType:        "csv",
		StructuralScore: 0.95,
		SemanticScore:   0.88,
		MatchScore:      0.92,
		Validated:       true,
		ValidationDate:  &now,
	}
	require.NoError(t, tr.RecordFile(ctx, update))

	files, err := tr.GetFiles(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, 0.95, files[0].StructuralScore)
	assert.True(t, files[0].Validated)
	require.NotNil(t, files[0].ValidationDate)
}

func TestSQLite_ListValidated(t *testing.T) {
	tr := newTestSQLiteTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterHospitals(ctx, []model.Hospital{
		testHospital("h1", "Alpha Hospital"),
		testHospital("h2", "Beta Hospital"),
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, tr.RecordFile(ctx, &model.PriceFile{
		HospitalID: "h1",
		FileURL:    "https://alpha.example.org/charges.csv",
		Validated:  true, ValidationDate: &now,
	}))
	require.NoError(t, tr.RecordFile(ctx, &model.PriceFile{
		HospitalID: "h2",
		FileURL:    "https://beta.example.org/charges.json",
	}))

	validated, err := tr.ListValidated(ctx)
	require.NoError(t, err)
	require.Len(t, validated, 1)
	assert.Equal(t, "h1", validated[0].HospitalID)
}

func TestSQLite_Logs(t *testing.T) {
	tr := newTestSQLiteTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.LogEvent(ctx, &model.SearchLog{
			HospitalID: "h1",
			Stage:      model.StageSearch,
			Outcome:    model.OutcomeSuccess,
			Detail:     "10 results",
		}))
	}
	require.NoError(t, tr.LogEvent(ctx, &model.SearchLog{
		HospitalID: "h2",
		Stage:      model.StageCrawl,
		Outcome:    model.OutcomeFailure,
	}))

	logs, err := tr.GetLogs(ctx, "h1", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, model.StageSearch, logs[0].Stage)
	assert.Greater(t, logs[0].ID, logs[1].ID)
}

func TestSQLite_Stats(t *testing.T) {
	tr := newTestSQLiteTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterHospitals(ctx, []model.Hospital{
		testHospital("h1", "Alpha Hospital"),
		testHospital("h2", "Beta Hospital"),
		testHospital("h3", "Gamma Hospital"),
	})
	require.NoError(t, err)

	_, claimed, err := tr.Claim(ctx, "h1")
	require.NoError(t, err)
	require.True(t, claimed)

	now := time.Now().UTC()
	require.NoError(t, tr.RecordFile(ctx, &model.PriceFile{
		HospitalID: "h1",
		FileURL:    "https://alpha.example.org/charges.csv",
		Validated:  true, ValidationDate: &now,
	}))
	require.NoError(t, tr.RecordFile(ctx, &model.PriceFile{
		HospitalID: "h2",
		FileURL:    "https://beta.example.org/charges.json",
	}))

	stats, err := tr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalHospitals)
	assert.Equal(t, 2, stats.ByStatus[model.StatePending])
	assert.Equal(t, 1, stats.ByStatus[model.StateSearching])
	assert.Equal(t, 2, stats.FilesFound)
	assert.Equal(t, 1, stats.FilesValidated)
}
