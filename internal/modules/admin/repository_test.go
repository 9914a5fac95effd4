package admin

import (
	"os"
	"testing"
	"time"

	"github.com/archonlabs/bastion/internal/database"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupCoreDB creates a temporary core database with the full schema
func setupCoreDB(t *testing.T) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "test_core_*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    "core",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	cleanup := func() {
		_ = db.Close()
		_ = os.Remove(tmpPath)
	}
	return db, cleanup
}

func sampleAlert(id string, severity domain.AlertSeverity, at time.Time) domain.Alert {
	return domain.Alert{
		ID:        id,
		ProfileID: "prof-1",
		TenantID:  "ten-1",
		Kind:      "drawdown_warning",
		Source:    "reconciler",
		Severity:  severity,
		Message:   "drawdown at 6.2%",
		Details:   map[string]interface{}{"drawdown": 6.2},
		CreatedAt: at,
	}
}

func TestAlertCreateAndGet(t *testing.T) {
	db, cleanup := setupCoreDB(t)
	defer cleanup()
	repo := NewAlertRepository(db.Conn(), zerolog.Nop())
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(sampleAlert("alt-1", domain.AlertWarning, base)))

	got, err := repo.GetByID("alt-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "drawdown_warning", got.Kind)
	assert.Equal(t, domain.AlertWarning, got.Severity)
	assert.Equal(t, 6.2, got.Details["drawdown"])
	assert.False(t, got.Acknowledged)
	assert.True(t, got.CreatedAt.Equal(base))

	missing, err := repo.GetByID("alt-nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAlertListFiltersAndPagination(t *testing.T) {
	db, cleanup := setupCoreDB(t)
	defer cleanup()
	repo := NewAlertRepository(db.Conn(), zerolog.Nop())
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	for i, sev := range []domain.AlertSeverity{domain.AlertInfo, domain.AlertWarning, domain.AlertCritical} {
		a := sampleAlert("alt-"+string(rune('a'+i)), sev, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, repo.Create(a))
	}

	all, total, err := repo.List(AlertFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, all, 3)
	assert.Equal(t, "alt-c", all[0].ID, "newest first")

	crit, total, err := repo.List(AlertFilter{Severity: "critical"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, crit, 1)
	assert.Equal(t, domain.AlertCritical, crit[0].Severity)

	paged, total, err := repo.List(AlertFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total, "total counts before pagination")
	require.Len(t, paged, 1)
	assert.Equal(t, "alt-b", paged[0].ID)

	since, _, err := repo.List(AlertFilter{Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "alt-c", since[0].ID)
}

func TestAlertAcknowledgeBatch(t *testing.T) {
	db, cleanup := setupCoreDB(t)
	defer cleanup()
	repo := NewAlertRepository(db.Conn(), zerolog.Nop())
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(sampleAlert("alt-1", domain.AlertWarning, base)))
	require.NoError(t, repo.Create(sampleAlert("alt-2", domain.AlertWarning, base)))

	acked, err := repo.AcknowledgeBatch([]string{"alt-1", "alt-2", "alt-missing"}, "ten-admin", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, acked, "missing ids are skipped")

	got, err := repo.GetByID("alt-1")
	require.NoError(t, err)
	assert.True(t, got.Acknowledged)
	assert.Equal(t, "ten-admin", got.AcknowledgedBy)
	require.NotNil(t, got.AcknowledgedAt)

	// Re-acknowledging keeps the original acknowledger
	again, err := repo.AcknowledgeBatch([]string{"alt-1"}, "ten-other", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, again)
	got, err = repo.GetByID("alt-1")
	require.NoError(t, err)
	assert.Equal(t, "ten-admin", got.AcknowledgedBy)
}

func TestAlertUnacknowledgedCount(t *testing.T) {
	db, cleanup := setupCoreDB(t)
	defer cleanup()
	repo := NewAlertRepository(db.Conn(), zerolog.Nop())
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(sampleAlert("alt-1", domain.AlertWarning, base)))
	require.NoError(t, repo.Create(sampleAlert("alt-2", domain.AlertWarning, base)))
	require.NoError(t, repo.Create(sampleAlert("alt-3", domain.AlertCritical, base)))

	_, err := repo.AcknowledgeBatch([]string{"alt-2"}, "ten-admin", base.Add(time.Minute))
	require.NoError(t, err)

	counts, err := repo.UnacknowledgedCount()
	require.NoError(t, err)
	assert.Equal(t, 1, counts["warning"])
	assert.Equal(t, 1, counts["critical"])
}

func TestAlertListInRangeAndPrune(t *testing.T) {
	db, cleanup := setupCoreDB(t)
	defer cleanup()
	repo := NewAlertRepository(db.Conn(), zerolog.Nop())
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(sampleAlert("alt-old", domain.AlertInfo, base.Add(-48*time.Hour))))
	require.NoError(t, repo.Create(sampleAlert("alt-in", domain.AlertInfo, base)))
	require.NoError(t, repo.Create(sampleAlert("alt-late", domain.AlertInfo, base.Add(24*time.Hour))))

	inRange, err := repo.ListInRange(base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, inRange, 1)
	assert.Equal(t, "alt-in", inRange[0].ID)

	// Only acknowledged alerts are pruned
	pruned, err := repo.PruneAcknowledgedBefore(base)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pruned)

	_, err = repo.AcknowledgeBatch([]string{"alt-old"}, "ten-admin", base)
	require.NoError(t, err)
	pruned, err = repo.PruneAcknowledgedBefore(base)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)
}
