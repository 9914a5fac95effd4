package compliance

import (
	"os"
	"testing"
	"time"

	"github.com/archonlabs/bastion/internal/database"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupAuditDB creates a temporary audit database with the full schema
func setupAuditDB(t *testing.T) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "test_audit_*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileAudit,
		Name:    "audit",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	cleanup := func() {
		_ = db.Close()
		_ = os.Remove(tmpPath)
	}
	return db, cleanup
}

// buildSealedChain runs a small tracker flow and returns the sealed chain
func buildSealedChain(t *testing.T, contextID, profileID, outcome string) *Chain {
	t.Helper()

	tracker, clk := newTestTracker()
	tracker.StartChain(contextID, profileID, SignalValidated, SourceSignalGate,
		map[string]interface{}{"symbol": "EURUSD", "direction": "buy"}, "Signal received and validated", 0.9)
	clk.Advance(time.Millisecond)
	tracker.AddDecision(contextID, GatePassed, SourceSignalGate,
		map[string]interface{}{"gate": "confidence"},
		map[string]interface{}{"passed": true}, "Confidence 0.90 meets minimum 0.60", 1.0)
	clk.Advance(time.Millisecond)
	tracker.AddDecision(contextID, RiskApproved, SourceSignalGate,
		nil, map[string]interface{}{"decision": "approved"}, "All gate checks passed", 1.0)

	sealed := tracker.CompleteChain(contextID, outcome)
	require.NotNil(t, sealed)
	return sealed
}

func TestChainSaveAndGetByID(t *testing.T) {
	db, cleanup := setupAuditDB(t)
	defer cleanup()
	repo := NewChainRepository(db.Conn(), zerolog.Nop())
	chain := buildSealedChain(t, "sig_round", "prof-1", "executed")
	now := time.Date(2026, 3, 10, 12, 0, 1, 0, time.UTC)

	require.NoError(t, repo.Save(chain, now))

	loaded, err := repo.GetByID(chain.ChainID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, chain.ContextID, loaded.ContextID)
	assert.Equal(t, chain.ProfileID, loaded.ProfileID)
	assert.Equal(t, "executed", loaded.Outcome)
	assert.Equal(t, chain.ChainHash, loaded.ChainHash)
	require.Len(t, loaded.Nodes, 3)
	assert.Equal(t, chain.RootNodeID, loaded.RootNodeID)
	assert.Equal(t, chain.TerminalNodeID, loaded.TerminalNodeID)
}

func TestChainVerifiesAfterReload(t *testing.T) {
	db, cleanup := setupAuditDB(t)
	defer cleanup()
	repo := NewChainRepository(db.Conn(), zerolog.Nop())
	chain := buildSealedChain(t, "sig_verify", "prof-1", "executed")
	require.NoError(t, repo.Save(chain, chain.CompletedAt))

	loaded, err := repo.GetByID(chain.ChainID)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	report := loaded.Verify()
	assert.True(t, report.Valid, "hashes must survive the JSON round trip")
	assert.True(t, report.ChainHashValid)
	assert.Empty(t, report.InvalidNodes)
}

func TestChainTamperDetectedAfterReload(t *testing.T) {
	db, cleanup := setupAuditDB(t)
	defer cleanup()
	repo := NewChainRepository(db.Conn(), zerolog.Nop())
	chain := buildSealedChain(t, "sig_tamper", "prof-1", "rejected")
	require.NoError(t, repo.Save(chain, chain.CompletedAt))

	_, err := db.Exec("UPDATE decision_nodes SET rationale = 'edited' WHERE node_id = ?",
		chain.Nodes[1].NodeID)
	require.NoError(t, err)

	loaded, err := repo.GetByID(chain.ChainID)
	require.NoError(t, err)

	report := loaded.Verify()
	assert.False(t, report.Valid)
	assert.Contains(t, report.InvalidNodes, chain.Nodes[1].NodeID)
}

func TestChainGetByIDMissing(t *testing.T) {
	db, cleanup := setupAuditDB(t)
	defer cleanup()
	repo := NewChainRepository(db.Conn(), zerolog.Nop())

	loaded, err := repo.GetByID("chain_nope")

	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestChainGetByContext(t *testing.T) {
	db, cleanup := setupAuditDB(t)
	defer cleanup()
	repo := NewChainRepository(db.Conn(), zerolog.Nop())
	chain := buildSealedChain(t, "sig_ctx", "prof-1", "executed")
	require.NoError(t, repo.Save(chain, chain.CompletedAt))

	loaded, err := repo.GetByContext("sig_ctx")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, chain.ChainID, loaded.ChainID)

	missing, err := repo.GetByContext("sig_other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestChainQueryFilters(t *testing.T) {
	db, cleanup := setupAuditDB(t)
	defer cleanup()
	repo := NewChainRepository(db.Conn(), zerolog.Nop())

	approved := buildSealedChain(t, "sig_a", "prof-1", "executed")
	require.NoError(t, repo.Save(approved, approved.CompletedAt))

	tracker, _ := newTestTracker()
	tracker.StartChain("sig_b", "prof-2", SignalValidated, SourceSignalGate, nil, "", 1.0)
	tracker.AddDecision("sig_b", RiskRejected, SourceSignalGate, nil, nil, "Rate limit exceeded", 1.0)
	rejected := tracker.CompleteChain("sig_b", "rejected")
	rejected.CreatedAt = approved.CreatedAt.Add(time.Minute)
	rejected.CompletedAt = rejected.CreatedAt
	require.NoError(t, repo.Save(rejected, rejected.CompletedAt))

	byProfile, err := repo.Query(ChainQuery{ProfileID: "prof-1"})
	require.NoError(t, err)
	require.Len(t, byProfile, 1)
	assert.Equal(t, approved.ChainID, byProfile[0].ChainID)

	byOutcome, err := repo.Query(ChainQuery{Outcome: "rejected"})
	require.NoError(t, err)
	require.Len(t, byOutcome, 1)
	assert.Equal(t, rejected.ChainID, byOutcome[0].ChainID)

	byType, err := repo.Query(ChainQuery{DecisionTypes: []DecisionType{RiskApproved}})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, approved.ChainID, byType[0].ChainID)

	all, err := repo.Query(ChainQuery{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, rejected.ChainID, all[0].ChainID, "newest first")
	assert.Len(t, all[0].Nodes, 2, "query results include nodes")

	limited, err := repo.Query(ChainQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestChainPruneBefore(t *testing.T) {
	db, cleanup := setupAuditDB(t)
	defer cleanup()
	repo := NewChainRepository(db.Conn(), zerolog.Nop())
	chain := buildSealedChain(t, "sig_old", "prof-1", "executed")
	require.NoError(t, repo.Save(chain, chain.CompletedAt))

	pruned, err := repo.PruneBefore(chain.CreatedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	loaded, err := repo.GetByID(chain.ChainID)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	var nodes int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM decision_nodes").Scan(&nodes))
	assert.Zero(t, nodes, "pruning a chain removes its nodes")
}

func TestChainCountSince(t *testing.T) {
	db, cleanup := setupAuditDB(t)
	defer cleanup()
	repo := NewChainRepository(db.Conn(), zerolog.Nop())
	chain := buildSealedChain(t, "sig_count", "prof-1", "executed")
	require.NoError(t, repo.Save(chain, chain.CompletedAt))

	count, err := repo.CountSince(chain.CreatedAt.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = repo.CountSince(chain.CreatedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)
}
