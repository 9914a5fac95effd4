package compliance

import (
	"testing"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() (*Tracker, *clock.Fixed) {
	clk := clock.NewFixed(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	return NewTracker(clk, &clock.SeqIDs{}, zerolog.Nop()), clk
}

func TestNodeHashStable(t *testing.T) {
	n := Node{
		NodeID:     "node_000000000001",
		Type:       SignalValidated,
		Source:     SourceSignalGate,
		Timestamp:  time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		InputData:  map[string]interface{}{"symbol": "EURUSD", "confidence": 0.85},
		OutputData: map[string]interface{}{"valid": true},
		Rationale:  "Signal passed validation",
		Confidence: 0.85,
	}

	first := n.ComputeHash()
	second := n.ComputeHash()

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestNodeHashIgnoresMetadata(t *testing.T) {
	n := Node{
		NodeID:     "node_000000000001",
		Type:       RiskApproved,
		Source:     SourceSignalGate,
		Timestamp:  time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		InputData:  map[string]interface{}{},
		OutputData: map[string]interface{}{},
		Rationale:  "All gate checks passed",
		Confidence: 1.0,
	}
	n.Hash = n.ComputeHash()

	n.Metadata = map[string]interface{}{"final_outcome": "executed"}

	assert.True(t, n.VerifyIntegrity())
}

func TestNodeTamperDetected(t *testing.T) {
	n := Node{
		NodeID:     "node_000000000001",
		Type:       GateBlocked,
		Source:     SourceSignalGate,
		Timestamp:  time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		InputData:  map[string]interface{}{"gate": "drawdown"},
		OutputData: map[string]interface{}{"passed": false},
		Rationale:  "Drawdown 6.2% exceeds maximum 5.0%",
		Confidence: 1.0,
	}
	n.Hash = n.ComputeHash()
	require.True(t, n.VerifyIntegrity())

	n.Rationale = "Drawdown within limits"

	assert.False(t, n.VerifyIntegrity())
}

func TestChainHashIndependentOfNodeOrder(t *testing.T) {
	a := Node{NodeID: "node_a", Type: SignalValidated, Source: SourceSignalGate}
	b := Node{NodeID: "node_b", Type: RiskApproved, Source: SourceSignalGate}
	a.Hash = a.ComputeHash()
	b.Hash = b.ComputeHash()

	forward := Chain{Nodes: []Node{a, b}}
	reversed := Chain{Nodes: []Node{b, a}}

	assert.Equal(t, forward.ComputeChainHash(), reversed.ComputeChainHash())
}

func TestTrackerBuildsLinkedChain(t *testing.T) {
	tracker, clk := newTestTracker()

	chain := tracker.StartChain("sig_abc", "prof-1", SignalValidated, SourceSignalGate,
		map[string]interface{}{"symbol": "EURUSD"}, "Signal received and validated", 0.9)
	require.NotNil(t, chain)
	assert.Equal(t, "pending", chain.Outcome)
	assert.Equal(t, chain.RootNodeID, chain.TerminalNodeID)

	clk.Advance(5 * time.Millisecond)
	gateNode := tracker.AddDecision("sig_abc", GatePassed, SourceSignalGate,
		map[string]interface{}{"gate": "confidence"},
		map[string]interface{}{"passed": true},
		"Confidence 0.90 meets minimum 0.60", 1.0)
	require.NotNil(t, gateNode)
	assert.Equal(t, chain.RootNodeID, gateNode.ParentNodeID)

	clk.Advance(5 * time.Millisecond)
	terminal := tracker.AddDecision("sig_abc", RiskApproved, SourceSignalGate,
		nil, map[string]interface{}{"decision": "approved"}, "All gate checks passed", 1.0)
	require.NotNil(t, terminal)
	assert.Equal(t, gateNode.NodeID, terminal.ParentNodeID)

	sealed := tracker.CompleteChain("sig_abc", "executed")
	require.NotNil(t, sealed)
	assert.Equal(t, "executed", sealed.Outcome)
	assert.Equal(t, terminal.NodeID, sealed.TerminalNodeID)
	assert.Len(t, sealed.Nodes, 3)

	report := sealed.Verify()
	assert.True(t, report.Valid)
	assert.True(t, report.ChainHashValid)
	assert.Empty(t, report.InvalidNodes)
}

func TestTrackerAddWithoutOpenChain(t *testing.T) {
	tracker, _ := newTestTracker()

	node := tracker.AddDecision("sig_unknown", GatePassed, SourceSignalGate, nil, nil, "", 1.0)

	assert.Nil(t, node)
}

func TestCompleteChainRemovesContext(t *testing.T) {
	tracker, _ := newTestTracker()
	tracker.StartChain("sig_abc", "prof-1", SignalValidated, SourceSignalGate, nil, "", 1.0)

	first := tracker.CompleteChain("sig_abc", "rejected")
	second := tracker.CompleteChain("sig_abc", "rejected")

	require.NotNil(t, first)
	assert.Nil(t, second)
}

func TestAbandonChainDropsContext(t *testing.T) {
	tracker, _ := newTestTracker()
	tracker.StartChain("sig_abc", "prof-1", SignalValidated, SourceSignalGate, nil, "", 1.0)

	tracker.AbandonChain("sig_abc")

	assert.Nil(t, tracker.AddDecision("sig_abc", GatePassed, SourceSignalGate, nil, nil, "", 1.0))
	assert.Nil(t, tracker.CompleteChain("sig_abc", "executed"))
}

func TestVerifyFlagsTamperedNode(t *testing.T) {
	tracker, clk := newTestTracker()
	tracker.StartChain("sig_abc", "prof-1", SignalValidated, SourceSignalGate, nil, "validated", 1.0)
	clk.Advance(time.Millisecond)
	tracker.AddDecision("sig_abc", RiskRejected, SourceSignalGate, nil, nil, "Rate limit exceeded", 1.0)
	sealed := tracker.CompleteChain("sig_abc", "rejected")
	require.NotNil(t, sealed)

	tampered := sealed.Nodes[1].NodeID
	sealed.Nodes[1].Rationale = "approved after all"

	report := sealed.Verify()
	assert.False(t, report.Valid)
	assert.Contains(t, report.InvalidNodes, tampered)
}

func TestVerifyFlagsChainHashMismatch(t *testing.T) {
	tracker, _ := newTestTracker()
	tracker.StartChain("sig_abc", "prof-1", SignalValidated, SourceSignalGate, nil, "", 1.0)
	sealed := tracker.CompleteChain("sig_abc", "executed")
	require.NotNil(t, sealed)

	sealed.ChainHash = "0000"

	report := sealed.Verify()
	assert.False(t, report.Valid)
	assert.False(t, report.ChainHashValid)
	assert.Empty(t, report.InvalidNodes)
}

func TestTimelineSortsByTimestamp(t *testing.T) {
	tracker, clk := newTestTracker()
	tracker.StartChain("sig_abc", "prof-1", SignalValidated, SourceSignalGate, nil, "first", 1.0)
	clk.Advance(time.Second)
	tracker.AddDecision("sig_abc", GatePassed, SourceSignalGate, nil, nil, "second", 1.0)
	clk.Advance(time.Second)
	tracker.AddDecision("sig_abc", RiskApproved, SourceSignalGate, nil, nil, "third", 1.0)
	sealed := tracker.CompleteChain("sig_abc", "executed")
	require.NotNil(t, sealed)

	timeline := sealed.Timeline()

	require.Len(t, timeline, 3)
	assert.Equal(t, "first", timeline[0].Rationale)
	assert.Equal(t, SignalValidated, timeline[0].Decision)
	assert.Equal(t, "third", timeline[2].Rationale)
	assert.True(t, timeline[0].Timestamp.Before(timeline[2].Timestamp))
}
