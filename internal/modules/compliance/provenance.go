// Package compliance provides the decision provenance trail: hash-chained
// decision nodes, chain verification, and evidence packages. It answers
// "why did this trade happen" with tamper-evident records.
package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/rs/zerolog"
)

// DecisionType classifies one node in a decision chain
type DecisionType string

const (
	// Signal lifecycle
	SignalGenerated DecisionType = "signal.generated"
	SignalValidated DecisionType = "signal.validated"
	SignalRejected  DecisionType = "signal.rejected"

	// Gate verdicts
	GatePassed   DecisionType = "gate.passed"
	GateBlocked  DecisionType = "gate.blocked"
	GateOverride DecisionType = "gate.override"

	// Risk evaluation
	RiskApproved DecisionType = "risk.approved"
	RiskReduced  DecisionType = "risk.reduced"
	RiskRejected DecisionType = "risk.rejected"

	// Position actions
	PositionOpened   DecisionType = "position.opened"
	PositionModified DecisionType = "position.modified"
	PositionClosed   DecisionType = "position.closed"

	// Emergency actions
	KillSwitch         DecisionType = "emergency.kill_switch"
	PanicHedge         DecisionType = "emergency.panic_hedge"
	ManualIntervention DecisionType = "emergency.manual"
)

// DecisionSource identifies which actor produced a node
type DecisionSource string

const (
	SourceAIAgent         DecisionSource = "ai_agent"
	SourceSignalGate      DecisionSource = "signal_gate"
	SourceRiskEngine      DecisionSource = "risk_engine"
	SourcePositionManager DecisionSource = "position_manager"
	SourceAdminUser       DecisionSource = "admin_user"
	SourceRiskOfficer     DecisionSource = "risk_officer"
	SourceSystemAuto      DecisionSource = "system_auto"
	SourceExternalSignal  DecisionSource = "external_signal"
)

// Node is a single decision in a chain. Never mutated after append.
//
// InputData and OutputData must hold only plain JSON values (maps, slices,
// strings, numbers, bools): the hash canonicalises via JSON map-key sorting,
// and a struct would serialise in field order before persistence but map
// order after reload.
type Node struct {
	Timestamp    time.Time              `json:"timestamp"`
	InputData    map[string]interface{} `json:"input_data"`
	OutputData   map[string]interface{} `json:"output_data"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	NodeID       string                 `json:"node_id"`
	Type         DecisionType           `json:"decision_type"`
	Source       DecisionSource         `json:"source"`
	Rationale    string                 `json:"rationale"`
	ParentNodeID string                 `json:"parent_node_id,omitempty"`
	Hash         string                 `json:"hash"`
	Confidence   float64                `json:"confidence"`
}

// ComputeHash returns the integrity hash over the node's identity fields.
// Metadata is deliberately excluded so annotations never break the chain.
func (n *Node) ComputeHash() string {
	identity := map[string]interface{}{
		"node_id":        n.NodeID,
		"decision_type":  string(n.Type),
		"source":         string(n.Source),
		"timestamp":      n.Timestamp.UTC().Format(time.RFC3339Nano),
		"input_data":     n.InputData,
		"output_data":    n.OutputData,
		"rationale":      n.Rationale,
		"confidence":     n.Confidence,
		"parent_node_id": n.ParentNodeID,
	}
	// json.Marshal sorts map keys at every level, giving a canonical byte
	// form without a custom encoder.
	data, _ := json.Marshal(identity)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrity reports whether the stored hash matches a recompute
func (n *Node) VerifyIntegrity() bool {
	return n.Hash == n.ComputeHash()
}

// Chain is the complete decision trace for one context (one signal
// submission, one emergency action). Sealed on completion.
type Chain struct {
	CreatedAt      time.Time `json:"created_at"`
	CompletedAt    time.Time `json:"completed_at"`
	ChainID        string    `json:"chain_id"`
	ContextID      string    `json:"context_id"`
	ProfileID      string    `json:"profile_id,omitempty"`
	RootNodeID     string    `json:"root_node_id"`
	TerminalNodeID string    `json:"terminal_node_id"`
	Outcome        string    `json:"outcome"`
	ChainHash      string    `json:"chain_hash"`
	Nodes          []Node    `json:"nodes"`
}

// ComputeChainHash hashes the sorted concatenation of node hashes. Sorting
// makes the chain hash independent of append order, so two verifiers that
// load nodes differently still agree.
func (c *Chain) ComputeChainHash() string {
	hashes := make([]string, len(c.Nodes))
	for i, n := range c.Nodes {
		hashes[i] = n.Hash
	}
	sort.Strings(hashes)
	sum := sha256.Sum256([]byte(strings.Join(hashes, "|")))
	return hex.EncodeToString(sum[:])
}

// VerificationReport is the outcome of a chain integrity walk
type VerificationReport struct {
	ChainID        string   `json:"chain_id"`
	InvalidNodes   []string `json:"invalid_nodes,omitempty"`
	NodeCount      int      `json:"node_count"`
	Valid          bool     `json:"valid"`
	ChainHashValid bool     `json:"chain_hash_valid"`
}

// Verify walks every node hash, then the chain hash
func (c *Chain) Verify() VerificationReport {
	report := VerificationReport{
		ChainID:   c.ChainID,
		NodeCount: len(c.Nodes),
	}
	for _, n := range c.Nodes {
		if !n.VerifyIntegrity() {
			report.InvalidNodes = append(report.InvalidNodes, n.NodeID)
		}
	}
	report.ChainHashValid = c.ChainHash == c.ComputeChainHash()
	report.Valid = len(report.InvalidNodes) == 0 && report.ChainHashValid
	return report
}

// TimelineEntry is one step in the human-readable chain timeline
type TimelineEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Decision   DecisionType   `json:"decision"`
	Source     DecisionSource `json:"source"`
	Rationale  string         `json:"rationale"`
	Confidence float64        `json:"confidence"`
}

// Timeline returns the nodes in chronological order for export
func (c *Chain) Timeline() []TimelineEntry {
	nodes := make([]Node, len(c.Nodes))
	copy(nodes, c.Nodes)
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Timestamp.Before(nodes[j].Timestamp)
	})

	timeline := make([]TimelineEntry, len(nodes))
	for i, n := range nodes {
		timeline[i] = TimelineEntry{
			Timestamp:  n.Timestamp,
			Decision:   n.Type,
			Source:     n.Source,
			Rationale:  n.Rationale,
			Confidence: n.Confidence,
		}
	}
	return timeline
}

// Tracker builds decision chains keyed by a caller-supplied context id
// (typically the signal id). Chains live in the tracker only while open;
// completed chains are handed to the caller for persistence.
type Tracker struct {
	chains map[string]*Chain
	active map[string]string
	clk    clock.Clock
	ids    clock.Minter
	log    zerolog.Logger
	mu     sync.Mutex
}

// NewTracker creates a provenance tracker
func NewTracker(clk clock.Clock, ids clock.Minter, log zerolog.Logger) *Tracker {
	return &Tracker{
		chains: make(map[string]*Chain),
		active: make(map[string]string),
		clk:    clk,
		ids:    ids,
		log:    log.With().Str("component", "provenance").Logger(),
	}
}

// StartChain opens a new chain with its root node
func (t *Tracker) StartChain(contextID, profileID string, decision DecisionType, source DecisionSource, input map[string]interface{}, rationale string, confidence float64) *Chain {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	root := Node{
		NodeID:     t.ids.Prefixed("node"),
		Type:       decision,
		Source:     source,
		Timestamp:  now,
		InputData:  input,
		OutputData: map[string]interface{}{},
		Rationale:  rationale,
		Confidence: confidence,
	}
	root.Hash = root.ComputeHash()

	chain := &Chain{
		ChainID:        t.ids.Prefixed("chain"),
		ContextID:      contextID,
		ProfileID:      profileID,
		RootNodeID:     root.NodeID,
		TerminalNodeID: root.NodeID,
		Outcome:        "pending",
		CreatedAt:      now,
		CompletedAt:    now,
		Nodes:          []Node{root},
	}
	chain.ChainHash = chain.ComputeChainHash()

	t.chains[chain.ChainID] = chain
	t.active[contextID] = chain.ChainID
	return chain
}

// AddDecision appends a node to the open chain for contextID. The new node's
// parent is the current terminal node. Returns nil when no chain is open.
func (t *Tracker) AddDecision(contextID string, decision DecisionType, source DecisionSource, input, output map[string]interface{}, rationale string, confidence float64) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	chain := t.openChainLocked(contextID)
	if chain == nil {
		t.log.Warn().Str("context_id", contextID).Msg("Decision added with no open chain")
		return nil
	}

	node := Node{
		NodeID:       t.ids.Prefixed("node"),
		Type:         decision,
		Source:       source,
		Timestamp:    t.clk.Now(),
		InputData:    input,
		OutputData:   output,
		Rationale:    rationale,
		Confidence:   confidence,
		ParentNodeID: chain.TerminalNodeID,
	}
	node.Hash = node.ComputeHash()

	chain.Nodes = append(chain.Nodes, node)
	chain.TerminalNodeID = node.NodeID
	chain.CompletedAt = node.Timestamp
	chain.ChainHash = chain.ComputeChainHash()
	return &node
}

// CompleteChain seals the chain for contextID with a final outcome and
// removes it from the active set. The returned chain is ready to persist.
func (t *Tracker) CompleteChain(contextID, outcome string) *Chain {
	t.mu.Lock()
	defer t.mu.Unlock()

	chain := t.openChainLocked(contextID)
	if chain == nil {
		return nil
	}

	chain.Outcome = outcome
	chain.CompletedAt = t.clk.Now()
	chain.ChainHash = chain.ComputeChainHash()

	delete(t.active, contextID)
	delete(t.chains, chain.ChainID)
	return chain
}

// AbandonChain drops an open chain without sealing it. Used when the
// pipeline fails before persistence so a retry starts clean.
func (t *Tracker) AbandonChain(contextID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if chainID, ok := t.active[contextID]; ok {
		delete(t.chains, chainID)
		delete(t.active, contextID)
	}
}

func (t *Tracker) openChainLocked(contextID string) *Chain {
	chainID, ok := t.active[contextID]
	if !ok {
		return nil
	}
	return t.chains[chainID]
}
