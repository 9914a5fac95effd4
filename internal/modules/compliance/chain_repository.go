package compliance

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/archonlabs/bastion/internal/database"
	"github.com/rs/zerolog"
)

// chainColumns is the list of columns for the decision_chains table.
// Column order must match scanChain expectations.
const chainColumns = `chain_id, context_id, profile_id, created_at, completed_at, final_outcome, chain_hash, node_count`

// nodeColumns is the list of columns for the decision_nodes table.
// Column order must match scanNode expectations.
const nodeColumns = `node_id, chain_id, decision_type, source, timestamp, input_data, output_data, rationale, confidence, parent_node_id, node_hash`

// ChainQuery filters the chain audit trail. Zero values mean "no filter".
type ChainQuery struct {
	Start         time.Time
	End           time.Time
	ContextID     string
	ProfileID     string
	Outcome       string
	DecisionTypes []DecisionType
	Sources       []DecisionSource
	Limit         int
}

// DefaultQueryLimit caps audit queries that do not set their own limit
const DefaultQueryLimit = 100

// ChainRepository persists decision chains and their nodes on the audit
// database. Chains are written whole, inside the caller's transaction when
// the write must be atomic with a decision row.
type ChainRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewChainRepository creates a chain repository on the audit database
func NewChainRepository(db *sql.DB, log zerolog.Logger) *ChainRepository {
	return &ChainRepository{
		db:  db,
		log: log.With().Str("repo", "chains").Logger(),
	}
}

// SaveTx writes a sealed chain and all its nodes within tx. The signals
// pipeline calls this alongside the decision insert so a crash never leaves
// a decision without its trail.
func (r *ChainRepository) SaveTx(tx *sql.Tx, chain *Chain, now time.Time) error {
	chainQuery := `
		INSERT INTO decision_chains
		(chain_id, context_id, profile_id, created_at, completed_at, final_outcome, chain_hash, node_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := tx.Exec(chainQuery,
		chain.ChainID,
		chain.ContextID,
		chain.ProfileID,
		chain.CreatedAt.UTC().Format(time.RFC3339Nano),
		chain.CompletedAt.UTC().Format(time.RFC3339Nano),
		chain.Outcome,
		chain.ChainHash,
		len(chain.Nodes),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chain: %w", err)
	}

	nodeQuery := `
		INSERT INTO decision_nodes
		(node_id, chain_id, decision_type, source, timestamp, input_data, output_data,
		 rationale, confidence, parent_node_id, node_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for i := range chain.Nodes {
		n := &chain.Nodes[i]
		inputJSON, err := encodeData(n.InputData)
		if err != nil {
			return fmt.Errorf("failed to encode node input: %w", err)
		}
		outputJSON, err := encodeData(n.OutputData)
		if err != nil {
			return fmt.Errorf("failed to encode node output: %w", err)
		}

		var parent interface{}
		if n.ParentNodeID != "" {
			parent = n.ParentNodeID
		}

		_, err = tx.Exec(nodeQuery,
			n.NodeID,
			chain.ChainID,
			string(n.Type),
			string(n.Source),
			n.Timestamp.UTC().Format(time.RFC3339Nano),
			inputJSON,
			outputJSON,
			n.Rationale,
			n.Confidence,
			parent,
			n.Hash,
			now.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to insert node %s: %w", n.NodeID, err)
		}
	}
	return nil
}

// Save writes a sealed chain in its own transaction. Emergency actions use
// this; the signals pipeline uses SaveTx inside the decision transaction.
func (r *ChainRepository) Save(chain *Chain, now time.Time) error {
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		return r.SaveTx(tx, chain, now)
	})
	if err != nil {
		return err
	}

	r.log.Debug().
		Str("chain_id", chain.ChainID).
		Str("outcome", chain.Outcome).
		Int("nodes", len(chain.Nodes)).
		Msg("Chain persisted")
	return nil
}

// GetByID loads one chain with its nodes in append order.
// Returns nil when not found.
func (r *ChainRepository) GetByID(chainID string) (*Chain, error) {
	query := "SELECT " + chainColumns + " FROM decision_chains WHERE chain_id = ?"

	c, err := scanChain(r.db.QueryRow(query, chainID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chain: %w", err)
	}

	if err := r.loadNodes(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByContext loads the chain for one context id (typically a signal id).
// Returns nil when not found.
func (r *ChainRepository) GetByContext(contextID string) (*Chain, error) {
	query := "SELECT " + chainColumns + " FROM decision_chains WHERE context_id = ? ORDER BY created_at DESC LIMIT 1"

	c, err := scanChain(r.db.QueryRow(query, contextID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chain by context: %w", err)
	}

	if err := r.loadNodes(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Query retrieves chains matching the filters, newest first, nodes included.
// Type and source filters match chains containing at least one such node.
func (r *ChainRepository) Query(q ChainQuery) ([]Chain, error) {
	var conds []string
	var args []interface{}

	if !q.Start.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, q.Start.UTC().Format(time.RFC3339Nano))
	}
	if !q.End.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, q.End.UTC().Format(time.RFC3339Nano))
	}
	if q.ContextID != "" {
		conds = append(conds, "context_id = ?")
		args = append(args, q.ContextID)
	}
	if q.ProfileID != "" {
		conds = append(conds, "profile_id = ?")
		args = append(args, q.ProfileID)
	}
	if q.Outcome != "" {
		conds = append(conds, "final_outcome = ?")
		args = append(args, q.Outcome)
	}
	if len(q.DecisionTypes) > 0 {
		conds = append(conds, nodeExistsCond("decision_type", len(q.DecisionTypes)))
		for _, t := range q.DecisionTypes {
			args = append(args, string(t))
		}
	}
	if len(q.Sources) > 0 {
		conds = append(conds, nodeExistsCond("source", len(q.Sources)))
		for _, s := range q.Sources {
			args = append(args, string(s))
		}
	}

	limit := q.Limit
	if limit <= 0 || limit > DefaultQueryLimit {
		limit = DefaultQueryLimit
	}

	query := "SELECT " + chainColumns + " FROM decision_chains"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chains: %w", err)
	}
	defer rows.Close()

	var out []Chain
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chain: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chains: %w", err)
	}

	for i := range out {
		if err := r.loadNodes(&out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CountSince returns how many chains were created at or after cutoff.
// Evidence packages report this in their manifest.
func (r *ChainRepository) CountSince(cutoff time.Time) (int, error) {
	query := "SELECT COUNT(*) FROM decision_chains WHERE created_at >= ?"

	var count int
	err := r.db.QueryRow(query, cutoff.UTC().Format(time.RFC3339Nano)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chains: %w", err)
	}
	return count, nil
}

// PruneBefore deletes chains (and their nodes) created before cutoff.
// Retention maintenance calls this nightly.
func (r *ChainRepository) PruneBefore(cutoff time.Time) (int64, error) {
	cutoffStr := cutoff.UTC().Format(time.RFC3339Nano)

	var pruned int64
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM decision_nodes WHERE chain_id IN
			(SELECT chain_id FROM decision_chains WHERE created_at < ?)
		`, cutoffStr)
		if err != nil {
			return fmt.Errorf("failed to prune nodes: %w", err)
		}

		res, err := tx.Exec("DELETE FROM decision_chains WHERE created_at < ?", cutoffStr)
		if err != nil {
			return fmt.Errorf("failed to prune chains: %w", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}

	if pruned > 0 {
		r.log.Info().Int64("chains", pruned).Msg("Pruned old decision chains")
	}
	return pruned, nil
}

// loadNodes populates chain.Nodes in insert order and restores derived ids
func (r *ChainRepository) loadNodes(c *Chain) error {
	query := "SELECT " + nodeColumns + " FROM decision_nodes WHERE chain_id = ? ORDER BY timestamp ASC, rowid ASC"

	rows, err := r.db.Query(query, c.ChainID)
	if err != nil {
		return fmt.Errorf("failed to load nodes: %w", err)
	}
	defer rows.Close()

	c.Nodes = nil
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return fmt.Errorf("failed to scan node: %w", err)
		}
		c.Nodes = append(c.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating nodes: %w", err)
	}

	if len(c.Nodes) > 0 {
		c.RootNodeID = c.Nodes[0].NodeID
		c.TerminalNodeID = c.Nodes[len(c.Nodes)-1].NodeID
	}
	return nil
}

// scanChain reads one chain row without its nodes
func scanChain(s scanner) (Chain, error) {
	var c Chain
	var createdAt string
	var completedAt sql.NullString
	var nodeCount int

	err := s.Scan(
		&c.ChainID, &c.ContextID, &c.ProfileID, &createdAt, &completedAt,
		&c.Outcome, &c.ChainHash, &nodeCount,
	)
	if err != nil {
		return Chain{}, err
	}

	c.CreatedAt = parseTime(createdAt)
	if completedAt.Valid {
		c.CompletedAt = parseTime(completedAt.String)
	}
	return c, nil
}

// scanNode reads one node row
func scanNode(s scanner) (Node, error) {
	var n Node
	var chainID, decisionType, source, timestamp, inputJSON, outputJSON string
	var parent sql.NullString

	err := s.Scan(
		&n.NodeID, &chainID, &decisionType, &source, &timestamp,
		&inputJSON, &outputJSON, &n.Rationale, &n.Confidence, &parent, &n.Hash,
	)
	if err != nil {
		return Node{}, err
	}

	n.Type = DecisionType(decisionType)
	n.Source = DecisionSource(source)
	n.Timestamp = parseTime(timestamp)
	if parent.Valid {
		n.ParentNodeID = parent.String
	}

	if err := json.Unmarshal([]byte(inputJSON), &n.InputData); err != nil {
		return Node{}, fmt.Errorf("failed to decode node input: %w", err)
	}
	if err := json.Unmarshal([]byte(outputJSON), &n.OutputData); err != nil {
		return Node{}, fmt.Errorf("failed to decode node output: %w", err)
	}
	return n, nil
}

// nodeExistsCond builds an EXISTS subquery matching chains that contain a
// node whose column is in the placeholder set
func nodeExistsCond(column string, count int) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", count), ", ")
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM decision_nodes dn WHERE dn.chain_id = decision_chains.chain_id AND dn.%s IN (%s))",
		column, placeholders,
	)
}

// encodeData serialises a node data map, defaulting empty to {}
func encodeData(data map[string]interface{}) (string, error) {
	if len(data) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// scanner abstracts sql.Row and sql.Rows for shared scanning
type scanner interface {
	Scan(dest ...interface{}) error
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
