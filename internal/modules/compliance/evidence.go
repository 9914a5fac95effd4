package compliance

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/rs/zerolog"
)

// EvidenceType classifies what a packaged item contains
type EvidenceType string

const (
	EvidenceDecisionChain EvidenceType = "decision_chain"
	EvidenceSignalHistory EvidenceType = "signal_history"
	EvidenceTradeHistory  EvidenceType = "trade_history"
	EvidenceRiskAlerts    EvidenceType = "risk_alerts"
	EvidenceAdminActions  EvidenceType = "admin_actions"
	EvidenceSystemEvents  EvidenceType = "system_events"
)

const (
	// DefaultClassification marks exported bundles
	DefaultClassification = "CONFIDENTIAL"
	// DefaultRetentionDays is seven years
	DefaultRetentionDays = 2555

	// evidenceQueryLimit caps how many chains one bundle may carry
	evidenceQueryLimit = 5000
)

// Item is a single piece of evidence. Data is normalised through a JSON
// round trip before hashing so the hash matches what an auditor recomputes
// from the exported file.
type Item struct {
	CollectedAt time.Time              `json:"collected_at"`
	Data        interface{}            `json:"data"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	ItemID      string                 `json:"item_id"`
	Type        EvidenceType           `json:"evidence_type"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Hash        string                 `json:"hash"`
}

// NewItem builds an item, normalises its data, and seals the hash
func NewItem(id string, typ EvidenceType, title, description string, collectedAt time.Time, data interface{}, metadata map[string]interface{}) (Item, error) {
	normalised, err := normalizeJSON(data)
	if err != nil {
		return Item{}, fmt.Errorf("failed to normalise evidence data: %w", err)
	}
	item := Item{
		ItemID:      id,
		Type:        typ,
		Title:       title,
		Description: description,
		CollectedAt: collectedAt,
		Data:        normalised,
		Metadata:    metadata,
	}
	item.Hash = item.computeHash()
	return item, nil
}

func (i *Item) computeHash() string {
	raw, err := json.Marshal(i.Data)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrity reports whether the data still matches the sealed hash
func (i *Item) VerifyIntegrity() bool {
	return i.Hash != "" && i.Hash == i.computeHash()
}

// Package is a complete evidence bundle for one audit request
type Package struct {
	RequestedAt    time.Time  `json:"requested_at"`
	PeriodStart    time.Time  `json:"period_start"`
	PeriodEnd      time.Time  `json:"period_end"`
	ExportedAt     *time.Time `json:"exported_at,omitempty"`
	PackageID      string     `json:"package_id"`
	Title          string     `json:"title"`
	Purpose        string     `json:"purpose"`
	RequestedBy    string     `json:"requested_by"`
	Classification string     `json:"classification"`
	ExportedFormat string     `json:"exported_format,omitempty"`
	PackageHash    string     `json:"package_hash"`
	Items          []Item     `json:"items"`
	RetentionDays  int        `json:"retention_days"`
}

// AddItem appends an item and reseals the package hash
func (p *Package) AddItem(item Item) {
	p.Items = append(p.Items, item)
	p.PackageHash = p.computePackageHash()
}

// computePackageHash hashes the sorted item hashes joined with "|", so the
// package hash does not depend on collection order.
func (p *Package) computePackageHash() string {
	hashes := make([]string, 0, len(p.Items))
	for _, item := range p.Items {
		hashes = append(hashes, item.Hash)
	}
	sort.Strings(hashes)
	sum := sha256.Sum256([]byte(strings.Join(hashes, "|")))
	return hex.EncodeToString(sum[:])
}

// ItemCheck is one item's integrity verdict
type ItemCheck struct {
	ItemID string `json:"item_id"`
	Valid  bool   `json:"valid"`
}

// PackageReport is the result of verifying a package
type PackageReport struct {
	PackageID        string      `json:"package_id"`
	Items            []ItemCheck `json:"items_verified"`
	Issues           []string    `json:"issues"`
	Verified         bool        `json:"verified"`
	PackageHashValid bool        `json:"package_hash_valid"`
}

// VerifyIntegrity checks every item hash and the package hash
func (p *Package) VerifyIntegrity() PackageReport {
	report := PackageReport{
		PackageID:        p.PackageID,
		Verified:         true,
		PackageHashValid: true,
		Items:            make([]ItemCheck, 0, len(p.Items)),
		Issues:           []string{},
	}

	for i := range p.Items {
		valid := p.Items[i].VerifyIntegrity()
		report.Items = append(report.Items, ItemCheck{ItemID: p.Items[i].ItemID, Valid: valid})
		if !valid {
			report.Verified = false
			report.Issues = append(report.Issues, fmt.Sprintf("Item %s failed integrity check", p.Items[i].ItemID))
		}
	}

	if p.PackageHash != "" && p.PackageHash != p.computePackageHash() {
		report.Verified = false
		report.PackageHashValid = false
		report.Issues = append(report.Issues, "Package hash verification failed")
	}

	return report
}

// Manifest returns the package header written to MANIFEST.json
func (p *Package) Manifest() map[string]interface{} {
	types := make(map[EvidenceType]bool)
	for _, item := range p.Items {
		types[item.Type] = true
	}
	typeList := make([]string, 0, len(types))
	for t := range types {
		typeList = append(typeList, string(t))
	}
	sort.Strings(typeList)

	var exportedAt interface{}
	if p.ExportedAt != nil {
		exportedAt = p.ExportedAt.UTC().Format(time.RFC3339Nano)
	}

	return map[string]interface{}{
		"package_id":      p.PackageID,
		"title":           p.Title,
		"purpose":         p.Purpose,
		"requested_by":    p.RequestedBy,
		"requested_at":    p.RequestedAt.UTC().Format(time.RFC3339Nano),
		"period_start":    p.PeriodStart.UTC().Format(time.RFC3339Nano),
		"period_end":      p.PeriodEnd.UTC().Format(time.RFC3339Nano),
		"classification":  p.Classification,
		"retention_days":  p.RetentionDays,
		"item_count":      len(p.Items),
		"evidence_types":  typeList,
		"package_hash":    p.PackageHash,
		"exported_at":     exportedAt,
		"exported_format": p.ExportedFormat,
	}
}

// DecisionHistoryInterface supplies decisions for signal history evidence
type DecisionHistoryInterface interface {
	ListRange(profileID string, start, end time.Time) ([]domain.Decision, error)
}

// TradeHistoryInterface supplies closed trades for trade evidence
type TradeHistoryInterface interface {
	ListInRange(profileID string, start, end time.Time) ([]domain.TradeRecord, error)
}

// AlertHistoryInterface supplies alerts for risk evidence
type AlertHistoryInterface interface {
	ListInRange(start, end time.Time) ([]domain.Alert, error)
}

// PackagerDeps carries the evidence sources
type PackagerDeps struct {
	Chains    *ChainRepository
	Events    *EventRepository
	Decisions DecisionHistoryInterface
	Trades    TradeHistoryInterface
	Alerts    AlertHistoryInterface
	Clock     clock.Clock
	IDs       clock.Minter
	Log       zerolog.Logger
}

// Packager collects evidence from the control plane's stores and seals it
// into exportable packages
type Packager struct {
	chains    *ChainRepository
	events    *EventRepository
	decisions DecisionHistoryInterface
	trades    TradeHistoryInterface
	alerts    AlertHistoryInterface
	clk       clock.Clock
	ids       clock.Minter
	log       zerolog.Logger
}

// NewPackager creates an evidence packager
func NewPackager(deps PackagerDeps) *Packager {
	return &Packager{
		chains:    deps.Chains,
		events:    deps.Events,
		decisions: deps.Decisions,
		trades:    deps.Trades,
		alerts:    deps.Alerts,
		clk:       deps.Clock,
		ids:       deps.IDs,
		log:       deps.Log.With().Str("component", "evidence").Logger(),
	}
}

// BundleRequest describes what an audit bundle should contain
type BundleRequest struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	Title       string
	Purpose     string
	RequestedBy string
	// ProfileID narrows chain, decision, and trade evidence to one profile.
	// Empty spans the whole plane.
	ProfileID      string
	Classification string
	Types          []EvidenceType
}

// CreatePackage starts an empty package for the request
func (pk *Packager) CreatePackage(req BundleRequest) *Package {
	classification := req.Classification
	if classification == "" {
		classification = DefaultClassification
	}
	title := req.Title
	if title == "" {
		title = fmt.Sprintf("Audit Bundle - %s", req.Purpose)
	}
	return &Package{
		PackageID:      pk.ids.Prefixed("pkg"),
		Title:          title,
		Purpose:        req.Purpose,
		RequestedBy:    req.RequestedBy,
		RequestedAt:    pk.clk.Now().UTC(),
		PeriodStart:    req.PeriodStart.UTC(),
		PeriodEnd:      req.PeriodEnd.UTC(),
		Classification: classification,
		RetentionDays:  DefaultRetentionDays,
		Items:          []Item{},
	}
}

// BuildBundle collects every requested evidence type for the period and
// returns the sealed package. An empty type list selects everything.
func (pk *Packager) BuildBundle(req BundleRequest) (*Package, error) {
	pkg := pk.CreatePackage(req)

	types := req.Types
	if len(types) == 0 {
		types = []EvidenceType{
			EvidenceDecisionChain,
			EvidenceSignalHistory,
			EvidenceTradeHistory,
			EvidenceRiskAlerts,
			EvidenceAdminActions,
		}
	}

	for _, typ := range types {
		var err error
		switch typ {
		case EvidenceDecisionChain:
			err = pk.collectChains(pkg, req.ProfileID)
		case EvidenceSignalHistory:
			err = pk.collectSignalHistory(pkg, req.ProfileID)
		case EvidenceTradeHistory:
			err = pk.collectTradeHistory(pkg, req.ProfileID)
		case EvidenceRiskAlerts:
			err = pk.collectRiskAlerts(pkg)
		case EvidenceAdminActions, EvidenceSystemEvents:
			err = pk.collectSystemEvents(pkg, typ)
		default:
			err = fmt.Errorf("unknown evidence type: %s", typ)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to collect %s evidence: %w", typ, err)
		}
	}

	pk.log.Info().
		Str("package_id", pkg.PackageID).
		Str("purpose", pkg.Purpose).
		Int("items", len(pkg.Items)).
		Msg("Evidence package assembled")

	return pkg, nil
}

func (pk *Packager) collectChains(pkg *Package, profileID string) error {
	chains, err := pk.chains.Query(ChainQuery{
		Start:     pkg.PeriodStart,
		End:       pkg.PeriodEnd,
		ProfileID: profileID,
		Limit:     evidenceQueryLimit,
	})
	if err != nil {
		return err
	}

	outcomes := make(map[string]int)
	for i := range chains {
		outcomes[chains[i].Outcome]++
	}

	item, err := NewItem(
		pk.ids.Prefixed("evi"),
		EvidenceDecisionChain,
		"Decision Provenance Chains",
		pk.periodDescription(pkg, "Complete decision chains"),
		pk.clk.Now().UTC(),
		chains,
		map[string]interface{}{
			"chain_count": len(chains),
			"outcomes":    outcomes,
		},
	)
	if err != nil {
		return err
	}
	pkg.AddItem(item)
	return nil
}

func (pk *Packager) collectSignalHistory(pkg *Package, profileID string) error {
	decisions, err := pk.decisions.ListRange(profileID, pkg.PeriodStart, pkg.PeriodEnd)
	if err != nil {
		return err
	}

	byStatus := make(map[string]int)
	for i := range decisions {
		byStatus[string(decisions[i].Status)]++
	}

	item, err := NewItem(
		pk.ids.Prefixed("evi"),
		EvidenceSignalHistory,
		"Signal Gate History",
		pk.periodDescription(pkg, "All signals processed"),
		pk.clk.Now().UTC(),
		decisions,
		map[string]interface{}{
			"total_signals": len(decisions),
			"by_status":     byStatus,
		},
	)
	if err != nil {
		return err
	}
	pkg.AddItem(item)
	return nil
}

func (pk *Packager) collectTradeHistory(pkg *Package, profileID string) error {
	trades, err := pk.trades.ListInRange(profileID, pkg.PeriodStart, pkg.PeriodEnd)
	if err != nil {
		return err
	}

	totalPnL := 0.0
	symbols := make(map[string]bool)
	for i := range trades {
		totalPnL += trades[i].Profit
		symbols[trades[i].Symbol] = true
	}
	symbolList := make([]string, 0, len(symbols))
	for s := range symbols {
		symbolList = append(symbolList, s)
	}
	sort.Strings(symbolList)

	item, err := NewItem(
		pk.ids.Prefixed("evi"),
		EvidenceTradeHistory,
		"Trade Execution History",
		pk.periodDescription(pkg, "All closed trades"),
		pk.clk.Now().UTC(),
		trades,
		map[string]interface{}{
			"total_trades":   len(trades),
			"total_pnl":      totalPnL,
			"symbols_traded": symbolList,
		},
	)
	if err != nil {
		return err
	}
	pkg.AddItem(item)
	return nil
}

func (pk *Packager) collectRiskAlerts(pkg *Package) error {
	alerts, err := pk.alerts.ListInRange(pkg.PeriodStart, pkg.PeriodEnd)
	if err != nil {
		return err
	}

	bySeverity := make(map[string]int)
	acknowledged := 0
	for i := range alerts {
		bySeverity[string(alerts[i].Severity)]++
		if alerts[i].Acknowledged {
			acknowledged++
		}
	}

	item, err := NewItem(
		pk.ids.Prefixed("evi"),
		EvidenceRiskAlerts,
		"Risk Alert Log",
		pk.periodDescription(pkg, "All risk alerts"),
		pk.clk.Now().UTC(),
		alerts,
		map[string]interface{}{
			"total_alerts": len(alerts),
			"by_severity":  bySeverity,
			"acknowledged": acknowledged,
		},
	)
	if err != nil {
		return err
	}
	pkg.AddItem(item)
	return nil
}

// collectSystemEvents backs both admin_actions and system_events items.
// Admin actions filter to admin_ prefixed event types.
func (pk *Packager) collectSystemEvents(pkg *Package, typ EvidenceType) error {
	events, err := pk.events.ListRange(pkg.PeriodStart, pkg.PeriodEnd)
	if err != nil {
		return err
	}

	title := "System Event Log"
	description := pk.periodDescription(pkg, "All system events")
	if typ == EvidenceAdminActions {
		filtered := events[:0]
		for _, e := range events {
			if strings.HasPrefix(e.EventType, "admin_") {
				filtered = append(filtered, e)
			}
		}
		events = filtered
		title = "Administrative Actions Log"
		description = pk.periodDescription(pkg, "All admin actions")
	}

	byType := make(map[string]int)
	for i := range events {
		byType[events[i].EventType]++
	}

	item, err := NewItem(
		pk.ids.Prefixed("evi"),
		typ,
		title,
		description,
		pk.clk.Now().UTC(),
		events,
		map[string]interface{}{
			"total_events": len(events),
			"by_type":      byType,
		},
	)
	if err != nil {
		return err
	}
	pkg.AddItem(item)
	return nil
}

func (pk *Packager) periodDescription(pkg *Package, prefix string) string {
	return fmt.Sprintf("%s from %s to %s", prefix,
		pkg.PeriodStart.Format("2006-01-02"),
		pkg.PeriodEnd.Format("2006-01-02"))
}

// ExportJSON renders the whole package as indented JSON
func (pk *Packager) ExportJSON(pkg *Package) ([]byte, error) {
	now := pk.clk.Now().UTC()
	pkg.ExportedAt = &now
	pkg.ExportedFormat = "json"

	raw, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to export evidence package: %w", err)
	}
	return raw, nil
}

// ExportZip renders the package as a ZIP bundle holding MANIFEST.json,
// README.md, one JSON file per item under evidence/<type>/, and the
// INTEGRITY.json verification report
func (pk *Packager) ExportZip(pkg *Package) ([]byte, error) {
	now := pk.clk.Now().UTC()
	pkg.ExportedAt = &now
	pkg.ExportedFormat = "zip"

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	if err := writeZipJSON(zw, "MANIFEST.json", pkg.Manifest()); err != nil {
		return nil, err
	}
	if err := writeZipFile(zw, "README.md", []byte(renderReadme(pkg))); err != nil {
		return nil, err
	}
	for i := range pkg.Items {
		name := fmt.Sprintf("evidence/%s/%s.json", pkg.Items[i].Type, pkg.Items[i].ItemID)
		if err := writeZipJSON(zw, name, pkg.Items[i]); err != nil {
			return nil, err
		}
	}
	if err := writeZipJSON(zw, "INTEGRITY.json", pkg.VerifyIntegrity()); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalise evidence bundle: %w", err)
	}

	pk.log.Info().
		Str("package_id", pkg.PackageID).
		Int("items", len(pkg.Items)).
		Int("bytes", buf.Len()).
		Msg("Evidence bundle exported")

	return buf.Bytes(), nil
}

func writeZipJSON(zw *zip.Writer, name string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return writeZipFile(zw, name, raw)
}

func writeZipFile(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to add %s to bundle: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func renderReadme(pkg *Package) string {
	var rows strings.Builder
	for i := range pkg.Items {
		hash := pkg.Items[i].Hash
		if len(hash) > 16 {
			hash = hash[:16] + "..."
		}
		rows.WriteString(fmt.Sprintf("| %s | %s | %s |\n", pkg.Items[i].Type, pkg.Items[i].Title, hash))
	}

	exported := "Not yet exported"
	if pkg.ExportedAt != nil {
		exported = pkg.ExportedAt.UTC().Format(time.RFC3339)
	}

	return fmt.Sprintf(`# Evidence Package: %s

## Package Information

- **Package ID:** %s
- **Purpose:** %s
- **Requested By:** %s
- **Requested At:** %s
- **Classification:** %s

## Evidence Period

- **Start:** %s
- **End:** %s

## Contents

This package contains %d evidence items:

| Type | Title | Hash |
|------|-------|------|
%s
## Integrity Verification

Package Hash: `+"`%s`"+`

To verify integrity, compare the hashes in INTEGRITY.json with
the computed hashes of each evidence item.

## Retention

This package must be retained for %d days (%d years) from the
export date.

## Legal Notice

This evidence package is %s and contains sensitive trading and
operational data. Unauthorized disclosure is prohibited.

---
Exported: %s
`,
		pkg.Title,
		pkg.PackageID,
		pkg.Purpose,
		pkg.RequestedBy,
		pkg.RequestedAt.UTC().Format(time.RFC3339),
		pkg.Classification,
		pkg.PeriodStart.UTC().Format(time.RFC3339),
		pkg.PeriodEnd.UTC().Format(time.RFC3339),
		len(pkg.Items),
		rows.String(),
		pkg.PackageHash,
		pkg.RetentionDays,
		pkg.RetentionDays/365,
		pkg.Classification,
		exported,
	)
}

func normalizeJSON(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
