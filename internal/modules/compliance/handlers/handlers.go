// Package handlers provides HTTP handlers for provenance chains, system
// events, and evidence exports.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/modules/compliance"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// DecisionReaderInterface resolves decisions for chain lookups
type DecisionReaderInterface interface {
	GetByID(id string) (*domain.Decision, error)
}

// ObjectStoreInterface uploads exported evidence bundles
type ObjectStoreInterface interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
}

// ComplianceHandlers contains HTTP handlers for the compliance API
type ComplianceHandlers struct {
	chains    *compliance.ChainRepository
	events    *compliance.EventRepository
	packager  *compliance.Packager
	decisions DecisionReaderInterface
	store     ObjectStoreInterface
	log       zerolog.Logger
}

// NewComplianceHandlers creates a new compliance handlers instance.
// store may be nil; evidence bundles are then returned inline only.
func NewComplianceHandlers(
	chains *compliance.ChainRepository,
	events *compliance.EventRepository,
	packager *compliance.Packager,
	decisions DecisionReaderInterface,
	store ObjectStoreInterface,
	log zerolog.Logger,
) *ComplianceHandlers {
	return &ComplianceHandlers{
		chains:    chains,
		events:    events,
		packager:  packager,
		decisions: decisions,
		store:     store,
		log:       log.With().Str("handler", "compliance").Logger(),
	}
}

// HandleGetDecisionChain returns the provenance chain behind a decision
// GET /api/decisions/{decisionID}/chain
func (h *ComplianceHandlers) HandleGetDecisionChain(w http.ResponseWriter, r *http.Request) {
	chain, ok := h.chainForDecision(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, chain)
}

// HandleVerifyDecisionChain re-verifies every hash in a decision's chain
// GET /api/decisions/{decisionID}/chain/verify
func (h *ComplianceHandlers) HandleVerifyDecisionChain(w http.ResponseWriter, r *http.Request) {
	chain, ok := h.chainForDecision(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, chain.Verify())
}

func (h *ComplianceHandlers) chainForDecision(w http.ResponseWriter, r *http.Request) (*compliance.Chain, bool) {
	id := chi.URLParam(r, "decisionID")

	decision, err := h.decisions.GetByID(id)
	if err != nil {
		h.log.Error().Err(err).Str("decision_id", id).Msg("Failed to load decision")
		h.writeError(w, http.StatusInternalServerError, "Failed to load decision")
		return nil, false
	}
	if decision == nil {
		h.writeError(w, http.StatusNotFound, "Decision not found")
		return nil, false
	}

	chain, err := h.chains.GetByID(decision.ChainID)
	if err != nil {
		h.log.Error().Err(err).Str("chain_id", decision.ChainID).Msg("Failed to load chain")
		h.writeError(w, http.StatusInternalServerError, "Failed to load chain")
		return nil, false
	}
	if chain == nil {
		h.writeError(w, http.StatusNotFound, "Decision has no provenance chain")
		return nil, false
	}
	return chain, true
}

// HandleQueryChains searches stored chains
// GET /api/compliance/chains?profile_id=&outcome=&context_id=&type=&source=&start=&end=&limit=
func (h *ComplianceHandlers) HandleQueryChains(w http.ResponseWriter, r *http.Request) {
	q := compliance.ChainQuery{
		ProfileID: r.URL.Query().Get("profile_id"),
		ContextID: r.URL.Query().Get("context_id"),
		Outcome:   r.URL.Query().Get("outcome"),
	}

	var err error
	if q.Start, err = parseTimeParam(r, "start"); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.End, err = parseTimeParam(r, "end"); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil {
			q.Limit = parsed
		}
	}
	for _, t := range r.URL.Query()["type"] {
		q.DecisionTypes = append(q.DecisionTypes, compliance.DecisionType(t))
	}
	for _, s := range r.URL.Query()["source"] {
		q.Sources = append(q.Sources, compliance.DecisionSource(s))
	}

	chains, err := h.chains.Query(q)
	if err != nil {
		h.log.Error().Err(err).Msg("Chain query failed")
		h.writeError(w, http.StatusInternalServerError, "Chain query failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(chains),
		"chains": chains,
	})
}

// HandleGetChain returns one chain by its id
// GET /api/compliance/chains/{chainID}
func (h *ComplianceHandlers) HandleGetChain(w http.ResponseWriter, r *http.Request) {
	chain, ok := h.chainByID(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, chain)
}

// HandleVerifyChain re-verifies one chain by its id
// GET /api/compliance/chains/{chainID}/verify
func (h *ComplianceHandlers) HandleVerifyChain(w http.ResponseWriter, r *http.Request) {
	chain, ok := h.chainByID(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, chain.Verify())
}

// HandleChainTimeline returns the chain's nodes as a flat timeline
// GET /api/compliance/chains/{chainID}/timeline
func (h *ComplianceHandlers) HandleChainTimeline(w http.ResponseWriter, r *http.Request) {
	chain, ok := h.chainByID(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"chain_id": chain.ChainID,
		"timeline": chain.Timeline(),
	})
}

func (h *ComplianceHandlers) chainByID(w http.ResponseWriter, r *http.Request) (*compliance.Chain, bool) {
	id := chi.URLParam(r, "chainID")

	chain, err := h.chains.GetByID(id)
	if err != nil {
		h.log.Error().Err(err).Str("chain_id", id).Msg("Failed to load chain")
		h.writeError(w, http.StatusInternalServerError, "Failed to load chain")
		return nil, false
	}
	if chain == nil {
		h.writeError(w, http.StatusNotFound, "Chain not found")
		return nil, false
	}
	return chain, true
}

// HandleListEvents returns recent system events
// GET /api/compliance/events?type=&limit=
func (h *ComplianceHandlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil {
			limit = parsed
		}
	}

	events, err := h.events.ListRecent(r.URL.Query().Get("type"), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list events")
		h.writeError(w, http.StatusInternalServerError, "Failed to list events")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

// HandleBuildEvidence assembles an evidence bundle for a period and either
// streams it back or uploads it to the object store
// POST /api/compliance/evidence
func (h *ComplianceHandlers) HandleBuildEvidence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PeriodStart time.Time `json:"period_start"`
		PeriodEnd   time.Time `json:"period_end"`
		Title       string    `json:"title,omitempty"`
		Purpose     string    `json:"purpose"`
		RequestedBy string    `json:"requested_by"`
		ProfileID   string    `json:"profile_id,omitempty"`
		Format      string    `json:"format,omitempty"`
		Types       []string  `json:"types,omitempty"`
		Upload      bool      `json:"upload,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Purpose == "" || req.RequestedBy == "" {
		h.writeError(w, http.StatusBadRequest, "purpose and requested_by are required")
		return
	}
	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() || !req.PeriodEnd.After(req.PeriodStart) {
		h.writeError(w, http.StatusBadRequest, "period_start must precede period_end")
		return
	}

	bundleReq := compliance.BundleRequest{
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		Title:       req.Title,
		Purpose:     req.Purpose,
		RequestedBy: req.RequestedBy,
		ProfileID:   req.ProfileID,
	}
	for _, t := range req.Types {
		bundleReq.Types = append(bundleReq.Types, compliance.EvidenceType(t))
	}

	pkg, err := h.packager.BuildBundle(bundleReq)
	if err != nil {
		if strings.Contains(err.Error(), "unknown evidence type") {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("Evidence bundle build failed")
		h.writeError(w, http.StatusInternalServerError, "Evidence bundle build failed")
		return
	}

	if req.Format == "json" {
		raw, err := h.packager.ExportJSON(pkg)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "Evidence export failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
		return
	}

	data, err := h.packager.ExportZip(pkg)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Evidence export failed")
		return
	}

	if req.Upload {
		if h.store == nil {
			h.writeError(w, http.StatusBadRequest, "No object store configured")
			return
		}
		key := fmt.Sprintf("evidence/%s.zip", pkg.PackageID)
		if err := h.store.Upload(r.Context(), key, bytes.NewReader(data), int64(len(data))); err != nil {
			h.log.Error().Err(err).Str("key", key).Msg("Evidence upload failed")
			h.writeError(w, http.StatusBadGateway, "Evidence upload failed")
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"package_id":   pkg.PackageID,
			"package_hash": pkg.PackageHash,
			"item_count":   len(pkg.Items),
			"object_key":   key,
			"size_bytes":   len(data),
		})
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pkg.PackageID+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: must be RFC3339", name)
	}
	return t, nil
}

// writeJSON writes a JSON response
func (h *ComplianceHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *ComplianceHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
