package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ironclad/gate/internal/identity"
	"github.com/ironclad/gate/internal/reconstruction"
)

// ReconstructionHandlers exposes trace/evidence/lp-timeline lookups for
// operators and auditors.
type ReconstructionHandlers struct {
	Builder *reconstruction.Builder

	// Identity and SelfSPIFFEID are both optional: when absent, an
	// evidence pack's operator_identity component is simply omitted
	// rather than blocking the pack from being produced.
	Identity     *identity.Verifier
	SelfSPIFFEID string
}

// RegisterReconstructionRoutes registers the reconstruction query
// endpoints.
func RegisterReconstructionRoutes(router *mux.Router, h *ReconstructionHandlers) {
	router.HandleFunc("/trace/{id}", h.handleTrace).Methods("GET")
	router.HandleFunc("/trace/{id}/bundle", h.handleBundle).Methods("GET")
	router.HandleFunc("/trace/{id}/evidence-pack", h.handleEvidencePack).Methods("GET")
	router.HandleFunc("/lp-timeline/{id}", h.handleLPTimeline).Methods("GET")
}

func (h *ReconstructionHandlers) handleTrace(w http.ResponseWriter, r *http.Request) {
	traceID := mux.Vars(r)["id"]
	bundle, err := h.Builder.BuildTraceBundle(r.Context(), traceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "trace lookup failure")
		return
	}
	if len(bundle.AuditChain) == 0 {
		writeError(w, http.StatusNotFound, "no trace found")
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (h *ReconstructionHandlers) handleBundle(w http.ResponseWriter, r *http.Request) {
	traceID := mux.Vars(r)["id"]
	bundle, err := h.Builder.BuildTraceBundle(r.Context(), traceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bundle build failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trace_id":   traceID,
		"bundle":     bundle,
		"built_at":   time.Now().UTC(),
	})
}

func (h *ReconstructionHandlers) handleEvidencePack(w http.ResponseWriter, r *http.Request) {
	traceID := mux.Vars(r)["id"]

	var op *identity.OperatorIdentity
	if h.Identity != nil && h.SelfSPIFFEID != "" {
		if verified, err := h.Identity.VerifySVID(h.SelfSPIFFEID); err == nil {
			op = verified
		}
	}

	pack, err := h.Builder.BuildEvidencePackForTrace(r.Context(), traceID, op, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusNotFound, "no evidence pack available for trace")
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (h *ReconstructionHandlers) handleLPTimeline(w http.ResponseWriter, r *http.Request) {
	traceID := mux.Vars(r)["id"]
	timeline, err := h.Builder.BuildLPTimeline(r.Context(), traceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lp timeline build failure")
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}
