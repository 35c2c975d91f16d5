package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ironclad/gate/internal/lifecycle"
)

// LifecycleHandlers exposes lifecycle event ingestion over HTTP for
// upstream systems that push instead of publishing to Pub/Sub.
type LifecycleHandlers struct {
	Ingress *lifecycle.Ingress
}

// RegisterLifecycleRoutes registers the lifecycle ingress endpoint.
func RegisterLifecycleRoutes(router *mux.Router, h *LifecycleHandlers) {
	router.HandleFunc("/v1/lifecycle/events", h.handleIngest).Methods("POST")
}

func (h *LifecycleHandlers) handleIngest(w http.ResponseWriter, r *http.Request) {
	var env lifecycle.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "malformed lifecycle envelope")
		return
	}
	if env.IngestedAt.IsZero() {
		env.IngestedAt = time.Now().UTC()
	}

	result, err := h.Ingress.Ingest(r.Context(), env)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lifecycle ingest failure")
		return
	}

	status := http.StatusOK
	if result.PayloadMismatch {
		status = http.StatusConflict
	}

	writeJSON(w, status, map[string]interface{}{
		"processed":        result.Processed,
		"has_violations":   result.HasViolations,
		"violation_note":   result.ViolationNote,
		"tamper_suspected": result.TamperSuspected,
		"payload_mismatch": result.PayloadMismatch,
	})
}
