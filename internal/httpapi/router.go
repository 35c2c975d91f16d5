// Package httpapi wires the gate's HTTP surface with gorilla/mux, the
// router library the teacher's own request handlers use, registering
// route groups the same RegisterXRoutes(router, dep) way
// internal/evidence/audit_query.go registers its own audit query
// endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ironclad/gate/internal/circuitbreaker"
	"github.com/ironclad/gate/internal/gate"
)

// NewRouter builds the gate's full HTTP surface.
func NewRouter(g *gate.Gate, lc *LifecycleHandlers, rc *ReconstructionHandlers, breakers *circuitbreaker.GateCircuitBreakers) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", handleHealth(breakers)).Methods("GET")
	RegisterAuthorizeRoutes(router, g)
	if lc != nil {
		RegisterLifecycleRoutes(router, lc)
	}
	if rc != nil {
		RegisterReconstructionRoutes(router, rc)
	}

	return router
}

func handleHealth(breakers *circuitbreaker.GateCircuitBreakers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, deps := breakers.HealthStatus()
		w.Header().Set("Content-Type", "application/json")
		if status != "HEALTHY" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":       status,
			"dependencies": deps,
			"checked_at":   time.Now().UTC(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
