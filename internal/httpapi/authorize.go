package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ironclad/gate/internal/gate"
	"github.com/ironclad/gate/internal/ids"
	"github.com/ironclad/gate/internal/token"
)

// RegisterAuthorizeRoutes registers the gate's core decision endpoint.
func RegisterAuthorizeRoutes(router *mux.Router, g *gate.Gate) {
	router.HandleFunc("/v1/authorize", handleAuthorize(g)).Methods("POST")
}

// authorizeRequestBody is the wire shape of an inbound /v1/authorize call.
type authorizeRequestBody struct {
	TraceID        string     `json:"trace_id,omitempty"`
	Order          gate.Order `json:"order"`
	ReferencePrice float64    `json:"reference_price,omitempty"`
	Subject        string     `json:"subject,omitempty"`
	Audience       string     `json:"audience,omitempty"`
}

func handleAuthorize(g *gate.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body authorizeRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}

		traceID := firstNonEmpty(r.Header.Get("x-trace-id"), body.TraceID)
		if traceID == "" {
			traceID = ids.NewTraceID()
		}
		if clientID := r.Header.Get("x-client-id"); clientID != "" && body.Order.ClientID == "" {
			body.Order.ClientID = clientID
		}
		subject := firstNonEmpty(r.Header.Get("x-client-id"), body.Subject, body.Order.ClientID)
		audience := firstNonEmpty(r.Header.Get("x-audience"), body.Audience)

		// x-price-asserted-by/x-price-asserted-at/x-price-signature (spec
		// §4.1) identify and date-stamp the reference price's source, kept
		// separate from the client identity carried in subject/audience.
		priceAssertedBy := r.Header.Get("x-price-asserted-by")
		priceSignature := r.Header.Get("x-price-signature")
		var priceAssertedAt time.Time
		if raw := r.Header.Get("x-price-asserted-at"); raw != "" {
			if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
				priceAssertedAt = parsed
			}
		}

		resp, err := g.Authorize(r.Context(), gate.AuthorizeRequest{
			TraceID:         traceID,
			Order:           body.Order,
			ReferencePrice:  body.ReferencePrice,
			Subject:         subject,
			Audience:        audience,
			Nonce:           ids.NewNonce(),
			PriceAssertedBy: priceAssertedBy,
			PriceAssertedAt: priceAssertedAt,
			PriceSignature:  priceSignature,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "authorize pipeline failure")
			return
		}

		var decisionSignature string
		var ruleIDs []string
		if resp.Token != nil {
			decisionSignature = token.CompactSignature(resp.Token)
			ruleIDs = resp.Token.Payload.RuleIDs
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"trace_id":               traceID,
			"status":                 resp.Decision,
			"decision_token":         resp.Token,
			"decision_signature":     decisionSignature,
			"reason_code":            resp.ReasonCode,
			"rule_ids":               ruleIDs,
			"policy_version":         resp.PolicyVersion,
			"advisory_routing_class": nil,
			"timing_ms":              segmentsMillis(resp.Segments),
			"gate_note":              gateNote(resp),
			"economics":              resp.Economics,
		})
	}
}

func segmentsMillis(segments map[string]time.Duration) map[string]float64 {
	out := make(map[string]float64, len(segments))
	for name, d := range segments {
		out[name] = float64(d.Microseconds()) / 1000.0
	}
	return out
}

// firstNonEmpty returns the first non-empty string, matching the gate's
// header-overrides-body precedence for optional request fields.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// gateNote surfaces a short, human-readable explanation of a BLOCKED
// decision's limit breach, if any; empty for AUTHORIZED decisions since the
// reason_code alone is unambiguous there.
func gateNote(resp gate.AuthorizeResponse) string {
	if resp.Decision != token.DecisionBlocked {
		return ""
	}
	if resp.Breach != "" {
		return "blocked by shadow-ledger limit breach: " + string(resp.Breach)
	}
	return ""
}
