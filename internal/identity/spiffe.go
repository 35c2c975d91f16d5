// Package identity verifies the cryptographic identity of the services the
// gate talks to over mTLS, using SPIFFE/SPIRE, and produces the
// operator_identity component of an evidence pack: proof of which service
// instance authorized a trade, bound by certificate hash rather than a
// bearer credential.
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// Verifier verifies SPIFFE SVIDs presented by the gate's own workload
// identity and its peers (the policy evaluator, when deployed as a
// separate service).
type Verifier struct {
	source *workloadapi.X509Source
}

// NewVerifier connects to the local SPIRE agent over socketPath. A short
// timeout keeps gate startup from hanging when no SPIRE agent is present;
// callers should treat a connection failure as "identity unavailable," not
// fatal, when SPIFFE is optional for the deployment.
func NewVerifier(socketPath string) (*Verifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("identity: connect to SPIRE agent: %w", err)
	}

	slog.Info("identity: connected to SPIRE agent", "socket_path", socketPath)
	return &Verifier{source: source}, nil
}

// OperatorIdentity is the evidence pack's operator_identity component: the
// SPIFFE ID of the service instance that issued the decision, and a hash
// of its SVID certificate so the identity claim is independently
// verifiable from the certificate material, not just a trusted string.
type OperatorIdentity struct {
	SPIFFEID    string `json:"spiffe_id"`
	SVIDHash    string `json:"svid_hash"`
	VerifiedAt  int64  `json:"verified_at"`
}

// VerifySVID confirms spiffeID matches the workload's current SVID and
// returns the operator identity record to embed in an evidence pack.
func (v *Verifier) VerifySVID(spiffeID string) (*OperatorIdentity, error) {
	id, err := spiffeid.FromString(spiffeID)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid SPIFFE ID: %w", err)
	}

	svid, err := v.source.GetX509SVID()
	if err != nil {
		return nil, fmt.Errorf("identity: fetch SVID: %w", err)
	}

	if svid.ID.String() != id.String() {
		return nil, fmt.Errorf("identity: SPIFFE ID mismatch: expected %s, got %s", id, svid.ID)
	}

	hash := sha256.Sum256(svid.Certificates[0].Raw)
	return &OperatorIdentity{
		SPIFFEID:   spiffeID,
		SVIDHash:   fmt.Sprintf("%x", hash),
		VerifiedAt: time.Now().Unix(),
	}, nil
}

// GetTLSConfig returns an mTLS client config authenticated via the
// workload's SPIFFE SVID. cmd/gate does not use it: the remote policy
// service connection is dialed without transport security.
func (v *Verifier) GetTLSConfig() (*tls.Config, error) {
	return tlsconfig.MTLSClientConfig(v.source, v.source, tlsconfig.AuthorizeAny()), nil
}

// Close releases the underlying SPIRE workload API connection.
func (v *Verifier) Close() error {
	return v.source.Close()
}

// GenerateSPIFFEID builds the gate's own SPIFFE ID for a given trust
// domain, e.g. "spiffe://gate.internal/authorization-gate".
func GenerateSPIFFEID(trustDomain, serviceName string) string {
	return fmt.Sprintf("spiffe://%s/%s", trustDomain, serviceName)
}
