// Package token implements the gate's decision token: the signed,
// verifiable artifact a caller receives as proof of an authorization
// decision. Signing is HMAC-SHA256 today (version "v0"); the envelope
// carries an explicit algorithm tag so a future asymmetric scheme ("v1")
// verifies without a broker-side migration.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/ironclad/gate/internal/canonical"
)

// Version identifies the signing algorithm used for a token.
type Version string

const (
	VersionHMAC Version = "v0" // HMAC-SHA256, symmetric key material
	VersionAsym Version = "v1" // reserved: asymmetric signature scheme
)

// Decision mirrors the gate's authorization outcome.
type Decision string

const (
	DecisionAuthorized Decision = "AUTHORIZED"
	DecisionBlocked    Decision = "BLOCKED"
)

// Payload is the decision token's signed content, per the closed field set
// the gate issues on every /v1/authorize response.
type Payload struct {
	TraceID            string   `json:"trace_id"`
	Decision           Decision `json:"decision"`
	ReasonCode         string   `json:"reason_code"`
	RuleIDs            []string `json:"rule_ids"`
	PolicySnapshotHash string   `json:"policy_snapshot_hash"` // 16 hex chars, on-token truncation
	OrderDigest        string   `json:"order_digest"`
	Order              interface{} `json:"order"`
	Subject            string   `json:"subject"`
	Audience           string   `json:"audience"`
	IssuedAt           int64    `json:"issued_at"`
	ExpiresAt          int64    `json:"expires_at"`
	Nonce              string   `json:"nonce"`
	ProjectedExposure  *float64 `json:"projected_exposure,omitempty"`
}

// Token is the envelope returned to callers: the algorithm tag, the
// payload, and the signature over the payload's canonical JSON bytes.
type Token struct {
	Version   Version `json:"version"`
	Payload   Payload `json:"payload"`
	Signature string  `json:"signature"` // base64url-encoded MAC
}

// IssueParams carries everything needed to mint a token, distinct from
// Payload only in that callers here pass a raw order value the caller
// doesn't need to pre-serialize.
type IssueParams struct {
	TraceID            string
	Decision           Decision
	ReasonCode         string
	RuleIDs            []string
	PolicySnapshotHash string
	OrderDigest        string
	Order              interface{}
	Subject            string
	Audience           string
	Nonce              string
	ProjectedExposure  *float64
	IssuedAt           time.Time
	TTL                time.Duration
}

var (
	ErrExpired       = errors.New("token: expired")
	ErrBadSignature  = errors.New("token: signature mismatch")
	ErrUnknownVersion = errors.New("token: unsupported version")
)

// VerifyResult reports the outcome of Verify, mirroring spec's
// {valid, reason?} contract.
type VerifyResult struct {
	Valid  bool
	Reason string
}

// Broker issues and verifies decision tokens with HMAC-SHA256 key material,
// supporting a previous key during rotation so in-flight tokens signed
// before a rotation still verify.
type Broker struct {
	key     []byte
	prevKey []byte
}

// NewBroker constructs a Broker. prevKey may be empty when no rotation is
// in progress.
func NewBroker(key, prevKey string) *Broker {
	return &Broker{key: []byte(key), prevKey: []byte(prevKey)}
}

// Issue signs params into a Token. IssuedAt defaults to time.Now and TTL
// defaults to 300s, the gate's documented default token lifetime, when
// left zero.
func (b *Broker) Issue(params IssueParams) (*Token, error) {
	issuedAt := params.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}
	ttl := params.TTL
	if ttl == 0 {
		ttl = 300 * time.Second
	}

	payload := Payload{
		TraceID:            params.TraceID,
		Decision:           params.Decision,
		ReasonCode:         params.ReasonCode,
		RuleIDs:            params.RuleIDs,
		PolicySnapshotHash: params.PolicySnapshotHash,
		OrderDigest:        params.OrderDigest,
		Order:              params.Order,
		Subject:            params.Subject,
		Audience:           params.Audience,
		IssuedAt:           issuedAt.Unix(),
		ExpiresAt:          issuedAt.Add(ttl).Unix(),
		Nonce:              params.Nonce,
		ProjectedExposure:  params.ProjectedExposure,
	}

	sig, err := b.sign(payload)
	if err != nil {
		return nil, fmt.Errorf("token: sign payload: %w", err)
	}

	return &Token{
		Version:   VersionHMAC,
		Payload:   payload,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// Verify checks expiry, then signature, then the algorithm version, in
// that order, matching the gate's documented verification sequence.
func (b *Broker) Verify(tok *Token) VerifyResult {
	if time.Now().Unix() > tok.Payload.ExpiresAt {
		return VerifyResult{Valid: false, Reason: ErrExpired.Error()}
	}

	sig, err := base64.RawURLEncoding.DecodeString(tok.Signature)
	if err != nil {
		return VerifyResult{Valid: false, Reason: ErrBadSignature.Error()}
	}

	if !b.verifySignature(tok.Payload, sig) {
		return VerifyResult{Valid: false, Reason: ErrBadSignature.Error()}
	}

	if tok.Version != VersionHMAC {
		return VerifyResult{Valid: false, Reason: ErrUnknownVersion.Error()}
	}

	return VerifyResult{Valid: true}
}

// CompactSignature renders the token's compact form:
// "version:trace_id[0..8]:signature[0..32]".
func CompactSignature(tok *Token) string {
	traceID := tok.Payload.TraceID
	if len(traceID) > 8 {
		traceID = traceID[:8]
	}
	sig := tok.Signature
	if len(sig) > 32 {
		sig = sig[:32]
	}
	return fmt.Sprintf("%s:%s:%s", tok.Version, traceID, sig)
}

func (b *Broker) sign(payload Payload) ([]byte, error) {
	canon, err := canonical.Marshal(payload)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, b.key)
	mac.Write(canon)
	return mac.Sum(nil), nil
}

func (b *Broker) verifySignature(payload Payload, sig []byte) bool {
	canon, err := canonical.Marshal(payload)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, b.key)
	mac.Write(canon)
	if hmac.Equal(sig, mac.Sum(nil)) {
		return true
	}

	if len(b.prevKey) == 0 {
		return false
	}
	prevMac := hmac.New(sha256.New, b.prevKey)
	prevMac.Write(canon)
	return hmac.Equal(sig, prevMac.Sum(nil))
}

// RotateKey atomically swaps in a new signing key, retaining the current
// key as the fallback verification key.
func (b *Broker) RotateKey(newKey string) {
	b.prevKey = b.key
	b.key = []byte(newKey)
}
