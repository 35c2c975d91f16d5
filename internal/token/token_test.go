package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueTestToken(t *testing.T, b *Broker) *Token {
	t.Helper()
	tok, err := b.Issue(IssueParams{
		TraceID:            "11111111-2222-3333-4444-555555555555",
		Decision:           DecisionAuthorized,
		ReasonCode:         "OK",
		RuleIDs:            []string{"R1"},
		PolicySnapshotHash: "abcdef0123456789",
		OrderDigest:        "sha256:deadbeef",
		Order:              map[string]interface{}{"symbol": "AAPL"},
		Subject:            "client-1",
		Audience:           "gate",
		Nonce:              "nonce-1",
	})
	require.NoError(t, err)
	return tok
}

func TestBroker_IssueThenVerify(t *testing.T) {
	b := NewBroker("signing-key", "")
	tok := issueTestToken(t, b)

	result := b.Verify(tok)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Reason)
}

func TestBroker_VerifyRejectsTamperedPayload(t *testing.T) {
	b := NewBroker("signing-key", "")
	tok := issueTestToken(t, b)

	tok.Payload.ReasonCode = "TAMPERED"
	result := b.Verify(tok)
	assert.False(t, result.Valid)
	assert.Equal(t, ErrBadSignature.Error(), result.Reason)
}

func TestBroker_VerifyRejectsExpiredToken(t *testing.T) {
	b := NewBroker("signing-key", "")
	tok, err := b.Issue(IssueParams{
		TraceID:    "trace-1",
		Decision:   DecisionAuthorized,
		ReasonCode: "OK",
		IssuedAt:   time.Now().Add(-1 * time.Hour),
		TTL:        1 * time.Second,
	})
	require.NoError(t, err)

	result := b.Verify(tok)
	assert.False(t, result.Valid)
	assert.Equal(t, ErrExpired.Error(), result.Reason)
}

func TestBroker_RotateKeyStillVerifiesOldTokens(t *testing.T) {
	b := NewBroker("old-key", "")
	tok := issueTestToken(t, b)

	b.RotateKey("new-key")

	result := b.Verify(tok)
	assert.True(t, result.Valid)

	newTok := issueTestToken(t, b)
	result = b.Verify(newTok)
	assert.True(t, result.Valid)
}

func TestCompactSignature_Format(t *testing.T) {
	b := NewBroker("signing-key", "")
	tok := issueTestToken(t, b)

	compact := CompactSignature(tok)
	assert.Contains(t, compact, string(VersionHMAC)+":")
	parts := []rune(compact)
	_ = parts
	assert.Less(t, len(compact), len(string(VersionHMAC))+1+8+1+32+1)
}

func TestBroker_DefaultTTLIs300Seconds(t *testing.T) {
	b := NewBroker("signing-key", "")
	tok := issueTestToken(t, b)
	assert.Equal(t, int64(300), tok.Payload.ExpiresAt-tok.Payload.IssuedAt)
}
