package bus

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveTransportKeyIsDeterministicPerNode(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	seed := priv.Seed()

	k1 := deriveTransportKey(seed, "node-1")
	k2 := deriveTransportKey(seed, "node-1")
	assert.Equal(t, k1, k2, "derivation must be deterministic for the same seed and node_id")

	k3 := deriveTransportKey(seed, "node-2")
	assert.NotEqual(t, k1, k3, "different node_id must derive a different transport key")
}

func TestTransportPublicKeyRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	seed := priv.Seed()

	transportPriv := deriveTransportKey(seed, "node-1")
	pub, err := transportPublicKey(transportPriv)
	require.NoError(t, err)
	assert.Len(t, pub, 64, "secp256k1 x-only pubkey is 32 bytes hex-encoded")
}

func TestSeedFromEd25519(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	seed := seedFromEd25519(priv)
	assert.Len(t, seed, ed25519.SeedSize)
}

func TestAnnouncementEncodeDecodeRoundTrip(t *testing.T) {
	a := Announcement{BlockID: "block-1", EventType: "node_status", Timestamp: "2026-07-31T00:00:00Z", NodeID: "node-1"}
	content, err := a.encode()
	require.NoError(t, err)

	got, err := decodeAnnouncement(content)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestDecodeAnnouncementRejectsMalformedContent(t *testing.T) {
	_, err := decodeAnnouncement("not json")
	require.Error(t, err)
}

func TestRelayCircuitOpensAfterThresholdFailures(t *testing.T) {
	cb := &relayCircuit{}
	assert.False(t, cb.isOpen())

	for i := 0; i < cbThreshold-1; i++ {
		opened := cb.recordFailure()
		assert.False(t, opened)
		assert.False(t, cb.isOpen())
	}
	opened := cb.recordFailure()
	assert.True(t, opened)
	assert.True(t, cb.isOpen())
}

func TestRelayCircuitSuccessClearsFailures(t *testing.T) {
	cb := &relayCircuit{}
	cb.recordFailure()
	cb.recordFailure()

	wasOpen := cb.recordSuccess()
	assert.False(t, wasOpen, "circuit hadn't tripped yet, just accumulated failures")
	assert.False(t, cb.isOpen())

	// After success, failCount is back to zero: another full run of
	// failures is required to trip the breaker again.
	for i := 0; i < cbThreshold-1; i++ {
		cb.recordFailure()
	}
	assert.False(t, cb.isOpen())
}

func TestRelayCircuitOpenForPoWIsPermanent(t *testing.T) {
	cb := &relayCircuit{}
	cb.openForPoW()
	assert.True(t, cb.isOpen())

	cb.recordSuccess()
	assert.True(t, cb.isOpen(), "a PoW-closed relay stays closed until explicitly reset")

	cb.reset()
	assert.False(t, cb.isOpen())
}

func TestRelayCircuitStatusReportsFailCount(t *testing.T) {
	cb := &relayCircuit{}
	cb.recordFailure()
	st := cb.status("wss://relay.example")
	assert.Equal(t, "wss://relay.example", st.URL)
	assert.Equal(t, 1, st.FailCount)
	assert.False(t, st.CircuitOpen)
}

func TestPublisherRelayStatusesIncludesAllConfiguredRelays(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	p, err := NewPublisher([]string{"wss://a", "wss://b"}, priv.Seed(), "node-1")
	require.NoError(t, err)
	assert.NotEmpty(t, p.TransportPublicKey())

	statuses := p.RelayStatuses()
	assert.Len(t, statuses, 2)
}

func TestPublisherAnnounceWithNoRelaysIsNoop(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	p, err := NewPublisher(nil, priv.Seed(), "node-1")
	require.NoError(t, err)

	err = p.Announce(context.Background(), Announcement{BlockID: "b1", EventType: "node_status", NodeID: "node-1"})
	assert.NoError(t, err)
}

func TestIsPowRequired(t *testing.T) {
	assert.True(t, isPowRequired(errors.New("pow: 24 bits required")))
	assert.False(t, isPowRequired(errors.New("some other error")))
}

func TestIsPolicyRejection(t *testing.T) {
	assert.True(t, isPolicyRejection(errors.New("msg: blocked: no thanks")))
	assert.True(t, isPolicyRejection(errors.New("msg: invalid: bad sig")))
	assert.False(t, isPolicyRejection(errors.New("timeout")))
}
