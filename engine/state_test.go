package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestStateRoundTrip(t *testing.T) {
	require := require.New(t)

	id, err := newPeerID()
	require.NoError(err)

	nodes := make([]string, maxSavedNodes+10)
	for i := range nodes {
		nodes[i] = "127.0.0.1:6881"
	}

	b, err := encodeState(id, nodes)
	require.NoError(err)

	st, got, err := decodeState(b)
	require.NoError(err)
	require.Equal(id, got)
	require.Len(st.DHTNodes, maxSavedNodes)
}

func TestDecodeStateRejectsGarbage(t *testing.T) {
	require := require.New(t)

	_, _, err := decodeState([]byte("{"))
	require.Error(err)

	_, _, err = decodeState([]byte(`{"peerId":"abcd"}`))
	require.Error(err)

	st, _, err := decodeState(nil)
	require.NoError(err)
	require.Empty(st.PeerID)
}

func TestResolveNodesSkipsBadAddresses(t *testing.T) {
	require.Len(t, resolveNodes([]string{"127.0.0.1:6881", "not an address", "[::1]:6881"}), 2)
}

func TestLimiter(t *testing.T) {
	require := require.New(t)

	require.Equal(rate.Inf, limiter(0).Limit())
	require.Equal(rate.Limit(1_250_000), limiter(10).Limit())
	require.Equal(1_250_000, limiter(10).Burst())
}
