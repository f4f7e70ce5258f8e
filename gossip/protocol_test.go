package gossip

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSender() sender {
	return sender{
		NodeID:         "n1",
		Addr:           "10.26.104.12:8001",
		ClusterVersion: 1,
	}
}

func TestProtocol_Push(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		items := []Item{
			{
				Origin:         "n1",
				Kind:           KindContact,
				Wallclock:      100,
				Version:        1,
				ClusterVersion: 1,
				Contact: &Contact{
					Endpoints: map[string]string{
						"gossip": "10.26.104.12:8001",
					},
				},
				Signature: []byte("sig-1"),
			},
			{
				Origin:         "n2",
				Kind:           KindHeartbeat,
				Wallclock:      200,
				Version:        7,
				ClusterVersion: 1,
				Heartbeat: &Heartbeat{
					Counter: 7,
				},
				Signature: []byte("sig-2"),
			},
		}

		b, sent, err := encodePush(testSender(), items, 1400)
		require.NoError(t, err)
		assert.Equal(t, 2, sent)

		header, decoded, err := decodePush(b)
		require.NoError(t, err)
		assert.Equal(t, testSender(), header.Sender)
		assert.Equal(t, 2, header.Items)
		assert.Equal(t, items, decoded)
	})

	t.Run("trims to packet size", func(t *testing.T) {
		var items []Item
		for i := 0; i != 100; i++ {
			items = append(items, Item{
				Origin:         NodeID(fmt.Sprintf("node-%d", i)),
				Kind:           KindHeartbeat,
				Wallclock:      int64(i),
				Version:        1,
				ClusterVersion: 1,
				Heartbeat: &Heartbeat{
					Counter: uint64(i),
				},
			})
		}

		b, sent, err := encodePush(testSender(), items, 512)
		require.NoError(t, err)
		assert.Less(t, sent, 100)
		assert.LessOrEqual(t, len(b), 512)

		// The trimmed packet decodes the included prefix of items.
		header, decoded, err := decodePush(b)
		require.NoError(t, err)
		assert.Equal(t, 100, header.Items)
		assert.Equal(t, items[:sent], decoded)
	})

	t.Run("header exceeds packet size", func(t *testing.T) {
		_, _, err := encodePush(testSender(), nil, 4)
		assert.Error(t, err)
	})
}

func TestProtocol_PullRequest(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		digest := []DigestEntry{
			{Origin: "n1", Kind: KindContact, Wallclock: 100, Version: 1},
			{Origin: "n2", Kind: KindHeartbeat, Wallclock: 200, Version: 3},
		}

		b, sent, err := encodePullRequest(testSender(), false, digest, 1400)
		require.NoError(t, err)
		assert.Equal(t, 2, sent)

		header, decoded, err := decodePullRequest(b)
		require.NoError(t, err)
		assert.Equal(t, testSender(), header.Sender)
		assert.False(t, header.FollowUp)
		assert.Equal(t, digest, decoded)
	})

	t.Run("follow up flag", func(t *testing.T) {
		b, _, err := encodePullRequest(testSender(), true, nil, 1400)
		require.NoError(t, err)

		header, _, err := decodePullRequest(b)
		require.NoError(t, err)
		assert.True(t, header.FollowUp)
	})
}

func TestProtocol_PullResponse(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		digest := []DigestEntry{
			{Origin: "n1", Kind: KindContact, Wallclock: 100, Version: 1},
		}
		items := []Item{
			{
				Origin:         "n2",
				Kind:           KindHeartbeat,
				Wallclock:      200,
				Version:        3,
				ClusterVersion: 1,
				Heartbeat: &Heartbeat{
					Counter: 3,
				},
				Signature: []byte("sig"),
			},
		}

		b, err := encodePullResponse(testSender(), digest, items, 1400)
		require.NoError(t, err)

		header, decodedDigest, decodedItems, err := decodePullResponse(b)
		require.NoError(t, err)
		assert.Equal(t, testSender(), header.Sender)
		assert.Equal(t, 1, header.Digest)
		assert.Equal(t, digest, decodedDigest)
		assert.Equal(t, items, decodedItems)
	})

	t.Run("trims items before digest", func(t *testing.T) {
		var digest []DigestEntry
		for i := 0; i != 10; i++ {
			digest = append(digest, DigestEntry{
				Origin:    NodeID(fmt.Sprintf("node-%d", i)),
				Kind:      KindContact,
				Wallclock: int64(i),
				Version:   1,
			})
		}
		var items []Item
		for i := 0; i != 100; i++ {
			items = append(items, Item{
				Origin:         NodeID(fmt.Sprintf("node-%d", i)),
				Kind:           KindHeartbeat,
				Wallclock:      int64(i),
				Version:        1,
				ClusterVersion: 1,
				Heartbeat: &Heartbeat{
					Counter: uint64(i),
				},
			})
		}

		b, err := encodePullResponse(testSender(), digest, items, 768)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(b), 768)

		// The full digest survives; only the item suffix is trimmed.
		_, decodedDigest, decodedItems, err := decodePullResponse(b)
		require.NoError(t, err)
		assert.Equal(t, digest, decodedDigest)
		assert.Less(t, len(decodedItems), 100)
	})
}

func TestProtocol_Prune(t *testing.T) {
	b, err := encodePrune(testSender(), "n9", 1400)
	require.NoError(t, err)

	header, err := decodePrune(b)
	require.NoError(t, err)
	assert.Equal(t, testSender(), header.Sender)
	assert.Equal(t, NodeID("n9"), header.Origin)
}

func TestProtocol_PingPong(t *testing.T) {
	b, err := encodePing(messageTypePing, testSender(), "token-1", 1400)
	require.NoError(t, err)

	header, err := decodePing(b, messageTypePing)
	require.NoError(t, err)
	assert.Equal(t, testSender(), header.Sender)
	assert.Equal(t, "token-1", header.Token)

	// A ping does not decode as a pong.
	_, err = decodePing(b, messageTypePong)
	assert.Error(t, err)
}

func TestProtocol_CheckFrame(t *testing.T) {
	t.Run("too small", func(t *testing.T) {
		_, err := checkFrame([]byte{byte(messageTypePush)}, messageTypePush)
		assert.Error(t, err)
	})

	t.Run("wrong type", func(t *testing.T) {
		b, _, err := encodePush(testSender(), nil, 1400)
		require.NoError(t, err)

		_, _, decodeErr := decodePullRequest(b)
		assert.Error(t, decodeErr)
	})

	t.Run("unsupported version", func(t *testing.T) {
		b, _, err := encodePush(testSender(), nil, 1400)
		require.NoError(t, err)

		b[1] = supportedVersion + 1
		_, _, decodeErr := decodePush(b)
		assert.Error(t, decodeErr)
	})
}
