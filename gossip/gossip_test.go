package gossip

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/andydunstall/flock/pkg/log"
)

// memNetwork connects in-memory transports by address, so engine behaviour
// can be tested without sockets.
type memNetwork struct {
	transports map[string]*memTransport

	mu sync.Mutex

	nextAddr int
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		transports: make(map[string]*memTransport),
	}
}

func (n *memNetwork) Transport() *memTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextAddr++
	t := &memTransport{
		addr:       fmt.Sprintf("10.26.104.%d:8001", n.nextAddr),
		network:    n,
		recvCh:     make(chan packet, 128),
		closed:     atomic.NewBool(false),
		shutdownCh: make(chan struct{}),
	}
	n.transports[t.addr] = t
	return t
}

func (n *memNetwork) deliver(from, to string, b []byte) {
	n.mu.Lock()
	t, ok := n.transports[to]
	n.mu.Unlock()
	if !ok {
		// Unknown destination; dropped like any lost datagram.
		return
	}

	select {
	case t.recvCh <- packet{addr: from, b: b}:
	default:
	}
}

type memTransport struct {
	addr string

	network *memNetwork

	recvCh chan packet

	closed     *atomic.Bool
	shutdownCh chan struct{}
}

func (t *memTransport) Send(addr string, b []byte) error {
	t.network.deliver(t.addr, addr, b)
	return nil
}

func (t *memTransport) Receive() (string, []byte, error) {
	select {
	case p := <-t.recvCh:
		return p.addr, p.b, nil
	case <-t.shutdownCh:
		return "", nil, net.ErrClosed
	}
}

func (t *memTransport) Addr() string {
	return t.addr
}

func (t *memTransport) Drops() uint64 {
	return 0
}

func (t *memTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.shutdownCh)
	return nil
}

var _ Transport = &memTransport{}

func testConfig(addr string, clusterVersion uint16) *Config {
	return &Config{
		BindAddr:         addr,
		AdvertiseAddr:    addr,
		ClusterVersion:   clusterVersion,
		Interval:         time.Millisecond * 10,
		MaxPacketSize:    1400,
		PushFanout:       3,
		PullTimeout:      time.Millisecond * 100,
		Capacity:         1024,
		FailureThreshold: 3,
		Retention:        time.Minute,
	}
}

func testNode(t *testing.T, network *memNetwork, clusterVersion uint16) *Gossip {
	identity, err := NewIdentity()
	require.NoError(t, err)

	transport := network.Transport()
	gossip, err := New(
		identity,
		nil,
		testConfig(transport.Addr(), clusterVersion),
		transport,
		NewNopWatcher(),
		log.NewNopLogger(),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		gossip.Close()
	})
	return gossip
}

// waitFor polls the condition until it holds or the timeout is hit.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
	t.Fatal("timeout waiting for condition")
}

func TestGossip_Convergence(t *testing.T) {
	network := newMemNetwork()

	node1 := testNode(t, network, 1)
	node2 := testNode(t, network, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	require.NoError(t, node2.Bootstrap(ctx, BootstrapConfig{
		Entrypoints:   []string{node1.transport.Addr()},
		RetryInterval: time.Millisecond * 50,
	}))
	assert.Equal(t, StateConverged, node2.BootstrapState())

	// Both nodes learn the other's contact record.
	waitFor(t, func() bool {
		_, ok := node2.Item(Key{Origin: node1.LocalID(), Kind: KindContact})
		return ok
	})
	waitFor(t, func() bool {
		_, ok := node1.Item(Key{Origin: node2.LocalID(), Kind: KindContact})
		return ok
	})

	// Both track the other as a peer.
	waitFor(t, func() bool {
		return node1.peers.Active(node2.LocalID()) &&
			node2.peers.Active(node1.LocalID())
	})
}

func TestGossip_HeartbeatPropagation(t *testing.T) {
	network := newMemNetwork()

	node1 := testNode(t, network, 1)
	node2 := testNode(t, network, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	require.NoError(t, node2.Bootstrap(ctx, BootstrapConfig{
		Entrypoints:   []string{node1.transport.Addr()},
		RetryInterval: time.Millisecond * 50,
	}))

	// node2 keeps seeing fresher heartbeats from node1.
	var counter uint64
	waitFor(t, func() bool {
		item, ok := node2.Item(Key{Origin: node1.LocalID(), Kind: KindHeartbeat})
		if !ok {
			return false
		}
		counter = item.Heartbeat.Counter
		return true
	})
	waitFor(t, func() bool {
		item, ok := node2.Item(Key{Origin: node1.LocalID(), Kind: KindHeartbeat})
		return ok && item.Heartbeat.Counter > counter
	})
}

func TestGossip_EndpointPropagation(t *testing.T) {
	network := newMemNetwork()

	node1 := testNode(t, network, 1)
	node2 := testNode(t, network, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	require.NoError(t, node2.Bootstrap(ctx, BootstrapConfig{
		Entrypoints:   []string{node1.transport.Addr()},
		RetryInterval: time.Millisecond * 50,
	}))

	require.NoError(t, node1.SetEndpoint("admin", "10.26.104.1:8002"))

	waitFor(t, func() bool {
		item, ok := node2.Item(Key{Origin: node1.LocalID(), Kind: KindContact})
		if !ok {
			return false
		}
		return item.Contact.Endpoints["admin"] == "10.26.104.1:8002"
	})
}

func TestGossip_TransitivePropagation(t *testing.T) {
	network := newMemNetwork()

	node1 := testNode(t, network, 1)
	node2 := testNode(t, network, 1)
	node3 := testNode(t, network, 1)

	// node2 and node3 only know node1, yet must still discover each other
	// via gossip.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	require.NoError(t, node2.Bootstrap(ctx, BootstrapConfig{
		Entrypoints:   []string{node1.transport.Addr()},
		RetryInterval: time.Millisecond * 50,
	}))
	require.NoError(t, node3.Bootstrap(ctx, BootstrapConfig{
		Entrypoints:   []string{node1.transport.Addr()},
		RetryInterval: time.Millisecond * 50,
	}))

	waitFor(t, func() bool {
		_, ok := node2.Item(Key{Origin: node3.LocalID(), Kind: KindContact})
		return ok
	})
	waitFor(t, func() bool {
		_, ok := node3.Item(Key{Origin: node2.LocalID(), Kind: KindContact})
		return ok
	})
}

func TestGossip_ClusterVersionPartition(t *testing.T) {
	network := newMemNetwork()

	node1 := testNode(t, network, 1)
	node2 := testNode(t, network, 2)

	// The nodes are directly reachable but their compatibility tags differ,
	// so node2 can never join node1's mesh.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := node2.Bootstrap(ctx, BootstrapConfig{
		Entrypoints:   []string{node1.transport.Addr()},
		Timeout:       time.Millisecond * 500,
		RetryInterval: time.Millisecond * 50,
	})
	require.ErrorIs(t, err, ErrBootstrapExhausted)

	// Neither node learned anything about the other.
	_, ok := node1.Item(Key{Origin: node2.LocalID(), Kind: KindContact})
	assert.False(t, ok)
	_, ok = node2.Item(Key{Origin: node1.LocalID(), Kind: KindContact})
	assert.False(t, ok)
	assert.False(t, node1.peers.Active(node2.LocalID()))
}

func TestGossip_RejectsInvalidSignature(t *testing.T) {
	network := newMemNetwork()

	node := testNode(t, network, 1)

	forged, err := NewIdentity()
	require.NoError(t, err)
	item := testItem(forged.ID, KindContact, time.Now().UnixMilli(), 1)
	item.Contact = &Contact{
		Endpoints: map[string]string{"gossip": "10.26.104.99:8001"},
	}
	item.Signature = []byte("forged")

	node.mergeItems([]Item{item}, "attacker", false)

	_, ok := node.Item(item.Key())
	assert.False(t, ok)
}

func TestGossip_EndpointUpdateLeavesSnapshotsIntact(t *testing.T) {
	network := newMemNetwork()
	node := testNode(t, network, 1)

	key := Key{Origin: node.LocalID(), Kind: KindContact}
	before, ok := node.Item(key)
	require.True(t, ok)
	require.NoError(t, before.Verify())

	require.NoError(t, node.SetEndpoint("admin", "10.26.104.1:8002"))

	// The earlier snapshot must be untouched by the update and its
	// signature must still verify.
	assert.NotContains(t, before.Contact.Endpoints, "admin")
	assert.NoError(t, before.Verify())

	after, ok := node.Item(key)
	require.True(t, ok)
	assert.Equal(t, "10.26.104.1:8002", after.Contact.Endpoints["admin"])
	assert.NoError(t, after.Verify())
}

func TestGossip_CopiesCallerEndpoints(t *testing.T) {
	network := newMemNetwork()

	identity, err := NewIdentity()
	require.NoError(t, err)

	endpoints := map[string]string{
		"admin": "10.26.104.1:8002",
	}

	transport := network.Transport()
	node, err := New(
		identity,
		endpoints,
		testConfig(transport.Addr(), 1),
		transport,
		NewNopWatcher(),
		log.NewNopLogger(),
	)
	require.NoError(t, err)
	defer node.Close()

	// The caller's map is not mutated or retained.
	assert.NotContains(t, endpoints, "gossip")
	endpoints["admin"] = "10.26.104.99:8002"

	item, ok := node.Item(Key{Origin: identity.ID, Kind: KindContact})
	require.True(t, ok)
	assert.Equal(t, "10.26.104.1:8002", item.Contact.Endpoints["admin"])
	assert.NoError(t, item.Verify())
}

func TestGossip_UnreachablePeerContactRetained(t *testing.T) {
	network := newMemNetwork()
	node := testNode(t, network, 1)

	remote, err := NewIdentity()
	require.NoError(t, err)
	item, err := newContactItem(remote, map[string]string{
		"gossip": "10.26.104.50:8001",
	}, 1, 1)
	require.NoError(t, err)

	node.mergeItems([]Item{item}, remote.ID, false)
	require.True(t, node.peers.Active(remote.ID))

	// Fail the peer past the threshold, then sweep its view away entirely.
	for i := 0; i != node.config.FailureThreshold; i++ {
		node.peers.ReportFailure(remote.ID)
	}
	require.False(t, node.peers.Active(remote.ID))
	require.Equal(t, []NodeID{remote.ID}, node.peers.Sweep(0))

	// The peer's contact record stays queryable until naturally superseded
	// or capacity evicted.
	got, ok := node.Item(Key{Origin: remote.ID, Kind: KindContact})
	require.True(t, ok)
	assert.Equal(
		t, "10.26.104.50:8001", got.Contact.Endpoints["gossip"],
	)
}

func TestGossip_SweepClearsTransientState(t *testing.T) {
	network := newMemNetwork()
	node := testNode(t, network, 1)

	node.dupPushesMu.Lock()
	node.dupPushes[dupKey{peer: "n1", origin: "n2"}] = 1
	node.dupPushesMu.Unlock()

	node.pendingPingsMu.Lock()
	node.pendingPings["token-1"] = "10.26.104.50:8001"
	node.pendingPingsMu.Unlock()

	node.sweep()

	node.dupPushesMu.Lock()
	assert.Empty(t, node.dupPushes)
	node.dupPushesMu.Unlock()

	node.pendingPingsMu.Lock()
	assert.Empty(t, node.pendingPings)
	node.pendingPingsMu.Unlock()
}

func TestGossip_Close(t *testing.T) {
	network := newMemNetwork()

	node := testNode(t, network, 1)
	require.NoError(t, node.Close())
	// Close is idempotent.
	require.NoError(t, node.Close())
}
