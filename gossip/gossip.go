// Package gossip implements decentralized cluster membership and metadata
// dissemination.
//
// Nodes discover each other and converge on an eventually consistent view
// of cluster state without a central coordinator. Each node periodically
// pushes its freshest items to a few peers and reconciles with another via
// a digest exchange (anti-entropy). Conflicts between copies of an item are
// resolved by a (wallclock, version) ordering set by the item's origin, so
// merging is idempotent and the protocol needs no delivery guarantees from
// the transport.
package gossip

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/andydunstall/flock/pkg/log"
)

// pruneThreshold is the number of stale duplicate pushes for the same
// origin from the same peer before sending a prune notification.
const pruneThreshold = 3

type pendingPull struct {
	id       NodeID
	sentAt   time.Time
	followUp bool
}

type dupKey struct {
	peer   NodeID
	origin NodeID
}

type Gossip struct {
	identity *Identity

	config *Config

	table *Table
	peers *peerSet

	transport Transport

	// advertiseAddr is the advertised gossip address, which may be updated
	// during bootstrap once the node's public address is discovered.
	advertiseAddr *atomic.String

	// endpoints are the local node's advertised service endpoints.
	endpoints map[string]string
	// contactVersion is the version of the local contact record.
	contactVersion uint64
	// endpointsMu protects the above fields.
	endpointsMu sync.Mutex

	heartbeat *atomic.Uint64

	// pushQueue holds the keys of recently accepted items to propagate on
	// the next push.
	pushQueue   []Key
	pushQueueMu sync.Mutex

	// pending tracks outstanding pull requests by target address.
	pending   map[string]pendingPull
	pendingMu sync.Mutex

	// pendingPings tracks outstanding ping tokens by token.
	pendingPings   map[string]string
	pendingPingsMu sync.Mutex

	// pruned tracks, per peer, the origins the peer asked us to stop
	// pushing to it.
	pruned   map[NodeID]map[NodeID]struct{}
	prunedMu sync.Mutex

	// dupPushes counts stale duplicate pushes per (peer, origin).
	dupPushes   map[dupKey]int
	dupPushesMu sync.Mutex

	// lastDrops is the transport drop count at the last round, only read
	// and written by the round loop.
	lastDrops uint64

	bootstrapState *atomic.Int32
	convergedCh    chan struct{}
	convergedOnce  sync.Once

	metrics *Metrics

	watcher Watcher

	logger log.Logger

	closed     *atomic.Bool
	shutdownCh chan struct{}
}

// New creates a gossip node with the given identity and advertised service
// endpoints, and starts gossiping.
func New(
	identity *Identity,
	endpoints map[string]string,
	config *Config,
	transport Transport,
	watcher Watcher,
	logger log.Logger,
) (*Gossip, error) {
	logger = logger.WithSubsystem("gossip")

	logger.Info(
		"starting gossip",
		zap.String("node-id", string(identity.ID)),
		zap.String("bind-addr", config.BindAddr),
		zap.String("advertise-addr", config.AdvertiseAddr),
		zap.Uint16("cluster-version", config.ClusterVersion),
	)

	// Copy rather than retain the caller's map.
	copied := make(map[string]string, len(endpoints)+1)
	for service, addr := range endpoints {
		copied[service] = addr
	}
	if _, ok := copied["gossip"]; !ok {
		copied["gossip"] = config.AdvertiseAddr
	}
	endpoints = copied

	peers := newPeerSet(
		identity.ID, config.ClusterVersion, config.FailureThreshold,
	)

	gossip := &Gossip{
		identity:       identity,
		config:         config,
		table:          NewTable(identity.ID, config.Capacity),
		peers:          peers,
		transport:      transport,
		advertiseAddr:  atomic.NewString(config.AdvertiseAddr),
		endpoints:      endpoints,
		heartbeat:      atomic.NewUint64(0),
		pending:        make(map[string]pendingPull),
		pendingPings:   make(map[string]string),
		pruned:         make(map[NodeID]map[NodeID]struct{}),
		dupPushes:      make(map[dupKey]int),
		bootstrapState: atomic.NewInt32(int32(StateUnseeded)),
		convergedCh:    make(chan struct{}),
		metrics:        newMetrics(),
		watcher:        watcher,
		logger:         logger,
		closed:         atomic.NewBool(false),
		shutdownCh:     make(chan struct{}),
	}
	peers.onUnreachable = watcher.OnUnreachable
	peers.onReachable = watcher.OnReachable

	// Seed the table with our own contact record.
	gossip.contactVersion = 1
	item, err := newContactItem(
		identity, endpoints, config.ClusterVersion, gossip.contactVersion,
	)
	if err != nil {
		return nil, err
	}
	gossip.table.Upsert(item)

	go gossip.receiveLoop()
	gossip.schedule()

	return gossip, nil
}

// LocalID returns the local node's identity.
func (g *Gossip) LocalID() NodeID {
	return g.identity.ID
}

// SetEndpoint updates the local node's advertised endpoint for the given
// service, re-emitting the signed contact record.
func (g *Gossip) SetEndpoint(service, addr string) error {
	g.endpointsMu.Lock()
	defer g.endpointsMu.Unlock()

	g.endpoints[service] = addr
	g.contactVersion++

	item, err := newContactItem(
		g.identity, g.endpoints, g.config.ClusterVersion, g.contactVersion,
	)
	if err != nil {
		return err
	}
	outcome := g.table.Upsert(item)
	g.metrics.MergeOutcomes.WithLabelValues(outcome.String()).Inc()
	return nil
}

// setAdvertiseAddr updates the advertised gossip address to the discovered
// public host, keeping the advertised port, and re-emits the contact
// record.
func (g *Gossip) setAdvertiseAddr(host string) error {
	_, port, err := net.SplitHostPort(g.advertiseAddr.Load())
	if err != nil {
		return fmt.Errorf("invalid advertise addr: %w", err)
	}
	addr := net.JoinHostPort(host, port)
	g.advertiseAddr.Store(addr)
	return g.SetEndpoint("gossip", addr)
}

// Peers returns a snapshot of the known peer views.
func (g *Gossip) Peers() []PeerView {
	return g.peers.Peers()
}

// Items returns a snapshot of the gossip table.
func (g *Gossip) Items() []Item {
	return g.table.Items()
}

// Item returns the stored item for the given key.
func (g *Gossip) Item(key Key) (Item, bool) {
	return g.table.Get(key)
}

func (g *Gossip) Metrics() *Metrics {
	return g.metrics
}

// Close stops gossiping and closes the transport.
//
// In-flight exchanges are abandoned; no in-progress round is guaranteed to
// complete.
func (g *Gossip) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		// Already closed.
		return nil
	}

	close(g.shutdownCh)
	return g.transport.Close()
}

// schedule runs the periodic jobs at the configured rate.
func (g *Gossip) schedule() {
	go g.scheduleFunc(g.config.Interval, g.round)
	go g.scheduleFunc(g.config.Interval*10, g.sweep)
}

func (g *Gossip) scheduleFunc(interval time.Duration, f func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Add 10% jitter to avoid nodes synchronising.
			jitterMs := (rand.Int63() % interval.Milliseconds()) / 10
			select {
			case <-time.After(time.Duration(jitterMs) * time.Millisecond):
				f()
			case <-g.shutdownCh:
				return
			}

		case <-g.shutdownCh:
			return
		}
	}
}

// round initiates one anti-entropy round. Rounds are independent: a lost or
// malformed message in one round never blocks the next, since every round
// re-evaluates current table state.
func (g *Gossip) round() {
	g.metrics.Rounds.Inc()

	g.emitHeartbeat()
	g.expirePulls()

	g.push()
	g.pull()

	drops := g.transport.Drops()
	g.metrics.SendQueueDrops.Add(float64(drops - g.lastDrops))
	g.lastDrops = drops

	g.metrics.Entries.Set(float64(g.table.Size()))
	g.updatePeerGauges()
}

// emitHeartbeat re-emits the local heartbeat item, advancing the local
// wallclock so peers see the node as live.
func (g *Gossip) emitHeartbeat() {
	counter := g.heartbeat.Inc()
	item, err := newHeartbeatItem(g.identity, g.config.ClusterVersion, counter)
	if err != nil {
		g.logger.Error("failed to sign heartbeat", zap.Error(err))
		return
	}
	outcome := g.table.Upsert(item)
	g.metrics.MergeOutcomes.WithLabelValues(outcome.String()).Inc()
}

// expirePulls fails any pull that has been outstanding longer than the pull
// timeout. The non-responding peer's failure counter is incremented and the
// round proceeds without it.
func (g *Gossip) expirePulls() {
	g.pendingMu.Lock()
	var failed []NodeID
	for addr, pull := range g.pending {
		if time.Since(pull.sentAt) > g.config.PullTimeout {
			delete(g.pending, addr)
			if pull.id != "" {
				failed = append(failed, pull.id)
			}
		}
	}
	g.pendingMu.Unlock()

	for _, id := range failed {
		g.peers.ReportFailure(id)
	}
}

// push sends the local node's freshest items to the selected push targets,
// unsolicited, to propagate new information without a round trip.
func (g *Gossip) push() {
	targets := g.peers.SelectPush(g.config.PushFanout)
	if len(targets) == 0 {
		return
	}

	items := g.pushItems()
	if len(items) == 0 {
		return
	}

	for _, t := range targets {
		filtered := g.filterPruned(t.id, items)
		if len(filtered) == 0 {
			continue
		}
		b, _, err := encodePush(g.sender(), filtered, g.config.MaxPacketSize)
		if err != nil {
			g.logger.Warn("failed to encode push", zap.Error(err))
			continue
		}
		g.send(t.addr, b)
	}
}

// pull sends the local digest to a single pull target so the peer can
// determine what we're missing.
func (g *Gossip) pull() {
	t, ok := g.peers.SelectPull()
	if !ok {
		return
	}

	digest := g.table.Digest()
	// Shuffle since we may not be able to send all digest entries.
	rand.Shuffle(len(digest), func(i, j int) {
		digest[i], digest[j] = digest[j], digest[i]
	})

	b, _, err := encodePullRequest(g.sender(), false, digest, g.config.MaxPacketSize)
	if err != nil {
		g.logger.Warn("failed to encode pull request", zap.Error(err))
		return
	}

	g.pendingMu.Lock()
	g.pending[t.addr] = pendingPull{
		id:     t.id,
		sentAt: time.Now(),
	}
	g.pendingMu.Unlock()

	g.send(t.addr, b)
}

// sweep removes long-unreachable peers and resets transient protocol
// bookkeeping.
func (g *Gossip) sweep() {
	for _, id := range g.peers.Sweep(g.config.Retention) {
		g.logger.Info("removed unreachable peer", zap.String("node-id", string(id)))
		g.watcher.OnExpired(id)

		g.prunedMu.Lock()
		delete(g.pruned, id)
		g.prunedMu.Unlock()
	}

	// Drop duplicate-push counters below the prune threshold and tokens for
	// pings that never got a pong, which otherwise accumulate under churn.
	g.dupPushesMu.Lock()
	g.dupPushes = make(map[dupKey]int)
	g.dupPushesMu.Unlock()

	g.pendingPingsMu.Lock()
	g.pendingPings = make(map[string]string)
	g.pendingPingsMu.Unlock()
}

// pushItems returns the items to push this round: the local node's own
// items plus any items accepted since the last push.
func (g *Gossip) pushItems() []Item {
	items := g.table.OriginItems(g.identity.ID)
	seen := make(map[Key]struct{}, len(items))
	for _, item := range items {
		seen[item.Key()] = struct{}{}
	}

	g.pushQueueMu.Lock()
	queued := g.pushQueue
	g.pushQueue = nil
	g.pushQueueMu.Unlock()

	for _, key := range queued {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if item, ok := g.table.Get(key); ok {
			items = append(items, item)
		}
	}
	return items
}

func (g *Gossip) filterPruned(peer NodeID, items []Item) []Item {
	if peer == "" {
		return items
	}

	g.prunedMu.Lock()
	origins, ok := g.pruned[peer]
	g.prunedMu.Unlock()
	if !ok {
		return items
	}

	var filtered []Item
	for _, item := range items {
		if _, pruned := origins[item.Origin]; pruned {
			continue
		}
		filtered = append(filtered, item)
	}
	return filtered
}

// receiveLoop drains inbound messages from the transport. Malformed or
// incompatible packets are discarded and counted; the loop never panics and
// never blocks on an outbound send.
func (g *Gossip) receiveLoop() {
	for {
		addr, b, err := g.transport.Receive()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			g.logger.Warn("failed to receive packet", zap.Error(err))
			continue
		}

		g.metrics.PacketBytesInbound.Add(float64(len(b)))

		if err := g.handlePacket(addr, b); err != nil {
			g.metrics.DecodeErrors.Inc()
			g.logger.Warn(
				"failed to handle packet",
				zap.String("addr", addr),
				zap.Error(err),
			)
		}
	}
}

func (g *Gossip) handlePacket(addr string, b []byte) error {
	if len(b) < 2 {
		return errors.New("packet too small")
	}

	switch messageType(b[0]) {
	case messageTypePush:
		return g.handlePush(b)
	case messageTypePullRequest:
		return g.handlePullRequest(b)
	case messageTypePullResponse:
		return g.handlePullResponse(b)
	case messageTypePrune:
		return g.handlePrune(b)
	case messageTypePing:
		return g.handlePing(addr, b)
	case messageTypePong:
		return g.handlePong(addr, b)
	default:
		return errors.New("unsupported message type")
	}
}

func (g *Gossip) handlePush(b []byte) error {
	header, items, err := decodePush(b)
	if err != nil {
		return err
	}
	if !g.checkSender(header.Sender) {
		return nil
	}

	g.peers.ReportContact(header.Sender.NodeID)
	g.mergeItems(items, header.Sender.NodeID, true)
	return nil
}

func (g *Gossip) handlePullRequest(b []byte) error {
	header, digest, err := decodePullRequest(b)
	if err != nil {
		return err
	}
	if !g.checkSender(header.Sender) {
		return nil
	}

	g.peers.ReportContact(header.Sender.NodeID)

	// Offer the local items the requester is missing or behind on, plus our
	// own digest so the requester can detect what we are missing.
	_, offer := g.table.Diff(digest)

	respDigest := g.table.Digest()
	rand.Shuffle(len(respDigest), func(i, j int) {
		respDigest[i], respDigest[j] = respDigest[j], respDigest[i]
	})

	resp, err := encodePullResponse(
		g.sender(), respDigest, offer, g.config.MaxPacketSize,
	)
	if err != nil {
		return err
	}
	g.send(header.Sender.Addr, resp)
	return nil
}

func (g *Gossip) handlePullResponse(b []byte) error {
	header, digest, items, err := decodePullResponse(b)
	if err != nil {
		return err
	}
	if !g.checkSender(header.Sender) {
		return nil
	}

	// Match the response to the outstanding pull to measure the round trip.
	g.pendingMu.Lock()
	pull, outstanding := g.pending[header.Sender.Addr]
	if outstanding {
		delete(g.pending, header.Sender.Addr)
	}
	g.pendingMu.Unlock()

	if outstanding && pull.id != "" {
		g.peers.ReportRTT(pull.id, time.Since(pull.sentAt))
	}
	g.peers.ReportContact(header.Sender.NodeID)

	g.mergeItems(items, header.Sender.NodeID, false)

	// Request the keys we're still missing in a follow-up, unless this
	// response already answered a follow-up.
	if outstanding && pull.followUp {
		return nil
	}
	wanted, _ := g.table.Diff(digest)
	if len(wanted) == 0 {
		return nil
	}

	localDigest := g.table.Digest()
	req, _, err := encodePullRequest(
		g.sender(), true, localDigest, g.config.MaxPacketSize,
	)
	if err != nil {
		return err
	}

	g.pendingMu.Lock()
	g.pending[header.Sender.Addr] = pendingPull{
		id:       header.Sender.NodeID,
		sentAt:   time.Now(),
		followUp: true,
	}
	g.pendingMu.Unlock()

	g.send(header.Sender.Addr, req)
	return nil
}

func (g *Gossip) handlePrune(b []byte) error {
	header, err := decodePrune(b)
	if err != nil {
		return err
	}
	if !g.checkSender(header.Sender) {
		return nil
	}

	g.metrics.PrunesInbound.Inc()

	g.prunedMu.Lock()
	origins, ok := g.pruned[header.Sender.NodeID]
	if !ok {
		origins = make(map[NodeID]struct{})
		g.pruned[header.Sender.NodeID] = origins
	}
	origins[header.Origin] = struct{}{}
	g.prunedMu.Unlock()

	return nil
}

func (g *Gossip) handlePing(addr string, b []byte) error {
	header, err := decodePing(b, messageTypePing)
	if err != nil {
		return err
	}
	if !g.checkSender(header.Sender) {
		return nil
	}

	// Reply to the packet source rather than the advertised address, since
	// a bootstrapping node may not know its public address yet.
	resp, err := encodePing(
		messageTypePong, g.sender(), header.Token, g.config.MaxPacketSize,
	)
	if err != nil {
		return err
	}
	g.send(addr, resp)
	return nil
}

func (g *Gossip) handlePong(addr string, b []byte) error {
	header, err := decodePing(b, messageTypePong)
	if err != nil {
		return err
	}
	if !g.checkSender(header.Sender) {
		return nil
	}

	g.pendingPingsMu.Lock()
	pingAddr, ok := g.pendingPings[header.Token]
	if ok {
		delete(g.pendingPings, header.Token)
	}
	g.pendingPingsMu.Unlock()

	if !ok {
		g.logger.Debug("pong with unknown token", zap.String("addr", addr))
		return nil
	}

	g.peers.EntrypointResponded(pingAddr)
	g.peers.ReportContact(header.Sender.NodeID)
	return nil
}

// mergeItems merges the received items into the table, discovering new
// peers from accepted contact records. When trackDups is set, repeated
// stale pushes for the same origin from the same peer trigger a prune
// notification.
func (g *Gossip) mergeItems(items []Item, from NodeID, trackDups bool) {
	for i := range items {
		item := items[i]

		if item.ClusterVersion != g.config.ClusterVersion {
			g.metrics.VersionMismatches.Inc()
			continue
		}
		if item.Origin == g.identity.ID {
			// Discard copies of our own items.
			continue
		}
		if err := item.Verify(); err != nil {
			g.metrics.DecodeErrors.Inc()
			g.logger.Warn(
				"discarding item with invalid signature",
				zap.String("origin", string(item.Origin)),
				zap.Error(err),
			)
			continue
		}

		outcome := g.table.Upsert(item)
		g.metrics.MergeOutcomes.WithLabelValues(outcome.String()).Inc()

		switch outcome {
		case MergeAccepted:
			g.onAccepted(item)
		case MergeRejected:
			if trackDups {
				g.trackDuplicate(from, item.Origin)
			}
		}
	}
}

func (g *Gossip) onAccepted(item Item) {
	// Queue for propagation on the next push.
	g.pushQueueMu.Lock()
	g.pushQueue = append(g.pushQueue, item.Key())
	g.pushQueueMu.Unlock()

	if item.Kind == KindContact {
		gossipAddr, ok := item.Contact.Endpoints["gossip"]
		if ok {
			joined := g.peers.Upsert(item.Origin, gossipAddr, item.ClusterVersion)
			if joined {
				g.logger.Info(
					"discovered node",
					zap.String("node-id", string(item.Origin)),
					zap.String("addr", gossipAddr),
				)
				g.watcher.OnJoin(item.Origin)
			}
		}

		// Learning any real contact record means we've joined the mesh.
		g.convergedOnce.Do(func() {
			close(g.convergedCh)
		})
	}

	g.watcher.OnUpsert(item.Origin, item.Kind)
}

// trackDuplicate counts stale duplicate pushes and asks the peer to stop
// forwarding the origin once over the threshold, reducing redundant
// traffic.
func (g *Gossip) trackDuplicate(peer NodeID, origin NodeID) {
	if peer == "" || origin == peer {
		return
	}

	key := dupKey{peer: peer, origin: origin}

	g.dupPushesMu.Lock()
	g.dupPushes[key]++
	over := g.dupPushes[key] >= pruneThreshold
	if over {
		delete(g.dupPushes, key)
	}
	g.dupPushesMu.Unlock()

	if !over {
		return
	}

	b, err := encodePrune(g.sender(), origin, g.config.MaxPacketSize)
	if err != nil {
		g.logger.Warn("failed to encode prune", zap.Error(err))
		return
	}

	if peerView, ok := g.peerAddr(peer); ok {
		g.metrics.PrunesOutbound.Inc()
		g.send(peerView, b)
	}
}

func (g *Gossip) peerAddr(id NodeID) (string, bool) {
	for _, peer := range g.peers.Peers() {
		if peer.ID == id {
			return peer.Addr, true
		}
	}
	return "", false
}

// checkSender gates on the sender's compatibility tag. Mismatched tags are
// a hard partition boundary: the message is dropped and the sender is never
// tracked as a peer.
func (g *Gossip) checkSender(s sender) bool {
	if s.ClusterVersion != g.config.ClusterVersion {
		g.metrics.VersionMismatches.Inc()
		return false
	}
	if s.NodeID == g.identity.ID {
		return false
	}
	return true
}

func (g *Gossip) sendPing(addr string) {
	token := uuid.NewString()

	g.pendingPingsMu.Lock()
	g.pendingPings[token] = addr
	g.pendingPingsMu.Unlock()

	b, err := encodePing(messageTypePing, g.sender(), token, g.config.MaxPacketSize)
	if err != nil {
		g.logger.Warn("failed to encode ping", zap.Error(err))
		return
	}
	g.send(addr, b)
}

func (g *Gossip) send(addr string, b []byte) {
	if err := g.transport.Send(addr, b); err != nil {
		g.logger.Debug(
			"failed to send packet",
			zap.String("addr", addr),
			zap.Error(err),
		)
		return
	}
	g.metrics.PacketBytesOutbound.Add(float64(len(b)))
}

func (g *Gossip) sender() sender {
	return sender{
		NodeID:         g.identity.ID,
		Addr:           g.advertiseAddr.Load(),
		ClusterVersion: g.config.ClusterVersion,
	}
}

func (g *Gossip) updatePeerGauges() {
	active := 0
	unreachable := 0
	for _, peer := range g.peers.Peers() {
		if peer.Bootstrap {
			continue
		}
		if peer.Unreachable {
			unreachable++
		} else {
			active++
		}
	}
	g.metrics.Peers.WithLabelValues("active").Set(float64(active))
	g.metrics.Peers.WithLabelValues("unreachable").Set(float64(unreachable))
}
