package gossip

import (
	"math/rand"
	"sync"
	"time"
)

// PeerView is the local liveness bookkeeping for one known peer.
type PeerView struct {
	// ID is the peer identity, or empty for a bootstrap entrypoint whose
	// identity is not yet known.
	ID NodeID `json:"id"`

	// Addr is the peer's gossip address.
	Addr string `json:"addr"`

	// ClusterVersion is the peer's compatibility tag.
	ClusterVersion uint16 `json:"cluster_version"`

	// Bootstrap indicates the peer is a seed entrypoint rather than a
	// discovered node.
	Bootstrap bool `json:"bootstrap"`

	// LastContact is the last time a message was received from the peer.
	LastContact time.Time `json:"last_contact"`

	// RTT is a smoothed estimate of the pull round-trip time.
	RTT time.Duration `json:"rtt"`

	// Failures counts consecutive rounds where contact with the peer
	// failed. Reset on any received message.
	Failures int `json:"failures"`

	// Unreachable indicates the failure count crossed the configured
	// threshold, excluding the peer from selection.
	Unreachable bool `json:"unreachable"`

	lastSelected time.Time
}

// target is a gossip destination chosen by peer selection.
type target struct {
	id   NodeID
	addr string
}

// peerSet tracks the PeerView of every known peer and selects gossip
// targets each round.
type peerSet struct {
	localID        NodeID
	clusterVersion uint16

	// failureThreshold is the number of consecutive contact failures after
	// which a peer stops being selected.
	failureThreshold int

	peers map[NodeID]*PeerView

	// entrypoints are bootstrap seed peers keyed by address, tracked
	// separately since their identity is unknown until first contact.
	entrypoints map[string]*PeerView

	// mu protects the above fields.
	mu sync.Mutex

	rng *rand.Rand

	onUnreachable func(id NodeID)
	onReachable   func(id NodeID)
}

func newPeerSet(
	localID NodeID,
	clusterVersion uint16,
	failureThreshold int,
) *peerSet {
	return &peerSet{
		localID:          localID,
		clusterVersion:   clusterVersion,
		failureThreshold: failureThreshold,
		peers:            make(map[NodeID]*PeerView),
		entrypoints:      make(map[string]*PeerView),
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddEntrypoint adds a bootstrap seed peer at the given address.
func (s *peerSet) AddEntrypoint(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entrypoints[addr]; ok {
		return
	}
	s.entrypoints[addr] = &PeerView{
		Addr:      addr,
		Bootstrap: true,
	}
}

// Upsert records a peer discovered from its contact record. Peers whose
// cluster version doesn't match the local tag are discarded: mismatched
// tags are a hard partition boundary, not a soft preference.
func (s *peerSet) Upsert(id NodeID, addr string, clusterVersion uint16) bool {
	if id == s.localID {
		return false
	}
	if clusterVersion != s.clusterVersion {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[id]
	if !ok {
		s.peers[id] = &PeerView{
			ID:             id,
			Addr:           addr,
			ClusterVersion: clusterVersion,
			LastContact:    time.Now(),
		}
		return true
	}
	peer.Addr = addr
	return false
}

// ReportContact records that a message was received from the peer.
func (s *peerSet) ReportContact(id NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[id]
	if !ok {
		return
	}
	peer.LastContact = time.Now()
	peer.Failures = 0
	if peer.Unreachable {
		peer.Unreachable = false
		if s.onReachable != nil {
			s.onReachable(id)
		}
	}
}

// ReportRTT records a measured pull round-trip time for the peer.
func (s *peerSet) ReportRTT(id NodeID, rtt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[id]
	if !ok {
		return
	}
	if peer.RTT == 0 {
		peer.RTT = rtt
	} else {
		// Exponentially weighted moving average.
		peer.RTT = (peer.RTT*7 + rtt) / 8
	}
}

// ReportFailure records a failed contact attempt (such as a pull that timed
// out). Once the failure count reaches the configured threshold the peer is
// excluded from selection, though its table entries are untouched and it
// recovers as soon as a message is received from it.
func (s *peerSet) ReportFailure(id NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[id]
	if !ok {
		return
	}
	peer.Failures++
	if peer.Failures >= s.failureThreshold && !peer.Unreachable {
		peer.Unreachable = true
		if s.onUnreachable != nil {
			s.onUnreachable(id)
		}
	}
}

// EntrypointResponded marks the entrypoint at the given address as having
// responded.
func (s *peerSet) EntrypointResponded(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if peer, ok := s.entrypoints[addr]; ok {
		peer.LastContact = time.Now()
	}
}

// SelectPush selects up to n peers to push to using weighted random
// sampling. Peers selected least recently are favoured to spread gossip
// traffic rather than concentrating on a few high-degree nodes.
func (s *peerSet) SelectPush(n int) []target {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.selectable()
	now := time.Now()

	var targets []target
	for len(targets) != n && len(candidates) > 0 {
		i := s.weightedPick(candidates, now)
		peer := candidates[i]
		peer.lastSelected = now
		targets = append(targets, target{id: peer.ID, addr: peer.Addr})
		candidates = append(candidates[:i], candidates[i+1:]...)
	}
	return targets
}

// SelectPull selects a single peer to pull from. While no discovered peer
// is selectable, falls back to a bootstrap entrypoint so a joining node can
// reach the mesh.
func (s *peerSet) SelectPull() (target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.selectable()
	if len(candidates) > 0 {
		now := time.Now()
		peer := candidates[s.weightedPick(candidates, now)]
		peer.lastSelected = now
		return target{id: peer.ID, addr: peer.Addr}, true
	}

	var seeds []*PeerView
	for _, peer := range s.entrypoints {
		seeds = append(seeds, peer)
	}
	if len(seeds) == 0 {
		return target{}, false
	}
	seed := seeds[s.rng.Intn(len(seeds))]
	return target{addr: seed.Addr}, true
}

// Peers returns a snapshot of every known peer view.
func (s *peerSet) Peers() []PeerView {
	s.mu.Lock()
	defer s.mu.Unlock()

	var peers []PeerView
	for _, peer := range s.peers {
		peers = append(peers, *peer)
	}
	for _, peer := range s.entrypoints {
		peers = append(peers, *peer)
	}
	return peers
}

// Active returns whether the peer is a selectable gossip target.
func (s *peerSet) Active(id NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[id]
	if !ok {
		return false
	}
	return !peer.Unreachable
}

// Sweep removes unreachable peers that have had no contact within the
// retention period. Their table entries are not force-removed; they remain
// until naturally superseded or capacity evicted.
func (s *peerSet) Sweep(retention time.Duration) []NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []NodeID
	for id, peer := range s.peers {
		if peer.Unreachable && time.Since(peer.LastContact) > retention {
			delete(s.peers, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// selectable returns the peers eligible as gossip targets. Must be called
// with the mutex held.
func (s *peerSet) selectable() []*PeerView {
	var candidates []*PeerView
	for _, peer := range s.peers {
		if peer.Unreachable {
			continue
		}
		candidates = append(candidates, peer)
	}
	return candidates
}

// weightedPick picks an index from candidates, weighting by the time since
// each peer was last selected. Must be called with the mutex held.
func (s *peerSet) weightedPick(candidates []*PeerView, now time.Time) int {
	var total int64
	weights := make([]int64, len(candidates))
	for i, peer := range candidates {
		w := int64(now.Sub(peer.lastSelected) / time.Millisecond)
		if w < 1 {
			w = 1
		}
		weights[i] = w
		total += w
	}

	r := s.rng.Int63n(total)
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(candidates) - 1
}
