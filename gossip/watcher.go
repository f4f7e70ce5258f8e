package gossip

// Watcher is used to receive notifications when the known cluster state
// changes.
//
// Implementations must not block and must not call back into Gossip.
type Watcher interface {
	// OnJoin notifies that a new node was discovered.
	OnJoin(id NodeID)

	// OnUpsert notifies that an item originated by the given node was
	// accepted into the table.
	OnUpsert(id NodeID, kind Kind)

	// OnUnreachable notifies that contact with a peer has failed for the
	// configured number of rounds so it is no longer selected as a gossip
	// target.
	OnUnreachable(id NodeID)

	// OnReachable notifies that a peer that was considered unreachable has
	// recovered.
	OnReachable(id NodeID)

	// OnExpired notifies that an unreachable peer's view was removed.
	OnExpired(id NodeID)
}

type nopWatcher struct {
}

func NewNopWatcher() Watcher {
	return &nopWatcher{}
}

func (w *nopWatcher) OnJoin(_ NodeID) {}

func (w *nopWatcher) OnUpsert(_ NodeID, _ Kind) {}

func (w *nopWatcher) OnUnreachable(_ NodeID) {}

func (w *nopWatcher) OnReachable(_ NodeID) {}

func (w *nopWatcher) OnExpired(_ NodeID) {}

var _ Watcher = &nopWatcher{}
