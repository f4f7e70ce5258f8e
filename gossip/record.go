package gossip

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"time"
)

// Kind identifies the type of a gossip item. The set of kinds is fixed by
// the protocol version.
type Kind uint8

const (
	// KindContact is a node's contact record, describing its network
	// endpoints.
	KindContact Kind = iota + 1
	// KindHeartbeat is an ephemeral liveness signal re-emitted by each node
	// every round.
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindContact:
		return "contact"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Key identifies a table entry. The table holds at most one live item per
// key.
type Key struct {
	Origin NodeID `json:"origin" codec:"origin"`
	Kind   Kind   `json:"kind" codec:"kind"`
}

// Contact describes a node's network endpoints, keyed by service name (such
// as 'gossip' or 'admin').
type Contact struct {
	Endpoints map[string]string `json:"endpoints" codec:"endpoints"`
}

// Heartbeat is a monotonic counter emitted by a live node.
type Heartbeat struct {
	Counter uint64 `json:"counter" codec:"counter"`
}

// Item is a versioned gossip item originated by a single node.
//
// Exactly one of Contact and Heartbeat is set, matching Kind. Only the
// origin node may produce a new signed item for its identity; other nodes
// only store and forward copies.
type Item struct {
	Origin NodeID `json:"origin" codec:"origin"`
	Kind   Kind   `json:"kind" codec:"kind"`

	// Wallclock is a monotonically advancing unix millisecond timestamp set
	// by the origin node.
	Wallclock int64 `json:"wallclock" codec:"wallclock"`
	// Version orders items with the same wallclock.
	Version uint64 `json:"version" codec:"version"`

	// ClusterVersion is the origin's compatibility tag. Items from a
	// different cluster version are never merged.
	ClusterVersion uint16 `json:"cluster_version" codec:"cluster_version"`

	Contact   *Contact   `json:"contact,omitempty" codec:"contact"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty" codec:"heartbeat"`

	Signature []byte `json:"signature" codec:"signature"`
}

func (i *Item) Key() Key {
	return Key{Origin: i.Origin, Kind: i.Kind}
}

// Compare orders two items for the same key by (wallclock, version).
// Returns 1 if i is strictly newer than o, -1 if strictly older and 0 if
// equal.
func (i *Item) Compare(o *Item) int {
	if i.Wallclock != o.Wallclock {
		if i.Wallclock > o.Wallclock {
			return 1
		}
		return -1
	}
	if i.Version != o.Version {
		if i.Version > o.Version {
			return 1
		}
		return -1
	}
	return 0
}

// Sign signs the item with the given identity, which must match the item
// origin.
func (i *Item) Sign(identity *Identity) error {
	if identity.ID != i.Origin {
		return fmt.Errorf("sign: item origin does not match identity")
	}
	b, err := i.signable()
	if err != nil {
		return err
	}
	i.Signature = identity.Sign(b)
	return nil
}

// Verify verifies the item signature against the origin's public key.
func (i *Item) Verify() error {
	pub, err := i.Origin.PublicKey()
	if err != nil {
		return err
	}
	b, err := i.signable()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, b, i.Signature) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// signable returns the canonical encoding of the item without the
// signature.
func (i *Item) signable() ([]byte, error) {
	unsigned := *i
	unsigned.Signature = nil

	var buf bytes.Buffer
	if err := newEncoder(&buf).Encode(&unsigned); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// newContactItem creates a signed contact item owned by the local node.
//
// The endpoints map is copied so later endpoint updates never mutate the
// signed payload.
func newContactItem(
	identity *Identity,
	endpoints map[string]string,
	clusterVersion uint16,
	version uint64,
) (Item, error) {
	copied := make(map[string]string, len(endpoints))
	for service, addr := range endpoints {
		copied[service] = addr
	}

	item := Item{
		Origin:         identity.ID,
		Kind:           KindContact,
		Wallclock:      time.Now().UnixMilli(),
		Version:        version,
		ClusterVersion: clusterVersion,
		Contact: &Contact{
			Endpoints: copied,
		},
	}
	if err := item.Sign(identity); err != nil {
		return Item{}, err
	}
	return item, nil
}

// newHeartbeatItem creates a signed heartbeat item owned by the local node.
func newHeartbeatItem(
	identity *Identity,
	clusterVersion uint16,
	counter uint64,
) (Item, error) {
	item := Item{
		Origin:         identity.ID,
		Kind:           KindHeartbeat,
		Wallclock:      time.Now().UnixMilli(),
		Version:        counter,
		ClusterVersion: clusterVersion,
		Heartbeat: &Heartbeat{
			Counter: counter,
		},
	}
	if err := item.Sign(identity); err != nil {
		return Item{}, err
	}
	return item, nil
}
