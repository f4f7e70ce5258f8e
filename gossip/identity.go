package gossip

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NodeID is a unique identifier for a node, derived from the node's public
// key. It is immutable for the lifetime of the node.
type NodeID string

// PublicKey returns the ed25519 public key the ID was derived from.
func (id NodeID) PublicKey() (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("decode node id: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid node id length: %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}

// Identity contains the local node's key pair used to sign the gossip items
// it originates.
type Identity struct {
	ID NodeID

	priv ed25519.PrivateKey
}

// NewIdentity generates a new random node identity.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Identity{
		ID:   NodeID(hex.EncodeToString(pub)),
		priv: priv,
	}, nil
}

// Sign signs the given bytes with the node's private key.
func (i *Identity) Sign(b []byte) []byte {
	return ed25519.Sign(i.priv, b)
}
