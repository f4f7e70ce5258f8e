package gossip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItem_Compare(t *testing.T) {
	t.Run("newer wallclock wins", func(t *testing.T) {
		newer := &Item{Wallclock: 150, Version: 1}
		older := &Item{Wallclock: 100, Version: 5}
		assert.Equal(t, 1, newer.Compare(older))
		assert.Equal(t, -1, older.Compare(newer))
	})

	t.Run("version breaks wallclock ties", func(t *testing.T) {
		newer := &Item{Wallclock: 100, Version: 2}
		older := &Item{Wallclock: 100, Version: 1}
		assert.Equal(t, 1, newer.Compare(older))
		assert.Equal(t, -1, older.Compare(newer))
	})

	t.Run("equal", func(t *testing.T) {
		a := &Item{Wallclock: 100, Version: 1}
		b := &Item{Wallclock: 100, Version: 1}
		assert.Equal(t, 0, a.Compare(b))
	})
}

func TestItem_SignAndVerify(t *testing.T) {
	identity, err := NewIdentity()
	require.NoError(t, err)

	item, err := newContactItem(identity, map[string]string{
		"gossip": "10.26.104.12:8001",
	}, 1, 1)
	require.NoError(t, err)

	assert.NoError(t, item.Verify())
}

func TestItem_VerifyTampered(t *testing.T) {
	identity, err := NewIdentity()
	require.NoError(t, err)

	item, err := newContactItem(identity, map[string]string{
		"gossip": "10.26.104.12:8001",
	}, 1, 1)
	require.NoError(t, err)

	// Altering any signed field must invalidate the signature.
	item.Contact.Endpoints["gossip"] = "10.26.104.99:8001"
	assert.Error(t, item.Verify())
}

func TestItem_VerifyWrongOrigin(t *testing.T) {
	identity, err := NewIdentity()
	require.NoError(t, err)
	other, err := NewIdentity()
	require.NoError(t, err)

	item, err := newContactItem(identity, map[string]string{
		"gossip": "10.26.104.12:8001",
	}, 1, 1)
	require.NoError(t, err)

	// A copy claiming another origin must not verify.
	item.Origin = other.ID
	assert.Error(t, item.Verify())
}

func TestItem_SignRequiresMatchingIdentity(t *testing.T) {
	identity, err := NewIdentity()
	require.NoError(t, err)
	other, err := NewIdentity()
	require.NoError(t, err)

	item := Item{
		Origin: other.ID,
		Kind:   KindHeartbeat,
		Heartbeat: &Heartbeat{
			Counter: 1,
		},
	}
	assert.Error(t, item.Sign(identity))
}

func TestNodeID_PublicKey(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		identity, err := NewIdentity()
		require.NoError(t, err)

		pub, err := identity.ID.PublicKey()
		require.NoError(t, err)
		assert.Len(t, pub, 32)
	})

	t.Run("not hex", func(t *testing.T) {
		_, err := NodeID("not-a-key").PublicKey()
		assert.Error(t, err)
	})

	t.Run("wrong length", func(t *testing.T) {
		_, err := NodeID("abcd1234").PublicKey()
		assert.Error(t, err)
	})
}
