package gossip

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// MergeOutcome is the result of merging an item into the table.
type MergeOutcome int

const (
	// MergeAccepted indicates the item won the ordering comparison and was
	// stored.
	MergeAccepted MergeOutcome = iota + 1
	// MergeUnchanged indicates the item matched the stored entry so the
	// table was not modified.
	MergeUnchanged
	// MergeRejected indicates the item lost the ordering comparison against
	// the stored entry. This is a normal outcome, not an error.
	MergeRejected
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeAccepted:
		return "accepted"
	case MergeUnchanged:
		return "unchanged"
	case MergeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// DigestEntry summarises a table entry without its payload.
type DigestEntry struct {
	Origin    NodeID `codec:"origin"`
	Kind      Kind   `codec:"kind"`
	Wallclock int64  `codec:"wallclock"`
	Version   uint64 `codec:"version"`
}

type tableEntry struct {
	item    Item
	updated time.Time
}

type tableShard struct {
	entries map[Key]*tableEntry

	// mu protects the above fields.
	mu sync.Mutex
}

const tableShards = 16

// Table is a bounded store of the latest gossip item per (origin, kind)
// key.
//
// The table is shared by the anti-entropy engine, the receive path and
// status queries, so entries are partitioned into shards each guarded by
// their own mutex. The ordering comparison in Upsert is checked and written
// under the shard lock so concurrent upserts for the same key can never
// store a stale item over a fresher one.
type Table struct {
	localID  NodeID
	capacity int

	shards [tableShards]*tableShard
}

func NewTable(localID NodeID, capacity int) *Table {
	t := &Table{
		localID:  localID,
		capacity: capacity,
	}
	for i := 0; i != tableShards; i++ {
		t.shards[i] = &tableShard{
			entries: make(map[Key]*tableEntry),
		}
	}
	return t
}

// Upsert merges the given item into the table.
//
// The item is accepted if there is no entry for its key, or if it strictly
// wins the (wallclock, version) ordering against the stored entry. Ties
// favour the stored entry to avoid flapping between equal copies.
func (t *Table) Upsert(item Item) MergeOutcome {
	shard := t.shard(item.Key())

	shard.mu.Lock()
	existing, ok := shard.entries[item.Key()]
	if ok {
		cmp := item.Compare(&existing.item)
		if cmp < 0 {
			shard.mu.Unlock()
			return MergeRejected
		}
		if cmp == 0 {
			shard.mu.Unlock()
			return MergeUnchanged
		}
		existing.item = item
		existing.updated = time.Now()
		shard.mu.Unlock()
		return MergeAccepted
	}

	shard.entries[item.Key()] = &tableEntry{
		item:    item,
		updated: time.Now(),
	}
	shard.mu.Unlock()

	t.evict()

	return MergeAccepted
}

// Get returns the stored item for the given key.
func (t *Table) Get(key Key) (Item, bool) {
	shard := t.shard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[key]
	if !ok {
		return Item{}, false
	}
	return entry.item, true
}

// Digest returns a summary of every entry in the table, used during
// reconciliation so a peer can determine which entries it is missing or
// ahead on without transmitting payloads.
func (t *Table) Digest() []DigestEntry {
	var digest []DigestEntry
	for _, shard := range t.shards {
		shard.mu.Lock()
		for key, entry := range shard.entries {
			digest = append(digest, DigestEntry{
				Origin:    key.Origin,
				Kind:      key.Kind,
				Wallclock: entry.item.Wallclock,
				Version:   entry.item.Version,
			})
		}
		shard.mu.Unlock()
	}
	return digest
}

// Diff compares the remote digest against the local table.
//
// wanted contains the keys where the remote claims a strictly newer entry
// than stored locally (or the key is absent locally). offer contains the
// local items strictly newer than the remote digest claims, including items
// the remote digest doesn't mention at all.
func (t *Table) Diff(remote []DigestEntry) (wanted []Key, offer []Item) {
	claimed := make(map[Key]DigestEntry, len(remote))
	for _, entry := range remote {
		claimed[Key{Origin: entry.Origin, Kind: entry.Kind}] = entry
	}

	for _, shard := range t.shards {
		shard.mu.Lock()
		for key, entry := range shard.entries {
			remoteEntry, ok := claimed[key]
			if !ok {
				offer = append(offer, entry.item)
				continue
			}
			cmp := compareStamp(
				entry.item.Wallclock, entry.item.Version,
				remoteEntry.Wallclock, remoteEntry.Version,
			)
			if cmp > 0 {
				offer = append(offer, entry.item)
			} else if cmp < 0 {
				wanted = append(wanted, key)
			}
			delete(claimed, key)
		}
		shard.mu.Unlock()
	}

	// Keys the remote has that are absent locally.
	for key := range claimed {
		wanted = append(wanted, key)
	}

	return wanted, offer
}

// Items returns a snapshot of every item in the table.
func (t *Table) Items() []Item {
	var items []Item
	for _, shard := range t.shards {
		shard.mu.Lock()
		for _, entry := range shard.entries {
			items = append(items, entry.item)
		}
		shard.mu.Unlock()
	}
	return items
}

// ItemsForKeys returns the stored items for the given keys, skipping keys
// with no entry.
func (t *Table) ItemsForKeys(keys []Key) []Item {
	var items []Item
	for _, key := range keys {
		if item, ok := t.Get(key); ok {
			items = append(items, item)
		}
	}
	return items
}

// OriginItems returns the items originated by the given node.
func (t *Table) OriginItems(origin NodeID) []Item {
	var items []Item
	for _, kind := range []Kind{KindContact, KindHeartbeat} {
		if item, ok := t.Get(Key{Origin: origin, Kind: kind}); ok {
			items = append(items, item)
		}
	}
	return items
}

func (t *Table) Size() int {
	size := 0
	for _, shard := range t.shards {
		shard.mu.Lock()
		size += len(shard.entries)
		shard.mu.Unlock()
	}
	return size
}

// evict removes the least recently updated entries until the table is back
// under capacity. The local node's own entries are exempt.
func (t *Table) evict() {
	if t.capacity <= 0 {
		return
	}

	excess := t.Size() - t.capacity
	if excess <= 0 {
		return
	}

	type candidate struct {
		key     Key
		updated time.Time
	}
	var candidates []candidate
	for _, shard := range t.shards {
		shard.mu.Lock()
		for key, entry := range shard.entries {
			if key.Origin == t.localID {
				continue
			}
			candidates = append(candidates, candidate{
				key:     key,
				updated: entry.updated,
			})
		}
		shard.mu.Unlock()
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].updated.Before(candidates[j].updated)
	})

	for i := 0; i != len(candidates) && excess > 0; i++ {
		shard := t.shard(candidates[i].key)
		shard.mu.Lock()
		// The entry may have been refreshed since the scan, in which case
		// keep it.
		entry, ok := shard.entries[candidates[i].key]
		if ok && entry.updated.Equal(candidates[i].updated) {
			delete(shard.entries, candidates[i].key)
			excess--
		}
		shard.mu.Unlock()
	}
}

func (t *Table) shard(key Key) *tableShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.Origin))
	_, _ = h.Write([]byte{byte(key.Kind)})
	return t.shards[h.Sum32()%tableShards]
}

func compareStamp(wallclock int64, version uint64, otherWallclock int64, otherVersion uint64) int {
	if wallclock != otherWallclock {
		if wallclock > otherWallclock {
			return 1
		}
		return -1
	}
	if version != otherVersion {
		if version > otherVersion {
			return 1
		}
		return -1
	}
	return 0
}
