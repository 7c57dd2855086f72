package registry

import (
	"errors"
	"net/netip"
	"time"
)

// Errors returned by ServerTable.GetOrCreate, one per admission outcome.
var (
	ErrQuotaExceeded  = errors.New("registry: per-address server quota exceeded")
	ErrLoopbackRefused = errors.New("registry: loopback source refused")
	ErrTableFull      = errors.New("registry: server table full")
)

// Family distinguishes the two independent hash indices the table maintains.
type Family uint8

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// State is a server's population classification, derived from its most
// recent infoResponse. StateUninitialized is the state of a freshly
// admitted entry that has not yet passed challenge validation.
type State int

const (
	StateUninitialized State = iota
	StateEmpty
	StateOccupied
	StateFull
)

const (
	// heartbeatGrace is the liveness window granted to a freshly admitted,
	// not-yet-validated entry.
	heartbeatGrace = 2 * time.Second
	// infoLifetime is the liveness window granted after a valid infoResponse.
	infoLifetime = 900 * time.Second
	// challengeLifetime is how long an issued challenge remains acceptable.
	challengeLifetime = 2 * time.Second
)

// Entry is one registered server. Exported fields are the record a client
// query can filter and report on; the trailing fields are hash-chain/
// slot-pool bookkeeping private to ServerTable.
type Entry struct {
	Addr            netip.AddrPort
	Family          Family
	Protocol        int
	Gamename        string
	State           State
	Challenge       string
	ChallengeExpiry time.Time
	LivenessExpiry  time.Time
	AddrMap         *MappingRule

	used    bool
	slot    int
	bucket  int
	prevIdx int32 // -1 means this entry is the bucket head
	nextIdx int32 // -1 means this entry is the chain tail
}

// ServerTable is the bounded, dual-indexed server registry: an array slot
// pool plus one hash table per address family. It is not safe for
// concurrent use; callers serialize access through a single cooperative
// loop.
type ServerTable struct {
	entries []Entry

	hashBits      uint
	bucketMask    uint32
	ipv4Heads     []int32
	ipv6Heads     []int32

	maxPerAddress int
	allowLoopback bool
	addrMap       *AddressMap

	firstFreeSlot int // -1 if table full
	lastUsedSlot  int // -1 if empty
	nbServers     int
}

// ServerTableConfig collects the table's construction-time knobs.
type ServerTableConfig struct {
	MaxServers    int
	HashBits      uint // 0..8
	MaxPerAddress int  // 0 = unlimited
	AllowLoopback bool
}

// NewServerTable allocates the slot array and both hash tables up front.
// Entries are addressed by integer slot index rather than pointer, so the
// hash chains are plain index links into st.entries; free slots are found
// by scanning for unused entries.
func NewServerTable(cfg ServerTableConfig, addrMap *AddressMap) *ServerTable {
	if cfg.HashBits > 8 {
		cfg.HashBits = 8
	}
	size := uint32(1) << cfg.HashBits

	st := &ServerTable{
		entries:       make([]Entry, cfg.MaxServers),
		hashBits:      cfg.HashBits,
		bucketMask:    size - 1,
		ipv4Heads:     make([]int32, size),
		ipv6Heads:     make([]int32, size),
		maxPerAddress: cfg.MaxPerAddress,
		allowLoopback: cfg.AllowLoopback,
		addrMap:       addrMap,
		firstFreeSlot: 0,
		lastUsedSlot:  -1,
	}
	for i := range st.ipv4Heads {
		st.ipv4Heads[i] = -1
		st.ipv6Heads[i] = -1
	}
	if cfg.MaxServers == 0 {
		st.firstFreeSlot = -1
	}
	return st
}

// Count returns the number of occupied slots.
func (st *ServerTable) Count() int { return st.nbServers }

func (st *ServerTable) heads(f Family) []int32 {
	if f == FamilyIPv6 {
		return st.ipv6Heads
	}
	return st.ipv4Heads
}

// hashAddr folds the address bits of addr down to st.hashBits. Port is
// deliberately excluded from the hash: every server behind the same IP
// shares a bucket, bounded instead by the per-address admission quota.
func (st *ServerTable) hashAddr(addr netip.Addr) uint32 {
	var hash uint32
	if addr.Is6() && !addr.Is4In6() {
		b := addr.As16()
		for i := 0; i < 16; i += 4 {
			hash ^= uint32(b[i])<<24 | uint32(b[i+1])<<16 | uint32(b[i+2])<<8 | uint32(b[i+3])
		}
	} else {
		b := addr.As4()
		hash = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	}

	hash = (hash & 0xFFFF) ^ (hash >> 16)
	switch {
	case st.hashBits >= 8:
		hash = (hash >> st.hashBits) ^ hash
	case st.hashBits > 4:
		hash = (hash >> 8) ^ hash
	default:
		hash = (hash >> 12) ^ (hash >> 8) ^ (hash >> 4) ^ hash
	}
	return hash & st.bucketMask
}

func familyOf(addr netip.Addr) Family {
	if addr.Is4() || addr.Is4In6() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// Get looks up peer, removing any timed-out entries discovered along the
// bucket walk and moving a hit to the head of its bucket (a heartbeat is
// almost always followed shortly by its infoResponse, so recently-active
// entries stay cheap to find).
func (st *ServerTable) Get(now time.Time, peer netip.AddrPort) (*Entry, bool) {
	addr := peer.Addr().Unmap()
	family := familyOf(addr)
	bucket := st.hashAddr(addr)
	heads := st.heads(family)

	idx := heads[bucket]
	for idx != -1 {
		e := &st.entries[idx]
		next := e.nextIdx

		if e.LivenessExpiry.Before(now) {
			st.remove(e)
			idx = next
			continue
		}

		if e.Addr == peer {
			st.moveToHead(e, family, bucket)
			return e, true
		}
		idx = next
	}
	return nil, false
}

// countByAddress returns the number of live entries sharing addr (ignoring
// port), walking only the one bucket that addr hashes to.
func (st *ServerTable) countByAddress(now time.Time, addr netip.Addr, family Family) int {
	bucket := st.hashAddr(addr)
	heads := st.heads(family)

	count := 0
	idx := heads[bucket]
	for idx != -1 {
		e := &st.entries[idx]
		next := e.nextIdx
		if e.LivenessExpiry.Before(now) {
			st.remove(e)
			idx = next
			continue
		}
		if e.Addr.Addr() == addr {
			count++
		}
		idx = next
	}
	return count
}

// GetOrCreate performs the admission sequence: a per-address quota check,
// a loopback policy check, then a global capacity check (with one
// opportunistic timeout sweep as a last resort) before allocating the
// first free slot.
func (st *ServerTable) GetOrCreate(now time.Time, peer netip.AddrPort) (*Entry, error) {
	if e, ok := st.Get(now, peer); ok {
		return e, nil
	}

	addr := peer.Addr().Unmap()
	family := familyOf(addr)

	if st.maxPerAddress > 0 && st.countByAddress(now, addr, family) >= st.maxPerAddress {
		return nil, ErrQuotaExceeded
	}

	if addr.IsLoopback() {
		if family == FamilyIPv6 {
			return nil, ErrLoopbackRefused
		}
		if !st.allowLoopback {
			if st.addrMap == nil {
				return nil, ErrLoopbackRefused
			}
			if _, ok := st.addrMap.Lookup(peer); !ok {
				return nil, ErrLoopbackRefused
			}
		}
	}

	if st.firstFreeSlot == -1 {
		st.SweepTimeouts(now)
		if st.firstFreeSlot == -1 {
			return nil, ErrTableFull
		}
	}

	slot := st.firstFreeSlot
	e := &st.entries[slot]
	*e = Entry{
		Addr:           peer,
		Family:         family,
		State:          StateUninitialized,
		LivenessExpiry: now.Add(heartbeatGrace),
		used:           true,
		slot:           slot,
	}
	if st.addrMap != nil {
		if rule, ok := st.addrMap.Lookup(peer); ok {
			r := rule
			e.AddrMap = &r
		}
	}

	bucket := st.hashAddr(addr)
	st.linkHead(e, family, bucket)

	st.nbServers++
	if slot > st.lastUsedSlot {
		st.lastUsedSlot = slot
	}
	st.advanceFirstFreeSlot()

	return e, nil
}

func (st *ServerTable) advanceFirstFreeSlot() {
	for i := st.firstFreeSlot + 1; i < len(st.entries); i++ {
		if !st.entries[i].used {
			st.firstFreeSlot = i
			return
		}
	}
	st.firstFreeSlot = -1
}

func (st *ServerTable) linkHead(e *Entry, family Family, bucket uint32) {
	heads := st.heads(family)
	head := heads[bucket]
	e.prevIdx = -1
	e.nextIdx = head
	e.bucket = int(bucket)
	if head != -1 {
		st.entries[head].prevIdx = int32(e.slot)
	}
	heads[bucket] = int32(e.slot)
}

func (st *ServerTable) unlink(e *Entry, family Family) {
	heads := st.heads(family)
	if e.prevIdx == -1 {
		heads[e.bucket] = e.nextIdx
	} else {
		st.entries[e.prevIdx].nextIdx = e.nextIdx
	}
	if e.nextIdx != -1 {
		st.entries[e.nextIdx].prevIdx = e.prevIdx
	}
}

func (st *ServerTable) moveToHead(e *Entry, family Family, bucket uint32) {
	st.unlink(e, family)
	st.linkHead(e, family, bucket)
}

// remove unlinks an entry from its hash bucket and returns its slot to the
// free pool, keeping firstFreeSlot/lastUsedSlot consistent.
func (st *ServerTable) remove(e *Entry) {
	st.unlink(e, e.Family)

	slot := e.slot
	*e = Entry{}

	if st.firstFreeSlot == -1 || slot < st.firstFreeSlot {
		st.firstFreeSlot = slot
	}

	if st.lastUsedSlot == slot {
		for st.lastUsedSlot >= 0 && !st.entries[st.lastUsedSlot].used {
			st.lastUsedSlot--
		}
	}

	st.nbServers--
}

// Remove is the exported form of remove, for explicit removal from outside
// the table. Timed-out entries are reclaimed internally and do not go
// through it.
func (st *ServerTable) Remove(e *Entry) { st.remove(e) }

// SweepTimeouts walks every used slot up to lastUsedSlot and removes any
// entry whose liveness has expired.
func (st *ServerTable) SweepTimeouts(now time.Time) int {
	removed := 0
	for i := 0; i <= st.lastUsedSlot; i++ {
		e := &st.entries[i]
		if !e.used {
			continue
		}
		if e.LivenessExpiry.Before(now) {
			st.remove(e)
			removed++
		}
	}
	return removed
}

// CountByFamily returns the live entry count per address family, sweeping
// timed-out entries as it walks (same self-healing behaviour as Get).
func (st *ServerTable) CountByFamily(now time.Time) (ipv4, ipv6 int) {
	st.IterateAll(now, func(e *Entry) bool {
		if e.Family == FamilyIPv6 {
			ipv6++
		} else {
			ipv4++
		}
		return true
	})
	return ipv4, ipv6
}

// IterateAll visits every live entry in slot-index order, removing timed-out
// entries as it goes, until fn returns false. Ordering is stable within a
// single call but not across mutations.
func (st *ServerTable) IterateAll(now time.Time, fn func(*Entry) bool) {
	for i := 0; i <= st.lastUsedSlot; i++ {
		e := &st.entries[i]
		if !e.used {
			continue
		}
		if e.LivenessExpiry.Before(now) {
			st.remove(e)
			continue
		}
		if !fn(e) {
			return
		}
	}
}
