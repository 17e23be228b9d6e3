// Package mapping implements the L2P/P2L arrays and invalid-block
// bitmap of spec §3, guarded by the single map mutex of §4.7. It is
// deliberately kept separate from internal/zonepool: §9 calls out
// that merging the map lock with the zone-pool lock would let a
// writer waiting on a free zone block readers, which must never
// happen.
package mapping

import "sync"

// Unmapped is the all-ones sentinel for an L2P slot with no current
// mapping.
const Unmapped uint64 = ^uint64(0)

// RunKind tags a contiguous run discovered by LookupContiguousRun,
// resolving spec §9's open question about an unenforced
// "count_mapped == length_contig" assumption: callers no longer infer
// the run's nature from a count match, they're told explicitly.
type RunKind int

const (
	RunMapped RunKind = iota
	RunUnmapped
)

// Table holds the L2P array, the P2L array, and the invalid-block
// bitmap as one cohesively-locked unit.
type Table struct {
	mu      sync.Mutex
	l2p     []uint64
	p2l     []uint64
	invalid []uint64 // bitset, one bit per physical LBA
}

// NewTable allocates a table for numLogical logical blocks over
// numPhysical physical blocks, with every slot starting unmapped.
func NewTable(numLogical, numPhysical int) *Table {
	t := &Table{
		l2p:     make([]uint64, numLogical),
		p2l:     make([]uint64, numPhysical),
		invalid: make([]uint64, (numPhysical+63)/64),
	}
	for i := range t.l2p {
		t.l2p[i] = Unmapped
	}
	for i := range t.p2l {
		t.p2l[i] = Unmapped
	}
	return t
}

// Lookup returns the physical LBA mapped to logical LBA l, or
// (Unmapped, false) if none.
func (t *Table) Lookup(l uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.l2p[l]
	return p, p != Unmapped
}

func (t *Table) bitSet(p uint64) bool {
	return t.invalid[p/64]&(1<<(p%64)) != 0
}

func (t *Table) setBit(p uint64) {
	t.invalid[p/64] |= 1 << (p % 64)
}

func (t *Table) clearBit(p uint64) {
	t.invalid[p/64] &^= 1 << (p % 64)
}

// IsInvalid reports whether physical LBA p is marked invalid.
func (t *Table) IsInvalid(p uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bitSet(p)
}

// InstallResult reports what UpdateAndInvalidate actually did, so the
// write path can fold zone-invalid-block-counter bookkeeping into the
// same critical section without a second lock acquisition.
type InstallResult struct {
	// OldPhysicalStart/Count describe the run of physical blocks that
	// was invalidated, if any (old mapping existed).
	HadOldMapping    bool
	OldPhysicalStart uint64
	Count            int
}

// UpdateAndInvalidate installs count contiguous mappings
// L2P[l+i] = p+i (and the matching P2L back-pointers), first
// invalidating whatever physical run the logical range previously
// pointed at. Both steps happen under one critical section so
// invariant I2 (no invalid block has a live back-pointer) holds at
// every observable point (spec §4.4 step e).
func (t *Table) UpdateAndInvalidate(l, p uint64, count int) InstallResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res InstallResult
	oldP := t.l2p[l]
	if oldP != Unmapped {
		res.HadOldMapping = true
		res.OldPhysicalStart = oldP
		res.Count = count
		for i := 0; i < count; i++ {
			t.setBit(oldP + uint64(i))
		}
	}
	for i := 0; i < count; i++ {
		t.l2p[l+uint64(i)] = p + uint64(i)
		t.p2l[p+uint64(i)] = l + uint64(i)
	}
	return res
}

// Remap rewrites count mappings as part of reclaim: the live block
// previously at physical oldP (with logical back-pointer P2L[oldP])
// now lives at physical newP. The old physical slot's invalid bit is
// cleared so it starts clean when its zone is recycled (§4.5 step 6,
// and the leak called out in §9's redesign guidance).
func (t *Table) Remap(oldP, newP uint64, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < count; i++ {
		op := oldP + uint64(i)
		np := newP + uint64(i)
		l := t.p2l[op]
		if l != Unmapped {
			t.l2p[l] = np
			t.p2l[np] = l
		}
		t.clearBit(np)
		t.clearBit(op)
	}
}

// ClearZoneInvalidBits clears every invalid bit in [zslba, zslba+span),
// used when a zone is reset, per §9's explicit call-out that reset
// must clear the whole zone's bits, not just the live blocks.
func (t *Table) ClearZoneInvalidBits(zslba uint64, span uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := zslba; p < zslba+span; p++ {
		t.clearBit(p)
	}
}

// LookupContiguousPhysicalRun classifies the run of up to max physical
// blocks starting at p as either entirely valid (live, i.e. not in the
// invalid bitmap) or entirely invalid, returning the run's length.
// Used by reclaim to walk a victim zone (§4.5 step 5) without needing
// a logical starting point.
func (t *Table) LookupContiguousPhysicalRun(p uint64, max int) (valid bool, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v0 := !t.bitSet(p)
	n := 1
	for n < max && !t.bitSet(p+uint64(n)) == v0 {
		n++
	}
	return v0, n
}

// LookupContiguousRun returns the maximal run starting at logical
// LBA l, up to max blocks long, all of the same RunKind (all mapped
// to an ascending contiguous physical range, or all unmapped). For a
// RunMapped run it additionally returns the physical LBA the run's
// first block maps to.
func (t *Table) LookupContiguousRun(l uint64, max int) (kind RunKind, physStart uint64, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	first := t.l2p[l]
	if first == Unmapped {
		n := 1
		for n < max && t.l2p[l+uint64(n)] == Unmapped {
			n++
		}
		return RunUnmapped, Unmapped, n
	}

	n := 1
	for n < max {
		next := t.l2p[l+uint64(n)]
		if next != first+uint64(n) {
			break
		}
		n++
	}
	return RunMapped, first, n
}
