package zonepool

import "testing"

func makeZones(n int, cap uint64) []*Zone {
	zones := make([]*Zone, n)
	for i := 0; i < n; i++ {
		zones[i] = &Zone{ID: i, ZSLBA: uint64(i) * cap, Cap: cap, WP: uint64(i) * cap}
	}
	return zones
}

func TestNewPool_PartitionsFreeAndOP(t *testing.T) {
	zones := makeZones(10, 100)
	p := NewPool(zones, 7)

	free, full, op, open := p.Counts()
	if free != 7 || full != 0 || op != 3 || open {
		t.Errorf("Counts() = (%d,%d,%d,%v), want (7,0,3,false)", free, full, op, open)
	}
}

func TestAcquireOpenZone_PopsFromFree(t *testing.T) {
	zones := makeZones(3, 100)
	p := NewPool(zones, 3)

	z := p.AcquireOpenZone()
	if z == nil {
		t.Fatal("AcquireOpenZone returned nil with free zones available")
	}
	free, _, _, open := p.Counts()
	if free != 2 || !open {
		t.Errorf("Counts() = (free=%d, open=%v), want (2, true)", free, open)
	}

	// second call returns the same open zone without consuming another free zone.
	z2 := p.AcquireOpenZone()
	if z2 != z {
		t.Error("AcquireOpenZone should return the existing open zone, not pop a new one")
	}
	free, _, _, _ = p.Counts()
	if free != 2 {
		t.Errorf("free = %d after second AcquireOpenZone, want unchanged 2", free)
	}
}

func TestAdvanceOpenZone_MovesToFullAtCapacity(t *testing.T) {
	zones := makeZones(2, 100)
	p := NewPool(zones, 2)
	z := p.AcquireOpenZone()

	p.AdvanceOpenZone(z, 60)
	_, full, _, open := p.Counts()
	if full != 0 || !open {
		t.Errorf("partial advance: Counts() full=%d open=%v, want (0, true)", full, open)
	}

	p.AdvanceOpenZone(z, 40) // reaches capacity 100
	_, full, _, open = p.Counts()
	if full != 1 || open {
		t.Errorf("full advance: Counts() full=%d open=%v, want (1, false)", full, open)
	}
	if z.WP != z.ZSLBA+100 {
		t.Errorf("WP = %d, want zslba+100 = %d", z.WP, z.ZSLBA+100)
	}
}

func TestForceRetireOpenZone(t *testing.T) {
	zones := makeZones(2, 100)
	p := NewPool(zones, 2)
	z := p.AcquireOpenZone()
	p.AdvanceOpenZone(z, 10) // well under capacity

	p.ForceRetireOpenZone(z)

	_, full, _, open := p.Counts()
	if full != 1 || open {
		t.Errorf("Counts() full=%d open=%v, want (1, false)", full, open)
	}
	if z.WP != z.ZSLBA+z.Cap {
		t.Errorf("WP = %d, want forced to zslba+cap = %d", z.WP, z.ZSLBA+z.Cap)
	}
}

func TestAcquireDestination_PrefersOPThenFree(t *testing.T) {
	zones := makeZones(4, 100)
	p := NewPool(zones, 2) // 2 free, 2 op

	z, origin, ok := p.AcquireDestination()
	if !ok || origin != OriginOP {
		t.Fatalf("first AcquireDestination: ok=%v origin=%v, want true, OriginOP", ok, origin)
	}

	z2, origin2, ok2 := p.AcquireDestination()
	if !ok2 || origin2 != OriginOP {
		t.Fatalf("second AcquireDestination: ok=%v origin=%v, want true, OriginOP", ok2, origin2)
	}
	if z == z2 {
		t.Error("AcquireDestination returned the same zone twice")
	}

	_, origin3, ok3 := p.AcquireDestination()
	if !ok3 || origin3 != OriginFree {
		t.Fatalf("third AcquireDestination (op exhausted): ok=%v origin=%v, want true, OriginFree", ok3, origin3)
	}
}

func TestAcquireDestination_NoneAvailable(t *testing.T) {
	zones := makeZones(1, 100)
	p := NewPool(zones, 0) // everything is op
	p.AcquireDestination()

	_, _, ok := p.AcquireDestination()
	if ok {
		t.Error("AcquireDestination should fail once both pools are exhausted")
	}
}

func TestInvalidBlocksPolicy_PicksMostInvalid(t *testing.T) {
	full := []*Zone{
		{ID: 0, InvalidBlocks: 5},
		{ID: 1, InvalidBlocks: 20},
		{ID: 2, InvalidBlocks: 10},
	}
	idx := InvalidBlocksPolicy{}.SelectVictim(full)
	if idx != 1 {
		t.Errorf("SelectVictim = %d, want 1 (zone with 20 invalid blocks)", idx)
	}
}

func TestInvalidBlocksPolicy_TieBreaksToEarliest(t *testing.T) {
	full := []*Zone{
		{ID: 0, InvalidBlocks: 10},
		{ID: 1, InvalidBlocks: 10},
	}
	idx := InvalidBlocksPolicy{}.SelectVictim(full)
	if idx != 0 {
		t.Errorf("SelectVictim tie-break = %d, want 0 (earliest)", idx)
	}
}

func TestLRUPolicy_PicksOldest(t *testing.T) {
	full := []*Zone{
		{ID: 0, Age: 50},
		{ID: 1, Age: 5},
		{ID: 2, Age: 100},
	}
	idx := LRUPolicy{}.SelectVictim(full)
	if idx != 1 {
		t.Errorf("SelectVictim = %d, want 1 (smallest age)", idx)
	}
}

func TestSelectAndRemoveVictim_RemovesFromFull(t *testing.T) {
	zones := makeZones(2, 100)
	p := NewPool(zones, 2)
	z := p.AcquireOpenZone()
	p.AdvanceOpenZone(z, 100) // fills the zone, moves it to full

	victim, ok := p.SelectAndRemoveVictim(InvalidBlocksPolicy{})
	if !ok || victim != z {
		t.Fatalf("SelectAndRemoveVictim ok=%v victim=%v, want true, %v", ok, victim, z)
	}
	_, full, _, _ := p.Counts()
	if full != 0 {
		t.Errorf("full = %d after removing the only victim, want 0", full)
	}
}

func TestSelectAndRemoveVictim_EmptyFull(t *testing.T) {
	zones := makeZones(2, 100)
	p := NewPool(zones, 2)
	_, ok := p.SelectAndRemoveVictim(InvalidBlocksPolicy{})
	if ok {
		t.Error("SelectAndRemoveVictim should fail with an empty full list")
	}
}

func TestWaitForReclaimWork_ReturnsFalseWhenStopped(t *testing.T) {
	zones := makeZones(2, 100)
	p := NewPool(zones, 2) // free=2, full=0: free > full, so reclaim would normally wait

	stopped := func() bool { return true }
	ok := p.WaitForReclaimWork(stopped)
	if ok {
		t.Error("WaitForReclaimWork should return false immediately when stopped")
	}
}

func TestWaitForReclaimWork_ReturnsTrueWhenWorkAvailable(t *testing.T) {
	zones := makeZones(2, 100)
	p := NewPool(zones, 2)
	z := p.AcquireOpenZone()
	p.AdvanceOpenZone(z, 100) // free=1, full=1: not free > full

	ok := p.WaitForReclaimWork(func() bool { return false })
	if !ok {
		t.Error("WaitForReclaimWork should return true immediately when free <= full")
	}
}

func TestRecycleAfterReclaim(t *testing.T) {
	zones := makeZones(4, 100)
	p := NewPool(zones, 2)
	dest, origin, _ := p.AcquireDestination()
	victim := zones[0]

	p.RecycleAfterReclaim(victim, dest)

	free, _, op, _ := p.Counts()
	if free == 0 {
		t.Error("dest zone should land in free_zones after RecycleAfterReclaim")
	}
	_ = origin
	_ = op
}
