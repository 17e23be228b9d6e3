package zftl

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-zftl/internal/dma"
	"github.com/ehrlich-b/go-zftl/internal/nvme"
	"github.com/ehrlich-b/go-zftl/internal/queuepair"
	"github.com/ehrlich-b/go-zftl/internal/zonepool"
)

// Reclaim runs one iteration of the background garbage collector
// (§4.5) on the Target's own default queue pair, with a scratch
// buffer sized to the default append granularity.
func (t *Target) Reclaim() error {
	scratch := dma.Get(DefaultMaxAppendBytes)
	defer dma.Put(scratch)
	return t.ReclaimConcurrent(t.defaultQP, scratch)
}

// ReclaimConcurrent runs one reclaim iteration on a caller-owned
// queue-pair, using scratch as the read-then-append staging buffer
// for valid runs copied out of the victim zone.
func (t *Target) ReclaimConcurrent(qp *queuepair.QueuePair, scratch dma.Buffer) error {
	start := time.Now()

	if !t.pool.WaitForReclaimWork(t.stopped) {
		return nil // stop_reclaim observed while waiting
	}

	dest, origin, ok := t.pool.AcquireDestination()
	if !ok {
		return NewNoFreeZonesError("Reclaim")
	}

	victim, ok := t.pool.SelectAndRemoveVictim(t.policy)
	if !ok {
		t.pool.ReturnDestination(dest, origin)
		return nil
	}

	if victim.InvalidBlocks == 0 {
		t.pool.ReturnVictimToFull(victim)
		t.pool.ReturnDestination(dest, origin)
		t.observer.ObserveReclaim(0, true, uint64(time.Since(start)))
		return nil
	}

	t.zoneLocks[victim.ID].Lock()

	bytesMoved, err := t.copyValidRuns(qp, scratch, victim, dest)
	if err != nil {
		t.zoneLocks[victim.ID].Unlock()
		t.pool.RecycleDestinationOnly(dest, origin)
		t.pool.ReturnVictimToFull(victim)
		t.observer.ObserveReclaim(bytesMoved, true, uint64(time.Since(start)))
		return WrapError("Reclaim", err)
	}

	t.zoneLocks[victim.ID].Unlock()

	if err := t.ctrl.ZoneAction(t.nsID, victim.ZSLBA, false, nvme.ZoneActionReset); err != nil {
		t.logger.Error("zone reset failed during reclaim, target is now unrecoverable",
			"zone_id", victim.ID, "zslba", victim.ZSLBA, "err", err)
		return NewFatalError("Reclaim", err)
	}
	t.mapTable.ClearZoneInvalidBits(victim.ZSLBA, t.zoneSize)
	victim.WP = victim.ZSLBA
	victim.InvalidBlocks = 0

	t.pool.RecycleAfterReclaim(victim, dest)
	t.observer.ObserveReclaim(bytesMoved, false, uint64(time.Since(start)))
	t.logger.Debug("reclaimed zone", "zone_id", victim.ID, "bytes_moved", bytesMoved)
	return nil
}

// copyValidRuns walks victim block-by-block (§4.5 step 5), grouping
// contiguous valid/invalid runs; each valid run is read into scratch
// and zone-appended to dest, then remapped under the map lock using
// the run's own device-assigned destination LBA, required rather than
// a uniform shift because Z_cap can differ between zones.
func (t *Target) copyValidRuns(qp *queuepair.QueuePair, scratch dma.Buffer, victim, dest *zonepool.Zone) (uint64, error) {
	bs := uint64(t.blockSize())
	scratchBlocks := uint64(scratch.Len()) / bs

	cur := victim.ZSLBA
	end := victim.WP
	var bytesMoved uint64

	for cur < end {
		valid, count := t.mapTable.LookupContiguousPhysicalRun(cur, int(end-cur))
		n := uint64(count)

		if !valid {
			cur += n
			continue
		}

		for n > 0 {
			chunk := n
			if chunk > scratchBlocks {
				chunk = scratchBlocks
			}

			buf := scratch.Slice(0, int(chunk*bs))
			if err := qp.ReadIO(buf, cur); err != nil {
				return bytesMoved, err
			}

			dLBA, err := qp.AppendIO(dest.ZSLBA, buf)
			if err != nil {
				return bytesMoved, err
			}

			t.mapTable.Remap(cur, dLBA, int(chunk))

			bytesMoved += chunk * bs
			cur += chunk
			n -= chunk
		}
	}

	return bytesMoved, nil
}

// RunReclaimLoop drives ReclaimConcurrent repeatedly on its own
// queue-pair until ctx is done or t.StopReclaim is observed. Pinned
// to its OS thread (optionally to a specific CPU) since the reclaim
// goroutine is meant to stay off the caller's hot path.
func RunReclaimLoop(ctx context.Context, t *Target, qp *queuepair.QueuePair, scratch dma.Buffer, cpu int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if cpu >= 0 {
		var mask unix.CPUSet
		mask.Set(cpu)
		_ = unix.SchedSetaffinity(0, &mask) // best effort, not fatal
	}

	t.logger.Info("reclaim loop started", "nsid", t.nsID, "cpu", cpu)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("reclaim loop stopped", "reason", "context canceled")
			return nil
		default:
		}
		if t.stopped() {
			t.logger.Info("reclaim loop stopped", "reason", "stop requested")
			return nil
		}
		if err := t.ReclaimConcurrent(qp, scratch); err != nil {
			if IsCode(err, CodeFatal) {
				t.logger.Error("reclaim loop terminating on fatal error", "err", err)
				return err
			}
			// non-fatal reclaim errors are dropped and the loop
			// continues.
		}
	}
}
