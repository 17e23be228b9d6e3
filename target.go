// Package zftl is a userspace flash-translation layer for Zoned
// Namespace (ZNS) devices: it exposes a conventional random-access
// logical block address space on top of physical media that must be
// written sequentially per zone, maintaining the logical-to-physical
// map, steering writes through append-only zones, and reclaiming
// zones of mixed-validity data in the background.
package zftl

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-zftl/internal/controller"
	"github.com/ehrlich-b/go-zftl/internal/dma"
	"github.com/ehrlich-b/go-zftl/internal/logging"
	"github.com/ehrlich-b/go-zftl/internal/mapping"
	"github.com/ehrlich-b/go-zftl/internal/nvme"
	"github.com/ehrlich-b/go-zftl/internal/queuepair"
	"github.com/ehrlich-b/go-zftl/internal/zonepool"
)

// Target is the FTL facade: one instance owns a namespace's mapping
// table, zone pool, and the per-zone reader-writer locks that
// interlock readers against reclaim.
type Target struct {
	ctrl  controller.Controller
	nsID  uint32
	ns    controller.NamespaceInfo
	nsIdx int

	opRate float64
	policy zonepool.VictimPolicy

	zoneSize     uint64 // Z_sz
	zoneCap      uint64 // Z_cap
	zoneCount    int    // N_z
	exposedZones int
	maxLBA       uint64 // exposed_zones*Z_cap - 1, packed addressing

	mapTable *mapping.Table
	pool     *zonepool.Pool
	zones    []*zonepool.Zone // indexed by physical zone number

	zoneLocks []sync.RWMutex // one per physical zone, §4.7

	defaultQP *queuepair.QueuePair

	stopReclaim atomic.Bool

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
}

// Params configures Init beyond the bare op_rate/policy names.
type Params struct {
	NSID       uint32
	OpRate     float64
	Policy     zonepool.VictimPolicy
	QueueDepth uint32
	Observer   Observer        // nil selects a MetricsObserver backed by a fresh Metrics
	Logger     *logging.Logger // nil selects logging.Default()
}

// DefaultParams returns Params with the default over-provisioning
// rate, the required InvalidBlocks victim policy, and the typical
// queue depth of §4.1.
func DefaultParams(nsID uint32) Params {
	return Params{
		NSID:       nsID,
		OpRate:     DefaultOpRate,
		Policy:     zonepool.InvalidBlocksPolicy{},
		QueueDepth: DefaultQueueDepth,
	}
}

// Init builds a Target over ctrl's namespace nsID, following §4.2:
// read zone descriptors, partition the zone set into free/op/full,
// reset every zone, and size the L2P/P2L/invalid-bitmap arrays.
func Init(ctrl controller.Controller, params Params) (*Target, error) {
	if params.OpRate < 0 || params.OpRate >= 1 {
		return nil, NewInvalidParamError("Init", "op_rate must be in [0, 1)")
	}
	if params.Policy == nil {
		params.Policy = zonepool.InvalidBlocksPolicy{}
	}
	if params.QueueDepth == 0 {
		params.QueueDepth = DefaultQueueDepth
	}
	logger := params.Logger
	if logger == nil {
		logger = logging.Default()
	}

	var ns controller.NamespaceInfo
	found := false
	for _, n := range ctrl.Namespaces() {
		if n.NSID == params.NSID {
			ns = n
			found = true
			break
		}
	}
	if !found || ns.ZoneCount == 0 {
		return nil, NewInvalidParamError("Init", "namespace has no zone metadata")
	}

	if err := ctrl.ZoneAction(params.NSID, 0, true, nvme.ZoneActionReset); err != nil {
		return nil, WrapError("Init", err)
	}

	descs, err := ctrl.GetZoneDescriptors(params.NSID)
	if err != nil {
		return nil, WrapError("Init", err)
	}

	zoneCount := len(descs)
	exposedZones := int(float64(zoneCount) * (1 - params.OpRate))
	if exposedZones == 0 {
		exposedZones = 1
	}

	zones := make([]*zonepool.Zone, zoneCount)
	for i, d := range descs {
		zones[i] = &zonepool.Zone{
			ID:    i,
			ZSLBA: d.ZSLBA,
			Cap:   ns.ZoneCap,
			WP:    d.ZSLBA,
		}
	}

	pool := zonepool.NewPool(zones, exposedZones)

	numLogical := uint64(exposedZones) * ns.ZoneCap
	numPhysical := ns.TotalBlocks
	mapTable := mapping.NewTable(int(numLogical), int(numPhysical))

	qp, err := ctrl.CreateIOQueuePair(params.NSID, params.QueueDepth)
	if err != nil {
		return nil, WrapError("Init", err)
	}

	metrics := NewMetrics()
	observer := params.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	logger.Info("target initialized", "nsid", params.NSID, "zone_count", zoneCount,
		"exposed_zones", exposedZones, "op_rate", params.OpRate)

	return &Target{
		ctrl:         ctrl,
		nsID:         params.NSID,
		ns:           ns,
		opRate:       params.OpRate,
		policy:       params.Policy,
		zoneSize:     ns.ZoneSize,
		zoneCap:      ns.ZoneCap,
		zoneCount:    zoneCount,
		exposedZones: exposedZones,
		maxLBA:       numLogical - 1,
		mapTable:     mapTable,
		pool:         pool,
		zones:        zones,
		zoneLocks:    make([]sync.RWMutex, zoneCount),
		defaultQP:    qp,
		metrics:      metrics,
		observer:     observer,
		logger:       logger,
	}, nil
}

func (t *Target) zoneIndex(phys uint64) int {
	return int(phys / t.zoneSize)
}

func (t *Target) blockSize() uint32 {
	return t.ns.BlockSize
}

// Read copies len(dest) bytes starting at logical lba into dest using
// the Target's own default queue pair.
func (t *Target) Read(dest dma.Buffer, lba uint64) error {
	return t.ReadConcurrent(t.defaultQP, dest, lba)
}

// ReadCopied is the byte-slice convenience form of Read.
func (t *Target) ReadCopied(dest []byte, lba uint64) error {
	buf := dma.Get(len(dest))
	defer dma.Put(buf)
	if err := t.Read(buf, lba); err != nil {
		return err
	}
	copy(dest, buf.Bytes())
	return nil
}

// ReadConcurrent implements §4.3 against a caller-owned queue pair:
// it looks up each contiguous run of logical LBAs, holds that run's
// physical zone under its reader lock for the duration of the device
// read, and restarts the lookup if a concurrent reclaim remapped the
// block between the unlocked lookup and acquiring the lock.
func (t *Target) ReadConcurrent(qp *queuepair.QueuePair, dest dma.Buffer, lba uint64) error {
	start := time.Now()
	err := t.doRead(qp, dest, lba)
	t.observer.ObserveRead(uint64(dest.Len()), uint64(time.Since(start)), err == nil)
	return err
}

func (t *Target) doRead(qp *queuepair.QueuePair, dest dma.Buffer, lba uint64) error {
	bs := uint64(t.blockSize())
	blocks := uint64(dest.Len()) / bs
	if blocks == 0 || lba+blocks-1 > t.maxLBA {
		return NewOutOfBoundsError("Read", lba, blocks, t.maxLBA)
	}

	cur := lba
	off := uint64(0)
	remaining := blocks

	for remaining > 0 {
		var phys uint64
		var zoneID int

		for {
			p, ok := t.mapTable.Lookup(cur)
			if !ok {
				return NewNotMappedError("Read", cur)
			}
			zoneID = t.zoneIndex(p)
			t.zoneLocks[zoneID].RLock()

			p2, ok2 := t.mapTable.Lookup(cur)
			if !ok2 || p2 != p {
				t.zoneLocks[zoneID].RUnlock()
				continue // reclaim moved it; restart at (a)
			}
			phys = p
			break
		}

		kind, physStart, count := t.mapTable.LookupContiguousRun(cur, int(remaining))
		if kind == mapping.RunUnmapped {
			t.zoneLocks[zoneID].RUnlock()
			return NewNotMappedError("Read", cur)
		}

		zoneEnd := t.zones[zoneID].ZSLBA + t.zoneSize
		if maxInZone := zoneEnd - phys; uint64(count) > maxInZone {
			count = int(maxInZone)
		}

		n := uint64(count)
		err := qp.ReadIO(dest.Slice(int(off*bs), int(n*bs)), physStart)
		t.zoneLocks[zoneID].RUnlock()
		if err != nil {
			return WrapError("Read", err)
		}

		cur += n
		off += n
		remaining -= n
	}
	return nil
}

// Write writes len(src) bytes starting at logical lba using the
// Target's own default queue pair.
func (t *Target) Write(src dma.Buffer, lba uint64) error {
	return t.WriteConcurrent(t.defaultQP, src, lba)
}

// WriteCopied is the byte-slice convenience form of Write.
func (t *Target) WriteCopied(src []byte, lba uint64) error {
	buf := dma.Get(len(src))
	defer dma.Put(buf)
	copy(buf.Bytes(), src)
	return t.Write(buf, lba)
}

// WriteConcurrent implements §4.4 against a caller-owned queue pair.
func (t *Target) WriteConcurrent(qp *queuepair.QueuePair, src dma.Buffer, lba uint64) error {
	start := time.Now()
	err := t.doWrite(qp, src, lba)
	t.observer.ObserveWrite(uint64(src.Len()), uint64(time.Since(start)), err == nil)
	return err
}

func (t *Target) doWrite(qp *queuepair.QueuePair, src dma.Buffer, lba uint64) error {
	bs := uint64(t.blockSize())
	blocks := uint64(src.Len()) / bs
	if blocks == 0 || lba+blocks-1 > t.maxLBA {
		return NewOutOfBoundsError("Write", lba, blocks, t.maxLBA)
	}

	cur := lba
	off := uint64(0)
	remaining := blocks

	for remaining > 0 {
		open := t.pool.AcquireOpenZone()

		capLeft := t.pool.RemainingCapacity(open)
		length := remaining
		if capLeft < length {
			length = capLeft
		}
		if length == 0 {
			// open zone is already saturated locally; force it into
			// full_zones and retry with a fresh one.
			t.pool.ForceRetireOpenZone(open)
			continue
		}

		_, _, lengthContig := t.mapTable.LookupContiguousRun(cur, int(length))
		n := uint64(lengthContig)

		dLBA, err := qp.AppendIO(open.ZSLBA, src.Slice(int(off*bs), int(n*bs)))
		if err == queuepair.ErrZoneFull {
			t.observer.ObserveZoneFull()
			t.pool.ForceRetireOpenZone(open)
			continue
		}
		if err != nil {
			return WrapError("Write", err)
		}

		res := t.mapTable.UpdateAndInvalidate(cur, dLBA, lengthContig)
		if res.HadOldMapping {
			oldZoneID := t.zoneIndex(res.OldPhysicalStart)
			t.pool.MarkInvalid(t.zones[oldZoneID], res.Count)
			t.observer.ObserveInvalidation(uint64(res.Count))
		}

		t.pool.AdvanceOpenZone(open, n)

		cur += n
		off += n
		remaining -= n
	}
	return nil
}

// StopReclaim sets the atomic termination flag of §4.7; a reclaim
// loop observes it at its next wait/poll boundary.
func (t *Target) StopReclaim() {
	t.stopReclaim.Store(true)
	t.pool.WakeAll()
	t.logger.Info("reclaim stop requested", "nsid", t.nsID)
}

func (t *Target) stopped() bool {
	return t.stopReclaim.Load()
}

// TargetInfo reports the derived namespace facts and current
// zone-pool occupancy.
type TargetInfo struct {
	NSID         uint32
	BlockSize    uint32
	ZoneSize     uint64
	ZoneCap      uint64
	ZoneCount    int
	ExposedZones int
	MaxLBA       uint64

	FreeZones int
	FullZones int
	OPZones   int
	OpenZone  bool
}

// Info returns a point-in-time TargetInfo.
func (t *Target) Info() TargetInfo {
	free, full, op, openZone := t.pool.Counts()
	return TargetInfo{
		NSID:         t.nsID,
		BlockSize:    t.ns.BlockSize,
		ZoneSize:     t.zoneSize,
		ZoneCap:      t.zoneCap,
		ZoneCount:    t.zoneCount,
		ExposedZones: t.exposedZones,
		MaxLBA:       t.maxLBA,
		FreeZones:    free,
		FullZones:    full,
		OPZones:      op,
		OpenZone:     openZone,
	}
}

// Metrics returns the Target's metrics instance.
func (t *Target) Metrics() *Metrics {
	return t.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of I/O and
// reclaim metrics together with current zone-pool occupancy.
func (t *Target) MetricsSnapshot() MetricsSnapshot {
	snap := t.metrics.Snapshot()
	free, full, op, openZone := t.pool.Counts()
	snap.FreeZones = free
	snap.FullZones = full
	snap.OpZones = op
	snap.OpenZone = openZone
	return snap
}
