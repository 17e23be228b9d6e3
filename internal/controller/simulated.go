package controller

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-zftl/internal/dma"
	"github.com/ehrlich-b/go-zftl/internal/nvme"
	"github.com/ehrlich-b/go-zftl/internal/queuepair"
)

// zoneState is the device-side truth for one physical zone: its
// current write pointer and NVMe zone-state value. This is exactly
// what a real ZNS drive enforces internally: the FTL never writes
// past wp, but the device is what actually rejects it.
type zoneState struct {
	mu    sync.Mutex
	zslba uint64
	state nvme.ZoneState
	wp    uint64
}

// SimulatedController is an in-memory ZNS device: a single namespace
// with a fixed zone layout backed by mmap'd anonymous memory, sharded
// per zone (the natural shard boundary here, since a zone is also the
// device's own concurrency/sequencing boundary).
type SimulatedController struct {
	ns    NamespaceInfo
	media []byte
	zones []zoneState
}

var _ Controller = (*SimulatedController)(nil)
var _ queuepair.Drainer = (*SimulatedController)(nil)

// NewSimulatedController allocates a simulated namespace of zoneCount
// zones, each zoneSize LBAs apart with zoneCap writable LBAs, using
// blockSize-byte blocks. All zones start empty, matching §4.2's "init
// path resets all zones" assumption.
func NewSimulatedController(nsid uint32, blockSize uint32, zoneCount int, zoneSize, zoneCap uint64) (*SimulatedController, error) {
	if zoneCap > zoneSize {
		return nil, fmt.Errorf("controller: zone capacity %d exceeds zone size %d", zoneCap, zoneSize)
	}
	totalBlocks := uint64(zoneCount) * zoneSize
	mediaBytes := int(totalBlocks) * int(blockSize)

	media, err := unix.Mmap(-1, 0, mediaBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}

	zones := make([]zoneState, zoneCount)
	for i := range zones {
		zslba := uint64(i) * zoneSize
		zones[i] = zoneState{zslba: zslba, state: nvme.ZoneStateEmpty, wp: zslba}
	}

	return &SimulatedController{
		ns: NamespaceInfo{
			NSID:        nsid,
			BlockSize:   blockSize,
			TotalBlocks: totalBlocks,
			ZoneSize:    zoneSize,
			ZoneCap:     zoneCap,
			ZoneCount:   uint64(zoneCount),
		},
		media: media,
		zones: zones,
	}, nil
}

// Close releases the simulated media.
func (c *SimulatedController) Close() error {
	return unix.Munmap(c.media)
}

func (c *SimulatedController) Namespaces() []NamespaceInfo {
	return []NamespaceInfo{c.ns}
}

func (c *SimulatedController) CreateIOQueuePair(nsid uint32, depth uint32) (*queuepair.QueuePair, error) {
	if nsid != c.ns.NSID {
		return nil, fmt.Errorf("controller: unknown namespace %d", nsid)
	}
	return queuepair.New(queuepair.Config{
		Depth:     depth,
		Backend:   c,
		NSID:      nsid,
		BlockSize: c.ns.BlockSize,
	})
}

func (c *SimulatedController) DeleteIOQueuePair(qp *queuepair.QueuePair) error {
	return qp.Close()
}

func (c *SimulatedController) zoneIndex(zslba uint64) int {
	return int(zslba / c.ns.ZoneSize)
}

func (c *SimulatedController) GetZoneDescriptors(nsid uint32) ([]nvme.ZoneDescriptor, error) {
	if nsid != c.ns.NSID {
		return nil, fmt.Errorf("controller: unknown namespace %d", nsid)
	}
	out := make([]nvme.ZoneDescriptor, len(c.zones))
	for i := range c.zones {
		z := &c.zones[i]
		z.mu.Lock()
		out[i] = nvme.ZoneDescriptor{State: z.state, ZSLBA: z.zslba, ZCap: c.ns.ZoneCap, WP: z.wp}
		z.mu.Unlock()
	}
	return out, nil
}

func (c *SimulatedController) ZoneAction(nsid uint32, zslba uint64, allZones bool, action nvme.ZoneAction) error {
	if nsid != c.ns.NSID {
		return fmt.Errorf("controller: unknown namespace %d", nsid)
	}
	apply := func(z *zoneState) {
		z.mu.Lock()
		defer z.mu.Unlock()
		switch action {
		case nvme.ZoneActionReset:
			clear(c.media[z.zslba*uint64(c.ns.BlockSize) : (z.zslba+c.ns.ZoneCap)*uint64(c.ns.BlockSize)])
			z.wp = z.zslba
			z.state = nvme.ZoneStateEmpty
		case nvme.ZoneActionOpen:
			z.state = nvme.ZoneStateExplicitOpen
		case nvme.ZoneActionClose:
			z.state = nvme.ZoneStateClosed
		case nvme.ZoneActionFinish:
			z.wp = z.zslba + c.ns.ZoneCap
			z.state = nvme.ZoneStateFull
		case nvme.ZoneActionOffline:
			z.state = nvme.ZoneStateOffline
		}
	}
	if allZones {
		for i := range c.zones {
			apply(&c.zones[i])
		}
		return nil
	}
	idx := c.zoneIndex(zslba)
	if idx < 0 || idx >= len(c.zones) {
		return fmt.Errorf("controller: zslba %d out of range", zslba)
	}
	apply(&c.zones[idx])
	return nil
}

// Drain executes one command against the simulated media, the way a
// real device's internal pipeline would after seeing the submission
// doorbell ring. It is invoked by every queuepair.QueuePair this
// controller created.
func (c *SimulatedController) Drain(cmd nvme.CommandEntry, buf dma.Buffer) nvme.CompletionEntry {
	bs := uint64(c.ns.BlockSize)
	switch cmd.Opcode {
	case nvme.OpRead:
		off := cmd.StartLBA * bs
		copy(buf.Bytes(), c.media[off:off+uint64(buf.Len())])
		return nvme.CompletionEntry{}

	case nvme.OpWrite:
		off := cmd.StartLBA * bs
		copy(c.media[off:off+uint64(buf.Len())], buf.Bytes())
		return nvme.CompletionEntry{}

	case nvme.OpZoneAppend:
		idx := c.zoneIndex(cmd.StartLBA)
		if idx < 0 || idx >= len(c.zones) {
			return nvme.CompletionEntry{Status: 1}
		}
		z := &c.zones[idx]
		z.mu.Lock()
		defer z.mu.Unlock()

		numBlocks := uint64(cmd.NumBlocks)
		limit := z.zslba + c.ns.ZoneCap
		if z.wp+numBlocks > limit {
			return nvme.CompletionEntry{Status: nvme.StatusZoneFull}
		}
		dest := z.wp
		off := dest * bs
		copy(c.media[off:off+numBlocks*bs], buf.Bytes())
		z.wp += numBlocks
		if z.wp == limit {
			z.state = nvme.ZoneStateFull
		} else {
			z.state = nvme.ZoneStateImplicitOpen
		}

		var comp nvme.CompletionEntry
		comp.SetZoneDestinationLBA(dest)
		return comp

	case nvme.OpZoneMgmtSend:
		_ = c.ZoneAction(c.ns.NSID, cmd.StartLBA, cmd.AllZones != 0, cmd.ZoneAction)
		return nvme.CompletionEntry{}

	case nvme.OpZoneMgmtReceive:
		return nvme.CompletionEntry{}

	default:
		return nvme.CompletionEntry{Status: 1}
	}
}
