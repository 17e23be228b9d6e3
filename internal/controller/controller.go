// Package controller defines the external Controller collaborator
// contract of spec §6 and a SimulatedController that stands in for a
// real NVMe ZNS device. PCI discovery, BAR mapping, hugepage/DMA
// acquisition, and the controller-init handshake are all external to
// this package (§1 non-goals). SimulatedController starts already
// "initialized," with its zones pre-identified.
package controller

import (
	"github.com/ehrlich-b/go-zftl/internal/nvme"
	"github.com/ehrlich-b/go-zftl/internal/queuepair"
)

// NamespaceInfo carries the derived namespace facts §4.2 says the FTL
// consumes rather than computing from raw identify-namespace data.
type NamespaceInfo struct {
	NSID        uint32
	BlockSize   uint32
	TotalBlocks uint64
	ZoneSize    uint64 // Z_sz: stride between zone starts
	ZoneCap     uint64 // Z_cap: writable LBAs per zone
	ZoneCount   uint64 // N_z
}

// Controller is the external collaborator contract of spec §6.
type Controller interface {
	Namespaces() []NamespaceInfo
	CreateIOQueuePair(nsid uint32, depth uint32) (*queuepair.QueuePair, error)
	DeleteIOQueuePair(qp *queuepair.QueuePair) error
	GetZoneDescriptors(nsid uint32) ([]nvme.ZoneDescriptor, error)
	ZoneAction(nsid uint32, zslba uint64, allZones bool, action nvme.ZoneAction) error
}
