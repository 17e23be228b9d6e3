// Package nvme provides the slice of the NVMe ZNS command set that the
// FTL depends on: command opcodes, zone management actions, zone
// descriptors, and the fixed-size command/completion layouts used by
// internal/queuepair.
package nvme

// Opcode identifies the NVMe I/O command a submission entry carries.
type Opcode uint8

const (
	OpRead            Opcode = 0x02
	OpWrite           Opcode = 0x01
	OpZoneMgmtSend    Opcode = 0x79
	OpZoneMgmtReceive Opcode = 0x7a
	OpZoneAppend      Opcode = 0x7d
)

// ZoneAction is the management action carried by a zone-management-send
// command (cdw13 in a real NVMe SQE).
type ZoneAction uint8

const (
	ZoneActionClose ZoneAction = iota + 1
	ZoneActionFinish
	ZoneActionOpen
	ZoneActionReset
	ZoneActionOffline
)

// ZoneState mirrors the NVMe ZNS zone-state field (Figure 37, ZNS spec).
// Numbering matches the reference driver this target was derived from.
type ZoneState uint8

const (
	ZoneStateEmpty          ZoneState = 1
	ZoneStateImplicitOpen   ZoneState = 2
	ZoneStateExplicitOpen   ZoneState = 3
	ZoneStateClosed         ZoneState = 4
	ZoneStateReadOnly       ZoneState = 13
	ZoneStateFull           ZoneState = 14
	ZoneStateOffline        ZoneState = 15
)

// StatusZoneFull is the completion status code a zone-append reports
// when the targeted zone has no remaining capacity.
const StatusZoneFull uint16 = 0xB9

func (s ZoneState) String() string {
	switch s {
	case ZoneStateEmpty:
		return "empty"
	case ZoneStateImplicitOpen:
		return "implicitly-open"
	case ZoneStateExplicitOpen:
		return "explicitly-open"
	case ZoneStateClosed:
		return "closed"
	case ZoneStateReadOnly:
		return "read-only"
	case ZoneStateFull:
		return "full"
	case ZoneStateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

func (a ZoneAction) String() string {
	switch a {
	case ZoneActionClose:
		return "close"
	case ZoneActionFinish:
		return "finish"
	case ZoneActionOpen:
		return "open"
	case ZoneActionReset:
		return "reset"
	case ZoneActionOffline:
		return "offline"
	default:
		return "unknown"
	}
}
