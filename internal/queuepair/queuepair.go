// Package queuepair implements the submission/completion ring pair of
// spec §4.1: fixed power-of-two depth rings, a doorbell per ring, and
// submit_checked / complete_n / complete_one_nonblocking. The device
// behind these rings is simulated in-process (no real PCI/BAR mapping
// is in scope); a controller.Controller drains submissions and posts
// completions the way a real NVMe device would via DMA.
package queuepair

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-zftl/internal/dma"
	"github.com/ehrlich-b/go-zftl/internal/nvme"
)

// ErrQueueFull is returned by SubmitChecked when the ring has no room
// for another entry.
var ErrQueueFull = errors.New("queuepair: submission queue full")

// ErrZoneFull is returned by AppendIO when the completion's status is
// the distinguished zone-full sentinel (0xB9).
var ErrZoneFull = errors.New("queuepair: zone full")

// Drainer is implemented by whatever sits behind a queue pair and
// turns submitted commands into completions. The simulated controller
// is the only Drainer in this repository; a real implementation would
// be driven by an interrupt or a poll thread watching the doorbell.
// buf is the data payload the real device would reach via DMA-address
// translation of cmd.DataAddr; resolving that translation is out of
// scope (§1), so the simulation is handed the buffer directly.
type Drainer interface {
	Drain(cmd nvme.CommandEntry, buf dma.Buffer) nvme.CompletionEntry
}

// ring is the shared mechanics of a submission or completion ring:
// a fixed-depth slice of entries plus atomic head/tail indices and a
// doorbell register. depth must be a power of two.
type ring struct {
	depth    uint32
	mask     uint32
	head     atomic.Uint32
	tail     atomic.Uint32
	doorbell atomic.Uint32
}

func newRing(depth uint32) ring {
	if depth == 0 || depth&(depth-1) != 0 {
		panic("queuepair: depth must be a power of two")
	}
	return ring{depth: depth, mask: depth - 1}
}

func (r *ring) full(tail, head uint32) bool {
	return (tail+1)&r.mask == head&r.mask
}

// QueuePair pairs a submission ring with a completion ring and the
// Drainer that stands in for the NVMe controller. A queue pair is
// exclusively owned by one goroutine at a time (spec §4.1, §5); it
// provides no internal locking.
type QueuePair struct {
	sq        ring
	cq        ring
	sqSlots   []nvme.CommandEntry
	sqBuffers []dma.Buffer
	cqSlots   []nvme.CompletionEntry
	backend   Drainer

	nsid      uint32
	blockSize uint32

	sqMem, cqMem []byte
}

// Config selects the ring depth and namespace geometry for a new
// queue pair. Depth 1024 is the typical value named in spec §4.1.
type Config struct {
	Depth     uint32
	Backend   Drainer
	NSID      uint32
	BlockSize uint32
}

// New allocates a queue pair backed by mmap'd anonymous memory sized
// to hold Depth command/completion entries. Anonymous mmap stands in
// for the page-aligned, DMA-addressable memory a real controller would
// provide.
func New(cfg Config) (*QueuePair, error) {
	if cfg.Depth == 0 {
		cfg.Depth = 1024
	}
	sqBytes := int(cfg.Depth) * 64
	cqBytes := int(cfg.Depth) * 16

	sqMem, err := unix.Mmap(-1, 0, sqBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	cqMem, err := unix.Mmap(-1, 0, cqBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		_ = unix.Munmap(sqMem)
		return nil, err
	}

	qp := &QueuePair{
		sq:        newRing(cfg.Depth),
		cq:        newRing(cfg.Depth),
		sqSlots:   make([]nvme.CommandEntry, cfg.Depth),
		sqBuffers: make([]dma.Buffer, cfg.Depth),
		cqSlots:   make([]nvme.CompletionEntry, cfg.Depth),
		backend:   cfg.Backend,
		nsid:      cfg.NSID,
		blockSize: cfg.BlockSize,
		sqMem:     sqMem,
		cqMem:     cqMem,
	}
	return qp, nil
}

// Close releases the ring memory.
func (qp *QueuePair) Close() error {
	err1 := unix.Munmap(qp.sqMem)
	err2 := unix.Munmap(qp.cqMem)
	if err1 != nil {
		return err1
	}
	return err2
}

// SubmitChecked writes entry at the current submission tail if there
// is room, advances the tail, and returns it. The submission doorbell
// is NOT rung here; callers coalesce and call RingSubmissionDoorbell
// once per batch (spec §4.1). buf is the data payload associated with
// entry, if any; it rides alongside the wire-format entry purely so
// the simulated Drainer has bytes to operate on.
func (qp *QueuePair) SubmitChecked(entry nvme.CommandEntry, buf dma.Buffer) (tail uint32, ok bool) {
	head := qp.sq.head.Load()
	tail = qp.sq.tail.Load()
	if qp.sq.full(tail, head) {
		return 0, false
	}
	qp.sqSlots[tail&qp.sq.mask] = entry
	qp.sqBuffers[tail&qp.sq.mask] = buf
	newTail := (tail + 1) & qp.sq.mask
	qp.sq.tail.Store(newTail)
	return newTail, true
}

// RingSubmissionDoorbell publishes the current submission tail to the
// simulated device, triggering it to drain and execute every pending
// entry, producing completions.
func (qp *QueuePair) RingSubmissionDoorbell() {
	tail := qp.sq.tail.Load()
	qp.sq.doorbell.Store(tail)
	head := qp.sq.head.Load()
	for head != tail {
		cmd := qp.sqSlots[head&qp.sq.mask]
		buf := qp.sqBuffers[head&qp.sq.mask]
		head = (head + 1) & qp.sq.mask
		qp.sq.head.Store(head)

		comp := qp.backend.Drain(cmd, buf)
		comp.SQHead = uint16(head)
		cTail := qp.cq.tail.Load()
		qp.cqSlots[cTail&qp.cq.mask] = comp
		qp.cq.tail.Store((cTail + 1) & qp.cq.mask)
	}
}

// CompleteN blocks (busy-polling) until n completions have been
// observed since the last CompleteN/CompleteOneNonblocking call,
// returning the final completion-ring tail, the last completion
// entry observed, and its raw 16-byte payload. Observing a completion
// advances the completion head and publishes it via the completion
// head doorbell, per spec §4.1.
func (qp *QueuePair) CompleteN(n int) (tail uint32, last nvme.CompletionEntry, raw [16]byte) {
	var observed int
	for observed < n {
		head := qp.cq.head.Load()
		cTail := qp.cq.tail.Load()
		if head == cTail {
			continue // busy-poll: no real device interrupt to wait on
		}
		last = qp.cqSlots[head&qp.cq.mask]
		head = (head + 1) & qp.cq.mask
		qp.cq.head.Store(head)
		qp.cq.doorbell.Store(head)
		observed++
	}
	raw = encodeCompletion(last)
	return qp.cq.tail.Load(), last, raw
}

// CompleteOneNonblocking observes at most one pending completion
// without blocking.
func (qp *QueuePair) CompleteOneNonblocking() (nvme.CompletionEntry, bool) {
	head := qp.cq.head.Load()
	tail := qp.cq.tail.Load()
	if head == tail {
		return nvme.CompletionEntry{}, false
	}
	entry := qp.cqSlots[head&qp.cq.mask]
	head = (head + 1) & qp.cq.mask
	qp.cq.head.Store(head)
	qp.cq.doorbell.Store(head)
	return entry, true
}

// SubmissionHead returns the submission ring's current head, the
// value a caller should reconcile its own bookkeeping against after
// processing a completion (its SQHead field mirrors this).
func (qp *QueuePair) SubmissionHead() uint32 {
	return qp.sq.head.Load()
}

func encodeCompletion(c nvme.CompletionEntry) [16]byte {
	var raw [16]byte
	putU32(raw[0:4], c.CommandSpecific0)
	putU32(raw[4:8], c.CommandSpecific1)
	putU16(raw[8:10], c.SQHead)
	putU16(raw[10:12], c.SQID)
	putU16(raw[12:14], c.CommandID)
	putU16(raw[14:16], c.Status)
	return raw
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func (qp *QueuePair) numBlocks(buf dma.Buffer) uint32 {
	return uint32(buf.Len()) / qp.blockSize
}

func (qp *QueuePair) submitAndWaitOne(entry nvme.CommandEntry, buf dma.Buffer) (nvme.CompletionEntry, error) {
	if _, ok := qp.SubmitChecked(entry, buf); !ok {
		return nvme.CompletionEntry{}, ErrQueueFull
	}
	qp.RingSubmissionDoorbell()
	_, comp, _ := qp.CompleteN(1)
	return comp, nil
}

// SubmitAdmin submits entry and spin-completes on this queue pair,
// the synchronous submit-then-wait pattern namespace init uses for
// zone-management commands.
func (qp *QueuePair) SubmitAdmin(entry nvme.CommandEntry, buf dma.Buffer) (nvme.CompletionEntry, error) {
	return qp.submitAndWaitOne(entry, buf)
}

// ReadIO issues a plain read of buf.Len() bytes starting at lba into
// buf, submitting and spin-completing on this queue pair.
func (qp *QueuePair) ReadIO(buf dma.Buffer, lba uint64) error {
	cmd := nvme.NewReadCommand(qp.nsid, lba, qp.numBlocks(buf), 0, uint32(buf.Len()))
	comp, err := qp.submitAndWaitOne(cmd, buf)
	if err != nil {
		return err
	}
	if comp.Failed() {
		return &DeviceError{StatusCode: comp.Status}
	}
	return nil
}

// ReadIOCopied is the byte-slice convenience form of ReadIO.
func (qp *QueuePair) ReadIOCopied(dest []byte, lba uint64) error {
	buf := dma.Get(len(dest))
	defer dma.Put(buf)
	if err := qp.ReadIO(buf, lba); err != nil {
		return err
	}
	copy(dest, buf.Bytes())
	return nil
}

// AppendIO issues a zone-append of buf targeting the zone starting at
// zslba and returns the device-assigned destination LBA.
func (qp *QueuePair) AppendIO(zslba uint64, buf dma.Buffer) (uint64, error) {
	cmd := nvme.NewZoneAppendCommand(qp.nsid, zslba, qp.numBlocks(buf), 0, uint32(buf.Len()))
	comp, err := qp.submitAndWaitOne(cmd, buf)
	if err != nil {
		return 0, err
	}
	if comp.ZoneFull() {
		return 0, ErrZoneFull
	}
	if comp.Failed() {
		return 0, &DeviceError{StatusCode: comp.Status}
	}
	return comp.ZoneDestinationLBA(), nil
}

// AppendIOCopied is the byte-slice convenience form of AppendIO.
func (qp *QueuePair) AppendIOCopied(zslba uint64, data []byte) (uint64, error) {
	buf := dma.Get(len(data))
	defer dma.Put(buf)
	copy(buf.Bytes(), data)
	return qp.AppendIO(zslba, buf)
}

// WriteIO issues a plain (non-sequential) write. Not used by the FTL's
// own data path against zoned media; it is part of the command set for
// completeness.
func (qp *QueuePair) WriteIO(buf dma.Buffer, lba uint64) error {
	cmd := nvme.NewWriteCommand(qp.nsid, lba, qp.numBlocks(buf), 0, uint32(buf.Len()))
	comp, err := qp.submitAndWaitOne(cmd, buf)
	if err != nil {
		return err
	}
	if comp.Failed() {
		return &DeviceError{StatusCode: comp.Status}
	}
	return nil
}

// WriteIOCopied is the byte-slice convenience form of WriteIO.
func (qp *QueuePair) WriteIOCopied(data []byte, lba uint64) error {
	buf := dma.Get(len(data))
	defer dma.Put(buf)
	copy(buf.Bytes(), data)
	return qp.WriteIO(buf, lba)
}

// DeviceError reports a non-zero NVMe completion status.
type DeviceError struct {
	StatusCode uint16
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("queuepair: device error, status=0x%02x", e.StatusCode)
}
