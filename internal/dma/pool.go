// Package dma provides the DMA-buffer contract of spec §6: memory
// addressable by both the CPU and the (simulated) device, slice-able
// into aligned sub-ranges, allocated from a size-bucketed pool so the
// hot read/write/reclaim paths avoid per-operation heap churn.
package dma

import "sync"

// Buffer is a DMA-addressable region. Bytes serves as both the CPU-side
// and the device-side view: the target never crosses a real IOMMU
// boundary (PCI/DMA acquisition is an external collaborator, out of
// scope), so there are no separate virtual and physical addresses.
type Buffer struct {
	data []byte
}

// Bytes returns the buffer's backing slice for CPU-side access.
func (b Buffer) Bytes() []byte { return b.data }

// Len returns the buffer's length in bytes.
func (b Buffer) Len() int { return len(b.data) }

// Slice returns an aligned sub-range of the buffer. Both off and
// length must be multiples of the caller's logical block size; the
// pool itself does not enforce alignment and is agnostic to its
// callers' block size.
func (b Buffer) Slice(off, length int) Buffer {
	return Buffer{data: b.data[off : off+length]}
}

const (
	size128k = 128 * 1024
	size256k = 256 * 1024
	size512k = 512 * 1024
	size1m   = 1024 * 1024
)

// pool buckets scratch buffers by the maximum single zone-append
// payload sizes a controller might report (§6: "typical 128 KiB or
// 512 KiB"), plus headroom for multi-zone-append reclaim batches.
type pool struct {
	p128k, p256k, p512k, p1m sync.Pool
}

var global = newPool()

func newPool() *pool {
	p := &pool{}
	p.p128k.New = func() any { b := make([]byte, size128k); return &b }
	p.p256k.New = func() any { b := make([]byte, size256k); return &b }
	p.p512k.New = func() any { b := make([]byte, size512k); return &b }
	p.p1m.New = func() any { b := make([]byte, size1m); return &b }
	return p
}

// Get returns a Buffer of at least size bytes from the appropriate
// pool bucket, or a freshly allocated one for sizes above the largest
// bucket.
func Get(size int) Buffer {
	switch {
	case size <= size128k:
		b := global.p128k.Get().(*[]byte)
		return Buffer{data: (*b)[:size]}
	case size <= size256k:
		b := global.p256k.Get().(*[]byte)
		return Buffer{data: (*b)[:size]}
	case size <= size512k:
		b := global.p512k.Get().(*[]byte)
		return Buffer{data: (*b)[:size]}
	case size <= size1m:
		b := global.p1m.Get().(*[]byte)
		return Buffer{data: (*b)[:size]}
	default:
		return Buffer{data: make([]byte, size)}
	}
}

// Put returns a buffer to its pool bucket. Buffers whose capacity does
// not match a standard bucket size are silently dropped to garbage
// collection rather than pooled.
func Put(buf Buffer) {
	full := buf.data[:cap(buf.data)]
	switch cap(full) {
	case size128k:
		global.p128k.Put(&full)
	case size256k:
		global.p256k.Put(&full)
	case size512k:
		global.p512k.Put(&full)
	case size1m:
		global.p1m.Put(&full)
	}
}
