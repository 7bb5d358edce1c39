// First-fit memory allocator for DMA buffers
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma provides primitives for direct memory allocation and
// alignment, used to back EHCI descriptor and transfer buffer memory
// without passing Go pointers across the hardware boundary.
//
// On `GOOS=tamago` the region is backed directly by the physical address
// range handed to NewRegion, so buffers returned by Alloc/Reserve are the
// exact bytes the controller DMA engine will read and write. Off that
// target (plain `go test` builds) the same Region type is backed by a
// plain Go byte slice, so the allocator bookkeeping can be exercised
// without bare-metal hardware.
package dma

import (
	"container/list"
	"sync"
)

type block struct {
	addr uint32
	size uint32
	res  bool
}

// Region represents a memory region allocated for DMA purposes.
type Region struct {
	sync.Mutex

	start uint32
	size  uint32

	freeBlocks *list.List
	usedBlocks map[uint32]*block

	mem []byte
}

// NewRegion allocates and initializes a Region spanning [start, start+size).
//
// On the tamago target the caller must guarantee that this address range is
// never used by the Go runtime or any other subsystem. Off target, start is
// an arbitrary base used only for bookkeeping; the actual bytes live in a
// heap-allocated buffer sized by size.
func NewRegion(start uint32, size uint32) *Region {
	r := &Region{
		start: start,
		size:  size,
	}

	r.freeBlocks = list.New()
	r.freeBlocks.PushFront(&block{addr: start, size: size})
	r.usedBlocks = make(map[uint32]*block)

	r.initBacking()

	return r
}

// Start returns the DMA region start address.
func (r *Region) Start() uint32 {
	return r.start
}

// End returns the DMA region end address.
func (r *Region) End() uint32 {
	return r.start + r.size
}

// Size returns the DMA region size.
func (r *Region) Size() uint32 {
	return r.size
}

// Reserve allocates a slice of bytes for DMA purposes, by placing its data
// within the DMA region, with optional alignment. It returns the slice
// along with its data allocation address. The buffer can be freed up with
// Release().
//
// Reserving buffers with Reserve() allows applications to pre-allocate DMA
// regions and work on the returned slice directly. Alloc() and Read() do
// not recognize reserved buffers: Alloc() always allocates a new block and
// copies into it, and Read() always copies out.
//
// The optional alignment must be a power of 2 and word alignment is always
// enforced (0 == 4).
func (r *Region) Reserve(size int, align int) (addr uint32, buf []byte) {
	if size == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b := r.alloc(uint32(size), uint32(align))
	b.res = true

	r.usedBlocks[b.addr] = b

	return b.addr, r.slice(b.addr, size)
}

// Alloc reserves a memory region for DMA purposes, copying over a buffer
// and returning its allocation address, with optional alignment. The
// region can be freed up with Free().
func (r *Region) Alloc(buf []byte, align int) (addr uint32) {
	size := len(buf)

	if size == 0 {
		return 0
	}

	r.Lock()
	defer r.Unlock()

	b := r.alloc(uint32(size), uint32(align))
	r.writeAt(b.addr, 0, buf)

	r.usedBlocks[b.addr] = b

	return b.addr
}

// Read reads exactly len(buf) bytes from a memory region address into a
// buffer, the region must have been previously allocated with Alloc() or
// Reserve().
func (r *Region) Read(addr uint32, off int, buf []byte) {
	size := len(buf)

	if addr == 0 || size == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b, ok := r.usedBlocks[addr]

	if !ok {
		panic("dma: read of unallocated pointer")
	}

	if uint32(off+size) > b.size {
		panic("dma: invalid read parameters")
	}

	r.readAt(addr, off, buf)
}

// Write writes buffer contents to a memory region address, the region
// must have been previously allocated with Alloc() or Reserve().
func (r *Region) Write(addr uint32, off int, buf []byte) {
	size := len(buf)

	if addr == 0 || size == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b, ok := r.usedBlocks[addr]

	if !ok {
		return
	}

	if uint32(off+size) > b.size {
		panic("dma: invalid write parameters")
	}

	r.writeAt(addr, off, buf)
}

// Free frees the memory region stored at the passed address, the region
// must have been previously allocated with Alloc().
func (r *Region) Free(addr uint32) {
	r.freeBlock(addr, false)
}

// Release frees the memory region stored at the passed address, the
// region must have been previously allocated with Reserve().
func (r *Region) Release(addr uint32) {
	r.freeBlock(addr, true)
}

func (r *Region) defrag() {
	var prevBlock *block

	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if prevBlock != nil {
			if prevBlock.addr+prevBlock.size == b.addr {
				prevBlock.size += b.size
				defer r.freeBlocks.Remove(e)
				continue
			}
		}

		prevBlock = e.Value.(*block)
	}
}

func (r *Region) alloc(size uint32, align uint32) *block {
	var e *list.Element
	var freeBlock *block
	var pad uint32

	if align == 0 {
		align = 4
	}

	for e = r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		pad = -b.addr & (align - 1)

		if b.size >= size+pad {
			freeBlock = b
			break
		}
	}

	if freeBlock == nil {
		panic("dma: out of memory")
	}

	size += pad

	defer r.freeBlocks.Remove(e)

	if rem := freeBlock.size - size; rem != 0 {
		newBlockAfter := &block{
			addr: freeBlock.addr + size,
			size: rem,
		}

		freeBlock.size = size
		r.freeBlocks.InsertAfter(newBlockAfter, e)
	}

	if pad != 0 {
		newBlockBefore := &block{
			addr: freeBlock.addr,
			size: pad,
		}

		freeBlock.addr += pad
		freeBlock.size -= pad
		r.freeBlocks.InsertBefore(newBlockBefore, e)
	}

	return freeBlock
}

func (r *Region) free(usedBlock *block) {
	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if b.addr > usedBlock.addr {
			r.freeBlocks.InsertBefore(usedBlock, e)
			r.defrag()
			return
		}
	}

	r.freeBlocks.PushBack(usedBlock)
}

func (r *Region) freeBlock(addr uint32, res bool) {
	if addr == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b, ok := r.usedBlocks[addr]

	if !ok {
		return
	}

	if b.res != res {
		return
	}

	r.free(b)
	delete(r.usedBlocks, addr)
}
