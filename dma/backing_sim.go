// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !tamago

package dma

// off the tamago target there is no addressable physical RAM to map, so
// the region is backed by an ordinary Go byte slice and addresses are
// resolved as offsets into it. This lets the allocator and every package
// built on top of dma.Region run under `go test` on any host.

func (r *Region) initBacking() {
	r.mem = make([]byte, r.size)
}

func (r *Region) slice(addr uint32, size int) []byte {
	off := addr - r.start
	return r.mem[off : off+uint32(size)]
}

func (r *Region) readAt(addr uint32, off int, buf []byte) {
	copy(buf, r.slice(addr+uint32(off), len(buf)))
}

func (r *Region) writeAt(addr uint32, off int, buf []byte) {
	copy(r.slice(addr+uint32(off), len(buf)), buf)
}
