// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago

package dma

import (
	"reflect"
	"unsafe"
)

// on tamago the region address range is physical memory, so bytes are
// read and written directly through unsafe.Pointer with no copy into a
// separate backing buffer.

func (r *Region) initBacking() {
}

func (r *Region) slice(addr uint32, size int) (buf []byte) {
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&buf))
	hdr.Data = uintptr(unsafe.Pointer(uintptr(addr)))
	hdr.Len = size
	hdr.Cap = size

	return
}

func (r *Region) readAt(addr uint32, off int, buf []byte) {
	copy(buf, r.slice(addr+uint32(off), len(buf)))
}

func (r *Region) writeAt(addr uint32, off int, buf []byte) {
	copy(r.slice(addr+uint32(off), len(buf)), buf)
}
