// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !tamago

// Package reg provides primitives for retrieving and modifying hardware
// registers.
//
// Off the tamago target there is no MMIO space to map, so addresses are
// backed by a package-level fake register file: a lazily populated,
// mutex-protected map from address to value. This keeps the exported
// function signatures identical to the tamago build, so callers (the hw
// package in particular) never need to know which backend they are
// talking to.
package reg

import (
	"runtime"
	"sync"
	"time"
)

var (
	mu  sync.Mutex
	mem = map[uint32]uint32{}
)

func cell(addr uint32) uint32 {
	return mem[addr]
}

func store(addr uint32, v uint32) {
	mem[addr] = v
}

func Get(addr uint32, pos int, mask int) uint32 {
	mu.Lock()
	defer mu.Unlock()

	return uint32((int(cell(addr)) >> pos) & mask)
}

func Set(addr uint32, pos int) {
	mu.Lock()
	defer mu.Unlock()

	store(addr, cell(addr)|(1<<uint(pos)))
}

func Clear(addr uint32, pos int) {
	mu.Lock()
	defer mu.Unlock()

	store(addr, cell(addr)&^(1<<uint(pos)))
}

func SetN(addr uint32, pos int, mask int, val uint32) {
	mu.Lock()
	defer mu.Unlock()

	r := cell(addr)
	r = (r &^ (uint32(mask) << uint(pos))) | (val << uint(pos))
	store(addr, r)
}

func ClearN(addr uint32, pos int, mask int) {
	mu.Lock()
	defer mu.Unlock()

	store(addr, cell(addr)&^(uint32(mask)<<uint(pos)))
}

func Read(addr uint32) uint32 {
	mu.Lock()
	defer mu.Unlock()

	return cell(addr)
}

func Write(addr uint32, val uint32) {
	mu.Lock()
	defer mu.Unlock()

	store(addr, val)
}

func Or(addr uint32, val uint32) {
	mu.Lock()
	defer mu.Unlock()

	store(addr, cell(addr)|val)
}

// Wait waits for a specific register bit to match a value.
func Wait(addr uint32, pos int, mask int, val uint32) {
	for Get(addr, pos, mask) != val {
		runtime.Gosched()
	}
}

// WaitFor waits, until a timeout expires, for a specific register bit to
// match a value. The return boolean indicates whether the wait condition
// was checked (true) or if it timed out (false).
func WaitFor(timeout time.Duration, addr uint32, pos int, mask int, val uint32) bool {
	start := time.Now()

	for Get(addr, pos, mask) != val {
		runtime.Gosched()

		if time.Since(start) >= timeout {
			return false
		}
	}

	return true
}
