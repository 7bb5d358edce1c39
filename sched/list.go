// EHCI async/periodic list linkage
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sched

import (
	"fmt"
	"time"

	"github.com/usbarmory/ehci/desc"
	"github.com/usbarmory/ehci/dma"
)

// PeriodicFrameWait is the "one frame" the caller must wait after
// unlinking a QHD from the periodic list before the slot is reusable
// (spec §4.C, §5 ordering guarantee 2).
const PeriodicFrameWait = 1 * time.Millisecond

// List implements the List Manager (spec §4.C) over a controller's
// descriptor pool.
type List struct {
	mem  *dma.Region
	pool *desc.Pool
}

// New creates a List Manager bound to the given memory region and
// descriptor pool.
func New(mem *dma.Region, pool *desc.Pool) *List {
	return &List{mem: mem, pool: pool}
}

// Insert implements list_insert(current, new): it splices new between
// current and current's successor by first publishing new->next =
// current->next, and only then writing current->next = new, so the
// controller never observes a partially-linked node (spec §4.C, §5
// ordering guarantee 1).
func (l *List) Insert(current uint32, new uint32) {
	c := l.pool.ReadQHD(current)
	n := l.pool.ReadQHD(new)

	n.Link = c.Link
	l.pool.WriteQHD(new, n)

	c.SetLink(new, desc.LinkTypeQHD)
	l.pool.WriteQHD(current, c)
}

// FindPreviousQHD implements list_find_previous_qhd(head, target): it
// walks the circular async list for the QHD whose forward link points at
// target, bounded by the descriptor pool size to guard against a
// corrupted or non-terminating chain. It returns 0 if no match is found
// before the walk returns to head.
func (l *List) FindPreviousQHD(head uint32, target uint32) uint32 {
	current := head

	for i := 0; i < desc.MaxQHD*desc.HostDeviceMax+1; i++ {
		q := l.pool.ReadQHD(current)
		next := q.LinkAddr()

		if next == target {
			return current
		}

		if next == head || next == 0 {
			return 0
		}

		current = next
	}

	return 0
}

// RemoveQHD implements list_remove_qhd(head, target): it unlinks target
// and links target's former successor back to head, so that the
// controller, if mid-cache on target, eventually returns to the list.
//
// It returns an error if target is not presently linked anywhere
// reachable from head.
func (l *List) RemoveQHD(head uint32, target uint32) error {
	prev := l.FindPreviousQHD(head, target)

	if prev == 0 {
		return fmt.Errorf("ehci: list_remove_qhd: %#x not found from head %#x", target, head)
	}

	t := l.pool.ReadQHD(target)
	next := t.LinkAddr()

	p := l.pool.ReadQHD(prev)

	if next == 0 || next == target {
		// target pointed nowhere useful (e.g. was itself terminated);
		// link prev straight back to head.
		p.SetLink(head, desc.LinkTypeQHD)
	} else {
		p.Link = t.Link
	}

	l.pool.WriteQHD(prev, p)

	// target's own forward link must point back at head (EHCI 4.8.2): a
	// controller mid-cache on target when it was spliced out must still
	// land back in the list rather than following a stale pointer.
	t.SetLink(head, desc.LinkTypeQHD)
	l.pool.WriteQHD(target, t)

	return nil
}
