package allocator

// insertFree splices h into the address-ordered free list. The reference
// strategy is a nearest-neighbor scan: locate the nearest free block by
// walking address-wise from h (first backward via prevByAddress, then
// forward via nextByAddress), and splice h immediately after the nearest
// free predecessor, or before the nearest free successor if there is no
// free predecessor in that direction. If no other free block exists, h
// becomes the sole element and the root.
func (a *Arena) insertFree(h *blockHeader) {
	if a.root == nil {
		a.root = h
		h.next = 0
		h.prev = 0

		if a.policy == NextFit && a.cursor == nil {
			a.cursor = h
		}

		return
	}

	if prev := a.nearestFreePrev(h); prev != nil {
		a.insertAfter(h, prev)
		a.updateRoot(h)

		return
	}

	if next := a.nearestFreeNext(h); next != nil {
		a.insertBefore(h, next)
		a.updateRoot(h)

		return
	}

	panic("allocator: free list has a root but no free neighbor was found")
}

// nearestFreePrev walks backward by address from h until it finds a free
// block, or runs off the start of the arena.
func (a *Arena) nearestFreePrev(h *blockHeader) *blockHeader {
	for p := a.prevByAddress(h); p != nil; p = a.prevByAddress(p) {
		if p.isFree() {
			return p
		}
	}

	return nil
}

// nearestFreeNext walks forward by address from h until it finds a free
// block, or runs off the end of the arena.
func (a *Arena) nearestFreeNext(h *blockHeader) *blockHeader {
	for n := a.nextByAddress(h); n != nil; n = a.nextByAddress(n) {
		if n.isFree() {
			return n
		}
	}

	return nil
}

func (a *Arena) insertAfter(h, prev *blockHeader) {
	next := addrToPtr(prev.next)
	h.next = ptrToAddr(next)
	h.prev = ptrToAddr(prev)

	if next != nil {
		next.prev = ptrToAddr(h)
	}

	prev.next = ptrToAddr(h)
}

func (a *Arena) insertBefore(h, next *blockHeader) {
	prev := addrToPtr(next.prev)
	h.prev = ptrToAddr(prev)
	h.next = ptrToAddr(next)

	if prev != nil {
		prev.next = ptrToAddr(h)
	}

	next.prev = ptrToAddr(h)

	if a.root == next {
		a.root = h
	}
}

func (a *Arena) updateRoot(h *blockHeader) {
	if a.root == nil || ptrToAddr(h) < ptrToAddr(a.root) {
		a.root = h
	}
}

// removeFree unlinks h from the free list, patching neighbors and root.
func (a *Arena) removeFree(h *blockHeader) {
	prev := addrToPtr(h.prev)
	next := addrToPtr(h.next)

	if next != nil {
		next.prev = ptrToAddr(prev)
	}

	if prev != nil {
		prev.next = ptrToAddr(next)
	}

	if a.root == h {
		a.root = next
	}

	if a.policy == NextFit && a.cursor == h {
		a.cursor = next
	}

	h.next = 0
	h.prev = 0
}
