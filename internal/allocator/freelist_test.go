package allocator

import "testing"

// splitInThree manually carves a size-4096 test arena into three adjacent
// blocks, returning their headers in address order: two used blocks of 256
// payload bytes each, then a free block holding the rest of the arena. The
// free list is emptied (the third block is free but not linked) so that
// insertFree tests control exactly which blocks are on the list.
func splitInThree(t *testing.T, a *Arena) (b1, b2, b3 *blockHeader) {
	t.Helper()

	const each = 256

	b1 = a.root
	writeHeader(b1, each, false, nil, nil)

	b2 = a.nextByAddressRaw(b1)
	writeHeader(b2, each, false, nil, nil)

	b3 = a.nextByAddressRaw(b2)
	remaining := a.totalSize - footprint(b1) - footprint(b2) - minFreeFootprint
	writeHeader(b3, remaining, true, nil, nil)

	a.root = nil
	a.cursor = nil

	return b1, b2, b3
}

func TestInsertFreeSoleElement(t *testing.T) {
	a := newTestArena(t, 4096)
	b1, _, _ := splitInThree(t, a)

	a.insertFree(b1)

	if a.root != b1 {
		t.Fatalf("root = %p, want %p", a.root, b1)
	}

	if b1.next != 0 || b1.prev != 0 {
		t.Fatal("sole free block must have nil next/prev")
	}
}

func TestInsertFreeOrdering(t *testing.T) {
	a := newTestArena(t, 4096)
	b1, b2, b3 := splitInThree(t, a)

	// Insert out of address order: b3 (already free, highest address)
	// first is not representative since it must be the last block in the
	// arena; instead free the middle then the first then confirm ordering.
	setFree(b2, true)
	a.insertFree(b2)

	setFree(b1, true)
	a.insertFree(b1)

	if a.root != b1 {
		t.Fatalf("root = %p, want lowest-address block %p", a.root, b1)
	}

	if addrToPtr(a.root.next) != b2 {
		t.Fatalf("root.next = %p, want %p", addrToPtr(a.root.next), b2)
	}

	if addrToPtr(b2.prev) != b1 {
		t.Fatal("free list is not doubly consistent")
	}

	_ = b3
}

func TestInsertRemoveIsIdentity(t *testing.T) {
	a := newTestArena(t, 4096)
	b1, b2, _ := splitInThree(t, a)

	setFree(b1, true)
	a.insertFree(b1)

	setFree(b2, true)
	a.insertFree(b2)

	before := listAddresses(a)

	a.removeFree(b2)
	a.insertFree(b2)

	after := listAddresses(a)

	if len(before) != len(after) {
		t.Fatalf("remove-then-reinsert changed list length: %v -> %v", before, after)
	}

	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("remove-then-reinsert changed order: %v -> %v", before, after)
		}
	}
}

func TestRemoveFreePatchesRootAndNeighbors(t *testing.T) {
	a := newTestArena(t, 4096)
	b1, b2, b3 := splitInThree(t, a)

	for _, b := range []*blockHeader{b1, b2, b3} {
		setFree(b, true)
		a.insertFree(b)
	}

	a.removeFree(b1)

	if a.root != b2 {
		t.Fatalf("root after removing the lowest free block = %p, want %p", a.root, b2)
	}

	if addrToPtr(b2.prev) != nil {
		t.Fatal("new root must have nil prev")
	}

	a.removeFree(b2)

	if a.root != b3 {
		t.Fatalf("root after removing the new lowest free block = %p, want %p", a.root, b3)
	}
}

func listAddresses(a *Arena) []uintptr {
	var out []uintptr
	for h := a.root; h != nil; h = addrToPtr(h.next) {
		out = append(out, ptrToAddr(h))
	}

	return out
}

// nextByAddressRaw is like nextByAddress but tolerates an uninitialized
// neighbor (used only while hand-building test fixtures below the public
// API, before every header in the arena has been written).
func (a *Arena) nextByAddressRaw(h *blockHeader) *blockHeader {
	addr := ptrToAddr(h) + footprint(h)
	if addr == a.base+a.totalSize {
		return nil
	}

	return addrToPtr(addr)
}
