// Package allocator implements a user-space dynamic memory allocator over a
// single contiguous arena obtained from the operating system. Blocks carry
// in-band headers and footers (boundary tags) so that neighbors can be
// located and coalesced in constant time, and the allocator supports four
// selectable placement policies.
package allocator

import (
	"unsafe"

	orizonerrors "github.com/orizon-lang/umem/internal/errors"
)

// magic is stamped into every header to detect corruption and to validate
// pointers handed back to Free.
const magic uint64 = 0x2B67A5

// freeHeaderSize and usedHeaderSize are the two header widths a block can
// have. A free block carries next/prev free-list pointers in place of
// payload; a used block does not, so its header is 16 bytes narrower and
// those 16 bytes belong to the payload instead.
const (
	freeHeaderSize = unsafe.Sizeof(blockHeader{})                 // 32
	usedHeaderSize = freeHeaderSize - unsafe.Sizeof(uintptr(0))*2 // 16
	footerSize     = unsafe.Sizeof(uint64(0))                     // 8

	// minFreeFootprint is the smallest possible footprint of a free block
	// (zero payload): header + footer. Any remainder smaller than this
	// after carving a request cannot stand alone as a free block and must
	// be absorbed as internal padding instead of split off.
	minFreeFootprint = freeHeaderSize + footerSize // 40
	usedFootprint0   = usedHeaderSize + footerSize // 24 (zero-payload used block)

	// minPayload is the smallest payload a freed block must retain so that
	// it can hold its own next/prev pointers once freed.
	minPayload = freeHeaderSize - usedHeaderSize // 16
)

// blockHeader is the in-band header written at the start of every block.
// next/prev are only meaningful while the block is free; for a used block
// those 16 bytes are part of the payload instead.
type blockHeader struct {
	sizeAndFlag uint64
	magic       uint64
	next        uintptr
	prev        uintptr
}

func sizeAndFlag(size uintptr, free bool) uint64 {
	sf := uint64(size) &^ 1
	if free {
		sf |= 1
	}

	return sf
}

func decodeSize(sf uint64) uintptr {
	return uintptr(sf &^ 1)
}

func decodeFree(sf uint64) bool {
	return sf&1 != 0
}

func (h *blockHeader) size() uintptr {
	return decodeSize(h.sizeAndFlag)
}

func (h *blockHeader) isFree() bool {
	return decodeFree(h.sizeAndFlag)
}

func (h *blockHeader) checkMagic() bool {
	return h.magic == magic
}

func (h *blockHeader) headerSize() uintptr {
	if h.isFree() {
		return freeHeaderSize
	}

	return usedHeaderSize
}

// footprint returns the total byte length of h, header through footer.
func footprint(h *blockHeader) uintptr {
	assertMagic(h)

	return h.size() + h.headerSize() + footerSize
}

// footerOf returns a pointer to h's footer word.
func footerOf(h *blockHeader) *uint64 {
	assertMagic(h)
	addr := uintptr(unsafe.Pointer(h)) + footprint(h) - footerSize

	return (*uint64)(unsafe.Pointer(addr)) //nolint:govet
}

// footerBefore returns a pointer to the footer word immediately preceding h,
// i.e. the previous block's footer, if h is not the arena's first block.
func footerBefore(h *blockHeader) *uint64 {
	addr := uintptr(unsafe.Pointer(h)) - footerSize

	return (*uint64)(unsafe.Pointer(addr)) //nolint:govet
}

// writeHeader stamps magic and the size/flag word into h, wires next/prev
// when free, and writes the matching footer.
func writeHeader(h *blockHeader, size uintptr, free bool, next, prev *blockHeader) {
	h.magic = magic
	h.sizeAndFlag = sizeAndFlag(size, free)

	if free {
		h.next = ptrToAddr(next)
		h.prev = ptrToAddr(prev)
	}

	*footerOf(h) = h.sizeAndFlag
}

// setFree toggles h's free flag in place. Converting a block between free
// and used shifts the payload/header boundary by the 16-byte difference in
// header width, never the block's footprint: this is the single subtlest
// invariant in the design, so it is centralized here and nowhere else.
func setFree(h *blockHeader, free bool) {
	if h.isFree() == free {
		return
	}

	// The free/used header widths differ by exactly minPayload (16) bytes:
	// going free->used grows the payload by that much (it absorbs the
	// pointer slots), going used->free shrinks it back.
	var newSize uintptr
	if free {
		newSize = h.size() - minPayload
	} else {
		newSize = h.size() + minPayload
	}

	h.sizeAndFlag = sizeAndFlag(newSize, free)
	*footerOf(h) = h.sizeAndFlag
}

// payloadOf returns the address of h's payload, just past its header.
func payloadOf(h *blockHeader) unsafe.Pointer {
	assertMagic(h)
	addr := uintptr(unsafe.Pointer(h)) + h.headerSize()

	return unsafe.Pointer(addr) //nolint:govet
}

// headerFromPayload recovers the header of a used block from a payload
// pointer. Payload pointers always refer to used blocks, so the used header
// width is subtracted unconditionally. ok is false if no magic sentinel is
// found at the computed address, signalling an invalid or corrupted pointer
// (a recoverable condition, unlike every other navigation in this file). A
// nil payload pointer is never valid input here (callers check p == nil
// before resolving a header) and panics rather than underflowing addr.
func headerFromPayload(p unsafe.Pointer) (h *blockHeader, ok bool) {
	if p == nil {
		panic(orizonerrors.NullPointer("allocator.headerFromPayload"))
	}

	addr := uintptr(p) - usedHeaderSize
	h = (*blockHeader)(unsafe.Pointer(addr)) //nolint:govet

	return h, h.checkMagic()
}

// nextByAddress returns the block immediately following h in the arena, or
// nil if h is the last block.
func (a *Arena) nextByAddress(h *blockHeader) *blockHeader {
	addr := uintptr(unsafe.Pointer(h)) + footprint(h)
	end := a.base + a.totalSize

	if addr == end {
		return nil
	}

	next := (*blockHeader)(unsafe.Pointer(addr)) //nolint:govet
	assertMagic(next)

	return next
}

// prevByAddress returns the block immediately preceding h in the arena, or
// nil if h is the first block. It decodes the previous block's footer to
// determine its footprint and steps backward accordingly.
func (a *Arena) prevByAddress(h *blockHeader) *blockHeader {
	if uintptr(unsafe.Pointer(h)) == a.base {
		return nil
	}

	prevFooter := *footerBefore(h)
	prevSize := decodeSize(prevFooter)
	prevFree := decodeFree(prevFooter)

	var prevHeaderSize uintptr
	if prevFree {
		prevHeaderSize = freeHeaderSize
	} else {
		prevHeaderSize = usedHeaderSize
	}

	prevFootprint := prevSize + prevHeaderSize + footerSize
	addr := uintptr(unsafe.Pointer(h)) - prevFootprint
	prev := (*blockHeader)(unsafe.Pointer(addr)) //nolint:govet
	assertMagic(prev)

	return prev
}

// assertMagic aborts on corruption: a magic mismatch during forced
// navigation means the in-band metadata cannot be trusted and cannot be
// recovered safely.
func assertMagic(h *blockHeader) {
	if h != nil && !h.checkMagic() {
		panic(orizonerrors.PointerArithmetic("magic mismatch: arena metadata corrupted"))
	}
}

func ptrToAddr(h *blockHeader) uintptr {
	if h == nil {
		return 0
	}

	return uintptr(unsafe.Pointer(h))
}

func addrToPtr(addr uintptr) *blockHeader {
	if addr == 0 {
		return nil
	}

	return (*blockHeader)(unsafe.Pointer(addr)) //nolint:govet
}
