package allocator

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"unsafe"

	orizonerrors "github.com/orizon-lang/umem/internal/errors"
)

// Policy selects the placement strategy an Arena uses to satisfy Alloc
// requests. The numeric assignment is part of the public interface and
// must remain stable once published.
type Policy int

const (
	BestFit Policy = iota
	WorstFit
	FirstFit
	NextFit
)

func (p Policy) String() string {
	switch p {
	case BestFit:
		return "best-fit"
	case WorstFit:
		return "worst-fit"
	case FirstFit:
		return "first-fit"
	case NextFit:
		return "next-fit"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Errors returned by the public operations. None are retried by this
// package; all arena state is left unchanged when one is returned.
var (
	ErrZeroSize           = errors.New("allocator: size must be greater than zero")
	ErrAlreadyInitialized = errors.New("allocator: already initialized")
	ErrNotInitialized     = errors.New("allocator: not initialized")
	ErrNoFit              = errors.New("allocator: no free block fits the request")
	ErrInvalidPointer     = errors.New("allocator: pointer is not a valid allocation")
	ErrDoubleFree         = errors.New("allocator: pointer was already freed")
)

// Debug enables a single diagnostic line on standard error for every
// failure returned by Init, Alloc, or Free. Off by default.
var Debug = false

func logFailure(op string, err error) {
	if Debug && err != nil {
		log.Printf("allocator: %s failed: %v", op, err)
	}
}

// Arena is a single contiguous region of memory, obtained once from the
// operating system and partitioned into variable-size blocks on demand. The
// zero value is not initialized; call Init before Alloc/Free/Dump.
//
// An Arena is process-wide mutable state from the perspective of every
// public method: each method takes the embedded mutex for its duration, so
// concurrent callers are serialized into program order rather than
// corrupting the free list. There is no reentrancy and no internal
// scheduling beyond that serialization.
type Arena struct {
	mu sync.Mutex

	base      uintptr
	totalSize uintptr
	policy    Policy
	root      *blockHeader
	cursor    *blockHeader // NEXT_FIT only

	region []byte // keeps the backing store (and GC/munmap ownership) alive
}

// New returns an uninitialized Arena.
func New() *Arena {
	return &Arena{}
}

// Init requests requestedSize plus room for the arena's first free
// header/footer, rounded up to a multiple of the page size, from the
// operating system and writes a single free block spanning the whole region. It may be called at
// most once per Arena.
func (a *Arena) Init(requestedSize uintptr, policy Policy) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if requestedSize == 0 {
		logFailure("init", ErrZeroSize)

		return ErrZeroSize
	}

	if a.base != 0 {
		logFailure("init", ErrAlreadyInitialized)

		return ErrAlreadyInitialized
	}

	pageSize := regionPageSize()
	total := alignUp(uint64(requestedSize)+uint64(minFreeFootprint), uint64(pageSize))

	region, err := regionMap(total)
	if err != nil {
		wrapped := fmt.Errorf("allocator: mapping arena region: %w", err)
		logFailure("init", wrapped)

		return wrapped
	}

	a.region = region
	a.base = uintptr(unsafe.Pointer(&region[0])) //nolint:govet
	a.totalSize = uintptr(total)
	a.policy = policy

	root := (*blockHeader)(unsafe.Pointer(a.base)) //nolint:govet
	writeHeader(root, a.totalSize-minFreeFootprint, true, nil, nil)

	a.root = root
	a.cursor = root

	return nil
}

// Release unmaps the arena's backing region. There is no teardown
// primitive in the allocator's core init/alloc/free/dump surface; this is
// provided so tests and short-lived tools do not leak OS mappings. Calling
// any other method afterward is undefined.
func (a *Arena) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.base == 0 {
		return nil
	}

	err := regionUnmap(a.region)
	a.base = 0
	a.totalSize = 0
	a.policy = 0
	a.root = nil
	a.cursor = nil
	a.region = nil

	return err
}

// Alloc returns a payload pointer to a block of at least size usable bytes,
// or an error if the allocator is uninitialized, size is zero, or no free
// block fits the request.
func (a *Arena) Alloc(size uintptr) (unsafe.Pointer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.base == 0 {
		logFailure("alloc", ErrNotInitialized)

		return nil, ErrNotInitialized
	}

	if size == 0 {
		logFailure("alloc", ErrZeroSize)

		return nil, ErrZeroSize
	}

	if size < minPayload {
		size = minPayload
	}

	if size > (^uintptr(0)&^7)-usedFootprint0 {
		err := orizonerrors.InvalidSize(size, "allocator.Alloc: size too large to fit a block footprint")
		logFailure("alloc", err)

		return nil, err
	}

	size = uintptr(alignUp(uint64(size), 8))

	need := size + usedFootprint0

	h := a.search(need)
	if h == nil {
		logFailure("alloc", ErrNoFit)

		return nil, ErrNoFit
	}

	used := a.carve(h, size, need)

	return payloadOf(used), nil
}

// carve takes free block h for a request of payload size, removing it from
// the free list and, if there is enough slack, splitting off a new free
// block for the remainder. It returns the now-used block.
func (a *Arena) carve(h *blockHeader, size, need uintptr) *blockHeader {
	remainder := footprint(h) - need

	if remainder < minFreeFootprint {
		// Exact or near-exact: take the whole block. The extra bytes (if
		// any) become internal padding absorbed into the payload when the
		// header shrinks from free to used width.
		a.removeFree(h)
		setFree(h, false)

		return h
	}

	// Split: low end becomes the used block, high end becomes a new free
	// block that replaces h at the same logical free-list position.
	prev := addrToPtr(h.prev)
	next := addrToPtr(h.next)
	wasRoot := a.root == h
	wasCursor := a.policy == NextFit && a.cursor == h

	writeHeader(h, size, false, nil, nil)

	freeSize := remainder - minFreeFootprint
	newFree := addrToPtr(ptrToAddr(h) + need)
	writeHeader(newFree, freeSize, true, next, prev)

	if next != nil {
		next.prev = ptrToAddr(newFree)
	}

	if prev != nil {
		prev.next = ptrToAddr(newFree)
	}

	if wasRoot {
		a.root = newFree
	}

	if wasCursor {
		a.cursor = newFree
	}

	return h
}

// Free returns the block at payload pointer p to the free list, coalescing
// with address-adjacent free neighbors. p == nil is a no-op. Returns
// ErrInvalidPointer if p does not resolve to a used block's header, and
// ErrDoubleFree if that block is already free.
func (a *Arena) Free(p unsafe.Pointer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.base == 0 {
		logFailure("free", ErrNotInitialized)

		return ErrNotInitialized
	}

	if p == nil {
		return nil
	}

	h, ok := headerFromPayload(p)
	if !ok {
		logFailure("free", ErrInvalidPointer)

		return ErrInvalidPointer
	}

	addr := ptrToAddr(h)
	if addr < a.base || addr >= a.base+a.totalSize {
		// h carries a valid magic but lies outside this arena's mapped
		// span: p was allocated by a different Arena. Unlike a garbage
		// pointer (ErrInvalidPointer), this is metadata this process can
		// trust, just not metadata this Arena owns, so it is reported
		// through the categorized panic path rather than a sentinel error.
		panic(orizonerrors.IndexOutOfBounds(addr-a.base, a.totalSize))
	}

	if h.isFree() {
		logFailure("free", ErrDoubleFree)

		return ErrDoubleFree
	}

	setFree(h, true)
	a.insertFree(h)

	h = a.coalesceWithNext(h)
	a.coalesceWithPrev(h)

	return nil
}

// coalesceWithNext merges h with its address-following neighbor if that
// neighbor is free, returning the surviving (lower-address) block.
func (a *Arena) coalesceWithNext(h *blockHeader) *blockHeader {
	next := a.nextByAddress(h)
	if next == nil || !next.isFree() {
		return h
	}

	return a.merge(h, next)
}

// coalesceWithPrev merges h with its address-preceding neighbor if that
// neighbor is free, returning the surviving (lower-address) block.
func (a *Arena) coalesceWithPrev(h *blockHeader) *blockHeader {
	prev := a.prevByAddress(h)
	if prev == nil || !prev.isFree() {
		return h
	}

	return a.merge(prev, h)
}

// merge combines two address-adjacent free blocks (low, then high) into a
// single free block at low's address. high is removed from the free list;
// low's header/footer are rewritten to span both footprints. If the
// next-fit cursor referred to the absorbed block, it migrates to the
// survivor.
func (a *Arena) merge(low, high *blockHeader) *blockHeader {
	combinedSize := footprint(low) + footprint(high) - minFreeFootprint

	next := addrToPtr(high.next)
	prev := addrToPtr(low.prev)

	if a.policy == NextFit && a.cursor == high {
		a.cursor = low
	}

	a.removeFree(high)

	writeHeader(low, combinedSize, true, next, prev)

	if next != nil {
		next.prev = ptrToAddr(low)
	}

	if prev != nil {
		prev.next = ptrToAddr(low)
	}

	if a.root == high {
		a.root = low
	}

	return low
}

// Dump writes one tab-separated line per free block, in address order:
// index, header address (hex), payload size (decimal), and a free flag
// that is always 1. The only errors it returns are write errors from w;
// on success the output is flushed to w.
func (a *Arena) Dump(w io.Writer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	bw := bufio.NewWriter(w)

	i := 0
	for h := a.root; h != nil; h = addrToPtr(h.next) {
		if _, err := fmt.Fprintf(bw, "%d\t%#x\t%d\t%d\n", i, uintptr(unsafe.Pointer(h)), h.size(), 1); err != nil {
			return err
		}

		i++
	}

	return bw.Flush()
}

func alignUp(n, multiple uint64) uint64 {
	if multiple == 0 {
		return n
	}

	if n > ^uint64(0)-(multiple-1) {
		panic(orizonerrors.IntegerOverflow("allocator.alignUp", n, multiple))
	}

	return (n + multiple - 1) / multiple * multiple
}

// Default is the package-level arena used by the Init/Alloc/Free/Dump
// convenience functions below, mirroring a single process-wide C interface
// where the arena is implicit rather than an explicit handle.
var Default = New()

func Init(requestedSize uintptr, policy Policy) error {
	return Default.Init(requestedSize, policy)
}

func Alloc(size uintptr) (unsafe.Pointer, error) {
	return Default.Alloc(size)
}

func Free(p unsafe.Pointer) error {
	return Default.Free(p)
}

func Dump(w io.Writer) error {
	return Default.Dump(w)
}
