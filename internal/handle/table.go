package handle

import (
	"fmt"
	"sync"
)

// slot is the tagged-variant storage backing one table entry. When Type ==
// FREE, prevFree/nextFree thread the entry into the free-list and object is
// nil; object, generation, instance, and destroyed are only meaningful when
// Type != FREE. The two shapes never coexist logically: growth initializes a
// slot as free, AllocHandle/AssignHandle flip it occupied, FreeHandle flips
// it back.
type slot struct {
	object any

	typ        Type
	generation uint32
	instance   uint32
	destroyed  bool

	prevFree uint32
	nextFree uint32
}

// LockMode selects which of the table's reader/writer lock modes an
// operation requires.
type LockMode int

const (
	// LockShared permits concurrent lookups and iteration.
	LockShared LockMode = iota
	// LockExclusive is required by every mutator.
	LockExclusive
)

// Table is a process-scoped, generational handle table. The zero value is
// not usable; construct one with New.
type Table struct {
	mu sync.RWMutex

	cfg       Config
	owner     Owner
	allocator SlotAllocator
	lockOrder LockOrderRegistry

	slots     []slot
	freeHead  uint32
	freeTail  uint32
	freeCount uint32
}

// New creates an empty table with the default in-memory allocator and an
// advisory, no-op lock-order registry.
func New(cfg Config, owner Owner) *Table {
	return NewWithCollaborators(cfg, owner, sliceAllocator{}, noopLockOrderRegistry{})
}

// NewWithCollaborators creates an empty table with explicit external
// collaborators: the slot allocator and the lock-order registry.
func NewWithCollaborators(cfg Config, owner Owner, allocator SlotAllocator, lockOrder LockOrderRegistry) *Table {
	if cfg.Logger == nil || cfg.MinFreeEntries == 0 || cfg.GrowthIncrement == 0 || cfg.MaxSize == 0 {
		cfg = cfg.withDefaults()
	}
	if owner == nil {
		owner = anonymousOwner{}
	}
	if allocator == nil {
		allocator = sliceAllocator{}
	}
	if lockOrder == nil {
		lockOrder = noopLockOrderRegistry{}
	}
	return &Table{
		cfg:       cfg,
		owner:     owner,
		allocator: allocator,
		lockOrder: lockOrder,
		freeHead:  invalidIndex,
		freeTail:  invalidIndex,
	}
}

// Destroy releases the backing array. Any outstanding handles become
// permanently invalid. The table must not be used afterward.
func (t *Table) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allocator.Free(t.owner, t.slots)
	t.slots = nil
	t.freeHead = invalidIndex
	t.freeTail = invalidIndex
	t.freeCount = 0
}

// Lock acquires the table's lock in the given mode and registers the
// acquisition with the lock-order registry under HandleTableLockKind.
func (t *Table) Lock(mode LockMode) {
	t.lockOrder.Acquire(HandleTableLockKind)
	if mode == LockExclusive {
		t.mu.Lock()
	} else {
		t.mu.RLock()
	}
}

// Unlock releases the table's lock in the given mode and deregisters with
// the lock-order registry.
func (t *Table) Unlock(mode LockMode) {
	if mode == LockExclusive {
		t.mu.Unlock()
	} else {
		t.mu.RUnlock()
	}
	t.lockOrder.Release(HandleTableLockKind)
}

// UsedEntryCount returns size - freeCount. Callers must hold at least the
// shared lock.
func (t *Table) UsedEntryCount() uint32 {
	return uint32(len(t.slots)) - t.freeCount
}

// Size returns the current slot array length. Callers must hold at least
// the shared lock.
func (t *Table) Size() uint32 {
	return uint32(len(t.slots))
}

// FreeCount returns the current number of free slots. Callers must hold at
// least the shared lock.
func (t *Table) FreeCount() uint32 {
	return t.freeCount
}

// Expand grows the table. minSize of 0 means "grow by the configured
// increment"; otherwise the table grows to at least minSize. The caller
// must hold the exclusive lock.
func (t *Table) Expand(minSize uint32) error {
	if t.freeCount != 0 {
		tail := &t.slots[t.freeTail]
		if tail.nextFree != invalidIndex {
			t.cfg.Logger.Error("handle: free-list corruption detected before expand",
				"free_tail", t.freeTail, "next_free", tail.nextFree)
			return ErrCorruption
		}
	}

	oldSize := uint32(len(t.slots))
	newSize := oldSize + t.cfg.GrowthIncrement
	if newSize < minSize {
		newSize = minSize
	}
	if newSize > t.cfg.MaxSize {
		t.cfg.Logger.Error("handle: expand exceeds max table size",
			"requested", newSize, "max", t.cfg.MaxSize)
		return fmt.Errorf("handle: expand to %d: %w", newSize, ErrNoMemory)
	}

	added, err := t.allocator.Allocate(t.owner, int(newSize-oldSize))
	if err != nil {
		return fmt.Errorf("handle: allocate %d slots: %w", newSize-oldSize, err)
	}

	prev := t.freeTail
	for i := range added {
		index := oldSize + uint32(i)
		added[i].typ = FREE
		added[i].generation = 1
		added[i].instance = 0
		added[i].prevFree = prev
		added[i].nextFree = index + 1
		prev = index
	}
	added[len(added)-1].nextFree = invalidIndex

	newSlots := make([]slot, 0, newSize)
	newSlots = append(newSlots, t.slots...)
	newSlots = append(newSlots, added...)

	if t.freeCount != 0 {
		newSlots[t.freeTail].nextFree = oldSize
	} else {
		t.freeHead = oldSize
	}
	t.freeTail = newSize - 1
	t.freeCount += newSize - oldSize
	t.slots = newSlots

	return nil
}

// isHandleValid is the central validation helper shared by every lookup and
// mutator. The caller must hold at least the shared lock.
func (t *Table) isHandleValid(h Handle, ignoreDestroyed bool, want Type) bool {
	index, generation, _ := decode(h)
	if index >= uint32(len(t.slots)) {
		t.cfg.Logger.Warn("handle: index out of range", "handle", h, "index", index)
		return false
	}

	s := &t.slots[index]
	if generation != s.generation {
		t.cfg.Logger.Warn("handle: generation mismatch", "handle", h,
			"got", generation, "want", s.generation)
		return false
	}
	if s.destroyed && !ignoreDestroyed {
		t.cfg.Logger.Warn("handle: handle marked destroyed", "handle", h)
		return false
	}
	if s.typ == FREE {
		t.cfg.Logger.Warn("handle: handle refers to a free slot", "handle", h)
		return false
	}
	if want != FREE && want != s.typ {
		t.cfg.Logger.Warn("handle: type mismatch", "handle", h, "got", s.typ, "want", want)
		return false
	}
	return true
}

func buildHandle(s *slot, index uint32) Handle {
	return encode(index, s.generation, s.instance)
}

// BuildEntryHandle reconstructs the canonical handle for an occupied slot.
// The caller must hold at least the shared lock and index must refer to an
// occupied slot.
func (t *Table) BuildEntryHandle(index uint32) Handle {
	return buildHandle(&t.slots[index], index)
}

// AllocHandle allocates a fresh slot for object under type, returning the
// null handle (0) if the table cannot grow. typ must be in (FREE,
// TypeLimit]. If makeValid is false the slot starts marked destroyed. The
// caller must hold the exclusive lock.
func (t *Table) AllocHandle(object any, typ Type, makeValid bool) (Handle, error) {
	if typ == FREE || typ > TypeLimit {
		return 0, fmt.Errorf("handle: alloc type %d: %w", typ, ErrInvalidParameter)
	}

	if t.freeCount <= t.cfg.MinFreeEntries {
		if err := t.Expand(0); err != nil {
			return 0, err
		}
	}

	if t.freeHead >= uint32(len(t.slots)) {
		t.cfg.Logger.Error("handle: corrupted free-list head", "free_head", t.freeHead)
		return 0, ErrCorruption
	}

	index := t.freeHead
	s := &t.slots[index]
	if s.typ != FREE {
		t.cfg.Logger.Error("handle: expected free slot", "index", index)
		return 0, ErrCorruption
	}

	t.freeHead = s.nextFree
	if t.freeHead != invalidIndex {
		t.slots[t.freeHead].prevFree = invalidIndex
	}

	s.object = object
	s.typ = typ
	s.instance = 0
	s.destroyed = !makeValid
	t.freeCount--

	return buildHandle(s, index), nil
}

// AllocHandleSafe is AllocHandle wrapped in an exclusive lock/unlock.
func (t *Table) AllocHandleSafe(object any, typ Type, makeValid bool) (Handle, error) {
	t.Lock(LockExclusive)
	defer t.Unlock(LockExclusive)
	return t.AllocHandle(object, typ, makeValid)
}

// AssignHandle adopts a caller-supplied handle value, as when another
// authority has already chosen the handle and this table must adopt it. The
// generation encoded in h is stored verbatim, so subsequent lookups of h
// resolve correctly; the collision risk is borne by whoever chose h. The
// caller must hold the exclusive lock.
func (t *Table) AssignHandle(object any, typ Type, h Handle) error {
	if typ == FREE || typ > TypeLimit {
		return fmt.Errorf("handle: assign type %d: %w", typ, ErrInvalidParameter)
	}

	index, generation, _ := decode(h)
	if index > maxIndex {
		return fmt.Errorf("handle: assign index %d: %w", index, ErrInvalidParameter)
	}

	if index >= uint32(len(t.slots)) {
		newSize := index + t.cfg.GrowthIncrement
		if newSize > t.cfg.MaxSize {
			newSize = t.cfg.MaxSize
		}
		if err := t.Expand(newSize); err != nil {
			return err
		}
	}

	s := &t.slots[index]
	if s.typ != FREE {
		return fmt.Errorf("handle: assign target %d already occupied: %w", index, ErrInvalidParameter)
	}

	if index != t.freeTail {
		if s.nextFree >= uint32(len(t.slots)) {
			return fmt.Errorf("handle: assign: corrupt next-free %d: %w", s.nextFree, ErrInvalidParameter)
		}
		t.slots[s.nextFree].prevFree = s.prevFree
	} else {
		t.freeTail = s.prevFree
	}

	if index != t.freeHead {
		if s.prevFree >= uint32(len(t.slots)) {
			return fmt.Errorf("handle: assign: corrupt prev-free %d: %w", s.prevFree, ErrInvalidParameter)
		}
		t.slots[s.prevFree].nextFree = s.nextFree
	} else {
		t.freeHead = s.nextFree
	}

	s.prevFree = invalidIndex
	s.nextFree = invalidIndex
	s.object = object
	s.typ = typ
	s.instance = 0
	s.generation = generation
	s.destroyed = false

	t.freeCount--
	return nil
}

// AssignHandleSafe is AssignHandle wrapped in an exclusive lock/unlock.
func (t *Table) AssignHandleSafe(object any, typ Type, h Handle) error {
	t.Lock(LockExclusive)
	defer t.Unlock(LockExclusive)
	return t.AssignHandle(object, typ, h)
}

// FreeHandle releases h's slot back to the free-list, bumping its
// generation so a stale copy of h stops resolving. Validation ignores the
// destroyed flag: a handle previously marked destroyed is still freeable.
// An invalid handle is logged and otherwise ignored; the table is not
// mutated. The caller must hold the exclusive lock.
func (t *Table) FreeHandle(typ Type, h Handle) {
	index := getIndex(h)
	if !t.isHandleValid(h, true, typ) {
		t.cfg.Logger.Warn("handle: free of invalid handle ignored", "handle", h)
		return
	}

	s := &t.slots[index]
	newGeneration := (s.generation % maxGen) + 1

	s.typ = FREE
	s.destroyed = false
	s.generation = newGeneration
	s.object = nil
	t.freeCount++

	if t.freeCount == 1 {
		s.prevFree = invalidIndex
		s.nextFree = invalidIndex
		t.freeHead = index
		t.freeTail = index
		return
	}

	s.nextFree = invalidIndex
	s.prevFree = t.freeTail
	t.slots[t.freeTail].nextFree = index
	t.freeTail = index
}

// FreeHandleSafe is FreeHandle wrapped in an exclusive lock/unlock.
func (t *Table) FreeHandleSafe(typ Type, h Handle) {
	t.Lock(LockExclusive)
	defer t.Unlock(LockExclusive)
	t.FreeHandle(typ, h)
}

// MarkDestroyed flags h's slot as logically deleted without freeing it.
// Returns false if h is not currently a valid, non-destroyed handle. The
// caller must hold the exclusive lock (mutates state observed by readers).
func (t *Table) MarkDestroyed(h Handle) bool {
	if !t.isHandleValid(h, false, FREE) {
		return false
	}
	t.slots[getIndex(h)].destroyed = true
	return true
}

// UnmarkDestroyed clears the destroyed flag on h's slot, rolling back a
// logical delete. Returns true even if h was already not destroyed, as long
// as it is otherwise a valid handle. The caller must hold the exclusive
// lock.
func (t *Table) UnmarkDestroyed(h Handle) bool {
	if !t.isHandleValid(h, true, FREE) {
		return false
	}
	t.slots[getIndex(h)].destroyed = false
	return true
}
