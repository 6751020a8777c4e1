package handle

import (
	"errors"
	"math/rand"
	"testing"
)

const (
	typeResource Type = 1
	typeContext  Type = 2
)

func newTestTable() *Table {
	cfg := DefaultConfig()
	cfg.GrowthIncrement = 16
	cfg.MinFreeEntries = 4
	return New(cfg, nil)
}

func TestAllocHandleFresh(t *testing.T) {
	tbl := newTestTable()
	tbl.Lock(LockExclusive)
	defer tbl.Unlock(LockExclusive)

	obj := "resource-a"
	h, err := tbl.AllocHandle(obj, typeResource, true)
	if err != nil {
		t.Fatalf("AllocHandle: %v", err)
	}
	if h == 0 {
		t.Fatal("AllocHandle returned the null handle")
	}
	if got := tbl.GetObject(h); got != obj {
		t.Fatalf("GetObject = %v, want %v", got, obj)
	}
	if typ := tbl.GetObjectType(h); typ != typeResource {
		t.Fatalf("GetObjectType = %d, want %d", typ, typeResource)
	}
}

func TestAllocHandleRejectsBadType(t *testing.T) {
	tbl := newTestTable()
	tbl.Lock(LockExclusive)
	defer tbl.Unlock(LockExclusive)

	if _, err := tbl.AllocHandle("x", FREE, true); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("alloc with type FREE: got %v, want ErrInvalidParameter", err)
	}
	if _, err := tbl.AllocHandle("x", TypeLimit+1, true); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("alloc with type > TypeLimit: got %v, want ErrInvalidParameter", err)
	}
}

// TestGenerationBumpDetectsStaleHandle exercises 200 alloc/free cycles and
// confirms the handle from every earlier cycle is rejected once its slot has
// been freed.
func TestGenerationBumpDetectsStaleHandle(t *testing.T) {
	tbl := newTestTable()
	tbl.Lock(LockExclusive)
	defer tbl.Unlock(LockExclusive)

	// With MinFreeEntries=4 and GrowthIncrement=16 the table only grows
	// once. Freed slots go to the tail of the free-list, so the alloc/free
	// pairs walk through the 16 slots of that first block in turn.
	var stale []Handle
	for i := 0; i < 200; i++ {
		h, err := tbl.AllocHandle(i, typeResource, true)
		if err != nil {
			t.Fatalf("cycle %d: AllocHandle: %v", i, err)
		}
		stale = append(stale, h)
		tbl.FreeHandle(typeResource, h)
	}

	for i, h := range stale {
		if tbl.IsHandleValid(h, false, typeResource) {
			t.Fatalf("cycle %d: handle %d still valid after being recycled %d times",
				i, h, len(stale)-i-1)
		}
		if tbl.GetObject(h) != nil {
			t.Fatalf("cycle %d: GetObject of stale handle %d returned a non-nil object", i, h)
		}
	}
}

func TestGenerationCyclesThroughAllThreeValues(t *testing.T) {
	tbl := newTestTable()
	tbl.Lock(LockExclusive)
	defer tbl.Unlock(LockExclusive)

	// Freed slots go to the tail of the free-list, so a given slot is handed
	// out again only after the whole first block of GrowthIncrement slots
	// has been cycled; three rounds bring each slot through generations 1-3.
	seen := map[uint32]bool{}
	var h Handle
	var err error
	for i := 0; i < 3*int(tbl.cfg.GrowthIncrement); i++ {
		h, err = tbl.AllocHandle(i, typeResource, true)
		if err != nil {
			t.Fatalf("AllocHandle: %v", err)
		}
		seen[getGeneration(h)] = true
		tbl.FreeHandle(typeResource, h)
	}
	if len(seen) != 3 {
		t.Fatalf("observed generations %v, want all three of {1,2,3}", seen)
	}
	if seen[0] {
		t.Fatal("generation 0 observed on a live handle; 0 is reserved for the null handle")
	}
}

func TestAssignHandleAdoptsCallerChosenIndex(t *testing.T) {
	tbl := newTestTable()
	tbl.Lock(LockExclusive)
	defer tbl.Unlock(LockExclusive)

	want := encode(3024, 1, 0)
	if err := tbl.AssignHandle("resource-id-3024", typeResource, want); err != nil {
		t.Fatalf("AssignHandle: %v", err)
	}
	if tbl.Size() < 3025 {
		t.Fatalf("table size = %d, want >= 3025 after assigning index 3024", tbl.Size())
	}
	if got := tbl.GetObject(want); got != "resource-id-3024" {
		t.Fatalf("GetObject(%d) = %v, want resource-id-3024", want, got)
	}
}

func TestAssignHandleRejectsOccupiedTarget(t *testing.T) {
	tbl := newTestTable()
	tbl.Lock(LockExclusive)
	defer tbl.Unlock(LockExclusive)

	h := encode(10, 1, 0)
	if err := tbl.AssignHandle("first", typeResource, h); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if err := tbl.AssignHandle("second", typeResource, h); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("assign to occupied index: got %v, want ErrInvalidParameter", err)
	}
	if got := tbl.GetObject(h); got != "first" {
		t.Fatalf("GetObject after rejected collision = %v, want the original occupant", got)
	}
}

func TestMarkDestroyedRoundTrip(t *testing.T) {
	tbl := newTestTable()
	tbl.Lock(LockExclusive)
	defer tbl.Unlock(LockExclusive)

	h, err := tbl.AllocHandle("doomed", typeResource, true)
	if err != nil {
		t.Fatalf("AllocHandle: %v", err)
	}

	if !tbl.MarkDestroyed(h) {
		t.Fatal("MarkDestroyed returned false on a live handle")
	}
	if tbl.IsHandleValid(h, false, typeResource) {
		t.Fatal("handle still reports valid (ignoreDestroyed=false) after MarkDestroyed")
	}
	if !tbl.IsHandleValid(h, true, typeResource) {
		t.Fatal("handle reports invalid even with ignoreDestroyed=true after MarkDestroyed")
	}
	if tbl.GetObjectIgnoreDestroyed(h, typeResource) != "doomed" {
		t.Fatal("GetObjectIgnoreDestroyed failed to resolve a destroyed-but-not-freed handle")
	}

	if !tbl.UnmarkDestroyed(h) {
		t.Fatal("UnmarkDestroyed returned false")
	}
	if !tbl.IsHandleValid(h, false, typeResource) {
		t.Fatal("handle not valid again after UnmarkDestroyed")
	}

	// FreeHandle must accept a destroyed handle without requiring UnmarkDestroyed first.
	tbl.MarkDestroyed(h)
	tbl.FreeHandle(typeResource, h)
	if tbl.GetObject(h) != nil {
		t.Fatal("freed handle still resolves to an object")
	}
}

func TestIterateOverInterleavedSlots(t *testing.T) {
	tbl := newTestTable()
	tbl.Lock(LockExclusive)

	var handles []Handle
	types := []Type{typeResource, typeContext, typeResource, typeContext, typeResource}
	for i, typ := range types {
		h, err := tbl.AllocHandle(i, typ, true)
		if err != nil {
			t.Fatalf("AllocHandle %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	// Free the middle one so iteration must skip a hole in the slot array.
	tbl.FreeHandle(typeResource, handles[2])
	tbl.Unlock(LockExclusive)

	tbl.Lock(LockShared)
	defer tbl.Unlock(LockShared)

	var cursor uint32
	var typ Type
	var h Handle
	var obj any
	count := 0
	seenObjects := map[any]bool{}
	for tbl.NextEntry(&cursor, &typ, &h, &obj) {
		count++
		seenObjects[obj] = true
	}
	if count != 4 {
		t.Fatalf("iterated %d entries, want 4 (one freed out of 5)", count)
	}
	if seenObjects[2] {
		t.Fatal("iteration returned the freed slot's object")
	}
}

// TestRandomizedInvariants performs a long randomized sequence of alloc/free
// operations and checks the table's structural invariants after every step:
// every occupied slot validates its own reconstructed handle, the free list
// walked from freeHead has no cycles, its length equals FreeCount, every
// FREE-typed slot is on it, and occupied plus free slots add up to the size.
func TestRandomizedInvariants(t *testing.T) {
	tbl := newTestTable()
	tbl.Lock(LockExclusive)
	defer tbl.Unlock(LockExclusive)

	r := rand.New(rand.NewSource(42))
	live := map[Handle]bool{}

	for step := 0; step < 5000; step++ {
		switch r.Intn(3) {
		case 0, 1:
			h, err := tbl.AllocHandle(step, typeResource, true)
			if err != nil {
				t.Fatalf("step %d: AllocHandle: %v", step, err)
			}
			live[h] = true
		case 2:
			if len(live) == 0 {
				continue
			}
			n := r.Intn(len(live))
			var victim Handle
			for h := range live {
				if n == 0 {
					victim = h
					break
				}
				n--
			}
			tbl.FreeHandle(typeResource, victim)
			delete(live, victim)
		}
		checkInvariants(t, tbl, step)
	}
}

func checkInvariants(t *testing.T, tbl *Table, step int) {
	t.Helper()

	size := uint32(len(tbl.slots))
	freeSeen := map[uint32]bool{}
	count := uint32(0)
	for idx := tbl.freeHead; idx != invalidIndex; {
		if count > size {
			t.Fatalf("step %d: free list longer than table size; cycle suspected", step)
		}
		if freeSeen[idx] {
			t.Fatalf("step %d: free list revisits index %d; cycle", step, idx)
		}
		freeSeen[idx] = true
		count++
		idx = tbl.slots[idx].nextFree
	}
	if count != tbl.freeCount {
		t.Fatalf("step %d: walked %d free slots, freeCount says %d", step, count, tbl.freeCount)
	}

	var occupied uint32
	for i := uint32(0); i < size; i++ {
		s := &tbl.slots[i]
		if s.typ == FREE {
			if !freeSeen[i] {
				t.Fatalf("step %d: slot %d is FREE but absent from the free list walk", step, i)
			}
			continue
		}
		occupied++
		h := buildHandle(s, i)
		if !tbl.isHandleValid(h, s.destroyed, s.typ) {
			t.Fatalf("step %d: occupied slot %d does not validate its own reconstructed handle", step, i)
		}
	}
	if occupied+tbl.freeCount != size {
		t.Fatalf("step %d: occupied(%d) + freeCount(%d) != size(%d)", step, occupied, tbl.freeCount, size)
	}
}

func TestExpandRespectsMaxSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GrowthIncrement = 1000
	cfg.MinFreeEntries = 1
	cfg.MaxSize = 500
	tbl := New(cfg, nil)
	tbl.Lock(LockExclusive)
	defer tbl.Unlock(LockExclusive)

	if err := tbl.Expand(0); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("Expand past MaxSize: got %v, want ErrNoMemory", err)
	}
}
