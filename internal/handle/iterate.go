package handle

// GetObject resolves h strictly: the slot must be occupied, not destroyed,
// and of any non-free type. Returns nil if h is invalid. The caller must
// hold at least the shared lock.
func (t *Table) GetObject(h Handle) any {
	if !t.isHandleValid(h, false, FREE) {
		return nil
	}
	return t.slots[getIndex(h)].object
}

// GetObjectByType is GetObject with an additional type-match requirement.
func (t *Table) GetObjectByType(h Handle, typ Type) any {
	if !t.isHandleValid(h, false, typ) {
		return nil
	}
	return t.slots[getIndex(h)].object
}

// GetObjectIgnoreDestroyed resolves h as GetObjectByType does, but accepts a
// slot that has been MarkDestroyed, supporting two-phase deletion: a logical
// delete that has not yet been committed by FreeHandle.
func (t *Table) GetObjectIgnoreDestroyed(h Handle, typ Type) any {
	if !t.isHandleValid(h, true, typ) {
		return nil
	}
	return t.slots[getIndex(h)].object
}

// GetObjectType returns the type of h's slot, or FREE if h is not a valid
// handle, letting callers discriminate without a separate validity check.
func (t *Table) GetObjectType(h Handle) Type {
	if !t.isHandleValid(h, false, FREE) {
		return FREE
	}
	return t.GetEntryType(getIndex(h))
}

// IsHandleValid reports whether h currently resolves to an occupied slot.
// want == FREE means "any non-free type is acceptable".
func (t *Table) IsHandleValid(h Handle, ignoreDestroyed bool, want Type) bool {
	return t.isHandleValid(h, ignoreDestroyed, want)
}

// GetEntryObject returns the object stored at index without validating the
// handle encoding. index must refer to a currently occupied slot; callers
// (typically iteration) are responsible for that precondition.
func (t *Table) GetEntryObject(index uint32) any {
	return t.slots[index].object
}

// GetEntryType returns the type stored at index without validation. index
// must refer to a currently occupied slot.
func (t *Table) GetEntryType(index uint32) Type {
	return t.slots[index].typ
}

// NextEntry advances cursor to the next occupied slot at index >= *cursor.
// On a hit it writes the slot's type, canonical handle, and object, sets
// *cursor to index+1, and returns true. On table exhaustion it returns
// false and leaves the outs untouched. Callers hold the shared lock across
// an entire iteration.
func (t *Table) NextEntry(cursor *uint32, typ *Type, h *Handle, object *any) bool {
	for i := *cursor; i < uint32(len(t.slots)); i++ {
		s := &t.slots[i]
		if s.typ == FREE {
			continue
		}
		*cursor = i + 1
		*typ = s.typ
		*h = buildHandle(s, i)
		*object = s.object
		return true
	}
	return false
}
