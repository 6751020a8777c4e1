// Package handle implements a generational handle table: a process-scoped
// registry that issues opaque 32-bit identifiers for objects and resolves
// them back to object references with protection against stale, forged, or
// type-confused handles.
//
// A Handle packs three fields into 32 bits: a 6-bit instance tag, a 24-bit
// slot index, and a 2-bit generation. Freeing a slot bumps its generation,
// so a handle minted against the slot's previous occupant stops resolving
// once the generation has moved on. The table keeps at least
// MinFreeEntries free slots at all times, which bounds how quickly a slot can
// be reused and makes the 2-bit generation sufficient to catch use-after-free.
//
package handle
