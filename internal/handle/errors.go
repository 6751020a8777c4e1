package handle

import "errors"

// Error kinds raised by the table.
var (
	// ErrInvalidParameter is returned when a caller-supplied handle or index
	// is out of range, or an AssignHandle target slot is already occupied.
	ErrInvalidParameter = errors.New("handle: invalid parameter")

	// ErrNoMemory is returned when the backing allocator refuses a growth
	// request.
	ErrNoMemory = errors.New("handle: no memory")

	// ErrCorruption is returned (and logged at slog.Error) when a structural
	// invariant of the free-list is found violated before a mutation would
	// otherwise proceed. The operation fails without mutating the table.
	ErrCorruption = errors.New("handle: table corruption detected")
)

// Type is the small enum tag stored in an occupied slot. FREE (0) is
// reserved and never assigned to an occupied slot.
type Type uint8

// FREE marks a slot as free; it is never a valid argument to AllocHandle or
// AssignHandle, and GetObjectType returns it for any invalid handle.
const FREE Type = 0

// TypeLimit is the largest Type value a caller may register a slot under.
// It exists purely as a sanity bound checked by AllocHandle/AssignHandle;
// callers define their own enum of types above FREE and at or below it.
const TypeLimit Type = 255
