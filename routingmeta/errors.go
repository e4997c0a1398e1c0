package routingmeta

import "github.com/pkg/errors"

// Error taxonomy for routing metadata operations.
var (
	// ErrNotInserted mirrors routingtable.ErrNotInserted: the table
	// refused the peer (bucket full, not splittable).
	ErrNotInserted = errors.New("not_inserted")
	// ErrPreconditionFailed is returned by Replace/Remove when the
	// node being swapped out or removed is not currently classified
	// Bad.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrNotMember is returned by RangeState/ResetRangeTimer for a
	// Range the table does not currently recognize.
	ErrNotMember = errors.New("not_member")
)
