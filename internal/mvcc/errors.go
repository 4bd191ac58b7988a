package mvcc

import "errors"

var (
	// ErrCompacted is returned when a caller requests a revision that has
	// already been discarded by Compact.
	ErrCompacted = errors.New("mvcc: required revision has been compacted")
	// ErrFutureRev is returned when a caller requests a revision that has
	// not happened yet.
	ErrFutureRev = errors.New("mvcc: required revision is a future revision")
	// ErrClosed stands for a closed store. Store has no Close method and
	// none of its operations return ErrClosed; internal/server maps it to
	// codes.Unavailable.
	ErrClosed = errors.New("mvcc: closed")
	// ErrInvalidRange is returned when a Range or Watch request's [start,
	// end) keys don't resolve to a single partition (see internal/prefix).
	ErrInvalidRange = errors.New("mvcc: start and end keys must be in the same partition")
)
