package memory

import (
	"errors"
	"fmt"

	"segmem/pkg/common"
)

var (
	ErrInvalidConfig              = errors.New("memory: invalid configuration")
	ErrResourceExhausted          = errors.New("memory: not enough free frames")
	ErrInvalidSegment             = errors.New("memory: invalid segment")
	ErrOffsetOutOfBounds          = errors.New("memory: offset out of bounds")
	ErrInvalidPageTableReference  = errors.New("memory: invalid page table reference")
	ErrPageNotPresent             = errors.New("memory: page not present")
	ErrPhysicalAddressOutOfBounds = errors.New("memory: physical address out of bounds")
	ErrRefCountViolation          = errors.New("memory: reference count violation")
	ErrNotFound                   = errors.New("memory: segment not found")
)

// Error carries the operation and logical address that failed.
// Callers match on the wrapped sentinel with errors.Is.
type Error struct {
	Op      string
	Segment common.SegmentID
	Offset  uint32
	Err     error
}

func (e *Error) Error() string {
	switch e.Err {
	case ErrOffsetOutOfBounds, ErrPageNotPresent, ErrPhysicalAddressOutOfBounds:
		return fmt.Sprintf("%s %d:%d: %v", e.Op, e.Segment, e.Offset, e.Err)
	}
	if e.Segment.IsValid() {
		return fmt.Sprintf("%s %d: %v", e.Op, e.Segment, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op string, seg common.SegmentID, offset uint32, err error) error {
	return &Error{Op: op, Segment: seg, Offset: offset, Err: err}
}

// IsDefect reports whether err signals a broken internal invariant rather
// than a caller mistake.
func IsDefect(err error) bool {
	return errors.Is(err, ErrInvalidPageTableReference) ||
		errors.Is(err, ErrPhysicalAddressOutOfBounds)
}
