package protocol

import (
	"errors"
	"fmt"

	"segmem/pkg/memory"
	"segmem/pkg/shared"
)

// Status is the first byte of a RespErr value; the rest is the message.
type Status byte

const (
	StatusOK Status = iota
	StatusResourceExhausted
	StatusInvalidSegment
	StatusOffsetOutOfBounds
	StatusInvalidPageTableReference
	StatusPageNotPresent
	StatusPhysicalAddressOutOfBounds
	StatusRefCountViolation
	StatusNotFound
	StatusCreationFailed
	StatusBadRequest
	StatusInternal Status = 0xFF
)

var ErrBadRequest = errors.New("protocol: bad request")

var statusErrors = []struct {
	status Status
	err    error
}{
	// the wrapper kind comes before what it wraps
	{StatusCreationFailed, shared.ErrCreationFailed},
	{StatusResourceExhausted, memory.ErrResourceExhausted},
	{StatusInvalidSegment, memory.ErrInvalidSegment},
	{StatusOffsetOutOfBounds, memory.ErrOffsetOutOfBounds},
	{StatusInvalidPageTableReference, memory.ErrInvalidPageTableReference},
	{StatusPageNotPresent, memory.ErrPageNotPresent},
	{StatusPhysicalAddressOutOfBounds, memory.ErrPhysicalAddressOutOfBounds},
	{StatusRefCountViolation, memory.ErrRefCountViolation},
	{StatusNotFound, shared.ErrNotFound},
	{StatusNotFound, memory.ErrNotFound},
	{StatusBadRequest, ErrBadRequest},
}

func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	for _, se := range statusErrors {
		if errors.Is(err, se.err) {
			return se.status
		}
	}
	return StatusInternal
}

// ErrorOf rebuilds an error the caller can match with errors.Is.
func ErrorOf(status Status, msg string) error {
	if status == StatusOK {
		return nil
	}
	for _, se := range statusErrors {
		if se.status == status {
			return &RemoteError{Status: status, Msg: msg, kind: se.err}
		}
	}
	return &RemoteError{Status: status, Msg: msg}
}

type RemoteError struct {
	Status Status
	Msg    string
	kind   error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote: %s", e.Msg)
}

func (e *RemoteError) Unwrap() error {
	return e.kind
}

func EncodeError(err error) []byte {
	msg := err.Error()
	out := make([]byte, 1+len(msg))
	out[0] = byte(StatusOf(err))
	copy(out[1:], msg)
	return out
}

func DecodeError(value []byte) error {
	if len(value) == 0 {
		return &RemoteError{Status: StatusInternal, Msg: "empty error response"}
	}
	return ErrorOf(Status(value[0]), string(value[1:]))
}
