package bridge

import (
	"context"
	"errors"

	"zigbee-matter-bridge/internal/ncp"
)

var (
	// ErrNotFound: unknown device, endpoint, cluster or attribute.
	ErrNotFound = errors.New("not found")
	// ErrUnrepresentable: a value has no counterpart on the other side.
	ErrUnrepresentable = errors.New("value not representable")
	// ErrUnsupportedAttribute: the attribute exists in the schema but is not
	// bridged for this endpoint or currently carries an unmappable value.
	ErrUnsupportedAttribute = errors.New("unsupported attribute")
	// ErrUnsupportedWrite: the attribute is read-only.
	ErrUnsupportedWrite = errors.New("attribute not writable")
	// ErrUnsupportedCommand: the command is unknown to the target schema or
	// not supported by the device.
	ErrUnsupportedCommand = errors.New("unsupported command")
	// ErrInvalidPayload: a payload failed schema validation.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrConstraint: a value is well-typed but outside its allowed range.
	ErrConstraint = errors.New("constraint violated")
	// ErrTimeout: a native operation did not complete before its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrOffline: the device is known but currently unreachable.
	ErrOffline = errors.New("device offline")
	// ErrNoClusters: an endpoint has nothing the target schema can expose.
	ErrNoClusters = errors.New("no bridgeable clusters")
	// ErrInvariant: internal state is inconsistent. Never recovered locally.
	ErrInvariant = errors.New("invariant violation")
)

// Status is a target protocol status code.
type Status string

const (
	StatusSuccess              Status = "SUCCESS"
	StatusFailure              Status = "FAILURE"
	StatusNotFound             Status = "NOT_FOUND"
	StatusUnsupportedAttribute Status = "UNSUPPORTED_ATTRIBUTE"
	StatusUnsupportedWrite     Status = "UNSUPPORTED_WRITE"
	StatusUnsupportedCommand   Status = "UNSUPPORTED_COMMAND"
	StatusInvalidCommand       Status = "INVALID_COMMAND"
	StatusConstraintError      Status = "CONSTRAINT_ERROR"
	StatusTimeout              Status = "TIMEOUT"
	StatusUnreachable          Status = "UNREACHABLE"
)

// StatusOf maps an error returned by the bridge to a target status code.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrOffline):
		return StatusUnreachable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrUnsupportedAttribute):
		return StatusUnsupportedAttribute
	case errors.Is(err, ErrUnsupportedWrite):
		return StatusUnsupportedWrite
	case errors.Is(err, ErrUnsupportedCommand):
		return StatusUnsupportedCommand
	case errors.Is(err, ErrConstraint), errors.Is(err, ErrUnrepresentable):
		return StatusConstraintError
	case errors.Is(err, ErrInvalidPayload):
		return StatusInvalidCommand
	}
	if s, ok := ncp.StatusOf(err); ok {
		switch s {
		case ncp.StatusUnsupportedAttribute:
			return StatusUnsupportedAttribute
		case ncp.StatusReadOnly:
			return StatusUnsupportedWrite
		case ncp.StatusUnsupClusterCommand:
			return StatusUnsupportedCommand
		case ncp.StatusInvalidValue:
			return StatusConstraintError
		case ncp.StatusMalformedCommand, ncp.StatusInvalidField, ncp.StatusInvalidDataType:
			return StatusInvalidCommand
		case ncp.StatusTimeout:
			return StatusTimeout
		case ncp.StatusNotFound:
			return StatusNotFound
		}
	}
	return StatusFailure
}
