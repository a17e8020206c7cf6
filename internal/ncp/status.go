package ncp

import (
	"errors"
	"fmt"
)

// ZCL status codes returned by the gateway.
const (
	StatusSuccess              uint8 = 0x00
	StatusFailure              uint8 = 0x01
	StatusNotAuthorized        uint8 = 0x7E
	StatusMalformedCommand     uint8 = 0x80
	StatusUnsupClusterCommand  uint8 = 0x81
	StatusInvalidField         uint8 = 0x85
	StatusUnsupportedAttribute uint8 = 0x86
	StatusInvalidValue         uint8 = 0x87
	StatusReadOnly             uint8 = 0x88
	StatusNotFound             uint8 = 0x8B
	StatusInvalidDataType      uint8 = 0x8D
	StatusTimeout              uint8 = 0x94
)

var statusNames = map[uint8]string{
	StatusSuccess:              "SUCCESS",
	StatusFailure:              "FAILURE",
	StatusNotAuthorized:        "NOT_AUTHORIZED",
	StatusMalformedCommand:     "MALFORMED_COMMAND",
	StatusUnsupClusterCommand:  "UNSUP_CLUSTER_COMMAND",
	StatusInvalidField:         "INVALID_FIELD",
	StatusUnsupportedAttribute: "UNSUPPORTED_ATTRIBUTE",
	StatusInvalidValue:         "INVALID_VALUE",
	StatusReadOnly:             "READ_ONLY",
	StatusNotFound:             "NOT_FOUND",
	StatusInvalidDataType:      "INVALID_DATA_TYPE",
	StatusTimeout:              "TIMEOUT",
}

// StatusName returns the ZCL name of a status code.
func StatusName(s uint8) string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("0x%02X", s)
}

// ErrClosed is returned for requests made after Close.
var ErrClosed = errors.New("ncp closed")

// StatusError is a non-success status reported by the device or gateway.
type StatusError struct {
	Status uint8
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("zcl status %s: %s", StatusName(e.Status), e.Detail)
	}
	return "zcl status " + StatusName(e.Status)
}

// StatusOf extracts the ZCL status from err, if it carries one.
func StatusOf(err error) (uint8, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}
