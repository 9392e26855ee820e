package envelope

import (
	"errors"
	"fmt"

	"github.com/nicktill/tagstream/pkg/config"
)

var (
	// ErrNoVersion is returned when the Version marker is missing or empty
	ErrNoVersion = errors.New("missing version")

	// ErrBadVersion is returned when Version is present but not a string
	ErrBadVersion = errors.New("version must be a string")

	// ErrNoTimestamp is returned when the Unix field is missing
	ErrNoTimestamp = errors.New("missing unix timestamp")

	// ErrBadTimestamp is returned when Unix is not a positive millisecond count
	ErrBadTimestamp = errors.New("unix timestamp must be positive milliseconds")

	// ErrNoData is returned when the envelope carries no data field
	ErrNoData = errors.New("missing data field")

	// ErrNoDevice is returned when tag values sit directly under the data
	// field and the topic names no device
	ErrNoDevice = errors.New("no device in data field or topic")

	// ErrNotObject is returned when the envelope is neither an object nor a wrapper list
	ErrNotObject = errors.New("envelope must be an object")

	// ErrWrapperLength is returned when a wrapper list does not hold exactly one element
	ErrWrapperLength = errors.New("wrapper must hold exactly one element")

	// ErrTooDeep is returned when wrappers nest beyond maxWrapperDepth
	ErrTooDeep = fmt.Errorf("wrappers nested too deep (max %d)", maxWrapperDepth)

	// ErrBadVars is returned when a variable container has an unknown shape
	ErrBadVars = errors.New("variables must be an object or a list of tag entries")

	ErrDeviceNameEmpty   = errors.New("device name cannot be empty")
	ErrDeviceNameTooLong = fmt.Errorf("device name too long (max %d chars)", config.MaxDeviceNameLength)
	ErrTagNameEmpty      = errors.New("tag name cannot be empty")
	ErrTagNameTooLong    = fmt.Errorf("tag name too long (max %d chars)", config.MaxTagNameLength)
	ErrTooManyTags       = fmt.Errorf("too many tags for one device (max %d)", config.MaxTagsPerDevice)
)

// ParseError reports a body that is not well-formed JSON.
type ParseError struct {
	Topic string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("envelope on %q: malformed body: %v", e.Topic, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError reports a well-formed body that is not a usable envelope.
// Reason wraps one of the sentinel errors above.
type ValidationError struct {
	Topic  string
	Reason error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope on %q: %v", e.Topic, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

func invalid(topic string, reason error) error {
	return &ValidationError{Topic: topic, Reason: reason}
}

func validateDevice(name string) error {
	if name == "" {
		return ErrDeviceNameEmpty
	}
	if len(name) > config.MaxDeviceNameLength {
		return fmt.Errorf("%w: %q has %d chars", ErrDeviceNameTooLong, name[:32], len(name))
	}
	return nil
}

func validateTag(device, tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: device %q", ErrTagNameEmpty, device)
	}
	if len(tag) > config.MaxTagNameLength {
		return fmt.Errorf("%w: device %q tag has %d chars", ErrTagNameTooLong, device, len(tag))
	}
	return nil
}
