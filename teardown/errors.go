package teardown

import (
	"errors"
	"fmt"
)

// UnknownDeviceError is returned when the target's name matches neither
// the origin nor the snapshot convention. The naming convention is the
// sole source of truth for origin/snapshot ordering, so an unrecognized
// name means the operation cannot safely decide what to remove first.
type UnknownDeviceError struct {
	Path string
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("unrecognized device name: %s", e.Path)
}

// NotBlockDeviceError is returned when the target path exists but is
// not a block device node.
type NotBlockDeviceError struct {
	Path string
}

func (e *NotBlockDeviceError) Error() string {
	return fmt.Sprintf("not a block device: %s", e.Path)
}

// IsUnknownDevice checks if an error is an UnknownDeviceError.
func IsUnknownDevice(err error) bool {
	var unknown *UnknownDeviceError
	return errors.As(err, &unknown)
}

// IsNotBlockDevice checks if an error is a NotBlockDeviceError.
func IsNotBlockDevice(err error) bool {
	var notBlock *NotBlockDeviceError
	return errors.As(err, &notBlock)
}
