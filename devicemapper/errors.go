package devicemapper

import (
	"errors"
	"fmt"
)

// DeviceNotFoundError is returned when a device is not present in the
// kernel registry. Callers that issue removals treat this as success;
// callers that inspect state use it to distinguish "gone" from "idle".
type DeviceNotFoundError struct {
	Path string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device not found: %s", e.Path)
}

// DeviceBusyError is returned when the kernel refuses a removal because
// the device is still held open.
type DeviceBusyError struct {
	Path string
}

func (e *DeviceBusyError) Error() string {
	return fmt.Sprintf("device busy: %s", e.Path)
}

// IsDeviceNotFound checks if an error is a DeviceNotFoundError.
func IsDeviceNotFound(err error) bool {
	var notFound *DeviceNotFoundError
	return errors.As(err, &notFound)
}

// IsDeviceBusy checks if an error is a DeviceBusyError.
func IsDeviceBusy(err error) bool {
	var busy *DeviceBusyError
	return errors.As(err, &busy)
}
