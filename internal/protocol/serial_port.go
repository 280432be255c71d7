// internal/protocol/serial_port.go
package protocol

import (
	"errors"

	"go.bug.st/serial"
)

// PortOpener opens a serial port with an initial mode
type PortOpener interface {
	OpenPort(name string, mode *serial.Mode) (Port, error)
}

// SerialPortOpener opens real ports through go.bug.st/serial
type SerialPortOpener struct{}

// OpenPort implements PortOpener
func (SerialPortOpener) OpenPort(name string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// isModeRejected reports whether the driver refused the requested line settings
func isModeRejected(err error) bool {
	var portErr *serial.PortError
	if !errors.As(err, &portErr) {
		return false
	}
	switch portErr.Code() {
	case serial.InvalidSpeed, serial.InvalidDataBits, serial.InvalidParity, serial.InvalidStopBits:
		return true
	default:
		return false
	}
}

// isAccessError reports whether the OS refused access to the port node
func isAccessError(err error) bool {
	if errors.Is(err, ErrAccessDenied) {
		return true
	}
	var portErr *serial.PortError
	return errors.As(err, &portErr) && portErr.Code() == serial.PermissionDenied
}
