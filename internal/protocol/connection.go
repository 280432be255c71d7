// internal/protocol/connection.go
package protocol

import (
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Port is the opened serial endpoint; go.bug.st/serial ports satisfy it
type Port interface {
	io.ReadWriteCloser
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	SetReadTimeout(t time.Duration) error
}

// DeviceHandle is the low-level handle held for the device while the link is open
type DeviceHandle interface {
	io.Closer
}

// Connection is the single active link: device handle plus its opened port
type Connection struct {
	portName string
	port     *sharedPort
	handle   DeviceHandle
	openedAt time.Time

	closeOnce sync.Once
	closeErr  error
}

func newConnection(portName string, port Port, handle DeviceHandle) *Connection {
	return &Connection{
		portName: portName,
		port:     &sharedPort{Port: port},
		handle:   handle,
		openedAt: time.Now(),
	}
}

// PortName returns the serial port path in use
func (c *Connection) PortName() string {
	return c.portName
}

// OpenedAt returns when the link was established
func (c *Connection) OpenedAt() time.Time {
	return c.openedAt
}

// Port returns the opened port; closing it more than once is safe
func (c *Connection) Port() Port {
	return c.port
}

// Close closes the port and then the device handle. It is idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = closeAll(c.port, c.handle)
	})
	return c.closeErr
}

// closeAll closes every non-nil closer and joins the errors
func closeAll(closers ...io.Closer) error {
	var err error
	for _, closer := range closers {
		if closer == nil {
			continue
		}
		err = multierr.Append(err, closer.Close())
	}
	return err
}

// sharedPort lets the pump and the connection both close the port
type sharedPort struct {
	Port
	once sync.Once
	err  error
}

func (p *sharedPort) Close() error {
	p.once.Do(func() {
		p.err = p.Port.Close()
	})
	return p.err
}
