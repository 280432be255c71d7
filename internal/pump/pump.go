// internal/pump/pump.go - I/O Pump
package pump

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"usblink-service/internal/utils"
)

const defaultBufferSize = 4096

// Event is either one inbound chunk or the terminal error of the pump
type Event struct {
	Data []byte
	Err  error
}

// Options configures a pump
type Options struct {
	BufferSize int
	Logger     *utils.LinkLogger
}

// Pump drains a port on a background goroutine and serializes writes to it
type Pump struct {
	port   io.ReadWriteCloser
	logger *utils.LinkLogger
	buffer int

	events   chan Event
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	writeMu sync.Mutex
	stopped atomic.Bool

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
}

// Start launches the read loop. Events are delivered in arrival order on an
// unbuffered channel that is closed when the worker exits.
func Start(port io.ReadWriteCloser, opts Options) *Pump {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewLinkLogger(zap.NewNop(), "", nil)
	}

	p := &Pump{
		port:   port,
		logger: opts.Logger,
		buffer: opts.BufferSize,
		events: make(chan Event),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go p.run()
	return p
}

// Events returns the ordered event channel
func (p *Pump) Events() <-chan Event {
	return p.events
}

func (p *Pump) run() {
	defer close(p.events)
	defer close(p.done)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Pump worker panicked", zap.Any("panic", r))
			p.emit(Event{Err: fmt.Errorf("%w: panic: %v", ErrRuntimeIO, r)})
		}
	}()

	buf := make([]byte, p.buffer)
	for {
		n, err := p.port.Read(buf)

		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.bytesRead.Add(int64(n))
			p.logger.LogTransfer("in", chunk)

			if !p.emit(Event{Data: chunk}) {
				return
			}
		}

		if err != nil {
			if p.stopping() {
				return
			}
			p.logger.Warn("Pump read failed", zap.Error(err))
			p.emit(Event{Err: fmt.Errorf("%w: %w", ErrRuntimeIO, err)})
			return
		}

		if p.stopping() {
			return
		}
	}
}

// emit delivers an event unless the pump is stopping
func (p *Pump) emit(event Event) bool {
	select {
	case p.events <- event:
		return true
	case <-p.quit:
		return false
	}
}

func (p *Pump) stopping() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

// Write writes all of data to the port. It is safe for concurrent use.
func (p *Pump) Write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.stopped.Load() {
		return ErrNotConnected
	}

	written := 0
	for written < len(data) {
		n, err := p.port.Write(data[written:])
		written += n
		if err != nil {
			p.bytesWritten.Add(int64(written))
			return fmt.Errorf("%w: %w", ErrWriteFailed, err)
		}
		if n == 0 {
			p.bytesWritten.Add(int64(written))
			return fmt.Errorf("%w: %w", ErrWriteFailed, io.ErrShortWrite)
		}
	}

	p.bytesWritten.Add(int64(written))
	p.logger.LogTransfer("out", data)
	return nil
}

// Stop signals the worker, closes the port to unblock a pending read and
// waits for the worker to exit. No event is delivered after Stop returns.
func (p *Pump) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.quit)
		if err := p.port.Close(); err != nil {
			p.logger.Debug("Port close during pump stop", zap.Error(err))
		}
	})
	<-p.done
}

// Done is closed once the worker has exited
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// BytesRead returns the number of bytes received
func (p *Pump) BytesRead() int64 {
	return p.bytesRead.Load()
}

// BytesWritten returns the number of bytes sent
func (p *Pump) BytesWritten() int64 {
	return p.bytesWritten.Load()
}
