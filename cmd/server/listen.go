// cmd/server/listen.go
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"usblink-service/internal/model"
	"usblink-service/internal/service"
)

const streamQueueSize = 1024

// streamWriter copies inbound chunks to a writer from its own goroutine so
// a stalled output never blocks the supervisor
type streamWriter struct {
	out    io.Writer
	logger *zap.Logger
	queue  chan []byte
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

func newStreamWriter(out io.Writer, logger *zap.Logger, queueSize int) *streamWriter {
	w := &streamWriter{
		out:    out,
		logger: logger,
		queue:  make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// OnData implements service.Consumer; chunks that do not fit the queue are dropped
func (w *streamWriter) OnData(chunk []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	select {
	case w.queue <- chunk:
	default:
		if w.dropped.Add(1) == 1 {
			w.logger.Warn("Output stalled, dropping inbound data")
		}
	}
}

func (w *streamWriter) run() {
	defer close(w.done)
	for chunk := range w.queue {
		if _, err := w.out.Write(chunk); err != nil {
			w.logger.Warn("Failed to write inbound data", zap.Error(err))
		}
	}
}

// Close flushes queued chunks and stops the writer goroutine
func (w *streamWriter) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	<-w.done

	if dropped := w.dropped.Load(); dropped > 0 {
		w.logger.Warn("Inbound chunks dropped while output stalled", zap.Int64("chunks", dropped))
	}
}

var _ service.Consumer = (*streamWriter)(nil)

// Listen connects without the HTTP surface: inbound data goes to the
// consumer and each line read from in is written to the device. It returns
// when ctx ends, the attempt fails or the link is lost.
func (app *Application) Listen(ctx context.Context, in io.Reader, autoGrant bool) error {
	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	id, events := app.supervisor.Subscribe()
	app.startSupervisor(runCtx, &wg)

	ended := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer app.supervisor.Unsubscribe(id)
		if err := app.watchEvents(runCtx, events, autoGrant); err != nil {
			ended <- err
		}
	}()

	if _, err := app.supervisor.Connect(runCtx); err != nil {
		app.shutdown(cancel, &wg)
		return err
	}

	// The scanner goroutine may stay blocked on in until the process exits
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			line := append(append([]byte(nil), scanner.Bytes()...), '\n')
			if err := app.supervisor.Send(line); err != nil {
				app.logger.Warn("Write failed", zap.Error(err))
			}
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-ended:
		app.logger.Error("Link ended", zap.Error(err))
	}

	app.shutdown(cancel, &wg)
	return err
}

// watchEvents logs link events and grants permission when asked to. It
// returns the error that ends the session, or nil when ctx ends.
func (app *Application) watchEvents(ctx context.Context, events <-chan model.LinkEvent, autoGrant bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}

			app.logger.Info("Link event",
				zap.String("type", string(event.Type)),
				zap.String("state", string(event.State)),
				zap.String("message", event.Message),
			)

			if event.Type == model.EventPermissionRequested && autoGrant {
				if _, err := app.supervisor.ResolvePermission(ctx, true); err != nil && !errors.Is(err, service.ErrClosed) {
					app.logger.Warn("Failed to grant permission", zap.Error(err))
				}
			}

			if err := sessionEnd(event); err != nil {
				return err
			}
		}
	}
}

// sessionEnd reports whether event ends a listen session
func sessionEnd(event model.LinkEvent) error {
	switch event.Type {
	case model.EventAttemptFailed:
		return fmt.Errorf("connection attempt failed: %s: %s", event.Reason, event.Message)
	case model.EventDisconnected:
		return fmt.Errorf("link lost: %s", event.Message)
	default:
		return nil
	}
}
