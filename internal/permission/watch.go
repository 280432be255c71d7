// internal/permission/watch.go - Device node watch permission
package permission

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"usblink-service/internal/model"
	"usblink-service/internal/utils"
)

type nodeWatch struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// WatchAuthority grants access once the device node becomes accessible,
// typically after a udev rule or group change, and denies after a timeout
type WatchAuthority struct {
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	watches map[string]*nodeWatch
}

// NewWatchAuthority creates a watch authority
func NewWatchAuthority(timeout time.Duration, logger *zap.Logger) *WatchAuthority {
	return &WatchAuthority{
		logger:  logger.With(zap.String("authority", "watch")),
		timeout: timeout,
		watches: make(map[string]*nodeWatch),
	}
}

// HasPermission implements Authority
func (a *WatchAuthority) HasPermission(device *model.DeviceDescriptor) bool {
	return nodesAccessible(device)
}

// RequestPermission implements Authority
func (a *WatchAuthority) RequestPermission(device *model.DeviceDescriptor, resolve func(bool)) error {
	if !device.HasPorts() {
		return ErrNoPortNode
	}
	nodes := device.AccessNodes()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create node watcher: %w", err)
	}
	// udev may replace a node, so watch the directories holding them
	watched := make(map[string]bool)
	for _, node := range nodes {
		dir := filepath.Dir(node)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		watched[dir] = true
	}

	w := &nodeWatch{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	key := device.Key()

	a.mu.Lock()
	if prev, exists := a.watches[key]; exists {
		a.mu.Unlock()
		a.stopWatch(prev)
		a.mu.Lock()
	}
	a.watches[key] = w
	a.mu.Unlock()

	a.logger.Info("Watching device nodes for access", append(utils.DeviceFields(device),
		zap.Strings("nodes", nodes),
		zap.Duration("timeout", a.timeout))...)

	go a.watch(key, nodes, watcher, w, resolve)
	return nil
}

func (a *WatchAuthority) watch(key string, nodes []string, watcher *fsnotify.Watcher, w *nodeWatch, resolve func(bool)) {
	defer close(w.done)
	defer a.forget(key, w)
	defer watcher.Close()

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	tracked := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		tracked[filepath.Clean(node)] = true
	}
	accessible := func() bool {
		for _, node := range nodes {
			if !checkAccess(node) {
				return false
			}
		}
		return true
	}

	// the nodes may have become accessible before the watch was in place
	if accessible() {
		resolve(true)
		return
	}

	for {
		select {
		case <-w.stop:
			return
		case <-timer.C:
			a.logger.Warn("Device nodes stayed inaccessible", zap.Strings("nodes", nodes))
			resolve(false)
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if !tracked[name] {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				a.logger.Warn("Device node removed while awaiting access", zap.String("node", name))
				resolve(false)
				return
			}
			if accessible() {
				a.logger.Info("Device nodes became accessible", zap.String("node", name))
				resolve(true)
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.logger.Warn("Node watcher error", zap.Error(err))
		}
	}
}

// Cancel implements Authority and waits for the watch goroutine to exit
func (a *WatchAuthority) Cancel(device *model.DeviceDescriptor) {
	a.mu.Lock()
	w, exists := a.watches[device.Key()]
	if exists {
		delete(a.watches, device.Key())
	}
	a.mu.Unlock()

	if exists {
		a.stopWatch(w)
	}
}

func (a *WatchAuthority) stopWatch(w *nodeWatch) {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (a *WatchAuthority) forget(key string, w *nodeWatch) {
	a.mu.Lock()
	if a.watches[key] == w {
		delete(a.watches, key)
	}
	a.mu.Unlock()
}
