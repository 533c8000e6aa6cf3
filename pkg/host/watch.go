package host

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"beamhost/pkg/supervisor"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// installSettle lets an installer finish writing the executable before the
// daemon is started from it.
const installSettle = 100 * time.Millisecond

// installWatch waits for the monitor daemon's executable to appear.
type installWatch struct {
	watcher *fsnotify.Watcher
	target  string
	done    chan struct{}
	once    sync.Once
}

// watchInstall starts watching the directory of path. Failure to watch is
// logged; the daemon then simply stays stopped.
func (h *Host) watchInstall(path string) {
	dir := filepath.Dir(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		h.log.Warn("create install watcher", zap.Error(err))
		return
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		h.log.Info("monitor daemon directory not watchable", zap.String("dir", dir), zap.Error(err))
		return
	}

	iw := &installWatch{watcher: watcher, target: filepath.Clean(path), done: make(chan struct{})}
	h.mu.Lock()
	h.watch = iw
	h.mu.Unlock()

	h.log.Info("waiting for monitor daemon install", zap.String("path", path))
	go h.runInstallWatch(iw)
}

func (h *Host) runInstallWatch(iw *installWatch) {
	settle := time.NewTimer(0)
	if !settle.Stop() {
		<-settle.C
	}
	defer settle.Stop()

	for {
		select {
		case <-iw.done:
			return

		case event, ok := <-iw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != iw.target || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				continue
			}
			settle.Reset(installSettle)

		case <-settle.C:
			err := h.monitor.Start()
			switch {
			case err == nil:
				h.log.Info("monitor daemon installed, started")
				h.stopWatch()
				return
			case errors.Is(err, supervisor.ErrNotInstalled):
				// Still incomplete; wait for the next write.
			default:
				h.log.Warn("start monitor daemon", zap.Error(err))
			}

		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			h.log.Warn("install watcher", zap.Error(err))
		}
	}
}

// stopWatch ends the install watch, if any.
func (h *Host) stopWatch() {
	h.mu.Lock()
	iw := h.watch
	h.watch = nil
	h.mu.Unlock()
	if iw == nil {
		return
	}
	iw.once.Do(func() {
		close(iw.done)
		_ = iw.watcher.Close()
	})
}

// Watching reports whether the host is waiting for the monitor daemon to be
// installed.
func (h *Host) Watching() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.watch != nil
}
