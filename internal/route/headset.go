package route

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultHeadsetPath is the kernel's wired headset switch state.
const DefaultHeadsetPath = "/sys/class/switch/h2w/state"

const defaultHeadsetPoll = 2 * time.Second

// Headset tracks the wired headset switch. sysfs attributes rarely produce
// inotify events, so the file is also polled.
type Headset struct {
	path    string
	poll    time.Duration
	plugged atomic.Bool
}

// NewHeadset creates a headset watcher for path and reads the initial state.
func NewHeadset(path string, poll time.Duration) *Headset {
	if path == "" {
		path = DefaultHeadsetPath
	}
	if poll <= 0 {
		poll = defaultHeadsetPoll
	}
	h := &Headset{path: path, poll: poll}
	h.plugged.Store(h.read())
	return h
}

// Plugged reports the last observed state.
func (h *Headset) Plugged() bool {
	return h.plugged.Load()
}

// read returns true when the switch state is non-zero. A missing file means
// no headset jack.
func (h *Headset) read() bool {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return false
	}
	s := bytes.TrimSpace(data)
	return len(s) > 0 && !bytes.Equal(s, []byte("0"))
}

// Run sends a TriggerRoute on out whenever the plugged state changes, until
// ctx is done.
func (h *Headset) Run(ctx context.Context, out chan<- Trigger) {
	var events <-chan fsnotify.Event
	var errs <-chan error

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("route: could not create headset watcher", "err", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(h.path)); err != nil {
			slog.Debug("route: could not watch headset state", "path", h.path, "err", err)
		} else {
			events, errs = watcher.Events, watcher.Errors
		}
	}

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	check := func() {
		now := h.read()
		if h.plugged.Swap(now) == now {
			return
		}
		slog.Info("route: wired headset changed", "plugged", now)
		select {
		case out <- TriggerRoute:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(h.path) {
				check()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("route: headset watcher error", "err", err)
		case <-ticker.C:
			check()
		}
	}
}
