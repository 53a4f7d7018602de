package atomicstore

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cuemby/taskpersist/pkg/log"
)

// dirWatcher wraps one fsnotify.Watcher over a lock file's parent
// directory, shared by every Acquire call blocked on that directory so we
// don't open a new inotify instance per waiter.
type dirWatcher struct {
	watcher *fsnotify.Watcher
	events  chan fsnotify.Event
}

// waitForChange blocks until either a filesystem change is observed under
// path's directory, or fallback expires — whichever comes first. If a
// watcher cannot be established (platform without inotify, fd exhaustion)
// it degrades to pure polling by sleeping for fallback.
func (s *Store) waitForChange(path string, fallback time.Duration) {
	dw := s.watcherFor(path)
	if dw == nil {
		time.Sleep(fallback)
		return
	}
	select {
	case <-dw.events:
	case <-time.After(fallback):
	}
}

func (s *Store) watcherFor(path string) *dirWatcher {
	dir := filepath.Dir(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	if dw, ok := s.watchers[dir]; ok {
		return dw
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify unavailable, lock acquisition will poll on a fixed backoff")
		s.watchers[dir] = nil
		return nil
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		log.Warn("fsnotify could not watch lock directory, falling back to polling")
		s.watchers[dir] = nil
		return nil
	}

	dw := &dirWatcher{watcher: w, events: make(chan fsnotify.Event, 16)}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				select {
				case dw.events <- ev:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	s.watchers[dir] = dw
	return dw
}

// Close releases every fsnotify watcher the Store has opened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dw := range s.watchers {
		if dw != nil {
			_ = dw.watcher.Close()
		}
	}
	s.watchers = make(map[string]*dirWatcher)
	return nil
}
