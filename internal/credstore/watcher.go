package credstore

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher observes the auth directory for external token rotation. When
// another process refreshes the stored credentials, the metadata sidecar
// changes on disk and onChange fires so in-memory session state can be
// rebuilt instead of running on superseded tokens.
type Watcher struct {
	store    *Store
	onChange func()
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for the store's auth directory. onChange is
// invoked from the watch goroutine; callers handle their own locking.
func NewWatcher(store *Store, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = fw.Add(store.Dir()); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{store: store, onChange: onChange, watcher: fw}, nil
}

// Start runs the watch loop until ctx is cancelled. Events are debounced
// because a single token rotation produces a write plus a rename.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		defer func() {
			_ = w.watcher.Close()
		}()

		var pending *time.Timer
		target := filepath.Base(w.store.MetadataPath())
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, func() {
					log.Debug("credstore: stored credentials changed on disk")
					if w.onChange != nil {
						w.onChange()
					}
				})
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("credstore: watcher error: %v", err)
			}
		}
	}()
}
