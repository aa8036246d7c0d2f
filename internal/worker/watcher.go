package worker

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// WatchBinary logs a warning if path is replaced or removed while workers
// may still be spawning against it (e.g. a package manager upgrading
// sertop mid-session). It is diagnostic only: workers already spawned are
// unaffected, and a watch failure is logged and otherwise ignored.
func WatchBinary(path string) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 {
					log.Printf("child binary %s changed on disk (%s); new workers may spawn a different version", path, event.Op)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("watching %s: %v", path, err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
