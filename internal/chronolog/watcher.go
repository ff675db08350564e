package chronolog

import (
	"os"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// tamperWatcher watches the log file for out-of-band modification while a
// session is live. It cannot prevent tampering, it flags it: once the file
// diverges from what this writer appended, every later Append fails with an
// IntegrityError.
type tamperWatcher struct {
	log     *Log
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newTamperWatcher(l *Log) (*tamperWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(l.cfg.Path); err != nil {
		w.Close()
		return nil, err
	}
	tw := &tamperWatcher{log: l, watcher: w, done: make(chan struct{})}
	go tw.run()
	return tw, nil
}

func (tw *tamperWatcher) run() {
	defer close(tw.done)
	for {
		select {
		case ev, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			tw.check()
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			tw.log.logger.Warn("tamper watcher error", zap.Error(err))
		}
	}
}

// check compares the file size against the writer's bookkeeping. Taking the
// log mutex orders the check after any append that raced with the event.
func (tw *tamperWatcher) check() {
	l := tw.log
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tampered {
		return
	}
	info, err := os.Stat(l.cfg.Path)
	if err != nil {
		l.tampered = true
		l.logger.Error("chronolog file disappeared", zap.Error(err))
		return
	}
	if info.Size() != l.expectedSize {
		l.tampered = true
		l.logger.Error("chronolog file modified outside this writer",
			zap.Int64("size", info.Size()),
			zap.Int64("expected", l.expectedSize))
	}
}

func (tw *tamperWatcher) stop() {
	tw.watcher.Close()
	<-tw.done
}
