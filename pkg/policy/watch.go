package policy

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 500 * time.Millisecond

var errAlreadyWatching = errors.New("policy loader is already watching")

// Watch reloads the policies under paths whenever a policy file changes and
// hands the complete new set to apply. It returns once the watcher is set
// up; watching stops when ctx is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.watcher != nil {
		l.mu.Unlock()
		_ = watcher.Close()
		return errAlreadyWatching
	}
	l.watcher = watcher
	l.mu.Unlock()

	for _, path := range paths {
		if err := addWatch(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
		}
	}
	go l.watchLoop(ctx, watcher, paths, apply)

	l.logger.Info().Strs("paths", paths).Msg("Watching placement policies")
	return nil
}

// addWatch registers path, or every directory below it since fsnotify does
// not recurse.
func addWatch(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(p)
	})
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	reload := func() {
		policies, err := l.LoadFromPaths(ctx, paths)
		if err == nil {
			err = apply(policies)
		}
		if err != nil {
			l.logger.Error().Err(err).Msg("Failed to reload policies")
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = l.StopWatching()
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&relevant == 0 || !isPolicyFile(ev.Name) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("Policy file changed")
			l.forget(ev.Name)

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDelay, reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// StopWatching closes the watcher started by Watch.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	watcher := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if watcher == nil {
		return nil
	}
	return watcher.Close()
}
