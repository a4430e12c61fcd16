package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads path whenever it changes on disk and hands every valid
// result to apply. Invalid edits are logged and skipped; the previous
// config stays in effect. The watcher stops when ctx is done.
//
// The parent directory is watched rather than the file itself so that
// atomic-rename saves keep being noticed.
func Watch(ctx context.Context, path string, apply func(Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				cfg, err := Load(abs)
				if err != nil {
					log.Warnf("CONFIG: reload of %s rejected: %v", abs, err)
					continue
				}
				log.Infof("CONFIG: reloaded %s", abs)
				apply(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("CONFIG: watcher error: %v", err)
			}
		}
	}()
	return nil
}
