// Package file is the default contrib/config.Source: a single config file
// on disk, re-read on SIGHUP (via contrib/config's own tick loop) or
// whenever fsnotify reports the file changed underneath us.
package file

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/relaycache/tavern/contrib/config"
	"github.com/relaycache/tavern/contrib/log"
)

var _ config.Source = (*fileSource)(nil)

type fileSource struct {
	path string
}

// NewSource returns a config.Source reading a single file at path; the
// format is inferred from its extension (.yaml/.yml/.json, default json).
func NewSource(path string) config.Source {
	return &fileSource{path: path}
}

func (f *fileSource) Load() ([]*config.KeyValue, error) {
	buf, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}

	return []*config.KeyValue{
		{
			Key:    filepath.Base(f.path),
			Value:  buf,
			Format: format(f.path),
		},
	}, nil
}

func (f *fileSource) Watch() (config.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return &fileWatcher{source: f, fsw: watcher}, nil
}

func format(path string) string {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

type fileWatcher struct {
	source *fileSource
	fsw    *fsnotify.Watcher
}

func (w *fileWatcher) Next() ([]*config.KeyValue, error) {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil, nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.source.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			return w.source.Load()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil, nil
			}
			log.Errorf("config file watch error: %v", err)
			return nil, err
		}
	}
}

func (w *fileWatcher) Stop() error {
	return w.fsw.Close()
}
