// Package watch re-runs an action when files in a project directory change.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for changes to settle.
const DefaultDebounce = 500 * time.Millisecond

// DefaultIgnore lists directories that never trigger a run.
var DefaultIgnore = []string{".git", "node_modules", ".stackrun"}

// Config configures a Watcher.
type Config struct {
	// Root is the directory watched recursively.
	Root string

	// Ignore lists paths relative to Root whose changes are dropped, in
	// addition to DefaultIgnore. The synth output directory belongs here.
	Ignore []string

	// Debounce delays the change callback until no event arrived for this
	// long.
	Debounce time.Duration
}

// ChangeFunc is called with the sorted set of paths that changed.
type ChangeFunc func(ctx context.Context, paths []string) error

// Watcher watches a directory tree.
type Watcher struct {
	root     string
	ignore   []string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
}

// New starts watching cfg.Root and every directory below it.
func New(cfg Config, logger zerolog.Logger) (*Watcher, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watch root: %w", err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		debounce: cfg.Debounce,
		watcher:  fw,
		logger:   logger.With().Str("component", "watch").Logger(),
	}
	for _, p := range append(append([]string{}, DefaultIgnore...), cfg.Ignore...) {
		if p = filepath.Clean(p); p != "." && p != "" {
			w.ignore = append(w.ignore, p)
		}
	}

	if err := w.addTree(root); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", root, err)
	}

	w.logger.Info().Str("root", root).Strs("ignore", w.ignore).Msg("Watching for changes")
	return w, nil
}

// Run calls fn after each burst of changes until ctx is done. Changes that
// arrive while fn runs are collected and trigger the next call. Errors from
// fn are logged and do not stop the watcher.
func (w *Watcher) Run(ctx context.Context, fn ChangeFunc) error {
	defer w.watcher.Close()

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
				}
			}

			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("File changed")
			pending[event.Name] = struct{}{}
			timer.Reset(w.debounce)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			clear(pending)

			if err := fn(ctx, paths); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Error().Err(err).Int("changes", len(paths)).Msg("Change handler failed")
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops the watcher without running it.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// addTree watches dir and its subdirectories, skipping ignored ones. Every
// directory that cannot be watched is reported.
func (w *Watcher) addTree(dir string) error {
	var result *multierror.Error
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			result = multierror.Append(result, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return fs.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
		}
		return nil
	})
	if walkErr != nil {
		result = multierror.Append(result, walkErr)
	}
	return result.ErrorOrNil()
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasPrefix(base, ".#") {
		return false
	}
	return !w.ignored(event.Name)
}

// ignored reports whether path is an ignored directory or lies below one.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, ig := range w.ignore {
		if rel == ig || strings.HasPrefix(rel, ig+string(filepath.Separator)) {
			return true
		}
		// Bare names match at any depth.
		if !strings.ContainsRune(ig, filepath.Separator) {
			for _, part := range strings.Split(rel, string(filepath.Separator)) {
				if part == ig {
					return true
				}
			}
		}
	}
	return false
}
