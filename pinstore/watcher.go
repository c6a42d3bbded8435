package pinstore

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	errAddWatcher    = "pinstore: error adding path to watcher"
	errCreateWatcher = "pinstore: error creating watcher"
	errWatch         = "pinstore: error watching bundle"
)

// ErrBundleChanged is returned by Watcher.Start once a watched bundle has
// changed on disk. Pins already loaded are unaffected.
var ErrBundleChanged = errors.New("pinstore: pinned bundle changed")

// relevantOps are the filesystem events that can alter a bundle.
const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

// Watcher reports changes to pinned bundles. Bundles are watched through
// fsnotify unless WithPollInterval is given.
type Watcher struct {
	paths    []string
	dirs     map[string]bool
	files    map[string]bool
	fsnotify *fsnotify.Watcher
	interval time.Duration
	baseline map[string]fileStat
	clock    clockwork.Clock
	logger   logrus.FieldLogger
}

type fileStat struct {
	size    int64
	modTime time.Time
}

// NewWatcher prepares a watch over the bundle paths, which name files or
// directories as accepted by Load.
func NewWatcher(paths []string, opts ...Option) (*Watcher, error) {
	cfg := newConfig(opts)

	w := &Watcher{
		paths:    paths,
		dirs:     make(map[string]bool),
		files:    make(map[string]bool),
		interval: cfg.pollInterval,
		clock:    clockwork.NewRealClock(),
		logger:   cfg.logger,
	}

	// Changes made after NewWatcher returns are reported, even those made
	// before Start.
	if w.interval > 0 {
		w.baseline = w.snapshot()
		return w, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errCreateWatcher)
	}

	for _, path := range paths {
		path = filepath.Clean(path)

		info, err := os.Stat(path)
		if err != nil {
			watcher.Close()
			return nil, errors.Wrap(err, errAddWatcher)
		}

		dir := path
		if info.IsDir() {
			w.dirs[path] = true
		} else {
			// Watch the parent so replacements by rename are observed.
			dir = filepath.Dir(path)
			w.files[path] = true
		}

		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, errors.Wrap(err, errAddWatcher)
		}
	}

	w.fsnotify = watcher
	return w, nil
}

// Start blocks until a bundle changes, returning an error wrapping
// ErrBundleChanged, or until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	if w.fsnotify == nil {
		return w.poll(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsnotify.Events:
			if !ok {
				return nil
			}
			if w.relevant(event) {
				w.logger.WithField("path", event.Name).WithField("op", event.Op.String()).Warn("pinned bundle changed")
				return errors.Wrapf(ErrBundleChanged, "%s", event.Name)
			}
		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return nil
			}
			return errors.Wrap(err, errWatch)
		}
	}
}

// Close releases the filesystem watch.
func (w *Watcher) Close() error {
	if w.fsnotify == nil {
		return nil
	}
	return w.fsnotify.Close()
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&relevantOps == 0 {
		return false
	}

	name := filepath.Clean(event.Name)
	if w.files[name] {
		return true
	}
	return w.dirs[filepath.Dir(name)] && isCertificateFile(name)
}

func (w *Watcher) poll(ctx context.Context) error {
	t := w.clock.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Chan():
			current := w.snapshot()
			if !reflect.DeepEqual(current, w.baseline) {
				w.logger.WithField("paths", w.paths).Warn("pinned bundle changed")
				return errors.Wrapf(ErrBundleChanged, "%v", w.paths)
			}
		}
	}
}

// snapshot records size and modification time of every bundle file. Missing
// paths are recorded with a zero stat.
func (w *Watcher) snapshot() map[string]fileStat {
	stats := make(map[string]fileStat)
	for _, path := range w.paths {
		files, err := bundleFiles(path)
		if err != nil {
			stats[path] = fileStat{}
			continue
		}
		for _, file := range files {
			info, err := os.Stat(file)
			if err != nil {
				stats[file] = fileStat{}
				continue
			}
			stats[file] = fileStat{size: info.Size(), modTime: info.ModTime()}
		}
	}
	return stats
}
