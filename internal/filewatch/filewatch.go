// Package filewatch observes declared output paths and reports when a file's
// size has stopped changing for a configured period. Pipeline tools often
// stream large outputs and exit signals alone do not say when a file is
// complete; size stability is the fallback completion signal.
//
// Change detection is two-layered: an fsnotify watch on the parent
// directories marks paths dirty as writes happen, and a slow stat cadence
// confirms sizes and drives the stability clock. A path that does not exist
// yet is tolerated and picked up when created.
package filewatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/pipetrace/agent/internal/event"
)

// DefaultStablePeriod is how long a file's size must hold before it is
// reported stable.
const DefaultStablePeriod = 60 * time.Second

// defaultScanInterval is the stat cadence. Deliberately slow; fsnotify
// provides the fast path.
const defaultScanInterval = 5 * time.Second

// Emitter receives the FileSizeStable events.
type Emitter interface {
	Enqueue(events ...event.Event)
}

// pathState tracks one watched path between scans.
type pathState struct {
	size        int64
	mtime       time.Time
	lastChange  time.Time
	reported    bool
	everExisted bool
}

// Watcher stats the configured paths and emits FileSizeStable events. Safe
// for concurrent use; Start may be called once.
type Watcher struct {
	paths        []string
	stablePeriod time.Duration
	scanInterval time.Duration
	emitter      Emitter
	agent        *event.AgentContext
	logger       *slog.Logger
	clock        clockwork.Clock

	mu       sync.Mutex
	states   map[string]*pathState
	cancel   func()
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Watcher over paths. A non-positive stablePeriod selects
// DefaultStablePeriod; nil logger selects slog.Default().
func New(paths []string, stablePeriod time.Duration, agent *event.AgentContext, emitter Emitter, logger *slog.Logger) *Watcher {
	if stablePeriod <= 0 {
		stablePeriod = DefaultStablePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	states := make(map[string]*pathState, len(paths))
	for _, p := range paths {
		states[p] = &pathState{}
	}
	return &Watcher{
		paths:        paths,
		stablePeriod: stablePeriod,
		scanInterval: defaultScanInterval,
		emitter:      emitter,
		agent:        agent,
		logger:       logger,
		clock:        agent.Clock,
		states:       states,
	}
}

// Start launches the scan loop and, where possible, an fsnotify watch on the
// parent directories of the configured paths. fsnotify failures degrade to
// polling alone; they are logged, not fatal.
func (w *Watcher) Start(ctx context.Context) error {
	if len(w.paths) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("filewatch: fsnotify unavailable, polling only", slog.Any("error", err))
		fsw = nil
	} else {
		dirs := make(map[string]bool)
		for _, p := range w.paths {
			dirs[filepath.Dir(p)] = true
		}
		for d := range dirs {
			if err := fsw.Add(d); err != nil {
				w.logger.Warn("filewatch: cannot watch directory",
					slog.String("dir", d), slog.Any("error", err))
			}
		}
	}

	w.wg.Add(1)
	go w.scanLoop(ctx, fsw)

	w.logger.Info("file watcher started",
		slog.Int("paths", len(w.paths)),
		slog.Duration("stable_period", w.stablePeriod),
	)
	return nil
}

// Stop halts scanning and waits for the loop to exit. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
	})
}

func (w *Watcher) scanLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	if fsw != nil {
		defer fsw.Close()
	}

	ticker := w.clock.NewTicker(w.scanInterval)
	defer ticker.Stop()

	var notifyCh chan fsnotify.Event
	var errCh chan error
	if fsw != nil {
		notifyCh = fsw.Events
		errCh = fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-notifyCh:
			if !ok {
				notifyCh = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.markDirty(ev.Name)
			}

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			w.logger.Warn("filewatch: fsnotify error", slog.Any("error", err))

		case <-ticker.Chan():
			w.scan()
		}
	}
}

// markDirty resets the stability clock for a watched path the moment a write
// is observed, so a file that changes between stats cannot be misreported as
// stable.
func (w *Watcher) markDirty(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.states[path]
	if !ok {
		return
	}
	st.lastChange = w.clock.Now()
	st.reported = false
}

// Scan stats every configured path once and emits FileSizeStable for paths
// whose size has held for the stable period. Exposed for the scheduler and
// for tests.
func (w *Watcher) Scan() {
	w.scan()
}

func (w *Watcher) scan() {
	now := w.clock.Now()
	var out []event.Event

	w.mu.Lock()
	for _, path := range w.paths {
		st := w.states[path]

		fi, err := os.Stat(path)
		if err != nil {
			// Missing is fine before the tool creates its output; a path
			// that vanishes after being seen re-arms.
			if st.everExisted {
				st.everExisted = false
				st.reported = false
			}
			continue
		}

		if !st.everExisted || fi.Size() != st.size {
			st.everExisted = true
			st.size = fi.Size()
			st.mtime = fi.ModTime()
			st.lastChange = now
			st.reported = false
			continue
		}

		if !st.reported && now.Sub(st.lastChange) >= w.stablePeriod {
			st.reported = true
			st.mtime = fi.ModTime()
			out = append(out, event.Event{
				Kind:     event.KindFileSizeStable,
				TsNs:     w.agent.NowNs(),
				FilePath: path,
				FileSize: st.size,
				FileMod:  st.mtime.UnixNano(),
			})
		}
	}
	w.mu.Unlock()

	if w.emitter != nil && len(out) > 0 {
		w.emitter.Enqueue(out...)
		for _, e := range out {
			w.logger.Info("file size stable",
				slog.String("path", e.FilePath),
				slog.Int64("size", e.FileSize),
			)
		}
	}
}
