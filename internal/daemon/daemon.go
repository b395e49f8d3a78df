// Package daemon provides the spool-watching daemon that feeds the sync
// engine.
//
// The daemon:
// 1. Watches the spool directory for new operation files
// 2. Parses and enqueues each operation with debouncing
// 3. Periodically triggers a sync cycle
// 4. Removes a spool file once its operation has actually been applied
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/carelog/sync/internal/engine"
	"github.com/carelog/sync/internal/op"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// SyncTarget is the slice of the engine the daemon drives. Pending is the
// daemon's ground truth for spool cleanup: a file is only removed once its
// operation has left the queue, so throttled no-op cycles and partial
// drains never cost a spooled operation its crash durability.
type SyncTarget interface {
	QueueOperation(o op.Operation) error
	SyncNow(ctx context.Context, force bool) error
	Pending() []op.Operation
}

// Config holds configuration for the daemon.
type Config struct {
	// SpoolDir is the directory containing pending operation files.
	SpoolDir string

	// DebounceInterval is how long to wait before processing file
	// changes. This batches rapid writes together.
	DebounceInterval time.Duration

	// SyncInterval is how often to trigger a (non-forced) sync cycle.
	SyncInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(spoolDir string) *Config {
	return &Config{
		SpoolDir:         spoolDir,
		DebounceInterval: 100 * time.Millisecond,
		SyncInterval:     2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates spool watching and sync scheduling.
type Daemon struct {
	target SyncTarget
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> queued time
	changeQueueMu sync.Mutex

	spooled   map[uuid.UUID]string // operation ID -> spool file path
	spooledMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance. Use Start() to begin watching.
func New(target SyncTarget, config *Config) (*Daemon, error) {
	if target == nil {
		return nil, fmt.Errorf("target cannot be nil")
	}
	if config == nil || config.SpoolDir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		target:      target,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		spooled:     make(map[uuid.UUID]string),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// Existing spool files are enqueued first, then the daemon watches for new
// ones and syncs on the configured interval. Blocks until ctx is cancelled
// or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := os.MkdirAll(d.config.SpoolDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	// Pick up anything spooled while the daemon was down.
	if err := d.enqueueExisting(); err != nil {
		return fmt.Errorf("initial spool scan failed: %w", err)
	}

	if err := d.watcher.Add(d.config.SpoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	d.config.Logger.Printf("Watching: %s", d.config.SpoolDir)

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.syncLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// enqueueExisting enqueues every operation file already in the spool.
// Individual file failures are logged but don't stop the scan.
func (d *Daemon) enqueueExisting() error {
	entries, err := os.ReadDir(d.config.SpoolDir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(d.config.SpoolDir, entry.Name())
		if err := d.enqueueFile(path); err != nil {
			d.config.Logger.Printf("Warning: failed to enqueue %s: %v", entry.Name(), err)
		}
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create and Write; removals are the
			// daemon's own cleanup.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges enqueues spool files that have settled.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		// Only process once writes have settled (debouncing).
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}

		if err := d.enqueueFile(path); err != nil {
			d.config.Logger.Printf("Error enqueueing %s: %v", path, err)
		}

		delete(d.changeQueue, path)
	}
}

// enqueueFile parses one spool file and queues its operation. The file is
// remembered under the operation's ID for removal once that operation has
// been applied.
func (d *Daemon) enqueueFile(path string) error {
	operation, err := ReadSpoolFile(path)
	if err != nil {
		return err
	}

	if err := d.target.QueueOperation(operation); err != nil {
		return err
	}

	d.config.Logger.Printf("Queued %s from %s", operation, filepath.Base(path))

	d.spooledMu.Lock()
	d.spooled[operation.ID] = path
	d.spooledMu.Unlock()
	return nil
}

// syncLoop periodically triggers a sync cycle and cleans up spool files
// whose operations have been applied.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if err := d.target.SyncNow(d.ctx, false); err != nil {
				if !errors.Is(err, engine.ErrSyncInProgress) {
					d.config.Logger.Printf("Sync cycle failed: %v", err)
				}
			}
			d.removeApplied()
		}
	}
}

// removeApplied deletes spool files for operations that have left the
// queue. SyncNow returning nil is not enough: a throttled no-op cycle or
// a drain that hit DrainLimit leaves operations pending with only the
// in-memory queue holding them, and their files must survive a crash
// until a cycle actually applies them.
func (d *Daemon) removeApplied() {
	pending := make(map[uuid.UUID]bool)
	for _, operation := range d.target.Pending() {
		pending[operation.ID] = true
	}

	d.spooledMu.Lock()
	defer d.spooledMu.Unlock()

	for id, path := range d.spooled {
		if pending[id] {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			d.config.Logger.Printf("Warning: failed to remove spool file %s: %v", path, err)
		}
		delete(d.spooled, id)
	}
}
