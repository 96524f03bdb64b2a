// Package gitstatus periodically probes live, non-archived directories
// for their git summary and writes deduped snapshots to the durable
// store (spec.md §4.6).
//
// Grounded on internal/coop/monitor.go's AgentMonitor (ticker loop,
// per-item last-state map, structural dedup before emitting) generalized
// from per-agent state to per-directory git snapshots, with active/idle/
// burst tiering layered on top.
package gitstatus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoyers/harness/internal/types"
)

// Snapshotter probes one directory's working tree. Pluggable so tests
// can substitute a fake without shelling out to git.
type Snapshotter interface {
	ReadGitDirectorySnapshot(ctx context.Context, path string) (*DirectorySnapshot, error)
}

// DirectorySnapshot is the result of probing a directory, or nil if the
// path is not a git working tree.
type DirectorySnapshot struct {
	Summary    types.GitSummary
	Repository types.RepositoryProbe
}

// DirectoryLister supplies the set of live, non-archived directories to
// poll, and lets the poller write back deduped snapshots.
type DirectoryLister interface {
	ListLiveDirectories(ctx context.Context) ([]types.Directory, error)
	UpsertDirectoryGitStatus(ctx context.Context, directoryID string, snapshot types.DirectoryGitSnapshot) error
	LastSnapshot(directoryID string) (types.DirectoryGitSnapshot, bool)
}

// Config tunes the poller's tiered cadence (spec.md §4.6).
type Config struct {
	PollMs                int
	ActivePollMs          int
	IdlePollMs            int
	BurstPollMs           int
	MaxConcurrency        int
	MinDirectoryRefreshMs int
	TriggerDebounceMs     int
}

func (c Config) withDefaults() Config {
	if c.PollMs <= 0 {
		c.PollMs = 5000
	}
	if c.ActivePollMs <= 0 {
		c.ActivePollMs = 2000
	}
	if c.IdlePollMs <= 0 {
		c.IdlePollMs = 15000
	}
	if c.BurstPollMs <= 0 {
		c.BurstPollMs = 500
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.MinDirectoryRefreshMs <= 0 {
		c.MinDirectoryRefreshMs = 1000
	}
	if c.TriggerDebounceMs <= 0 {
		c.TriggerDebounceMs = 250
	}
	return c
}

// Poller runs the periodic git-status sweep.
type Poller struct {
	cfg    Config
	snap   Snapshotter
	dirs   DirectoryLister
	log    *slog.Logger

	mu            sync.Mutex
	lastRefresh   map[string]time.Time
	recentChanges int

	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func New(cfg Config, snap Snapshotter, dirs DirectoryLister, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		cfg:         cfg.withDefaults(),
		snap:        snap,
		dirs:        dirs,
		log:         log,
		lastRefresh: make(map[string]time.Time),
		triggerCh:   make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Trigger requests an out-of-cycle sweep, coalesced within
// triggerDebounceMs of other triggers.
func (p *Poller) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// Run blocks until Stop is called, sweeping at the current tier's
// interval.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.doneCh)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-timer.C:
			p.sweep(ctx)
			timer.Reset(p.currentInterval())
		case <-p.triggerCh:
			time.Sleep(time.Duration(p.cfg.TriggerDebounceMs) * time.Millisecond)
			drainTriggers(p.triggerCh)
			p.sweep(ctx)
			timer.Reset(p.currentInterval())
		}
	}
}

func drainTriggers(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (p *Poller) currentInterval() time.Duration {
	p.mu.Lock()
	changes := p.recentChanges
	p.recentChanges = 0
	p.mu.Unlock()

	switch {
	case changes >= 3:
		return time.Duration(p.cfg.BurstPollMs) * time.Millisecond
	case changes > 0:
		return time.Duration(p.cfg.ActivePollMs) * time.Millisecond
	default:
		return time.Duration(p.cfg.IdlePollMs) * time.Millisecond
	}
}

// Stop halts the run loop and waits for it to exit.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) sweep(ctx context.Context) {
	directories, err := p.dirs.ListLiveDirectories(ctx)
	if err != nil {
		p.log.Warn("gitstatus: list live directories failed", "error", err)
		return
	}

	sem := make(chan struct{}, p.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, d := range directories {
		if !p.dueForRefresh(d.DirectoryID) {
			continue
		}
		d := d
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.probeOne(ctx, d)
		}()
	}
	wg.Wait()
}

func (p *Poller) dueForRefresh(directoryID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastRefresh[directoryID]
	minInterval := time.Duration(p.cfg.MinDirectoryRefreshMs) * time.Millisecond
	if ok && time.Since(last) < minInterval {
		return false
	}
	p.lastRefresh[directoryID] = time.Now()
	return true
}

func (p *Poller) probeOne(ctx context.Context, d types.Directory) {
	result, err := p.snap.ReadGitDirectorySnapshot(ctx, d.Path)
	if err != nil {
		p.log.Warn("gitstatus: probe failed", "directory", d.DirectoryID, "path", d.Path, "error", err)
		return
	}
	if result == nil {
		return
	}

	candidate := types.DirectoryGitSnapshot{
		DirectoryID: d.DirectoryID,
		Summary:     result.Summary,
		Repository:  result.Repository,
		ObservedAt:  time.Now().UTC(),
	}

	if prev, ok := p.dirs.LastSnapshot(d.DirectoryID); ok && prev.Equal(candidate) {
		return
	}

	if err := p.dirs.UpsertDirectoryGitStatus(ctx, d.DirectoryID, candidate); err != nil {
		p.log.Warn("gitstatus: upsert failed", "directory", d.DirectoryID, "error", err)
		return
	}

	p.mu.Lock()
	p.recentChanges++
	p.mu.Unlock()
}
