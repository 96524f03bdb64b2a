// Package historypoll tails a single codex session history file: one
// JSON object per line, with jittered backoff scheduling and
// fsnotify-assisted liveliness (spec.md §4.7).
//
// Grounded on internal/coop/watcher.go's reconnect-with-backoff loop
// (backoff doubling clamped to a max), adapted from WebSocket
// reconnection to file-tail jitter scheduling.
package historypoll

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jmoyers/harness/internal/telemetry"
	"github.com/jmoyers/harness/internal/types"
)

// Sink receives each normalized line as it is parsed.
type Sink interface {
	IngestHistoryEvent(ctx context.Context, evt types.TelemetryEvent)
}

// Poller tails Path, calling Sink for every well-formed line.
type Poller struct {
	Path   string
	PollMs int
	Sink   Sink
	log    *slog.Logger

	cursor     int64
	idleStreak int

	started atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func New(path string, pollMs int, sink Sink, log *slog.Logger) *Poller {
	if pollMs <= 0 {
		pollMs = 2000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		Path:   path,
		PollMs: pollMs,
		Sink:   sink,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run tails the file until the context is cancelled or Stop is called.
// Polling starts at most once: calling Run a second time is a no-op.
func (p *Poller) Run(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	defer close(p.doneCh)

	watcher, _ := fsnotify.NewWatcher()
	if watcher != nil {
		defer watcher.Close()
		_ = watcher.Add(p.Path)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-timer.C:
			productive := p.tick(ctx)
			timer.Reset(p.nextInterval(productive))
		case evt, ok := <-watcherEvents(watcher):
			if !ok {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				productive := p.tick(ctx)
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(p.nextInterval(productive))
			}
		}
	}
}

func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

// Stop halts the run loop.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

// tick reads any new bytes since cursor, returning true if it observed
// growth (a "productive" tick per spec.md §4.7).
func (p *Poller) tick(ctx context.Context) bool {
	info, err := os.Stat(p.Path)
	if err != nil {
		p.idleStreak++
		return false
	}

	if info.Size() < p.cursor {
		p.cursor = 0 // file shrunk: reset cursor
	}
	if info.Size() == p.cursor {
		p.idleStreak++
		return false
	}

	f, err := os.Open(p.Path)
	if err != nil {
		p.idleStreak++
		return false
	}
	defer f.Close()

	if _, err := f.Seek(p.cursor, 0); err != nil {
		p.idleStreak++
		return false
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	read := int64(0)
	for scanner.Scan() {
		line := scanner.Bytes()
		read += int64(len(line)) + 1
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		evt, err := telemetry.NormalizeHistoryLine(line)
		if err != nil {
			p.log.Warn("historypoll: skipping malformed line", "error", err)
			continue
		}
		if p.Sink != nil {
			p.Sink.IngestHistoryEvent(ctx, evt)
		}
	}
	p.cursor += read
	p.idleStreak = 0
	return true
}

// nextInterval applies the jittered backoff schedule: [pollMs·0.55,
// pollMs·1.5] for productive ticks, [pollMs·1.2, pollMs·2.8] while idle.
func (p *Poller) nextInterval(productive bool) time.Duration {
	base := float64(p.PollMs)
	var lo, hi float64
	if productive {
		lo, hi = base*0.55, base*1.5
	} else {
		lo, hi = base*1.2, base*2.8
	}
	ms := lo + rand.Float64()*(hi-lo)
	return time.Duration(ms) * time.Millisecond
}
