// Package status provides progress tracking, the host status sink and the
// end of run summary.
package status

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/specterops/dirhound/internal/logger"
	"github.com/specterops/dirhound/internal/utils"
)

// DefaultStatusInterval is how often the status line is logged.
const DefaultStatusInterval = 30 * time.Second

// ProgressTracker counts processed directory objects, drives a progress bar
// and periodically logs throughput and memory use.
type ProgressTracker struct {
	log       logger.LoggerInterface
	bar       *progressbar.ProgressBar
	interval  time.Duration
	processed atomic.Int64
	startTime time.Time
	lastCount int64
	lastTime  time.Time
	memory    func() (uint64, error)
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewProgressTracker creates a tracker. The bar is drawn on w unless quiet is
// set; pass a nil w for stderr.
func NewProgressTracker(log logger.LoggerInterface, w io.Writer, quiet bool) *ProgressTracker {
	if w == nil {
		w = os.Stderr
	}
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription("Processing objects"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("objects"),
		progressbar.OptionThrottle(time.Second),
		progressbar.OptionSetVisibility(!quiet),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)
	now := time.Now()
	return &ProgressTracker{
		log:       log,
		bar:       bar,
		interval:  DefaultStatusInterval,
		startTime: now,
		lastTime:  now,
		memory:    processMemory,
		done:      make(chan struct{}),
	}
}

// processMemory returns the resident set size of this process.
func processMemory() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mi.RSS, nil
}

// Increment records one processed object.
func (p *ProgressTracker) Increment() {
	p.processed.Add(1)
	p.bar.Add(1) //nolint:errcheck
}

// Processed returns the number of objects processed so far.
func (p *ProgressTracker) Processed() int64 {
	return p.processed.Load()
}

// Start starts the periodic status loop.
func (p *ProgressTracker) Start() {
	p.startTime = time.Now()
	p.lastTime = p.startTime

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				p.printStatus()
			}
		}
	}()
}

// printStatus logs a single status line.
func (p *ProgressTracker) printStatus() {
	now := time.Now()
	count := p.processed.Load()

	rate := float64(0)
	if elapsed := now.Sub(p.lastTime).Seconds(); elapsed > 0 {
		rate = float64(count-p.lastCount) / elapsed
	}

	line := fmt.Sprintf("Status: %d objects finished (+%d) -- %.1f objects/s", count, count-p.lastCount, rate)
	if rss, err := p.memory(); err == nil {
		line += " -- Using " + utils.FormatFileSize(rss) + " RAM"
	}
	p.log.Info(line)

	p.lastCount = count
	p.lastTime = now
}

// Stop stops the status loop and completes the bar. Safe to call more than once.
func (p *ProgressTracker) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.bar.Finish() //nolint:errcheck
		p.log.Info(fmt.Sprintf("Enumeration finished in %s, %d objects processed",
			utils.DeltaTime(time.Since(p.startTime)), p.processed.Load()))
	})
}
