package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/specterops/dirhound/internal/collector"
	"github.com/specterops/dirhound/internal/graph"
	"github.com/specterops/dirhound/internal/ldap"
	"github.com/specterops/dirhound/internal/liveness"
	"github.com/specterops/dirhound/internal/logger"
	"github.com/specterops/dirhound/internal/status"
	"github.com/specterops/dirhound/pkg/kinds"
)

// Producer yields directory entries. Produce stops as soon as emit returns
// false and may be called again for a fresh pass.
type Producer interface {
	Produce(ctx context.Context, emit func(*ldap.Entry) bool) error
}

// Processor turns one entry into a record, or nil when it is discarded.
type Processor interface {
	Process(ctx context.Context, e *ldap.Entry) (graph.Record, error)
}

// Options wires the collaborators of a run. Only Processor and Writer are
// required.
type Options struct {
	Threads   int
	QueueSize int

	Processor Processor
	Writer    *graph.Writer
	Counters  *collector.Counters

	// WellKnown is called once the workers are done, so that it sees every
	// domain controller processed during the run.
	WellKnown func() []graph.Record

	// Status is closed by the pipeline after the workers finish, then
	// drained into Sink.
	Status chan liveness.HostStatus
	Sink   *status.Sink

	Progress *status.ProgressTracker
	Log      logger.LoggerInterface
}

// Result summarizes a finished run.
type Result struct {
	Artifact string
	Records  map[kinds.Kind]int
	Counters collector.CounterSnapshot
	Elapsed  time.Duration
}

// Pipeline is one configured collection run.
type Pipeline struct {
	opts  Options
	log   logger.LoggerInterface
	queue *Queue
	out   *OutputQueue
}

// New validates opts and returns a pipeline ready to Run.
func New(opts Options) (*Pipeline, error) {
	if opts.Processor == nil || opts.Writer == nil {
		return nil, fmt.Errorf("pipeline needs a processor and a writer")
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	if opts.Counters == nil {
		opts.Counters = &collector.Counters{}
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	return &Pipeline{
		opts:  opts,
		log:   opts.Log,
		queue: NewQueue(opts.QueueSize),
		out:   NewOutputQueue(),
	}, nil
}

// Run drives the producers, workers and writer to completion. Cancelling ctx
// stops the producers; entries already queued are still processed and
// written. Producer failures are logged and do not stop the run.
func (p *Pipeline) Run(ctx context.Context, producers ...Producer) (*Result, error) {
	start := time.Now()
	if p.opts.Progress != nil {
		p.opts.Progress.Start()
	}

	var sinkDone sync.WaitGroup
	if p.opts.Status != nil {
		sinkDone.Add(1)
		go func() {
			defer sinkDone.Done()
			if p.opts.Sink == nil {
				for range p.opts.Status {
				}
				return
			}
			if err := p.opts.Sink.Run(p.opts.Status); err != nil {
				p.log.Error("Could not write the status file: " + err.Error())
			}
		}()
	}

	var writer errgroup.Group
	var artifact string
	writer.Go(func() error {
		path, err := p.opts.Writer.Drain(p.out)
		artifact = path
		return err
	})

	var workers errgroup.Group
	for i := 0; i < p.opts.Threads; i++ {
		workers.Go(func() error {
			for e := range p.queue.Entries() {
				p.handle(ctx, e)
			}
			return nil
		})
	}

	p.produce(ctx, producers)
	p.queue.Close()
	workers.Wait() //nolint:errcheck

	if p.opts.Status != nil {
		close(p.opts.Status)
	}
	if p.opts.WellKnown != nil {
		for _, r := range p.opts.WellKnown() {
			p.out.Push(r)
		}
	}
	p.out.Close()
	err := writer.Wait()
	sinkDone.Wait()
	if p.opts.Status == nil && p.opts.Sink != nil {
		if cerr := p.opts.Sink.Close(); cerr != nil {
			p.log.Error("Could not write the status file: " + cerr.Error())
		}
	}

	if p.opts.Progress != nil {
		p.opts.Progress.Stop()
	}

	return &Result{
		Artifact: artifact,
		Records:  p.opts.Writer.Counts(),
		Counters: p.opts.Counters.Snapshot(),
		Elapsed:  time.Since(start),
	}, err
}

// produce runs the producers one after the other until ctx is cancelled.
func (p *Pipeline) produce(ctx context.Context, producers []Producer) {
	emit := func(e *ldap.Entry) bool {
		return p.queue.Push(ctx, e)
	}
	for _, prod := range producers {
		if ctx.Err() != nil {
			p.log.Warning("Collection cancelled, remaining producers skipped")
			return
		}
		if err := prod.Produce(ctx, emit); err != nil {
			p.log.Error(fmt.Sprintf("Producer %v failed: %s", prod, err))
		}
	}
}

// handle processes one entry. A panic or error is logged and counted and
// never stops the worker.
func (p *Pipeline) handle(ctx context.Context, e *ldap.Entry) {
	defer func() {
		if p.opts.Progress != nil {
			p.opts.Progress.Increment()
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			p.opts.Counters.Errors.Add(1)
			p.log.Error(fmt.Sprintf("Panic while processing %s: %v", dnOf(e), r))
			p.log.Debug(string(debug.Stack()))
		}
	}()

	rec, err := p.opts.Processor.Process(ctx, e)
	if err != nil {
		p.opts.Counters.Errors.Add(1)
		p.log.Error("Error processing " + dnOf(e) + ": " + err.Error())
	}
	if rec != nil {
		p.out.Push(rec)
	}
}

func dnOf(e *ldap.Entry) string {
	if e == nil {
		return "<nil>"
	}
	return e.DN
}
