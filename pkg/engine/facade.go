package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
)

// Engine is the front of the reconciliation engine. Its methods are safe to call
// from any goroutine; all state changes happen on the worker goroutine in
// submission order.
type Engine struct {
	opts    Options
	cache   *Cache
	tracker *ActionTracker
	worker  *Worker
	monitor *HeartbeatMonitor

	queue        chan command
	submitMu     sync.Mutex
	seq          atomic.Uint64
	latestSubmit atomic.Uint64

	startOnce sync.Once
	closeOnce sync.Once
	stopping  chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
	closed    atomic.Bool
}

// New creates an engine. Call Start before submitting.
func New(opts Options) (*Engine, error) {
	if opts.Provider == nil {
		return nil, errors.New("engine: provider is required")
	}
	opts = opts.withDefaults()

	cache := NewCache()
	tracker := NewActionTracker(opts.Clock)
	e := &Engine{
		opts:     opts,
		cache:    cache,
		tracker:  tracker,
		queue:    make(chan command, opts.QueueSize),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	d := newDeps(opts, tracker, cache)
	e.worker = newWorker(d, opts.Sink, &e.latestSubmit)
	e.monitor = NewHeartbeatMonitor(opts.HeartbeatInterval, opts.LockupThreshold, opts.Clock, tracker, opts.Logger)
	e.monitor.poke = func() {
		select {
		case e.queue <- heartbeat{}:
		default:
		}
	}
	e.monitor.onLockup = func(dump string) {
		opts.Recorder.RecordLockup()
		d.journalEvent(context.Background(), e.monitor.logger, JournalEvent{
			Kind:    EventLockup,
			Subject: "worker",
			Message: dump,
		})
	}
	return e, nil
}

// Cache returns the cache shared with the worker.
func (e *Engine) Cache() *Cache { return e.cache }

// Capabilities returns what an attached environment advertised.
func (e *Engine) Capabilities(key EnvironmentKey) ([]string, bool) {
	return e.cache.Capabilities(key)
}

// LockedUp reports whether the heartbeat monitor declared a lock-up.
func (e *Engine) LockedUp() bool { return e.monitor.LockedUp() }

// Start launches the worker and the heartbeat monitor.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		if e.closed.Load() {
			return
		}
		ctx, e.cancel = context.WithCancel(ctx)
		go e.monitor.Run(ctx)
		go e.loop(ctx)
	})
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	defer e.worker.shutdown(context.WithoutCancel(ctx))

	process := func(cmd command) {
		cmd.run(ctx, e.worker)
		e.monitor.Beat()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.queue:
			process(cmd)
		case <-e.stopping:
			for {
				select {
				case cmd := <-e.queue:
					process(cmd)
				default:
					return
				}
			}
		}
	}
}

// enqueue blocks until the worker has room; requests are never dropped.
func (e *Engine) enqueue(cmd command) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	select {
	case e.queue <- cmd:
		return nil
	case <-e.stopping:
		return ErrEngineClosed
	}
}

// SubmitTopology replaces the block set and the connection set. Blocks missing
// from the set are disconnected and released.
func (e *Engine) SubmitTopology(blocks []BlockSnapshot, connections []ConnectionSnapshot) error {
	cmd := submitTopology{
		blocks:      make([]BlockSnapshot, len(blocks)),
		connections: append([]ConnectionSnapshot(nil), connections...),
	}
	for i, b := range blocks {
		cmd.blocks[i] = b.Clone()
	}
	return e.submit(func(seq uint64) command {
		cmd.seq = seq
		return cmd
	})
}

// SubmitBlock re-evaluates one block with a new snapshot.
func (e *Engine) SubmitBlock(block BlockSnapshot) error {
	snap := block.Clone()
	return e.submit(func(seq uint64) command {
		return submitBlock{seq: seq, block: snap}
	})
}

// SubmitZones replaces the zone configuration.
func (e *Engine) SubmitZones(zones ZoneSnapshot) error {
	snap := zones.Clone()
	return e.submit(func(seq uint64) command {
		return submitZones{seq: seq, zones: snap}
	})
}

// submit tags a submission and queues it. Sequence numbers are assigned under
// submitMu so queue order and sequence order agree.
func (e *Engine) submit(build func(seq uint64) command) error {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	seq := e.seq.Add(1)
	e.latestSubmit.Store(seq)
	return e.enqueue(build(seq))
}

// ExportMarkup returns a Graphviz description of the graph. It blocks until the
// worker answers.
func (e *Engine) ExportMarkup(ctx context.Context, opts ExportOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	e.seq.Add(1)
	reply := make(chan string, 1)
	if err := e.enqueue(exportMarkup{opts: opts, reply: reply}); err != nil {
		return "", err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-e.done:
		return "", ErrEngineClosed
	}
}

// DumpTopologyJSON returns the committed topology as JSON.
func (e *Engine) DumpTopologyJSON(ctx context.Context) (json.RawMessage, error) {
	reply := make(chan queryResult, 1)
	return e.query(ctx, dumpTopology{reply: reply}, reply)
}

// DumpStatsJSON returns live per-block statistics as JSON.
func (e *Engine) DumpStatsJSON(ctx context.Context) (json.RawMessage, error) {
	reply := make(chan queryResult, 1)
	return e.query(ctx, dumpStats{reply: reply}, reply)
}

func (e *Engine) query(ctx context.Context, cmd command, reply <-chan queryResult) (json.RawMessage, error) {
	e.seq.Add(1)
	if err := e.enqueue(cmd); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrEngineClosed
	}
}

// Flush waits until every request submitted before it has been processed.
func (e *Engine) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	if err := e.enqueue(flush{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineClosed
	}
}

// Close drains the queue, releases every environment and stops the monitor.
// A closed engine cannot be restarted; build a new one to recover from a sticky
// topology failure.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.stopping)
		if e.cancel == nil {
			close(e.done)
			return
		}
		<-e.done
		e.cancel()
	})
	return nil
}
