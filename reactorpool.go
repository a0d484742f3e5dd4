package netpump

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/reactorcore/netpump/log"
)

// ReactorThreadPool spawns additional reactors alongside a base reactor
// and hands them out round-robin so a TcpServer's accepted connections
// fan out across several goroutines instead of piling onto the base
// reactor alone. With zero configured threads, Next always returns the
// base reactor, making a ReactorThreadPool with SetThreadCount(0) the
// single-reactor case.
type ReactorThreadPool struct {
	base *EventLoop
	kind PollerKind

	started       bool
	numThreads    int
	pollTimeoutMS int
	next          int
	loops         []*EventLoop
	wg            sync.WaitGroup
}

// NewReactorThreadPool creates a pool anchored on base. kind selects the
// poller back-end every spawned worker reactor uses; it need not match
// base's own back-end.
func NewReactorThreadPool(base *EventLoop, kind PollerKind) *ReactorThreadPool {
	return &ReactorThreadPool{base: base, kind: kind, pollTimeoutMS: defaultPollTimeoutMS}
}

// SetThreadCount sets the worker reactor count. Must be called before
// Start.
func (p *ReactorThreadPool) SetThreadCount(n int) {
	p.numThreads = n
}

// SetPollTimeoutMS sets the poll timeout every subsequently spawned worker
// reactor is built with. Must be called before Start.
func (p *ReactorThreadPool) SetPollTimeoutMS(ms int) {
	p.pollTimeoutMS = ms
}

type reactorSpawnResult struct {
	loop *EventLoop
	err  error
}

// Start spawns numThreads worker reactors, one goroutine each running its
// own EventLoop, and blocks until every one has published its *EventLoop
// — a channel standing in for the original's condition-variable gate.
// Must run on the base reactor's goroutine, exactly once.
func (p *ReactorThreadPool) Start() error {
	if p.started {
		return errors.New("netpump: reactor thread pool already started")
	}
	p.started = true

	results := make(chan reactorSpawnResult, p.numThreads)
	for i := 0; i < p.numThreads; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			loop, err := NewEventLoop(p.kind, WithPollTimeoutMS(p.pollTimeoutMS))
			if err != nil {
				results <- reactorSpawnResult{err: err}
				return
			}
			results <- reactorSpawnResult{loop: loop}
			if err := loop.Loop(); err != nil {
				log.Errorf("netpump: reactor thread pool: worker reactor stopped: %v", err)
			}
		}()
	}

	var spawnErr error
	for i := 0; i < p.numThreads; i++ {
		r := <-results
		if r.err != nil {
			if spawnErr == nil {
				spawnErr = r.err
			}
			continue
		}
		p.loops = append(p.loops, r.loop)
	}
	if spawnErr != nil {
		// Some workers before the failing one may already be looping;
		// Close quits and waits for those (and for every already-
		// returned failed-spawn goroutine, whose wg.Done already ran),
		// so a partial failure never leaks a running reactor goroutine.
		p.Close()
		return errors.Wrap(spawnErr, "netpump: reactor thread pool: spawn worker")
	}
	return nil
}

// Next returns the EventLoop a new connection should be assigned to: the
// base reactor if no worker threads were configured, otherwise the next
// worker in round-robin order. Must be called from the base reactor's
// goroutine.
func (p *ReactorThreadPool) Next() *EventLoop {
	if len(p.loops) == 0 {
		return p.base
	}
	loop := p.loops[p.next]
	p.next++
	if p.next >= len(p.loops) {
		p.next = 0
	}
	return loop
}

// Loops returns every worker reactor in the pool, in round-robin order.
// Empty if no threads were configured.
func (p *ReactorThreadPool) Loops() []*EventLoop {
	return append([]*EventLoop(nil), p.loops...)
}

// Close asks every worker reactor to quit, waits for their goroutines to
// return, and releases each one's poller/timer/wakeup descriptors. The
// base reactor is not touched; its owner is responsible for it.
func (p *ReactorThreadPool) Close() error {
	for _, l := range p.loops {
		l.Quit()
	}
	p.wg.Wait()

	var err error
	for _, l := range p.loops {
		err = multierr.Append(err, l.Close())
	}
	return err
}
