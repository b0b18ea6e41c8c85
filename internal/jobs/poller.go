// ABOUTME: Interval polling of asynchronous jobs with at most one poll per job id
// ABOUTME: Reports material changes, stops itself on terminal status and drops stale responses

package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/store"
)

// Default poll timings
const (
	DefaultInterval     = 3 * time.Second
	DefaultInitialDelay = time.Second
	fetchTimeout        = 30 * time.Second
)

// Callbacks receive poll results. Any of them may be nil.
type Callbacks struct {
	// OnUpdate fires when a non-terminal poll differs materially from the last one.
	OnUpdate func(job *store.ImageJob)
	// OnComplete fires once when the job reaches SUCCESS or FAILED.
	OnComplete func(job *store.ImageJob)
	// OnError fires for each failed fetch; polling continues.
	OnError func(err error)
}

// jobState is the part of a job that counts as a material change.
type jobState struct {
	status      store.JobStatus
	resultCount int
	info        string
}

func stateOf(job *store.ImageJob) jobState {
	return jobState{status: job.Status, resultCount: len(job.Result), info: job.Info}
}

// poll is one registered polling loop.
type poll struct {
	jobID  string
	target Target
	cb     Callbacks
	cancel context.CancelFunc
	last   *jobState
}

// Poller owns its own tracking tables; separate instances share nothing.
type Poller struct {
	fetcher      Fetcher
	interval     time.Duration
	initialDelay time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	starting map[string]struct{}
	active   map[string]*poll
	wg       sync.WaitGroup
}

// NewPoller creates a poller. Non-positive timings fall back to the defaults.
func NewPoller(fetcher Fetcher, interval, initialDelay time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if initialDelay <= 0 {
		initialDelay = DefaultInitialDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		fetcher:      fetcher,
		interval:     interval,
		initialDelay: initialDelay,
		logger:       logger.With("component", "poller"),
		starting:     make(map[string]struct{}),
		active:       make(map[string]*poll),
	}
}

// Start begins polling jobID. It returns false without doing anything when
// the job is already being polled or is in the middle of starting.
func (p *Poller) Start(jobID string, target Target, cb Callbacks) bool {
	p.mu.Lock()
	if _, ok := p.starting[jobID]; ok {
		p.mu.Unlock()
		return false
	}
	if _, ok := p.active[jobID]; ok {
		p.mu.Unlock()
		return false
	}
	p.starting[jobID] = struct{}{}
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	pl := &poll{jobID: jobID, target: target, cb: cb, cancel: cancel}

	p.mu.Lock()
	if _, ok := p.starting[jobID]; !ok {
		// Stopped while starting.
		p.mu.Unlock()
		cancel()
		return false
	}
	delete(p.starting, jobID)
	p.active[jobID] = pl
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Debug("polling started", "job_id", jobID)
	go p.run(ctx, pl)
	return true
}

// Stop cancels polling for jobID and discards its last known state.
func (p *Poller) Stop(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.starting, jobID)
	if pl, ok := p.active[jobID]; ok {
		pl.cancel()
		delete(p.active, jobID)
		p.logger.Debug("polling stopped", "job_id", jobID)
	}
}

// StopAll cancels every poll.
func (p *Poller) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, pl := range p.active {
		pl.cancel()
		delete(p.active, id)
	}
	for id := range p.starting {
		delete(p.starting, id)
	}
}

// IsPolling reports whether jobID is active or starting.
func (p *Poller) IsPolling(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, starting := p.starting[jobID]
	_, active := p.active[jobID]
	return starting || active
}

// ActiveCount returns the number of running poll loops.
func (p *Poller) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Close stops every poll and waits for the loops to exit.
func (p *Poller) Close() {
	p.StopAll()
	p.wg.Wait()
}

// current reports whether pl is still the registered poll for its job.
func (p *Poller) current(pl *poll) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[pl.jobID] == pl
}

// finish removes pl if it is still registered. Returns false if it was
// stopped in the meantime.
func (p *Poller) finish(pl *poll) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[pl.jobID] != pl {
		return false
	}
	pl.cancel()
	delete(p.active, pl.jobID)
	return true
}

func (p *Poller) run(ctx context.Context, pl *poll) {
	defer p.wg.Done()

	timer := time.NewTimer(p.initialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if p.tick(ctx, pl) {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.tick(ctx, pl) {
				return
			}
		}
	}
}

// tick performs one fetch and returns true when the loop should exit.
// The fetch is not tied to the poll's context; a response that arrives
// after Stop is dropped instead.
func (p *Poller) tick(ctx context.Context, pl *poll) bool {
	fetchCtx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	job, err := p.fetcher.GetJob(fetchCtx, pl.target, pl.jobID)
	cancel()

	if ctx.Err() != nil || !p.current(pl) {
		p.logger.Debug("dropping poll result for stopped job", "job_id", pl.jobID)
		return true
	}

	if err != nil {
		p.logger.Warn("job poll failed", "job_id", pl.jobID, "error", err)
		if pl.cb.OnError != nil {
			pl.cb.OnError(err)
		}
		return false
	}

	if job.Status.IsTerminal() {
		if !p.finish(pl) {
			return true
		}
		p.logger.Info("job finished", "job_id", pl.jobID, "status", job.Status)
		if pl.cb.OnComplete != nil {
			pl.cb.OnComplete(job)
		}
		return true
	}

	state := stateOf(job)
	if pl.last != nil && *pl.last == state {
		return false
	}
	pl.last = &state
	if pl.cb.OnUpdate != nil {
		pl.cb.OnUpdate(job)
	}
	return false
}
