// Package workers contains the background workers of the pipeline server.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/source"
)

// Submitter queues pipeline executions.
type Submitter interface {
	Submit(ctx context.Context, trigger pipeline.Trigger) (string, error)
}

// SourcePollerConfig configures the source polling worker.
type SourcePollerConfig struct {
	// Interval is the time between revision checks.
	// Default: 30 seconds.
	Interval time.Duration

	// InitialDelay postpones the first check after Start.
	InitialDelay time.Duration

	// TriggerOnStart submits an execution for the revision seen on the
	// first check instead of only remembering it.
	TriggerOnStart bool
}

// DefaultSourcePollerConfig returns default configuration.
func DefaultSourcePollerConfig() SourcePollerConfig {
	return SourcePollerConfig{
		Interval: 30 * time.Second,
	}
}

// SourcePoller watches the source for new revisions and submits an
// execution for each change.
type SourcePoller struct {
	fetcher   source.Fetcher
	submitter Submitter
	config    SourcePollerConfig
	logger    *slog.Logger

	mu       sync.Mutex
	last     string
	seenOnce bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSourcePoller creates a new source polling worker.
func NewSourcePoller(fetcher source.Fetcher, submitter Submitter, config SourcePollerConfig, logger *slog.Logger) *SourcePoller {
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SourcePoller{
		fetcher:   fetcher,
		submitter: submitter,
		config:    config,
		logger:    logger.With("component", "source_poller"),
	}
}

// Start begins the poller background goroutine.
func (p *SourcePoller) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.run()
	p.logger.Info("source poller started", "interval", p.config.Interval)
}

// Stop gracefully stops the poller.
func (p *SourcePoller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("source poller stopped")
}

func (p *SourcePoller) run() {
	defer p.wg.Done()

	if p.config.InitialDelay > 0 {
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(p.config.InitialDelay):
		}
	}
	p.runCycle(p.ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runCycle(p.ctx)
		}
	}
}

// runCycle checks the revision once and returns the execution ID submitted,
// if any.
func (p *SourcePoller) runCycle(parent context.Context) string {
	ctx, cancel := context.WithTimeout(parent, time.Minute)
	defer cancel()

	rev, err := p.fetcher.Revision(ctx)
	if err != nil {
		p.logger.Error("failed to read source revision", "error", err)
		return ""
	}

	p.mu.Lock()
	first := !p.seenOnce
	changed := rev != p.last
	p.mu.Unlock()

	if !changed || (first && !p.config.TriggerOnStart) {
		p.remember(rev)
		return ""
	}

	id, err := p.submitter.Submit(ctx, pipeline.Trigger{CommitRef: rev, Source: "poller"})
	if err != nil {
		// Not remembered, so the next cycle retries the same revision.
		p.logger.Warn("failed to submit execution", "revision", rev, "error", err)
		return ""
	}
	p.remember(rev)
	p.logger.Info("source changed", "revision", rev, "execution_id", id)
	return id
}

func (p *SourcePoller) remember(rev string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = rev
	p.seenOnce = true
}
