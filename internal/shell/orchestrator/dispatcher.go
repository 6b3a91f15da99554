package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/telemetry"
)

var (
	ErrQueueFull         = errors.New("dispatch queue is full")
	ErrDispatcherStopped = errors.New("dispatcher is not running")
)

// DispatcherConfig configures the dispatcher.
type DispatcherConfig struct {
	QueueSize int
}

// DefaultDispatcherConfig returns default configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{QueueSize: 16}
}

// Dispatcher queues triggers and runs them one at a time, so that an
// execution never observes indirection writes of a later one.
type Dispatcher struct {
	orch     *Orchestrator
	recorder ExecutionRecorder
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	config   DispatcherConfig

	// OnFinish, when set, is called after every execution.
	OnFinish func(exec *pipeline.Execution, err error)

	queue chan *pipeline.Execution

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher for orch.
func NewDispatcher(orch *Orchestrator, recorder ExecutionRecorder, metrics *telemetry.Metrics, config DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultDispatcherConfig().QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		orch:     orch,
		recorder: recorder,
		metrics:  metrics,
		config:   config,
		logger:   logger.With("component", "dispatcher"),
		queue:    make(chan *pipeline.Execution, config.QueueSize),
	}
}

// Start begins processing queued triggers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.running = true
	d.wg.Add(1)
	go d.run()
	d.logger.Info("dispatcher started", "queue_size", d.config.QueueSize)
}

// Stop cancels the running execution and waits for the worker to exit.
// Executions still queued stay pending.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Submit enqueues a trigger and returns the ID of the pending execution.
func (d *Dispatcher) Submit(ctx context.Context, trigger pipeline.Trigger) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return "", ErrDispatcherStopped
	}

	exec, err := pipeline.NewExecution(d.orch.Definition(), trigger)
	if err != nil {
		return "", err
	}

	// Persist before enqueueing; the worker owns exec once it is queued.
	d.save(ctx, exec)
	select {
	case d.queue <- exec:
	default:
		_ = exec.Abort()
		d.save(ctx, exec)
		return "", ErrQueueFull
	}
	d.metrics.SetQueueDepth(len(d.queue))
	d.logger.Info("execution queued", "execution_id", exec.ID, "commit", trigger.CommitRef, "trigger", trigger.Source)
	return exec.ID, nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case exec := <-d.queue:
			d.metrics.SetQueueDepth(len(d.queue))
			result, err := d.orch.RunExecution(d.ctx, exec)
			if d.OnFinish != nil {
				d.OnFinish(result, err)
			}
		}
	}
}

func (d *Dispatcher) save(ctx context.Context, exec *pipeline.Execution) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.SaveExecution(ctx, exec); err != nil {
		d.logger.Warn("failed to persist execution", "execution_id", exec.ID, "error", err)
	}
}
