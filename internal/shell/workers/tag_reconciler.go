package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/konpol/sampipe/internal/core/image"
	"github.com/konpol/sampipe/internal/core/params"
	"github.com/konpol/sampipe/internal/shell/paramstore"
	"github.com/konpol/sampipe/internal/shell/registry"
	"github.com/konpol/sampipe/internal/shell/telemetry"
)

// TagReconcilerConfig configures the tag reconciliation worker.
type TagReconcilerConfig struct {
	// Interval is the time between reconciliation cycles.
	// Default: 5 minutes.
	Interval time.Duration

	// Timeout bounds one cycle.
	// Default: 30 seconds.
	Timeout time.Duration

	// Apply writes the registry's latest tag when it differs from the
	// recorded one. When false drift is only logged.
	Apply bool
}

// DefaultTagReconcilerConfig returns the default configuration.
func DefaultTagReconcilerConfig() TagReconcilerConfig {
	return TagReconcilerConfig{
		Interval: 5 * time.Minute,
		Timeout:  30 * time.Second,
	}
}

// Drift is the result of one reconciliation cycle.
type Drift struct {
	Recorded string
	Registry string
	Applied  bool
}

// InSync reports whether the recorded tag is the registry's latest.
func (d Drift) InSync() bool { return d.Recorded == d.Registry }

// TagReconciler compares the most recently pushed tag in the registry with
// the tag recorded under the latest-tag key. Images pushed outside the
// pipeline show up as drift.
type TagReconciler struct {
	registry registry.Registry
	params   paramstore.Store
	keys     params.Keys
	metrics  *telemetry.Metrics
	config   TagReconcilerConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTagReconciler creates a new tag reconciliation worker.
func NewTagReconciler(
	reg registry.Registry,
	store paramstore.Store,
	keys params.Keys,
	metrics *telemetry.Metrics,
	config TagReconcilerConfig,
	logger *slog.Logger,
) *TagReconciler {
	if config.Interval == 0 {
		config.Interval = 5 * time.Minute
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &TagReconciler{
		registry: reg,
		params:   store,
		keys:     keys,
		metrics:  metrics,
		config:   config,
		logger:   logger.With("component", "tag_reconciler"),
	}
}

// Start begins the reconciler background goroutine.
func (r *TagReconciler) Start() {
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go r.run()

	r.logger.Info("tag reconciler started", "interval", r.config.Interval, "apply", r.config.Apply)
}

// Stop gracefully stops the reconciler and waits for a running cycle.
func (r *TagReconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("tag reconciler stopped")
}

func (r *TagReconciler) run() {
	defer r.wg.Done()

	r.runCycle()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runCycle()
		}
	}
}

func (r *TagReconciler) runCycle() {
	ctx, cancel := context.WithTimeout(r.ctx, r.config.Timeout)
	defer cancel()

	drift, err := r.Reconcile(ctx)
	switch {
	case errors.Is(err, image.ErrNoTags), errors.Is(err, paramstore.ErrNotFound):
		r.logger.Debug("nothing to reconcile", "reason", err)
	case err != nil:
		r.logger.Error("tag reconciliation failed", "error", err)
	case !drift.InSync():
		r.logger.Warn("latest tag drift",
			"recorded", drift.Recorded,
			"registry", drift.Registry,
			"applied", drift.Applied,
		)
	}
}

// Reconcile runs one comparison and, when configured, records the
// registry's latest tag.
func (r *TagReconciler) Reconcile(ctx context.Context) (Drift, error) {
	name, err := r.params.Get(ctx, r.keys.RepositoryName)
	if err != nil {
		return Drift{}, fmt.Errorf("repository name: %w", err)
	}
	details, err := r.registry.ListTags(ctx, name)
	if err != nil {
		return Drift{}, err
	}
	latest, err := image.LatestTag(details)
	if err != nil {
		return Drift{}, err
	}

	recorded, err := r.params.Get(ctx, r.keys.LatestTag)
	if err != nil && !errors.Is(err, paramstore.ErrNotFound) {
		return Drift{}, fmt.Errorf("recorded tag: %w", err)
	}

	drift := Drift{Recorded: recorded, Registry: latest}
	if drift.InSync() || !r.config.Apply {
		return drift, nil
	}

	if _, err := r.params.Put(ctx, r.keys.LatestTag, latest); err != nil {
		return drift, fmt.Errorf("record tag: %w", err)
	}
	r.metrics.ObserveIndirectionWrite(r.keys.LatestTag)
	drift.Applied = true
	return drift, nil
}
