// Package scheduler polls every enabled provider account on its own interval and feeds
// the normalized results into the metrics registry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zgpcy/llm-cost-exporter/internal/clock"
	"github.com/zgpcy/llm-cost-exporter/internal/collector"
	"github.com/zgpcy/llm-cost-exporter/internal/config"
	"github.com/zgpcy/llm-cost-exporter/internal/credentials"
	"github.com/zgpcy/llm-cost-exporter/internal/logger"
	"github.com/zgpcy/llm-cost-exporter/internal/normalize"
	"github.com/zgpcy/llm-cost-exporter/internal/provider"
	"github.com/zgpcy/llm-cost-exporter/internal/resilience"
)

// Error kinds recorded besides the provider.ErrorKind values
const (
	KindAuthConfig  = "auth_config"
	KindCircuitOpen = "circuit_open"
	KindUnknown     = "unknown"
)

// Resolver supplies credentials for a provider account
type Resolver interface {
	Resolve(ctx context.Context, p config.Provider) (provider.Credentials, error)
	Invalidate(key string)
}

var _ Resolver = (*credentials.Resolver)(nil)

// task is the polling state of one provider account
type task struct {
	cfg    config.Provider
	client provider.UsageClient
	guard  *resilience.Guard
	logger *logger.Logger
}

// Scheduler runs one polling loop per enabled provider account
type Scheduler struct {
	tasks      []*task
	resolver   Resolver
	normalizer *normalize.Normalizer
	registry   *collector.Registry
	usageStart time.Time
	logger     *logger.Logger
	clock      clock.Clock // Time provider for testing
	group      *errgroup.Group
}

// New creates a Scheduler for the enabled providers of cfg. Every poll covers
// [usageStart, now).
func New(cfg *config.Config, usageStart time.Time, newClient ClientFactory, resolver Resolver, registry *collector.Registry, log *logger.Logger) (*Scheduler, error) {
	s := &Scheduler{
		resolver:   resolver,
		normalizer: normalize.New(cfg.Pricing),
		registry:   registry,
		usageStart: usageStart,
		logger:     log,
		clock:      clock.RealClock{},
	}

	for _, p := range cfg.EnabledProviders() {
		client, err := newClient(p)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Key(), err)
		}
		s.tasks = append(s.tasks, s.newTask(cfg, p, client))
	}
	if len(s.tasks) == 0 {
		return nil, errors.New("no enabled providers")
	}
	return s, nil
}

func (s *Scheduler) newTask(cfg *config.Config, p config.Provider, client provider.UsageClient) *task {
	taskLog := s.logger.WithFields("provider", p.ID, "account", p.Account)

	breaker := resilience.NewBreaker(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.SuccessThreshold, cfg.CircuitBreaker.Cooldown)
	breaker.OnStateChange(func(from, to resilience.State) {
		s.registry.SetCircuitState(p.ID, p.Account, int(to))
		taskLog.Warn("Circuit breaker state changed", "from", from.String(), "to", to.String())
	})
	s.registry.SetCircuitState(p.ID, p.Account, int(resilience.StateClosed))

	guard := resilience.NewGuard(breaker, resilience.NewRetryPolicy(cfg.Retry))
	guard.OnRetry(func(attempt int, delay time.Duration, err error) {
		taskLog.Debug("Fetch failed, will retry",
			"attempt", attempt,
			"delay", delay,
			"error", err)
	})

	if p.BudgetUSD != nil {
		s.registry.SetBudget(p.ID, p.Account, *p.BudgetUSD)
	}

	return &task{cfg: p, client: client, guard: guard, logger: taskLog}
}

// Start launches every polling loop. The first poll of each loop runs immediately.
// Loops stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	s.group = g

	for _, t := range s.tasks {
		g.Go(func() error {
			s.run(ctx, t)
			return nil
		})
	}

	s.logger.Info("Scheduler started", "providers", len(s.tasks))
}

// Wait blocks until every polling loop has returned
func (s *Scheduler) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	t.logger.Info("Starting polling loop", "interval", t.cfg.PollInterval)

	s.poll(ctx, t)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.poll(ctx, t)
		case <-ctx.Done():
			t.logger.Info("Stopping polling loop")
			return
		}
	}
}

// poll runs one cycle and records its outcome
func (s *Scheduler) poll(ctx context.Context, t *task) error {
	start := s.clock.Now()
	err := s.cycle(ctx, t, provider.TimeWindow{Start: s.usageStart, End: start})
	duration := s.clock.Now().Sub(start)

	if err != nil && ctx.Err() != nil {
		t.logger.Debug("Poll aborted by shutdown", "error", err)
		return err
	}

	s.registry.ObservePoll(t.cfg.ID, t.cfg.Account, duration, err)
	if err != nil {
		kind := errorKind(err)
		s.registry.RecordError(t.cfg.ID, t.cfg.Account, kind)
		if kind == KindCircuitOpen {
			t.logger.Debug("Circuit open, skipping poll")
		} else {
			t.logger.Error("Poll failed",
				"kind", kind,
				"duration", duration,
				"error", err)
		}
	}
	return err
}

// cycle is breaker check, resolve, guarded fetch, normalize, update
func (s *Scheduler) cycle(ctx context.Context, t *task, window provider.TimeWindow) error {
	if t.guard.Breaker().Rejecting() {
		return resilience.ErrCircuitOpen
	}

	creds, err := s.resolver.Resolve(ctx, t.cfg)
	if err != nil {
		return err
	}

	var raw *provider.RawResponse
	err = t.guard.Execute(ctx, func(ctx context.Context) error {
		var fetchErr error
		raw, fetchErr = t.client.FetchUsage(ctx, creds, window)
		return fetchErr
	})
	if err != nil {
		if provider.KindOf(err) == provider.KindAuth {
			s.resolver.Invalidate(t.cfg.Key())
			t.logger.Warn("Provider rejected credentials, cache invalidated", "strategy", creds.Strategy)
		}
		return err
	}

	res, err := s.normalizer.Normalize(t.cfg.ID, raw)
	if err != nil {
		return err
	}
	s.registry.RecordSkipped(t.cfg.ID, t.cfg.Account, res.Skipped)
	if res.Skipped > 0 {
		t.logger.Warn("Skipped malformed line items", "count", res.Skipped)
	}

	update := s.registry.Update(res.Records)
	t.logger.Info("Poll completed",
		"records", len(res.Records),
		"applied", update.Applied,
		"unchanged", update.Unchanged,
		"window_start", window.Start.Format(time.RFC3339))
	return nil
}

// errorKind maps a cycle error to the kind label of llm_cost_exporter_poll_errors_total
func errorKind(err error) string {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return KindCircuitOpen
	}
	var ace *credentials.AuthConfigError
	if errors.As(err, &ace) {
		return KindAuthConfig
	}
	if kind := provider.KindOf(err); kind != "" {
		return string(kind)
	}
	return KindUnknown
}
