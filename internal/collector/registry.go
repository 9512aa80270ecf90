package collector

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/zgpcy/llm-cost-exporter/internal/clock"
	"github.com/zgpcy/llm-cost-exporter/internal/logger"
	"github.com/zgpcy/llm-cost-exporter/internal/provider"
	"github.com/zgpcy/llm-cost-exporter/internal/version"
)

// MaxSamples limits memory usage by capping the number of distinct series held.
// New keys beyond the cap are dropped; existing keys keep updating.
const MaxSamples = 100000

// sample is the stored form of a canonical record
type sample struct {
	key        provider.RecordKey
	value      float64
	kind       provider.Kind
	observedAt time.Time
}

type accountKey struct {
	Provider provider.ID
	Account  string
}

// TargetStatus is the last poll outcome of one provider account
type TargetStatus struct {
	Provider  provider.ID
	Account   string
	LastPoll  time.Time
	LastError string
	Up        bool
}

// UpdateResult summarizes what an Update did
type UpdateResult struct {
	Applied     int // new keys and changed values
	Unchanged   int
	Stale       int // gauges older than the stored observation
	Regressions int // counters that went backwards
	Rejected    int // non-finite values, or new keys past MaxSamples
}

// Registry is the concurrency-safe store of the latest canonical metric values.
// It implements prometheus.Collector and owns the gatherer served on /metrics.
type Registry struct {
	logger *logger.Logger
	clock  clock.Clock // Time provider for testing

	// Usage families
	costMetric            *prometheus.Desc
	requestsMetric        *prometheus.Desc
	tokensMetric          *prometheus.Desc
	totalCostMetric       *prometheus.Desc
	remainingBudgetMetric *prometheus.Desc
	samplesCountMetric    *prometheus.Desc

	// Operational metrics
	upMetric           *prometheus.GaugeVec
	pollDuration       *prometheus.GaugeVec
	lastPollTime       *prometheus.GaugeVec
	pollErrorsTotal    *prometheus.CounterVec
	skippedItemsTotal  *prometheus.CounterVec
	counterRegressions *prometheus.CounterVec
	circuitState       *prometheus.GaugeVec
	buildInfo          *prometheus.GaugeVec

	gatherer *prometheus.Registry

	// State
	mu          sync.RWMutex
	samples     map[provider.RecordKey]*sample
	budgets     map[accountKey]float64
	status      map[accountKey]*TargetStatus
	initialized bool
}

// NewRegistry creates an empty Registry with its own Prometheus gatherer
func NewRegistry(log *logger.Logger) *Registry {
	accountLabels := []string{"provider", "account"}

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llm_cost_exporter_build_info",
			Help: "Build version information",
		},
		[]string{"version", "git_commit", "build_date", "go_version"},
	)
	buildInfo.With(version.Get().Labels()).Set(1)

	r := &Registry{
		logger: log,
		clock:  clock.RealClock{},
		costMetric: prometheus.NewDesc(
			"llm_cost_usd",
			"Latest observed LLM cost in USD over the usage window.",
			[]string{"provider", "model", "account"},
			nil,
		),
		requestsMetric: prometheus.NewDesc(
			"llm_requests_total",
			"Total LLM API requests reported by the provider.",
			[]string{"provider", "model", "account"},
			nil,
		),
		tokensMetric: prometheus.NewDesc(
			"llm_tokens_total",
			"Total LLM tokens reported by the provider, by type (prompt, completion, total).",
			[]string{"provider", "model", "account", "type"},
			nil,
		),
		totalCostMetric: prometheus.NewDesc(
			"llm_total_cost_usd",
			"Sum of llm_cost_usd across all providers, models and accounts.",
			nil,
			nil,
		),
		remainingBudgetMetric: prometheus.NewDesc(
			"llm_remaining_budget_usd",
			"Configured budget minus the latest observed cost of the account.",
			accountLabels,
			nil,
		),
		samplesCountMetric: prometheus.NewDesc(
			"llm_cost_exporter_samples_count",
			"Number of usage series currently held",
			nil,
			nil,
		),
		upMetric: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llm_cost_exporter_up",
			Help: "Was the last poll of the provider account successful (1 = success, 0 = failure)",
		}, accountLabels),
		pollDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llm_cost_exporter_poll_duration_seconds",
			Help: "Duration of the last poll of the provider account in seconds",
		}, accountLabels),
		lastPollTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llm_cost_exporter_last_poll_timestamp_seconds",
			Help: "Unix timestamp of the last successful poll",
		}, accountLabels),
		pollErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_cost_exporter_poll_errors_total",
			Help: "Total number of failed polls since startup, by error kind",
		}, []string{"provider", "account", "kind"}),
		skippedItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_cost_exporter_skipped_items_total",
			Help: "Total number of malformed provider line items skipped during normalization",
		}, accountLabels),
		counterRegressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_cost_exporter_counter_regressions_total",
			Help: "Total number of counter observations lower than the value already held",
		}, accountLabels),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llm_cost_exporter_circuit_state",
			Help: "Circuit breaker state of the provider account (0 = closed, 1 = open, 2 = half-open)",
		}, accountLabels),
		buildInfo: buildInfo,
		gatherer:  prometheus.NewRegistry(),
		samples:   make(map[provider.RecordKey]*sample),
		budgets:   make(map[accountKey]float64),
		status:    make(map[accountKey]*TargetStatus),
	}

	r.gatherer.MustRegister(r)
	return r
}

// RegisterRuntimeCollectors adds Go runtime and process metrics to the gatherer
func (r *Registry) RegisterRuntimeCollectors() error {
	if err := r.gatherer.Register(collectors.NewGoCollector()); err != nil {
		return fmt.Errorf("register Go collector: %w", err)
	}
	if err := r.gatherer.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("register process collector: %w", err)
	}
	return nil
}

// Describe implements prometheus.Collector
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.costMetric
	ch <- r.requestsMetric
	ch <- r.tokensMetric
	ch <- r.totalCostMetric
	ch <- r.remainingBudgetMetric
	ch <- r.samplesCountMetric
	r.upMetric.Describe(ch)
	r.pollDuration.Describe(ch)
	r.lastPollTime.Describe(ch)
	r.pollErrorsTotal.Describe(ch)
	r.skippedItemsTotal.Describe(ch)
	r.counterRegressions.Describe(ch)
	r.circuitState.Describe(ch)
	r.buildInfo.Describe(ch)
}

// Collect implements prometheus.Collector. The read lock is held only while copying.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.mu.RLock()
	snapshot := make([]sample, 0, len(r.samples))
	for _, s := range r.samples {
		snapshot = append(snapshot, *s)
	}
	budgets := make(map[accountKey]float64, len(r.budgets))
	for k, v := range r.budgets {
		budgets[k] = v
	}
	r.mu.RUnlock()

	totalCost := 0.0
	spend := make(map[accountKey]float64)

	for _, s := range snapshot {
		k := s.key
		switch k.UsageType {
		case provider.UsageCost:
			totalCost += s.value
			spend[accountKey{k.Provider, k.Account}] += s.value
			ch <- prometheus.MustNewConstMetric(r.costMetric, prometheus.GaugeValue, s.value,
				string(k.Provider), k.Model, k.Account)
		case provider.UsageRequests:
			ch <- prometheus.MustNewConstMetric(r.requestsMetric, prometheus.CounterValue, s.value,
				string(k.Provider), k.Model, k.Account)
		case provider.UsageTokens:
			ch <- prometheus.MustNewConstMetric(r.tokensMetric, prometheus.CounterValue, s.value,
				string(k.Provider), k.Model, k.Account, string(k.TokenType))
		}
	}

	ch <- prometheus.MustNewConstMetric(r.totalCostMetric, prometheus.GaugeValue, totalCost)

	for k, budget := range budgets {
		ch <- prometheus.MustNewConstMetric(r.remainingBudgetMetric, prometheus.GaugeValue,
			budget-spend[k], string(k.Provider), k.Account)
	}

	ch <- prometheus.MustNewConstMetric(r.samplesCountMetric, prometheus.GaugeValue, float64(len(snapshot)))

	r.upMetric.Collect(ch)
	r.pollDuration.Collect(ch)
	r.lastPollTime.Collect(ch)
	r.pollErrorsTotal.Collect(ch)
	r.skippedItemsTotal.Collect(ch)
	r.counterRegressions.Collect(ch)
	r.circuitState.Collect(ch)
	r.buildInfo.Collect(ch)
}

// Update merges records into the store. Gauges take the latest value unless the record
// is older than the stored observation; counters only ever increase, and a lower value
// is kept out and reported as a regression.
func (r *Registry) Update(records []provider.Record) UpdateResult {
	var (
		res         UpdateResult
		regressions []provider.Record
	)

	r.mu.Lock()
	for _, rec := range records {
		if math.IsNaN(rec.Value) || math.IsInf(rec.Value, 0) {
			res.Rejected++
			continue
		}

		key := rec.Key()
		s, ok := r.samples[key]
		if !ok {
			if len(r.samples) >= MaxSamples {
				res.Rejected++
				continue
			}
			r.samples[key] = &sample{key: key, value: rec.Value, kind: rec.Kind, observedAt: rec.ObservedAt}
			res.Applied++
			continue
		}

		switch rec.Kind {
		case provider.Counter:
			switch {
			case rec.Value > s.value:
				s.value = rec.Value
				res.Applied++
			case rec.Value < s.value:
				res.Regressions++
				regressions = append(regressions, rec)
			default:
				res.Unchanged++
			}
			if rec.ObservedAt.After(s.observedAt) {
				s.observedAt = rec.ObservedAt
			}
		default:
			if !rec.ObservedAt.IsZero() && rec.ObservedAt.Before(s.observedAt) {
				res.Stale++
				continue
			}
			if rec.Value == s.value {
				res.Unchanged++
			} else {
				res.Applied++
			}
			s.value = rec.Value
			s.observedAt = rec.ObservedAt
		}
		s.kind = rec.Kind
	}
	r.initialized = true
	r.mu.Unlock()

	for _, rec := range regressions {
		r.counterRegressions.WithLabelValues(string(rec.Provider), rec.Account).Inc()
		r.logger.Warn("Counter regressed, keeping the higher value",
			"provider", rec.Provider,
			"account", rec.Account,
			"model", rec.Model,
			"usage_type", rec.UsageType,
			"token_type", rec.TokenType,
			"observed", rec.Value)
	}
	if res.Rejected > 0 {
		r.logger.Warn("Rejected records", "count", res.Rejected)
	}

	return res
}

// Render returns a text exposition snapshot of every metric the registry serves
func (r *Registry) Render() (string, error) {
	families, err := r.gatherer.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}

// Handler returns an HTTP handler serving the registry in exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Gatherer exposes the underlying Prometheus gatherer
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.gatherer
}

// Value returns the stored value of a key
func (r *Registry) Value(key provider.RecordKey) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.samples[key]
	if !ok {
		return 0, false
	}
	return s.value, true
}

// IsInitialized returns true once at least one update has been applied
func (r *Registry) IsInitialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// SampleCount returns the number of usage series currently held
func (r *Registry) SampleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.samples)
}

// SetBudget configures the budget of a provider account for llm_remaining_budget_usd
func (r *Registry) SetBudget(id provider.ID, account string, usd float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.budgets[accountKey{id, account}] = usd
}

// ObservePoll records the outcome of one poll cycle
func (r *Registry) ObservePoll(id provider.ID, account string, duration time.Duration, err error) {
	labels := []string{string(id), account}
	r.pollDuration.WithLabelValues(labels...).Set(duration.Seconds())

	now := r.clock.Now()
	r.mu.Lock()
	st, ok := r.status[accountKey{id, account}]
	if !ok {
		st = &TargetStatus{Provider: id, Account: account}
		r.status[accountKey{id, account}] = st
	}
	if err != nil {
		st.Up = false
		st.LastError = err.Error()
	} else {
		st.Up = true
		st.LastError = ""
		st.LastPoll = now
	}
	r.mu.Unlock()

	if err != nil {
		r.upMetric.WithLabelValues(labels...).Set(0)
		return
	}
	r.upMetric.WithLabelValues(labels...).Set(1)
	r.lastPollTime.WithLabelValues(labels...).Set(float64(now.Unix()))
}

// RecordError counts a failed poll of the given kind
func (r *Registry) RecordError(id provider.ID, account, kind string) {
	r.pollErrorsTotal.WithLabelValues(string(id), account, kind).Inc()
}

// RecordSkipped counts malformed line items dropped by the normalizer
func (r *Registry) RecordSkipped(id provider.ID, account string, n int) {
	if n <= 0 {
		return
	}
	r.skippedItemsTotal.WithLabelValues(string(id), account).Add(float64(n))
}

// SetCircuitState exports the breaker state of a provider account
func (r *Registry) SetCircuitState(id provider.ID, account string, state int) {
	r.circuitState.WithLabelValues(string(id), account).Set(float64(state))
}

// Status returns the last poll outcome of every provider account, sorted by key
func (r *Registry) Status() []TargetStatus {
	r.mu.RLock()
	out := make([]TargetStatus, 0, len(r.status))
	for _, st := range r.status {
		out = append(out, *st)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Account < out[j].Account
	})
	return out
}
