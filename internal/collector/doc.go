// Package collector holds the latest canonical LLM usage values and exposes them
// to Prometheus.
//
// The Registry is the single store written by the scheduler and read by the
// /metrics endpoint. It serves these families:
//   - llm_cost_usd{provider,model,account}: gauge, latest observed cost in USD
//   - llm_requests_total{provider,model,account}: counter
//   - llm_tokens_total{provider,model,account,type}: counter, type is prompt, completion or total
//   - llm_total_cost_usd: gauge, sum of llm_cost_usd
//   - llm_remaining_budget_usd{provider,account}: gauge, only for accounts with a budget
//
// Operational metrics are prefixed llm_cost_exporter_ (up, poll duration, last poll
// timestamp, poll errors by kind, skipped items, counter regressions, circuit state,
// samples count, build info).
//
// Gauges follow latest-wins by observation time. Counters never decrease: a lower
// observation leaves the stored value untouched and is counted as a regression.
//
// Example usage:
//
//	reg := collector.NewRegistry(log)
//	reg.Update(records)
//	http.Handle("/metrics", reg.Handler())
package collector
