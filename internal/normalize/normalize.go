// Package normalize converts raw provider documents into canonical usage records.
//
// Each provider has its own decoder. A document whose top level cannot be decoded
// fails the whole batch with a parse FetchError; individual malformed line items are
// dropped and counted in Result.Skipped so one bad entry never hides the rest.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/zgpcy/llm-cost-exporter/internal/config"
	"github.com/zgpcy/llm-cost-exporter/internal/provider"
)

// UnknownModel labels usage the provider did not attribute to a model
const UnknownModel = "unknown"

// errMalformed marks a line item that is skipped rather than failing the batch
var errMalformed = errors.New("malformed line item")

// Result is the outcome of normalizing one RawResponse
type Result struct {
	Records []provider.Record
	Skipped int
}

// Price is the USD price per 1000 tokens of one model
type Price struct {
	Prompt     float64
	Completion float64
}

// Normalizer maps provider documents to records. It is stateless apart from the
// optional price table and safe for concurrent use.
type Normalizer struct {
	prices map[string]Price
}

// New creates a Normalizer. prices is consulted only for responses that carry no cost
// document; model names are matched case-insensitively.
func New(prices []config.Price) *Normalizer {
	table := make(map[string]Price, len(prices))
	for _, p := range prices {
		table[strings.ToLower(p.Model)] = Price{Prompt: p.PromptPer1K, Completion: p.CompletionPer1K}
	}
	return &Normalizer{prices: table}
}

// Normalize decodes raw according to the provider it came from
func (n *Normalizer) Normalize(id provider.ID, raw *provider.RawResponse) (*Result, error) {
	if raw == nil {
		return nil, provider.NewParseError(id, errors.New("empty response"))
	}

	agg := newAggregate()
	var err error
	switch id {
	case provider.OpenAI:
		err = decodeOpenAI(agg, raw)
	case provider.Anthropic:
		err = decodeAnthropic(agg, raw)
	case provider.Bedrock:
		err = decodeBedrock(agg, raw)
	case provider.AzureOpenAI:
		err = decodeAzure(agg, raw)
	default:
		return nil, provider.NewParseError(id, fmt.Errorf("no decoder for provider %q", id))
	}
	if err != nil {
		return nil, provider.NewParseError(id, err)
	}

	if len(raw.Cost) == 0 {
		n.priceTokens(agg)
	}

	return &Result{
		Records: agg.records(id, raw.Account, raw.FetchedAt),
		Skipped: agg.skipped,
	}, nil
}

// priceTokens fills in cost for models with a configured price and no reported cost
func (n *Normalizer) priceTokens(agg *aggregate) {
	if len(n.prices) == 0 {
		return
	}
	for model, u := range agg.models {
		if u.hasCost || !u.hasTokens {
			continue
		}
		p, ok := n.prices[strings.ToLower(model)]
		if !ok {
			continue
		}
		u.cost = u.prompt/1000*p.Prompt + u.completion/1000*p.Completion
		u.hasCost = true
	}
}

// modelUsage accumulates every line item of one model
type modelUsage struct {
	prompt      float64
	completion  float64
	requests    float64
	cost        float64
	hasTokens   bool
	hasRequests bool
	hasCost     bool
}

type aggregate struct {
	models  map[string]*modelUsage
	skipped int
}

func newAggregate() *aggregate {
	return &aggregate{models: make(map[string]*modelUsage)}
}

func (a *aggregate) model(name string) *modelUsage {
	name = strings.TrimSpace(name)
	if name == "" {
		name = UnknownModel
	}
	u, ok := a.models[name]
	if !ok {
		u = &modelUsage{}
		a.models[name] = u
	}
	return u
}

func (a *aggregate) addTokens(model string, prompt, completion float64) {
	u := a.model(model)
	u.prompt += prompt
	u.completion += completion
	u.hasTokens = true
}

func (a *aggregate) addRequests(model string, n float64) {
	u := a.model(model)
	u.requests += n
	u.hasRequests = true
}

func (a *aggregate) addCost(model string, usd float64) {
	u := a.model(model)
	u.cost += usd
	u.hasCost = true
}

// records emits the aggregate sorted by model so output is deterministic
func (a *aggregate) records(id provider.ID, account string, at time.Time) []provider.Record {
	names := make([]string, 0, len(a.models))
	for name := range a.models {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]provider.Record, 0, len(names)*5)
	for _, name := range names {
		u := a.models[name]
		base := provider.Record{Provider: id, Model: name, Account: account, ObservedAt: at}

		if u.hasTokens {
			for _, t := range []struct {
				tt provider.TokenType
				v  float64
			}{
				{provider.TokensPrompt, u.prompt},
				{provider.TokensCompletion, u.completion},
				{provider.TokensTotal, u.prompt + u.completion},
			} {
				r := base
				r.UsageType = provider.UsageTokens
				r.TokenType = t.tt
				r.Value = t.v
				r.Kind = provider.Counter
				out = append(out, r)
			}
		}
		if u.hasRequests {
			r := base
			r.UsageType = provider.UsageRequests
			r.Value = u.requests
			r.Kind = provider.Counter
			out = append(out, r)
		}
		if u.hasCost {
			r := base
			r.UsageType = provider.UsageCost
			r.Value = u.cost
			r.Kind = provider.Gauge
			out = append(out, r)
		}
	}
	return out
}

// decodeItems decodes each raw item with fn, counting the ones that fail
func decodeItems[T any](a *aggregate, items []json.RawMessage, fn func(T) error) {
	for _, raw := range items {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			a.skipped++
			continue
		}
		if err := fn(item); err != nil {
			a.skipped++
		}
	}
}

// count validates an optional token or request count
func count(v *float64) (float64, error) {
	if v == nil {
		return 0, nil
	}
	if *v < 0 || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, fmt.Errorf("%w: count %v", errMalformed, *v)
	}
	return *v, nil
}
