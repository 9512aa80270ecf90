package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/zgpcy/llm-cost-exporter/internal/provider"
)

type anthropicUsageResult struct {
	Model               *string  `json:"model"`
	UncachedInputTokens *float64 `json:"uncached_input_tokens"`
	CacheReadTokens     *float64 `json:"cache_read_input_tokens"`
	CacheCreation       *struct {
		Ephemeral1h *float64 `json:"ephemeral_1h_input_tokens"`
		Ephemeral5m *float64 `json:"ephemeral_5m_input_tokens"`
	} `json:"cache_creation"`
	OutputTokens *float64 `json:"output_tokens"`
}

type anthropicCostResult struct {
	Model    *string `json:"model"`
	Currency string  `json:"currency"`
	// Amount is a decimal string in cents
	Amount *string `json:"amount"`
}

func decodeAnthropic(a *aggregate, raw *provider.RawResponse) error {
	var usage bucketPage
	if err := json.Unmarshal(raw.Usage, &usage); err != nil {
		return fmt.Errorf("decode usage document: %w", err)
	}

	decodeItems(a, usage.items(), func(r anthropicUsageResult) error {
		inputs := []*float64{r.UncachedInputTokens, r.CacheReadTokens}
		if r.CacheCreation != nil {
			inputs = append(inputs, r.CacheCreation.Ephemeral5m, r.CacheCreation.Ephemeral1h)
		}

		prompt := 0.0
		for _, v := range inputs {
			n, err := count(v)
			if err != nil {
				return err
			}
			prompt += n
		}
		completion, err := count(r.OutputTokens)
		if err != nil {
			return err
		}

		model := ""
		if r.Model != nil {
			model = *r.Model
		}
		a.addTokens(model, prompt, completion)
		return nil
	})

	if len(raw.Cost) == 0 {
		return nil
	}

	var costs bucketPage
	if err := json.Unmarshal(raw.Cost, &costs); err != nil {
		return fmt.Errorf("decode cost document: %w", err)
	}

	decodeItems(a, costs.items(), func(r anthropicCostResult) error {
		if r.Amount == nil {
			return fmt.Errorf("%w: missing amount", errMalformed)
		}
		cents, err := strconv.ParseFloat(strings.TrimSpace(*r.Amount), 64)
		if err != nil || math.IsNaN(cents) || math.IsInf(cents, 0) {
			return fmt.Errorf("%w: amount %q", errMalformed, *r.Amount)
		}
		if r.Currency != "" && !strings.EqualFold(r.Currency, "usd") {
			return fmt.Errorf("%w: currency %s", errMalformed, r.Currency)
		}

		model := ""
		if r.Model != nil {
			model = *r.Model
		}
		a.addCost(model, cents/100)
		return nil
	})
	return nil
}
