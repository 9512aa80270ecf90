package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/zgpcy/llm-cost-exporter/internal/provider"
)

// bucketPage is the paged bucket layout shared by the OpenAI and Anthropic admin APIs
type bucketPage struct {
	Data []struct {
		Results []json.RawMessage `json:"results"`
	} `json:"data"`
}

func (p bucketPage) items() []json.RawMessage {
	var out []json.RawMessage
	for _, b := range p.Data {
		out = append(out, b.Results...)
	}
	return out
}

type openAIUsageResult struct {
	Model            *string  `json:"model"`
	InputTokens      *float64 `json:"input_tokens"`
	OutputTokens     *float64 `json:"output_tokens"`
	NumModelRequests *float64 `json:"num_model_requests"`
}

type openAICostResult struct {
	Amount *struct {
		Value    float64 `json:"value"`
		Currency string  `json:"currency"`
	} `json:"amount"`
	LineItem *string `json:"line_item"`
}

func decodeOpenAI(a *aggregate, raw *provider.RawResponse) error {
	var usage bucketPage
	if err := json.Unmarshal(raw.Usage, &usage); err != nil {
		return fmt.Errorf("decode usage document: %w", err)
	}

	decodeItems(a, usage.items(), func(r openAIUsageResult) error {
		prompt, err := count(r.InputTokens)
		if err != nil {
			return err
		}
		completion, err := count(r.OutputTokens)
		if err != nil {
			return err
		}
		requests, err := count(r.NumModelRequests)
		if err != nil {
			return err
		}

		model := ""
		if r.Model != nil {
			model = *r.Model
		}
		a.addTokens(model, prompt, completion)
		if r.NumModelRequests != nil {
			a.addRequests(model, requests)
		}
		return nil
	})

	if len(raw.Cost) == 0 {
		return nil
	}

	var costs bucketPage
	if err := json.Unmarshal(raw.Cost, &costs); err != nil {
		return fmt.Errorf("decode cost document: %w", err)
	}

	decodeItems(a, costs.items(), func(r openAICostResult) error {
		if r.Amount == nil {
			return fmt.Errorf("%w: missing amount", errMalformed)
		}
		if math.IsNaN(r.Amount.Value) || math.IsInf(r.Amount.Value, 0) {
			return fmt.Errorf("%w: amount %v", errMalformed, r.Amount.Value)
		}
		if r.Amount.Currency != "" && !strings.EqualFold(r.Amount.Currency, "usd") {
			return fmt.Errorf("%w: currency %s", errMalformed, r.Amount.Currency)
		}

		lineItem := ""
		if r.LineItem != nil {
			lineItem = *r.LineItem
		}
		a.addCost(openAILineItemModel(lineItem), r.Amount.Value)
		return nil
	})
	return nil
}

// openAILineItemModel extracts the model from a cost line item such as "gpt-4o, input"
func openAILineItemModel(lineItem string) string {
	model, _, _ := strings.Cut(lineItem, ", ")
	return model
}
