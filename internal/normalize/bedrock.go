package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/zgpcy/llm-cost-exporter/internal/bedrock"
	"github.com/zgpcy/llm-cost-exporter/internal/provider"
)

// usageRegionPrefix matches the region code Cost Explorer puts in front of usage types, e.g. "USE1-"
var usageRegionPrefix = regexp.MustCompile(`^[A-Z]{2,4}[0-9]-`)

// usageTypeSuffixes are the token direction suffixes of Bedrock usage types, longest first
var usageTypeSuffixes = []string{
	"-cache-write-input-token-count",
	"-cache-read-input-token-count",
	"-input-token-count",
	"-output-token-count",
	"-inputtokencount",
	"-outputtokencount",
	"-input-tokens",
	"-output-tokens",
	"-tokens",
}

func decodeBedrock(a *aggregate, raw *provider.RawResponse) error {
	var usage struct {
		Series []json.RawMessage `json:"series"`
	}
	if err := json.Unmarshal(raw.Usage, &usage); err != nil {
		return fmt.Errorf("decode metrics document: %w", err)
	}

	decodeItems(a, usage.Series, func(s bedrock.MetricSeries) error {
		sum := 0.0
		for _, v := range s.Values {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: datapoint %v", errMalformed, v)
			}
			sum += v
		}

		switch s.Metric {
		case bedrock.MetricInvocations:
			a.addRequests(s.ModelID, sum)
		case bedrock.MetricInputTokens:
			a.addTokens(s.ModelID, sum, 0)
		case bedrock.MetricOutputTokens:
			a.addTokens(s.ModelID, 0, sum)
		default:
			return fmt.Errorf("%w: metric %q", errMalformed, s.Metric)
		}
		return nil
	})

	if len(raw.Cost) == 0 {
		return nil
	}

	var costs struct {
		Groups []json.RawMessage `json:"groups"`
	}
	if err := json.Unmarshal(raw.Cost, &costs); err != nil {
		return fmt.Errorf("decode cost document: %w", err)
	}

	decodeItems(a, costs.Groups, func(g bedrock.CostGroup) error {
		usd, err := strconv.ParseFloat(g.Amount, 64)
		if err != nil || math.IsNaN(usd) || math.IsInf(usd, 0) {
			return fmt.Errorf("%w: amount %q", errMalformed, g.Amount)
		}
		if g.Unit != "" && !strings.EqualFold(g.Unit, "usd") {
			return fmt.Errorf("%w: unit %s", errMalformed, g.Unit)
		}
		a.addCost(bedrockUsageTypeModel(g.UsageType), usd)
		return nil
	})
	return nil
}

// bedrockUsageTypeModel derives the model from a usage type such as
// "USE1-Claude3Haiku-input-tokens" by stripping the region and direction
func bedrockUsageTypeModel(usageType string) string {
	model := usageRegionPrefix.ReplaceAllString(usageType, "")
	lower := strings.ToLower(model)
	for _, suffix := range usageTypeSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return model[:len(model)-len(suffix)]
		}
	}
	return model
}
