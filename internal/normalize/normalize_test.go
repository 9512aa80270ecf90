package normalize

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zgpcy/llm-cost-exporter/internal/config"
	"github.com/zgpcy/llm-cost-exporter/internal/provider"
)

var fetchedAt = time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)

func loadFixture(t *testing.T, filename string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", filename))
	require.NoError(t, err, "read fixture %s", filename)
	return data
}

func rawResponse(id provider.ID, usage, cost []byte) *provider.RawResponse {
	return &provider.RawResponse{
		Provider:  id,
		Account:   "default",
		Usage:     usage,
		Cost:      cost,
		FetchedAt: fetchedAt,
	}
}

// index maps records by model, usage type and token type for lookups
func index(records []provider.Record) map[string]provider.Record {
	out := make(map[string]provider.Record, len(records))
	for _, r := range records {
		out[r.Model+"|"+string(r.UsageType)+"|"+string(r.TokenType)] = r
	}
	return out
}

func sumTotalTokens(records []provider.Record) float64 {
	total := 0.0
	for _, r := range records {
		if r.UsageType == provider.UsageTokens && r.TokenType == provider.TokensTotal {
			total += r.Value
		}
	}
	return total
}

func TestNormalize_OpenAI(t *testing.T) {
	n := New(nil)
	raw := rawResponse(provider.OpenAI, loadFixture(t, "openai_usage.json"), loadFixture(t, "openai_costs.json"))

	res, err := n.Normalize(provider.OpenAI, raw)
	require.NoError(t, err)
	assert.Zero(t, res.Skipped)

	got := index(res.Records)

	assert.Equal(t, 1200.0, got["gpt-4o|tokens|prompt"].Value)
	assert.Equal(t, 600.0, got["gpt-4o|tokens|completion"].Value)
	assert.Equal(t, 1800.0, got["gpt-4o|tokens|total"].Value)
	assert.Equal(t, 13.0, got["gpt-4o|requests|"].Value)
	assert.InDelta(t, 0.75, got["gpt-4o|cost|"].Value, 1e-9)
	assert.InDelta(t, 0.125, got["gpt-4o-mini|cost|"].Value, 1e-9)
	assert.Equal(t, 10.0, got[UnknownModel+"|tokens|total"].Value, "null model is attributed to unknown")

	// Round trip: exported totals equal the payload's tokens
	assert.Equal(t, 1885.0, sumTotalTokens(res.Records))

	for _, r := range res.Records {
		assert.Equal(t, provider.OpenAI, r.Provider)
		assert.Equal(t, "default", r.Account)
		assert.Equal(t, fetchedAt, r.ObservedAt)
		if r.UsageType == provider.UsageCost {
			assert.Equal(t, provider.Gauge, r.Kind)
		} else {
			assert.Equal(t, provider.Counter, r.Kind)
		}
	}
}

func TestNormalize_OpenAIMalformedItemsSkipped(t *testing.T) {
	usage := []byte(`{"data":[{"results":[
		{"model":"gpt-4","input_tokens":600,"output_tokens":400,"num_model_requests":2},
		{"model":"gpt-4","input_tokens":"lots"},
		{"model":"gpt-4","input_tokens":-5,"output_tokens":1},
		"not an object"
	]}]}`)
	cost := []byte(`{"data":[{"results":[
		{"amount":{"value":0.02,"currency":"usd"},"line_item":"gpt-4, input"},
		{"amount":{"value":"free"},"line_item":"gpt-4, output"},
		{"line_item":"gpt-4, output"}
	]}]}`)

	res, err := New(nil).Normalize(provider.OpenAI, rawResponse(provider.OpenAI, usage, cost))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Skipped)

	got := index(res.Records)
	assert.Equal(t, 1000.0, got["gpt-4|tokens|total"].Value)
	assert.Equal(t, 2.0, got["gpt-4|requests|"].Value)
	assert.InDelta(t, 0.02, got["gpt-4|cost|"].Value, 1e-12)
}

func TestNormalize_TopLevelParseError(t *testing.T) {
	tests := []struct {
		name string
		id   provider.ID
		raw  *provider.RawResponse
	}{
		{"openai usage", provider.OpenAI, rawResponse(provider.OpenAI, []byte(`<html>bad gateway</html>`), nil)},
		{"openai cost", provider.OpenAI, rawResponse(provider.OpenAI, []byte(`{"data":[]}`), []byte(`{"data":"x"}`))},
		{"anthropic", provider.Anthropic, rawResponse(provider.Anthropic, []byte(`[1,2]`), nil)},
		{"bedrock", provider.Bedrock, rawResponse(provider.Bedrock, []byte(`{"series":{}}`), nil)},
		{"azure missing cost", provider.AzureOpenAI, rawResponse(provider.AzureOpenAI, nil, nil)},
		{"azure no cost column", provider.AzureOpenAI, rawResponse(provider.AzureOpenAI, nil,
			[]byte(`{"properties":{"columns":[{"name":"Meter"}],"rows":[["gpt-4"]]}}`))},
		{"nil response", provider.OpenAI, nil},
		{"unknown provider", provider.ID("cohere"), rawResponse("cohere", []byte(`{}`), nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := New(nil).Normalize(tt.id, tt.raw)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, provider.KindParse, provider.KindOf(err))
		})
	}
}

func TestNormalize_Anthropic(t *testing.T) {
	raw := rawResponse(provider.Anthropic, loadFixture(t, "anthropic_usage.json"), loadFixture(t, "anthropic_costs.json"))

	res, err := New(nil).Normalize(provider.Anthropic, raw)
	require.NoError(t, err)
	assert.Zero(t, res.Skipped)

	got := index(res.Records)
	sonnet := "claude-sonnet-4-20250514"

	// uncached + 5m + 1h cache creation + cache read
	assert.Equal(t, 1600.0, got[sonnet+"|tokens|prompt"].Value)
	assert.Equal(t, 400.0, got[sonnet+"|tokens|completion"].Value)
	assert.Equal(t, 2000.0, got[sonnet+"|tokens|total"].Value)
	assert.InDelta(t, 12.345, got[sonnet+"|cost|"].Value, 1e-9, "cents are converted to USD")
	assert.InDelta(t, 0.10, got["claude-3-5-haiku-20241022|cost|"].Value, 1e-9)

	_, hasRequests := got[sonnet+"|requests|"]
	assert.False(t, hasRequests, "anthropic reports no request counts")

	assert.Equal(t, 2070.0, sumTotalTokens(res.Records))
}

func TestNormalize_AnthropicNonNumericAmountSkipped(t *testing.T) {
	usage := []byte(`{"data":[{"results":[{"model":"claude-3-opus","uncached_input_tokens":10,"output_tokens":5}]}]}`)
	cost := []byte(`{"data":[{"results":[
		{"model":"claude-3-opus","currency":"USD","amount":"12.5"},
		{"model":"claude-3-opus","currency":"USD","amount":"n/a"},
		{"model":"claude-3-opus","currency":"USD","amount":12}
	]}]}`)

	res, err := New(nil).Normalize(provider.Anthropic, rawResponse(provider.Anthropic, usage, cost))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.InDelta(t, 0.125, index(res.Records)["claude-3-opus|cost|"].Value, 1e-12)
}

func TestNormalize_Bedrock(t *testing.T) {
	raw := rawResponse(provider.Bedrock, loadFixture(t, "bedrock_metrics.json"), loadFixture(t, "bedrock_costs.json"))

	res, err := New(nil).Normalize(provider.Bedrock, raw)
	require.NoError(t, err)
	assert.Zero(t, res.Skipped)

	got := index(res.Records)
	haiku := "anthropic.claude-3-haiku-20240307-v1:0"

	assert.Equal(t, 1500.0, got[haiku+"|tokens|prompt"].Value)
	assert.Equal(t, 500.0, got[haiku+"|tokens|completion"].Value)
	assert.Equal(t, 2000.0, got[haiku+"|tokens|total"].Value)
	assert.Equal(t, 10.0, got[haiku+"|requests|"].Value)
	assert.Equal(t, 1.0, got["meta.llama3-70b-instruct-v1:0|requests|"].Value)

	// Cost Explorer usage types carry their own model names
	assert.InDelta(t, 1.0, got["Claude3Haiku|cost|"].Value, 1e-9)
	assert.InDelta(t, 0.25, got["Llama3-70B|cost|"].Value, 1e-9)

	assert.Equal(t, 2100.0, sumTotalTokens(res.Records))
}

func TestNormalize_Azure(t *testing.T) {
	raw := rawResponse(provider.AzureOpenAI, nil, loadFixture(t, "azure_query.json"))

	res, err := New(nil).Normalize(provider.AzureOpenAI, raw)
	require.NoError(t, err)
	assert.Zero(t, res.Skipped)
	require.Len(t, res.Records, 2, "azure is cost-only")

	got := index(res.Records)
	assert.Equal(t, 14.0, got["gpt-4o-0513|cost|"].Value)
	assert.Equal(t, 0.5, got["text-embedding-3-small|cost|"].Value)
}

func TestNormalize_AzureRowsSkipped(t *testing.T) {
	cost := []byte(`{"properties":{
		"columns":[{"name":"Cost"},{"name":"Meter"},{"name":"Currency"}],
		"rows":[
			[1.5,"gpt-4o Input Tokens","USD"],
			["1.5","gpt-4o Input Tokens","USD"],
			[2.0,"gpt-4o Output Tokens","EUR"],
			"garbage"
		]}}`)

	res, err := New(nil).Normalize(provider.AzureOpenAI, rawResponse(provider.AzureOpenAI, nil, cost))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 1.5, index(res.Records)["gpt-4o|cost|"].Value)
}

func TestNormalize_AzureEmptyResult(t *testing.T) {
	res, err := New(nil).Normalize(provider.AzureOpenAI,
		rawResponse(provider.AzureOpenAI, nil, []byte(`{"properties":{"columns":[],"rows":[]}}`)))
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestNormalize_PriceTable(t *testing.T) {
	prices := []config.Price{{Model: "Anthropic.Claude-3-Haiku-20240307-v1:0", PromptPer1K: 0.25, CompletionPer1K: 1.25}}
	raw := rawResponse(provider.Bedrock, loadFixture(t, "bedrock_metrics.json"), nil)

	res, err := New(prices).Normalize(provider.Bedrock, raw)
	require.NoError(t, err)

	got := index(res.Records)
	// 1500/1000*0.25 + 500/1000*1.25
	assert.InDelta(t, 1.0, got["anthropic.claude-3-haiku-20240307-v1:0|cost|"].Value, 1e-9)

	_, priced := got["meta.llama3-70b-instruct-v1:0|cost|"]
	assert.False(t, priced, "models without a price get no cost")
}

func TestNormalize_PriceTableIgnoredWhenCostReported(t *testing.T) {
	prices := []config.Price{{Model: "gpt-4o", PromptPer1K: 100, CompletionPer1K: 100}}
	raw := rawResponse(provider.OpenAI, loadFixture(t, "openai_usage.json"), loadFixture(t, "openai_costs.json"))

	res, err := New(prices).Normalize(provider.OpenAI, raw)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, index(res.Records)["gpt-4o|cost|"].Value, 1e-9)
}

func TestNormalize_Deterministic(t *testing.T) {
	n := New(nil)
	raw := rawResponse(provider.OpenAI, loadFixture(t, "openai_usage.json"), loadFixture(t, "openai_costs.json"))

	first, err := n.Normalize(provider.OpenAI, raw)
	require.NoError(t, err)
	second, err := n.Normalize(provider.OpenAI, raw)
	require.NoError(t, err)

	a, _ := json.Marshal(first.Records)
	b, _ := json.Marshal(second.Records)
	assert.JSONEq(t, string(a), string(b))
}

func TestModelNameDerivation(t *testing.T) {
	tests := []struct {
		name string
		fn   func(string) string
		in   string
		want string
	}{
		{"openai line item", openAILineItemModel, "gpt-4o-2024-08-06, input", "gpt-4o-2024-08-06"},
		{"openai bare line item", openAILineItemModel, "web search tool calls", "web search tool calls"},
		{"bedrock usage type", bedrockUsageTypeModel, "USE1-Claude3Haiku-input-tokens", "Claude3Haiku"},
		{"bedrock cache read", bedrockUsageTypeModel, "EUC1-Claude3.5Sonnet-cache-read-input-token-count", "Claude3.5Sonnet"},
		{"bedrock no region", bedrockUsageTypeModel, "TitanEmbeddings-tokens", "TitanEmbeddings"},
		{"azure meter", azureMeterModel, "gpt-4o-0513 Input global Tokens", "gpt-4o-0513"},
		{"azure hyphen meter", azureMeterModel, "GPT-4-Turbo-128K-Output-Tokens", "gpt-4-turbo-128k"},
		{"azure spaced meter", azureMeterModel, "gpt 35 turbo Prompt Tokens", "gpt-35-turbo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fn(tt.in))
		})
	}
}
