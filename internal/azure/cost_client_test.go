package azure

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/costmanagement/armcostmanagement"

	"github.com/zgpcy/llm-cost-exporter/internal/clock"
	"github.com/zgpcy/llm-cost-exporter/internal/config"
	"github.com/zgpcy/llm-cost-exporter/internal/logger"
	"github.com/zgpcy/llm-cost-exporter/internal/provider"
)

var fetchedAt = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

// mockQuerier records the query it receives and returns a canned result
type mockQuerier struct {
	scope  string
	query  armcostmanagement.QueryDefinition
	result armcostmanagement.QueryResult
	err    error
	calls  int
}

func (m *mockQuerier) Usage(_ context.Context, scope string, parameters armcostmanagement.QueryDefinition, _ *armcostmanagement.QueryClientUsageOptions) (armcostmanagement.QueryClientUsageResponse, error) {
	m.calls++
	m.scope = scope
	m.query = parameters
	if m.err != nil {
		return armcostmanagement.QueryClientUsageResponse{}, m.err
	}
	return armcostmanagement.QueryClientUsageResponse{QueryResult: m.result}, nil
}

type fakeCredential struct{}

func (fakeCredential) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: "token", ExpiresOn: fetchedAt.Add(time.Hour)}, nil
}

func setupTestClient(t *testing.T, q *mockQuerier) *Client {
	t.Helper()

	c := NewClient(config.Provider{
		ID:             provider.AzureOpenAI,
		Account:        "test-subscription",
		SubscriptionID: "test-sub-1",
		ServiceNames:   []string{"Cognitive Services", "Azure OpenAI"},
	}, 5*time.Second, logger.Discard())
	c.clock = clock.NewManual(fetchedAt)
	c.newQuerier = func(azcore.TokenCredential) (usageQuerier, error) {
		return q, nil
	}
	return c
}

func azureCreds() provider.Credentials {
	return provider.Credentials{Strategy: "azure_default", Azure: fakeCredential{}}
}

func testWindow() provider.TimeWindow {
	return provider.TimeWindow{Start: time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC), End: fetchedAt}
}

func TestFetchUsage_Query(t *testing.T) {
	q := &mockQuerier{}
	client := setupTestClient(t, q)

	if _, err := client.FetchUsage(context.Background(), azureCreds(), testWindow()); err != nil {
		t.Fatalf("FetchUsage failed: %v", err)
	}

	if q.scope != "/subscriptions/test-sub-1" {
		t.Errorf("scope: got %q", q.scope)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"Type", *q.query.Type, armcostmanagement.ExportTypeActualCost},
		{"Timeframe", *q.query.Timeframe, armcostmanagement.TimeframeTypeCustom},
		{"From", *q.query.TimePeriod.From, testWindow().Start},
		{"To", *q.query.TimePeriod.To, fetchedAt},
		{"Granularity", *q.query.Dataset.Granularity, armcostmanagement.GranularityTypeDaily},
		{"GroupBy", *q.query.Dataset.Grouping[0].Name, MeterColumn},
		{"FilterDimension", *q.query.Dataset.Filter.Dimensions.Name, "ServiceName"},
		{"FilterOperator", *q.query.Dataset.Filter.Dimensions.Operator, armcostmanagement.QueryOperatorTypeIn},
		{"FilterValues", len(q.query.Dataset.Filter.Dimensions.Values), 2},
		{"Aggregation", *q.query.Dataset.Aggregation[CostColumn].Name, "Cost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestFetchUsage_ReturnsQueryResultAsCostDocument(t *testing.T) {
	cost, meter, date, currency := "Cost", "Meter", "UsageDate", "Currency"
	q := &mockQuerier{result: armcostmanagement.QueryResult{
		Properties: &armcostmanagement.QueryProperties{
			Columns: []*armcostmanagement.QueryColumn{
				{Name: &cost}, {Name: &date}, {Name: &meter}, {Name: &currency},
			},
			Rows: [][]any{
				{12.5, float64(20260114), "gpt-4o-0513 Input global Tokens", "USD"},
			},
		},
	}}
	client := setupTestClient(t, q)

	raw, err := client.FetchUsage(context.Background(), azureCreds(), testWindow())
	if err != nil {
		t.Fatalf("FetchUsage failed: %v", err)
	}

	if raw.Provider != provider.AzureOpenAI || raw.Account != "test-subscription" {
		t.Errorf("unexpected identity %s/%s", raw.Provider, raw.Account)
	}
	if !raw.FetchedAt.Equal(fetchedAt) {
		t.Errorf("FetchedAt: got %v, want %v", raw.FetchedAt, fetchedAt)
	}
	if len(raw.Usage) != 0 {
		t.Error("Azure returns no usage document")
	}

	var doc struct {
		Properties struct {
			Columns []struct {
				Name string `json:"name"`
			} `json:"columns"`
			Rows [][]interface{} `json:"rows"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(raw.Cost, &doc); err != nil {
		t.Fatalf("cost document is not JSON: %v", err)
	}
	if len(doc.Properties.Columns) != 4 || len(doc.Properties.Rows) != 1 {
		t.Fatalf("unexpected document shape: %+v", doc)
	}
	if doc.Properties.Rows[0][0] != 12.5 {
		t.Errorf("cost cell: got %v, want 12.5", doc.Properties.Rows[0][0])
	}
}

func TestFetchUsage_ErrorClassification(t *testing.T) {
	tooMany := responseWithStatus(http.StatusTooManyRequests)
	tooMany.Header.Set(qpuRetryAfterHeader, "12")

	tests := []struct {
		name       string
		err        error
		kind       provider.ErrorKind
		retryAfter time.Duration
	}{
		{"throttled", &azcore.ResponseError{StatusCode: http.StatusTooManyRequests, RawResponse: tooMany}, provider.KindRateLimit, 12 * time.Second},
		{"forbidden", &azcore.ResponseError{StatusCode: http.StatusForbidden, RawResponse: responseWithStatus(http.StatusForbidden)}, provider.KindAuth, 0},
		{"server error", &azcore.ResponseError{StatusCode: http.StatusBadGateway, RawResponse: responseWithStatus(http.StatusBadGateway)}, provider.KindNetwork, 0},
		{"transport", errors.New("dial tcp: connection refused"), provider.KindNetwork, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := setupTestClient(t, &mockQuerier{err: tt.err})

			_, err := client.FetchUsage(context.Background(), azureCreds(), testWindow())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := provider.KindOf(err); got != tt.kind {
				t.Errorf("kind: got %s, want %s", got, tt.kind)
			}
			if hint, _ := provider.RetryAfterHint(err); hint != tt.retryAfter {
				t.Errorf("retry after: got %v, want %v", hint, tt.retryAfter)
			}
		})
	}
}

func responseWithStatus(status int) *http.Response {
	req, _ := http.NewRequest(http.MethodPost, "https://management.azure.com/subscriptions/test-sub-1/providers/Microsoft.CostManagement/query", nil)
	return &http.Response{StatusCode: status, Header: http.Header{}, Request: req}
}

func TestFetchUsage_RequiresTokenCredential(t *testing.T) {
	q := &mockQuerier{}
	client := setupTestClient(t, q)

	_, err := client.FetchUsage(context.Background(), provider.Credentials{APIKey: "key"}, testWindow())
	if provider.KindOf(err) != provider.KindAuth {
		t.Errorf("expected auth error, got %v", err)
	}
	if q.calls != 0 {
		t.Error("no query should run without a credential")
	}
}
