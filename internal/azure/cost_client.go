package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/costmanagement/armcostmanagement"

	"github.com/zgpcy/llm-cost-exporter/internal/clock"
	"github.com/zgpcy/llm-cost-exporter/internal/config"
	"github.com/zgpcy/llm-cost-exporter/internal/logger"
	"github.com/zgpcy/llm-cost-exporter/internal/provider"
)

// Query column names
const (
	CostColumn  = "Cost"
	MeterColumn = "Meter"
)

// qpuRetryAfterHeader is the Cost Management throttling hint in seconds
const qpuRetryAfterHeader = "x-ms-ratelimit-microsoft.costmanagement-qpu-retry-after"

// usageQuerier is the subset of armcostmanagement.QueryClient the client calls
type usageQuerier interface {
	Usage(ctx context.Context, scope string, parameters armcostmanagement.QueryDefinition, options *armcostmanagement.QueryClientUsageOptions) (armcostmanagement.QueryClientUsageResponse, error)
}

type querierFactory func(cred azcore.TokenCredential) (usageQuerier, error)

// Client queries Azure Cost Management for Azure OpenAI spend and implements
// provider.UsageClient
type Client struct {
	account        string
	subscriptionID string
	serviceNames   []string
	timeout        time.Duration
	logger         *logger.Logger
	clock          clock.Clock // Time provider for testing
	newQuerier     querierFactory
}

// Verify that Client implements provider.UsageClient
var _ provider.UsageClient = (*Client)(nil)

// NewClient creates a new Azure Cost Management client for one subscription
func NewClient(p config.Provider, timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		account:        p.Account,
		subscriptionID: p.SubscriptionID,
		serviceNames:   p.ServiceNames,
		timeout:        timeout,
		logger:         log,
		clock:          clock.RealClock{}, // Use real system time by default
		newQuerier:     defaultQuerier,
	}
}

// ID returns provider.AzureOpenAI
func (c *Client) ID() provider.ID {
	return provider.AzureOpenAI
}

// Account returns the account label
func (c *Client) Account() string {
	return c.account
}

// FetchUsage runs one cost query over the window. The query result is returned as the
// cost document; Azure reports no token counts.
func (c *Client) FetchUsage(ctx context.Context, creds provider.Credentials, window provider.TimeWindow) (*provider.RawResponse, error) {
	if creds.Azure == nil {
		return nil, provider.NewAuthError(provider.AzureOpenAI, 0, errors.New("no Azure token credential resolved"))
	}

	querier, err := c.newQuerier(creds.Azure)
	if err != nil {
		return nil, provider.NewNetworkError(provider.AzureOpenAI, fmt.Errorf("failed to create cost management client: %w", err))
	}

	// Create context with timeout for API call (from config)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startDate := window.Start.UTC()
	endDate := window.End.UTC()

	c.logger.Debug("Querying Azure Cost Management API",
		"subscription", c.subscriptionID,
		"start_date", startDate.Format(time.RFC3339),
		"end_date", endDate.Format(time.RFC3339))

	scope := fmt.Sprintf("/subscriptions/%s", c.subscriptionID)
	resp, err := querier.Usage(ctx, scope, c.queryDefinition(startDate, endDate), nil)
	if err != nil {
		return nil, classifyAzureError(ctx, err, c.clock.Now())
	}

	doc, err := json.Marshal(resp.QueryResult)
	if err != nil {
		return nil, provider.NewParseError(provider.AzureOpenAI, fmt.Errorf("encode query result: %w", err))
	}

	return &provider.RawResponse{
		Provider:  provider.AzureOpenAI,
		Account:   c.account,
		Cost:      doc,
		FetchedAt: c.clock.Now(),
	}, nil
}

// queryDefinition builds a daily ActualCost query grouped by meter for the configured services
func (c *Client) queryDefinition(startDate, endDate time.Time) armcostmanagement.QueryDefinition {
	queryType := armcostmanagement.ExportTypeActualCost
	timeframe := armcostmanagement.TimeframeTypeCustom
	granularity := armcostmanagement.GranularityTypeDaily
	dimension := armcostmanagement.QueryColumnTypeDimension

	services := make([]*string, 0, len(c.serviceNames))
	for _, name := range c.serviceNames {
		services = append(services, stringPtr(name))
	}

	return armcostmanagement.QueryDefinition{
		Type:      &queryType,
		Timeframe: &timeframe,
		TimePeriod: &armcostmanagement.QueryTimePeriod{
			From: &startDate,
			To:   &endDate,
		},
		Dataset: &armcostmanagement.QueryDataset{
			Granularity: &granularity,
			Aggregation: map[string]*armcostmanagement.QueryAggregation{
				CostColumn: {
					Name:     stringPtr("Cost"),
					Function: functionPtr(armcostmanagement.FunctionTypeSum),
				},
			},
			Grouping: []*armcostmanagement.QueryGrouping{{
				Type: &dimension,
				Name: stringPtr(MeterColumn),
			}},
			Filter: &armcostmanagement.QueryFilter{
				Dimensions: &armcostmanagement.QueryComparisonExpression{
					Name:     stringPtr("ServiceName"),
					Operator: operatorPtr(armcostmanagement.QueryOperatorTypeIn),
					Values:   services,
				},
			},
		},
	}
}

// classifyAzureError maps SDK and identity errors to a FetchError
func classifyAzureError(ctx context.Context, err error, now time.Time) *provider.FetchError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return provider.NewNetworkError(provider.AzureOpenAI, err)
	}

	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		return provider.NewAuthError(provider.AzureOpenAI, http.StatusUnauthorized, err)
	}
	var unavailable *azidentity.CredentialUnavailableError
	if errors.As(err, &unavailable) {
		return provider.NewAuthError(provider.AzureOpenAI, 0, err)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		var header http.Header
		if respErr.RawResponse != nil {
			header = respErr.RawResponse.Header
		}
		fe := provider.ClassifyStatus(provider.AzureOpenAI, respErr.StatusCode, header, nil, now)
		if fe.Kind == provider.KindRateLimit && fe.RetryAfter == 0 {
			if secs, convErr := strconv.Atoi(header.Get(qpuRetryAfterHeader)); convErr == nil && secs > 0 {
				fe.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		fe.Err = err
		return fe
	}

	return provider.NewNetworkError(provider.AzureOpenAI, err)
}

// defaultQuerier builds a QueryClient with SDK retries disabled; the guard owns retries
func defaultQuerier(cred azcore.TokenCredential) (usageQuerier, error) {
	return armcostmanagement.NewQueryClient(cred, &arm.ClientOptions{
		ClientOptions: policy.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	})
}

// Helper functions
func stringPtr(s string) *string {
	return &s
}

func functionPtr(f armcostmanagement.FunctionType) *armcostmanagement.FunctionType {
	return &f
}

func operatorPtr(o armcostmanagement.QueryOperatorType) *armcostmanagement.QueryOperatorType {
	return &o
}
