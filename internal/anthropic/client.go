// Package anthropic reads message usage and cost reports from the Anthropic Admin API.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zgpcy/llm-cost-exporter/internal/clock"
	"github.com/zgpcy/llm-cost-exporter/internal/config"
	"github.com/zgpcy/llm-cost-exporter/internal/logger"
	"github.com/zgpcy/llm-cost-exporter/internal/provider"
)

const (
	// DefaultEndpoint is the public Anthropic API base URL
	DefaultEndpoint = "https://api.anthropic.com"

	// APIVersion is sent as the anthropic-version header
	APIVersion = "2023-06-01"

	usagePath = "/v1/organizations/usage_report/messages"
	costPath  = "/v1/organizations/cost_report"

	pageLimit = 31
)

// Client implements provider.UsageClient for Anthropic
type Client struct {
	account    string
	endpoint   string
	timeout    time.Duration
	httpClient *http.Client
	logger     *logger.Logger
	clock      clock.Clock // Time provider for testing
}

// Verify that Client implements provider.UsageClient
var _ provider.UsageClient = (*Client)(nil)

// NewClient creates an Anthropic client for one provider account
func NewClient(p config.Provider, timeout time.Duration, log *logger.Logger) *Client {
	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		account:    p.Account,
		endpoint:   strings.TrimRight(endpoint, "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
		logger:     log,
		clock:      clock.RealClock{},
	}
}

// ID returns provider.Anthropic
func (c *Client) ID() provider.ID {
	return provider.Anthropic
}

// Account returns the account label
func (c *Client) Account() string {
	return c.account
}

// FetchUsage reads the messages usage report grouped by model and the cost report
// grouped by description
func (c *Client) FetchUsage(ctx context.Context, creds provider.Credentials, window provider.TimeWindow) (*provider.RawResponse, error) {
	if creds.APIKey == "" {
		return nil, provider.NewAuthError(provider.Anthropic, 0, errors.New("no admin key resolved"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	header := http.Header{}
	header.Set("x-api-key", creds.APIKey)
	header.Set("anthropic-version", APIVersion)

	usageQuery := url.Values{}
	usageQuery.Set("starting_at", window.Start.UTC().Format(time.RFC3339))
	usageQuery.Set("ending_at", window.End.UTC().Format(time.RFC3339))
	usageQuery.Set("bucket_width", "1d")
	usageQuery.Set("limit", strconv.Itoa(pageLimit))
	usageQuery.Add("group_by[]", "model")

	usage, err := provider.FetchPages(ctx, c.httpClient, provider.Anthropic, c.endpoint+usagePath, usageQuery, header)
	if err != nil {
		return nil, err
	}

	// The cost report only supports daily buckets
	costQuery := url.Values{}
	costQuery.Set("starting_at", window.Start.UTC().Format(time.RFC3339))
	costQuery.Set("ending_at", window.End.UTC().Format(time.RFC3339))
	costQuery.Set("limit", strconv.Itoa(pageLimit))
	costQuery.Add("group_by[]", "description")

	cost, err := provider.FetchPages(ctx, c.httpClient, provider.Anthropic, c.endpoint+costPath, costQuery, header)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Fetched Anthropic usage",
		"account", c.account,
		"usage_bytes", len(usage),
		"cost_bytes", len(cost))

	return &provider.RawResponse{
		Provider:  provider.Anthropic,
		Account:   c.account,
		Usage:     usage,
		Cost:      cost,
		FetchedAt: c.clock.Now(),
	}, nil
}
