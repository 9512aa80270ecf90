// Package openai reads organization usage and costs from the OpenAI admin API.
package openai

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
	// DefaultEndpoint is the public OpenAI API base URL
	DefaultEndpoint = "https://api.openai.com/v1"

	usagePath = "/organization/usage/completions"
	costsPath = "/organization/costs"

	// daily buckets allow at most 31 per page
	pageLimit = 31
)

// Client implements provider.UsageClient for OpenAI
type Client struct {
	account      string
	endpoint     string
	organization string
	timeout      time.Duration
	httpClient   *http.Client
	logger       *logger.Logger
	clock        clock.Clock // Time provider for testing
}

// Verify that Client implements provider.UsageClient
var _ provider.UsageClient = (*Client)(nil)

// NewClient creates an OpenAI client for one provider account
func NewClient(p config.Provider, timeout time.Duration, log *logger.Logger) *Client {
	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		account:      p.Account,
		endpoint:     strings.TrimRight(endpoint, "/"),
		organization: p.Organization,
		timeout:      timeout,
		httpClient:   &http.Client{},
		logger:       log,
		clock:        clock.RealClock{},
	}
}

// ID returns provider.OpenAI
func (c *Client) ID() provider.ID {
	return provider.OpenAI
}

// Account returns the account label
func (c *Client) Account() string {
	return c.account
}

// FetchUsage reads completions usage grouped by model and costs grouped by line item
func (c *Client) FetchUsage(ctx context.Context, creds provider.Credentials, window provider.TimeWindow) (*provider.RawResponse, error) {
	if creds.APIKey == "" {
		return nil, provider.NewAuthError(provider.OpenAI, 0, errors.New("no admin key resolved"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.APIKey)
	if c.organization != "" {
		header.Set("OpenAI-Organization", c.organization)
	}

	query := url.Values{}
	query.Set("start_time", strconv.FormatInt(window.Start.Unix(), 10))
	query.Set("end_time", strconv.FormatInt(window.End.Unix(), 10))
	query.Set("bucket_width", "1d")
	query.Set("limit", strconv.Itoa(pageLimit))

	usageQuery := cloneValues(query)
	usageQuery.Set("group_by", "model")
	usage, err := provider.FetchPages(ctx, c.httpClient, provider.OpenAI, c.endpoint+usagePath, usageQuery, header)
	if err != nil {
		return nil, err
	}

	costQuery := cloneValues(query)
	costQuery.Set("group_by", "line_item")
	cost, err := provider.FetchPages(ctx, c.httpClient, provider.OpenAI, c.endpoint+costsPath, costQuery, header)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Fetched OpenAI usage",
		"account", c.account,
		"usage_bytes", len(usage),
		"cost_bytes", len(cost))

	return &provider.RawResponse{
		Provider:  provider.OpenAI,
		Account:   c.account,
		Usage:     usage,
		Cost:      cost,
		FetchedAt: c.clock.Now(),
	}, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
