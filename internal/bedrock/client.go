package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"

	"github.com/zgpcy/llm-cost-exporter/internal/clock"
	"github.com/zgpcy/llm-cost-exporter/internal/config"
	"github.com/zgpcy/llm-cost-exporter/internal/logger"
	"github.com/zgpcy/llm-cost-exporter/internal/provider"
)

const (
	// MaxQueriesPerRequest is the GetMetricData limit on metric queries per call
	MaxQueriesPerRequest = 500

	// Period is the CloudWatch aggregation period in seconds
	Period = 86400

	// CostExplorerRegion is the only region serving the Cost Explorer API
	CostExplorerRegion = "us-east-1"

	// costDateLayout is the Cost Explorer date format
	costDateLayout = "2006-01-02"
)

var bedrockMetrics = []string{MetricInvocations, MetricInputTokens, MetricOutputTokens}

// CloudWatchAPI is the subset of the CloudWatch client the exporter calls
type CloudWatchAPI interface {
	GetMetricData(ctx context.Context, params *cloudwatch.GetMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error)
	ListMetrics(ctx context.Context, params *cloudwatch.ListMetricsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.ListMetricsOutput, error)
}

// CostExplorerAPI is the subset of the Cost Explorer client the exporter calls
type CostExplorerAPI interface {
	GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
}

// APIFactory builds AWS API clients signed with the resolved credentials
type APIFactory func(ctx context.Context, creds provider.AWSCredentials, region string) (CloudWatchAPI, CostExplorerAPI, error)

// Client implements provider.UsageClient for Amazon Bedrock
type Client struct {
	account      string
	region       string
	models       []string
	costExplorer bool
	costServices []string
	timeout      time.Duration
	logger       *logger.Logger
	clock        clock.Clock // Time provider for testing
	newAPIs      APIFactory
}

// Verify that Client implements provider.UsageClient
var _ provider.UsageClient = (*Client)(nil)

// NewClient creates a Bedrock client for one provider account
func NewClient(p config.Provider, timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		account:      p.Account,
		region:       p.Region,
		models:       p.Models,
		costExplorer: p.CostExplorer,
		costServices: p.CostServices,
		timeout:      timeout,
		logger:       log,
		clock:        clock.RealClock{},
		newAPIs:      defaultAPIs,
	}
}

// ID returns provider.Bedrock
func (c *Client) ID() provider.ID {
	return provider.Bedrock
}

// Account returns the account label
func (c *Client) Account() string {
	return c.account
}

// FetchUsage reads CloudWatch metrics, and Cost Explorer when enabled, for the window
func (c *Client) FetchUsage(ctx context.Context, creds provider.Credentials, window provider.TimeWindow) (*provider.RawResponse, error) {
	if creds.AWS == nil {
		return nil, provider.NewAuthError(provider.Bedrock, 0, errors.New("no AWS credentials resolved"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cw, ce, err := c.newAPIs(ctx, *creds.AWS, c.region)
	if err != nil {
		return nil, provider.NewNetworkError(provider.Bedrock, fmt.Errorf("create AWS clients: %w", err))
	}

	models := c.models
	if len(models) == 0 {
		models, err = discoverModels(ctx, cw)
		if err != nil {
			return nil, classifyAWSError(ctx, err)
		}
		c.logger.Debug("Discovered Bedrock models", "account", c.account, "count", len(models))
	}

	metrics, err := c.queryMetrics(ctx, cw, models, window)
	if err != nil {
		return nil, classifyAWSError(ctx, err)
	}
	usage, err := json.Marshal(metrics)
	if err != nil {
		return nil, provider.NewParseError(provider.Bedrock, err)
	}

	raw := &provider.RawResponse{
		Provider:  provider.Bedrock,
		Account:   c.account,
		Usage:     usage,
		FetchedAt: c.clock.Now(),
	}

	if !c.costExplorer {
		return raw, nil
	}

	costs, err := c.queryCosts(ctx, ce, window)
	if err != nil {
		return nil, classifyAWSError(ctx, err)
	}
	raw.Cost, err = json.Marshal(costs)
	if err != nil {
		return nil, provider.NewParseError(provider.Bedrock, err)
	}
	return raw, nil
}

// discoverModels lists the model ids that reported invocations
func discoverModels(ctx context.Context, cw CloudWatchAPI) ([]string, error) {
	seen := make(map[string]struct{})
	paginator := cloudwatch.NewListMetricsPaginator(cw, &cloudwatch.ListMetricsInput{
		Namespace:  aws.String(Namespace),
		MetricName: aws.String(MetricInvocations),
		Dimensions: []cwtypes.DimensionFilter{{Name: aws.String(DimensionModelID)}},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list metrics: %w", err)
		}
		for _, m := range page.Metrics {
			for _, d := range m.Dimensions {
				if aws.ToString(d.Name) == DimensionModelID && aws.ToString(d.Value) != "" {
					seen[aws.ToString(d.Value)] = struct{}{}
				}
			}
		}
	}

	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}
	sort.Strings(models)
	return models, nil
}

type seriesRef struct {
	model  string
	metric string
}

// queryMetrics fetches the Sum of every Bedrock metric for every model, batching queries
func (c *Client) queryMetrics(ctx context.Context, cw CloudWatchAPI, models []string, window provider.TimeWindow) (*MetricsDocument, error) {
	doc := &MetricsDocument{Series: []MetricSeries{}}

	refs := make(map[string]seriesRef)
	var queries []cwtypes.MetricDataQuery
	for i, model := range models {
		for j, metric := range bedrockMetrics {
			id := fmt.Sprintf("m%d_%d", i, j)
			refs[id] = seriesRef{model: model, metric: metric}
			queries = append(queries, cwtypes.MetricDataQuery{
				Id: aws.String(id),
				MetricStat: &cwtypes.MetricStat{
					Metric: &cwtypes.Metric{
						Namespace:  aws.String(Namespace),
						MetricName: aws.String(metric),
						Dimensions: []cwtypes.Dimension{{
							Name:  aws.String(DimensionModelID),
							Value: aws.String(model),
						}},
					},
					Period: aws.Int32(Period),
					Stat:   aws.String("Sum"),
				},
				ReturnData: aws.Bool(true),
			})
		}
	}

	values := make(map[string][]float64)
	for start := 0; start < len(queries); start += MaxQueriesPerRequest {
		end := min(start+MaxQueriesPerRequest, len(queries))
		paginator := cloudwatch.NewGetMetricDataPaginator(cw, &cloudwatch.GetMetricDataInput{
			MetricDataQueries: queries[start:end],
			StartTime:         aws.Time(window.Start),
			EndTime:           aws.Time(window.End),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("get metric data: %w", err)
			}
			for _, r := range page.MetricDataResults {
				id := aws.ToString(r.Id)
				values[id] = append(values[id], r.Values...)
			}
		}
	}

	ids := make([]string, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ref, ok := refs[id]
		if !ok {
			continue
		}
		doc.Series = append(doc.Series, MetricSeries{ModelID: ref.model, Metric: ref.metric, Values: values[id]})
	}
	return doc, nil
}

// queryCosts reads daily UnblendedCost grouped by usage type for the configured services
func (c *Client) queryCosts(ctx context.Context, ce CostExplorerAPI, window provider.TimeWindow) (*CostDocument, error) {
	doc := &CostDocument{Groups: []CostGroup{}}

	start := window.Start.UTC().Truncate(24 * time.Hour)
	end := window.End.UTC().Truncate(24 * time.Hour).AddDate(0, 0, 1)

	input := &costexplorer.GetCostAndUsageInput{
		TimePeriod: &cetypes.DateInterval{
			Start: aws.String(start.Format(costDateLayout)),
			End:   aws.String(end.Format(costDateLayout)),
		},
		Granularity: cetypes.GranularityDaily,
		Metrics:     []string{"UnblendedCost"},
		Filter: &cetypes.Expression{
			Dimensions: &cetypes.DimensionValues{
				Key:    cetypes.DimensionService,
				Values: c.costServices,
			},
		},
		GroupBy: []cetypes.GroupDefinition{{
			Type: cetypes.GroupDefinitionTypeDimension,
			Key:  aws.String("USAGE_TYPE"),
		}},
	}

	for {
		out, err := ce.GetCostAndUsage(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("get cost and usage: %w", err)
		}
		for _, day := range out.ResultsByTime {
			for _, g := range day.Groups {
				if len(g.Keys) == 0 {
					continue
				}
				mv := g.Metrics["UnblendedCost"]
				doc.Groups = append(doc.Groups, CostGroup{
					UsageType: g.Keys[0],
					Amount:    aws.ToString(mv.Amount),
					Unit:      aws.ToString(mv.Unit),
				})
			}
		}
		if aws.ToString(out.NextPageToken) == "" {
			return doc, nil
		}
		input.NextPageToken = out.NextPageToken
	}
}

// defaultAPIs builds SDK clients with SDK retries disabled; the guard owns retries
func defaultAPIs(ctx context.Context, creds provider.AWSCredentials, region string) (CloudWatchAPI, CostExplorerAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)),
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("load AWS config: %w", err)
	}

	cw := cloudwatch.NewFromConfig(cfg)
	ce := costexplorer.NewFromConfig(cfg, func(o *costexplorer.Options) {
		o.Region = CostExplorerRegion
	})
	return cw, ce, nil
}
