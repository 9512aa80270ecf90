// Package bedrock reads Amazon Bedrock usage from CloudWatch and, optionally, its cost
// from Cost Explorer.
//
// Token and invocation counts come from the AWS/Bedrock CloudWatch namespace
// (Invocations, InputTokenCount, OutputTokenCount, Sum per ModelId). When no model
// ids are configured they are discovered with ListMetrics. Cost Explorer is queried
// grouped by USAGE_TYPE and filtered to the configured services.
//
// The client serializes what it read as MetricsDocument and CostDocument so the
// normalizer can decode them like any other provider response.
package bedrock

// MetricsDocument is the usage document of a bedrock RawResponse
type MetricsDocument struct {
	Series []MetricSeries `json:"series"`
}

// MetricSeries holds the datapoints of one CloudWatch metric of one model
type MetricSeries struct {
	ModelID string    `json:"model_id"`
	Metric  string    `json:"metric"`
	Values  []float64 `json:"values"`
}

// CostDocument is the cost document of a bedrock RawResponse
type CostDocument struct {
	Groups []CostGroup `json:"groups"`
}

// CostGroup is one Cost Explorer group of one day
type CostGroup struct {
	UsageType string `json:"usage_type"`
	Amount    string `json:"amount"`
	Unit      string `json:"unit"`
}

// CloudWatch metric names in the AWS/Bedrock namespace
const (
	Namespace          = "AWS/Bedrock"
	MetricInvocations  = "Invocations"
	MetricInputTokens  = "InputTokenCount"
	MetricOutputTokens = "OutputTokenCount"
	DimensionModelID   = "ModelId"
)
