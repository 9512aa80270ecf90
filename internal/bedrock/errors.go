package bedrock

import (
	"context"
	"errors"
	"net/http"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/zgpcy/llm-cost-exporter/internal/provider"
)

var throttlingCodes = map[string]bool{
	"Throttling":                    true,
	"ThrottlingException":           true,
	"TooManyRequestsException":      true,
	"RequestLimitExceeded":          true,
	"LimitExceededException":        true,
	"ProvisionedThroughputExceeded": true,
}

var authCodes = map[string]bool{
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"InvalidSignatureException":   true,
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"SignatureDoesNotMatch":       true,
}

// classifyAWSError maps an SDK error to a FetchError
func classifyAWSError(ctx context.Context, err error) *provider.FetchError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return provider.NewNetworkError(provider.Bedrock, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case throttlingCodes[code]:
			return provider.NewRateLimitError(provider.Bedrock, 0, err)
		case authCodes[code]:
			return provider.NewAuthError(provider.Bedrock, http.StatusForbidden, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		fe := provider.ClassifyStatus(provider.Bedrock, status, nil, nil, time.Time{})
		fe.Err = err
		return fe
	}

	return provider.NewNetworkError(provider.Bedrock, err)
}
