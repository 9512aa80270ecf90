package provider

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// ID identifies an LLM provider
type ID string

// Supported LLM providers
const (
	OpenAI      ID = "openai"
	Anthropic   ID = "anthropic"
	Bedrock     ID = "bedrock"
	AzureOpenAI ID = "azure_openai"
)

// Known reports whether id is a supported provider
func (id ID) Known() bool {
	switch id {
	case OpenAI, Anthropic, Bedrock, AzureOpenAI:
		return true
	}
	return false
}

// UsageClient is the interface that every provider variant implements.
// A client is bound to one provider account when it is built and never changes.
type UsageClient interface {
	// FetchUsage retrieves the raw usage and cost documents for the window.
	// Failures are *FetchError values.
	FetchUsage(ctx context.Context, creds Credentials, window TimeWindow) (*RawResponse, error)

	// ID returns the provider this client talks to
	ID() ID

	// Account returns the account label of the client
	Account() string
}

// TimeWindow is the half-open interval [Start, End) a fetch covers
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Duration returns the length of the window
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// AWSCredentials holds an access key pair and an optional session token
type AWSCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Credentials are materialized, ready-to-use credentials for one provider account.
// Exactly one of APIKey, AWS or Azure is set.
type Credentials struct {
	Strategy string // name of the strategy that produced them
	APIKey   string
	AWS      *AWSCredentials
	Azure    azcore.TokenCredential
	Expires  time.Time // zero when the credentials do not expire
}

// CanExpire reports whether the credentials carry an expiry
func (c Credentials) CanExpire() bool {
	return !c.Expires.IsZero()
}

// RawResponse is what a provider returned for one fetch, before normalization.
// Usage and Cost are JSON documents in the provider's own schema; Cost may be nil.
type RawResponse struct {
	Provider  ID
	Account   string
	Usage     []byte
	Cost      []byte
	FetchedAt time.Time
}
