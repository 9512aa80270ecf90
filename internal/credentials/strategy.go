package credentials

import (
	"time"

	"github.com/zgpcy/llm-cost-exporter/internal/config"
)

// Strategy is the closed set of ways a provider account can authenticate.
// Only the types in this package implement it.
type Strategy interface {
	// Name identifies the strategy in logs and in resolved credentials
	Name() string
	isStrategy()
}

// StaticKey is a long-lived API key sent as-is to the provider
type StaticKey struct {
	Secret string
}

// AWSStaticCreds is a long-lived AWS access key pair
type AWSStaticCreds struct {
	AccessKeyID     string
	SecretAccessKey string
}

// AWSRoleChain assumes RoleARN through STS. Source, when set, is the identity that calls
// STS; otherwise the default AWS credential chain is used.
type AWSRoleChain struct {
	RoleARN     string
	ExternalID  string
	SessionName string
	Duration    time.Duration
	Source      *AWSStaticCreds
}

// AzureDefault uses the default Azure credential chain (environment, workload identity,
// managed identity, az CLI)
type AzureDefault struct{}

// AzureClientSecret authenticates as an Entra ID application
type AzureClientSecret struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

func (StaticKey) Name() string         { return "static_key" }
func (AWSStaticCreds) Name() string    { return "aws_static" }
func (AWSRoleChain) Name() string      { return "aws_role_chain" }
func (AzureDefault) Name() string      { return "azure_default" }
func (AzureClientSecret) Name() string { return "azure_client_secret" }

func (StaticKey) isStrategy()         {}
func (AWSStaticCreds) isStrategy()    {}
func (AWSRoleChain) isStrategy()      {}
func (AzureDefault) isStrategy()      {}
func (AzureClientSecret) isStrategy() {}

// SelectStrategy picks the single active strategy for a credentials block.
// When several are populated, role-based delegation wins over static secrets:
// AWSRoleChain > AWSStaticCreds > AzureDefault > AzureClientSecret > StaticKey.
// A static AWS pair next to a role ARN becomes the role chain's source identity.
func SelectStrategy(c config.Credentials) (Strategy, error) {
	hasAWSKeys := c.AWSAccessKeyID != "" || c.AWSSecretAccessKey != ""

	switch {
	case c.RoleARN != "":
		chain := AWSRoleChain{
			RoleARN:     c.RoleARN,
			ExternalID:  c.ExternalID,
			SessionName: c.SessionName,
			Duration:    c.SessionDuration,
		}
		if hasAWSKeys {
			chain.Source = &AWSStaticCreds{
				AccessKeyID:     c.AWSAccessKeyID,
				SecretAccessKey: c.AWSSecretAccessKey,
			}
		}
		return chain, nil
	case hasAWSKeys:
		return AWSStaticCreds{
			AccessKeyID:     c.AWSAccessKeyID,
			SecretAccessKey: c.AWSSecretAccessKey,
		}, nil
	case c.AzureDefault:
		return AzureDefault{}, nil
	case c.AzureTenantID != "" || c.AzureClientID != "" || c.AzureClientSecret != "":
		return AzureClientSecret{
			TenantID:     c.AzureTenantID,
			ClientID:     c.AzureClientID,
			ClientSecret: c.AzureClientSecret,
		}, nil
	case c.APIKey != "" || c.APIKeyEnv != "":
		return StaticKey{Secret: c.Secret()}, nil
	}
	return nil, &AuthConfigError{Reason: "no credential strategy configured"}
}
