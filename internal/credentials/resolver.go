package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/zgpcy/llm-cost-exporter/internal/clock"
	"github.com/zgpcy/llm-cost-exporter/internal/config"
	"github.com/zgpcy/llm-cost-exporter/internal/logger"
	"github.com/zgpcy/llm-cost-exporter/internal/provider"
)

// DefaultSTSRegion is used for STS when a provider entry names no region
const DefaultSTSRegion = "us-east-1"

// STSClientFactory builds the STS client used to assume a role. source is nil when the
// default AWS credential chain should call STS.
type STSClientFactory func(ctx context.Context, region string, source *AWSStaticCreds) (stscreds.AssumeRoleAPIClient, error)

// AzureCredentialFactory builds a token credential for an Azure strategy
type AzureCredentialFactory func(s Strategy) (azcore.TokenCredential, error)

// Resolver materializes and caches credentials per provider key
type Resolver struct {
	mu            sync.Mutex
	cache         map[string]provider.Credentials
	group         singleflight.Group
	refreshWindow time.Duration
	logger        *logger.Logger
	clock         clock.Clock // Time provider for testing

	newSTSClient       STSClientFactory
	newAzureCredential AzureCredentialFactory
}

// NewResolver creates a Resolver. Expiring credentials are refreshed once they are
// within refreshWindow of their expiry.
func NewResolver(refreshWindow time.Duration, log *logger.Logger) *Resolver {
	return &Resolver{
		cache:              make(map[string]provider.Credentials),
		refreshWindow:      refreshWindow,
		logger:             log,
		clock:              clock.RealClock{},
		newSTSClient:       defaultSTSClient,
		newAzureCredential: defaultAzureCredential,
	}
}

// Resolve returns working credentials for the provider account, from cache when they are
// still fresh. Failures are *AuthConfigError.
func (r *Resolver) Resolve(ctx context.Context, p config.Provider) (provider.Credentials, error) {
	key := p.Key()
	if creds, ok := r.cached(key); ok {
		return creds, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		if creds, ok := r.cached(key); ok {
			return creds, nil
		}
		creds, err := r.materialize(ctx, p)
		if err != nil {
			return provider.Credentials{}, err
		}

		r.mu.Lock()
		r.cache[key] = creds
		r.mu.Unlock()

		r.logger.Debug("Resolved credentials",
			"provider", key,
			"strategy", creds.Strategy,
			"expires", creds.Expires)
		return creds, nil
	})
	if err != nil {
		return provider.Credentials{}, err
	}
	return v.(provider.Credentials), nil
}

// Invalidate drops the cached credentials of a provider key, forcing the next Resolve to
// materialize them again
func (r *Resolver) Invalidate(key string) {
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
	r.group.Forget(key)
}

// cached returns the cached credentials if they are not within the refresh window of expiry
func (r *Resolver) cached(key string) (provider.Credentials, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	creds, ok := r.cache[key]
	if !ok {
		return provider.Credentials{}, false
	}
	if creds.CanExpire() && !r.clock.Now().Before(creds.Expires.Add(-r.refreshWindow)) {
		return provider.Credentials{}, false
	}
	return creds, true
}

func (r *Resolver) materialize(ctx context.Context, p config.Provider) (provider.Credentials, error) {
	strategy, err := SelectStrategy(p.Credentials)
	if err != nil {
		var ace *AuthConfigError
		if errors.As(err, &ace) {
			ace.Provider = p.Key()
		}
		return provider.Credentials{}, err
	}

	fail := func(reason string, cause error) error {
		return &AuthConfigError{Provider: p.Key(), Strategy: strategy.Name(), Reason: reason, Err: cause}
	}

	switch s := strategy.(type) {
	case StaticKey:
		if s.Secret == "" {
			return provider.Credentials{}, fail("static key is empty", nil)
		}
		return provider.Credentials{Strategy: s.Name(), APIKey: s.Secret}, nil

	case AWSStaticCreds:
		if s.AccessKeyID == "" || s.SecretAccessKey == "" {
			return provider.Credentials{}, fail("both access key id and secret access key are required", nil)
		}
		return provider.Credentials{
			Strategy: s.Name(),
			AWS: &provider.AWSCredentials{
				AccessKeyID:     s.AccessKeyID,
				SecretAccessKey: s.SecretAccessKey,
			},
		}, nil

	case AWSRoleChain:
		return r.assumeRole(ctx, p, s, fail)

	case AzureDefault, AzureClientSecret:
		if cs, ok := s.(AzureClientSecret); ok && (cs.TenantID == "" || cs.ClientID == "" || cs.ClientSecret == "") {
			return provider.Credentials{}, fail("tenant id, client id and client secret are required", nil)
		}
		cred, err := r.newAzureCredential(s)
		if err != nil {
			return provider.Credentials{}, fail("failed to create Azure credential", err)
		}
		return provider.Credentials{Strategy: s.Name(), Azure: cred}, nil
	}

	return provider.Credentials{}, fail(fmt.Sprintf("unsupported strategy %T", strategy), nil)
}

func (r *Resolver) assumeRole(ctx context.Context, p config.Provider, s AWSRoleChain, fail func(string, error) error) (provider.Credentials, error) {
	if s.Source != nil && (s.Source.AccessKeyID == "" || s.Source.SecretAccessKey == "") {
		return provider.Credentials{}, fail("source identity needs both access key id and secret access key", nil)
	}

	region := p.Region
	if region == "" {
		region = DefaultSTSRegion
	}
	client, err := r.newSTSClient(ctx, region, s.Source)
	if err != nil {
		return provider.Credentials{}, fail("failed to create STS client", err)
	}

	sessionName := s.SessionName
	if sessionName == "" {
		sessionName = "llm-cost-exporter-" + uuid.NewString()[:8]
	}

	assumer := stscreds.NewAssumeRoleProvider(client, s.RoleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = sessionName
		if s.ExternalID != "" {
			o.ExternalID = aws.String(s.ExternalID)
		}
		if s.Duration > 0 {
			o.Duration = s.Duration
		}
	})

	awsCreds, err := assumer.Retrieve(ctx)
	if err != nil {
		return provider.Credentials{}, fail("assume role "+s.RoleARN+" failed", err)
	}

	creds := provider.Credentials{
		Strategy: s.Name(),
		AWS: &provider.AWSCredentials{
			AccessKeyID:     awsCreds.AccessKeyID,
			SecretAccessKey: awsCreds.SecretAccessKey,
			SessionToken:    awsCreds.SessionToken,
		},
	}
	if awsCreds.CanExpire {
		creds.Expires = awsCreds.Expires
	}
	return creds, nil
}

func defaultSTSClient(ctx context.Context, region string, source *AWSStaticCreds) (stscreds.AssumeRoleAPIClient, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if source != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(source.AccessKeyID, source.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return sts.NewFromConfig(cfg), nil
}

func defaultAzureCredential(s Strategy) (azcore.TokenCredential, error) {
	switch s := s.(type) {
	case AzureClientSecret:
		return azidentity.NewClientSecretCredential(s.TenantID, s.ClientID, s.ClientSecret, nil)
	case AzureDefault:
		return azidentity.NewDefaultAzureCredential(nil)
	}
	return nil, fmt.Errorf("strategy %s is not an Azure strategy", s.Name())
}
