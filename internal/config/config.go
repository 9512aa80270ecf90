package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zgpcy/llm-cost-exporter/internal/provider"
	"gopkg.in/yaml.v3"
)

// Configuration validation constants
const (
	MinPort       = 1     // Minimum valid port number
	MaxPort       = 65535 // Maximum valid port number
	MaxAPITimeout = 300   // Maximum API timeout in seconds

	// Default values
	DefaultAccount                 = "default"
	DefaultPollInterval            = 5 * time.Minute
	DefaultHTTPPort                = 9464
	DefaultLogLevel                = "info"
	DefaultLogFormat               = "json"
	DefaultAPITimeout              = 30 // API timeout in seconds
	DefaultCredentialRefreshWindow = 5 * time.Minute

	DefaultRetryMaxAttempts     = 3
	DefaultRetryInitialInterval = 1 * time.Second
	DefaultRetryMaxInterval     = 30 * time.Second
	DefaultRetryMultiplier      = 2.0
	DefaultRetryJitter          = 0.5

	DefaultBreakerFailureThreshold = 5
	DefaultBreakerSuccessThreshold = 1
	DefaultBreakerCooldown         = 5 * time.Minute

	// UsageStartLayout is the date format of usage_start
	UsageStartLayout = "2006-01-02"
)

// Credentials holds every credential field a provider entry may carry.
// Which strategy is used is decided by the credential resolver.
type Credentials struct {
	// Static API key, inline or read from the named environment variable
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`

	// AWS static access keys
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`

	// AWS role chain
	RoleARN         string        `yaml:"role_arn"`
	ExternalID      string        `yaml:"external_id"`
	SessionName     string        `yaml:"session_name"`
	SessionDuration time.Duration `yaml:"session_duration"`

	// Azure
	AzureDefault      bool   `yaml:"azure_default"`
	AzureTenantID     string `yaml:"azure_tenant_id"`
	AzureClientID     string `yaml:"azure_client_id"`
	AzureClientSecret string `yaml:"azure_client_secret"`
}

// IsEmpty reports whether no credential field is populated
func (c Credentials) IsEmpty() bool {
	return c.APIKey == "" && c.APIKeyEnv == "" &&
		c.AWSAccessKeyID == "" && c.AWSSecretAccessKey == "" &&
		c.RoleARN == "" &&
		!c.AzureDefault &&
		c.AzureTenantID == "" && c.AzureClientID == "" && c.AzureClientSecret == ""
}

// Secret returns the static API key, reading the environment when api_key_env is set
func (c Credentials) Secret() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if c.APIKeyEnv != "" {
		return os.Getenv(c.APIKeyEnv)
	}
	return ""
}

// Provider is one provider account to poll
type Provider struct {
	ID           provider.ID   `yaml:"id"`
	Account      string        `yaml:"account"`
	Enabled      *bool         `yaml:"enabled"` // Pointer to distinguish between false and unset
	PollInterval time.Duration `yaml:"poll_interval"`
	Endpoint     string        `yaml:"endpoint"`
	Organization string        `yaml:"organization"` // OpenAI organization header
	BudgetUSD    *float64      `yaml:"budget_usd"`
	Credentials  Credentials   `yaml:"credentials"`

	// Bedrock
	Region       string   `yaml:"region"`
	Models       []string `yaml:"models"`
	CostExplorer bool     `yaml:"cost_explorer"`
	CostServices []string `yaml:"cost_services"`

	// Azure OpenAI
	SubscriptionID string   `yaml:"subscription_id"`
	ServiceNames   []string `yaml:"service_names"`
}

// Key identifies the provider account, e.g. "openai/default"
func (p Provider) Key() string {
	return string(p.ID) + "/" + p.Account
}

// IsEnabled reports whether the provider should be polled. Providers are enabled unless
// explicitly disabled.
func (p Provider) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// RetryConfig configures per-fetch retries
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
}

// BreakerConfig configures the per-provider circuit breaker
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// Price is an externally supplied per-model price, used when a provider reports no cost
type Price struct {
	Model           string  `yaml:"model"`
	PromptPer1K     float64 `yaml:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k"`
}

// Config represents the application configuration
type Config struct {
	Providers               []Provider    `yaml:"providers"`
	HTTPPort                int           `yaml:"http_port"`
	LogLevel                string        `yaml:"log_level"`
	LogFormat               string        `yaml:"log_format"`
	APITimeout              int           `yaml:"api_timeout"` // provider API timeout in seconds
	UsageStart              string        `yaml:"usage_start"` // YYYY-MM-DD
	CredentialRefreshWindow time.Duration `yaml:"credential_refresh_window"`
	Retry                   RetryConfig   `yaml:"retry"`
	CircuitBreaker          BreakerConfig `yaml:"circuit_breaker"`
	Pricing                 []Price       `yaml:"pricing"`
}

// EnabledProviders returns the providers that should be polled
func (c *Config) EnabledProviders() []Provider {
	var out []Provider
	for _, p := range c.Providers {
		if p.IsEnabled() {
			out = append(out, p)
		}
	}
	return out
}

// APITimeoutDuration returns the per-call provider timeout
func (c *Config) APITimeoutDuration() time.Duration {
	return time.Duration(c.APITimeout) * time.Second
}

// UsageStartTime returns the fixed start of the usage window. Without usage_start it is
// the UTC start of the day processStart falls on.
func (c *Config) UsageStartTime(processStart time.Time) (time.Time, error) {
	if c.UsageStart == "" {
		y, m, d := processStart.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.ParseInLocation(UsageStartLayout, c.UsageStart, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("usage_start must be YYYY-MM-DD, got %q", c.UsageStart)
	}
	return t, nil
}

// Load loads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	// #nosec G304 -- Config file path is provided by administrator via CLI flag, not user input
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, applies defaults and environment overrides, and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment variable error: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for configuration
func applyDefaults(cfg *Config) {
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = DefaultHTTPPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultLogFormat
	}
	if cfg.APITimeout == 0 {
		cfg.APITimeout = DefaultAPITimeout
	}
	if cfg.CredentialRefreshWindow == 0 {
		cfg.CredentialRefreshWindow = DefaultCredentialRefreshWindow
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = DefaultRetryMaxAttempts
	}
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry.InitialInterval = DefaultRetryInitialInterval
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = DefaultRetryMaxInterval
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = DefaultRetryMultiplier
	}
	if cfg.Retry.Jitter == 0 {
		cfg.Retry.Jitter = DefaultRetryJitter
	}

	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = DefaultBreakerFailureThreshold
	}
	if cfg.CircuitBreaker.SuccessThreshold == 0 {
		cfg.CircuitBreaker.SuccessThreshold = DefaultBreakerSuccessThreshold
	}
	if cfg.CircuitBreaker.Cooldown == 0 {
		cfg.CircuitBreaker.Cooldown = DefaultBreakerCooldown
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		p.ID = provider.ID(strings.ToLower(string(p.ID)))
		if p.Account == "" {
			p.Account = DefaultAccount
		}
		if p.PollInterval == 0 {
			p.PollInterval = DefaultPollInterval
		}
		if p.ID == provider.Bedrock && len(p.CostServices) == 0 {
			p.CostServices = []string{"Amazon Bedrock"}
		}
		if p.ID == provider.AzureOpenAI && len(p.ServiceNames) == 0 {
			p.ServiceNames = []string{"Cognitive Services"}
		}
	}
}

// applyEnvOverrides applies environment variable overrides to configuration
func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("LLM_COST_HTTP_PORT"); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid LLM_COST_HTTP_PORT: must be an integer, got %q", val)
		}
		cfg.HTTPPort = i
	}

	if val := os.Getenv("LLM_COST_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}

	if val := os.Getenv("LLM_COST_LOG_FORMAT"); val != "" {
		cfg.LogFormat = val
	}

	if val := os.Getenv("LLM_COST_API_TIMEOUT"); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid LLM_COST_API_TIMEOUT: must be an integer, got %q", val)
		}
		cfg.APITimeout = i
	}

	if val := os.Getenv("LLM_COST_USAGE_START"); val != "" {
		cfg.UsageStart = val
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		prefix := "LLM_COST_" + strings.ToUpper(string(p.ID)) + "_"

		// Applies to every account of the provider
		if val := os.Getenv(prefix + "ENABLED"); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("invalid %sENABLED: must be a boolean, got %q", prefix, val)
			}
			p.Enabled = &b
		}
		if val := os.Getenv(prefix + "POLL_INTERVAL"); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("invalid %sPOLL_INTERVAL: must be a duration, got %q", prefix, val)
			}
			p.PollInterval = d
		}

		if p.Credentials.IsEmpty() {
			p.Credentials = credentialsFromEnv(p.ID)
		}
	}

	return nil
}

// credentialsFromEnv fills an empty credentials block from the well-known environment
// variables of each provider. Static keys are referenced by variable name, not copied.
func credentialsFromEnv(id provider.ID) Credentials {
	var c Credentials
	switch id {
	case provider.OpenAI:
		for _, name := range []string{"OPENAI_ADMIN_KEY", "OPENAI_API_KEY"} {
			if os.Getenv(name) != "" {
				c.APIKeyEnv = name
				break
			}
		}
	case provider.Anthropic:
		if os.Getenv("ANTHROPIC_ADMIN_KEY") != "" {
			c.APIKeyEnv = "ANTHROPIC_ADMIN_KEY"
		}
	case provider.Bedrock:
		c.AWSAccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
		c.AWSSecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		c.RoleARN = os.Getenv("AWS_ROLE_ARN")
		c.ExternalID = os.Getenv("AWS_EXTERNAL_ID")
	case provider.AzureOpenAI:
		c.AzureTenantID = os.Getenv("AZURE_TENANT_ID")
		c.AzureClientID = os.Getenv("AZURE_CLIENT_ID")
		c.AzureClientSecret = os.Getenv("AZURE_CLIENT_SECRET")
		if c.AzureClientSecret == "" {
			// Managed identity, workload identity or az CLI login
			c.AzureDefault = true
		}
	}
	return c
}

// validate validates the configuration
func validate(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}

	seen := make(map[string]bool)
	for i, p := range cfg.Providers {
		if !p.ID.Known() {
			return fmt.Errorf("provider at index %d has unknown id %q", i, p.ID)
		}
		if seen[p.Key()] {
			return fmt.Errorf("provider %s is configured more than once", p.Key())
		}
		seen[p.Key()] = true

		if !p.IsEnabled() {
			continue
		}
		if p.PollInterval <= 0 {
			return fmt.Errorf("provider %s: poll_interval must be positive, got %s", p.Key(), p.PollInterval)
		}
		if p.Credentials.IsEmpty() {
			return fmt.Errorf("provider %s: no credentials configured", p.Key())
		}
		if err := validateCredentials(p); err != nil {
			return fmt.Errorf("provider %s: %w", p.Key(), err)
		}
		if p.BudgetUSD != nil && *p.BudgetUSD < 0 {
			return fmt.Errorf("provider %s: budget_usd cannot be negative", p.Key())
		}
		switch p.ID {
		case provider.Bedrock:
			if p.Region == "" {
				return fmt.Errorf("provider %s: region is required", p.Key())
			}
		case provider.AzureOpenAI:
			if p.SubscriptionID == "" {
				return fmt.Errorf("provider %s: subscription_id is required", p.Key())
			}
		}
	}

	if len(cfg.EnabledProviders()) == 0 {
		return fmt.Errorf("all providers are disabled")
	}

	if cfg.HTTPPort < MinPort || cfg.HTTPPort > MaxPort {
		return fmt.Errorf("http_port must be between %d and %d", MinPort, MaxPort)
	}

	if cfg.APITimeout <= 0 {
		return fmt.Errorf("api_timeout must be positive, got %d", cfg.APITimeout)
	}
	if cfg.APITimeout > MaxAPITimeout {
		return fmt.Errorf("api_timeout should not exceed %d seconds (5 minutes), got %d", MaxAPITimeout, cfg.APITimeout)
	}

	if _, err := cfg.UsageStartTime(time.Now()); err != nil {
		return err
	}

	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		return fmt.Errorf("retry.max_interval (%s) must not be below retry.initial_interval (%s)",
			cfg.Retry.MaxInterval, cfg.Retry.InitialInterval)
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1, got %v", cfg.Retry.Jitter)
	}

	if cfg.CircuitBreaker.FailureThreshold < 1 || cfg.CircuitBreaker.SuccessThreshold < 1 {
		return fmt.Errorf("circuit_breaker thresholds must be at least 1")
	}
	if cfg.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("circuit_breaker.cooldown must be positive, got %s", cfg.CircuitBreaker.Cooldown)
	}

	for i, price := range cfg.Pricing {
		if price.Model == "" {
			return fmt.Errorf("pricing entry at index %d has empty model", i)
		}
		if price.PromptPer1K < 0 || price.CompletionPer1K < 0 {
			return fmt.Errorf("pricing for %s cannot be negative", price.Model)
		}
	}

	return nil
}

// validateCredentials rejects incomplete credential fields and strategies the provider
// cannot use, so they fail at startup rather than on every poll
func validateCredentials(p Provider) error {
	c := p.Credentials
	hasAWSPair := c.AWSAccessKeyID != "" && c.AWSSecretAccessKey != ""
	hasAWS := c.AWSAccessKeyID != "" || c.AWSSecretAccessKey != "" || c.RoleARN != ""
	hasAzureSecret := c.AzureTenantID != "" || c.AzureClientID != "" || c.AzureClientSecret != ""
	hasKey := c.APIKey != "" || c.APIKeyEnv != ""

	if (c.AWSAccessKeyID != "") != (c.AWSSecretAccessKey != "") {
		return fmt.Errorf("aws_access_key_id and aws_secret_access_key must be set together")
	}
	if hasAzureSecret && !c.AzureDefault &&
		(c.AzureTenantID == "" || c.AzureClientID == "" || c.AzureClientSecret == "") {
		return fmt.Errorf("azure_tenant_id, azure_client_id and azure_client_secret must be set together")
	}
	if c.APIKey == "" && c.APIKeyEnv != "" && c.Secret() == "" {
		return fmt.Errorf("api_key_env %s is not set", c.APIKeyEnv)
	}

	switch p.ID {
	case provider.OpenAI, provider.Anthropic:
		if hasAWS || hasAzureSecret || c.AzureDefault {
			return fmt.Errorf("only api_key or api_key_env is supported")
		}
		if c.Secret() == "" {
			return fmt.Errorf("api_key is required")
		}
	case provider.Bedrock:
		if !hasAWSPair && c.RoleARN == "" {
			return fmt.Errorf("an AWS access key pair or role_arn is required")
		}
		if c.SessionDuration < 0 {
			return fmt.Errorf("session_duration cannot be negative")
		}
	case provider.AzureOpenAI:
		if hasAWS || hasKey {
			return fmt.Errorf("only azure_default or an Azure client secret is supported")
		}
		if !c.AzureDefault && !hasAzureSecret {
			return fmt.Errorf("azure_default or an Azure client secret is required")
		}
	}
	return nil
}
