package scheduler

import (
	"fmt"
	"time"

	"github.com/zgpcy/llm-cost-exporter/internal/anthropic"
	"github.com/zgpcy/llm-cost-exporter/internal/azure"
	"github.com/zgpcy/llm-cost-exporter/internal/bedrock"
	"github.com/zgpcy/llm-cost-exporter/internal/config"
	"github.com/zgpcy/llm-cost-exporter/internal/logger"
	"github.com/zgpcy/llm-cost-exporter/internal/openai"
	"github.com/zgpcy/llm-cost-exporter/internal/provider"
)

// ClientFactory builds the usage client of one provider account
type ClientFactory func(p config.Provider) (provider.UsageClient, error)

// DefaultClientFactory returns a factory building the client variant matching the
// provider id
func DefaultClientFactory(timeout time.Duration, log *logger.Logger) ClientFactory {
	return func(p config.Provider) (provider.UsageClient, error) {
		clientLog := log.WithFields("provider", p.ID, "account", p.Account)
		switch p.ID {
		case provider.OpenAI:
			return openai.NewClient(p, timeout, clientLog), nil
		case provider.Anthropic:
			return anthropic.NewClient(p, timeout, clientLog), nil
		case provider.Bedrock:
			return bedrock.NewClient(p, timeout, clientLog), nil
		case provider.AzureOpenAI:
			return azure.NewClient(p, timeout, clientLog), nil
		}
		return nil, fmt.Errorf("unsupported provider %q", p.ID)
	}
}
