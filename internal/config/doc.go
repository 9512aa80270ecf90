// Package config provides configuration management for the LLM Cost Exporter.
//
// This package handles loading configuration from YAML files, applying
// environment variable overrides, setting defaults, and validating the
// configuration. Configuration is read once at startup and never changes
// for the lifetime of the process; any validation failure is fatal.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (highest priority)
//  2. YAML configuration file
//  3. Default values (lowest priority)
//
// Supported environment variables:
//   - LLM_COST_HTTP_PORT: HTTP server port (1-65535)
//   - LLM_COST_LOG_LEVEL: Log level (debug, info, warn, error)
//   - LLM_COST_LOG_FORMAT: Log format (json, text)
//   - LLM_COST_API_TIMEOUT: Per-call provider timeout in seconds
//   - LLM_COST_USAGE_START: Start of the usage window (YYYY-MM-DD)
//   - LLM_COST_<PROVIDER>_ENABLED / LLM_COST_<PROVIDER>_POLL_INTERVAL
//
// When a provider entry has no credentials block, the well-known variables
// are consulted: OPENAI_ADMIN_KEY or OPENAI_API_KEY, ANTHROPIC_ADMIN_KEY,
// AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY/AWS_ROLE_ARN/AWS_EXTERNAL_ID and
// AZURE_TENANT_ID/AZURE_CLIENT_ID/AZURE_CLIENT_SECRET.
//
// Example configuration file (config.yaml):
//
//	http_port: 9464
//	log_level: info
//	api_timeout: 30
//	usage_start: "2026-01-01"
//
//	retry:
//	  max_attempts: 3
//	  initial_interval: 1s
//	  max_interval: 30s
//
//	circuit_breaker:
//	  failure_threshold: 5
//	  cooldown: 5m
//
//	providers:
//	  - id: openai
//	    poll_interval: 5m
//	    budget_usd: 500
//	    credentials:
//	      api_key_env: OPENAI_ADMIN_KEY
//	  - id: bedrock
//	    account: prod
//	    region: us-east-1
//	    cost_explorer: true
//	    credentials:
//	      role_arn: arn:aws:iam::123456789012:role/llm-cost-reader
//	      external_id: exporter
//
//	pricing:
//	  - model: anthropic.claude-3-haiku-20240307-v1:0
//	    prompt_per_1k: 0.00025
//	    completion_per_1k: 0.00125
package config
