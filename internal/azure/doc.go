// Package azure provides the Azure OpenAI cost client, backed by the Azure Cost
// Management query API.
//
// Azure reports spend, not tokens, so the client is cost-only. Each fetch runs one
// ActualCost query over the usage window with daily granularity, grouped by Meter
// and filtered to the configured service names (Cognitive Services by default).
// The query result is handed to the normalizer unchanged, as JSON.
//
// Authentication uses the azcore.TokenCredential produced by the credential
// resolver (DefaultAzureCredential or a client secret).
//
// Example usage:
//
//	client := azure.NewClient(cfg.Providers[0], cfg.APITimeoutDuration(), log)
//	raw, err := client.FetchUsage(ctx, creds, window)
package azure
