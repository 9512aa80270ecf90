// Package provider defines the LLM provider abstraction layer.
//
// Every provider variant (OpenAI, Anthropic, Bedrock, Azure OpenAI) implements
// UsageClient. A client knows its provider's endpoint shape, request signing and
// response schema, but the contract returned to the scheduler is uniform: either a
// RawResponse ready for the normalizer, or a *FetchError of one of these kinds:
//
//   - KindNetwork: transport failure, timeout or 5xx. Retryable unless Permanent.
//   - KindRateLimit: HTTP 429. RetryAfter carries the provider's hint, if any.
//   - KindParse: the response could not be decoded.
//   - KindAuth: the provider rejected the credentials (401/403).
//
// Record is the canonical unit the normalizer produces and the registry stores.
// Its uniqueness key is (provider, model, usage type, token type, account).
//
// GetJSON and ClassifyStatus are shared by the HTTP-based clients so that all of
// them classify responses identically.
package provider
