// Package credentials resolves, per provider account, which authentication strategy
// to use and materializes working credentials for it.
//
// Strategies form a closed set: StaticKey, AWSStaticCreds, AWSRoleChain,
// AzureDefault and AzureClientSecret. SelectStrategy picks exactly one per
// credentials block, preferring role-based delegation over long-lived secrets.
//
// Resolver caches credentials by provider key for the process lifetime. Role-chain
// credentials are short-lived: once they come within the refresh window of their
// expiry the next Resolve assumes the role again, so a fresh session is in place
// before the old one lapses. Callers signal a rejected credential with Invalidate.
// Concurrent resolutions of one key share a single STS exchange.
package credentials
