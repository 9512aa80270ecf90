package provider

import "time"

// UsageType is the dimension a canonical record measures
type UsageType string

const (
	UsageTokens   UsageType = "tokens"
	UsageRequests UsageType = "requests"
	UsageCost     UsageType = "cost"
)

// TokenType splits token records by direction
type TokenType string

const (
	TokensPrompt     TokenType = "prompt"
	TokensCompletion TokenType = "completion"
	TokensTotal      TokenType = "total"
)

// Kind selects the merge rule the registry applies to a record
type Kind int

const (
	// Gauge values are overwritten by newer observations
	Gauge Kind = iota
	// Counter values only ever increase
	Counter
)

func (k Kind) String() string {
	if k == Counter {
		return "counter"
	}
	return "gauge"
}

// Record is the canonical, provider-independent unit of usage data
type Record struct {
	Provider   ID
	Model      string
	UsageType  UsageType
	TokenType  TokenType // tokens only
	Account    string
	Value      float64
	Kind       Kind
	ObservedAt time.Time
}

// RecordKey is the uniqueness key of a record
type RecordKey struct {
	Provider  ID
	Model     string
	UsageType UsageType
	TokenType TokenType
	Account   string
}

// Key returns the uniqueness key of r
func (r Record) Key() RecordKey {
	return RecordKey{
		Provider:  r.Provider,
		Model:     r.Model,
		UsageType: r.UsageType,
		TokenType: r.TokenType,
		Account:   r.Account,
	}
}
