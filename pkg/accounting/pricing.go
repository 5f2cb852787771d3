package accounting

// PriceUnit states what quantity of tokens a price applies to.
type PriceUnit string

const (
	PerThousand PriceUnit = "per_1k"
	PerMillion  PriceUnit = "per_1m"
)

// ModelPrice holds the USD price of one token class set for one model.
type ModelPrice struct {
	Unit       PriceUnit `json:"unit" mapstructure:"unit"`
	Input      float64   `json:"input" mapstructure:"input"`
	Output     float64   `json:"output" mapstructure:"output"`
	CacheRead  float64   `json:"cacheRead" mapstructure:"cache_read"`
	CacheWrite float64   `json:"cacheWrite" mapstructure:"cache_write"`
}

// PriceTable maps "provider:model" to its price.
type PriceTable map[string]ModelPrice

// Cost computes the USD cost of one invocation. Unknown units are
// treated as per-million. Returns zero for usage with no priced class.
func (p ModelPrice) Cost(u TokenUsage) float64 {
	denom := 1_000_000.0
	if p.Unit == PerThousand {
		denom = 1000.0
	}
	return (p.Input*float64(u.Input) +
		p.Output*float64(u.Output) +
		p.CacheRead*float64(u.CacheRead) +
		p.CacheWrite*float64(u.CacheWrite)) / denom
}

// Cost looks up the provider:model pair and prices the usage. Pairs
// absent from the table cost zero.
func (t PriceTable) Cost(provider, model string, u TokenUsage) float64 {
	price, ok := t[provider+":"+model]
	if !ok {
		return 0
	}
	return price.Cost(u)
}
