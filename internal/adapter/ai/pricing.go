package ai

import "strings"

// modelPrice is the per-million-token price in USD for one model family.
type modelPrice struct {
	InPerMillion  float64
	OutPerMillion float64
}

// priceTable is a fixed in-code price table. Cost figures on usage records
// are estimates for reporting only; they never feed back into admission.
var priceTable = map[string]modelPrice{
	"claude-3.5-sonnet": {InPerMillion: 3.00, OutPerMillion: 15.00},
	"claude-3-haiku":    {InPerMillion: 0.25, OutPerMillion: 1.25},
	"gpt-4o":            {InPerMillion: 2.50, OutPerMillion: 10.00},
	"gpt-4o-mini":       {InPerMillion: 0.15, OutPerMillion: 0.60},
	"gpt-4":             {InPerMillion: 30.00, OutPerMillion: 60.00},
	"gpt-3.5-turbo":     {InPerMillion: 0.50, OutPerMillion: 1.50},
}

// defaultPrice covers models missing from the table.
var defaultPrice = modelPrice{InPerMillion: 3.00, OutPerMillion: 15.00}

// EstimateCost converts measured token usage into an estimated USD cost.
func EstimateCost(model string, tokensIn, tokensOut int64) float64 {
	p := lookupPrice(model)
	return float64(tokensIn)/1e6*p.InPerMillion + float64(tokensOut)/1e6*p.OutPerMillion
}

func lookupPrice(model string) modelPrice {
	m := strings.ToLower(model)
	if i := strings.LastIndexByte(m, '/'); i >= 0 {
		m = m[i+1:]
	}
	m = strings.TrimSuffix(m, ":free")
	for name, p := range priceTable {
		if strings.HasPrefix(m, name) {
			return p
		}
	}
	return defaultPrice
}
