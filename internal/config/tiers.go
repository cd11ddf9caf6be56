package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cloudsketch/diagen/internal/domain"
)

// TierCaps is the per-tier admission cap row. Zero values mean "unlimited"
// except MaxConcurrent, which must be positive.
type TierCaps struct {
	RequestsPerDay  int64 `yaml:"requestsPerDay"`
	RequestsPerHour int64 `yaml:"requestsPerHour"`
	TokensPerDay    int64 `yaml:"tokensPerDay"`
	MaxConcurrent   int   `yaml:"maxConcurrent"`
	Priority        int   `yaml:"priority"`
}

// TierTable maps tiers to caps. A row for the default tier T0 always exists.
type TierTable map[domain.Tier]TierCaps

// DefaultTierTable returns the built-in cap table.
func DefaultTierTable() TierTable {
	return TierTable{
		domain.TierT0: {RequestsPerDay: 20, RequestsPerHour: 5, TokensPerDay: 100_000, MaxConcurrent: 1, Priority: 0},
		domain.TierT1: {RequestsPerDay: 100, RequestsPerHour: 25, TokensPerDay: 1_000_000, MaxConcurrent: 2, Priority: 10},
		domain.TierT2: {RequestsPerDay: 500, RequestsPerHour: 100, TokensPerDay: 5_000_000, MaxConcurrent: 5, Priority: 20},
		domain.TierT3: {RequestsPerDay: 2000, RequestsPerHour: 400, TokensPerDay: 20_000_000, MaxConcurrent: 10, Priority: 30},
	}
}

// Caps resolves the cap row for a tier, falling back to T0 for unknown tiers.
func (t TierTable) Caps(tier domain.Tier) TierCaps {
	if caps, ok := t[tier]; ok {
		return caps
	}
	return t[domain.TierT0]
}

// LoadTierTable reads a YAML cap table from path, or returns the built-in
// defaults when path is empty. A loaded table must include the default tier.
func LoadTierTable(path string) (TierTable, error) {
	if path == "" {
		return DefaultTierTable(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadTierTable: %w", err)
	}
	var raw map[string]TierCaps
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("op=config.LoadTierTable: %w", err)
	}
	table := make(TierTable, len(raw))
	for name, caps := range raw {
		tier := domain.Tier(name)
		if !tier.Valid() {
			return nil, fmt.Errorf("op=config.LoadTierTable: %w: unknown tier %q", domain.ErrInvalidArgument, name)
		}
		if caps.MaxConcurrent <= 0 {
			return nil, fmt.Errorf("op=config.LoadTierTable: %w: tier %q needs maxConcurrent > 0", domain.ErrInvalidArgument, name)
		}
		table[tier] = caps
	}
	if _, ok := table[domain.TierT0]; !ok {
		return nil, fmt.Errorf("op=config.LoadTierTable: %w: default tier t0 missing", domain.ErrInvalidArgument)
	}
	return table, nil
}
