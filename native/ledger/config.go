package ledger

import (
	"fmt"
	"math/big"
	"strings"
)

// DefaultUtilisationCapBps bounds pool utilisation at 80% of total capital.
const DefaultUtilisationCapBps uint64 = 8_000

// Debt source selector values accepted in configuration.
const (
	DebtSourceLocal = "local"
	DebtSourcePool  = "pool"
)

// Config captures the runtime configuration for the ledger module.
type Config struct {
	// RewardsRate is the account-family rewards rate scalar, expressed against
	// 1e6, as a decimal string.
	RewardsRate string `toml:"RewardsRate"`
	// Multiplier is the account-family multiplier scalar, expressed against
	// 1e12, as a decimal string.
	Multiplier string `toml:"Multiplier"`
	// UtilisationCapBps bounds pool utilisation when deriving maxLoan.
	UtilisationCapBps uint64 `toml:"UtilisationCapBps"`
	// DebtSource selects "local" (ledger-owned counter) or "pool"
	// (pool-owned counter).
	DebtSource string `toml:"DebtSource"`
}

// EnsureDefaults fills unset fields with safe values.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}
	if c.UtilisationCapBps == 0 || c.UtilisationCapBps > 10_000 {
		c.UtilisationCapBps = DefaultUtilisationCapBps
	}
	if strings.TrimSpace(c.DebtSource) == "" {
		c.DebtSource = DebtSourceLocal
	}
}

// Validate rejects malformed scalar strings and unknown source selectors.
func (c Config) Validate() error {
	if _, err := parseScalar(c.RewardsRate, "RewardsRate"); err != nil {
		return err
	}
	if _, err := parseScalar(c.Multiplier, "Multiplier"); err != nil {
		return err
	}
	switch strings.TrimSpace(c.DebtSource) {
	case "", DebtSourceLocal, DebtSourcePool:
		return nil
	default:
		return fmt.Errorf("ledger config: unknown debt source %q", c.DebtSource)
	}
}

// Rates builds the static rate config described by the scalars.
func (c Config) Rates() (*StaticRateConfig, error) {
	rate, err := parseScalar(c.RewardsRate, "RewardsRate")
	if err != nil {
		return nil, err
	}
	multiplier, err := parseScalar(c.Multiplier, "Multiplier")
	if err != nil {
		return nil, err
	}
	return &StaticRateConfig{rate: rate, multiplier: multiplier}, nil
}

func parseScalar(value, field string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || parsed.Sign() < 0 {
		return nil, fmt.Errorf("ledger config: invalid %s %q", field, value)
	}
	return parsed, nil
}

// StaticRateConfig serves fixed rate scalars. It satisfies RateConfig.
type StaticRateConfig struct {
	rate       *big.Int
	multiplier *big.Int
}

// NewStaticRateConfig wraps fixed scalars as a RateConfig.
func NewStaticRateConfig(rate, multiplier *big.Int) *StaticRateConfig {
	cfg := &StaticRateConfig{rate: big.NewInt(0), multiplier: big.NewInt(0)}
	if rate != nil {
		cfg.rate = new(big.Int).Set(rate)
	}
	if multiplier != nil {
		cfg.multiplier = new(big.Int).Set(multiplier)
	}
	return cfg
}

func (c *StaticRateConfig) RewardsRate() *big.Int {
	if c == nil || c.rate == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(c.rate)
}

func (c *StaticRateConfig) Multiplier() *big.Int {
	if c == nil || c.multiplier == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(c.multiplier)
}
