package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lienledger/native/ledger"

	"github.com/BurntSushi/toml"
)

// Config captures the runtime settings for ledgerd.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Env           string `toml:"Env"`
	LogFile       string `toml:"LogFile"`
	// PausedModules halts the named native modules ("ledger", "vault",
	// "marketplace") at startup; every guarded operation then fails with
	// ErrModulePaused until the daemon restarts without the entry.
	PausedModules []string `toml:"PausedModules"`

	Ledger      ledger.Config     `toml:"ledger"`
	Vault       VaultConfig       `toml:"vault"`
	Marketplace MarketplaceConfig `toml:"marketplace"`
}

// VaultConfig describes the reference lending pool.
type VaultConfig struct {
	PoolID            string `toml:"PoolID"`
	OriginationFeeBps uint64 `toml:"OriginationFeeBps"`
	SeedLiquidity     string `toml:"SeedLiquidity"`
}

// MarketplaceConfig describes the settlement venue.
type MarketplaceConfig struct {
	ProtocolFeeBps uint64 `toml:"ProtocolFeeBps"`
	Treasury       string `toml:"Treasury"`
}

// Load reads the configuration at path, writing a default file first when none
// exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureDefaults fills every unset field with its default value.
func (cfg *Config) EnsureDefaults() {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./ledger-data"
	}
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "local"
	}
	cfg.Ledger.EnsureDefaults()
	if strings.TrimSpace(cfg.Vault.PoolID) == "" {
		cfg.Vault.PoolID = "default"
	}
	if strings.TrimSpace(cfg.Vault.SeedLiquidity) == "" {
		cfg.Vault.SeedLiquidity = "0"
	}
}

// Validate reports the first inconsistency in the configuration.
func (cfg *Config) Validate() error {
	if err := cfg.Ledger.Validate(); err != nil {
		return err
	}
	if cfg.Vault.OriginationFeeBps > 10_000 {
		return fmt.Errorf("config: origination fee %d exceeds 10000 bps", cfg.Vault.OriginationFeeBps)
	}
	if cfg.Marketplace.ProtocolFeeBps > 10_000 {
		return fmt.Errorf("config: protocol fee %d exceeds 10000 bps", cfg.Marketplace.ProtocolFeeBps)
	}
	if strings.TrimSpace(cfg.Marketplace.Treasury) != "" {
		if _, err := ParseAddress(cfg.Marketplace.Treasury); err != nil {
			return fmt.Errorf("config: treasury: %w", err)
		}
	}
	return nil
}

// TreasuryAddress decodes the marketplace treasury, returning the zero address
// when unset.
func (cfg *Config) TreasuryAddress() ([20]byte, error) {
	if strings.TrimSpace(cfg.Marketplace.Treasury) == "" {
		return [20]byte{}, nil
	}
	return ParseAddress(cfg.Marketplace.Treasury)
}

// ParseAddress decodes a 20-byte hex address, with or without a 0x prefix.
func ParseAddress(value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", value, err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("invalid address %q: want %d bytes, got %d", value, len(addr), len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.EnsureDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
