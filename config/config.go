package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"stablecore/crypto"
)

// Config is the full daemon configuration, decoded from TOML.
type Config struct {
	Server     Server       `toml:"server"`
	Storage    Storage      `toml:"storage"`
	Auth       Auth         `toml:"auth"`
	Log        Log          `toml:"log"`
	Telemetry  Telemetry    `toml:"telemetry"`
	Risk       Risk         `toml:"risk"`
	Debt       Debt         `toml:"debt"`
	Vault      string       `toml:"vault"`
	Oracle     Oracle       `toml:"oracle"`
	Collateral []Collateral `toml:"collateral"`
	Genesis    []Allocation `toml:"genesis"`
}

type Server struct {
	Listen            string `toml:"listen"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
}

type Storage struct {
	Backend    string `toml:"backend"`
	DataDir    string `toml:"data_dir"`
	EventsPath string `toml:"events_path"`
}

type Auth struct {
	JWTSecret string `toml:"jwt_secret"`
	Disable   bool   `toml:"disable"`
}

type Log struct {
	Level       string `toml:"level"`
	Environment string `toml:"environment"`
}

type Telemetry struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
}

type Risk struct {
	LiquidationThresholdPct uint64 `toml:"liquidation_threshold_pct"`
	LiquidationBonusPct     uint64 `toml:"liquidation_bonus_pct"`
	MinHealthFactor         string `toml:"min_health_factor"`
	StaleTimeout            string `toml:"stale_timeout"`
}

type Debt struct {
	Symbol   string `toml:"symbol"`
	Decimals uint8  `toml:"decimals"`
}

// Oracle selects where prices come from. In manual mode every collateral
// entry must carry a manual_price; in chainlink mode a feed_address and an
// RPC endpoint are required.
type Oracle struct {
	Mode   string `toml:"mode"`
	RPCURL string `toml:"rpc_url"`
}

type Collateral struct {
	Symbol       string `toml:"symbol"`
	Feed         string `toml:"feed"`
	Decimals     uint8  `toml:"decimals"`
	FeedDecimals uint8  `toml:"feed_decimals"`
	FeedAddress  string `toml:"feed_address"`
	ManualPrice  string `toml:"manual_price"`
}

// Allocation seeds a wallet balance at first boot.
type Allocation struct {
	Address string `toml:"address"`
	Symbol  string `toml:"symbol"`
	Amount  string `toml:"amount"`
}

const (
	ModeManual    = "manual"
	ModeChainlink = "chainlink"
)

// Load reads the configuration at path, creating a default file when none
// exists, then normalises and validates it.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalise fills unset fields with their defaults.
func (c *Config) Normalise() {
	if strings.TrimSpace(c.Server.Listen) == "" {
		c.Server.Listen = ":8545"
	}
	if c.Server.RequestsPerMinute <= 0 {
		c.Server.RequestsPerMinute = 600
	}
	if strings.TrimSpace(c.Storage.Backend) == "" {
		c.Storage.Backend = "leveldb"
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		c.Storage.DataDir = "./data"
	}
	if strings.TrimSpace(c.Storage.EventsPath) == "" {
		c.Storage.EventsPath = filepath.Join(c.Storage.DataDir, "events.db")
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if strings.TrimSpace(c.Debt.Symbol) == "" {
		c.Debt.Symbol = "SUSD"
	}
	if c.Debt.Decimals == 0 {
		c.Debt.Decimals = 18
	}
	if strings.TrimSpace(c.Oracle.Mode) == "" {
		c.Oracle.Mode = ModeManual
	}
	c.Oracle.Mode = strings.ToLower(strings.TrimSpace(c.Oracle.Mode))
	for i := range c.Collateral {
		entry := &c.Collateral[i]
		entry.Symbol = strings.ToUpper(strings.TrimSpace(entry.Symbol))
		if strings.TrimSpace(entry.Feed) == "" && entry.Symbol != "" {
			entry.Feed = strings.ToLower(entry.Symbol) + "-usd"
		}
		if entry.Decimals == 0 {
			entry.Decimals = 18
		}
		if entry.FeedDecimals == 0 {
			entry.FeedDecimals = 8
		}
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "leveldb", "memory":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if strings.TrimSpace(c.Vault) == "" {
		return fmt.Errorf("config: vault address required")
	}
	if _, err := crypto.DecodeAddress(c.Vault); err != nil {
		return fmt.Errorf("config: invalid vault address: %w", err)
	}
	if len(c.Collateral) == 0 {
		return fmt.Errorf("config: at least one collateral entry required")
	}
	switch c.Oracle.Mode {
	case ModeManual:
		for _, entry := range c.Collateral {
			if _, err := parsePositiveInt(entry.ManualPrice); err != nil {
				return fmt.Errorf("config: collateral %s: manual_price: %w", entry.Symbol, err)
			}
		}
	case ModeChainlink:
		if strings.TrimSpace(c.Oracle.RPCURL) == "" {
			return fmt.Errorf("config: oracle rpc_url required in chainlink mode")
		}
		for _, entry := range c.Collateral {
			if strings.TrimSpace(entry.FeedAddress) == "" {
				return fmt.Errorf("config: collateral %s: feed_address required in chainlink mode", entry.Symbol)
			}
		}
	default:
		return fmt.Errorf("config: unknown oracle mode %q", c.Oracle.Mode)
	}
	if c.Risk.MinHealthFactor != "" {
		if _, err := parsePositiveInt(c.Risk.MinHealthFactor); err != nil {
			return fmt.Errorf("config: risk min_health_factor: %w", err)
		}
	}
	if c.Risk.StaleTimeout != "" {
		if _, err := time.ParseDuration(c.Risk.StaleTimeout); err != nil {
			return fmt.Errorf("config: risk stale_timeout: %w", err)
		}
	}
	if !c.Auth.Disable && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("config: auth jwt_secret required unless auth is disabled")
	}
	for _, alloc := range c.Genesis {
		if _, err := crypto.DecodeAddress(alloc.Address); err != nil {
			return fmt.Errorf("config: genesis address %q: %w", alloc.Address, err)
		}
		if _, err := parsePositiveInt(alloc.Amount); err != nil {
			return fmt.Errorf("config: genesis amount for %s: %w", alloc.Address, err)
		}
	}
	return nil
}

// VaultAddress decodes the configured vault address. Validate must have
// accepted the configuration first.
func (c *Config) VaultAddress() (crypto.Address, error) {
	return crypto.DecodeAddress(c.Vault)
}

// MinHealthFactor parses the configured minimum health factor, or nil when
// unset so the engine default applies.
func (c *Config) MinHealthFactor() *big.Int {
	if strings.TrimSpace(c.Risk.MinHealthFactor) == "" {
		return nil
	}
	v, _ := parsePositiveInt(c.Risk.MinHealthFactor)
	return v
}

// StaleTimeout parses the configured feed staleness bound, or zero when
// unset so the engine default applies.
func (c *Config) StaleTimeout() time.Duration {
	if strings.TrimSpace(c.Risk.StaleTimeout) == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.Risk.StaleTimeout)
	return d
}

func parsePositiveInt(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("not a base-10 integer: %q", raw)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("must be positive: %q", raw)
	}
	return v, nil
}

// createDefault writes a development configuration with a freshly generated
// vault address and an in-memory manual-price setup.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Auth:  Auth{Disable: true},
		Vault: key.PubKey().Address().String(),
		Collateral: []Collateral{{
			Symbol:      "WETH",
			ManualPrice: "200000000000",
		}},
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
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
