// Package config loads raffle service configuration from the environment,
// an optional .env file and YAML network profiles.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

// Config is the full process configuration.
type Config struct {
	Network      string `env:"RAFFLE_NETWORK,default=development"`
	NetworksFile string `env:"RAFFLE_NETWORKS_FILE,default=config/networks.yaml"`
	RaffleID     string `env:"RAFFLE_ID,default=main"`

	Raffle      RaffleOverrides
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Coordinator CoordinatorConfig
	Keeper      KeeperConfig
	Payout      PayoutConfig
	Logging     logger.LoggingConfig
}

// RaffleOverrides replace individual values of the selected network profile.
type RaffleOverrides struct {
	EntranceFee          string        `env:"RAFFLE_ENTRANCE_FEE"`
	Interval             time.Duration `env:"RAFFLE_INTERVAL"`
	CallbackGasLimit     uint32        `env:"RAFFLE_CALLBACK_GAS_LIMIT"`
	RequestConfirmations uint16        `env:"RAFFLE_REQUEST_CONFIRMATIONS"`
	SubscriptionID       uint64        `env:"RAFFLE_SUBSCRIPTION_ID"`
	GasLane              string        `env:"RAFFLE_GAS_LANE"`
}

type ServerConfig struct {
	Addr            string        `env:"SERVER_ADDR,default=:8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT,default=15s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=10s"`
	RateLimit       float64       `env:"SERVER_RATE_LIMIT,default=20"`
	RateBurst       int           `env:"SERVER_RATE_BURST,default=40"`
	// AllowedOrigins is a ';' separated list; "*" allows every origin.
	AllowedOrigins []string `env:"SERVER_ALLOWED_ORIGINS,default=*"`
	AuditLog       string   `env:"SERVER_AUDIT_LOG"`
}

// DatabaseConfig selects the store: "memory", "bolt" or "postgres".
type DatabaseConfig struct {
	Driver        string `env:"DATABASE_DRIVER,default=memory"`
	DSN           string `env:"DATABASE_URL"`
	BoltPath      string `env:"DATABASE_BOLT_PATH,default=raffle.db"`
	MigrateOnBoot bool   `env:"DATABASE_MIGRATE,default=true"`

	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME,default=30m"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
}

// CoordinatorConfig configures the local coordinator and the credentials a
// remote coordinator must present to deliver randomness.
type CoordinatorConfig struct {
	ID          string        `env:"COORDINATOR_ID,default=local-vrf"`
	JWTSecret   string        `env:"COORDINATOR_JWT_SECRET"`
	MasterKey   string        `env:"COORDINATOR_MASTER_KEY"`
	BlockTime   time.Duration `env:"COORDINATOR_BLOCK_TIME,default=1s"`
	MaxAttempts int           `env:"COORDINATOR_MAX_ATTEMPTS,default=3"`
	RetryDelay  time.Duration `env:"COORDINATOR_RETRY_DELAY,default=5s"`
}

type KeeperConfig struct {
	Enabled  bool   `env:"KEEPER_ENABLED,default=true"`
	Schedule string `env:"KEEPER_SCHEDULE,default=@every 15s"`
}

// PayoutConfig selects the payer: an in-process vault, or an HTTP
// withdrawal service when URL is set.
type PayoutConfig struct {
	URL     string        `env:"PAYOUT_URL"`
	Token   string        `env:"PAYOUT_TOKEN"`
	Timeout time.Duration `env:"PAYOUT_TIMEOUT,default=30s"`
}

// NetworkProfile holds per-network raffle parameters.
type NetworkProfile struct {
	ChainID              uint64        `yaml:"chain_id"`
	Development          bool          `yaml:"development"`
	Coordinator          string        `yaml:"coordinator"`
	EntranceFee          string        `yaml:"entrance_fee"`
	GasLane              string        `yaml:"gas_lane"`
	CallbackGasLimit     uint32        `yaml:"callback_gas_limit"`
	RequestConfirmations uint16        `yaml:"request_confirmations"`
	Interval             time.Duration `yaml:"interval"`
	SubscriptionID       uint64        `yaml:"subscription_id"`
	SubscriptionFund     string        `yaml:"subscription_fund"`
}

type networksFile struct {
	Networks map[string]NetworkProfile `yaml:"networks"`
}

// DefaultDevelopmentProfile is used when no networks file is present.
func DefaultDevelopmentProfile() NetworkProfile {
	return NetworkProfile{
		ChainID:              31337,
		Development:          true,
		EntranceFee:          "10000000000000000",
		GasLane:              "0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c",
		CallbackGasLimit:     500000,
		RequestConfirmations: 3,
		Interval:             30 * time.Second,
		SubscriptionFund:     "30000000000000000000",
	}
}

// Load reads .env (if present) and decodes the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv decodes the process environment without touching .env.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

// LoadNetworks parses a networks file.
func LoadNetworks(path string) (map[string]NetworkProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read networks config: %w", err)
	}
	var file networksFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse networks config: %w", err)
	}
	for name, p := range file.Networks {
		if p.CallbackGasLimit == 0 {
			return nil, fmt.Errorf("network %s: callback_gas_limit is required", name)
		}
	}
	return file.Networks, nil
}

// Profile resolves the selected network. A missing networks file is only
// tolerated for the development network.
func (c *Config) Profile() (NetworkProfile, error) {
	networks, err := LoadNetworks(c.NetworksFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && c.Network == "development" {
			return DefaultDevelopmentProfile(), nil
		}
		return NetworkProfile{}, err
	}
	p, ok := networks[c.Network]
	if !ok {
		return NetworkProfile{}, fmt.Errorf("unknown network %q", c.Network)
	}
	return p, nil
}

// RaffleConfig builds the immutable engine configuration from the profile
// with environment overrides applied.
func (c *Config) RaffleConfig(p NetworkProfile) (domain.Config, error) {
	fee := p.EntranceFee
	if c.Raffle.EntranceFee != "" {
		fee = c.Raffle.EntranceFee
	}
	entranceFee, err := ParseAmount(fee)
	if err != nil {
		return domain.Config{}, fmt.Errorf("entrance fee: %w", err)
	}

	out := domain.Config{
		EntranceFee:          entranceFee,
		Interval:             p.Interval,
		CallbackGasLimit:     p.CallbackGasLimit,
		RequestConfirmations: p.RequestConfirmations,
		SubscriptionID:       p.SubscriptionID,
	}
	gasLane := p.GasLane
	if c.Raffle.GasLane != "" {
		gasLane = c.Raffle.GasLane
	}
	if gasLane != "" {
		if !isHash(gasLane) {
			return domain.Config{}, fmt.Errorf("gas lane %q is not a 32-byte hex hash", gasLane)
		}
		out.GasLane = common.HexToHash(gasLane)
	}
	if c.Raffle.Interval != 0 {
		out.Interval = c.Raffle.Interval
	}
	if c.Raffle.CallbackGasLimit != 0 {
		out.CallbackGasLimit = c.Raffle.CallbackGasLimit
	}
	if c.Raffle.RequestConfirmations != 0 {
		out.RequestConfirmations = c.Raffle.RequestConfirmations
	}
	if c.Raffle.SubscriptionID != 0 {
		out.SubscriptionID = c.Raffle.SubscriptionID
	}

	if err := out.Validate(); err != nil {
		return domain.Config{}, err
	}
	return out, nil
}

// ParseAmount accepts a decimal wei amount, a 0x-prefixed hex amount or a
// decimal number of ether suffixed with "ether".
func ParseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("amount is empty")
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return uint256.FromHex(raw)
	}
	if num, ok := strings.CutSuffix(raw, "ether"); ok {
		return parseEther(strings.TrimSpace(num))
	}
	return uint256.FromDecimal(raw)
}

func parseEther(num string) (*uint256.Int, error) {
	whole, frac, _ := strings.Cut(num, ".")
	if len(frac) > 18 {
		return nil, fmt.Errorf("too many decimals in %q", num)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", 18-len(frac))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(digits)
}

func isHash(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
