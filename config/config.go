package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/application/auction"
	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del shield.
type Config struct {
	Shield  ShieldConfig  `yaml:"shield"`
	Rewards RewardsConfig `yaml:"rewards"`
	Feed    FeedConfig    `yaml:"feed"`
	Chain   ChainConfig   `yaml:"chain"`
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Log     LogConfig     `yaml:"log"`
}

// ShieldConfig controla subastas y trigger. Las cantidades son enteros
// decimales en string porque no caben en un int64.
type ShieldConfig struct {
	MinBid                 string   `yaml:"min_bid"`
	AuctionDurationSeconds int      `yaml:"auction_duration_seconds"`
	LVRThresholdBps        uint64   `yaml:"lvr_threshold_bps"` // 1..10000
	MinTradeSize           string   `yaml:"min_trade_size"`
	FeeRecipient           string   `yaml:"fee_recipient"`
	Operators              []string `yaml:"operators"` // allow-list inicial
}

// RewardsConfig es el reparto de la puja ganadora, en bps.
type RewardsConfig struct {
	LPBps          uint64 `yaml:"lp_bps"`
	OperatorBps    uint64 `yaml:"operator_bps"`
	ProtocolBps    uint64 `yaml:"protocol_bps"`
	GasBps         uint64 `yaml:"gas_bps"`
	LPDistribution string `yaml:"lp_distribution"` // pooled | pro_rata
}

// FeedConfig apunta al servicio de precios de referencia.
type FeedConfig struct {
	BaseURL       string  `yaml:"base_url"`
	MaxAgeSeconds int     `yaml:"max_age_seconds"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// ChainConfig cubre el registro de operadores y los pagos on-chain.
type ChainConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	ChainID         int64  `yaml:"chain_id"`
	RegistryAddress string `yaml:"registry_address"` // vacío = solo allow-list
	TokenAddress    string `yaml:"token_address"`    // token de los pagos
	PrivateKey      string `yaml:"-"`                // solo desde SHIELD_PRIVATE_KEY
}

// APIConfig controla el servidor HTTP.
type APIConfig struct {
	Addr              string `yaml:"addr"`
	AdminSecret       string `yaml:"-"` // solo desde SHIELD_ADMIN_SECRET
	RequireSignatures *bool  `yaml:"require_signatures"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// KafkaConfig activa el stream de eventos si hay brokers.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Las variables de entorno sobreescriben los valores del YAML.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Validate comprueba que la configuración produce un ledger válido.
func (c *Config) Validate() error {
	if _, err := c.AuctionConfig(); err != nil {
		return err
	}
	for _, op := range c.Shield.Operators {
		if !common.IsHexAddress(op) {
			return fmt.Errorf("%w: operator %q", domain.ErrInvalidAmount, op)
		}
	}
	if c.Chain.RegistryAddress != "" && !common.IsHexAddress(c.Chain.RegistryAddress) {
		return fmt.Errorf("%w: registry address %q", domain.ErrInvalidAmount, c.Chain.RegistryAddress)
	}
	return nil
}

// AuctionConfig traduce la sección shield/rewards a la configuración del Engine.
func (c *Config) AuctionConfig() (auction.Config, error) {
	minBid, err := domain.ParseAmount(c.Shield.MinBid)
	if err != nil {
		return auction.Config{}, fmt.Errorf("min_bid: %w", err)
	}
	minTrade, err := domain.ParseAmount(c.Shield.MinTradeSize)
	if err != nil {
		return auction.Config{}, fmt.Errorf("min_trade_size: %w", err)
	}
	mode, err := domain.ParseLPDistributionMode(c.Rewards.LPDistribution)
	if err != nil {
		return auction.Config{}, fmt.Errorf("lp_distribution %q: %w", c.Rewards.LPDistribution, err)
	}
	var recipient common.Address
	if common.IsHexAddress(c.Shield.FeeRecipient) {
		recipient = common.HexToAddress(c.Shield.FeeRecipient)
	}

	cfg := auction.Config{
		MinBid:   minBid,
		Duration: time.Duration(c.Shield.AuctionDurationSeconds) * time.Second,
		Trigger: domain.TriggerParams{
			ThresholdBps: c.Shield.LVRThresholdBps,
			MinTradeSize: minTrade,
		},
		Split: domain.RewardSplit{
			LPBps:       c.Rewards.LPBps,
			OperatorBps: c.Rewards.OperatorBps,
			ProtocolBps: c.Rewards.ProtocolBps,
			GasBps:      c.Rewards.GasBps,
		},
		FeeRecipient: recipient,
		LPMode:       mode,
	}
	if err := cfg.Validate(); err != nil {
		return auction.Config{}, err
	}
	return cfg, nil
}

// OperatorAddresses devuelve la allow-list inicial.
func (c *Config) OperatorAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Shield.Operators))
	for _, op := range c.Shield.Operators {
		out = append(out, common.HexToAddress(op))
	}
	return out
}

// FeedMaxAge devuelve la antigüedad máxima del precio de referencia.
func (c *Config) FeedMaxAge() time.Duration {
	return time.Duration(c.Feed.MaxAgeSeconds) * time.Second
}

// SignaturesRequired indica si commit/reveal/claim exigen firma del operador.
func (c *Config) SignaturesRequired() bool {
	return c.API.RequireSignatures == nil || *c.API.RequireSignatures
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("SHIELD_ADMIN_SECRET"); v != "" {
		cfg.API.AdminSecret = v
	}
	if v := os.Getenv("SHIELD_PRIVATE_KEY"); v != "" {
		cfg.Chain.PrivateKey = v
	}
	if v := os.Getenv("SHIELD_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("SHIELD_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Shield.MinBid == "" {
		cfg.Shield.MinBid = "1"
	}
	if cfg.Shield.AuctionDurationSeconds <= 0 {
		cfg.Shield.AuctionDurationSeconds = int(domain.DefaultAuctionDuration / time.Second)
	}
	if cfg.Shield.LVRThresholdBps == 0 {
		cfg.Shield.LVRThresholdBps = 100 // 1%
	}
	r := &cfg.Rewards
	if r.LPBps+r.OperatorBps+r.ProtocolBps+r.GasBps == 0 {
		def := domain.DefaultRewardSplit()
		r.LPBps, r.OperatorBps, r.ProtocolBps, r.GasBps = def.LPBps, def.OperatorBps, def.ProtocolBps, def.GasBps
	}
	if cfg.Feed.MaxAgeSeconds <= 0 {
		cfg.Feed.MaxAgeSeconds = 60
	}
	if cfg.Feed.RatePerSecond <= 0 {
		cfg.Feed.RatePerSecond = 20
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = 1
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8080"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "lvrshield.db"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "lvrshield.events"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
