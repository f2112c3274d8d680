package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"feetracker/internal/logging"
)

// DefaultPoolAddress is the Uniswap V3 USDC/ETH 0.05% pool.
const DefaultPoolAddress = "0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Etherscan EtherscanConfig `mapstructure:"etherscan"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Backfill  BackfillConfig  `mapstructure:"backfill"`
	API       APIConfig       `mapstructure:"api"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. DSN wins over the
// discrete host/port/user fields when both are set.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// ConnString returns the DSN, building one from discrete fields if needed.
// An empty result means persistence is not configured.
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	if d.Host == "" || d.Name == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{d.SSLMode}}.Encode()
	}
	return u.String()
}

// WorkerConfig is the static shard assignment of this process.
type WorkerConfig struct {
	ID      int   `mapstructure:"id"`
	Total   int   `mapstructure:"total"`
	LockKey int64 `mapstructure:"lock_key"`
}

// PollerConfig governs the live polling cadence.
type PollerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Lookback     time.Duration `mapstructure:"lookback"`
	PageSize     int           `mapstructure:"page_size"`
	MaxPages     int           `mapstructure:"max_pages"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// EtherscanConfig covers the transfer-event upstream.
type EtherscanConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	ContractAddress string        `mapstructure:"contract_address"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
}

// OracleConfig captures the ticker used for fee conversion.
type OracleConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Symbol         string        `mapstructure:"symbol"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// EthereumConfig covers on-chain receipt decoding.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	PoolAddress    string        `mapstructure:"pool_address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// BackfillConfig tunes historical page scans.
type BackfillConfig struct {
	PageSize      int  `mapstructure:"page_size"`
	ResolveBlocks bool `mapstructure:"resolve_blocks"`
}

// APIConfig configures the read-side HTTP server.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AlertingConfig defines operational alerts for the poller.
type AlertingConfig struct {
	Enabled          bool           `mapstructure:"enabled"`
	FailureThreshold int            `mapstructure:"failure_threshold"`
	Cooldown         time.Duration  `mapstructure:"cooldown"`
	Telegram         TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram alert settings.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// legacyEnv maps config keys onto the plain environment variables the
// tracker has always honoured.
var legacyEnv = map[string]string{
	"database.host":     "DB_HOST",
	"database.port":     "DB_PORT",
	"database.user":     "DB_USER",
	"database.password": "DB_PASSWORD",
	"database.name":     "DB_NAME",
	"etherscan.api_key": "ETHERSCAN_API_KEY",
	"poller.interval":   "POLL_INTERVAL",
	"worker.id":         "WORKER_ID",
	"worker.total":      "TOTAL_WORKERS",
	"ethereum.rpc_url":  "ETH_RPC_URL",
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEETRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "FEETRACKER_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "feetracker")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("worker.id", 0)
	v.SetDefault("worker.total", 1)
	v.SetDefault("worker.lock_key", int64(0x66656573))

	// Bare integers (POLL_INTERVAL=60) are read as seconds by the decode hook.
	v.SetDefault("poller.interval", "60s")
	v.SetDefault("poller.lookback", "10m")
	v.SetDefault("poller.page_size", 100)
	v.SetDefault("poller.max_pages", 10)
	v.SetDefault("poller.startup_delay", "0s")

	v.SetDefault("etherscan.base_url", "https://api.etherscan.io/api")
	v.SetDefault("etherscan.contract_address", DefaultPoolAddress)
	v.SetDefault("etherscan.request_timeout", "10s")
	v.SetDefault("etherscan.rate_limit", 4.0)
	v.SetDefault("etherscan.burst", 1)

	v.SetDefault("oracle.base_url", "https://api.binance.com/api/v3")
	v.SetDefault("oracle.symbol", "ETHUSDT")
	v.SetDefault("oracle.request_timeout", "10s")

	v.SetDefault("ethereum.pool_address", DefaultPoolAddress)
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("backfill.page_size", 100)
	v.SetDefault("backfill.resolve_blocks", true)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", ":8000")
	v.SetDefault("api.shutdown_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.failure_threshold", 5)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHook(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values. Shard
// misconfiguration is fatal here rather than silently defaulted.
func (c *Config) Validate() error {
	if c.Worker.Total <= 0 {
		return fmt.Errorf("worker.total must be at least 1, got %d", c.Worker.Total)
	}
	if c.Worker.ID < 0 || c.Worker.ID >= c.Worker.Total {
		return fmt.Errorf("worker.id must be in [0, %d), got %d", c.Worker.Total, c.Worker.ID)
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than zero")
	}
	if c.Poller.Lookback < 0 {
		return fmt.Errorf("poller.lookback cannot be negative")
	}
	if c.Poller.PageSize <= 0 || c.Backfill.PageSize <= 0 {
		return fmt.Errorf("page sizes must be greater than zero")
	}
	if c.Poller.MaxPages <= 0 {
		return fmt.Errorf("poller.max_pages must be greater than zero")
	}
	if strings.TrimSpace(c.Etherscan.ContractAddress) == "" {
		return fmt.Errorf("etherscan.contract_address must be configured")
	}
	if c.Etherscan.RateLimit < 0 {
		return fmt.Errorf("etherscan.rate_limit cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Enabled && c.Alerting.FailureThreshold <= 0 {
		return fmt.Errorf("alerting.failure_threshold must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
