package custodyd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"custodyfleet/services/custodyd/chain"
	"custodyfleet/services/custodyd/lifecycle"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// UnmarshalText parses durations in TOML documents.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for custodyd.
type Config struct {
	ListenAddress string         `yaml:"listen" toml:"listen"`
	Environment   string         `yaml:"environment" toml:"environment"`
	Log           LogConfig      `yaml:"log" toml:"log"`
	Chain         ChainConfig    `yaml:"chain" toml:"chain"`
	Database      DatabaseConfig `yaml:"database" toml:"database"`
	Policy        PolicyConfig   `yaml:"policy" toml:"policy"`
	Sentinel      SentinelConfig `yaml:"sentinel" toml:"sentinel"`
	Retry         RetryConfig    `yaml:"retry" toml:"retry"`
	Dedup         DedupConfig    `yaml:"dedup" toml:"dedup"`
	LockWait      Duration       `yaml:"lock_wait" toml:"lock_wait"`
	Notify        NotifyConfig   `yaml:"notify" toml:"notify"`
	Admin         AdminConfig    `yaml:"admin" toml:"admin"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// ChainConfig describes the RPC endpoint, contracts and operator key.
type ChainConfig struct {
	RPCURL           string   `yaml:"rpc_url" toml:"rpc_url"`
	ChainID          int64    `yaml:"chain_id" toml:"chain_id"`
	Token            string   `yaml:"token" toml:"token"`
	Custodian        string   `yaml:"custodian" toml:"custodian"`
	Master           string   `yaml:"master" toml:"master"`
	TokenDecimals    int32    `yaml:"token_decimals" toml:"token_decimals"`
	NativeDecimals   int32    `yaml:"native_decimals" toml:"native_decimals"`
	Confirmations    uint64   `yaml:"confirmations" toml:"confirmations"`
	PollInterval     Duration `yaml:"poll_interval" toml:"poll_interval"`
	GasBufferPercent uint64   `yaml:"gas_buffer_percent" toml:"gas_buffer_percent"`
	OperatorKey      string   `yaml:"operator_key" toml:"operator_key"`
	OperatorKeyFile  string   `yaml:"operator_key_file" toml:"operator_key_file"`
	OperatorKeyEnv   string   `yaml:"operator_key_env" toml:"operator_key_env"`
	Keystore         string   `yaml:"keystore" toml:"keystore"`
	PassphraseEnv    string   `yaml:"passphrase_env" toml:"passphrase_env"`
}

// DatabaseConfig selects the wallet record store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
	Debug  bool   `yaml:"debug" toml:"debug"`
}

// PolicyConfig holds the refill and alert policy in whole units.
type PolicyConfig struct {
	RefillThreshold string   `yaml:"refill_threshold" toml:"refill_threshold"`
	RefillAmount    string   `yaml:"refill_amount" toml:"refill_amount"`
	AlertThreshold  string   `yaml:"alert_threshold" toml:"alert_threshold"`
	ConfirmTimeout  Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
}

// SentinelConfig controls the balance monitoring loop.
type SentinelConfig struct {
	Interval    Duration `yaml:"interval" toml:"interval"`
	Concurrency int      `yaml:"concurrency" toml:"concurrency"`
	Immediate   bool     `yaml:"immediate" toml:"immediate"`
}

// RetryConfig bounds retries of remote calls.
type RetryConfig struct {
	Retries   int      `yaml:"retries" toml:"retries"`
	BaseDelay Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay" toml:"max_delay"`
}

// DedupConfig controls onboarding event suppression.
type DedupConfig struct {
	Window  Duration `yaml:"window" toml:"window"`
	Horizon Duration `yaml:"horizon" toml:"horizon"`
}

// NotifyConfig configures outbound notifications.
type NotifyConfig struct {
	Webhook WebhookConfig `yaml:"webhook" toml:"webhook"`
}

// WebhookConfig configures the signed webhook channel.
type WebhookConfig struct {
	URL           string   `yaml:"url" toml:"url"`
	Secret        string   `yaml:"secret" toml:"secret"`
	SecretFile    string   `yaml:"secret_file" toml:"secret_file"`
	SecretEnv     string   `yaml:"secret_env" toml:"secret_env"`
	QueueSize     int      `yaml:"queue_size" toml:"queue_size"`
	MaxAttempts   int      `yaml:"max_attempts" toml:"max_attempts"`
	RatePerSecond float64  `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int      `yaml:"burst" toml:"burst"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string         `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string         `yaml:"bearer_token_file" toml:"bearer_token_file"`
	JWTSecret       string         `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretEnv    string         `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	JWTIssuer       string         `yaml:"jwt_issuer" toml:"jwt_issuer"`
	JWTAudience     string         `yaml:"jwt_audience" toml:"jwt_audience"`
	RatePerSecond   float64        `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst           int            `yaml:"burst" toml:"burst"`
	MTLS            MTLSConfig     `yaml:"mtls" toml:"mtls"`
	TLS             AdminTLSConfig `yaml:"tls" toml:"tls"`
}

// MTLSConfig controls mutual TLS verification.
type MTLSConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	ClientCAPath string `yaml:"client_ca" toml:"client_ca"`
}

// AdminTLSConfig configures TLS certificates for the admin API.
type AdminTLSConfig struct {
	Disable  bool   `yaml:"disable" toml:"disable"`
	CertPath string `yaml:"cert" toml:"cert"`
	KeyPath  string `yaml:"key" toml:"key"`
}

// LoadConfig reads configuration from the supplied path and applies
// CUSTODYD_* environment overrides. Files ending in .toml are decoded as TOML,
// everything else as YAML. An empty path configures the daemon from the
// environment alone.
func LoadConfig(path string) (Config, error) {
	return loadConfig(path, os.LookupEnv)
}

func loadConfig(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if _, err := toml.NewDecoder(file).Decode(&cfg); err != nil {
				return cfg, fmt.Errorf("decode config: %w", err)
			}
		} else if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Chain.normalise(lookup); err != nil {
		return cfg, fmt.Errorf("operator key: %w", err)
	}
	if err := cfg.Database.normalise(lookup); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := cfg.Notify.Webhook.normalise(lookup); err != nil {
		return cfg, fmt.Errorf("webhook: %w", err)
	}
	if err := cfg.Admin.normalise(lookup); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		dst.Duration = parsed
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = parsed
		return nil
	}

	str("CUSTODYD_LISTEN", &cfg.ListenAddress)
	str("CUSTODYD_ENV", &cfg.Environment)
	str("CUSTODYD_LOG_LEVEL", &cfg.Log.Level)
	str("CUSTODYD_RPC_URL", &cfg.Chain.RPCURL)
	str("CUSTODYD_TOKEN", &cfg.Chain.Token)
	str("CUSTODYD_CUSTODIAN", &cfg.Chain.Custodian)
	str("CUSTODYD_MASTER", &cfg.Chain.Master)
	str("CUSTODYD_OPERATOR_KEY", &cfg.Chain.OperatorKey)
	str("CUSTODYD_KEYSTORE", &cfg.Chain.Keystore)
	str("CUSTODYD_DB_DRIVER", &cfg.Database.Driver)
	str("CUSTODYD_DB_DSN", &cfg.Database.DSN)
	str("CUSTODYD_REFILL_THRESHOLD", &cfg.Policy.RefillThreshold)
	str("CUSTODYD_REFILL_AMOUNT", &cfg.Policy.RefillAmount)
	str("CUSTODYD_ALERT_THRESHOLD", &cfg.Policy.AlertThreshold)
	str("CUSTODYD_WEBHOOK_URL", &cfg.Notify.Webhook.URL)
	str("CUSTODYD_WEBHOOK_SECRET", &cfg.Notify.Webhook.Secret)
	str("CUSTODYD_ADMIN_TOKEN", &cfg.Admin.BearerToken)

	if v, ok := lookup("CUSTODYD_CHAIN_ID"); ok && strings.TrimSpace(v) != "" {
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("CUSTODYD_CHAIN_ID: %w", err)
		}
		cfg.Chain.ChainID = parsed
	}
	for key, dst := range map[string]*Duration{
		"CUSTODYD_SENTINEL_INTERVAL": &cfg.Sentinel.Interval,
		"CUSTODYD_RETRY_BASE_DELAY":  &cfg.Retry.BaseDelay,
		"CUSTODYD_CONFIRM_TIMEOUT":   &cfg.Policy.ConfirmTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	if err := integer("CUSTODYD_RETRIES", &cfg.Retry.Retries); err != nil {
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Chain.TokenDecimals == 0 {
		cfg.Chain.TokenDecimals = 18
	}
	if cfg.Chain.NativeDecimals == 0 {
		cfg.Chain.NativeDecimals = 18
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 1
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 3 * time.Second
	}
	if cfg.Chain.GasBufferPercent == 0 {
		cfg.Chain.GasBufferPercent = 20
	}
	if cfg.Chain.PassphraseEnv == "" {
		cfg.Chain.PassphraseEnv = "CUSTODYD_KEYSTORE_PASSPHRASE"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Policy.RefillThreshold == "" {
		cfg.Policy.RefillThreshold = "0.0005"
	}
	if cfg.Policy.RefillAmount == "" {
		cfg.Policy.RefillAmount = "0.001"
	}
	if cfg.Policy.AlertThreshold == "" {
		cfg.Policy.AlertThreshold = "10"
	}
	if cfg.Policy.ConfirmTimeout.Duration == 0 {
		cfg.Policy.ConfirmTimeout.Duration = 60 * time.Second
	}
	if cfg.Sentinel.Interval.Duration == 0 {
		cfg.Sentinel.Interval.Duration = 45 * time.Second
	}
	if cfg.Sentinel.Concurrency <= 0 {
		cfg.Sentinel.Concurrency = 4
	}
	if cfg.Retry.Retries == 0 {
		cfg.Retry.Retries = 3
	}
	if cfg.Retry.BaseDelay.Duration == 0 {
		cfg.Retry.BaseDelay.Duration = 500 * time.Millisecond
	}
	if cfg.Retry.MaxDelay.Duration == 0 {
		cfg.Retry.MaxDelay.Duration = 10 * time.Second
	}
	if cfg.Dedup.Window.Duration == 0 {
		cfg.Dedup.Window.Duration = 30 * time.Second
	}
	if cfg.Dedup.Horizon.Duration == 0 {
		cfg.Dedup.Horizon.Duration = 60 * time.Second
	}
	if cfg.Admin.RatePerSecond == 0 {
		cfg.Admin.RatePerSecond = 5
	}
	if cfg.Admin.Burst <= 0 {
		cfg.Admin.Burst = 10
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	for name, raw := range map[string]string{
		"token":     cfg.Chain.Token,
		"custodian": cfg.Chain.Custodian,
		"master":    cfg.Chain.Master,
	} {
		if !common.IsHexAddress(strings.TrimSpace(raw)) {
			return fmt.Errorf("chain %s must be a hex address", name)
		}
	}
	if cfg.Chain.OperatorKey == "" && cfg.Chain.Keystore == "" {
		return fmt.Errorf("operator_key or keystore must be configured")
	}
	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		return fmt.Errorf("database driver %q not supported", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if _, err := cfg.EngineSettings(); err != nil {
		return err
	}
	if cfg.Retry.Retries < 0 {
		return fmt.Errorf("retry retries must not be negative")
	}
	if cfg.Dedup.Horizon.Duration < cfg.Dedup.Window.Duration {
		return fmt.Errorf("dedup horizon must not be shorter than the window")
	}
	if cfg.Notify.Webhook.URL != "" && cfg.Notify.Webhook.Secret == "" {
		return fmt.Errorf("webhook secret must be configured with a webhook url")
	}
	if cfg.Admin.BearerToken == "" && cfg.Admin.JWTSecret == "" && !cfg.Admin.MTLS.Enabled {
		return fmt.Errorf("configure bearer_token, jwt_secret or mTLS for admin authentication")
	}
	return nil
}

// EngineSettings converts the policy section into lifecycle settings.
func (c Config) EngineSettings() (lifecycle.Settings, error) {
	settings := lifecycle.DefaultSettings()
	settings.NativeDecimals = c.Chain.NativeDecimals
	settings.TokenDecimals = c.Chain.TokenDecimals
	settings.ConfirmTimeout = c.Policy.ConfirmTimeout.Duration
	settings.SentinelConcurrency = c.Sentinel.Concurrency
	settings.Master = common.HexToAddress(strings.TrimSpace(c.Chain.Master))

	threshold, err := parseAmount("refill_threshold", c.Policy.RefillThreshold, true)
	if err != nil {
		return settings, err
	}
	amount, err := parseAmount("refill_amount", c.Policy.RefillAmount, false)
	if err != nil {
		return settings, err
	}
	alert, err := parseAmount("alert_threshold", c.Policy.AlertThreshold, true)
	if err != nil {
		return settings, err
	}
	settings.RefillThreshold = chain.FromDecimal(threshold, c.Chain.NativeDecimals)
	settings.RefillAmount = chain.FromDecimal(amount, c.Chain.NativeDecimals)
	if settings.RefillAmount.Sign() <= 0 {
		return settings, fmt.Errorf("policy refill_amount is below one base unit")
	}
	settings.AlertThreshold = alert
	return settings, nil
}

func parseAmount(name, raw string, allowZero bool) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("policy %s: %w", name, err)
	}
	if value.IsNegative() || (!allowZero && value.IsZero()) {
		return decimal.Zero, fmt.Errorf("policy %s must be positive", name)
	}
	return value, nil
}

func (c *ChainConfig) normalise(lookup func(string) (string, bool)) error {
	if c == nil {
		return fmt.Errorf("chain configuration missing")
	}
	c.OperatorKey = strings.TrimSpace(c.OperatorKey)
	c.OperatorKeyEnv = strings.TrimSpace(c.OperatorKeyEnv)
	c.OperatorKeyFile = strings.TrimSpace(c.OperatorKeyFile)
	c.Keystore = strings.TrimSpace(c.Keystore)
	if c.OperatorKey != "" || c.Keystore != "" {
		return nil
	}
	switch {
	case c.OperatorKeyEnv != "":
		value, _ := lookup(c.OperatorKeyEnv)
		value = strings.TrimSpace(value)
		if value == "" {
			return fmt.Errorf("operator_key_env %s is empty", c.OperatorKeyEnv)
		}
		c.OperatorKey = value
	case c.OperatorKeyFile != "":
		contents, err := os.ReadFile(c.OperatorKeyFile)
		if err != nil {
			return fmt.Errorf("read operator_key_file: %w", err)
		}
		c.OperatorKey = strings.TrimSpace(string(contents))
	}
	return nil
}

func (d *DatabaseConfig) normalise(lookup func(string) (string, bool)) error {
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	d.DSN = strings.TrimSpace(d.DSN)
	if d.DSN != "" || strings.TrimSpace(d.DSNEnv) == "" {
		return nil
	}
	value, _ := lookup(strings.TrimSpace(d.DSNEnv))
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("dsn_env %s is empty", d.DSNEnv)
	}
	d.DSN = strings.TrimSpace(value)
	return nil
}

func (w *WebhookConfig) normalise(lookup func(string) (string, bool)) error {
	w.URL = strings.TrimSpace(w.URL)
	w.Secret = strings.TrimSpace(w.Secret)
	if w.Secret != "" {
		return nil
	}
	switch {
	case strings.TrimSpace(w.SecretEnv) != "":
		value, _ := lookup(strings.TrimSpace(w.SecretEnv))
		w.Secret = strings.TrimSpace(value)
	case strings.TrimSpace(w.SecretFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(w.SecretFile))
		if err != nil {
			return fmt.Errorf("read secret_file: %w", err)
		}
		w.Secret = strings.TrimSpace(string(contents))
	}
	return nil
}

func (a *AdminConfig) normalise(lookup func(string) (string, bool)) error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	a.JWTSecret = strings.TrimSpace(a.JWTSecret)
	if a.JWTSecret == "" && strings.TrimSpace(a.JWTSecretEnv) != "" {
		value, _ := lookup(strings.TrimSpace(a.JWTSecretEnv))
		a.JWTSecret = strings.TrimSpace(value)
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	a.MTLS.ClientCAPath = strings.TrimSpace(a.MTLS.ClientCAPath)
	a.TLS.CertPath = strings.TrimSpace(a.TLS.CertPath)
	a.TLS.KeyPath = strings.TrimSpace(a.TLS.KeyPath)
	if a.TLS.CertPath == "" && a.TLS.KeyPath == "" {
		a.TLS.Disable = true
	}
	if !a.TLS.Disable {
		if a.TLS.CertPath == "" {
			return fmt.Errorf("tls.cert must be configured when TLS is enabled")
		}
		if a.TLS.KeyPath == "" {
			return fmt.Errorf("tls.key must be configured when TLS is enabled")
		}
	}
	if a.MTLS.Enabled && a.TLS.Disable {
		return fmt.Errorf("mTLS requires TLS to be enabled")
	}
	return nil
}
