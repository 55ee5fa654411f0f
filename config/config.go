package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
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

// Config captures runtime configuration for satmarketd.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	Environment   string         `yaml:"environment"`
	AdminToken    string         `yaml:"admin_token"`
	DatabaseDSN   string         `yaml:"database_dsn"`
	Engine        EngineConfig   `yaml:"engine"`
	Funding       FundingConfig  `yaml:"funding"`
	Provider      ProviderConfig `yaml:"provider"`
	Recon         ReconConfig    `yaml:"recon"`
	Alerts        AlertsConfig   `yaml:"alerts"`
}

// EngineConfig tunes the swap engine's liquidity floors.
type EngineConfig struct {
	MinOutput    string `yaml:"min_output"`
	ReserveFloor string `yaml:"reserve_floor"`
}

// FundingConfig controls deposits and withdrawals.
type FundingConfig struct {
	PaymentToken   string   `yaml:"payment_token"`
	MinDepositSats int64    `yaml:"min_deposit_sats"`
	InvoiceExpiry  Duration `yaml:"invoice_expiry"`
	MaxFeeSats     int64    `yaml:"max_fee_sats"`
}

// ProviderEndpoint is one payment provider instance.
type ProviderEndpoint struct {
	Name       string `yaml:"name"`
	BaseURL    string `yaml:"base_url"`
	InvoiceKey string `yaml:"invoice_key"`
	AdminKey   string `yaml:"admin_key"`
}

// ProviderConfig tunes the payment client.
type ProviderConfig struct {
	Primary    ProviderEndpoint  `yaml:"primary"`
	Failover   *ProviderEndpoint `yaml:"failover"`
	Attempts   int               `yaml:"attempts"`
	Backoff    Duration          `yaml:"backoff"`
	Timeout    Duration          `yaml:"timeout"`
	RatePerSec float64           `yaml:"rate_per_sec"`
}

// ReconConfig tunes the reconciliation sweeps.
type ReconConfig struct {
	Grace            Duration `yaml:"grace"`
	BatchSize        int      `yaml:"batch_size"`
	SweepInterval    Duration `yaml:"sweep_interval"`
	AuditInterval    Duration `yaml:"audit_interval"`
	HealthInterval   Duration `yaml:"health_interval"`
	SuccessRateFloor float64  `yaml:"success_rate_floor"`
	HealthWindow     Duration `yaml:"health_window"`
	BacklogThreshold int64    `yaml:"backlog_threshold"`
}

// AlertsConfig points operational alerts at a webhook.
type AlertsConfig struct {
	WebhookURL string   `yaml:"webhook_url"`
	Secret     string   `yaml:"secret"`
	QueueSize  int      `yaml:"queue_size"`
	Timeout    Duration `yaml:"timeout"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Funding.PaymentToken == "" {
		cfg.Funding.PaymentToken = "SAT"
	}
	if cfg.Funding.MinDepositSats <= 0 {
		cfg.Funding.MinDepositSats = 100
	}
	if cfg.Funding.InvoiceExpiry.Duration == 0 {
		cfg.Funding.InvoiceExpiry.Duration = 30 * time.Minute
	}
	if cfg.Funding.MaxFeeSats <= 0 {
		cfg.Funding.MaxFeeSats = 50
	}
	if cfg.Provider.Attempts <= 0 {
		cfg.Provider.Attempts = 3
	}
	if cfg.Provider.Backoff.Duration == 0 {
		cfg.Provider.Backoff.Duration = 500 * time.Millisecond
	}
	if cfg.Provider.Timeout.Duration == 0 {
		cfg.Provider.Timeout.Duration = 15 * time.Second
	}
	if cfg.Recon.Grace.Duration == 0 {
		cfg.Recon.Grace.Duration = time.Minute
	}
	if cfg.Recon.BatchSize <= 0 {
		cfg.Recon.BatchSize = 100
	}
	if cfg.Recon.SweepInterval.Duration == 0 {
		cfg.Recon.SweepInterval.Duration = 30 * time.Second
	}
	if cfg.Recon.AuditInterval.Duration == 0 {
		cfg.Recon.AuditInterval.Duration = 10 * time.Minute
	}
	if cfg.Recon.HealthInterval.Duration == 0 {
		cfg.Recon.HealthInterval.Duration = time.Minute
	}
	if cfg.Recon.SuccessRateFloor <= 0 {
		cfg.Recon.SuccessRateFloor = 0.9
	}
	if cfg.Recon.HealthWindow.Duration == 0 {
		cfg.Recon.HealthWindow.Duration = time.Hour
	}
	if cfg.Recon.BacklogThreshold <= 0 {
		cfg.Recon.BacklogThreshold = 50
	}
	if cfg.Alerts.QueueSize <= 0 {
		cfg.Alerts.QueueSize = 256
	}
	if cfg.Alerts.Timeout.Duration == 0 {
		cfg.Alerts.Timeout.Duration = 10 * time.Second
	}
}

func validate(cfg Config) error {
	if cfg.DatabaseDSN == "" {
		return fmt.Errorf("database_dsn must be configured")
	}
	if cfg.AdminToken == "" {
		return fmt.Errorf("admin_token must be configured")
	}
	if cfg.Provider.Primary.BaseURL == "" {
		return fmt.Errorf("provider primary base_url must be configured")
	}
	if cfg.Provider.Failover != nil && cfg.Provider.Failover.BaseURL == "" {
		return fmt.Errorf("provider failover base_url must be configured when failover is set")
	}
	if cfg.Recon.SuccessRateFloor > 1 {
		return fmt.Errorf("recon success_rate_floor must be at most 1")
	}
	return nil
}
