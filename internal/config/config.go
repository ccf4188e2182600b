// internal/config/config.go
package conf

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/bartek5186/mallsync/internal/catalog"
	"github.com/bartek5186/mallsync/internal/db"
	"github.com/bartek5186/mallsync/internal/integrations"
	"github.com/bartek5186/mallsync/internal/pipeline"
	"github.com/bartek5186/mallsync/internal/pricing"
	"github.com/bartek5186/mallsync/internal/refdata"
	"github.com/bartek5186/mallsync/internal/staging"
)

const EnvPrefix = "MALLSYNC"

// Config is the whole application config; adapter sections stay free-form
// and are decoded by their own factories.
type Config struct {
	AutoStart           bool   `mapstructure:"auto_start" json:"auto_start"`
	SyncIntervalSeconds int    `mapstructure:"sync_interval_seconds" json:"sync_interval_seconds"`
	MetricsAddr         string `mapstructure:"metrics_addr" json:"metrics_addr"`

	Log      LogConfig        `mapstructure:"log" json:"log"`
	Database db.Options       `mapstructure:"database" json:"database"`
	Redis    RedisConfig      `mapstructure:"redis" json:"redis"`
	Pricing  PricingConfig    `mapstructure:"pricing" json:"pricing"`
	Staging  staging.Options  `mapstructure:"staging" json:"staging"`
	Catalog  catalog.Options  `mapstructure:"catalog" json:"catalog"`
	Pipeline pipeline.Options `mapstructure:"pipeline" json:"pipeline"`
	Orders   OrdersConfig     `mapstructure:"orders" json:"orders"`

	Retailers []RetailerConfig          `mapstructure:"retailers" json:"retailers"`
	Sources   []integrations.SourceSpec `mapstructure:"sources" json:"sources"`
	Hubs      []integrations.HubSpec    `mapstructure:"hubs" json:"hubs"`
}

type LogConfig struct {
	Level   string `mapstructure:"level" json:"level"`
	Console bool   `mapstructure:"console" json:"console"`
}

// RedisConfig enables reference data invalidation when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"password"`
	DB       int    `mapstructure:"db" json:"db"`
	Channel  string `mapstructure:"channel" json:"channel"`
}

type TariffClassConfig struct {
	Name       string   `mapstructure:"name" json:"name"`
	Factor     float64  `mapstructure:"factor" json:"factor"`
	Categories []string `mapstructure:"categories" json:"categories"`
}

type PricingConfig struct {
	ExchangeRate        float64             `mapstructure:"exchange_rate" json:"exchange_rate"`
	ShippingRate        float64             `mapstructure:"shipping_rate" json:"shipping_rate"`
	VAT                 float64             `mapstructure:"vat" json:"vat"`
	MarginRate          float64             `mapstructure:"margin_rate" json:"margin_rate"`
	SpecialTaxRate      float64             `mapstructure:"special_tax_rate" json:"special_tax_rate"`
	SpecialTaxThreshold float64             `mapstructure:"special_tax_threshold" json:"special_tax_threshold"`
	RoundingUnit        float64             `mapstructure:"rounding_unit" json:"rounding_unit"`
	MarkupPolicy        string              `mapstructure:"markup_policy" json:"markup_policy"`
	TariffClasses       []TariffClassConfig `mapstructure:"tariff_classes" json:"tariff_classes"`
}

type OrdersConfig struct {
	TimeoutSeconds  int      `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	Concurrency     int      `mapstructure:"concurrency" json:"concurrency"`
	SoldoutPatterns []string `mapstructure:"soldout_patterns" json:"soldout_patterns"`
}

// RetailerConfig seeds the retailers table.
type RetailerConfig struct {
	Code         string `mapstructure:"code" json:"code"`
	Name         string `mapstructure:"name" json:"name"`
	ShortCode    string `mapstructure:"short_code" json:"short_code"`
	OrderAPIName string `mapstructure:"order_api_name" json:"order_api_name"`
}

// Default is written on first run.
func Default() *Config {
	return &Config{
		AutoStart:           false,
		SyncIntervalSeconds: 1800,
		MetricsAddr:         ":9108",
		Log:                 LogConfig{Level: "info", Console: true},
		Database:            db.Options{Driver: "sqlite"},
		Redis:               RedisConfig{Channel: refdata.DefaultChannel},
		Pricing: PricingConfig{
			ExchangeRate:        1450,
			ShippingRate:        0.03,
			VAT:                 0.10,
			MarginRate:          0.15,
			SpecialTaxRate:      0.20,
			SpecialTaxThreshold: 2000000,
			RoundingUnit:        1000,
			MarkupPolicy:        string(pricing.MarkupIdentity),
			TariffClasses: []TariffClassConfig{
				{Name: "apparel", Factor: 1.13, Categories: []string{"Apparel", "Footwear"}},
				{Name: "bags", Factor: 1.08, Categories: []string{"Bags", "Accessories"}},
			},
		},
		Staging:  staging.Options{BatchSize: 500, Concurrency: 4},
		Catalog:  catalog.Options{BatchSize: 200},
		Pipeline: pipeline.Options{MaxBatches: 100, Concurrency: 2},
		Orders:   OrdersConfig{TimeoutSeconds: 30, Concurrency: 4},
		Retailers: []RetailerConfig{
			{Code: "IT-G-01", Name: "GNB"},
		},
		Sources: []integrations.SourceSpec{
			{Code: "IT-G-01", Name: "GNB", Kind: "feedfile", Enabled: false, Options: map[string]any{
				"dir":    "~/mallsync/feeds/gnb",
				"prefix": "COMPANY_",
			}},
		},
		Hubs: []integrations.HubSpec{},
	}
}

// LoadOrCreate reads path through viper, writing Default there first when
// the file does not exist. MALLSYNC_* variables override file values, e.g.
// MALLSYNC_DATABASE_DSN or MALLSYNC_PRICING_EXCHANGE_RATE.
func LoadOrCreate(path string) (*Config, bool, error) {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)

	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Save(path, Default()); err != nil {
			return nil, false, eris.Wrap(err, "config: write default")
		}
		created = true
	} else if err != nil {
		return nil, false, eris.Wrapf(err, "config: stat %s", path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, false, eris.Wrapf(err, "config: read %s", path)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, false, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return &cfg, created, nil
}

// setDefaults registers every scalar key so environment overrides apply
// even when the file omits it.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("auto_start", d.AutoStart)
	v.SetDefault("sync_interval_seconds", d.SyncIntervalSeconds)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.console", d.Log.Console)
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.verbose", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", d.Redis.Channel)
	v.SetDefault("pricing.exchange_rate", d.Pricing.ExchangeRate)
	v.SetDefault("pricing.shipping_rate", d.Pricing.ShippingRate)
	v.SetDefault("pricing.vat", d.Pricing.VAT)
	v.SetDefault("pricing.margin_rate", d.Pricing.MarginRate)
	v.SetDefault("pricing.special_tax_rate", d.Pricing.SpecialTaxRate)
	v.SetDefault("pricing.special_tax_threshold", d.Pricing.SpecialTaxThreshold)
	v.SetDefault("pricing.rounding_unit", d.Pricing.RoundingUnit)
	v.SetDefault("pricing.markup_policy", d.Pricing.MarkupPolicy)
	v.SetDefault("staging.batch_size", d.Staging.BatchSize)
	v.SetDefault("staging.concurrency", d.Staging.Concurrency)
	v.SetDefault("catalog.batch_size", d.Catalog.BatchSize)
	v.SetDefault("pipeline.max_batches", d.Pipeline.MaxBatches)
	v.SetDefault("pipeline.concurrency", d.Pipeline.Concurrency)
	v.SetDefault("orders.timeout_seconds", d.Orders.TimeoutSeconds)
	v.SetDefault("orders.concurrency", d.Orders.Concurrency)
}

func Save(path string, cfg *Config) error {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func (c *Config) Validate() error {
	seen := map[string]bool{}
	for _, s := range c.Sources {
		if strings.TrimSpace(s.Code) == "" {
			return eris.New("config: source without code")
		}
		if seen[s.Code] {
			return eris.Errorf("config: source %s listed twice", s.Code)
		}
		seen[s.Code] = true
	}
	hubs := map[string]bool{}
	for _, h := range c.Hubs {
		if hubs[h.Name] {
			return eris.Errorf("config: hub %s listed twice", h.Name)
		}
		hubs[h.Name] = true
	}
	if c.Pricing.ExchangeRate <= 0 {
		return eris.New("config: pricing.exchange_rate must be positive")
	}
	return nil
}

// Source returns the configured feed of supplier code.
func (c *Config) Source(code string) (integrations.SourceSpec, bool) {
	for _, s := range c.Sources {
		if s.Code == code {
			return s, true
		}
	}
	return integrations.SourceSpec{}, false
}

// RefdataSettings converts the pricing section; tariff classes fall back
// to pricing.DefaultTariffClasses when none are configured.
func (c *Config) RefdataSettings() (refdata.Settings, error) {
	p := c.Pricing
	policy, err := pricing.ParseMarkupPolicy(p.MarkupPolicy)
	if err != nil {
		return refdata.Settings{}, err
	}
	s := refdata.Settings{
		Rates: pricing.Rates{
			ExchangeRate:        decimal.NewFromFloat(p.ExchangeRate),
			ShippingRate:        decimal.NewFromFloat(p.ShippingRate),
			VAT:                 decimal.NewFromFloat(p.VAT),
			MarginRate:          decimal.NewFromFloat(p.MarginRate),
			SpecialTaxRate:      decimal.NewFromFloat(p.SpecialTaxRate),
			SpecialTaxThreshold: decimal.NewFromFloat(p.SpecialTaxThreshold),
			RoundingUnit:        decimal.NewFromFloat(p.RoundingUnit),
		},
		MarkupPolicy: policy,
	}
	if len(p.TariffClasses) == 0 {
		s.TariffClasses = pricing.DefaultTariffClasses()
		return s, nil
	}
	for _, tc := range p.TariffClasses {
		if tc.Factor <= 0 {
			return refdata.Settings{}, eris.Errorf("config: tariff class %s needs a positive factor", tc.Name)
		}
		s.TariffClasses = append(s.TariffClasses, pricing.TariffClass{
			Name:       tc.Name,
			Factor:     decimal.NewFromFloat(tc.Factor),
			Categories: tc.Categories,
		})
	}
	return s, nil
}

// AppDir returns (and creates) the per-user data directory of name.
func AppDir(name string) (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", eris.Wrap(err, "config: user config dir")
	}
	p := filepath.Join(base, name)
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", eris.Wrapf(err, "config: create %s", p)
	}
	return p, nil
}
