package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix = "SETTLE"

	defaultQuoteBaseURL       = "https://api.frankfurter.app"
	defaultQuoteSource        = "frankfurter"
	defaultMinRefreshInterval = time.Minute
	defaultClientTimeout      = 10 * time.Second
	defaultFundingBaseURL     = "http://localhost:8090"
	defaultPollBaseDelay      = 2500 * time.Millisecond
	defaultPollStep           = 250 * time.Millisecond
	defaultPollMaxDelay       = 4 * time.Second
	defaultPollErrorDelay     = 2 * time.Second
	defaultStuckAfter         = 45 * time.Second
	defaultServerAddr         = ":8080"
	defaultJournalDir         = "./wal/outcomes"
)

type Config struct {
	Quote   QuoteConfig
	Funding FundingConfig
	Poller  PollerConfig
	Server  ServerConfig
	Journal JournalConfig
}

type QuoteConfig struct {
	BaseURL            string
	APIKey             string
	Source             string
	MinRefreshInterval time.Duration
	Timeout            time.Duration
}

type FundingConfig struct {
	BaseURL           string
	APIKey            string
	RequireSettlement bool
	Timeout           time.Duration
}

type PollerConfig struct {
	BaseDelay  time.Duration
	Step       time.Duration
	MaxDelay   time.Duration
	ErrorDelay time.Duration
	StuckAfter time.Duration
}

type ServerConfig struct {
	Addr string
}

type JournalConfig struct {
	Dir string
}

// ConfigTmp mirrors the yaml file. Durations stay strings until validated.
type ConfigTmp struct {
	Quote struct {
		BaseURL            string `yaml:"base_url,omitempty"`
		APIKey             string `yaml:"api_key,omitempty"`
		Source             string `yaml:"source,omitempty"`
		MinRefreshInterval string `yaml:"min_refresh_interval,omitempty"`
		Timeout            string `yaml:"timeout,omitempty"`
	} `yaml:"quote"`
	Funding struct {
		BaseURL           string `yaml:"base_url,omitempty"`
		APIKey            string `yaml:"api_key,omitempty"`
		RequireSettlement *bool  `yaml:"require_settlement,omitempty"`
		Timeout           string `yaml:"timeout,omitempty"`
	} `yaml:"funding"`
	Poller struct {
		BaseDelay  string `yaml:"base_delay,omitempty"`
		Step       string `yaml:"step,omitempty"`
		MaxDelay   string `yaml:"max_delay,omitempty"`
		ErrorDelay string `yaml:"error_delay,omitempty"`
		StuckAfter string `yaml:"stuck_after,omitempty"`
	} `yaml:"poller"`
	Server struct {
		Addr string `yaml:"addr,omitempty"`
	} `yaml:"server"`
	Journal struct {
		Dir string `yaml:"dir,omitempty"`
	} `yaml:"journal"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Quote: QuoteConfig{
			BaseURL:            defaultQuoteBaseURL,
			Source:             defaultQuoteSource,
			MinRefreshInterval: defaultMinRefreshInterval,
			Timeout:            defaultClientTimeout,
		},
		Funding: FundingConfig{
			BaseURL:           defaultFundingBaseURL,
			RequireSettlement: true,
			Timeout:           defaultClientTimeout,
		},
		Poller: PollerConfig{
			BaseDelay:  defaultPollBaseDelay,
			Step:       defaultPollStep,
			MaxDelay:   defaultPollMaxDelay,
			ErrorDelay: defaultPollErrorDelay,
			StuckAfter: defaultStuckAfter,
		},
		Server:  ServerConfig{Addr: defaultServerAddr},
		Journal: JournalConfig{Dir: defaultJournalDir},
	}
}

// Load reads the yaml file at path (defaults when empty) and applies
// SETTLE_* environment overrides, e.g. SETTLE_FUNDING_API_KEY.
func Load(path string, v *viper.Viper) (Config, error) {
	cfg := Default()

	if path != "" {
		var err error
		cfg, err = getYaml(path)
		if err != nil {
			return Config{}, err
		}
	}

	if v == nil {
		v = NewViper()
	}
	applyEnv(&cfg, v)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// NewViper returns a viper instance bound to SETTLE_* variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Validate checks the cross-field constraints.
func (c Config) Validate() error {
	if c.Funding.BaseURL == "" {
		return errors.New("incorrect 'funding.base_url' param: must not be empty")
	}
	if c.Quote.BaseURL == "" {
		return errors.New("incorrect 'quote.base_url' param: must not be empty")
	}
	if c.Poller.BaseDelay <= 0 || c.Poller.MaxDelay <= 0 || c.Poller.ErrorDelay <= 0 {
		return errors.New("incorrect poller delays: must be positive")
	}
	if c.Poller.Step < 0 {
		return errors.Errorf("incorrect 'poller.step' param: %s must not be negative", c.Poller.Step)
	}
	if c.Poller.MaxDelay < c.Poller.BaseDelay {
		return errors.Errorf("incorrect 'poller.max_delay' param: %s is below base delay %s", c.Poller.MaxDelay, c.Poller.BaseDelay)
	}
	if c.Poller.StuckAfter <= 0 {
		return errors.New("incorrect 'poller.stuck_after' param: must be positive")
	}

	return nil
}

// Marshal renders cfg in the yaml file format.
func Marshal(cfg Config) ([]byte, error) {
	var tmp ConfigTmp
	tmp.Quote.BaseURL = cfg.Quote.BaseURL
	tmp.Quote.APIKey = cfg.Quote.APIKey
	tmp.Quote.Source = cfg.Quote.Source
	tmp.Quote.MinRefreshInterval = cfg.Quote.MinRefreshInterval.String()
	tmp.Quote.Timeout = cfg.Quote.Timeout.String()
	tmp.Funding.BaseURL = cfg.Funding.BaseURL
	tmp.Funding.APIKey = cfg.Funding.APIKey
	tmp.Funding.RequireSettlement = &cfg.Funding.RequireSettlement
	tmp.Funding.Timeout = cfg.Funding.Timeout.String()
	tmp.Poller.BaseDelay = cfg.Poller.BaseDelay.String()
	tmp.Poller.Step = cfg.Poller.Step.String()
	tmp.Poller.MaxDelay = cfg.Poller.MaxDelay.String()
	tmp.Poller.ErrorDelay = cfg.Poller.ErrorDelay.String()
	tmp.Poller.StuckAfter = cfg.Poller.StuckAfter.String()
	tmp.Server.Addr = cfg.Server.Addr
	tmp.Journal.Dir = cfg.Journal.Dir

	return yaml.Marshal(tmp)
}

func getYaml(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}

	return fromTmp(tmp)
}

func fromTmp(tmp ConfigTmp) (Config, error) {
	cfg := Default()

	setString(&cfg.Quote.BaseURL, tmp.Quote.BaseURL)
	setString(&cfg.Quote.APIKey, tmp.Quote.APIKey)
	setString(&cfg.Quote.Source, tmp.Quote.Source)
	setString(&cfg.Funding.BaseURL, tmp.Funding.BaseURL)
	setString(&cfg.Funding.APIKey, tmp.Funding.APIKey)
	setString(&cfg.Server.Addr, tmp.Server.Addr)
	setString(&cfg.Journal.Dir, tmp.Journal.Dir)

	if tmp.Funding.RequireSettlement != nil {
		cfg.Funding.RequireSettlement = *tmp.Funding.RequireSettlement
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"quote.min_refresh_interval", tmp.Quote.MinRefreshInterval, &cfg.Quote.MinRefreshInterval},
		{"quote.timeout", tmp.Quote.Timeout, &cfg.Quote.Timeout},
		{"funding.timeout", tmp.Funding.Timeout, &cfg.Funding.Timeout},
		{"poller.base_delay", tmp.Poller.BaseDelay, &cfg.Poller.BaseDelay},
		{"poller.step", tmp.Poller.Step, &cfg.Poller.Step},
		{"poller.max_delay", tmp.Poller.MaxDelay, &cfg.Poller.MaxDelay},
		{"poller.error_delay", tmp.Poller.ErrorDelay, &cfg.Poller.ErrorDelay},
		{"poller.stuck_after", tmp.Poller.StuckAfter, &cfg.Poller.StuckAfter},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, errors.Wrapf(err, "incorrect '%s' param in yaml config (correct format is 2.5s)", d.name)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

func applyEnv(cfg *Config, v *viper.Viper) {
	setString(&cfg.Quote.BaseURL, v.GetString("quote.base_url"))
	setString(&cfg.Quote.APIKey, v.GetString("quote.api_key"))
	setString(&cfg.Funding.BaseURL, v.GetString("funding.base_url"))
	setString(&cfg.Funding.APIKey, v.GetString("funding.api_key"))
	setString(&cfg.Server.Addr, v.GetString("server.addr"))
	setString(&cfg.Journal.Dir, v.GetString("journal.dir"))

	if v.IsSet("funding.require_settlement") {
		cfg.Funding.RequireSettlement = v.GetBool("funding.require_settlement")
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
