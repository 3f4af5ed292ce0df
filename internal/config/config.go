// Package config loads configuration from file and environment and
// initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Portal       PortalConfig       `yaml:"portal" mapstructure:"portal"`
	Fetch        FetchConfig        `yaml:"fetch" mapstructure:"fetch"`
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Taxonomy     TaxonomyConfig     `yaml:"taxonomy" mapstructure:"taxonomy"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// PortalConfig configures the disclosure portal client.
type PortalConfig struct {
	SearchURL          string `yaml:"search_url" mapstructure:"search_url"`
	InstanceURL        string `yaml:"instance_url" mapstructure:"instance_url"`
	UserAgent          string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs        int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries         int    `yaml:"max_retries" mapstructure:"max_retries"`
	RequestIntervalMS  int    `yaml:"request_interval_ms" mapstructure:"request_interval_ms"`
	MaxPages           int    `yaml:"max_pages" mapstructure:"max_pages"`
	DefaultPageSize    int    `yaml:"default_page_size" mapstructure:"default_page_size"`
	SearchAllPageLimit int    `yaml:"search_all_page_limit" mapstructure:"search_all_page_limit"`
}

// RequestInterval returns the portal rate limit interval.
func (c PortalConfig) RequestInterval() time.Duration {
	return time.Duration(c.RequestIntervalMS) * time.Millisecond
}

// Timeout returns the portal request timeout.
func (c PortalConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// FetchConfig configures the artifact downloader.
type FetchConfig struct {
	SaveDir     string `yaml:"save_dir" mapstructure:"save_dir"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// Timeout returns the per-download timeout.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// StoreConfig configures the persistence backends. Reports always live
// in postgres; tasks use TaskDriver ("sqlite" or "postgres").
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	TaskDriver  string `yaml:"task_driver" mapstructure:"task_driver"`
	TaskDBPath  string `yaml:"task_db_path" mapstructure:"task_db_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// TaxonomyConfig configures taxonomy mapping files. Dir holds one
// mapping YAML per version; SchemaDir holds one subdirectory of .xsd
// and *_lab.xml files per version.
type TaxonomyConfig struct {
	Dir            string `yaml:"dir" mapstructure:"dir"`
	SchemaDir      string `yaml:"schema_dir" mapstructure:"schema_dir"`
	DefaultVersion string `yaml:"default_version" mapstructure:"default_version"`
}

// AnthropicConfig holds Anthropic API settings for the LLM fallback.
type AnthropicConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	HaikuModel string `yaml:"haiku_model" mapstructure:"haiku_model"`
}

// OrchestratorConfig tunes the batch engine.
type OrchestratorConfig struct {
	Workers             int `yaml:"workers" mapstructure:"workers"`
	BatchCap            int `yaml:"batch_cap" mapstructure:"batch_cap"`
	DownloadTimeoutSecs int `yaml:"download_timeout_secs" mapstructure:"download_timeout_secs"`
	ParseTimeoutSecs    int `yaml:"parse_timeout_secs" mapstructure:"parse_timeout_secs"`
	PersistTimeoutSecs  int `yaml:"persist_timeout_secs" mapstructure:"persist_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FUNDREPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("portal.search_url", "http://eid.csrc.gov.cn/fund/disclose/advanced_search_getlist.do")
	v.SetDefault("portal.instance_url", "http://eid.csrc.gov.cn/fund/disclose/instance_html_view.do")
	v.SetDefault("portal.timeout_secs", 30)
	v.SetDefault("portal.max_retries", 3)
	v.SetDefault("portal.request_interval_ms", 500)
	v.SetDefault("portal.max_pages", 50)
	v.SetDefault("portal.default_page_size", 20)
	v.SetDefault("fetch.save_dir", "./reports")
	v.SetDefault("fetch.timeout_secs", 120)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("store.task_driver", "sqlite")
	v.SetDefault("store.task_db_path", "./fundreport_tasks.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("taxonomy.dir", "./config/taxonomies")
	v.SetDefault("taxonomy.schema_dir", "./config/taxonomy_schemas")
	v.SetDefault("taxonomy.default_version", "default")
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("orchestrator.workers", 10)
	v.SetDefault("orchestrator.batch_cap", 500)
	v.SetDefault("orchestrator.download_timeout_secs", 120)
	v.SetDefault("orchestrator.parse_timeout_secs", 60)
	v.SetDefault("orchestrator.persist_timeout_secs", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a given command mode depends on. Modes:
// "search" (portal only), "ingest" (portal + stores + orchestrator),
// "parse" (taxonomy only), "migrate" (stores).
func (c *Config) Validate(mode string) error {
	var problems []string

	portal := func() {
		if c.Portal.SearchURL == "" {
			problems = append(problems, "portal.search_url is required")
		}
		if c.Portal.InstanceURL == "" {
			problems = append(problems, "portal.instance_url is required")
		}
		if c.Portal.RequestIntervalMS < 0 {
			problems = append(problems, "portal.request_interval_ms must be >= 0")
		}
	}
	stores := func() {
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		switch c.Store.TaskDriver {
		case "sqlite":
			if c.Store.TaskDBPath == "" {
				problems = append(problems, "store.task_db_path is required with the sqlite task driver")
			}
		case "postgres":
		default:
			problems = append(problems, "store.task_driver must be sqlite or postgres")
		}
	}
	taxonomy := func() {
		if c.Taxonomy.Dir == "" {
			problems = append(problems, "taxonomy.dir is required")
		}
		if c.Taxonomy.DefaultVersion == "" {
			problems = append(problems, "taxonomy.default_version is required")
		}
	}

	switch mode {
	case "search":
		portal()
	case "ingest":
		portal()
		stores()
		taxonomy()
		if c.Orchestrator.Workers < 1 || c.Orchestrator.Workers > 100 {
			problems = append(problems, "orchestrator.workers must be between 1 and 100")
		}
		if c.Orchestrator.BatchCap < 1 {
			problems = append(problems, "orchestrator.batch_cap must be >= 1")
		}
	case "parse":
		taxonomy()
	case "migrate":
		stores()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
