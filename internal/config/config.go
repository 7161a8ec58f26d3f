package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	GitHub  GitHubConfig  `mapstructure:"github"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Credit  CreditConfig  `mapstructure:"credit"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// GitHubConfig contains GitHub API connection configuration
type GitHubConfig struct {
	Token            string        `mapstructure:"token"`
	Owner            string        `mapstructure:"owner"`
	Repo             string        `mapstructure:"repo"`
	APIBaseURL       string        `mapstructure:"api_base_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxRateLimitWait time.Duration `mapstructure:"max_rate_limit_wait"`
	RequestsPerSec   float64       `mapstructure:"requests_per_second"`
	WebhookSecret    string        `mapstructure:"webhook_secret"`
}

// LedgerConfig contains ledger storage configuration
type LedgerConfig struct {
	Dir string `mapstructure:"dir"`
}

// CreditConfig contains credit distribution rules
type CreditConfig struct {
	PRMerged CreditRuleConfig `mapstructure:"pr_merged"`
}

// CreditRuleConfig defines how credit for one outcome type is split
// between contributor roles. Shares are fractions and must sum to 1.
type CreditRuleConfig struct {
	Total         float64 `mapstructure:"total"`
	AuthorShare   float64 `mapstructure:"author"`
	ReviewerShare float64 `mapstructure:"reviewers"`
	ApproverShare float64 `mapstructure:"approvers"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("consilium")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	// Set environment variable prefix
	viper.SetEnvPrefix("CONSILIUM")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("Config file not found, using defaults and environment variables")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Override with environment variables if present
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		config.GitHub.Token = token
	}
	if secret := os.Getenv("GITHUB_WEBHOOK_SECRET"); secret != "" {
		config.GitHub.WebhookSecret = secret
	}
	if dir := os.Getenv("CONSILIUM_LEDGER_DIR"); dir != "" {
		config.Ledger.Dir = dir
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// App defaults
	viper.SetDefault("app.name", "consilium")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)

	// GitHub defaults
	viper.SetDefault("github.api_base_url", "https://api.github.com")
	viper.SetDefault("github.request_timeout", "30s")
	viper.SetDefault("github.max_rate_limit_wait", "5m")
	viper.SetDefault("github.requests_per_second", 5.0)

	// Ledger defaults
	viper.SetDefault("ledger.dir", "./ledger")

	// Credit defaults (v0.1 rules)
	viper.SetDefault("credit.pr_merged.total", 100.0)
	viper.SetDefault("credit.pr_merged.author", 0.5)
	viper.SetDefault("credit.pr_merged.reviewers", 0.3)
	viper.SetDefault("credit.pr_merged.approvers", 0.2)

	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")
	viper.SetDefault("server.enable_metrics", true)
	viper.SetDefault("server.enable_health", true)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Ledger.Dir == "" {
		return fmt.Errorf("ledger directory is required")
	}
	if c.GitHub.APIBaseURL == "" {
		return fmt.Errorf("GitHub API base URL is required")
	}
	if c.GitHub.RequestTimeout <= 0 {
		return fmt.Errorf("GitHub request timeout must be positive")
	}
	shares := c.Credit.PRMerged.AuthorShare + c.Credit.PRMerged.ReviewerShare + c.Credit.PRMerged.ApproverShare
	if shares < 0.999 || shares > 1.001 {
		return fmt.Errorf("credit shares must sum to 1.0, got %.3f", shares)
	}
	if c.Credit.PRMerged.Total <= 0 {
		return fmt.Errorf("credit total must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	return nil
}
