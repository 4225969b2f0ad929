package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	dbPath   string
	redisURL string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "webtrap",
	Short: "Web login honeypot with attack classification and live dashboard",
	Long: `Webtrap runs a decoy login endpoint that captures and classifies every
credential submission, stores the events in SQLite, enriches them with
geolocation, and serves an operator dashboard for querying, statistics,
the attack map and CSV export.

Features:
- Decoy login surface with believable failure behavior
- Heuristic attack-type classification (SQLi, XSS, command/LDAP injection)
- SQLite event store with filtered and aggregated queries
- Redis Streams-decoupled geolocation enrichment
- Live websocket feed and operator APIs`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.webtrap.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./data/webtrap.db", "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", "", "Redis connection URL (empty runs the in-process bus)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("redis.url", rootCmd.PersistentFlags().Lookup("redis"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".webtrap")
	}

	viper.SetEnvPrefix("WEBTRAP")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Set defaults
	viper.SetDefault("database.path", "./data/webtrap.db")
	viper.SetDefault("redis.url", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("decoy.bind", "0.0.0.0:8080")
	viper.SetDefault("decoy.rps", 10)
	viper.SetDefault("decoy.burst", 20)
	viper.SetDefault("decoy.capture_log", "data/capture/events.jsonl")
	viper.SetDefault("dashboard.bind", "127.0.0.1:9090")
	viper.SetDefault("dashboard.password", "")
	viper.SetDefault("geo.enabled", true)
	viper.SetDefault("geo.api_key", "")
	viper.SetDefault("geo.cache_ttl", "6h")
}

// GetConfig returns the current configuration values
func GetConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		Redis: RedisConfig{
			URL: viper.GetString("redis.url"),
		},
		Log: LogConfig{
			Level: viper.GetString("log.level"),
		},
		Decoy: DecoyConfig{
			Bind:       viper.GetString("decoy.bind"),
			RPS:        viper.GetInt("decoy.rps"),
			Burst:      viper.GetInt("decoy.burst"),
			CaptureLog: viper.GetString("decoy.capture_log"),
		},
		Dashboard: DashboardConfig{
			Bind:     viper.GetString("dashboard.bind"),
			Password: viper.GetString("dashboard.password"),
		},
		Geo: GeoConfig{
			Enabled:  viper.GetBool("geo.enabled"),
			APIKey:   viper.GetString("geo.api_key"),
			CacheTTL: viper.GetDuration("geo.cache_ttl"),
		},
	}
}

// Config represents the application configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Decoy     DecoyConfig     `mapstructure:"decoy"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Geo       GeoConfig       `mapstructure:"geo"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DecoyConfig struct {
	Bind       string `mapstructure:"bind"`
	RPS        int    `mapstructure:"rps"`
	Burst      int    `mapstructure:"burst"`
	CaptureLog string `mapstructure:"capture_log"`
}

type DashboardConfig struct {
	Bind     string `mapstructure:"bind"`
	Password string `mapstructure:"password"`
}

type GeoConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	APIKey   string        `mapstructure:"api_key"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}
