package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// FGConfig holds the application configuration
type FGConfig struct {
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Auth struct {
		// JWTSecret verifies session tokens issued by the auth service.
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`

	Events struct {
		Host     string `mapstructure:"host"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"events"`

	Landing struct {
		RequiredApprovals int    `mapstructure:"required_approvals"`
		JJBinary          string `mapstructure:"jj_binary"`
		ReposRoot         string `mapstructure:"repos_root"`
	} `mapstructure:"landing"`

	Runner struct {
		ServerURL       string   `mapstructure:"server_url"`
		Name            string   `mapstructure:"name"`
		Version         string   `mapstructure:"version"`
		Labels          []string `mapstructure:"labels"`
		TokenFile       string   `mapstructure:"token_file"`
		PollIntervalSec int      `mapstructure:"poll_interval_sec"`
		WorkDir         string   `mapstructure:"work_dir"`
	} `mapstructure:"runner"`

	Sweeper struct {
		Interval        string `mapstructure:"interval"`
		OfflineAfterSec int    `mapstructure:"offline_after_sec"`
	} `mapstructure:"sweeper"`

	LogLevel zerolog.Level `mapstructure:"log_level"`
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*FGConfig, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("FG_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err != nil {
		return nil, err
	}
	return config, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "forge")
	v.SetDefault("database.sslmode", "disable")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("events.host", "localhost:6379")
	v.SetDefault("events.password", "redis")
	v.SetDefault("events.db", 0)

	// Landing queue defaults
	v.SetDefault("landing.required_approvals", 1)
	v.SetDefault("landing.jj_binary", "jj")
	v.SetDefault("landing.repos_root", "repos")

	// Runner defaults
	v.SetDefault("runner.server_url", "http://localhost:8080")
	v.SetDefault("runner.name", "")
	v.SetDefault("runner.version", "dev")
	v.SetDefault("runner.labels", []string{"linux"})
	v.SetDefault("runner.token_file", "runner-token")
	v.SetDefault("runner.poll_interval_sec", 5)
	v.SetDefault("runner.work_dir", "")

	// Sweeper defaults
	v.SetDefault("sweeper.interval", "@every 1m")
	v.SetDefault("sweeper.offline_after_sec", 120)

	// Log level default
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("FG")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*FGConfig, error) {
	var config FGConfig

	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}

	return &config, nil
}

// GetDatabaseURL returns a formatted database connection string
func (c *FGConfig) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}
