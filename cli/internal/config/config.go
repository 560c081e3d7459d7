// Package config loads the CLI configuration from persist.yaml, the
// environment and an optional .env file.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the database connection settings of the CLI.
type Config struct {
	// Provider is the SQL dialect: postgres, mysql or sqlite.
	Provider string

	// URL is the driver connection string.
	URL string
}

// Load reads the configuration from an explicit config file or, without
// one, from persist.yaml in the working directory or in ~/.persist-go.
// PERSIST_* environment variables (optionally set from a .env file in the
// working directory) take precedence over values from the file.
func Load(configFile string) (*Config, error) {
	// a missing .env file is fine
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("PERSIST")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("persist")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".persist-go"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// the config file is optional when the environment is complete
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return nil, fmt.Errorf("reading config failed: %w", err)
		}
	}

	cfg := &Config{
		Provider: v.GetString("provider"),
		URL:      v.GetString("url"),
	}

	if cfg.Provider == "" || cfg.URL == "" {
		return nil, fmt.Errorf("incomplete configuration: provider and url are required " +
			"(persist.yaml or PERSIST_PROVIDER/PERSIST_URL)")
	}

	return cfg, nil
}
