package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Status  StatusConfig  `mapstructure:"status"`
	Log     LogConfig     `mapstructure:"log"`
}

type BackendConfig struct {
	APIURL string `mapstructure:"api_url"`
}

type LLMConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type WorkerConfig struct {
	PollIntervalS        int `mapstructure:"poll_interval_s"`
	BatchSize            int `mapstructure:"batch_size"`
	LeaseTTLS            int `mapstructure:"lease_ttl_s"`
	SettingsTTLS         int `mapstructure:"settings_ttl_s"`
	ProviderTimeoutS     int `mapstructure:"provider_timeout_s"`
	ProviderBatchBudgetS int `mapstructure:"provider_batch_budget_s"`
}

type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalS) * time.Second
}

func (w WorkerConfig) LeaseTTL() time.Duration {
	return time.Duration(w.LeaseTTLS) * time.Second
}

func (w WorkerConfig) SettingsTTL() time.Duration {
	return time.Duration(w.SettingsTTLS) * time.Second
}

func (w WorkerConfig) ProviderTimeout() time.Duration {
	return time.Duration(w.ProviderTimeoutS) * time.Second
}

func (w WorkerConfig) ProviderBatchBudget() time.Duration {
	return time.Duration(w.ProviderBatchBudgetS) * time.Second
}

// LoadConfig reads an optional YAML file and layers recognized
// environment variables on top. Missing backend URL or provider
// credential is a startup error; the process must exit 1 on it.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("worker.poll_interval_s", 5)
	v.SetDefault("worker.batch_size", 30)
	v.SetDefault("worker.lease_ttl_s", 120)
	v.SetDefault("worker.settings_ttl_s", 300)
	v.SetDefault("worker.provider_timeout_s", 60)
	v.SetDefault("worker.provider_batch_budget_s", 180)
	v.SetDefault("log.level", "info")

	// Enable environment variable support
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Recognized environment variables take precedence.
	if url := v.GetString("BACKEND_API_URL"); url != "" {
		config.Backend.APIURL = url
	}
	if key := v.GetString("LLM_API_KEY"); key != "" {
		config.LLM.APIKey = key
	}
	if n := v.GetInt("POLL_INTERVAL_S"); n > 0 {
		config.Worker.PollIntervalS = n
	}
	if n := v.GetInt("BATCH_SIZE"); n > 0 {
		config.Worker.BatchSize = n
	}
	if n := v.GetInt("LEASE_TTL_S"); n > 0 {
		config.Worker.LeaseTTLS = n
	}
	if n := v.GetInt("SETTINGS_TTL_S"); n > 0 {
		config.Worker.SettingsTTLS = n
	}
	if n := v.GetInt("PROVIDER_TIMEOUT_S"); n > 0 {
		config.Worker.ProviderTimeoutS = n
	}
	if n := v.GetInt("PROVIDER_BATCH_BUDGET_S"); n > 0 {
		config.Worker.ProviderBatchBudgetS = n
	}
	if addr := v.GetString("STATUS_ADDR"); addr != "" {
		config.Status.Addr = addr
	}
	if level := v.GetString("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}

	if config.Backend.APIURL == "" {
		return nil, fmt.Errorf("BACKEND_API_URL is required")
	}
	if config.LLM.APIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}

	return &config, nil
}
