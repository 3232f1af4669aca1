package main

import (
	"github.com/spf13/viper"
)

// config holds all rebilld settings. Values come from environment
// variables, with defaults suitable for local development.
type config struct {
	StoreDriver   string `mapstructure:"REBILL_STORE"`
	DatabaseURL   string `mapstructure:"REBILL_DATABASE_URL"`
	MongoDatabase string `mapstructure:"REBILL_MONGO_DATABASE"`

	RedisURL     string `mapstructure:"REBILL_REDIS_URL"`
	AMQPURL      string `mapstructure:"REBILL_AMQP_URL"`
	AMQPExchange string `mapstructure:"REBILL_AMQP_EXCHANGE"`

	MetricsAddr string `mapstructure:"REBILL_METRICS_ADDR"`
	LogLevel    string `mapstructure:"REBILL_LOG_LEVEL"`

	DueSchedule   string `mapstructure:"REBILL_DUE_SCHEDULE"`
	RetrySchedule string `mapstructure:"REBILL_RETRY_SCHEDULE"`
	GraceSchedule string `mapstructure:"REBILL_GRACE_SCHEDULE"`
	TrialSchedule string `mapstructure:"REBILL_TRIAL_SCHEDULE"`

	GraceHours       int `mapstructure:"REBILL_GRACE_HOURS"`
	BatchConcurrency int `mapstructure:"REBILL_BATCH_CONCURRENCY"`
	SweepLimit       int `mapstructure:"REBILL_SWEEP_LIMIT"`
}

// loadConfig reads configuration from environment variables.
func loadConfig() (*config, error) {
	viper.SetDefault("REBILL_STORE", "memory")
	viper.SetDefault("REBILL_MONGO_DATABASE", "rebill")
	viper.SetDefault("REBILL_METRICS_ADDR", ":2112")
	viper.SetDefault("REBILL_LOG_LEVEL", "info")
	viper.SetDefault("REBILL_GRACE_HOURS", 72)
	viper.SetDefault("REBILL_BATCH_CONCURRENCY", 8)
	viper.SetDefault("REBILL_SWEEP_LIMIT", 500)
	viper.AutomaticEnv()

	// Bind environment variables explicitly so they appear in Unmarshal.
	keys := []string{
		"REBILL_STORE",
		"REBILL_DATABASE_URL",
		"REBILL_MONGO_DATABASE",
		"REBILL_REDIS_URL",
		"REBILL_AMQP_URL",
		"REBILL_AMQP_EXCHANGE",
		"REBILL_METRICS_ADDR",
		"REBILL_LOG_LEVEL",
		"REBILL_DUE_SCHEDULE",
		"REBILL_RETRY_SCHEDULE",
		"REBILL_GRACE_SCHEDULE",
		"REBILL_TRIAL_SCHEDULE",
		"REBILL_GRACE_HOURS",
		"REBILL_BATCH_CONCURRENCY",
		"REBILL_SWEEP_LIMIT",
	}
	for _, key := range keys {
		_ = viper.BindEnv(key) //nolint:errcheck // BindEnv only fails on empty key
	}

	var cfg config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
