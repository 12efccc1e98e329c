/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultRateLimitPrefix       = "cardstack:rate_limit"
	defaultRouterTimeoutSeconds  = 5
	defaultSettlementTimeoutSecs = 60
	defaultReconcileEligibility  = 120
	defaultReconcileBatchSize    = 100
	defaultMaxActRetries         = 3
)

// Config holds all the configuration variables for the cardstack-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                  string `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix        string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                 string `mapstructure:"RABBITMQ_URL"`
	EventsExchange              string `mapstructure:"EVENTS_EXCHANGE"`
	TriggerEventQueue           string `mapstructure:"TRIGGER_EVENT_QUEUE"`
	ClerkJWKSURL                string `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience               string `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer                 string `mapstructure:"CLERK_ISSUER"`
	InternalAPIKey              string `mapstructure:"INTERNAL_API_KEY"`
	ChainConfigPath             string `mapstructure:"CHAIN_CONFIG_PATH"`
	AgentPrivateKey             string `mapstructure:"AGENT_PRIVATE_KEY"`
	AgentAccountAddress         string `mapstructure:"AGENT_ACCOUNT_ADDRESS"`
	RouterAPIBaseURL            string `mapstructure:"ROUTER_API_BASE_URL"`
	RouterAPIKey                string `mapstructure:"ROUTER_API_KEY"`
	RouterTimeoutSeconds        int    `mapstructure:"ROUTER_TIMEOUT_SECONDS"`
	SettlementTimeoutSeconds    int    `mapstructure:"SETTLEMENT_TIMEOUT_SECONDS"`
	AllocationModel             string `mapstructure:"ALLOCATION_MODEL"`
	ReconcileSchedule           string `mapstructure:"RECONCILE_SCHEDULE"`
	ExpirySchedule              string `mapstructure:"EXPIRY_SCHEDULE"`
	ReconcileEligibilitySeconds int    `mapstructure:"RECONCILE_ELIGIBILITY_SECONDS"`
	ReconcileBatchSize          int    `mapstructure:"RECONCILE_BATCH_SIZE"`
	ExecutionRateLimitPerMinute int    `mapstructure:"EXECUTION_RATE_LIMIT_PER_MINUTE"`
	MaxActRetries               int    `mapstructure:"MAX_ACT_RETRIES"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("EVENTS_EXCHANGE", "cardstack.events")
	viper.SetDefault("TRIGGER_EVENT_QUEUE", "cardstack_service.strategy_triggers")
	viper.SetDefault("CHAIN_CONFIG_PATH", "chains.yaml")
	viper.SetDefault("ROUTER_TIMEOUT_SECONDS", defaultRouterTimeoutSeconds)
	viper.SetDefault("SETTLEMENT_TIMEOUT_SECONDS", defaultSettlementTimeoutSecs)
	viper.SetDefault("ALLOCATION_MODEL", "shared")
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 1m")
	viper.SetDefault("EXPIRY_SCHEDULE", "@every 5m")
	viper.SetDefault("RECONCILE_ELIGIBILITY_SECONDS", defaultReconcileEligibility)
	viper.SetDefault("RECONCILE_BATCH_SIZE", defaultReconcileBatchSize)
	viper.SetDefault("EXECUTION_RATE_LIMIT_PER_MINUTE", 0)
	viper.SetDefault("MAX_ACT_RETRIES", defaultMaxActRetries)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CARDSTACK_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("TRIGGER_EVENT_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("CLERK_AUDIENCE")
	_ = viper.BindEnv("CLERK_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CARDSTACK_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CHAIN_CONFIG_PATH")
	_ = viper.BindEnv("AGENT_PRIVATE_KEY")
	_ = viper.BindEnv("AGENT_ACCOUNT_ADDRESS")
	_ = viper.BindEnv("ROUTER_API_BASE_URL")
	_ = viper.BindEnv("ROUTER_API_KEY")
	_ = viper.BindEnv("ROUTER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SETTLEMENT_TIMEOUT_SECONDS")
	_ = viper.BindEnv("ALLOCATION_MODEL")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("EXPIRY_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_ELIGIBILITY_SECONDS")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("EXECUTION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("MAX_ACT_RETRIES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("CARDSTACK_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.AllocationModel = strings.ToLower(strings.TrimSpace(config.AllocationModel))
	if config.AllocationModel == "" {
		config.AllocationModel = "shared"
	}

	if config.RouterTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"invalid router timeout; using default\" value=%d", config.RouterTimeoutSeconds)
		config.RouterTimeoutSeconds = defaultRouterTimeoutSeconds
	}
	if config.SettlementTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"invalid settlement timeout; using default\" value=%d", config.SettlementTimeoutSeconds)
		config.SettlementTimeoutSeconds = defaultSettlementTimeoutSecs
	}
	if config.ReconcileEligibilitySeconds <= 0 {
		config.ReconcileEligibilitySeconds = defaultReconcileEligibility
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = defaultReconcileBatchSize
	}
	if config.ExecutionRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative execution rate limit configured; disabling\" value=%d", config.ExecutionRateLimitPerMinute)
		config.ExecutionRateLimitPerMinute = 0
	}
	if config.MaxActRetries < 0 {
		log.Printf("level=warn component=config msg=\"negative act retry budget configured; coercing to zero\" value=%d", config.MaxActRetries)
		config.MaxActRetries = 0
	}

	return
}
