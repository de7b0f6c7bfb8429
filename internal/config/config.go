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
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	OrderEventQueue      string `mapstructure:"ORDER_EVENT_QUEUE"`
	GatewayAPIBaseURL    string `mapstructure:"GATEWAY_API_BASE_URL"`
	GatewayAPIKey        string `mapstructure:"GATEWAY_API_KEY"`
	GatewayWebhookSecret string `mapstructure:"GATEWAY_WEBHOOK_SECRET"`
	AuthJWKSURL          string `mapstructure:"AUTH_JWKS_URL"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	PlatformFeePercent   float64 `mapstructure:"PLATFORM_FEE_PERCENT"`
	GatewayFeePercent    float64 `mapstructure:"GATEWAY_FEE_PERCENT"`
	GatewayFeeFixedCents int64   `mapstructure:"GATEWAY_FEE_FIXED_CENTS"`

	HoldDurationDays     int `mapstructure:"HOLD_DURATION_DAYS"`
	RateFreshnessHours   int `mapstructure:"RATE_FRESHNESS_HOURS"`
	ProcessingGraceHours int `mapstructure:"PROCESSING_GRACE_HOURS"`
	PaymentTimeoutHours  int `mapstructure:"PAYMENT_TIMEOUT_HOURS"`
	WebhookEventTTLHours int `mapstructure:"WEBHOOK_EVENT_TTL_HOURS"`

	ReleaseSweepSchedule string `mapstructure:"RELEASE_SWEEP_SCHEDULE"`
	StuckSweepSchedule   string `mapstructure:"STUCK_SWEEP_SCHEDULE"`
	TimeoutSweepSchedule string `mapstructure:"TIMEOUT_SWEEP_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("ORDER_EVENT_QUEUE", "settlement_service.order_events")
	viper.SetDefault("PLATFORM_FEE_PERCENT", 10.0)
	viper.SetDefault("GATEWAY_FEE_PERCENT", 2.9)
	viper.SetDefault("GATEWAY_FEE_FIXED_CENTS", 30)
	viper.SetDefault("HOLD_DURATION_DAYS", 30)
	viper.SetDefault("RATE_FRESHNESS_HOURS", 24)
	viper.SetDefault("PROCESSING_GRACE_HOURS", 48)
	viper.SetDefault("PAYMENT_TIMEOUT_HOURS", 24)
	viper.SetDefault("WEBHOOK_EVENT_TTL_HOURS", 24)
	viper.SetDefault("RELEASE_SWEEP_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("STUCK_SWEEP_SCHEDULE", "15 * * * *")
	viper.SetDefault("TIMEOUT_SWEEP_SCHEDULE", "45 * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("ORDER_EVENT_QUEUE")
	_ = viper.BindEnv("GATEWAY_API_BASE_URL")
	_ = viper.BindEnv("GATEWAY_API_KEY")
	_ = viper.BindEnv("GATEWAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PLATFORM_FEE_PERCENT")
	_ = viper.BindEnv("GATEWAY_FEE_PERCENT")
	_ = viper.BindEnv("GATEWAY_FEE_FIXED_CENTS")
	_ = viper.BindEnv("GATEWAY_FEE_FIXED")
	_ = viper.BindEnv("HOLD_DURATION_DAYS")
	_ = viper.BindEnv("RATE_FRESHNESS_HOURS")
	_ = viper.BindEnv("PROCESSING_GRACE_HOURS")
	_ = viper.BindEnv("PAYMENT_TIMEOUT_HOURS")
	_ = viper.BindEnv("WEBHOOK_EVENT_TTL_HOURS")
	_ = viper.BindEnv("RELEASE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("STUCK_SWEEP_SCHEDULE")
	_ = viper.BindEnv("TIMEOUT_SWEEP_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SETTLEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)

	// Allow specifying the fixed gateway fee in whole currency units via GATEWAY_FEE_FIXED.
	if viper.IsSet("GATEWAY_FEE_FIXED") {
		feeStr := strings.TrimSpace(viper.GetString("GATEWAY_FEE_FIXED"))
		if feeStr != "" {
			feeValue, parseErr := strconv.ParseFloat(feeStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid GATEWAY_FEE_FIXED\" value=%q err=%v", feeStr, parseErr)
			} else {
				config.GatewayFeeFixedCents = int64(math.Round(feeValue * 100))
			}
		}
	}

	if config.GatewayFeeFixedCents < 0 {
		log.Printf("level=warn component=config msg=\"negative fixed gateway fee configured; coercing to zero\" fee_cents=%d", config.GatewayFeeFixedCents)
		config.GatewayFeeFixedCents = 0
	}

	config.PlatformFeePercent = clampPercent("PLATFORM_FEE_PERCENT", config.PlatformFeePercent)
	config.GatewayFeePercent = clampPercent("GATEWAY_FEE_PERCENT", config.GatewayFeePercent)

	if config.PlatformFeePercent+config.GatewayFeePercent >= 100 {
		log.Printf("level=warn component=config msg=\"combined fee percent would consume the full gross; check fee configuration\" platform=%f gateway=%f", config.PlatformFeePercent, config.GatewayFeePercent)
	}

	if config.HoldDurationDays <= 0 {
		config.HoldDurationDays = 30
	}
	if config.RateFreshnessHours <= 0 {
		config.RateFreshnessHours = 24
	}
	if config.ProcessingGraceHours <= 0 {
		config.ProcessingGraceHours = 48
	}
	if config.PaymentTimeoutHours <= 0 {
		config.PaymentTimeoutHours = 24
	}
	if config.WebhookEventTTLHours <= 0 {
		config.WebhookEventTTLHours = 24
	}

	return
}

func clampPercent(name string, value float64) float64 {
	if value < 0 {
		log.Printf("level=warn component=config msg=\"negative percent configured; coercing to zero\" key=%s value=%f", name, value)
		return 0
	}
	if value > 100 {
		log.Printf("level=warn component=config msg=\"percent too high; capping at 100\" key=%s value=%f", name, value)
		return 100
	}
	return value
}
