package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// parseEnv overlays values from a .env file in the working directory, when
// present, and from the process environment. Real environment variables win
// over .env entries. Unparsable numbers and durations are ignored.
func parseEnv(config *Config) {
	_ = godotenv.Load()

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	str("HTTP_ADDR", &config.HTTPAddr)
	str("MONGODB_URI", &config.MongoURI)
	str("MONGODB_DATABASE", &config.MongoDatabase)
	str("SECRET_KEY", &config.SecretKey)
	str("S3_ROOT_USER", &config.S3RootUser)
	str("S3_ROOT_PASSWORD", &config.S3RootPassword)
	str("S3_BUCKET", &config.S3Bucket)
	str("S3_REGION", &config.S3Region)
	str("S3_BASE_ENDPOINT", &config.S3BaseEndpoint)
	str("DELIVERY_BASE_URL", &config.DeliveryBaseURL)
	str("DELIVERY_VARIANT", &config.DeliveryVariant)
	str("JOURNAL_DRIVER", &config.JournalDriver)
	str("JOURNAL_DSN", &config.JournalDSN)
	str("REDIS_ADDR", &config.RedisAddr)
	str("AMQP_URL", &config.AMQPURL)
	str("AMQP_QUEUE", &config.AMQPQueue)
	str("LOG_LEVEL", &config.LogLevel)

	if v, ok := os.LookupEnv("MAX_UPLOAD_SIZE"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.MaxUploadSize = n
		}
	}
	if v, ok := os.LookupEnv("RECONCILE_CONCURRENCY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			config.ReconcileConcurrency = n
		}
	}
	if v, ok := os.LookupEnv("LOCK_TTL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			config.LockTTL = d
		}
	}
}
