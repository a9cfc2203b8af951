// Package config handles configuration for the server and the reconcile
// command: defaults, .env and environment overlay, an optional JSON or YAML
// file and finally command-line flags.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds runtime settings.
//
// Fields:
//   - HTTPAddr: bind address of the HTTP API.
//   - MongoURI / MongoDatabase: document store holding owners and images.
//   - SecretKey: HMAC secret for verifying JWTs (HS256).
//   - S3*: object storage for uploaded files.
//   - DeliveryBaseURL / DeliveryVariant: CDN delivery URLs of images.
//   - ReconcileConcurrency / LockTTL: reconciliation run settings.
//   - JournalDriver / JournalDSN: SQL journal of reconciliation runs, off when the DSN is empty.
//   - RedisAddr: run lock across processes, off when empty.
//   - AMQPURL / AMQPQueue: image upload events, off when the URL is empty.
type Config struct {
	HTTPAddr             string        `validate:"required"`
	MongoURI             string        `validate:"required"`
	MongoDatabase        string        `validate:"required"`
	SecretKey            string        `validate:"required,min=8"`
	S3RootUser           string        `validate:"required"`
	S3RootPassword       string        `validate:"required"`
	S3Bucket             string        `validate:"required"`
	S3Region             string        `validate:"required"`
	S3BaseEndpoint       string        `validate:"omitempty,url"`
	DeliveryBaseURL      string        `validate:"required,url"`
	DeliveryVariant      string        `validate:"required,excludes=/"`
	MaxUploadSize        int64         `validate:"gt=0"`
	ReconcileConcurrency int           `validate:"min=1,max=64"`
	LockTTL              time.Duration `validate:"min=1s"`
	JournalDriver        string        `validate:"oneof=pgx sqlite"`
	JournalDSN           string
	RedisAddr            string `validate:"omitempty,hostname_port"`
	AMQPURL              string `validate:"omitempty,url"`
	AMQPQueue            string `validate:"required_with=AMQPURL"`
	LogLevel             string `validate:"oneof=debug info warn error"`
}

// LoadDefaults populates Config with development defaults.
// NOTE: These values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.HTTPAddr = ":8080"
	c.MongoURI = "mongodb://127.0.0.1:27017"
	c.MongoDatabase = "motive_archive"
	c.SecretKey = "secretKey"
	c.S3RootUser = "admin"
	c.S3RootPassword = "secretpassword"
	c.S3Bucket = "images"
	c.S3Region = "us-east-1"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
	c.DeliveryBaseURL = "https://imagedelivery.net/dev"
	c.DeliveryVariant = "public"
	c.MaxUploadSize = 20 << 20
	c.ReconcileConcurrency = 4
	c.LockTTL = 10 * time.Minute
	c.JournalDriver = "sqlite"
	c.JournalDSN = ""
	c.RedisAddr = ""
	c.AMQPURL = ""
	c.AMQPQueue = "images.uploaded"
	c.LogLevel = "info"
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from .env and the environment, an optional config file and finally
// command-line flags. Unreadable files and bad flags panic; an inconsistent
// result is returned as an error.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseEnv(cfg)
	parseFile(cfg)
	parseFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
