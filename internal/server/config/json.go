package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/motivearchive/internal/flagx"
	"github.com/dmitrijs2005/motivearchive/internal/timex"
	"gopkg.in/yaml.v3"
)

// FileConfig is the shape of the optional config file. Durations use
// timex.Duration so that both "10m" and integer nanoseconds are accepted.
// Zero values leave the current setting untouched.
type FileConfig struct {
	HTTPAddr             string         `json:"http_addr" yaml:"http_addr"`
	MongoURI             string         `json:"mongodb_uri" yaml:"mongodb_uri"`
	MongoDatabase        string         `json:"mongodb_database" yaml:"mongodb_database"`
	SecretKey            string         `json:"secret_key" yaml:"secret_key"`
	S3RootUser           string         `json:"s3_root_user" yaml:"s3_root_user"`
	S3RootPassword       string         `json:"s3_root_password" yaml:"s3_root_password"`
	S3Bucket             string         `json:"s3_bucket" yaml:"s3_bucket"`
	S3Region             string         `json:"s3_region" yaml:"s3_region"`
	S3BaseEndpoint       string         `json:"s3_base_endpoint" yaml:"s3_base_endpoint"`
	DeliveryBaseURL      string         `json:"delivery_base_url" yaml:"delivery_base_url"`
	DeliveryVariant      string         `json:"delivery_variant" yaml:"delivery_variant"`
	MaxUploadSize        int64          `json:"max_upload_size" yaml:"max_upload_size"`
	ReconcileConcurrency int            `json:"reconcile_concurrency" yaml:"reconcile_concurrency"`
	LockTTL              timex.Duration `json:"lock_ttl" yaml:"lock_ttl"`
	JournalDriver        string         `json:"journal_driver" yaml:"journal_driver"`
	JournalDSN           string         `json:"journal_dsn" yaml:"journal_dsn"`
	RedisAddr            string         `json:"redis_addr" yaml:"redis_addr"`
	AMQPURL              string         `json:"amqp_url" yaml:"amqp_url"`
	AMQPQueue            string         `json:"amqp_queue" yaml:"amqp_queue"`
	LogLevel             string         `json:"log_level" yaml:"log_level"`
}

// parseFile loads the file named by the -c or -config flag into config.
// Files ending in .yaml or .yml are read as YAML, anything else as JSON.
// If no flag is given nothing is loaded. An unreadable or malformed file
// panics.
func parseFile(config *Config) {
	path := flagx.ConfigPath(os.Args[1:])
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := &FileConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		panic(err)
	}

	c.apply(config)
}

func (c *FileConfig) apply(config *Config) {
	str := func(src string, dst *string) {
		if src != "" {
			*dst = src
		}
	}

	str(c.HTTPAddr, &config.HTTPAddr)
	str(c.MongoURI, &config.MongoURI)
	str(c.MongoDatabase, &config.MongoDatabase)
	str(c.SecretKey, &config.SecretKey)
	str(c.S3RootUser, &config.S3RootUser)
	str(c.S3RootPassword, &config.S3RootPassword)
	str(c.S3Bucket, &config.S3Bucket)
	str(c.S3Region, &config.S3Region)
	str(c.S3BaseEndpoint, &config.S3BaseEndpoint)
	str(c.DeliveryBaseURL, &config.DeliveryBaseURL)
	str(c.DeliveryVariant, &config.DeliveryVariant)
	str(c.JournalDriver, &config.JournalDriver)
	str(c.JournalDSN, &config.JournalDSN)
	str(c.RedisAddr, &config.RedisAddr)
	str(c.AMQPURL, &config.AMQPURL)
	str(c.AMQPQueue, &config.AMQPQueue)
	str(c.LogLevel, &config.LogLevel)

	if c.MaxUploadSize != 0 {
		config.MaxUploadSize = c.MaxUploadSize
	}
	if c.ReconcileConcurrency != 0 {
		config.ReconcileConcurrency = c.ReconcileConcurrency
	}
	if c.LockTTL.Duration != 0 {
		config.LockTTL = c.LockTTL.Duration
	}
}
