package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/motivearchive/internal/flagx"
)

// flagNames lists the short flags handled here. Other flags on the command
// line belong to the binary and are filtered out before parsing.
var flagNames = []string{"-a", "-m", "-n", "-s", "-u", "-p", "-b", "-g", "-e", "-w", "-i", "-k", "-t", "-d", "-j", "-r", "-q", "-l"}

// parseFlags populates Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-m string   MongoDB URI
//	-n string   MongoDB database name
//	-s string   JWT HMAC secret key
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-w string   image delivery base URL
//	-i string   image delivery variant
//	-k int      reconciliation concurrency
//	-t duration reconciliation lock TTL (e.g., "10m")
//	-d string   journal driver (pgx or sqlite)
//	-j string   journal DSN
//	-r string   Redis address
//	-q string   AMQP URL
//	-l string   log level
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], flagNames)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port to run server")
	fs.StringVar(&config.MongoURI, "m", config.MongoURI, "MongoDB URI")
	fs.StringVar(&config.MongoDatabase, "n", config.MongoDatabase, "MongoDB database")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.DeliveryBaseURL, "w", config.DeliveryBaseURL, "image delivery base URL")
	fs.StringVar(&config.DeliveryVariant, "i", config.DeliveryVariant, "image delivery variant")
	fs.IntVar(&config.ReconcileConcurrency, "k", config.ReconcileConcurrency, "reconciliation concurrency")
	fs.DurationVar(&config.LockTTL, "t", config.LockTTL, "reconciliation lock TTL")
	fs.StringVar(&config.JournalDriver, "d", config.JournalDriver, "journal driver (pgx or sqlite)")
	fs.StringVar(&config.JournalDSN, "j", config.JournalDSN, "journal DSN")
	fs.StringVar(&config.RedisAddr, "r", config.RedisAddr, "Redis address")
	fs.StringVar(&config.AMQPURL, "q", config.AMQPURL, "AMQP URL")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
