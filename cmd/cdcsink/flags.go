package main

import (
	"fmt"
	"strings"

	"github.com/snapflowio/cdcsink/config"
	"github.com/spf13/pflag"
)

const envPrefix = "CDCSINK_"

func registerFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "YAML config file; flags and environment override its values")

	fs.String("schema", "", "schema document (JSON, or YAML with a .yaml/.yml extension)")
	fs.String("topic", "", "Kafka topic carrying the Debezium envelopes")
	fs.StringSlice("brokers", nil, "Kafka seed brokers")
	fs.String("client-id", "", "Kafka client id prefix (default cdcsink)")
	fs.String("start-offset", "", "where partitions without a checkpoint start: earliest or latest (default earliest)")

	fs.String("output", "", "output location: s3://bucket/prefix, file:///dir or a path")
	fs.String("checkpoint", "", "checkpoint location: like --output, or a postgres:// DSN")
	fs.String("s3-endpoint", "", "S3 endpoint host:port")
	fs.String("s3-access-key", "", "S3 access key")
	fs.String("s3-secret-key", "", "S3 secret key")
	fs.String("s3-region", "", "S3 region")
	fs.Bool("s3-use-ssl", false, "use TLS for S3")

	fs.Bool("csv-header", false, "write a header row in csv units")
	fs.Bool("csv-gzip", false, "gzip csv units")
	fs.String("parquet-compression", "", "parquet codec: snappy, gzip or none (default snappy)")

	fs.Int("batch-max-records", 0, "messages per micro-batch (default 10000)")
	fs.Duration("batch-window", 0, "longest time a micro-batch stays open (default 10s)")
	fs.Float64("decode-error-rate", 0, "decode errors per second a sink tolerates (default 1)")
	fs.Int("decode-error-burst", 0, "decode errors a sink tolerates at once (default 100)")
	fs.Uint("retry-attempts", 0, "attempts per storage or checkpoint operation (default 5)")
	fs.Duration("retry-delay", 0, "first retry delay, doubled per attempt (default 500ms)")

	fs.String("log-level", "", "log level (default info)")
	fs.String("log-format", "", "log format: text or json (default text)")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9102")
}

func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// buildConfig layers, from lowest to highest precedence, the --config file,
// CDCSINK_* environment variables and explicit flags.
func buildConfig(fs *pflag.FlagSet, lookupEnv func(string) (string, bool)) (*config.Config, error) {
	var envErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || envErr != nil {
			return
		}
		if v, ok := lookupEnv(envName(f.Name)); ok {
			if err := fs.Set(f.Name, v); err != nil {
				envErr = fmt.Errorf("%s: %w", envName(f.Name), err)
			}
		}
	})
	if envErr != nil {
		return nil, envErr
	}

	cfg := &config.Config{}
	if path, _ := fs.GetString("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err == nil {
			err = applyFlag(fs, f.Name, cfg)
		}
	})
	if err != nil {
		return nil, err
	}

	cfg.SetDefault()
	return cfg, nil
}

func applyFlag(fs *pflag.FlagSet, name string, c *config.Config) error {
	var err error
	switch name {
	case "schema":
		c.Schema.Path, err = fs.GetString(name)
	case "topic":
		c.Kafka.Topic, err = fs.GetString(name)
	case "brokers":
		c.Kafka.Brokers, err = fs.GetStringSlice(name)
	case "client-id":
		c.Kafka.ClientID, err = fs.GetString(name)
	case "start-offset":
		c.Kafka.StartOffset, err = fs.GetString(name)
	case "output":
		c.Storage.Output, err = fs.GetString(name)
	case "checkpoint":
		c.Checkpoint.Location, err = fs.GetString(name)
	case "s3-endpoint":
		c.Storage.S3.Endpoint, err = fs.GetString(name)
	case "s3-access-key":
		c.Storage.S3.AccessKey, err = fs.GetString(name)
	case "s3-secret-key":
		c.Storage.S3.SecretKey, err = fs.GetString(name)
	case "s3-region":
		c.Storage.S3.Region, err = fs.GetString(name)
	case "s3-use-ssl":
		c.Storage.S3.UseSSL, err = fs.GetBool(name)
	case "csv-header":
		c.Format.CSVHeader, err = fs.GetBool(name)
	case "csv-gzip":
		c.Format.CSVGzip, err = fs.GetBool(name)
	case "parquet-compression":
		c.Format.ParquetCompression, err = fs.GetString(name)
	case "batch-max-records":
		c.Batch.MaxRecords, err = fs.GetInt(name)
	case "batch-window":
		c.Batch.Window, err = fs.GetDuration(name)
	case "decode-error-rate":
		c.Decode.ErrorRate, err = fs.GetFloat64(name)
	case "decode-error-burst":
		c.Decode.ErrorBurst, err = fs.GetInt(name)
	case "retry-attempts":
		c.Retry.Attempts, err = fs.GetUint(name)
	case "retry-delay":
		c.Retry.Delay, err = fs.GetDuration(name)
	case "log-level":
		c.Logger.Level, err = fs.GetString(name)
	case "log-format":
		c.Logger.Format, err = fs.GetString(name)
	case "metrics-addr":
		c.Metrics.Addr, err = fs.GetString(name)
	}
	return err
}
