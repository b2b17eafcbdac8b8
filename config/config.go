package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/snapflowio/cdcsink/message/format"
	"github.com/snapflowio/cdcsink/pipeline"
	"github.com/snapflowio/cdcsink/stream"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Schema     SchemaConfig     `yaml:"schema"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logger     LoggerConfig     `yaml:"logger"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Storage    StorageConfig    `yaml:"storage"`
	Format     FormatConfig     `yaml:"format"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Retry      RetryConfig      `yaml:"retry"`
	Batch      BatchConfig      `yaml:"batch"`
	Decode     DecodeConfig     `yaml:"decode"`
}

type SchemaConfig struct {
	Path string `yaml:"path"`
}

type KafkaConfig struct {
	Topic        string        `yaml:"topic"`
	ClientID     string        `yaml:"clientId"`
	StartOffset  string        `yaml:"startOffset"`
	Brokers      []string      `yaml:"brokers"`
	FetchMaxWait time.Duration `yaml:"fetchMaxWait"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"useSSL"`
}

type StorageConfig struct {
	Output string   `yaml:"output"`
	S3     S3Config `yaml:"s3"`
}

type CheckpointConfig struct {
	Location string `yaml:"location"`
}

type FormatConfig struct {
	ParquetCompression string `yaml:"parquetCompression"`
	CSVHeader          bool   `yaml:"csvHeader"`
	CSVGzip            bool   `yaml:"csvGzip"`
}

type BatchConfig struct {
	MaxRecords int           `yaml:"maxRecords"`
	Window     time.Duration `yaml:"window"`
}

type DecodeConfig struct {
	ErrorRate  float64 `yaml:"errorRate"`
	ErrorBurst int     `yaml:"errorBurst"`
}

type RetryConfig struct {
	Attempts uint          `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"maxDelay"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LogLevel returns the parsed level. Validate rejects levels it cannot parse.
func (l LoggerConfig) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type Option func(*Config)

func NewConfig(opts ...Option) *Config {
	c := &Config{}
	for _, opt := range opts {
		opt(c)
	}
	c.SetDefault()
	return c
}

// LoadFile reads a YAML config. Unknown keys are rejected.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	c := &Config{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

func WithSchemaPath(path string) Option {
	return func(c *Config) {
		c.Schema.Path = path
	}
}

func WithKafka(brokers []string, topic string) Option {
	return func(c *Config) {
		c.Kafka.Brokers = brokers
		c.Kafka.Topic = topic
	}
}

func WithStartOffset(start string) Option {
	return func(c *Config) {
		c.Kafka.StartOffset = start
	}
}

func WithOutput(location string) Option {
	return func(c *Config) {
		c.Storage.Output = location
	}
}

func WithS3(s3 S3Config) Option {
	return func(c *Config) {
		c.Storage.S3 = s3
	}
}

func WithCheckpoint(location string) Option {
	return func(c *Config) {
		c.Checkpoint.Location = location
	}
}

func WithBatch(maxRecords int, window time.Duration) Option {
	return func(c *Config) {
		c.Batch.MaxRecords = maxRecords
		c.Batch.Window = window
	}
}

func WithDecodeBudget(rate float64, burst int) Option {
	return func(c *Config) {
		c.Decode.ErrorRate = rate
		c.Decode.ErrorBurst = burst
	}
}

func WithRetry(retry RetryConfig) Option {
	return func(c *Config) {
		c.Retry = retry
	}
}

func WithFormat(f FormatConfig) Option {
	return func(c *Config) {
		c.Format = f
	}
}

func WithLogLevel(level logrus.Level) Option {
	return func(c *Config) {
		c.Logger.Level = level.String()
	}
}

func WithMetricsAddr(addr string) Option {
	return func(c *Config) {
		c.Metrics.Addr = addr
	}
}

func (c *Config) SetDefault() {
	if c.Kafka.ClientID == "" {
		c.Kafka.ClientID = "cdcsink"
	}

	if c.Kafka.StartOffset == "" {
		c.Kafka.StartOffset = stream.StartEarliest
	}

	if c.Kafka.FetchMaxWait == 0 {
		c.Kafka.FetchMaxWait = 500 * time.Millisecond
	}

	if c.Format.ParquetCompression == "" {
		c.Format.ParquetCompression = "snappy"
	}

	if c.Batch.MaxRecords == 0 {
		c.Batch.MaxRecords = 10_000
	}
	if c.Batch.Window == 0 {
		c.Batch.Window = 10 * time.Second
	}

	switch {
	case c.Decode.ErrorRate == 0 && c.Decode.ErrorBurst == 0:
		c.Decode.ErrorRate = 1
		c.Decode.ErrorBurst = 100
	case c.Decode.ErrorRate > 0 && c.Decode.ErrorBurst == 0:
		c.Decode.ErrorBurst = pipeline.DecodeBurst(c.Decode.ErrorRate)
	}

	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 5
	}
	if c.Retry.Delay == 0 {
		c.Retry.Delay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}

	if c.Logger.Level == "" {
		c.Logger.Level = logrus.InfoLevel.String()
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
}

func (c *Config) Validate() error {
	var err error
	if isEmpty(c.Schema.Path) {
		err = errors.Join(err, errors.New("schema.path cannot be empty"))
	}

	if cErr := c.Kafka.Validate(); cErr != nil {
		err = errors.Join(err, cErr)
	}

	if isEmpty(c.Storage.Output) {
		err = errors.Join(err, errors.New("storage.output cannot be empty"))
	} else if needsS3(c.Storage.Output) && isEmpty(c.Storage.S3.Endpoint) {
		err = errors.Join(err, errors.New("storage.s3.endpoint is required for s3 output"))
	}

	if isEmpty(c.Checkpoint.Location) {
		err = errors.Join(err, errors.New("checkpoint.location cannot be empty"))
	} else if needsS3(c.Checkpoint.Location) && isEmpty(c.Storage.S3.Endpoint) {
		err = errors.Join(err, errors.New("storage.s3.endpoint is required for s3 checkpoints"))
	} else if sameLocation(c.Checkpoint.Location, c.Storage.Output) {
		err = errors.Join(err, errors.New("checkpoint.location must differ from storage.output"))
	}

	if _, cErr := format.ParseCompression(c.Format.ParquetCompression); cErr != nil {
		err = errors.Join(err, cErr)
	}

	if c.Batch.MaxRecords <= 0 {
		err = errors.Join(err, errors.New("batch.maxRecords must be greater than 0"))
	}
	if c.Batch.Window <= 0 {
		err = errors.Join(err, errors.New("batch.window must be greater than 0"))
	}

	if c.Decode.ErrorRate < 0 || c.Decode.ErrorBurst < 0 {
		err = errors.Join(err, errors.New("decode error budget cannot be negative"))
	}

	if c.Retry.Attempts == 0 {
		err = errors.Join(err, errors.New("retry.attempts must be greater than 0"))
	}

	if _, lErr := logrus.ParseLevel(c.Logger.Level); lErr != nil {
		err = errors.Join(err, fmt.Errorf("logger.level: %w", lErr))
	}
	if c.Logger.Format != "text" && c.Logger.Format != "json" {
		err = errors.Join(err, errors.New("logger.format must be 'text' or 'json'"))
	}

	return err
}

func (k *KafkaConfig) Validate() error {
	var err error
	if len(k.Brokers) == 0 {
		err = errors.Join(err, errors.New("kafka.brokers cannot be empty"))
	}
	for _, b := range k.Brokers {
		if isEmpty(b) {
			err = errors.Join(err, errors.New("kafka.brokers cannot contain an empty address"))
			break
		}
	}

	if isEmpty(k.Topic) {
		err = errors.Join(err, errors.New("kafka.topic cannot be empty"))
	}

	if k.StartOffset != stream.StartEarliest && k.StartOffset != stream.StartLatest {
		err = errors.Join(err, errors.New("kafka.startOffset must be 'earliest' or 'latest'"))
	}

	return err
}

func (c *Config) Print() {
	cfg := *c
	if cfg.Storage.S3.SecretKey != "" {
		cfg.Storage.S3.SecretKey = "*******"
	}
	fmt.Printf("Config: Topic=%s Brokers=%s Schema=%s Output=%s Checkpoint=%s S3Endpoint=%s S3AccessKey=%s S3SecretKey=%s\n",
		cfg.Kafka.Topic, strings.Join(cfg.Kafka.Brokers, ","), cfg.Schema.Path, cfg.Storage.Output,
		redact(cfg.Checkpoint.Location), cfg.Storage.S3.Endpoint, cfg.Storage.S3.AccessKey, cfg.Storage.S3.SecretKey)
}

func redact(location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	return u.Redacted()
}

func needsS3(location string) bool {
	return strings.HasPrefix(location, "s3://") || strings.HasPrefix(location, "s3a://")
}

// sameLocation reports whether two locations name the same prefix, so that
// checkpoint objects would land next to the data units.
func sameLocation(a, b string) bool {
	normalize := func(location string) string {
		location = strings.TrimSpace(location)
		location = strings.Replace(location, "s3a://", "s3://", 1)
		location = strings.TrimPrefix(location, "file://")
		return strings.TrimRight(location, "/")
	}
	return normalize(a) == normalize(b)
}

func isEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
