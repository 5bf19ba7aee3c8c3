package config

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Env                string            `mapstructure:"env" validate:"required"`
	LogLevel           string            `mapstructure:"log_level"`
	LogType            string            `mapstructure:"log_type" validate:"oneof=json text"`
	LogFile            *LogFileConfig    `mapstructure:"log_file" validate:"required"`
	ServiceName        string            `mapstructure:"service_name" validate:"required"`
	Version            string            `mapstructure:"version"`
	WorkerSettings     *WorkerConfig     `mapstructure:"worker" validate:"required"`
	PoolSettings       *PoolConfig       `mapstructure:"pool" validate:"required"`
	ScanSettings       *ScanConfig       `mapstructure:"scan" validate:"required"`
	OutputSettings     *OutputConfig     `mapstructure:"output" validate:"required"`
	DbSettings         *DatabaseConfig   `mapstructure:"database" validate:"required"`
	CheckpointSettings *CheckpointConfig `mapstructure:"checkpoint" validate:"required"`
	KafkaSettings      *KafkaConfig      `mapstructure:"kafka" validate:"required"`
	S3Settings         *S3Config         `mapstructure:"s3" validate:"required"`
	TelemetrySettings  *TelemetryConfig  `mapstructure:"telemetry" validate:"required"`
}

type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type WorkerConfig struct {
	Concurrency      int           `mapstructure:"concurrency" validate:"min=1"`
	MaxRetries       int           `mapstructure:"max_retries" validate:"min=1"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" validate:"min=0"`
	DomainsPerSecond float64       `mapstructure:"domains_per_second" validate:"min=0"`
	Resume           bool          `mapstructure:"resume"`
	FlushEvery       int           `mapstructure:"flush_every" validate:"min=1"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
}

type PoolConfig struct {
	Size            int           `mapstructure:"size" validate:"min=1"`
	MaxUses         int           `mapstructure:"max_uses" validate:"min=1"`
	CreateAttempts  int           `mapstructure:"create_attempts" validate:"min=1"`
	CreateDelay     time.Duration `mapstructure:"create_delay" validate:"min=0"`
	Headless        bool          `mapstructure:"headless"`
	UserAgent       string        `mapstructure:"user_agent"`
	ViewportWidth   int64         `mapstructure:"viewport_width" validate:"min=1"`
	ViewportHeight  int64         `mapstructure:"viewport_height" validate:"min=1"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors"`
	ExecPath        string        `mapstructure:"exec_path"`
	Args            []string      `mapstructure:"args"`
}

type ScanConfig struct {
	CaptureTypes      []string          `mapstructure:"capture_types" validate:"dive,resourcetype"`
	BlockTypes        []string          `mapstructure:"block_types" validate:"dive,resourcetype"`
	ExternalOnly      bool              `mapstructure:"external_only"`
	WaitUntil         string            `mapstructure:"wait_until" validate:"oneof=domcontentloaded load networkidle"`
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout" validate:"min=1ms"`
	DomResources      bool              `mapstructure:"dom_resources"`
	SRI               bool              `mapstructure:"sri"`
	Dependencies      bool              `mapstructure:"dependencies"`
	Screenshot        *ScreenshotConfig `mapstructure:"screenshot" validate:"required"`
	Heuristics        *HeuristicsConfig `mapstructure:"heuristics" validate:"required"`
}

type ScreenshotConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	FullPage bool   `mapstructure:"full_page"`
	Quality  int    `mapstructure:"quality" validate:"min=1,max=100"`
	Dir      string `mapstructure:"dir"`
	UseS3    bool   `mapstructure:"use_s3"`
}

// HeuristicsConfig tunes the timing pass of the dependency classifier.
type HeuristicsConfig struct {
	WindowMin      time.Duration `mapstructure:"window_min" validate:"min=0"`
	WindowMax      time.Duration `mapstructure:"window_max" validate:"gtfield=WindowMin"`
	ParentTypes    []string      `mapstructure:"parent_types"`
	LeafExtensions []string      `mapstructure:"leaf_extensions"`
}

type OutputConfig struct {
	Sink string `mapstructure:"sink" validate:"oneof=store json csv text kafka"`
	Path string `mapstructure:"path"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SqlitePath      string        `mapstructure:"sqlite_path"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	PingAttempts    int           `mapstructure:"ping_attempts" validate:"min=1"`
}

type CheckpointConfig struct {
	Backend string   `mapstructure:"backend" validate:"oneof=file memcached"`
	Path    string   `mapstructure:"path"`
	Servers []string `mapstructure:"servers"`
	Key     string   `mapstructure:"key"`
}

type KafkaConfig struct {
	Producer *ProducerConfig `mapstructure:"producer" validate:"required"`
	Consumer *ConsumerConfig `mapstructure:"consumer" validate:"required"`
}

type ProducerConfig struct {
	Addr           []string      `mapstructure:"addr"`
	WriteTopicName string        `mapstructure:"write_topic_name"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequiredAsks   int           `mapstructure:"required_acks"`
}

type ConsumerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	ReadTopicName    string        `mapstructure:"read_topic_name"`
	Brokers          []string      `mapstructure:"brokers"`
	GroupID          string        `mapstructure:"group_id"`
	MaxWait          time.Duration `mapstructure:"max_wait"`
	ReadBatchTimeout time.Duration `mapstructure:"read_batch_timeout"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	MaxBytes         int           `mapstructure:"max_bytes"`
	CommitInterval   time.Duration `mapstructure:"commit_interval"`
}

type S3Config struct {
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CollectorUrl string `mapstructure:"collector_url"`
}

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Load reads config.yaml from the working directory (or configFile when set), applies RS_* environment
// overrides and any flags already bound to the global viper instance, then validates the result.
func Load(configFile string) (*Config, error) {
	return load(viper.GetViper(), configFile)
}

func load(v *viper.Viper, configFile string) (*Config, error) {
	setDefaults(v)
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(path.Join("."))
		v.SetConfigName("config")
	}
	v.SetEnvPrefix("RS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, &ConfigurationError{Err: fmt.Errorf("can't read config file: %w", err)}
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("error unmarshalling config: %w", err)}
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

var resourceTypes = map[string]struct{}{
	"script": {}, "stylesheet": {}, "fetch": {}, "xhr": {}, "image": {}, "font": {}, "media": {},
	"websocket": {}, "manifest": {}, "document": {}, "other": {},
}

func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("resourcetype", func(fl validator.FieldLevel) bool {
		_, ok := resourceTypes[strings.ToLower(fl.Field().String())]
		return ok
	})
	if err := validate.Struct(cfg); err != nil {
		return &ConfigurationError{Err: err}
	}
	if cfg.OutputSettings.Sink == "kafka" && len(cfg.KafkaSettings.Producer.Addr) == 0 {
		return &ConfigurationError{Err: errors.New("kafka sink requires kafka.producer.addr")}
	}
	if cfg.ScanSettings.Screenshot.UseS3 && cfg.S3Settings.BucketName == "" {
		return &ConfigurationError{Err: errors.New("s3 screenshots require s3.bucket_name")}
	}
	if cfg.CheckpointSettings.Backend == "memcached" && len(cfg.CheckpointSettings.Servers) == 0 {
		return &ConfigurationError{Err: errors.New("memcached checkpoint requires checkpoint.servers")}
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "resource-scanner")
	v.SetDefault("version", "dev")
	v.SetDefault("log_file.max_size", 100)
	v.SetDefault("log_file.max_backups", 3)
	v.SetDefault("log_file.max_age", 28)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_retries", 2)
	v.SetDefault("worker.retry_delay", time.Second)
	v.SetDefault("worker.flush_every", 10)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)

	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.max_uses", 50)
	v.SetDefault("pool.create_attempts", 3)
	v.SetDefault("pool.create_delay", 500*time.Millisecond)
	v.SetDefault("pool.headless", true)
	v.SetDefault("pool.user_agent",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("pool.viewport_width", 1366)
	v.SetDefault("pool.viewport_height", 768)
	v.SetDefault("pool.ignore_tls_errors", true)

	v.SetDefault("scan.capture_types", []string{"script", "stylesheet"})
	v.SetDefault("scan.wait_until", "load")
	v.SetDefault("scan.navigation_timeout", 30*time.Second)
	v.SetDefault("scan.dom_resources", true)
	v.SetDefault("scan.screenshot.quality", 80)
	v.SetDefault("scan.screenshot.dir", "screenshots")
	v.SetDefault("scan.heuristics.window_min", 5*time.Millisecond)
	v.SetDefault("scan.heuristics.window_max", 300*time.Millisecond)
	v.SetDefault("scan.heuristics.parent_types", []string{"script", "document", "iframe", "xhr", "fetch"})
	v.SetDefault("scan.heuristics.leaf_extensions",
		[]string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".woff", ".woff2", ".ttf", ".otf",
			".mp4", ".webm", ".mp3"})

	v.SetDefault("output.sink", "store")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "scans.db")
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.ping_attempts", 6)

	v.SetDefault("checkpoint.backend", "file")
	v.SetDefault("checkpoint.path", "checkpoint.json")
	v.SetDefault("checkpoint.key", "resource-scanner-checkpoint")

	v.SetDefault("kafka.producer.max_attempts", 3)
	v.SetDefault("kafka.producer.batch_timeout", 100*time.Millisecond)
	v.SetDefault("kafka.producer.read_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.write_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.required_acks", -1)
	v.SetDefault("kafka.consumer.max_wait", time.Second)
	v.SetDefault("kafka.consumer.read_batch_timeout", 10*time.Second)
	v.SetDefault("kafka.consumer.queue_capacity", 100)
	v.SetDefault("kafka.consumer.max_bytes", 10_000_000)
	v.SetDefault("kafka.consumer.commit_interval", time.Second)

	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.key_prefix", "screenshots")

	v.SetDefault("telemetry.enabled", false)
}
