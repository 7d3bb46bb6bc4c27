package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix of environment variables that override the YAML file,
// e.g. HIPPOVOLUME_MODEL_URL or HIPPOVOLUME_DIRECTORY_PATH.
const EnvPrefix = "hippovolume"

var (
	ErrMissingDirectoryPath  = errors.New("directory_path is required")
	ErrMissingSeriesFilter   = errors.New("series_description is required")
	ErrInvalidPollInterval   = errors.New("poll_interval must be positive")
	ErrInvalidTimeout        = errors.New("timeout must be positive")
	ErrInvalidBatchSize      = errors.New("batch_size must be at least 1")
	ErrMissingModelURL       = errors.New("model.url is required")
	ErrInvalidPatchSize      = errors.New("model.patch_size must be at least 1")
	ErrInvalidRetryAttempts  = errors.New("model.retry_attempts must be at least 1")
	ErrMissingReportDir      = errors.New("report.output_dir is required")
	ErrUnknownSender         = errors.New("pacs.sender must be one of: storescu, orthanc, none")
	ErrMissingOrthancURL     = errors.New("pacs.orthanc_url is required when pacs.sender is orthanc")
	ErrMissingStoreSCUTarget = errors.New("pacs.host and pacs.port are required when pacs.sender is storescu")
	ErrInvalidLogLevel       = errors.New("log.level must be one of: trace, debug, info, warn, error")
)

type Config struct {
	// DirectoryPath is the routing folder the PACS router drops studies into,
	// one sub-directory per study.
	DirectoryPath string `yaml:"directory_path" split_words:"true"`
	// SeriesDescription selects the series to run inference on.
	SeriesDescription string `yaml:"series_description" split_words:"true"`
	// Timeout is the quiet period after which a study with no file changes is considered complete.
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval" split_words:"true"`
	BatchSize    int           `yaml:"batch_size" split_words:"true"`

	Model    ModelConfig    `yaml:"model"`
	Report   ReportConfig   `yaml:"report"`
	PACS     PACSConfig     `yaml:"pacs"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Infra    InfraConfig    `yaml:"infra"`
	Log      LogConfig      `yaml:"log"`
	DevOps   DevOpsConfig   `yaml:"devops"`
	Notifier NotifierConfig `yaml:"notifier"`
}

type ModelConfig struct {
	// URL is the base URL of a KServe v2 compatible model server.
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	PatchSize     int           `yaml:"patch_size" split_words:"true"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts uint          `yaml:"retry_attempts" split_words:"true"`
}

type ReportConfig struct {
	OutputDir string `yaml:"output_dir" split_words:"true"`
	// CleanupDelay lets the archive finish ingesting a report routed back into the study folder before it is removed.
	CleanupDelay time.Duration `yaml:"cleanup_delay" split_words:"true"`
	KeepStudies  bool          `yaml:"keep_studies" split_words:"true"`
}

type PACSConfig struct {
	// Sender is one of "storescu", "orthanc" or "none".
	Sender       string `yaml:"sender"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	CalledAET    string `yaml:"called_aet" split_words:"true"`
	StoreSCUPath string `yaml:"storescu_path" split_words:"true"`
	OrthancURL   string `yaml:"orthanc_url" split_words:"true"`
}

type ArchiveConfig struct {
	S3Bucket string `yaml:"s3_bucket" split_words:"true"`
	S3Prefix string `yaml:"s3_prefix" split_words:"true"`
	S3Region string `yaml:"s3_region" split_words:"true"`
	// S3Endpoint points at an S3-compatible store such as MinIO; path-style
	// addressing is used when it is set.
	S3Endpoint string `yaml:"s3_endpoint" split_words:"true"`
	// Static keys; the default AWS credential chain applies when empty.
	AWSAccessKey string `yaml:"aws_access_key" split_words:"true"`
	AWSSecretKey string `yaml:"aws_secret_key" split_words:"true"`
}

type InfraConfig struct {
	PostgresDSN string `yaml:"postgres_dsn" split_words:"true"`
	RedisURL    string `yaml:"redis_url" split_words:"true"`
	NatsURL     string `yaml:"nats_url" split_words:"true"`
	SentryDSN   string `yaml:"sentry_dsn" split_words:"true"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	// File enables a rotated log file next to console output when set.
	File string `yaml:"file"`
}

type DevOpsConfig struct {
	// Address of the health/metrics server. Empty disables it.
	Address string `yaml:"address"`
}

type NotifierConfig struct {
	WebhookURL string `yaml:"webhook_url" split_words:"true"`
}

// Default returns the configuration used for any value the YAML file and environment leave unset.
func Default() *Config {
	return &Config{
		SeriesDescription: "HippoCrop",
		Timeout:           30 * time.Second,
		PollInterval:      5 * time.Second,
		BatchSize:         64,
		Model: ModelConfig{
			Name:          "hippocampus-unet",
			PatchSize:     64,
			Timeout:       30 * time.Second,
			RetryAttempts: 3,
		},
		Report: ReportConfig{
			OutputDir:    "out",
			CleanupDelay: 2 * time.Second,
		},
		PACS: PACSConfig{
			Sender:       "storescu",
			Host:         "127.0.0.1",
			Port:         4242,
			CalledAET:    "TESTSCU",
			StoreSCUPath: "storescu",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ReadConfig layers defaults, the YAML file at filePath (if any) and the
// environment, applies overrides in order, then validates the result.
func ReadConfig(filePath string, overrides ...func(*Config)) (*Config, error) {
	config := Default()

	if filePath != "" {
		file, err := os.ReadFile(filePath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if err := yaml.Unmarshal(file, config); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	}

	// a missing .env is the common case
	_ = godotenv.Load()

	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return nil, errors.Wrap(err, "failed to apply environment overrides")
	}

	for _, override := range overrides {
		override(config)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.DirectoryPath == "" {
		return ErrMissingDirectoryPath
	}
	if c.SeriesDescription == "" {
		return ErrMissingSeriesFilter
	}
	if c.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if c.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.BatchSize < 1 {
		return ErrInvalidBatchSize
	}
	if c.Model.URL == "" {
		return ErrMissingModelURL
	}
	if c.Model.PatchSize < 1 {
		return ErrInvalidPatchSize
	}
	if c.Model.RetryAttempts < 1 {
		return ErrInvalidRetryAttempts
	}
	if c.Report.OutputDir == "" {
		return ErrMissingReportDir
	}

	switch c.PACS.Sender {
	case "storescu":
		if c.PACS.Host == "" || c.PACS.Port == 0 {
			return ErrMissingStoreSCUTarget
		}
	case "orthanc":
		if c.PACS.OrthancURL == "" {
			return ErrMissingOrthancURL
		}
	case "none":
	default:
		return ErrUnknownSender
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}

	return nil
}
