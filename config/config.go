package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "config/config.yml"

	mainnetWSURL   = "wss://api.hyperliquid.xyz/ws"
	mainnetRESTURL = "https://api.hyperliquid.xyz"
	testnetWSURL   = "wss://api.hyperliquid-testnet.xyz/ws"
	testnetRESTURL = "https://api.hyperliquid-testnet.xyz"
)

var envConfigPaths = map[string]string{
	EnvironmentProduction: "config/config.production.yml",
	EnvironmentStaging:    "config/config.staging.yml",
}

type Config struct {
	Hyperflow HyperflowConfig `yaml:"hyperflow"`
	Source    SourceConfig    `yaml:"source"`
	Stream    StreamConfig    `yaml:"stream"`
	Poll      PollConfig      `yaml:"poll"`
	Collector CollectorConfig `yaml:"collector"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Health    HealthConfig    `yaml:"health"`
}

type HyperflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type SourceConfig struct {
	Hyperliquid HyperliquidConfig `yaml:"hyperliquid"`
}

type HyperliquidConfig struct {
	Coin           string `yaml:"coin"`
	Testnet        bool   `yaml:"testnet"`
	WSURL          string `yaml:"ws_url"`
	RESTURL        string `yaml:"rest_url"`
	TestnetWSURL   string `yaml:"testnet_ws_url"`
	TestnetRESTURL string `yaml:"testnet_rest_url"`
	UserAgent      string `yaml:"user_agent"`
}

// StreamURL returns the WebSocket endpoint for the selected network.
func (h HyperliquidConfig) StreamURL() string {
	if h.Testnet {
		return h.TestnetWSURL
	}
	return h.WSURL
}

// InfoURL returns the REST base URL for the selected network.
func (h HyperliquidConfig) InfoURL() string {
	if h.Testnet {
		return h.TestnetRESTURL
	}
	return h.RESTURL
}

type StreamConfig struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	LivenessWindow     time.Duration `yaml:"liveness_window"`
	DegradedGrace      time.Duration `yaml:"degraded_grace"`
	ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
	SupervisorInterval time.Duration `yaml:"supervisor_interval"`
	ReadLimitBytes     int64         `yaml:"read_limit_bytes"`
}

type PollConfig struct {
	FundingRateInterval  time.Duration `yaml:"funding_rate_interval"`
	OpenInterestInterval time.Duration `yaml:"open_interest_interval"`
	Timeout              time.Duration `yaml:"timeout"`
	RequestsPerSecond    float64       `yaml:"requests_per_second"`
	Burst                int           `yaml:"burst"`
}

type CollectorConfig struct {
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

type StorageConfig struct {
	CSV     CSVConfig     `yaml:"csv"`
	S3      S3Config      `yaml:"s3"`
	Parquet ParquetConfig `yaml:"parquet"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

type CSVConfig struct {
	Dir string `yaml:"dir"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	KeyPrefix       string        `yaml:"key_prefix"`
	UploadInterval  time.Duration `yaml:"upload_interval"`
	UploadTimeout   time.Duration `yaml:"upload_timeout"`
	Compress        bool          `yaml:"compress"`
	RetentionDays   int           `yaml:"retention_days"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type ParquetConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Compression string `yaml:"compression"`
	MetadataDir string `yaml:"metadata_dir"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	Buffer       int           `yaml:"buffer"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	LogHistory     int           `yaml:"log_history"`
	MetricsHistory int           `yaml:"metrics_history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type HealthConfig struct {
	MaxFileAge      time.Duration `yaml:"max_file_age"`
	MinFileSize     int64         `yaml:"min_file_size"`
	LogFile         string        `yaml:"log_file"`
	RecentLogLines  int           `yaml:"recent_log_lines"`
	MaxRecentErrors int           `yaml:"max_recent_errors"`
	MemoryWarnMB    uint64        `yaml:"memory_warn_mb"`
	DiskWarnFreeMB  uint64        `yaml:"disk_warn_free_mb"`
	DiskMinFreeMB   uint64        `yaml:"disk_min_free_mb"`
}

// Default returns a configuration with every interval set to its
// production default and S3 disabled.
func Default() Config {
	return Config{
		Hyperflow: HyperflowConfig{Name: "hyperflow", Version: "1.0.0"},
		Source: SourceConfig{Hyperliquid: HyperliquidConfig{
			Coin:           "BTC",
			WSURL:          mainnetWSURL,
			RESTURL:        mainnetRESTURL,
			TestnetWSURL:   testnetWSURL,
			TestnetRESTURL: testnetRESTURL,
			UserAgent:      "hyperflow/1.0",
		}},
		Stream: StreamConfig{
			HeartbeatInterval:  30 * time.Second,
			HandshakeTimeout:   10 * time.Second,
			WriteTimeout:       5 * time.Second,
			LivenessWindow:     60 * time.Second,
			DegradedGrace:      30 * time.Second,
			ReconnectDelay:     10 * time.Second,
			SupervisorInterval: time.Second,
			ReadLimitBytes:     8 << 20,
		},
		Poll: PollConfig{
			FundingRateInterval:  60 * time.Second,
			OpenInterestInterval: 60 * time.Second,
			Timeout:              30 * time.Second,
			RequestsPerSecond:    2,
			Burst:                1,
		},
		Collector: CollectorConfig{
			ShutdownGrace:  5 * time.Second,
			StatusInterval: 5 * time.Minute,
		},
		Storage: StorageConfig{
			CSV: CSVConfig{Dir: "data"},
			S3: S3Config{
				KeyPrefix:      "hyperliquid-data/",
				UploadInterval: 5 * time.Minute,
				UploadTimeout:  2 * time.Minute,
				Compress:       true,
				RetentionDays:  30,
			},
			Parquet: ParquetConfig{Compression: "snappy", MetadataDir: "data/metadata"},
			Kafka:   KafkaConfig{Topic: "hyperliquid-market-data", Buffer: 1024, BatchSize: 100, BatchTimeout: time.Second},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout", ReportInterval: time.Minute},
		Dashboard: DashboardConfig{
			Address:        ":8080",
			LogHistory:     500,
			MetricsHistory: 500,
			SampleInterval: 5 * time.Second,
		},
		Health: HealthConfig{
			MaxFileAge:      5 * time.Minute,
			MinFileSize:     100,
			LogFile:         "logs/hyperflow.log",
			RecentLogLines:  100,
			MaxRecentErrors: 10,
			MemoryWarnMB:    400,
			DiskWarnFreeMB:  500,
			DiskMinFreeMB:   100,
		},
	}
}

// LoadConfig reads the YAML file at path on top of Default, applies
// environment overrides and validates the result. An empty path resolves to
// the APP_ENV specific file when one is registered.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	config.Source.Hyperliquid.Coin = strings.ToUpper(strings.TrimSpace(config.Source.Hyperliquid.Coin))
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config, AppEnvironment()); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) error {
	s3 := &cfg.Storage.S3
	if v, ok := lookupEnv("USE_S3"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("USE_S3: %w", err)
		}
		s3.Enabled = enabled
	}
	for _, name := range []string{"S3_BUCKET_NAME", "S3_BUCKET"} {
		if v, ok := lookupEnv(name); ok {
			s3.Bucket = v
			break
		}
	}
	for _, name := range []string{"AWS_DEFAULT_REGION", "AWS_REGION"} {
		if v, ok := lookupEnv(name); ok {
			s3.Region = v
			break
		}
	}
	if v, ok := lookupEnv("S3_KEY_PREFIX"); ok {
		s3.KeyPrefix = v
	}
	if v, ok := lookupEnv("S3_UPLOAD_INTERVAL"); ok {
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return fmt.Errorf("S3_UPLOAD_INTERVAL: %w", err)
		}
		s3.UploadInterval = d
	}
	if v, ok := lookupEnv("S3_COMPRESS_FILES"); ok {
		compress, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("S3_COMPRESS_FILES: %w", err)
		}
		s3.Compress = compress
	}
	if v, ok := lookupEnv("AWS_ACCESS_KEY_ID"); ok {
		s3.AccessKeyID = v
	}
	if v, ok := lookupEnv("AWS_SECRET_ACCESS_KEY"); ok {
		s3.SecretAccessKey = v
	}
	return nil
}

func lookupEnv(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	return v, v != ""
}

// parseSecondsOrDuration accepts "300" as seconds as well as "5m".
func parseSecondsOrDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func validateConfig(cfg *Config, env string) error {
	if cfg.Hyperflow.Name == "" {
		return fmt.Errorf("hyperflow.name is required")
	}

	hl := cfg.Source.Hyperliquid
	if hl.Coin == "" {
		return fmt.Errorf("source.hyperliquid.coin is required")
	}
	if hl.StreamURL() == "" || hl.InfoURL() == "" {
		return fmt.Errorf("source.hyperliquid endpoints are required for the selected network")
	}
	if hl.Testnet && IsProductionLike(env) {
		return fmt.Errorf("source.hyperliquid.testnet is not allowed in %s", env)
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"stream.heartbeat_interval", cfg.Stream.HeartbeatInterval},
		{"stream.liveness_window", cfg.Stream.LivenessWindow},
		{"stream.degraded_grace", cfg.Stream.DegradedGrace},
		{"stream.reconnect_delay", cfg.Stream.ReconnectDelay},
		{"stream.supervisor_interval", cfg.Stream.SupervisorInterval},
		{"poll.funding_rate_interval", cfg.Poll.FundingRateInterval},
		{"poll.open_interest_interval", cfg.Poll.OpenInterestInterval},
		{"poll.timeout", cfg.Poll.Timeout},
		{"collector.shutdown_grace", cfg.Collector.ShutdownGrace},
		{"storage.s3.upload_interval", cfg.Storage.S3.UploadInterval},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be greater than 0", p.name)
		}
	}

	if cfg.Storage.CSV.Dir == "" {
		return fmt.Errorf("storage.csv.dir is required")
	}

	if cfg.Storage.S3.Enabled || cfg.Storage.Parquet.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if (cfg.Storage.S3.AccessKeyID == "") != (cfg.Storage.S3.SecretAccessKey == "") {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key must be set together")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.S3.RetentionDays < 0 {
			return fmt.Errorf("storage.s3.retention_days must not be negative")
		}
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when Kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when Kafka is enabled")
		}
	}

	if cfg.Dashboard.Enabled && strings.TrimSpace(cfg.Dashboard.Address) == "" {
		return fmt.Errorf("dashboard.address is required when the dashboard is enabled")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

// Overrides carries command line settings. Nil or empty fields leave the
// loaded value alone.
type Overrides struct {
	Coin     string
	Testnet  *bool
	S3       *bool
	LogLevel string
}

// ApplyOverrides layers o on top of cfg and validates the result again.
func ApplyOverrides(cfg *Config, o Overrides) error {
	if coin := strings.ToUpper(strings.TrimSpace(o.Coin)); coin != "" {
		cfg.Source.Hyperliquid.Coin = coin
	}
	if o.Testnet != nil {
		cfg.Source.Hyperliquid.Testnet = *o.Testnet
	}
	if o.S3 != nil {
		cfg.Storage.S3.Enabled = *o.S3
	}
	if lvl := strings.TrimSpace(o.LogLevel); lvl != "" {
		cfg.Logging.Level = strings.ToLower(lvl)
	}
	if err := validateConfig(cfg, AppEnvironment()); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
