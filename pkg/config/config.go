// Package config provides configuration file support for pairwise.
// It handles loading, validation, and environment variable interpolation
// for pairwise.yaml configuration files.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Siddhant-K-code/pairwise/pkg/dataset"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the full pairwise configuration.
type Config struct {
	Run         RunConfig         `mapstructure:"run"`
	Source      SourceConfig      `mapstructure:"source"`
	Right       SourceConfig      `mapstructure:"right"`
	Store       StoreConfig       `mapstructure:"store"`
	Dataset     DatasetConfig     `mapstructure:"dataset"`
	Distributed DistributedConfig `mapstructure:"distributed"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// RunConfig selects what is computed and where it goes.
type RunConfig struct {
	Mode          string `mapstructure:"mode"`
	Metric        string `mapstructure:"metric"`
	Sink          string `mapstructure:"sink"`
	BatchSize     int    `mapstructure:"batch_size"`
	Workers       int    `mapstructure:"workers"`
	DispatchChunk int    `mapstructure:"dispatch_chunk"`
	TopN          int    `mapstructure:"top_n"`
	OutputFile    string `mapstructure:"output_file"`
	DatasetLabel  string `mapstructure:"dataset_label"`
	TempDir       string `mapstructure:"temp_dir"`
}

// SourceConfig describes where one side's vectors come from.
type SourceConfig struct {
	Backend    string  `mapstructure:"backend"`
	Path       string  `mapstructure:"path"`
	Label      string  `mapstructure:"label"`
	KeysFile   string  `mapstructure:"keys_file"`
	Dimensions int     `mapstructure:"dimensions"`
	FetchBatch int     `mapstructure:"fetch_batch"`
	RateLimit  float64 `mapstructure:"rate_limit"`

	// Remote backends
	Index      string `mapstructure:"index"`
	Namespace  string `mapstructure:"namespace"`
	Host       string `mapstructure:"host"`
	Collection string `mapstructure:"collection"`
	APIKey     string `mapstructure:"api_key"`
	TLS        bool   `mapstructure:"tls"`
}

// StoreConfig holds the top-N store settings.
type StoreConfig struct {
	Backend string        `mapstructure:"backend"`
	URL     string        `mapstructure:"url"`
	Dir     string        `mapstructure:"dir"`
	Prefix  string        `mapstructure:"prefix"`
	TTL     time.Duration `mapstructure:"ttl"`
	Mirror  bool          `mapstructure:"mirror"`
}

// DatasetConfig holds dense dataset settings.
type DatasetConfig struct {
	Codec       string `mapstructure:"codec"`
	CacheChunks int    `mapstructure:"cache_chunks"`
}

// DistributedConfig holds multi-rank settings. Workers of 0 runs in a
// single process.
type DistributedConfig struct {
	Workers          int           `mapstructure:"workers"`
	Listen           string        `mapstructure:"listen"`
	Launcher         string        `mapstructure:"launcher"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	TeardownTimeout  time.Duration `mapstructure:"teardown_timeout"`
}

// UploadConfig holds S3 upload settings for finished artifacts.
type UploadConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Listen      string `mapstructure:"listen"`
	Pushgateway string `mapstructure:"pushgateway"`
	Job         string `mapstructure:"job"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Exporter   string  `mapstructure:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			Mode:          string(types.ModeAll),
			Metric:        string(types.MetricCosine),
			Sink:          string(types.SinkShardedFile),
			DispatchChunk: 4,
			TopN:          10,
			DatasetLabel:  "default",
		},
		Source: SourceConfig{
			Backend:    "jsonl",
			FetchBatch: 1000,
		},
		Right: SourceConfig{
			FetchBatch: 1000,
		},
		Store: StoreConfig{
			Backend: "redis",
			URL:     "redis://localhost:6379/0",
			Prefix:  "pairwise:",
		},
		Dataset: DatasetConfig{
			Codec:       "zstd",
			CacheChunks: 64,
		},
		Distributed: DistributedConfig{
			Listen:           "127.0.0.1:0",
			Launcher:         "exec",
			HandshakeTimeout: 30 * time.Second,
			TeardownTimeout:  10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Job: "pairwise",
		},
		Telemetry: TelemetryConfig{
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "otlp",
				Endpoint:   "localhost:4317",
				SampleRate: 1.0,
				Insecure:   true,
			},
		},
	}
}

// BatchSize returns the configured batch size, or the sink's default: dense
// chunks are square in the batch size, so dense runs use smaller batches.
func (c *Config) BatchSize() int {
	if c.Run.BatchSize > 0 {
		return c.Run.BatchSize
	}
	if types.SinkKind(c.Run.Sink) == types.SinkDenseDataset {
		return 100
	}
	return 1000
}

// Load reads configuration from the given viper instance and returns
// a validated Config. Environment variables in string values are
// interpolated using ${VAR} syntax.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Interpolate environment variables in string fields
	interpolateConfig(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile reads a specific config file and returns a validated Config.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Load(v)
}

// Validate checks the configuration for errors and returns an error
// wrapping ErrInvalid that lists every invalid field.
func Validate(cfg *Config) error {
	var errs []string

	// Run validation
	mode := types.PairMode(cfg.Run.Mode)
	switch mode {
	case types.ModeAll, types.ModeCross:
	case types.ModeList:
		errs = append(errs, "run.mode: list pairing is not implemented")
	default:
		errs = append(errs, fmt.Sprintf("run.mode: unsupported mode %q (supported: all, cross)", cfg.Run.Mode))
	}

	metric := types.Metric(cfg.Run.Metric)
	switch metric {
	case types.MetricCosine, types.MetricAbsDifference:
	case types.MetricR:
		errs = append(errs, "run.metric: r is not implemented")
	default:
		errs = append(errs, fmt.Sprintf("run.metric: unsupported metric %q (supported: cosine, abs-difference)", cfg.Run.Metric))
	}

	sink := types.SinkKind(cfg.Run.Sink)
	switch sink {
	case types.SinkShardedFile:
		if cfg.Run.OutputFile == "" {
			errs = append(errs, "run.output_file: required for the sharded-file sink")
		}
	case types.SinkTopNStore:
		if cfg.Run.TopN <= 0 {
			errs = append(errs, fmt.Sprintf("run.top_n: must be positive, got %d", cfg.Run.TopN))
		}
	case types.SinkDenseDataset:
		if cfg.Run.OutputFile == "" {
			errs = append(errs, "run.output_file: dataset path required for the dense-dataset sink")
		}
		if cfg.Run.DatasetLabel == "" {
			errs = append(errs, "run.dataset_label: required for the dense-dataset sink")
		}
		if mode == types.ModeCross {
			errs = append(errs, "run.sink: dense-dataset supports mode all only")
		}
	default:
		errs = append(errs, fmt.Sprintf("run.sink: unsupported sink %q (supported: sharded-file, top-n-store, dense-dataset)", cfg.Run.Sink))
	}
	if metric == types.MetricAbsDifference && sink != types.SinkDenseDataset {
		errs = append(errs, "run.metric: abs-difference produces tensors and needs the dense-dataset sink")
	}

	if cfg.Run.BatchSize < 0 {
		errs = append(errs, "run.batch_size: must be non-negative")
	}
	if cfg.Run.Workers < 0 {
		errs = append(errs, "run.workers: must be non-negative")
	}
	if cfg.Run.DispatchChunk < 0 {
		errs = append(errs, "run.dispatch_chunk: must be non-negative")
	}

	// Source validation
	errs = append(errs, validateSource("source", cfg.Source)...)
	if mode == types.ModeCross {
		if cfg.Right.Backend == "" {
			errs = append(errs, "right.backend: cross mode needs a right-hand source")
		} else {
			errs = append(errs, validateSource("right", cfg.Right)...)
		}
	}

	// Store validation
	if sink == types.SinkTopNStore {
		switch cfg.Store.Backend {
		case "redis":
			if cfg.Store.URL == "" {
				errs = append(errs, "store.url: required for the redis backend")
			}
		case "badger":
			if cfg.Store.Dir == "" {
				errs = append(errs, "store.dir: required for the badger backend")
			}
		default:
			errs = append(errs, fmt.Sprintf("store.backend: unsupported backend %q (supported: redis, badger)", cfg.Store.Backend))
		}
	}

	// Dataset validation
	if _, err := dataset.ParseCodec(cfg.Dataset.Codec); err != nil {
		errs = append(errs, fmt.Sprintf("dataset.codec: %v", err))
	}
	if cfg.Dataset.CacheChunks < 0 {
		errs = append(errs, "dataset.cache_chunks: must be non-negative")
	}

	// Distributed validation
	if cfg.Distributed.Workers < 0 {
		errs = append(errs, "distributed.workers: must be non-negative")
	}
	if cfg.Distributed.Workers > 0 && sink != types.SinkDenseDataset {
		errs = append(errs, "distributed.workers: distributed runs need the dense-dataset sink")
	}
	validLaunchers := map[string]bool{"exec": true, "inprocess": true, "": true}
	if !validLaunchers[cfg.Distributed.Launcher] {
		errs = append(errs, fmt.Sprintf("distributed.launcher: unsupported launcher %q (supported: exec, inprocess)", cfg.Distributed.Launcher))
	}
	if cfg.Distributed.HandshakeTimeout < 0 {
		errs = append(errs, "distributed.handshake_timeout: must be non-negative")
	}

	// Upload validation
	if cfg.Upload.Enabled && cfg.Upload.Bucket == "" {
		errs = append(errs, "upload.bucket: required when upload is enabled")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level: unsupported level %q (supported: debug, info, warn, error)", cfg.Log.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true, "": true}
	if !validFormats[cfg.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format: unsupported format %q (supported: text, json)", cfg.Log.Format))
	}

	// Telemetry validation
	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true, "": true}
	if !validExporters[cfg.Telemetry.Tracing.Exporter] {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.exporter: unsupported exporter %q (supported: otlp, stdout, none)", cfg.Telemetry.Tracing.Exporter))
	}
	if cfg.Telemetry.Tracing.SampleRate < 0 || cfg.Telemetry.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.sample_rate: must be between 0 and 1, got %f", cfg.Telemetry.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalid, strings.Join(errs, "\n  - "))
	}

	return nil
}

func validateSource(section string, s SourceConfig) []string {
	var errs []string
	switch s.Backend {
	case "jsonl":
		if s.Path == "" {
			errs = append(errs, section+".path: required for the jsonl backend")
		}
	case "dataset":
		if s.Path == "" {
			errs = append(errs, section+".path: required for the dataset backend")
		}
		if s.Label == "" {
			errs = append(errs, section+".label: required for the dataset backend")
		}
	case "pinecone":
		if s.Index == "" {
			errs = append(errs, section+".index: required for the pinecone backend")
		}
	case "qdrant":
		if s.Host == "" {
			errs = append(errs, section+".host: required for the qdrant backend")
		}
		if s.Collection == "" {
			errs = append(errs, section+".collection: required for the qdrant backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("%s.backend: unsupported backend %q (supported: jsonl, dataset, pinecone, qdrant)", section, s.Backend))
	}
	if s.Dimensions < 0 {
		errs = append(errs, section+".dimensions: must be non-negative")
	}
	if s.FetchBatch < 0 {
		errs = append(errs, section+".fetch_batch: must be non-negative")
	}
	if s.RateLimit < 0 {
		errs = append(errs, section+".rate_limit: must be non-negative")
	}
	return errs
}

// envVarPattern matches ${VAR} or ${VAR:-default} syntax.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnv replaces ${VAR} and ${VAR:-default} patterns in a string
// with the corresponding environment variable values.
func InterpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		if defaultVal != "" {
			return defaultVal
		}
		return match
	})
}

func interpolateSource(s *SourceConfig) {
	s.Path = InterpolateEnv(s.Path)
	s.KeysFile = InterpolateEnv(s.KeysFile)
	s.Index = InterpolateEnv(s.Index)
	s.Namespace = InterpolateEnv(s.Namespace)
	s.Host = InterpolateEnv(s.Host)
	s.Collection = InterpolateEnv(s.Collection)
	s.APIKey = InterpolateEnv(s.APIKey)
}

// interpolateConfig applies environment variable interpolation to all
// string fields that commonly carry paths, hosts or secrets.
func interpolateConfig(cfg *Config) {
	cfg.Run.OutputFile = InterpolateEnv(cfg.Run.OutputFile)
	cfg.Run.TempDir = InterpolateEnv(cfg.Run.TempDir)

	interpolateSource(&cfg.Source)
	interpolateSource(&cfg.Right)

	cfg.Store.URL = InterpolateEnv(cfg.Store.URL)
	cfg.Store.Dir = InterpolateEnv(cfg.Store.Dir)

	cfg.Upload.Bucket = InterpolateEnv(cfg.Upload.Bucket)
	cfg.Upload.Region = InterpolateEnv(cfg.Upload.Region)
	cfg.Upload.Endpoint = InterpolateEnv(cfg.Upload.Endpoint)

	cfg.Metrics.Pushgateway = InterpolateEnv(cfg.Metrics.Pushgateway)

	cfg.Telemetry.Tracing.Exporter = InterpolateEnv(cfg.Telemetry.Tracing.Exporter)
	cfg.Telemetry.Tracing.Endpoint = InterpolateEnv(cfg.Telemetry.Tracing.Endpoint)
}

// GenerateTemplate returns a YAML template string with all available
// configuration options and their defaults, suitable for writing to
// a pairwise.yaml file.
func GenerateTemplate() string {
	return `# pairwise configuration
# See: https://github.com/Siddhant-K-code/pairwise

run:
  mode: all              # all or cross
  metric: cosine         # cosine or abs-difference (dense-dataset only)
  sink: sharded-file     # sharded-file, top-n-store or dense-dataset
  batch_size: 0          # 0 picks 100 for dense-dataset, 1000 otherwise
  workers: 0             # 0 uses every CPU
  dispatch_chunk: 4
  top_n: 10
  output_file: pairs.csv # CSV path, or dataset directory for dense-dataset
  dataset_label: default
  temp_dir: ""

source:
  backend: jsonl         # jsonl, dataset, pinecone or qdrant
  path: vectors.jsonl
  label: ""              # vectors/<label> for the dataset backend
  keys_file: ""          # one key per line, restricts remote sources
  dimensions: 0          # 0 infers from the first valid vector
  fetch_batch: 1000
  rate_limit: 0          # fetches per second, 0 for unlimited
  index: ""              # pinecone
  namespace: ""
  host: ""               # qdrant
  collection: ""
  api_key: ""            # e.g. ${PINECONE_API_KEY}
  tls: false

# right:                 # cross mode only, same fields as source
#   backend: jsonl
#   path: right.jsonl

store:
  backend: redis         # redis or badger
  url: redis://localhost:6379/0
  dir: ""                # badger data directory
  prefix: "pairwise:"
  ttl: 0s
  mirror: false          # also rank left keys under their right partners

dataset:
  codec: zstd            # zstd, lz4 or none
  cache_chunks: 64

distributed:
  workers: 0             # ranks; 0 runs in a single process
  listen: 127.0.0.1:0
  launcher: exec         # exec or inprocess
  handshake_timeout: 30s
  teardown_timeout: 10s

upload:
  enabled: false
  bucket: ""
  prefix: ""
  region: ""
  endpoint: ""

log:
  level: info            # debug, info, warn or error
  format: text           # text or json

metrics:
  listen: ""             # e.g. :9090 to serve /metrics during the run
  pushgateway: ""
  job: pairwise

telemetry:
  tracing:
    enabled: false
    exporter: otlp       # otlp, stdout, or none
    endpoint: localhost:4317
    sample_rate: 1.0     # 0.0 to 1.0
    insecure: true
`
}
