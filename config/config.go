// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/gorse-io/alsbatch/common/log"
	"github.com/gorse-io/alsbatch/common/retry"
	"github.com/gorse-io/alsbatch/dataset"
	"github.com/gorse-io/alsbatch/model"
	"github.com/gorse-io/alsbatch/model/cf"
	"github.com/juju/errors"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const (
	BackendAzure = "azure"
	BackendS3    = "s3"
	BackendGCS   = "gcs"
	BackendPOSIX = "posix"
)

// Config is the configuration of the batch job.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Input     InputConfig     `mapstructure:"input"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Documents DocumentsConfig `mapstructure:"documents"`
	Model     ModelConfig     `mapstructure:"model"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Serving   ServingConfig   `mapstructure:"serving"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Lock      LockConfig      `mapstructure:"lock"`
}

// StorageConfig selects the blob store holding inputs and artifacts.
type StorageConfig struct {
	Remote   bool            `mapstructure:"remote"`
	Backend  string          `mapstructure:"backend" validate:"oneof=azure s3 gcs posix"`
	LocalDir string          `mapstructure:"local_dir" validate:"required"`
	Azure    AzureBlobConfig `mapstructure:"azure"`
	S3       S3Config        `mapstructure:"s3"`
	GCS      GCSConfig       `mapstructure:"gcs"`
}

type AzureBlobConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	Container        string `mapstructure:"container"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type InputConfig struct {
	NewDataPath string `mapstructure:"new_data_path" validate:"required"`
	ArchivePath string `mapstructure:"archive_path" validate:"required"`
	BatchSize   int    `mapstructure:"batch_size" validate:"gt=0"`
}

// ArtifactsConfig names the blobs holding encoders and the interaction matrix.
type ArtifactsConfig struct {
	UserEncoder       string `mapstructure:"user_encoder" validate:"required"`
	ProductEncoder    string `mapstructure:"product_encoder" validate:"required"`
	InteractionMatrix string `mapstructure:"interaction_matrix" validate:"required"`
}

type DocumentsConfig struct {
	URI          string `mapstructure:"uri"`
	Database     string `mapstructure:"database" validate:"required"`
	Collection   string `mapstructure:"collection" validate:"required"`
	MaxChunkSize int    `mapstructure:"max_chunk_size" validate:"gt=0"`
}

type ModelConfig struct {
	Factors         int     `mapstructure:"factors" validate:"gt=0"`
	Regularization  float32 `mapstructure:"regularization" validate:"gte=0"`
	Iterations      int     `mapstructure:"iterations" validate:"gt=0"`
	Alpha           float32 `mapstructure:"alpha" validate:"gt=0"`
	RandomState     int64   `mapstructure:"random_state"`
	Jobs            int     `mapstructure:"jobs" validate:"gt=0"`
	EncoderStrategy string  `mapstructure:"encoder_strategy" validate:"oneof=append sorted"`
	BlockSize       int     `mapstructure:"block_size" validate:"gt=0"`
}

type RetryConfig struct {
	MaxAttempts      uint          `mapstructure:"max_attempts" validate:"gt=0"`
	InitialInterval  time.Duration `mapstructure:"initial_interval" validate:"gt=0"`
	MaxInterval      time.Duration `mapstructure:"max_interval" validate:"gtefield=InitialInterval"`
	Multiplier       float64       `mapstructure:"multiplier" validate:"gte=1"`
	BreakerThreshold uint32        `mapstructure:"breaker_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout" validate:"gte=0"`
}

type ServingConfig struct {
	RecommendationCount int `mapstructure:"recommendation_count" validate:"gt=0"`
	MinimumCount        int `mapstructure:"minimum_count" validate:"gte=0"`
	PopularCount        int `mapstructure:"popular_count" validate:"gte=0"`
}

type MetricsConfig struct {
	Pushgateway string `mapstructure:"pushgateway"`
	JobName     string `mapstructure:"job_name" validate:"required"`
}

type TracingConfig struct {
	EnableTracing     bool    `mapstructure:"enable_tracing"`
	Exporter          string  `mapstructure:"exporter" validate:"oneof=otlp otlphttp zipkin"`
	CollectorEndpoint string  `mapstructure:"collector_endpoint"`
	Sampler           string  `mapstructure:"sampler" validate:"oneof=always never ratio"`
	Ratio             float64 `mapstructure:"ratio" validate:"gte=0,lte=1"`
}

type LockConfig struct {
	RedisURI string        `mapstructure:"redis_uri"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

func GetDefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Remote:   true,
			Backend:  BackendAzure,
			LocalDir: "data",
			Azure: AzureBlobConfig{
				Container: "orderhistory",
			},
		},
		Input: InputConfig{
			NewDataPath: "processed-interactions/new/",
			ArchivePath: "processed-interactions/archived/",
			BatchSize:   5,
		},
		Artifacts: ArtifactsConfig{
			UserEncoder:       "user_encoder.bin",
			ProductEncoder:    "product_encoder.bin",
			InteractionMatrix: "interaction_matrix.bin",
		},
		Documents: DocumentsConfig{
			Database:     "RecommendationDB",
			Collection:   "Models",
			MaxChunkSize: 768000,
		},
		Model: ModelConfig{
			Factors:         10,
			Regularization:  0.01,
			Iterations:      2,
			Alpha:           15,
			RandomState:     42,
			Jobs:            1,
			EncoderStrategy: string(dataset.StrategyAppend),
			BlockSize:       10000,
		},
		Retry: RetryConfig{
			MaxAttempts:      5,
			InitialInterval:  time.Second,
			MaxInterval:      30 * time.Second,
			Multiplier:       2,
			BreakerThreshold: 0,
			BreakerTimeout:   time.Minute,
		},
		Serving: ServingConfig{
			RecommendationCount: 20,
			MinimumCount:        15,
			PopularCount:        50,
		},
		Metrics: MetricsConfig{
			JobName: "alsbatch",
		},
		Tracing: TracingConfig{
			Exporter: "otlp",
			Sampler:  "always",
			Ratio:    1,
		},
		Lock: LockConfig{
			TTL: 2 * time.Hour,
		},
	}
}

// BlobBackend returns the blob backend in effect. Local runs always use the file system.
func (config *Config) BlobBackend() string {
	if !config.Storage.Remote {
		return BackendPOSIX
	}
	return config.Storage.Backend
}

// DocumentStoreURI returns the document store in effect. Local runs keep documents in a SQLite
// database next to the artifacts.
func (config *Config) DocumentStoreURI() string {
	if !config.Storage.Remote || config.Documents.URI == "" && config.Storage.Backend == BackendPOSIX {
		return "sqlite://" + filepath.Join(config.Storage.LocalDir, "documents.db")
	}
	return config.Documents.URI
}

func (config *ModelConfig) GetParams() model.Params {
	return model.Params{
		model.NFactors:    config.Factors,
		model.Reg:         config.Regularization,
		model.NEpochs:     config.Iterations,
		model.Alpha:       config.Alpha,
		model.RandomState: config.RandomState,
	}
}

func (config *ModelConfig) GetFitConfig() *cf.FitConfig {
	return cf.NewFitConfig().SetJobs(config.Jobs)
}

// NewPolicy builds the retry policy shared by every storage call.
func (config *RetryConfig) NewPolicy(retryable func(error) bool) *retry.Policy {
	policy := retry.Default(retryable)
	policy.MaxAttempts = config.MaxAttempts
	policy.InitialInterval = config.InitialInterval
	policy.MaxInterval = config.MaxInterval
	policy.Multiplier = config.Multiplier
	if config.BreakerThreshold > 0 {
		policy = policy.WithBreaker("storage", config.BreakerThreshold, config.BreakerTimeout)
	}
	return policy
}

func (config *TracingConfig) NewTracerProvider() (trace.TracerProvider, error) {
	if !config.EnableTracing {
		return noop.NewTracerProvider(), nil
	}

	var exporter tracesdk.SpanExporter
	var err error
	switch config.Exporter {
	case "zipkin":
		exporter, err = zipkin.New(config.CollectorEndpoint)
	case "otlp":
		client := otlptracegrpc.NewClient(otlptracegrpc.WithInsecure(), otlptracegrpc.WithEndpoint(config.CollectorEndpoint))
		exporter, err = otlptrace.New(context.TODO(), client)
	case "otlphttp":
		client := otlptracehttp.NewClient(otlptracehttp.WithInsecure(), otlptracehttp.WithEndpoint(config.CollectorEndpoint))
		exporter, err = otlptrace.New(context.TODO(), client)
	default:
		return nil, errors.NotSupportedf("exporter %s", config.Exporter)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	var sampler tracesdk.Sampler
	switch config.Sampler {
	case "always":
		sampler = tracesdk.AlwaysSample()
	case "never":
		sampler = tracesdk.NeverSample()
	case "ratio":
		sampler = tracesdk.TraceIDRatioBased(config.Ratio)
	default:
		return nil, errors.NotSupportedf("sampler %s", config.Sampler)
	}

	return tracesdk.NewTracerProvider(
		tracesdk.WithSampler(sampler),
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(resource.NewSchemaless(attribute.String("service.name", "alsbatch"))),
	), nil
}

// Validate checks struct tags and cross-field constraints.
func (config *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(config); err != nil {
		return errors.NewNotValid(err, "invalid config")
	}
	if config.Serving.MinimumCount > config.Serving.RecommendationCount {
		return errors.NotValidf("serving.minimum_count %d above serving.recommendation_count %d",
			config.Serving.MinimumCount, config.Serving.RecommendationCount)
	}
	if config.Tracing.EnableTracing && config.Tracing.CollectorEndpoint == "" {
		return errors.NotValidf("tracing.collector_endpoint is required when tracing is enabled")
	}
	if !config.Storage.Remote {
		return nil
	}
	switch config.Storage.Backend {
	case BackendAzure:
		if config.Storage.Azure.ConnectionString == "" || config.Storage.Azure.Container == "" {
			return errors.NotValidf("storage.azure.connection_string and storage.azure.container are required")
		}
	case BackendS3:
		if config.Storage.S3.Endpoint == "" || config.Storage.S3.Bucket == "" {
			return errors.NotValidf("storage.s3.endpoint and storage.s3.bucket are required")
		}
	case BackendGCS:
		if config.Storage.GCS.Bucket == "" {
			return errors.NotValidf("storage.gcs.bucket is required")
		}
	}
	if config.DocumentStoreURI() == "" {
		return errors.NotValidf("documents.uri is required for remote storage")
	}
	return nil
}

func setDefault(v *viper.Viper) {
	defaultConfig := GetDefaultConfig()
	// [storage]
	v.SetDefault("storage.remote", defaultConfig.Storage.Remote)
	v.SetDefault("storage.backend", defaultConfig.Storage.Backend)
	v.SetDefault("storage.local_dir", defaultConfig.Storage.LocalDir)
	v.SetDefault("storage.azure.connection_string", defaultConfig.Storage.Azure.ConnectionString)
	v.SetDefault("storage.azure.container", defaultConfig.Storage.Azure.Container)
	v.SetDefault("storage.s3.endpoint", defaultConfig.Storage.S3.Endpoint)
	v.SetDefault("storage.s3.access_key_id", defaultConfig.Storage.S3.AccessKeyID)
	v.SetDefault("storage.s3.secret_access_key", defaultConfig.Storage.S3.SecretAccessKey)
	v.SetDefault("storage.s3.bucket", defaultConfig.Storage.S3.Bucket)
	v.SetDefault("storage.s3.use_ssl", defaultConfig.Storage.S3.UseSSL)
	v.SetDefault("storage.gcs.bucket", defaultConfig.Storage.GCS.Bucket)
	v.SetDefault("storage.gcs.credentials_file", defaultConfig.Storage.GCS.CredentialsFile)
	// [input]
	v.SetDefault("input.new_data_path", defaultConfig.Input.NewDataPath)
	v.SetDefault("input.archive_path", defaultConfig.Input.ArchivePath)
	v.SetDefault("input.batch_size", defaultConfig.Input.BatchSize)
	// [artifacts]
	v.SetDefault("artifacts.user_encoder", defaultConfig.Artifacts.UserEncoder)
	v.SetDefault("artifacts.product_encoder", defaultConfig.Artifacts.ProductEncoder)
	v.SetDefault("artifacts.interaction_matrix", defaultConfig.Artifacts.InteractionMatrix)
	// [documents]
	v.SetDefault("documents.uri", defaultConfig.Documents.URI)
	v.SetDefault("documents.database", defaultConfig.Documents.Database)
	v.SetDefault("documents.collection", defaultConfig.Documents.Collection)
	v.SetDefault("documents.max_chunk_size", defaultConfig.Documents.MaxChunkSize)
	// [model]
	v.SetDefault("model.factors", defaultConfig.Model.Factors)
	v.SetDefault("model.regularization", defaultConfig.Model.Regularization)
	v.SetDefault("model.iterations", defaultConfig.Model.Iterations)
	v.SetDefault("model.alpha", defaultConfig.Model.Alpha)
	v.SetDefault("model.random_state", defaultConfig.Model.RandomState)
	v.SetDefault("model.jobs", defaultConfig.Model.Jobs)
	v.SetDefault("model.encoder_strategy", defaultConfig.Model.EncoderStrategy)
	v.SetDefault("model.block_size", defaultConfig.Model.BlockSize)
	// [retry]
	v.SetDefault("retry.max_attempts", defaultConfig.Retry.MaxAttempts)
	v.SetDefault("retry.initial_interval", defaultConfig.Retry.InitialInterval)
	v.SetDefault("retry.max_interval", defaultConfig.Retry.MaxInterval)
	v.SetDefault("retry.multiplier", defaultConfig.Retry.Multiplier)
	v.SetDefault("retry.breaker_threshold", defaultConfig.Retry.BreakerThreshold)
	v.SetDefault("retry.breaker_timeout", defaultConfig.Retry.BreakerTimeout)
	// [serving]
	v.SetDefault("serving.recommendation_count", defaultConfig.Serving.RecommendationCount)
	v.SetDefault("serving.minimum_count", defaultConfig.Serving.MinimumCount)
	v.SetDefault("serving.popular_count", defaultConfig.Serving.PopularCount)
	// [metrics]
	v.SetDefault("metrics.pushgateway", defaultConfig.Metrics.Pushgateway)
	v.SetDefault("metrics.job_name", defaultConfig.Metrics.JobName)
	// [tracing]
	v.SetDefault("tracing.enable_tracing", defaultConfig.Tracing.EnableTracing)
	v.SetDefault("tracing.exporter", defaultConfig.Tracing.Exporter)
	v.SetDefault("tracing.collector_endpoint", defaultConfig.Tracing.CollectorEndpoint)
	v.SetDefault("tracing.sampler", defaultConfig.Tracing.Sampler)
	v.SetDefault("tracing.ratio", defaultConfig.Tracing.Ratio)
	// [lock]
	v.SetDefault("lock.redis_uri", defaultConfig.Lock.RedisURI)
	v.SetDefault("lock.ttl", defaultConfig.Lock.TTL)
}

type configBinding struct {
	key string
	env string
}

func bindEnv(v *viper.Viper) {
	bindings := []configBinding{
		{"storage.remote", "USE_AZURE_STORAGE"},
		{"storage.backend", "BLOB_BACKEND"},
		{"storage.local_dir", "LOCAL_STORAGE_DIR"},
		{"storage.azure.connection_string", "AZURE_CONNECTION_STRING"},
		{"storage.azure.container", "AZURE_CONTAINER"},
		{"storage.s3.endpoint", "S3_ENDPOINT"},
		{"storage.s3.access_key_id", "S3_ACCESS_KEY_ID"},
		{"storage.s3.secret_access_key", "S3_SECRET_ACCESS_KEY"},
		{"storage.s3.bucket", "S3_BUCKET"},
		{"storage.s3.use_ssl", "S3_USE_SSL"},
		{"storage.gcs.bucket", "GCS_BUCKET"},
		{"storage.gcs.credentials_file", "GCS_CREDENTIALS_FILE"},
		{"input.new_data_path", "NEW_DATA_PATH"},
		{"input.archive_path", "ARCHIVE_PATH"},
		{"input.batch_size", "BATCH_SIZE"},
		{"artifacts.user_encoder", "USER_ENCODER_BLOB_NAME"},
		{"artifacts.product_encoder", "PRODUCT_ENCODER_BLOB_NAME"},
		{"artifacts.interaction_matrix", "INTERACTION_MATRIX_BLOB_NAME"},
		{"documents.uri", "COSMOS_CONNECTION_STRING"},
		{"documents.database", "COSMOS_DATABASE_NAME"},
		{"documents.collection", "COSMOS_MODELS_CONTAINER_NAME"},
		{"documents.max_chunk_size", "MAX_CHUNK_SIZE"},
		{"model.factors", "FACTORS"},
		{"model.regularization", "REGULARIZATION"},
		{"model.iterations", "ITERATIONS"},
		{"model.alpha", "ALPHA"},
		{"model.random_state", "RANDOM_STATE"},
		{"model.jobs", "TRAIN_JOBS"},
		{"model.encoder_strategy", "ENCODER_STRATEGY"},
		{"model.block_size", "MATRIX_BLOCK_SIZE"},
		{"retry.max_attempts", "RETRY_MAX_ATTEMPTS"},
		{"retry.initial_interval", "RETRY_INITIAL_INTERVAL"},
		{"retry.max_interval", "RETRY_MAX_INTERVAL"},
		{"retry.multiplier", "RETRY_MULTIPLIER"},
		{"retry.breaker_threshold", "RETRY_BREAKER_THRESHOLD"},
		{"retry.breaker_timeout", "RETRY_BREAKER_TIMEOUT"},
		{"serving.recommendation_count", "RECOMMENDATION_COUNT"},
		{"serving.minimum_count", "MINIMUM_RECOMMENDATION_COUNT"},
		{"serving.popular_count", "POPULAR_COUNT"},
		{"metrics.pushgateway", "PUSHGATEWAY_URL"},
		{"metrics.job_name", "PUSHGATEWAY_JOB_NAME"},
		{"tracing.enable_tracing", "TRACING_ENABLE"},
		{"tracing.exporter", "TRACING_EXPORTER"},
		{"tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT"},
		{"tracing.sampler", "TRACING_SAMPLER"},
		{"tracing.ratio", "TRACING_RATIO"},
		{"lock.redis_uri", "LOCK_REDIS_URI"},
		{"lock.ttl", "LOCK_TTL"},
	}
	for _, binding := range bindings {
		err := v.BindEnv(binding.key, binding.env)
		if err != nil {
			log.Logger().Fatal("failed to bind a Viper key to a ENV variable", zap.Error(err))
		}
	}
}

// LoadConfig loads configuration from an optional file and the environment. Environment
// variables override file values, which override defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefault(v)
	bindEnv(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Annotatef(err, "failed to read config %s", path)
		}
	}
	var conf Config
	if err := v.Unmarshal(&conf, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, errors.Trace(err)
	}
	conf.Storage.Backend = strings.ToLower(conf.Storage.Backend)
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &conf, nil
}
