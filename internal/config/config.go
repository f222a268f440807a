// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	HTTPAddr          string        `validate:"required"`
	MaxUploadSize     int64         `validate:"gt=0"`
	ShutdownGrace     time.Duration `validate:"gt=0"`
	EmbeddedWorkers   bool
	LogLevel          string `validate:"oneof=debug info warn error"`
	LogFormat         string `validate:"oneof=text json tint"`
	SentryDSN         string `validate:"omitempty,url"`
	SentryEnvironment string

	Registry RegistryConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Worker   WorkerConfig
}

type RegistryConfig struct {
	Backend    string `validate:"oneof=memory sqlite"`
	SQLitePath string `validate:"required_if=Backend sqlite"`
}

type StorageConfig struct {
	Backend      string `validate:"oneof=s3 memory"`
	Endpoint     string `validate:"required_if=Backend s3"`
	AccessKey    string `validate:"required_if=Backend s3"`
	SecretKey    string `validate:"required_if=Backend s3"`
	Bucket       string `validate:"required_if=Backend s3"`
	Region       string
	PublicURL    string `validate:"required_if=Backend s3"`
	KeyPrefix    string
	UsePathStyle bool
}

type QueueConfig struct {
	Backend          string `validate:"oneof=memory nats redis"`
	Capacity         int    `validate:"gt=0"`
	NATSURL          string `validate:"required_if=Backend nats"`
	NATSStream       string `validate:"required_if=Backend nats"`
	NATSSubject      string `validate:"required_if=Backend nats"`
	NATSConsumer     string `validate:"required_if=Backend nats"`
	LifecycleSubject string
	RedisAddr        string `validate:"required_if=Backend redis"`
	RedisPassword    string
	RedisDB          int    `validate:"gte=0"`
	RedisStream      string `validate:"required_if=Backend redis"`
	RedisGroup       string `validate:"required_if=Backend redis"`
	RedisConsumer    string `validate:"required_if=Backend redis"`
	RedisMaxLen      int64  `validate:"gte=0"`
}

type WorkerConfig struct {
	Count                int           `validate:"gt=0"`
	TransformConcurrency int           `validate:"gt=0"`
	TaskTimeout          time.Duration `validate:"gt=0"`
	MaxDeliveries        int           `validate:"gt=0"`
	RetryBackoff         time.Duration `validate:"gte=0"`
	ProcessedMaxDim      int           `validate:"gt=0"`
	ProcessedQuality     int           `validate:"min=1,max=100"`
	ThumbMaxDim          int           `validate:"gt=0"`
	ThumbQuality         int           `validate:"min=1,max=100"`
}

// Load reads the configuration from the environment and validates it.
// Callers load .env files beforehand.
func Load() (Config, error) {
	p := parser{}

	cfg := Config{
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		MaxUploadSize:     int64(p.positiveInt("MAX_UPLOAD_SIZE", "10485760")),
		ShutdownGrace:     p.duration("SHUTDOWN_GRACE", "15s"),
		EmbeddedWorkers:   p.boolean("EMBEDDED_WORKERS", true),
		LogLevel:          strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getenv("LOG_FORMAT", "text")),
		SentryDSN:         getenv("SENTRY_DSN", ""),
		SentryEnvironment: getenv("SENTRY_ENVIRONMENT", "development"),
		Registry: RegistryConfig{
			Backend:    getenv("REGISTRY_BACKEND", "memory"),
			SQLitePath: getenv("REGISTRY_SQLITE_PATH", "./data/jobs.db"),
		},
		Storage: StorageConfig{
			Backend:      getenv("STORAGE_BACKEND", "memory"),
			Endpoint:     getenv("S3_ENDPOINT", ""),
			AccessKey:    getenv("S3_KEY", ""),
			SecretKey:    getenv("S3_SECRET", ""),
			Bucket:       getenv("S3_BUCKET", ""),
			Region:       getenv("S3_REGION", "us-east-1"),
			PublicURL:    getenv("S3_PUBLIC_URL", ""),
			KeyPrefix:    getenv("S3_KEY_PREFIX", "uploads"),
			UsePathStyle: p.boolean("S3_USE_PATH_STYLE", true),
		},
		Queue: QueueConfig{
			Backend:          getenv("QUEUE_BACKEND", "memory"),
			Capacity:         p.positiveInt("QUEUE_CAPACITY", "128"),
			NATSURL:          getenv("NATS_URL", "nats://127.0.0.1:4222"),
			NATSStream:       getenv("NATS_STREAM", "IMAGE_JOBS"),
			NATSSubject:      getenv("NATS_SUBJECT", "images.process"),
			NATSConsumer:     getenv("NATS_CONSUMER", "image-workers"),
			LifecycleSubject: getenv("LIFECYCLE_SUBJECT", ""),
			RedisAddr:        getenv("REDIS_ADDR", ""),
			RedisPassword:    getenv("REDIS_PASSWORD", ""),
			RedisDB:          p.nonNegativeInt("REDIS_DB", "0"),
			RedisStream:      getenv("REDIS_STREAM", "images:process"),
			RedisGroup:       getenv("REDIS_GROUP", "image-workers"),
			RedisConsumer:    getenv("REDIS_CONSUMER", hostname()),
			RedisMaxLen:      int64(p.nonNegativeInt("REDIS_MAX_LEN", "10000")),
		},
		Worker: WorkerConfig{
			Count:                p.positiveInt("WORKER_COUNT", "4"),
			TransformConcurrency: p.positiveInt("TRANSFORM_CONCURRENCY", strconv.Itoa(runtime.NumCPU())),
			TaskTimeout:          p.duration("TASK_TIMEOUT", "2m"),
			MaxDeliveries:        p.positiveInt("MAX_DELIVERIES", "5"),
			RetryBackoff:         p.duration("RETRY_BACKOFF", "2s"),
			ProcessedMaxDim:      p.positiveInt("PROCESSED_MAX_DIM", "1200"),
			ProcessedQuality:     p.positiveInt("PROCESSED_QUALITY", "80"),
			ThumbMaxDim:          p.positiveInt("THUMB_MAX_DIM", "300"),
			ThumbQuality:         p.positiveInt("THUMB_QUALITY", "70"),
		},
	}
	if err := p.err(); err != nil {
		return Config{}, err
	}
	if cfg.Storage.Backend == "memory" && cfg.Storage.PublicURL == "" {
		cfg.Storage.PublicURL = "memory://local"
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, describe(err)
	}
	return cfg, nil
}

// RequireShared rejects process-local backends. A standalone worker shares
// nothing with the intake process unless both the queue and registry do.
func (c Config) RequireShared() error {
	var errs []error
	if c.Queue.Backend == "memory" {
		errs = append(errs, errors.New("QUEUE_BACKEND=memory cannot be shared between processes"))
	}
	if c.Registry.Backend == "memory" {
		errs = append(errs, errors.New("REGISTRY_BACKEND=memory cannot be shared between processes"))
	}
	if c.Storage.Backend == "memory" {
		errs = append(errs, errors.New("STORAGE_BACKEND=memory cannot be shared between processes"))
	}
	return errors.Join(errs...)
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		switch e.Tag() {
		case "required", "required_if":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s] (got %q)", field, e.Param(), e.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", field, e.Tag(), e.Param(), e.Value()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// parser keeps the first parse error so Load can build the struct in one pass.
type parser struct{ first error }

func (p *parser) keep(err error) {
	if p.first == nil {
		p.first = err
	}
}

func (p *parser) err() error { return p.first }

func (p *parser) positiveInt(key, def string) int {
	v, err := parsePositiveInt(getenv(key, def), key)
	if err != nil {
		p.keep(err)
	}
	return v
}

func (p *parser) nonNegativeInt(key, def string) int {
	v, err := strconv.Atoi(getenv(key, def))
	if err != nil {
		p.keep(fmt.Errorf("invalid %s: %w", key, err))
		return 0
	}
	if v < 0 {
		p.keep(fmt.Errorf("%s must not be negative (got %d)", key, v))
	}
	return v
}

func (p *parser) duration(key, def string) time.Duration {
	v, err := time.ParseDuration(getenv(key, def))
	if err != nil {
		p.keep(fmt.Errorf("invalid %s: %w", key, err))
	}
	return v
}

func (p *parser) boolean(key string, def bool) bool {
	val := getenv(key, "")
	if val == "" {
		return def
	}
	v, err := strconv.ParseBool(val)
	if err != nil {
		p.keep(fmt.Errorf("invalid %s: %w", key, err))
	}
	return v
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker"
	}
	return h
}
