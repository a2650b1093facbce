package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/felixgeelhaar/proctor/internal/baseline"
	"github.com/felixgeelhaar/proctor/internal/batch"
	"github.com/felixgeelhaar/proctor/internal/dispatch"
	"github.com/felixgeelhaar/proctor/internal/extract"
	"github.com/felixgeelhaar/proctor/internal/history"
	"github.com/felixgeelhaar/proctor/internal/llm"
)

// Config holds all configuration for proctor. Values come from defaults, then
// the YAML file, then PROCTOR_* environment variables.
type Config struct {
	Engine      EngineConfig        `yaml:"engine"`
	History     HistoryConfig       `yaml:"history"`
	Baseline    baseline.Thresholds `yaml:"baseline"`
	LLM         LLMConfig           `yaml:"llm"`
	Storage     StorageConfig       `yaml:"storage"`
	Queue       QueueConfig         `yaml:"queue"`
	Objects     ObjectsConfig       `yaml:"objects"`
	Assignments AssignmentsConfig   `yaml:"assignments"`
	Log         LogConfig           `yaml:"log"`
	Metrics     MetricsConfig       `yaml:"metrics"`
}

// EngineConfig holds batch engine settings
type EngineConfig struct {
	Workers           int           `yaml:"workers" env:"PROCTOR_WORKERS" validate:"gte=1,lte=64"`
	CallTimeout       time.Duration `yaml:"call_timeout" env:"PROCTOR_CALL_TIMEOUT" validate:"gte=0"`
	TimeoutEscalation int           `yaml:"timeout_escalation" env:"PROCTOR_TIMEOUT_ESCALATION" validate:"gte=0"`
	LogTail           int           `yaml:"log_tail" validate:"gte=1"`
	CommitTimeout     time.Duration `yaml:"commit_timeout" validate:"gte=0"`
}

// HistoryConfig holds student history settings
type HistoryConfig struct {
	history.Params `yaml:",inline"`
	// Backend is where histories live: memory, file, sqlite or redis.
	Backend  string `yaml:"backend" env:"PROCTOR_HISTORY_BACKEND" validate:"oneof=memory file sqlite redis"`
	Dir      string `yaml:"dir" env:"PROCTOR_HISTORY_DIR"`
	RedisURL string `yaml:"redis_url" env:"PROCTOR_REDIS_URL" validate:"required_if=Backend redis"`
}

// LLMConfig holds grading service settings
type LLMConfig struct {
	// Provider is openai or ollama; both speak the OpenAI API.
	Provider   string              `yaml:"provider" env:"PROCTOR_LLM_PROVIDER" validate:"oneof=openai ollama"`
	BaseURL    string              `yaml:"base_url" env:"PROCTOR_LLM_BASE_URL" validate:"omitempty,url"`
	APIKey     string              `yaml:"-" env:"PROCTOR_LLM_API_KEY"`
	Timeout    time.Duration       `yaml:"timeout" validate:"gte=0"`
	Grader     llm.GraderConfig    `yaml:"grader"`
	Resilience llm.ResilientConfig `yaml:"resilience"`
}

// StorageConfig holds result persistence settings
type StorageConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `yaml:"driver" env:"PROCTOR_STORAGE_DRIVER" validate:"oneof=memory sqlite postgres"`
	DSN    string `yaml:"dsn" env:"PROCTOR_STORAGE_DSN" validate:"required_unless=Driver memory"`
}

// QueueConfig holds RabbitMQ settings. An empty URL disables the queue.
type QueueConfig struct {
	URL         string `yaml:"url" env:"PROCTOR_RABBITMQ_URL"`
	Workers     int    `yaml:"workers" env:"PROCTOR_QUEUE_WORKERS" validate:"gte=1"`
	BatchQueue  string `yaml:"batch_queue" validate:"required"`
	ResultQueue string `yaml:"result_queue" validate:"required"`
	// PublishResults also publishes every persisted result.
	PublishResults bool `yaml:"publish_results" env:"PROCTOR_PUBLISH_RESULTS"`
}

// ObjectsConfig holds S3-compatible storage settings. An empty endpoint
// disables s3:// handles.
type ObjectsConfig struct {
	Endpoint  string `yaml:"endpoint" env:"PROCTOR_OBJECTS_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"PROCTOR_OBJECTS_ACCESS_KEY"`
	SecretKey string `yaml:"-" env:"PROCTOR_OBJECTS_SECRET_KEY"`
	UseSSL    bool   `yaml:"use_ssl" env:"PROCTOR_OBJECTS_USE_SSL"`
}

// AssignmentsConfig points at the assignment catalog
type AssignmentsConfig struct {
	Path string `yaml:"path" env:"PROCTOR_ASSIGNMENTS"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level" env:"PROCTOR_LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" env:"PROCTOR_LOG_FORMAT" validate:"oneof=text json"`
	File   string `yaml:"file" env:"PROCTOR_LOG_FILE"`
}

// MetricsConfig holds the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"PROCTOR_METRICS_ADDR"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	eng := batch.DefaultConfig()
	return &Config{
		Engine: EngineConfig{
			Workers:           eng.Dispatch.Workers,
			CallTimeout:       eng.Dispatch.CallTimeout,
			TimeoutEscalation: eng.Dispatch.TimeoutEscalation,
			LogTail:           eng.LogTail,
			CommitTimeout:     eng.CommitTimeout,
		},
		History: HistoryConfig{
			Params:  history.DefaultParams(),
			Backend: "memory",
		},
		Baseline: baseline.DefaultThresholds(),
		LLM: LLMConfig{
			Provider:   "openai",
			Timeout:    3 * time.Minute,
			Grader:     llm.DefaultGraderConfig(),
			Resilience: llm.DefaultResilientConfig(),
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Queue: QueueConfig{
			Workers:     3,
			BatchQueue:  "proctor.batches",
			ResultQueue: "proctor.results",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Baseline.Validate(); err != nil {
		return fmt.Errorf("invalid config: baseline: %w", err)
	}
	return nil
}

// EngineSettings converts the engine section for batch.NewEngine.
func (c *Config) EngineSettings() batch.Config {
	return batch.Config{
		Dispatch: dispatch.Config{
			Workers:           c.Engine.Workers,
			CallTimeout:       c.Engine.CallTimeout,
			TimeoutEscalation: c.Engine.TimeoutEscalation,
		},
		LogTail:       c.Engine.LogTail,
		CommitTimeout: c.Engine.CommitTimeout,
	}
}

// ObjectSettings converts the objects section for extract.NewObjectExtractor.
func (c *Config) ObjectSettings() extract.ObjectConfig {
	return extract.ObjectConfig{
		Endpoint:  c.Objects.Endpoint,
		AccessKey: c.Objects.AccessKey,
		SecretKey: c.Objects.SecretKey,
		UseSSL:    c.Objects.UseSSL,
	}
}
