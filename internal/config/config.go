// Package config загружает настройки sagaflow.
//
// Источники в порядке приоритета: переменные окружения (DB_URL,
// RABBITMQ_URL, ...), файл sagaflow.yaml (текущий каталог или ./config),
// значения по умолчанию.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shaiso/sagaflow/internal/mq"
	"github.com/shaiso/sagaflow/internal/repo"
)

// Config — настройки всех бинарников sagaflow.
type Config struct {
	DBURL       string `mapstructure:"db_url"`
	RabbitMQURL string `mapstructure:"rabbitmq_url"`
	RedisURL    string `mapstructure:"redis_url"`

	// APIURL — адрес HTTP API для CLI.
	APIURL string `mapstructure:"api_url"`

	APIPort    string `mapstructure:"api_port"`
	WorkerPort string `mapstructure:"worker_port"`
	SchedPort  string `mapstructure:"sched_port"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	RetryInterval        time.Duration `mapstructure:"retry_interval"`
	CompensationInterval time.Duration `mapstructure:"compensation_interval"`
	BatchSize            int           `mapstructure:"batch_size"`

	TaskMaxAttempts         int           `mapstructure:"task_max_attempts"`
	CompensationMaxAttempts int           `mapstructure:"compensation_max_attempts"`
	BackoffBase             time.Duration `mapstructure:"backoff_base"`
	LockTTL                 time.Duration `mapstructure:"lock_ttl"`

	// TaskTimeout — предел выполнения одного шага воркером.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`

	Prefetch int `mapstructure:"prefetch"`

	// WorkflowsFile — YAML с определениями workflow для начальной загрузки.
	// Если пусто, загружается встроенный workflow "invoice".
	WorkflowsFile string `mapstructure:"workflows_file"`

	// StepLatency — имитация задержки демонстрационных шагов.
	StepLatency time.Duration `mapstructure:"step_latency"`
}

// defaults — значения по умолчанию; заодно регистрируют ключи
// для чтения из окружения.
var defaults = map[string]any{
	"db_url":       repo.DefaultDSN,
	"rabbitmq_url": mq.DefaultURL(),
	"redis_url":    "redis://localhost:6379/0",
	"api_url":      "http://localhost:8080",

	"api_port":    "8080",
	"worker_port": "8082",
	"sched_port":  "8081",

	"log_level":  "INFO",
	"log_format": "json",

	"retry_interval":        5 * time.Second,
	"compensation_interval": 10 * time.Second,
	"batch_size":            100,

	"task_max_attempts":         3,
	"compensation_max_attempts": 3,
	"backoff_base":              time.Second,
	"lock_ttl":                  5 * time.Minute,
	"task_timeout":              5 * time.Minute,

	"prefetch": 5,

	"workflows_file": "",
	"step_latency":   time.Duration(0),
}

// Load читает sagaflow.yaml (если есть) и окружение.
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("sagaflow")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return unmarshal(v)
}

// LoadFile читает указанный файл и окружение.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет значения.
func (c *Config) Validate() error {
	var errs []error
	if c.RetryInterval < time.Second {
		errs = append(errs, fmt.Errorf("retry_interval %s: must be at least 1s", c.RetryInterval))
	}
	if c.CompensationInterval < time.Second {
		errs = append(errs, fmt.Errorf("compensation_interval %s: must be at least 1s", c.CompensationInterval))
	}
	if c.TaskMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("task_max_attempts %d: must be positive", c.TaskMaxAttempts))
	}
	if c.CompensationMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("compensation_max_attempts %d: must be positive", c.CompensationMaxAttempts))
	}
	if c.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("backoff_base %s: must be positive", c.BackoffBase))
	}
	if c.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("task_timeout %s: must be positive", c.TaskTimeout))
	}
	if c.Prefetch < 1 {
		errs = append(errs, fmt.Errorf("prefetch %d: must be positive", c.Prefetch))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// StaleClaimAfter — через сколько после захвата RUNNING task считается
// брошенным упавшим воркером. С запасом больше TaskTimeout, чтобы не
// отнять task у воркера, который ещё записывает исход.
func (c *Config) StaleClaimAfter() time.Duration {
	return 2 * c.TaskTimeout
}

// ErrInvalidConfig — недопустимые значения настроек.
var ErrInvalidConfig = errors.New("invalid config")

// Addr возвращает адрес прослушивания для порта.
func Addr(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}
