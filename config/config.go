package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ModeStream = "stream"
	ModeQueue  = "queue"
)

type AppConfig struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Chat     ChatConfig     `mapstructure:"chat" yaml:"chat"`
	Stream   StreamConfig   `mapstructure:"stream" yaml:"stream"`
	Upstream UpstreamConfig `mapstructure:"upstream" yaml:"upstream"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb" yaml:"dynamodb"`
	SQL      SQLConfig      `mapstructure:"sql" yaml:"sql"`
	Worker   WorkerConfig   `mapstructure:"worker" yaml:"worker"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	Mode            string        `mapstructure:"mode" yaml:"mode"` // gin mode: debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowOrigin     string        `mapstructure:"allow_origin" yaml:"allow_origin"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json or console
}

type AuthConfig struct {
	JwtSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	// InsecureHeader trusts X-User-ID when no JWT secret is configured. Dev only.
	InsecureHeader bool `mapstructure:"insecure_header" yaml:"insecure_header"`
}

type ChatConfig struct {
	Mode               string        `mapstructure:"mode" yaml:"mode"`
	StreamTimeout      time.Duration `mapstructure:"stream_timeout" yaml:"stream_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PollMaxAttempts    int           `mapstructure:"poll_max_attempts" yaml:"poll_max_attempts"`
	StaleAfter         time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	HistoryTokenBudget int           `mapstructure:"history_token_budget" yaml:"history_token_budget"`
	SystemPrompt       string        `mapstructure:"system_prompt" yaml:"system_prompt"`
	BusyMessage        string        `mapstructure:"busy_message" yaml:"busy_message"`
	FailureMessage     string        `mapstructure:"failure_message" yaml:"failure_message"`
}

type StreamConfig struct {
	PersistInterval time.Duration `mapstructure:"persist_interval" yaml:"persist_interval"`
}

type EndpointConfig struct {
	Name             string        `mapstructure:"name" yaml:"name"`
	BaseURL          string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey           string        `mapstructure:"api_key" yaml:"api_key"`
	Model            string        `mapstructure:"model" yaml:"model"`
	Temperature      float64       `mapstructure:"temperature" yaml:"temperature"`
	TopP             float64       `mapstructure:"top_p" yaml:"top_p"`
	FrequencyPenalty float64       `mapstructure:"frequency_penalty" yaml:"frequency_penalty"`
	PresencePenalty  float64       `mapstructure:"presence_penalty" yaml:"presence_penalty"`
	MaxTokens        int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialDelay     time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
}

// Enabled reports whether the endpoint has enough configuration to be called.
func (e EndpointConfig) Enabled() bool {
	return e.BaseURL != "" && e.APIKey != ""
}

// FirstByteWait is the longest a single call can wait for response headers:
// every attempt times out and every backoff delay is slept.
func (e EndpointConfig) FirstByteWait() time.Duration {
	wait := time.Duration(e.MaxRetries+1) * e.Timeout
	for i := 0; i < e.MaxRetries; i++ {
		wait += e.InitialDelay << i
	}
	return wait
}

type UpstreamConfig struct {
	Primary  EndpointConfig `mapstructure:"primary" yaml:"primary"`
	Fallback EndpointConfig `mapstructure:"fallback" yaml:"fallback"`
}

// FirstByteWait sums the enabled endpoints, since failover tries them in turn.
func (u UpstreamConfig) FirstByteWait() time.Duration {
	var wait time.Duration
	for _, ep := range []EndpointConfig{u.Primary, u.Fallback} {
		if ep.Enabled() {
			wait += ep.FirstByteWait()
		}
	}
	return wait
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // memory, redis, dynamodb, postgres, sqlite
}

type QueueConfig struct {
	Driver  string        `mapstructure:"driver" yaml:"driver"` // memory, redis
	ItemTTL time.Duration `mapstructure:"item_ttl" yaml:"item_ttl"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address" yaml:"address"`
	Port         int           `mapstructure:"port" yaml:"port"`
	Password     string        `mapstructure:"password" yaml:"password"`
	Database     int           `mapstructure:"database" yaml:"database"`
	Prefix       string        `mapstructure:"prefix" yaml:"prefix"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Address, r.Port)
}

type DynamoDBConfig struct {
	Region            string `mapstructure:"region" yaml:"region"`
	Endpoint          string `mapstructure:"endpoint" yaml:"endpoint"`
	MessagesTable     string `mapstructure:"messages_table" yaml:"messages_table"`
	ConversationTable string `mapstructure:"conversations_table" yaml:"conversations_table"`
	CreateTables      bool   `mapstructure:"create_tables" yaml:"create_tables"`
	AccessKeyID       string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey   string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
}

type SQLConfig struct {
	DSN     string        `mapstructure:"dsn" yaml:"dsn"`
	MaxIdle int           `mapstructure:"max_idle" yaml:"max_idle"`
	MaxOpen int           `mapstructure:"max_open" yaml:"max_open"`
	MaxLife time.Duration `mapstructure:"max_life" yaml:"max_life"`
}

type WorkerConfig struct {
	IdleInterval time.Duration `mapstructure:"idle_interval" yaml:"idle_interval"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allow_origin", "*")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("chat.mode", ModeStream)
	v.SetDefault("chat.stream_timeout", 58*time.Second)
	v.SetDefault("chat.poll_interval", time.Second)
	v.SetDefault("chat.poll_max_attempts", 60)
	v.SetDefault("chat.stale_after", 5*time.Minute)
	v.SetDefault("chat.history_token_budget", 0)
	v.SetDefault("chat.busy_message", "Server busy, please try again later.")
	v.SetDefault("chat.failure_message", "Failed to generate a response, please try again.")

	v.SetDefault("stream.persist_interval", 0)

	for _, ep := range []string{"primary", "fallback"} {
		p := "upstream." + ep + "."
		v.SetDefault(p+"name", ep)
		v.SetDefault(p+"model", "deepseek-ai/DeepSeek-R1")
		v.SetDefault(p+"temperature", 0.7)
		v.SetDefault(p+"top_p", 0.7)
		v.SetDefault(p+"max_tokens", 2000)
		v.SetDefault(p+"timeout", 30*time.Second)
		v.SetDefault(p+"max_retries", 3)
		v.SetDefault(p+"initial_delay", time.Second)
	}
	v.SetDefault("upstream.primary.base_url", "https://api.siliconflow.cn/v1")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.item_ttl", 24*time.Hour)

	v.SetDefault("redis.address", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("dynamodb.region", "us-east-1")
	v.SetDefault("dynamodb.messages_table", "Messages")
	v.SetDefault("dynamodb.conversations_table", "Conversations")

	v.SetDefault("sql.max_idle", 5)
	v.SetDefault("sql.max_open", 20)
	v.SetDefault("sql.max_life", time.Hour)

	v.SetDefault("worker.idle_interval", time.Second)
	v.SetDefault("worker.timeout", 5*time.Minute)
}

// Load reads path (YAML) when it exists, then lets environment variables
// override any key, e.g. UPSTREAM_PRIMARY_API_KEY.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	// AutomaticEnv only applies to keys viper already knows about; the secrets
	// have no defaults, so bind them explicitly.
	for _, key := range []string{
		"auth.jwt_secret",
		"upstream.primary.api_key",
		"upstream.fallback.api_key",
		"upstream.fallback.base_url",
		"sql.dsn",
		"redis.password",
		"dynamodb.endpoint",
		"dynamodb.access_key_id",
		"dynamodb.secret_access_key",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	switch c.Chat.Mode {
	case ModeStream, ModeQueue:
	default:
		return fmt.Errorf("chat.mode must be %q or %q, got %q", ModeStream, ModeQueue, c.Chat.Mode)
	}
	if c.Chat.PollInterval <= 0 || c.Chat.PollMaxAttempts <= 0 {
		return errors.New("chat.poll_interval and chat.poll_max_attempts must be positive")
	}
	if c.Chat.StreamTimeout <= 0 {
		return errors.New("chat.stream_timeout must be positive")
	}
	for name, ep := range map[string]EndpointConfig{"primary": c.Upstream.Primary, "fallback": c.Upstream.Fallback} {
		if ep.MaxRetries < 0 {
			return fmt.Errorf("upstream.%s.max_retries must not be negative", name)
		}
	}
	if c.Chat.StaleAfter > 0 {
		// a worker can legitimately go quiet until the first byte arrives,
		// but never for longer than worker.timeout
		wait := c.Upstream.FirstByteWait()
		if c.Worker.Timeout > 0 && c.Worker.Timeout < wait {
			wait = c.Worker.Timeout
		}
		if c.Chat.StaleAfter < wait {
			return fmt.Errorf("chat.stale_after (%s) must be at least %s, the longest wait for an upstream response", c.Chat.StaleAfter, wait)
		}
	}
	switch c.Store.Driver {
	case "memory", "redis", "dynamodb", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if (c.Store.Driver == "postgres" || c.Store.Driver == "sqlite") && c.SQL.DSN == "" {
		return fmt.Errorf("sql.dsn is required for store.driver %q", c.Store.Driver)
	}
	switch c.Queue.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown queue.driver %q", c.Queue.Driver)
	}
	return nil
}
