package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App       App       `yaml:"app"`
	HTTP      HTTP      `yaml:"http"`
	Log       Log       `yaml:"log"`
	Postgres  Postgres  `yaml:"postgres"`
	Redis     Redis     `yaml:"redis"`
	Kafka     Kafka     `yaml:"kafka"`
	Auth      Auth      `yaml:"auth"`
	Ingest    Ingest    `yaml:"ingest"`
	Sequencer Sequencer `yaml:"sequencer"`
	Writer    Writer    `yaml:"writer"`
	Breaker   Breaker   `yaml:"breaker"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"eventgate"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Postgres struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-default:"user"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"eventgate_db"`
}

type Redis struct {
	Addr string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
}

type Kafka struct {
	Brokers         []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	DeadLetterTopic string   `yaml:"dead_letter_topic" env:"KAFKA_DEAD_LETTER_TOPIC" env-default:"eventgate-dead-letters"`
}

type Auth struct {
	// HMACSecret is the shared webhook signing secret. HMACSecretFile takes
	// precedence and is re-read on a cache TTL so the secret can be rotated
	// without a restart. When JWKSURL is set, bearer tokens are accepted as
	// an alternative to HMAC signatures.
	HMACSecret     string        `yaml:"hmac_secret" env:"AUTH_HMAC_SECRET"`
	HMACSecretFile string        `yaml:"hmac_secret_file" env:"AUTH_HMAC_SECRET_FILE"`
	JWKSURL        string        `yaml:"jwks_url" env:"AUTH_JWKS_URL"`
	JWTIssuer      string        `yaml:"jwt_issuer" env:"AUTH_JWT_ISSUER"`
	JWTAudience    string        `yaml:"jwt_audience" env:"AUTH_JWT_AUDIENCE"`
	ClockSkew      time.Duration `yaml:"clock_skew" env:"AUTH_CLOCK_SKEW" env-default:"10s"`
	ReplayWindow   time.Duration `yaml:"replay_window" env:"AUTH_REPLAY_WINDOW" env-default:"5m"`
	SecretCacheTTL time.Duration `yaml:"secret_cache_ttl" env:"AUTH_SECRET_CACHE_TTL" env-default:"10m"`
}

type Ingest struct {
	// OrderedTypes lists event types that must go through the sequencer.
	// Every other type is treated as unordered and bypasses it.
	OrderedTypes   []string      `yaml:"ordered_types" env:"INGEST_ORDERED_TYPES" env-default:"credit.purchased,balance.adjusted"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"INGEST_IDEMPOTENCY_TTL" env-default:"24h"`
	WaitTimeout    time.Duration `yaml:"wait_timeout" env:"INGEST_WAIT_TIMEOUT" env-default:"5s"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" env:"INGEST_MAX_BODY_BYTES" env-default:"1048576"`
	StoreBackend   string        `yaml:"store_backend" env:"INGEST_STORE_BACKEND" env-default:"redis"`
}

type Sequencer struct {
	GapWait        time.Duration `yaml:"gap_wait" env:"SEQUENCER_GAP_WAIT" env-default:"2s"`
	GapPolicy      string        `yaml:"gap_policy" env:"SEQUENCER_GAP_POLICY" env-default:"strict"`
	BufferCapacity int           `yaml:"buffer_capacity" env:"SEQUENCER_BUFFER_CAPACITY" env-default:"64"`
}

type Writer struct {
	BatchSize     int           `yaml:"batch_size" env:"WRITER_BATCH_SIZE" env-default:"25"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"WRITER_FLUSH_INTERVAL" env-default:"100ms"`
	FlushRetries  int           `yaml:"flush_retries" env:"WRITER_FLUSH_RETRIES" env-default:"3"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" env:"WRITER_RETRY_BACKOFF" env-default:"250ms"`
	QueueCapacity int           `yaml:"queue_capacity" env:"WRITER_QUEUE_CAPACITY" env-default:"4096"`
}

type Breaker struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"BREAKER_FAILURE_THRESHOLD" env-default:"5"`
	OpenInterval     time.Duration `yaml:"open_interval" env:"BREAKER_OPEN_INTERVAL" env-default:"5s"`
	ProbeCount       int           `yaml:"probe_count" env:"BREAKER_PROBE_COUNT" env-default:"1"`
}

func New() (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// fallback to env vars if file not found
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else {
		// Allow env vars to override config file
		cleanenv.ReadEnv(cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.HMACSecret == "" && c.Auth.HMACSecretFile == "" && c.Auth.JWKSURL == "" {
		return fmt.Errorf("config error: at least one of AUTH_HMAC_SECRET, AUTH_HMAC_SECRET_FILE or AUTH_JWKS_URL must be set")
	}
	switch c.Sequencer.GapPolicy {
	case "strict", "flag":
	default:
		return fmt.Errorf("config error: unknown SEQUENCER_GAP_POLICY %q (want strict or flag)", c.Sequencer.GapPolicy)
	}
	switch c.Ingest.StoreBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("config error: unknown INGEST_STORE_BACKEND %q (want redis or memory)", c.Ingest.StoreBackend)
	}
	return nil
}
