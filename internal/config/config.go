package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config centralizes runtime settings for the worker and the enqueue tool.
type Config struct {
	QueueBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisGroup    string
	RedisConsumer string
	QueueWait     time.Duration

	IdleWait  time.Duration
	ErrorWait time.Duration

	TranscribeURL          string
	TranscribeAPIKey       string
	TranscribePollInterval time.Duration
	TranscribeMaxPolls     int
	TranscribeVocabulary   string
	TranscribeLanguage     string
	TranscribeRoleARN      string

	ModelProvider string
	ModelID       string
	ModelBaseURL  string
	ModelAPIKey   string
	ModelTimeout  time.Duration

	KintoneDomain   string
	KintoneAPIToken string
	KintoneAppID    string

	RunlogDatabaseURL string
	MetricsAddr       string
	DatasetPath       string

	// malformed holds KEY=value pairs that failed to parse in Load.
	malformed []string
}

// LoadDotEnv loads .env files; a missing file is not an error and the
// process environment keeps precedence.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func Load() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker-1"
	}

	env := &envReader{}
	cfg := Config{
		QueueBackend:  strings.ToLower(getEnv("QUEUE_BACKEND", "redis")),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       env.getInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "callnote_audio"),
		RedisGroup:    getEnv("REDIS_GROUP", "callnote_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", hostname),
		QueueWait:     env.getDuration("QUEUE_WAIT", 20*time.Second),

		IdleWait:  env.getDuration("IDLE_WAIT", 60*time.Second),
		ErrorWait: env.getDuration("ERROR_WAIT", 60*time.Second),

		TranscribeURL:          getEnv("TRANSCRIBE_URL", ""),
		TranscribeAPIKey:       getEnv("TRANSCRIBE_API_KEY", ""),
		TranscribePollInterval: env.getDuration("TRANSCRIBE_POLL_INTERVAL", 30*time.Second),
		TranscribeMaxPolls:     env.getInt("TRANSCRIBE_MAX_POLLS", 120),
		TranscribeVocabulary:   getEnv("TRANSCRIBE_VOCABULARY", "ohaka-word"),
		TranscribeLanguage:     getEnv("TRANSCRIBE_LANGUAGE", "ja-JP"),
		TranscribeRoleARN:      getEnv("TRANSCRIBE_DATA_ACCESS_ROLE", ""),

		ModelProvider: strings.ToLower(getEnv("MODEL_PROVIDER", "openai")),
		ModelID:       getEnv("MODEL_ID", "anthropic.claude-3-5-sonnet-20240620-v1:0"),
		ModelBaseURL:  getEnv("MODEL_BASE_URL", ""),
		ModelAPIKey:   getEnv("MODEL_API_KEY", ""),
		ModelTimeout:  env.getDuration("MODEL_TIMEOUT", 120*time.Second),

		KintoneDomain:   strings.TrimRight(getEnv("KINTONE_DOMAIN", ""), "/"),
		KintoneAPIToken: getEnv("KINTONE_API_TOKEN", ""),
		KintoneAppID:    getEnv("CUSTOMER_REFERRAL_APP_ID", ""),

		RunlogDatabaseURL: getEnv("RUNLOG_DATABASE_URL", ""),
		MetricsAddr:       getEnv("METRICS_ADDR", ""),
		DatasetPath:       getEnv("DATASET_PATH", ""),
	}
	cfg.malformed = env.malformed
	return cfg
}

// Validate checks the settings the worker cannot start without.
func (c Config) Validate() error {
	var missing []string
	require := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}

	switch c.QueueBackend {
	case "redis":
		require("REDIS_ADDR", c.RedisAddr)
	case "memory":
	default:
		return fmt.Errorf("QUEUE_BACKEND %q is not supported (redis|memory)", c.QueueBackend)
	}

	require("TRANSCRIBE_URL", c.TranscribeURL)
	require("MODEL_ID", c.ModelID)
	require("MODEL_API_KEY", c.ModelAPIKey)
	switch c.ModelProvider {
	case "openai":
		require("MODEL_BASE_URL", c.ModelBaseURL)
	case "gemini":
	default:
		return fmt.Errorf("MODEL_PROVIDER %q is not supported (openai|gemini)", c.ModelProvider)
	}

	require("KINTONE_DOMAIN", c.KintoneDomain)
	require("KINTONE_API_TOKEN", c.KintoneAPIToken)
	require("CUSTOMER_REFERRAL_APP_ID", c.KintoneAppID)

	if len(c.malformed) > 0 {
		return fmt.Errorf("malformed configuration: %s", strings.Join(c.malformed, ", "))
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.TranscribeMaxPolls <= 0 {
		return errors.New("TRANSCRIBE_MAX_POLLS must be positive")
	}
	return nil
}

// ValidateQueue checks only the queue settings; the enqueue tool needs
// nothing else.
func (c Config) ValidateQueue() error {
	var bad []string
	for _, kv := range c.malformed {
		if strings.HasPrefix(kv, "REDIS_") || strings.HasPrefix(kv, "QUEUE_") {
			bad = append(bad, kv)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("malformed configuration: %s", strings.Join(bad, ", "))
	}
	switch c.QueueBackend {
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.New("missing required configuration: REDIS_ADDR")
		}
		return nil
	case "memory":
		return nil
	default:
		return fmt.Errorf("QUEUE_BACKEND %q is not supported (redis|memory)", c.QueueBackend)
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

// envReader parses typed values and remembers the ones that did not parse.
type envReader struct {
	malformed []string
}

func (r *envReader) getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		r.malformed = append(r.malformed, key+"="+value)
		return fallback
	}
	return parsed
}

// getDuration accepts Go durations ("30s") or a bare number of seconds.
func (r *envReader) getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	r.malformed = append(r.malformed, key+"="+value)
	return fallback
}
