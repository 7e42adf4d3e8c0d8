package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	CartAPI CartAPIConfig
	Storage StorageConfig
	Redis   RedisConfig
	Kafka   KafkaConfig
	Observ  ObservabilityConfig
	Cart    CartConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type CartAPIConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	HealthPath     string
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

type StorageConfig struct {
	Path string
}

// RedisConfig is optional; an empty Addr disables the cross-instance bus and locks
type RedisConfig struct {
	Addr             string
	Password         string
	DB               int
	BroadcastChannel string
	LockTTL          time.Duration
}

// KafkaConfig is optional; no brokers disables event publishing and auth event consumption
type KafkaConfig struct {
	Brokers       []string
	TopicAuth     string
	TopicCart     string
	ConsumerGroup string
}

type ObservabilityConfig struct {
	JaegerEndpoint string
}

type CartConfig struct {
	TaxRate          string
	ClickDebounce    time.Duration
	TypingDebounce   time.Duration
	SyncPolicy       string
	FallbackRetries  int
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

func Load() *Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	fallbackRetries, _ := strconv.Atoi(getEnv("CART_FALLBACK_RETRIES", "2"))
	breakerThreshold, _ := strconv.Atoi(getEnv("CART_BREAKER_THRESHOLD", "5"))

	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnv("PORT", "8090"),
			Env:      getEnv("ENV", "development"),
			LogLevel: getEnv("LOG_LEVEL", ""),
		},
		CartAPI: CartAPIConfig{
			BaseURL:        strings.TrimRight(getEnv("CART_API_BASE_URL", "http://localhost:8000/api"), "/"),
			RequestTimeout: getDuration("CART_REQUEST_TIMEOUT", 15*time.Second),
			HealthPath:     getEnv("CART_API_HEALTH_PATH", "/health"),
			ProbeTimeout:   getDuration("CONNECTIVITY_PROBE_TIMEOUT", 5*time.Second),
			ProbeInterval:  getDuration("CONNECTIVITY_PROBE_INTERVAL", 30*time.Second),
		},
		Storage: StorageConfig{
			Path: getEnv("OFFLINE_STORE_PATH", "cart-sync.db"),
		},
		Redis: RedisConfig{
			Addr:             getEnv("REDIS_ADDR", ""),
			Password:         getEnv("REDIS_PASSWORD", ""),
			DB:               redisDB,
			BroadcastChannel: getEnv("SESSION_BROADCAST_CHANNEL", "cart-sync:session"),
			LockTTL:          getDuration("RECONCILE_LOCK_TTL", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:       splitList(getEnv("KAFKA_BROKERS", "")),
			TopicAuth:     getEnv("KAFKA_TOPIC_AUTH_EVENTS", "auth-events"),
			TopicCart:     getEnv("KAFKA_TOPIC_CART_EVENTS", "cart-events"),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "cart-sync-group"),
		},
		Observ: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
		},
		Cart: CartConfig{
			TaxRate:          getEnv("CART_TAX_RATE", "0.10"),
			ClickDebounce:    getDuration("CART_CLICK_DEBOUNCE", 300*time.Millisecond),
			TypingDebounce:   getDuration("CART_TYPING_DEBOUNCE", 800*time.Millisecond),
			SyncPolicy:       getEnv("OFFLINE_SYNC_POLICY", "clear-all"),
			FallbackRetries:  fallbackRetries,
			BreakerThreshold: breakerThreshold,
			BreakerTimeout:   getDuration("CART_BREAKER_TIMEOUT", 30*time.Second),
		},
	}

	log.Printf("Config loaded: env=%s, port=%s, cart_api=%s", cfg.Server.Env, cfg.Server.Port, cfg.CartAPI.BaseURL)
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		log.Printf("Invalid duration for %s=%q, using %s", key, val, defaultVal)
		return defaultVal
	}
	return d
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
