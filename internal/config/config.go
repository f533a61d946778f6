package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Backend names accepted by STORAGE_BACKEND.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

type Config struct {
	Environment string

	APIBaseURL string

	StorageBackend string
	ProfileDir     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MongoURI    string
	MongoDBName string

	// KafkaBrokers is optional; empty disables the checkout listener.
	KafkaBrokers []string
	KafkaGroupID string
}

// Load reads configuration from the environment, with a best-effort .env
// load first.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment:    getEnv("APP_ENV", "development"),
		APIBaseURL:     getEnv("API_BASE_URL", "http://localhost:8000"),
		StorageBackend: getEnv("STORAGE_BACKEND", BackendFile),
		ProfileDir:     getEnv("PROFILE_DIR", ".nisimatsuya"),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		MongoURI:       getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDBName:    getEnv("MONGO_DB_NAME", "storefront"),
		KafkaBrokers:   getEnvList("KAFKA_BROKERS"),
		KafkaGroupID:   getEnv("KAFKA_GROUP_ID", "storefront-client"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
