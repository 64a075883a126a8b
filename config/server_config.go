package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds process-level settings loaded from the environment.
type ServerConfig struct {
	HTTPAddr      string
	GRPCAddr      string
	ConfigFile    string
	TrackDir      string
	CacheDir      string
	LogLevel      string
	CORSOrigins   []string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration
	EnvFileLoaded bool
}

// LoadServerConfig reads an optional .env file and then the process environment.
func LoadServerConfig() ServerConfig {
	loaded := godotenv.Load() == nil
	if !loaded {
		log.Println("[INFO] No .env file found, using process environment")
	}
	return ServerConfig{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:      getEnv("GRPC_ADDR", ":9090"),
		ConfigFile:    getEnv("CONFIG_FILE", "config/traffic.yaml"),
		TrackDir:      getEnv("TRACK_DIR", "track"),
		CacheDir:      getEnv("CACHE_DIR", "cache/ai"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		CORSOrigins:   splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		ReadTimeout:   parseDuration(getEnv("API_READ_TIMEOUT", "15s"), 15*time.Second),
		WriteTimeout:  parseDuration(getEnv("API_WRITE_TIMEOUT", "15s"), 15*time.Second),
		ShutdownGrace: parseDuration(getEnv("SHUTDOWN_GRACE", "5s"), 5*time.Second),
		EnvFileLoaded: loaded,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
