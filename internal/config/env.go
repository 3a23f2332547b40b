package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
)

var envOnce sync.Once

// LoadEnvOnce loads the .env file only once during the application lifecycle
// so that multiple packages can call it safely.
func LoadEnvOnce() {
	envOnce.Do(loadEnvironment)
}

func loadEnvironment() {
	envPaths := []string{
		".env",
		"../.env",
		filepath.Join(os.Getenv("APP_ROOT"), ".env"),
	}

	for _, path := range envPaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				log.Printf("Environment loaded from: %s", path)
				return
			}
		}
	}
}

// GetEnvWithFallback gets an environment variable with a fallback value
func GetEnvWithFallback(key, fallback string) string {
	LoadEnvOnce()

	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// GetEnvBool gets an environment variable as boolean with fallback
func GetEnvBool(key string, fallback bool) bool {
	LoadEnvOnce()

	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	return value == "true" || value == "1" || value == "yes" || value == "on"
}

// GetEnvInt gets an environment variable as integer with fallback
func GetEnvInt(key string, fallback int) int {
	LoadEnvOnce()

	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
