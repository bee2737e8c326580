package env

import (
	"os"
	"time"
)

// Get retrieves an environment variable
func Get(key string) (string, bool) {
	value := os.Getenv(key)
	if value == "" {
		return "", false
	}
	return value, true
}

// GetOrDefault retrieves an environment variable with a default value
func GetOrDefault(key, defaultValue string) string {
	if value, ok := Get(key); ok {
		return value
	}
	return defaultValue
}

// GetDuration retrieves an environment variable parsed as a duration,
// falling back to the default when unset or unparsable.
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := Get(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
