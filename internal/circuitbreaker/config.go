package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// Settings is the env-tunable subset of Config for one dependency.
type Settings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	// IsSuccessful lets callers exclude expected errors from failure counts.
	IsSuccessful func(err error) bool
}

// GenerationSettings tunes the breaker in front of the generation service.
func GenerationSettings() Settings {
	return Settings{
		MaxRequests:      getEnvUint32("CB_LLM_MAX_REQUESTS", 2),
		Interval:         getEnvDuration("CB_LLM_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("CB_LLM_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("CB_LLM_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_LLM_SUCCESS_THRESHOLD", 1),
	}
}

// DatabaseSettings tunes the store breaker.
func DatabaseSettings() Settings {
	return Settings{
		MaxRequests:      getEnvUint32("CB_DB_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("CB_DB_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("CB_DB_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("CB_DB_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_DB_SUCCESS_THRESHOLD", 2),
	}
}

// RedisSettings tunes the stream-manager breaker.
func RedisSettings() Settings {
	return Settings{
		MaxRequests:      getEnvUint32("CB_REDIS_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_REDIS_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_REDIS_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_REDIS_SUCCESS_THRESHOLD", 2),
	}
}

// ToConfig converts settings to a breaker Config.
func (s Settings) ToConfig() Config {
	return Config{
		MaxRequests:      s.MaxRequests,
		Interval:         s.Interval,
		Timeout:          s.Timeout,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
		IsSuccessful:     s.IsSuccessful,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
