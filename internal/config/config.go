// Package config loads the prerender service's runtime configuration
// from environment variables.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved set of knobs the service reads at
// startup. Nothing in the rest of the tree reads an environment
// variable directly; everything goes through this struct.
type Config struct {
	ChromeHost string
	ChromePort int

	Concurrency      int
	PrerenderTimeout time.Duration
	Iterations       int

	CacheBackend   string
	CacheRootDir   string
	CacheLiveTime  time.Duration

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	AllowedDomains []string

	EnableCircuitBreaker       bool
	CircuitBreakerFailMax      uint32
	CircuitBreakerResetTimeout time.Duration
}

// FromEnviron builds a Config from the process environment, applying
// the same defaults the reference deployment ships with.
func FromEnviron() (*Config, error) {
	cfg := &Config{
		ChromeHost:                 getString("CHROME_HOST", "localhost"),
		ChromePort:                 9222,
		Concurrency:                2 * runtime.NumCPU(),
		PrerenderTimeout:           30 * time.Second,
		Iterations:                 100,
		CacheBackend:               getString("CACHE_BACKEND", "dummy"),
		CacheRootDir:               getString("CACHE_ROOT_DIR", "/tmp/prerender-cache"),
		CacheLiveTime:              24 * time.Hour,
		S3Bucket:                   getString("S3_BUCKET", ""),
		S3Region:                   getString("S3_REGION", ""),
		S3Endpoint:                 getString("S3_ENDPOINT", ""),
		S3AccessKey:                getString("S3_ACCESS_KEY", ""),
		S3SecretKey:                getString("S3_SECRET_KEY", ""),
		EnableCircuitBreaker:       false,
		CircuitBreakerFailMax:      5,
		CircuitBreakerResetTimeout: 30 * time.Second,
	}

	if v, ok := os.LookupEnv("CHROME_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: CHROME_PORT: %w", err)
		}
		cfg.ChromePort = port
	}

	if v, ok := os.LookupEnv("CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: CONCURRENCY: %w", err)
		}
		cfg.Concurrency = n
	}

	if v, ok := os.LookupEnv("PRERENDER_TIMEOUT"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: PRERENDER_TIMEOUT: %w", err)
		}
		cfg.PrerenderTimeout = time.Duration(secs) * time.Second
	}

	if v, ok := os.LookupEnv("ITERATIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: ITERATIONS: %w", err)
		}
		cfg.Iterations = n
	}

	if v, ok := os.LookupEnv("CACHE_LIVE_TIME"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: CACHE_LIVE_TIME: %w", err)
		}
		cfg.CacheLiveTime = time.Duration(secs) * time.Second
	}

	if v, ok := os.LookupEnv("ALLOWED_DOMAINS"); ok && v != "" {
		parts := strings.Split(v, ",")
		domains := make([]string, 0, len(parts))
		for _, part := range parts {
			if d := strings.TrimSpace(part); d != "" {
				domains = append(domains, d)
			}
		}
		cfg.AllowedDomains = domains
	}

	if v, ok := os.LookupEnv("ENABLE_CIRCUIT_BREAKER"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: ENABLE_CIRCUIT_BREAKER: %w", err)
		}
		cfg.EnableCircuitBreaker = enabled
	}

	if v, ok := os.LookupEnv("CIRCUIT_BREAKER_FAIL_MAX"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: CIRCUIT_BREAKER_FAIL_MAX: %w", err)
		}
		cfg.CircuitBreakerFailMax = uint32(n)
	}

	if v, ok := os.LookupEnv("CIRCUIT_BREAKER_RESET_TIMEOUT"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: CIRCUIT_BREAKER_RESET_TIMEOUT: %w", err)
		}
		cfg.CircuitBreakerResetTimeout = time.Duration(secs) * time.Second
	}

	switch cfg.CacheBackend {
	case "dummy", "disk", "s3":
	default:
		return nil, fmt.Errorf("config: CACHE_BACKEND: unknown backend %q", cfg.CacheBackend)
	}

	return cfg, nil
}

// DomainAllowed reports whether host passes the allow-list; an empty
// list allows everything.
func (c *Config) DomainAllowed(host string) bool {
	if len(c.AllowedDomains) == 0 {
		return true
	}
	for _, d := range c.AllowedDomains {
		if strings.EqualFold(d, host) {
			return true
		}
	}
	return false
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
