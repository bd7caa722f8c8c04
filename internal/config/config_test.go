package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"CHROME_HOST", "CHROME_PORT", "CONCURRENCY", "PRERENDER_TIMEOUT",
		"ITERATIONS", "CACHE_BACKEND", "CACHE_ROOT_DIR", "CACHE_LIVE_TIME",
		"S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY",
		"ALLOWED_DOMAINS", "ENABLE_CIRCUIT_BREAKER", "CIRCUIT_BREAKER_FAIL_MAX",
		"CIRCUIT_BREAKER_RESET_TIMEOUT",
	}
	for _, k := range keys {
		old, existed := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if existed {
				os.Setenv(k, old)
			}
		})
	}
}

func TestFromEnvironDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnviron()
	if err != nil {
		t.Fatalf("FromEnviron: %v", err)
	}
	if cfg.ChromeHost != "localhost" {
		t.Errorf("ChromeHost = %q, want localhost", cfg.ChromeHost)
	}
	if cfg.ChromePort != 9222 {
		t.Errorf("ChromePort = %d, want 9222", cfg.ChromePort)
	}
	if cfg.PrerenderTimeout != 30*time.Second {
		t.Errorf("PrerenderTimeout = %v, want 30s", cfg.PrerenderTimeout)
	}
	if cfg.CacheBackend != "dummy" {
		t.Errorf("CacheBackend = %q, want dummy", cfg.CacheBackend)
	}
}

func TestFromEnvironOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHROME_PORT", "9333")
	t.Setenv("PRERENDER_TIMEOUT", "45")
	t.Setenv("CACHE_BACKEND", "disk")

	cfg, err := FromEnviron()
	if err != nil {
		t.Fatalf("FromEnviron: %v", err)
	}
	if cfg.ChromePort != 9333 {
		t.Errorf("ChromePort = %d, want 9333", cfg.ChromePort)
	}
	if cfg.PrerenderTimeout != 45*time.Second {
		t.Errorf("PrerenderTimeout = %v, want 45s", cfg.PrerenderTimeout)
	}
	if cfg.CacheBackend != "disk" {
		t.Errorf("CacheBackend = %q, want disk", cfg.CacheBackend)
	}
}

func TestFromEnvironRejectsUnknownCacheBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("CACHE_BACKEND", "memcached")

	if _, err := FromEnviron(); err == nil {
		t.Fatal("expected an error for an unknown cache backend")
	}
}

func TestFromEnvironRejectsMalformedInt(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONCURRENCY", "not-a-number")

	if _, err := FromEnviron(); err == nil {
		t.Fatal("expected an error for a malformed CONCURRENCY")
	}
}

func TestDomainAllowedEmptyListAllowsEverything(t *testing.T) {
	cfg := &Config{}
	if !cfg.DomainAllowed("anything.example.test") {
		t.Error("expected empty allow-list to allow every domain")
	}
}

func TestDomainAllowedCaseInsensitive(t *testing.T) {
	cfg := &Config{AllowedDomains: []string{"Example.Test"}}
	if !cfg.DomainAllowed("example.test") {
		t.Error("expected case-insensitive match")
	}
	if cfg.DomainAllowed("other.test") {
		t.Error("expected other.test to be rejected")
	}
}
