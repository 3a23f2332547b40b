package config

import (
	"fmt"
	"os"
	"strings"
)

// S3Config holds object store access settings. Any S3-compatible backend
// works (MinIO, AWS S3, GCS interop) via Endpoint.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// CacheConfig controls the pull-through cache behavior.
type CacheConfig struct {
	Enabled            bool
	MaxSizeGB          int // advisory, not enforced
	MutableTagPatterns []string
}

// AuthConfig controls token validation for the registry and chart APIs.
type AuthConfig struct {
	Enabled       bool
	AnonymousPull bool
	JWTSecret     string
}

// UpstreamConfig describes one upstream registry the worker can proxy to.
type UpstreamConfig struct {
	Name     string
	URL      string
	AuthType string // none, basic, token
	Username string
	Password string
	Token    string
}

type Config struct {
	Host  string
	Port  string
	Debug bool

	S3        S3Config
	Cache     CacheConfig
	Auth      AuthConfig
	Upstreams []UpstreamConfig
}

// Load builds the configuration from compiled defaults, overlaid with
// environment variables, overlaid with the YAML file named by CONFIG_FILE
// when that file exists.
func Load() (*Config, error) {
	LoadEnvOnce()

	cfg := &Config{
		Host:  GetEnvWithFallback("HOST", "0.0.0.0"),
		Port:  GetEnvWithFallback("PORT", "5050"),
		Debug: GetEnvBool("DEBUG", false),
		S3: S3Config{
			Endpoint:  GetEnvWithFallback("S3_ENDPOINT", "http://minio:9000"),
			Bucket:    GetEnvWithFallback("S3_BUCKET", "repository"),
			Region:    GetEnvWithFallback("S3_REGION", "us-east-1"),
			AccessKey: GetEnvWithFallback("S3_ACCESS_KEY", ""),
			SecretKey: GetEnvWithFallback("S3_SECRET_KEY", ""),
			UseSSL:    GetEnvBool("S3_USE_SSL", false),
		},
		Cache: CacheConfig{
			Enabled:            GetEnvBool("CACHE_ENABLED", true),
			MaxSizeGB:          GetEnvInt("CACHE_MAX_SIZE_GB", 100),
			MutableTagPatterns: splitPatterns(GetEnvWithFallback("MUTABLE_TAG_PATTERNS", "latest,*nightly*")),
		},
		Auth: AuthConfig{
			Enabled:       GetEnvBool("AUTH_ENABLED", true),
			AnonymousPull: GetEnvBool("ANONYMOUS_PULL", true),
			JWTSecret:     GetEnvWithFallback("JWT_SECRET_KEY", ""),
		},
	}

	if path := GetEnvWithFallback("CONFIG_FILE", ""); path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.applyYAMLFile(path); err != nil {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	cfg.Upstreams = append(builtinUpstreams(), upstreamsFromEnv()...)

	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("AUTH_ENABLED is set but JWT_SECRET_KEY is empty")
	}

	return cfg, nil
}

// builtinUpstreams returns the registries available without any
// configuration. Credentials can still be attached through the
// UPSTREAM_<NAME>_* environment variables.
func builtinUpstreams() []UpstreamConfig {
	return []UpstreamConfig{
		{Name: "dockerhub", URL: "https://registry-1.docker.io", AuthType: "none"},
		{Name: "ghcr", URL: "https://ghcr.io", AuthType: "token", Token: os.Getenv("GHCR_TOKEN")},
		{Name: "quay", URL: "https://quay.io", AuthType: "none"},
		{Name: "gcr", URL: "https://gcr.io", AuthType: "none"},
	}
}

// upstreamsFromEnv discovers extra upstreams declared as
// UPSTREAM_<NAME>_URL with optional _AUTH_TYPE, _USERNAME, _PASSWORD, _TOKEN.
func upstreamsFromEnv() []UpstreamConfig {
	var upstreams []UpstreamConfig
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "UPSTREAM_") || !strings.HasSuffix(key, "_URL") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, "UPSTREAM_"), "_URL")
		if name == "" || value == "" {
			continue
		}
		prefix := "UPSTREAM_" + name + "_"
		upstreams = append(upstreams, UpstreamConfig{
			Name:     strings.ToLower(name),
			URL:      value,
			AuthType: GetEnvWithFallback(prefix+"AUTH_TYPE", "none"),
			Username: os.Getenv(prefix + "USERNAME"),
			Password: os.Getenv(prefix + "PASSWORD"),
			Token:    os.Getenv(prefix + "TOKEN"),
		})
	}
	return upstreams
}

// Upstream looks up an upstream by name.
func (c *Config) Upstream(name string) (UpstreamConfig, bool) {
	for _, u := range c.Upstreams {
		if u.Name == name {
			return u, true
		}
	}
	return UpstreamConfig{}, false
}

func splitPatterns(s string) []string {
	var patterns []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}
