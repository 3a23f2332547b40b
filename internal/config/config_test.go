package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "5050" {
		t.Errorf("expected default port 5050, got %s", cfg.Port)
	}
	if cfg.S3.Bucket != "repository" {
		t.Errorf("expected default bucket repository, got %s", cfg.S3.Bucket)
	}
	if !cfg.Auth.AnonymousPull {
		t.Error("expected anonymous pull enabled by default")
	}

	t.Run("mutable tag patterns", func(t *testing.T) {
		if len(cfg.Cache.MutableTagPatterns) != 2 {
			t.Fatalf("expected 2 default patterns, got %v", cfg.Cache.MutableTagPatterns)
		}
		if cfg.Cache.MutableTagPatterns[0] != "latest" || cfg.Cache.MutableTagPatterns[1] != "*nightly*" {
			t.Errorf("unexpected patterns: %v", cfg.Cache.MutableTagPatterns)
		}
	})

	t.Run("builtin upstreams", func(t *testing.T) {
		want := map[string]string{
			"dockerhub": "https://registry-1.docker.io",
			"ghcr":      "https://ghcr.io",
			"quay":      "https://quay.io",
			"gcr":       "https://gcr.io",
		}
		for name, url := range want {
			u, ok := cfg.Upstream(name)
			if !ok {
				t.Errorf("missing builtin upstream %s", name)
				continue
			}
			if u.URL != url {
				t.Errorf("upstream %s: expected %s, got %s", name, url, u.URL)
			}
		}
	})
}

func TestLoadAuthRequiresSecret(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("JWT_SECRET_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when auth enabled without secret")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "s")
	t.Setenv("S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("MUTABLE_TAG_PATTERNS", "latest,edge,*-snapshot")
	t.Setenv("AUTH_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.S3.Endpoint != "http://localhost:9000" {
		t.Errorf("S3 endpoint override not applied: %s", cfg.S3.Endpoint)
	}
	if len(cfg.Cache.MutableTagPatterns) != 3 {
		t.Errorf("expected 3 patterns, got %v", cfg.Cache.MutableTagPatterns)
	}
	if cfg.Auth.Enabled {
		t.Error("expected auth disabled")
	}
}

func TestLoadUpstreamFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "s")
	t.Setenv("UPSTREAM_INTERNAL_URL", "https://registry.internal.example")
	t.Setenv("UPSTREAM_INTERNAL_AUTH_TYPE", "basic")
	t.Setenv("UPSTREAM_INTERNAL_USERNAME", "svc")
	t.Setenv("UPSTREAM_INTERNAL_PASSWORD", "pw")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	u, ok := cfg.Upstream("internal")
	if !ok {
		t.Fatal("env-declared upstream not found")
	}
	if u.AuthType != "basic" || u.Username != "svc" || u.Password != "pw" {
		t.Errorf("unexpected upstream config: %+v", u)
	}
}

func TestApplyYAML(t *testing.T) {
	t.Setenv("VAULT_S3_KEY", "ak")
	t.Setenv("VAULT_S3_SECRET", "sk")

	cfg := &Config{
		Host: "0.0.0.0",
		Port: "5050",
		S3:   S3Config{Endpoint: "http://minio:9000", Bucket: "repository"},
		Cache: CacheConfig{
			Enabled:            true,
			MutableTagPatterns: []string{"latest", "*nightly*"},
		},
		Auth: AuthConfig{Enabled: true, AnonymousPull: true},
	}

	data := []byte(`
server:
  port: 8080
storage:
  s3:
    endpoint: https://s3.example.com
    access_key_env: VAULT_S3_KEY
    secret_key_env: VAULT_S3_SECRET
    use_ssl: true
cache:
  mutable_tag_patterns: ["latest", "edge"]
auth:
  anonymous_pull: false
`)

	if err := cfg.applyYAML(data); err != nil {
		t.Fatalf("applyYAML failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("port not overlaid: %s", cfg.Port)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("host should be untouched, got %s", cfg.Host)
	}
	if cfg.S3.Endpoint != "https://s3.example.com" || !cfg.S3.UseSSL {
		t.Errorf("s3 overlay not applied: %+v", cfg.S3)
	}
	if cfg.S3.AccessKey != "ak" || cfg.S3.SecretKey != "sk" {
		t.Errorf("credential env indirection not applied: %+v", cfg.S3)
	}
	if cfg.S3.Bucket != "repository" {
		t.Errorf("bucket should keep default, got %s", cfg.S3.Bucket)
	}
	if len(cfg.Cache.MutableTagPatterns) != 2 || cfg.Cache.MutableTagPatterns[1] != "edge" {
		t.Errorf("patterns not overlaid: %v", cfg.Cache.MutableTagPatterns)
	}
	if cfg.Auth.AnonymousPull {
		t.Error("anonymous_pull should be overlaid to false")
	}
	if !cfg.Auth.Enabled {
		t.Error("auth enabled should be untouched")
	}
}
