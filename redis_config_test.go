package shopquery

import (
	"testing"
	"time"
)

func TestRedisOptions_Defaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_PASSWORD", "")
	t.Setenv("REDIS_DB", "")

	opts := RedisOptions()

	if opts.Addr != "localhost:6379" {
		t.Errorf("expected default addr localhost:6379, got %s", opts.Addr)
	}
	if opts.Password != "" {
		t.Errorf("expected default password empty, got %s", opts.Password)
	}
	if opts.DB != 0 {
		t.Errorf("expected default db 0, got %d", opts.DB)
	}
}

func TestRedisOptions_FromEnvironment(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("REDIS_PASSWORD", "secret123")
	t.Setenv("REDIS_DB", "5")

	opts := RedisOptions()

	if opts.Addr != "redis.example.com:6380" {
		t.Errorf("expected addr redis.example.com:6380, got %s", opts.Addr)
	}
	if opts.Password != "secret123" {
		t.Errorf("expected password secret123, got %s", opts.Password)
	}
	if opts.DB != 5 {
		t.Errorf("expected db 5, got %d", opts.DB)
	}
}

func TestRedisOptions_InvalidDB(t *testing.T) {
	t.Setenv("REDIS_DB", "invalid")

	if opts := RedisOptions(); opts.DB != 0 {
		t.Errorf("expected db 0 (default for invalid value), got %d", opts.DB)
	}
}

func TestRedisConfigOptions(t *testing.T) {
	t.Setenv("REDIS_ADDR", "env-host:6379")
	t.Setenv("REDIS_PASSWORD", "env-secret")
	t.Setenv("REDIS_DB", "3")

	// Empty fields fall back to the environment.
	opts := RedisConfig{Addr: "cache:6379"}.Options()
	if opts.Addr != "cache:6379" {
		t.Errorf("expected configured addr, got %s", opts.Addr)
	}
	if opts.Password != "env-secret" || opts.DB != 3 {
		t.Errorf("expected environment password and db, got %q/%d", opts.Password, opts.DB)
	}

	opts = RedisConfig{Password: "file-secret", DB: 7}.Options()
	if opts.Addr != "env-host:6379" || opts.Password != "file-secret" || opts.DB != 7 {
		t.Errorf("unexpected options %+v", opts)
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name       string
		envValue   string
		defaultVal int
		expected   int
	}{
		{"valid integer", "42", 0, 42},
		{"empty string uses default", "", 99, 99},
		{"invalid integer uses default", "not-a-number", 10, 10},
		{"negative integer", "-5", 0, -5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_INT_VAR", tt.envValue)
			if result := getEnvAsInt("TEST_INT_VAR", tt.defaultVal); result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestGetEnvAsBoolAndDuration(t *testing.T) {
	t.Setenv("TEST_BOOL_VAR", "true")
	if !getEnvAsBool("TEST_BOOL_VAR", false) {
		t.Error("expected true")
	}
	t.Setenv("TEST_BOOL_VAR", "maybe")
	if !getEnvAsBool("TEST_BOOL_VAR", true) {
		t.Error("expected the default for an invalid bool")
	}

	t.Setenv("TEST_DURATION_VAR", "1m30s")
	if got := getEnvAsDuration("TEST_DURATION_VAR", time.Second); got != 90*time.Second {
		t.Errorf("expected 90s, got %s", got)
	}
	t.Setenv("TEST_DURATION_VAR", "")
	if got := getEnvAsDuration("TEST_DURATION_VAR", time.Second); got != time.Second {
		t.Errorf("expected the default, got %s", got)
	}
}
