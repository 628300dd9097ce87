package config

import (
	"testing"

	"go.uber.org/zap"
)

func TestDefaults(t *testing.T) {
	cfg, err := NewConfig(zap.NewNop())
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}
	if cfg.HTTPPort != DefaultHTTPPort {
		t.Errorf("HTTPPort = %q, want %q", cfg.HTTPPort, DefaultHTTPPort)
	}
	if cfg.StorageDriver != DriverMemory {
		t.Errorf("StorageDriver = %q, want %q", cfg.StorageDriver, DriverMemory)
	}
	if cfg.Mainline != DefaultMainline {
		t.Errorf("Mainline = %q, want %q", cfg.Mainline, DefaultMainline)
	}
}

func TestPortNormalization(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	cfg, err := NewConfig(zap.NewNop())
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}
	if cfg.HTTPPort != ":9090" {
		t.Errorf("HTTPPort = %q, want :9090", cfg.HTTPPort)
	}
}

func TestRedisDriverRequiresAddr(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", DriverRedis)
	t.Setenv("REDIS_ADDR", "")
	if _, err := NewConfig(zap.NewNop()); err == nil {
		t.Fatal("expected error when REDIS_ADDR is missing")
	}

	t.Setenv("REDIS_ADDR", "localhost:6379")
	cfg, err := NewConfig(zap.NewNop())
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}
	if cfg.RedisKeyPrefix != DefaultKeyPrefix {
		t.Errorf("RedisKeyPrefix = %q, want %q", cfg.RedisKeyPrefix, DefaultKeyPrefix)
	}
}

func TestPostgresDriverRequiresDSN(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", DriverPostgres)
	t.Setenv("POSTGRES_CONNECTION_STRING", "")
	if _, err := NewConfig(zap.NewNop()); err == nil {
		t.Fatal("expected error when POSTGRES_CONNECTION_STRING is missing")
	}
}

func TestUnknownDriverRejected(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "etcd")
	if _, err := NewConfig(zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
