package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Addr:                ":8080",
		Store:               "postgres",
		DatabaseURL:         "postgres://localhost/test",
		MongoDatabase:       "chat",
		RedisAddr:           "localhost:6379",
		Bus:                 "redis",
		BroadcastMode:       "channel",
		LogLevel:            "info",
		LogFormat:           "text",
		WSSendBuffer:        64,
		WSWriteTimeout:      10 * time.Second,
		WSPongWait:          60 * time.Second,
		WSMaxFrame:          65536,
		WSFrameRate:         20,
		WSFrameBurst:        40,
		BusBackoffBase:      100 * time.Millisecond,
		BusBackoffMax:       30 * time.Second,
		ReactionMaxAttempts: 5,
		CacheSize:           10,
		ShutdownTimeout:     10 * time.Second,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE", "mongodb")
	t.Setenv("MONGO_URL", "mongodb://localhost:27017")
	t.Setenv("BUS", "memory")
	t.Setenv("BROADCAST_MODE", "global")
	t.Setenv("WS_WRITE_TIMEOUT", "2s")
	t.Setenv("WS_FRAME_RATE", "0.5")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store != StoreMongoDB || cfg.Bus != BusMemory || cfg.BroadcastMode != "global" {
		t.Errorf("Got %+v", cfg)
	}
	if cfg.WSWriteTimeout != 2*time.Second || cfg.WSFrameRate != 0.5 {
		t.Errorf("Got write timeout %v and frame rate %v", cfg.WSWriteTimeout, cfg.WSFrameRate)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"missing DATABASE_URL", "DATABASE_URL", "", "DATABASE_URL is required when STORE is postgres"},
		{"unknown store", "STORE", "sqlite", `STORE must be postgres or mongodb, got "sqlite"`},
		{"unknown bus", "BUS", "kafka", `BUS must be redis or memory, got "kafka"`},
		{"unknown mode", "BROADCAST_MODE", "room", `BROADCAST_MODE must be channel or global, got "room"`},
		{"zero send buffer", "WS_SEND_BUFFER", "0", "WS_SEND_BUFFER must be positive"},
		{"backoff max below base", "BUS_BACKOFF_MAX", "10ms", "BUS_BACKOFF_MAX must not be less than BUS_BACKOFF_BASE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if err.Error() != tt.wantErr {
				t.Errorf("Got error %q, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Origins(t *testing.T) {
	cfg := &Config{CORSOrigins: " https://a.example , ,https://b.example"}
	want := []string{"https://a.example", "https://b.example"}
	if diff := cmp.Diff(want, cfg.Origins()); diff != "" {
		t.Errorf("Origins() mismatch (-want +got):\n%s", diff)
	}
	if got := (&Config{}).Origins(); got != nil {
		t.Errorf("Got %v, want nil", got)
	}
}
