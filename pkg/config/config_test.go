package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadBrokerConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadBrokerConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadBrokerConfig failed: %v", err)
	}

	if cfg.NodeID != "broker-1" {
		t.Fatalf("Expected default node id, got %q", cfg.NodeID)
	}
	if cfg.Transaction.TransactionCheckMax != 5 {
		t.Fatalf("Expected default check max 5, got %d", cfg.Transaction.TransactionCheckMax)
	}
	if cfg.Transaction.TransactionTimeout() != 6*time.Second {
		t.Fatalf("Expected default timeout 6s, got %v", cfg.Transaction.TransactionTimeout())
	}
	if cfg.Storage.FileReservedHours != 72 {
		t.Fatalf("Expected default retention 72h, got %d", cfg.Storage.FileReservedHours)
	}
	if cfg.Discovery.Type != "memory" {
		t.Fatalf("Expected default memory discovery, got %q", cfg.Discovery.Type)
	}
}

func TestLoadBrokerConfig_ParsesOverrides(t *testing.T) {
	content := `
node_id: "broker-7"
bind_port: 9093
data_dir: "/tmp/tranq-test"
transaction:
  transaction_timeout_ms: 12000
  transaction_check_max: 10
  check_interval_ms: 30000
storage:
  compression_type: "zstd"
discovery:
  type: "etcd"
  endpoints: ["localhost:2379"]
`
	path := filepath.Join(t.TempDir(), "broker.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := LoadBrokerConfig(path)
	if err != nil {
		t.Fatalf("LoadBrokerConfig failed: %v", err)
	}

	if cfg.NodeID != "broker-7" {
		t.Fatalf("Expected broker-7, got %q", cfg.NodeID)
	}
	if cfg.BindPort != 9093 {
		t.Fatalf("Expected port 9093, got %d", cfg.BindPort)
	}
	if cfg.Transaction.TransactionTimeout() != 12*time.Second {
		t.Fatalf("Expected 12s timeout, got %v", cfg.Transaction.TransactionTimeout())
	}
	if cfg.Transaction.TransactionCheckMax != 10 {
		t.Fatalf("Expected check max 10, got %d", cfg.Transaction.TransactionCheckMax)
	}
	if cfg.Storage.CompressionType != "zstd" {
		t.Fatalf("Expected zstd, got %q", cfg.Storage.CompressionType)
	}
	if cfg.Discovery.Type != "etcd" || len(cfg.Discovery.Endpoints) != 1 {
		t.Fatalf("Expected etcd discovery, got %+v", cfg.Discovery)
	}

	// unset sections still get defaults
	if cfg.Transaction.HalfQueueNum != 1 {
		t.Fatalf("Expected default half queue num, got %d", cfg.Transaction.HalfQueueNum)
	}
	if cfg.Storage.FileReservedHours != 72 {
		t.Fatalf("Expected default retention, got %d", cfg.Storage.FileReservedHours)
	}
}

func TestLoadBrokerConfig_RejectsInvalid(t *testing.T) {
	content := `
transaction:
  transaction_check_max: -3
`
	path := filepath.Join(t.TempDir(), "broker.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := LoadBrokerConfig(path); err == nil {
		t.Fatalf("Expected validation error for negative check max")
	}
}
