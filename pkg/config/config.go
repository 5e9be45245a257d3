package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tranqmq/tranq/internal/discovery"
	"github.com/tranqmq/tranq/internal/logging"
)

// BrokerConfig is the top-level broker configuration
type BrokerConfig struct {
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	BindPort int    `yaml:"bind_port"`
	DataDir  string `yaml:"data_dir"`

	Logging logging.Config `yaml:"logging"`

	Storage     StorageConfig            `yaml:"storage"`
	Transaction TransactionConfig        `yaml:"transaction"`
	Discovery   discovery.RegistryConfig `yaml:"discovery"`
}

// StorageConfig tunes the message log
type StorageConfig struct {
	FileReservedHours    int64  `yaml:"file_reserved_hours"`
	CompressionType      string `yaml:"compression_type"`
	CompressionThreshold int    `yaml:"compression_threshold"`
}

// TransactionConfig tunes the check engine. Durations are given in
// milliseconds to keep the file format flat.
type TransactionConfig struct {
	TransactionTimeoutMs int64 `yaml:"transaction_timeout_ms"`
	TransactionCheckMax  int   `yaml:"transaction_check_max"`
	CheckIntervalMs      int64 `yaml:"check_interval_ms"`
	HalfQueueNum         int32 `yaml:"half_queue_num"`
	DispatchWorkers      int   `yaml:"dispatch_workers"`
}

// TransactionTimeout returns the timeout as a duration
func (c *TransactionConfig) TransactionTimeout() time.Duration {
	return time.Duration(c.TransactionTimeoutMs) * time.Millisecond
}

// CheckInterval returns the scan cadence as a duration
func (c *TransactionConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMs) * time.Millisecond
}

// LoadBrokerConfig loads broker configuration from a YAML file. A missing
// file yields the defaults.
func LoadBrokerConfig(filename string) (*BrokerConfig, error) {
	config := &BrokerConfig{}
	setDefaults(config)

	data, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %v", filename, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %v", filename, err)
	}
	setDefaults(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects configurations the broker cannot run with
func (c *BrokerConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}
	if c.BindPort <= 0 || c.BindPort > 65535 {
		return fmt.Errorf("bind_port out of range: %d", c.BindPort)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.Transaction.TransactionTimeoutMs <= 0 {
		return fmt.Errorf("transaction_timeout_ms must be positive")
	}
	if c.Transaction.TransactionCheckMax <= 0 {
		return fmt.Errorf("transaction_check_max must be positive")
	}
	if c.Transaction.CheckIntervalMs <= 0 {
		return fmt.Errorf("check_interval_ms must be positive")
	}
	if c.Storage.FileReservedHours <= 0 {
		return fmt.Errorf("file_reserved_hours must be positive")
	}
	return nil
}

// setDefaults fills unset fields
func setDefaults(config *BrokerConfig) {
	if config.NodeID == "" {
		config.NodeID = "broker-1"
	}
	if config.BindAddr == "" {
		config.BindAddr = "0.0.0.0"
	}
	if config.BindPort == 0 {
		config.BindPort = 9876
	}
	if config.DataDir == "" {
		config.DataDir = "./data"
	}

	if config.Logging.Level == "" {
		config.Logging.Level = logging.LevelInfo
	}
	if config.Logging.Format == "" {
		config.Logging.Format = logging.FormatText
	}
	if config.Logging.OutputFile == "" {
		config.Logging.EnableConsole = true
	}

	if config.Storage.FileReservedHours == 0 {
		config.Storage.FileReservedHours = 72
	}
	if config.Storage.CompressionType == "" {
		config.Storage.CompressionType = "snappy"
	}
	if config.Storage.CompressionThreshold == 0 {
		config.Storage.CompressionThreshold = 1024
	}

	if config.Transaction.TransactionTimeoutMs == 0 {
		config.Transaction.TransactionTimeoutMs = 6000
	}
	if config.Transaction.TransactionCheckMax == 0 {
		config.Transaction.TransactionCheckMax = 5
	}
	if config.Transaction.CheckIntervalMs == 0 {
		config.Transaction.CheckIntervalMs = 60000
	}
	if config.Transaction.HalfQueueNum == 0 {
		config.Transaction.HalfQueueNum = 1
	}
	if config.Transaction.DispatchWorkers == 0 {
		config.Transaction.DispatchWorkers = 4
	}

	if config.Discovery.Type == "" {
		config.Discovery.Type = "memory"
	}
	if config.Discovery.Namespace == "" {
		config.Discovery.Namespace = "/tranq"
	}
}
