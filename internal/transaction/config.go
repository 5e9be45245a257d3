package transaction

import (
	"fmt"
	"time"
)

// CheckConfig drives the periodic half-message reconciliation
type CheckConfig struct {
	// TransactionTimeout is the minimum age of a half message before it
	// may be back-checked.
	TransactionTimeout time.Duration `json:"transaction_timeout" yaml:"transaction_timeout"`

	// TransactionCheckMax is the number of back-checks a half message may
	// receive before it is discarded.
	TransactionCheckMax int `json:"transaction_check_max" yaml:"transaction_check_max"`

	// CheckInterval is the cadence of the periodic scan.
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// HalfQueueNum is the number of queues in the half topic that prepared
	// messages are spread over.
	HalfQueueNum int32 `json:"half_queue_num" yaml:"half_queue_num"`
}

// DefaultCheckConfig returns default configuration
func DefaultCheckConfig() *CheckConfig {
	return &CheckConfig{
		TransactionTimeout:  6 * time.Second,
		TransactionCheckMax: 5,
		CheckInterval:       60 * time.Second,
		HalfQueueNum:        1,
	}
}

func (c *CheckConfig) Validate() error {
	if c.TransactionTimeout <= 0 {
		return fmt.Errorf("transaction timeout must be positive")
	}
	if c.TransactionCheckMax <= 0 {
		return fmt.Errorf("transaction check max must be positive")
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive")
	}
	if c.HalfQueueNum <= 0 {
		return fmt.Errorf("half queue num must be positive")
	}
	return nil
}
