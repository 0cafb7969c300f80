package config

import (
	"fmt"
	"math/big"
	"strings"
)

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if _, err := c.amount("ArbitrationCost", c.ArbitrationCost); err != nil {
		return err
	}
	if _, err := c.amount("AppealFee", c.AppealFee); err != nil {
		return err
	}
	if c.AppealWindowSeconds <= 0 {
		return fmt.Errorf("config: AppealWindowSeconds must be positive")
	}
	if c.FeeTimeoutSeconds <= 0 {
		return fmt.Errorf("config: FeeTimeoutSeconds must be positive")
	}
	return nil
}

// ArbitrationCostAmount parses the configured dispute fee.
func (c *Config) ArbitrationCostAmount() *big.Int {
	amount, _ := c.amount("ArbitrationCost", c.ArbitrationCost)
	return amount
}

// AppealFeeAmount parses the configured appeal fee.
func (c *Config) AppealFeeAmount() *big.Int {
	amount, _ := c.amount("AppealFee", c.AppealFee)
	return amount
}

func (c *Config) amount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("config: %s must be a non-negative decimal amount, got %q", field, value)
	}
	return amount, nil
}
