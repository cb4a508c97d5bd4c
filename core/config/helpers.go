package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func addressOr(hex string, fallback common.Address) common.Address {
	if hex == "" {
		return fallback
	}
	return common.HexToAddress(hex)
}

func durationOr(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", raw)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// envOr prefers the configured value and falls back to the environment variable.
func envOr(value, envName string) string {
	return firstNonEmpty(value, os.Getenv(envName))
}
