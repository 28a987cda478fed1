// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL      string
	Network     string // "mainnet-beta" or "devnet"
	USDCMint    string // SPL mint address of the stable token
	FeePayerKey string // Base58-encoded private key covering network fees and account rent

	// Fee settings
	FeeAddress string // Company fee destination wallet
	FeeBps     int64  // Company fee in basis points, applied to funding transfers

	// Reconciliation
	ReconcileInterval string // Duration string, e.g. "5m"; empty disables the pass
}

// Devnet defaults
const (
	DefaultRPCURL   = "https://api.devnet.solana.com"
	DefaultNetwork  = "devnet"
	DefaultUSDCMint = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU" // Devnet USDC
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"
	DefaultFeeBps   = 100 // 1%
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		Network:           getEnv("NETWORK", DefaultNetwork),
		USDCMint:          getEnv("USDC_MINT", DefaultUSDCMint),
		FeePayerKey:       os.Getenv("FEE_PAYER_KEY"), // Required, no default
		FeeAddress:        os.Getenv("FEE_ADDRESS"),
		FeeBps:            getEnvInt64("FEE_BPS", DefaultFeeBps),
		ReconcileInterval: getEnv("RECONCILE_INTERVAL", "5m"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FeePayerKey == "" {
		return fmt.Errorf("FEE_PAYER_KEY is required")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.Network != "mainnet-beta" && c.Network != "devnet" {
		return fmt.Errorf("NETWORK must be mainnet-beta or devnet, got %q", c.Network)
	}
	if c.FeeBps < 0 || c.FeeBps > 10_000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 10000, got %d", c.FeeBps)
	}
	if c.FeeBps > 0 && c.FeeAddress == "" {
		return fmt.Errorf("FEE_ADDRESS is required when FEE_BPS > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
