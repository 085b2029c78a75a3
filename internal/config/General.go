package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// LogLevel is the global log level ("debug", "info", "warn", "error").
	LogLevel string

	// Timesteps is the number of synthetic price timesteps the driver runs.
	Timesteps uint64

	// Seed seeds the synthetic price walk so runs are reproducible.
	Seed uint64

	// InitialPrice is the starting external price of the volatile coin in
	// units of the quote coin.
	InitialPrice float64

	// Volatility is the per-timestep standard deviation of the log price walk.
	Volatility float64

	// VolumeLimit caps the input amount of a single arbitrage trade, denominated
	// in whole units of the input coin. Zero disables the cap.
	VolumeLimit float64
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// All environment variables are required and must be set.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	LogLevel, err = getEnv("POOLSIM_LOG_LEVEL")
	if err != nil {
		return err
	}

	Timesteps, err = getEnvAsUint64("POOLSIM_TIMESTEPS")
	if err != nil {
		return err
	}

	Seed, err = getEnvAsUint64("POOLSIM_SEED")
	if err != nil {
		return err
	}

	InitialPrice, err = getEnvAsFloat64("POOLSIM_INITIAL_PRICE")
	if err != nil {
		return err
	}

	Volatility, err = getEnvAsFloat64("POOLSIM_VOLATILITY")
	if err != nil {
		return err
	}

	VolumeLimit, err = getEnvAsFloat64("POOLSIM_VOLUME_LIMIT")
	if err != nil {
		return err
	}

	log.Debug().
		Uint64("Timesteps", Timesteps).
		Uint64("Seed", Seed).
		Float64("InitialPrice", InitialPrice).
		Float64("Volatility", Volatility).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvAsUint64 retrieves an environment variable as a uint64. Returns error if not set or invalid.
func getEnvAsUint64(key string) (uint64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsFloat64 retrieves an environment variable as a float64. Returns error if not set or invalid.
func getEnvAsFloat64(key string) (float64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid float64, got: " + valueStr)
	}
	return value, nil
}
