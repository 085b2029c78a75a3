/*

Entry point for the poolsim demonstration driver.

Builds a two-coin USDC/WETH cryptoswap pool, walks a synthetic external
price and runs the arbitrageur against it once per timestep, logging the
realized trades and the pool price convergence.

*/

package main

import (
	"math"
	"math/big"
	"math/rand"

	"github.com/curvequant/poolsim/internal/arbitrage"
	"github.com/curvequant/poolsim/internal/config"
	"github.com/curvequant/poolsim/internal/cryptoswap"
	"github.com/curvequant/poolsim/internal/fixedpoint"
	"github.com/curvequant/poolsim/internal/logger"
	"github.com/curvequant/poolsim/internal/types"
	"github.com/curvequant/poolsim/internal/utils"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	// Pool depth in 18-decimal units of coin 0.
	poolDepth = 2_000_000

	usdcDecimals = 6
	wethDecimals = 18
)

// main is the entry point for the poolsim driver.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(config.LogLevel)
	driverLogger := logger.GetForComponent("driver")

	pool, err := buildPool(config.InitialPrice)
	if err != nil {
		driverLogger.Fatal().Err(err).Msg("Failed to build pool")
	}
	trader := arbitrage.New(pool)

	driverLogger.Info().
		Uint64("timesteps", config.Timesteps).
		Float64("initialPrice", config.InitialPrice).
		Float64("volatility", config.Volatility).
		Msg("Starting simulation")

	// --- 2. Simulation Phase ---
	rng := rand.New(rand.NewSource(int64(config.Seed)))
	price := config.InitialPrice
	sigma := config.Volatility

	for step := uint64(0); step < config.Timesteps; step++ {
		pool.NextTimestamp(1)
		price *= math.Exp(sigma*rng.NormFloat64() - 0.5*sigma*sigma)

		prices := []types.PairPrice{{Pair: types.Pair{I: 1, J: 0}, Price: price}}
		limits, err := tradeLimits(pool, price)
		if err != nil {
			driverLogger.Error().Err(err).Uint64("step", step).Msg("Failed to size volume limit")
			continue
		}

		outcome, err := trader.ComputeTrades(prices, limits)
		if err != nil {
			driverLogger.Error().Err(err).Uint64("step", step).Msg("Trade solve failed")
			continue
		}
		results, err := trader.ExecuteTrades(outcome.Trades)
		if err != nil {
			driverLogger.Error().Err(err).Uint64("step", step).Msg("Trade execution failed")
			continue
		}

		poolPrice, err := pool.Price(1, 0, true)
		if err != nil {
			driverLogger.Error().Err(err).Uint64("step", step).Msg("Failed to read pool price")
			continue
		}

		event := driverLogger.Info().
			Uint64("step", step).
			Float64("target", price).
			Float64("poolPrice", poolPrice).
			Int("trades", len(results)).
			Bool("degraded", outcome.Degraded)
		if len(outcome.Errors) > 0 {
			event = event.Float64("residual", outcome.Errors[0].Error)
		}
		event.Msg("Timestep complete")
	}

	// --- 3. Reporting Phase ---
	vpRaw, err := pool.GetVirtualPrice()
	if err != nil {
		driverLogger.Fatal().Err(err).Msg("Failed to read virtual price")
	}
	vp, err := utils.FixedToFloat64(vpRaw, 18)
	if err != nil {
		driverLogger.Fatal().Err(err).Msg("Failed to convert virtual price")
	}

	driverLogger.Info().
		Float64("virtualPrice", vp).
		Float64("finalTarget", price).
		Msg("Simulation finished")
}

// buildPool constructs a USDC/WETH pool centered on the given price with
// mainnet-like amplification and fee parameters.
func buildPool(initialPrice float64) (*cryptoswap.Pool, error) {
	scale, err := utils.Float64ToFixed(initialPrice, 18)
	if err != nil {
		return nil, err
	}
	return cryptoswap.New(cryptoswap.Config{
		A:                  big.NewInt(400000),
		Gamma:              big.NewInt(145000000000000),
		N:                  2,
		Precisions:         []*big.Int{fixedpoint.BigPow10(18 - usdcDecimals), big.NewInt(1)},
		MidFee:             big.NewInt(26000000),
		OutFee:             big.NewInt(45000000),
		AllowedExtraProfit: big.NewInt(2000000000000),
		FeeGamma:           big.NewInt(230000000000000),
		AdjustmentStep:     big.NewInt(146000000000000),
		MAHalfTime:         big.NewInt(600),
		PriceScale:         []*big.Int{scale},
		D:                  new(big.Int).Mul(big.NewInt(poolDepth), fixedpoint.One18),
		Names:              []string{"USDC", "WETH"},
	})
}

// tradeLimits converts the configured quote-notional volume cap into raw
// input units for the pair. The input coin depends on which side of the
// target the pool price sits, so the direction check here mirrors the
// one the trader performs.
func tradeLimits(pool *cryptoswap.Pool, target float64) ([]*big.Int, error) {
	if config.VolumeLimit <= 0 {
		return nil, nil
	}
	poolPrice, err := pool.Price(1, 0, true)
	if err != nil {
		return nil, err
	}
	if poolPrice > target {
		// WETH is the input coin.
		limit, err := utils.Float64ToFixed(config.VolumeLimit/target, wethDecimals)
		if err != nil {
			return nil, err
		}
		return []*big.Int{limit}, nil
	}
	limit, err := utils.Float64ToFixed(config.VolumeLimit, usdcDecimals)
	if err != nil {
		return nil, err
	}
	return []*big.Int{limit}, nil
}
