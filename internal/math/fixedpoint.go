package math

import (
	"math/big"
)

// BpsScale is the basis-point denominator: 10_000 bps == 100%.
const BpsScale int64 = 10_000

// RoundingMode selects how MulDiv treats a non-zero remainder.
type RoundingMode int

const (
	RoundDown RoundingMode = iota // Floor (default for share mints and limits)
	RoundUp                       // Ceiling (used when charging, never when crediting)
)

// MulDiv computes a * b / denom using int128 intermediates to prevent
// overflow. All inputs must be non-negative; denom must be > 0.
func MulDiv(a, b, denom int64, mode RoundingMode) int64 {
	if a == 0 || b == 0 {
		return 0
	}

	num := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	d := big.NewInt(denom)

	quo, rem := new(big.Int).QuoRem(num, d, new(big.Int))

	result := quo.Int64()
	if mode == RoundUp && rem.Sign() != 0 {
		result++
	}

	return result
}

// ApplyBps computes amount * bps / 10_000, rounding down.
func ApplyBps(amount, bps int64) int64 {
	return MulDiv(amount, bps, BpsScale, RoundDown)
}

// SharesForAssets converts an asset amount into shares at the current share
// price (totalAssets / totalSupply). An empty vault mints 1:1.
// Rounds down: depositors never receive more than their assets are worth.
func SharesForAssets(assets, totalSupply, totalAssets int64) int64 {
	if totalSupply == 0 || totalAssets == 0 {
		return assets
	}
	return MulDiv(assets, totalSupply, totalAssets, RoundDown)
}

// AssetsForShares converts a share quantity into assets at the current share
// price. Rounds down: redeemers never receive more than their shares are worth.
func AssetsForShares(shares, totalSupply, totalAssets int64) int64 {
	if totalSupply == 0 {
		return shares
	}
	return MulDiv(shares, totalAssets, totalSupply, RoundDown)
}

// AssetsToMintShares returns the asset cost of minting an exact share
// quantity. Rounds up: the vault never sells shares below price.
func AssetsToMintShares(shares, totalSupply, totalAssets int64) int64 {
	if totalSupply == 0 || totalAssets == 0 {
		return shares
	}
	return MulDiv(shares, totalAssets, totalSupply, RoundUp)
}

// SharesToBurnForAssets returns the share cost of withdrawing an exact asset
// amount. Rounds up: the vault never redeems assets below price.
func SharesToBurnForAssets(assets, totalSupply, totalAssets int64) int64 {
	if totalAssets == 0 {
		return assets
	}
	return MulDiv(assets, totalSupply, totalAssets, RoundUp)
}

// FeeShares computes the share quantity to mint so that the minted shares are
// worth exactly feeAssets at the post-mint share price:
//
//	feeShares = feeAssets * supply / (totalAssets - feeAssets)
//
// This is the standard performance-fee dilution mint. totalAssets already
// includes the profit the fee is taken from.
func FeeShares(feeAssets, totalSupply, totalAssets int64) int64 {
	if feeAssets <= 0 {
		return 0
	}
	if totalSupply == 0 {
		return feeAssets
	}
	denom := totalAssets - feeAssets
	if denom <= 0 {
		// Fee consumes the entire vault; cap dilution at doubling supply.
		return totalSupply
	}
	return MulDiv(feeAssets, totalSupply, denom, RoundDown)
}

// LossFractionBps returns the realized loss of a redemption in basis points:
// (expected - received) * 10_000 / expected, rounded up so borderline losses
// are not understated. Returns 0 when expected is zero.
func LossFractionBps(expected, received int64) int64 {
	if expected <= 0 || received >= expected {
		return 0
	}
	return MulDiv(expected-received, BpsScale, expected, RoundUp)
}
