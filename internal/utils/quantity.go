// Package utils holds small numeric helpers shared by the order path.
package utils

import "math"

// FeeFunc prices the commission for a given notional.
type FeeFunc func(notional float64) float64

// CalculateMaxQuantity returns the largest quantity affordable with the
// given balance once commission is included.
func CalculateMaxQuantity(balance float64, price float64, fee FeeFunc) float64 {
	if price <= 0 || balance <= 0 {
		return 0
	}

	// Initial rough estimate, ignoring fees
	maxQty := balance / price

	// Iteratively refine by accounting for fees
	for i := 0; i < 10; i++ {
		totalCost := maxQty*price + fee(maxQty*price)
		if totalCost <= balance {
			break
		}

		maxQty *= balance / totalCost
	}

	return maxQty
}

// RoundToDecimalPrecision rounds the quantity down to the specified
// decimal precision.
func RoundToDecimalPrecision(quantity float64, decimalPrecision int) float64 {
	multiplier := math.Pow10(decimalPrecision)

	return math.Floor(quantity*multiplier) / multiplier
}
