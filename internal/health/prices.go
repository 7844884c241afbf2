// Package health computes margin account health from decoded chain state.
//
// A Cache is a self contained snapshot of everything health depends on:
// token balances, open order reservations, perp positions, oracle and stable
// prices, and risk weights. All derived quantities, such as the health ratio,
// the maximum settleable perp pnl and the maximum swap size that keeps an
// account above a target ratio, are computed from the cache without touching
// chain data again.
package health

import (
	"github.com/shopspring/decimal"

	"liqkeeper/internal/exchange"
)

// Prices pairs the live oracle price with the slow moving stable price.
// Maint health always prices at the oracle. Init health clamps against the
// stable price so that a sudden oracle move cannot instantly unlock new risk:
// assets are valued at the lower of the two, liabilities at the higher.
type Prices struct {
	Oracle decimal.Decimal
	Stable decimal.Decimal
}

// NewPrices builds a Prices pair. A zero stable price disables clamping.
func NewPrices(oracle, stable decimal.Decimal) Prices {
	return Prices{Oracle: oracle, Stable: stable}
}

// Asset returns the price used to value a positive balance.
func (p Prices) Asset(kind exchange.HealthKind) decimal.Decimal {
	if kind == exchange.HealthInit && p.Stable.Sign() > 0 {
		return decimal.Min(p.Oracle, p.Stable)
	}
	return p.Oracle
}

// Liab returns the price used to value a negative balance.
func (p Prices) Liab(kind exchange.HealthKind) decimal.Decimal {
	if kind == exchange.HealthInit && p.Stable.Sign() > 0 {
		return decimal.Max(p.Oracle, p.Stable)
	}
	return p.Oracle
}
