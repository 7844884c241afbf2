package health

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"liqkeeper/internal/exchange"
)

// UnboundedSwap is returned when swapping more source only ever improves the
// ratio and no finite maximum exists.
var UnboundedSwap = decimal.New(1, 18)

// MaxSwapSourceForHealthRatio is the largest native amount of the source
// token that can be swapped into the target token, at the given price in
// target native per source native, while keeping the health ratio at or
// above minRatio percent.
//
// Health is piecewise linear in the swapped amount with kinks where the
// source balance crosses zero and where the target balance crosses zero.
// The slack function is evaluated at those breakpoints and the crossing is
// found by linear interpolation within the bracketing segment, or by slope
// extrapolation past the last breakpoint.
func (c *Cache) MaxSwapSourceForHealthRatio(
	source, target exchange.TokenIndex,
	price decimal.Decimal,
	minRatio decimal.Decimal,
	kind exchange.HealthKind,
) (decimal.Decimal, error) {
	if price.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("swap price must be positive, got %s", price)
	}
	srcIdx, err := c.TokenInfoIndex(source)
	if err != nil {
		return decimal.Zero, err
	}
	tgtIdx, err := c.TokenInfoIndex(target)
	if err != nil {
		return decimal.Zero, err
	}

	// Slack is positive while the ratio stays above minRatio. It shares the
	// breakpoints of health because assets and liabs are each piecewise
	// linear in the amount.
	slack := func(amount decimal.Decimal) (decimal.Decimal, error) {
		probe := c.Clone()
		if err := probe.AdjustTokenBalance(source, amount.Neg()); err != nil {
			return decimal.Zero, err
		}
		if err := probe.AdjustTokenBalance(target, amount.Mul(price)); err != nil {
			return decimal.Zero, err
		}
		assets, liabs, err := probe.AssetsAndLiabs(kind)
		if err != nil {
			return decimal.Zero, err
		}
		return assets.Sub(liabs).Sub(minRatio.Div(hundred).Mul(liabs)), nil
	}

	atZero, err := slack(decimal.Zero)
	if err != nil {
		return decimal.Zero, err
	}
	if atZero.Sign() < 0 {
		return decimal.Zero, nil
	}

	var breakpoints []decimal.Decimal
	if b := c.TokenInfos[srcIdx].BalanceSpot; b.Sign() > 0 {
		breakpoints = append(breakpoints, b)
	}
	if b := c.TokenInfos[tgtIdx].BalanceSpot; b.Sign() < 0 {
		breakpoints = append(breakpoints, b.Neg().Div(price))
	}
	sort.Slice(breakpoints, func(i, j int) bool {
		return breakpoints[i].Cmp(breakpoints[j]) < 0
	})

	prev, prevSlack := decimal.Zero, atZero
	for _, bp := range breakpoints {
		if bp.Cmp(prev) <= 0 {
			continue
		}
		s, err := slack(bp)
		if err != nil {
			return decimal.Zero, err
		}
		if s.Sign() < 0 {
			// Crossing is inside (prev, bp).
			return interpolateZero(prev, prevSlack, bp, s), nil
		}
		prev, prevSlack = bp, s
	}

	// Past the last breakpoint both balances keep their signs, so the slack
	// is linear from here on. Probe one unit further to get the slope.
	probeAt := prev.Add(decimal.NewFromInt(1))
	probeSlack, err := slack(probeAt)
	if err != nil {
		return decimal.Zero, err
	}
	if probeSlack.Cmp(prevSlack) >= 0 {
		return UnboundedSwap, nil
	}
	return interpolateZero(prev, prevSlack, probeAt, probeSlack), nil
}

// interpolateZero finds the root of the line through (a, fa) and (b, fb),
// with fa >= 0 and fb < fa.
func interpolateZero(a, fa, b, fb decimal.Decimal) decimal.Decimal {
	span := b.Sub(a)
	drop := fa.Sub(fb)
	return a.Add(span.Mul(fa).Div(drop))
}
