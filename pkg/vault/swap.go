package vault

import (
	"fmt"
	"math/big"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// SwapExecutor performs bounded-slippage conversions between the two
// assets through the external pool router. One atomic attempt per call,
// no partial fills.
type SwapExecutor struct {
	router SwapRouter
	logger log.Logger
}

// NewSwapExecutor wraps the router.
func NewSwapExecutor(router SwapRouter, logger log.Logger) *SwapExecutor {
	return &SwapExecutor{router: router, logger: logger}
}

// Swap converts amountIn of tokenIn into tokenOut. The minimum acceptable
// output is amountIn * expectedRate * (10000 - maxSlippageBps) / 10000;
// anything less fails with ErrSlippageExceeded.
func (s *SwapExecutor) Swap(tokenIn, tokenOut string, amountIn *big.Int, expectedRate decimal.Decimal, maxSlippageBps int64) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if expectedRate.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive expected rate %s: %w", expectedRate, ErrInvalidPrice)
	}
	if maxSlippageBps < 0 || maxSlippageBps >= BpsDenominator {
		return nil, fmt.Errorf("slippage tolerance %d bps out of range", maxSlippageBps)
	}

	expected := mulRate(amountIn, expectedRate)
	minOut := new(big.Int).Mul(expected, big.NewInt(BpsDenominator-maxSlippageBps))
	minOut.Div(minOut, big.NewInt(BpsDenominator))

	return s.SwapExactOut(tokenIn, tokenOut, amountIn, minOut)
}

// SwapExactOut is the raw variant taking an absolute minimum-out guard,
// used by the emergency path where the admin supplies minOut directly.
func (s *SwapExecutor) SwapExactOut(tokenIn, tokenOut string, amountIn, minOut *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if minOut == nil {
		minOut = big.NewInt(0)
	}

	out, err := s.router.SwapExactIn(tokenIn, tokenOut, amountIn, minOut, "vault")
	if err != nil {
		return nil, fmt.Errorf("router %s->%s for %s: %w: %v", tokenIn, tokenOut, amountIn, ErrSlippageExceeded, err)
	}
	if out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("router returned %s below min %s: %w", out, minOut, ErrSlippageExceeded)
	}
	s.logger.Debug("swap executed", "in", tokenIn, "out", tokenOut,
		"amountIn", amountIn.String(), "amountOut", out.String(), "minOut", minOut.String())
	return out, nil
}
