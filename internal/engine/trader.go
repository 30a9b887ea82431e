// Package engine coordinates signal evaluation, concurrent order
// placement, and settlement across many instruments per round.
package engine

import (
	"context"
	"time"

	"optionflow/pkg/broker"
)

// Trader is the venue surface the engine drives. *broker.Client satisfies
// it; tests substitute fakes.
type Trader interface {
	Candles(ctx context.Context, asset string, timeframeSeconds, count int, end time.Time) ([]broker.Candle, error)
	OpenInstruments(ctx context.Context) (broker.OpenBook, error)
	Payouts(ctx context.Context) (broker.PayoutBook, error)
	PlaceOrder(ctx context.Context, req broker.PlaceRequest) (broker.Order, error)
	Settlement(ctx context.Context, orderID string, timeout time.Duration) (broker.Settlement, error)
	Balance(ctx context.Context) (broker.Balance, error)
	Connected() bool
	Reconnect(ctx context.Context) error
}
