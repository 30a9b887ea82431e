package engine

import (
	"context"
	"sync"

	"optionflow/pkg/broker"
)

// SettleMany waits for the terminal outcome of every order concurrently
// and returns one settlement per order, positionally aligned. An order
// whose outcome cannot be learned in time settles as unresolved with zero
// profit so the round can still close its books. Draining runs on a
// context detached from round cancellation: once money is at risk the
// outcomes are collected even if the round is being shut down.
func (c *Coordinator) SettleMany(ctx context.Context, orders []*broker.Order) []broker.Settlement {
	results := make([]broker.Settlement, len(orders))
	drain := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i, order := range orders {
		if order == nil {
			continue
		}
		wg.Add(1)
		go func(i int, order broker.Order) {
			defer wg.Done()
			st, err := c.trader.Settlement(drain, order.ID, c.cfg.SettleTimeout)
			if err != nil {
				c.log.WithError(err).WithField("order", order.ID).Warn("settlement not learned, treating as unresolved")
				results[i] = broker.Settlement{OrderID: order.ID, Outcome: broker.Unresolved}
				return
			}
			results[i] = st
		}(i, *order)
	}
	wg.Wait()
	return results
}
