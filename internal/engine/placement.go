package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"optionflow/pkg/broker"
	"optionflow/pkg/logger"
)

// PlaceMany places all requests concurrently on a bounded worker pool and
// returns one slot per request, positionally aligned: an accepted order or
// nil when the placement ultimately failed. One failure never aborts the
// batch.
func (c *Coordinator) PlaceMany(ctx context.Context, reqs []broker.PlaceRequest) []*broker.Order {
	results := make([]*broker.Order, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	workers := c.cfg.MaxWorkers
	if workers > len(reqs) {
		workers = len(reqs)
	}
	if workers < 1 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			order, err := c.placeWithRetry(ctx, reqs[i])
			c.metrics.ObservePlacement(time.Since(start))
			if err != nil {
				c.log.WithError(err).WithField("instrument", reqs[i].Instrument).Warn("placement failed")
				c.bus.Publish(eventRejected(reqs[i], err))
				return
			}
			results[i] = order
			c.bus.Publish(eventPlaced(*order))
		}(i)
	}
	wg.Wait()
	return results
}

// placeWithRetry retries failed placements, rejects included, with
// exponential backoff until the attempt budget runs out.
func (c *Coordinator) placeWithRetry(ctx context.Context, req broker.PlaceRequest) (*broker.Order, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.PlaceRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBase * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		order, err := c.trader.PlaceOrder(ctx, req)
		if err == nil {
			return &order, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		lastErr = err
		c.log.WithError(err).WithFields(logger.Fields{
			"instrument": req.Instrument,
			"attempt":    attempt + 1,
		}).Warn("placement attempt failed, retrying")
	}
	return nil, lastErr
}
