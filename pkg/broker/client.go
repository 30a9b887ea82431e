package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"optionflow/pkg/logger"
)

// ErrCommandRejected means the venue acknowledged a command but refused it,
// for example a placement declined for insufficient balance.
var ErrCommandRejected = errors.New("command rejected")

// Client is the typed facade over the session: each method sends a command
// and blocks until the matching push lands in the store, turning the
// push-based protocol into ordinary request/response calls.
type Client struct {
	session      *Session
	awaitTimeout time.Duration
	log          *logrus.Entry
}

// NewClient wraps a session. awaitTimeout bounds how long each call waits
// for the venue's answering push.
func NewClient(session *Session, awaitTimeout time.Duration) *Client {
	if awaitTimeout <= 0 {
		awaitTimeout = 10 * time.Second
	}
	return &Client{
		session:      session,
		awaitTimeout: awaitTimeout,
		log:          logger.WithComponent("client"),
	}
}

// Session exposes the underlying session.
func (c *Client) Session() *Session { return c.session }

// Connected reports whether the duplex stream is live.
func (c *Client) Connected() bool { return c.session.IsConnected() }

// Reconnect re-establishes the duplex stream after a drop.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

// Bootstrap warms the profile and balance topics after a connect. Missing
// pushes are logged and tolerated; the venue re-sends most of them on the
// first relevant command.
func (c *Client) Bootstrap(ctx context.Context) {
	if _, err := c.Profile(ctx); err != nil {
		c.log.WithError(err).Warn("profile not available yet")
	}
	if _, err := c.Balances(ctx); err != nil {
		c.log.WithError(err).Warn("balances not available yet")
	}
}

// request sends cmd and awaits a fresh value under key.
func (c *Client) request(ctx context.Context, cmd string, payload interface{}, key string) (Entry, error) {
	after := c.session.Store().Snapshot(key)
	if _, err := c.session.Send(ctx, cmd, payload); err != nil {
		return Entry{}, err
	}
	return c.session.AwaitValue(ctx, key, after, c.awaitTimeout)
}

// Profile fetches the account profile.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	e, err := c.request(ctx, CmdGetProfile, nil, KeyProfile)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: %w", err)
	}
	return e.Value.(Profile), nil
}

// Balances fetches every balance slot of the account.
func (c *Client) Balances(ctx context.Context) ([]Balance, error) {
	e, err := c.request(ctx, CmdGetBalances, nil, KeyBalances)
	if err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}
	return e.Value.([]Balance), nil
}

// Balance returns the active balance, preferring the latest push and
// falling back to a balances fetch.
func (c *Client) Balance(ctx context.Context) (Balance, error) {
	if e, ok := c.session.Store().Get(KeyBalance); ok {
		return e.Value.(Balance), nil
	}
	balances, err := c.Balances(ctx)
	if err != nil {
		return Balance{}, err
	}
	if len(balances) == 0 {
		return Balance{}, errors.New("account has no balances")
	}
	return balances[0], nil
}

// SetActiveBalance switches the account to the balance slot of the given
// kind ("practice" or "real").
func (c *Client) SetActiveBalance(ctx context.Context, kind string) (Balance, error) {
	balances, err := c.Balances(ctx)
	if err != nil {
		return Balance{}, err
	}
	for _, b := range balances {
		if b.Kind == kind {
			e, err := c.request(ctx, CmdSetBalance, map[string]int64{"balance_id": b.ID}, KeyBalance)
			if err != nil {
				return Balance{}, fmt.Errorf("set balance %s: %w", kind, err)
			}
			return e.Value.(Balance), nil
		}
	}
	return Balance{}, fmt.Errorf("no %s balance on account", kind)
}

// VenueTime returns the venue's synchronized clock from the latest time
// push, falling back to local time before the first push arrives.
func (c *Client) VenueTime() time.Time {
	if e, ok := c.session.Store().Get(KeyTimeSync); ok {
		return e.Value.(time.Time)
	}
	return time.Now()
}

// Candles fetches the last count bars of asset at the given timeframe,
// ending at end (the venue interprets end as the close of the last bar).
// A zero end means "now" on the venue's clock.
func (c *Client) Candles(ctx context.Context, asset string, timeframeSeconds, count int, end time.Time) ([]Candle, error) {
	if end.IsZero() {
		end = c.VenueTime()
	}
	payload := map[string]interface{}{
		"asset":     asset,
		"timeframe": timeframeSeconds,
		"count":     count,
		"to":        end.Unix(),
	}
	e, err := c.request(ctx, CmdGetCandles, payload, CandlesKey(asset))
	if err != nil {
		return nil, fmt.Errorf("candles %s: %w", asset, err)
	}
	return e.Value.([]Candle), nil
}

// OpenInstruments fetches which instruments are currently tradable, per
// instrument class.
func (c *Client) OpenInstruments(ctx context.Context) (OpenBook, error) {
	e, err := c.request(ctx, CmdGetInstruments, nil, KeyOpenInstruments)
	if err != nil {
		return nil, fmt.Errorf("open instruments: %w", err)
	}
	return e.Value.(OpenBook), nil
}

// Payouts fetches the current payout table per instrument and class.
func (c *Client) Payouts(ctx context.Context) (PayoutBook, error) {
	e, err := c.request(ctx, CmdGetCommissions, nil, KeyPayouts)
	if err != nil {
		return nil, fmt.Errorf("payouts: %w", err)
	}
	return e.Value.(PayoutBook), nil
}

// PlaceOrder submits one placement and waits for the venue's accept or
// reject. The ack is correlated by the request id of the outbound command
// because the order id is unknown until the ack arrives.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceRequest) (Order, error) {
	payload := map[string]interface{}{
		"instrument": req.Instrument,
		"class":      string(req.Class),
		"direction":  string(req.Direction),
		"stake":      req.Stake,
		"expiry":     req.ExpiryMinutes,
	}

	reqID, err := c.session.Send(ctx, CmdPlaceOrder, payload)
	if err != nil {
		return Order{}, fmt.Errorf("place %s: %w", req.Instrument, err)
	}

	e, err := c.session.AwaitValue(ctx, OrderAckKey(reqID), 0, c.awaitTimeout)
	if err != nil {
		return Order{}, fmt.Errorf("place %s: %w", req.Instrument, err)
	}

	ack := e.Value.(orderResultMsg)
	if !ack.Success {
		return Order{}, fmt.Errorf("place %s: %w: %s", req.Instrument, ErrCommandRejected, ack.Message)
	}
	return Order{
		ID:            ack.ID,
		Instrument:    req.Instrument,
		Class:         req.Class,
		Direction:     req.Direction,
		Stake:         req.Stake,
		ExpiryMinutes: req.ExpiryMinutes,
		PlacedAt:      time.Now(),
	}, nil
}

// Settlement waits up to timeout for the terminal outcome of an order. The
// check command nudges the venue in case the close push was missed.
func (c *Client) Settlement(ctx context.Context, orderID string, timeout time.Duration) (Settlement, error) {
	store := c.session.Store()
	if e, ok := store.Get(SettlementKey(orderID)); ok {
		return e.Value.(Settlement), nil
	}

	if _, err := c.session.Send(ctx, CmdCheckSettlement, map[string]string{"order_id": orderID}); err != nil {
		return Settlement{}, fmt.Errorf("settlement %s: %w", orderID, err)
	}
	e, err := c.session.AwaitValue(ctx, SettlementKey(orderID), 0, timeout)
	if err != nil {
		return Settlement{}, fmt.Errorf("settlement %s: %w", orderID, err)
	}
	return e.Value.(Settlement), nil
}
