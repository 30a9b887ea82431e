package broker

import "time"

// Direction of a trade.
type Direction string

const (
	Call Direction = "call"
	Put  Direction = "put"
	None Direction = "none"
)

// InstrumentClass is the contract type an instrument trades under.
type InstrumentClass string

const (
	ClassBinary  InstrumentClass = "binary"
	ClassTurbo   InstrumentClass = "turbo"
	ClassDigital InstrumentClass = "digital"
)

// Outcome is the terminal result of a settled order.
type Outcome string

const (
	Win        Outcome = "win"
	Lose       Outcome = "lose"
	Tie        Outcome = "tie"
	Unresolved Outcome = "unresolved"
)

// Candle is one bar of price history, fixed timeframe, chronological.
type Candle struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// Balance is one account balance slot.
type Balance struct {
	ID       int64   `json:"id"`
	Kind     string  `json:"kind"` // "practice" or "real"
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Profile is the account profile pushed after authentication.
type Profile struct {
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	BalanceID int64     `json:"balance_id"`
	Balances  []Balance `json:"balances"`
}

// Order is an accepted placement. Immutable once created.
type Order struct {
	ID            string
	Instrument    string
	Class         InstrumentClass
	Direction     Direction
	Stake         float64
	ExpiryMinutes int
	PlacedAt      time.Time
}

// Settlement is the terminal outcome and profit/loss of an order.
type Settlement struct {
	OrderID    string
	Outcome    Outcome
	ProfitLoss float64
}

// PlaceRequest describes one order placement command.
type PlaceRequest struct {
	Instrument    string
	Class         InstrumentClass
	Direction     Direction
	Stake         float64
	ExpiryMinutes int
}

// OpenBook maps instrument class -> instrument name -> open-for-trading.
type OpenBook map[InstrumentClass]map[string]bool

// IsOpen reports whether the instrument is open under the given class.
func (b OpenBook) IsOpen(class InstrumentClass, instrument string) bool {
	m, ok := b[class]
	if !ok {
		return false
	}
	return m[instrument]
}

// PayoutBook maps instrument name -> instrument class -> payout percent.
type PayoutBook map[string]map[InstrumentClass]float64

// Best returns the highest payout for the instrument across classes.
func (p PayoutBook) Best(instrument string) float64 {
	best := 0.0
	for _, v := range p[instrument] {
		if v > best {
			best = v
		}
	}
	return best
}
