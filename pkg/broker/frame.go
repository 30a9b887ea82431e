package broker

import "encoding/json"

// Frame is one inbound message on the duplex stream. The server tags every
// push with a name that selects its topic; request-scoped pushes echo the
// request id of the command that solicited them.
type Frame struct {
	Name      string          `json:"name"`
	Msg       json.RawMessage `json:"msg"`
	RequestID string          `json:"request_id,omitempty"`
}

// Command is one outbound message. RequestID correlates pushes the server
// emits in response.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// Outbound command types.
const (
	CmdAuthenticate    = "authenticate"
	CmdGetProfile      = "get-profile"
	CmdGetBalances     = "get-balances"
	CmdSetBalance      = "set-balance"
	CmdGetCandles      = "get-candles"
	CmdGetInstruments  = "get-instruments"
	CmdGetCommissions  = "get-commissions"
	CmdPlaceOrder      = "place-order"
	CmdCheckSettlement = "check-settlement"
)

// State store keys for single-slot topics.
const (
	KeyProfile         = "profile"
	KeyBalance         = "balance"
	KeyBalances        = "balances"
	KeyOpenInstruments = "open-instruments"
	KeyPayouts         = "payouts"
	KeyTimeSync        = "time-sync"
)

// CandlesKey is the store key for the latest candle batch of an asset.
func CandlesKey(asset string) string { return "candles:" + asset }

// OrderKey is the store key for the placement result of an order id.
func OrderKey(orderID string) string { return "order:" + orderID }

// OrderAckKey is the store key for a placement result correlated by the
// request id of the command that placed it. The order id is not known to
// the caller until this ack arrives.
func OrderAckKey(requestID string) string { return "order-ack:" + requestID }

// SettlementKey is the store key for the settlement push of an order id.
func SettlementKey(orderID string) string { return "settlement:" + orderID }

// Wire payload shapes. Only the fields the core consumes are decoded.

type profileMsg struct {
	Name      string       `json:"name"`
	Email     string       `json:"email"`
	BalanceID int64        `json:"balance_id"`
	Balances  []balanceMsg `json:"balances"`
}

type balanceMsg struct {
	ID       int64   `json:"id"`
	Type     string  `json:"type"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type candlesMsg struct {
	Asset     string   `json:"asset"`
	Timeframe int      `json:"timeframe"`
	Data      []Candle `json:"data"`
}

type orderResultMsg struct {
	ID      string  `json:"id"`
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Stake   float64 `json:"stake"`
}

type positionClosedMsg struct {
	OrderID string  `json:"order_id"`
	Result  string  `json:"result"` // "win", "loose"/"lose", "equal"
	Profit  float64 `json:"profit"`
}

// openInstrumentsMsg: class -> instrument -> {open}
type openInstrumentsMsg map[string]map[string]struct {
	Open bool `json:"open"`
}

// payoutsMsg: instrument -> class -> payout percent
type payoutsMsg map[string]map[string]float64

func (m profileMsg) toProfile() Profile {
	p := Profile{
		Name:      m.Name,
		Email:     m.Email,
		BalanceID: m.BalanceID,
	}
	for _, b := range m.Balances {
		p.Balances = append(p.Balances, b.toBalance())
	}
	return p
}

func (m balanceMsg) toBalance() Balance {
	return Balance{ID: m.ID, Kind: m.Type, Amount: m.Amount, Currency: m.Currency}
}

func (m openInstrumentsMsg) toBook() OpenBook {
	book := make(OpenBook, len(m))
	for class, instruments := range m {
		slot := make(map[string]bool, len(instruments))
		for name, st := range instruments {
			slot[name] = st.Open
		}
		book[InstrumentClass(class)] = slot
	}
	return book
}

func (m payoutsMsg) toBook() PayoutBook {
	book := make(PayoutBook, len(m))
	for instrument, classes := range m {
		slot := make(map[InstrumentClass]float64, len(classes))
		for class, payout := range classes {
			slot[InstrumentClass(class)] = payout
		}
		book[instrument] = slot
	}
	return book
}

// normalizeOutcome maps wire result strings onto the Outcome domain. The
// venue historically spells "lose" as "loose" in some pushes.
func normalizeOutcome(result string) Outcome {
	switch result {
	case "win":
		return Win
	case "lose", "loose":
		return Lose
	case "equal", "tie":
		return Tie
	default:
		return Unresolved
	}
}
