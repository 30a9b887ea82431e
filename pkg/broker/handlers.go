package broker

import (
	"encoding/json"
	"time"
)

// defaultHandlers is the dispatch table for inbound frames. Each handler
// decodes the frame payload and records it in the store under its topic
// key; decode failures drop the frame with a warning.
func defaultHandlers() map[string]frameHandler {
	return map[string]frameHandler{
		"profile":          handleProfile,
		"balance":          handleBalance,
		"balances":         handleBalances,
		"candles":          handleCandles,
		"open-instruments": handleOpenInstruments,
		"commissions":      handleCommissions,
		"option":           handleOrderResult,
		"position-closed":  handlePositionClosed,
		"timeSync":         handleTimeSync,
	}
}

func decode(s *Session, f Frame, v interface{}) bool {
	if err := json.Unmarshal(f.Msg, v); err != nil {
		s.log.WithError(err).WithField("name", f.Name).Warn("dropping undecodable frame")
		return false
	}
	return true
}

func handleProfile(s *Session, f Frame) {
	var m profileMsg
	if !decode(s, f, &m) {
		return
	}
	s.store.Put(KeyProfile, m.toProfile())
}

func handleBalance(s *Session, f Frame) {
	var m balanceMsg
	if !decode(s, f, &m) {
		return
	}
	s.store.Put(KeyBalance, m.toBalance())
}

func handleBalances(s *Session, f Frame) {
	var m []balanceMsg
	if !decode(s, f, &m) {
		return
	}
	out := make([]Balance, 0, len(m))
	for _, b := range m {
		out = append(out, b.toBalance())
	}
	s.store.Put(KeyBalances, out)
}

func handleCandles(s *Session, f Frame) {
	var m candlesMsg
	if !decode(s, f, &m) {
		return
	}
	s.store.Put(CandlesKey(m.Asset), m.Data)
}

func handleOpenInstruments(s *Session, f Frame) {
	var m openInstrumentsMsg
	if !decode(s, f, &m) {
		return
	}
	s.store.Put(KeyOpenInstruments, m.toBook())
}

func handleCommissions(s *Session, f Frame) {
	var m payoutsMsg
	if !decode(s, f, &m) {
		return
	}
	s.store.Put(KeyPayouts, m.toBook())
}

// handleOrderResult records the placement outcome twice: under the request
// id of the originating command, so the placing goroutine can await it
// without knowing the order id, and under the order id for later lookups.
func handleOrderResult(s *Session, f Frame) {
	var m orderResultMsg
	if !decode(s, f, &m) {
		return
	}
	if f.RequestID != "" {
		s.store.Put(OrderAckKey(f.RequestID), m)
	}
	if m.ID != "" {
		s.store.Put(OrderKey(m.ID), m)
	}
}

func handlePositionClosed(s *Session, f Frame) {
	var m positionClosedMsg
	if !decode(s, f, &m) {
		return
	}
	s.store.Put(SettlementKey(m.OrderID), Settlement{
		OrderID:    m.OrderID,
		Outcome:    normalizeOutcome(m.Result),
		ProfitLoss: m.Profit,
	})
}

func handleTimeSync(s *Session, f Frame) {
	var ms int64
	if !decode(s, f, &ms) {
		return
	}
	s.store.Put(KeyTimeSync, time.UnixMilli(ms))
}
