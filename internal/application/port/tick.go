package port

import "time"

// RawTick is one inbound message from the upstream feed, decoded as-is.
// Prices arrive in the exchange's integer minor unit (paise).
type RawTick struct {
	Token         string `json:"token"`
	TradingSymbol string `json:"tradingsymbol,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
	LastTradedPx  int64  `json:"last_traded_price"`
	DayVolume     int64  `json:"volume_trade_for_the_day"`
	ExchangeTs    int64  `json:"exchange_timestamp,omitempty"` // unix ms
}

// TickRecord is the canonical normalized tick pushed to every sink.
type TickRecord struct {
	Token     string    `json:"token"`
	Name      string    `json:"name"`
	LTP       float64   `json:"ltp"` // major units (rupees)
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}
