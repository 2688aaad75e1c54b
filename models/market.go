package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind names the sink destination a record is written to.
type Kind string

const (
	KindTrades       Kind = "trades"
	KindOrderBook    Kind = "orderbook"
	KindFundingRate  Kind = "funding_rate"
	KindOpenInterest Kind = "open_interest"
)

// Kinds lists every destination in a stable order.
var Kinds = []Kind{KindTrades, KindOrderBook, KindFundingRate, KindOpenInterest}

// Source tells where an asset context came from.
type Source string

const (
	SourceStream Source = "ws"
	SourcePoll   Source = "rest"
)

// Record is anything a sink accepts.
type Record interface {
	Instrument() string
	EventTime() time.Time
}

// Trade is a single execution from the trades topic. Prices and sizes keep
// the exchange's decimal string form.
type Trade struct {
	Coin    string    `json:"coin"`
	Side    string    `json:"side"`
	Price   string    `json:"px"`
	Size    string    `json:"sz"`
	TradeID int64     `json:"tid"`
	Buyer   string    `json:"buyer,omitempty"`
	Seller  string    `json:"seller,omitempty"`
	Hash    string    `json:"hash,omitempty"`
	Crossed bool      `json:"crossed"`
	Time    time.Time `json:"time"`
}

func (t Trade) Instrument() string   { return t.Coin }
func (t Trade) EventTime() time.Time { return t.Time }

// Level is one price level of a book side.
type Level struct {
	Price  string `json:"px"`
	Size   string `json:"sz"`
	Orders int    `json:"n,omitempty"`
}

// OrderBook is a full L2 snapshot. Bids and asks keep the order in which the
// exchange sent them, best level first.
type OrderBook struct {
	Coin string    `json:"coin"`
	Time time.Time `json:"time"`
	Bids []Level   `json:"bids"`
	Asks []Level   `json:"asks"`
}

func (b OrderBook) Instrument() string   { return b.Coin }
func (b OrderBook) EventTime() time.Time { return b.Time }

func (b OrderBook) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

func (b OrderBook) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// Spread returns best ask minus best bid as an exact decimal string. It is
// false when either side is empty or a price does not parse.
func (b OrderBook) Spread() (string, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return "", false
	}
	bidPx, err := decimal.NewFromString(bid.Price)
	if err != nil {
		return "", false
	}
	askPx, err := decimal.NewFromString(ask.Price)
	if err != nil {
		return "", false
	}
	return askPx.Sub(bidPx).String(), true
}

// AssetContext carries the perpetual's funding, prices and open interest.
// The streaming and polling channels both produce it; Source tells them apart.
type AssetContext struct {
	Coin              string    `json:"coin"`
	Funding           string    `json:"funding"`
	MarkPrice         string    `json:"markPx"`
	OraclePrice       string    `json:"oraclePx"`
	OpenInterest      string    `json:"openInterest"`
	Premium           string    `json:"premium,omitempty"`
	MidPrice          string    `json:"midPx,omitempty"`
	DayNotionalVolume string    `json:"dayNtlVlm,omitempty"`
	PrevDayPrice      string    `json:"prevDayPx,omitempty"`
	Source            Source    `json:"source"`
	ReceivedAt        time.Time `json:"receivedAt"`
}

func (a AssetContext) Instrument() string   { return a.Coin }
func (a AssetContext) EventTime() time.Time { return a.ReceivedAt }
