package hyperliquid

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hyperflow/models"
)

const (
	channelSubscriptionResponse = "subscriptionResponse"
	channelError                = "error"
	channelPong                 = "pong"
)

type subscription struct {
	Type Topic  `json:"type"`
	Coin string `json:"coin"`
}

type controlRequest struct {
	Method       string        `json:"method"`
	Subscription *subscription `json:"subscription,omitempty"`
}

func subscribeRequest(topic Topic, coin string) controlRequest {
	return controlRequest{Method: "subscribe", Subscription: &subscription{Type: topic, Coin: coin}}
}

var pingRequest = controlRequest{Method: "ping"}

// envelope is the outer shape of every server frame.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Message is one decoded topic frame handed to handlers.
type Message struct {
	Topic      Topic
	Data       json.RawMessage
	ReceivedAt time.Time
}

type wireTrade struct {
	Coin    string   `json:"coin"`
	Side    string   `json:"side"`
	Px      string   `json:"px"`
	Sz      string   `json:"sz"`
	Time    int64    `json:"time"`
	Hash    string   `json:"hash"`
	Tid     int64    `json:"tid"`
	Users   []string `json:"users"`
	Crossed bool     `json:"crossed"`
}

type wireLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type wireBook struct {
	Coin   string        `json:"coin"`
	Time   int64         `json:"time"`
	Levels [][]wireLevel `json:"levels"`
}

type wireCtx struct {
	Funding      string `json:"funding"`
	OpenInterest string `json:"openInterest"`
	OraclePx     string `json:"oraclePx"`
	MarkPx       string `json:"markPx"`
	Premium      string `json:"premium"`
	MidPx        string `json:"midPx"`
	DayNtlVlm    string `json:"dayNtlVlm"`
	PrevDayPx    string `json:"prevDayPx"`
}

type wireAssetCtx struct {
	Coin string  `json:"coin"`
	Ctx  wireCtx `json:"ctx"`
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// DecodeTrades parses the data array of a trades frame.
func DecodeTrades(data json.RawMessage) ([]models.Trade, error) {
	var wire []wireTrade
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &DecodeError{Channel: string(TopicTrades), Err: err}
	}
	trades := make([]models.Trade, 0, len(wire))
	for _, w := range wire {
		t := models.Trade{
			Coin:    w.Coin,
			Side:    w.Side,
			Price:   w.Px,
			Size:    w.Sz,
			TradeID: w.Tid,
			Hash:    w.Hash,
			Crossed: w.Crossed,
			Time:    fromMillis(w.Time),
		}
		if len(w.Users) > 0 {
			t.Buyer = w.Users[0]
		}
		if len(w.Users) > 1 {
			t.Seller = w.Users[1]
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func toLevels(wire []wireLevel) []models.Level {
	levels := make([]models.Level, 0, len(wire))
	for _, l := range wire {
		levels = append(levels, models.Level{Price: l.Px, Size: l.Sz, Orders: l.N})
	}
	return levels
}

// DecodeOrderBook parses an l2Book payload. Missing sides decode as empty.
func DecodeOrderBook(data json.RawMessage) (models.OrderBook, error) {
	var wire wireBook
	if err := json.Unmarshal(data, &wire); err != nil {
		return models.OrderBook{}, &DecodeError{Channel: string(TopicOrderBook), Err: err}
	}
	book := models.OrderBook{Coin: wire.Coin, Time: fromMillis(wire.Time)}
	if len(wire.Levels) > 0 {
		book.Bids = toLevels(wire.Levels[0])
	} else {
		book.Bids = []models.Level{}
	}
	if len(wire.Levels) > 1 {
		book.Asks = toLevels(wire.Levels[1])
	} else {
		book.Asks = []models.Level{}
	}
	return book, nil
}

func (c wireCtx) toModel(coin string, source models.Source, receivedAt time.Time) models.AssetContext {
	return models.AssetContext{
		Coin:              coin,
		Funding:           c.Funding,
		MarkPrice:         c.MarkPx,
		OraclePrice:       c.OraclePx,
		OpenInterest:      c.OpenInterest,
		Premium:           c.Premium,
		MidPrice:          c.MidPx,
		DayNotionalVolume: c.DayNtlVlm,
		PrevDayPrice:      c.PrevDayPx,
		Source:            source,
		ReceivedAt:        receivedAt,
	}
}

// DecodeAssetContext parses an activeAssetCtx payload.
func DecodeAssetContext(data json.RawMessage, receivedAt time.Time) (models.AssetContext, error) {
	var wire wireAssetCtx
	if err := json.Unmarshal(data, &wire); err != nil {
		return models.AssetContext{}, &DecodeError{Channel: string(TopicAssetContext), Err: err}
	}
	if wire.Coin == "" {
		return models.AssetContext{}, &DecodeError{Channel: string(TopicAssetContext), Err: errors.New("missing coin")}
	}
	return wire.Ctx.toModel(wire.Coin, models.SourceStream, receivedAt), nil
}

// restAssetCtx accepts both {coin, ctx:{...}} and the flat per-index form
// where the coin comes from the universe listing.
type restAssetCtx struct {
	Coin string   `json:"coin"`
	Ctx  *wireCtx `json:"ctx"`
	wireCtx
}

type restMeta struct {
	Universe []struct {
		Name string `json:"name"`
	} `json:"universe"`
}

var errCoinNotFound = errors.New("coin not present in response")

// decodeMetaAndAssetCtxs picks coin's context out of a metaAndAssetCtxs body.
func decodeMetaAndAssetCtxs(body []byte, coin string, receivedAt time.Time) (models.AssetContext, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return models.AssetContext{}, err
	}
	if len(parts) < 2 {
		return models.AssetContext{}, fmt.Errorf("expected [meta, contexts], got %d elements", len(parts))
	}

	var meta restMeta
	if err := json.Unmarshal(parts[0], &meta); err != nil {
		return models.AssetContext{}, fmt.Errorf("meta: %w", err)
	}
	var ctxs []restAssetCtx
	if err := json.Unmarshal(parts[1], &ctxs); err != nil {
		return models.AssetContext{}, fmt.Errorf("asset contexts: %w", err)
	}

	for i, c := range ctxs {
		name := c.Coin
		if name == "" && i < len(meta.Universe) {
			name = meta.Universe[i].Name
		}
		if name != coin {
			continue
		}
		ctx := c.wireCtx
		if c.Ctx != nil {
			ctx = *c.Ctx
		}
		return ctx.toModel(coin, models.SourcePoll, receivedAt), nil
	}
	return models.AssetContext{}, errCoinNotFound
}
