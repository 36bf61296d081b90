package types

import "github.com/shopspring/decimal"

// PriceLevel is a single bid or ask level. Decimal keeps venue precision
// intact through fusion and journaling (marshals as a JSON string).
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// TickerEvent is a normalized top-of-book / last-price update.
type TickerEvent struct {
	Meta       Meta       `json:"meta"`
	StreamID   string     `json:"streamId"`
	Symbol     string     `json:"symbol"`
	MarketType MarketType `json:"marketType"`
	Price      float64    `json:"price"` // last trade price
	BestBid    float64    `json:"bestBid,omitempty"`
	BestAsk    float64    `json:"bestAsk,omitempty"`
	Volume24h  float64    `json:"volume24h,omitempty"`
	MarkPrice  float64    `json:"markPrice,omitempty"`
	IndexPrice float64    `json:"indexPrice,omitempty"`
}

// KlineEvent is a normalized OHLCV candle. Closed is true once the interval
// has ended; feature engines only consume closed candles.
type KlineEvent struct {
	Meta       Meta       `json:"meta"`
	StreamID   string     `json:"streamId"`
	Symbol     string     `json:"symbol"`
	MarketType MarketType `json:"marketType"`
	TF         string     `json:"tf"` // e.g. "1m", "5m", "1h"
	StartTs    TimeMS     `json:"startTs"`
	EndTs      TimeMS     `json:"endTs"`
	Open       float64    `json:"open"`
	High       float64    `json:"high"`
	Low        float64    `json:"low"`
	Close      float64    `json:"close"`
	Volume     float64    `json:"volume"`
	Closed     bool       `json:"closed"`
}

// TradeEvent is a normalized public trade.
type TradeEvent struct {
	Meta       Meta       `json:"meta"`
	StreamID   string     `json:"streamId"`
	Symbol     string     `json:"symbol"`
	MarketType MarketType `json:"marketType"`
	TradeID    string     `json:"tradeId"`
	Side       Side       `json:"side"`
	Price      float64    `json:"price"`
	Size       float64    `json:"size"`
	Unit       Unit       `json:"unit,omitempty"`
	TradeTs    TimeMS     `json:"tradeTs"`
}

// OrderbookL2Snapshot replaces the full book state for one stream/symbol.
type OrderbookL2Snapshot struct {
	Meta       Meta         `json:"meta"`
	StreamID   string       `json:"streamId"`
	Symbol     string       `json:"symbol"`
	MarketType MarketType   `json:"marketType"`
	UpdateID   Seq          `json:"updateId"`
	Bids       []PriceLevel `json:"bids"` // sorted descending by price
	Asks       []PriceLevel `json:"asks"` // sorted ascending by price
	ExchangeTs TimeMS       `json:"exchangeTs"`
}

// OrderbookL2Delta is an incremental book update. A zero Size removes the
// level. PrevUpdateID links the delta chain for gap detection.
type OrderbookL2Delta struct {
	Meta         Meta         `json:"meta"`
	StreamID     string       `json:"streamId"`
	Symbol       string       `json:"symbol"`
	MarketType   MarketType   `json:"marketType"`
	UpdateID     Seq          `json:"updateId"`
	PrevUpdateID Seq          `json:"prevUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	ExchangeTs   TimeMS       `json:"exchangeTs"`
}

// BookTopSample is a derived per-stream view of a READY book's top levels.
// Emitted by the orderbook engine after each applied snapshot or delta and
// consumed by the liquidity aggregator.
type BookTopSample struct {
	Meta       Meta       `json:"meta"`
	StreamID   string     `json:"streamId"`
	Symbol     string     `json:"symbol"`
	MarketType MarketType `json:"marketType"`
	BestBid    float64    `json:"bestBid"`
	BestAsk    float64    `json:"bestAsk"`
	DepthBid   float64    `json:"depthBid"`
	DepthAsk   float64    `json:"depthAsk"`
	Levels     int        `json:"levels"`
	ExchangeTs TimeMS     `json:"exchangeTs"`
}

// OpenInterestEvent is a normalized open-interest sample.
type OpenInterestEvent struct {
	Meta         Meta       `json:"meta"`
	StreamID     string     `json:"streamId"`
	Symbol       string     `json:"symbol"`
	MarketType   MarketType `json:"marketType"`
	OpenInterest float64    `json:"openInterest"`
	Unit         Unit       `json:"unit"`
	ContractSize float64    `json:"contractSize,omitempty"` // base per contract, 0 = unknown
}

// FundingRateEvent is a normalized funding-rate sample (futures only).
type FundingRateEvent struct {
	Meta          Meta       `json:"meta"`
	StreamID      string     `json:"streamId"`
	Symbol        string     `json:"symbol"`
	MarketType    MarketType `json:"marketType"`
	Rate          float64    `json:"rate"`
	NextFundingTs TimeMS     `json:"nextFundingTs,omitempty"`
}

// LiquidationEvent is a normalized forced-liquidation print.
type LiquidationEvent struct {
	Meta       Meta       `json:"meta"`
	StreamID   string     `json:"streamId"`
	Symbol     string     `json:"symbol"`
	MarketType MarketType `json:"marketType"`
	Side       Side       `json:"side"` // side of the liquidated position's closing trade
	Price      float64    `json:"price"`
	Qty        float64    `json:"qty"`
	Unit       Unit       `json:"unit"`
	Notional   float64    `json:"notional,omitempty"` // USD when derivable
}
