package ingress

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"marketpipe/pkg/types"
)

// Bybit decodes Bybit v5 websocket payloads. Bybit symbols are already in
// canonical form (BTCUSDT).
type Bybit struct{}

// Venue returns "bybit".
func (Bybit) Venue() string { return "bybit" }

type bybitEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"` // snapshot | delta
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bybitTrade struct {
	T    int64  `json:"T"` // trade time ms
	S    string `json:"S"` // Buy | Sell (taker side)
	Sym  string `json:"s"`
	V    string `json:"v"` // size
	P    string `json:"p"` // price
	ID   string `json:"i"`
}

type bybitBook struct {
	S string     `json:"s"`
	B [][]string `json:"b"` // [price, size]
	A [][]string `json:"a"`
	U uint64     `json:"u"` // update id
	seqFields
}

type bybitTicker struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	Bid1Price   string `json:"bid1Price"`
	Ask1Price   string `json:"ask1Price"`
	MarkPrice   string `json:"markPrice"`
	IndexPrice  string `json:"indexPrice"`
	Volume24h   string `json:"volume24h"`
	OpenInterest string `json:"openInterest"`
	FundingRate string `json:"fundingRate"`
	NextFunding string `json:"nextFundingTime"`
}

type bybitKline struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
	Confirm  bool   `json:"confirm"`
}

type bybitLiquidation struct {
	UpdatedTime int64  `json:"updatedTime"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	Price       string `json:"price"`
}

// Decode implements Decoder.
func (d Bybit) Decode(channel string, raw types.RawMessage) (Decoded, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return Decoded{}, fmt.Errorf("bybit envelope: %w", err)
	}
	ts := types.TimeMS(env.Ts)

	var out Decoded
	switch channel {
	case "trade":
		var trades []bybitTrade
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			return Decoded{}, fmt.Errorf("bybit trades: %w", err)
		}
		for _, t := range trades {
			out.Trades = append(out.Trades, types.TradeEvent{
				Symbol:  t.Sym,
				TradeID: t.ID,
				Side:    types.Side(t.S),
				Price:   parseF(t.P),
				Size:    parseF(t.V),
				Unit:    types.UnitBase,
				TradeTs: types.TimeMS(t.T),
			})
		}

	case "orderbook_snapshot", "orderbook_delta":
		var book bybitBook
		if err := json.Unmarshal(env.Data, &book); err != nil {
			return Decoded{}, fmt.Errorf("bybit book: %w", err)
		}
		snapshot := env.Type == "snapshot" || channel == "orderbook_snapshot"
		seq := book.coerce(snapshot)
		if seq == 0 {
			seq = types.Seq(book.U)
		}
		if snapshot {
			out.Snapshots = append(out.Snapshots, types.OrderbookL2Snapshot{
				Symbol:     book.S,
				UpdateID:   seq,
				Bids:       levels(book.B),
				Asks:       levels(book.A),
				ExchangeTs: ts,
			})
		} else {
			out.Deltas = append(out.Deltas, types.OrderbookL2Delta{
				Symbol:     book.S,
				UpdateID:   seq,
				Bids:       levels(book.B),
				Asks:       levels(book.A),
				ExchangeTs: ts,
			})
		}

	case "ticker":
		var tk bybitTicker
		if err := json.Unmarshal(env.Data, &tk); err != nil {
			return Decoded{}, fmt.Errorf("bybit ticker: %w", err)
		}
		evt := types.TickerEvent{
			Symbol:     tk.Symbol,
			Price:      parseF(tk.LastPrice),
			BestBid:    parseF(tk.Bid1Price),
			BestAsk:    parseF(tk.Ask1Price),
			Volume24h:  parseF(tk.Volume24h),
			MarkPrice:  parseF(tk.MarkPrice),
			IndexPrice: parseF(tk.IndexPrice),
		}
		evt.Meta.TsExchange = ts
		out.Tickers = append(out.Tickers, evt)
		if oi := parseF(tk.OpenInterest); oi > 0 {
			oiEvt := types.OpenInterestEvent{
				Symbol:       tk.Symbol,
				OpenInterest: oi,
				Unit:         types.UnitBase,
			}
			oiEvt.Meta.TsExchange = ts
			out.OIs = append(out.OIs, oiEvt)
		}
		if tk.FundingRate != "" {
			f := types.FundingRateEvent{
				Symbol:        tk.Symbol,
				Rate:          parseF(tk.FundingRate),
				NextFundingTs: types.TimeMS(parseI(tk.NextFunding)),
			}
			f.Meta.TsExchange = ts
			out.Fundings = append(out.Fundings, f)
		}

	case "kline":
		var klines []bybitKline
		if err := json.Unmarshal(env.Data, &klines); err != nil {
			return Decoded{}, fmt.Errorf("bybit klines: %w", err)
		}
		symbol := symbolFromTopic(env.Topic)
		for _, k := range klines {
			out.Klines = append(out.Klines, types.KlineEvent{
				Symbol:  symbol,
				TF:      bybitInterval(k.Interval),
				StartTs: types.TimeMS(k.Start),
				EndTs:   types.TimeMS(k.End),
				Open:    parseF(k.Open),
				High:    parseF(k.High),
				Low:     parseF(k.Low),
				Close:   parseF(k.Close),
				Volume:  parseF(k.Volume),
				Closed:  k.Confirm,
			})
		}

	case "liquidation":
		var liq bybitLiquidation
		if err := json.Unmarshal(env.Data, &liq); err != nil {
			return Decoded{}, fmt.Errorf("bybit liquidation: %w", err)
		}
		evt := types.LiquidationEvent{
			Symbol: liq.Symbol,
			Side:   types.Side(liq.Side),
			Price:  parseF(liq.Price),
			Qty:    parseF(liq.Size),
			Unit:   types.UnitBase,
		}
		evt.Meta.TsExchange = types.TimeMS(liq.UpdatedTime)
		out.Liquidations = append(out.Liquidations, evt)

	default:
		return Decoded{}, fmt.Errorf("bybit: unsupported channel %s", channel)
	}
	return out, nil
}

// bybitInterval maps bybit interval codes ("1", "60", "D") onto the
// canonical tf names.
func bybitInterval(code string) string {
	switch code {
	case "1":
		return "1m"
	case "5":
		return "5m"
	case "15":
		return "15m"
	case "60":
		return "1h"
	case "240":
		return "4h"
	case "D":
		return "1d"
	default:
		return code
	}
}

// symbolFromTopic extracts the symbol suffix of "kline.1.BTCUSDT".
func symbolFromTopic(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '.' {
			return topic[i+1:]
		}
	}
	return topic
}

func levels(raw [][]string) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err1 := decimal.NewFromString(pair[0])
		size, err2 := decimal.NewFromString(pair[1])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, types.PriceLevel{Price: price, Size: size})
	}
	return out
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseI(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
