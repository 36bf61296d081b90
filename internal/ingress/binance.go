package ingress

import (
	"encoding/json"
	"fmt"

	"marketpipe/pkg/types"
)

// Binance decodes Binance spot/futures websocket payloads. Binance message
// symbols are already canonical (BTCUSDT).
type Binance struct{}

// Venue returns "binance".
func (Binance) Venue() string { return "binance" }

type binanceAggTrade struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	TradeID   int64  `json:"a"`
	TradeTime int64  `json:"T"`
	Maker     bool   `json:"m"` // buyer is maker => taker sold
}

type binanceDepth struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	FirstID   uint64     `json:"U"`
	FinalID   uint64     `json:"u"`
	PrevFinal uint64     `json:"pu"` // futures streams only
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
	// REST snapshot shape
	LastUpdateID uint64     `json:"lastUpdateId"`
	SnapBids     [][]string `json:"bids"`
	SnapAsks     [][]string `json:"asks"`
}

type binanceKline struct {
	EventTime int64 `json:"E"`
	Symbol    string `json:"s"`
	K         struct {
		Start    int64  `json:"t"`
		End      int64  `json:"T"`
		Symbol   string `json:"s"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

type binanceMarkPrice struct {
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	IndexPrice  string `json:"i"`
	FundingRate string `json:"r"`
	NextFunding int64  `json:"T"`
}

type binanceTicker struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	BestBid   string `json:"b"`
	BestAsk   string `json:"a"`
	Volume    string `json:"v"`
}

type binanceForceOrder struct {
	EventTime int64 `json:"E"`
	Order     struct {
		Symbol    string `json:"s"`
		Side      string `json:"S"` // SELL = long liquidated
		Qty       string `json:"q"`
		Price     string `json:"p"`
		TradeTime int64  `json:"T"`
	} `json:"o"`
}

type binanceOpenInterest struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

// Decode implements Decoder.
func (d Binance) Decode(channel string, raw types.RawMessage) (Decoded, error) {
	var out Decoded
	switch channel {
	case "trade":
		var t binanceAggTrade
		if err := json.Unmarshal(raw.Data, &t); err != nil {
			return Decoded{}, fmt.Errorf("binance aggTrade: %w", err)
		}
		side := types.Buy
		if t.Maker {
			side = types.Sell
		}
		out.Trades = append(out.Trades, types.TradeEvent{
			Symbol:  t.Symbol,
			TradeID: fmt.Sprintf("%d", t.TradeID),
			Side:    side,
			Price:   parseF(t.Price),
			Size:    parseF(t.Qty),
			Unit:    types.UnitBase,
			TradeTs: types.TimeMS(t.TradeTime),
		})

	case "orderbook_snapshot":
		var depth binanceDepth
		if err := json.Unmarshal(raw.Data, &depth); err != nil {
			return Decoded{}, fmt.Errorf("binance depth snapshot: %w", err)
		}
		symbol := depth.Symbol
		if symbol == "" {
			symbol = raw.Symbol
		}
		bids, asks := depth.SnapBids, depth.SnapAsks
		if len(bids) == 0 && len(asks) == 0 {
			bids, asks = depth.Bids, depth.Asks
		}
		seq := seqFields{LastUpdateID: &depth.LastUpdateID, U: &depth.FinalID}.coerce(true)
		out.Snapshots = append(out.Snapshots, types.OrderbookL2Snapshot{
			Symbol:     symbol,
			UpdateID:   seq,
			Bids:       levels(bids),
			Asks:       levels(asks),
			ExchangeTs: types.TimeMS(depth.EventTime),
		})

	case "orderbook_delta":
		var depth binanceDepth
		if err := json.Unmarshal(raw.Data, &depth); err != nil {
			return Decoded{}, fmt.Errorf("binance depth update: %w", err)
		}
		out.Deltas = append(out.Deltas, types.OrderbookL2Delta{
			Symbol:       depth.Symbol,
			UpdateID:     types.Seq(depth.FinalID),
			PrevUpdateID: types.Seq(depth.PrevFinal),
			Bids:         levels(depth.Bids),
			Asks:         levels(depth.Asks),
			ExchangeTs:   types.TimeMS(depth.EventTime),
		})

	case "ticker":
		// The mark-price stream and the 24h ticker both normalize here.
		var mark binanceMarkPrice
		if err := json.Unmarshal(raw.Data, &mark); err == nil && mark.MarkPrice != "" {
			evt := types.TickerEvent{
				Symbol:     mark.Symbol,
				MarkPrice:  parseF(mark.MarkPrice),
				IndexPrice: parseF(mark.IndexPrice),
			}
			evt.Meta.TsExchange = types.TimeMS(mark.EventTime)
			out.Tickers = append(out.Tickers, evt)
			if mark.FundingRate != "" {
				f := types.FundingRateEvent{
					Symbol:        mark.Symbol,
					Rate:          parseF(mark.FundingRate),
					NextFundingTs: types.TimeMS(mark.NextFunding),
				}
				f.Meta.TsExchange = types.TimeMS(mark.EventTime)
				out.Fundings = append(out.Fundings, f)
			}
			return out, nil
		}
		var tk binanceTicker
		if err := json.Unmarshal(raw.Data, &tk); err != nil {
			return Decoded{}, fmt.Errorf("binance ticker: %w", err)
		}
		evt := types.TickerEvent{
			Symbol:    tk.Symbol,
			Price:     parseF(tk.Last),
			BestBid:   parseF(tk.BestBid),
			BestAsk:   parseF(tk.BestAsk),
			Volume24h: parseF(tk.Volume),
		}
		evt.Meta.TsExchange = types.TimeMS(tk.EventTime)
		out.Tickers = append(out.Tickers, evt)

	case "kline":
		var k binanceKline
		if err := json.Unmarshal(raw.Data, &k); err != nil {
			return Decoded{}, fmt.Errorf("binance kline: %w", err)
		}
		out.Klines = append(out.Klines, types.KlineEvent{
			Symbol:  k.K.Symbol,
			TF:      k.K.Interval,
			StartTs: types.TimeMS(k.K.Start),
			EndTs:   types.TimeMS(k.K.End),
			Open:    parseF(k.K.Open),
			High:    parseF(k.K.High),
			Low:     parseF(k.K.Low),
			Close:   parseF(k.K.Close),
			Volume:  parseF(k.K.Volume),
			Closed:  k.K.Closed,
		})

	case "liquidation":
		var fo binanceForceOrder
		if err := json.Unmarshal(raw.Data, &fo); err != nil {
			return Decoded{}, fmt.Errorf("binance forceOrder: %w", err)
		}
		side := types.Buy
		if fo.Order.Side == "SELL" {
			side = types.Sell
		}
		evt := types.LiquidationEvent{
			Symbol: fo.Order.Symbol,
			Side:   side,
			Price:  parseF(fo.Order.Price),
			Qty:    parseF(fo.Order.Qty),
			Unit:   types.UnitBase,
		}
		evt.Meta.TsExchange = types.TimeMS(fo.Order.TradeTime)
		out.Liquidations = append(out.Liquidations, evt)

	case "oi":
		var oi binanceOpenInterest
		if err := json.Unmarshal(raw.Data, &oi); err != nil {
			return Decoded{}, fmt.Errorf("binance openInterest: %w", err)
		}
		evt := types.OpenInterestEvent{
			Symbol:       oi.Symbol,
			OpenInterest: parseF(oi.OpenInterest),
			Unit:         types.UnitBase,
		}
		evt.Meta.TsExchange = types.TimeMS(oi.Time)
		out.OIs = append(out.OIs, evt)

	default:
		return Decoded{}, fmt.Errorf("binance: unsupported channel %s", channel)
	}
	return out, nil
}
