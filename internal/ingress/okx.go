package ingress

import (
	"encoding/json"
	"fmt"
	"strings"

	"marketpipe/pkg/types"
)

// OKX decodes OKX v5 websocket payloads. OKX instrument ids
// (BTC-USDT, BTC-USDT-SWAP) map onto canonical symbols by dropping the
// dashes and the SWAP suffix.
type OKX struct{}

// Venue returns "okx".
func (OKX) Venue() string { return "okx" }

// MapSymbol converts an OKX instId to the canonical symbol.
func (OKX) MapSymbol(instID string) string {
	s := strings.TrimSuffix(instID, "-SWAP")
	return strings.ReplaceAll(s, "-", "")
}

type okxEnvelope struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Action string          `json:"action"` // books: snapshot | update
	Data   json.RawMessage `json:"data"`
}

type okxTrade struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"` // buy | sell
	Ts      string `json:"ts"`
}

type okxBook struct {
	Asks      [][]string `json:"asks"` // [px, sz, liqOrders, numOrders]
	Bids      [][]string `json:"bids"`
	Ts        string     `json:"ts"`
	SeqID     uint64     `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"` // -1 on snapshots
}

type okxTicker struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	BidPx   string `json:"bidPx"`
	AskPx   string `json:"askPx"`
	Vol24h  string `json:"vol24h"`
	MarkPx  string `json:"markPx"`
	IdxPx   string `json:"idxPx"`
	Ts      string `json:"ts"`
}

type okxKline []string // [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm]

type okxOpenInterest struct {
	InstID string `json:"instId"`
	OI     string `json:"oi"`    // contracts
	OICcy  string `json:"oiCcy"` // base currency
	Ts     string `json:"ts"`
}

type okxFunding struct {
	InstID      string `json:"instId"`
	FundingRate string `json:"fundingRate"`
	FundingTime string `json:"fundingTime"`
	Ts          string `json:"ts"`
}

type okxLiquidation struct {
	InstID  string `json:"instId"`
	Details []struct {
		Side  string `json:"side"`
		Sz    string `json:"sz"`
		BkPx  string `json:"bkPx"`
		Ts    string `json:"ts"`
	} `json:"details"`
}

// Decode implements Decoder.
func (d OKX) Decode(channel string, raw types.RawMessage) (Decoded, error) {
	var env okxEnvelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return Decoded{}, fmt.Errorf("okx envelope: %w", err)
	}
	symbol := d.MapSymbol(env.Arg.InstID)

	var out Decoded
	switch channel {
	case "trade":
		var trades []okxTrade
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			return Decoded{}, fmt.Errorf("okx trades: %w", err)
		}
		for _, t := range trades {
			side := types.Buy
			if t.Side == "sell" {
				side = types.Sell
			}
			out.Trades = append(out.Trades, types.TradeEvent{
				Symbol:  d.MapSymbol(t.InstID),
				TradeID: t.TradeID,
				Side:    side,
				Price:   parseF(t.Px),
				Size:    parseF(t.Sz),
				Unit:    types.UnitContracts,
				TradeTs: types.TimeMS(parseI(t.Ts)),
			})
		}

	case "orderbook_snapshot", "orderbook_delta":
		var books []okxBook
		if err := json.Unmarshal(env.Data, &books); err != nil {
			return Decoded{}, fmt.Errorf("okx books: %w", err)
		}
		for _, book := range books {
			ts := types.TimeMS(parseI(book.Ts))
			snapshot := env.Action == "snapshot" || channel == "orderbook_snapshot"
			if snapshot {
				out.Snapshots = append(out.Snapshots, types.OrderbookL2Snapshot{
					Symbol:     symbol,
					UpdateID:   types.Seq(book.SeqID),
					Bids:       levels(trimOkxLevels(book.Bids)),
					Asks:       levels(trimOkxLevels(book.Asks)),
					ExchangeTs: ts,
				})
			} else {
				prev := types.Seq(0)
				if book.PrevSeqID > 0 {
					prev = types.Seq(book.PrevSeqID)
				}
				out.Deltas = append(out.Deltas, types.OrderbookL2Delta{
					Symbol:       symbol,
					UpdateID:     types.Seq(book.SeqID),
					PrevUpdateID: prev,
					Bids:         levels(trimOkxLevels(book.Bids)),
					Asks:         levels(trimOkxLevels(book.Asks)),
					ExchangeTs:   ts,
				})
			}
		}

	case "ticker":
		var ticks []okxTicker
		if err := json.Unmarshal(env.Data, &ticks); err != nil {
			return Decoded{}, fmt.Errorf("okx tickers: %w", err)
		}
		for _, tk := range ticks {
			evt := types.TickerEvent{
				Symbol:     d.MapSymbol(tk.InstID),
				Price:      parseF(tk.Last),
				BestBid:    parseF(tk.BidPx),
				BestAsk:    parseF(tk.AskPx),
				Volume24h:  parseF(tk.Vol24h),
				MarkPrice:  parseF(tk.MarkPx),
				IndexPrice: parseF(tk.IdxPx),
			}
			evt.Meta.TsExchange = types.TimeMS(parseI(tk.Ts))
			out.Tickers = append(out.Tickers, evt)
		}

	case "kline":
		var rows []okxKline
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return Decoded{}, fmt.Errorf("okx klines: %w", err)
		}
		tf := okxBarToTf(env.Arg.Channel)
		for _, row := range rows {
			if len(row) < 9 {
				continue
			}
			start := parseI(row[0])
			out.Klines = append(out.Klines, types.KlineEvent{
				Symbol:  symbol,
				TF:      tf,
				StartTs: types.TimeMS(start),
				EndTs:   types.TimeMS(start) + types.TimeMS(tfMillis(tf)),
				Open:    parseF(row[1]),
				High:    parseF(row[2]),
				Low:     parseF(row[3]),
				Close:   parseF(row[4]),
				Volume:  parseF(row[5]),
				Closed:  row[8] == "1",
			})
		}

	case "oi":
		var ois []okxOpenInterest
		if err := json.Unmarshal(env.Data, &ois); err != nil {
			return Decoded{}, fmt.Errorf("okx oi: %w", err)
		}
		for _, oi := range ois {
			evt := types.OpenInterestEvent{
				Symbol: d.MapSymbol(oi.InstID),
			}
			// Prefer the base-currency figure when present; fall back to
			// raw contracts (convertible only with a contract size).
			if v := parseF(oi.OICcy); v > 0 {
				evt.OpenInterest = v
				evt.Unit = types.UnitBase
			} else {
				evt.OpenInterest = parseF(oi.OI)
				evt.Unit = types.UnitContracts
			}
			evt.Meta.TsExchange = types.TimeMS(parseI(oi.Ts))
			out.OIs = append(out.OIs, evt)
		}

	case "funding":
		var rates []okxFunding
		if err := json.Unmarshal(env.Data, &rates); err != nil {
			return Decoded{}, fmt.Errorf("okx funding: %w", err)
		}
		for _, r := range rates {
			f := types.FundingRateEvent{
				Symbol:        d.MapSymbol(r.InstID),
				Rate:          parseF(r.FundingRate),
				NextFundingTs: types.TimeMS(parseI(r.FundingTime)),
			}
			f.Meta.TsExchange = types.TimeMS(parseI(r.Ts))
			out.Fundings = append(out.Fundings, f)
		}

	case "liquidation":
		var liqs []okxLiquidation
		if err := json.Unmarshal(env.Data, &liqs); err != nil {
			return Decoded{}, fmt.Errorf("okx liquidations: %w", err)
		}
		for _, liq := range liqs {
			sym := d.MapSymbol(liq.InstID)
			for _, det := range liq.Details {
				side := types.Buy
				if det.Side == "sell" {
					side = types.Sell
				}
				evt := types.LiquidationEvent{
					Symbol: sym,
					Side:   side,
					Price:  parseF(det.BkPx),
					Qty:    parseF(det.Sz),
					Unit:   types.UnitContracts,
				}
				evt.Meta.TsExchange = types.TimeMS(parseI(det.Ts))
				out.Liquidations = append(out.Liquidations, evt)
			}
		}

	default:
		return Decoded{}, fmt.Errorf("okx: unsupported channel %s", channel)
	}
	return out, nil
}

// trimOkxLevels drops the order-count columns, keeping [px, sz].
func trimOkxLevels(rows [][]string) [][]string {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		if len(row) >= 2 {
			out = append(out, row[:2])
		}
	}
	return out
}

// okxBarToTf maps candle channel names ("candle1m", "candle1H") to tf.
func okxBarToTf(channel string) string {
	bar := strings.TrimPrefix(channel, "candle")
	return strings.ToLower(bar)
}

func tfMillis(tf string) int64 {
	switch tf {
	case "1m":
		return 60_000
	case "5m":
		return 300_000
	case "15m":
		return 900_000
	case "1h":
		return 3_600_000
	case "4h":
		return 14_400_000
	case "1d":
		return 86_400_000
	default:
		return 60_000
	}
}
