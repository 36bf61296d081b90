package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"marketpipe/pkg/types"
)

// Dialect captures what differs between venue websocket protocols: how to
// phrase subscriptions and how to classify inbound frames onto the raw
// topics. Decoding the frame body stays in the ingress normalizers; the
// gateway only routes.
type Dialect interface {
	Venue() string
	// SubscribeMsgs builds the subscription payloads for the given
	// channels/symbols/tfs.
	SubscribeMsgs(channels, symbols, tfs []string) []any
	// Classify maps one inbound frame to a channel class
	// (trade, orderbook_snapshot, orderbook_delta, ticker, kline, oi,
	// funding, liquidation) and the native symbol. ok=false means the
	// frame is transport chatter (pongs, acks) to be ignored.
	Classify(frame []byte) (channel, symbol string, ok bool)
}

// BybitDialect implements the Bybit v5 public stream protocol.
type BybitDialect struct{}

func (BybitDialect) Venue() string { return "bybit" }

// SubscribeMsgs builds {"op":"subscribe","args":[...]} requests.
func (BybitDialect) SubscribeMsgs(channels, symbols, tfs []string) []any {
	var args []string
	for _, ch := range channels {
		for _, sym := range symbols {
			switch ch {
			case "trade":
				args = append(args, "publicTrade."+sym)
			case "orderbook":
				args = append(args, "orderbook.50."+sym)
			case "ticker":
				args = append(args, "tickers."+sym)
			case "kline":
				for _, tf := range tfs {
					args = append(args, "kline."+bybitBar(tf)+"."+sym)
				}
			case "liquidation":
				args = append(args, "liquidation."+sym)
			}
		}
	}
	if len(args) == 0 {
		return nil
	}
	return []any{map[string]any{"op": "subscribe", "args": args}}
}

func bybitBar(tf string) string {
	switch tf {
	case "1m":
		return "1"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d":
		return "D"
	default:
		return tf
	}
}

// Classify routes by the topic prefix of the frame.
func (BybitDialect) Classify(frame []byte) (string, string, bool) {
	var head struct {
		Topic string `json:"topic"`
		Type  string `json:"type"`
		Op    string `json:"op"`
	}
	if err := json.Unmarshal(frame, &head); err != nil || head.Topic == "" {
		return "", "", false
	}
	parts := strings.Split(head.Topic, ".")
	symbol := parts[len(parts)-1]
	switch {
	case strings.HasPrefix(head.Topic, "publicTrade."):
		return "trade", symbol, true
	case strings.HasPrefix(head.Topic, "orderbook."):
		if head.Type == "snapshot" {
			return "orderbook_snapshot", symbol, true
		}
		return "orderbook_delta", symbol, true
	case strings.HasPrefix(head.Topic, "tickers."):
		return "ticker", symbol, true
	case strings.HasPrefix(head.Topic, "kline."):
		return "kline", symbol, true
	case strings.HasPrefix(head.Topic, "liquidation."):
		return "liquidation", symbol, true
	}
	return "", "", false
}

// BinanceDialect implements the Binance combined-stream protocol.
type BinanceDialect struct{}

func (BinanceDialect) Venue() string { return "binance" }

// SubscribeMsgs builds SUBSCRIBE requests with stream names.
func (BinanceDialect) SubscribeMsgs(channels, symbols, tfs []string) []any {
	var params []string
	for _, ch := range channels {
		for _, sym := range symbols {
			lower := strings.ToLower(sym)
			switch ch {
			case "trade":
				params = append(params, lower+"@aggTrade")
			case "orderbook":
				params = append(params, lower+"@depth@100ms")
			case "ticker":
				params = append(params, lower+"@ticker", lower+"@markPrice@1s")
			case "kline":
				for _, tf := range tfs {
					params = append(params, lower+"@kline_"+tf)
				}
			case "liquidation":
				params = append(params, lower+"@forceOrder")
			}
		}
	}
	if len(params) == 0 {
		return nil
	}
	return []any{map[string]any{"method": "SUBSCRIBE", "params": params, "id": 1}}
}

// Classify routes by the "e" event-type field.
func (BinanceDialect) Classify(frame []byte) (string, string, bool) {
	var head struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
	}
	if err := json.Unmarshal(frame, &head); err != nil || head.EventType == "" {
		return "", "", false
	}
	switch head.EventType {
	case "aggTrade", "trade":
		return "trade", head.Symbol, true
	case "depthUpdate":
		return "orderbook_delta", head.Symbol, true
	case "24hrTicker":
		return "ticker", head.Symbol, true
	case "markPriceUpdate":
		return "ticker", head.Symbol, true
	case "kline":
		return "kline", head.Symbol, true
	case "forceOrder":
		return "liquidation", head.Symbol, true
	}
	return "", "", false
}

// OKXDialect implements the OKX v5 public stream protocol.
type OKXDialect struct{}

func (OKXDialect) Venue() string { return "okx" }

// okxInstID renders the OKX instrument id for a canonical symbol. Futures map
// onto the USDT perpetual swap.
func okxInstID(symbol string, market types.MarketType) string {
	base := strings.TrimSuffix(symbol, "USDT")
	inst := base + "-USDT"
	if market == types.MarketFutures {
		inst += "-SWAP"
	}
	return inst
}

// SubscribeMsgs builds {"op":"subscribe","args":[{channel,instId}...]}.
// Instruments subscribe as USDT perpetual swaps; the spot spelling would
// come from a spot-market feed config, which okx targets do not use here.
func (OKXDialect) SubscribeMsgs(channels, symbols, tfs []string) []any {
	var args []map[string]string
	add := func(channel, inst string) {
		args = append(args, map[string]string{"channel": channel, "instId": inst})
	}
	for _, ch := range channels {
		for _, sym := range symbols {
			swap := okxInstID(sym, types.MarketFutures)
			switch ch {
			case "trade":
				add("trades", swap)
			case "orderbook":
				add("books", swap)
			case "ticker":
				add("tickers", swap)
			case "kline":
				for _, tf := range tfs {
					add("candle"+strings.ToUpper(tf), swap)
				}
			case "oi":
				add("open-interest", swap)
			case "funding":
				add("funding-rate", swap)
			case "liquidation":
				add("liquidation-orders", swap)
			}
		}
	}
	if len(args) == 0 {
		return nil
	}
	return []any{map[string]any{"op": "subscribe", "args": args}}
}

// Classify routes by arg.channel.
func (OKXDialect) Classify(frame []byte) (string, string, bool) {
	var head struct {
		Arg struct {
			Channel string `json:"channel"`
			InstID  string `json:"instId"`
		} `json:"arg"`
		Event string `json:"event"`
	}
	if err := json.Unmarshal(frame, &head); err != nil || head.Event != "" || head.Arg.Channel == "" {
		return "", "", false
	}
	switch {
	case head.Arg.Channel == "trades":
		return "trade", head.Arg.InstID, true
	case head.Arg.Channel == "books":
		// Snapshot/update split happens in the decoder via action.
		return "orderbook_delta", head.Arg.InstID, true
	case head.Arg.Channel == "tickers":
		return "ticker", head.Arg.InstID, true
	case strings.HasPrefix(head.Arg.Channel, "candle"):
		return "kline", head.Arg.InstID, true
	case head.Arg.Channel == "open-interest":
		return "oi", head.Arg.InstID, true
	case head.Arg.Channel == "funding-rate":
		return "funding", head.Arg.InstID, true
	case head.Arg.Channel == "liquidation-orders":
		return "liquidation", head.Arg.InstID, true
	}
	return "", "", false
}

// DialectFor resolves the dialect for a configured venue name.
func DialectFor(venue string) (Dialect, error) {
	switch venue {
	case "bybit":
		return BybitDialect{}, nil
	case "binance":
		return BinanceDialect{}, nil
	case "okx":
		return OKXDialect{}, nil
	default:
		return nil, fmt.Errorf("unknown venue %q", venue)
	}
}
