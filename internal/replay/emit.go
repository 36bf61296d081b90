package replay

import (
	"encoding/json"
	"fmt"

	"marketpipe/internal/bus"
	"marketpipe/pkg/types"
)

// emitFunc re-publishes one journal record's payload on its topic with the
// replay meta rules applied.
type emitFunc func(b *bus.Bus, rec rawRecord) error

// replayMeta applies the shared overrides: source becomes "replay",
// correlationId and tsExchange are preserved as journaled, and ts is forced
// to the topic's authoritative time.
func replayMeta(m *types.Meta, authoritative types.TimeMS) {
	m.Source = "replay"
	if authoritative > 0 {
		m.Ts = authoritative
		m.TsEvent = authoritative
	}
}

// emitters is the compile-time replay table: topic name to typed decoder
// and authoritative-time rule. Klines use endTs, trades tradeTs, orderbook
// events exchangeTs; everything else keeps the journaled tsEvent.
var emitters = map[string]emitFunc{
	bus.TopicTicker.Name(): func(b *bus.Bus, rec rawRecord) error {
		var e types.TickerEvent
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return fmt.Errorf("ticker payload: %w", err)
		}
		if e.Symbol == "" {
			return fmt.Errorf("ticker payload: missing symbol")
		}
		replayMeta(&e.Meta, e.Meta.TsEvent)
		bus.Publish(b, bus.TopicTicker, e)
		return nil
	},
	bus.TopicKline.Name(): func(b *bus.Bus, rec rawRecord) error {
		var e types.KlineEvent
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return fmt.Errorf("kline payload: %w", err)
		}
		if e.Symbol == "" || e.TF == "" {
			return fmt.Errorf("kline payload: missing symbol or tf")
		}
		replayMeta(&e.Meta, e.EndTs)
		bus.Publish(b, bus.TopicKline, e)
		return nil
	},
	bus.TopicTrade.Name(): func(b *bus.Bus, rec rawRecord) error {
		var e types.TradeEvent
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return fmt.Errorf("trade payload: %w", err)
		}
		if e.Symbol == "" {
			return fmt.Errorf("trade payload: missing symbol")
		}
		replayMeta(&e.Meta, e.TradeTs)
		bus.Publish(b, bus.TopicTrade, e)
		return nil
	},
	bus.TopicOrderbookL2Snapshot.Name(): func(b *bus.Bus, rec rawRecord) error {
		var e types.OrderbookL2Snapshot
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return fmt.Errorf("orderbook snapshot payload: %w", err)
		}
		if e.Symbol == "" {
			return fmt.Errorf("orderbook snapshot payload: missing symbol")
		}
		replayMeta(&e.Meta, e.ExchangeTs)
		bus.Publish(b, bus.TopicOrderbookL2Snapshot, e)
		return nil
	},
	bus.TopicOrderbookL2Delta.Name(): func(b *bus.Bus, rec rawRecord) error {
		var e types.OrderbookL2Delta
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return fmt.Errorf("orderbook delta payload: %w", err)
		}
		if e.Symbol == "" {
			return fmt.Errorf("orderbook delta payload: missing symbol")
		}
		replayMeta(&e.Meta, e.ExchangeTs)
		bus.Publish(b, bus.TopicOrderbookL2Delta, e)
		return nil
	},
	bus.TopicOpenInterest.Name(): func(b *bus.Bus, rec rawRecord) error {
		var e types.OpenInterestEvent
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return fmt.Errorf("oi payload: %w", err)
		}
		if e.Symbol == "" {
			return fmt.Errorf("oi payload: missing symbol")
		}
		replayMeta(&e.Meta, e.Meta.TsEvent)
		bus.Publish(b, bus.TopicOpenInterest, e)
		return nil
	},
	bus.TopicFunding.Name(): func(b *bus.Bus, rec rawRecord) error {
		var e types.FundingRateEvent
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return fmt.Errorf("funding payload: %w", err)
		}
		if e.Symbol == "" {
			return fmt.Errorf("funding payload: missing symbol")
		}
		replayMeta(&e.Meta, e.Meta.TsEvent)
		bus.Publish(b, bus.TopicFunding, e)
		return nil
	},
	bus.TopicLiquidation.Name(): func(b *bus.Bus, rec rawRecord) error {
		var e types.LiquidationEvent
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return fmt.Errorf("liquidation payload: %w", err)
		}
		if e.Symbol == "" {
			return fmt.Errorf("liquidation payload: missing symbol")
		}
		replayMeta(&e.Meta, e.Meta.TsEvent)
		bus.Publish(b, bus.TopicLiquidation, e)
		return nil
	},
}
